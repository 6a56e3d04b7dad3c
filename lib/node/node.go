package node

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-batt/nowlink/lib/beacon"
	"github.com/go-batt/nowlink/lib/channel"
	"github.com/go-batt/nowlink/lib/command"
	"github.com/go-batt/nowlink/lib/configsync"
	"github.com/go-batt/nowlink/lib/conn"
	"github.com/go-batt/nowlink/lib/diag"
	apperrors "github.com/go-batt/nowlink/lib/errors"
	"github.com/go-batt/nowlink/lib/peer"
	"github.com/go-batt/nowlink/lib/radio"
	"github.com/go-batt/nowlink/lib/router"
	"github.com/go-batt/nowlink/lib/store"
	"github.com/go-batt/nowlink/lib/uplink"
	"github.com/go-batt/nowlink/lib/wire"
	"github.com/go-batt/nowlink/version"
)

// NodeState represents the current state of the node.
type NodeState int

const (
	// StateInitial is the initial state before Start is called.
	StateInitial NodeState = iota
	// StateStarting means the node is in the process of starting.
	StateStarting
	// StateRunning means the node is fully operational.
	StateRunning
	// StateStopping means the node is shutting down.
	StateStopping
	// StateStopped means the node has been stopped.
	StateStopped
)

func (s NodeState) String() string {
	switch s {
	case StateInitial:
		return "initial"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Node is the main orchestrator for a nowlink radio node. It runs the
// connection state machine for the configured role, the configuration
// sync layer on top of it, and the role's supporting services: version
// beacons, command dispatch, snapshot persistence, and the MQTT uplink
// on the transmitter; the snapshot cache on the receiver.
//
// All protocol work happens on one worker goroutine: received frames
// are drained from the inbound queue and dispatched, and a periodic
// tick drives the passive state machines.
type Node struct {
	mu     sync.RWMutex
	config *Config
	logger *slog.Logger
	state  NodeState

	driver radio.Driver
	queue  *radio.Queue
	router *router.Router
	peers  *peer.Registry

	// Transmitter role
	tx        *conn.Transmitter
	chmgr     *channel.Manager
	authority *configsync.Authority
	bcast     *beacon.Broadcaster
	commands  *command.Dispatcher
	store     *store.Store
	up        *uplink.Uplink

	// Receiver role
	rx    *conn.Receiver
	cache *configsync.Cache

	// Latest SOC/power record received over the link.
	telemetry    wire.Data
	telemetryAt  time.Time
	hasTelemetry bool

	// hooks bind control commands to the host program. Set before Start.
	hooks command.Hooks

	// cancel is used to signal shutdown to the worker goroutine
	cancel context.CancelFunc
	// done signals that the node has fully stopped
	done chan struct{}

	// startedAt tracks when the node started
	startedAt time.Time

	// Event callbacks for UI integration
	onStateChange func(oldState, newState NodeState)
	onError       func(err error, message string)
}

// NewNode creates a new Node over the given radio driver.
// The node is not started until Start() is called.
func NewNode(cfg *Config, driver radio.Driver, logger *slog.Logger) (*Node, error) {
	if cfg == nil {
		return nil, apperrors.ErrNodeConfigRequired
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if driver == nil {
		return nil, fmt.Errorf("%w: radio driver is required", apperrors.ErrNodeInvalidConfig)
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Node{
		config: cfg,
		logger: logger.With("component", "node"),
		driver: driver,
		state:  StateInitial,
		done:   make(chan struct{}),
	}, nil
}

// SetCommandHooks binds the control commands (reboot, LED, debug level,
// telemetry streams, OTA) to the host program. Must be called before
// Start; hooks left nil are acknowledged but otherwise ignored.
func (n *Node) SetCommandHooks(h command.Hooks) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.hooks = h
}

// Start initializes and starts all node components.
// This includes:
//   - Creating the data directory
//   - Building the frame router and the role's state machine
//   - Loading the persisted snapshot (transmitter)
//   - Powering up the radio driver
//   - Starting the worker goroutine
//
// Start blocks until the node is fully initialized or an error occurs.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	if n.state != StateInitial && n.state != StateStopped {
		n.mu.Unlock()
		return fmt.Errorf("%w: cannot start node in state %s", apperrors.ErrNodeInvalidState, n.state)
	}
	oldState := n.state
	n.state = StateStarting
	n.done = make(chan struct{})
	n.mu.Unlock()

	n.emitStateChange(oldState, StateStarting)

	// Create a cancellable context for the node's lifetime
	nodeCtx, cancel := context.WithCancel(ctx)
	n.cancel = cancel

	n.logger.Info("starting node",
		"name", n.config.Node.Name,
		"role", n.config.Node.Role,
		"data_dir", n.config.Node.DataDir,
	)

	if err := n.config.EnsureDataDir(); err != nil {
		cancel()
		n.transitionToStopped()
		n.emitError(err, "failed to create data directory")
		return fmt.Errorf("creating data directory: %w", err)
	}

	n.queue = radio.NewQueue(n.config.Radio.QueueDepth)
	n.router = router.New(n.logger)
	n.peers = peer.NewRegistry(n.driver)
	// Only the registered peer's frames reach handlers; discovery is
	// exempt because it runs before registration.
	n.router.SetPeerGate(n.peers.Known)

	var err error
	switch n.config.Node.Role {
	case RoleTransmitter:
		err = n.assembleTransmitter()
	case RoleReceiver:
		err = n.assembleReceiver()
	}
	if err != nil {
		cancel()
		n.transitionToStopped()
		n.emitError(err, "failed to assemble node")
		return err
	}

	if err := n.driver.Start(n.onRecv, n.onSent); err != nil {
		cancel()
		n.transitionToStopped()
		n.emitError(err, "failed to start radio driver")
		return fmt.Errorf("starting radio driver: %w", err)
	}
	if n.tx != nil {
		if err := n.tx.Start(); err != nil {
			cancel()
			n.transitionToStopped()
			return err
		}
	}
	if n.rx != nil {
		if err := n.rx.Start(); err != nil {
			cancel()
			n.transitionToStopped()
			return err
		}
	}
	if n.store != nil {
		n.store.Start()
	}
	if n.up != nil {
		// A dead broker must not block node startup.
		if err := n.up.Connect(); err != nil {
			n.logger.Warn("uplink connect failed, will retry on reconfigure", "error", err)
			n.emitError(err, "uplink connect failed")
		}
	}

	n.mu.Lock()
	n.state = StateRunning
	n.startedAt = time.Now()
	n.mu.Unlock()

	n.emitStateChange(StateStarting, StateRunning)
	n.logger.Info("node started", "address", n.driver.LocalAddr(), "channel", n.driver.Channel())

	go n.run(nodeCtx)

	return nil
}

// assembleTransmitter builds the battery-side subsystem graph.
func (n *Node) assembleTransmitter() error {
	n.chmgr = channel.NewManager(n.driver)
	txCfg := conn.DefaultTransmitterConfig()
	txCfg.Logger = n.logger
	txCfg.DiscoveryStart = uint8(n.config.Radio.HomeChannel)
	if n.config.Link.HeartbeatInterval > 0 {
		txCfg.HeartbeatInterval = n.config.Link.HeartbeatInterval
	}
	if n.config.Link.MaxMissedAcks > 0 {
		txCfg.MaxMissedAcks = n.config.Link.MaxMissedAcks
	}
	txCfg.Events.OnConnected = func(peerAddr wire.Addr, ch uint8) {
		// Advertise versions right away so the receiver can resync.
		if n.bcast != nil {
			if err := n.bcast.Force(); err != nil {
				n.logger.Debug("post-connect beacon skipped", "error", err)
			}
		}
	}
	n.tx = conn.NewTransmitter(txCfg, n.driver, n.peers, n.chmgr)
	n.tx.RegisterRoutes(n.router)

	n.store = store.New(store.Config{
		Path:   n.config.DataPath(DefaultSnapshotFile),
		Logger: n.logger,
	})
	snap, ok, err := n.store.Load()
	if err != nil {
		n.logger.Warn("persisted snapshot unreadable, starting fresh", "error", err)
	}
	if !ok {
		snap = wire.Snapshot{}
	}

	if n.config.Uplink.Enabled {
		n.up = uplink.New(uplink.Config{Logger: n.logger})
		if err := n.up.Reconfigure(snap.Mqtt); err != nil {
			n.logger.Warn("uplink reconfigure failed", "error", err)
		}
		for _, filter := range n.config.Uplink.Subscriptions {
			if err := n.up.Subscribe(filter); err != nil {
				n.logger.Warn("uplink subscribe failed", "filter", filter, "error", err)
			}
		}
	}

	n.authority = configsync.NewAuthority(configsync.AuthorityConfig{
		Send:   n.tx.Send,
		Logger: n.logger,
		OnChange: func(s wire.Snapshot) {
			n.store.Put(s)
			if n.up != nil {
				if err := n.up.Reconfigure(s.Mqtt); err != nil {
					n.logger.Warn("uplink reconfigure failed", "error", err)
					n.emitError(err, "uplink reconfigure failed")
				}
			}
		},
	}, snap)
	n.authority.RegisterRoutes(n.router)

	major, minor, patch := version.Parts()
	n.bcast = beacon.New(beacon.Config{
		Interval: n.config.Beacon.Interval,
		EnvName:  version.EnvName,
		Major:    major,
		Minor:    minor,
		Patch:    patch,
		Logger:   n.logger,
		Gate: func() bool {
			return n.tx.State().Up()
		},
	}, n.driver, n.authority, func() (mqttUp, ethernetUp bool) {
		if n.up == nil {
			return false, false
		}
		return n.up.Connected(), false
	})

	hooks := n.hooks
	if hooks.Metadata == nil {
		hooks.Metadata = version.Metadata
	}
	n.commands = command.New(command.Config{
		Send:   n.tx.Send,
		Logger: n.logger,
		Hooks:  hooks,
	})
	n.commands.RegisterRoutes(n.router)
	return nil
}

// assembleReceiver builds the display-side subsystem graph.
func (n *Node) assembleReceiver() error {
	rxCfg := conn.DefaultReceiverConfig()
	rxCfg.Logger = n.logger
	rxCfg.HomeChannel = uint8(n.config.Radio.HomeChannel)
	if n.config.Link.SilenceTimeout > 0 {
		rxCfg.SilenceTimeout = n.config.Link.SilenceTimeout
	}
	rxCfg.Events.OnConnected = func(peerAddr wire.Addr, ch uint8) {
		// Pull the full snapshot as soon as the link is up.
		if err := n.cache.RequestFull(); err != nil {
			n.logger.Debug("snapshot request deferred", "error", err)
		}
	}
	rxCfg.Events.OnDisconnected = func(reason string) {
		// A partial snapshot transfer must not outlive the link that
		// was feeding it.
		n.cache.AbandonTransfer()
	}
	n.rx = conn.NewReceiver(rxCfg, n.driver, n.peers)
	n.rx.RegisterRoutes(n.router)

	n.cache = configsync.NewCache(configsync.CacheConfig{
		Send:   n.rx.Send,
		Logger: n.logger,
	})
	n.cache.RegisterRoutes(n.router)

	n.router.Handle(wire.MsgData, func(from wire.Addr, p []byte) {
		var d wire.Data
		if err := d.Parse(p); err != nil {
			n.logger.Debug("bad telemetry frame", "from", from, "error", err)
			return
		}
		n.mu.Lock()
		n.telemetry = d
		n.telemetryAt = time.Now()
		n.hasTelemetry = true
		n.mu.Unlock()
	})
	return nil
}

// onRecv runs on the driver's receive path. It must not block: frames
// go into the bounded queue and the worker picks them up.
func (n *Node) onRecv(f radio.Frame) {
	n.queue.Enqueue(f)
}

// onSent feeds unicast delivery outcomes to the transmitter's quality
// window.
func (n *Node) onSent(o radio.SendOutcome) {
	if n.tx != nil {
		n.tx.OnSendOutcome(o)
	}
}

// run is the worker loop. It owns all protocol state: frame dispatch
// and machine ticks both happen here, so handlers never race.
func (n *Node) run(ctx context.Context) {
	defer close(n.done)

	tick := n.config.Radio.Tick
	if tick <= 0 {
		tick = DefaultTick
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			n.shutdown()
			return
		case f := <-n.queue.C():
			if n.rx != nil {
				n.rx.Observe(f.From)
			}
			n.router.Dispatch(f.From, f.Payload)
		case <-ticker.C:
			if n.tx != nil {
				n.tx.Step()
			}
			if n.rx != nil {
				n.rx.Step()
			}
			if n.bcast != nil {
				n.bcast.Step()
			}
			if n.cache != nil {
				n.cache.Tick()
			}
		}
	}
}

// shutdown tears the subsystems down in dependency order.
func (n *Node) shutdown() {
	n.logger.Info("node shutting down")

	if n.up != nil {
		n.up.Close()
	}
	if n.store != nil {
		n.store.Stop()
	}
	if err := n.driver.Close(); err != nil {
		n.logger.Warn("driver close failed", "error", err)
	}

	n.mu.Lock()
	oldState := n.state
	n.state = StateStopped
	n.mu.Unlock()

	n.emitStateChange(oldState, StateStopped)
}

// Stop gracefully shuts down the node.
// It blocks until all components have stopped or the context is cancelled.
func (n *Node) Stop(ctx context.Context) error {
	n.mu.Lock()
	if n.state != StateRunning {
		n.mu.Unlock()
		return fmt.Errorf("%w: cannot stop node in state %s", apperrors.ErrNodeInvalidState, n.state)
	}
	n.state = StateStopping
	cancel := n.cancel
	n.mu.Unlock()

	n.emitStateChange(StateRunning, StateStopping)
	n.logger.Info("stopping node")

	if cancel != nil {
		cancel()
	}

	select {
	case <-n.done:
		n.logger.Info("node stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// transitionToStopped updates the state to stopped.
func (n *Node) transitionToStopped() {
	n.mu.Lock()
	n.state = StateStopped
	n.mu.Unlock()
}

// SendTelemetry pushes a real-time SOC/power record over the link and,
// when the uplink is up, to the MQTT broker. Transmitter role only.
func (n *Node) SendTelemetry(d wire.Data) error {
	if n.tx == nil {
		return fmt.Errorf("%w: telemetry is transmitter-side", apperrors.ErrNodeInvalidState)
	}
	err := n.tx.Send(d.Encode())
	if n.up != nil {
		if perr := n.up.Publish("status", map[string]any{
			"soc":   d.SOC,
			"power": d.Power,
		}); perr != nil && !apperrors.Is(perr, apperrors.ErrCircuitOpen) {
			n.logger.Debug("telemetry publish failed", "error", perr)
		}
	}
	return err
}

// Telemetry returns the last SOC/power record received over the link
// and when it arrived. ok is false before the first record.
func (n *Node) Telemetry() (d wire.Data, at time.Time, ok bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.telemetry, n.telemetryAt, n.hasTelemetry
}

// Diag assembles a point-in-time diagnostics report.
func (n *Node) Diag() diag.Report {
	s := diag.Sources{
		Role:      n.config.Node.Role,
		TX:        n.tx,
		RX:        n.rx,
		Driver:    n.driver,
		Queue:     n.queue,
		Peers:     n.peers,
		Router:    n.router,
		StartedAt: n.StartedAt(),
	}
	switch {
	case n.authority != nil:
		s.Versions = n.authority.Versions
	case n.cache != nil:
		s.Versions = n.cache.Versions
	}
	return diag.Collect(s)
}

// State returns the current state of the node.
func (n *Node) State() NodeState {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state
}

// Config returns the node's configuration.
func (n *Node) Config() *Config {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.config
}

// Done returns a channel that is closed when the node has stopped.
func (n *Node) Done() <-chan struct{} {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.done
}

// StartedAt returns when the node was started.
// Returns zero time if not started.
func (n *Node) StartedAt() time.Time {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.startedAt
}

// Uptime returns how long the node has been running.
// Returns zero if not running.
func (n *Node) Uptime() time.Duration {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.startedAt.IsZero() || n.state != StateRunning {
		return 0
	}
	return time.Since(n.startedAt)
}

// Authority returns the transmitter's snapshot owner, or nil on a receiver.
func (n *Node) Authority() *configsync.Authority { return n.authority }

// Cache returns the receiver's snapshot cache, or nil on a transmitter.
func (n *Node) Cache() *configsync.Cache { return n.cache }

// Transmitter returns the transmitter machine, or nil on a receiver.
func (n *Node) Transmitter() *conn.Transmitter { return n.tx }

// Receiver returns the receiver machine, or nil on a transmitter.
func (n *Node) Receiver() *conn.Receiver { return n.rx }

// Uplink returns the MQTT uplink, or nil when disabled or on a receiver.
func (n *Node) Uplink() *uplink.Uplink { return n.up }

// Beacon returns the version beacon broadcaster, or nil on a receiver.
func (n *Node) Beacon() *beacon.Broadcaster { return n.bcast }

// SetOnStateChange sets a callback for state changes.
// The callback is invoked synchronously during state transitions.
func (n *Node) SetOnStateChange(callback func(oldState, newState NodeState)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onStateChange = callback
}

// SetOnError sets a callback for error events.
// The callback is invoked when recoverable errors occur.
func (n *Node) SetOnError(callback func(err error, message string)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onError = callback
}

// emitStateChange notifies the state change callback if set.
func (n *Node) emitStateChange(oldState, newState NodeState) {
	n.mu.RLock()
	callback := n.onStateChange
	n.mu.RUnlock()

	if callback != nil {
		callback(oldState, newState)
	}
}

// emitError notifies the error callback if set.
func (n *Node) emitError(err error, message string) {
	n.mu.RLock()
	callback := n.onError
	n.mu.RUnlock()

	if callback != nil {
		callback(err, message)
	}
}
