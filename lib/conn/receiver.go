package conn

import (
	"log/slog"
	"sync"
	"time"

	apperrors "github.com/go-batt/nowlink/lib/errors"
	"github.com/go-batt/nowlink/lib/metrics"
	"github.com/go-batt/nowlink/lib/peer"
	"github.com/go-batt/nowlink/lib/radio"
	"github.com/go-batt/nowlink/lib/router"
	"github.com/go-batt/nowlink/lib/wire"
)

// ReceiverConfig configures the receiver-side machine.
type ReceiverConfig struct {
	// HomeChannel is the channel the receiver parks on and advertises.
	HomeChannel uint8
	// LockWindow is how long the transmitter gets to complete its lock
	// sequence after the ack before the receiver gives up on it.
	LockWindow time.Duration
	// SilenceTimeout severs the link after this much radio silence.
	SilenceTimeout time.Duration
	// DegradedAfter marks the link degraded after this much silence.
	DegradedAfter time.Duration
	// Logger for state machine events.
	Logger *slog.Logger
	// Events are the lifecycle callbacks.
	Events Events
}

// DefaultReceiverConfig returns the stock profile. The lock window is
// generous: the transmitter's sequence takes 450 ms plus a retune, and
// a retry probe cycle may precede it.
func DefaultReceiverConfig() ReceiverConfig {
	return ReceiverConfig{
		HomeChannel:    wire.MinChannel,
		LockWindow:     5 * time.Second,
		SilenceTimeout: DefaultSilenceTimeout,
		DegradedAfter:  3 * DefaultHeartbeatInterval,
	}
}

// Receiver is the display-node side of the link. It parks on its home
// channel, answers discovery probes, and watches heartbeat traffic for
// liveness. It never initiates anything.
type Receiver struct {
	cfg    ReceiverConfig
	logger *slog.Logger

	driver  radio.Driver
	peers   *peer.Registry
	silence *silenceTracker
	history *History

	mu         sync.RWMutex
	state      State
	stateSince time.Time
	peerAddr   wire.Addr
	startedAt  time.Time

	now func() time.Time
}

// NewReceiver wires a receiver machine over the given driver.
func NewReceiver(cfg ReceiverConfig, driver radio.Driver, peers *peer.Registry) *Receiver {
	def := DefaultReceiverConfig()
	if !wire.ValidChannel(cfg.HomeChannel) {
		cfg.HomeChannel = def.HomeChannel
	}
	if cfg.LockWindow <= 0 {
		cfg.LockWindow = def.LockWindow
	}
	if cfg.SilenceTimeout <= 0 {
		cfg.SilenceTimeout = def.SilenceTimeout
	}
	if cfg.DegradedAfter <= 0 {
		cfg.DegradedAfter = def.DegradedAfter
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Receiver{
		cfg:     cfg,
		logger:  logger.With("component", "conn.rx"),
		driver:  driver,
		peers:   peers,
		silence: newSilenceTracker(cfg.SilenceTimeout, cfg.DegradedAfter),
		history: &History{},
		state:   StateUninitialized,
		now:     time.Now,
	}
}

// RegisterRoutes attaches the receiver's frame handlers.
func (r *Receiver) RegisterRoutes(rt *router.Router) {
	rt.Handle(wire.MsgProbe, r.handleProbe)
	rt.Handle(wire.MsgHeartbeat, r.handleHeartbeat)
}

// Start parks the radio on the home channel and begins listening.
func (r *Receiver) Start() error {
	if r.State() != StateUninitialized {
		return apperrors.ErrNodeInvalidState
	}
	if err := r.driver.SetChannel(r.cfg.HomeChannel); err != nil {
		return err
	}
	r.mu.Lock()
	r.startedAt = r.now()
	r.mu.Unlock()
	r.setState(StateListening)
	r.logger.Info("listening", "channel", r.cfg.HomeChannel)
	return nil
}

// State returns the current state.
func (r *Receiver) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Peer returns the connected transmitter's address, if any.
func (r *Receiver) Peer() (wire.Addr, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.peerAddr, !r.peerAddr.IsZero()
}

// History returns the state transition ring.
func (r *Receiver) History() *History { return r.history }

// Send transmits payload to the connected transmitter.
func (r *Receiver) Send(payload []byte) error {
	r.mu.RLock()
	up := r.state.Up() || r.state == StateTransmitterLocking
	addr := r.peerAddr
	r.mu.RUnlock()
	if !up {
		return apperrors.ErrNotConnected
	}
	metrics.FramesSent.Inc()
	return r.driver.Send(addr, payload)
}

// Observe records that any frame arrived from the connected peer. The
// node worker calls this for every dispatched frame so that config and
// command traffic counts as liveness, not just heartbeats.
func (r *Receiver) Observe(from wire.Addr) {
	r.mu.RLock()
	match := from == r.peerAddr && !r.peerAddr.IsZero()
	r.mu.RUnlock()
	if !match {
		return
	}
	r.silence.observe(r.now())
	r.peers.Touch(from)

	// First traffic after the ack completes the handshake.
	if r.State() == StateTransmitterLocking {
		r.connect(from)
	}
}

// Step advances silence-driven transitions.
func (r *Receiver) Step() {
	now := r.now()
	switch r.State() {
	case StateTransmitterLocking:
		if now.Sub(r.since()) > r.cfg.LockWindow {
			r.logger.Warn("transmitter never completed lock", "peer", r.peerString())
			r.drop("lock window expired")
		}
	case StateConnected, StateDegraded:
		switch r.silence.state(now) {
		case StateListening:
			r.logger.Warn("transmitter silent too long",
				"silent_for", r.silence.silentFor(now).Round(time.Second))
			r.drop("silence timeout")
		case StateDegraded:
			if r.State() == StateConnected {
				r.logger.Warn("link degraded, heartbeats overdue")
				r.setState(StateDegraded)
			}
		case StateConnected:
			if r.State() == StateDegraded {
				r.logger.Info("link recovered")
				r.setState(StateConnected)
			}
		}
	}
}

// handleProbe answers a discovery probe with our channel. A probe from
// the connected transmitter means it rebooted and is rediscovering us:
// the link stays up, heartbeat tracking resets, and the probe is
// re-acked so the transmitter can finish its lock sequence.
func (r *Receiver) handleProbe(from wire.Addr, payload []byte) {
	var p wire.Probe
	if err := p.Parse(payload); err != nil {
		metrics.FramesInvalid.Inc()
		return
	}
	st := r.State()
	if st == StateUninitialized {
		return
	}
	if st.Up() || st == StateTransmitterLocking {
		r.mu.RLock()
		match := from == r.peerAddr
		r.mu.RUnlock()
		if !match {
			r.logger.Debug("probe from second transmitter ignored", "from", from.String())
			return
		}
		r.peers.ResetHeartbeat(from)
		r.silence.observe(r.now())
		metrics.PeerReboots.Inc()
		r.logger.Warn("peer rebooted mid-link, re-acking probe", "peer", from.String(), "seq", p.Seq)
		if r.cfg.Events.OnPeerReboot != nil {
			r.cfg.Events.OnPeerReboot(from)
		}
		ack := wire.ProbeAck{Seq: p.Seq, Channel: r.driver.Channel()}
		if err := r.driver.Send(from, ack.Encode()); err != nil {
			r.logger.Warn("reboot ack send failed", "error", err)
		}
		return
	}

	r.setState(StateProbeReceived)
	if err := r.peers.Register(from, r.driver.Channel()); err != nil {
		r.logger.Error("probe peer registration failed", "error", err)
		r.setState(StateListening)
		return
	}

	r.setState(StateSendingAck)
	ack := wire.ProbeAck{Seq: p.Seq, Channel: r.driver.Channel()}
	if err := r.driver.Send(from, ack.Encode()); err != nil {
		r.logger.Error("ack send failed", "error", err)
		r.peers.Unregister(from)
		r.setState(StateListening)
		return
	}

	r.mu.Lock()
	r.peerAddr = from
	r.mu.Unlock()
	r.silence.observe(r.now())
	r.setState(StateTransmitterLocking)
	r.logger.Info("probe answered", "peer", from.String(), "seq", p.Seq)
}

// handleHeartbeat acknowledges transmitter heartbeats and watches for
// reboots.
func (r *Receiver) handleHeartbeat(from wire.Addr, payload []byte) {
	var hb wire.Heartbeat
	if err := hb.Parse(payload); err != nil {
		metrics.FramesInvalid.Inc()
		return
	}
	r.mu.RLock()
	match := from == r.peerAddr
	r.mu.RUnlock()
	if !match {
		return
	}

	if r.peers.ObserveHeartbeat(from, hb.Seq) {
		// The peer rebooted. The link stays up; we just note it.
		metrics.PeerReboots.Inc()
		r.logger.Warn("peer reboot detected", "peer", from.String(), "seq", hb.Seq)
		if r.cfg.Events.OnPeerReboot != nil {
			r.cfg.Events.OnPeerReboot(from)
		}
	}

	r.mu.RLock()
	started := r.startedAt
	r.mu.RUnlock()
	ack := wire.HeartbeatAck{
		AckSeq:   hb.Seq,
		UptimeMs: uint32(r.now().Sub(started) / time.Millisecond),
		State:    r.State().Wire(),
	}
	if err := r.Send(ack.Encode()); err != nil {
		r.logger.Warn("heartbeat ack send failed", "error", err)
	}
}

func (r *Receiver) connect(peerAddr wire.Addr) {
	r.setState(StateConnected)
	metrics.LinkConnected.Set(1)
	metrics.ChannelLocks.Inc()
	r.logger.Info("connected", "peer", peerAddr.String())
	if r.cfg.Events.OnConnected != nil {
		r.cfg.Events.OnConnected(peerAddr, r.driver.Channel())
	}
}

// drop severs the current link and returns to listening.
func (r *Receiver) drop(reason string) {
	r.mu.Lock()
	addr := r.peerAddr
	r.peerAddr = wire.Addr{}
	r.mu.Unlock()

	if !addr.IsZero() {
		if err := r.peers.Unregister(addr); err != nil && !apperrors.Is(err, apperrors.ErrPeerNotRegistered) {
			r.logger.Warn("peer unregister failed", "error", err)
		}
	}
	if r.State().Up() {
		metrics.Disconnects.Inc()
	}
	metrics.LinkConnected.Set(0)
	if r.cfg.Events.OnDisconnected != nil {
		r.cfg.Events.OnDisconnected(reason)
	}
	r.setState(StateListening)
}

func (r *Receiver) setState(to State) {
	r.mu.Lock()
	from := r.state
	if from == to {
		r.mu.Unlock()
		return
	}
	r.state = to
	now := r.now()
	r.stateSince = now
	r.mu.Unlock()

	r.history.Record(from, to, now)
	r.logger.Debug("state change", "from", from.String(), "to", to.String())
	if r.cfg.Events.OnStateChange != nil {
		r.cfg.Events.OnStateChange(from, to)
	}
}

func (r *Receiver) since() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stateSince
}

func (r *Receiver) peerString() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.peerAddr.String()
}
