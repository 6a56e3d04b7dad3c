package conn

import (
	"log/slog"
	"sync"
	"time"

	"github.com/go-batt/nowlink/lib/channel"
	apperrors "github.com/go-batt/nowlink/lib/errors"
	"github.com/go-batt/nowlink/lib/metrics"
	"github.com/go-batt/nowlink/lib/peer"
	"github.com/go-batt/nowlink/lib/radio"
	"github.com/go-batt/nowlink/lib/router"
	"github.com/go-batt/nowlink/lib/wire"
)

// Events are the connection lifecycle callbacks. All fire on the worker
// goroutine; handlers must not block.
type Events struct {
	// OnStateChange fires on every transition.
	OnStateChange func(old, new State)
	// OnConnected fires when the link comes up.
	OnConnected func(peerAddr wire.Addr, ch uint8)
	// OnDisconnected fires when the link is lost, with the reason.
	OnDisconnected func(reason string)
	// OnPeerReboot fires when the peer's heartbeat sequence regresses.
	OnPeerReboot func(peerAddr wire.Addr)
}

// TransmitterConfig configures the transmitter-side machine.
type TransmitterConfig struct {
	// Timing is the channel lock and probe pacing profile.
	Timing channel.Timing
	// HeartbeatInterval is the liveness send period.
	HeartbeatInterval time.Duration
	// MaxMissedAcks is how many unanswered heartbeats sever the link.
	MaxMissedAcks int
	// Backoff shapes reconnect delays.
	Backoff BackoffConfig
	// DiscoveryStart is the first channel probed.
	DiscoveryStart uint8
	// ErrorCooldown is how long the machine idles in StateError.
	ErrorCooldown time.Duration
	// TimeSource describes where this node's wall clock came from,
	// advertised in heartbeats.
	TimeSource wire.TimeSource
	// Logger for state machine events.
	Logger *slog.Logger
	// Events are the lifecycle callbacks.
	Events Events
}

// DefaultTransmitterConfig returns the stock profile.
func DefaultTransmitterConfig() TransmitterConfig {
	return TransmitterConfig{
		Timing:            channel.DefaultTiming(),
		HeartbeatInterval: DefaultHeartbeatInterval,
		MaxMissedAcks:     DefaultMaxMissedAcks,
		Backoff:           DefaultBackoffConfig(),
		DiscoveryStart:    wire.MinChannel,
		ErrorCooldown:     5 * time.Second,
		TimeSource:        wire.TimeSourceNone,
	}
}

// lockOwner identifies the transmitter's channel lock to the manager.
const lockOwner = "conn.tx"

// Transmitter is the battery-node side of the link: it finds the
// receiver by probing channels, follows it to its channel, runs the
// lock sequence, then keeps the link alive with heartbeats.
//
// All methods except Send and snapshot-style getters must be called
// from the worker goroutine.
type Transmitter struct {
	cfg    TransmitterConfig
	logger *slog.Logger

	driver  radio.Driver
	peers   *peer.Registry
	chmgr   *channel.Manager
	scanner *channel.Scanner

	hb      *heartbeatSender
	backoff *Backoff
	quality *QualityWindow
	outbox  *Outbox
	history *History

	mu         sync.RWMutex
	state      State
	stateSince time.Time
	peerAddr   wire.Addr
	targetCh   uint8
	lastLockCh uint8

	probeSeq  uint32
	lastProbe time.Time
	retryAt   time.Time

	now func() time.Time
}

// NewTransmitter wires a transmitter machine over the given driver.
func NewTransmitter(cfg TransmitterConfig, driver radio.Driver, peers *peer.Registry, chmgr *channel.Manager) *Transmitter {
	def := DefaultTransmitterConfig()
	if cfg.Timing.ProbeInterval <= 0 {
		cfg.Timing = def.Timing
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.MaxMissedAcks <= 0 {
		cfg.MaxMissedAcks = def.MaxMissedAcks
	}
	if !wire.ValidChannel(cfg.DiscoveryStart) {
		cfg.DiscoveryStart = def.DiscoveryStart
	}
	if cfg.ErrorCooldown <= 0 {
		cfg.ErrorCooldown = def.ErrorCooldown
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Transmitter{
		cfg:     cfg,
		logger:  logger.With("component", "conn.tx"),
		driver:  driver,
		peers:   peers,
		chmgr:   chmgr,
		scanner: channel.NewScanner(cfg.Timing, cfg.DiscoveryStart),
		hb:      newHeartbeatSender(cfg.HeartbeatInterval, cfg.MaxMissedAcks),
		backoff: NewBackoff(cfg.Backoff),
		quality: &QualityWindow{},
		outbox:  &Outbox{},
		history: &History{},
		state:   StateUninitialized,
		now:     time.Now,
	}
}

// RegisterRoutes attaches the transmitter's frame handlers.
func (t *Transmitter) RegisterRoutes(r *router.Router) {
	r.Handle(wire.MsgAck, t.handleAck)
	r.Handle(wire.MsgHeartbeatAck, t.handleHeartbeatAck)
}

// Start begins discovery. It is an error to start twice.
func (t *Transmitter) Start() error {
	if t.State() != StateUninitialized {
		return apperrors.ErrNodeInvalidState
	}
	t.startDiscovery(t.cfg.DiscoveryStart)
	return nil
}

// State returns the current state.
func (t *Transmitter) State() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// Peer returns the locked peer address, if any.
func (t *Transmitter) Peer() (wire.Addr, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.peerAddr, !t.peerAddr.IsZero()
}

// Quality returns the link quality percentage.
func (t *Transmitter) Quality() int { return t.quality.Percent() }

// History returns the state transition ring.
func (t *Transmitter) History() *History { return t.history }

// Outbox exposes the down-link frame queue for diagnostics.
func (t *Transmitter) Outbox() *Outbox { return t.outbox }

// HeartbeatSeq returns the last heartbeat sequence sent.
func (t *Transmitter) HeartbeatSeq() uint32 { return t.hb.seq }

// Send transmits payload to the locked peer, or queues it when the
// link is down.
func (t *Transmitter) Send(payload []byte) error {
	t.mu.RLock()
	up := t.state.Up()
	addr := t.peerAddr
	t.mu.RUnlock()
	if !up {
		return t.outbox.Push(payload)
	}
	metrics.FramesSent.Inc()
	return t.driver.Send(addr, payload)
}

// OnSendOutcome feeds a unicast delivery report into the quality
// window. Safe from the driver callback.
func (t *Transmitter) OnSendOutcome(o radio.SendOutcome) {
	t.quality.Observe(o.Acked)
	if !o.Acked {
		metrics.SendFailures.Inc()
	}
}

// Step advances time-driven transitions. The node worker calls this on
// a short ticker.
func (t *Transmitter) Step() {
	now := t.now()
	switch t.State() {
	case StateDiscovering, StateWaitingForAck:
		t.stepDiscovery(now)
	case StateChannelTransition:
		if now.Sub(t.since()) >= t.cfg.Timing.TransitionDelay {
			t.registerPeer()
		}
	case StatePeerRegistration:
		if now.Sub(t.since()) >= t.cfg.Timing.RegistrationDelay {
			t.setState(StateChannelStabilizing)
		}
	case StateChannelStabilizing:
		if now.Sub(t.since()) >= t.cfg.Timing.StabilizeDelay {
			if err := t.chmgr.Lock(now, t.targetChannel(), lockOwner, "handshake complete"); err != nil {
				if apperrors.IsRateLimited(err) {
					return // lock pacing, retry next step
				}
				t.fail("channel lock failed", err)
				return
			}
			t.setState(StateChannelLocked)
			t.connect(now)
		}
	case StateConnected, StateDegraded:
		t.stepConnected(now)
	case StateReconnecting:
		if !now.Before(t.retryAt) {
			t.startDiscovery(t.lastLockedChannel())
		}
	case StateError:
		if now.Sub(t.since()) >= t.cfg.ErrorCooldown {
			t.setState(StateReconnecting)
			t.setRetryAt(now.Add(t.backoff.Next()))
		}
	}
}

func (t *Transmitter) stepDiscovery(now time.Time) {
	if now.Sub(t.lastProbe) < t.cfg.Timing.ProbeInterval && !t.lastProbe.IsZero() {
		return
	}
	if t.State() == StateWaitingForAck {
		t.setState(StateDiscovering)
	}
	ch, retuned := t.scanner.Channel(), false
	if !t.lastProbe.IsZero() {
		ch, retuned = t.scanner.Next()
	}
	if retuned {
		if err := t.chmgr.Retune(now, ch); err != nil {
			if !apperrors.IsRateLimited(err) {
				t.fail("retune failed", err)
				return
			}
			return // try again next step
		}
	}
	t.probeSeq++
	t.lastProbe = now
	if err := t.driver.Send(wire.Broadcast, wire.Probe{Seq: t.probeSeq}.Encode()); err != nil {
		t.fail("probe send failed", err)
		return
	}
	metrics.DiscoveryProbes.Inc()
	t.setState(StateWaitingForAck)
}

func (t *Transmitter) stepConnected(now time.Time) {
	if t.hb.due(now) {
		hb := t.hb.build(now, t.State(), t.cfg.TimeSource, uint64(now.Unix()))
		if err := t.Send(hb.Encode()); err != nil {
			t.logger.Warn("heartbeat send failed", "error", err)
		}
		metrics.HeartbeatsSent.Inc()
		if t.hb.unacked > 1 {
			metrics.HeartbeatsMissed.Inc()
		}
	}
	if t.hb.lost() {
		t.disconnect("heartbeat timeout", now)
		return
	}
	pct := t.quality.Percent()
	metrics.LinkQualityPct.Set(int64(pct))
	switch st := t.State(); {
	case st == StateConnected && t.quality.Degraded():
		t.logger.Warn("link degraded", "quality_pct", pct)
		t.setState(StateDegraded)
	case st == StateDegraded && !t.quality.Degraded():
		t.logger.Info("link recovered", "quality_pct", pct)
		t.setState(StateConnected)
	}
}

// handleAck processes a discovery ack from a receiver.
func (t *Transmitter) handleAck(from wire.Addr, payload []byte) {
	st := t.State()
	if st != StateDiscovering && st != StateWaitingForAck {
		return
	}
	var ack wire.ProbeAck
	if err := ack.Parse(payload); err != nil {
		metrics.FramesInvalid.Inc()
		t.logger.Debug("bad probe ack", "from", from.String(), "error", err)
		return
	}
	if ack.Seq != t.probeSeq {
		t.logger.Debug("stale probe ack", "seq", ack.Seq, "want", t.probeSeq)
		return
	}
	if !wire.ValidChannel(ack.Channel) {
		metrics.FramesInvalid.Inc()
		return
	}

	t.mu.Lock()
	t.peerAddr = from
	t.targetCh = ack.Channel
	t.mu.Unlock()

	t.setState(StateAckReceived)
	t.logger.Info("receiver found", "peer", from.String(), "channel", ack.Channel)

	if err := t.chmgr.Retune(t.now(), ack.Channel); err != nil {
		if apperrors.IsRateLimited(err) {
			// Stay in discovery; the next probe cycle retries the lock.
			t.setState(StateDiscovering)
			return
		}
		t.fail("lock retune failed", err)
		return
	}
	t.setState(StateChannelTransition)
}

func (t *Transmitter) registerPeer() {
	t.mu.RLock()
	addr, ch := t.peerAddr, t.targetCh
	t.mu.RUnlock()
	if err := t.peers.Register(addr, ch); err != nil {
		t.fail("peer registration failed", err)
		return
	}
	t.setState(StatePeerRegistration)
}

func (t *Transmitter) connect(now time.Time) {
	t.mu.Lock()
	t.lastLockCh = t.targetCh
	addr, ch := t.peerAddr, t.targetCh
	t.mu.Unlock()

	t.hb.reset(now)
	t.quality.Reset()
	t.backoff.Reset()
	t.setState(StateConnected)

	metrics.ChannelLocks.Inc()
	metrics.LinkConnected.Set(1)
	t.logger.Info("connected", "peer", addr.String(), "channel", ch)
	if t.cfg.Events.OnConnected != nil {
		t.cfg.Events.OnConnected(addr, ch)
	}

	for _, frame := range t.outbox.Drain() {
		if err := t.driver.Send(addr, frame); err != nil {
			t.logger.Warn("outbox flush send failed", "error", err)
			break
		}
		metrics.FramesSent.Inc()
	}
}

func (t *Transmitter) handleHeartbeatAck(from wire.Addr, payload []byte) {
	var ack wire.HeartbeatAck
	if err := ack.Parse(payload); err != nil {
		metrics.FramesInvalid.Inc()
		return
	}
	if !t.State().Up() {
		return
	}
	if t.hb.onAck(ack.AckSeq) {
		metrics.HeartbeatsAcked.Inc()
		t.peers.Touch(from)
	}
}

func (t *Transmitter) disconnect(reason string, now time.Time) {
	t.mu.Lock()
	addr := t.peerAddr
	t.peerAddr = wire.Addr{}
	t.mu.Unlock()

	if !addr.IsZero() {
		if err := t.peers.Unregister(addr); err != nil && !apperrors.Is(err, apperrors.ErrPeerNotRegistered) {
			t.logger.Warn("peer unregister failed", "error", err)
		}
	}
	t.chmgr.Unlock(reason)

	metrics.Disconnects.Inc()
	metrics.LinkConnected.Set(0)
	t.logger.Warn("connection lost", "reason", reason, "peer", addr.String())
	if t.cfg.Events.OnDisconnected != nil {
		t.cfg.Events.OnDisconnected(reason)
	}

	t.setState(StateReconnecting)
	t.setRetryAt(now.Add(t.backoff.Next()))
}

func (t *Transmitter) startDiscovery(startCh uint8) {
	t.scanner.Reset(startCh)
	if err := t.chmgr.Retune(t.now(), startCh); err != nil && !apperrors.IsRateLimited(err) {
		t.fail("discovery retune failed", err)
		return
	}
	t.lastProbe = time.Time{}
	t.probeSeq = 0
	t.setState(StateDiscovering)
}

func (t *Transmitter) fail(msg string, err error) {
	t.logger.Error(msg, "error", err)
	t.setState(StateError)
}

func (t *Transmitter) setState(to State) {
	t.mu.Lock()
	from := t.state
	if from == to {
		t.mu.Unlock()
		return
	}
	t.state = to
	now := t.now()
	t.stateSince = now
	t.mu.Unlock()

	t.history.Record(from, to, now)
	t.logger.Debug("state change", "from", from.String(), "to", to.String())
	if t.cfg.Events.OnStateChange != nil {
		t.cfg.Events.OnStateChange(from, to)
	}
}

func (t *Transmitter) since() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.stateSince
}

func (t *Transmitter) setRetryAt(at time.Time) {
	t.mu.Lock()
	t.retryAt = at
	t.mu.Unlock()
}

func (t *Transmitter) targetChannel() uint8 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.targetCh
}

func (t *Transmitter) lastLockedChannel() uint8 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if wire.ValidChannel(t.lastLockCh) {
		return t.lastLockCh
	}
	return t.cfg.DiscoveryStart
}
