package configsync

import (
	"log/slog"
	"sync"
	"time"

	apperrors "github.com/go-batt/nowlink/lib/errors"
	"github.com/go-batt/nowlink/lib/metrics"
	"github.com/go-batt/nowlink/lib/router"
	"github.com/go-batt/nowlink/lib/wire"
)

// CacheEvents are the receiver-side sync callbacks. All run on the node
// worker goroutine.
type CacheEvents struct {
	// OnSnapshot fires after a full snapshot install.
	OnSnapshot func(wire.Snapshot)
	// OnChange fires after any field or section install.
	OnChange func(sec wire.Section, field uint8)
	// OnProposalAck fires when the transmitter rules on a proposal.
	OnProposalAck func(wire.SettingsUpdateAck)
}

// CacheConfig configures the receiver-side snapshot cache.
type CacheConfig struct {
	// Send delivers frames to the connected transmitter.
	Send SendFunc
	// ReassemblyTimeout bounds how long a partial snapshot transfer is
	// kept. Zero means wire.DefaultReassemblyTimeout.
	ReassemblyTimeout time.Duration
	// Logger for sync events.
	Logger *slog.Logger
	// Events are the sync callbacks.
	Events CacheEvents
}

// Snapshot retry backoff after a failed install: one immediate
// re-request, then doubling waits.
const (
	snapshotRetryStart = time.Second
	snapshotRetryMax   = 30 * time.Second
)

// Cache is the receiver's copy of the transmitter's configuration. It
// is write-only from the wire: snapshots, deltas, and section responses
// install into it, and the admin surface reads from it. Local edits are
// proposals sent with Propose; the cache changes only when the
// transmitter echoes the change back.
type Cache struct {
	cfg    CacheConfig
	logger *slog.Logger

	mu        sync.RWMutex
	snap      wire.Snapshot
	populated bool
	requestID uint32
	reasm     *wire.Reassembler
	lastFrag  time.Time

	retryWait time.Duration
	retryAt   time.Time

	now func() time.Time
}

// NewCache creates an empty cache. It holds no configuration until the
// first snapshot installs.
func NewCache(cfg CacheConfig) *Cache {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	reasm := wire.NewReassembler()
	if cfg.ReassemblyTimeout > 0 {
		reasm.Timeout = cfg.ReassemblyTimeout
	}
	return &Cache{
		cfg:    cfg,
		logger: logger.With("component", "configsync.cache"),
		reasm:  reasm,
		now:    time.Now,
	}
}

// RegisterRoutes attaches the cache's frame handlers.
func (c *Cache) RegisterRoutes(rt *router.Router) {
	rt.HandlePacket(wire.SubtypeSettings, c.handleFragment)
	rt.Handle(wire.MsgConfigDeltaUpdate, c.handleDelta)
	rt.Handle(wire.MsgSettingsChanged, c.handleSettingsChanged)
	rt.Handle(wire.MsgSettingsUpdateAck, c.handleProposalAck)
	rt.Handle(wire.MsgVersionBeacon, c.handleBeacon)
	rt.Handle(wire.MsgConfigSectionResponse, c.handleSection)
	rt.Handle(wire.MsgNetworkConfigAck, c.handleSection)
	rt.Handle(wire.MsgMqttConfigAck, c.handleSection)
}

// Populated reports whether a snapshot has ever installed.
func (c *Cache) Populated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.populated
}

// Snapshot returns a copy of the cached configuration, or
// ErrSyncNoSnapshot before the first install.
func (c *Cache) Snapshot() (wire.Snapshot, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.populated {
		return wire.Snapshot{}, apperrors.ErrSyncNoSnapshot
	}
	return c.snap, nil
}

// Versions returns the cached version counters. Zero before the first
// install, which beacons treat as maximally stale.
func (c *Cache) Versions() wire.Versions {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap.Versions
}

// RequestFull asks the transmitter for a complete snapshot. Returns
// ErrSyncInProgress while a transfer is still receiving fragments. A
// transfer whose fragments stopped arriving past the reassembly timeout
// is discarded so the request can go out; the new transfer restarts
// from fragment zero.
func (c *Cache) RequestFull() error {
	c.mu.Lock()
	if c.reasm.Active() {
		timeout := c.reasm.Timeout
		if timeout <= 0 {
			timeout = wire.DefaultReassemblyTimeout
		}
		if c.now().Sub(c.lastFrag) <= timeout {
			c.mu.Unlock()
			return apperrors.ErrSyncInProgress
		}
		c.reasm.Reset()
	}
	c.requestID++
	req := wire.ConfigRequestFull{RequestID: c.requestID}
	c.mu.Unlock()

	c.logger.Info("requesting full snapshot", "request_id", req.RequestID)
	return c.send(req.Encode())
}

// Propose asks the transmitter to change one field. The cache is not
// touched; the change lands via SettingsChanged if accepted.
func (c *Cache) Propose(sec wire.Section, field uint8, value []byte) error {
	if err := wire.ValidateField(sec, field, value); err != nil {
		return err
	}
	frame, err := wire.SettingsUpdate{Section: sec, FieldID: field, Value: value}.Encode()
	if err != nil {
		return err
	}
	c.logger.Info("proposing change", "field", wire.FieldName(sec, field))
	return c.send(frame)
}

// handleFragment feeds snapshot fragments into the reassembler and
// installs the snapshot once complete.
func (c *Cache) handleFragment(from wire.Addr, payload []byte) {
	h, frag, err := wire.ParsePacket(payload)
	if err != nil {
		metrics.FramesInvalid.Inc()
		return
	}

	c.mu.Lock()
	complete, err := c.reasm.Offer(h, frag)
	c.lastFrag = c.now()
	c.mu.Unlock()
	if err != nil {
		c.logger.Debug("fragment discarded",
			"transfer", h.Seq, "index", h.FragIndex, "error", err)
		return
	}
	if complete == nil {
		return
	}

	var snap wire.Snapshot
	if err := snap.Parse(complete); err != nil {
		c.logger.Warn("assembled snapshot rejected", "error", err)
		metrics.SnapshotsFailed.Inc()
		c.ack(0, wire.SectionSystem, false)
		c.snapshotFailed()
		return
	}

	c.mu.Lock()
	if c.populated && wire.NewerVersion(c.snap.Versions.Global, snap.Versions.Global) {
		cur := c.snap.Versions.Global
		c.mu.Unlock()
		c.logger.Warn("snapshot older than cache",
			"got", snap.Versions.Global, "have", cur)
		metrics.SnapshotsFailed.Inc()
		c.ack(snap.Versions.Global, wire.SectionSystem, false)
		return
	}
	c.snap = snap
	c.populated = true
	c.retryWait = 0
	c.retryAt = time.Time{}
	c.mu.Unlock()

	metrics.SnapshotsReceived.Inc()
	metrics.ConfigGlobalVersion.Set(int64(snap.Versions.Global))
	c.logger.Info("snapshot installed",
		"peer", from.String(), "transfer", h.Seq,
		"global_version", snap.Versions.Global)
	c.ack(snap.Versions.Global, wire.SectionSystem, true)
	if c.cfg.Events.OnSnapshot != nil {
		c.cfg.Events.OnSnapshot(snap)
	}
}

// snapshotFailed drives the re-request schedule after a bad transfer:
// the first failure re-requests immediately, repeats back off doubling
// up to snapshotRetryMax.
func (c *Cache) snapshotFailed() {
	c.mu.Lock()
	if c.retryWait == 0 {
		c.retryWait = snapshotRetryStart
		c.mu.Unlock()
		if err := c.RequestFull(); err != nil && !apperrors.Is(err, apperrors.ErrSyncInProgress) {
			c.logger.Warn("snapshot re-request failed", "error", err)
		}
		return
	}
	wait := c.retryWait
	c.retryAt = c.now().Add(wait)
	c.retryWait *= 2
	if c.retryWait > snapshotRetryMax {
		c.retryWait = snapshotRetryMax
	}
	c.mu.Unlock()
	c.logger.Info("snapshot retry deferred", "wait", wait)
}

// Tick fires a deferred snapshot re-request once its backoff expires.
// The node worker calls this on its ticker.
func (c *Cache) Tick() {
	c.mu.Lock()
	due := !c.retryAt.IsZero() && !c.now().Before(c.retryAt)
	if due {
		c.retryAt = time.Time{}
	}
	c.mu.Unlock()
	if !due {
		return
	}
	c.logger.Info("retrying snapshot request")
	if err := c.RequestFull(); err != nil && !apperrors.Is(err, apperrors.ErrSyncInProgress) {
		c.logger.Warn("snapshot retry failed", "error", err)
	}
}

// AbandonTransfer discards any partial snapshot transfer and pending
// retry. Wired to the link's disconnect event: fragments cannot
// straddle two connections, and a retry has no peer to go to.
func (c *Cache) AbandonTransfer() {
	c.mu.Lock()
	active := c.reasm.Active()
	c.reasm.Reset()
	c.retryWait = 0
	c.retryAt = time.Time{}
	c.mu.Unlock()
	if active {
		c.logger.Info("partial snapshot transfer abandoned")
	}
}

// handleDelta installs a single-field change pushed by the transmitter.
func (c *Cache) handleDelta(from wire.Addr, payload []byte) {
	var d wire.ConfigDeltaUpdate
	if err := d.Parse(payload); err != nil {
		metrics.FramesInvalid.Inc()
		return
	}
	c.install(d.Section, d.FieldID, d.Value, d.NewSectionVersion, d.NewGlobalVersion)
}

// handleSettingsChanged installs the echo of an applied proposal. The
// payload is a delta in all but name.
func (c *Cache) handleSettingsChanged(from wire.Addr, payload []byte) {
	var s wire.SettingsChanged
	if err := s.Parse(payload); err != nil {
		metrics.FramesInvalid.Inc()
		return
	}
	c.install(s.Section, s.FieldID, s.Value, s.NewSectionVersion, s.NewGlobalVersion)
}

// install is the shared single-field write path. Stale and duplicate
// versions are rejected so replayed frames cannot roll the cache back.
func (c *Cache) install(sec wire.Section, field uint8, value []byte, sectionV, globalV uint16) {
	c.mu.Lock()
	if !c.populated {
		c.mu.Unlock()
		metrics.DeltasRejected.Inc()
		c.logger.Warn("delta before first snapshot, requesting full")
		if err := c.RequestFull(); err != nil && !apperrors.Is(err, apperrors.ErrSyncInProgress) {
			c.logger.Warn("snapshot request failed", "error", err)
		}
		return
	}
	if !wire.NewerVersion(sectionV, c.snap.Versions.Of(sec)) {
		have := c.snap.Versions.Of(sec)
		c.mu.Unlock()
		metrics.DeltasRejected.Inc()
		c.logger.Warn("stale delta rejected",
			"field", wire.FieldName(sec, field),
			"got", sectionV, "have", have,
			"error", apperrors.ErrSyncStaleVersion)
		c.ack(sectionV, sec, false)
		return
	}
	if err := c.snap.ApplyField(sec, field, value); err != nil {
		c.mu.Unlock()
		metrics.DeltasRejected.Inc()
		c.logger.Warn("delta rejected", "error", err)
		c.ack(sectionV, sec, false)
		return
	}
	c.snap.Versions.Section[sec-1] = sectionV
	c.snap.Versions.Global = globalV
	c.mu.Unlock()

	metrics.DeltasApplied.Inc()
	metrics.ConfigGlobalVersion.Set(int64(globalV))
	c.logger.Info("delta applied",
		"field", wire.FieldName(sec, field),
		"section_version", sectionV, "global_version", globalV)
	c.ack(sectionV, sec, true)
	if c.cfg.Events.OnChange != nil {
		c.cfg.Events.OnChange(sec, field)
	}
}

// handleProposalAck surfaces the transmitter's verdict on a proposal.
func (c *Cache) handleProposalAck(from wire.Addr, payload []byte) {
	var ack wire.SettingsUpdateAck
	if err := ack.Parse(payload); err != nil {
		metrics.FramesInvalid.Inc()
		return
	}
	if ack.Success {
		c.logger.Info("proposal accepted",
			"field", wire.FieldName(ack.Section, ack.FieldID))
	} else {
		c.logger.Warn("proposal rejected",
			"field", wire.FieldName(ack.Section, ack.FieldID),
			"reason", ack.ReasonCode)
	}
	if c.cfg.Events.OnProposalAck != nil {
		c.cfg.Events.OnProposalAck(ack)
	}
}

// handleBeacon compares advertised versions against the cache and
// requests any stale section. An unpopulated cache requests the full
// snapshot instead of eight sections.
func (c *Cache) handleBeacon(from wire.Addr, payload []byte) {
	var b wire.VersionBeacon
	if err := b.Parse(payload); err != nil {
		metrics.FramesInvalid.Inc()
		return
	}

	if !c.Populated() {
		if err := c.RequestFull(); err != nil && !apperrors.Is(err, apperrors.ErrSyncInProgress) {
			c.logger.Warn("snapshot request failed", "error", err)
		}
		return
	}

	for _, adv := range []struct {
		sec wire.Section
		v   uint16
	}{
		{wire.SectionMqtt, b.MqttConfigV},
		{wire.SectionNetwork, b.NetworkConfigV},
		{wire.SectionBattery, b.BatterySettingsV},
		{wire.SectionPower, b.PowerProfileV},
		{wire.SectionSystem, b.MetadataConfigV},
	} {
		c.mu.RLock()
		have := c.snap.Versions.Of(adv.sec)
		c.mu.RUnlock()
		if !wire.NewerVersion(adv.v, have) {
			continue
		}
		metrics.SectionResyncs.Inc()
		c.logger.Info("section stale, requesting",
			"section", adv.sec.String(), "have", have, "advertised", adv.v)
		req := wire.ConfigSectionRequest{Section: adv.sec, RequestedVersion: have}
		if err := c.send(req.Encode()); err != nil {
			c.logger.Warn("section request failed", "error", err)
		}
	}
}

// handleSection installs one authoritative section from a resync
// response, whichever carrier type delivered it.
func (c *Cache) handleSection(from wire.Addr, payload []byte) {
	var resp wire.SectionPayload
	if err := resp.Parse(payload); err != nil {
		metrics.FramesInvalid.Inc()
		return
	}

	c.mu.Lock()
	if !c.populated {
		c.mu.Unlock()
		c.logger.Warn("section response before first snapshot, ignoring",
			"section", resp.Section.String())
		return
	}
	if !wire.NewerVersion(resp.SectionVersion, c.snap.Versions.Of(resp.Section)) {
		c.mu.Unlock()
		c.logger.Debug("section response not newer, ignoring",
			"section", resp.Section.String())
		return
	}
	if err := c.snap.ApplySection(resp.Section, resp.Payload); err != nil {
		c.mu.Unlock()
		c.logger.Warn("section install failed",
			"section", resp.Section.String(), "error", err)
		c.ack(resp.SectionVersion, resp.Section, false)
		return
	}
	c.snap.Versions.Section[resp.Section-1] = resp.SectionVersion
	if wire.NewerVersion(resp.GlobalVersion, c.snap.Versions.Global) {
		c.snap.Versions.Global = resp.GlobalVersion
	}
	global := c.snap.Versions.Global
	c.mu.Unlock()

	metrics.ConfigGlobalVersion.Set(int64(global))
	c.logger.Info("section installed",
		"section", resp.Section.String(), "version", resp.SectionVersion)
	c.ack(resp.SectionVersion, resp.Section, true)
	if c.cfg.Events.OnChange != nil {
		c.cfg.Events.OnChange(resp.Section, 0)
	}
}

func (c *Cache) ack(version uint16, sec wire.Section, success bool) {
	frame := wire.ConfigAck{
		AckedVersion: version,
		Section:      sec,
		Success:      success,
		Timestamp:    uint32(c.now().Unix()),
	}.Encode()
	if err := c.send(frame); err != nil {
		c.logger.Debug("config ack send failed", "error", err)
	}
}

func (c *Cache) send(frame []byte) error {
	if c.cfg.Send == nil {
		return apperrors.ErrNotConnected
	}
	return c.cfg.Send(frame)
}
