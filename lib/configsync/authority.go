// Package configsync keeps the transmitter's configuration snapshot and
// the receiver's cached copy convergent over a lossy link. The
// transmitter is the single writer: it owns the authoritative snapshot,
// serves full and per-section reads, and versions every change. The
// receiver holds a cache it never edits directly; its admin surface
// proposes changes and waits for the authoritative echo.
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

// SendFunc transmits one frame to the connected peer. The conn machines
// provide it; frames sent while the link is down may be queued or lost.
type SendFunc func(payload []byte) error

// DefaultFragmentPacing is the pause between consecutive snapshot
// fragments, giving the receiver's radio queue room to drain.
const DefaultFragmentPacing = 5 * time.Millisecond

// AuthorityConfig configures the transmitter-side snapshot owner.
type AuthorityConfig struct {
	// Send delivers frames to the connected receiver.
	Send SendFunc
	// FragmentPacing is the pause between snapshot fragments. Zero
	// means DefaultFragmentPacing.
	FragmentPacing time.Duration
	// OnChange runs after any accepted change, with a copy of the new
	// snapshot. The persistence layer hangs off this.
	OnChange func(wire.Snapshot)
	// Logger for sync events.
	Logger *slog.Logger
}

// Authority owns the authoritative configuration snapshot. All writes
// funnel through Apply, which versions the change and propagates it.
type Authority struct {
	cfg    AuthorityConfig
	logger *slog.Logger

	mu   sync.Mutex
	snap wire.Snapshot
	seq  uint32 // fragment transfer counter
	pace time.Duration

	now   func() time.Time
	sleep func(time.Duration)
}

// NewAuthority wraps snap as the authoritative copy.
func NewAuthority(cfg AuthorityConfig, snap wire.Snapshot) *Authority {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	pace := cfg.FragmentPacing
	if pace <= 0 {
		pace = DefaultFragmentPacing
	}
	a := &Authority{
		cfg:    cfg,
		logger: logger.With("component", "configsync.authority"),
		snap:   snap,
		pace:   pace,
		now:    time.Now,
		sleep:  time.Sleep,
	}
	metrics.ConfigGlobalVersion.Set(int64(snap.Versions.Global))
	return a
}

// RegisterRoutes attaches the authority's frame handlers.
func (a *Authority) RegisterRoutes(rt *router.Router) {
	rt.Handle(wire.MsgConfigRequestFull, a.handleRequestFull)
	rt.Handle(wire.MsgConfigSectionRequest, a.handleSectionRequest)
	rt.Handle(wire.MsgSettingsUpdate, a.handleSettingsUpdate)
	rt.Handle(wire.MsgConfigAck, a.handleConfigAck)
}

// Snapshot returns a copy of the authoritative snapshot.
func (a *Authority) Snapshot() wire.Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snap
}

// Versions returns the current version counters.
func (a *Authority) Versions() wire.Versions {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snap.Versions
}

// Apply installs a locally originated field change: validate, install,
// bump versions, persist, and push a delta to the peer. This is the
// transmitter's own write path; receiver proposals arrive through
// handleSettingsUpdate instead.
func (a *Authority) Apply(sec wire.Section, field uint8, value []byte) error {
	a.mu.Lock()
	if err := a.snap.ApplyField(sec, field, value); err != nil {
		a.mu.Unlock()
		return err
	}
	a.snap.Bump(sec)
	snap := a.snap
	a.mu.Unlock()

	a.changed(snap)
	a.logger.Info("field applied",
		"field", wire.FieldName(sec, field),
		"section_version", snap.Versions.Of(sec),
		"global_version", snap.Versions.Global)

	delta := wire.ConfigDeltaUpdate{
		Section:           sec,
		FieldID:           field,
		Value:             value,
		NewSectionVersion: snap.Versions.Of(sec),
		NewGlobalVersion:  snap.Versions.Global,
		Timestamp:         uint32(a.now().Unix()),
	}
	frame, err := delta.Encode()
	if err != nil {
		return err
	}
	if err := a.send(frame); err != nil {
		// The beacon advertises the new versions; the receiver will
		// request the section once it notices.
		a.logger.Warn("delta send failed", "error", err)
	}
	return nil
}

// handleRequestFull streams the full snapshot as settings fragments.
func (a *Authority) handleRequestFull(from wire.Addr, payload []byte) {
	var req wire.ConfigRequestFull
	if err := req.Parse(payload); err != nil {
		metrics.FramesInvalid.Inc()
		return
	}

	a.mu.Lock()
	a.seq++
	seq := a.seq
	encoded := a.snap.Encode()
	a.mu.Unlock()

	frames, err := wire.Fragment(wire.SubtypeSettings, seq, encoded)
	if err != nil {
		a.logger.Error("snapshot fragmentation failed", "error", err)
		metrics.SnapshotsFailed.Inc()
		return
	}
	for i, f := range frames {
		if i > 0 {
			// Back-to-back fragments overrun the receiver's queue.
			a.sleep(a.pace)
		}
		if err := a.send(f); err != nil {
			a.logger.Warn("snapshot fragment send failed",
				"transfer", seq, "error", err)
			metrics.SnapshotsFailed.Inc()
			return
		}
	}
	metrics.SnapshotsSent.Inc()
	a.logger.Info("snapshot sent",
		"peer", from.String(), "request_id", req.RequestID,
		"transfer", seq, "fragments", len(frames))
}

// handleSectionRequest answers a per-section resync. The MQTT and
// network sections ride dedicated carrier types so the receiver's
// connectivity panels can route them without inspecting the section.
func (a *Authority) handleSectionRequest(from wire.Addr, payload []byte) {
	var req wire.ConfigSectionRequest
	if err := req.Parse(payload); err != nil {
		metrics.FramesInvalid.Inc()
		return
	}
	if !req.Section.Valid() {
		a.logger.Warn("section request for unknown section", "section", uint8(req.Section))
		return
	}

	a.mu.Lock()
	body, err := a.snap.EncodeSection(req.Section)
	resp := wire.SectionPayload{
		Type:           carrierFor(req.Section),
		Section:        req.Section,
		SectionVersion: a.snap.Versions.Of(req.Section),
		GlobalVersion:  a.snap.Versions.Global,
		Payload:        body,
	}
	a.mu.Unlock()
	if err != nil {
		a.logger.Error("section encode failed", "section", req.Section.String(), "error", err)
		return
	}

	frame, err := resp.Encode()
	if err != nil {
		a.logger.Error("section response encode failed", "error", err)
		return
	}
	if err := a.send(frame); err != nil {
		a.logger.Warn("section response send failed", "error", err)
		return
	}
	a.logger.Info("section served",
		"peer", from.String(), "section", req.Section.String(),
		"have", resp.SectionVersion, "peer_had", req.RequestedVersion)
}

// handleSettingsUpdate validates a receiver proposal, installs it when
// acceptable, and reports the verdict. Accepted proposals then follow
// the normal change path so the receiver's cache converges from the
// SettingsChanged echo, never from its own optimism.
func (a *Authority) handleSettingsUpdate(from wire.Addr, payload []byte) {
	var prop wire.SettingsUpdate
	if err := prop.Parse(payload); err != nil {
		metrics.FramesInvalid.Inc()
		return
	}

	ack := wire.SettingsUpdateAck{Section: prop.Section, FieldID: prop.FieldID}
	a.mu.Lock()
	err := a.snap.ApplyField(prop.Section, prop.FieldID, prop.Value)
	if err == nil {
		a.snap.Bump(prop.Section)
	}
	snap := a.snap
	a.mu.Unlock()

	switch {
	case err == nil:
		ack.Success = true
		ack.ReasonCode = wire.ReasonOK
	case apperrors.Is(err, wire.ErrUnknownField):
		ack.ReasonCode = wire.ReasonUnknownField
	case apperrors.Is(err, wire.ErrBadFieldValue):
		ack.ReasonCode = wire.ReasonValueInvalid
	default:
		ack.ReasonCode = wire.ReasonValueInvalid
	}

	if sendErr := a.send(ack.Encode()); sendErr != nil {
		a.logger.Warn("settings ack send failed", "error", sendErr)
	}
	if err != nil {
		a.logger.Warn("settings proposal rejected",
			"peer", from.String(),
			"field", wire.FieldName(prop.Section, prop.FieldID),
			"reason", ack.ReasonCode, "error", err)
		return
	}

	a.changed(snap)
	a.logger.Info("settings proposal applied",
		"peer", from.String(),
		"field", wire.FieldName(prop.Section, prop.FieldID),
		"global_version", snap.Versions.Global)

	changed := wire.SettingsChanged{
		Section:           prop.Section,
		FieldID:           prop.FieldID,
		Value:             prop.Value,
		NewSectionVersion: snap.Versions.Of(prop.Section),
		NewGlobalVersion:  snap.Versions.Global,
	}
	frame, encErr := changed.Encode()
	if encErr != nil {
		a.logger.Error("settings changed encode failed", "error", encErr)
		return
	}
	if sendErr := a.send(frame); sendErr != nil {
		a.logger.Warn("settings changed send failed", "error", sendErr)
	}
}

// handleConfigAck records the receiver's install verdicts.
func (a *Authority) handleConfigAck(from wire.Addr, payload []byte) {
	var ack wire.ConfigAck
	if err := ack.Parse(payload); err != nil {
		metrics.FramesInvalid.Inc()
		return
	}
	if ack.Success {
		a.logger.Debug("config install acked",
			"peer", from.String(), "version", ack.AckedVersion)
		return
	}
	a.logger.Warn("config install failed on peer",
		"peer", from.String(), "version", ack.AckedVersion,
		"section", uint8(ack.Section))
}

func (a *Authority) changed(snap wire.Snapshot) {
	metrics.ConfigGlobalVersion.Set(int64(snap.Versions.Global))
	if a.cfg.OnChange != nil {
		a.cfg.OnChange(snap)
	}
}

func (a *Authority) send(frame []byte) error {
	if a.cfg.Send == nil {
		return apperrors.ErrNotConnected
	}
	return a.cfg.Send(frame)
}

// carrierFor picks the response type for a section. MQTT and network
// keep their dedicated carriers from the original wire contract.
func carrierFor(sec wire.Section) wire.MsgType {
	switch sec {
	case wire.SectionMqtt:
		return wire.MsgMqttConfigAck
	case wire.SectionNetwork:
		return wire.MsgNetworkConfigAck
	default:
		return wire.MsgConfigSectionResponse
	}
}
