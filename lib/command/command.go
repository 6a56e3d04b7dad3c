// Package command handles the receiver-originated control plane on the
// transmitter: reboot, LED flash, debug level changes, telemetry stream
// control, and OTA arming. The dispatcher parses and validates each
// command, invokes the matching hook, and sends whatever reply the
// command contract requires. Hooks run on the node worker goroutine and
// must not block.
package command

import (
	"log/slog"

	"github.com/go-batt/nowlink/lib/metrics"
	"github.com/go-batt/nowlink/lib/router"
	"github.com/go-batt/nowlink/lib/wire"
)

// SendFunc transmits one frame to the connected peer.
type SendFunc func(payload []byte) error

// MaxDebugLevel is the highest accepted syslog-style debug level.
const MaxDebugLevel = 7

// Debug ack status codes.
const (
	DebugStatusOK           uint8 = 0
	DebugStatusInvalidLevel uint8 = 1
	DebugStatusError        uint8 = 2
)

// Hooks connect commands to the node's subsystems. A nil hook means the
// command is acknowledged where the contract requires it but otherwise
// ignored.
type Hooks struct {
	// OnReboot schedules a node restart. The dispatcher delays nothing;
	// the hook owns draining and timing.
	OnReboot func()
	// OnFlashLED flashes the status indicator.
	OnFlashLED func(color wire.LEDColor)
	// SetDebugLevel applies a new log level and returns the previous one.
	SetDebugLevel func(level uint8) (previous uint8, err error)
	// OnStreamStart begins pushing the named telemetry stream.
	OnStreamStart func(sub wire.Subtype)
	// OnStreamStop stops the named telemetry stream.
	OnStreamStop func(sub wire.Subtype)
	// OnOtaStart arms an OTA receive context of the given size.
	OnOtaStart func(size uint32) error
	// Metadata supplies the firmware identity record.
	Metadata func() wire.MetadataResponse
}

// Config configures the command dispatcher.
type Config struct {
	// Send delivers replies to the connected receiver.
	Send SendFunc
	// Logger for command events.
	Logger *slog.Logger
	// Hooks are the subsystem bindings.
	Hooks Hooks
}

// Dispatcher routes control commands to hooks.
type Dispatcher struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a dispatcher.
func New(cfg Config) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{cfg: cfg, logger: logger.With("component", "command")}
}

// RegisterRoutes attaches the command handlers.
func (d *Dispatcher) RegisterRoutes(rt *router.Router) {
	rt.Handle(wire.MsgReboot, d.handleReboot)
	rt.Handle(wire.MsgFlashLED, d.handleFlashLED)
	rt.Handle(wire.MsgDebugControl, d.handleDebugControl)
	rt.Handle(wire.MsgRequestData, d.handleStream)
	rt.Handle(wire.MsgAbortData, d.handleStream)
	rt.Handle(wire.MsgOtaStart, d.handleOtaStart)
}

func (d *Dispatcher) handleReboot(from wire.Addr, payload []byte) {
	var r wire.Reboot
	if err := r.Parse(payload); err != nil {
		metrics.FramesInvalid.Inc()
		return
	}
	d.logger.Warn("reboot commanded", "peer", from.String())
	if d.cfg.Hooks.OnReboot != nil {
		d.cfg.Hooks.OnReboot()
	}
}

func (d *Dispatcher) handleFlashLED(from wire.Addr, payload []byte) {
	var f wire.FlashLED
	if err := f.Parse(payload); err != nil {
		metrics.FramesInvalid.Inc()
		return
	}
	d.logger.Info("led flash commanded", "color", uint8(f.Color))
	if d.cfg.Hooks.OnFlashLED != nil {
		d.cfg.Hooks.OnFlashLED(f.Color)
	}
}

// handleDebugControl applies a log level change and always answers with
// a DebugAck carrying the applied and previous levels.
func (d *Dispatcher) handleDebugControl(from wire.Addr, payload []byte) {
	var dc wire.DebugControl
	if err := dc.Parse(payload); err != nil {
		metrics.FramesInvalid.Inc()
		return
	}

	ack := wire.DebugAck{Applied: dc.Level}
	switch {
	case dc.Level > MaxDebugLevel:
		ack.Status = DebugStatusInvalidLevel
		d.logger.Warn("debug level out of range", "level", dc.Level)
	case d.cfg.Hooks.SetDebugLevel == nil:
		ack.Status = DebugStatusError
	default:
		prev, err := d.cfg.Hooks.SetDebugLevel(dc.Level)
		ack.Previous = prev
		if err != nil {
			ack.Status = DebugStatusError
			d.logger.Error("debug level change failed", "level", dc.Level, "error", err)
		} else {
			d.logger.Info("debug level changed", "from", prev, "to", dc.Level)
		}
	}

	if err := d.send(ack.Encode()); err != nil {
		d.logger.Warn("debug ack send failed", "error", err)
	}
}

// handleStream starts or stops a telemetry stream. A systeminfo request
// is answered directly with the firmware metadata record instead of
// opening a stream.
func (d *Dispatcher) handleStream(from wire.Addr, payload []byte) {
	var sc wire.StreamControl
	if err := sc.Parse(payload); err != nil {
		metrics.FramesInvalid.Inc()
		return
	}

	if sc.Type == wire.MsgRequestData && sc.Subtype == wire.SubtypeSysteminfo {
		d.sendMetadata(from)
		return
	}

	switch sc.Type {
	case wire.MsgRequestData:
		d.logger.Info("stream requested", "subtype", uint8(sc.Subtype))
		if d.cfg.Hooks.OnStreamStart != nil {
			d.cfg.Hooks.OnStreamStart(sc.Subtype)
		}
	case wire.MsgAbortData:
		d.logger.Info("stream aborted", "subtype", uint8(sc.Subtype))
		if d.cfg.Hooks.OnStreamStop != nil {
			d.cfg.Hooks.OnStreamStop(sc.Subtype)
		}
	}
}

func (d *Dispatcher) handleOtaStart(from wire.Addr, payload []byte) {
	var o wire.OtaStart
	if err := o.Parse(payload); err != nil {
		metrics.FramesInvalid.Inc()
		return
	}
	if d.cfg.Hooks.OnOtaStart == nil {
		d.logger.Warn("ota start ignored, no handler", "size", o.FirmwareSize)
		return
	}
	d.logger.Warn("ota receive armed", "size", o.FirmwareSize)
	if err := d.cfg.Hooks.OnOtaStart(o.FirmwareSize); err != nil {
		d.logger.Error("ota arm failed", "error", err)
	}
}

func (d *Dispatcher) sendMetadata(from wire.Addr) {
	if d.cfg.Hooks.Metadata == nil {
		return
	}
	meta := d.cfg.Hooks.Metadata()
	if err := d.send(meta.Encode()); err != nil {
		d.logger.Warn("metadata send failed", "error", err)
		return
	}
	d.logger.Debug("metadata served", "peer", from.String())
}

func (d *Dispatcher) send(frame []byte) error {
	if d.cfg.Send == nil {
		return nil
	}
	return d.cfg.Send(frame)
}
