// Package beacon periodically broadcasts the transmitter's configuration
// versions and runtime status. The receiver compares the advertised
// versions against its cache and pulls whatever went stale, so the link
// self-heals from lost deltas without polling.
package beacon

import (
	"log/slog"
	"sync"
	"time"

	apperrors "github.com/go-batt/nowlink/lib/errors"
	"github.com/go-batt/nowlink/lib/metrics"
	"github.com/go-batt/nowlink/lib/radio"
	"github.com/go-batt/nowlink/lib/ratelimit"
	"github.com/go-batt/nowlink/lib/wire"
)

// DefaultInterval is the periodic beacon spacing.
const DefaultInterval = 15 * time.Second

// VersionSource supplies the current configuration version counters.
// The configsync authority implements it.
type VersionSource interface {
	Versions() wire.Versions
}

// StatusFunc reports uplink connectivity for the beacon's status bits.
type StatusFunc func() (mqttUp, ethernetUp bool)

// Config configures the beacon broadcaster.
type Config struct {
	// Interval between periodic beacons. Zero means DefaultInterval.
	Interval time.Duration
	// EnvName identifies the firmware build environment.
	EnvName string
	// Major, Minor, Patch are the advertised firmware version.
	Major, Minor, Patch uint8
	// Gate, when set, suppresses beacons while it returns false. The
	// transmitter gates on link-up so discovery probes own the airtime.
	Gate func() bool
	// Logger for beacon events.
	Logger *slog.Logger
}

// Broadcaster emits version beacons on a fixed cadence plus forced
// beacons on runtime changes. Forced beacons are paced so a flapping
// MQTT session cannot flood the channel.
type Broadcaster struct {
	cfg      Config
	logger   *slog.Logger
	driver   radio.Driver
	versions VersionSource
	status   StatusFunc
	pacer    *ratelimit.Limiter

	mu       sync.Mutex
	lastSent time.Time

	now func() time.Time
}

// New creates a broadcaster over the given driver.
func New(cfg Config, driver radio.Driver, versions VersionSource, status StatusFunc) *Broadcaster {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		cfg:      cfg,
		logger:   logger.With("component", "beacon"),
		driver:   driver,
		versions: versions,
		status:   status,
		// One forced beacon per second, no burst.
		pacer: ratelimit.New(1, 1),
		now:   time.Now,
	}
}

// Step emits a periodic beacon when one is due. The node worker calls it
// on every tick.
func (b *Broadcaster) Step() {
	if b.cfg.Gate != nil && !b.cfg.Gate() {
		return
	}
	now := b.now()
	b.mu.Lock()
	if b.lastSent.IsZero() {
		// First tick anchors the interval; the receiver learns our
		// versions from the post-connect snapshot exchange anyway.
		b.lastSent = now
	}
	due := now.Sub(b.lastSent) >= b.cfg.Interval
	if due {
		b.lastSent = now
	}
	b.mu.Unlock()
	if !due {
		return
	}
	if err := b.broadcast(); err != nil {
		b.logger.Warn("beacon send failed", "error", err)
	}
}

// Force emits a beacon immediately, subject to pacing. Callers invoke it
// when runtime status flips (MQTT connect/disconnect, ethernet link) so
// the receiver's panels update without waiting out the interval.
func (b *Broadcaster) Force() error {
	if b.cfg.Gate != nil && !b.cfg.Gate() {
		return apperrors.ErrNotConnected
	}
	if !b.pacer.Allow() {
		metrics.RateLimitRejections.Inc()
		return apperrors.ErrRateLimited
	}
	b.mu.Lock()
	b.lastSent = b.now()
	b.mu.Unlock()
	return b.broadcast()
}

func (b *Broadcaster) broadcast() error {
	v := b.versions.Versions()
	msg := wire.VersionBeacon{
		MqttConfigV:      v.Of(wire.SectionMqtt),
		NetworkConfigV:   v.Of(wire.SectionNetwork),
		BatterySettingsV: v.Of(wire.SectionBattery),
		PowerProfileV:    v.Of(wire.SectionPower),
		MetadataConfigV:  v.Of(wire.SectionSystem),
		EnvName:          b.cfg.EnvName,
		Major:            b.cfg.Major,
		Minor:            b.cfg.Minor,
		Patch:            b.cfg.Patch,
	}
	if b.status != nil {
		msg.MqttConnected, msg.EthernetConnected = b.status()
	}
	if err := b.driver.Send(wire.Broadcast, msg.Encode()); err != nil {
		return err
	}
	metrics.BeaconsSent.Inc()
	b.logger.Debug("beacon sent",
		"global_version", v.Global,
		"mqtt_up", msg.MqttConnected)
	return nil
}
