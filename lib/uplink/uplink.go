// Package uplink publishes node telemetry to an MQTT broker. The
// broker settings live in the MQTT section of the config snapshot, so
// the uplink can be reconfigured over the air while the node runs.
//
// Broker health is watched by a resilience.HealthyCircuit: publishes
// are wrapped in its circuit breaker so a dead broker sheds load
// instead of stalling the radio loop.
package uplink

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	apperrors "github.com/go-batt/nowlink/lib/errors"
	"github.com/go-batt/nowlink/lib/metrics"
	"github.com/go-batt/nowlink/lib/resilience"
	"github.com/go-batt/nowlink/lib/wire"
)

// DefaultTimeout bounds connect and publish waits when the snapshot
// carries no timeout of its own.
const DefaultTimeout = 5 * time.Second

// Uplink metrics for Prometheus exposition.
var (
	UplinkConnected = metrics.NewGauge(
		"nowlink_uplink_connected",
		"Whether the MQTT uplink is connected (1=yes, 0=no)",
	)
	UplinkPublishes = metrics.NewCounter(
		"nowlink_uplink_publishes_total",
		"Total telemetry messages published to the broker",
	)
	UplinkPublishFailures = metrics.NewCounter(
		"nowlink_uplink_publish_failures_total",
		"Telemetry publishes that failed or were rejected",
	)
	UplinkReconfigures = metrics.NewCounter(
		"nowlink_uplink_reconfigures_total",
		"Times the uplink was rebuilt from new broker settings",
	)
	UplinkIngested = metrics.NewCounter(
		"nowlink_uplink_ingested_total",
		"Messages received on subscribed battery-emulator topics",
	)
)

// Config configures the uplink independently of the broker settings,
// which arrive separately through Reconfigure.
type Config struct {
	// HealthCheckInterval is how often the broker is probed.
	HealthCheckInterval time.Duration

	// ProbeTimeout bounds a single broker probe.
	ProbeTimeout time.Duration

	// Logger for uplink events. Defaults to slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns the default uplink configuration.
func DefaultConfig() Config {
	return Config{
		HealthCheckInterval: 30 * time.Second,
		ProbeTimeout:        5 * time.Second,
	}
}

// Uplink is an MQTT publisher driven by the snapshot's MQTT section.
type Uplink struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	mc      wire.MqttConfig
	client  mqtt.Client
	health  *resilience.HealthyCircuit
	filters map[string]struct{}
	ingest  map[string]ingestRecord

	// newClient builds a paho client from options. Tests swap it out.
	newClient func(*mqtt.ClientOptions) mqtt.Client
}

// New creates an uplink. It does not connect; call Reconfigure with
// the broker settings from the snapshot, then Connect.
func New(cfg Config) *Uplink {
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = DefaultConfig().HealthCheckInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultConfig().ProbeTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Uplink{
		cfg:       cfg,
		logger:    logger.With("component", "uplink"),
		filters:   make(map[string]struct{}),
		ingest:    make(map[string]ingestRecord),
		newClient: mqtt.NewClient,
	}
}

// Reconfigure applies new broker settings. If the uplink is connected
// and a connection-relevant field changed, the client is torn down and
// rebuilt. Safe to call from the config change hook.
func (u *Uplink) Reconfigure(mc wire.MqttConfig) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if !connectionChanged(u.mc, mc) {
		u.mc = mc
		return nil
	}

	wasUp := u.client != nil
	u.teardownLocked()
	u.mc = mc
	UplinkReconfigures.Inc()
	u.logger.Info("uplink reconfigured",
		"broker", mc.Server, "port", mc.Port, "enabled", mc.Enabled)

	if wasUp && mc.Enabled {
		return u.connectLocked()
	}
	return nil
}

// Connect establishes the broker connection and starts health
// monitoring. A disabled uplink connects to nothing and returns nil.
func (u *Uplink) Connect() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.connectLocked()
}

func (u *Uplink) connectLocked() error {
	if !u.mc.Enabled {
		u.logger.Debug("uplink disabled, skipping connect")
		return nil
	}
	if u.mc.Server == "" {
		return apperrors.Wrap(apperrors.CodeValidation, "mqtt server not set", apperrors.ErrConfiguration)
	}
	if u.client != nil && u.client.IsConnected() {
		return nil
	}

	addr := net.JoinHostPort(u.mc.Server, strconv.Itoa(int(u.mc.Port)))
	timeout := u.timeout()

	opts := mqtt.NewClientOptions()
	opts.AddBroker("tcp://" + addr)
	opts.SetUsername(u.mc.Username)
	opts.SetPassword(u.mc.Password)
	opts.SetClientID(u.clientID())
	opts.SetOrderMatters(false)
	opts.SetConnectTimeout(timeout)
	opts.SetAutoReconnect(true)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		UplinkConnected.Set(1)
		u.logger.Info("uplink connected", "broker", addr)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		UplinkConnected.Set(0)
		u.logger.Warn("uplink connection lost", "error", err)
	})

	client := u.newClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(timeout) {
		return apperrors.Wrap(apperrors.CodeTimeout, "broker connect timed out", apperrors.ErrTimeout)
	}
	if err := token.Error(); err != nil {
		return apperrors.Wrap(apperrors.CodeUnavailable, "broker connect failed", err)
	}
	u.client = client

	// Restore ingest subscriptions on a rebuilt connection.
	for filter := range u.filters {
		if err := u.subscribeLocked(filter); err != nil {
			u.logger.Warn("resubscribe failed", "filter", filter, "error", err)
		}
	}

	health := resilience.NewHealthyCircuit("mqtt", addr, resilience.HealthyCircuitConfig{
		CheckInterval: u.cfg.HealthCheckInterval,
		ProbeTimeout:  u.cfg.ProbeTimeout,
	})
	if err := health.Start(context.Background()); err != nil {
		return err
	}
	u.health = health
	return nil
}

// Publish marshals v as JSON and publishes it under the configured
// topic prefix. No-op while the uplink is disabled. Returns
// ErrCircuitOpen when the broker circuit is shedding load.
func (u *Uplink) Publish(subtopic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return apperrors.WrapInternal(err)
	}
	return u.PublishRaw(subtopic, payload)
}

// PublishRaw publishes a preencoded payload under the topic prefix.
func (u *Uplink) PublishRaw(subtopic string, payload []byte) error {
	u.mu.Lock()
	if !u.mc.Enabled {
		u.mu.Unlock()
		return nil
	}
	client := u.client
	health := u.health
	topic := u.topicFor(subtopic)
	timeout := u.timeout()
	u.mu.Unlock()

	if client == nil {
		return apperrors.ErrNotOpen
	}

	publish := func() error {
		token := client.Publish(topic, 0, false, payload)
		if !token.WaitTimeout(timeout) {
			return apperrors.ErrTimeout
		}
		return token.Error()
	}

	var err error
	if health != nil {
		err = health.Execute(publish)
	} else {
		err = publish()
	}
	if err != nil {
		UplinkPublishFailures.Inc()
		u.logger.Debug("publish failed", "topic", topic, "error", err)
		return err
	}
	UplinkPublishes.Inc()
	return nil
}

// Connected reports whether the broker connection is up.
func (u *Uplink) Connected() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.client != nil && u.client.IsConnected()
}

// Close disconnects from the broker and stops health monitoring.
func (u *Uplink) Close() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.teardownLocked()
}

func (u *Uplink) teardownLocked() {
	if u.health != nil {
		u.health.Stop()
		u.health = nil
	}
	if u.client != nil {
		if u.client.IsConnected() {
			u.client.Disconnect(uint(u.timeout().Milliseconds()))
		}
		u.client = nil
		UplinkConnected.Set(0)
	}
}

func (u *Uplink) timeout() time.Duration {
	if u.mc.TimeoutMs == 0 {
		return DefaultTimeout
	}
	return time.Duration(u.mc.TimeoutMs) * time.Millisecond
}

// topicFor joins the configured prefix and a subtopic. An empty prefix
// falls back to "nowlink".
func (u *Uplink) topicFor(subtopic string) string {
	prefix := u.mc.TopicPrefix
	if prefix == "" {
		prefix = "nowlink"
	}
	if subtopic == "" {
		return prefix
	}
	return prefix + "/" + subtopic
}

// clientID returns the configured client ID, or a random one so two
// nodes with blank config do not fight over a broker session.
func (u *Uplink) clientID() string {
	if u.mc.ClientID != "" {
		return u.mc.ClientID
	}
	suffix := make([]byte, 4)
	_, _ = rand.Read(suffix)
	return fmt.Sprintf("nowlink-%x", suffix)
}

// connectionChanged reports whether two broker configs differ in a way
// that requires rebuilding the client. TopicPrefix changes do not.
func connectionChanged(a, b wire.MqttConfig) bool {
	return a.Server != b.Server ||
		a.Port != b.Port ||
		a.Username != b.Username ||
		a.Password != b.Password ||
		a.ClientID != b.ClientID ||
		a.Enabled != b.Enabled
}
