// Package node provides the main orchestration logic for a nowlink
// radio node. It assembles the radio driver, the connection state
// machine for the configured role, configuration sync, and the
// supporting services, and runs them on a single worker goroutine.
package node

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"

	apperrors "github.com/go-batt/nowlink/lib/errors"
	"github.com/go-batt/nowlink/lib/wire"
)

// Node roles.
const (
	RoleTransmitter = "transmitter"
	RoleReceiver    = "receiver"
)

// Default configuration values
const (
	DefaultQueueDepth   = 64
	DefaultTick         = 100 * time.Millisecond
	DefaultWebListen    = "127.0.0.1:8080"
	DefaultSnapshotFile = "snapshot.toml"
)

// Config holds all configuration for a nowlink node.
type Config struct {
	Node      NodeConfig      `toml:"node"`
	Radio     RadioConfig     `toml:"radio"`
	Transport TransportConfig `toml:"transport"`
	Link      LinkConfig      `toml:"link"`
	Beacon    BeaconConfig    `toml:"beacon"`
	Uplink    UplinkConfig    `toml:"uplink"`
	Web       WebConfig       `toml:"web"`
	Display   DisplayConfig   `toml:"display"`
}

// NodeConfig contains basic node identification settings.
type NodeConfig struct {
	// Name is a human-readable identifier for this node
	Name string `toml:"name"`
	// DataDir is the directory where persistent data is stored
	DataDir string `toml:"data_dir"`
	// Role selects which side of the link this node runs:
	// "transmitter" (battery side) or "receiver" (display side)
	Role string `toml:"role"`
}

// RadioConfig contains radio link settings.
type RadioConfig struct {
	// HomeChannel is where a receiver parks and a transmitter starts probing
	HomeChannel int `toml:"home_channel"`
	// QueueDepth bounds the inbound frame queue
	QueueDepth int `toml:"queue_depth"`
	// Tick is the worker loop period driving the state machines
	Tick time.Duration `toml:"tick"`
}

// TransportConfig configures the UDP-backed link used when running
// off-hardware. Used by the nowlink binary, not by the node itself.
type TransportConfig struct {
	// LocalAddr is this node's link address (aa:bb:cc:dd:ee:ff)
	LocalAddr string `toml:"local_addr"`
	// Listen is the UDP address to bind
	Listen string `toml:"listen"`
	// Endpoints maps peer link addresses to UDP endpoints
	Endpoints map[string]string `toml:"endpoints"`
}

// LinkConfig contains connection liveness settings. Zero values fall
// back to the conn package defaults.
type LinkConfig struct {
	// HeartbeatInterval is the transmitter's liveness send period
	HeartbeatInterval time.Duration `toml:"heartbeat_interval"`
	// SilenceTimeout severs the receiver's link after this much silence
	SilenceTimeout time.Duration `toml:"silence_timeout"`
	// MaxMissedAcks is how many unanswered heartbeats sever the link
	MaxMissedAcks int `toml:"max_missed_acks"`
}

// BeaconConfig contains version beacon settings (transmitter only).
type BeaconConfig struct {
	// Interval between periodic beacons
	Interval time.Duration `toml:"interval"`
}

// UplinkConfig contains MQTT uplink settings (transmitter only). The
// broker address and credentials live in the config snapshot; this
// only controls whether the uplink subsystem runs at all.
type UplinkConfig struct {
	// Enabled controls whether the MQTT uplink is started
	Enabled bool `toml:"enabled"`
	// Subscriptions are battery-emulator topic filters to ingest.
	// Payloads are cached per topic verbatim, never parsed.
	Subscriptions []string `toml:"subscriptions"`
}

// WebConfig contains web admin settings.
type WebConfig struct {
	// Enabled controls whether the web admin is started
	Enabled bool `toml:"enabled"`
	// Listen is the address to bind the web server to
	Listen string `toml:"listen"`
}

// DisplayConfig contains terminal display settings (receiver only).
type DisplayConfig struct {
	// Enabled controls whether the display UI is available
	Enabled bool `toml:"enabled"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".nowlink")

	return &Config{
		Node: NodeConfig{
			Name:    "my-node",
			DataDir: dataDir,
			Role:    RoleTransmitter,
		},
		Radio: RadioConfig{
			HomeChannel: int(wire.MinChannel),
			QueueDepth:  DefaultQueueDepth,
			Tick:        DefaultTick,
		},
		Beacon: BeaconConfig{},
		Uplink: UplinkConfig{
			Enabled: true,
		},
		Web: WebConfig{
			Enabled: true,
			Listen:  DefaultWebListen,
		},
		Display: DisplayConfig{
			Enabled: true,
		},
	}
}

// LoadConfig reads configuration from a TOML file.
// If the file doesn't exist, it returns the default configuration.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// SaveConfig writes the configuration to a TOML file.
// It creates the parent directory if it doesn't exist.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Node.Name == "" {
		return fmt.Errorf("%w: node.name is required", apperrors.ErrNodeInvalidConfig)
	}
	if c.Node.DataDir == "" {
		return fmt.Errorf("%w: node.data_dir is required", apperrors.ErrNodeInvalidConfig)
	}
	if c.Node.Role != RoleTransmitter && c.Node.Role != RoleReceiver {
		return fmt.Errorf("%w: node.role must be %q or %q",
			apperrors.ErrNodeInvalidConfig, RoleTransmitter, RoleReceiver)
	}
	if c.Radio.HomeChannel < wire.MinChannel || c.Radio.HomeChannel > wire.MaxChannel {
		return fmt.Errorf("%w: radio.home_channel must be between %d and %d",
			apperrors.ErrNodeInvalidConfig, wire.MinChannel, wire.MaxChannel)
	}
	if c.Radio.QueueDepth < 1 {
		return fmt.Errorf("%w: radio.queue_depth must be at least 1", apperrors.ErrNodeInvalidConfig)
	}
	if c.Radio.Tick < 0 {
		return fmt.Errorf("%w: radio.tick must not be negative", apperrors.ErrNodeInvalidConfig)
	}
	if c.Web.Enabled && c.Web.Listen == "" {
		return fmt.Errorf("%w: web.listen is required when web.enabled", apperrors.ErrNodeInvalidConfig)
	}
	return nil
}

// DataPath returns an absolute path within the data directory.
func (c *Config) DataPath(elem ...string) string {
	parts := append([]string{c.Node.DataDir}, elem...)
	return filepath.Join(parts...)
}

// EnsureDataDir creates the data directory if it doesn't exist.
func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.Node.DataDir, 0700)
}
