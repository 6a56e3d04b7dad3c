package node

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-batt/nowlink/lib/command"
	apperrors "github.com/go-batt/nowlink/lib/errors"
	"github.com/go-batt/nowlink/lib/radio"
	"github.com/go-batt/nowlink/lib/wire"
)

func testConfig(t *testing.T, role string) *Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Node.Name = "test-" + role
	cfg.Node.DataDir = t.TempDir()
	cfg.Node.Role = role
	cfg.Radio.Tick = 2 * time.Millisecond
	cfg.Web.Enabled = false
	cfg.Uplink.Enabled = false
	return cfg
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty name", func(c *Config) { c.Node.Name = "" }},
		{"empty data dir", func(c *Config) { c.Node.DataDir = "" }},
		{"bad role", func(c *Config) { c.Node.Role = "repeater" }},
		{"channel too low", func(c *Config) { c.Radio.HomeChannel = 0 }},
		{"channel too high", func(c *Config) { c.Radio.HomeChannel = 15 }},
		{"zero queue", func(c *Config) { c.Radio.QueueDepth = 0 }},
		{"web without listen", func(c *Config) { c.Web.Enabled = true; c.Web.Listen = "" }},
	}
	for _, tc := range cases {
		cfg := DefaultConfig()
		cfg.Node.DataDir = "/tmp/x"
		tc.mutate(cfg)
		err := cfg.Validate()
		if !apperrors.Is(err, apperrors.ErrNodeInvalidConfig) {
			t.Errorf("%s: err = %v, want ErrNodeInvalidConfig", tc.name, err)
		}
	}

	good := DefaultConfig()
	good.Node.DataDir = "/tmp/x"
	if err := good.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestLoadConfigMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Node.Role != RoleTransmitter {
		t.Errorf("role = %q, want default transmitter", cfg.Node.Role)
	}
	if cfg.Radio.QueueDepth != DefaultQueueDepth {
		t.Errorf("queue depth = %d", cfg.Radio.QueueDepth)
	}
}

func TestConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	cfg := DefaultConfig()
	cfg.Node.Name = "garage-rx"
	cfg.Node.Role = RoleReceiver
	cfg.Radio.HomeChannel = 6
	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Node.Name != "garage-rx" || got.Node.Role != RoleReceiver || got.Radio.HomeChannel != 6 {
		t.Errorf("round trip mismatch: %+v", got.Node)
	}
}

func TestNewNodeRejectsBadInput(t *testing.T) {
	hub := radio.NewHub()
	drv := hub.NewDriver(wire.Addr{1})

	if _, err := NewNode(nil, drv, nil); !apperrors.Is(err, apperrors.ErrNodeConfigRequired) {
		t.Errorf("nil config: err = %v", err)
	}

	bad := testConfig(t, RoleTransmitter)
	bad.Node.Role = "router"
	if _, err := NewNode(bad, drv, nil); !apperrors.Is(err, apperrors.ErrNodeInvalidConfig) {
		t.Errorf("bad role: err = %v", err)
	}

	if _, err := NewNode(testConfig(t, RoleTransmitter), nil, nil); !apperrors.Is(err, apperrors.ErrNodeInvalidConfig) {
		t.Errorf("nil driver: err = %v", err)
	}
}

func TestNodeLifecycle(t *testing.T) {
	hub := radio.NewHub()
	drv := hub.NewDriver(wire.Addr{0xA0, 0, 0, 0, 0, 1})
	n, err := NewNode(testConfig(t, RoleTransmitter), drv, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	var transitions []NodeState
	n.SetOnStateChange(func(_, to NodeState) { transitions = append(transitions, to) })

	if n.State() != StateInitial {
		t.Fatalf("state = %v, want initial", n.State())
	}
	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if n.State() != StateRunning {
		t.Fatalf("state = %v, want running", n.State())
	}
	if err := n.Start(context.Background()); !apperrors.Is(err, apperrors.ErrNodeInvalidState) {
		t.Errorf("double start: err = %v", err)
	}
	if n.Uptime() <= 0 {
		t.Error("uptime not advancing")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := n.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if n.State() != StateStopped {
		t.Fatalf("state = %v, want stopped", n.State())
	}
	select {
	case <-n.Done():
	default:
		t.Error("done channel not closed")
	}

	want := []NodeState{StateStarting, StateRunning, StateStopping, StateStopped}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v", transitions)
	}
	for i, w := range want {
		if transitions[i] != w {
			t.Errorf("transition %d = %v, want %v", i, transitions[i], w)
		}
	}
}

// startPair brings up a transmitter and a receiver on one simulated hub
// and waits for the link.
func startPair(t *testing.T) (*Node, *Node) {
	t.Helper()
	hub := radio.NewHub()
	txDrv := hub.NewDriver(wire.Addr{0xB0, 0, 0, 0, 0, 1})
	rxDrv := hub.NewDriver(wire.Addr{0xB0, 0, 0, 0, 0, 2})

	txNode, err := NewNode(testConfig(t, RoleTransmitter), txDrv, nil)
	if err != nil {
		t.Fatalf("new tx: %v", err)
	}
	rxNode, err := NewNode(testConfig(t, RoleReceiver), rxDrv, nil)
	if err != nil {
		t.Fatalf("new rx: %v", err)
	}

	ctx := context.Background()
	if err := rxNode.Start(ctx); err != nil {
		t.Fatalf("start rx: %v", err)
	}
	if err := txNode.Start(ctx); err != nil {
		t.Fatalf("start tx: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if txNode.State() == StateRunning {
			_ = txNode.Stop(ctx)
		}
		if rxNode.State() == StateRunning {
			_ = rxNode.Stop(ctx)
		}
	})

	waitFor(t, 10*time.Second, "link up on both sides", func() bool {
		return txNode.Transmitter().State().Up() && rxNode.Receiver().State().Up()
	})
	return txNode, rxNode
}

func TestLinkAndSnapshotSync(t *testing.T) {
	txNode, rxNode := startPair(t)

	// The receiver requests the full snapshot on connect.
	waitFor(t, 5*time.Second, "snapshot install", func() bool {
		_, err := rxNode.Cache().Snapshot()
		return err == nil
	})

	authVer := txNode.Authority().Versions()
	cacheVer := rxNode.Cache().Versions()
	if authVer.Global != cacheVer.Global {
		t.Errorf("global version: authority %d, cache %d", authVer.Global, cacheVer.Global)
	}

	// A local write on the authority propagates as a delta.
	port := []byte{0xB3, 0x22} // 8883 little-endian
	if err := txNode.Authority().Apply(wire.SectionMqtt, wire.FieldMqttPort, port); err != nil {
		t.Fatalf("apply: %v", err)
	}
	waitFor(t, 5*time.Second, "delta install", func() bool {
		snap, err := rxNode.Cache().Snapshot()
		return err == nil && snap.Mqtt.Port == 8883
	})

	// Telemetry crosses the link and lands in the receiver's record.
	if err := txNode.SendTelemetry(wire.Data{SOC: 73, Power: -420}); err != nil {
		t.Errorf("telemetry: %v", err)
	}
	waitFor(t, 5*time.Second, "telemetry receipt", func() bool {
		d, _, ok := rxNode.Telemetry()
		return ok && d.SOC == 73 && d.Power == -420
	})

	// Diagnostics reflect the running link.
	d := txNode.Diag()
	if !d.Up || d.Role != RoleTransmitter {
		t.Errorf("tx diag = %+v", d)
	}
	if d.ConfigGlobalVersion != txNode.Authority().Versions().Global {
		t.Errorf("diag version = %d", d.ConfigGlobalVersion)
	}
}

func TestForeignSenderCannotCommand(t *testing.T) {
	hub := radio.NewHub()
	txDrv := hub.NewDriver(wire.Addr{0xB0, 0, 0, 0, 0, 1})
	rxDrv := hub.NewDriver(wire.Addr{0xB0, 0, 0, 0, 0, 2})
	rogue := hub.NewDriver(wire.Addr{0xDE, 0xAD, 0, 0, 0, 1})

	txNode, err := NewNode(testConfig(t, RoleTransmitter), txDrv, nil)
	if err != nil {
		t.Fatalf("new tx: %v", err)
	}
	reboots := make(chan struct{}, 8)
	txNode.SetCommandHooks(command.Hooks{OnReboot: func() { reboots <- struct{}{} }})

	rxNode, err := NewNode(testConfig(t, RoleReceiver), rxDrv, nil)
	if err != nil {
		t.Fatalf("new rx: %v", err)
	}

	ctx := context.Background()
	if err := rxNode.Start(ctx); err != nil {
		t.Fatalf("start rx: %v", err)
	}
	if err := txNode.Start(ctx); err != nil {
		t.Fatalf("start tx: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if txNode.State() == StateRunning {
			_ = txNode.Stop(ctx)
		}
		if rxNode.State() == StateRunning {
			_ = rxNode.Stop(ctx)
		}
	})
	waitFor(t, 10*time.Second, "link up on both sides", func() bool {
		return txNode.Transmitter().State().Up() && rxNode.Receiver().State().Up()
	})

	// A third radio tunes to the link's channel and sends a reboot
	// command straight at the transmitter.
	if err := rogue.Start(func(radio.Frame) {}, nil); err != nil {
		t.Fatalf("start rogue: %v", err)
	}
	if err := rogue.SetChannel(txDrv.Channel()); err != nil {
		t.Fatalf("rogue retune: %v", err)
	}
	if err := rogue.AddPeer(txDrv.LocalAddr(), txDrv.Channel()); err != nil {
		t.Fatalf("rogue add peer: %v", err)
	}
	if err := rogue.Send(txDrv.LocalAddr(), wire.Reboot{}.Encode()); err != nil {
		t.Fatalf("rogue send: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	select {
	case <-reboots:
		t.Fatal("reboot command from unregistered sender was executed")
	default:
	}

	// The registered peer's same command still goes through.
	if err := rxNode.Receiver().Send(wire.Reboot{}.Encode()); err != nil {
		t.Fatalf("rx send: %v", err)
	}
	waitFor(t, 5*time.Second, "reboot from registered peer", func() bool {
		select {
		case <-reboots:
			return true
		default:
			return false
		}
	})
}

func TestSettingsProposalRoundTrip(t *testing.T) {
	txNode, rxNode := startPair(t)

	waitFor(t, 5*time.Second, "snapshot install", func() bool {
		_, err := rxNode.Cache().Snapshot()
		return err == nil
	})

	// Propose a change from the receiver; the authority validates,
	// applies, and echoes it back.
	if err := rxNode.Cache().Propose(wire.SectionBattery, wire.FieldBattChemistry, []byte{3}); err != nil {
		t.Fatalf("propose: %v", err)
	}
	waitFor(t, 5*time.Second, "proposal echo", func() bool {
		snap, err := rxNode.Cache().Snapshot()
		return err == nil && snap.Battery.Chemistry == 3
	})

	auth := txNode.Authority().Snapshot()
	if auth.Battery.Chemistry != 3 {
		t.Errorf("authority chemistry = %d, want 3", auth.Battery.Chemistry)
	}
}
