package beacon

import (
	"testing"
	"time"

	apperrors "github.com/go-batt/nowlink/lib/errors"
	"github.com/go-batt/nowlink/lib/radio"
	"github.com/go-batt/nowlink/lib/wire"
)

type fixedVersions struct{ v wire.Versions }

func (f fixedVersions) Versions() wire.Versions { return f.v }

func testVersions() wire.Versions {
	var v wire.Versions
	v.Global = 42
	for i := range v.Section {
		v.Section[i] = uint16(10 + i)
	}
	return v
}

func newBench(t *testing.T, cfg Config) (*Broadcaster, *radio.Queue, func(time.Duration)) {
	t.Helper()
	hub := radio.NewHub()
	tx := hub.NewDriver(wire.Addr{0x10, 0, 0, 0, 0, 0x01})
	rx := hub.NewDriver(wire.Addr{0x20, 0, 0, 0, 0, 0x02})

	q := radio.NewQueue(32)
	if err := rx.Start(func(f radio.Frame) { q.Enqueue(f) }, nil); err != nil {
		t.Fatalf("start rx: %v", err)
	}
	if err := tx.Start(nil, nil); err != nil {
		t.Fatalf("start tx: %v", err)
	}

	b := New(cfg, tx, fixedVersions{testVersions()}, func() (bool, bool) { return true, false })
	clk := time.Unix(1_700_000_000, 0)
	b.now = func() time.Time { return clk }
	advance := func(d time.Duration) {
		const tick = 100 * time.Millisecond
		for elapsed := time.Duration(0); elapsed < d; elapsed += tick {
			clk = clk.Add(tick)
			b.Step()
		}
	}
	return b, q, advance
}

func TestPeriodicBeacons(t *testing.T) {
	_, q, advance := newBench(t, Config{})

	advance(46 * time.Second)
	if got := q.Len(); got != 3 {
		t.Fatalf("beacons after 46s = %d, want 3", got)
	}

	f := <-q.C()
	var vb wire.VersionBeacon
	if err := vb.Parse(f.Payload); err != nil {
		t.Fatalf("parse beacon: %v", err)
	}
	if vb.MqttConfigV != 10 || vb.NetworkConfigV != 11 || vb.BatterySettingsV != 12 ||
		vb.PowerProfileV != 13 || vb.MetadataConfigV != 17 {
		t.Errorf("section versions = %+v", vb)
	}
	if !vb.MqttConnected || vb.EthernetConnected {
		t.Errorf("status bits = mqtt %v eth %v, want true/false", vb.MqttConnected, vb.EthernetConnected)
	}
}

func TestBeaconCarriesIdentity(t *testing.T) {
	b, q, _ := newBench(t, Config{EnvName: "esp32-release", Major: 2, Minor: 1, Patch: 7})

	if err := b.Force(); err != nil {
		t.Fatalf("Force: %v", err)
	}
	f := <-q.C()
	var vb wire.VersionBeacon
	if err := vb.Parse(f.Payload); err != nil {
		t.Fatalf("parse beacon: %v", err)
	}
	if vb.EnvName != "esp32-release" {
		t.Errorf("env name = %q", vb.EnvName)
	}
	if vb.Major != 2 || vb.Minor != 1 || vb.Patch != 7 {
		t.Errorf("version = %d.%d.%d, want 2.1.7", vb.Major, vb.Minor, vb.Patch)
	}
}

func TestForcedBeaconPaced(t *testing.T) {
	b, q, _ := newBench(t, Config{})

	if err := b.Force(); err != nil {
		t.Fatalf("first Force: %v", err)
	}
	if err := b.Force(); !apperrors.IsRateLimited(err) {
		t.Fatalf("second Force err = %v, want rate limited", err)
	}
	if got := q.Len(); got != 1 {
		t.Errorf("beacons sent = %d, want 1", got)
	}
}

func TestForceResetsPeriodicTimer(t *testing.T) {
	b, q, advance := newBench(t, Config{})

	advance(16 * time.Second) // periodic beacon at 15s
	if err := b.Force(); err != nil {
		t.Fatalf("Force: %v", err)
	}
	// The forced beacon restarts the interval; nothing for 14s.
	advance(14 * time.Second)
	if got := q.Len(); got != 2 {
		t.Errorf("beacons = %d, want 2 (periodic + forced)", got)
	}
}

func TestGateSuppressesBeacons(t *testing.T) {
	up := false
	b, q, advance := newBench(t, Config{Gate: func() bool { return up }})

	advance(40 * time.Second)
	if q.Len() != 0 {
		t.Fatalf("beacons while gated = %d, want 0", q.Len())
	}
	if err := b.Force(); !apperrors.Is(err, apperrors.ErrNotConnected) {
		t.Fatalf("gated Force err = %v, want ErrNotConnected", err)
	}

	up = true
	advance(16 * time.Second)
	if q.Len() == 0 {
		t.Error("no beacon after gate opened")
	}
}
