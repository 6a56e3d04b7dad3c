package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-batt/nowlink/lib/wire"
)

func testSnapshot() wire.Snapshot {
	var s wire.Snapshot
	s.Mqtt = wire.MqttConfig{Server: "broker.local", Port: 8883, Enabled: true}
	s.Network = wire.NetworkConfig{Hostname: "battery-emu", IP: [4]byte{192, 168, 1, 50}}
	s.Battery = wire.BatteryConfig{MinVoltageDV: 4600, MaxVoltageDV: 5700, Chemistry: 2}
	s.Versions.Global = 99
	s.Versions.Section[0] = 12
	return s
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config", "snapshot.toml")
	st := New(Config{Path: path})

	st.Put(testSnapshot())
	if !st.Dirty() {
		t.Fatal("Put did not mark dirty")
	}
	if err := st.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if st.Dirty() {
		t.Error("Save did not clear dirty")
	}

	got, ok, err := New(Config{Path: path}).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !ok {
		t.Fatal("Load found nothing")
	}
	if got != testSnapshot() {
		t.Errorf("round trip diverged:\n got %+v\nwant %+v", got, testSnapshot())
	}
}

func TestLoadMissingFile(t *testing.T) {
	st := New(Config{Path: filepath.Join(t.TempDir(), "missing.toml")})
	_, ok, err := st.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if ok {
		t.Error("Load reported a snapshot from a missing file")
	}
}

func TestLoadCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.toml")
	if err := os.WriteFile(path, []byte("not = [valid"), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, _, err := New(Config{Path: path}).Load(); err == nil {
		t.Error("Load accepted a corrupt file")
	}
}

func TestSaveWithoutSnapshotIsNoop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.toml")
	st := New(Config{Path: path})
	if err := st.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("empty store wrote a file")
	}
}

func TestSaveLeavesNoTempFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.toml")
	st := New(Config{Path: path})
	st.Put(testSnapshot())
	if err := st.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file left behind")
	}
}

func TestStopFlushesDirtyState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.toml")
	st := New(Config{Path: path, SaveInterval: time.Hour})
	st.Start()
	st.Put(testSnapshot())
	st.Stop()

	got, ok, err := New(Config{Path: path}).Load()
	if err != nil || !ok {
		t.Fatalf("Load after Stop: ok=%v err=%v", ok, err)
	}
	if got.Versions.Global != 99 {
		t.Errorf("global version = %d, want 99", got.Versions.Global)
	}
}
