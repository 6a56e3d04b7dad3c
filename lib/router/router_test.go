package router

import (
	"testing"

	"github.com/go-batt/nowlink/lib/wire"
)

var from = wire.Addr{0xAB, 0, 0, 0, 0, 1}

func TestDispatchByType(t *testing.T) {
	r := New(nil)
	var got wire.MsgType
	r.Handle(wire.MsgHeartbeat, func(_ wire.Addr, p []byte) { got = wire.MsgType(p[0]) })

	frame := wire.Heartbeat{Seq: 1}.Encode()
	if !r.Dispatch(from, frame) {
		t.Fatal("Dispatch returned false for registered type")
	}
	if got != wire.MsgHeartbeat {
		t.Errorf("handler saw type %s", got)
	}
}

func TestDispatchPacketBySubtype(t *testing.T) {
	r := New(nil)
	var settings, other int
	r.HandlePacket(wire.SubtypeSettings, func(wire.Addr, []byte) { settings++ })
	r.Handle(wire.MsgPacket, func(wire.Addr, []byte) { other++ })

	settingsFrames, _ := wire.Fragment(wire.SubtypeSettings, 1, []byte("a"))
	logFrames, _ := wire.Fragment(wire.SubtypeLogs, 2, []byte("b"))
	r.Dispatch(from, settingsFrames[0])
	r.Dispatch(from, logFrames[0])

	if settings != 1 {
		t.Errorf("settings handler calls = %d, want 1", settings)
	}
	if other != 1 {
		t.Errorf("fallback handler calls = %d, want 1", other)
	}
}

func TestDispatchUnknownAndEmpty(t *testing.T) {
	r := New(nil)
	if r.Dispatch(from, nil) {
		t.Error("empty frame dispatched")
	}
	if r.Dispatch(from, []byte{0xEE}) {
		t.Error("unknown type dispatched")
	}
}

func TestPeerGateDropsForeignSenders(t *testing.T) {
	r := New(nil)
	peer := wire.Addr{0x10, 0, 0, 0, 0, 1}
	rogue := wire.Addr{0xDE, 0xAD, 0, 0, 0, 1}

	var reboots, probes int
	r.Handle(wire.MsgReboot, func(wire.Addr, []byte) { reboots++ })
	r.Handle(wire.MsgProbe, func(wire.Addr, []byte) { probes++ })
	r.SetPeerGate(func(from wire.Addr) bool { return from == peer })

	if r.Dispatch(rogue, wire.Reboot{}.Encode()) {
		t.Error("reboot from unregistered sender dispatched")
	}
	if reboots != 0 {
		t.Fatalf("reboot handler ran %d time(s) for a foreign frame", reboots)
	}
	if r.Foreign() != 1 {
		t.Errorf("Foreign = %d, want 1", r.Foreign())
	}

	// The registered peer's frames still go through.
	if !r.Dispatch(peer, wire.Reboot{}.Encode()) || reboots != 1 {
		t.Errorf("registered peer blocked: dispatched=%d", reboots)
	}

	// Discovery bypasses the gate: a probe must reach the handler even
	// from a sender nobody has registered yet.
	if !r.Dispatch(rogue, wire.Probe{Seq: 1}.Encode()) || probes != 1 {
		t.Errorf("discovery frame gated: dispatched=%d", probes)
	}
}

func TestUnhandledCounted(t *testing.T) {
	r := New(nil)
	r.Dispatch(from, wire.Probe{Seq: 1}.Encode())
	r.Dispatch(from, wire.Probe{Seq: 2}.Encode())
	if r.Unhandled() != 2 {
		t.Errorf("Unhandled = %d, want 2", r.Unhandled())
	}
}
