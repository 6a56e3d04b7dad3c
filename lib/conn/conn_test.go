package conn

import (
	"testing"
	"time"

	"github.com/go-batt/nowlink/lib/channel"
	"github.com/go-batt/nowlink/lib/peer"
	"github.com/go-batt/nowlink/lib/radio"
	"github.com/go-batt/nowlink/lib/router"
	"github.com/go-batt/nowlink/lib/wire"
)

var (
	txAddr = wire.Addr{0x10, 0, 0, 0, 0, 0x01}
	rxAddr = wire.Addr{0x20, 0, 0, 0, 0, 0x02}
)

// harness links a transmitter and a receiver over a simulated medium
// with a shared synthetic clock.
type harness struct {
	t   *testing.T
	hub *radio.Hub
	clk time.Time

	tx    *Transmitter
	txDrv *radio.SimDriver
	txQ   *radio.Queue
	txRt  *router.Router

	rx    *Receiver
	rxDrv *radio.SimDriver
	rxQ   *radio.Queue
	rxRt  *router.Router
}

func newHarness(t *testing.T, txCfg TransmitterConfig, rxCfg ReceiverConfig) *harness {
	t.Helper()
	h := &harness{t: t, hub: radio.NewHub(), clk: time.Unix(1_700_000_000, 0)}

	h.txDrv = h.hub.NewDriver(txAddr)
	h.rxDrv = h.hub.NewDriver(rxAddr)
	h.txQ = radio.NewQueue(64)
	h.rxQ = radio.NewQueue(64)

	txPeers := peer.NewRegistry(h.txDrv)
	rxPeers := peer.NewRegistry(h.rxDrv)

	h.tx = NewTransmitter(txCfg, h.txDrv, txPeers, channel.NewManager(h.txDrv))
	h.rx = NewReceiver(rxCfg, h.rxDrv, rxPeers)
	h.tx.now = func() time.Time { return h.clk }
	h.rx.now = func() time.Time { return h.clk }

	h.txRt = router.New(nil)
	h.rxRt = router.New(nil)
	h.tx.RegisterRoutes(h.txRt)
	h.rx.RegisterRoutes(h.rxRt)

	if err := h.txDrv.Start(func(f radio.Frame) { h.txQ.Enqueue(f) }, h.tx.OnSendOutcome); err != nil {
		t.Fatalf("start tx driver: %v", err)
	}
	if err := h.rxDrv.Start(func(f radio.Frame) { h.rxQ.Enqueue(f) }, nil); err != nil {
		t.Fatalf("start rx driver: %v", err)
	}
	return h
}

// pump drains both inbound queues until quiescent.
func (h *harness) pump() {
	for {
		progressed := false
		for h.rxQ.Len() > 0 {
			f := <-h.rxQ.C()
			h.rx.Observe(f.From)
			h.rxRt.Dispatch(f.From, f.Payload)
			progressed = true
		}
		for h.txQ.Len() > 0 {
			f := <-h.txQ.C()
			h.txRt.Dispatch(f.From, f.Payload)
			progressed = true
		}
		if !progressed {
			return
		}
	}
}

// advance moves the clock forward in small steps, stepping both
// machines and pumping frames after each step.
func (h *harness) advance(d time.Duration) {
	const tick = 10 * time.Millisecond
	for elapsed := time.Duration(0); elapsed < d; elapsed += tick {
		h.clk = h.clk.Add(tick)
		h.tx.Step()
		h.rx.Step()
		h.pump()
	}
}

// connect drives both machines to the connected state.
func (h *harness) connect() {
	if err := h.rx.Start(); err != nil {
		h.t.Fatalf("rx start: %v", err)
	}
	if err := h.tx.Start(); err != nil {
		h.t.Fatalf("tx start: %v", err)
	}
	// Enough for a scan across several channels plus the 450 ms lock
	// sequence: three probes per channel at 500 ms apiece.
	h.advance(15 * time.Second)
	if h.tx.State() != StateConnected {
		h.t.Fatalf("tx state = %s, want connected (history %v)", h.tx.State(), h.tx.History().Snapshot())
	}
}

func TestConnectHandshake(t *testing.T) {
	rxCfg := DefaultReceiverConfig()
	rxCfg.HomeChannel = 6
	h := newHarness(t, DefaultTransmitterConfig(), rxCfg)
	h.connect()

	// First heartbeat promotes the receiver to connected.
	h.advance(6 * time.Second)
	if h.rx.State() != StateConnected {
		t.Fatalf("rx state = %s, want connected", h.rx.State())
	}
	if got := h.txDrv.Channel(); got != 6 {
		t.Errorf("tx channel = %d, want 6", got)
	}
	if addr, ok := h.tx.Peer(); !ok || addr != rxAddr {
		t.Errorf("tx peer = %v, %v", addr, ok)
	}
	if addr, ok := h.rx.Peer(); !ok || addr != txAddr {
		t.Errorf("rx peer = %v, %v", addr, ok)
	}
}

func TestLockSequenceTiming(t *testing.T) {
	h := newHarness(t, DefaultTransmitterConfig(), DefaultReceiverConfig())
	if err := h.rx.Start(); err != nil {
		t.Fatalf("rx start: %v", err)
	}
	if err := h.tx.Start(); err != nil {
		t.Fatalf("tx start: %v", err)
	}

	// First step sends the probe; the ack returns synchronously.
	h.tx.Step()
	h.pump()
	if h.tx.State() != StateChannelTransition {
		t.Fatalf("state after ack = %s, want channel_transition", h.tx.State())
	}
	h.advance(60 * time.Millisecond)
	if h.tx.State() != StatePeerRegistration {
		t.Fatalf("state after transition delay = %s", h.tx.State())
	}
	h.advance(110 * time.Millisecond)
	if h.tx.State() != StateChannelStabilizing {
		t.Fatalf("state after registration delay = %s", h.tx.State())
	}
	h.advance(310 * time.Millisecond)
	if h.tx.State() != StateConnected {
		t.Fatalf("state after stabilize delay = %s", h.tx.State())
	}
}

func TestHeartbeatKeepsLinkAlive(t *testing.T) {
	h := newHarness(t, DefaultTransmitterConfig(), DefaultReceiverConfig())
	h.connect()

	h.advance(60 * time.Second)
	if h.tx.State() != StateConnected {
		t.Errorf("tx state after 60s = %s, want connected", h.tx.State())
	}
	if h.rx.State() != StateConnected {
		t.Errorf("rx state after 60s = %s, want connected", h.rx.State())
	}
	if h.tx.HeartbeatSeq() < 10 {
		t.Errorf("heartbeat seq = %d, want >= 10", h.tx.HeartbeatSeq())
	}
}

func TestMissedAcksDisconnectTransmitter(t *testing.T) {
	h := newHarness(t, DefaultTransmitterConfig(), DefaultReceiverConfig())
	var lostReason string
	h.tx.cfg.Events.OnDisconnected = func(reason string) { lostReason = reason }
	h.connect()

	// Silence the receiver: acks stop coming back.
	h.hub.SetLoss(func(from, to wire.Addr, payload []byte) bool {
		return from == rxAddr
	})
	h.advance(20 * time.Second)

	if st := h.tx.State(); st != StateReconnecting && st != StateDiscovering && st != StateWaitingForAck {
		t.Fatalf("tx state = %s, want reconnecting/discovering", st)
	}
	if lostReason != "heartbeat timeout" {
		t.Errorf("reason = %q, want heartbeat timeout", lostReason)
	}
}

func TestReconnectAfterLoss(t *testing.T) {
	h := newHarness(t, DefaultTransmitterConfig(), DefaultReceiverConfig())
	h.connect()

	h.hub.SetLoss(func(from, to wire.Addr, payload []byte) bool { return true })
	h.advance(30 * time.Second)
	if h.tx.State().Up() {
		t.Fatalf("tx still up during blackout: %s", h.tx.State())
	}

	h.hub.SetLoss(nil)
	// Receiver must shed the dead link before it answers probes again;
	// its silence timeout is 90s.
	h.advance(100 * time.Second)
	if h.tx.State() != StateConnected {
		t.Fatalf("tx state after recovery = %s, want connected", h.tx.State())
	}
	if h.rx.State() != StateConnected {
		t.Fatalf("rx state after recovery = %s, want connected", h.rx.State())
	}
}

func TestReceiverSilenceTimeout(t *testing.T) {
	h := newHarness(t, DefaultTransmitterConfig(), DefaultReceiverConfig())
	h.connect()
	h.advance(6 * time.Second) // first heartbeat connects rx

	// Kill the transmitter entirely.
	h.hub.SetLoss(func(from, to wire.Addr, payload []byte) bool { return from == txAddr })
	h.advance(20 * time.Second)
	if h.rx.State() != StateDegraded {
		t.Fatalf("rx state after 20s silence = %s, want degraded", h.rx.State())
	}
	h.advance(80 * time.Second)
	if h.rx.State() != StateListening {
		t.Fatalf("rx state after 100s silence = %s, want listening", h.rx.State())
	}
	if _, ok := h.rx.Peer(); ok {
		t.Error("rx still holds a peer after silence timeout")
	}
}

func TestPeerRebootDetected(t *testing.T) {
	h := newHarness(t, DefaultTransmitterConfig(), DefaultReceiverConfig())
	var rebooted bool
	h.rx.cfg.Events.OnPeerReboot = func(wire.Addr) { rebooted = true }
	h.connect()
	h.advance(20 * time.Second)

	// Simulate a transmitter reboot: heartbeat sequence restarts.
	h.tx.hb.seq = 0
	h.advance(10 * time.Second)

	if !rebooted {
		t.Error("reboot not detected from sequence regression")
	}
	if h.rx.State() != StateConnected {
		t.Errorf("rx state after reboot = %s, want connected (reboot must not disconnect)", h.rx.State())
	}
}

func TestOutboxFlushOnConnect(t *testing.T) {
	h := newHarness(t, DefaultTransmitterConfig(), DefaultReceiverConfig())
	if err := h.rx.Start(); err != nil {
		t.Fatalf("rx start: %v", err)
	}
	if err := h.tx.Start(); err != nil {
		t.Fatalf("tx start: %v", err)
	}

	// Queue data before the link exists.
	frame := wire.Data{SOC: 50, Power: 100}.Encode()
	if err := h.tx.Send(frame); err != nil {
		t.Fatalf("Send while down: %v", err)
	}
	if h.tx.Outbox().Len() != 1 {
		t.Fatalf("outbox len = %d, want 1", h.tx.Outbox().Len())
	}

	var gotData bool
	h.rxRt.Handle(wire.MsgData, func(from wire.Addr, p []byte) { gotData = true })
	h.advance(time.Second)

	if h.tx.Outbox().Len() != 0 {
		t.Errorf("outbox not drained on connect")
	}
	if !gotData {
		t.Error("queued frame never delivered")
	}
}

func TestProbeWhileConnectedMeansPeerReboot(t *testing.T) {
	h := newHarness(t, DefaultTransmitterConfig(), DefaultReceiverConfig())
	h.connect()
	h.advance(6 * time.Second)
	if h.rx.State() != StateConnected {
		t.Fatalf("rx not connected: %s", h.rx.State())
	}

	var rebooted bool
	var disconnects []string
	h.rx.cfg.Events.OnPeerReboot = func(wire.Addr) { rebooted = true }
	h.rx.cfg.Events.OnDisconnected = func(reason string) { disconnects = append(disconnects, reason) }

	// A fresh probe from the connected transmitter means it rebooted and
	// restarted discovery. The link must survive it.
	h.rx.handleProbe(txAddr, wire.Probe{Seq: 999}.Encode())
	if h.rx.State() != StateConnected {
		t.Errorf("rx state = %s, want connected", h.rx.State())
	}
	if !rebooted {
		t.Error("reboot event not raised")
	}
	if len(disconnects) != 0 {
		t.Errorf("link was severed: %v", disconnects)
	}
	if addr, ok := h.rx.Peer(); !ok || addr != txAddr {
		t.Errorf("rx peer = %v, %v, want %v", addr, ok, txAddr)
	}

	// Heartbeat tracking was reset, so the restarted sequence does not
	// read as a second reboot.
	rebooted = false
	h.advance(10 * time.Second)
	if rebooted {
		t.Error("restarted heartbeat sequence flagged a second reboot")
	}
	if h.rx.State() != StateConnected {
		t.Errorf("rx state after reboot recovery = %s, want connected", h.rx.State())
	}
}

func TestProbeFromSecondTransmitterIgnored(t *testing.T) {
	h := newHarness(t, DefaultTransmitterConfig(), DefaultReceiverConfig())
	h.connect()
	h.advance(6 * time.Second)

	var rebooted bool
	h.rx.cfg.Events.OnPeerReboot = func(wire.Addr) { rebooted = true }

	intruder := wire.Addr{0x30, 0, 0, 0, 0, 0x03}
	h.rx.handleProbe(intruder, wire.Probe{Seq: 1}.Encode())

	if h.rx.State() != StateConnected {
		t.Errorf("rx state = %s, want connected", h.rx.State())
	}
	if rebooted {
		t.Error("stranger's probe raised a reboot event")
	}
	if addr, _ := h.rx.Peer(); addr != txAddr {
		t.Errorf("rx peer = %v, want %v", addr, txAddr)
	}
}
