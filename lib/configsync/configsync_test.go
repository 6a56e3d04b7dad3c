package configsync

import (
	"testing"
	"time"

	apperrors "github.com/go-batt/nowlink/lib/errors"
	"github.com/go-batt/nowlink/lib/router"
	"github.com/go-batt/nowlink/lib/wire"
)

var (
	txAddr = wire.Addr{0x10, 0, 0, 0, 0, 0x01}
	rxAddr = wire.Addr{0x20, 0, 0, 0, 0, 0x02}
)

// syncPair joins an authority and a cache back to back with synchronous
// frame delivery and a shared synthetic clock. Loss rules let tests drop
// frames in either direction.
type syncPair struct {
	t   *testing.T
	clk time.Time

	auth    *Authority
	cache   *Cache
	authRt  *router.Router
	cacheRt *router.Router

	dropToCache func([]byte) bool
	dropToAuth  func([]byte) bool

	acks []wire.ConfigAck // config acks seen by the authority
}

func testSnapshot() wire.Snapshot {
	var s wire.Snapshot
	s.Mqtt = wire.MqttConfig{
		Server: "broker.local", Port: 1883, Username: "batt",
		ClientID: "nowlink-tx", TopicPrefix: "battery", Enabled: true,
		TimeoutMs: 5000,
	}
	s.Network = wire.NetworkConfig{
		UseStatic: true, IP: [4]byte{192, 168, 1, 50},
		Gateway: [4]byte{192, 168, 1, 1}, Subnet: [4]byte{255, 255, 255, 0},
		DNS: [4]byte{192, 168, 1, 1}, Hostname: "battery-emu",
	}
	s.Battery = wire.BatteryConfig{
		MinVoltageDV: 4600, MaxVoltageDV: 5700, ChargeVoltageDV: 5650,
		FloatVoltageDV: 5400, Chemistry: 2,
	}
	s.Power = wire.PowerConfig{MaxChargeW: 5000, MaxDischargeW: 5000}
	s.Versions.Global = 7
	for i := range s.Versions.Section {
		s.Versions.Section[i] = uint16(i + 1)
	}
	return s
}

func newSyncPair(t *testing.T) *syncPair {
	t.Helper()
	p := &syncPair{t: t, clk: time.Unix(1_700_000_000, 0)}

	p.authRt = router.New(nil)
	p.cacheRt = router.New(nil)

	p.auth = NewAuthority(AuthorityConfig{
		Send: func(frame []byte) error {
			if p.dropToCache != nil && p.dropToCache(frame) {
				return nil
			}
			p.cacheRt.Dispatch(txAddr, frame)
			return nil
		},
	}, testSnapshot())
	p.cache = NewCache(CacheConfig{
		Send: func(frame []byte) error {
			if p.dropToAuth != nil && p.dropToAuth(frame) {
				return nil
			}
			if wire.MsgType(frame[0]) == wire.MsgConfigAck {
				var ack wire.ConfigAck
				if err := ack.Parse(frame); err == nil {
					p.acks = append(p.acks, ack)
				}
			}
			p.authRt.Dispatch(rxAddr, frame)
			return nil
		},
	})
	p.auth.now = func() time.Time { return p.clk }
	p.cache.now = func() time.Time { return p.clk }
	p.auth.sleep = func(time.Duration) {} // delivery is synchronous here

	p.auth.RegisterRoutes(p.authRt)
	p.cache.RegisterRoutes(p.cacheRt)
	return p
}

// beacon builds a version beacon from the authority's current counters.
func (p *syncPair) beacon() []byte {
	v := p.auth.Versions()
	return wire.VersionBeacon{
		MqttConfigV:      v.Of(wire.SectionMqtt),
		NetworkConfigV:   v.Of(wire.SectionNetwork),
		BatterySettingsV: v.Of(wire.SectionBattery),
		PowerProfileV:    v.Of(wire.SectionPower),
		MetadataConfigV:  v.Of(wire.SectionSystem),
	}.Encode()
}

func TestFullSnapshotSync(t *testing.T) {
	p := newSyncPair(t)

	if _, err := p.cache.Snapshot(); !apperrors.Is(err, apperrors.ErrSyncNoSnapshot) {
		t.Fatalf("empty cache err = %v, want ErrSyncNoSnapshot", err)
	}
	if err := p.cache.RequestFull(); err != nil {
		t.Fatalf("RequestFull: %v", err)
	}
	if !p.cache.Populated() {
		t.Fatal("cache not populated after full sync")
	}

	got, err := p.cache.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	want := p.auth.Snapshot()
	if got != want {
		t.Errorf("cache snapshot diverges from authority:\n got %+v\nwant %+v", got, want)
	}
	if len(p.acks) != 1 || !p.acks[0].Success {
		t.Fatalf("acks = %+v, want one success", p.acks)
	}
	if p.acks[0].AckedVersion != want.Versions.Global {
		t.Errorf("acked version = %d, want %d", p.acks[0].AckedVersion, want.Versions.Global)
	}
	if p.acks[0].Section != wire.SectionSystem {
		t.Errorf("snapshot ack section = %d, want system", p.acks[0].Section)
	}
}

func TestSnapshotFragmentsPaced(t *testing.T) {
	p := newSyncPair(t)
	var pauses []time.Duration
	p.auth.sleep = func(d time.Duration) { pauses = append(pauses, d) }

	var fragments int
	p.dropToCache = func(frame []byte) bool {
		if wire.MsgType(frame[0]) == wire.MsgPacket {
			fragments++
		}
		return false
	}

	if err := p.cache.RequestFull(); err != nil {
		t.Fatalf("RequestFull: %v", err)
	}
	if fragments < 2 {
		t.Fatalf("fragments = %d, want at least 2", fragments)
	}
	if len(pauses) != fragments-1 {
		t.Fatalf("pauses = %d, want one between each of %d fragments", len(pauses), fragments)
	}
	for i, d := range pauses {
		if d != DefaultFragmentPacing {
			t.Errorf("pause %d = %v, want %v", i, d, DefaultFragmentPacing)
		}
	}
}

func TestAbandonTransferFreesReassembly(t *testing.T) {
	p := newSyncPair(t)

	// Lose everything past the first fragment, leaving a partial
	// transfer in the reassembler.
	p.dropToCache = func(frame []byte) bool {
		if wire.MsgType(frame[0]) != wire.MsgPacket {
			return false
		}
		h, _, err := wire.ParsePacket(frame)
		return err == nil && h.FragIndex > 0
	}
	if err := p.cache.RequestFull(); err != nil {
		t.Fatalf("RequestFull: %v", err)
	}
	if err := p.cache.RequestFull(); !apperrors.Is(err, apperrors.ErrSyncInProgress) {
		t.Fatalf("re-request err = %v, want ErrSyncInProgress", err)
	}

	// Losing the link frees the partial transfer at once; no timeout
	// has to pass before the next request can go out.
	p.cache.AbandonTransfer()
	p.dropToCache = nil
	if err := p.cache.RequestFull(); err != nil {
		t.Fatalf("RequestFull after abandon: %v", err)
	}
	if !p.cache.Populated() {
		t.Fatal("cache not populated after retried transfer")
	}
}

func TestCorruptSnapshotRetriesWithBackoff(t *testing.T) {
	p := newSyncPair(t)

	// Swallow the cache's full-snapshot requests so its own retry
	// schedule is the only thing driving traffic.
	var requests int
	p.dropToAuth = func(frame []byte) bool {
		if wire.MsgType(frame[0]) == wire.MsgConfigRequestFull {
			requests++
			return true
		}
		return false
	}

	// Deliver a snapshot whose body was damaged in flight. Each
	// fragment checks out on its own; the assembled CRC32 does not.
	deliverCorrupt := func(seq uint32) {
		t.Helper()
		snap := testSnapshot()
		enc := snap.Encode()
		enc[10] ^= 0xFF
		frames, err := wire.Fragment(wire.SubtypeSettings, seq, enc)
		if err != nil {
			t.Fatalf("Fragment: %v", err)
		}
		for _, f := range frames {
			p.cacheRt.Dispatch(txAddr, f)
		}
	}

	// First failure: nack plus one immediate re-request.
	deliverCorrupt(1)
	if p.cache.Populated() {
		t.Fatal("corrupt snapshot installed")
	}
	if len(p.acks) != 1 || p.acks[0].Success || p.acks[0].Section != wire.SectionSystem {
		t.Fatalf("acks = %+v, want one system-section failure", p.acks)
	}
	if requests != 1 {
		t.Fatalf("requests after first failure = %d, want 1 immediate retry", requests)
	}

	// Second failure defers the retry one second out.
	deliverCorrupt(2)
	if requests != 1 {
		t.Fatalf("requests after second failure = %d, want still 1", requests)
	}
	p.clk = p.clk.Add(500 * time.Millisecond)
	p.cache.Tick()
	if requests != 1 {
		t.Fatalf("retry fired before its backoff expired")
	}
	p.clk = p.clk.Add(500 * time.Millisecond)
	p.cache.Tick()
	if requests != 2 {
		t.Fatalf("requests after 1s = %d, want 2", requests)
	}

	// Third failure doubles the wait.
	deliverCorrupt(3)
	p.clk = p.clk.Add(time.Second)
	p.cache.Tick()
	if requests != 2 {
		t.Fatalf("retry fired after 1s, want 2s backoff")
	}
	p.clk = p.clk.Add(time.Second)
	p.cache.Tick()
	if requests != 3 {
		t.Fatalf("requests after 2s = %d, want 3", requests)
	}

	// A clean transfer ends the retry cycle.
	p.dropToAuth = nil
	if err := p.cache.RequestFull(); err != nil {
		t.Fatalf("RequestFull: %v", err)
	}
	if !p.cache.Populated() {
		t.Fatal("cache not populated by clean transfer")
	}
	p.clk = p.clk.Add(time.Minute)
	p.cache.Tick()
	if got := p.cache.retryWait; got != 0 {
		t.Errorf("retryWait after install = %v, want 0", got)
	}
}

func TestDeltaPropagation(t *testing.T) {
	p := newSyncPair(t)
	if err := p.cache.RequestFull(); err != nil {
		t.Fatalf("RequestFull: %v", err)
	}
	before := p.cache.Versions()

	if err := p.auth.Apply(wire.SectionMqtt, wire.FieldMqttPort, []byte{0xB3, 0x22}); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	snap, err := p.cache.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.Mqtt.Port != 8883 {
		t.Errorf("cached mqtt port = %d, want 8883", snap.Mqtt.Port)
	}
	if got := snap.Versions.Of(wire.SectionMqtt); got != before.Of(wire.SectionMqtt)+1 {
		t.Errorf("section version = %d, want %d", got, before.Of(wire.SectionMqtt)+1)
	}
	if snap.Versions.Global != before.Global+1 {
		t.Errorf("global version = %d, want %d", snap.Versions.Global, before.Global+1)
	}
	if auth := p.auth.Snapshot(); auth != snap {
		t.Error("authority and cache diverged after delta")
	}
}

func TestStaleDeltaRejected(t *testing.T) {
	p := newSyncPair(t)
	if err := p.cache.RequestFull(); err != nil {
		t.Fatalf("RequestFull: %v", err)
	}
	if err := p.auth.Apply(wire.SectionMqtt, wire.FieldMqttPort, []byte{0xB3, 0x22}); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	// Replay the same delta: its version is no longer newer.
	cacheVers := p.cache.Versions()
	stale, err := wire.ConfigDeltaUpdate{
		Section:           wire.SectionMqtt,
		FieldID:           wire.FieldMqttPort,
		Value:             []byte{0x5B, 0x07}, // 1883
		NewSectionVersion: cacheVers.Of(wire.SectionMqtt),
		NewGlobalVersion:  cacheVers.Global,
	}.Encode()
	if err != nil {
		t.Fatalf("encode stale delta: %v", err)
	}
	p.cacheRt.Dispatch(txAddr, stale)

	snap, _ := p.cache.Snapshot()
	if snap.Mqtt.Port != 8883 {
		t.Errorf("stale delta rolled the cache back to port %d", snap.Mqtt.Port)
	}
}

func TestProposalAcceptedEchoesToCache(t *testing.T) {
	p := newSyncPair(t)
	if err := p.cache.RequestFull(); err != nil {
		t.Fatalf("RequestFull: %v", err)
	}
	var verdicts []wire.SettingsUpdateAck
	p.cache.cfg.Events.OnProposalAck = func(a wire.SettingsUpdateAck) { verdicts = append(verdicts, a) }

	if err := p.cache.Propose(wire.SectionBattery, wire.FieldBattChemistry, []byte{3}); err != nil {
		t.Fatalf("Propose: %v", err)
	}

	if len(verdicts) != 1 || !verdicts[0].Success {
		t.Fatalf("verdicts = %+v, want one success", verdicts)
	}
	snap, _ := p.cache.Snapshot()
	if snap.Battery.Chemistry != 3 {
		t.Errorf("cached chemistry = %d, want 3", snap.Battery.Chemistry)
	}
	if auth := p.auth.Snapshot(); auth.Battery.Chemistry != 3 {
		t.Errorf("authority chemistry = %d, want 3", auth.Battery.Chemistry)
	}
}

func TestProposalRejectedUnknownField(t *testing.T) {
	p := newSyncPair(t)
	if err := p.cache.RequestFull(); err != nil {
		t.Fatalf("RequestFull: %v", err)
	}
	var verdicts []wire.SettingsUpdateAck
	p.cache.cfg.Events.OnProposalAck = func(a wire.SettingsUpdateAck) { verdicts = append(verdicts, a) }

	// Propose validates locally, so push the raw frame to exercise the
	// authority's rejection path.
	frame, err := wire.SettingsUpdate{Section: wire.SectionMqtt, FieldID: 200, Value: []byte{1}}.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	p.authRt.Dispatch(rxAddr, frame)

	if len(verdicts) != 1 || verdicts[0].Success {
		t.Fatalf("verdicts = %+v, want one rejection", verdicts)
	}
	if verdicts[0].ReasonCode != wire.ReasonUnknownField {
		t.Errorf("reason = %d, want unknown field", verdicts[0].ReasonCode)
	}
	if before, after := testSnapshot().Versions.Global, p.auth.Versions().Global; before != after {
		t.Errorf("rejected proposal bumped global version %d -> %d", before, after)
	}
}

func TestDeltaBeforeSnapshotTriggersFullSync(t *testing.T) {
	p := newSyncPair(t)

	// The cache has never synced; a pushed delta cannot apply and must
	// fall back to requesting the full snapshot.
	if err := p.auth.Apply(wire.SectionMqtt, wire.FieldMqttPort, []byte{0xB3, 0x22}); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	if !p.cache.Populated() {
		t.Fatal("cache not populated after fallback sync")
	}
	snap, _ := p.cache.Snapshot()
	if snap.Mqtt.Port != 8883 {
		t.Errorf("cached port = %d, want 8883 from full snapshot", snap.Mqtt.Port)
	}
}

func TestFragmentLossRecoveredByBeacon(t *testing.T) {
	p := newSyncPair(t)

	// Drop the second fragment of the first transfer.
	dropped := false
	p.dropToCache = func(frame []byte) bool {
		if wire.MsgType(frame[0]) != wire.MsgPacket || dropped {
			return false
		}
		h, _, err := wire.ParsePacket(frame)
		if err == nil && h.FragIndex == 1 {
			dropped = true
			return true
		}
		return false
	}

	if err := p.cache.RequestFull(); err != nil {
		t.Fatalf("RequestFull: %v", err)
	}
	if p.cache.Populated() {
		t.Fatal("cache populated despite lost fragment")
	}

	// While the partial transfer is fresh, a re-request is refused.
	if err := p.cache.RequestFull(); !apperrors.Is(err, apperrors.ErrSyncInProgress) {
		t.Fatalf("re-request err = %v, want ErrSyncInProgress", err)
	}

	// Past the reassembly timeout the next beacon restarts the sync.
	p.clk = p.clk.Add(4 * time.Second)
	p.cacheRt.Dispatch(txAddr, p.beacon())
	if !p.cache.Populated() {
		t.Fatal("cache not populated after beacon-driven retry")
	}
}

func TestBeaconTriggersSectionResync(t *testing.T) {
	p := newSyncPair(t)
	if err := p.cache.RequestFull(); err != nil {
		t.Fatalf("RequestFull: %v", err)
	}

	// The delta is lost, leaving the cache one version behind.
	p.dropToCache = func(frame []byte) bool {
		return wire.MsgType(frame[0]) == wire.MsgConfigDeltaUpdate
	}
	if err := p.auth.Apply(wire.SectionMqtt, wire.FieldMqttPort, []byte{0xB3, 0x22}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if snap, _ := p.cache.Snapshot(); snap.Mqtt.Port == 8883 {
		t.Fatal("delta arrived despite loss rule")
	}

	// The beacon advertises the newer MQTT section; the cache pulls it.
	p.cacheRt.Dispatch(txAddr, p.beacon())

	snap, _ := p.cache.Snapshot()
	if snap.Mqtt.Port != 8883 {
		t.Errorf("cached port = %d after resync, want 8883", snap.Mqtt.Port)
	}
	authVers := p.auth.Versions()
	if got, want := snap.Versions.Of(wire.SectionMqtt), authVers.Of(wire.SectionMqtt); got != want {
		t.Errorf("mqtt section version = %d, want %d", got, want)
	}
}

func TestSectionRequestServedWithDedicatedCarrier(t *testing.T) {
	p := newSyncPair(t)
	if err := p.cache.RequestFull(); err != nil {
		t.Fatalf("RequestFull: %v", err)
	}

	var carriers []wire.MsgType
	p.dropToCache = func(frame []byte) bool {
		switch wire.MsgType(frame[0]) {
		case wire.MsgMqttConfigAck, wire.MsgNetworkConfigAck, wire.MsgConfigSectionResponse:
			carriers = append(carriers, wire.MsgType(frame[0]))
		}
		return false
	}

	for _, req := range []wire.ConfigSectionRequest{
		{Section: wire.SectionMqtt},
		{Section: wire.SectionNetwork},
		{Section: wire.SectionBattery},
	} {
		p.authRt.Dispatch(rxAddr, req.Encode())
	}

	want := []wire.MsgType{wire.MsgMqttConfigAck, wire.MsgNetworkConfigAck, wire.MsgConfigSectionResponse}
	if len(carriers) != len(want) {
		t.Fatalf("carriers = %v, want %v", carriers, want)
	}
	for i := range want {
		if carriers[i] != want[i] {
			t.Errorf("carrier %d = %s, want %s", i, carriers[i], want[i])
		}
	}
}
