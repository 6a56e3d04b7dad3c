package wire

import (
	"errors"
	"fmt"
)

// Section identifies one configuration section. Values match the peer
// firmware and start at 1; 0 is reserved.
type Section uint8

const (
	SectionMqtt      Section = 1
	SectionNetwork   Section = 2
	SectionBattery   Section = 3
	SectionPower     Section = 4
	SectionInverter  Section = 5
	SectionCan       Section = 6
	SectionContactor Section = 7
	SectionSystem    Section = 8
)

// SectionCount is the number of configuration sections.
const SectionCount = 8

// Valid reports whether s is a known section.
func (s Section) Valid() bool { return s >= SectionMqtt && s <= SectionSystem }

func (s Section) String() string {
	switch s {
	case SectionMqtt:
		return "mqtt"
	case SectionNetwork:
		return "network"
	case SectionBattery:
		return "battery"
	case SectionPower:
		return "power"
	case SectionInverter:
		return "inverter"
	case SectionCan:
		return "can"
	case SectionContactor:
		return "contactor"
	case SectionSystem:
		return "system"
	default:
		return fmt.Sprintf("Section(%d)", uint8(s))
	}
}

// Snapshot layout errors.
var (
	ErrBadSnapshotLen = errors.New("wire: snapshot length mismatch")
	ErrUnknownSection = errors.New("wire: unknown section")
	ErrUnknownField   = errors.New("wire: unknown field")
	ErrBadFieldValue  = errors.New("wire: field value invalid")
)

// Fixed snapshot byte offsets. The snapshot is a single 311-byte blob:
// a version header, eight sections at fixed offsets, and a CRC32 footer
// computed over everything before it.
const (
	offVersions  = 0   // global u16 + sections [8]u16
	offMqtt      = 18  // 197 bytes
	offNetwork   = 215 // 49 bytes
	offBattery   = 264 // 11 bytes
	offPower     = 275 // 8 bytes
	offInverter  = 283 // 8 bytes
	offCan       = 291 // 8 bytes
	offContactor = 299 // 4 bytes
	offSystem    = 303 // 4 bytes
	offCRC       = 307

	// SnapshotLen is the full encoded snapshot size including the footer.
	SnapshotLen = 311
)

// Per-section encoded sizes, used for SectionPayload responses.
const (
	MqttSectionLen      = offNetwork - offMqtt
	NetworkSectionLen   = offBattery - offNetwork
	BatterySectionLen   = offPower - offBattery
	PowerSectionLen     = offInverter - offPower
	InverterSectionLen  = offCan - offInverter
	CanSectionLen       = offContactor - offCan
	ContactorSectionLen = offSystem - offContactor
	SystemSectionLen    = offCRC - offSystem
)

// MqttConfig is the MQTT broker section.
type MqttConfig struct {
	Server      string // max 63 bytes
	Port        uint16
	Username    string // max 31
	Password    string // max 31
	ClientID    string // max 31
	TopicPrefix string // max 31
	Enabled     bool
	TimeoutMs   uint16
}

// NetworkConfig is the wired/static network section.
type NetworkConfig struct {
	UseStatic bool
	IP        [4]byte
	Gateway   [4]byte
	Subnet    [4]byte
	DNS       [4]byte
	Hostname  string // max 31
}

// BatteryConfig is the emulated battery chemistry section.
type BatteryConfig struct {
	MinVoltageDV    uint16 // decivolts
	MaxVoltageDV    uint16
	ChargeVoltageDV uint16
	FloatVoltageDV  uint16
	DoubleBattery   bool
	UseEstimatedSOC bool
	Chemistry       uint8
}

// PowerConfig is the charge/discharge limit section.
type PowerConfig struct {
	MaxChargeW       uint16
	MaxDischargeW    uint16
	ChargeLimitDA    uint16 // deciamps
	DischargeLimitDA uint16
}

// InverterConfig is the inverter emulation section.
type InverterConfig struct {
	Brand          uint8
	Model          uint8
	Protocol       uint8
	VoltageLevelDV uint16
	CapacityAh     uint16
	BatteryType    uint8
}

// CanConfig is the CAN bus section.
type CanConfig struct {
	BitrateKbps  uint16
	TxIntervalMs uint16
	NodeID       uint16
	HeartbeatMs  uint16
}

// ContactorConfig is the contactor control section.
type ContactorConfig struct {
	Mode    uint8
	Invert  bool
	DelayMs uint16
}

// SystemConfig is the node-local behavior section.
type SystemConfig struct {
	LEDMode    uint8
	WebEnabled bool
	LogLevel   uint16
}

// Versions holds the global version plus one version per section. Each
// counter increments on any accepted change to its scope and wraps at
// 65535; comparisons must use NewerVersion.
type Versions struct {
	Global  uint16
	Section [SectionCount]uint16 // indexed by Section-1
}

// Of returns the version counter for sec.
func (v *Versions) Of(sec Section) uint16 {
	return v.Section[sec-1]
}

// NewerVersion reports whether version a is newer than b under wrapping
// uint16 arithmetic. Equal versions are not newer.
func NewerVersion(a, b uint16) bool {
	return int16(a-b) > 0
}

// Snapshot is the full configuration state. The transmitter's copy is
// authoritative; the receiver holds a read-only cache.
type Snapshot struct {
	Versions  Versions
	Mqtt      MqttConfig
	Network   NetworkConfig
	Battery   BatteryConfig
	Power     PowerConfig
	Inverter  InverterConfig
	Can       CanConfig
	Contactor ContactorConfig
	System    SystemConfig
}

// Bump increments sec's version counter and the global counter.
func (s *Snapshot) Bump(sec Section) {
	s.Versions.Section[sec-1]++
	s.Versions.Global++
}

// Encode serializes the snapshot into its fixed 311-byte layout with a
// trailing CRC32 footer.
func (s *Snapshot) Encode() []byte {
	buf := make([]byte, SnapshotLen)
	put16(buf[offVersions:], s.Versions.Global)
	for i, v := range s.Versions.Section {
		put16(buf[offVersions+2+2*i:], v)
	}
	s.encodeMqtt(buf[offMqtt:offNetwork])
	s.encodeNetwork(buf[offNetwork:offBattery])
	s.encodeBattery(buf[offBattery:offPower])
	s.encodePower(buf[offPower:offInverter])
	s.encodeInverter(buf[offInverter:offCan])
	s.encodeCan(buf[offCan:offContactor])
	s.encodeContactor(buf[offContactor:offSystem])
	s.encodeSystem(buf[offSystem:offCRC])
	put32(buf[offCRC:], CRC32(buf[:offCRC]))
	return buf
}

// Parse deserializes a full snapshot, verifying length and CRC32.
func (s *Snapshot) Parse(data []byte) error {
	if len(data) != SnapshotLen {
		return ErrBadSnapshotLen
	}
	if le32(data[offCRC:]) != CRC32(data[:offCRC]) {
		return ErrBadChecksum
	}
	s.Versions.Global = le16(data[offVersions:])
	for i := range s.Versions.Section {
		s.Versions.Section[i] = le16(data[offVersions+2+2*i:])
	}
	s.parseMqtt(data[offMqtt:offNetwork])
	s.parseNetwork(data[offNetwork:offBattery])
	s.parseBattery(data[offBattery:offPower])
	s.parsePower(data[offPower:offInverter])
	s.parseInverter(data[offInverter:offCan])
	s.parseCan(data[offCan:offContactor])
	s.parseContactor(data[offContactor:offSystem])
	s.parseSystem(data[offSystem:offCRC])
	return nil
}

func (s *Snapshot) encodeMqtt(b []byte) {
	copyPadded(b[0:64], s.Mqtt.Server)
	put16(b[64:], s.Mqtt.Port)
	copyPadded(b[66:98], s.Mqtt.Username)
	copyPadded(b[98:130], s.Mqtt.Password)
	copyPadded(b[130:162], s.Mqtt.ClientID)
	copyPadded(b[162:194], s.Mqtt.TopicPrefix)
	b[194] = boolByte(s.Mqtt.Enabled)
	put16(b[195:], s.Mqtt.TimeoutMs)
}

func (s *Snapshot) parseMqtt(b []byte) {
	s.Mqtt.Server = trimPadded(b[0:64])
	s.Mqtt.Port = le16(b[64:])
	s.Mqtt.Username = trimPadded(b[66:98])
	s.Mqtt.Password = trimPadded(b[98:130])
	s.Mqtt.ClientID = trimPadded(b[130:162])
	s.Mqtt.TopicPrefix = trimPadded(b[162:194])
	s.Mqtt.Enabled = b[194] != 0
	s.Mqtt.TimeoutMs = le16(b[195:])
}

func (s *Snapshot) encodeNetwork(b []byte) {
	b[0] = boolByte(s.Network.UseStatic)
	copy(b[1:5], s.Network.IP[:])
	copy(b[5:9], s.Network.Gateway[:])
	copy(b[9:13], s.Network.Subnet[:])
	copy(b[13:17], s.Network.DNS[:])
	copyPadded(b[17:49], s.Network.Hostname)
}

func (s *Snapshot) parseNetwork(b []byte) {
	s.Network.UseStatic = b[0] != 0
	copy(s.Network.IP[:], b[1:5])
	copy(s.Network.Gateway[:], b[5:9])
	copy(s.Network.Subnet[:], b[9:13])
	copy(s.Network.DNS[:], b[13:17])
	s.Network.Hostname = trimPadded(b[17:49])
}

func (s *Snapshot) encodeBattery(b []byte) {
	put16(b[0:], s.Battery.MinVoltageDV)
	put16(b[2:], s.Battery.MaxVoltageDV)
	put16(b[4:], s.Battery.ChargeVoltageDV)
	put16(b[6:], s.Battery.FloatVoltageDV)
	b[8] = boolByte(s.Battery.DoubleBattery)
	b[9] = boolByte(s.Battery.UseEstimatedSOC)
	b[10] = s.Battery.Chemistry
}

func (s *Snapshot) parseBattery(b []byte) {
	s.Battery.MinVoltageDV = le16(b[0:])
	s.Battery.MaxVoltageDV = le16(b[2:])
	s.Battery.ChargeVoltageDV = le16(b[4:])
	s.Battery.FloatVoltageDV = le16(b[6:])
	s.Battery.DoubleBattery = b[8] != 0
	s.Battery.UseEstimatedSOC = b[9] != 0
	s.Battery.Chemistry = b[10]
}

func (s *Snapshot) encodePower(b []byte) {
	put16(b[0:], s.Power.MaxChargeW)
	put16(b[2:], s.Power.MaxDischargeW)
	put16(b[4:], s.Power.ChargeLimitDA)
	put16(b[6:], s.Power.DischargeLimitDA)
}

func (s *Snapshot) parsePower(b []byte) {
	s.Power.MaxChargeW = le16(b[0:])
	s.Power.MaxDischargeW = le16(b[2:])
	s.Power.ChargeLimitDA = le16(b[4:])
	s.Power.DischargeLimitDA = le16(b[6:])
}

func (s *Snapshot) encodeInverter(b []byte) {
	b[0] = s.Inverter.Brand
	b[1] = s.Inverter.Model
	b[2] = s.Inverter.Protocol
	put16(b[3:], s.Inverter.VoltageLevelDV)
	put16(b[5:], s.Inverter.CapacityAh)
	b[7] = s.Inverter.BatteryType
}

func (s *Snapshot) parseInverter(b []byte) {
	s.Inverter.Brand = b[0]
	s.Inverter.Model = b[1]
	s.Inverter.Protocol = b[2]
	s.Inverter.VoltageLevelDV = le16(b[3:])
	s.Inverter.CapacityAh = le16(b[5:])
	s.Inverter.BatteryType = b[7]
}

func (s *Snapshot) encodeCan(b []byte) {
	put16(b[0:], s.Can.BitrateKbps)
	put16(b[2:], s.Can.TxIntervalMs)
	put16(b[4:], s.Can.NodeID)
	put16(b[6:], s.Can.HeartbeatMs)
}

func (s *Snapshot) parseCan(b []byte) {
	s.Can.BitrateKbps = le16(b[0:])
	s.Can.TxIntervalMs = le16(b[2:])
	s.Can.NodeID = le16(b[4:])
	s.Can.HeartbeatMs = le16(b[6:])
}

func (s *Snapshot) encodeContactor(b []byte) {
	b[0] = s.Contactor.Mode
	b[1] = boolByte(s.Contactor.Invert)
	put16(b[2:], s.Contactor.DelayMs)
}

func (s *Snapshot) parseContactor(b []byte) {
	s.Contactor.Mode = b[0]
	s.Contactor.Invert = b[1] != 0
	s.Contactor.DelayMs = le16(b[2:])
}

func (s *Snapshot) encodeSystem(b []byte) {
	b[0] = s.System.LEDMode
	b[1] = boolByte(s.System.WebEnabled)
	put16(b[2:], s.System.LogLevel)
}

func (s *Snapshot) parseSystem(b []byte) {
	s.System.LEDMode = b[0]
	s.System.WebEnabled = b[1] != 0
	s.System.LogLevel = le16(b[2:])
}

// EncodeSection serializes one section's fixed-width region, suitable for
// a SectionPayload response.
func (s *Snapshot) EncodeSection(sec Section) ([]byte, error) {
	var b []byte
	switch sec {
	case SectionMqtt:
		b = make([]byte, MqttSectionLen)
		s.encodeMqtt(b)
	case SectionNetwork:
		b = make([]byte, NetworkSectionLen)
		s.encodeNetwork(b)
	case SectionBattery:
		b = make([]byte, BatterySectionLen)
		s.encodeBattery(b)
	case SectionPower:
		b = make([]byte, PowerSectionLen)
		s.encodePower(b)
	case SectionInverter:
		b = make([]byte, InverterSectionLen)
		s.encodeInverter(b)
	case SectionCan:
		b = make([]byte, CanSectionLen)
		s.encodeCan(b)
	case SectionContactor:
		b = make([]byte, ContactorSectionLen)
		s.encodeContactor(b)
	case SectionSystem:
		b = make([]byte, SystemSectionLen)
		s.encodeSystem(b)
	default:
		return nil, ErrUnknownSection
	}
	return b, nil
}

// ApplySection installs one section's fixed-width region. The payload
// length must match the section exactly.
func (s *Snapshot) ApplySection(sec Section, payload []byte) error {
	want, err := sectionLen(sec)
	if err != nil {
		return err
	}
	if len(payload) != want {
		return fmt.Errorf("%w: section %s wants %d bytes, got %d",
			ErrBadFieldValue, sec, want, len(payload))
	}
	switch sec {
	case SectionMqtt:
		s.parseMqtt(payload)
	case SectionNetwork:
		s.parseNetwork(payload)
	case SectionBattery:
		s.parseBattery(payload)
	case SectionPower:
		s.parsePower(payload)
	case SectionInverter:
		s.parseInverter(payload)
	case SectionCan:
		s.parseCan(payload)
	case SectionContactor:
		s.parseContactor(payload)
	case SectionSystem:
		s.parseSystem(payload)
	}
	return nil
}

func sectionLen(sec Section) (int, error) {
	switch sec {
	case SectionMqtt:
		return MqttSectionLen, nil
	case SectionNetwork:
		return NetworkSectionLen, nil
	case SectionBattery:
		return BatterySectionLen, nil
	case SectionPower:
		return PowerSectionLen, nil
	case SectionInverter:
		return InverterSectionLen, nil
	case SectionCan:
		return CanSectionLen, nil
	case SectionContactor:
		return ContactorSectionLen, nil
	case SectionSystem:
		return SystemSectionLen, nil
	default:
		return 0, ErrUnknownSection
	}
}

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}
