package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Codec errors. Callers should treat all of these as protocol violations:
// log, count, drop — never crash.
var (
	// ErrShortMessage means the buffer is smaller than the fixed layout.
	ErrShortMessage = errors.New("wire: message too short")
	// ErrWrongType means byte 0 does not match the expected message type.
	ErrWrongType = errors.New("wire: unexpected message type")
	// ErrBadChecksum means the trailing checksum did not verify.
	ErrBadChecksum = errors.New("wire: checksum mismatch")
	// ErrValueTooLong means a variable-length value exceeds its field budget.
	ErrValueTooLong = errors.New("wire: value too long")
)

// MaxDeltaValue is the largest value payload a delta update or settings
// update may carry (sized for the widest snapshot field, the 64-byte
// MQTT server string).
const MaxDeltaValue = 64

func le16(b []byte) uint16  { return binary.LittleEndian.Uint16(b) }
func le32(b []byte) uint32  { return binary.LittleEndian.Uint32(b) }
func le64(b []byte) uint64  { return binary.LittleEndian.Uint64(b) }
func put16(b []byte, v uint16) { binary.LittleEndian.PutUint16(b, v) }
func put32(b []byte, v uint32) { binary.LittleEndian.PutUint32(b, v) }
func put64(b []byte, v uint64) { binary.LittleEndian.PutUint64(b, v) }

// sealCRC16 appends the CRC16 of buf to buf and returns the result.
func sealCRC16(buf []byte) []byte {
	crc := CRC16(buf)
	return append(buf, byte(crc), byte(crc>>8))
}

// checkCRC16 verifies a trailing CRC16 and returns the body without it.
func checkCRC16(data []byte) ([]byte, error) {
	if len(data) < 3 {
		return nil, ErrShortMessage
	}
	body := data[:len(data)-2]
	if le16(data[len(data)-2:]) != CRC16(body) {
		return nil, ErrBadChecksum
	}
	return body, nil
}

func checkType(data []byte, want MsgType, minLen int) error {
	if len(data) < minLen {
		return ErrShortMessage
	}
	if MsgType(data[0]) != want {
		return fmt.Errorf("%w: got %s, want %s", ErrWrongType, MsgType(data[0]), want)
	}
	return nil
}

// Probe is the transmitter's channel discovery broadcast.
// Layout: type(1) seq(4).
type Probe struct {
	Seq uint32
}

// ProbeLen is the encoded size of a Probe.
const ProbeLen = 5

func (p Probe) Encode() []byte {
	buf := make([]byte, ProbeLen)
	buf[0] = byte(MsgProbe)
	put32(buf[1:], p.Seq)
	return buf
}

func (p *Probe) Parse(data []byte) error {
	if err := checkType(data, MsgProbe, ProbeLen); err != nil {
		return err
	}
	p.Seq = le32(data[1:])
	return nil
}

// ProbeAck is the receiver's reply to a probe, advertising its channel.
// Layout: type(1) seq(4) channel(1).
type ProbeAck struct {
	Seq     uint32
	Channel uint8
}

// ProbeAckLen is the encoded size of a ProbeAck.
const ProbeAckLen = 6

func (a ProbeAck) Encode() []byte {
	buf := make([]byte, ProbeAckLen)
	buf[0] = byte(MsgAck)
	put32(buf[1:], a.Seq)
	buf[5] = a.Channel
	return buf
}

func (a *ProbeAck) Parse(data []byte) error {
	if err := checkType(data, MsgAck, ProbeAckLen); err != nil {
		return err
	}
	a.Seq = le32(data[1:])
	a.Channel = data[5]
	return nil
}

// Data is the small real-time SOC/power record shown on the display.
// Layout: type(1) soc(1) power(2,int16) crc16(2).
type Data struct {
	SOC   uint8 // 0..100 %
	Power int16 // watts, negative = charging
}

// DataLen is the encoded size of a Data message.
const DataLen = 6

func (d Data) Encode() []byte {
	buf := make([]byte, 4)
	buf[0] = byte(MsgData)
	buf[1] = d.SOC
	put16(buf[2:], uint16(d.Power))
	return sealCRC16(buf)
}

func (d *Data) Parse(data []byte) error {
	if err := checkType(data, MsgData, DataLen); err != nil {
		return err
	}
	body, err := checkCRC16(data)
	if err != nil {
		return err
	}
	d.SOC = body[1]
	d.Power = int16(le16(body[2:]))
	return nil
}

// StreamControl starts or stops a telemetry stream; carried by both
// MsgRequestData and MsgAbortData. Layout: type(1) subtype(1).
type StreamControl struct {
	Type    MsgType // MsgRequestData or MsgAbortData
	Subtype Subtype
}

// StreamControlLen is the encoded size of a StreamControl.
const StreamControlLen = 2

func (s StreamControl) Encode() []byte {
	return []byte{byte(s.Type), byte(s.Subtype)}
}

func (s *StreamControl) Parse(data []byte) error {
	if len(data) < StreamControlLen {
		return ErrShortMessage
	}
	t := MsgType(data[0])
	if t != MsgRequestData && t != MsgAbortData {
		return fmt.Errorf("%w: got %s, want request_data/abort_data", ErrWrongType, t)
	}
	s.Type = t
	s.Subtype = Subtype(data[1])
	return nil
}

// Reboot commands the peer to reboot. Layout: type(1).
type Reboot struct{}

func (Reboot) Encode() []byte { return []byte{byte(MsgReboot)} }

func (*Reboot) Parse(data []byte) error {
	return checkType(data, MsgReboot, 1)
}

// OtaStart arms an OTA firmware receive context.
// Layout: type(1) size(4).
type OtaStart struct {
	FirmwareSize uint32
}

// OtaStartLen is the encoded size of an OtaStart.
const OtaStartLen = 5

func (o OtaStart) Encode() []byte {
	buf := make([]byte, OtaStartLen)
	buf[0] = byte(MsgOtaStart)
	put32(buf[1:], o.FirmwareSize)
	return buf
}

func (o *OtaStart) Parse(data []byte) error {
	if err := checkType(data, MsgOtaStart, OtaStartLen); err != nil {
		return err
	}
	o.FirmwareSize = le32(data[1:])
	return nil
}

// FlashLED flashes the peer's status indicator. Layout: type(1) color(1).
type FlashLED struct {
	Color LEDColor
}

// FlashLEDLen is the encoded size of a FlashLED.
const FlashLEDLen = 2

func (f FlashLED) Encode() []byte {
	return []byte{byte(MsgFlashLED), byte(f.Color)}
}

func (f *FlashLED) Parse(data []byte) error {
	if err := checkType(data, MsgFlashLED, FlashLEDLen); err != nil {
		return err
	}
	f.Color = LEDColor(data[1])
	return nil
}

// DebugControl changes the peer's debug log level (0=EMERG .. 7=DEBUG).
// Layout: type(1) level(1) flags(1) xor8(1). The XOR checksum is a legacy
// of the peer firmware; every other checksummed message uses CRC16.
type DebugControl struct {
	Level uint8
	Flags uint8
}

// DebugControlLen is the encoded size of a DebugControl.
const DebugControlLen = 4

func (d DebugControl) Encode() []byte {
	buf := []byte{byte(MsgDebugControl), d.Level, d.Flags, 0}
	buf[3] = XOR8(buf[:3])
	return buf
}

func (d *DebugControl) Parse(data []byte) error {
	if err := checkType(data, MsgDebugControl, DebugControlLen); err != nil {
		return err
	}
	if XOR8(data[:3]) != data[3] {
		return ErrBadChecksum
	}
	d.Level = data[1]
	d.Flags = data[2]
	return nil
}

// DebugAck acknowledges a DebugControl.
// Layout: type(1) applied(1) previous(1) status(1).
type DebugAck struct {
	Applied  uint8
	Previous uint8
	Status   uint8 // 0=success, 1=invalid level, 2=error
}

// DebugAckLen is the encoded size of a DebugAck.
const DebugAckLen = 4

func (d DebugAck) Encode() []byte {
	return []byte{byte(MsgDebugAck), d.Applied, d.Previous, d.Status}
}

func (d *DebugAck) Parse(data []byte) error {
	if err := checkType(data, MsgDebugAck, DebugAckLen); err != nil {
		return err
	}
	d.Applied = data[1]
	d.Previous = data[2]
	d.Status = data[3]
	return nil
}

// Heartbeat is the transmitter's periodic liveness frame.
// Layout: type(1) seq(4) uptime_ms(4) state(1) unix_time(8) time_source(1) crc16(2).
type Heartbeat struct {
	Seq        uint32
	UptimeMs   uint32
	State      uint8
	UnixTime   uint64 // seconds; 0 when unsynchronized
	TimeSource TimeSource
}

// HeartbeatLen is the encoded size of a Heartbeat.
const HeartbeatLen = 21

func (h Heartbeat) Encode() []byte {
	buf := make([]byte, HeartbeatLen-2)
	buf[0] = byte(MsgHeartbeat)
	put32(buf[1:], h.Seq)
	put32(buf[5:], h.UptimeMs)
	buf[9] = h.State
	put64(buf[10:], h.UnixTime)
	buf[18] = byte(h.TimeSource)
	return sealCRC16(buf)
}

func (h *Heartbeat) Parse(data []byte) error {
	if err := checkType(data, MsgHeartbeat, HeartbeatLen); err != nil {
		return err
	}
	body, err := checkCRC16(data[:HeartbeatLen])
	if err != nil {
		return err
	}
	h.Seq = le32(body[1:])
	h.UptimeMs = le32(body[5:])
	h.State = body[9]
	h.UnixTime = le64(body[10:])
	h.TimeSource = TimeSource(body[18])
	return nil
}

// HeartbeatAck is the receiver's reply to a heartbeat.
// Layout: type(1) ack_seq(4) uptime_ms(4) state(1) crc16(2).
type HeartbeatAck struct {
	AckSeq   uint32
	UptimeMs uint32
	State    uint8
}

// HeartbeatAckLen is the encoded size of a HeartbeatAck.
const HeartbeatAckLen = 12

func (h HeartbeatAck) Encode() []byte {
	buf := make([]byte, HeartbeatAckLen-2)
	buf[0] = byte(MsgHeartbeatAck)
	put32(buf[1:], h.AckSeq)
	put32(buf[5:], h.UptimeMs)
	buf[9] = h.State
	return sealCRC16(buf)
}

func (h *HeartbeatAck) Parse(data []byte) error {
	if err := checkType(data, MsgHeartbeatAck, HeartbeatAckLen); err != nil {
		return err
	}
	body, err := checkCRC16(data[:HeartbeatAckLen])
	if err != nil {
		return err
	}
	h.AckSeq = le32(body[1:])
	h.UptimeMs = le32(body[5:])
	h.State = body[9]
	return nil
}

// ConfigRequestFull asks the transmitter for a full snapshot.
// Layout: type(1) request_id(4).
type ConfigRequestFull struct {
	RequestID uint32
}

// ConfigRequestFullLen is the encoded size of a ConfigRequestFull.
const ConfigRequestFullLen = 5

func (c ConfigRequestFull) Encode() []byte {
	buf := make([]byte, ConfigRequestFullLen)
	buf[0] = byte(MsgConfigRequestFull)
	put32(buf[1:], c.RequestID)
	return buf
}

func (c *ConfigRequestFull) Parse(data []byte) error {
	if err := checkType(data, MsgConfigRequestFull, ConfigRequestFullLen); err != nil {
		return err
	}
	c.RequestID = le32(data[1:])
	return nil
}

// ConfigDeltaUpdate carries a single-field configuration change from the
// transmitter along with the versions the change produced.
// Layout: type(1) section(1) field(1) value_len(1) value(N)
//         new_section_version(2) new_global_version(2) timestamp(4) crc16(2).
type ConfigDeltaUpdate struct {
	Section           Section
	FieldID           uint8
	Value             []byte
	NewSectionVersion uint16
	NewGlobalVersion  uint16
	Timestamp         uint32
}

func (c ConfigDeltaUpdate) Encode() ([]byte, error) {
	if len(c.Value) > MaxDeltaValue {
		return nil, ErrValueTooLong
	}
	buf := make([]byte, 0, 14+len(c.Value))
	buf = append(buf, byte(MsgConfigDeltaUpdate), byte(c.Section), c.FieldID, byte(len(c.Value)))
	buf = append(buf, c.Value...)
	var tail [8]byte
	put16(tail[0:], c.NewSectionVersion)
	put16(tail[2:], c.NewGlobalVersion)
	put32(tail[4:], c.Timestamp)
	buf = append(buf, tail[:]...)
	return sealCRC16(buf), nil
}

func (c *ConfigDeltaUpdate) Parse(data []byte) error {
	if err := checkType(data, MsgConfigDeltaUpdate, 14); err != nil {
		return err
	}
	body, err := checkCRC16(data)
	if err != nil {
		return err
	}
	vlen := int(body[3])
	if vlen > MaxDeltaValue || len(body) != 12+vlen {
		return ErrShortMessage
	}
	c.Section = Section(body[1])
	c.FieldID = body[2]
	c.Value = append([]byte(nil), body[4:4+vlen]...)
	tail := body[4+vlen:]
	c.NewSectionVersion = le16(tail[0:])
	c.NewGlobalVersion = le16(tail[2:])
	c.Timestamp = le32(tail[4:])
	return nil
}

// ConfigAck acknowledges a snapshot or delta install.
// Layout: type(1) acked_version(2) section(1) success(1) timestamp(4) crc16(2).
type ConfigAck struct {
	AckedVersion uint16
	Section      Section
	Success      bool
	Timestamp    uint32
}

// ConfigAckLen is the encoded size of a ConfigAck.
const ConfigAckLen = 11

func (c ConfigAck) Encode() []byte {
	buf := make([]byte, ConfigAckLen-2)
	buf[0] = byte(MsgConfigAck)
	put16(buf[1:], c.AckedVersion)
	buf[3] = byte(c.Section)
	if c.Success {
		buf[4] = 1
	}
	put32(buf[5:], c.Timestamp)
	return sealCRC16(buf)
}

func (c *ConfigAck) Parse(data []byte) error {
	if err := checkType(data, MsgConfigAck, ConfigAckLen); err != nil {
		return err
	}
	body, err := checkCRC16(data[:ConfigAckLen])
	if err != nil {
		return err
	}
	c.AckedVersion = le16(body[1:])
	c.Section = Section(body[3])
	c.Success = body[4] != 0
	c.Timestamp = le32(body[5:])
	return nil
}

// ConfigSectionRequest asks the transmitter for one stale section.
// Layout: type(1) section(1) requested_version(2) crc16(2).
type ConfigSectionRequest struct {
	Section          Section
	RequestedVersion uint16
}

// ConfigSectionRequestLen is the encoded size of a ConfigSectionRequest.
const ConfigSectionRequestLen = 6

func (c ConfigSectionRequest) Encode() []byte {
	buf := make([]byte, ConfigSectionRequestLen-2)
	buf[0] = byte(MsgConfigSectionRequest)
	buf[1] = byte(c.Section)
	put16(buf[2:], c.RequestedVersion)
	return sealCRC16(buf)
}

func (c *ConfigSectionRequest) Parse(data []byte) error {
	if err := checkType(data, MsgConfigSectionRequest, ConfigSectionRequestLen); err != nil {
		return err
	}
	body, err := checkCRC16(data[:ConfigSectionRequestLen])
	if err != nil {
		return err
	}
	c.Section = Section(body[1])
	c.RequestedVersion = le16(body[2:])
	return nil
}

// SectionPayload carries one authoritative section's encoded contents.
// It backs MsgConfigSectionResponse plus the dedicated MsgNetworkConfigAck
// and MsgMqttConfigAck carriers, which differ only in type code.
// Layout: type(1) section(1) section_version(2) global_version(2)
//         payload_len(2) payload(N) crc16(2).
type SectionPayload struct {
	Type           MsgType // MsgConfigSectionResponse, MsgNetworkConfigAck, MsgMqttConfigAck
	Section        Section
	SectionVersion uint16
	GlobalVersion  uint16
	Payload        []byte
}

func (s SectionPayload) Encode() ([]byte, error) {
	if len(s.Payload) > MaxFragmentPayload {
		return nil, ErrValueTooLong
	}
	buf := make([]byte, 0, 10+len(s.Payload))
	buf = append(buf, byte(s.Type), byte(s.Section))
	var hdr [6]byte
	put16(hdr[0:], s.SectionVersion)
	put16(hdr[2:], s.GlobalVersion)
	put16(hdr[4:], uint16(len(s.Payload)))
	buf = append(buf, hdr[:]...)
	buf = append(buf, s.Payload...)
	return sealCRC16(buf), nil
}

func (s *SectionPayload) Parse(data []byte) error {
	if len(data) < 10 {
		return ErrShortMessage
	}
	t := MsgType(data[0])
	if t != MsgConfigSectionResponse && t != MsgNetworkConfigAck && t != MsgMqttConfigAck {
		return fmt.Errorf("%w: got %s, want section payload", ErrWrongType, t)
	}
	body, err := checkCRC16(data)
	if err != nil {
		return err
	}
	plen := int(le16(body[6:]))
	if len(body) != 8+plen {
		return ErrShortMessage
	}
	s.Type = t
	s.Section = Section(body[1])
	s.SectionVersion = le16(body[2:])
	s.GlobalVersion = le16(body[4:])
	s.Payload = append([]byte(nil), body[8:8+plen]...)
	return nil
}

// EnvNameLen is the fixed width of the environment name field.
const EnvNameLen = 32

// VersionBeacon broadcasts the transmitter's per-section configuration
// versions plus runtime status, letting the receiver detect stale cache
// entries without polling.
// Layout: type(1) mqtt_v(2) network_v(2) battery_v(2) power_profile_v(2)
//         metadata_v(2) mqtt_connected(1) ethernet_connected(1)
//         env_name(32) major(1) minor(1) patch(1) crc16(2).
type VersionBeacon struct {
	MqttConfigV       uint16
	NetworkConfigV    uint16
	BatterySettingsV  uint16
	PowerProfileV     uint16
	MetadataConfigV   uint16
	MqttConnected     bool
	EthernetConnected bool
	EnvName           string // truncated/padded to EnvNameLen
	Major             uint8
	Minor             uint8
	Patch             uint8
}

// VersionBeaconLen is the encoded size of a VersionBeacon.
const VersionBeaconLen = 50

func (v VersionBeacon) Encode() []byte {
	buf := make([]byte, VersionBeaconLen-2)
	buf[0] = byte(MsgVersionBeacon)
	put16(buf[1:], v.MqttConfigV)
	put16(buf[3:], v.NetworkConfigV)
	put16(buf[5:], v.BatterySettingsV)
	put16(buf[7:], v.PowerProfileV)
	put16(buf[9:], v.MetadataConfigV)
	if v.MqttConnected {
		buf[11] = 1
	}
	if v.EthernetConnected {
		buf[12] = 1
	}
	copyPadded(buf[13:13+EnvNameLen], v.EnvName)
	buf[45] = v.Major
	buf[46] = v.Minor
	buf[47] = v.Patch
	return sealCRC16(buf)
}

func (v *VersionBeacon) Parse(data []byte) error {
	if err := checkType(data, MsgVersionBeacon, VersionBeaconLen); err != nil {
		return err
	}
	body, err := checkCRC16(data[:VersionBeaconLen])
	if err != nil {
		return err
	}
	v.MqttConfigV = le16(body[1:])
	v.NetworkConfigV = le16(body[3:])
	v.BatterySettingsV = le16(body[5:])
	v.PowerProfileV = le16(body[7:])
	v.MetadataConfigV = le16(body[9:])
	v.MqttConnected = body[11] != 0
	v.EthernetConnected = body[12] != 0
	v.EnvName = trimPadded(body[13 : 13+EnvNameLen])
	v.Major = body[45]
	v.Minor = body[46]
	v.Patch = body[47]
	return nil
}

// SettingsUpdate proposes a single-field change from the receiver's admin
// UI. The transmitter remains the single writer: it validates and applies
// the proposal, then propagates the change back as a delta.
// Layout: type(1) section(1) field(1) value_len(1) value(N) crc16(2).
type SettingsUpdate struct {
	Section Section
	FieldID uint8
	Value   []byte
}

func (s SettingsUpdate) Encode() ([]byte, error) {
	if len(s.Value) > MaxDeltaValue {
		return nil, ErrValueTooLong
	}
	buf := make([]byte, 0, 6+len(s.Value))
	buf = append(buf, byte(MsgSettingsUpdate), byte(s.Section), s.FieldID, byte(len(s.Value)))
	buf = append(buf, s.Value...)
	return sealCRC16(buf), nil
}

func (s *SettingsUpdate) Parse(data []byte) error {
	if err := checkType(data, MsgSettingsUpdate, 6); err != nil {
		return err
	}
	body, err := checkCRC16(data)
	if err != nil {
		return err
	}
	vlen := int(body[3])
	if vlen > MaxDeltaValue || len(body) != 4+vlen {
		return ErrShortMessage
	}
	s.Section = Section(body[1])
	s.FieldID = body[2]
	s.Value = append([]byte(nil), body[4:4+vlen]...)
	return nil
}

// Settings update rejection reasons.
const (
	ReasonOK            uint8 = 0
	ReasonUnknownField  uint8 = 1
	ReasonLengthInvalid uint8 = 2
	ReasonValueInvalid  uint8 = 3
	ReasonNotWritable   uint8 = 4
)

// SettingsUpdateAck reports the transmitter's verdict on a SettingsUpdate.
// Layout: type(1) section(1) field(1) success(1) reason(1) crc16(2).
type SettingsUpdateAck struct {
	Section    Section
	FieldID    uint8
	Success    bool
	ReasonCode uint8
}

// SettingsUpdateAckLen is the encoded size of a SettingsUpdateAck.
const SettingsUpdateAckLen = 7

func (s SettingsUpdateAck) Encode() []byte {
	buf := make([]byte, SettingsUpdateAckLen-2)
	buf[0] = byte(MsgSettingsUpdateAck)
	buf[1] = byte(s.Section)
	buf[2] = s.FieldID
	if s.Success {
		buf[3] = 1
	}
	buf[4] = s.ReasonCode
	return sealCRC16(buf)
}

func (s *SettingsUpdateAck) Parse(data []byte) error {
	if err := checkType(data, MsgSettingsUpdateAck, SettingsUpdateAckLen); err != nil {
		return err
	}
	body, err := checkCRC16(data[:SettingsUpdateAckLen])
	if err != nil {
		return err
	}
	s.Section = Section(body[1])
	s.FieldID = body[2]
	s.Success = body[3] != 0
	s.ReasonCode = body[4]
	return nil
}

// SettingsChanged notifies the receiver that the transmitter applied a
// field change (whether admin-originated or proposal-originated).
// Layout: type(1) section(1) field(1) value_len(1) value(N)
//         new_section_version(2) new_global_version(2) crc16(2).
type SettingsChanged struct {
	Section           Section
	FieldID           uint8
	Value             []byte
	NewSectionVersion uint16
	NewGlobalVersion  uint16
}

func (s SettingsChanged) Encode() ([]byte, error) {
	if len(s.Value) > MaxDeltaValue {
		return nil, ErrValueTooLong
	}
	buf := make([]byte, 0, 10+len(s.Value))
	buf = append(buf, byte(MsgSettingsChanged), byte(s.Section), s.FieldID, byte(len(s.Value)))
	buf = append(buf, s.Value...)
	var tail [4]byte
	put16(tail[0:], s.NewSectionVersion)
	put16(tail[2:], s.NewGlobalVersion)
	buf = append(buf, tail[:]...)
	return sealCRC16(buf), nil
}

func (s *SettingsChanged) Parse(data []byte) error {
	if err := checkType(data, MsgSettingsChanged, 10); err != nil {
		return err
	}
	body, err := checkCRC16(data)
	if err != nil {
		return err
	}
	vlen := int(body[3])
	if vlen > MaxDeltaValue || len(body) != 8+vlen {
		return ErrShortMessage
	}
	s.Section = Section(body[1])
	s.FieldID = body[2]
	s.Value = append([]byte(nil), body[4:4+vlen]...)
	tail := body[4+vlen:]
	s.NewSectionVersion = le16(tail[0:])
	s.NewGlobalVersion = le16(tail[2:])
	return nil
}

// MetadataResponse carries firmware identity for the admin UI.
// Layout: type(1) env_name(32) major(1) minor(1) patch(1)
//         build_date(12) build_time(9) crc16(2).
type MetadataResponse struct {
	EnvName   string
	Major     uint8
	Minor     uint8
	Patch     uint8
	BuildDate string // e.g. "Jan 02 2006"
	BuildTime string // e.g. "15:04:05"
}

// MetadataResponseLen is the encoded size of a MetadataResponse.
const MetadataResponseLen = 59

func (m MetadataResponse) Encode() []byte {
	buf := make([]byte, MetadataResponseLen-2)
	buf[0] = byte(MsgMetadataResponse)
	copyPadded(buf[1:33], m.EnvName)
	buf[33] = m.Major
	buf[34] = m.Minor
	buf[35] = m.Patch
	copyPadded(buf[36:48], m.BuildDate)
	copyPadded(buf[48:57], m.BuildTime)
	return sealCRC16(buf)
}

func (m *MetadataResponse) Parse(data []byte) error {
	if err := checkType(data, MsgMetadataResponse, MetadataResponseLen); err != nil {
		return err
	}
	body, err := checkCRC16(data[:MetadataResponseLen])
	if err != nil {
		return err
	}
	m.EnvName = trimPadded(body[1:33])
	m.Major = body[33]
	m.Minor = body[34]
	m.Patch = body[35]
	m.BuildDate = trimPadded(body[36:48])
	m.BuildTime = trimPadded(body[48:57])
	return nil
}

// BatteryStatus is real-time battery telemetry from the emulator board.
// Layout: type(1) soc(2,0.01%) voltage(2,0.1V) current(2,int16,0.1A)
//         temp_min(2,int16,0.1C) temp_max(2,int16,0.1C) crc16(2).
type BatteryStatus struct {
	SOCcPct   uint16 // hundredths of a percent
	VoltageDV uint16 // decivolts
	CurrentDA int16  // deciamps, negative = charging
	TempMinDC int16  // decidegrees C
	TempMaxDC int16
}

// BatteryStatusLen is the encoded size of a BatteryStatus.
const BatteryStatusLen = 13

func (b BatteryStatus) Encode() []byte {
	buf := make([]byte, BatteryStatusLen-2)
	buf[0] = byte(MsgBatteryStatus)
	put16(buf[1:], b.SOCcPct)
	put16(buf[3:], b.VoltageDV)
	put16(buf[5:], uint16(b.CurrentDA))
	put16(buf[7:], uint16(b.TempMinDC))
	put16(buf[9:], uint16(b.TempMaxDC))
	return sealCRC16(buf)
}

func (b *BatteryStatus) Parse(data []byte) error {
	if err := checkType(data, MsgBatteryStatus, BatteryStatusLen); err != nil {
		return err
	}
	body, err := checkCRC16(data[:BatteryStatusLen])
	if err != nil {
		return err
	}
	b.SOCcPct = le16(body[1:])
	b.VoltageDV = le16(body[3:])
	b.CurrentDA = int16(le16(body[5:]))
	b.TempMinDC = int16(le16(body[7:]))
	b.TempMaxDC = int16(le16(body[9:]))
	return nil
}

// BatteryInfo is static battery identity data.
// Layout: type(1) capacity_wh(4) nominal_voltage(2,0.1V) cell_count(2)
//         chemistry(1) crc16(2).
type BatteryInfo struct {
	CapacityWh       uint32
	NominalVoltageDV uint16
	CellCount        uint16
	Chemistry        uint8
}

// BatteryInfoLen is the encoded size of a BatteryInfo.
const BatteryInfoLen = 12

func (b BatteryInfo) Encode() []byte {
	buf := make([]byte, BatteryInfoLen-2)
	buf[0] = byte(MsgBatteryInfo)
	put32(buf[1:], b.CapacityWh)
	put16(buf[5:], b.NominalVoltageDV)
	put16(buf[7:], b.CellCount)
	buf[9] = b.Chemistry
	return sealCRC16(buf)
}

func (b *BatteryInfo) Parse(data []byte) error {
	if err := checkType(data, MsgBatteryInfo, BatteryInfoLen); err != nil {
		return err
	}
	body, err := checkCRC16(data[:BatteryInfoLen])
	if err != nil {
		return err
	}
	b.CapacityWh = le32(body[1:])
	b.NominalVoltageDV = le16(body[5:])
	b.CellCount = le16(body[7:])
	b.Chemistry = body[9]
	return nil
}

// ChargerStatus is charger telemetry.
// Layout: type(1) output_w(2,int16) output_v(2,0.1V) output_a(2,0.1A)
//         enabled(1) crc16(2).
type ChargerStatus struct {
	OutputW  int16
	OutputDV uint16
	OutputDA uint16
	Enabled  bool
}

// ChargerStatusLen is the encoded size of a ChargerStatus.
const ChargerStatusLen = 10

func (c ChargerStatus) Encode() []byte {
	buf := make([]byte, ChargerStatusLen-2)
	buf[0] = byte(MsgChargerStatus)
	put16(buf[1:], uint16(c.OutputW))
	put16(buf[3:], c.OutputDV)
	put16(buf[5:], c.OutputDA)
	if c.Enabled {
		buf[7] = 1
	}
	return sealCRC16(buf)
}

func (c *ChargerStatus) Parse(data []byte) error {
	if err := checkType(data, MsgChargerStatus, ChargerStatusLen); err != nil {
		return err
	}
	body, err := checkCRC16(data[:ChargerStatusLen])
	if err != nil {
		return err
	}
	c.OutputW = int16(le16(body[1:]))
	c.OutputDV = le16(body[3:])
	c.OutputDA = le16(body[5:])
	c.Enabled = body[7] != 0
	return nil
}

// InverterStatus is inverter telemetry.
// Layout: type(1) ac_power(2,int16) ac_voltage(2,0.1V) freq(2,0.01Hz)
//         mode(1) crc16(2).
type InverterStatus struct {
	ACPowerW    int16
	ACVoltageDV uint16
	FreqCHz     uint16
	Mode        uint8
}

// InverterStatusLen is the encoded size of an InverterStatus.
const InverterStatusLen = 10

func (i InverterStatus) Encode() []byte {
	buf := make([]byte, InverterStatusLen-2)
	buf[0] = byte(MsgInverterStatus)
	put16(buf[1:], uint16(i.ACPowerW))
	put16(buf[3:], i.ACVoltageDV)
	put16(buf[5:], i.FreqCHz)
	buf[7] = i.Mode
	return sealCRC16(buf)
}

func (i *InverterStatus) Parse(data []byte) error {
	if err := checkType(data, MsgInverterStatus, InverterStatusLen); err != nil {
		return err
	}
	body, err := checkCRC16(data[:InverterStatusLen])
	if err != nil {
		return err
	}
	i.ACPowerW = int16(le16(body[1:]))
	i.ACVoltageDV = le16(body[3:])
	i.FreqCHz = le16(body[5:])
	i.Mode = body[7]
	return nil
}

// SystemStatus is node health telemetry.
// Layout: type(1) uptime_s(4) heap_free_kb(2) cpu_pct(1) flags(1) crc16(2).
type SystemStatus struct {
	UptimeS    uint32
	HeapFreeKB uint16
	CPUPct     uint8
	Flags      uint8
}

// SystemStatusLen is the encoded size of a SystemStatus.
const SystemStatusLen = 11

func (s SystemStatus) Encode() []byte {
	buf := make([]byte, SystemStatusLen-2)
	buf[0] = byte(MsgSystemStatus)
	put32(buf[1:], s.UptimeS)
	put16(buf[5:], s.HeapFreeKB)
	buf[7] = s.CPUPct
	buf[8] = s.Flags
	return sealCRC16(buf)
}

func (s *SystemStatus) Parse(data []byte) error {
	if err := checkType(data, MsgSystemStatus, SystemStatusLen); err != nil {
		return err
	}
	body, err := checkCRC16(data[:SystemStatusLen])
	if err != nil {
		return err
	}
	s.UptimeS = le32(body[1:])
	s.HeapFreeKB = le16(body[5:])
	s.CPUPct = body[7]
	s.Flags = body[8]
	return nil
}

// ComponentConfig is a component configuration record pushed by the
// transmitter (e.g. charger limits) outside the snapshot proper.
// Layout: type(1) component(1) config_id(1) value(2) crc16(2).
type ComponentConfig struct {
	Component uint8
	ConfigID  uint8
	Value     uint16
}

// ComponentConfigLen is the encoded size of a ComponentConfig.
const ComponentConfigLen = 7

func (c ComponentConfig) Encode() []byte {
	buf := make([]byte, ComponentConfigLen-2)
	buf[0] = byte(MsgComponentConfig)
	buf[1] = c.Component
	buf[2] = c.ConfigID
	put16(buf[3:], c.Value)
	return sealCRC16(buf)
}

func (c *ComponentConfig) Parse(data []byte) error {
	if err := checkType(data, MsgComponentConfig, ComponentConfigLen); err != nil {
		return err
	}
	body, err := checkCRC16(data[:ComponentConfigLen])
	if err != nil {
		return err
	}
	c.Component = body[1]
	c.ConfigID = body[2]
	c.Value = le16(body[3:])
	return nil
}

// copyPadded writes s into dst, truncating or null-padding to fit.
func copyPadded(dst []byte, s string) {
	n := copy(dst, s)
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
}

// trimPadded returns the string up to the first null byte.
func trimPadded(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
