package wire

import "fmt"

// Field identifiers, scoped per section. Deltas and settings proposals
// name a (section, field) pair plus a raw value; the registry below gives
// each pair a kind and width so values can be validated before install.

// MQTT section fields.
const (
	FieldMqttServer      uint8 = 1
	FieldMqttPort        uint8 = 2
	FieldMqttUsername    uint8 = 3
	FieldMqttPassword    uint8 = 4
	FieldMqttClientID    uint8 = 5
	FieldMqttTopicPrefix uint8 = 6
	FieldMqttEnabled     uint8 = 7
	FieldMqttTimeoutMs   uint8 = 8
)

// Network section fields.
const (
	FieldNetUseStatic uint8 = 1
	FieldNetIP        uint8 = 2
	FieldNetGateway   uint8 = 3
	FieldNetSubnet    uint8 = 4
	FieldNetDNS       uint8 = 5
	FieldNetHostname  uint8 = 6
)

// Battery section fields.
const (
	FieldBattMinVoltage    uint8 = 1
	FieldBattMaxVoltage    uint8 = 2
	FieldBattChargeVoltage uint8 = 3
	FieldBattFloatVoltage  uint8 = 4
	FieldBattDouble        uint8 = 5
	FieldBattUseEstSOC     uint8 = 6
	FieldBattChemistry     uint8 = 7
)

// Power section fields.
const (
	FieldPowerMaxCharge      uint8 = 1
	FieldPowerMaxDischarge   uint8 = 2
	FieldPowerChargeLimit    uint8 = 3
	FieldPowerDischargeLimit uint8 = 4
)

// Inverter section fields.
const (
	FieldInvBrand        uint8 = 1
	FieldInvModel        uint8 = 2
	FieldInvProtocol     uint8 = 3
	FieldInvVoltageLevel uint8 = 4
	FieldInvCapacityAh   uint8 = 5
	FieldInvBatteryType  uint8 = 6
)

// CAN section fields.
const (
	FieldCanBitrate    uint8 = 1
	FieldCanTxInterval uint8 = 2
	FieldCanNodeID     uint8 = 3
	FieldCanHeartbeat  uint8 = 4
)

// Contactor section fields.
const (
	FieldContMode    uint8 = 1
	FieldContInvert  uint8 = 2
	FieldContDelayMs uint8 = 3
)

// System section fields.
const (
	FieldSysLEDMode    uint8 = 1
	FieldSysWebEnabled uint8 = 2
	FieldSysLogLevel   uint8 = 3
)

type fieldKind uint8

const (
	kindString fieldKind = iota // variable length up to size
	kindU8                      // exactly 1 byte
	kindU16                     // exactly 2 bytes, little-endian
	kindBool                    // exactly 1 byte, 0 or 1
	kindIP4                     // exactly 4 bytes
)

type fieldSpec struct {
	name string
	kind fieldKind
	size int
	get  func(*Snapshot) []byte
	set  func(*Snapshot, []byte)
}

func fieldKey(sec Section, field uint8) uint16 {
	return uint16(sec)<<8 | uint16(field)
}

func u16Bytes(v uint16) []byte {
	return []byte{byte(v), byte(v >> 8)}
}

var fieldSpecs = map[uint16]fieldSpec{
	fieldKey(SectionMqtt, FieldMqttServer): {"mqtt.server", kindString, 63,
		func(s *Snapshot) []byte { return []byte(s.Mqtt.Server) },
		func(s *Snapshot, v []byte) { s.Mqtt.Server = string(v) }},
	fieldKey(SectionMqtt, FieldMqttPort): {"mqtt.port", kindU16, 2,
		func(s *Snapshot) []byte { return u16Bytes(s.Mqtt.Port) },
		func(s *Snapshot, v []byte) { s.Mqtt.Port = le16(v) }},
	fieldKey(SectionMqtt, FieldMqttUsername): {"mqtt.username", kindString, 31,
		func(s *Snapshot) []byte { return []byte(s.Mqtt.Username) },
		func(s *Snapshot, v []byte) { s.Mqtt.Username = string(v) }},
	fieldKey(SectionMqtt, FieldMqttPassword): {"mqtt.password", kindString, 31,
		func(s *Snapshot) []byte { return []byte(s.Mqtt.Password) },
		func(s *Snapshot, v []byte) { s.Mqtt.Password = string(v) }},
	fieldKey(SectionMqtt, FieldMqttClientID): {"mqtt.client_id", kindString, 31,
		func(s *Snapshot) []byte { return []byte(s.Mqtt.ClientID) },
		func(s *Snapshot, v []byte) { s.Mqtt.ClientID = string(v) }},
	fieldKey(SectionMqtt, FieldMqttTopicPrefix): {"mqtt.topic_prefix", kindString, 31,
		func(s *Snapshot) []byte { return []byte(s.Mqtt.TopicPrefix) },
		func(s *Snapshot, v []byte) { s.Mqtt.TopicPrefix = string(v) }},
	fieldKey(SectionMqtt, FieldMqttEnabled): {"mqtt.enabled", kindBool, 1,
		func(s *Snapshot) []byte { return []byte{boolByte(s.Mqtt.Enabled)} },
		func(s *Snapshot, v []byte) { s.Mqtt.Enabled = v[0] != 0 }},
	fieldKey(SectionMqtt, FieldMqttTimeoutMs): {"mqtt.timeout_ms", kindU16, 2,
		func(s *Snapshot) []byte { return u16Bytes(s.Mqtt.TimeoutMs) },
		func(s *Snapshot, v []byte) { s.Mqtt.TimeoutMs = le16(v) }},

	fieldKey(SectionNetwork, FieldNetUseStatic): {"network.use_static", kindBool, 1,
		func(s *Snapshot) []byte { return []byte{boolByte(s.Network.UseStatic)} },
		func(s *Snapshot, v []byte) { s.Network.UseStatic = v[0] != 0 }},
	fieldKey(SectionNetwork, FieldNetIP): {"network.ip", kindIP4, 4,
		func(s *Snapshot) []byte { return append([]byte(nil), s.Network.IP[:]...) },
		func(s *Snapshot, v []byte) { copy(s.Network.IP[:], v) }},
	fieldKey(SectionNetwork, FieldNetGateway): {"network.gateway", kindIP4, 4,
		func(s *Snapshot) []byte { return append([]byte(nil), s.Network.Gateway[:]...) },
		func(s *Snapshot, v []byte) { copy(s.Network.Gateway[:], v) }},
	fieldKey(SectionNetwork, FieldNetSubnet): {"network.subnet", kindIP4, 4,
		func(s *Snapshot) []byte { return append([]byte(nil), s.Network.Subnet[:]...) },
		func(s *Snapshot, v []byte) { copy(s.Network.Subnet[:], v) }},
	fieldKey(SectionNetwork, FieldNetDNS): {"network.dns", kindIP4, 4,
		func(s *Snapshot) []byte { return append([]byte(nil), s.Network.DNS[:]...) },
		func(s *Snapshot, v []byte) { copy(s.Network.DNS[:], v) }},
	fieldKey(SectionNetwork, FieldNetHostname): {"network.hostname", kindString, 31,
		func(s *Snapshot) []byte { return []byte(s.Network.Hostname) },
		func(s *Snapshot, v []byte) { s.Network.Hostname = string(v) }},

	fieldKey(SectionBattery, FieldBattMinVoltage): {"battery.min_voltage", kindU16, 2,
		func(s *Snapshot) []byte { return u16Bytes(s.Battery.MinVoltageDV) },
		func(s *Snapshot, v []byte) { s.Battery.MinVoltageDV = le16(v) }},
	fieldKey(SectionBattery, FieldBattMaxVoltage): {"battery.max_voltage", kindU16, 2,
		func(s *Snapshot) []byte { return u16Bytes(s.Battery.MaxVoltageDV) },
		func(s *Snapshot, v []byte) { s.Battery.MaxVoltageDV = le16(v) }},
	fieldKey(SectionBattery, FieldBattChargeVoltage): {"battery.charge_voltage", kindU16, 2,
		func(s *Snapshot) []byte { return u16Bytes(s.Battery.ChargeVoltageDV) },
		func(s *Snapshot, v []byte) { s.Battery.ChargeVoltageDV = le16(v) }},
	fieldKey(SectionBattery, FieldBattFloatVoltage): {"battery.float_voltage", kindU16, 2,
		func(s *Snapshot) []byte { return u16Bytes(s.Battery.FloatVoltageDV) },
		func(s *Snapshot, v []byte) { s.Battery.FloatVoltageDV = le16(v) }},
	fieldKey(SectionBattery, FieldBattDouble): {"battery.double", kindBool, 1,
		func(s *Snapshot) []byte { return []byte{boolByte(s.Battery.DoubleBattery)} },
		func(s *Snapshot, v []byte) { s.Battery.DoubleBattery = v[0] != 0 }},
	fieldKey(SectionBattery, FieldBattUseEstSOC): {"battery.use_estimated_soc", kindBool, 1,
		func(s *Snapshot) []byte { return []byte{boolByte(s.Battery.UseEstimatedSOC)} },
		func(s *Snapshot, v []byte) { s.Battery.UseEstimatedSOC = v[0] != 0 }},
	fieldKey(SectionBattery, FieldBattChemistry): {"battery.chemistry", kindU8, 1,
		func(s *Snapshot) []byte { return []byte{s.Battery.Chemistry} },
		func(s *Snapshot, v []byte) { s.Battery.Chemistry = v[0] }},

	fieldKey(SectionPower, FieldPowerMaxCharge): {"power.max_charge_w", kindU16, 2,
		func(s *Snapshot) []byte { return u16Bytes(s.Power.MaxChargeW) },
		func(s *Snapshot, v []byte) { s.Power.MaxChargeW = le16(v) }},
	fieldKey(SectionPower, FieldPowerMaxDischarge): {"power.max_discharge_w", kindU16, 2,
		func(s *Snapshot) []byte { return u16Bytes(s.Power.MaxDischargeW) },
		func(s *Snapshot, v []byte) { s.Power.MaxDischargeW = le16(v) }},
	fieldKey(SectionPower, FieldPowerChargeLimit): {"power.charge_limit_da", kindU16, 2,
		func(s *Snapshot) []byte { return u16Bytes(s.Power.ChargeLimitDA) },
		func(s *Snapshot, v []byte) { s.Power.ChargeLimitDA = le16(v) }},
	fieldKey(SectionPower, FieldPowerDischargeLimit): {"power.discharge_limit_da", kindU16, 2,
		func(s *Snapshot) []byte { return u16Bytes(s.Power.DischargeLimitDA) },
		func(s *Snapshot, v []byte) { s.Power.DischargeLimitDA = le16(v) }},

	fieldKey(SectionInverter, FieldInvBrand): {"inverter.brand", kindU8, 1,
		func(s *Snapshot) []byte { return []byte{s.Inverter.Brand} },
		func(s *Snapshot, v []byte) { s.Inverter.Brand = v[0] }},
	fieldKey(SectionInverter, FieldInvModel): {"inverter.model", kindU8, 1,
		func(s *Snapshot) []byte { return []byte{s.Inverter.Model} },
		func(s *Snapshot, v []byte) { s.Inverter.Model = v[0] }},
	fieldKey(SectionInverter, FieldInvProtocol): {"inverter.protocol", kindU8, 1,
		func(s *Snapshot) []byte { return []byte{s.Inverter.Protocol} },
		func(s *Snapshot, v []byte) { s.Inverter.Protocol = v[0] }},
	fieldKey(SectionInverter, FieldInvVoltageLevel): {"inverter.voltage_level", kindU16, 2,
		func(s *Snapshot) []byte { return u16Bytes(s.Inverter.VoltageLevelDV) },
		func(s *Snapshot, v []byte) { s.Inverter.VoltageLevelDV = le16(v) }},
	fieldKey(SectionInverter, FieldInvCapacityAh): {"inverter.capacity_ah", kindU16, 2,
		func(s *Snapshot) []byte { return u16Bytes(s.Inverter.CapacityAh) },
		func(s *Snapshot, v []byte) { s.Inverter.CapacityAh = le16(v) }},
	fieldKey(SectionInverter, FieldInvBatteryType): {"inverter.battery_type", kindU8, 1,
		func(s *Snapshot) []byte { return []byte{s.Inverter.BatteryType} },
		func(s *Snapshot, v []byte) { s.Inverter.BatteryType = v[0] }},

	fieldKey(SectionCan, FieldCanBitrate): {"can.bitrate_kbps", kindU16, 2,
		func(s *Snapshot) []byte { return u16Bytes(s.Can.BitrateKbps) },
		func(s *Snapshot, v []byte) { s.Can.BitrateKbps = le16(v) }},
	fieldKey(SectionCan, FieldCanTxInterval): {"can.tx_interval_ms", kindU16, 2,
		func(s *Snapshot) []byte { return u16Bytes(s.Can.TxIntervalMs) },
		func(s *Snapshot, v []byte) { s.Can.TxIntervalMs = le16(v) }},
	fieldKey(SectionCan, FieldCanNodeID): {"can.node_id", kindU16, 2,
		func(s *Snapshot) []byte { return u16Bytes(s.Can.NodeID) },
		func(s *Snapshot, v []byte) { s.Can.NodeID = le16(v) }},
	fieldKey(SectionCan, FieldCanHeartbeat): {"can.heartbeat_ms", kindU16, 2,
		func(s *Snapshot) []byte { return u16Bytes(s.Can.HeartbeatMs) },
		func(s *Snapshot, v []byte) { s.Can.HeartbeatMs = le16(v) }},

	fieldKey(SectionContactor, FieldContMode): {"contactor.mode", kindU8, 1,
		func(s *Snapshot) []byte { return []byte{s.Contactor.Mode} },
		func(s *Snapshot, v []byte) { s.Contactor.Mode = v[0] }},
	fieldKey(SectionContactor, FieldContInvert): {"contactor.invert", kindBool, 1,
		func(s *Snapshot) []byte { return []byte{boolByte(s.Contactor.Invert)} },
		func(s *Snapshot, v []byte) { s.Contactor.Invert = v[0] != 0 }},
	fieldKey(SectionContactor, FieldContDelayMs): {"contactor.delay_ms", kindU16, 2,
		func(s *Snapshot) []byte { return u16Bytes(s.Contactor.DelayMs) },
		func(s *Snapshot, v []byte) { s.Contactor.DelayMs = le16(v) }},

	fieldKey(SectionSystem, FieldSysLEDMode): {"system.led_mode", kindU8, 1,
		func(s *Snapshot) []byte { return []byte{s.System.LEDMode} },
		func(s *Snapshot, v []byte) { s.System.LEDMode = v[0] }},
	fieldKey(SectionSystem, FieldSysWebEnabled): {"system.web_enabled", kindBool, 1,
		func(s *Snapshot) []byte { return []byte{boolByte(s.System.WebEnabled)} },
		func(s *Snapshot, v []byte) { s.System.WebEnabled = v[0] != 0 }},
	fieldKey(SectionSystem, FieldSysLogLevel): {"system.log_level", kindU16, 2,
		func(s *Snapshot) []byte { return u16Bytes(s.System.LogLevel) },
		func(s *Snapshot, v []byte) { s.System.LogLevel = le16(v) }},
}

// FieldName returns the dotted name of a known field, or "" if unknown.
func FieldName(sec Section, field uint8) string {
	if spec, ok := fieldSpecs[fieldKey(sec, field)]; ok {
		return spec.name
	}
	return ""
}

// ValidateField checks that (sec, field) is known and value fits its kind.
// Fixed-width kinds must match exactly; strings may be any length up to
// the field's capacity. Bool values must be 0 or 1.
func ValidateField(sec Section, field uint8, value []byte) error {
	spec, ok := fieldSpecs[fieldKey(sec, field)]
	if !ok {
		return fmt.Errorf("%w: %s field %d", ErrUnknownField, sec, field)
	}
	switch spec.kind {
	case kindString:
		if len(value) > spec.size {
			return fmt.Errorf("%w: %s takes at most %d bytes, got %d",
				ErrBadFieldValue, spec.name, spec.size, len(value))
		}
	default:
		if len(value) != spec.size {
			return fmt.Errorf("%w: %s takes exactly %d bytes, got %d",
				ErrBadFieldValue, spec.name, spec.size, len(value))
		}
		if spec.kind == kindBool && value[0] > 1 {
			return fmt.Errorf("%w: %s must be 0 or 1", ErrBadFieldValue, spec.name)
		}
	}
	return nil
}

// ApplyField validates and installs a single field value. It does not
// bump version counters; the caller decides whether the change is a local
// edit or a replica of an already-versioned change.
func (s *Snapshot) ApplyField(sec Section, field uint8, value []byte) error {
	if err := ValidateField(sec, field, value); err != nil {
		return err
	}
	fieldSpecs[fieldKey(sec, field)].set(s, value)
	return nil
}

// FieldValue returns the encoded value of a single field.
func (s *Snapshot) FieldValue(sec Section, field uint8) ([]byte, error) {
	spec, ok := fieldSpecs[fieldKey(sec, field)]
	if !ok {
		return nil, fmt.Errorf("%w: %s field %d", ErrUnknownField, sec, field)
	}
	return spec.get(s), nil
}
