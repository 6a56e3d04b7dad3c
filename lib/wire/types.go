// Package wire defines the on-air message schema for the nowlink radio
// protocol: message type codes, fixed little-endian frame layouts, the
// configuration snapshot format, fragmentation, and checksums.
//
// Every layout here is byte-for-byte fixed. The wire schema is declared
// explicitly (offsets and widths) rather than derived from struct memory
// layout, so in-memory types can evolve without breaking the protocol.
package wire

import "fmt"

// MaxFramePayload is the radio's hard frame payload limit.
const MaxFramePayload = 250

// MaxFragmentPayload is the per-fragment data budget, leaving room for the
// fragment header inside a 250-byte frame.
const MaxFragmentPayload = 230

// Channel limits for the 2.4 GHz band.
const (
	MinChannel = 1
	MaxChannel = 14
)

// ValidChannel reports whether ch is a usable radio channel.
func ValidChannel(ch uint8) bool {
	return ch >= MinChannel && ch <= MaxChannel
}

// Addr is a 6-byte opaque peer identifier (the radio hardware address).
type Addr [6]byte

// Broadcast is the all-ones address. It is used for discovery probes and
// version beacons and is never registered as a peer.
var Broadcast = Addr{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

// IsBroadcast reports whether a is the broadcast address.
func (a Addr) IsBroadcast() bool { return a == Broadcast }

// IsZero reports whether a is the all-zero address.
func (a Addr) IsZero() bool { return a == Addr{} }

func (a Addr) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", a[0], a[1], a[2], a[3], a[4], a[5])
}

// ParseAddr parses the colon-separated hex form produced by String.
func ParseAddr(s string) (Addr, error) {
	var a Addr
	n, err := fmt.Sscanf(s, "%02x:%02x:%02x:%02x:%02x:%02x",
		&a[0], &a[1], &a[2], &a[3], &a[4], &a[5])
	if err != nil || n != 6 {
		return Addr{}, fmt.Errorf("wire: bad address %q", s)
	}
	return a, nil
}

// MsgType identifies a message on the wire. It is always the first payload
// byte of a frame. The numbering matches the peer firmware and must not be
// reordered.
type MsgType uint8

const (
	// MsgProbe is a channel discovery probe (transmitter, broadcast).
	MsgProbe MsgType = iota
	// MsgAck acknowledges a probe and advertises the receiver's channel.
	MsgAck
	// MsgData carries the small real-time SOC/power record.
	MsgData
	// MsgRequestData asks the transmitter to start a telemetry stream.
	MsgRequestData
	// MsgAbortData asks the transmitter to stop a telemetry stream.
	MsgAbortData
	// MsgPacket is one fragment of a large payload (see PacketHeader).
	MsgPacket
	// MsgReboot commands the peer to reboot.
	MsgReboot
	// MsgOtaStart arms an OTA firmware receive context.
	MsgOtaStart
	// MsgFlashLED flashes the peer's status indicator.
	MsgFlashLED
	// MsgDebugControl changes the peer's debug log level.
	MsgDebugControl
	// MsgDebugAck acknowledges a debug level change.
	MsgDebugAck
	// MsgConfigRequestFull requests a full configuration snapshot.
	MsgConfigRequestFull
	// MsgConfigSnapshot is the fragmented snapshot response (as MsgPacket
	// subtype; the code exists for routing of non-fragmented carriers).
	MsgConfigSnapshot
	// MsgConfigDeltaUpdate carries a single-field configuration change.
	MsgConfigDeltaUpdate
	// MsgConfigAck acknowledges a snapshot or delta install.
	MsgConfigAck
	// MsgConfigSectionRequest asks for one stale section by version.
	MsgConfigSectionRequest
	// MsgConfigSectionResponse carries one authoritative section.
	MsgConfigSectionResponse
	// MsgVersionBeacon broadcasts per-section config versions and runtime status.
	MsgVersionBeacon
	// MsgNetworkConfigAck carries the authoritative NETWORK section.
	MsgNetworkConfigAck
	// MsgMqttConfigAck carries the authoritative MQTT section.
	MsgMqttConfigAck
	// MsgSettingsUpdate proposes a field change (receiver to transmitter).
	MsgSettingsUpdate
	// MsgSettingsUpdateAck reports acceptance/rejection of a proposal.
	MsgSettingsUpdateAck
	// MsgSettingsChanged notifies the receiver of an applied change.
	MsgSettingsChanged
	// MsgMetadataResponse carries firmware metadata.
	MsgMetadataResponse
	// MsgHeartbeat is the transmitter's periodic liveness frame.
	MsgHeartbeat
	// MsgHeartbeatAck is the receiver's reply to a heartbeat.
	MsgHeartbeatAck
	// MsgBatteryStatus is real-time battery telemetry.
	MsgBatteryStatus
	// MsgBatteryInfo is static battery identity data.
	MsgBatteryInfo
	// MsgChargerStatus is charger telemetry.
	MsgChargerStatus
	// MsgInverterStatus is inverter telemetry.
	MsgInverterStatus
	// MsgSystemStatus is node health telemetry.
	MsgSystemStatus
	// MsgComponentConfig is a component configuration record.
	MsgComponentConfig

	msgTypeCount
)

func (t MsgType) String() string {
	switch t {
	case MsgProbe:
		return "probe"
	case MsgAck:
		return "ack"
	case MsgData:
		return "data"
	case MsgRequestData:
		return "request_data"
	case MsgAbortData:
		return "abort_data"
	case MsgPacket:
		return "packet"
	case MsgReboot:
		return "reboot"
	case MsgOtaStart:
		return "ota_start"
	case MsgFlashLED:
		return "flash_led"
	case MsgDebugControl:
		return "debug_control"
	case MsgDebugAck:
		return "debug_ack"
	case MsgConfigRequestFull:
		return "config_request_full"
	case MsgConfigSnapshot:
		return "config_snapshot"
	case MsgConfigDeltaUpdate:
		return "config_delta_update"
	case MsgConfigAck:
		return "config_ack"
	case MsgConfigSectionRequest:
		return "config_section_request"
	case MsgConfigSectionResponse:
		return "config_section_response"
	case MsgVersionBeacon:
		return "version_beacon"
	case MsgNetworkConfigAck:
		return "network_config_ack"
	case MsgMqttConfigAck:
		return "mqtt_config_ack"
	case MsgSettingsUpdate:
		return "settings_update"
	case MsgSettingsUpdateAck:
		return "settings_update_ack"
	case MsgSettingsChanged:
		return "settings_changed"
	case MsgMetadataResponse:
		return "metadata_response"
	case MsgHeartbeat:
		return "heartbeat"
	case MsgHeartbeatAck:
		return "heartbeat_ack"
	case MsgBatteryStatus:
		return "battery_status"
	case MsgBatteryInfo:
		return "battery_info"
	case MsgChargerStatus:
		return "charger_status"
	case MsgInverterStatus:
		return "inverter_status"
	case MsgSystemStatus:
		return "system_status"
	case MsgComponentConfig:
		return "component_config"
	default:
		return fmt.Sprintf("MsgType(%d)", uint8(t))
	}
}

// Valid reports whether t is a known message type.
func (t MsgType) Valid() bool { return t < msgTypeCount }

// Discovery reports whether t belongs to the channel discovery
// handshake. These frames necessarily arrive before any peer is
// registered, so sender filtering must let them through.
func (t MsgType) Discovery() bool { return t == MsgProbe || t == MsgAck }

// Subtype categorizes fragmented MsgPacket payloads.
type Subtype uint8

const (
	// SubtypeNone is used where no subtype applies.
	SubtypeNone Subtype = iota
	// SubtypeSettings is static configuration data.
	SubtypeSettings
	// SubtypeSysteminfo is system information.
	SubtypeSysteminfo
	// SubtypeEvents is the real-time event stream.
	SubtypeEvents
	// SubtypeLogs is a multi-kilobyte log dump.
	SubtypeLogs
	// SubtypeCellInfo is per-cell battery data.
	SubtypeCellInfo
	// SubtypePowerProfile is power profile data.
	SubtypePowerProfile
)

// SubtypeAny is the router wildcard matching every subtype of a type.
const SubtypeAny Subtype = 0xFF

func (s Subtype) String() string {
	switch s {
	case SubtypeNone:
		return "none"
	case SubtypeSettings:
		return "settings"
	case SubtypeSysteminfo:
		return "systeminfo"
	case SubtypeEvents:
		return "events"
	case SubtypeLogs:
		return "logs"
	case SubtypeCellInfo:
		return "cell_info"
	case SubtypePowerProfile:
		return "power_profile"
	case SubtypeAny:
		return "any"
	default:
		return fmt.Sprintf("Subtype(%d)", uint8(s))
	}
}

// TimeSource identifies where a node's wall-clock time came from.
type TimeSource uint8

const (
	// TimeSourceNone means the clock is unsynchronized.
	TimeSourceNone TimeSource = iota
	// TimeSourceNTP means the clock was set from NTP.
	TimeSourceNTP
	// TimeSourceRTC means the clock was restored from a battery RTC.
	TimeSourceRTC
	// TimeSourcePeer means the clock was copied from the peer.
	TimeSourcePeer
)

func (s TimeSource) String() string {
	switch s {
	case TimeSourceNone:
		return "none"
	case TimeSourceNTP:
		return "ntp"
	case TimeSourceRTC:
		return "rtc"
	case TimeSourcePeer:
		return "peer"
	default:
		return fmt.Sprintf("TimeSource(%d)", uint8(s))
	}
}

// LEDColor is the semantic indicator color carried by MsgFlashLED.
type LEDColor uint8

const (
	// LEDRed signals disconnected.
	LEDRed LEDColor = iota
	// LEDGreen signals connected.
	LEDGreen
	// LEDOrange signals degraded.
	LEDOrange
)

func (c LEDColor) String() string {
	switch c {
	case LEDRed:
		return "red"
	case LEDGreen:
		return "green"
	case LEDOrange:
		return "orange"
	default:
		return fmt.Sprintf("LEDColor(%d)", uint8(c))
	}
}
