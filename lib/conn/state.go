// Package conn implements the dual-role connection state machines that
// establish and maintain the radio link: discovery, channel lock,
// heartbeat liveness, degradation, and reconnection.
//
// The machines are deliberately passive: they mutate state only inside
// HandleX methods (frame arrivals, send outcomes) and Step, which the
// node worker calls on a short ticker with the current time. Nothing
// here starts goroutines, which keeps the single-writer model intact
// and the machines testable with a synthetic clock.
package conn

// State is a connection state. Transmitter and receiver use disjoint
// subsets, except for the shared Connected and Degraded.
type State int

const (
	// StateUninitialized is the zero state before Start.
	StateUninitialized State = iota

	// Transmitter states.

	// StateDiscovering means probes are being broadcast across channels.
	StateDiscovering
	// StateWaitingForAck means a probe is in flight awaiting a reply.
	StateWaitingForAck
	// StateAckReceived means a receiver answered; its channel is known.
	StateAckReceived
	// StateChannelTransition means the radio is retuning.
	StateChannelTransition
	// StatePeerRegistration means the peer is being registered.
	StatePeerRegistration
	// StateChannelStabilizing is the quiet period before lock.
	StateChannelStabilizing
	// StateChannelLocked means the lock sequence completed.
	StateChannelLocked

	// Shared states.

	// StateConnected means the link is up and healthy.
	StateConnected
	// StateDegraded means the link is up but losing frames.
	StateDegraded

	// StateReconnecting means the link was lost and discovery will
	// restart after backoff.
	StateReconnecting
	// StateError means an unrecoverable driver fault; the machine idles
	// for a cooldown before retrying.
	StateError

	// Receiver states.

	// StateListening means the receiver is waiting for probes.
	StateListening
	// StateProbeReceived means a probe arrived and is being validated.
	StateProbeReceived
	// StateSendingAck means the ack reply is being transmitted.
	StateSendingAck
	// StateTransmitterLocking means the ack was sent and the transmitter
	// is running its lock sequence.
	StateTransmitterLocking
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateDiscovering:
		return "discovering"
	case StateWaitingForAck:
		return "waiting_for_ack"
	case StateAckReceived:
		return "ack_received"
	case StateChannelTransition:
		return "channel_transition"
	case StatePeerRegistration:
		return "peer_registration"
	case StateChannelStabilizing:
		return "channel_stabilizing"
	case StateChannelLocked:
		return "channel_locked"
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	case StateReconnecting:
		return "reconnecting"
	case StateError:
		return "error"
	case StateListening:
		return "listening"
	case StateProbeReceived:
		return "probe_received"
	case StateSendingAck:
		return "sending_ack"
	case StateTransmitterLocking:
		return "transmitter_locking"
	default:
		return "unknown"
	}
}

// Up reports whether the state carries application traffic.
func (s State) Up() bool {
	return s == StateConnected || s == StateDegraded
}

// Wire returns the state's compact on-air code, carried in heartbeats.
func (s State) Wire() uint8 { return uint8(s) }
