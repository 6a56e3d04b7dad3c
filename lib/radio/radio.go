// Package radio abstracts the 2.4 GHz datagram link. It defines the
// Driver contract the rest of the system is written against, the bounded
// inbound queue that decouples receive callbacks from protocol work, and
// an in-memory simulator used by tests and the host build.
//
// The link is connectionless and best-effort: frames carry at most 250
// payload bytes, delivery is not guaranteed, and a send outcome only
// reports link-layer acknowledgement, not application receipt. Broadcast
// frames are never link-acknowledged.
package radio

import (
	"errors"

	"github.com/go-batt/nowlink/lib/wire"
)

// Driver errors.
var (
	ErrFrameTooLarge = errors.New("radio: frame exceeds payload limit")
	ErrBadChannel    = errors.New("radio: channel out of range")
	ErrPeerExists    = errors.New("radio: peer already registered")
	ErrPeerUnknown   = errors.New("radio: peer not registered")
	ErrDriverClosed  = errors.New("radio: driver closed")
	ErrPeerTableFull = errors.New("radio: peer table full")
)

// MaxPeers is the hardware peer table limit.
const MaxPeers = 20

// Frame is one received datagram. Payload does not include any radio
// framing; byte 0 is the protocol message type.
type Frame struct {
	From    wire.Addr
	Payload []byte
}

// SendOutcome reports link-layer delivery of a unicast frame.
type SendOutcome struct {
	To    wire.Addr
	Acked bool
}

// RecvFunc is invoked by the driver for every received frame. It runs on
// the driver's receive path and must not block; implementations hand the
// frame to a Queue and return.
type RecvFunc func(Frame)

// SentFunc is invoked with the link-layer outcome of each unicast send.
// Broadcast sends produce no outcome. Must not block.
type SentFunc func(SendOutcome)

// Driver is the radio hardware contract. Implementations must allow
// Send from any goroutine once started.
type Driver interface {
	// LocalAddr returns this node's hardware address.
	LocalAddr() wire.Addr

	// Channel returns the current radio channel.
	Channel() uint8

	// SetChannel retunes the radio. Peers registered on another channel
	// stop hearing us immediately.
	SetChannel(ch uint8) error

	// AddPeer registers a unicast destination on the given channel.
	AddPeer(addr wire.Addr, ch uint8) error

	// RemovePeer unregisters a unicast destination.
	RemovePeer(addr wire.Addr) error

	// Send transmits payload to addr. Broadcast is always permitted;
	// unicast requires a registered peer. The call is asynchronous:
	// delivery outcome arrives via the SentFunc callback.
	Send(addr wire.Addr, payload []byte) error

	// Start installs the receive and send-outcome callbacks and powers
	// up the radio.
	Start(onRecv RecvFunc, onSent SentFunc) error

	// Close powers down the radio. Pending callbacks may still fire.
	Close() error
}
