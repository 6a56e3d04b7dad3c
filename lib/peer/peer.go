// Package peer tracks the remote node registered on the radio link.
// The protocol pairs exactly one transmitter with one receiver, so the
// registry holds at most one active peer; registering a different
// address evicts the prior one. Every change is mirrored into the
// radio's hardware peer table so the two can never disagree.
package peer

import (
	"sync"
	"time"

	apperrors "github.com/go-batt/nowlink/lib/errors"
	"github.com/go-batt/nowlink/lib/radio"
	"github.com/go-batt/nowlink/lib/wire"
)

// Info holds what is known about the registered peer.
type Info struct {
	// Addr is the peer's hardware address.
	Addr wire.Addr

	// Channel the peer was registered on.
	Channel uint8

	// RegisteredAt is when the peer entered the table.
	RegisteredAt time.Time

	// LastSeen is the last time any frame arrived from the peer.
	LastSeen time.Time

	// LastHeartbeatSeq is the highest heartbeat sequence observed. A
	// regression here means the peer rebooted.
	LastHeartbeatSeq uint32
}

// Registry is the single-peer bookkeeping layer above the radio's
// hardware peer table.
type Registry struct {
	mu     sync.Mutex
	driver radio.Driver
	cur    *Info
	now    func() time.Time
}

// NewRegistry creates a registry mirroring into driver.
func NewRegistry(driver radio.Driver) *Registry {
	return &Registry{
		driver: driver,
		now:    time.Now,
	}
}

// Register makes addr the registered peer on the given channel.
// Re-registering the same address is a no-op (a channel difference is
// applied in place); a different address evicts the current peer
// first. The broadcast address is never a peer.
func (r *Registry) Register(addr wire.Addr, ch uint8) error {
	if addr.IsBroadcast() || addr.IsZero() {
		return apperrors.ErrInvalidInput
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cur != nil && r.cur.Addr == addr {
		if r.cur.Channel == ch {
			return nil
		}
		return r.rechannelLocked(ch)
	}
	if r.cur != nil {
		if err := r.driver.RemovePeer(r.cur.Addr); err != nil {
			return err
		}
		r.cur = nil
	}
	if err := r.driver.AddPeer(addr, ch); err != nil {
		return err
	}
	now := r.now()
	r.cur = &Info{
		Addr:         addr,
		Channel:      ch,
		RegisteredAt: now,
		LastSeen:     now,
	}
	return nil
}

// Unregister removes the peer from the driver and the registry.
func (r *Registry) Unregister(addr wire.Addr) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cur == nil || r.cur.Addr != addr {
		return apperrors.ErrPeerNotRegistered
	}
	r.cur = nil
	return r.driver.RemovePeer(addr)
}

// Rechannel re-registers the peer on a new channel, preserving
// liveness bookkeeping. Used when the transmitter follows the
// receiver's channel.
func (r *Registry) Rechannel(addr wire.Addr, ch uint8) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cur == nil || r.cur.Addr != addr {
		return apperrors.ErrPeerNotRegistered
	}
	return r.rechannelLocked(ch)
}

func (r *Registry) rechannelLocked(ch uint8) error {
	if err := r.driver.RemovePeer(r.cur.Addr); err != nil {
		return err
	}
	if err := r.driver.AddPeer(r.cur.Addr, ch); err != nil {
		return err
	}
	r.cur.Channel = ch
	return nil
}

// Touch records frame arrival from the peer. Unknown senders are
// ignored; discovery traffic arrives before registration.
func (r *Registry) Touch(addr wire.Addr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cur != nil && r.cur.Addr == addr {
		r.cur.LastSeen = r.now()
	}
}

// ObserveHeartbeat records a heartbeat sequence and reports whether it
// regressed, which means the peer rebooted.
func (r *Registry) ObserveHeartbeat(addr wire.Addr, seq uint32) (rebooted bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cur == nil || r.cur.Addr != addr {
		return false
	}
	rebooted = seq < r.cur.LastHeartbeatSeq
	r.cur.LastHeartbeatSeq = seq
	r.cur.LastSeen = r.now()
	return rebooted
}

// ResetHeartbeat clears the peer's heartbeat sequence tracking. Used
// when the peer is already known to have rebooted, so its restarted
// sequence is not flagged a second time.
func (r *Registry) ResetHeartbeat(addr wire.Addr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cur != nil && r.cur.Addr == addr {
		r.cur.LastHeartbeatSeq = 0
	}
}

// Current returns a copy of the registered peer's info, if any.
func (r *Registry) Current() (Info, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cur == nil {
		return Info{}, false
	}
	return *r.cur, true
}

// Get returns a copy of the peer's info if addr is registered.
func (r *Registry) Get(addr wire.Addr) (Info, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cur == nil || r.cur.Addr != addr {
		return Info{}, false
	}
	return *r.cur, true
}

// Known reports whether addr is the registered peer.
func (r *Registry) Known(addr wire.Addr) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cur != nil && r.cur.Addr == addr
}

// SilentFor returns how long the peer has gone without traffic, or
// false if addr is not registered.
func (r *Registry) SilentFor(addr wire.Addr) (time.Duration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cur == nil || r.cur.Addr != addr {
		return 0, false
	}
	return r.now().Sub(r.cur.LastSeen), true
}

// Count returns the number of registered peers, zero or one.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cur == nil {
		return 0
	}
	return 1
}

// Clear drops the peer, in the driver too. Used when the link resets.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cur != nil {
		r.driver.RemovePeer(r.cur.Addr)
		r.cur = nil
	}
}
