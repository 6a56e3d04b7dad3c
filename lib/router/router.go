// Package router dispatches received frames to per-type handlers.
// It is the single fan-out point between the inbound queue and the
// protocol managers: connection, config sync, beacon, command.
package router

import (
	"log/slog"
	"sync"

	"github.com/go-batt/nowlink/lib/metrics"
	"github.com/go-batt/nowlink/lib/wire"
)

// Handler processes one frame. It runs on the node's worker goroutine,
// so it may touch protocol state freely but must not block.
type Handler func(from wire.Addr, payload []byte)

type key struct {
	typ wire.MsgType
	sub wire.Subtype
}

// Router routes frames by message type, and for fragmented packets also
// by subtype. Registration happens at startup; dispatch happens on one
// goroutine. The mutex only guards against late registration from
// surfaces like the web admin.
type Router struct {
	mu       sync.RWMutex
	handlers map[key]Handler
	logger   *slog.Logger
	peerGate func(from wire.Addr) bool

	unhandled uint64
	foreign   uint64
}

// New creates an empty router.
func New(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		handlers: make(map[key]Handler),
		logger:   logger.With("component", "router"),
	}
}

// Handle registers fn for a message type. For MsgPacket this matches
// every subtype not claimed by HandlePacket.
func (r *Router) Handle(typ wire.MsgType, fn Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[key{typ, wire.SubtypeAny}] = fn
}

// HandlePacket registers fn for fragments of one subtype.
func (r *Router) HandlePacket(sub wire.Subtype, fn Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[key{wire.MsgPacket, sub}] = fn
}

// SetPeerGate restricts dispatch to senders fn approves. Discovery
// frames bypass the gate, since they arrive before any peer exists;
// everything else from an unapproved sender is dropped silently and
// counted. A nil gate admits everyone.
func (r *Router) SetPeerGate(fn func(from wire.Addr) bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peerGate = fn
}

// Dispatch routes one frame. Empty and unknown-type frames are counted
// and dropped; a malformed frame must never take the worker down.
func (r *Router) Dispatch(from wire.Addr, payload []byte) bool {
	if len(payload) == 0 {
		metrics.FramesInvalid.Inc()
		return false
	}
	typ := wire.MsgType(payload[0])
	if !typ.Valid() {
		metrics.FramesInvalid.Inc()
		r.logger.Debug("dropping frame with unknown type",
			"type", uint8(payload[0]), "from", from.String())
		return false
	}

	sub := wire.SubtypeAny
	if typ == wire.MsgPacket && len(payload) > 1 {
		sub = wire.Subtype(payload[1])
	}

	r.mu.RLock()
	gate := r.peerGate
	fn, ok := r.handlers[key{typ, sub}]
	if !ok {
		fn, ok = r.handlers[key{typ, wire.SubtypeAny}]
	}
	r.mu.RUnlock()

	if gate != nil && !typ.Discovery() && !gate(from) {
		r.mu.Lock()
		r.foreign++
		r.mu.Unlock()
		metrics.FramesForeign.Inc()
		return false
	}

	if !ok {
		r.mu.Lock()
		r.unhandled++
		r.mu.Unlock()
		r.logger.Debug("no handler for frame", "type", typ.String(), "from", from.String())
		return false
	}
	fn(from, payload)
	return true
}

// Unhandled returns the number of frames with no registered handler.
func (r *Router) Unhandled() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.unhandled
}

// Foreign returns the number of frames dropped by the peer gate.
func (r *Router) Foreign() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.foreign
}
