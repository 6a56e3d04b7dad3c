package radio

import (
	"sync"

	"github.com/go-batt/nowlink/lib/wire"
)

// Hub is an in-memory radio medium connecting SimDrivers. Frames are
// delivered synchronously on the sender's goroutine, which keeps tests
// deterministic; receive callbacks only enqueue, so this cannot deadlock.
type Hub struct {
	mu    sync.Mutex
	nodes map[wire.Addr]*SimDriver

	// loss, when set, is consulted per frame; returning true drops it.
	loss func(from, to wire.Addr, payload []byte) bool
}

// NewHub creates an empty medium.
func NewHub() *Hub {
	return &Hub{nodes: make(map[wire.Addr]*SimDriver)}
}

// SetLoss installs a frame-drop rule. Pass nil for lossless delivery.
func (h *Hub) SetLoss(fn func(from, to wire.Addr, payload []byte) bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.loss = fn
}

// NewDriver attaches a node with the given address, initially tuned to
// channel 1.
func (h *Hub) NewDriver(addr wire.Addr) *SimDriver {
	d := &SimDriver{
		hub:     h,
		addr:    addr,
		channel: wire.MinChannel,
		peers:   make(map[wire.Addr]uint8),
	}
	h.mu.Lock()
	h.nodes[addr] = d
	h.mu.Unlock()
	return d
}

// transmit delivers payload from sender to every started node tuned to
// the sender's channel. For unicast it reports whether the target heard
// the frame.
func (h *Hub) transmit(from *SimDriver, to wire.Addr, channel uint8, payload []byte) bool {
	h.mu.Lock()
	loss := h.loss
	var targets []*SimDriver
	for addr, node := range h.nodes {
		if addr == from.addr {
			continue
		}
		if to.IsBroadcast() || addr == to {
			targets = append(targets, node)
		}
	}
	h.mu.Unlock()

	heard := false
	for _, node := range targets {
		if loss != nil && loss(from.addr, node.addr, payload) {
			continue
		}
		if node.deliver(from.addr, channel, payload) {
			heard = true
		}
	}
	return heard
}

// SimDriver is a Driver backed by a Hub instead of hardware.
type SimDriver struct {
	hub  *Hub
	addr wire.Addr

	mu      sync.Mutex
	channel uint8
	peers   map[wire.Addr]uint8
	onRecv  RecvFunc
	onSent  SentFunc
	started bool
	closed  bool
}

var _ Driver = (*SimDriver)(nil)

func (d *SimDriver) LocalAddr() wire.Addr { return d.addr }

func (d *SimDriver) Channel() uint8 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.channel
}

func (d *SimDriver) SetChannel(ch uint8) error {
	if !wire.ValidChannel(ch) {
		return ErrBadChannel
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDriverClosed
	}
	d.channel = ch
	return nil
}

func (d *SimDriver) AddPeer(addr wire.Addr, ch uint8) error {
	if !wire.ValidChannel(ch) {
		return ErrBadChannel
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDriverClosed
	}
	if _, ok := d.peers[addr]; ok {
		return ErrPeerExists
	}
	if len(d.peers) >= MaxPeers {
		return ErrPeerTableFull
	}
	d.peers[addr] = ch
	return nil
}

func (d *SimDriver) RemovePeer(addr wire.Addr) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.peers[addr]; !ok {
		return ErrPeerUnknown
	}
	delete(d.peers, addr)
	return nil
}

func (d *SimDriver) Send(addr wire.Addr, payload []byte) error {
	if len(payload) > wire.MaxFramePayload {
		return ErrFrameTooLarge
	}
	d.mu.Lock()
	if d.closed || !d.started {
		d.mu.Unlock()
		return ErrDriverClosed
	}
	channel := d.channel
	onSent := d.onSent
	if !addr.IsBroadcast() {
		if _, ok := d.peers[addr]; !ok {
			d.mu.Unlock()
			return ErrPeerUnknown
		}
	}
	d.mu.Unlock()

	frame := append([]byte(nil), payload...)
	heard := d.hub.transmit(d, addr, channel, frame)
	if !addr.IsBroadcast() && onSent != nil {
		onSent(SendOutcome{To: addr, Acked: heard})
	}
	return nil
}

func (d *SimDriver) Start(onRecv RecvFunc, onSent SentFunc) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDriverClosed
	}
	d.onRecv = onRecv
	d.onSent = onSent
	d.started = true
	return nil
}

func (d *SimDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.started = false
	return nil
}

// deliver hands a frame to this node if it is started and tuned to the
// sender's channel.
func (d *SimDriver) deliver(from wire.Addr, channel uint8, payload []byte) bool {
	d.mu.Lock()
	ok := d.started && !d.closed && d.channel == channel
	onRecv := d.onRecv
	d.mu.Unlock()
	if !ok || onRecv == nil {
		return false
	}
	onRecv(Frame{From: from, Payload: payload})
	return true
}
