// Package transport provides a UDP-backed implementation of the radio
// driver contract. It lets nowlink nodes run on hosts without the
// 2.4 GHz radio: each node listens on a UDP socket, and every datagram
// carries the sender's link address and channel in a small header so
// channel tuning behaves like the real medium.
package transport

import (
	"log/slog"
	"net"
	"sync"

	apperrors "github.com/go-batt/nowlink/lib/errors"
	"github.com/go-batt/nowlink/lib/radio"
	"github.com/go-batt/nowlink/lib/wire"
)

// headerLen is the datagram header: source address (6) + channel (1).
const headerLen = 7

// Config configures a UDP driver.
type Config struct {
	// LocalAddr is this node's link address.
	LocalAddr wire.Addr
	// Listen is the UDP address to bind, e.g. "127.0.0.1:17400".
	Listen string
	// Endpoints maps link addresses (aa:bb:cc:dd:ee:ff) to UDP
	// endpoints. Broadcast frames go to every endpoint listed here.
	Endpoints map[string]string
	// Logger is the structured logger. Defaults to slog.Default().
	Logger *slog.Logger
}

// UDPDriver is a radio.Driver carried over UDP datagrams.
type UDPDriver struct {
	logger *slog.Logger
	local  wire.Addr

	mu      sync.Mutex
	conn    *net.UDPConn
	listen  string
	channel uint8
	book    map[wire.Addr]*net.UDPAddr // all known endpoints
	peers   map[wire.Addr]uint8        // registered peer table
	onRecv  radio.RecvFunc
	onSent  radio.SentFunc
	started bool
	closed  bool

	wg sync.WaitGroup
}

var _ radio.Driver = (*UDPDriver)(nil)

// New creates a UDP driver. The socket is not bound until Start.
func New(cfg Config) (*UDPDriver, error) {
	if cfg.LocalAddr.IsZero() || cfg.LocalAddr.IsBroadcast() {
		return nil, apperrors.Wrap(apperrors.CodeValidation,
			"transport: local address must be a unicast link address", apperrors.ErrInvalidInput)
	}
	if cfg.Listen == "" {
		return nil, apperrors.Wrap(apperrors.CodeValidation,
			"transport: listen address is required", apperrors.ErrInvalidInput)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	book := make(map[wire.Addr]*net.UDPAddr, len(cfg.Endpoints))
	for addrStr, endpoint := range cfg.Endpoints {
		linkAddr, err := wire.ParseAddr(addrStr)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CodeValidation, "transport: bad endpoint key", err)
		}
		udpAddr, err := net.ResolveUDPAddr("udp", endpoint)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CodeValidation, "transport: bad endpoint address", err)
		}
		book[linkAddr] = udpAddr
	}

	return &UDPDriver{
		logger:  logger.With("component", "transport"),
		local:   cfg.LocalAddr,
		listen:  cfg.Listen,
		channel: wire.MinChannel,
		book:    book,
		peers:   make(map[wire.Addr]uint8),
	}, nil
}

func (d *UDPDriver) LocalAddr() wire.Addr { return d.local }

// BoundAddr returns the UDP address the socket is bound to, or nil
// before Start. Useful when Listen asked for an ephemeral port.
func (d *UDPDriver) BoundAddr() net.Addr {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil {
		return nil
	}
	return d.conn.LocalAddr()
}

// SetEndpoint adds or replaces the UDP endpoint for a link address.
func (d *UDPDriver) SetEndpoint(addr wire.Addr, endpoint string) error {
	udpAddr, err := net.ResolveUDPAddr("udp", endpoint)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeValidation, "transport: bad endpoint address", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.book[addr] = udpAddr
	return nil
}

func (d *UDPDriver) Channel() uint8 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.channel
}

func (d *UDPDriver) SetChannel(ch uint8) error {
	if !wire.ValidChannel(ch) {
		return radio.ErrBadChannel
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return radio.ErrDriverClosed
	}
	d.channel = ch
	return nil
}

func (d *UDPDriver) AddPeer(addr wire.Addr, ch uint8) error {
	if !wire.ValidChannel(ch) {
		return radio.ErrBadChannel
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return radio.ErrDriverClosed
	}
	if _, ok := d.book[addr]; !ok {
		return radio.ErrPeerUnknown
	}
	if _, ok := d.peers[addr]; ok {
		return radio.ErrPeerExists
	}
	if len(d.peers) >= radio.MaxPeers {
		return radio.ErrPeerTableFull
	}
	d.peers[addr] = ch
	return nil
}

func (d *UDPDriver) RemovePeer(addr wire.Addr) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.peers[addr]; !ok {
		return radio.ErrPeerUnknown
	}
	delete(d.peers, addr)
	return nil
}

// Send transmits payload to addr. Unicast frames report an outcome via
// the SentFunc: a UDP write that errored reads as not acknowledged.
// Like the real radio there is no receipt from the far side; an Acked
// outcome only means the datagram left this host.
func (d *UDPDriver) Send(addr wire.Addr, payload []byte) error {
	if len(payload) > wire.MaxFramePayload {
		return radio.ErrFrameTooLarge
	}

	d.mu.Lock()
	if d.closed || !d.started {
		d.mu.Unlock()
		return radio.ErrDriverClosed
	}
	conn := d.conn
	channel := d.channel
	onSent := d.onSent

	var targets []*net.UDPAddr
	if addr.IsBroadcast() {
		for _, ep := range d.book {
			targets = append(targets, ep)
		}
	} else {
		if _, ok := d.peers[addr]; !ok {
			d.mu.Unlock()
			return radio.ErrPeerUnknown
		}
		targets = append(targets, d.book[addr])
	}
	d.mu.Unlock()

	datagram := make([]byte, headerLen+len(payload))
	copy(datagram, d.local[:])
	datagram[6] = channel
	copy(datagram[headerLen:], payload)

	ok := true
	for _, ep := range targets {
		if _, err := conn.WriteToUDP(datagram, ep); err != nil {
			d.logger.Debug("udp write failed", "endpoint", ep, "error", err)
			ok = false
		}
	}
	if !addr.IsBroadcast() && onSent != nil {
		onSent(radio.SendOutcome{To: addr, Acked: ok})
	}
	return nil
}

// Start binds the socket and starts the receive loop.
func (d *UDPDriver) Start(onRecv radio.RecvFunc, onSent radio.SentFunc) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return radio.ErrDriverClosed
	}
	if d.started {
		return nil
	}

	udpAddr, err := net.ResolveUDPAddr("udp", d.listen)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeValidation, "transport: bad listen address", err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return apperrors.WrapInternal(err)
	}

	d.conn = conn
	d.onRecv = onRecv
	d.onSent = onSent
	d.started = true

	d.logger.Info("udp link up",
		"listen", conn.LocalAddr(),
		"address", d.local,
		"endpoints", len(d.book),
	)

	d.wg.Add(1)
	go d.readLoop(conn)
	return nil
}

// Close shuts the socket down and waits for the receive loop to exit.
func (d *UDPDriver) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.started = false
	conn := d.conn
	d.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	d.wg.Wait()
	return err
}

// readLoop receives datagrams and hands frames up. Frames on another
// channel or with an impossible length are dropped the way the radio
// never hears them.
func (d *UDPDriver) readLoop(conn *net.UDPConn) {
	defer d.wg.Done()

	buf := make([]byte, headerLen+wire.MaxFramePayload+1)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			d.mu.Lock()
			closed := d.closed
			d.mu.Unlock()
			if !closed {
				d.logger.Warn("udp read failed", "error", err)
			}
			return
		}
		if n < headerLen+1 || n-headerLen > wire.MaxFramePayload {
			continue
		}

		var from wire.Addr
		copy(from[:], buf[:6])
		if from == d.local || from.IsBroadcast() {
			continue
		}

		d.mu.Lock()
		match := d.started && !d.closed && d.channel == buf[6]
		onRecv := d.onRecv
		d.mu.Unlock()
		if !match || onRecv == nil {
			continue
		}

		payload := make([]byte, n-headerLen)
		copy(payload, buf[headerLen:n])
		onRecv(radio.Frame{From: from, Payload: payload})
	}
}
