package wire

import (
	"errors"
	"time"
)

// Fragmentation errors.
var (
	ErrFragTooLarge  = errors.New("wire: fragment payload exceeds budget")
	ErrFragMismatch  = errors.New("wire: fragment does not match transfer in progress")
	ErrEmptyTransfer = errors.New("wire: nothing to fragment")
)

// PacketHeaderLen is the fixed MsgPacket header size. Payload follows
// immediately and is covered by the header's checksum field.
const PacketHeaderLen = 14

// PacketHeader describes one fragment of a large payload.
// Layout: type(1) subtype(1) seq(4) frag_index(2) frag_total(2)
//         payload_len(2) checksum(2) payload(N<=230).
type PacketHeader struct {
	Subtype   Subtype
	Seq       uint32 // transfer identifier, shared by all fragments
	FragIndex uint16
	FragTotal uint16
	Checksum  uint16 // CRC16 of the fragment payload
}

// EncodePacket serializes header plus payload into a single frame.
func EncodePacket(h PacketHeader, payload []byte) ([]byte, error) {
	if len(payload) > MaxFragmentPayload {
		return nil, ErrFragTooLarge
	}
	buf := make([]byte, PacketHeaderLen+len(payload))
	buf[0] = byte(MsgPacket)
	buf[1] = byte(h.Subtype)
	put32(buf[2:], h.Seq)
	put16(buf[6:], h.FragIndex)
	put16(buf[8:], h.FragTotal)
	put16(buf[10:], uint16(len(payload)))
	put16(buf[12:], CRC16(payload))
	copy(buf[PacketHeaderLen:], payload)
	return buf, nil
}

// ParsePacket splits a frame into header and payload, verifying the
// payload checksum. The returned payload aliases data.
func ParsePacket(data []byte) (PacketHeader, []byte, error) {
	var h PacketHeader
	if err := checkType(data, MsgPacket, PacketHeaderLen); err != nil {
		return h, nil, err
	}
	h.Subtype = Subtype(data[1])
	h.Seq = le32(data[2:])
	h.FragIndex = le16(data[6:])
	h.FragTotal = le16(data[8:])
	plen := int(le16(data[10:]))
	h.Checksum = le16(data[12:])
	if plen > MaxFragmentPayload || len(data) != PacketHeaderLen+plen {
		return h, nil, ErrShortMessage
	}
	payload := data[PacketHeaderLen : PacketHeaderLen+plen]
	if CRC16(payload) != h.Checksum {
		return h, nil, ErrBadChecksum
	}
	return h, payload, nil
}

// Fragment splits data into MsgPacket frames sharing the transfer seq.
// Every fragment except the last carries MaxFragmentPayload bytes.
func Fragment(subtype Subtype, seq uint32, data []byte) ([][]byte, error) {
	if len(data) == 0 {
		return nil, ErrEmptyTransfer
	}
	total := (len(data) + MaxFragmentPayload - 1) / MaxFragmentPayload
	frames := make([][]byte, 0, total)
	for i := 0; i < total; i++ {
		lo := i * MaxFragmentPayload
		hi := lo + MaxFragmentPayload
		if hi > len(data) {
			hi = len(data)
		}
		frame, err := EncodePacket(PacketHeader{
			Subtype:   subtype,
			Seq:       seq,
			FragIndex: uint16(i),
			FragTotal: uint16(total),
		}, data[lo:hi])
		if err != nil {
			return nil, err
		}
		frames = append(frames, frame)
	}
	return frames, nil
}

// DefaultReassemblyTimeout is how long an incomplete transfer is kept
// before the next fragment discards it as stale.
const DefaultReassemblyTimeout = 3 * time.Second

// Reassembler rebuilds one in-flight transfer from MsgPacket fragments.
// Fragments may arrive out of order; duplicates are ignored. A fragment
// with index 0 always starts a fresh transfer, which makes a peer's
// retry after our silence self-healing. Only one transfer is tracked at
// a time, matching the single-snapshot sync model.
//
// Not safe for concurrent use; callers own the worker goroutine.
type Reassembler struct {
	Timeout time.Duration // zero means DefaultReassemblyTimeout

	subtype  Subtype
	seq      uint32
	total    uint16
	got      []bool
	missing  int
	parts    [][]byte
	lastFrag time.Time

	now func() time.Time
}

// NewReassembler returns an idle reassembler.
func NewReassembler() *Reassembler {
	return &Reassembler{Timeout: DefaultReassemblyTimeout, now: time.Now}
}

// Active reports whether a transfer is partially assembled.
func (r *Reassembler) Active() bool { return r.got != nil }

// Reset discards any transfer in progress.
func (r *Reassembler) Reset() {
	r.got = nil
	r.parts = nil
	r.missing = 0
}

// Offer feeds one parsed fragment. It returns the complete payload once
// the final missing fragment arrives, or nil while the transfer is still
// incomplete. Fragments that do not belong to the current transfer and
// do not start a new one return ErrFragMismatch.
func (r *Reassembler) Offer(h PacketHeader, payload []byte) ([]byte, error) {
	if h.FragTotal == 0 || h.FragIndex >= h.FragTotal {
		return nil, ErrFragMismatch
	}
	now := r.now()
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DefaultReassemblyTimeout
	}
	if r.Active() && now.Sub(r.lastFrag) > timeout {
		r.Reset()
	}

	switch {
	case !r.Active():
		// A mid-transfer fragment with no context is unrecoverable; wait
		// for the peer to restart from index 0.
		if h.FragIndex != 0 {
			return nil, ErrFragMismatch
		}
		r.start(h)
	case h.FragIndex == 0 && (h.Seq != r.seq || h.Subtype != r.subtype || h.FragTotal != r.total):
		r.Reset()
		r.start(h)
	case h.Seq != r.seq || h.Subtype != r.subtype || h.FragTotal != r.total:
		return nil, ErrFragMismatch
	}

	r.lastFrag = now
	if r.got[h.FragIndex] {
		return nil, nil
	}
	r.got[h.FragIndex] = true
	r.parts[h.FragIndex] = append([]byte(nil), payload...)
	r.missing--
	if r.missing > 0 {
		return nil, nil
	}

	var size int
	for _, p := range r.parts {
		size += len(p)
	}
	out := make([]byte, 0, size)
	for _, p := range r.parts {
		out = append(out, p...)
	}
	r.Reset()
	return out, nil
}

func (r *Reassembler) start(h PacketHeader) {
	r.subtype = h.Subtype
	r.seq = h.Seq
	r.total = h.FragTotal
	r.got = make([]bool, h.FragTotal)
	r.parts = make([][]byte, h.FragTotal)
	r.missing = int(h.FragTotal)
}
