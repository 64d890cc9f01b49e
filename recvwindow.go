package rudp

import (
	"sort"
	"sync"
)

// ReceiveWindow buffers segments that arrive out of order and linearizes them
// into the in-order byte stream. Only the contiguous prefix at the expected
// sequence number is ever released; expected advances monotonically and
// delivered octets are never re-delivered.
type ReceiveWindow struct {
	mu       sync.Mutex
	capacity int
	expected Value
	// entries sorted ascending by seq. Every entry satisfies
	// expected <= seq < expected + capacity*MSS.
	entries []recvEntry
}

type recvEntry struct {
	packet []byte
	seq    Value
}

// NewReceiveWindow returns a receive window holding at most capacity segments,
// expecting irs as the first sequence number to deliver. Non-positive capacity
// falls back to DefaultWindowSize.
func NewReceiveWindow(capacity int, irs Value) *ReceiveWindow {
	if capacity <= 0 {
		capacity = DefaultWindowSize
	}
	return &ReceiveWindow{
		capacity: capacity,
		expected: irs,
		entries:  make([]recvEntry, 0, capacity),
	}
}

// Reset discards buffered segments and rebases the window at expected.
func (rw *ReceiveWindow) Reset(expected Value) {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	rw.entries = rw.entries[:0]
	rw.expected = expected
}

// Expected returns the sequence number of the next octet to be delivered.
func (rw *ReceiveWindow) Expected() Value {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	return rw.expected
}

// Len returns the number of buffered out-of-order segments.
func (rw *ReceiveWindow) Len() int {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	return len(rw.entries)
}

// Add inserts a segment iff its sequence number lies within
// [expected, expected+capacity*MSS), is not already buffered and the window
// holds fewer than capacity segments (otherwise ErrWindowFull).
// The packet slice is retained; callers must not reuse it.
func (rw *ReceiveWindow) Add(packet []byte, seq Value) error {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	if !seq.InRange(rw.expected, Size(rw.capacity)*MSS) {
		return ErrSeqOutOfWindow
	}
	i := sort.Search(len(rw.entries), func(i int) bool {
		return !rw.entries[i].seq.LessThan(seq)
	})
	if i < len(rw.entries) && rw.entries[i].seq == seq {
		return ErrDuplicateSeq
	}
	if len(rw.entries) >= rw.capacity {
		return ErrWindowFull
	}
	rw.entries = append(rw.entries, recvEntry{})
	copy(rw.entries[i+1:], rw.entries[i:])
	rw.entries[i] = recvEntry{packet: packet, seq: seq}
	return nil
}

// TakeDeliverable pops the segment at the expected sequence number if buffered
// and advances expected by its payload length. Callers drain repeatedly until
// ok is false.
func (rw *ReceiveWindow) TakeDeliverable() (payload []byte, ok bool) {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	if len(rw.entries) == 0 || rw.entries[0].seq != rw.expected {
		return nil, false
	}
	frm, err := NewFrame(rw.entries[0].packet)
	if err != nil {
		// Window never admits short packets; treat as empty.
		return nil, false
	}
	payload = frm.Payload()
	rw.expected = Add(rw.expected, Size(len(payload)))
	rw.entries = append(rw.entries[:0], rw.entries[1:]...)
	return payload, true
}

// Blocks returns up to max contiguous (start, end) ranges describing the
// out-of-order segments buffered above the expected sequence number, for
// selective-acknowledgement emission. Each returned block satisfies
// start >= expected.
func (rw *ReceiveWindow) Blocks(max int) []Block {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	if len(rw.entries) == 0 {
		return nil
	}
	var blocks []Block
	for i := range rw.entries {
		e := &rw.entries[i]
		frm, err := NewFrame(e.packet)
		if err != nil {
			continue
		}
		end := Add(e.seq, Size(frm.PayloadLength()))
		if n := len(blocks); n > 0 && blocks[n-1].End == e.seq {
			blocks[n-1].End = end
			continue
		}
		if len(blocks) == max {
			break
		}
		blocks = append(blocks, Block{Start: e.seq, End: end})
	}
	return blocks
}
