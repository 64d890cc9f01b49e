package rudp

import (
	"sync"
	"time"
)

// SendWindow tracks in-flight segments awaiting acknowledgement. Entries are
// kept ordered by sequence number and are removed exclusively by sliding the
// contiguous acked prefix off the front. All operations are serialized under a
// single mutex.
type SendWindow struct {
	mu       sync.Mutex
	capacity int
	entries  []sendEntry
	// sacked holds sequence numbers reported by the peer as received out of
	// order. Retransmission skips them. Pruned as Slide removes entries.
	sacked map[Value]struct{}
}

type sendEntry struct {
	packet []byte
	seq    Value
	// size is the octets consumed in sequence space: payload length plus one
	// for SYN and FIN.
	size        Size
	sentAt      time.Time
	retransmits int
	acked       bool
}

// NewSendWindow returns a send window holding at most capacity segments.
// Non-positive capacity falls back to DefaultWindowSize.
func NewSendWindow(capacity int) *SendWindow {
	if capacity <= 0 {
		capacity = DefaultWindowSize
	}
	return &SendWindow{
		capacity: capacity,
		entries:  make([]sendEntry, 0, capacity),
		sacked:   make(map[Value]struct{}),
	}
}

// Reset discards all entries and selective-ack state.
func (sw *SendWindow) Reset() {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.entries = sw.entries[:0]
	clear(sw.sacked)
}

// Len returns the number of segments currently in the window.
func (sw *SendWindow) Len() int {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return len(sw.entries)
}

// Capacity returns the maximum number of segments the window holds.
func (sw *SendWindow) Capacity() int { return sw.capacity }

// InFlightBytes returns the octets sent but not yet acknowledged.
func (sw *SendWindow) InFlightBytes() int {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	n := 0
	for i := range sw.entries {
		e := &sw.entries[i]
		if !e.sentAt.IsZero() && !e.acked {
			n += int(e.size)
		}
	}
	return n
}

// Add inserts a segment into the window in sequence order. It fails with ErrWindowFull at
// capacity and ErrDuplicateSeq if seq is already present. The packet slice is
// retained; callers must not reuse it.
func (sw *SendWindow) Add(packet []byte, seq Value) error {
	frm, err := NewFrame(packet)
	if err != nil {
		return err
	}
	size := Size(frm.PayloadLength())
	if frm.Flags().HasAny(FlagSYN | FlagFIN) {
		size++
	}
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if len(sw.entries) >= sw.capacity {
		return ErrWindowFull
	}
	for i := range sw.entries {
		if sw.entries[i].seq == seq {
			return ErrDuplicateSeq
		}
	}
	i := len(sw.entries)
	for i > 0 && seq.LessThan(sw.entries[i-1].seq) {
		i--
	}
	sw.entries = append(sw.entries, sendEntry{})
	copy(sw.entries[i+1:], sw.entries[i:])
	sw.entries[i] = sendEntry{packet: packet, seq: seq, size: size}
	return nil
}

// Ack marks the entry holding seq as acknowledged. A missing seq is a stale
// acknowledgement and reports false.
func (sw *SendWindow) Ack(seq Value) bool {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	for i := range sw.entries {
		if sw.entries[i].seq == seq {
			sw.entries[i].acked = true
			return true
		}
	}
	return false
}

// AckThrough marks every entry fully covered by the cumulative acknowledgement
// ack as acknowledged. It returns how many entries changed state and a
// round-trip sample measured against now. Entries that were retransmitted do
// not contribute samples since their acknowledgement is ambiguous.
func (sw *SendWindow) AckThrough(ack Value, now time.Time) (n int, sample time.Duration, sampleOK bool) {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	for i := range sw.entries {
		e := &sw.entries[i]
		if !Add(e.seq, e.size).LessThanEq(ack) {
			break
		}
		if !e.acked {
			e.acked = true
			n++
			if e.retransmits == 0 && !e.sentAt.IsZero() {
				sample = now.Sub(e.sentAt)
				sampleOK = true
			}
		}
	}
	return n, sample, sampleOK
}

// Slide removes the contiguous prefix of acknowledged entries and prunes the
// selective-ack set of sequence numbers that no longer exist. It returns the
// number of entries removed.
func (sw *SendWindow) Slide() int {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	n := 0
	for n < len(sw.entries) && sw.entries[n].acked {
		delete(sw.sacked, sw.entries[n].seq)
		n++
	}
	if n > 0 {
		sw.entries = append(sw.entries[:0], sw.entries[n:]...)
	}
	return n
}

// NextUnsent returns the lowest-sequence entry never sent, stamping its send
// time to now. ok is false when every entry has been sent at least once.
func (sw *SendWindow) NextUnsent(now time.Time) (packet []byte, seq Value, ok bool) {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	for i := range sw.entries {
		e := &sw.entries[i]
		if e.sentAt.IsZero() {
			e.sentAt = now
			return e.packet, e.seq, true
		}
	}
	return nil, 0, false
}

// NextRetransmit returns the lowest-sequence entry that is unacked, was
// previously sent, is not selectively acknowledged, and whose time since last
// send exceeds rto. The entry's send time is refreshed and its retransmit
// count incremented.
func (sw *SendWindow) NextRetransmit(now time.Time, rto time.Duration) (packet []byte, seq Value, ok bool) {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	for i := range sw.entries {
		e := &sw.entries[i]
		if e.acked || e.sentAt.IsZero() {
			continue
		}
		if _, skip := sw.sacked[e.seq]; skip {
			continue
		}
		if now.Sub(e.sentAt) > rto {
			e.sentAt = now
			e.retransmits++
			return e.packet, e.seq, true
		}
	}
	return nil, 0, false
}

// OldestUnacked returns the lowest-sequence sent-but-unacked entry for fast
// retransmission, refreshing its send time and retransmit count.
func (sw *SendWindow) OldestUnacked(now time.Time) (packet []byte, seq Value, ok bool) {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	for i := range sw.entries {
		e := &sw.entries[i]
		if e.acked || e.sentAt.IsZero() {
			continue
		}
		e.sentAt = now
		e.retransmits++
		return e.packet, e.seq, true
	}
	return nil, 0, false
}

// SentAt reports the time the entry holding seq was last sent.
func (sw *SendWindow) SentAt(seq Value) (t time.Time, retransmits int, ok bool) {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	for i := range sw.entries {
		if sw.entries[i].seq == seq {
			return sw.entries[i].sentAt, sw.entries[i].retransmits, true
		}
	}
	return time.Time{}, 0, false
}

// MarkSACKed records every entry fully contained in one of the peer's
// selective-acknowledgement blocks so retransmission skips it.
func (sw *SendWindow) MarkSACKed(blocks []Block) {
	if len(blocks) == 0 {
		return
	}
	sw.mu.Lock()
	defer sw.mu.Unlock()
	for i := range sw.entries {
		e := &sw.entries[i]
		end := Add(e.seq, e.size)
		for _, b := range blocks {
			if !e.seq.LessThan(b.Start) && end.LessThanEq(b.End) {
				sw.sacked[e.seq] = struct{}{}
				break
			}
		}
	}
}
