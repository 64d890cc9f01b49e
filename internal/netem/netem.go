// Package netem wraps a net.PacketConn with deterministic network impairments
// for exercising the transport: probabilistic loss, duplication, corruption and
// reordering, plus scripted per-datagram faults for reproducible scenarios.
// Impairments apply to outgoing datagrams only.
package netem

import (
	"math/rand"
	"net"
	"sync"
)

// Config selects the impairments applied by a Conn. Probabilistic knobs are in
// [0, 1]; scripted knobs name 1-based positions in the outgoing datagram
// sequence. DropNth, CorruptNth and SwapNth fire exactly once; DropAfter
// applies to every datagram past its position.
type Config struct {
	Seed int64

	LossRate    float64
	DupRate     float64
	CorruptRate float64
	// ReorderRate is the probability an outgoing datagram is held back and
	// emitted after its successor.
	ReorderRate float64

	// DropNth drops exactly the Nth outgoing datagram.
	DropNth int
	// DropAfter drops every outgoing datagram past the Nth, simulating a dead
	// downstream path.
	DropAfter int
	// CorruptNth flips one payload bit of the Nth outgoing datagram.
	CorruptNth int
	// SwapNth emits the Nth outgoing datagram after the N+1th.
	SwapNth int
}

// Conn impairs datagrams written through it. Reads pass through untouched.
type Conn struct {
	net.PacketConn

	mu   sync.Mutex
	cfg  Config
	rng  *rand.Rand
	sent int
	// held is a datagram delayed for reordering, emitted after the next write.
	held     []byte
	heldAddr net.Addr

	dropped   int
	corrupted int
}

// New returns a Conn impairing writes to pc according to cfg.
func New(pc net.PacketConn, cfg Config) *Conn {
	return &Conn{
		PacketConn: pc,
		cfg:        cfg,
		rng:        rand.New(rand.NewSource(cfg.Seed)),
	}
}

// Dropped returns the number of datagrams discarded so far.
func (c *Conn) Dropped() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// Corrupted returns the number of datagrams bit-flipped so far.
func (c *Conn) Corrupted() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.corrupted
}

// WriteTo applies the configured impairments to p before handing it to the
// wrapped conn. Dropped and held-back datagrams report a full successful
// write; an error from the wrapped conn's write of p itself is returned with
// a zero count.
func (c *Conn) WriteTo(p []byte, addr net.Addr) (int, error) {
	c.mu.Lock()
	c.sent++
	n := c.sent

	drop := n == c.cfg.DropNth ||
		(c.cfg.DropAfter > 0 && n > c.cfg.DropAfter) ||
		c.rng.Float64() < c.cfg.LossRate
	if drop {
		c.dropped++
		held, heldAddr := c.takeHeld()
		c.mu.Unlock()
		if held != nil {
			c.PacketConn.WriteTo(held, heldAddr)
		}
		return len(p), nil
	}

	var buf []byte
	if n == c.cfg.CorruptNth || c.rng.Float64() < c.cfg.CorruptRate {
		buf = append([]byte(nil), p...)
		bit := c.rng.Intn(len(buf) * 8)
		buf[bit/8] ^= 1 << (bit % 8)
		c.corrupted++
	} else {
		buf = append([]byte(nil), p...)
	}

	dup := c.rng.Float64() < c.cfg.DupRate
	hold := n == c.cfg.SwapNth || c.rng.Float64() < c.cfg.ReorderRate
	if hold && c.held == nil {
		c.held = buf
		c.heldAddr = addr
		c.mu.Unlock()
		return len(p), nil
	}
	held, heldAddr := c.takeHeld()
	c.mu.Unlock()

	if _, err := c.PacketConn.WriteTo(buf, addr); err != nil {
		return 0, err
	}
	if dup {
		c.PacketConn.WriteTo(buf, addr)
	}
	if held != nil {
		c.PacketConn.WriteTo(held, heldAddr)
	}
	return len(p), nil
}

// takeHeld must be called with the mutex held.
func (c *Conn) takeHeld() ([]byte, net.Addr) {
	held, addr := c.held, c.heldAddr
	c.held, c.heldAddr = nil, nil
	return held, addr
}
