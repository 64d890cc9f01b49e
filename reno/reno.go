// Package reno implements the RENO congestion control algorithm: slow start,
// congestion avoidance, fast retransmit and fast recovery. The controller
// tracks the congestion window in octets and is driven by acknowledgement and
// timeout events reported by the transport endpoint.
package reno

import (
	"log/slog"
	"sync"

	"github.com/mvera/rudp"
	"github.com/mvera/rudp/internal"
)

// Phase enumerates the controller's operating regimes.
type Phase uint8

const (
	SlowStart Phase = iota
	CongestionAvoidance
	FastRecovery
)

func (p Phase) String() string {
	switch p {
	case SlowStart:
		return "slow-start"
	case CongestionAvoidance:
		return "congestion-avoidance"
	case FastRecovery:
		return "fast-recovery"
	}
	return "unknown"
}

// Controller holds RENO congestion state. Every transition is an atomic update
// of the state tuple under a single mutex. The zero value is not ready to use;
// call New.
type Controller struct {
	mu       sync.Mutex
	mss      uint32
	cwnd     uint32 // congestion window, octets
	ssthresh uint32 // slow start threshold, octets
	phase    Phase
	// ackAccum counts acknowledgements within the current window during
	// congestion avoidance; cwnd grows one MSS per cwnd/mss acks (~1 MSS/RTT).
	ackAccum uint32
	dupAcks  int
	lastAck  rudp.Value
	log      *slog.Logger
}

// New returns a controller with cwnd = 1 MSS and ssthresh = 16 MSS in the
// slow start phase. A nil logger disables logging.
func New(mss uint32, logger *slog.Logger) *Controller {
	if mss == 0 {
		mss = rudp.MSS
	}
	return &Controller{
		mss:      mss,
		cwnd:     mss,
		ssthresh: 16 * mss,
		phase:    SlowStart,
		log:      logger,
	}
}

// Reset restores the controller to its initial state.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cwnd = c.mss
	c.ssthresh = 16 * c.mss
	c.phase = SlowStart
	c.ackAccum = 0
	c.dupAcks = 0
	c.lastAck = 0
}

// SeedAck establishes the acknowledgement baseline once the connection
// synchronizes, so duplicate detection starts from the initial sequence number.
func (c *Controller) SeedAck(ack rudp.Value) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastAck = ack
	c.dupAcks = 0
}

// OnAck processes a cumulative acknowledgement. fastRetransmit is true on the
// third duplicate acknowledgement: the caller must retransmit the lowest
// unacked segment immediately.
func (c *Controller) OnAck(ack rudp.Value) (fastRetransmit bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastAck.LessThan(ack) {
		c.onNewAck(ack)
		return false
	}
	if ack != c.lastAck {
		return false // Ack below lastAck: stale, ignore.
	}
	c.dupAcks++
	if c.dupAcks == 3 && c.phase != FastRecovery {
		// Fast retransmit: halve the pipe estimate and inflate by the three
		// segments known to have left the network.
		c.ssthresh = max(2*c.mss, c.cwnd/2)
		c.cwnd = c.ssthresh + 3*c.mss
		c.phase = FastRecovery
		c.logattrs(slog.LevelDebug, "reno:fast-retransmit",
			slog.Uint64("cwnd", uint64(c.cwnd)), slog.Uint64("ssthresh", uint64(c.ssthresh)))
		return true
	}
	if c.phase == FastRecovery {
		// Each further duplicate signals another segment has left the network.
		c.cwnd += c.mss
	}
	return false
}

// onNewAck must be called with the mutex held.
func (c *Controller) onNewAck(ack rudp.Value) {
	c.dupAcks = 0
	c.lastAck = ack
	if c.phase == FastRecovery {
		// Deflate back to the threshold on the acknowledgement of new data.
		c.cwnd = c.ssthresh
		c.phase = CongestionAvoidance
		c.ackAccum = 0
		c.logattrs(slog.LevelDebug, "reno:exit-fast-recovery", slog.Uint64("cwnd", uint64(c.cwnd)))
		return
	}
	switch c.phase {
	case SlowStart:
		c.cwnd += c.mss
		if c.cwnd >= c.ssthresh {
			c.phase = CongestionAvoidance
			c.ackAccum = 0
			c.logattrs(slog.LevelDebug, "reno:enter-congestion-avoidance",
				slog.Uint64("cwnd", uint64(c.cwnd)))
		}
	case CongestionAvoidance:
		c.ackAccum++
		if c.ackAccum >= c.cwnd/c.mss {
			c.cwnd += c.mss
			c.ackAccum = 0
		}
	}
}

// OnTimeout processes a retransmission timeout: the threshold halves, the
// window collapses to one MSS and the controller re-enters slow start.
func (c *Controller) OnTimeout() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ssthresh = max(2*c.mss, c.cwnd/2)
	c.cwnd = c.mss
	c.ackAccum = 0
	c.dupAcks = 0
	c.phase = SlowStart
	c.logattrs(slog.LevelDebug, "reno:timeout",
		slog.Uint64("cwnd", uint64(c.cwnd)), slog.Uint64("ssthresh", uint64(c.ssthresh)))
}

// Window returns the congestion window in octets.
func (c *Controller) Window() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cwnd
}

// Ssthresh returns the slow start threshold in octets.
func (c *Controller) Ssthresh() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ssthresh
}

// Phase returns the current operating regime.
func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// EffectiveWindow returns the octets the sender may keep in flight given the
// peer's advertised receive window in segments.
func (c *Controller) EffectiveWindow(remoteWnd uint16) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	flow := uint32(remoteWnd) * c.mss
	return min(c.cwnd, flow)
}

func (c *Controller) logattrs(lvl slog.Level, msg string, attrs ...slog.Attr) {
	internal.LogAttrs(c.log, lvl, msg, attrs...)
}
