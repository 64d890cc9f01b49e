package socket

import (
	"log/slog"
	"time"

	"github.com/mvera/rudp"
	"github.com/mvera/rudp/internal"
)

// retransmitLoop wakes every 10 ms to rescan the send window. Segments whose
// time since last send exceeds the current retransmission timeout are
// re-emitted and reported to the congestion controller as timeouts. The scan
// also covers the teardown states so a lost FIN is recovered.
func (s *Socket) retransmitLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(internal.RetransmitInterval)
	defer ticker.Stop()
	for s.running.Load() {
		<-ticker.C
		s.mu.Lock()
		st := s.state
		rto := s.rto
		raddr := s.raddr
		s.mu.Unlock()
		if !st.IsSynchronized() || st == rudp.StateTimeWait || raddr == nil {
			continue
		}
		now := time.Now()
		for {
			pkt, seq, ok := s.swnd.NextRetransmit(now, rto)
			if !ok {
				break
			}
			if _, rtx, ok := s.swnd.SentAt(seq); ok && rtx > maxSegmentRetransmits {
				s.warn("socket:giving-up", slog.Uint64("seq", uint64(seq)), slog.Int("retransmits", rtx))
				go s.teardown()
				return
			}
			s.transmit(pkt, raddr)
			s.stats.addRetransmitted(1)
			s.cc.OnTimeout()
			s.debug("socket:retransmit", slog.Uint64("seq", uint64(seq)), slog.Duration("rto", rto))
		}
		s.pump()
	}
}

// pump emits queued-but-unsent segments while the in-flight byte count stays
// under the effective window, the minimum of the congestion window and the
// peer's advertised receive window.
func (s *Socket) pump() {
	s.mu.Lock()
	st := s.state
	raddr := s.raddr
	remoteWnd := s.remoteWnd
	s.mu.Unlock()
	if !st.CanTransferData() && st != rudp.StateFinWait1 && st != rudp.StateLastAck {
		return
	}
	now := time.Now()
	for {
		eff := int(s.cc.EffectiveWindow(remoteWnd))
		if s.swnd.InFlightBytes() >= eff {
			return
		}
		pkt, _, ok := s.swnd.NextUnsent(now)
		if !ok {
			return
		}
		s.transmit(pkt, raddr)
	}
}

// updateRTO folds a round-trip sample into the retransmission timeout using
// the clamped double-RTT shortcut.
func (s *Socket) updateRTO(sample time.Duration) {
	rto := 2 * sample
	if rto < rtoMin {
		rto = rtoMin
	} else if rto > rtoMax {
		rto = rtoMax
	}
	s.mu.Lock()
	s.rto = rto
	s.mu.Unlock()
}
