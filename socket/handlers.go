package socket

import (
	"log/slog"
	"net"
	"time"

	"github.com/mvera/rudp"
	"github.com/mvera/rudp/internal"
)

// recvLoop blocks on the UDP socket with a short read timeout so shutdown is
// observed promptly, decodes and validates each datagram and dispatches it to
// the state handlers. It is the single producer of network-side mutations.
func (s *Socket) recvLoop() {
	defer s.wg.Done()
	buf := make([]byte, rudp.MaxPacketSize)
	for s.running.Load() {
		s.pc.SetReadDeadline(time.Now().Add(internal.SocketReadTimeout))
		n, from, err := s.pc.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if !s.running.Load() {
				return
			}
			s.warn("socket:read", slog.String("err", err.Error()))
			continue
		}
		s.dispatch(buf[:n], from)
	}
}

// dispatch validates one datagram and hands it to the appropriate handler.
// Wire-integrity failures are dropped silently with only a counter increment;
// state violations are logged and dropped.
func (s *Socket) dispatch(datagram []byte, from net.Addr) {
	frm, err := rudp.NewFrame(datagram)
	if err != nil {
		s.stats.addDropped(1)
		return
	}
	if err := frm.ValidateSize(); err != nil {
		s.stats.addDropped(1)
		return
	}
	if !frm.ValidateChecksum() {
		s.stats.addDropped(1)
		s.trace("socket:rx-badcrc", slog.Int("len", len(datagram)))
		return
	}

	s.mu.Lock()
	raddr := s.raddr
	s.mu.Unlock()
	if raddr != nil && raddr.String() != from.String() {
		// Single-connection endpoint: foreign peers are ignored.
		s.stats.addDropped(1)
		return
	}

	s.stats.addReceived(1, int(frm.PayloadLength()), frm.Flags().HasAny(rudp.FlagDATA))
	if internal.LogEnabled(s.log, internal.LevelTrace) {
		s.trace("socket:rx", slog.String("pkt", frm.String()))
	}

	flags := frm.Flags()
	if flags.HasAny(rudp.FlagACK) && !flags.HasAny(rudp.FlagSYN) {
		// Any acknowledgement completes a pending passive open, including one
		// carried by data when the lone handshake ACK was lost.
		s.maybeCompleteHandshake()
	}
	switch {
	case flags.HasAny(rudp.FlagRST):
		s.handleRST()
	case flags.HasAll(rudp.FlagSYN | rudp.FlagACK):
		s.handleSYNACK(frm)
	case flags.HasAny(rudp.FlagSYN):
		s.handleSYN(frm, from)
	case flags.HasAny(rudp.FlagFIN):
		s.handleACKField(frm)
		s.handleFIN(frm)
	case flags.HasAny(rudp.FlagDATA):
		s.handleACKField(frm)
		s.handleData(frm)
	case flags.HasAny(rudp.FlagACK):
		s.handleACKField(frm)
	default:
		s.warnViolation("no flags", frm)
	}
}

// handleSYN performs the passive open. SYN is accepted only in LISTEN;
// anywhere else it is a protocol violation. A retransmitted SYN from the
// current peer in SYN-RECEIVED re-emits the SYN+ACK.
func (s *Socket) handleSYN(frm rudp.Frame, from net.Addr) {
	s.mu.Lock()
	switch s.state {
	case rudp.StateListen:
		irs := frm.Seq()
		s.raddr = from
		s.remoteWnd = frm.WindowSize()
		s.rwnd = rudp.NewReceiveWindow(s.cfg.WindowSize, irs+1)
		iss := rudp.Value(internal.Prand32(uint32(time.Now().UnixNano()) | 1))
		s.localSeq = iss + 1 // SYN+ACK consumes one sequence number.
		s.setStateLocked(rudp.StateSynRcvd)
		pkt := rudp.NewSYNACK(iss, irs+1, s.advertisedWindow())
		raddr := s.raddr
		s.mu.Unlock()
		s.transmit(pkt, raddr)
		s.debug("socket:syn-rcvd", slog.String("raddr", from.String()), slog.Uint64("irs", uint64(irs)))
	case rudp.StateSynRcvd:
		// Our SYN+ACK was lost; answer the retransmitted SYN.
		iss := s.localSeq - 1
		pkt := rudp.NewSYNACK(iss, s.expectedSeq(), s.advertisedWindow())
		raddr := s.raddr
		s.mu.Unlock()
		s.transmit(pkt, raddr)
	default:
		st := s.state
		s.mu.Unlock()
		s.warnViolation("SYN in "+st.String(), frm)
	}
}

// handleSYNACK completes the active open. Accepted only in SYN-SENT.
func (s *Socket) handleSYNACK(frm rudp.Frame) {
	s.mu.Lock()
	if s.state != rudp.StateSynSent {
		st := s.state
		s.mu.Unlock()
		if st == rudp.StateEstablished {
			// Our handshake ACK was lost; repeat it.
			s.mu.Lock()
			pkt := rudp.NewACK(s.localSeq, s.expectedSeq(), s.advertisedWindow(), nil)
			raddr := s.raddr
			s.mu.Unlock()
			s.transmit(pkt, raddr)
			return
		}
		s.warnViolation("SYN+ACK in "+st.String(), frm)
		return
	}
	irs := frm.Seq()
	s.remoteWnd = frm.WindowSize()
	s.rwnd = rudp.NewReceiveWindow(s.cfg.WindowSize, irs+1)
	s.setStateLocked(rudp.StateEstablished)
	s.cc.SeedAck(s.localSeq)
	pkt := rudp.NewACK(s.localSeq, irs+1, s.advertisedWindow(), nil)
	raddr := s.raddr
	s.mu.Unlock()
	s.transmit(pkt, raddr)
	s.debug("socket:established", slog.Uint64("irs", uint64(irs)))
}

// maybeCompleteHandshake promotes SYN-RECEIVED to ESTABLISHED on the
// handshake acknowledgement.
func (s *Socket) maybeCompleteHandshake() {
	s.mu.Lock()
	if s.state == rudp.StateSynRcvd {
		s.setStateLocked(rudp.StateEstablished)
		s.cc.SeedAck(s.localSeq)
	}
	s.mu.Unlock()
}

// handleACKField processes the cumulative acknowledgement and selective-ack
// payload carried by any ACK-flagged packet: it acknowledges and slides the
// send window, samples the round-trip for the retransmission timeout, drives
// the congestion controller and performs the fast retransmit it requests, and
// walks the teardown edges acknowledging our FIN.
func (s *Socket) handleACKField(frm rudp.Frame) {
	if !frm.Flags().HasAny(rudp.FlagACK) {
		return
	}
	ack := frm.Ack()
	now := time.Now()

	s.mu.Lock()
	s.remoteWnd = frm.WindowSize()
	finSent := s.state == rudp.StateFinWait1 || s.state == rudp.StateClosing ||
		s.state == rudp.StateLastAck
	finAcked := finSent && s.finSeq.LessThan(ack)
	s.mu.Unlock()

	hadOutstanding := s.swnd.Len() > 0
	acked, sample, sampleOK := s.swnd.AckThrough(ack, now)
	if acked > 0 {
		s.swnd.Slide()
		if sampleOK {
			s.updateRTO(sample)
		}
	}
	if !frm.Flags().HasAny(rudp.FlagDATA) {
		if blocks, err := rudp.ParseBlocks(frm.Payload()); err == nil && len(blocks) > 0 {
			s.swnd.MarkSACKed(blocks)
		}
	}

	// Duplicate-ack accounting is only meaningful with data outstanding;
	// acknowledgements on an idle window would otherwise count as duplicates.
	if hadOutstanding && s.cc.OnAck(ack) {
		// Third duplicate acknowledgement: fast retransmit of the lowest
		// unacked segment before the timer fires.
		if pkt, seq, ok := s.swnd.OldestUnacked(now); ok {
			s.mu.Lock()
			raddr := s.raddr
			s.mu.Unlock()
			s.transmit(pkt, raddr)
			s.stats.addRetransmitted(1)
			s.debug("socket:fast-retransmit", slog.Uint64("seq", uint64(seq)))
		}
	}

	if finAcked {
		s.mu.Lock()
		switch s.state {
		case rudp.StateFinWait1:
			s.setStateLocked(rudp.StateFinWait2)
		case rudp.StateClosing:
			s.enterTimeWaitLocked()
		case rudp.StateLastAck:
			s.setStateLocked(rudp.StateClosed)
		}
		s.mu.Unlock()
	}
	// Acknowledgements may have opened the window for queued segments.
	s.pump()
}

// handleData admits payload into the receive window, drains the contiguous
// prefix into the application delivery queue and answers with a cumulative
// acknowledgement carrying selective-ack blocks for buffered ranges.
func (s *Socket) handleData(frm rudp.Frame) {
	s.mu.Lock()
	st := s.state
	rwnd := s.rwnd
	s.mu.Unlock()
	if rwnd == nil || !(st == rudp.StateEstablished || st == rudp.StateFinWait1 || st == rudp.StateFinWait2) {
		s.warnViolation("DATA in "+st.String(), frm)
		return
	}

	pkt := append([]byte(nil), frm.RawData()...)
	err := rwnd.Add(pkt, frm.Seq())
	switch err {
	case nil:
	case rudp.ErrDuplicateSeq, rudp.ErrSeqOutOfWindow:
		// Duplicate of delivered or buffered data: the acknowledgement below
		// tells the peer where we stand.
	default:
		s.stats.addDropped(1)
		return
	}

	delivered := false
	for {
		payload, ok := rwnd.TakeDeliverable()
		if !ok {
			break
		}
		s.deliverMu.Lock()
		s.delivered = append(s.delivered, payload...)
		s.deliverMu.Unlock()
		delivered = true
	}
	if delivered {
		s.deliverCond.Broadcast()
	}

	var sackPayload []byte
	if blocks := rwnd.Blocks(rudp.MaxSACKBlocks); len(blocks) > 0 {
		sackPayload = rudp.AppendBlocks(nil, blocks)
	}
	s.mu.Lock()
	ackPkt := rudp.NewACK(s.localSeq, rwnd.Expected(), s.advertisedWindow(), sackPayload)
	raddr := s.raddr
	s.mu.Unlock()
	s.transmit(ackPkt, raddr)
}

// handleFIN walks the teardown edges driven by the peer's FIN.
func (s *Socket) handleFIN(frm rudp.Frame) {
	s.mu.Lock()
	st := s.state
	if s.rwnd == nil {
		s.mu.Unlock()
		s.warnViolation("FIN in "+st.String(), frm)
		return
	}
	// The FIN consumes one sequence number. A FIN arriving ahead of missing
	// data is only re-acknowledged; the peer retransmits the gap and the FIN.
	finSeq := frm.Seq()
	expected := s.rwnd.Expected()
	if finSeq != expected && !st.IsClosing() && st != rudp.StateCloseWait {
		ackPkt := rudp.NewACK(s.localSeq, expected, s.advertisedWindow(), nil)
		raddr := s.raddr
		s.mu.Unlock()
		s.transmit(ackPkt, raddr)
		return
	}
	if finSeq == expected {
		s.rwnd.Reset(expected + 1)
	}
	ackPkt := rudp.NewACK(s.localSeq, s.rwnd.Expected(), s.advertisedWindow(), nil)
	raddr := s.raddr
	switch st {
	case rudp.StateEstablished:
		s.setStateLocked(rudp.StateCloseWait)
	case rudp.StateFinWait1:
		s.setStateLocked(rudp.StateClosing)
	case rudp.StateFinWait2:
		s.enterTimeWaitLocked()
	case rudp.StateCloseWait, rudp.StateClosing, rudp.StateTimeWait:
		// Retransmitted FIN: re-acknowledge only.
	default:
		s.mu.Unlock()
		s.warnViolation("FIN in "+st.String(), frm)
		return
	}
	s.mu.Unlock()
	s.transmit(ackPkt, raddr)

	// Unblock any receiver: after draining it observes the closed stream.
	s.deliverMu.Lock()
	s.peerClosed = true
	s.deliverMu.Unlock()
	s.deliverCond.Broadcast()
	s.debug("socket:fin-rcvd", slog.String("state", s.State().String()))
}

// handleRST aborts the connection unconditionally.
func (s *Socket) handleRST() {
	s.debug("socket:rst-rcvd")
	go s.teardown() // teardown joins the receive loop; do not deadlock it.
}

// enterTimeWaitLocked arms the 2·MSL timer completing the teardown.
// Caller holds s.mu.
func (s *Socket) enterTimeWaitLocked() {
	s.setStateLocked(rudp.StateTimeWait)
	time.AfterFunc(2*s.cfg.MSL, func() {
		s.mu.Lock()
		if s.state == rudp.StateTimeWait {
			s.setStateLocked(rudp.StateClosed)
		}
		s.mu.Unlock()
	})
}

func (s *Socket) warnViolation(what string, frm rudp.Frame) {
	s.warn("socket:protocol-violation", slog.String("what", what), slog.String("pkt", frm.String()))
}
