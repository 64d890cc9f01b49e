// Package socket implements the connection-oriented reliable transport
// endpoint over a single UDP socket: the eleven-state connection machine,
// the application send/receive paths, the retransmission timer and the
// statistics read-out. One Socket serves one connection; the listening socket
// is the connection after Accept returns (no demultiplexing by peer address).
package socket

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/xid"

	"github.com/mvera/rudp"
	"github.com/mvera/rudp/internal"
	"github.com/mvera/rudp/reno"
)

var (
	errNotBound       = errors.New("socket: not bound")
	errNotListening   = errors.New("socket: not listening")
	errAlreadyOpen    = errors.New("socket: connection already open")
	errConnectTimeout = errors.New("socket: connect timed out")
	errAcceptTimeout  = errors.New("socket: accept timed out")
	errRecvTimeout    = os.ErrDeadlineExceeded
)

// Handshake and teardown timing.
const (
	connectTimeout = 5 * time.Second
	acceptTimeout  = 30 * time.Second
	closeTimeout   = 3 * time.Second
	synRetransmit  = time.Second

	defaultMSL         = time.Second
	defaultRecvTimeout = 5 * time.Second

	rtoInitial = 1000 * time.Millisecond
	rtoMin     = 100 * time.Millisecond
	rtoMax     = 64000 * time.Millisecond

	// maxSegmentRetransmits aborts the connection when a segment stays
	// unacknowledged through this many retransmissions.
	maxSegmentRetransmits = 10
)

// Socket is a reliable transport endpoint. It owns one UDP socket and two
// long-running loops: the receive loop reading and dispatching datagrams and
// the retransmit loop rescanning the send window. Application goroutines call
// the exported methods; every shared structure carries its own mutex.
type Socket struct {
	id  xid.ID
	cfg Config

	pc net.PacketConn

	// mu guards connection state: FSM state, peer address, sequence variables,
	// the peer's advertised window and the retransmission timeout.
	mu        sync.Mutex
	state     rudp.State
	raddr     net.Addr
	localSeq  rudp.Value // next sequence number to assign
	finSeq    rudp.Value // sequence consumed by our FIN, valid once FIN sent
	remoteWnd uint16
	rto       time.Duration

	swnd *rudp.SendWindow
	rwnd *rudp.ReceiveWindow
	cc   *reno.Controller

	// delivery is the application-visible in-order byte queue. The receive
	// loop appends and signals; Recv waits on the condition variable.
	deliverMu   sync.Mutex
	deliverCond *sync.Cond
	delivered   []byte
	peerClosed  bool
	recvTimeout atomic.Int64 // nanoseconds

	stats stats

	running atomic.Bool
	wg      sync.WaitGroup

	log *slog.Logger
}

// New returns a closed endpoint configured by cfg. The zero Config is usable.
func New(cfg Config) *Socket {
	cfg.withDefaults()
	s := &Socket{
		id:    xid.New(),
		cfg:   cfg,
		state: rudp.StateClosed,
		rto:   rtoInitial,
		swnd:  rudp.NewSendWindow(cfg.WindowSize),
		cc:    reno.New(rudp.MSS, cfg.Logger),
		log:   cfg.Logger,
	}
	s.deliverCond = sync.NewCond(&s.deliverMu)
	s.recvTimeout.Store(int64(cfg.RecvTimeout))
	return s
}

// Bind opens the UDP socket on the local port and moves the endpoint into the
// listening posture. Socket creation or bind failure surfaces synchronously.
func (s *Socket) Bind(port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != rudp.StateClosed {
		return errAlreadyOpen
	}
	pc, err := net.ListenPacket("udp", fmt.Sprintf(":%d", port))
	if err != nil {
		return err
	}
	s.pc = pc
	s.state = rudp.StateListen
	s.startLoops()
	s.debug("socket:bind", slog.String("laddr", pc.LocalAddr().String()))
	return nil
}

// Listen validates the listening posture. The backlog is accepted for API
// compatibility; the endpoint serves a single connection.
func (s *Socket) Listen(backlog int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pc == nil {
		return errNotBound
	}
	if s.state != rudp.StateListen {
		return errNotListening
	}
	return nil
}

// Accept blocks until an inbound handshake completes and returns the peer
// address. It fails after 30 seconds without an established connection.
func (s *Socket) Accept() (net.Addr, error) {
	if s.pc == nil {
		return nil, errNotBound
	}
	deadline := time.Now().Add(acceptTimeout)
	backoff := internal.NewBackoff(internal.SendPollInterval)
	for {
		s.mu.Lock()
		st, raddr := s.state, s.raddr
		s.mu.Unlock()
		if st == rudp.StateEstablished {
			s.debug("socket:accept", slog.String("raddr", raddr.String()))
			return raddr, nil
		}
		if st == rudp.StateClosed {
			return nil, net.ErrClosed
		}
		if time.Now().After(deadline) {
			return nil, errAcceptTimeout
		}
		backoff.Miss()
	}
}

// Connect performs the active open towards remote ip:port. The SYN is
// retransmitted every second; the call fails after 5 seconds without an
// established connection.
func (s *Socket) Connect(ip string, port int) error {
	raddr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", ip, port))
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.state != rudp.StateClosed {
		s.mu.Unlock()
		return errAlreadyOpen
	}
	if s.pc == nil {
		pc, err := net.ListenPacket("udp", ":0")
		if err != nil {
			s.mu.Unlock()
			return err
		}
		s.pc = pc
	}
	iss := rudp.Value(internal.Prand32(uint32(time.Now().UnixNano())))
	s.raddr = raddr
	s.localSeq = iss + 1 // SYN consumes one sequence number.
	s.state = rudp.StateSynSent
	syn := rudp.NewSYN(iss, s.advertisedWindow())
	s.startLoops()
	s.mu.Unlock()

	s.transmit(syn, raddr)
	s.debug("socket:connect", slog.String("raddr", raddr.String()), slog.Uint64("iss", uint64(iss)))

	deadline := time.Now().Add(connectTimeout)
	lastSyn := time.Now()
	backoff := internal.NewBackoff(internal.SendPollInterval)
	for {
		s.mu.Lock()
		st := s.state
		s.mu.Unlock()
		switch st {
		case rudp.StateEstablished:
			return nil
		case rudp.StateClosed:
			return net.ErrClosed
		}
		if time.Now().After(deadline) {
			s.teardown()
			return errConnectTimeout
		}
		if time.Since(lastSyn) > synRetransmit {
			s.transmit(syn, raddr)
			s.stats.addRetransmitted(1)
			lastSyn = time.Now()
		}
		backoff.Miss()
	}
}

// Send accepts data for reliable in-order delivery, segmenting it internally.
// It blocks while the send window is full, polling every 10 ms, and returns
// the number of bytes accepted. If the connection closes mid-transfer the
// accepted count may be short and the error is net.ErrClosed.
func (s *Socket) Send(data []byte) (int, error) {
	n := 0
	for len(data) > 0 {
		chunk := data
		if len(chunk) > rudp.MSS {
			chunk = chunk[:rudp.MSS]
		}
		if err := s.enqueue(chunk); err != nil {
			return n, err
		}
		n += len(chunk)
		data = data[len(chunk):]
	}
	s.pump()
	return n, nil
}

// enqueue blocks until the send window admits one segment of payload.
func (s *Socket) enqueue(payload []byte) error {
	for {
		s.mu.Lock()
		st := s.state
		if !st.CanTransferData() {
			s.mu.Unlock()
			if st == rudp.StateClosed || st.IsClosing() {
				return net.ErrClosed
			}
			return errNotListening
		}
		seq := s.localSeq
		ack := s.expectedSeq()
		wnd := s.advertisedWindow()
		pkt := rudp.NewData(seq, ack, wnd, payload)
		err := s.swnd.Add(pkt, seq)
		if err == nil {
			s.localSeq = rudp.Add(s.localSeq, rudp.Size(len(payload)))
			s.mu.Unlock()
			s.pump()
			return nil
		}
		s.mu.Unlock()
		if err != rudp.ErrWindowFull {
			return err
		}
		time.Sleep(internal.SendPollInterval)
	}
}

// Recv copies in-order received bytes into buf, waiting on the delivery queue
// condition variable until data arrives or the receive timeout elapses.
// It returns 0 with io.EOF once the peer has closed and the queue is drained.
func (s *Socket) Recv(buf []byte) (int, error) {
	timeout := time.Duration(s.recvTimeout.Load())
	deadline := time.Now().Add(timeout)
	wake := time.AfterFunc(timeout, s.deliverCond.Broadcast)
	defer wake.Stop()

	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	for len(s.delivered) == 0 {
		if s.peerClosed {
			return 0, io.EOF
		}
		s.mu.Lock()
		st := s.state
		s.mu.Unlock()
		if st == rudp.StateClosed {
			return 0, io.EOF
		}
		if !time.Now().Before(deadline) {
			return 0, errRecvTimeout
		}
		s.deliverCond.Wait()
	}
	n := copy(buf, s.delivered)
	s.delivered = s.delivered[:copy(s.delivered, s.delivered[n:])]
	return n, nil
}

// SetRecvTimeout adjusts how long Recv waits for data before failing.
func (s *Socket) SetRecvTimeout(d time.Duration) {
	if d <= 0 {
		d = defaultRecvTimeout
	}
	s.recvTimeout.Store(int64(d))
}

// Close walks the connection machine through teardown: FIN from ESTABLISHED or
// CLOSE-WAIT, then waits up to 3 seconds for the machine to reach CLOSED
// before forcing teardown. It joins both loops before returning.
func (s *Socket) Close() error {
	s.mu.Lock()
	st := s.state
	switch st {
	case rudp.StateClosed:
		s.mu.Unlock()
		return nil
	case rudp.StateListen, rudp.StateSynSent, rudp.StateSynRcvd:
		s.mu.Unlock()
		s.teardown()
		return nil
	case rudp.StateEstablished, rudp.StateCloseWait:
		fin := rudp.NewFIN(s.localSeq, s.expectedSeq(), s.advertisedWindow())
		s.finSeq = s.localSeq
		s.localSeq++ // FIN consumes one sequence number.
		if st == rudp.StateEstablished {
			s.setStateLocked(rudp.StateFinWait1)
		} else {
			s.setStateLocked(rudp.StateLastAck)
		}
		raddr := s.raddr
		// Track the FIN in the send window so the retransmit timer covers it.
		tracked := s.swnd.Add(fin, s.finSeq) == nil
		s.mu.Unlock()
		if tracked {
			// Flush remaining queued segments; the FIN goes out last.
			for {
				pkt, _, ok := s.swnd.NextUnsent(time.Now())
				if !ok {
					break
				}
				s.transmit(pkt, raddr)
			}
		} else {
			s.transmit(fin, raddr)
		}
	default:
		s.mu.Unlock()
	}

	deadline := time.Now().Add(closeTimeout)
	backoff := internal.NewBackoff(internal.SendPollInterval)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		done := s.state == rudp.StateClosed
		s.mu.Unlock()
		if done {
			break
		}
		backoff.Miss()
	}
	// Teardown past the grace period is an abort; tell the peer.
	s.mu.Lock()
	forced := s.state != rudp.StateClosed && s.state != rudp.StateTimeWait
	raddr := s.raddr
	seq, ack := s.localSeq, s.expectedSeq()
	s.mu.Unlock()
	if forced && raddr != nil {
		s.transmit(rudp.NewRST(seq, ack), raddr)
	}
	s.teardown()
	return nil
}

// Abort sends RST to the peer and tears the connection down immediately.
func (s *Socket) Abort() {
	s.mu.Lock()
	raddr := s.raddr
	seq, ack := s.localSeq, s.expectedSeq()
	open := s.state.IsSynchronized() && raddr != nil
	s.mu.Unlock()
	if open {
		s.transmit(rudp.NewRST(seq, ack), raddr)
	}
	s.teardown()
}

// State returns the connection machine state.
func (s *Socket) State() rudp.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// StateName returns the connection machine state as a string.
func (s *Socket) StateName() string { return s.State().String() }

// LocalAddr returns the bound UDP address, nil before Bind/Connect.
func (s *Socket) LocalAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pc == nil {
		return nil
	}
	return s.pc.LocalAddr()
}

// RemoteAddr returns the peer address, nil before the handshake.
func (s *Socket) RemoteAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.raddr
}

// Stats returns a snapshot of the endpoint counters.
func (s *Socket) Stats() Statistics { return s.stats.snapshot() }

// ID returns the endpoint identifier used in logs and metric labels.
func (s *Socket) ID() string { return s.id.String() }

// startLoops must be called with s.mu held and the UDP socket open.
func (s *Socket) startLoops() {
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	s.stats.start()
	s.wg.Add(2)
	go s.recvLoop()
	go s.retransmitLoop()
}

// teardown stops both loops, closes the socket and resets both windows and
// the congestion controller, leaving the endpoint CLOSED. Bytes already in
// the delivery queue are kept, so Recv drains them before reporting io.EOF.
// It is idempotent.
func (s *Socket) teardown() {
	s.mu.Lock()
	wasRunning := s.running.CompareAndSwap(true, false)
	if s.pc != nil && wasRunning {
		s.pc.Close()
	}
	s.setStateLocked(rudp.StateClosed)
	s.raddr = nil
	s.swnd.Reset()
	if s.rwnd != nil {
		s.rwnd.Reset(0)
	}
	s.cc.Reset()
	s.rto = rtoInitial
	s.mu.Unlock()
	if wasRunning {
		s.wg.Wait()
	}
	s.deliverMu.Lock()
	s.peerClosed = true
	s.deliverMu.Unlock()
	s.deliverCond.Broadcast()
	s.debug("socket:teardown")
}

// setStateLocked transitions the machine, logging the edge. Caller holds s.mu.
func (s *Socket) setStateLocked(next rudp.State) {
	if s.state == next {
		return
	}
	s.trace("socket:state", slog.String("from", s.state.String()), slog.String("to", next.String()))
	s.state = next
}

// expectedSeq returns the next sequence number expected from the peer, zero
// before the handshake delivers the peer's initial sequence number.
func (s *Socket) expectedSeq() rudp.Value {
	if s.rwnd == nil {
		return 0
	}
	return s.rwnd.Expected()
}

// advertisedWindow is the receive window space in segments offered to the peer.
func (s *Socket) advertisedWindow() uint16 {
	if s.rwnd == nil {
		return uint16(s.cfg.WindowSize)
	}
	free := s.cfg.WindowSize - s.rwnd.Len()
	if free < 0 {
		free = 0
	}
	return uint16(free)
}

// transmit writes one packet to the peer, accounting statistics.
func (s *Socket) transmit(pkt []byte, raddr net.Addr) {
	if raddr == nil {
		return
	}
	if _, err := s.pc.WriteTo(pkt, raddr); err != nil {
		s.warn("socket:write", slog.String("err", err.Error()))
		return
	}
	frm, _ := rudp.NewFrame(pkt)
	s.stats.addSent(1, int(frm.PayloadLength()), frm.Flags().HasAny(rudp.FlagDATA))
	if internal.LogEnabled(s.log, internal.LevelTrace) {
		s.trace("socket:tx", slog.String("pkt", frm.String()))
	}
}
