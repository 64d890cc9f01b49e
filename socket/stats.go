package socket

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Statistics is a snapshot of the endpoint counters. AverageThroughput is
// payload bytes sent per second since the loops started.
type Statistics struct {
	BytesSent            uint64
	BytesReceived        uint64
	PacketsSent          uint64
	PacketsReceived      uint64
	PacketsRetransmitted uint64
	PacketsDropped       uint64
	AverageThroughput    float64
}

// stats accumulates endpoint counters under a private mutex; every update is
// an increment.
type stats struct {
	mu            sync.Mutex
	startedAt     time.Time
	bytesSent     uint64
	bytesRecv     uint64
	pktsSent      uint64
	pktsRecv      uint64
	retransmitted uint64
	dropped       uint64
}

func (st *stats) start() {
	st.mu.Lock()
	if st.startedAt.IsZero() {
		st.startedAt = time.Now()
	}
	st.mu.Unlock()
}

func (st *stats) addSent(pkts, payloadBytes int, isData bool) {
	st.mu.Lock()
	st.pktsSent += uint64(pkts)
	if isData {
		st.bytesSent += uint64(payloadBytes)
	}
	st.mu.Unlock()
}

func (st *stats) addReceived(pkts, payloadBytes int, isData bool) {
	st.mu.Lock()
	st.pktsRecv += uint64(pkts)
	if isData {
		st.bytesRecv += uint64(payloadBytes)
	}
	st.mu.Unlock()
}

func (st *stats) addRetransmitted(n int) {
	st.mu.Lock()
	st.retransmitted += uint64(n)
	st.mu.Unlock()
}

func (st *stats) addDropped(n int) {
	st.mu.Lock()
	st.dropped += uint64(n)
	st.mu.Unlock()
}

func (st *stats) snapshot() Statistics {
	st.mu.Lock()
	defer st.mu.Unlock()
	snap := Statistics{
		BytesSent:            st.bytesSent,
		BytesReceived:        st.bytesRecv,
		PacketsSent:          st.pktsSent,
		PacketsReceived:      st.pktsRecv,
		PacketsRetransmitted: st.retransmitted,
		PacketsDropped:       st.dropped,
	}
	if !st.startedAt.IsZero() {
		if elapsed := time.Since(st.startedAt).Seconds(); elapsed > 0 {
			snap.AverageThroughput = float64(st.bytesSent) / elapsed
		}
	}
	return snap
}

// Collector exposes a socket's counters as prometheus metrics labelled with
// the endpoint id.
type Collector struct {
	socket *Socket

	bytesSent     *prometheus.Desc
	bytesRecv     *prometheus.Desc
	pktsSent      *prometheus.Desc
	pktsRecv      *prometheus.Desc
	retransmitted *prometheus.Desc
	dropped       *prometheus.Desc
	throughput    *prometheus.Desc
}

// NewCollector returns a prometheus collector reading s's statistics. The
// prefix namespaces the metric names, e.g. "rudp".
func NewCollector(s *Socket, prefix string) *Collector {
	labels := []string{"endpoint"}
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(prefix, "", name), help, labels, nil)
	}
	return &Collector{
		socket:        s,
		bytesSent:     desc("bytes_sent_total", "Payload bytes sent."),
		bytesRecv:     desc("bytes_received_total", "Payload bytes received."),
		pktsSent:      desc("packets_sent_total", "Packets emitted on the wire."),
		pktsRecv:      desc("packets_received_total", "Valid packets received."),
		retransmitted: desc("packets_retransmitted_total", "Segments re-emitted after loss."),
		dropped:       desc("packets_dropped_total", "Datagrams discarded before state mutation."),
		throughput:    desc("throughput_bytes_per_second", "Average payload send throughput."),
	}
}

func (c *Collector) Describe(descs chan<- *prometheus.Desc) {
	descs <- c.bytesSent
	descs <- c.bytesRecv
	descs <- c.pktsSent
	descs <- c.pktsRecv
	descs <- c.retransmitted
	descs <- c.dropped
	descs <- c.throughput
}

func (c *Collector) Collect(metrics chan<- prometheus.Metric) {
	snap := c.socket.Stats()
	id := c.socket.ID()
	counter := func(d *prometheus.Desc, v uint64) prometheus.Metric {
		return prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), id)
	}
	metrics <- counter(c.bytesSent, snap.BytesSent)
	metrics <- counter(c.bytesRecv, snap.BytesReceived)
	metrics <- counter(c.pktsSent, snap.PacketsSent)
	metrics <- counter(c.pktsRecv, snap.PacketsReceived)
	metrics <- counter(c.retransmitted, snap.PacketsRetransmitted)
	metrics <- counter(c.dropped, snap.PacketsDropped)
	metrics <- prometheus.MustNewConstMetric(c.throughput, prometheus.GaugeValue, snap.AverageThroughput, id)
}
