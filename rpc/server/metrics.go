package server

import (
	"fmt"
	"io"

	"github.com/ValentinKolb/dMux/lib/stats"
	"github.com/VictoriaMetrics/metrics"
	gometrics "github.com/rcrowley/go-metrics"
)

// coreMetrics holds the counters of one ServiceCore. Each core owns its own
// set so several cores (tests) can live in one process.
type coreMetrics struct {
	set *metrics.Set

	accepted   *metrics.Counter
	rejected   *metrics.Counter
	lost       *metrics.Counter
	received   *metrics.Counter
	forwarded  *metrics.Counter
	local      *metrics.Counter
	dropped    *metrics.Counter
	handshakes *metrics.Counter
	retries    *metrics.Counter

	// throughput meters
	registry     gometrics.Registry
	sendMessages gometrics.Meter
	sendBytes    gometrics.Meter
	recvMessages gometrics.Meter
	recvBytes    gometrics.Meter

	// size distribution of frames read and written
	frameSizes *stats.SizeHistogram
}

func newCoreMetrics(clients func() float64) *coreMetrics {
	set := metrics.NewSet()
	registry := gometrics.NewRegistry()

	m := &coreMetrics{
		set:        set,
		accepted:   set.NewCounter("dmux_connections_accepted_total"),
		rejected:   set.NewCounter("dmux_connections_rejected_total"),
		lost:       set.NewCounter("dmux_connections_lost_total"),
		received:   set.NewCounter("dmux_messages_received_total"),
		forwarded:  set.NewCounter("dmux_messages_forwarded_total"),
		local:      set.NewCounter("dmux_messages_local_total"),
		dropped:    set.NewCounter("dmux_messages_dropped_total"),
		handshakes: set.NewCounter("dmux_handshakes_total"),
		retries:    set.NewCounter("dmux_retries_total"),

		registry:     registry,
		sendMessages: gometrics.GetOrRegisterMeter("send.messages", registry),
		sendBytes:    gometrics.GetOrRegisterMeter("send.bytes", registry),
		recvMessages: gometrics.GetOrRegisterMeter("recv.messages", registry),
		recvBytes:    gometrics.GetOrRegisterMeter("recv.bytes", registry),

		frameSizes: stats.NewSizeHistogram(),
	}
	set.NewGauge("dmux_clients", clients)
	set.NewGauge(`dmux_frame_size_bytes{quantile="0.5"}`, func() float64 { return float64(m.frameSizes.Percentile(50)) })
	set.NewGauge(`dmux_frame_size_bytes{quantile="0.99"}`, func() float64 { return float64(m.frameSizes.Percentile(99)) })
	return m
}

// close stops the meter tickers
func (m *coreMetrics) close() {
	m.registry.UnregisterAll()
}

// Stats is a snapshot of the counters of a ServiceCore
type Stats struct {
	State   ConnectionState
	Clients int

	Accepted   uint64
	Rejected   uint64
	Lost       uint64
	Received   uint64
	Forwarded  uint64
	Local      uint64
	Dropped    uint64
	Handshakes uint64
	Retries    uint64

	SentMessages     int64
	SentBytes        int64
	ReceivedMessages int64
	ReceivedBytes    int64
	SendRate1m       float64 // messages per second
	ReceiveRate1m    float64 // messages per second

	FrameSizeAvg int
	FrameSizeP50 int
	FrameSizeP99 int
}

func (m *coreMetrics) snapshot(state ConnectionState, clients int) Stats {
	return Stats{
		State:   state,
		Clients: clients,

		Accepted:   m.accepted.Get(),
		Rejected:   m.rejected.Get(),
		Lost:       m.lost.Get(),
		Received:   m.received.Get(),
		Forwarded:  m.forwarded.Get(),
		Local:      m.local.Get(),
		Dropped:    m.dropped.Get(),
		Handshakes: m.handshakes.Get(),
		Retries:    m.retries.Get(),

		SentMessages:     m.sendMessages.Count(),
		SentBytes:        m.sendBytes.Count(),
		ReceivedMessages: m.recvMessages.Count(),
		ReceivedBytes:    m.recvBytes.Count(),
		SendRate1m:       m.sendMessages.Rate1(),
		ReceiveRate1m:    m.recvMessages.Rate1(),

		FrameSizeAvg: m.frameSizes.Average(),
		FrameSizeP50: m.frameSizes.Percentile(50),
		FrameSizeP99: m.frameSizes.Percentile(99),
	}
}

func (s Stats) String() string {
	return fmt.Sprintf(
		"state=%s clients=%d accepted=%d rejected=%d lost=%d received=%d forwarded=%d local=%d dropped=%d handshakes=%d retries=%d sent=%d/%dB recv=%d/%dB rate1m(send/recv)=%.1f/%.1f msg/s frame(avg/p50/p99)=%d/%d/%dB",
		s.State, s.Clients, s.Accepted, s.Rejected, s.Lost, s.Received, s.Forwarded, s.Local, s.Dropped,
		s.Handshakes, s.Retries, s.SentMessages, s.SentBytes, s.ReceivedMessages, s.ReceivedBytes,
		s.SendRate1m, s.ReceiveRate1m, s.FrameSizeAvg, s.FrameSizeP50, s.FrameSizeP99,
	)
}

// writePrometheus writes the counters in Prometheus text format
func (m *coreMetrics) writePrometheus(w io.Writer) {
	m.set.WritePrometheus(w)
}
