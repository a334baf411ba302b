package monitor

import (
	"context"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/netflixpp/meshnode/pkg/logger"
)

const namespace = "meshnode"

// Metrics holds mesh counters. Each Node owns one instance registered on its
// own prometheus registry.
type Metrics struct {
	registry *prometheus.Registry
	start    time.Time

	bytesSent         prometheus.Counter
	bytesReceived     prometheus.Counter
	chunksServed      prometheus.Counter
	chunksFetched     prometheus.Counter
	parseErrors       prometheus.Counter
	checksumFailures  prometheus.Counter
	handshakeTimeouts prometheus.Counter
	transfers         *prometheus.CounterVec
	connectedPeers    prometheus.Gauge
	activeTransfers   prometheus.Gauge

	totalBytes    atomic.Int64
	transferCount atomic.Int64
}

func New() *Metrics {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help})
	}

	m := &Metrics{
		registry:          prometheus.NewRegistry(),
		start:             time.Now(),
		bytesSent:         counter("bytes_sent_total", "Chunk payload bytes sent to peers."),
		bytesReceived:     counter("bytes_received_total", "Chunk payload bytes received from peers."),
		chunksServed:      counter("chunks_served_total", "Chunks served in reply to REQUEST_CHUNK."),
		chunksFetched:     counter("chunks_fetched_total", "Verified chunks received from peers."),
		parseErrors:       counter("parse_errors_total", "Wire lines dropped as malformed or unknown."),
		checksumFailures:  counter("checksum_failures_total", "Chunks rejected by checksum verification."),
		handshakeTimeouts: counter("handshake_timeouts_total", "Connections closed before the handshake finished."),
		transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfers_finished_total",
			Help:      "Transfers reaching a final state.",
		}, []string{"direction", "state"}),
		connectedPeers:  gauge("connected_peers", "Peers with a completed handshake."),
		activeTransfers: gauge("active_transfers", "Pending or in-progress transfers."),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.bytesSent, m.bytesReceived, m.chunksServed, m.chunksFetched,
		m.parseErrors, m.checksumFailures, m.handshakeTimeouts, m.transfers,
		m.connectedPeers, m.activeTransfers,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ChunkServed(bytes int) {
	m.bytesSent.Add(float64(bytes))
	m.chunksServed.Inc()
	m.totalBytes.Add(int64(bytes))
}

func (m *Metrics) ChunkFetched(bytes int) {
	m.bytesReceived.Add(float64(bytes))
	m.chunksFetched.Inc()
	m.totalBytes.Add(int64(bytes))
}

func (m *Metrics) ParseError()       { m.parseErrors.Inc() }
func (m *Metrics) ChecksumFailure()  { m.checksumFailures.Inc() }
func (m *Metrics) HandshakeTimeout() { m.handshakeTimeouts.Inc() }

func (m *Metrics) SetConnectedPeers(n int)  { m.connectedPeers.Set(float64(n)) }
func (m *Metrics) SetActiveTransfers(n int) { m.activeTransfers.Set(float64(n)) }

// RecordTransfer counts a finished transfer and logs its throughput.
func (m *Metrics) RecordTransfer(direction, state string, bytes int64, duration time.Duration) {
	m.transfers.WithLabelValues(direction, state).Inc()
	m.transferCount.Add(1)

	var speed float64
	if s := duration.Seconds(); s > 0 {
		speed = float64(bytes) / s / 1024 / 1024
	}
	logger.Sugar.Infof("[Transfer] Direction=%s | State=%s | Size=%dKB | Duration=%.2fs | Speed=%.2fMB/s",
		direction, state, bytes/1024, duration.Seconds(), speed)
}

// LogPeriodic logs runtime metrics at the specified interval until ctx ends.
// extra, when set, is appended to every line.
func (m *Metrics) LogPeriodic(ctx context.Context, interval time.Duration, extra func() string) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)

		var throughput float64
		if elapsed := time.Since(m.start).Seconds(); elapsed > 0 {
			throughput = float64(m.totalBytes.Load()) / elapsed / 1024 / 1024
		}
		suffix := ""
		if extra != nil {
			suffix = " | " + extra()
		}

		logger.Sugar.Infof("[Metrics] Goroutines=%d | HeapAlloc=%dMB | HeapSys=%dMB | Throughput=%.2fMB/s | Transfers=%d%s",
			runtime.NumGoroutine(),
			ms.HeapAlloc/1024/1024,
			ms.HeapSys/1024/1024,
			throughput,
			m.transferCount.Load(),
			suffix,
		)
	}
}
