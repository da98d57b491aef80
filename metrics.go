package imscore

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpConnectionsGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "imscore_http_connections",
			Help: "Number of pooled HTTP connections per target IP, idle or in use",
		},
		[]string{"address"},
	)

	loadMonitorTokenRate = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "imscore_load_monitor_token_rate",
			Help: "Current token bucket refill rate in tokens per second",
		},
	)

	loadMonitorSmoothedLatency = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "imscore_load_monitor_smoothed_latency_us",
			Help: "Smoothed request latency in microseconds",
		},
	)

	loadMonitorAccepted = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "imscore_load_monitor_accepted",
			Help: "Requests admitted since the last statistics publication",
		},
	)

	loadMonitorRejected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "imscore_load_monitor_rejected",
			Help: "Requests rejected since the last statistics publication",
		},
	)

	diameterPeersGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "imscore_diameter_peers",
			Help: "Number of Diameter peers by state",
		},
		[]string{"state"},
	)
)

func init() {
	prometheus.MustRegister(
		httpConnectionsGauge,
		loadMonitorTokenRate,
		loadMonitorSmoothedLatency,
		loadMonitorAccepted,
		loadMonitorRejected,
		diameterPeersGauge,
	)
}

// ConnectionGauge mirrors a per-IP connection count into a prometheus gauge
// table. The row for an address is deleted when its count reaches zero so the
// table only names addresses with live connections.
type ConnectionGauge struct {
	vec    *prometheus.GaugeVec
	mu     sync.Mutex
	counts map[string]int
}

// NewConnectionGauge returns a gauge table backed by the given vector, or by
// the package-level HTTP connection gauge when nil.
func NewConnectionGauge(vec *prometheus.GaugeVec) *ConnectionGauge {
	if vec == nil {
		vec = httpConnectionsGauge
	}
	return &ConnectionGauge{vec: vec, counts: make(map[string]int)}
}

// Inc adds one connection for the address.
func (g *ConnectionGauge) Inc(address string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.counts[address]++
	g.vec.WithLabelValues(address).Set(float64(g.counts[address]))
}

// Dec removes one connection for the address, dropping the row at zero.
func (g *ConnectionGauge) Dec(address string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := g.counts[address] - 1
	if n <= 0 {
		delete(g.counts, address)
		g.vec.DeleteLabelValues(address)
		return
	}
	g.counts[address] = n
	g.vec.WithLabelValues(address).Set(float64(n))
}

// Count returns the current connection count for the address.
func (g *ConnectionGauge) Count(address string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.counts[address]
}
