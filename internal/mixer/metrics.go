package mixer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics publishes topology and throughput gauges. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	rebuilds   *prometheus.CounterVec
	clients    prometheus.Gauge
	routes     prometheus.Gauge
	monitors   prometheus.Gauge
	throughput *prometheus.GaugeVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		rebuilds: f.NewCounterVec(prometheus.CounterOpts{
			Name: "surface_mixer_rebuilds_total",
			Help: "Topology rebuilds by result",
		}, []string{"result"}),
		clients: f.NewGauge(prometheus.GaugeOpts{
			Name: "surface_mixer_clients",
			Help: "Clients in the active topology",
		}),
		routes: f.NewGauge(prometheus.GaugeOpts{
			Name: "surface_mixer_routes",
			Help: "Tee to mixer routes in the active topology",
		}),
		monitors: f.NewGauge(prometheus.GaugeOpts{
			Name: "surface_mixer_attached_monitors",
			Help: "Sinks with an attached stats monitor",
		}),
		throughput: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "surface_mixer_sink_bytes_per_second",
			Help: "Last sampled throughput per sink",
		}, []string{"sink"}),
	}
}

func (m *Metrics) rebuild(result string) {
	if m == nil {
		return
	}
	m.rebuilds.WithLabelValues(result).Inc()
}

func (m *Metrics) topology(clients, routes int) {
	if m == nil {
		return
	}
	m.clients.Set(float64(clients))
	m.routes.Set(float64(routes))
}

func (m *Metrics) attached(n int) {
	if m == nil {
		return
	}
	m.monitors.Set(float64(n))
}

func (m *Metrics) sinkThroughput(sink string, bps uint64) {
	if m == nil {
		return
	}
	m.throughput.WithLabelValues(sink).Set(float64(bps))
}

func (m *Metrics) forgetSink(sink string) {
	if m == nil {
		return
	}
	m.throughput.DeleteLabelValues(sink)
}
