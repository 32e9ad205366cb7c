package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the relay and backend.
type Metrics struct {
	ActiveSessions prometheus.Gauge
	SessionEvents  *prometheus.CounterVec
	RelayFrames    *prometheus.CounterVec
	RelayDrops     *prometheus.CounterVec
	FileOps        *prometheus.CounterVec
	UploadBytes    prometheus.Histogram
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of connected relay sessions.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"event"}),
		RelayFrames: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_frames_total",
			Help:      "Relay frames by direction and event.",
		}, []string{"direction", "event"}),
		RelayDrops: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_drops_total",
			Help:      "Relay events dropped by event and reason.",
		}, []string{"event", "reason"}),
		FileOps: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "file_ops_total",
			Help:      "Upload, delete and extract calls by result.",
		}, []string{"op", "result"}),
		UploadBytes: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upload_bytes",
			Help:      "Size of accepted uploads in bytes.",
			Buckets:   prometheus.ExponentialBuckets(16<<10, 4, 8),
		}),
	}
}

// ObserveFileOp counts one file operation outcome.
func (m *Metrics) ObserveFileOp(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.FileOps.WithLabelValues(op, result).Inc()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
