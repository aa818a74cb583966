// Package metrics exposes pipeline counters to prometheus. A nil *Metrics is
// valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"clgol/internal/diag"
)

const namespace = "clgol"

// Metrics holds the collectors registered for one pipeline.
type Metrics struct {
	Frames        prometheus.Counter
	FrameDuration prometheus.Histogram
	CallFailures  *prometheus.CounterVec
	AtlasUploads  prometheus.Counter
	Compilations  *prometheus.CounterVec
}

// New registers the pipeline collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Frames: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Frames rendered by the frame executor",
		}),
		FrameDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "frame_duration_seconds",
			Help:      "Host time spent in one render call, completion barrier included",
			Buckets:   []float64{.001, .002, .004, .008, .016, .033, .066, .133, .25, .5, 1},
		}),
		CallFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_call_failures_total",
			Help:      "Failed device calls by call site",
		}, []string{"site"}),
		AtlasUploads: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "atlas_uploads_total",
			Help:      "Bulk texture atlas transfers",
		}),
		Compilations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compilations_total",
			Help:      "Program compilations by result",
		}, []string{"result"}),
	}
}

func (m *Metrics) ObserveFrame(d time.Duration) {
	if m == nil {
		return
	}
	m.Frames.Inc()
	m.FrameDuration.Observe(d.Seconds())
}

func (m *Metrics) CallFailed(site diag.Site) {
	if m == nil {
		return
	}
	m.CallFailures.WithLabelValues(string(site)).Inc()
}

func (m *Metrics) AtlasUploaded() {
	if m == nil {
		return
	}
	m.AtlasUploads.Inc()
}

// Compiled records a compilation outcome: "source", "binary", "cache" or
// "failed".
func (m *Metrics) Compiled(result string) {
	if m == nil {
		return
	}
	m.Compilations.WithLabelValues(result).Inc()
}
