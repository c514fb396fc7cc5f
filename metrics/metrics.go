// Package metrics exposes Prometheus collectors for the detection pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Pipeline stages reported in the stage label.
const (
	StagePreprocess = "preprocess"
	StageBackbone   = "backbone"
	StageHead       = "head"
)

// Metrics holds the collectors of one detector.
type Metrics struct {
	// Forwards counts completed forward passes.
	Forwards prometheus.Counter
	// Detections counts emitted detections per class name.
	Detections *prometheus.CounterVec
	// Errors counts failed passes per stage.
	Errors *prometheus.CounterVec
	// Latency observes the duration of each stage in seconds.
	Latency *prometheus.HistogramVec

	registry *prometheus.Registry
}

// New creates the collectors and registers them on a private registry.
//
// @example
//
//	m := metrics.New()
//	http.Handle("/metrics", m.Handler())
func New() *Metrics {
	m := &Metrics{
		Forwards: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "yolov3_forward_total",
			Help: "Total forward passes completed",
		}),
		Detections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "yolov3_detections_total",
			Help: "Total detections emitted after NMS",
		}, []string{"class"}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "yolov3_errors_total",
			Help: "Total failed passes by pipeline stage",
		}, []string{"stage"}),
		Latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "yolov3_stage_duration_seconds",
			Help:    "Duration of each pipeline stage",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"stage"}),
		registry: prometheus.NewRegistry(),
	}
	m.registry.MustRegister(m.Forwards, m.Detections, m.Errors, m.Latency)
	return m
}

// ObserveStage records the duration of a stage that started at start.
func (m *Metrics) ObserveStage(stage string, start time.Time) {
	m.Latency.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

// Fail counts a failure in stage.
func (m *Metrics) Fail(stage string) {
	m.Errors.WithLabelValues(stage).Inc()
}

// Detected counts one forward pass and its detections, labelled by class name.
func (m *Metrics) Detected(classes []string) {
	m.Forwards.Inc()
	for _, c := range classes {
		m.Detections.WithLabelValues(c).Inc()
	}
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
