// Package metrics holds the pipeline's Prometheus instruments. Everything
// registers against an explicitly passed registry; nothing touches the
// default one.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"Go2NetSentry/internal/model"
)

// Metrics is constructed once in the composition root and passed to the
// components that record into it.
type Metrics struct {
	PacketsProcessed prometheus.Counter
	WindowsClosed    prometheus.Counter
	PipelineErrors   *prometheus.CounterVec
	Detections       *prometheus.CounterVec
	Actions          *prometheus.CounterVec
	InferenceSeconds prometheus.Histogram

	reg prometheus.Registerer
}

// New creates and registers the pipeline instruments.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		reg: reg,
		PacketsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "netsentry_packets_processed_total",
			Help: "Total number of packets consumed by the pipeline worker",
		}),
		WindowsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "netsentry_windows_closed_total",
			Help: "Total number of feature windows closed and scored",
		}),
		PipelineErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "netsentry_pipeline_errors_total",
			Help: "Total number of per-unit stage failures, by stage",
		}, []string{"stage"}),
		Detections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "netsentry_detections_total",
			Help: "Total number of classified windows, by threat level",
		}, []string{"level"}),
		Actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "netsentry_actions_total",
			Help: "Total number of response action attempts, by type and outcome",
		}, []string{"action", "outcome"}),
		InferenceSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "netsentry_inference_duration_seconds",
			Help:    "Detector scoring latency per window",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		m.PacketsProcessed,
		m.WindowsClosed,
		m.PipelineErrors,
		m.Detections,
		m.Actions,
		m.InferenceSeconds,
	)
	return m
}

// ObserveCapture exposes the capture source's cumulative counters.
func (m *Metrics) ObserveCapture(stats func() model.CaptureStats) {
	m.reg.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "netsentry_capture_received_total",
			Help: "Packets handed to the pipeline by the capture source",
		}, func() float64 { return float64(stats().Received) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "netsentry_capture_dropped_total",
			Help: "Packets dropped by the kernel or the full packet channel",
		}, func() float64 { return float64(stats().Dropped) }),
	)
}

// ObserveActiveActions exposes the size of the response controller's
// active set.
func (m *Metrics) ObserveActiveActions(count func() int) {
	m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "netsentry_active_actions",
		Help: "Currently active response actions",
	}, func() float64 { return float64(count()) }))
}
