// Package metrics holds the registry's prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "minicr"

	kindLabel   = "kind"
	resultLabel = "result"
	reasonLabel = "reason"

	ReasonCancelled = "cancelled"
	ReasonExpired   = "expired"

	ResultStored  = "stored"
	ResultInvalid = "invalid"
	ResultFailed  = "failed"
)

// Metrics is safe to use as a nil pointer, in which case nothing is recorded.
type Metrics struct {
	uploadsOpened    prometheus.Counter
	uploadsCommitted prometheus.Counter
	uploadsAborted   *prometheus.CounterVec
	uploadedBytes    prometheus.Counter
	contentPuts      *prometheus.CounterVec
	activeSessions   prometheus.Gauge
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		uploadsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upload",
			Name:      "opened_total",
			Help:      "A counter for upload sessions opened.",
		}),
		uploadsCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upload",
			Name:      "committed_total",
			Help:      "A counter for upload sessions committed into the content store.",
		}),
		uploadsAborted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upload",
			Name:      "aborted_total",
			Help:      "A counter for upload sessions aborted, by reason.",
		}, []string{reasonLabel}),
		uploadedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upload",
			Name:      "bytes_total",
			Help:      "Bytes appended to upload sessions.",
		}),
		contentPuts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "content",
			Name:      "puts_total",
			Help:      "A counter for content store writes, by kind and result.",
		}, []string{kindLabel, resultLabel}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "upload",
			Name:      "active_sessions",
			Help:      "Upload sessions neither committed nor aborted.",
		}),
	}

	reg.MustRegister(
		m.uploadsOpened,
		m.uploadsCommitted,
		m.uploadsAborted,
		m.uploadedBytes,
		m.contentPuts,
		m.activeSessions,
	)
	return m
}

func (m *Metrics) UploadOpened() {
	if m == nil {
		return
	}
	m.uploadsOpened.Inc()
	m.activeSessions.Inc()
}

func (m *Metrics) UploadCommitted() {
	if m == nil {
		return
	}
	m.uploadsCommitted.Inc()
	m.activeSessions.Dec()
}

func (m *Metrics) UploadAborted(reason string) {
	if m == nil {
		return
	}
	m.uploadsAborted.WithLabelValues(reason).Inc()
	m.activeSessions.Dec()
}

func (m *Metrics) BytesUploaded(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.uploadedBytes.Add(float64(n))
}

func (m *Metrics) ContentPut(kind string, result string) {
	if m == nil {
		return
	}
	m.contentPuts.WithLabelValues(kind, result).Inc()
}
