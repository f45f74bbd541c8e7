// Package metrics exposes reconciliation and HTTP metrics to Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/dvloznov/finance-reconciler/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder receives the events the engine, gateway and API report.
type Recorder interface {
	BatchProcessed(source domain.SourceKind, status string, d time.Duration)
	RecordsUpserted(rt domain.RecordType, outcome string, n int)
	RowErrors(rt domain.RecordType, kind domain.RowErrorKind, n int)
	OrphanDebts(n int)
	SectionFailed(rt domain.RecordType, retryable bool)
	HTTPRequest(method, route string, status int, d time.Duration)
}

// Nop discards everything.
type Nop struct{}

func (Nop) BatchProcessed(domain.SourceKind, string, time.Duration) {}
func (Nop) RecordsUpserted(domain.RecordType, string, int) {}
func (Nop) RowErrors(domain.RecordType, domain.RowErrorKind, int) {}
func (Nop) OrphanDebts(int) {}
func (Nop) SectionFailed(domain.RecordType, bool) {}
func (Nop) HTTPRequest(string, string, int, time.Duration) {}

// Prometheus records to a private registry served by Handler.
type Prometheus struct {
	registry *prometheus.Registry

	batches       *prometheus.CounterVec
	batchDuration *prometheus.HistogramVec
	upserts       *prometheus.CounterVec
	rowErrors     *prometheus.CounterVec
	orphans       prometheus.Counter
	sectionFailed *prometheus.CounterVec
	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
}

// NewPrometheus registers the reconciler metrics and the Go runtime
// collectors.
func NewPrometheus() *Prometheus {
	p := &Prometheus{
		registry: prometheus.NewRegistry(),

		batches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reconciler_batches_total",
				Help: "Sync batches processed by source and final status",
			},
			[]string{"source", "status"},
		),

		batchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "reconciler_batch_duration_seconds",
				Help:    "Wall time of one sync batch including retries",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"source"},
		),

		upserts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reconciler_records_total",
				Help: "Records written by type and outcome (created, updated, unchanged)",
			},
			[]string{"record_type", "outcome"},
		),

		rowErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reconciler_row_errors_total",
				Help: "Input rows skipped because they could not be parsed",
			},
			[]string{"record_type", "kind"},
		),

		orphans: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "reconciler_orphan_debts_total",
				Help: "Orphan debt warnings raised",
			},
		),

		sectionFailed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reconciler_section_failures_total",
				Help: "Record-type sections that failed",
			},
			[]string{"record_type", "retryable"},
		),

		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reconciler_http_requests_total",
				Help: "HTTP requests by method, route and status code",
			},
			[]string{"method", "route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "reconciler_http_request_duration_seconds",
				Help:    "HTTP request latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}

	p.registry.MustRegister(
		p.batches, p.batchDuration, p.upserts, p.rowErrors,
		p.orphans, p.sectionFailed, p.httpRequests, p.httpDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return p
}

// Handler serves the registry in the Prometheus exposition format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

func (p *Prometheus) BatchProcessed(source domain.SourceKind, status string, d time.Duration) {
	p.batches.WithLabelValues(string(source), status).Inc()
	p.batchDuration.WithLabelValues(string(source)).Observe(d.Seconds())
}

func (p *Prometheus) RecordsUpserted(rt domain.RecordType, outcome string, n int) {
	if n > 0 {
		p.upserts.WithLabelValues(string(rt), outcome).Add(float64(n))
	}
}

func (p *Prometheus) RowErrors(rt domain.RecordType, kind domain.RowErrorKind, n int) {
	if n > 0 {
		p.rowErrors.WithLabelValues(string(rt), string(kind)).Add(float64(n))
	}
}

func (p *Prometheus) OrphanDebts(n int) {
	if n > 0 {
		p.orphans.Add(float64(n))
	}
}

func (p *Prometheus) SectionFailed(rt domain.RecordType, retryable bool) {
	p.sectionFailed.WithLabelValues(string(rt), strconv.FormatBool(retryable)).Inc()
}

func (p *Prometheus) HTTPRequest(method, route string, status int, d time.Duration) {
	p.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	p.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
