// Package metrics defines the Prometheus collectors of the service. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "statements"

// Metrics holds every collector.
type Metrics struct {
	StatementsProcessed *prometheus.CounterVec
	ItemsExtracted      prometheus.Counter
	StageDuration       *prometheus.HistogramVec
	StageErrors         *prometheus.CounterVec
	OCRJobs             *prometheus.CounterVec
	AnomaliesFlagged    prometheus.Counter
	LedgerSyncs         *prometheus.CounterVec
	LedgerSyncDuration  *prometheus.HistogramVec
	LedgerRecords       *prometheus.GaugeVec
	ReconciledItems     *prometheus.CounterVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		StatementsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "processed_total",
			Help:      "Statements run through the pipeline, by outcome.",
		}, []string{"outcome"}),
		ItemsExtracted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_extracted_total",
			Help:      "Statement items produced by canonicalization.",
		}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of pipeline stages.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 3, 10),
		}, []string{"stage"}),
		StageErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_errors_total",
			Help:      "Pipeline stage failures, by stage and error code.",
		}, []string{"stage", "code"}),
		OCRJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ocr_jobs_total",
			Help:      "OCR jobs by final status.",
		}, []string{"status"}),
		AnomaliesFlagged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "anomalies_flagged_total",
			Help:      "Items flagged as anomalous.",
		}),
		LedgerSyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_syncs_total",
			Help:      "Ledger resource syncs, by resource, mode and outcome.",
		}, []string{"resource", "mode", "outcome"}),
		LedgerSyncDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ledger_sync_duration_seconds",
			Help:      "Duration of a tenant ledger sync.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tenant"}),
		LedgerRecords: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ledger_records",
			Help:      "Cached ledger records per tenant and resource.",
		}, []string{"tenant", "resource"}),
		ReconciledItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciled_items_total",
			Help:      "Statement items by reconciliation status.",
		}, []string{"status"}),
	}

	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// MustNew is New that panics on registration errors.
func MustNew(reg prometheus.Registerer) *Metrics {
	m, err := New(reg)
	if err != nil {
		panic(err)
	}
	return m
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.StatementsProcessed, m.ItemsExtracted, m.StageDuration, m.StageErrors,
		m.OCRJobs, m.AnomaliesFlagged, m.LedgerSyncs, m.LedgerSyncDuration,
		m.LedgerRecords, m.ReconciledItems,
	}
}

func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (m *Metrics) StageFailed(stage, code string) {
	if m == nil {
		return
	}
	m.StageErrors.WithLabelValues(stage, code).Inc()
}

func (m *Metrics) StatementDone(outcome string, items, anomalies int) {
	if m == nil {
		return
	}
	m.StatementsProcessed.WithLabelValues(outcome).Inc()
	m.ItemsExtracted.Add(float64(items))
	m.AnomaliesFlagged.Add(float64(anomalies))
}

func (m *Metrics) OCRJob(status string) {
	if m == nil {
		return
	}
	m.OCRJobs.WithLabelValues(status).Inc()
}

func (m *Metrics) LedgerSync(resource, mode, outcome string) {
	if m == nil {
		return
	}
	m.LedgerSyncs.WithLabelValues(resource, mode, outcome).Inc()
}

func (m *Metrics) LedgerSyncFinished(tenant string, d time.Duration) {
	if m == nil {
		return
	}
	m.LedgerSyncDuration.WithLabelValues(tenant).Observe(d.Seconds())
}

func (m *Metrics) LedgerCached(tenant, resource string, n int) {
	if m == nil {
		return
	}
	m.LedgerRecords.WithLabelValues(tenant, resource).Set(float64(n))
}

func (m *Metrics) Reconciled(status string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.ReconciledItems.WithLabelValues(status).Add(float64(n))
}
