package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// gathered returns the summed value of every series of the named family.
func gathered(t *testing.T, reg *prometheus.Registry, name string) (float64, int) {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		var sum float64
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				sum += m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				sum += m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				sum += float64(m.GetHistogram().GetSampleCount())
			}
		}
		return sum, len(mf.GetMetric())
	}
	return 0, 0
}

func TestNew_RegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	m.StatementDone("success", 12, 2)
	m.StatementDone("failed", 0, 0)
	m.StageFailed("validate", "item_count_disagreement")
	m.ObserveStage("ocr", 2*time.Second)
	m.LedgerSync("invoices", "delta", "success")
	m.LedgerCached("tenant-1", "invoices", 42)
	m.Reconciled("matched", 3)
	m.Reconciled("unmatched", 0)

	tests := []struct {
		name   string
		value  float64
		series int
	}{
		{"statements_processed_total", 2, 2},
		{"statements_items_extracted_total", 12, 1},
		{"statements_anomalies_flagged_total", 2, 1},
		{"statements_stage_errors_total", 1, 1},
		{"statements_stage_duration_seconds", 1, 1},
		{"statements_ledger_syncs_total", 1, 1},
		{"statements_ledger_records", 42, 1},
		{"statements_reconciled_items_total", 3, 1},
	}
	for _, tt := range tests {
		value, series := gathered(t, reg, tt.name)
		if value != tt.value || series != tt.series {
			t.Errorf("%s: expected value %v over %d series, got %v over %d", tt.name, tt.value, tt.series, value, series)
		}
	}
}

func TestNew_DuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	if _, err := New(reg); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if _, err := New(reg); err == nil {
		t.Error("Expected an error registering twice")
	}
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.StatementDone("success", 1, 1)
	m.ObserveStage("ocr", time.Second)
	m.StageFailed("ocr", "x")
	m.OCRJob("SUCCEEDED")
	m.LedgerSync("contacts", "full", "success")
	m.LedgerSyncFinished("t", time.Second)
	m.LedgerCached("t", "contacts", 1)
	m.Reconciled("matched", 1)
}
