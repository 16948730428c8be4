package anomaly

import (
	"fmt"
	"math"
	"testing"

	"github.com/shopspring/decimal"

	"statement-reconciliation-service/internal/models"
	"statement-reconciliation-service/pkg/logger"
)

func createTestItem(i int, total int64) models.StatementItem {
	return models.StatementItem{
		StatementItemID: fmt.Sprintf("S1#item-%04d", i+1),
		Number:          fmt.Sprintf("INV-%04d", i+1),
		ItemType:        models.ItemTypeInvoice,
		Total:           map[string]models.Value{"Debit": models.NumberValue(decimal.NewFromInt(total))},
	}
}

func createTestStatement() *models.SupplierStatement {
	stmt := &models.SupplierStatement{}
	for i := 0; i < 25; i++ {
		stmt.Items = append(stmt.Items, createTestItem(i, int64(100+i*4)))
	}
	stmt.Items = append(stmt.Items, createTestItem(25, 5000))
	return stmt
}

func TestApply_FlagsSingleOutlier(t *testing.T) {
	d := NewDetector(logger.Discard())
	stmt, summary := d.Apply(createTestStatement(), Options{})

	if summary.Total != 26 {
		t.Errorf("Expected total 26, got %d", summary.Total)
	}
	if summary.Flagged != 1 {
		t.Fatalf("Expected exactly one flagged item, got %d: %+v", summary.Flagged, summary.FlaggedItems)
	}

	flagged := summary.FlaggedItems[0]
	if flagged.Index != 25 || flagged.ItemID != "S1#item-0026" {
		t.Errorf("Expected the 5000 item, got index %d id %s", flagged.Index, flagged.ItemID)
	}
	if len(flagged.Reasons) != 1 || flagged.Reasons[0] != FlagLabel {
		t.Errorf("Expected reason %s, got %v", FlagLabel, flagged.Reasons)
	}
	if flagged.Score < DefaultThreshold {
		t.Errorf("Expected score above threshold, got %f", flagged.Score)
	}

	item := stmt.Items[25]
	if !item.HasFlag(FlagLabel) {
		t.Errorf("Expected item to carry %s, got %v", FlagLabel, item.Flags)
	}
	if item.FlagDetails == nil || len(item.FlagDetails.Reasons) != 1 || item.FlagDetails.Reasons[0].Field != models.FieldTotal {
		t.Errorf("Expected total field reason, got %+v", item.FlagDetails)
	}
	if item.FlagDetails.Reasons[0].RawValue != "Debit=5000" {
		t.Errorf("Unexpected raw value %q", item.FlagDetails.Reasons[0].RawValue)
	}
	for i := 0; i < 25; i++ {
		if stmt.Items[i].HasFlag(FlagLabel) {
			t.Errorf("Item %d should not be flagged", i)
		}
	}

	stats := summary.FieldStats[models.FieldTotal]
	if stats.Count != 26 || stats.ScaleMethod != ScaleIQR {
		t.Errorf("Unexpected total stats %+v", stats)
	}
	if got := summary.FieldStats[models.FieldNumber].ScaleMethod; got != ScaleConstant {
		t.Errorf("Expected constant number length, got %q", got)
	}
	if stmt.Anomaly != summary {
		t.Error("Expected summary to be attached to the statement")
	}
}

func TestApply_Remove(t *testing.T) {
	d := NewDetector(logger.Discard())
	stmt, summary := d.Apply(createTestStatement(), Options{Remove: true, OneBasedIndex: true})

	if len(stmt.Items) != 25 {
		t.Fatalf("Expected outlier to be removed, got %d items", len(stmt.Items))
	}
	if summary.FlaggedItems[0].Index != 26 {
		t.Errorf("Expected one-based index 26, got %d", summary.FlaggedItems[0].Index)
	}
	for _, it := range stmt.Items {
		if it.HasFlag(FlagLabel) {
			t.Errorf("Removed mode must not annotate, got %v on %s", it.Flags, it.StatementItemID)
		}
	}
}

func TestApply_ZScoreMethod(t *testing.T) {
	d := NewDetector(logger.Discard())
	_, summary := d.Apply(createTestStatement(), Options{ThresholdMethod: MethodZScore, ZScoreZ: 1000})
	if summary.Flagged != 0 {
		t.Errorf("Expected a huge threshold to flag nothing, got %d", summary.Flagged)
	}
}

func TestApply_TooFewSamples(t *testing.T) {
	stmt := &models.SupplierStatement{}
	for i, v := range []int64{10, 11, 12, 9000} {
		stmt.Items = append(stmt.Items, createTestItem(i, v))
	}

	_, summary := NewDetector(logger.Discard()).Apply(stmt, Options{})
	if summary.Flagged != 0 {
		t.Errorf("Expected no flags below the sample floor, got %d", summary.Flagged)
	}
	if summary.FieldStats[models.FieldTotal].ScaleMethod != "" {
		t.Errorf("Expected no scale for a small field, got %+v", summary.FieldStats[models.FieldTotal])
	}
}

func TestApply_Empty(t *testing.T) {
	stmt, summary := NewDetector(logger.Discard()).Apply(&models.SupplierStatement{}, Options{})
	if stmt == nil || summary.Total != 0 || summary.Flagged != 0 {
		t.Errorf("Unexpected result for empty statement: %+v", summary)
	}
}

func TestApply_LexicalPass(t *testing.T) {
	stmt := &models.SupplierStatement{Items: []models.StatementItem{
		{StatementItemID: "a", Number: "Closing Balance"},
		{StatementItemID: "b", Number: "INV-1", Reference: "Balance b/f"},
		{StatementItemID: "c", Number: "", Reference: "PO-9", Total: map[string]models.Value{"Debit": models.NumberValue(decimal.NewFromInt(5))}},
		{StatementItemID: "d", Number: "INV-2"},
	}}

	_, summary := NewDetector(logger.Discard()).Apply(stmt, Options{})
	if summary.Flagged != 3 {
		t.Fatalf("Expected 3 lexical flags, got %d: %+v", summary.Flagged, summary.FlaggedItems)
	}

	want := map[string]string{"a": IssueKeywordNumber, "b": IssueKeywordReference, "c": IssueMissingNumber}
	for _, f := range summary.FlaggedItems {
		if f.Details.Issues[0] != want[f.ItemID] {
			t.Errorf("Item %s: expected %s, got %v", f.ItemID, want[f.ItemID], f.Details.Issues)
		}
	}
	if stmt.Items[3].HasFlag(FlagLabel) {
		t.Error("Expected plain invoice to stay unflagged")
	}
}

func TestKeywordHit(t *testing.T) {
	tests := map[string]string{
		"Balance Brought Forward": "brought forward",
		"closing-balance":         "closing balance",
		"Balance":                 "balance",
		"Balance 2024":            "",
		"Balance for this period": "",
		"Summary":                 "summary",
		"Statement Total":         "statement total",
		"INV-100":                 "",
		"":                        "",
	}
	for text, want := range tests {
		if got := KeywordHit(text); got != want {
			t.Errorf("KeywordHit(%q) = %q, want %q", text, got, want)
		}
	}
}

func TestRobustCenterScale(t *testing.T) {
	tests := []struct {
		name       string
		values     []float64
		wantMedian float64
		wantScale  float64
		wantMethod string
	}{
		{"iqr", []float64{1, 2, 3, 4, 5}, 3, 2, ScaleIQR},
		{"unit fallback", []float64{5, 5, 5, 5, 5, 5, 9, 1}, 5, 1, ScaleUnit},
		{"constant", []float64{7, 7, 7, 7, 7}, 7, 0, ScaleConstant},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			median, scale, method := RobustCenterScale(tt.values)
			if median != tt.wantMedian || method != tt.wantMethod {
				t.Errorf("Got median %f method %s, want %f %s", median, method, tt.wantMedian, tt.wantMethod)
			}
			if math.Abs(scale-tt.wantScale) > 1e-9 {
				t.Errorf("Got scale %f, want %f", scale, tt.wantScale)
			}
		})
	}
}

func TestPercentile(t *testing.T) {
	sorted := []float64{1, 2, 3, 4}
	if got := percentile(sorted, 25); math.Abs(got-1.75) > 1e-9 {
		t.Errorf("Expected 1.75, got %f", got)
	}
	if got := percentile(sorted, 50); math.Abs(got-2.5) > 1e-9 {
		t.Errorf("Expected 2.5, got %f", got)
	}
}
