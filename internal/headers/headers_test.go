package headers

import (
	"context"
	"testing"

	"statement-reconciliation-service/internal/models"
	"statement-reconciliation-service/internal/storage"
	"statement-reconciliation-service/pkg/logger"
)

func createTestRows() [][]string {
	return [][]string{
		{"ACME Supplies Ltd", "", "", ""},
		{"Statement of account", "", "", ""},
		{"Date", "Invoice No", "Debit", "Credit"},
		{"01/07/2024", "INV-1001", "100.00", ""},
	}
}

func TestBestHeaderRow(t *testing.T) {
	tests := []struct {
		name       string
		rows       [][]string
		candidates []string
		lookahead  int
		wantIdx    int
	}{
		{
			name:       "matches configured labels",
			rows:       createTestRows(),
			candidates: []string{"Date", "Invoice No", "Debit"},
			lookahead:  5,
			wantIdx:    2,
		},
		{
			name:       "containment counts",
			rows:       createTestRows(),
			candidates: []string{"invoice"},
			lookahead:  5,
			wantIdx:    2,
		},
		{
			name:       "no candidates uses first non-blank row",
			rows:       append([][]string{{"", ""}}, createTestRows()...),
			candidates: nil,
			lookahead:  5,
			wantIdx:    1,
		},
		{
			name:       "header beyond lookahead is ignored",
			rows:       createTestRows(),
			candidates: []string{"Debit"},
			lookahead:  2,
			wantIdx:    0,
		},
		{
			name:       "ties keep the first row",
			rows:       [][]string{{"Date", "x"}, {"Date", "y"}},
			candidates: []string{"Date"},
			lookahead:  5,
			wantIdx:    0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			idx, header := BestHeaderRow(tt.rows, tt.candidates, tt.lookahead)
			if idx != tt.wantIdx {
				t.Errorf("Expected header row %d, got %d", tt.wantIdx, idx)
			}
			if len(header) != len(tt.rows[idx]) {
				t.Errorf("Expected header to be row %d", idx)
			}
		})
	}
}

func TestBuildColumnIndexAndGetByHeader(t *testing.T) {
	header := []string{"Date", " Invoice  No ", "Amount", "amount"}
	index := BuildColumnIndex(header)

	if index["invoice no"] != 1 {
		t.Errorf("Expected normalized label at column 1, got %d", index["invoice no"])
	}
	if index["amount"] != 2 {
		t.Errorf("Expected first occurrence to win, got %d", index["amount"])
	}

	row := []string{" 01/07/2024 ", "INV-1", "10.00"}
	if got := GetByHeader(row, index, "INVOICE NO"); got != "INV-1" {
		t.Errorf("Expected INV-1, got %q", got)
	}
	if got := GetByHeader(row, index, "Date"); got != "01/07/2024" {
		t.Errorf("Expected trimmed date, got %q", got)
	}
	if got := GetByHeader(row, index, "Reference"); got != "" {
		t.Errorf("Expected empty for unknown label, got %q", got)
	}
	if got := GetByHeader([]string{"x"}, index, "Amount"); got != "" {
		t.Errorf("Expected empty for short row, got %q", got)
	}
}

func TestRowsMatchHeader(t *testing.T) {
	header := []string{"Date", "Invoice No", "Debit", "Credit"}

	if !RowsMatchHeader([]string{"DATE", "Invoice No", "", ""}, header) {
		t.Error("Expected restated header to match")
	}
	if RowsMatchHeader([]string{"02/07/2024", "INV-2", "20.00", ""}, header) {
		t.Error("Expected data row not to match")
	}
	if !RowsMatchHeader([]string{"Date"}, []string{"Date"}) {
		t.Error("Expected single-column header to need one overlap")
	}
	if RowsMatchHeader([]string{"Date"}, []string{"", ""}) {
		t.Error("Expected blank header never to match")
	}

	odd := []string{"Date", "Reference", "Amount"}
	if RowsMatchHeader([]string{"01/02/2024", "Amount", "10.00"}, odd) {
		t.Error("Expected one of three header cells not to count as a restated header")
	}
	if !RowsMatchHeader([]string{"Date", "Amount", ""}, odd) {
		t.Error("Expected two of three header cells to match")
	}
}

func TestDiscovererPersist(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()

	cfg := models.NewContactConfig("DD/MM/YYYY")
	cfg.RawMap["Description"] = "Description"
	if _, err := store.CompareAndSwapContactConfig(ctx, "t1", "c1", cfg, 0); err != nil {
		t.Fatalf("Failed to seed config: %v", err)
	}

	d := NewDiscoverer(store, logger.Discard())
	d.Persist(ctx, "t1", "c1", []string{"Date", "description", "", "Balance"})

	got, err := store.GetContactConfig(ctx, "t1", "c1")
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if got.Version != 2 {
		t.Errorf("Expected version 2, got %d", got.Version)
	}
	if got.RawMap["date"] != "date" || got.RawMap["balance"] != "balance" {
		t.Errorf("Expected new labels to be added, got %v", got.RawMap)
	}
	if _, ok := got.RawMap["description"]; ok {
		t.Errorf("Expected existing label to be matched case-insensitively, got %v", got.RawMap)
	}
	if got.DateFormat != "DD/MM/YYYY" {
		t.Errorf("Expected date format to survive, got %q", got.DateFormat)
	}

	// nothing new: no write
	d.Persist(ctx, "t1", "c1", []string{"DATE"})
	again, _ := store.GetContactConfig(ctx, "t1", "c1")
	if again.Version != 2 {
		t.Errorf("Expected no write for known labels, got version %d", again.Version)
	}
}

func TestDiscovererPersist_NilStore(t *testing.T) {
	var d *Discoverer
	d.Persist(context.Background(), "t1", "c1", []string{"Date"})
	NewDiscoverer(nil, logger.Discard()).Persist(context.Background(), "t1", "c1", []string{"Date"})
}
