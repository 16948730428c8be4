package models

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
)

func TestItemType_IsValid(t *testing.T) {
	tests := []struct {
		itemType ItemType
		valid    bool
	}{
		{ItemTypeInvoice, true},
		{ItemTypeCreditNote, true},
		{ItemTypePayment, true},
		{"receipt", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(string(tt.itemType), func(t *testing.T) {
			if got := tt.itemType.IsValid(); got != tt.valid {
				t.Errorf("ItemType.IsValid() = %v, want %v", got, tt.valid)
			}
		})
	}
}

func TestValueJSON(t *testing.T) {
	item := StatementItem{
		StatementItemID: "s1#item-0001",
		ItemType:        ItemTypeInvoice,
		Total: map[string]Value{
			"Debit": NumberValue(decimal.RequireFromString("-1234.50")),
			"Note":  TextValue("N/A"),
		},
	}

	data, err := json.Marshal(item)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if !strings.Contains(string(data), `"Debit":-1234.5`) {
		t.Errorf("expected numeric debit, got %s", data)
	}
	if !strings.Contains(string(data), `"Note":"N/A"`) {
		t.Errorf("expected text note, got %s", data)
	}

	var back StatementItem
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if !back.Total["Debit"].IsNumber() || !back.Total["Debit"].Number.Equal(decimal.RequireFromString("-1234.5")) {
		t.Errorf("expected debit -1234.5, got %v", back.Total["Debit"])
	}
	if back.Total["Note"].IsNumber() || back.Total["Note"].Text != "N/A" {
		t.Errorf("expected text N/A, got %v", back.Total["Note"])
	}
}

func TestStatementItem_AddFlag(t *testing.T) {
	item := &StatementItem{}
	item.AddFlag("invalid-date")
	item.AddFlag("invalid-date")
	item.AddFlag("ml-outlier")

	if len(item.Flags) != 2 {
		t.Fatalf("expected 2 unique flags, got %v", item.Flags)
	}
	if !item.HasFlag("ml-outlier") {
		t.Error("expected ml-outlier flag")
	}
}

func TestItemDateRange(t *testing.T) {
	items := []StatementItem{
		{Date: "2024-07-02", DueDate: "2024-08-01"},
		{Date: "2024-06-30"},
		{Date: ""},
	}

	earliest, latest := ItemDateRange(items)
	if earliest != "2024-06-30" {
		t.Errorf("expected earliest 2024-06-30, got %s", earliest)
	}
	if latest != "2024-08-01" {
		t.Errorf("expected latest 2024-08-01 from due date, got %s", latest)
	}
}

func TestContactConfigFromMap_Shapes(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{
			name: "object",
			doc:  `{"statement_items": {"date": "Date", "number": "Invoice No", "total": ["Debit", "Credit"], "date_format": "DD/MM/YYYY"}}`,
		},
		{
			name: "list of one",
			doc:  `{"statement_items": [{"date": "Date", "number": "Invoice No", "total": ["Debit", "Credit"]}], "date_format": "DD/MM/YYYY"}`,
		},
		{
			name: "flattened root",
			doc:  `{"date": "Date", "number": "Invoice No", "total": ["Debit", "Credit"], "date_format": "DD/MM/YYYY"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := ParseContactConfig([]byte(tt.doc))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if cfg.DateFormat != "DD/MM/YYYY" {
				t.Errorf("expected date format, got %q", cfg.DateFormat)
			}
			if cfg.Label(FieldNumber) != "Invoice No" {
				t.Errorf("expected number label, got %q", cfg.Label(FieldNumber))
			}
			if got := cfg.Labels(FieldTotal); len(got) != 2 || got[0] != "Debit" || got[1] != "Credit" {
				t.Errorf("expected total labels [Debit Credit], got %v", got)
			}
		})
	}
}

func TestContactConfig_BucketsAndRoundTrip(t *testing.T) {
	doc := `{
		"statement_items": {
			"date": "Date",
			"total": {"debit": ["Debit"], "credit": "Credit"},
			"raw": {"Description": "Description"},
			"date_format": "DD MMM YYYY",
			"thousands_separator": " ",
			"default_item_type": "payment",
			"unknown_field": "ignored"
		}
	}`

	cfg, err := ParseContactConfig([]byte(doc))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.BucketSide(FieldTotal, "credit") != "credit" {
		t.Errorf("expected credit bucket side")
	}
	if cfg.ThousandsSeparator != " " {
		t.Errorf("expected space thousands separator, got %q", cfg.ThousandsSeparator)
	}
	if cfg.ItemTypeDefault() != ItemTypePayment {
		t.Errorf("expected payment default, got %s", cfg.ItemTypeDefault())
	}

	data, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	back, err := ParseContactConfig(data)
	if err != nil {
		t.Fatalf("reparse failed: %v", err)
	}
	if back.RawMap["Description"] != "Description" {
		t.Errorf("expected raw mapping to survive, got %v", back.RawMap)
	}
	if back.BucketSide(FieldTotal, "Debit") != "debit" {
		t.Errorf("expected debit bucket to survive")
	}

	labels := cfg.CandidateLabels()
	want := map[string]bool{"Date": true, "Debit": true, "Credit": true, "Description": true}
	if len(labels) != len(want) {
		t.Errorf("expected %d candidate labels, got %v", len(want), labels)
	}
	for _, l := range labels {
		if !want[l] {
			t.Errorf("unexpected candidate label %q", l)
		}
	}
}

func TestContactConfigFromMap_Errors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"statement_items scalar", `{"statement_items": 3}`},
		{"buckets on text field", `{"number": {"debit": "x"}}`},
		{"unknown bucket", `{"total": {"left": "x"}}`},
		{"bad item type", `{"default_item_type": "receipt"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseContactConfig([]byte(tt.doc)); err == nil {
				t.Error("expected error")
			}
		})
	}
}
