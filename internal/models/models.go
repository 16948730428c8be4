// Package models holds the canonical data types that flow through the
// statement pipeline: OCR table grids, typed statement items, the aggregate
// supplier statement, and the per-row diagnostics attached to it.
package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ItemType is the inferred kind of a statement line.
type ItemType string

const (
	ItemTypeInvoice    ItemType = "invoice"
	ItemTypeCreditNote ItemType = "credit_note"
	ItemTypePayment    ItemType = "payment"
)

// String returns the string representation of ItemType
func (t ItemType) String() string {
	return string(t)
}

// IsValid checks if the item type is one of the known kinds
func (t ItemType) IsValid() bool {
	switch t {
	case ItemTypeInvoice, ItemTypeCreditNote, ItemTypePayment:
		return true
	}
	return false
}

// ParseItemType converts a string into an ItemType.
func ParseItemType(s string) (ItemType, error) {
	t := ItemType(strings.ToLower(strings.TrimSpace(s)))
	if !t.IsValid() {
		return "", fmt.Errorf("invalid item type: %q", s)
	}
	return t, nil
}

// ItemTypes lists every item type in classification priority order.
var ItemTypes = []ItemType{ItemTypeInvoice, ItemTypePayment, ItemTypeCreditNote}

// TableGrid is one OCR table on one page.
type TableGrid struct {
	Page int        `json:"page"`
	Rows [][]string `json:"rows"`
}

// Width returns the widest row length.
func (g TableGrid) Width() int {
	w := 0
	for _, r := range g.Rows {
		if len(r) > w {
			w = len(r)
		}
	}
	return w
}

// Size returns rows × columns.
func (g TableGrid) Size() int {
	return len(g.Rows) * g.Width()
}

// StatementKey identifies one statement of one counterparty of one tenant.
type StatementKey struct {
	TenantID    string `json:"tenant_id"`
	ContactID   string `json:"contact_id"`
	StatementID string `json:"statement_id"`
}

// Validate checks that the tenant and contact are present.
func (k StatementKey) Validate() error {
	if strings.TrimSpace(k.TenantID) == "" {
		return fmt.Errorf("tenant id cannot be empty")
	}
	if strings.TrimSpace(k.ContactID) == "" {
		return fmt.Errorf("contact id cannot be empty")
	}
	return nil
}

// String returns tenant/contact/statement.
func (k StatementKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.TenantID, k.ContactID, k.StatementID)
}

// Value is a cell that was either coerced to a number or kept as text.
// Numbers serialize as JSON numbers and text as JSON strings.
type Value struct {
	Number  decimal.Decimal
	Text    string
	numeric bool
}

// NumberValue wraps a decimal.
func NumberValue(d decimal.Decimal) Value {
	return Value{Number: d, numeric: true}
}

// TextValue wraps a non-numeric string.
func TextValue(s string) Value {
	return Value{Text: s}
}

// IsNumber reports whether the value holds a number.
func (v Value) IsNumber() bool {
	return v.numeric
}

// String renders the number or the text.
func (v Value) String() string {
	if v.numeric {
		return v.Number.String()
	}
	return v.Text
}

// Equal compares kind and content.
func (v Value) Equal(o Value) bool {
	if v.numeric != o.numeric {
		return false
	}
	if v.numeric {
		return v.Number.Equal(o.Number)
	}
	return v.Text == o.Text
}

// MarshalJSON implements custom JSON marshaling for Value
func (v Value) MarshalJSON() ([]byte, error) {
	if v.numeric {
		return []byte(v.Number.String()), nil
	}
	return json.Marshal(v.Text)
}

// UnmarshalJSON implements custom JSON unmarshaling for Value
func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*v = Value{}
		return nil
	case len(data) > 0 && data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = TextValue(s)
		return nil
	}

	d, err := decimal.NewFromString(string(data))
	if err != nil {
		return fmt.Errorf("invalid numeric value %s: %w", data, err)
	}
	*v = NumberValue(d)
	return nil
}

// SumNumbers adds every numeric value in a bucket map. ok is false when no
// value is numeric.
func SumNumbers(values map[string]Value) (decimal.Decimal, bool) {
	sum := decimal.Zero
	ok := false
	for _, v := range values {
		if v.IsNumber() {
			sum = sum.Add(v.Number)
			ok = true
		}
	}
	return sum, ok
}

// FieldReason explains why one field of an item was considered anomalous.
type FieldReason struct {
	Field    string  `json:"field"`
	Value    float64 `json:"value"`
	Median   float64 `json:"median"`
	Scale    float64 `json:"scale"`
	ZScore   float64 `json:"z_score"`
	Metric   string  `json:"metric"`
	RawValue string  `json:"raw_value,omitempty"`
}

// FlagDetails is the structured explanation attached to flagged items.
type FlagDetails struct {
	Score   float64       `json:"score"`
	Issues  []string      `json:"issues,omitempty"`
	Reasons []FieldReason `json:"reasons,omitempty"`
}

// StatementItem is one canonical transaction row.
type StatementItem struct {
	StatementItemID string            `json:"statement_item_id"`
	Date            string            `json:"date"`
	DueDate         string            `json:"due_date"`
	Number          string            `json:"number"`
	Reference       string            `json:"reference"`
	Total           map[string]Value  `json:"total"`
	AmountPaid      map[string]Value  `json:"amount_paid,omitempty"`
	AmountDue       map[string]Value  `json:"amount_due,omitempty"`
	ItemType        ItemType          `json:"item_type"`
	Raw             map[string]string `json:"raw"`
	Flags           []string          `json:"_flags,omitempty"`
	FlagDetails     *FlagDetails      `json:"flag_details,omitempty"`
}

// Validate performs basic validation on the StatementItem
func (si *StatementItem) Validate() error {
	if strings.TrimSpace(si.StatementItemID) == "" {
		return fmt.Errorf("statement item id cannot be empty")
	}
	if !si.ItemType.IsValid() {
		return fmt.Errorf("invalid item type: %s", si.ItemType)
	}
	return nil
}

// String returns a string representation of the StatementItem
func (si *StatementItem) String() string {
	return fmt.Sprintf("StatementItem{ID: %s, Date: %s, Number: %s, Type: %s}",
		si.StatementItemID, si.Date, si.Number, si.ItemType)
}

// TextField returns the named canonical text field.
func (si *StatementItem) TextField(field string) string {
	switch field {
	case "date":
		return si.Date
	case "due_date":
		return si.DueDate
	case "number":
		return si.Number
	case "reference":
		return si.Reference
	}
	return ""
}

// SetTextField sets the named canonical text field. Unknown names are ignored.
func (si *StatementItem) SetTextField(field, value string) {
	switch field {
	case "date":
		si.Date = value
	case "due_date":
		si.DueDate = value
	case "number":
		si.Number = value
	case "reference":
		si.Reference = value
	}
}

// Buckets returns the amount map for total, amount_paid or amount_due.
func (si *StatementItem) Buckets(field string) map[string]Value {
	switch field {
	case "total":
		return si.Total
	case "amount_paid":
		return si.AmountPaid
	case "amount_due":
		return si.AmountDue
	}
	return nil
}

// SetBuckets sets the amount map for total, amount_paid or amount_due.
func (si *StatementItem) SetBuckets(field string, values map[string]Value) {
	switch field {
	case "total":
		si.Total = values
	case "amount_paid":
		si.AmountPaid = values
	case "amount_due":
		si.AmountDue = values
	}
}

// AddFlag appends a flag unless it is already present.
func (si *StatementItem) AddFlag(flag string) {
	for _, f := range si.Flags {
		if f == flag {
			return
		}
	}
	si.Flags = append(si.Flags, flag)
}

// HasFlag reports whether the flag is set.
func (si *StatementItem) HasFlag(flag string) bool {
	for _, f := range si.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

// ExtractedField records which header a simple field came from.
type ExtractedField struct {
	Header string `json:"header"`
	Value  string `json:"value"`
}

// Extracted is the provenance of one row.
type Extracted struct {
	Simple map[string]ExtractedField `json:"simple"`
	Raw    map[string]ExtractedField `json:"raw"`
}

// RowFlag is the per-row diagnostic record kept on the statement.
type RowFlag struct {
	Page      int       `json:"page"`
	Row       int       `json:"row"`
	Extracted Extracted `json:"extracted"`
	Flags     []string  `json:"flags"`
}

// FlaggedItem is one entry of an anomaly summary.
type FlaggedItem struct {
	Index   int          `json:"index"`
	ItemID  string       `json:"statement_item_id"`
	Score   float64      `json:"score"`
	Reasons []string     `json:"reasons"`
	Details *FlagDetails `json:"details"`
}

// FieldStats describes the robust statistics of one field.
type FieldStats struct {
	Count       int     `json:"count"`
	Metric      string  `json:"metric"`
	Median      float64 `json:"median"`
	Scale       float64 `json:"scale"`
	ScaleMethod string  `json:"scale_method"`
}

// AnomalySummary reports the outcome of outlier detection over a statement.
type AnomalySummary struct {
	Total        int                   `json:"total"`
	Flagged      int                   `json:"flagged"`
	Removed      bool                  `json:"removed"`
	FlaggedItems []FlaggedItem         `json:"flagged_items"`
	FieldStats   map[string]FieldStats `json:"field_stats"`
}

// ValidationSummary reports the reference round-trip check.
type ValidationSummary struct {
	Skipped       bool     `json:"skipped"`
	Checked       int      `json:"json_refs_checked"`
	Found         int      `json:"json_refs_found"`
	Missing       int      `json:"json_refs_missing"`
	PDFCandidates int      `json:"pdf_candidates"`
	PDFOnlyRefs   []string `json:"pdf_only_refs"`
	NotFound      []string `json:"not_found"`
	FamilyPattern string   `json:"family_pattern,omitempty"`
	Disagreement  bool     `json:"disagreement"`
}

// SupplierStatement is the canonical output of one extraction run.
type SupplierStatement struct {
	Items            []StatementItem    `json:"statement_items"`
	EarliestItemDate string             `json:"earliest_item_date,omitempty"`
	LatestItemDate   string             `json:"latest_item_date,omitempty"`
	Flags            []RowFlag          `json:"_flags,omitempty"`
	Anomaly          *AnomalySummary    `json:"anomaly_summary,omitempty"`
	Validation       *ValidationSummary `json:"validation,omitempty"`
}

// ItemDateRange computes the min and max over every item's date and due date.
// ISO strings order lexically.
func ItemDateRange(items []StatementItem) (earliest, latest string) {
	for _, it := range items {
		for _, d := range []string{it.Date, it.DueDate} {
			if d == "" {
				continue
			}
			if earliest == "" || d < earliest {
				earliest = d
			}
			if latest == "" || d > latest {
				latest = d
			}
		}
	}
	return earliest, latest
}

// RefreshDateRange recomputes the earliest and latest item dates.
func (s *SupplierStatement) RefreshDateRange() {
	s.EarliestItemDate, s.LatestItemDate = ItemDateRange(s.Items)
}
