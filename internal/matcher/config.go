// Package matcher reconciles canonical statement items against the
// documents cached from the tenant's ledger.
//
// Matching is deliberately narrow. Supplier statements print the same
// invoice numbers the ledger holds, usually with extra decoration, so the
// engine only ever pairs a statement number with a ledger number:
//  1. Exact pass: the displayed statement number equals a ledger number
//  2. Substring pass: the alphanumeric, upper-cased forms are equal or one
//     contains the other ("Invoice # INV-12345" contains "INV12345")
//
// There is no generic similarity scoring; near numbers such as INV-1001 and
// INV-1010 must never pair. Every ledger document is used at most once.
//
// Example usage:
//
//	engine := matcher.NewMatchingEngine(matcher.DefaultMatchingConfig(), log)
//	result := engine.Reconcile(stmt.Items, contactConfig, invoices)
//	for i, row := range result.Rows {
//		fmt.Println(i, row.Status, row.Record)
//	}
package matcher

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"
)

// MatchType records which pass produced a match.
type MatchType string

const (
	// MatchExact means the displayed statement number equals the ledger number.
	MatchExact MatchType = "exact"

	// MatchSubstring means the normalized numbers are equal or nested.
	MatchSubstring MatchType = "substring"

	// MatchNone marks a statement row without a ledger document.
	MatchNone MatchType = "none"
)

// String returns the string representation of MatchType
func (mt MatchType) String() string {
	if mt == "" {
		return string(MatchNone)
	}
	return string(mt)
}

// DefaultPaymentKeywords mark statement numbers that describe a payment.
// Such rows never take part in the substring pass.
var DefaultPaymentKeywords = []string{"payment", "paid", "remittance", "receipt"}

// DefaultFieldOrder is the display order of the leading columns.
var DefaultFieldOrder = []string{"date", "due_date", "number", "total"}

// MatchingConfig holds the knobs of the reconciliation view.
type MatchingConfig struct {
	// EnableSubstringMatching turns on the second pass.
	EnableSubstringMatching bool `json:"enable_substring_matching"`

	// MinNormalizedLength is the shortest normalized number the substring
	// pass accepts on either side. Zero accepts any non-empty number.
	MinNormalizedLength int `json:"min_normalized_length"`

	// PaymentKeywords are matched case-insensitively anywhere in the
	// statement number.
	PaymentKeywords []string `json:"payment_keywords"`

	// FieldOrder lists the canonical fields whose columns lead the display.
	FieldOrder []string `json:"field_order"`

	// LedgerDateFormat renders ledger dates when the contact has no format.
	LedgerDateFormat string `json:"ledger_date_format"`
}

// DefaultMatchingConfig returns the configuration used by the service.
func DefaultMatchingConfig() *MatchingConfig {
	return &MatchingConfig{
		EnableSubstringMatching: true,
		MinNormalizedLength:     0,
		PaymentKeywords:         append([]string(nil), DefaultPaymentKeywords...),
		FieldOrder:              append([]string(nil), DefaultFieldOrder...),
		LedgerDateFormat:        "YYYY-MM-DD",
	}
}

// StrictMatchingConfig only pairs numbers that are printed identically.
func StrictMatchingConfig() *MatchingConfig {
	cfg := DefaultMatchingConfig()
	cfg.EnableSubstringMatching = false
	return cfg
}

// Validate checks if the matching configuration is valid
func (mc *MatchingConfig) Validate() error {
	if mc.MinNormalizedLength < 0 {
		return fmt.Errorf("min normalized length cannot be negative: %d", mc.MinNormalizedLength)
	}

	for _, kw := range mc.PaymentKeywords {
		if strings.TrimSpace(kw) == "" {
			return fmt.Errorf("payment keywords cannot be blank")
		}
	}

	seen := make(map[string]bool, len(mc.FieldOrder))
	for _, field := range mc.FieldOrder {
		if seen[field] {
			return fmt.Errorf("field order lists %q twice", field)
		}
		seen[field] = true
	}

	if strings.TrimSpace(mc.LedgerDateFormat) == "" {
		return fmt.Errorf("ledger date format cannot be empty")
	}

	return nil
}

// Clone creates a deep copy of the matching configuration
func (mc *MatchingConfig) Clone() *MatchingConfig {
	if mc == nil {
		return nil
	}

	return &MatchingConfig{
		EnableSubstringMatching: mc.EnableSubstringMatching,
		MinNormalizedLength:     mc.MinNormalizedLength,
		PaymentKeywords:         append([]string(nil), mc.PaymentKeywords...),
		FieldOrder:              append([]string(nil), mc.FieldOrder...),
		LedgerDateFormat:        mc.LedgerDateFormat,
	}
}

// IsPaymentReference reports whether text contains a payment keyword.
func (mc *MatchingConfig) IsPaymentReference(text string) bool {
	folded := cases.Fold().String(text)
	for _, kw := range mc.PaymentKeywords {
		if strings.Contains(folded, cases.Fold().String(kw)) {
			return true
		}
	}
	return false
}

// String returns a human-readable description of the configuration
func (mc *MatchingConfig) String() string {
	return fmt.Sprintf("MatchingConfig{Substring: %t, MinLength: %d, PaymentKeywords: %d, DateFormat: %s}",
		mc.EnableSubstringMatching, mc.MinNormalizedLength, len(mc.PaymentKeywords), mc.LedgerDateFormat)
}
