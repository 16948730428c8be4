package matcher

import (
	"strings"
	"unicode"

	"statement-reconciliation-service/internal/models"
)

// IndexedDocument is a ledger document with its number forms computed once.
type IndexedDocument struct {
	Doc        *models.LedgerDocument
	Number     string
	Normalized string
}

// LedgerIndex holds ledger documents with numbers, in load order
type LedgerIndex struct {
	Documents []IndexedDocument
}

// NewLedgerIndex creates a new index. Documents without a number are
// skipped.
func NewLedgerIndex(docs []models.LedgerDocument) *LedgerIndex {
	index := &LedgerIndex{Documents: make([]IndexedDocument, 0, len(docs))}

	for i := range docs {
		number := strings.TrimSpace(docs[i].Number)
		if number == "" {
			continue
		}
		index.Documents = append(index.Documents, IndexedDocument{
			Doc:        &docs[i],
			Number:     number,
			Normalized: NormalizeNumber(number),
		})
	}

	return index
}

// NormalizeNumber keeps the letters and digits of s, upper-cased.
func NormalizeNumber(s string) string {
	var sb strings.Builder
	for _, r := range strings.ToUpper(strings.TrimSpace(s)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

// NumbersOverlap reports whether the normalized forms are equal or one
// contains the other. Empty forms never overlap.
func NumbersOverlap(a, b string) bool {
	a, b = NormalizeNumber(a), NormalizeNumber(b)
	if a == "" || b == "" {
		return false
	}
	return a == b || strings.Contains(a, b) || strings.Contains(b, a)
}

// usageTracker remembers which documents are already paired. A document is
// spent once its id or its number has been used.
type usageTracker struct {
	ids     map[string]bool
	numbers map[string]bool
}

func newUsageTracker() *usageTracker {
	return &usageTracker{ids: make(map[string]bool), numbers: make(map[string]bool)}
}

func (u *usageTracker) markUsed(doc *models.LedgerDocument, number string) {
	if doc.ID != "" {
		u.ids[doc.ID] = true
	}
	u.numbers[strings.TrimSpace(number)] = true
}

func (u *usageTracker) isUsed(doc *models.LedgerDocument) bool {
	if doc.ID != "" && u.ids[doc.ID] {
		return true
	}
	return u.numbers[strings.TrimSpace(doc.Number)]
}
