package matcher

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"statement-reconciliation-service/internal/models"
	"statement-reconciliation-service/pkg/logger"
)

// MatchingEngine is the core engine responsible for pairing statement items
// with ledger documents
type MatchingEngine struct {
	Config *MatchingConfig
	logger logger.Logger
}

// MatchRecord is one statement number paired with a ledger document
type MatchRecord struct {
	Invoice              models.LedgerDocument `json:"invoice"`
	StatementItem        models.StatementItem  `json:"statement_item"`
	MatchType            MatchType             `json:"match_type"`
	MatchScore           float64               `json:"match_score"`
	MatchedInvoiceNumber string                `json:"matched_invoice_number"`
}

// Status is the reconciliation state of one statement row
type Status string

const (
	StatusMatched   Status = "matched"
	StatusUnmatched Status = "unmatched"
	StatusPayment   Status = "payment"
)

// RowResult is the reconciliation outcome of one statement item
type RowResult struct {
	Index      int              `json:"index"`
	ItemID     string           `json:"statement_item_id"`
	Status     Status           `json:"status"`
	Record     *MatchRecord     `json:"match,omitempty"`
	Cells      []CellComparison `json:"cells"`
	Mismatches []string         `json:"mismatches,omitempty"`
}

// ReconciliationResult represents the complete result of reconciling one
// statement
type ReconciliationResult struct {
	Mapping    *DisplayMapping         `json:"mapping"`
	Matches    map[string]MatchRecord  `json:"matches"`
	RightRows  []map[string]string     `json:"ledger_rows"`
	Rows       []RowResult             `json:"rows"`
	UnusedDocs []models.LedgerDocument `json:"unused_documents,omitempty"`
	Summary    ReconciliationSummary   `json:"summary"`
}

// ReconciliationSummary provides aggregate statistics about the reconciliation
type ReconciliationSummary struct {
	TotalItems           int             `json:"total_items"`
	LedgerDocuments      int             `json:"ledger_documents"`
	MatchedItems         int             `json:"matched_items"`
	ExactMatches         int             `json:"exact_matches"`
	SubstringMatches     int             `json:"substring_matches"`
	UnmatchedItems       int             `json:"unmatched_items"`
	PaymentItems         int             `json:"payment_items"`
	RowsWithMismatches   int             `json:"rows_with_mismatches"`
	UnusedDocuments      int             `json:"unused_documents"`
	TotalAmountMatched   decimal.Decimal `json:"total_amount_matched"`
	TotalAmountUnmatched decimal.Decimal `json:"total_amount_unmatched"`
}

// NewMatchingEngine creates a new matching engine with the specified configuration
func NewMatchingEngine(config *MatchingConfig, log logger.Logger) *MatchingEngine {
	if config == nil {
		config = DefaultMatchingConfig()
	}
	if log == nil {
		log = logger.GetGlobalLogger()
	}

	return &MatchingEngine{
		Config: config,
		logger: log.WithComponent("matcher"),
	}
}

// MatchInvoicesToStatementItems maps each displayed statement number to the
// ledger document it reconciles with.
//
// The exact pass runs over documents in order, so the first document printed
// with a number wins it. The substring pass then walks the displayed rows in
// order; among the unused documents whose normalized number overlaps the
// row's, the longest normalized number wins and ties keep the first loaded.
// Statement numbers that read like payments are left to the exact pass.
func (me *MatchingEngine) MatchInvoicesToStatementItems(items []models.StatementItem, displayRows []map[string]string, numberHeader string, invoices []models.LedgerDocument) map[string]MatchRecord {
	matched := make(map[string]MatchRecord)
	if numberHeader == "" {
		return matched
	}

	byNumber := statementItemsByNumber(items, displayRows, numberHeader)
	index := NewLedgerIndex(invoices)
	used := newUsageTracker()

	for _, entry := range index.Documents {
		doc, key := entry.Doc, entry.Number
		item, ok := byNumber[key]
		if !ok {
			continue
		}
		if _, done := matched[key]; done {
			continue
		}
		matched[key] = MatchRecord{
			Invoice:              *doc,
			StatementItem:        *item,
			MatchType:            MatchExact,
			MatchScore:           1.0,
			MatchedInvoiceNumber: key,
		}
		used.markUsed(doc, key)
		me.logger.WithFields(logger.Fields{
			"statement_number": key,
			"invoice_id":       doc.ID,
		}).Debug("Exact match")
	}

	if !me.Config.EnableSubstringMatching {
		return matched
	}

	for _, row := range displayRows {
		key := strings.TrimSpace(row[numberHeader])
		if key == "" {
			continue
		}
		if _, done := matched[key]; done {
			continue
		}
		item, ok := byNumber[key]
		if !ok {
			continue
		}
		if me.Config.IsPaymentReference(key) {
			me.logger.WithField("statement_number", key).Debug("Skipping substring match for payment reference")
			continue
		}

		best := me.bestSubstringCandidate(key, index, used)
		if best == nil {
			me.logger.WithField("statement_number", key).Debug("No match for statement number")
			continue
		}

		number := strings.TrimSpace(best.Number)
		matchType := MatchSubstring
		if number == key {
			matchType = MatchExact
		}
		matched[key] = MatchRecord{
			Invoice:              *best,
			StatementItem:        *item,
			MatchType:            matchType,
			MatchScore:           1.0,
			MatchedInvoiceNumber: number,
		}
		used.markUsed(best, number)
		me.logger.WithFields(logger.Fields{
			"statement_number": key,
			"invoice_number":   number,
			"match_type":       matchType,
		}).Debug("Substring match")
	}

	return matched
}

func (me *MatchingEngine) bestSubstringCandidate(key string, index *LedgerIndex, used *usageTracker) *models.LedgerDocument {
	target := NormalizeNumber(key)
	if target == "" || len(target) < me.Config.MinNormalizedLength {
		return nil
	}

	var best *models.LedgerDocument
	bestLen := -1
	for _, entry := range index.Documents {
		cand := entry.Normalized
		if cand == "" || len(cand) < me.Config.MinNormalizedLength {
			continue
		}
		if cand != target && !strings.Contains(target, cand) && !strings.Contains(cand, target) {
			continue
		}
		if len(cand) > bestLen && !used.isUsed(entry.Doc) {
			best, bestLen = entry.Doc, len(cand)
		}
	}
	return best
}

// statementItemsByNumber keys items by their displayed number, falling back
// to the raw cell when no display row lines up. A later item with the same
// number replaces an earlier one.
func statementItemsByNumber(items []models.StatementItem, displayRows []map[string]string, numberHeader string) map[string]*models.StatementItem {
	out := make(map[string]*models.StatementItem)
	for i := range items {
		var number string
		if i < len(displayRows) {
			number = displayRows[i][numberHeader]
		} else {
			number = items[i].Raw[numberHeader]
		}
		if key := strings.TrimSpace(number); key != "" {
			out[key] = &items[i]
		}
	}
	return out
}

// StatusFor reports the reconciliation status of item given its match.
// Payments keep their own status even when their number pairs with a
// document.
func StatusFor(item *models.StatementItem, record *MatchRecord) Status {
	switch {
	case item != nil && item.ItemType == models.ItemTypePayment:
		return StatusPayment
	case record != nil:
		return StatusMatched
	default:
		return StatusUnmatched
	}
}

// Reconcile runs the whole reconciliation view for one statement: display
// mapping, matching, ledger rows and per-cell comparisons.
func (me *MatchingEngine) Reconcile(items []models.StatementItem, cfg *models.ContactConfig, invoices []models.LedgerDocument) *ReconciliationResult {
	mapping := me.PrepareDisplayMappings(items, cfg)
	matches := me.MatchInvoicesToStatementItems(items, mapping.Rows, mapping.NumberHeader, invoices)
	right := me.BuildRightRows(mapping, matches, cfg)
	comparisons := BuildRowComparisons(mapping.Rows, right, mapping.Headers, mapping.HeaderToField)

	result := &ReconciliationResult{
		Mapping:   mapping,
		Matches:   matches,
		RightRows: right,
		Rows:      make([]RowResult, len(items)),
	}

	for i := range items {
		item := &items[i]
		var record *MatchRecord
		if mapping.NumberHeader != "" {
			if rec, ok := matches[strings.TrimSpace(mapping.Rows[i][mapping.NumberHeader])]; ok {
				record = &rec
			}
		}

		row := RowResult{
			Index:  i,
			ItemID: item.StatementItemID,
			Status: StatusFor(item, record),
			Record: record,
			Cells:  comparisons[i],
		}
		if record != nil {
			for _, cell := range row.Cells {
				if !cell.Matches {
					row.Mismatches = append(row.Mismatches, cell.Header)
				}
			}
		}
		result.Rows[i] = row
	}

	result.UnusedDocs = unusedDocuments(invoices, matches)
	result.Summary = me.calculateSummary(items, result, len(invoices))

	me.logger.WithFields(logger.Fields{
		"items":     result.Summary.TotalItems,
		"matched":   result.Summary.MatchedItems,
		"exact":     result.Summary.ExactMatches,
		"substring": result.Summary.SubstringMatches,
		"unmatched": result.Summary.UnmatchedItems,
	}).Info("Statement reconciled")

	return result
}

func unusedDocuments(invoices []models.LedgerDocument, matches map[string]MatchRecord) []models.LedgerDocument {
	used := make(map[string]bool, len(matches))
	for _, rec := range matches {
		used[rec.Invoice.ID+"\x00"+rec.Invoice.Number] = true
	}
	var out []models.LedgerDocument
	for _, doc := range invoices {
		if !used[doc.ID+"\x00"+doc.Number] {
			out = append(out, doc)
		}
	}
	return out
}

// calculateSummary aggregates row statuses and statement totals
func (me *MatchingEngine) calculateSummary(items []models.StatementItem, result *ReconciliationResult, ledgerCount int) ReconciliationSummary {
	summary := ReconciliationSummary{
		TotalItems:           len(items),
		LedgerDocuments:      ledgerCount,
		UnusedDocuments:      len(result.UnusedDocs),
		TotalAmountMatched:   decimal.Zero,
		TotalAmountUnmatched: decimal.Zero,
	}

	for i, row := range result.Rows {
		amount, _ := models.SumNumbers(items[i].Total)
		amount = amount.Abs()

		switch row.Status {
		case StatusPayment:
			summary.PaymentItems++
		case StatusMatched:
			summary.MatchedItems++
			summary.TotalAmountMatched = summary.TotalAmountMatched.Add(amount)
			if row.Record.MatchType == MatchSubstring {
				summary.SubstringMatches++
			} else {
				summary.ExactMatches++
			}
		default:
			summary.UnmatchedItems++
			summary.TotalAmountUnmatched = summary.TotalAmountUnmatched.Add(amount)
		}
		if len(row.Mismatches) > 0 {
			summary.RowsWithMismatches++
		}
	}

	return summary
}

// String returns a short description of the summary
func (s ReconciliationSummary) String() string {
	return fmt.Sprintf("ReconciliationSummary{Items: %d, Matched: %d (exact %d, substring %d), Unmatched: %d, Payments: %d}",
		s.TotalItems, s.MatchedItems, s.ExactMatches, s.SubstringMatches, s.UnmatchedItems, s.PaymentItems)
}
