// Package reporter renders statement extraction and reconciliation results.
//
// Supported output formats:
//   - Console: human-readable sections for terminal display
//   - JSON: structured data for programmatic consumption
//   - CSV: one row per statement item or reconciled row
//
// Example usage:
//
//	gen, err := reporter.NewReportGenerator(&reporter.ReportConfig{Format: reporter.FormatCSV})
//	err = gen.GenerateStatementReport(result, os.Stdout)
package reporter

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"statement-reconciliation-service/internal/matcher"
	"statement-reconciliation-service/internal/models"
	"statement-reconciliation-service/internal/pipeline"
	apperrors "statement-reconciliation-service/pkg/errors"
)

// OutputFormat represents the supported report output formats.
type OutputFormat string

const (
	FormatConsole OutputFormat = "console"
	FormatJSON    OutputFormat = "json"
	FormatCSV     OutputFormat = "csv"
)

// IsValid checks if the output format is supported
func (f OutputFormat) IsValid() bool {
	switch f {
	case FormatConsole, FormatJSON, FormatCSV:
		return true
	default:
		return false
	}
}

// ReportConfig holds configuration options for report generation
type ReportConfig struct {
	Format OutputFormat `json:"format" mapstructure:"format"`

	// Detail level options
	IncludeItems     bool `json:"include_items" mapstructure:"include_items"`
	IncludeRowFlags  bool `json:"include_row_flags" mapstructure:"include_row_flags"`
	IncludeMatched   bool `json:"include_matched" mapstructure:"include_matched"`
	IncludeUnused    bool `json:"include_unused" mapstructure:"include_unused"`
	IncludeDurations bool `json:"include_durations" mapstructure:"include_durations"`

	// MaxItems caps console lists; 0 shows everything.
	MaxItems int `json:"max_items" mapstructure:"max_items"`

	// CSV options
	CSVDelimiter rune `json:"csv_delimiter" mapstructure:"csv_delimiter"`
	CSVHeaders   bool `json:"csv_headers" mapstructure:"csv_headers"`
}

// DefaultReportConfig returns a default report configuration
func DefaultReportConfig() *ReportConfig {
	return &ReportConfig{
		Format:           FormatConsole,
		IncludeItems:     true,
		IncludeRowFlags:  false,
		IncludeMatched:   true,
		IncludeUnused:    true,
		IncludeDurations: true,
		MaxItems:         10,
		CSVDelimiter:     ',',
		CSVHeaders:       true,
	}
}

// Validate validates the report configuration
func (c *ReportConfig) Validate() error {
	if !c.Format.IsValid() {
		return fmt.Errorf("invalid output format: %s", c.Format)
	}
	if c.MaxItems < 0 {
		return fmt.Errorf("max items cannot be negative, got %d", c.MaxItems)
	}
	if c.Format == FormatCSV && (c.CSVDelimiter == 0 || c.CSVDelimiter == '\n' || c.CSVDelimiter == '"') {
		return fmt.Errorf("invalid CSV delimiter %q", c.CSVDelimiter)
	}
	return nil
}

// ReportGenerator generates reports in various formats
type ReportGenerator struct {
	config *ReportConfig
}

// NewReportGenerator creates a new report generator with the specified configuration
func NewReportGenerator(config *ReportConfig) (*ReportGenerator, error) {
	if config == nil {
		config = DefaultReportConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid report configuration: %w", err)
	}
	return &ReportGenerator{config: config}, nil
}

// GenerateStatementReport writes the outcome of one pipeline run.
func (rg *ReportGenerator) GenerateStatementReport(result *pipeline.Result, writer io.Writer) error {
	if result == nil {
		return fmt.Errorf("statement result cannot be nil")
	}

	switch rg.config.Format {
	case FormatConsole:
		return rg.statementConsole(result, writer)
	case FormatJSON:
		return rg.writeJSON(rg.filterStatement(result), writer)
	case FormatCSV:
		return rg.statementCSV(result, writer)
	default:
		return fmt.Errorf("unsupported output format: %s", rg.config.Format)
	}
}

// GenerateBatchReport writes the outcome of a batch run.
func (rg *ReportGenerator) GenerateBatchReport(batch *pipeline.BatchResult, writer io.Writer) error {
	if batch == nil {
		return fmt.Errorf("batch result cannot be nil")
	}

	switch rg.config.Format {
	case FormatConsole:
		return rg.batchConsole(batch, writer)
	case FormatJSON:
		type entry struct {
			Key     models.StatementKey `json:"key"`
			Outcome string              `json:"outcome"`
			Items   int                 `json:"items"`
			Error   string              `json:"error,omitempty"`
		}
		entries := make([]entry, 0, len(batch.Items))
		for _, it := range batch.Items {
			entries = append(entries, entry{Key: it.Request.Key, Outcome: batchOutcome(it), Items: itemCount(it.Result), Error: errText(it.Err)})
		}
		return rg.writeJSON(map[string]interface{}{"stats": batch.Stats, "statements": entries}, writer)
	case FormatCSV:
		w := rg.csvWriter(writer)
		if rg.config.CSVHeaders {
			if err := w.Write([]string{"Tenant_ID", "Contact_ID", "Statement_ID", "Outcome", "Items", "Stage_Errors", "Error"}); err != nil {
				return fmt.Errorf("failed to write CSV headers: %w", err)
			}
		}
		for _, it := range batch.Items {
			stageErrors := 0
			if it.Result != nil {
				stageErrors = len(it.Result.StageErrors)
			}
			record := []string{
				it.Request.Key.TenantID,
				it.Request.Key.ContactID,
				it.Request.Key.StatementID,
				batchOutcome(it),
				fmt.Sprintf("%d", itemCount(it.Result)),
				fmt.Sprintf("%d", stageErrors),
				errText(it.Err),
			}
			if err := w.Write(record); err != nil {
				return fmt.Errorf("failed to write batch record: %w", err)
			}
		}
		w.Flush()
		return w.Error()
	default:
		return fmt.Errorf("unsupported output format: %s", rg.config.Format)
	}
}

// GenerateReconciliationReport writes a statement reconciled against the ledger.
func (rg *ReportGenerator) GenerateReconciliationReport(result *matcher.ReconciliationResult, writer io.Writer) error {
	if result == nil {
		return fmt.Errorf("reconciliation result cannot be nil")
	}

	switch rg.config.Format {
	case FormatConsole:
		return rg.reconciliationConsole(result, writer)
	case FormatJSON:
		return rg.writeJSON(rg.filterReconciliation(result), writer)
	case FormatCSV:
		return rg.reconciliationCSV(result, writer)
	default:
		return fmt.Errorf("unsupported output format: %s", rg.config.Format)
	}
}

func (rg *ReportGenerator) writeJSON(v interface{}, writer io.Writer) error {
	encoder := json.NewEncoder(writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func (rg *ReportGenerator) csvWriter(writer io.Writer) *csv.Writer {
	w := csv.NewWriter(writer)
	w.Comma = rg.config.CSVDelimiter
	return w
}

func (rg *ReportGenerator) statementConsole(result *pipeline.Result, writer io.Writer) error {
	fmt.Fprintf(writer, "STATEMENT REPORT\n")
	fmt.Fprintf(writer, "Statement: %s\n", result.Key.String())
	fmt.Fprintf(writer, "Started: %s\n", result.StartedAt.Format(time.RFC3339))
	fmt.Fprintf(writer, "Outcome: %s\n\n", strings.ToUpper(result.Outcome()))

	fmt.Fprintf(writer, "=== SUMMARY ===\n")
	fmt.Fprintf(writer, "Document:   %s\n", result.DocumentKey)
	if result.JobID != "" {
		fmt.Fprintf(writer, "OCR Job:    %s\n", result.JobID)
	}
	if result.OutputKey != "" {
		fmt.Fprintf(writer, "Output:     %s\n", result.OutputKey)
	}
	stmt := result.Statement
	if stmt != nil {
		fmt.Fprintf(writer, "Items:      %d\n", len(stmt.Items))
		fmt.Fprintf(writer, "Date Range: %s to %s\n", orDash(stmt.EarliestItemDate), orDash(stmt.LatestItemDate))
		rg.printItemTypes(stmt.Items, writer)
	}
	fmt.Fprintf(writer, "\n")

	if rg.config.IncludeDurations && len(result.Durations) > 0 {
		fmt.Fprintf(writer, "=== STAGE DURATIONS ===\n")
		stages := make([]apperrors.Stage, 0, len(result.Durations))
		for s := range result.Durations {
			stages = append(stages, s)
		}
		sort.Slice(stages, func(i, j int) bool { return stages[i] < stages[j] })
		for _, s := range stages {
			fmt.Fprintf(writer, "  %-14s %v\n", s, time.Duration(result.Durations[s]))
		}
		fmt.Fprintf(writer, "  %-14s %v\n\n", "total", time.Duration(result.Elapsed))
	}

	if len(result.StageErrors) > 0 {
		fmt.Fprintf(writer, "=== STAGE ERRORS ===\n")
		for _, e := range result.StageErrors {
			fmt.Fprintf(writer, "  - [%s] %s: %s\n", e.Stage, e.Code, e.Message)
			if e.Suggestion != "" {
				fmt.Fprintf(writer, "    Suggestion: %s\n", e.Suggestion)
			}
		}
		fmt.Fprintf(writer, "\n")
	}

	if stmt == nil {
		return nil
	}

	if v := stmt.Validation; v != nil {
		fmt.Fprintf(writer, "=== REFERENCE VALIDATION ===\n")
		if v.Skipped {
			fmt.Fprintf(writer, "Skipped: document has no text layer\n\n")
		} else {
			fmt.Fprintf(writer, "Checked:            %d\n", v.Checked)
			fmt.Fprintf(writer, "Found:              %d (%.1f%%)\n", v.Found, calculatePercentage(v.Found, v.Checked))
			fmt.Fprintf(writer, "Missing:            %d\n", v.Missing)
			fmt.Fprintf(writer, "Document Candidates: %d\n", v.PDFCandidates)
			if v.FamilyPattern != "" {
				fmt.Fprintf(writer, "Reference Pattern:  %s\n", v.FamilyPattern)
			}
			if len(v.NotFound) > 0 {
				fmt.Fprintf(writer, "Not In Document:    %s\n", rg.limitList(v.NotFound))
			}
			if len(v.PDFOnlyRefs) > 0 {
				fmt.Fprintf(writer, "Only In Document:   %s\n", rg.limitList(v.PDFOnlyRefs))
			}
			fmt.Fprintf(writer, "\n")
		}
	}

	if a := stmt.Anomaly; a != nil {
		fmt.Fprintf(writer, "=== ANOMALIES ===\n")
		fmt.Fprintf(writer, "Flagged: %d of %d", a.Flagged, a.Total)
		if a.Removed {
			fmt.Fprintf(writer, " (removed)")
		}
		fmt.Fprintf(writer, "\n")
		for i, f := range a.FlaggedItems {
			if rg.config.MaxItems > 0 && i >= rg.config.MaxItems {
				fmt.Fprintf(writer, "  ... and %d more\n", len(a.FlaggedItems)-i)
				break
			}
			fmt.Fprintf(writer, "  %d. %s score %.2f: %s\n", f.Index, f.ItemID, f.Score, strings.Join(f.Reasons, "; "))
		}
		fmt.Fprintf(writer, "\n")
	}

	if rg.config.IncludeRowFlags && len(stmt.Flags) > 0 {
		fmt.Fprintf(writer, "=== ROW FLAGS ===\n")
		for _, f := range stmt.Flags {
			if len(f.Flags) == 0 {
				continue
			}
			fmt.Fprintf(writer, "  page %d row %d: %s\n", f.Page, f.Row, strings.Join(f.Flags, ", "))
		}
		fmt.Fprintf(writer, "\n")
	}

	if rg.config.IncludeItems && len(stmt.Items) > 0 {
		fmt.Fprintf(writer, "=== ITEMS ===\n")
		for i := range stmt.Items {
			if rg.config.MaxItems > 0 && i >= rg.config.MaxItems {
				fmt.Fprintf(writer, "  ... and %d more\n", len(stmt.Items)-i)
				break
			}
			it := &stmt.Items[i]
			fmt.Fprintf(writer, "  %d. %s %s %s Total: %s",
				i+1, orDash(it.Date), orDash(it.Number), it.ItemType, formatValues(it.Total))
			if len(it.Flags) > 0 {
				fmt.Fprintf(writer, " [%s]", strings.Join(it.Flags, ", "))
			}
			fmt.Fprintf(writer, "\n")
		}
	}
	return nil
}

func (rg *ReportGenerator) printItemTypes(items []models.StatementItem, writer io.Writer) {
	counts := make(map[models.ItemType]int)
	for _, it := range items {
		counts[it.ItemType]++
	}
	types := make([]string, 0, len(counts))
	for t := range counts {
		types = append(types, string(t))
	}
	sort.Strings(types)
	for _, t := range types {
		fmt.Fprintf(writer, "  %-14s %d (%.1f%%)\n", t, counts[models.ItemType(t)], calculatePercentage(counts[models.ItemType(t)], len(items)))
	}
}

func (rg *ReportGenerator) statementCSV(result *pipeline.Result, writer io.Writer) error {
	w := rg.csvWriter(writer)
	if rg.config.CSVHeaders {
		headers := []string{
			"Statement_Item_ID",
			"Date",
			"Due_Date",
			"Number",
			"Reference",
			"Item_Type",
			"Total",
			"Amount_Paid",
			"Amount_Due",
			"Flags",
		}
		if err := w.Write(headers); err != nil {
			return fmt.Errorf("failed to write CSV headers: %w", err)
		}
	}

	if result.Statement != nil {
		for _, it := range result.Statement.Items {
			record := []string{
				it.StatementItemID,
				it.Date,
				it.DueDate,
				it.Number,
				it.Reference,
				string(it.ItemType),
				formatValues(it.Total),
				formatValues(it.AmountPaid),
				formatValues(it.AmountDue),
				strings.Join(it.Flags, "; "),
			}
			if err := w.Write(record); err != nil {
				return fmt.Errorf("failed to write item record: %w", err)
			}
		}
	}
	w.Flush()
	return w.Error()
}

func (rg *ReportGenerator) batchConsole(batch *pipeline.BatchResult, writer io.Writer) error {
	fmt.Fprintf(writer, "BATCH REPORT\n")
	fmt.Fprintf(writer, "Statements: %d\n", len(batch.Items))
	fmt.Fprintf(writer, "Succeeded:  %d\n", batch.Stats.Succeeded)
	fmt.Fprintf(writer, "Failed:     %d\n", batch.Stats.Failed)
	fmt.Fprintf(writer, "Duration:   %v\n\n", batch.Stats.Duration)

	for _, it := range batch.Items {
		fmt.Fprintf(writer, "  %-40s %-8s items=%d", it.Request.Key.String(), batchOutcome(it), itemCount(it.Result))
		if it.Err != nil {
			fmt.Fprintf(writer, " error=%s", it.Err)
		}
		fmt.Fprintf(writer, "\n")
	}
	return nil
}

func (rg *ReportGenerator) reconciliationConsole(result *matcher.ReconciliationResult, writer io.Writer) error {
	s := result.Summary
	fmt.Fprintf(writer, "RECONCILIATION REPORT\n\n")

	fmt.Fprintf(writer, "=== SUMMARY ===\n")
	fmt.Fprintf(writer, "Statement Items:  %d\n", s.TotalItems)
	fmt.Fprintf(writer, "Ledger Documents: %d\n", s.LedgerDocuments)
	fmt.Fprintf(writer, "  Matched:   %d (%.1f%%)\n", s.MatchedItems, calculatePercentage(s.MatchedItems, s.TotalItems))
	fmt.Fprintf(writer, "  Unmatched: %d (%.1f%%)\n", s.UnmatchedItems, calculatePercentage(s.UnmatchedItems, s.TotalItems))
	fmt.Fprintf(writer, "  Payments:  %d (%.1f%%)\n", s.PaymentItems, calculatePercentage(s.PaymentItems, s.TotalItems))
	fmt.Fprintf(writer, "\n")

	fmt.Fprintf(writer, "=== MATCH QUALITY ===\n")
	fmt.Fprintf(writer, "Exact Matches:     %d (%.1f%%)\n", s.ExactMatches, calculatePercentage(s.ExactMatches, s.MatchedItems))
	fmt.Fprintf(writer, "Substring Matches: %d (%.1f%%)\n", s.SubstringMatches, calculatePercentage(s.SubstringMatches, s.MatchedItems))
	fmt.Fprintf(writer, "Rows With Mismatches: %d\n\n", s.RowsWithMismatches)

	fmt.Fprintf(writer, "=== AMOUNTS ===\n")
	fmt.Fprintf(writer, "Matched:   %s\n", matcher.FormatMoney(s.TotalAmountMatched))
	fmt.Fprintf(writer, "Unmatched: %s\n\n", matcher.FormatMoney(s.TotalAmountUnmatched))

	fmt.Fprintf(writer, "=== ROWS ===\n")
	shown := 0
	for _, row := range result.Rows {
		if row.Status == matcher.StatusMatched && !rg.config.IncludeMatched && len(row.Mismatches) == 0 {
			continue
		}
		if rg.config.MaxItems > 0 && shown >= rg.config.MaxItems {
			fmt.Fprintf(writer, "  ... more rows omitted\n")
			break
		}
		shown++
		fmt.Fprintf(writer, "  %d. %-10s %s", row.Index+1, strings.ToUpper(string(row.Status)), row.ItemID)
		if row.Record != nil {
			fmt.Fprintf(writer, " -> %s (%s, %.2f)", row.Record.MatchedInvoiceNumber, row.Record.MatchType, row.Record.MatchScore)
		}
		if len(row.Mismatches) > 0 {
			fmt.Fprintf(writer, " mismatched: %s", strings.Join(row.Mismatches, ", "))
		}
		fmt.Fprintf(writer, "\n")
	}

	if rg.config.IncludeUnused && len(result.UnusedDocs) > 0 {
		fmt.Fprintf(writer, "\n=== UNUSED LEDGER DOCUMENTS ===\n")
		for i, doc := range result.UnusedDocs {
			if rg.config.MaxItems > 0 && i >= rg.config.MaxItems {
				fmt.Fprintf(writer, "  ... and %d more\n", len(result.UnusedDocs)-i)
				break
			}
			fmt.Fprintf(writer, "  %d. %s %s %s Due: %s\n", i+1, doc.Number, doc.Type, orDash(doc.Date), doc.AmountDue.StringFixed(2))
		}
	}
	return nil
}

func (rg *ReportGenerator) reconciliationCSV(result *matcher.ReconciliationResult, writer io.Writer) error {
	w := rg.csvWriter(writer)
	if rg.config.CSVHeaders {
		headers := []string{"Row", "Statement_Item_ID", "Status", "Match_Type", "Match_Score", "Ledger_Number", "Ledger_ID", "Mismatches"}
		if err := w.Write(headers); err != nil {
			return fmt.Errorf("failed to write CSV headers: %w", err)
		}
	}

	for _, row := range result.Rows {
		if row.Status == matcher.StatusMatched && !rg.config.IncludeMatched {
			continue
		}
		var matchType, score, number, id string
		if row.Record != nil {
			matchType = row.Record.MatchType.String()
			score = fmt.Sprintf("%.2f", row.Record.MatchScore)
			number = row.Record.MatchedInvoiceNumber
			id = row.Record.Invoice.ID
		}
		record := []string{
			fmt.Sprintf("%d", row.Index+1),
			row.ItemID,
			string(row.Status),
			matchType,
			score,
			number,
			id,
			strings.Join(row.Mismatches, "; "),
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("failed to write reconciliation record: %w", err)
		}
	}
	w.Flush()
	return w.Error()
}

func (rg *ReportGenerator) filterStatement(result *pipeline.Result) map[string]interface{} {
	output := map[string]interface{}{
		"key":          result.Key,
		"outcome":      result.Outcome(),
		"document_key": result.DocumentKey,
		"started_at":   result.StartedAt,
	}
	if result.JobID != "" {
		output["job_id"] = result.JobID
	}
	if result.OutputKey != "" {
		output["output_key"] = result.OutputKey
	}
	if len(result.StageErrors) > 0 {
		output["stage_errors"] = stageErrorView(result)
	}
	if rg.config.IncludeDurations {
		output["durations"] = result.Durations
		output["elapsed"] = result.Elapsed
	}
	if stmt := result.Statement; stmt != nil {
		output["earliest_item_date"] = stmt.EarliestItemDate
		output["latest_item_date"] = stmt.LatestItemDate
		output["item_count"] = len(stmt.Items)
		if rg.config.IncludeItems {
			output["statement_items"] = stmt.Items
		}
		if rg.config.IncludeRowFlags {
			output["_flags"] = stmt.Flags
		}
		if stmt.Validation != nil {
			output["validation"] = stmt.Validation
		}
		if stmt.Anomaly != nil {
			output["anomaly"] = stmt.Anomaly
		}
	}
	return output
}

func stageErrorView(result *pipeline.Result) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(result.StageErrors))
	for _, e := range result.StageErrors {
		entry := map[string]interface{}{
			"stage":    e.Stage,
			"category": e.Category,
			"code":     e.Code,
			"message":  e.Error(),
		}
		if len(e.Context) > 0 {
			entry["context"] = e.Context
		}
		out = append(out, entry)
	}
	return out
}

func (rg *ReportGenerator) filterReconciliation(result *matcher.ReconciliationResult) map[string]interface{} {
	rows := result.Rows
	if !rg.config.IncludeMatched {
		rows = make([]matcher.RowResult, 0, len(result.Rows))
		for _, r := range result.Rows {
			if r.Status != matcher.StatusMatched {
				rows = append(rows, r)
			}
		}
	}
	output := map[string]interface{}{
		"summary": result.Summary,
		"headers": result.Mapping.Headers,
		"rows":    rows,
	}
	if rg.config.IncludeUnused {
		output["unused_documents"] = result.UnusedDocs
	}
	return output
}

// UpdateConfiguration updates the report generator configuration
func (rg *ReportGenerator) UpdateConfiguration(config *ReportConfig) error {
	if err := config.Validate(); err != nil {
		return fmt.Errorf("invalid report configuration: %w", err)
	}
	rg.config = config
	return nil
}

// GetConfiguration returns the current configuration
func (rg *ReportGenerator) GetConfiguration() *ReportConfig {
	return rg.config
}

func (rg *ReportGenerator) limitList(values []string) string {
	if rg.config.MaxItems > 0 && len(values) > rg.config.MaxItems {
		return fmt.Sprintf("%s (+%d more)", strings.Join(values[:rg.config.MaxItems], ", "), len(values)-rg.config.MaxItems)
	}
	return strings.Join(values, ", ")
}

// formatValues renders a header-to-value map as "Header=value" pairs in
// header order.
func formatValues(values map[string]models.Value) string {
	if len(values) == 0 {
		return ""
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, values[k].String()))
	}
	return strings.Join(parts, "; ")
}

func calculatePercentage(part, total int) float64 {
	if total == 0 {
		return 0.0
	}
	return float64(part) / float64(total) * 100.0
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func batchOutcome(it pipeline.BatchItem) string {
	if it.Result == nil || it.Err != nil {
		return "failed"
	}
	return it.Result.Outcome()
}

func itemCount(res *pipeline.Result) int {
	if res == nil || res.Statement == nil {
		return 0
	}
	return len(res.Statement.Items)
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
