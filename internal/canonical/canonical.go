// Package canonical maps selected OCR tables onto a contact's configured
// schema and produces the canonical supplier statement.
package canonical

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"statement-reconciliation-service/internal/classify"
	"statement-reconciliation-service/internal/dates"
	"statement-reconciliation-service/internal/grid"
	"statement-reconciliation-service/internal/headers"
	"statement-reconciliation-service/internal/models"
	"statement-reconciliation-service/internal/tables"
	apperrors "statement-reconciliation-service/pkg/errors"
	"statement-reconciliation-service/pkg/logger"
)

// Row flags.
const (
	FlagInvalidDate    = "invalid-date"
	FlagAmbiguousDate  = "ambiguous-date"
	FlagForwardBalance = "forward-balance"
	FlagSummaryRow     = "summary-row"
)

// Canonicalizer turns table grids into statement items.
type Canonicalizer struct {
	discoverer *headers.Discoverer
	logger     logger.Logger
	randomID   func() string
}

// New creates a Canonicalizer. discoverer may be nil to skip header
// persistence.
func New(discoverer *headers.Discoverer, log logger.Logger) *Canonicalizer {
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return &Canonicalizer{
		discoverer: discoverer,
		logger:     log.WithComponent("canonicalizer"),
		randomID: func() string {
			return strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
		},
	}
}

// pageContext is the header state carried between pages.
type pageContext struct {
	header []string
	index  map[string]int
}

// run holds per-call state.
type run struct {
	c       *Canonicalizer
	key     models.StatementKey
	cfg     *models.ContactConfig
	seps    grid.Separators
	dateOpt []dates.Option
	seq     int
}

// Canonicalize maps every selected table row onto cfg. Forward-balance and
// summary rows are dropped, survivors are typed and numbered in order.
func (c *Canonicalizer) Canonicalize(ctx context.Context, key models.StatementKey, grids []models.TableGrid, cfg *models.ContactConfig) (*models.SupplierStatement, error) {
	if err := CheckConfig(cfg); err != nil {
		return nil, err
	}

	r := &run{c: c, key: key, cfg: cfg, seps: grid.SeparatorsFor(cfg)}
	if !cfg.StrictDates {
		r.dateOpt = []dates.Option{dates.AllowAmbiguous()}
	}

	normalized := make([]models.TableGrid, 0, len(grids))
	for _, g := range grids {
		rows := grid.Normalize(g.Rows)
		if len(rows) == 0 {
			continue
		}
		normalized = append(normalized, models.TableGrid{Page: g.Page, Rows: rows})
	}

	candidates := cfg.CandidateLabels()
	selected := tables.SelectOnePerPage(normalized, candidates)
	log := c.logger.WithFields(logger.Fields{
		"statement": key.String(),
		"pages":     len(selected),
	})
	log.Debug("Selected statement tables")

	stmt := &models.SupplierStatement{Items: []models.StatementItem{}}
	var page *pageContext
	for _, g := range selected {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var data [][]string
		var detected bool
		page, data, detected = resolveHeader(g.Rows, candidates, page)
		if detected && c.discoverer != nil {
			c.discoverer.Persist(ctx, key.TenantID, key.ContactID, page.header)
		}

		for i, row := range data {
			if grid.IsBlankRow(row) {
				continue
			}
			item, flag, keep := r.mapRow(row, page)
			flag.Page = g.Page
			flag.Row = i + 1
			if keep {
				stmt.Items = append(stmt.Items, item)
			}
			stmt.Flags = append(stmt.Flags, flag)
		}
	}

	stmt.RefreshDateRange()
	log.WithFields(logger.Fields{
		"items":    len(stmt.Items),
		"earliest": stmt.EarliestItemDate,
		"latest":   stmt.LatestItemDate,
	}).Info("Canonicalized statement")
	return stmt, nil
}

// CheckConfig rejects configurations the canonicalizer cannot apply.
func CheckConfig(cfg *models.ContactConfig) error {
	if cfg == nil {
		return apperrors.ConfigurationError(apperrors.CodeMissingConfig, "contact config", nil, nil).
			WithStage(apperrors.StageCanonicalize)
	}
	if strings.TrimSpace(cfg.DateFormat) == "" {
		return apperrors.ConfigurationError(apperrors.CodeMissingDateFormat, "date_format", "", nil).
			WithStage(apperrors.StageCanonicalize)
	}

	err := dates.ValidateTemplate(cfg.DateFormat)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, dates.ErrAmbiguousTemplate):
		return apperrors.ConfigurationError(apperrors.CodeAmbiguousDateFormat, "date_format", cfg.DateFormat, err).
			WithStage(apperrors.StageCanonicalize)
	default:
		return apperrors.ConfigurationError(apperrors.CodeInvalidContact, "date_format", cfg.DateFormat, err).
			WithStage(apperrors.StageCanonicalize)
	}
}

// resolveHeader detects the header on the first table and reuses it after,
// skipping a restated header at the top of later pages.
func resolveHeader(rows [][]string, candidates []string, prev *pageContext) (*pageContext, [][]string, bool) {
	if prev == nil {
		idx, header := headers.BestHeaderRow(rows, candidates, headers.DefaultLookahead)
		ctx := &pageContext{
			header: append([]string(nil), header...),
			index:  headers.BuildColumnIndex(header),
		}
		return ctx, rows[idx+1:], true
	}

	start := grid.FirstNonBlankRow(rows)
	if start < len(rows) && headers.RowsMatchHeader(rows[start], prev.header) {
		return prev, rows[start+1:], true
	}
	return prev, rows[start:], false
}

// fullRaw keys every column by its header. Blank headers become column_i
// and repeated headers get an _i suffix.
func fullRaw(row, header []string) (map[string]string, []string) {
	raw := make(map[string]string, len(header))
	order := make([]string, 0, len(header))
	for i, h := range header {
		label := strings.TrimSpace(h)
		if label == "" {
			label = fmt.Sprintf("column_%d", i)
		}
		if _, dup := raw[label]; dup {
			label = fmt.Sprintf("%s_%d", label, i)
		}
		value := ""
		if i < len(row) {
			value = row[i]
		}
		raw[label] = value
		order = append(order, label)
	}
	return raw, order
}

// headerFor returns the table's own spelling of a configured label.
func headerFor(page *pageContext, label string) string {
	if idx, ok := page.index[grid.NormText(label)]; ok && idx < len(page.header) {
		return page.header[idx]
	}
	return label
}

func (r *run) mapRow(row []string, page *pageContext) (models.StatementItem, models.RowFlag, bool) {
	item := models.StatementItem{Total: map[string]models.Value{}}
	flag := models.RowFlag{
		Extracted: models.Extracted{
			Simple: make(map[string]models.ExtractedField),
			Raw:    make(map[string]models.ExtractedField),
		},
		Flags: []string{},
	}

	full, _ := fullRaw(row, page.header)
	for label, v := range full {
		flag.Extracted.Raw[label] = models.ExtractedField{Header: label, Value: v}
	}

	for _, field := range []string{models.FieldDate, models.FieldDueDate, models.FieldNumber, models.FieldReference} {
		label := r.cfg.Label(field)
		if label == "" {
			continue
		}
		cell := headers.GetByHeader(row, page.index, label)
		value := cell
		if field == models.FieldDate || field == models.FieldDueDate {
			value = ""
			if cell != "" {
				t, err := dates.Parse(cell, r.cfg.DateFormat, r.dateOpt...)
				switch {
				case err == nil:
					value = dates.ToISO(t)
				case field == models.FieldDate && errors.Is(err, dates.ErrAmbiguousDate):
					flag.Flags = append(flag.Flags, FlagAmbiguousDate, FlagInvalidDate)
				case field == models.FieldDate:
					flag.Flags = append(flag.Flags, FlagInvalidDate)
				}
			}
		}
		item.SetTextField(field, value)
		flag.Extracted.Simple[field] = models.ExtractedField{Header: headerFor(page, label), Value: value}
	}

	raw := full
	if len(r.cfg.RawMap) > 0 {
		raw = make(map[string]string, len(r.cfg.RawMap))
		keys := make([]string, 0, len(r.cfg.RawMap))
		for k := range r.cfg.RawMap {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			source := r.cfg.RawMap[k]
			if source == "" {
				source = k
			}
			header := headerFor(page, source)
			v := headers.GetByHeader(row, page.index, source)
			raw[header] = v
			flag.Extracted.Raw[header] = models.ExtractedField{Header: header, Value: v}
		}
	}
	item.Raw = raw

	amounts := make(map[string]models.Value)
	for _, field := range models.AmountFields {
		buckets := make(map[string]models.Value)
		for _, label := range r.cfg.Labels(field) {
			col, ok := page.index[grid.NormText(label)]
			if !ok || col >= len(row) {
				continue
			}
			if v, ok := grid.CoerceNumber(row[col], r.seps); ok {
				buckets[label] = v
				amounts[field+"."+label] = v
			}
		}
		if field == models.FieldTotal || len(buckets) > 0 {
			item.SetBuckets(field, buckets)
		}
	}

	view := classify.RowView{
		Cells:     row,
		Date:      item.Date,
		Number:    item.Number,
		Reference: item.Reference,
		Raw:       raw,
		Amounts:   amounts,
	}
	switch {
	case classify.IsForwardBalance(view):
		flag.Flags = append(flag.Flags, FlagForwardBalance)
		return item, flag, false
	case classify.IsSummaryRow(view):
		flag.Flags = append(flag.Flags, FlagSummaryRow)
		return item, flag, false
	}

	hint := classify.EvaluateAmountHint(raw, item.Total, r.cfg)
	itemType, score := classify.ClassifyItemType(row, hint, r.cfg.ItemTypeDefault())
	item.ItemType = itemType

	r.seq++
	item.StatementItemID = r.itemID()
	for _, f := range flag.Flags {
		item.AddFlag(f)
	}

	r.c.logger.WithFields(logger.Fields{
		"item_id":   item.StatementItemID,
		"item_type": itemType,
		"score":     score,
		"hint":      hint.String(),
	}).Debug("Classified statement item")
	return item, flag, true
}

func (r *run) itemID() string {
	if r.key.StatementID != "" {
		return fmt.Sprintf("%s#item-%04d", r.key.StatementID, r.seq)
	}
	return fmt.Sprintf("stmt-item-%s-%04d", r.c.randomID(), r.seq)
}
