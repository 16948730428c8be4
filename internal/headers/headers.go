// Package headers locates the header row of a statement table and resolves
// cells by header label.
package headers

import (
	"context"
	"strings"

	"statement-reconciliation-service/internal/grid"
	"statement-reconciliation-service/internal/models"
	"statement-reconciliation-service/internal/storage"
	"statement-reconciliation-service/pkg/logger"
)

// DefaultLookahead is how many leading rows BestHeaderRow scores.
const DefaultLookahead = 5

// BestHeaderRow picks the row within the first lookahead rows that shares
// the most cells with candidates. Ties keep the earlier row. With no
// candidates the first non-blank row is used.
func BestHeaderRow(rows [][]string, candidates []string, lookahead int) (int, []string) {
	if len(rows) == 0 {
		return 0, nil
	}

	norms := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if n := grid.NormText(c); n != "" {
			norms = append(norms, n)
		}
	}
	if len(norms) == 0 {
		idx := grid.FirstNonBlankRow(rows)
		return idx, rows[idx]
	}

	if lookahead <= 0 {
		lookahead = DefaultLookahead
	}
	limit := lookahead
	if limit > len(rows) {
		limit = len(rows)
	}

	bestIdx, bestScore := 0, -1
	for i := 0; i < limit; i++ {
		score := 0
		for _, cell := range rows[i] {
			if cellMatches(grid.NormText(cell), norms) {
				score++
			}
		}
		if score > bestScore {
			bestIdx, bestScore = i, score
		}
	}
	if bestScore <= 0 {
		bestIdx = grid.FirstNonBlankRow(rows)
	}
	return bestIdx, rows[bestIdx]
}

func cellMatches(cell string, candidates []string) bool {
	if cell == "" {
		return false
	}
	for _, c := range candidates {
		if cell == c || strings.Contains(cell, c) || strings.Contains(c, cell) {
			return true
		}
	}
	return false
}

// BuildColumnIndex maps normalized header labels to column positions. The
// first occurrence of a label wins.
func BuildColumnIndex(header []string) map[string]int {
	index := make(map[string]int, len(header))
	for i, h := range header {
		key := grid.NormText(h)
		if key == "" {
			continue
		}
		if _, ok := index[key]; !ok {
			index[key] = i
		}
	}
	return index
}

// GetByHeader returns the trimmed cell under label, or "".
func GetByHeader(row []string, index map[string]int, label string) string {
	col, ok := index[grid.NormText(label)]
	if !ok || col >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[col])
}

// RowsMatchHeader reports whether row restates header: at least half of the
// header's width must reappear among the row's normalized cells.
func RowsMatchHeader(row, header []string) bool {
	want := make(map[string]bool)
	for _, h := range header {
		if n := grid.NormText(h); n != "" {
			want[n] = true
		}
	}
	if len(want) == 0 {
		return false
	}

	overlap := 0
	for _, c := range row {
		if n := grid.NormText(c); n != "" && want[n] {
			overlap++
		}
	}

	return overlap >= (len(header)+1)/2
}

// Discoverer records header labels seen on statements into the contact's
// raw mapping so later runs keep those columns.
type Discoverer struct {
	store  storage.ConfigStore
	logger logger.Logger
}

// NewDiscoverer creates a Discoverer. A nil store disables persistence.
func NewDiscoverer(store storage.ConfigStore, log logger.Logger) *Discoverer {
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return &Discoverer{store: store, logger: log.WithComponent("header-discovery")}
}

// Persist adds every header label missing from the raw mapping as a
// lowercased identity mapping. Failures are logged, never returned.
func (d *Discoverer) Persist(ctx context.Context, tenantID, contactID string, header []string) {
	if d == nil || d.store == nil {
		return
	}

	added := 0
	_, err := storage.UpdateContactConfig(ctx, d.store, tenantID, contactID, func(cfg *models.ContactConfig) (bool, error) {
		added = mergeRawHeaders(cfg, header)
		return added > 0, nil
	})

	log := d.logger.WithFields(logger.Fields{
		"tenant_id":  tenantID,
		"contact_id": contactID,
	})
	if err != nil {
		log.WithError(err).Warn("Failed to persist discovered headers")
		return
	}
	if added > 0 {
		log.WithField("added", added).Debug("Persisted discovered headers")
	}
}

// mergeRawHeaders returns how many labels it added.
func mergeRawHeaders(cfg *models.ContactConfig, header []string) int {
	if cfg.RawMap == nil {
		cfg.RawMap = make(map[string]string)
	}
	existing := make(map[string]bool, len(cfg.RawMap))
	for k := range cfg.RawMap {
		existing[strings.ToLower(strings.TrimSpace(k))] = true
	}

	added := 0
	for _, h := range header {
		label := strings.TrimSpace(h)
		if label == "" {
			continue
		}
		key := strings.ToLower(label)
		if existing[key] {
			continue
		}
		existing[key] = true
		cfg.RawMap[key] = key
		added++
	}
	return added
}
