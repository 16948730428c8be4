// Package tables picks the statement table on each OCR page.
package tables

import (
	"math"
	"regexp"
	"sort"
	"strings"

	"statement-reconciliation-service/internal/grid"
	"statement-reconciliation-service/internal/headers"
	"statement-reconciliation-service/internal/models"
)

// Scoring weights.
const (
	headerHitWeight   = 10.0
	dateRowWeight     = 2.0
	sizeWeight        = 0.001
	smallTablePenalty = 2.5
	dateSampleRows    = 10
)

var dateLikeRe = regexp.MustCompile(`^\d{1,2}/\d{1,2}/\d{2,4}$`)

// Score rates how much a grid looks like the transaction table.
func Score(g [][]string, candidates []string) float64 {
	if len(g) == 0 {
		return math.Inf(-1)
	}

	norms := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if n := strings.ToLower(strings.TrimSpace(c)); n != "" {
			norms = append(norms, n)
		}
	}

	hdrIdx, header := headers.BestHeaderRow(g, norms, headers.DefaultLookahead)
	data := g[hdrIdx+1:]

	hits := 0
	for _, h := range header {
		n := grid.NormText(h)
		if n == "" {
			continue
		}
		for _, c := range norms {
			if n == c || strings.Contains(n, c) || strings.Contains(c, n) {
				hits++
				break
			}
		}
	}

	dates := 0
	for i, r := range data {
		if i >= dateSampleRows {
			break
		}
		if len(r) > 0 && dateLikeRe.MatchString(strings.TrimSpace(r[0])) {
			dates++
		}
	}

	score := float64(hits)*headerHitWeight + float64(dates)*dateRowWeight + float64(len(g)*len(g[0]))*sizeWeight
	if len(data) <= 1 {
		score -= smallTablePenalty
	}
	return score
}

// SelectOnePerPage returns the best-scoring grid of every page, ordered by
// page. When no grid on a page can be scored the largest one is kept.
func SelectOnePerPage(grids []models.TableGrid, candidates []string) []models.TableGrid {
	if len(grids) == 0 {
		return nil
	}

	byPage := make(map[int][]models.TableGrid)
	var pages []int
	for _, g := range grids {
		if _, ok := byPage[g.Page]; !ok {
			pages = append(pages, g.Page)
		}
		byPage[g.Page] = append(byPage[g.Page], g)
	}
	sort.Ints(pages)

	selected := make([]models.TableGrid, 0, len(pages))
	for _, page := range pages {
		var best *models.TableGrid
		bestScore := math.Inf(-1)
		for i := range byPage[page] {
			g := &byPage[page][i]
			if len(g.Rows) == 0 {
				continue
			}
			if s := Score(g.Rows, candidates); s > bestScore {
				best, bestScore = g, s
			}
		}
		if best == nil {
			best = largest(byPage[page])
		}
		selected = append(selected, *best)
	}
	return selected
}

// largest orders by row count, then by first-row width.
func largest(grids []models.TableGrid) *models.TableGrid {
	best := &grids[0]
	for i := 1; i < len(grids); i++ {
		g := &grids[i]
		if len(g.Rows) > len(best.Rows) ||
			(len(g.Rows) == len(best.Rows) && firstWidth(g.Rows) > firstWidth(best.Rows)) {
			best = g
		}
	}
	return best
}

func firstWidth(rows [][]string) int {
	if len(rows) == 0 {
		return 0
	}
	return len(rows[0])
}
