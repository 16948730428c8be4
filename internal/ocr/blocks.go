package ocr

import (
	"math"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/textract/types"

	"statement-reconciliation-service/internal/grid"
	"statement-reconciliation-service/internal/models"
)

// SelectedMark is the cell text of a ticked selection element.
const SelectedMark = "X"

func indexBlocks(blocks []types.Block) map[string]*types.Block {
	byID := make(map[string]*types.Block, len(blocks))
	for i := range blocks {
		if id := aws.ToString(blocks[i].Id); id != "" {
			byID[id] = &blocks[i]
		}
	}
	return byID
}

func children(b *types.Block, byID map[string]*types.Block) []*types.Block {
	var out []*types.Block
	for _, rel := range b.Relationships {
		if rel.Type != types.RelationshipTypeChild {
			continue
		}
		for _, id := range rel.Ids {
			if child, ok := byID[id]; ok {
				out = append(out, child)
			}
		}
	}
	return out
}

// cellText joins the words of a cell. Ticked selection elements read as
// SelectedMark; unticked ones add nothing.
func cellText(cell *types.Block, byID map[string]*types.Block) string {
	var parts []string
	for _, child := range children(cell, byID) {
		switch child.BlockType {
		case types.BlockTypeWord, types.BlockTypeLine:
			if t := strings.TrimSpace(aws.ToString(child.Text)); t != "" {
				parts = append(parts, t)
			}
		case types.BlockTypeSelectionElement:
			if child.SelectionStatus == types.SelectionStatusSelected {
				parts = append(parts, SelectedMark)
			}
		}
	}
	return strings.Join(parts, " ")
}

func int32Or(v *int32, def int32) int {
	if v == nil {
		return int(def)
	}
	return int(*v)
}

// TablesFromBlocks builds one grid per TABLE block, sorted by page. The
// grid is sized to the furthest cell span; missing cells stay blank and a
// spanning cell's text sits at its anchor only. Tables without text are
// dropped.
func TablesFromBlocks(blocks []types.Block) []models.TableGrid {
	byID := indexBlocks(blocks)
	var tables []models.TableGrid

	for i := range blocks {
		table := &blocks[i]
		if table.BlockType != types.BlockTypeTable {
			continue
		}

		var cells []*types.Block
		for _, child := range children(table, byID) {
			if child.BlockType == types.BlockTypeCell {
				cells = append(cells, child)
			}
		}
		if len(cells) == 0 {
			continue
		}

		rows, cols := 0, 0
		for _, c := range cells {
			r := int32Or(c.RowIndex, 1) + int32Or(c.RowSpan, 1) - 1
			k := int32Or(c.ColumnIndex, 1) + int32Or(c.ColumnSpan, 1) - 1
			if r > rows {
				rows = r
			}
			if k > cols {
				cols = k
			}
		}

		out := make([][]string, rows)
		for r := range out {
			out[r] = make([]string, cols)
		}
		for _, c := range cells {
			r := max(int32Or(c.RowIndex, 1)-1, 0)
			k := max(int32Or(c.ColumnIndex, 1)-1, 0)
			out[r][k] = cellText(c, byID)
		}

		if !hasText(out) {
			continue
		}
		tables = append(tables, models.TableGrid{Page: int32Or(table.Page, 1), Rows: out})
	}

	sort.SliceStable(tables, func(a, b int) bool { return tables[a].Page < tables[b].Page })
	return tables
}

func hasText(rows [][]string) bool {
	for _, r := range rows {
		if !grid.IsBlankRow(r) {
			return true
		}
	}
	return false
}

// PageLines is the reconstructed reading order of one page.
type PageLines struct {
	Page  int      `json:"page"`
	Lines []string `json:"lines"`
}

type word struct {
	text   string
	left   float64
	centre float64
	height float64
}

type band struct {
	centre float64
	words  []word
}

// LinesFromBlocks rebuilds text lines from WORD geometry. Words whose
// vertical centres lie within half the page's median word height share a
// line; each line reads left to right. Pages come back in order.
func LinesFromBlocks(blocks []types.Block) []PageLines {
	byPage := make(map[int][]word)
	for i := range blocks {
		b := &blocks[i]
		if b.BlockType != types.BlockTypeWord || b.Geometry == nil || b.Geometry.BoundingBox == nil {
			continue
		}
		text := strings.TrimSpace(aws.ToString(b.Text))
		if text == "" {
			continue
		}
		box := b.Geometry.BoundingBox
		page := int32Or(b.Page, 1)
		byPage[page] = append(byPage[page], word{
			text:   text,
			left:   float64(box.Left),
			centre: float64(box.Top) + float64(box.Height)/2,
			height: float64(box.Height),
		})
	}

	pages := make([]int, 0, len(byPage))
	for p := range byPage {
		pages = append(pages, p)
	}
	sort.Ints(pages)

	out := make([]PageLines, 0, len(pages))
	for _, p := range pages {
		out = append(out, PageLines{Page: p, Lines: bandLines(byPage[p])})
	}
	return out
}

func bandLines(words []word) []string {
	heights := make([]float64, len(words))
	for i, w := range words {
		heights[i] = w.height
	}
	sort.Float64s(heights)
	tolerance := median(heights) / 2

	sort.SliceStable(words, func(a, b int) bool { return words[a].centre < words[b].centre })

	var bands []*band
	for _, w := range words {
		if n := len(bands); n > 0 && math.Abs(w.centre-bands[n-1].centre) <= tolerance {
			last := bands[n-1]
			last.words = append(last.words, w)
			last.centre += (w.centre - last.centre) / float64(len(last.words))
			continue
		}
		bands = append(bands, &band{centre: w.centre, words: []word{w}})
	}

	lines := make([]string, 0, len(bands))
	for _, b := range bands {
		sort.SliceStable(b.words, func(x, y int) bool { return b.words[x].left < b.words[y].left })
		parts := make([]string, len(b.words))
		for i, w := range b.words {
			parts[i] = w.text
		}
		lines = append(lines, strings.Join(parts, " "))
	}
	return lines
}

func median(sorted []float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// JoinLines renders each page as newline-separated text.
func JoinLines(pages []PageLines) []string {
	out := make([]string, len(pages))
	for i, p := range pages {
		out[i] = strings.Join(p.Lines, "\n")
	}
	return out
}
