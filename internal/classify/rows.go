// Package classify decides what each extracted statement row is: a
// forward-balance marker, a summary line, or a transaction of a given type.
//
// Keyword tables are package data so the heuristics stay auditable.
package classify

import (
	"regexp"
	"strings"

	"github.com/cloudflare/ahocorasick"

	"statement-reconciliation-service/internal/grid"
	"statement-reconciliation-service/internal/models"
)

// RowView is what the filters see of one data row.
type RowView struct {
	Cells     []string
	Date      string
	Number    string
	Reference string
	Raw       map[string]string

	// Amounts holds every resolved amount bucket of the row.
	Amounts map[string]models.Value
}

// forwardKeywords match anywhere in the punctuation-stripped text.
var forwardKeywords = []string{
	"brought forward",
	"carried forward",
	"opening balance",
	"opening bal",
	"previous balance",
	"balance forward",
	"balance bf",
	"balance b f",
	"bal bf",
	"bal b f",
}

// forwardShortForms must be the whole text.
var forwardShortForms = map[string]bool{
	"bf": true, "b f": true, "bfwd": true, "b fwd": true,
	"cf": true, "c f": true, "cfwd": true, "c fwd": true,
}

// summaryKeywords match as whole words or phrases.
var summaryKeywords = []string{
	"balance",
	"closing",
	"outstanding",
	"subtotal",
	"total",
	"amount due",
	"due",
	"statement total",
}

const (
	sparseMaxCells = 3
	maxMoneyCells  = 1
)

var (
	forwardMatcher = ahocorasick.NewStringMatcher(forwardKeywords)
	summaryMatcher = ahocorasick.NewStringMatcher(padWords(summaryKeywords))

	nonAlnumSpaceRe = regexp.MustCompile(`[^a-z0-9 ]+`)
	wordRe          = regexp.MustCompile(`[a-z0-9]+`)
)

// padWords surrounds each phrase with spaces so a substring hit on padded
// text is a whole-word hit.
func padWords(phrases []string) []string {
	out := make([]string, len(phrases))
	for i, p := range phrases {
		out[i] = " " + p + " "
	}
	return out
}

func forwardText(s string) string {
	return strings.TrimSpace(nonAlnumSpaceRe.ReplaceAllString(grid.NormText(s), ""))
}

// IsForwardLabel reports whether text reads like "balance brought forward".
func IsForwardLabel(text string) bool {
	t := forwardText(text)
	if t == "" {
		return false
	}
	if forwardShortForms[t] {
		return true
	}
	return forwardMatcher.Contains([]byte(t))
}

// IsForwardBalance reports whether the row is an opening or carried-forward
// balance. A labelled cell is enough. Otherwise a sparse row with at most
// one amount and no identifying fields also qualifies.
func IsForwardBalance(row RowView) bool {
	if IsForwardLabel(row.Number) || IsForwardLabel(row.Reference) {
		return true
	}
	for _, v := range row.Raw {
		if v != "" && IsForwardLabel(v) {
			return true
		}
	}
	for _, c := range row.Cells {
		if IsForwardLabel(c) {
			return true
		}
	}

	idsEmpty := strings.TrimSpace(row.Number) == "" && strings.TrimSpace(row.Reference) == ""
	return grid.NonEmptyCount(row.Cells) <= sparseMaxCells &&
		moneyCells(row.Cells) <= maxMoneyCells &&
		idsEmpty
}

// SummaryHits counts summary keywords across cells. A cell matching
// several keywords contributes one hit per keyword.
func SummaryHits(cells []string) int {
	hits := 0
	for _, c := range cells {
		words := wordRe.FindAllString(strings.ToLower(c), -1)
		if len(words) == 0 {
			continue
		}
		padded := " " + strings.Join(words, " ") + " "
		hits += len(summaryMatcher.Match([]byte(padded)))
	}
	return hits
}

// IsSummaryRow reports whether the row is a total or balance line.
func IsSummaryRow(row RowView) bool {
	if SummaryHits(row.Cells) < 2 {
		return false
	}

	empty := 0
	for _, f := range []string{row.Number, row.Date, row.Reference} {
		if strings.TrimSpace(f) == "" {
			empty++
		}
	}
	if empty < 2 {
		return false
	}

	return moneyCells(row.Cells) <= maxMoneyCells || amountsTextual(row.Amounts)
}

func moneyCells(cells []string) int {
	n := 0
	for _, c := range cells {
		if grid.LooksLikeMoney(c) {
			n++
		}
	}
	return n
}

// amountsTextual is true when amounts were configured but none came out
// numeric.
func amountsTextual(amounts map[string]models.Value) bool {
	if len(amounts) == 0 {
		return false
	}
	for _, v := range amounts {
		if v.IsNumber() {
			return false
		}
	}
	return true
}
