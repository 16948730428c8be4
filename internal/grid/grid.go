// Package grid cleans OCR table grids and coerces cell text into numbers.
//
// Normalize drops blank rows and columns and removes columns that OCR
// rendered twice. CoerceNumber turns money-like text into decimals while
// keeping anything unparseable as text.
package grid

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"statement-reconciliation-service/internal/models"
)

var (
	whitespaceRe   = regexp.MustCompile(`\s+`)
	currencyLeadRe = regexp.MustCompile(`^[\$£€]\s*`)
	drCrSuffixRe   = regexp.MustCompile(`(?i)(cr|dr)$`)
	plainNumberRe  = regexp.MustCompile(`^[-+]?(\d+\.?\d*|\.\d+)$`)
)

// NormText lowercases and collapses whitespace. Header comparisons use it.
func NormText(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// IsBlankRow reports whether every cell is empty after trimming.
func IsBlankRow(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

// NonEmptyCount counts cells with content.
func NonEmptyCount(row []string) int {
	n := 0
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			n++
		}
	}
	return n
}

// FirstNonBlankRow returns the index of the first row with content, or 0.
func FirstNonBlankRow(rows [][]string) int {
	for i, r := range rows {
		if !IsBlankRow(r) {
			return i
		}
	}
	return 0
}

// Pad returns a rectangular copy of rows, filling short rows with "".
func Pad(rows [][]string) [][]string {
	width := 0
	for _, r := range rows {
		if len(r) > width {
			width = len(r)
		}
	}
	out := make([][]string, len(rows))
	for i, r := range rows {
		padded := make([]string, width)
		copy(padded, r)
		out[i] = padded
	}
	return out
}

// Normalize drops blank rows, then blank columns, then columns whose
// normalized header and data signature repeat an earlier column. Applying
// it twice gives the same grid.
func Normalize(rows [][]string) [][]string {
	rows = Pad(rows)

	kept := make([][]string, 0, len(rows))
	for _, r := range rows {
		if !IsBlankRow(r) {
			kept = append(kept, r)
		}
	}
	if len(kept) == 0 {
		return [][]string{}
	}

	width := len(kept[0])
	var columns []int
	for col := 0; col < width; col++ {
		for _, r := range kept {
			if strings.TrimSpace(r[col]) != "" {
				columns = append(columns, col)
				break
			}
		}
	}

	seen := make(map[string]bool, len(columns))
	var unique []int
	for _, col := range columns {
		sig := columnSignature(kept, col)
		if seen[sig] {
			continue
		}
		seen[sig] = true
		unique = append(unique, col)
	}

	out := make([][]string, len(kept))
	for i, r := range kept {
		row := make([]string, len(unique))
		for j, col := range unique {
			row[j] = r[col]
		}
		out[i] = row
	}
	return out
}

func columnSignature(rows [][]string, col int) string {
	var sb strings.Builder
	sb.WriteString(NormText(rows[0][col]))
	for _, r := range rows[1:] {
		sb.WriteByte('\x1f')
		sb.WriteString(NormalizeCell(r[col]))
	}
	return sb.String()
}

// NormalizeCell renders a cell for duplicate detection: money-like text
// becomes a canonical number and anything else is lowercased.
func NormalizeCell(cell string) string {
	text := strings.TrimSpace(cell)
	if text == "" {
		return ""
	}
	text = strings.ReplaceAll(text, "−", "-")
	compact := whitespaceRe.ReplaceAllString(text, " ")
	candidate := currencyLeadRe.ReplaceAllString(compact, "")
	candidate = drCrSuffixRe.ReplaceAllString(candidate, "")
	candidate = strings.TrimSpace(candidate)
	if strings.HasPrefix(candidate, "(") && strings.HasSuffix(candidate, ")") {
		candidate = "-" + candidate[1:len(candidate)-1]
	}
	candidate = strings.ReplaceAll(candidate, ",", "")
	if plainNumberRe.MatchString(candidate) {
		if d, err := decimal.NewFromString(candidate); err == nil {
			return d.String()
		}
	}
	return strings.ToLower(compact)
}

// Separators carries a tenant's configured number punctuation. An empty
// Decimal means "." (or "," when Thousands is ".") and an empty Thousands
// means "," (or "." when Decimal is ",").
type Separators struct {
	Decimal   string
	Thousands string
}

// resolve fills in defaults. A decimal comma without an explicit thousands
// separator implies a thousands point, and the other way round.
func (s Separators) resolve() (decimalSep, thousands string) {
	decimalSep, thousands = s.Decimal, s.Thousands
	if decimalSep == "" {
		decimalSep = "."
		if thousands == "." {
			decimalSep = ","
		}
	}
	if thousands == "" {
		thousands = ","
		if decimalSep == "," {
			thousands = "."
		}
	}
	return decimalSep, thousands
}

// SeparatorsFor reads the separators from a contact configuration.
func SeparatorsFor(cfg *models.ContactConfig) Separators {
	if cfg == nil {
		return Separators{}
	}
	return Separators{Decimal: cfg.DecimalSeparator, Thousands: cfg.ThousandsSeparator}
}

// CleanNumber strips currency adornments and separators and applies the
// sign convention: parentheses and a trailing CR mean negative, a trailing
// DR is dropped. The result may still not be numeric.
func CleanNumber(value string, seps Separators) string {
	text := strings.TrimSpace(value)
	if text == "" {
		return ""
	}
	text = strings.ReplaceAll(text, "−", "-")

	negative := false
	lower := strings.ToLower(text)
	switch {
	case strings.HasSuffix(lower, "cr"):
		negative = true
		text = strings.TrimSpace(text[:len(text)-2])
	case strings.HasSuffix(lower, "dr"):
		text = strings.TrimSpace(text[:len(text)-2])
	}

	text = strings.Map(func(r rune) rune {
		switch r {
		case '$', '£', '€', '¥':
			return -1
		}
		return r
	}, text)

	if strings.HasPrefix(text, "(") && strings.HasSuffix(text, ")") {
		negative = true
		text = text[1 : len(text)-1]
	}
	if strings.HasSuffix(text, "-") && !strings.HasPrefix(text, "-") {
		negative = true
		text = text[:len(text)-1]
	}

	decimalSep, thousands := seps.resolve()
	if thousands != decimalSep {
		text = strings.ReplaceAll(text, thousands, "")
	}
	text = whitespaceRe.ReplaceAllString(text, "")
	if decimalSep != "." {
		text = strings.ReplaceAll(text, decimalSep, ".")
	}

	if negative {
		text = strings.TrimPrefix(text, "-")
		if text != "" {
			text = "-" + text
		}
	}
	return text
}

// ParseNumber returns the decimal for money-like text.
func ParseNumber(value string, seps Separators) (decimal.Decimal, bool) {
	clean := CleanNumber(value, seps)
	if !plainNumberRe.MatchString(clean) {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(clean)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

// LooksLikeMoney reports whether the cell parses as a number.
func LooksLikeMoney(value string) bool {
	_, ok := ParseNumber(value, Separators{})
	return ok
}

// CoerceNumber converts text to a numeric Value, or keeps the trimmed text.
// ok is false for blank input.
func CoerceNumber(value string, seps Separators) (models.Value, bool) {
	text := strings.TrimSpace(value)
	if text == "" {
		return models.Value{}, false
	}
	if d, ok := ParseNumber(text, seps); ok {
		return models.NumberValue(d), true
	}
	return models.TextValue(text), true
}
