package matcher

import (
	"regexp"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/cases"

	"statement-reconciliation-service/internal/dates"
	"statement-reconciliation-service/internal/grid"
	"statement-reconciliation-service/internal/models"
)

// DisplayMapping is the column layout shared by the statement and ledger
// sides of the reconciliation view.
type DisplayMapping struct {
	// Headers are the statement headers shown, in display order
	Headers []string `json:"headers"`

	// HeaderToField maps each shown header to its canonical field
	HeaderToField map[string]string `json:"header_to_field"`

	// NumberHeader is the header mapped to the number field, if any
	NumberHeader string `json:"number_header,omitempty"`

	// Rows holds one formatted row per statement item, keyed by header
	Rows []map[string]string `json:"rows"`
}

// CellComparison is one statement cell next to its ledger counterpart.
type CellComparison struct {
	Header         string `json:"header"`
	StatementValue string `json:"statement_value"`
	LedgerValue    string `json:"ledger_value"`
	Matches        bool   `json:"matches"`
	CanonicalField string `json:"canonical_field,omitempty"`
}

var nonNumericRe = regexp.MustCompile(`[^\d\-.,]`)

func normalizeHeaderName(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

type labelRank struct {
	field string
	rank  int
}

// headerFields maps normalized configured labels to canonical fields. The
// reference column is never displayed.
func headerFields(cfg *models.ContactConfig) map[string]labelRank {
	out := make(map[string]labelRank)
	if cfg == nil {
		return out
	}
	for i, field := range models.SimpleFields {
		if field == models.FieldReference {
			continue
		}
		for j, label := range cfg.Labels(field) {
			norm := normalizeHeaderName(label)
			if norm == "" {
				continue
			}
			if _, taken := out[norm]; !taken {
				out[norm] = labelRank{field: field, rank: i*1000 + j}
			}
		}
	}
	return out
}

// PrepareDisplayMappings picks the statement headers mapped by cfg, orders
// them with the configured leading fields first and formats each item's
// cells for display. Dates are re-rendered through the contact's template
// and totals as grouped money.
func (me *MatchingEngine) PrepareDisplayMappings(items []models.StatementItem, cfg *models.ContactConfig) *DisplayMapping {
	mapping := &DisplayMapping{
		Headers:       []string{},
		HeaderToField: make(map[string]string),
		Rows:          make([]map[string]string, len(items)),
	}

	fields := headerFields(cfg)
	seen := make(map[string]bool)
	var raw []string
	for i := range items {
		for header := range items[i].Raw {
			if !seen[header] {
				seen[header] = true
				raw = append(raw, header)
			}
		}
	}
	sort.Strings(raw)

	// Pages may spell the same label differently; the first spelling is
	// shown and the others read into it.
	ranks := make(map[string]int)
	byNorm := make(map[string]string)
	aliases := make(map[string][]string)
	var shown []string
	for _, header := range raw {
		norm := normalizeHeaderName(header)
		lr, ok := fields[norm]
		if !ok {
			continue
		}
		if first, dup := byNorm[norm]; dup {
			aliases[first] = append(aliases[first], header)
			continue
		}
		byNorm[norm] = header
		mapping.HeaderToField[header] = lr.field
		ranks[header] = lr.rank
		shown = append(shown, header)
	}
	sort.Slice(shown, func(a, b int) bool {
		if ranks[shown[a]] != ranks[shown[b]] {
			return ranks[shown[a]] < ranks[shown[b]]
		}
		return shown[a] < shown[b]
	})
	mapping.Headers = orderHeaders(shown, mapping.HeaderToField, me.Config.FieldOrder)

	for _, header := range mapping.Headers {
		if mapping.HeaderToField[header] == models.FieldNumber {
			mapping.NumberHeader = header
			break
		}
	}

	for i := range items {
		row := make(map[string]string, len(mapping.Headers))
		for _, header := range mapping.Headers {
			value := items[i].Raw[header]
			for _, alias := range aliases[header] {
				if strings.TrimSpace(value) != "" {
					break
				}
				value = items[i].Raw[alias]
			}
			row[header] = formatStatementValue(value, mapping.HeaderToField[header], cfg)
		}
		mapping.Rows[i] = row
	}

	return mapping
}

// orderHeaders puts the first header of each leading field in front and
// keeps the rest in their given order.
func orderHeaders(headers []string, headerToField map[string]string, leading []string) []string {
	ordered := make([]string, 0, len(headers))
	placed := make(map[string]bool, len(headers))
	for _, field := range leading {
		for _, h := range headers {
			if headerToField[h] == field {
				ordered = append(ordered, h)
				placed[h] = true
				break
			}
		}
	}
	for _, h := range headers {
		if !placed[h] {
			ordered = append(ordered, h)
		}
	}
	return ordered
}

func formatStatementValue(value, field string, cfg *models.ContactConfig) string {
	switch field {
	case models.FieldDate, models.FieldDueDate:
		if cfg == nil || strings.TrimSpace(value) == "" {
			return value
		}
		if cfg.DateFormat == "" {
			if t, err := dates.ParseISO(value); err == nil {
				return dates.ToISO(t)
			}
			return value
		}
		if t, err := dates.Parse(value, cfg.DateFormat, dates.AllowAmbiguous()); err == nil {
			return dates.Format(t, cfg.DateFormat)
		}
	case models.FieldTotal:
		return FormatMoneyText(value, grid.SeparatorsFor(cfg))
	}
	return value
}

// BuildRightRows returns the ledger side of the view: one row per display
// row with the matched document's values under the same headers. Rows
// without a match are blank. A total cell is only filled when the statement
// shows an amount under that header, and a zero statement amount stays
// zero so the opposite debit/credit column does not repeat the total.
func (me *MatchingEngine) BuildRightRows(mapping *DisplayMapping, matches map[string]MatchRecord, cfg *models.ContactConfig) []map[string]string {
	dateFormat := me.Config.LedgerDateFormat
	if cfg != nil && cfg.DateFormat != "" {
		dateFormat = cfg.DateFormat
	}

	right := make([]map[string]string, 0, len(mapping.Rows))
	for _, left := range mapping.Rows {
		var rec MatchRecord
		found := false
		if mapping.NumberHeader != "" {
			rec, found = matches[strings.TrimSpace(left[mapping.NumberHeader])]
		}

		row := make(map[string]string, len(mapping.Headers))
		for _, header := range mapping.Headers {
			field := mapping.HeaderToField[header]
			switch {
			case field == models.FieldTotal:
				leftValue := strings.TrimSpace(left[header])
				switch {
				case leftValue == "":
					row[header] = ""
				case isZeroAmount(leftValue):
					row[header] = FormatMoney(decimal.Zero)
				case found:
					row[header] = FormatMoney(rec.Invoice.Total)
				default:
					row[header] = ""
				}
			case !found:
				row[header] = ""
			case field == models.FieldDate || field == models.FieldDueDate:
				row[header] = dates.FormatISO(rec.Invoice.Field(field), dateFormat)
			case models.IsAmountField(field):
				row[header] = FormatMoneyText(rec.Invoice.Field(field), grid.Separators{})
			default:
				row[header] = rec.Invoice.Field(field)
			}
		}
		right = append(right, row)
	}
	return right
}

// isZeroAmount parses display money, which is always rendered with the
// default separators.
func isZeroAmount(value string) bool {
	d, ok := grid.ParseNumber(value, grid.Separators{})
	return ok && d.IsZero()
}

// BuildRowComparisons pairs every left cell with its right counterpart. The
// number column matches when the normalized numbers overlap; every other
// column uses Equal.
func BuildRowComparisons(left, right []map[string]string, headers []string, headerToField map[string]string) [][]CellComparison {
	n := len(left)
	if len(right) < n {
		n = len(right)
	}

	comparisons := make([][]CellComparison, n)
	for i := 0; i < n; i++ {
		cells := make([]CellComparison, 0, len(headers))
		for _, header := range headers {
			lv, rv := left[i][header], right[i][header]
			field := headerToField[header]

			var matches bool
			if field == models.FieldNumber {
				matches = NumbersOverlap(lv, rv)
			} else {
				matches = Equal(lv, rv)
			}

			cells = append(cells, CellComparison{
				Header:         header,
				StatementValue: lv,
				LedgerValue:    rv,
				Matches:        matches,
				CanonicalField: field,
			})
		}
		comparisons[i] = cells
	}
	return comparisons
}

// Equal compares two display values. When either side looks numeric they
// must both be numbers of equal value; otherwise the trimmed texts are
// compared case-insensitively.
func Equal(a, b string) bool {
	da, okA := looseNumber(a)
	db, okB := looseNumber(b)
	if okA || okB {
		return okA && okB && da.Equal(db)
	}
	fold := cases.Fold()
	return fold.String(strings.TrimSpace(a)) == fold.String(strings.TrimSpace(b))
}

// looseNumber drops every character but digits, '-', '.' and ',' and
// parses what is left with ',' as a thousands separator.
func looseNumber(s string) (decimal.Decimal, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, false
	}
	s = strings.ReplaceAll(nonNumericRe.ReplaceAllString(s, ""), ",", "")
	if s == "" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

// FormatMoneyText renders value as grouped money when it parses with seps,
// otherwise returns it unchanged.
func FormatMoneyText(value string, seps grid.Separators) string {
	if strings.TrimSpace(value) == "" {
		return ""
	}
	d, ok := grid.ParseNumber(value, seps)
	if !ok {
		return value
	}
	return FormatMoney(d)
}

// FormatMoney renders d with two decimals and comma thousands groups.
func FormatMoney(d decimal.Decimal) string {
	fixed := d.StringFixed(2)
	sign := ""
	if strings.HasPrefix(fixed, "-") {
		sign, fixed = "-", fixed[1:]
	}
	intPart, frac := fixed, ""
	if dot := strings.IndexByte(fixed, '.'); dot >= 0 {
		intPart, frac = fixed[:dot], fixed[dot:]
	}

	var sb strings.Builder
	sb.WriteString(sign)
	for i, r := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			sb.WriteByte(',')
		}
		sb.WriteRune(r)
	}
	sb.WriteString(frac)
	return sb.String()
}
