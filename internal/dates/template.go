// Package dates parses and formats dates with the small token grammar that
// suppliers use to describe their statement date columns.
//
// Supported tokens (matched longest first, case-sensitive):
//
//	YYYY  four digit year          YY    two digit year (2000+YY)
//	MMMM  full month name          MMM   month abbreviation
//	MM    two digit month          M     one or two digit month
//	DD    two digit day            D     one or two digit day
//	Do    ordinal day (1st, 22nd)  dddd  weekday name
//
// Any other character is a literal. A bracketed part such as "DD MMM[ YYYY]"
// is optional when parsing and rendered without brackets when formatting.
//
// Example usage:
//
//	t, err := dates.Parse("13/03/2024", "DD/MM/YYYY")
//	s := dates.Format(t, "Do MMMM YYYY") // "13th March 2024"
package dates

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

var (
	// ErrNoMatch is returned when the value does not fit the template.
	ErrNoMatch = errors.New("value does not match date template")
	// ErrIncompleteDate is returned when year, month or day cannot be resolved.
	ErrIncompleteDate = errors.New("date is missing year, month or day")
	// ErrInvalidDate is returned for impossible calendar dates such as 30 February.
	ErrInvalidDate = errors.New("invalid calendar date")
	// ErrAmbiguousDate is returned when an all-numeric date could be read
	// either way round.
	ErrAmbiguousDate = errors.New("ambiguous date: day and month are interchangeable")
	// ErrConflictingComponents is returned when a repeated token disagrees.
	ErrConflictingComponents = errors.New("conflicting date components")
	// ErrUnknownMonth is returned for unrecognised month names.
	ErrUnknownMonth = errors.New("unknown month name")
	// ErrAmbiguousTemplate is returned for templates that cannot be split
	// deterministically, such as two variable-width numbers side by side.
	ErrAmbiguousTemplate = errors.New("ambiguous date template")
	// ErrIncompleteTemplate is returned for templates lacking a year, month or day token.
	ErrIncompleteTemplate = errors.New("date template cannot resolve year, month and day")
)

type tokenKind int

const (
	kindLiteral tokenKind = iota
	kindToken
	kindOptional
)

// tokenOrder is longest-match-first; Do must precede D and dddd must precede D.
var tokenOrder = []string{"YYYY", "MMMM", "dddd", "MMM", "Do", "MM", "DD", "YY", "M", "D"}

var tokenPatterns = map[string]string{
	"YYYY": `\d{4}`,
	"YY":   `\d{2}`,
	"MMMM": `[A-Za-z]+`,
	"MMM":  `[A-Za-z]{3,}`,
	"MM":   `\d{2}`,
	"M":    `\d{1,2}`,
	"DD":   `\d{2}`,
	"D":    `\d{1,2}`,
	"Do":   `\d{1,2}(?i:st|nd|rd|th)`,
	"dddd": `[A-Za-z]+`,
}

type part struct {
	kind     tokenKind
	text     string
	children []part
}

type compiled struct {
	re              *regexp.Regexp
	groups          map[string]string
	parts           []part
	textualMonth    bool
	numericMonth    bool
	numericDay      bool
	ordinal         bool
	hasYear         bool
	hasMonth        bool
	hasDay          bool
	ambiguousLayout bool
}

var cache sync.Map

// Option tunes parsing.
type Option func(*options)

type options struct {
	allowAmbiguous bool
}

// AllowAmbiguous trusts the template's day/month order for all-numeric dates
// instead of returning ErrAmbiguousDate.
func AllowAmbiguous() Option {
	return func(o *options) { o.allowAmbiguous = true }
}

func compile(template string) *compiled {
	if c, ok := cache.Load(template); ok {
		return c.(*compiled)
	}

	c := &compiled{groups: make(map[string]string)}
	c.parts = splitTemplate(template)

	var sb strings.Builder
	sb.WriteString("^")
	counter := 0
	c.writePattern(&sb, c.parts, &counter)
	sb.WriteString("$")
	c.re = regexp.MustCompile(sb.String())
	c.ambiguousLayout = adjacentVariableNumbers(c.parts)

	actual, _ := cache.LoadOrStore(template, c)
	return actual.(*compiled)
}

func (c *compiled) writePattern(sb *strings.Builder, parts []part, counter *int) {
	for _, p := range parts {
		switch p.kind {
		case kindLiteral:
			sb.WriteString(regexp.QuoteMeta(p.text))
		case kindOptional:
			sb.WriteString("(?:")
			c.writePattern(sb, p.children, counter)
			sb.WriteString(")?")
		case kindToken:
			name := fmt.Sprintf("t%d", *counter)
			*counter++
			c.groups[name] = p.text
			fmt.Fprintf(sb, "(?P<%s>%s)", name, tokenPatterns[p.text])
			c.note(p.text)
		}
	}
}

func (c *compiled) note(token string) {
	switch token {
	case "YYYY", "YY":
		c.hasYear = true
	case "MMMM", "MMM":
		c.hasMonth = true
		c.textualMonth = true
	case "MM", "M":
		c.hasMonth = true
		c.numericMonth = true
	case "DD", "D":
		c.hasDay = true
		c.numericDay = true
	case "Do":
		c.hasDay = true
		c.ordinal = true
	}
}

func splitTemplate(template string) []part {
	var parts []part
	var literal strings.Builder
	flush := func() {
		if literal.Len() > 0 {
			parts = append(parts, part{kind: kindLiteral, text: literal.String()})
			literal.Reset()
		}
	}

	for i := 0; i < len(template); {
		if template[i] == '[' {
			if end := matchingBracket(template, i); end > i {
				flush()
				parts = append(parts, part{kind: kindOptional, children: splitTemplate(template[i+1 : end])})
				i = end + 1
				continue
			}
		}

		matched := ""
		for _, tok := range tokenOrder {
			if strings.HasPrefix(template[i:], tok) {
				matched = tok
				break
			}
		}
		if matched != "" {
			flush()
			parts = append(parts, part{kind: kindToken, text: matched})
			i += len(matched)
			continue
		}

		literal.WriteByte(template[i])
		i++
	}
	flush()
	return parts
}

func matchingBracket(s string, open int) int {
	depth := 0
	for i := open; i < len(s); i++ {
		switch s[i] {
		case '[':
			depth++
		case ']':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func isVariableNumeric(tok string) bool {
	return tok == "M" || tok == "D"
}

func isNumeric(tok string) bool {
	switch tok {
	case "YYYY", "YY", "MM", "M", "DD", "D", "Do":
		return true
	}
	return false
}

// adjacentVariableNumbers reports a numeric token directly followed by another
// numeric token where at least one has variable width.
func adjacentVariableNumbers(parts []part) bool {
	prev := ""
	for _, p := range parts {
		switch p.kind {
		case kindToken:
			if isNumeric(prev) && isNumeric(p.text) && (isVariableNumeric(prev) || isVariableNumeric(p.text)) {
				return true
			}
			prev = p.text
		case kindOptional:
			if adjacentVariableNumbers(p.children) {
				return true
			}
			prev = ""
		default:
			prev = ""
		}
	}
	return false
}

// ValidateTemplate reports whether a configured template can be used at all.
func ValidateTemplate(template string) error {
	if strings.TrimSpace(template) == "" {
		return ErrIncompleteTemplate
	}
	c := compile(template)
	if !c.hasYear || !c.hasMonth || !c.hasDay {
		return fmt.Errorf("%w: %q", ErrIncompleteTemplate, template)
	}
	if c.ambiguousLayout {
		return fmt.Errorf("%w: %q", ErrAmbiguousTemplate, template)
	}
	return nil
}

// IsAllNumeric reports whether the template gives day and month as plain
// numbers without a textual month or an ordinal day.
func IsAllNumeric(template string) bool {
	c := compile(template)
	return c.numericMonth && c.numericDay && !c.textualMonth && !c.ordinal
}

// Parse reads value using template and returns a UTC midnight time.
func Parse(value, template string, opts ...Option) (time.Time, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	s := strings.TrimSpace(value)
	if s == "" || strings.TrimSpace(template) == "" {
		return time.Time{}, ErrNoMatch
	}

	c := compile(template)
	match := c.re.FindStringSubmatch(s)
	if match == nil {
		return time.Time{}, fmt.Errorf("%w: %q against %q", ErrNoMatch, s, template)
	}

	var year, month, day int
	for i, name := range c.re.SubexpNames() {
		tok, ok := c.groups[name]
		if !ok || match[i] == "" {
			continue
		}
		raw := match[i]
		var err error
		switch tok {
		case "YYYY":
			err = setComponent(&year, "year", atoi(raw))
		case "YY":
			err = setComponent(&year, "year", 2000+atoi(raw))
		case "MMMM", "MMM":
			m, ok := MonthFromName(raw)
			if !ok {
				return time.Time{}, fmt.Errorf("%w: %q", ErrUnknownMonth, raw)
			}
			err = setComponent(&month, "month", m)
		case "MM", "M":
			err = setComponent(&month, "month", atoi(raw))
		case "DD", "D":
			err = setComponent(&day, "day", atoi(raw))
		case "Do":
			err = setComponent(&day, "day", atoi(strings.TrimRight(raw, "stndrhSTNDRH")))
		}
		if err != nil {
			return time.Time{}, err
		}
	}

	if year == 0 || month == 0 || day == 0 {
		return time.Time{}, ErrIncompleteDate
	}

	if !o.allowAmbiguous && c.numericMonth && c.numericDay && !c.textualMonth && !c.ordinal &&
		day <= 12 && month <= 12 && day != month {
		return time.Time{}, fmt.Errorf("%w: %q", ErrAmbiguousDate, s)
	}

	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	if t.Year() != year || int(t.Month()) != month || t.Day() != day {
		return time.Time{}, fmt.Errorf("%w: %04d-%02d-%02d", ErrInvalidDate, year, month, day)
	}
	return t, nil
}

// ParseISO parses the date portion of an ISO 8601 string.
func ParseISO(value string) (time.Time, error) {
	s := strings.TrimSpace(value)
	if len(s) >= 10 && s[4] == '-' && s[7] == '-' {
		if t, err := time.Parse("2006-01-02", s[:10]); err == nil {
			return t, nil
		}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q is not ISO 8601", ErrNoMatch, s)
	}
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
}

// ParseWithFallback tries the template (trusting its day/month order) and
// then ISO 8601, for values that were already normalized upstream.
func ParseWithFallback(value, template string) (time.Time, error) {
	if template != "" {
		if t, err := Parse(value, template, AllowAmbiguous()); err == nil {
			return t, nil
		}
	}
	return ParseISO(value)
}

// ToISO renders a date as YYYY-MM-DD.
func ToISO(t time.Time) string {
	return t.Format("2006-01-02")
}

func setComponent(dst *int, name string, v int) error {
	if *dst != 0 && *dst != v {
		return fmt.Errorf("%w: %s %d vs %d", ErrConflictingComponents, name, *dst, v)
	}
	*dst = v
	return nil
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

// MonthFromName resolves a month by full name, abbreviation or three-letter
// prefix, case-insensitively. "sept" is accepted for September.
func MonthFromName(name string) (int, bool) {
	txt := strings.ToLower(strings.TrimSpace(name))
	if txt == "" {
		return 0, false
	}
	if txt == "sept" {
		return 9, true
	}
	for m := time.January; m <= time.December; m++ {
		full := strings.ToLower(m.String())
		if txt == full || txt == full[:3] {
			return int(m), true
		}
	}
	if len(txt) >= 3 {
		prefix := txt[:3]
		for m := time.January; m <= time.December; m++ {
			if strings.ToLower(m.String())[:3] == prefix {
				return int(m), true
			}
		}
	}
	return 0, false
}

// Format renders t using template. Unknown characters pass through.
func Format(t time.Time, template string) string {
	var sb strings.Builder
	formatParts(&sb, t, compile(template).parts)
	return sb.String()
}

// FormatISO reformats an ISO date string with template. Values that are not
// ISO dates are returned unchanged.
func FormatISO(value, template string) string {
	if strings.TrimSpace(value) == "" {
		return ""
	}
	t, err := ParseISO(value)
	if err != nil {
		return value
	}
	if template == "" {
		return ToISO(t)
	}
	return Format(t, template)
}

func formatParts(sb *strings.Builder, t time.Time, parts []part) {
	for _, p := range parts {
		switch p.kind {
		case kindLiteral:
			sb.WriteString(p.text)
		case kindOptional:
			formatParts(sb, t, p.children)
		case kindToken:
			sb.WriteString(formatToken(t, p.text))
		}
	}
}

func formatToken(t time.Time, tok string) string {
	switch tok {
	case "YYYY":
		return fmt.Sprintf("%04d", t.Year())
	case "YY":
		return fmt.Sprintf("%02d", t.Year()%100)
	case "MMMM":
		return t.Month().String()
	case "MMM":
		return t.Month().String()[:3]
	case "MM":
		return fmt.Sprintf("%02d", int(t.Month()))
	case "M":
		return strconv.Itoa(int(t.Month()))
	case "DD":
		return fmt.Sprintf("%02d", t.Day())
	case "D":
		return strconv.Itoa(t.Day())
	case "Do":
		return Ordinal(t.Day())
	case "dddd":
		return t.Weekday().String()
	}
	return tok
}

// Ordinal renders 1 as "1st", 12 as "12th", 22 as "22nd".
func Ordinal(n int) string {
	suffix := "th"
	if n%100 < 11 || n%100 > 13 {
		switch n % 10 {
		case 1:
			suffix = "st"
		case 2:
			suffix = "nd"
		case 3:
			suffix = "rd"
		}
	}
	return strconv.Itoa(n) + suffix
}
