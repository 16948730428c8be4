package anomaly

import (
	"regexp"
	"strings"

	"statement-reconciliation-service/internal/models"
)

type tokenRule struct {
	tokens []string
	label  string
}

// suspectRules are checked in order; the first whose tokens are all present
// wins.
var suspectRules = []tokenRule{
	{[]string{"brought", "forward"}, "brought forward"},
	{[]string{"carried", "forward"}, "carried forward"},
	{[]string{"balance", "forward"}, "balance forward"},
	{[]string{"balance", "b", "f"}, "balance b/f"},
	{[]string{"balance", "c", "f"}, "balance c/f"},
	{[]string{"balance", "bf"}, "balance bf"},
	{[]string{"balance", "cf"}, "balance cf"},
	{[]string{"closing", "balance"}, "closing balance"},
	{[]string{"opening", "balance"}, "opening balance"},
	{[]string{"previous", "balance"}, "previous balance"},
	{[]string{"statement", "balance"}, "statement balance"},
	{[]string{"statement", "total"}, "statement total"},
	{[]string{"outstanding", "balance"}, "outstanding balance"},
	{[]string{"ending", "balance"}, "ending balance"},
	{[]string{"final", "balance"}, "final balance"},
	{[]string{"amount", "due"}, "amount due"},
	{[]string{"balance", "brought"}, "balance brought"},
	{[]string{"balance", "carried"}, "balance carried"},
	{[]string{"summary"}, "summary"},
	{[]string{"balance"}, "balance"},
}

// bare rules only fire on short texts without digits.
const bareRuleMaxTokens = 3

var (
	nonAlnumRe = regexp.MustCompile(`[^a-z0-9 ]+`)
	digitsRe   = regexp.MustCompile(`^\d+$`)
)

func tokenize(text string) []string {
	text = strings.ReplaceAll(strings.ToLower(text), "/", " ")
	return strings.Fields(nonAlnumRe.ReplaceAllString(text, " "))
}

// KeywordHit returns the label of the first balance or summary rule text
// satisfies, or "".
func KeywordHit(text string) string {
	tokens := tokenize(text)
	if len(tokens) == 0 {
		return ""
	}
	set := make(map[string]bool, len(tokens))
	hasDigits := false
	for _, t := range tokens {
		set[t] = true
		if digitsRe.MatchString(t) {
			hasDigits = true
		}
	}

	for _, rule := range suspectRules {
		if !hasAll(set, rule.tokens) {
			continue
		}
		if len(rule.tokens) == 1 {
			if len(tokens) <= bareRuleMaxTokens && !hasDigits {
				return rule.label
			}
			continue
		}
		return rule.label
	}
	return ""
}

func hasAll(set map[string]bool, tokens []string) bool {
	for _, t := range tokens {
		if !set[t] {
			return false
		}
	}
	return true
}

// lexicalIssues flags identifiers that read like balance or summary lines,
// and rows with money and a reference but no number.
func lexicalIssues(item *models.StatementItem) []string {
	var issues []string
	number := strings.TrimSpace(item.Number)
	reference := strings.TrimSpace(item.Reference)

	if number == "" {
		_, hasMoney := models.SumNumbers(item.Total)
		if hasMoney && reference != "" && KeywordHit(reference) == "" {
			issues = append(issues, IssueMissingNumber)
		}
	} else if KeywordHit(number) != "" {
		issues = append(issues, IssueKeywordNumber)
	}

	if reference != "" && KeywordHit(reference) != "" {
		issues = append(issues, IssueKeywordReference)
	}
	return issues
}
