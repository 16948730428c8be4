package classify

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/lithammer/fuzzysearch/fuzzy"

	"statement-reconciliation-service/internal/grid"
	"statement-reconciliation-service/internal/models"
)

// AmountHint says which side of the ledger a row's amounts landed on.
type AmountHint int

const (
	HintNone AmountHint = iota
	HintDebit
	HintCredit
)

func (h AmountHint) String() string {
	switch h {
	case HintDebit:
		return "debit"
	case HintCredit:
		return "credit"
	}
	return "none"
}

type synonymSet struct {
	Type     models.ItemType
	Synonyms []string
	Floor    float64
}

// itemSynonyms is scanned in order; on equal scores the earlier type wins.
var itemSynonyms = []synonymSet{
	{
		Type:     models.ItemTypePayment,
		Synonyms: []string{"payment", "paid", "receipt", "remittance", "banktransfer", "directdebit", "ddpayment", "cashreceipt"},
		Floor:    0.6,
	},
	{
		Type:     models.ItemTypeCreditNote,
		Synonyms: []string{"creditnote", "credit", "creditmemo", "crn", "cr", "cn"},
		Floor:    0.65,
	},
	{
		Type:     models.ItemTypeInvoice,
		Synonyms: []string{"invoice", "inv", "taxinvoice", "bill"},
		Floor:    0,
	},
}

const (
	exactScore      = 1.0
	prefixScore     = 0.9
	shortSynonymCap = 0.8
	shortSynonymLen = 2
)

var (
	debitHints  = []string{"debit", "dr"}
	creditHints = []string{"credit", "cr"}

	tokenRe = regexp.MustCompile(`[A-Za-z0-9]+`)
)

// normLabel lowercases and keeps letters and digits only.
func normLabel(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func compact(s string) string {
	return strings.ToUpper(normLabel(s))
}

func hasAffix(norm string, hints []string) bool {
	for _, h := range hints {
		if strings.HasPrefix(norm, h) || strings.HasSuffix(norm, h) {
			return true
		}
	}
	return false
}

func isDebitLabel(norm string) bool  { return hasAffix(norm, debitHints) }
func isCreditLabel(norm string) bool { return hasAffix(norm, creditHints) }

// hasAmount reports a non-zero number.
func hasAmount(v models.Value) bool {
	if v.IsNumber() {
		return !v.Number.IsZero()
	}
	d, ok := grid.ParseNumber(v.Text, grid.Separators{})
	return ok && !d.IsZero()
}

// EvaluateAmountHint looks at which configured or label-implied side of the
// total carries a non-zero amount. Only one side having an amount gives a
// hint.
func EvaluateAmountHint(raw map[string]string, total map[string]models.Value, cfg *models.ContactConfig) AmountHint {
	debit := make(map[string]bool)
	credit := make(map[string]bool)

	if cfg != nil {
		b, bucketed := cfg.Buckets[models.FieldTotal]
		if bucketed {
			for _, l := range b.Debit {
				if n := normLabel(l); n != "" {
					debit[n] = true
				}
			}
			for _, l := range b.Credit {
				if n := normLabel(l); n != "" {
					credit[n] = true
				}
			}
		}
		for _, l := range cfg.Labels(models.FieldTotal) {
			n := normLabel(l)
			if n == "" {
				continue
			}
			if isDebitLabel(n) {
				debit[n] = true
			}
			if isCreditLabel(n) {
				credit[n] = true
			}
		}
	}
	for k := range raw {
		n := normLabel(k)
		if isDebitLabel(n) {
			debit[n] = true
		} else if isCreditLabel(n) {
			credit[n] = true
		}
	}

	debitHas, creditHas := false, false
	for label, v := range total {
		n := normLabel(label)
		switch {
		case debit[n], !credit[n] && isDebitLabel(n):
			if hasAmount(v) {
				debitHas = true
			}
		case credit[n], isCreditLabel(n):
			if hasAmount(v) {
				creditHas = true
			}
		}
	}

	rawByNorm := make(map[string]string, len(raw))
	for k, v := range raw {
		rawByNorm[normLabel(k)] = v
	}
	rawHas := func(side map[string]bool) bool {
		for n := range side {
			if v, ok := rawByNorm[n]; ok && hasAmount(models.TextValue(v)) {
				return true
			}
		}
		return false
	}
	if !debitHas {
		debitHas = rawHas(debit)
	}
	if !creditHas {
		creditHas = rawHas(credit)
	}

	switch {
	case debitHas && !creditHas:
		return HintDebit
	case creditHas && !debitHas:
		return HintCredit
	}
	return HintNone
}

// candidatesFor narrows the types a hint allows and picks the fallback.
func candidatesFor(hint AmountHint, defaultType models.ItemType) (map[models.ItemType]bool, models.ItemType) {
	switch hint {
	case HintDebit:
		return map[models.ItemType]bool{models.ItemTypeInvoice: true}, models.ItemTypeInvoice
	case HintCredit:
		return map[models.ItemType]bool{models.ItemTypeCreditNote: true, models.ItemTypePayment: true}, models.ItemTypePayment
	}
	if !defaultType.IsValid() {
		defaultType = models.ItemTypeInvoice
	}
	return map[models.ItemType]bool{
		models.ItemTypeInvoice:    true,
		models.ItemTypeCreditNote: true,
		models.ItemTypePayment:    true,
	}, defaultType
}

// ratio is 1 - distance/longest, in [0, 1].
func ratio(a, b string) float64 {
	longest := len(a)
	if len(b) > longest {
		longest = len(b)
	}
	if longest == 0 {
		return 0
	}
	return 1 - float64(fuzzy.LevenshteinDistance(a, b))/float64(longest)
}

// synonymScore rates one synonym against the row text.
func synonymScore(syn, joined string, tokens []string) float64 {
	if strings.Contains(joined, syn) {
		return exactScore
	}
	best := 0.0
	for _, tok := range tokens {
		var score float64
		switch {
		case tok == syn:
			score = exactScore
		case strings.HasPrefix(tok, syn) || strings.HasPrefix(syn, tok):
			score = prefixScore
		default:
			score = ratio(tok, syn)
		}
		if len(syn) <= shortSynonymLen && score > shortSynonymCap {
			score = shortSynonymCap
		}
		if score > best {
			best = score
		}
	}
	return best
}

// ClassifyItemType scores the row text against the synonym tables and
// returns the winning type with its score. Evidence below the type's floor,
// or no text at all, yields the hint's default with score 0.
func ClassifyItemType(texts []string, hint AmountHint, defaultType models.ItemType) (models.ItemType, float64) {
	candidates, fallback := candidatesFor(hint, defaultType)

	var parts []string
	for _, t := range texts {
		if strings.TrimSpace(t) != "" {
			parts = append(parts, t)
		}
	}
	joinedText := strings.Join(parts, " ")
	if strings.TrimSpace(joinedText) == "" {
		return fallback, 0
	}

	var tokens []string
	for _, tok := range tokenRe.FindAllString(strings.ToUpper(joinedText), -1) {
		if c := compact(tok); c != "" {
			tokens = append(tokens, c)
		}
	}
	if len(tokens) == 0 {
		return fallback, 0
	}
	joined := compact(joinedText)

	bestType, bestScore, bestFloor := fallback, 0.0, 0.0
	for _, set := range itemSynonyms {
		if !candidates[set.Type] {
			continue
		}
		typeBest := 0.0
		for _, syn := range set.Synonyms {
			if s := synonymScore(compact(syn), joined, tokens); s > typeBest {
				typeBest = s
			}
		}
		if typeBest > bestScore {
			bestType, bestScore, bestFloor = set.Type, typeBest, set.Floor
		}
	}

	if bestScore < bestFloor {
		return fallback, 0
	}
	return bestType, bestScore
}
