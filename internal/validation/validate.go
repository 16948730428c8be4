package validation

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"statement-reconciliation-service/internal/models"
	"statement-reconciliation-service/pkg/logger"
)

const (
	// MaxNgram is the longest token run considered when scanning text.
	MaxNgram = 5

	hardSeparators = ":."
)

var tokenRe = regexp.MustCompile(`[A-Z0-9]+`)

// TextSource yields the text of each document page.
type TextSource interface {
	PageTexts(ctx context.Context) ([]string, error)
}

// StaticText is a TextSource over already extracted pages.
type StaticText []string

// PageTexts returns the pages.
func (s StaticText) PageTexts(context.Context) ([]string, error) {
	return s, nil
}

// RefHit is one statement reference and where it came from.
type RefHit struct {
	Index     int    `json:"index"`
	Reference string `json:"reference"`
}

// Result is the outcome of a round-trip check.
type Result struct {
	Summary    models.ValidationSummary
	Found      []RefHit
	NotFound   []RefHit
	Candidates []string
	Family     *ReferenceFamily
}

// ItemCountDisagreementError reports references missing from the document
// or document references missing from the statement.
type ItemCountDisagreementError struct {
	Found   int
	Unique  int
	Summary models.ValidationSummary
}

func (e *ItemCountDisagreementError) Error() string {
	return fmt.Sprintf("item count disagreement: %d of %d statement references found in document, %d document-only references",
		e.Found, e.Unique, len(e.Summary.PDFOnlyRefs))
}

// Validator runs the round-trip check.
type Validator struct {
	logger logger.Logger
}

// NewValidator creates a Validator.
func NewValidator(log logger.Logger) *Validator {
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return &Validator{logger: log.WithComponent("reference-validator")}
}

// ValidateRoundtrip checks every non-empty field value of items against the
// document text, then scans the text for references of the same family that
// the statement lacks. A document without text is skipped. Any mismatch is
// returned as *ItemCountDisagreementError together with the full result.
func (v *Validator) ValidateRoundtrip(ctx context.Context, src TextSource, items []models.StatementItem, field string) (*Result, error) {
	if field == "" {
		field = models.FieldNumber
	}

	pages, err := src.PageTexts(ctx)
	if err != nil {
		return nil, err
	}

	log := v.logger.WithFields(logger.Fields{
		"items": len(items),
		"field": field,
	})

	if !hasText(pages) {
		log.Warn("Document has no text layer, skipping reference validation")
		return &Result{Summary: models.ValidationSummary{Skipped: true, PDFOnlyRefs: []string{}, NotFound: []string{}}}, nil
	}

	var refs []RefHit
	unique := make(map[string]bool)
	for i := range items {
		ref := strings.TrimSpace(items[i].TextField(field))
		if ref == "" {
			continue
		}
		refs = append(refs, RefHit{Index: i, Reference: ref})
		unique[Normalize(ref)] = true
	}
	log.WithFields(logger.Fields{
		"refs":   len(refs),
		"unique": len(unique),
	}).Debug("Collected statement references")

	text := Normalize(strings.Join(pages, "\n"))
	res := &Result{}
	for _, r := range refs {
		if strings.Contains(text, Normalize(r.Reference)) {
			res.Found = append(res.Found, r)
		} else {
			res.NotFound = append(res.NotFound, r)
		}
	}

	raw := make([]string, len(refs))
	for i, r := range refs {
		raw[i] = r.Reference
	}
	res.Family = LearnFamily(raw)
	candidates := ScanCandidates(pages, res.Family)
	res.Candidates = candidates

	var pdfOnly []string
	for _, c := range candidates {
		if !unique[c] {
			pdfOnly = append(pdfOnly, c)
		}
	}

	notFound := make([]string, 0, len(res.NotFound))
	for _, r := range res.NotFound {
		notFound = append(notFound, r.Reference)
	}
	if pdfOnly == nil {
		pdfOnly = []string{}
	}

	res.Summary = models.ValidationSummary{
		Checked:       len(refs),
		Found:         len(res.Found),
		Missing:       len(res.NotFound),
		PDFCandidates: len(candidates),
		PDFOnlyRefs:   pdfOnly,
		NotFound:      notFound,
		FamilyPattern: res.Family.Source,
		Disagreement:  len(res.NotFound) > 0 || len(pdfOnly) > 0,
	}

	log.WithFields(logger.Fields{
		"checked":        res.Summary.Checked,
		"found":          res.Summary.Found,
		"not_found":      res.Summary.Missing,
		"pdf_candidates": res.Summary.PDFCandidates,
		"pdf_only":       len(pdfOnly),
	}).Info("Reference round-trip complete")

	if res.Summary.Disagreement {
		return res, &ItemCountDisagreementError{
			Found:   len(res.Found),
			Unique:  len(unique),
			Summary: res.Summary,
		}
	}
	return res, nil
}

func hasText(pages []string) bool {
	for _, p := range pages {
		if strings.TrimSpace(p) != "" {
			return true
		}
	}
	return false
}

// ScanCandidates returns the sorted, normalized substrings of the pages that
// the family fully matches. Candidates are runs of up to MaxNgram
// alphanumeric tokens; a run spanning ':' or '.' is skipped.
func ScanCandidates(pages []string, family *ReferenceFamily) []string {
	if family == nil || family.Pattern == nil {
		return []string{}
	}

	seen := make(map[string]bool)
	for _, page := range pages {
		upper := strings.ToUpper(page)
		spans := tokenRe.FindAllStringIndex(upper, -1)
		for n := 1; n <= MaxNgram && n <= len(spans); n++ {
			for i := 0; i+n <= len(spans); i++ {
				segment := upper[spans[i][0]:spans[i+n-1][1]]
				if strings.ContainsAny(segment, hardSeparators) {
					continue
				}
				norm := separatorRe.ReplaceAllString(segment, "")
				if family.Match(norm) {
					seen[norm] = true
				}
			}
		}
	}

	out := make([]string, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}
