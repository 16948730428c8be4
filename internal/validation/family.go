// Package validation cross-checks extracted statement references against
// the document's own text layer.
package validation

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Family learning thresholds.
const (
	// DigitPrefixLen is how many leading digits group tails into buckets.
	DigitPrefixLen = 3
	// MinSamples is the smallest prefix family that gets bucketed.
	MinSamples = 3
	// Coverage is the share of a family its kept buckets must cover.
	Coverage = 0.6
)

var (
	separatorRe = regexp.MustCompile(`[\s\-_/.]`)
	splitRe     = regexp.MustCompile(`^([A-Z]*)(\d+)$`)
)

// Normalize uppercases s and removes whitespace and - _ / . separators.
func Normalize(s string) string {
	return separatorRe.ReplaceAllString(strings.ToUpper(strings.TrimSpace(s)), "")
}

// ReferenceFamily is a pattern describing the shape of a statement's
// references.
type ReferenceFamily struct {
	Pattern *regexp.Regexp
	Source  string
}

// Match reports whether a normalized candidate is entirely matched by the
// family. An empty family matches nothing.
func (f *ReferenceFamily) Match(normalized string) bool {
	if f == nil || f.Pattern == nil {
		return false
	}
	return f.Pattern.MatchString(normalized)
}

// LearnFamily builds a family from example references. References split
// into a letter prefix and a digit tail; each prefix yields one or more
// alternatives and unsplittable references are kept as literals.
func LearnFamily(refs []string) *ReferenceFamily {
	unique := make(map[string]bool)
	var examples []string
	for _, r := range refs {
		if strings.TrimSpace(r) == "" {
			continue
		}
		n := Normalize(r)
		if n == "" || unique[n] {
			continue
		}
		unique[n] = true
		examples = append(examples, n)
	}
	if len(examples) == 0 {
		return &ReferenceFamily{}
	}
	sort.Strings(examples)

	var prefixes []string
	tails := make(map[string][]string)
	var leftovers []string
	for _, s := range examples {
		m := splitRe.FindStringSubmatch(s)
		if m == nil {
			leftovers = append(leftovers, s)
			continue
		}
		if _, ok := tails[m[1]]; !ok {
			prefixes = append(prefixes, m[1])
		}
		tails[m[1]] = append(tails[m[1]], m[2])
	}

	var parts []string
	for _, prefix := range prefixes {
		parts = append(parts, prefixAlternatives(prefix, tails[prefix])...)
	}
	if len(leftovers) > 0 {
		quoted := make([]string, len(leftovers))
		for i, s := range leftovers {
			quoted[i] = regexp.QuoteMeta(s)
		}
		parts = append(parts, "(?:"+strings.Join(quoted, "|")+")")
	}

	source := "(?:" + strings.Join(parts, "|") + ")"
	return &ReferenceFamily{
		Pattern: regexp.MustCompile("^" + source + "$"),
		Source:  source,
	}
}

func digitRange(prefix string, lo, hi int) string {
	if lo == hi {
		return fmt.Sprintf(`%s\d{%d}`, regexp.QuoteMeta(prefix), lo)
	}
	return fmt.Sprintf(`%s\d{%d,%d}`, regexp.QuoteMeta(prefix), lo, hi)
}

func lengthRange(values []string) (int, int) {
	lo, hi := len(values[0]), len(values[0])
	for _, v := range values[1:] {
		if len(v) < lo {
			lo = len(v)
		}
		if len(v) > hi {
			hi = len(v)
		}
	}
	return lo, hi
}

// prefixAlternatives narrows a prefix family by its leading digits when
// there are enough samples and the kept buckets cover enough of them.
// Otherwise it falls back to the prefix with a digit length range.
func prefixAlternatives(prefix string, tails []string) []string {
	lo, hi := lengthRange(tails)
	if len(tails) < MinSamples || lo == 0 {
		return []string{digitRange(prefix, lo, hi)}
	}

	var order []string
	counts := make(map[string]int)
	for _, t := range tails {
		k := t
		if len(k) > DigitPrefixLen {
			k = k[:DigitPrefixLen]
		}
		if _, ok := counts[k]; !ok {
			order = append(order, k)
		}
		counts[k]++
	}

	total := float64(len(tails))
	perBucket := Coverage / float64(len(counts))
	var kept []string
	for _, k := range order {
		if float64(counts[k])/total >= perBucket || counts[k] >= 2 {
			kept = append(kept, k)
		}
	}
	if len(kept) == 0 {
		byCount := append([]string(nil), order...)
		sort.SliceStable(byCount, func(i, j int) bool { return counts[byCount[i]] > counts[byCount[j]] })
		covered := 0
		for _, k := range byCount {
			kept = append(kept, k)
			covered += counts[k]
			if float64(covered)/total >= Coverage {
				break
			}
		}
	}

	covered := 0
	for _, k := range kept {
		covered += counts[k]
	}
	if float64(covered)/total < Coverage {
		return []string{digitRange(prefix, lo, hi)}
	}

	out := make([]string, 0, len(kept))
	for _, k := range kept {
		var matching []string
		for _, t := range tails {
			if strings.HasPrefix(t, k) {
				matching = append(matching, t)
			}
		}
		klo, khi := lengthRange(matching)
		remLo, remHi := klo-len(k), khi-len(k)
		if remLo < 0 {
			remLo = 0
		}
		if remHi < 0 {
			remHi = 0
		}
		out = append(out, digitRange(prefix+k, remLo, remHi))
	}
	return out
}
