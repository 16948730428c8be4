// Package anomaly flags statement items that sit far outside the bulk of a
// statement, using robust z-scores and a keyword pass over identifiers.
package anomaly

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"statement-reconciliation-service/internal/models"
	"statement-reconciliation-service/pkg/logger"
)

const (
	// FlagLabel is appended to flagged items.
	FlagLabel = "ml-outlier"

	// DefaultThreshold is the |z| at which a field value is an outlier.
	DefaultThreshold = 3.5

	// MinSampleSize is how many observed values a field needs to take part.
	MinSampleSize = 5

	// MethodZScore makes Options.ZScoreZ the threshold.
	MethodZScore = "zscore"

	madScale = 1.4826
	epsilon  = 1e-9
)

// Scale methods reported in field statistics.
const (
	ScaleIQR      = "iqr"
	ScaleMAD      = "mad"
	ScaleUnit     = "unit_fallback"
	ScaleConstant = "constant"
)

// Issues raised by the keyword pass.
const (
	IssueKeywordNumber    = "keyword-number"
	IssueKeywordReference = "keyword-reference"
	IssueMissingNumber    = "missing-number"
)

// Options controls Apply.
type Options struct {
	// Remove drops flagged items instead of annotating them.
	Remove bool
	// OneBasedIndex reports summary indexes starting at 1.
	OneBasedIndex bool
	// Threshold overrides DefaultThreshold when positive.
	Threshold float64
	// ThresholdMethod "zscore" uses ZScoreZ as the threshold.
	ThresholdMethod string
	ZScoreZ         float64
}

func (o Options) threshold() float64 {
	if o.ThresholdMethod == MethodZScore && o.ZScoreZ > 0 {
		return o.ZScoreZ
	}
	if o.Threshold > 0 {
		return o.Threshold
	}
	return DefaultThreshold
}

type fieldSpec struct {
	name    string
	metric  string
	extract func(*models.StatementItem) (float64, bool)
	raw     func(*models.StatementItem) string
}

func bucketSum(field string) func(*models.StatementItem) (float64, bool) {
	return func(it *models.StatementItem) (float64, bool) {
		sum, ok := models.SumNumbers(it.Buckets(field))
		if !ok {
			return 0, false
		}
		return sum.InexactFloat64(), true
	}
}

func bucketText(field string) func(*models.StatementItem) string {
	return func(it *models.StatementItem) string {
		b := it.Buckets(field)
		keys := make([]string, 0, len(b))
		for k := range b {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = fmt.Sprintf("%s=%s", k, b[k].String())
		}
		return strings.Join(parts, ", ")
	}
}

func textLength(field string) func(*models.StatementItem) (float64, bool) {
	return func(it *models.StatementItem) (float64, bool) {
		s := strings.TrimSpace(it.TextField(field))
		if s == "" {
			return 0, false
		}
		return float64(len([]rune(s))), true
	}
}

func textValue(field string) func(*models.StatementItem) string {
	return func(it *models.StatementItem) string { return it.TextField(field) }
}

var fieldSpecs = []fieldSpec{
	{models.FieldTotal, "value", bucketSum(models.FieldTotal), bucketText(models.FieldTotal)},
	{models.FieldAmountPaid, "value", bucketSum(models.FieldAmountPaid), bucketText(models.FieldAmountPaid)},
	{models.FieldAmountDue, "value", bucketSum(models.FieldAmountDue), bucketText(models.FieldAmountDue)},
	{models.FieldNumber, "length", textLength(models.FieldNumber), textValue(models.FieldNumber)},
	{models.FieldReference, "length", textLength(models.FieldReference), textValue(models.FieldReference)},
}

// Detector applies outlier flags to statements.
type Detector struct {
	logger logger.Logger
}

// NewDetector creates a Detector.
func NewDetector(log logger.Logger) *Detector {
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return &Detector{logger: log.WithComponent("anomaly-detector")}
}

type activeField struct {
	spec   fieldSpec
	median float64
	scale  float64
	values []float64
	seen   []bool
}

// Apply flags outliers in stmt and returns it with a summary. The summary is
// also stored on the statement.
func (d *Detector) Apply(stmt *models.SupplierStatement, opts Options) (*models.SupplierStatement, *models.AnomalySummary) {
	summary := &models.AnomalySummary{
		Removed:      opts.Remove,
		FlaggedItems: []models.FlaggedItem{},
		FieldStats:   map[string]models.FieldStats{},
	}
	if stmt == nil || len(stmt.Items) == 0 {
		return stmt, summary
	}

	items := stmt.Items
	threshold := opts.threshold()
	summary.Total = len(items)

	var active []activeField
	for _, spec := range fieldSpecs {
		values := make([]float64, len(items))
		seen := make([]bool, len(items))
		var observed []float64
		for i := range items {
			if v, ok := spec.extract(&items[i]); ok {
				values[i], seen[i] = v, true
				observed = append(observed, v)
			}
		}

		stats := models.FieldStats{Count: len(observed), Metric: spec.metric}
		if len(observed) >= MinSampleSize {
			median, scale, method := RobustCenterScale(observed)
			stats.Median, stats.Scale, stats.ScaleMethod = median, scale, method
			if method != ScaleConstant {
				active = append(active, activeField{spec: spec, median: median, scale: scale, values: values, seen: seen})
			}
		}
		summary.FieldStats[spec.name] = stats
	}

	flagged := make(map[int]bool)
	for i := range items {
		item := &items[i]
		var reasons []models.FieldReason
		score := 0.0
		for _, f := range active {
			if !f.seen[i] {
				continue
			}
			z := (f.values[i] - f.median) / f.scale
			if math.Abs(z) < threshold {
				continue
			}
			reasons = append(reasons, models.FieldReason{
				Field:    f.spec.name,
				Value:    f.values[i],
				Median:   f.median,
				Scale:    f.scale,
				ZScore:   z,
				Metric:   f.spec.metric,
				RawValue: f.spec.raw(item),
			})
			score = math.Max(score, math.Abs(z))
		}

		issues := lexicalIssues(item)
		if len(reasons) == 0 && len(issues) == 0 {
			continue
		}

		details := &models.FlagDetails{Score: score, Issues: issues, Reasons: reasons}
		index := i
		if opts.OneBasedIndex {
			index = i + 1
		}
		summary.FlaggedItems = append(summary.FlaggedItems, models.FlaggedItem{
			Index:   index,
			ItemID:  item.StatementItemID,
			Score:   score,
			Reasons: []string{FlagLabel},
			Details: details,
		})
		flagged[i] = true

		if !opts.Remove {
			item.AddFlag(FlagLabel)
			item.FlagDetails = details
		}
	}

	if opts.Remove && len(flagged) > 0 {
		kept := make([]models.StatementItem, 0, len(items)-len(flagged))
		for i := range items {
			if !flagged[i] {
				kept = append(kept, items[i])
			}
		}
		stmt.Items = kept
	}

	sort.SliceStable(summary.FlaggedItems, func(a, b int) bool {
		return summary.FlaggedItems[a].Score > summary.FlaggedItems[b].Score
	})
	summary.Flagged = len(summary.FlaggedItems)
	stmt.Anomaly = summary

	d.logger.WithFields(logger.Fields{
		"total":     summary.Total,
		"flagged":   summary.Flagged,
		"threshold": threshold,
		"removed":   opts.Remove,
	}).Debug("Outlier flagging complete")
	return stmt, summary
}

// RobustCenterScale returns the median and a robust scale of values: the
// IQR, else MAD×1.4826, else 1 when values differ. Constant values report
// ScaleConstant with zero scale.
func RobustCenterScale(values []float64) (float64, float64, string) {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	median := percentile(sorted, 50)
	if iqr := percentile(sorted, 75) - percentile(sorted, 25); iqr > epsilon {
		return median, iqr, ScaleIQR
	}

	deviations := make([]float64, len(sorted))
	for i, v := range sorted {
		deviations[i] = math.Abs(v - median)
	}
	sort.Float64s(deviations)
	if mad := percentile(deviations, 50) * madScale; mad > epsilon {
		return median, mad, ScaleMAD
	}

	if sorted[0] != sorted[len(sorted)-1] {
		return median, 1, ScaleUnit
	}
	return median, 0, ScaleConstant
}

// percentile interpolates linearly between the closest ranks of sorted.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	pos := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}
