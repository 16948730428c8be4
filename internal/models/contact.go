package models

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Canonical simple fields a contact configuration may map onto headers.
const (
	FieldDate       = "date"
	FieldDueDate    = "due_date"
	FieldNumber     = "number"
	FieldReference  = "reference"
	FieldTotal      = "total"
	FieldAmountPaid = "amount_paid"
	FieldAmountDue  = "amount_due"
)

// SimpleFields lists the mappable fields in output order.
var SimpleFields = []string{FieldDate, FieldDueDate, FieldNumber, FieldReference, FieldTotal, FieldAmountPaid, FieldAmountDue}

// AmountFields are simple fields whose values are label→amount buckets.
var AmountFields = []string{FieldTotal, FieldAmountPaid, FieldAmountDue}

// IsAmountField reports whether field holds amount buckets.
func IsAmountField(field string) bool {
	for _, f := range AmountFields {
		if f == field {
			return true
		}
	}
	return false
}

func isSimpleField(field string) bool {
	for _, f := range SimpleFields {
		if f == field {
			return true
		}
	}
	return false
}

// BucketLabels splits amount header labels by side.
type BucketLabels struct {
	Debit  []string `json:"debit,omitempty"`
	Credit []string `json:"credit,omitempty"`
}

// ContactConfig is the normalized per tenant+counterparty column mapping.
type ContactConfig struct {
	SimpleMap          map[string][]string
	Buckets            map[string]BucketLabels
	RawMap             map[string]string
	DateFormat         string
	DecimalSeparator   string
	ThousandsSeparator string
	DefaultItemType    ItemType

	// StrictDates rejects all-numeric dates whose day and month could be
	// swapped instead of trusting the configured order.
	StrictDates bool

	// Version is the optimistic-lock counter owned by the store.
	Version int64
}

// NewContactConfig returns an empty configuration with the given date format.
func NewContactConfig(dateFormat string) *ContactConfig {
	return &ContactConfig{
		SimpleMap:  make(map[string][]string),
		Buckets:    make(map[string]BucketLabels),
		RawMap:     make(map[string]string),
		DateFormat: dateFormat,
	}
}

// Labels returns the header labels mapped to field.
func (c *ContactConfig) Labels(field string) []string {
	return c.SimpleMap[field]
}

// Label returns the first header label mapped to field, or "".
func (c *ContactConfig) Label(field string) string {
	if labels := c.SimpleMap[field]; len(labels) > 0 {
		return labels[0]
	}
	return ""
}

// CandidateLabels is every header label the configuration knows about.
func (c *ContactConfig) CandidateLabels() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(s string) {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			return
		}
		seen[s] = true
		out = append(out, s)
	}
	for _, field := range SimpleFields {
		for _, label := range c.SimpleMap[field] {
			add(label)
		}
	}
	for _, key := range c.rawKeys() {
		add(key)
		add(c.RawMap[key])
	}
	return out
}

// BucketSide reports "debit" or "credit" when the label was configured under
// that side for field, otherwise "".
func (c *ContactConfig) BucketSide(field, label string) string {
	b, ok := c.Buckets[field]
	if !ok {
		return ""
	}
	for _, l := range b.Debit {
		if strings.EqualFold(l, label) {
			return "debit"
		}
	}
	for _, l := range b.Credit {
		if strings.EqualFold(l, label) {
			return "credit"
		}
	}
	return ""
}

// ItemTypeDefault returns the configured default or invoice.
func (c *ContactConfig) ItemTypeDefault() ItemType {
	if c.DefaultItemType.IsValid() {
		return c.DefaultItemType
	}
	return ItemTypeInvoice
}

// Clone returns a deep copy.
func (c *ContactConfig) Clone() *ContactConfig {
	out := &ContactConfig{
		SimpleMap:          make(map[string][]string, len(c.SimpleMap)),
		Buckets:            make(map[string]BucketLabels, len(c.Buckets)),
		RawMap:             make(map[string]string, len(c.RawMap)),
		DateFormat:         c.DateFormat,
		DecimalSeparator:   c.DecimalSeparator,
		ThousandsSeparator: c.ThousandsSeparator,
		DefaultItemType:    c.DefaultItemType,
		StrictDates:        c.StrictDates,
		Version:            c.Version,
	}
	for k, v := range c.SimpleMap {
		out.SimpleMap[k] = append([]string(nil), v...)
	}
	for k, v := range c.Buckets {
		out.Buckets[k] = BucketLabels{
			Debit:  append([]string(nil), v.Debit...),
			Credit: append([]string(nil), v.Credit...),
		}
	}
	for k, v := range c.RawMap {
		out.RawMap[k] = v
	}
	return out
}

func (c *ContactConfig) rawKeys() []string {
	keys := make([]string, 0, len(c.RawMap))
	for k := range c.RawMap {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// MarshalJSON writes the canonical `statement_items` document shape.
func (c *ContactConfig) MarshalJSON() ([]byte, error) {
	items := make(map[string]interface{})
	for _, field := range SimpleFields {
		if b, ok := c.Buckets[field]; ok && (len(b.Debit) > 0 || len(b.Credit) > 0) {
			items[field] = b
			continue
		}
		labels := c.SimpleMap[field]
		switch {
		case len(labels) == 0:
		case len(labels) == 1 && !IsAmountField(field):
			items[field] = labels[0]
		default:
			items[field] = labels
		}
	}
	if len(c.RawMap) > 0 {
		items["raw"] = c.RawMap
	}
	items["date_format"] = c.DateFormat
	if c.DecimalSeparator != "" {
		items["decimal_separator"] = c.DecimalSeparator
	}
	if c.ThousandsSeparator != "" {
		items["thousands_separator"] = c.ThousandsSeparator
	}
	if c.DefaultItemType != "" {
		items["default_item_type"] = string(c.DefaultItemType)
	}
	if c.StrictDates {
		items["strict_dates"] = true
	}
	return json.Marshal(map[string]interface{}{"statement_items": items})
}

// UnmarshalJSON accepts any of the supported document shapes.
func (c *ContactConfig) UnmarshalJSON(data []byte) error {
	parsed, err := ParseContactConfig(data)
	if err != nil {
		return err
	}
	*c = *parsed
	return nil
}

// ParseContactConfig decodes a JSON configuration document.
func ParseContactConfig(data []byte) (*ContactConfig, error) {
	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("contact config is not a JSON object: %w", err)
	}
	return ContactConfigFromMap(doc)
}

// ContactConfigFromMap normalizes the three stored shapes into one record:
// `statement_items` as an object, `statement_items` as a one-element list,
// or a flattened root. Separators and date_format may sit at the root or in
// the mapping. A missing date_format is not an error here; the canonicalizer
// rejects it.
func ContactConfigFromMap(doc map[string]interface{}) (*ContactConfig, error) {
	if doc == nil {
		return nil, fmt.Errorf("contact config is empty")
	}

	mapping := doc
	if rawItems, ok := doc["statement_items"]; ok {
		switch v := rawItems.(type) {
		case map[string]interface{}:
			mapping = v
		case []interface{}:
			if len(v) == 0 {
				mapping = map[string]interface{}{}
				break
			}
			first, ok := v[0].(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("statement_items list must hold an object, got %T", v[0])
			}
			mapping = first
		default:
			return nil, fmt.Errorf("statement_items must be an object or a list, got %T", rawItems)
		}
	}

	cfg := NewContactConfig("")
	cfg.DateFormat = firstString("date_format", mapping, doc)
	cfg.DecimalSeparator = separator("decimal_separator", mapping, doc)
	cfg.ThousandsSeparator = separator("thousands_separator", mapping, doc)
	if s := firstString("default_item_type", mapping, doc); s != "" {
		t, err := ParseItemType(s)
		if err != nil {
			return nil, err
		}
		cfg.DefaultItemType = t
	}
	for _, m := range []map[string]interface{}{mapping, doc} {
		if b, ok := m["strict_dates"].(bool); ok && b {
			cfg.StrictDates = true
		}
	}

	for key, value := range mapping {
		if !isSimpleField(key) {
			continue
		}
		labels, buckets, err := decodeLabels(key, value)
		if err != nil {
			return nil, err
		}
		if len(labels) > 0 {
			cfg.SimpleMap[key] = labels
		}
		if buckets != nil {
			cfg.Buckets[key] = *buckets
		}
	}

	rawSource := mapping["raw"]
	if rawSource == nil {
		rawSource = doc["raw"]
	}
	if rawSource != nil {
		raw, ok := rawSource.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("raw mapping must be an object, got %T", rawSource)
		}
		for k, v := range raw {
			key := strings.TrimSpace(k)
			if key == "" {
				continue
			}
			s, _ := v.(string)
			cfg.RawMap[key] = strings.TrimSpace(s)
		}
	}

	return cfg, nil
}

func firstString(key string, maps ...map[string]interface{}) string {
	for _, m := range maps {
		if s, ok := m[key].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

// separator keeps whitespace since " " is a valid thousands separator.
func separator(key string, maps ...map[string]interface{}) string {
	for _, m := range maps {
		if s, ok := m[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func decodeLabels(field string, value interface{}) ([]string, *BucketLabels, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil, nil
	case string:
		if s := strings.TrimSpace(v); s != "" {
			return []string{s}, nil, nil
		}
		return nil, nil, nil
	case []interface{}:
		return stringList(v), nil, nil
	case []string:
		var out []string
		for _, s := range v {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		return out, nil, nil
	case map[string]interface{}:
		if !IsAmountField(field) {
			return nil, nil, fmt.Errorf("field %s cannot use debit/credit buckets", field)
		}
		b := &BucketLabels{}
		for side, labels := range v {
			var list []string
			switch lv := labels.(type) {
			case string:
				if s := strings.TrimSpace(lv); s != "" {
					list = []string{s}
				}
			case []interface{}:
				list = stringList(lv)
			}
			switch strings.ToLower(side) {
			case "debit", "dr":
				b.Debit = append(b.Debit, list...)
			case "credit", "cr":
				b.Credit = append(b.Credit, list...)
			default:
				return nil, nil, fmt.Errorf("unknown bucket %q for %s", side, field)
			}
		}
		return append(append([]string(nil), b.Debit...), b.Credit...), b, nil
	default:
		return nil, nil, fmt.Errorf("field %s has unsupported mapping type %T", field, value)
	}
}

func stringList(values []interface{}) []string {
	var out []string
	for _, item := range values {
		if s, ok := item.(string); ok {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}
