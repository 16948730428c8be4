package grid

import (
	"reflect"
	"testing"

	"github.com/shopspring/decimal"
)

func createTestGrid() [][]string {
	return [][]string{
		{"Date", "", "Invoice No", "Amount", "Amount", "Balance"},
		{"", "", "", "", "", ""},
		{"01/07/2024", "", "INV-001", "$1,000.00", "1000", "1,000.00"},
		{"02/07/2024", "", "INV-002", "(25.00)", "-25", "975.00"},
		{"03/07/2024", ""},
	}
}

func TestNormalize(t *testing.T) {
	got := Normalize(createTestGrid())

	want := [][]string{
		{"Date", "Invoice No", "Amount", "Balance"},
		{"01/07/2024", "INV-001", "$1,000.00", "1,000.00"},
		{"02/07/2024", "INV-002", "(25.00)", "975.00"},
		{"03/07/2024", "", "", ""},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Normalize() =\n%v\nwant\n%v", got, want)
	}
}

func TestNormalize_Idempotent(t *testing.T) {
	grids := [][][]string{
		createTestGrid(),
		{{"A", "A"}, {"x", "X"}},
		{{"", ""}, {"", ""}},
		{{"Ref", "Ref", "Total"}, {"1", "2", "3"}},
		{},
	}

	for i, g := range grids {
		once := Normalize(g)
		twice := Normalize(once)
		if !reflect.DeepEqual(once, twice) {
			t.Errorf("grid %d: normalize not idempotent:\n%v\n%v", i, once, twice)
		}
	}
}

func TestNormalize_DistinctColumnsKept(t *testing.T) {
	g := [][]string{{"Ref", "Ref"}, {"1", "2"}}
	if got := Normalize(g); len(got[0]) != 2 {
		t.Errorf("expected both columns kept, got %v", got)
	}
}

func TestNormalizeCell(t *testing.T) {
	tests := map[string]string{
		"$1,234.50":    "1234.5",
		"(25.00)":      "-25",
		"1,234.50 CR":  "1234.5",
		"  Hello  World ": "hello world",
		"€ 10":         "10",
		"":             "",
		"−5":           "-5",
	}
	for in, want := range tests {
		if got := NormalizeCell(in); got != want {
			t.Errorf("NormalizeCell(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCoerceNumber(t *testing.T) {
	tests := []struct {
		in      string
		seps    Separators
		numeric bool
		want    string
	}{
		{"(1,234.50)", Separators{}, true, "-1234.50"},
		{"1,234.50 CR", Separators{}, true, "-1234.50"},
		{"1234.50", Separators{}, true, "1234.50"},
		{"£1,234.50 DR", Separators{}, true, "1234.50"},
		{"100.00-", Separators{}, true, "-100"},
		{"1.234,50", Separators{Decimal: ",", Thousands: "."}, true, "1234.50"},
		{"1 234.50", Separators{Thousands: " "}, true, "1234.50"},
		{"N/A", Separators{}, false, "N/A"},
		{"  Paid  ", Separators{}, false, "Paid"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			v, ok := CoerceNumber(tt.in, tt.seps)
			if !ok {
				t.Fatalf("CoerceNumber(%q) reported blank", tt.in)
			}
			if v.IsNumber() != tt.numeric {
				t.Fatalf("CoerceNumber(%q) numeric = %v, want %v", tt.in, v.IsNumber(), tt.numeric)
			}
			if tt.numeric {
				if !v.Number.Equal(decimal.RequireFromString(tt.want)) {
					t.Errorf("CoerceNumber(%q) = %s, want %s", tt.in, v.Number, tt.want)
				}
				return
			}
			if v.Text != tt.want {
				t.Errorf("CoerceNumber(%q) text = %q, want %q", tt.in, v.Text, tt.want)
			}
		})
	}

	if _, ok := CoerceNumber("   ", Separators{}); ok {
		t.Error("blank input should report ok=false")
	}
}

func TestParseNumber_Separators(t *testing.T) {
	tests := []struct {
		name string
		in   string
		seps Separators
		want string
	}{
		{"decimal comma only", "12,50", Separators{Decimal: ","}, "12.50"},
		{"decimal comma grouped", "1.234,50", Separators{Decimal: ","}, "1234.50"},
		{"decimal comma negative", "(1.234,50)", Separators{Decimal: ","}, "-1234.50"},
		{"thousands point only", "1.234", Separators{Thousands: "."}, "1234"},
		{"thousands point implies decimal comma", "1.234,5", Separators{Thousands: "."}, "1234.5"},
		{"defaults", "1,234.50", Separators{}, "1234.50"},
		{"defaults plain", "12.50", Separators{}, "12.50"},
		{"same separator keeps decimal", "12,50", Separators{Decimal: ",", Thousands: ","}, "12.50"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseNumber(tt.in, tt.seps)
			if !ok {
				t.Fatalf("ParseNumber(%q, %+v) not numeric", tt.in, tt.seps)
			}
			if !got.Equal(decimal.RequireFromString(tt.want)) {
				t.Errorf("ParseNumber(%q, %+v) = %s, want %s", tt.in, tt.seps, got, tt.want)
			}
		})
	}
}

func TestLooksLikeMoney(t *testing.T) {
	for _, s := range []string{"12,450.00", "(5)", "0.50", "7 CR"} {
		if !LooksLikeMoney(s) {
			t.Errorf("expected %q to look like money", s)
		}
	}
	for _, s := range []string{"INV-001", "01/07/2024", "Total", ""} {
		if LooksLikeMoney(s) {
			t.Errorf("expected %q not to look like money", s)
		}
	}
}

func TestPad(t *testing.T) {
	got := Pad([][]string{{"a"}, {"b", "c", "d"}})
	if len(got[0]) != 3 || got[0][2] != "" {
		t.Errorf("Pad() = %v", got)
	}
}
