package dates

import (
	"errors"
	"testing"
	"time"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		value    string
		template string
		want     time.Time
	}{
		{"numeric day first", "13/03/2024", "DD/MM/YYYY", date(2024, time.March, 13)},
		{"equal day and month", "05/05/2024", "DD/MM/YYYY", date(2024, time.May, 5)},
		{"textual month", "5 Mar 2024", "D MMM YYYY", date(2024, time.March, 5)},
		{"full month", "September 30, 2023", "MMMM D, YYYY", date(2023, time.September, 30)},
		{"sept", "1 Sept 2023", "D MMM YYYY", date(2023, time.September, 1)},
		{"ordinal", "3rd March 2024", "Do MMMM YYYY", date(2024, time.March, 3)},
		{"ordinal upper", "21ST Jan 2025", "Do MMM YYYY", date(2025, time.January, 21)},
		{"two digit year", "14.02.24", "DD.MM.YY", date(2024, time.February, 14)},
		{"weekday ignored", "Tuesday 13 Feb 2024", "dddd D MMM YYYY", date(2024, time.February, 13)},
		{"optional present", "13 Feb 2024", "DD MMM[ YYYY]", date(2024, time.February, 13)},
		{"surrounding space", "  2024-03-13 ", "YYYY-MM-DD", date(2024, time.March, 13)},
		{"iso like", "2024-03-13", "YYYY-MM-DD", date(2024, time.March, 13)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.value, tt.template)
			if err != nil {
				t.Fatalf("Parse(%q, %q) unexpected error: %v", tt.value, tt.template, err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("Parse(%q, %q) = %v, want %v", tt.value, tt.template, got, tt.want)
			}
		})
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name     string
		value    string
		template string
		want     error
	}{
		{"ambiguous", "05/03/2024", "DD/MM/YYYY", ErrAmbiguousDate},
		{"ambiguous year first", "2024-03-05", "YYYY-MM-DD", ErrAmbiguousDate},
		{"no match", "not a date", "DD/MM/YYYY", ErrNoMatch},
		{"empty", "", "DD/MM/YYYY", ErrNoMatch},
		{"impossible", "30/02/2024", "DD/MM/YYYY", ErrInvalidDate},
		{"unknown month", "5 Foo 2024", "D MMM YYYY", ErrUnknownMonth},
		{"missing year", "13 Feb", "DD MMM[ YYYY]", ErrIncompleteDate},
		{"conflict", "13/03/2024 14", "DD/MM/YYYY DD", ErrConflictingComponents},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.value, tt.template)
			if !errors.Is(err, tt.want) {
				t.Errorf("Parse(%q, %q) error = %v, want %v", tt.value, tt.template, err, tt.want)
			}
		})
	}
}

func TestParse_AllowAmbiguous(t *testing.T) {
	got, err := Parse("01/07/2024", "DD/MM/YYYY", AllowAmbiguous())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ToISO(got) != "2024-07-01" {
		t.Errorf("expected 2024-07-01, got %s", ToISO(got))
	}

	got, err = Parse("07/01/2024", "MM/DD/YYYY", AllowAmbiguous())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ToISO(got) != "2024-07-01" {
		t.Errorf("expected 2024-07-01, got %s", ToISO(got))
	}
}

func TestValidateTemplate(t *testing.T) {
	tests := []struct {
		template string
		want     error
	}{
		{"DD/MM/YYYY", nil},
		{"D MMM YYYY", nil},
		{"YYYYMMDD", nil},
		{"DMYYYY", ErrAmbiguousTemplate},
		{"MM/YYYY", ErrIncompleteTemplate},
		{"", ErrIncompleteTemplate},
	}

	for _, tt := range tests {
		t.Run(tt.template, func(t *testing.T) {
			err := ValidateTemplate(tt.template)
			if tt.want == nil {
				if err != nil {
					t.Errorf("ValidateTemplate(%q) unexpected error: %v", tt.template, err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("ValidateTemplate(%q) error = %v, want %v", tt.template, err, tt.want)
			}
		})
	}
}

func TestFormat(t *testing.T) {
	d := date(2024, time.March, 3)
	tests := []struct {
		template string
		want     string
	}{
		{"DD/MM/YYYY", "03/03/2024"},
		{"D/M/YY", "3/3/24"},
		{"Do MMMM YYYY", "3rd March 2024"},
		{"dddd, D MMM YYYY", "Sunday, 3 Mar 2024"},
		{"DD MMM[ YYYY]", "03 Mar 2024"},
	}

	for _, tt := range tests {
		t.Run(tt.template, func(t *testing.T) {
			if got := Format(d, tt.template); got != tt.want {
				t.Errorf("Format(%q) = %q, want %q", tt.template, got, tt.want)
			}
		})
	}
}

func TestOrdinal(t *testing.T) {
	cases := map[int]string{1: "1st", 2: "2nd", 3: "3rd", 4: "4th", 11: "11th", 12: "12th", 13: "13th", 21: "21st", 22: "22nd", 31: "31st"}
	for n, want := range cases {
		if got := Ordinal(n); got != want {
			t.Errorf("Ordinal(%d) = %q, want %q", n, got, want)
		}
	}
}

func TestFormatParseRoundTrip(t *testing.T) {
	templates := []string{"DD/MM/YYYY", "MM-DD-YYYY", "D MMM YYYY", "Do MMMM YYYY", "YYYY.MM.DD", "dddd D MMMM YYYY"}
	start := date(2023, time.January, 1)

	for _, tpl := range templates {
		for i := 0; i < 730; i += 7 {
			d := start.AddDate(0, 0, i)
			s := Format(d, tpl)
			got, err := Parse(s, tpl, AllowAmbiguous())
			if err != nil {
				t.Fatalf("round trip %q via %q failed: %v", s, tpl, err)
			}
			if !got.Equal(d) {
				t.Fatalf("round trip %q via %q = %v, want %v", s, tpl, got, d)
			}
		}
	}
}

func TestParseWithFallback(t *testing.T) {
	got, err := ParseWithFallback("2024-07-01T10:00:00Z", "DD/MM/YYYY")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ToISO(got) != "2024-07-01" {
		t.Errorf("expected ISO fallback, got %s", ToISO(got))
	}
	if FormatISO("2024-07-01", "D MMM YYYY") != "1 Jul 2024" {
		t.Errorf("unexpected FormatISO output %q", FormatISO("2024-07-01", "D MMM YYYY"))
	}
	if FormatISO("garbage", "D MMM YYYY") != "garbage" {
		t.Error("non ISO values should pass through")
	}
}

func TestMonthFromName(t *testing.T) {
	for name, want := range map[string]int{"jan": 1, "January": 1, "SEPT": 9, "Decem": 12} {
		got, ok := MonthFromName(name)
		if !ok || got != want {
			t.Errorf("MonthFromName(%q) = %d,%v want %d", name, got, ok, want)
		}
	}
	if _, ok := MonthFromName("xy"); ok {
		t.Error("expected unknown month")
	}
}
