package validation

import (
	"context"
	"errors"
	"testing"

	"statement-reconciliation-service/internal/models"
	"statement-reconciliation-service/pkg/logger"
)

func createTestItems(numbers ...string) []models.StatementItem {
	items := make([]models.StatementItem, len(numbers))
	for i, n := range numbers {
		items[i] = models.StatementItem{StatementItemID: n, Number: n, ItemType: models.ItemTypeInvoice}
	}
	return items
}

func TestNormalize(t *testing.T) {
	tests := map[string]string{
		" inv-123 ": "INV123",
		"INV/12.3":  "INV123",
		"inv 1_23":  "INV123",
		"":          "",
	}
	for in, want := range tests {
		if got := Normalize(in); got != want {
			t.Errorf("Normalize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestLearnFamily(t *testing.T) {
	t.Run("sparse prefix uses digit length range", func(t *testing.T) {
		f := LearnFamily([]string{"INV-100", "INV-1010"})
		if f.Source != `(?:INV\d{3,4})` {
			t.Errorf("Unexpected pattern %s", f.Source)
		}
		if !f.Match("INV999") || f.Match("INV99") || f.Match("XINV100") {
			t.Error("Pattern matched the wrong candidates")
		}
	})

	t.Run("buckets narrow by leading digits", func(t *testing.T) {
		f := LearnFamily([]string{"INV10001", "INV10002", "INV10003", "INV20001"})
		if f.Source != `(?:INV100\d{2})` {
			t.Errorf("Unexpected pattern %s", f.Source)
		}
		if !f.Match("INV10099") {
			t.Error("Expected bucket member to match")
		}
		if f.Match("INV20001") {
			t.Error("Expected uncovered bucket to be excluded")
		}
	})

	t.Run("leftovers become literals", func(t *testing.T) {
		f := LearnFamily([]string{"ABC-12X", "INV-1"})
		if !f.Match("ABC12X") || !f.Match("INV7") {
			t.Errorf("Expected literal and family to match, pattern %s", f.Source)
		}
	})

	t.Run("no examples match nothing", func(t *testing.T) {
		f := LearnFamily([]string{"", "  "})
		if f.Match("") || f.Match("INV1") {
			t.Error("Expected empty family to match nothing")
		}
	})
}

func TestScanCandidates(t *testing.T) {
	family := LearnFamily([]string{"INV-100"})
	pages := []string{
		"Invoice INV 100 issued\nRef INV:101",
		"Total INV.102 and INV-103",
	}

	got := ScanCandidates(pages, family)
	want := []string{"INV100", "INV103"}
	if len(got) != len(want) {
		t.Fatalf("Expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Expected %v, got %v", want, got)
		}
	}
}

func TestValidateRoundtrip_Clean(t *testing.T) {
	v := NewValidator(logger.Discard())
	text := StaticText{"Statement\n01/07/2024 INV-100 100.00\n02/07/2024 INV-101 50.00"}

	res, err := v.ValidateRoundtrip(context.Background(), text, createTestItems("INV-100", "INV-101"), models.FieldNumber)
	if err != nil {
		t.Fatalf("Expected clean result, got %v", err)
	}
	if res.Summary.Checked != 2 || res.Summary.Found != 2 {
		t.Errorf("Expected 2 checked and found, got %+v", res.Summary)
	}
	if len(res.Summary.NotFound) != 0 || len(res.Summary.PDFOnlyRefs) != 0 {
		t.Errorf("Expected no disagreement, got %+v", res.Summary)
	}
}

func TestValidateRoundtrip_NotFound(t *testing.T) {
	v := NewValidator(logger.Discard())
	text := StaticText{"Statement\n01/07/2024 INV-100 100.00"}

	res, err := v.ValidateRoundtrip(context.Background(), text, createTestItems("INV-100", "INV-101"), models.FieldNumber)

	var disagreement *ItemCountDisagreementError
	if !errors.As(err, &disagreement) {
		t.Fatalf("Expected ItemCountDisagreementError, got %v", err)
	}
	if disagreement.Found != 1 || disagreement.Unique != 2 {
		t.Errorf("Expected 1 of 2 found, got %d of %d", disagreement.Found, disagreement.Unique)
	}
	if res == nil || len(res.Summary.NotFound) != 1 || res.Summary.NotFound[0] != "INV-101" {
		t.Errorf("Expected INV-101 not found, got %+v", res)
	}
}

func TestValidateRoundtrip_PDFOnly(t *testing.T) {
	v := NewValidator(logger.Discard())
	text := StaticText{"INV-100 INV-101", "INV-102"}

	res, err := v.ValidateRoundtrip(context.Background(), text, createTestItems("INV-100", "INV-101"), models.FieldNumber)
	if err == nil {
		t.Fatal("Expected disagreement for document-only reference")
	}
	if len(res.Summary.PDFOnlyRefs) != 1 || res.Summary.PDFOnlyRefs[0] != "INV102" {
		t.Errorf("Expected INV102 as document-only, got %v", res.Summary.PDFOnlyRefs)
	}
	if res.Summary.Missing != 0 {
		t.Errorf("Expected nothing missing, got %d", res.Summary.Missing)
	}
}

func TestValidateRoundtrip_NoTextLayer(t *testing.T) {
	v := NewValidator(logger.Discard())

	res, err := v.ValidateRoundtrip(context.Background(), StaticText{"", "  "}, createTestItems("INV-1"), "")
	if err != nil {
		t.Fatalf("Expected skip, got %v", err)
	}
	if !res.Summary.Skipped || res.Summary.Checked != 0 {
		t.Errorf("Expected skipped result, got %+v", res.Summary)
	}
}

func TestValidateRoundtrip_ReferenceField(t *testing.T) {
	v := NewValidator(logger.Discard())
	items := []models.StatementItem{{Number: "X", Reference: "PO-7781"}}

	res, err := v.ValidateRoundtrip(context.Background(), StaticText{"order PO 7781"}, items, models.FieldReference)
	if err != nil {
		t.Fatalf("Expected reference field to validate, got %v", err)
	}
	if res.Summary.Found != 1 {
		t.Errorf("Expected reference to be found, got %+v", res.Summary)
	}
}
