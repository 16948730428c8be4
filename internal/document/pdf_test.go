package document

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"

	"statement-reconciliation-service/internal/storage"
	apperrors "statement-reconciliation-service/pkg/errors"
	"statement-reconciliation-service/pkg/logger"
)

// createTestPDF builds a minimal PDF with one Helvetica text line per page.
func createTestPDF(lines ...string) []byte {
	var objects []string
	objects = append(objects, "<< /Type /Catalog /Pages 2 0 R >>")

	kids := make([]string, len(lines))
	for i := range lines {
		kids[i] = fmt.Sprintf("%d 0 R", 4+i*2)
	}
	objects = append(objects, fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", strings.Join(kids, " "), len(lines)))
	objects = append(objects, "<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica /Encoding /WinAnsiEncoding >>")

	for i, line := range lines {
		content := ""
		if line != "" {
			content = fmt.Sprintf("BT /F1 12 Tf 72 720 Td (%s) Tj ET", line)
		}
		objects = append(objects,
			fmt.Sprintf("<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Resources << /Font << /F1 3 0 R >> >> /Contents %d 0 R >>", 5+i*2),
			fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(content), content),
		)
	}

	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objects))
	for i, obj := range objects {
		offsets[i] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, obj)
	}
	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n", len(objects)+1)
	buf.WriteString("0000000000 65535 f \n")
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objects)+1, xref)
	return buf.Bytes()
}

func compact(s string) string {
	return strings.Join(strings.Fields(s), "")
}

func TestPDFText_PageTexts(t *testing.T) {
	doc := NewPDFText("statement.pdf", createTestPDF("INV-100 due 250.00", "INV-200 due 75.00"), logger.Discard())

	pages, err := doc.PageTexts(context.Background())
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if len(pages) != 2 {
		t.Fatalf("Expected 2 pages, got %d", len(pages))
	}
	if !strings.Contains(compact(pages[0]), "INV-100due250.00") {
		t.Errorf("Unexpected first page text %q", pages[0])
	}
	if !strings.Contains(compact(pages[1]), "INV-200") {
		t.Errorf("Unexpected second page text %q", pages[1])
	}
	if !HasTextLayer(pages) {
		t.Error("Expected a text layer")
	}
}

func TestPDFText_EmptyPage(t *testing.T) {
	doc := NewPDFText("scan.pdf", createTestPDF(""), logger.Discard())

	pages, err := doc.PageTexts(context.Background())
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if HasTextLayer(pages) {
		t.Errorf("Expected no text layer, got %q", pages)
	}
}

func TestPDFText_InvalidDocument(t *testing.T) {
	doc := NewPDFText("broken.pdf", []byte("not a pdf"), logger.Discard())

	_, err := doc.PageTexts(context.Background())
	if err == nil {
		t.Fatal("Expected an error for invalid bytes")
	}
	if !apperrors.HasCode(err, apperrors.CodeInvalidInput) {
		t.Errorf("Expected invalid input error, got %v", err)
	}
}

func TestLoadPDFText(t *testing.T) {
	ctx := context.Background()
	objects := storage.NewMemoryObjectStore()
	key := storage.StatementPDFKey("tenant-1", "stmt-1")
	if err := objects.Put(ctx, key, createTestPDF("hello statement"), "application/pdf"); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	doc, err := LoadPDFText(ctx, objects, key, logger.Discard())
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if len(doc.Bytes()) == 0 {
		t.Error("Expected document bytes")
	}

	if _, err := LoadPDFText(ctx, objects, "missing.pdf", logger.Discard()); err == nil {
		t.Error("Expected an error for a missing object")
	}
}

func TestHasTextLayer(t *testing.T) {
	if HasTextLayer(nil) || HasTextLayer([]string{"", "  \n"}) {
		t.Error("Expected blank pages to have no text layer")
	}
	if !HasTextLayer([]string{"", "x"}) {
		t.Error("Expected text layer")
	}
}
