// Package document reads the embedded text layer of statement PDFs.
package document

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"

	"statement-reconciliation-service/internal/storage"
	apperrors "statement-reconciliation-service/pkg/errors"
	"statement-reconciliation-service/pkg/logger"
)

// PDFText is the text layer of one PDF, read page by page.
type PDFText struct {
	name   string
	data   []byte
	logger logger.Logger
}

// NewPDFText wraps the raw bytes of a PDF.
func NewPDFText(name string, data []byte, log logger.Logger) *PDFText {
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return &PDFText{
		name:   name,
		data:   data,
		logger: log.WithComponent("document").WithField("document", name),
	}
}

// LoadPDFText fetches key from objects and wraps it.
func LoadPDFText(ctx context.Context, objects storage.ObjectStore, key string, log logger.Logger) (*PDFText, error) {
	data, err := objects.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return NewPDFText(key, data, log), nil
}

// Bytes returns the raw document.
func (d *PDFText) Bytes() []byte {
	return d.data
}

// PageTexts returns the text of every page, one line per text row. A page
// without a text layer comes back empty.
func (d *PDFText) PageTexts(ctx context.Context) (pages []string, err error) {
	defer func() {
		// the pdf reader panics on some malformed streams
		if r := recover(); r != nil {
			pages = nil
			err = apperrors.ParseError(apperrors.CodeInvalidInput, "document", d.name, fmt.Errorf("reading PDF: %v", r))
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(d.data), int64(len(d.data)))
	if err != nil {
		return nil, apperrors.ParseError(apperrors.CodeInvalidInput, "document", d.name, err)
	}

	n := reader.NumPage()
	pages = make([]string, 0, n)
	for i := 1; i <= n; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page := reader.Page(i)
		if page.V.IsNull() {
			pages = append(pages, "")
			continue
		}
		pages = append(pages, d.pageText(page, i))
	}

	d.logger.WithField("pages", n).Debug("Read PDF text layer")
	return pages, nil
}

func (d *PDFText) pageText(page pdf.Page, number int) string {
	rows, err := page.GetTextByRow()
	if err == nil {
		lines := make([]string, 0, len(rows))
		for _, row := range rows {
			parts := make([]string, 0, len(row.Content))
			for _, text := range row.Content {
				parts = append(parts, text.S)
			}
			if line := strings.Join(strings.Fields(strings.Join(parts, " ")), " "); line != "" {
				lines = append(lines, line)
			}
		}
		if len(lines) > 0 {
			return strings.Join(lines, "\n")
		}
	}

	fonts := make(map[string]*pdf.Font)
	for _, name := range page.Fonts() {
		f := page.Font(name)
		fonts[name] = &f
	}
	text, plainErr := page.GetPlainText(fonts)
	if plainErr != nil {
		d.logger.WithFields(logger.Fields{
			"page":  number,
			"error": plainErr.Error(),
		}).Warn("Could not read page text")
		return ""
	}
	return strings.TrimSpace(text)
}

// HasTextLayer reports whether any page carries text.
func HasTextLayer(pages []string) bool {
	for _, p := range pages {
		if strings.TrimSpace(p) != "" {
			return true
		}
	}
	return false
}
