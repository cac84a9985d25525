// Package pdftext extracts plain text from PDF attachments.
package pdftext

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"ack_server/core/port/out"

	"github.com/ledongthuc/pdf"
)

// Extractor implements out.PDFTextPort using a pure-Go PDF reader.
type Extractor struct {
	// MaxPages caps how deep extraction walks; order confirmations are
	// short and later pages are usually terms boilerplate.
	MaxPages int
}

// NewExtractor creates a PDF text extractor.
func NewExtractor() *Extractor {
	return &Extractor{MaxPages: 10}
}

// ExtractText returns the concatenated text of the document's pages.
// A PDF with no extractable text yields an empty string, not an error.
func (e *Extractor) ExtractText(ctx context.Context, data []byte) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("empty pdf payload")
	}

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}

	pages := reader.NumPage()
	if e.MaxPages > 0 && pages > e.MaxPages {
		pages = e.MaxPages
	}

	var sb strings.Builder
	for i := 1; i <= pages; i++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			// Malformed pages are skipped rather than failing the document.
			continue
		}
		sb.WriteString(text)
		sb.WriteString("\n")
	}

	return strings.TrimSpace(sb.String()), nil
}

var _ out.PDFTextPort = (*Extractor)(nil)
