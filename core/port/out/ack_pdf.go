package out

import "context"

// PDFTextPort extracts plain text from PDF bytes. The engine only depends
// on this interface; the concrete extractor is an adapter concern.
type PDFTextPort interface {
	ExtractText(ctx context.Context, data []byte) (string, error)
}
