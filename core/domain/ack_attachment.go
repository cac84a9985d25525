package domain

import (
	"strings"
	"time"
)

// Attachment is a stored mail attachment. Primary identity for PDFs is the
// content hash, not the row id: two messages carrying the same bytes share
// one canonical row.
type Attachment struct {
	AttachmentID  string `json:"attachment_id"`
	MessageID     string `json:"message_id"`
	Filename      string `json:"filename"`
	MimeType      string `json:"mime_type"`
	ProviderAttID string `json:"provider_attachment_id,omitempty"`

	// ContentSHA256 is the SHA-256 of the decoded bytes. Never empty for a
	// PDF with non-empty binary data.
	ContentSHA256 string `json:"content_sha256,omitempty"`
	BinaryBase64  string `json:"-"`
	SizeBytes     int64  `json:"size_bytes,omitempty"`

	TextExtract  string `json:"text_extract,omitempty"`
	ParsedFields string `json:"parsed_fields,omitempty"` // JSON, later-populated

	CreatedAt time.Time `json:"created_at"`
}

// IsPDF reports whether the attachment should be treated as a PDF:
// declared mime, .pdf filename, or octet-stream with a .pdf name.
func (a *Attachment) IsPDF() bool {
	return IsPDFCandidate(a.MimeType, a.Filename)
}

// IsPDFCandidate is the shared PDF selection rule for MIME parts.
func IsPDFCandidate(mimeType, filename string) bool {
	mt := strings.ToLower(mimeType)
	fn := strings.ToLower(filename)
	if mt == "application/pdf" {
		return true
	}
	if strings.HasSuffix(fn, ".pdf") {
		return mt == "" || mt == "application/octet-stream" || strings.HasPrefix(mt, "application/")
	}
	return false
}
