package domain

import "time"

// ConfirmationRecord is the authoritative extracted confirmation for one
// (po_id, line_id). Upserted by ID.
type ConfirmationRecord struct {
	RecordID string `json:"record_id"`
	POID     string `json:"po_id"`
	LineID   string `json:"line_id"`

	SupplierReference string   `json:"supplier_reference,omitempty"`
	DeliveryDate      string   `json:"delivery_date,omitempty"` // ISO YYYY-MM-DD
	Quantity          *float64 `json:"quantity,omitempty"`

	// Evidence back-references.
	SourceAttachmentID string `json:"source_attachment_id,omitempty"`
	SourceMessageID    string `json:"source_message_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ConfirmationExtraction is one raw extraction run persisted for audit,
// keyed separately from the authoritative record.
type ConfirmationExtraction struct {
	ExtractionID         string    `json:"extraction_id"`
	CaseID               string    `json:"case_id"`
	SupplierReference    string    `json:"supplier_reference,omitempty"`
	DeliveryDate         string    `json:"delivery_date,omitempty"`
	Quantity             *float64  `json:"quantity,omitempty"`
	MinConfidence        float64   `json:"min_confidence"`
	EvidenceSource       string    `json:"evidence_source"`
	EvidenceAttachmentID string    `json:"evidence_attachment_id,omitempty"`
	EvidenceMessageID    string    `json:"evidence_message_id,omitempty"`
	CreatedAt            time.Time `json:"created_at"`
}
