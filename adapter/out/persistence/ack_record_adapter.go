package persistence

import (
	"context"
	"time"

	"ack_server/core/domain"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// =============================================================================
// Confirmation Record Adapter (SQLite)
// =============================================================================

// RecordAdapter implements out.RecordRepository on SQLite.
type RecordAdapter struct {
	db *sqlx.DB
}

// NewRecordAdapter creates a new RecordAdapter.
func NewRecordAdapter(db *sqlx.DB) *RecordAdapter {
	return &RecordAdapter{db: db}
}

// =============================================================================
// Database Row Mapping
// =============================================================================

type recordRow struct {
	RecordID           string   `db:"record_id"`
	POID               string   `db:"po_id"`
	LineID             string   `db:"line_id"`
	SupplierReference  string   `db:"supplier_reference"`
	DeliveryDate       string   `db:"delivery_date"`
	Quantity           *float64 `db:"quantity"`
	SourceAttachmentID string   `db:"source_attachment_id"`
	SourceMessageID    string   `db:"source_message_id"`
	CreatedAt          int64    `db:"created_at"`
	UpdatedAt          int64    `db:"updated_at"`
}

const recordColumns = `record_id, po_id, line_id, supplier_reference,
	delivery_date, quantity, source_attachment_id, source_message_id,
	created_at, updated_at`

func (r *recordRow) toDomain() *domain.ConfirmationRecord {
	return &domain.ConfirmationRecord{
		RecordID:           r.RecordID,
		POID:               r.POID,
		LineID:             r.LineID,
		SupplierReference:  r.SupplierReference,
		DeliveryDate:       r.DeliveryDate,
		Quantity:           r.Quantity,
		SourceAttachmentID: r.SourceAttachmentID,
		SourceMessageID:    r.SourceMessageID,
		CreatedAt:          fromMs(r.CreatedAt),
		UpdatedAt:          fromMs(r.UpdatedAt),
	}
}

// =============================================================================
// Operations
// =============================================================================

// Upsert writes the authoritative record for one (po_id, line_id). Existing
// values are overwritten only by non-empty incoming ones.
func (a *RecordAdapter) Upsert(ctx context.Context, rec *domain.ConfirmationRecord) error {
	if rec.RecordID == "" {
		rec.RecordID = uuid.New().String()
	}
	now := time.Now().UTC()
	rec.UpdatedAt = now
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}

	_, err := a.db.ExecContext(ctx, `
		INSERT INTO confirmation_records (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (po_id, line_id) DO UPDATE SET
			supplier_reference   = CASE WHEN excluded.supplier_reference != '' THEN excluded.supplier_reference ELSE supplier_reference END,
			delivery_date        = CASE WHEN excluded.delivery_date != '' THEN excluded.delivery_date ELSE delivery_date END,
			quantity             = COALESCE(excluded.quantity, quantity),
			source_attachment_id = CASE WHEN excluded.source_attachment_id != '' THEN excluded.source_attachment_id ELSE source_attachment_id END,
			source_message_id    = CASE WHEN excluded.source_message_id != '' THEN excluded.source_message_id ELSE source_message_id END,
			updated_at           = excluded.updated_at`,
		rec.RecordID, rec.POID, rec.LineID, rec.SupplierReference,
		rec.DeliveryDate, rec.Quantity, rec.SourceAttachmentID,
		rec.SourceMessageID, toMs(rec.CreatedAt), toMs(rec.UpdatedAt))
	return mapBusy(err)
}

// GetByPoLine retrieves the record for one (po_id, line_id).
func (a *RecordAdapter) GetByPoLine(ctx context.Context, poID, lineID string) (*domain.ConfirmationRecord, error) {
	var row recordRow
	err := a.db.GetContext(ctx, &row,
		`SELECT `+recordColumns+` FROM confirmation_records WHERE po_id = ? AND line_id = ?`,
		poID, lineID)
	if err != nil {
		return nil, mapNotFound(err)
	}
	return row.toDomain(), nil
}

// ListByPOs returns all records for a set of POs.
func (a *RecordAdapter) ListByPOs(ctx context.Context, poIDs []string) ([]*domain.ConfirmationRecord, error) {
	if len(poIDs) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(
		`SELECT `+recordColumns+` FROM confirmation_records WHERE po_id IN (?) ORDER BY po_id, line_id`,
		poIDs)
	if err != nil {
		return nil, err
	}
	var rows []recordRow
	if err := a.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	recs := make([]*domain.ConfirmationRecord, 0, len(rows))
	for i := range rows {
		recs = append(recs, rows[i].toDomain())
	}
	return recs, nil
}

// AddExtraction appends one raw extraction run for audit.
func (a *RecordAdapter) AddExtraction(ctx context.Context, ex *domain.ConfirmationExtraction) error {
	if ex.ExtractionID == "" {
		ex.ExtractionID = uuid.New().String()
	}
	if ex.CreatedAt.IsZero() {
		ex.CreatedAt = time.Now().UTC()
	}

	_, err := a.db.ExecContext(ctx, `
		INSERT INTO confirmation_extractions (
			extraction_id, case_id, supplier_reference, delivery_date, quantity,
			min_confidence, evidence_source, evidence_attachment_id,
			evidence_message_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ex.ExtractionID, ex.CaseID, ex.SupplierReference, ex.DeliveryDate,
		ex.Quantity, ex.MinConfidence, ex.EvidenceSource,
		ex.EvidenceAttachmentID, ex.EvidenceMessageID, toMs(ex.CreatedAt))
	return mapBusy(err)
}

// RewriteAttachmentRefs retargets evidence references after duplicate cleanup.
func (a *RecordAdapter) RewriteAttachmentRefs(ctx context.Context, oldID, newID string) error {
	if _, err := a.db.ExecContext(ctx,
		`UPDATE confirmation_records SET source_attachment_id = ? WHERE source_attachment_id = ?`,
		newID, oldID); err != nil {
		return mapBusy(err)
	}
	_, err := a.db.ExecContext(ctx,
		`UPDATE confirmation_extractions SET evidence_attachment_id = ? WHERE evidence_attachment_id = ?`,
		newID, oldID)
	return mapBusy(err)
}
