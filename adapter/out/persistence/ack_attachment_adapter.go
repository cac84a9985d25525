package persistence

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"ack_server/core/domain"
	"ack_server/core/port/out"
	"ack_server/pkg/b64"
	"ack_server/pkg/logger"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// =============================================================================
// Attachment Adapter (SQLite)
// =============================================================================

// AttachmentAdapter implements out.AttachmentRepository. Identity for PDFs is
// the content hash: Add collapses byte-identical payloads onto one canonical
// row no matter which message carried them.
type AttachmentAdapter struct {
	db *sqlx.DB
}

// NewAttachmentAdapter creates a new AttachmentAdapter.
func NewAttachmentAdapter(db *sqlx.DB) *AttachmentAdapter {
	return &AttachmentAdapter{db: db}
}

// =============================================================================
// Database Row Mapping
// =============================================================================

type attachmentRow struct {
	AttachmentID  string `db:"attachment_id"`
	MessageID     string `db:"message_id"`
	Filename      string `db:"filename"`
	MimeType      string `db:"mime_type"`
	ProviderAttID string `db:"provider_att_id"`
	ContentSHA256 string `db:"content_sha256"`
	BinaryBase64  string `db:"binary_base64"`
	SizeBytes     int64  `db:"size_bytes"`
	TextExtract   string `db:"text_extract"`
	ParsedFields  string `db:"parsed_fields"`
	CreatedAt     int64  `db:"created_at"`
}

const attachmentColumns = `attachment_id, message_id, filename, mime_type,
	provider_att_id, content_sha256, binary_base64, size_bytes, text_extract,
	parsed_fields, created_at`

func (r *attachmentRow) toDomain() *domain.Attachment {
	return &domain.Attachment{
		AttachmentID:  r.AttachmentID,
		MessageID:     r.MessageID,
		Filename:      r.Filename,
		MimeType:      r.MimeType,
		ProviderAttID: r.ProviderAttID,
		ContentSHA256: r.ContentSHA256,
		BinaryBase64:  r.BinaryBase64,
		SizeBytes:     r.SizeBytes,
		TextExtract:   r.TextExtract,
		ParsedFields:  r.ParsedFields,
		CreatedAt:     fromMs(r.CreatedAt),
	}
}

// =============================================================================
// Content-Addressed Upsert
// =============================================================================

// Add upserts by content hash and returns the canonical row plus whether an
// existing row was reused.
//
// Hash hit: fill in only the columns the existing row is missing and return
// it without inserting. Hash absent on a PDF with bytes: compute it inline
// so no PDF row is ever stored with binary data and no hash.
func (a *AttachmentAdapter) Add(ctx context.Context, att *domain.Attachment) (*domain.Attachment, bool, error) {
	if att.ContentSHA256 == "" && att.IsPDF() && att.BinaryBase64 != "" {
		data, err := b64.Decode(att.BinaryBase64)
		if err != nil {
			return nil, false, err
		}
		sum := sha256.Sum256(data)
		att.ContentSHA256 = hex.EncodeToString(sum[:])
		att.SizeBytes = int64(len(data))
	}

	if att.ContentSHA256 != "" {
		existing, err := a.GetByHash(ctx, att.ContentSHA256)
		if err != nil && err != out.ErrNotFound {
			return nil, false, err
		}
		if existing != nil {
			_, err := a.db.ExecContext(ctx, `
				UPDATE attachments SET
					filename      = CASE WHEN filename = '' THEN ? ELSE filename END,
					mime_type     = CASE WHEN mime_type = '' THEN ? ELSE mime_type END,
					binary_base64 = CASE WHEN binary_base64 = '' THEN ? ELSE binary_base64 END,
					size_bytes    = CASE WHEN size_bytes = 0 THEN ? ELSE size_bytes END,
					text_extract  = CASE WHEN text_extract = '' THEN ? ELSE text_extract END
				WHERE attachment_id = ?`,
				att.Filename, att.MimeType, att.BinaryBase64, att.SizeBytes,
				att.TextExtract, existing.AttachmentID)
			if err != nil {
				return nil, false, mapBusy(err)
			}
			canonical, err := a.GetByID(ctx, existing.AttachmentID)
			if err != nil {
				return nil, false, err
			}
			return canonical, true, nil
		}
	}

	if att.AttachmentID == "" {
		att.AttachmentID = uuid.New().String()
	}
	att.CreatedAt = time.Now().UTC()
	if att.ParsedFields == "" {
		att.ParsedFields = "{}"
	}

	_, err := a.db.ExecContext(ctx, `
		INSERT INTO attachments (`+attachmentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		att.AttachmentID, att.MessageID, att.Filename, att.MimeType,
		att.ProviderAttID, att.ContentSHA256, att.BinaryBase64, att.SizeBytes,
		att.TextExtract, att.ParsedFields, toMs(att.CreatedAt))
	if err != nil {
		return nil, false, mapBusy(err)
	}
	return att, false, nil
}

// GetByID retrieves an attachment by row id.
func (a *AttachmentAdapter) GetByID(ctx context.Context, attachmentID string) (*domain.Attachment, error) {
	var row attachmentRow
	err := a.db.GetContext(ctx, &row,
		`SELECT `+attachmentColumns+` FROM attachments WHERE attachment_id = ?`,
		attachmentID)
	if err != nil {
		return nil, mapNotFound(err)
	}
	return row.toDomain(), nil
}

// GetByHash retrieves the canonical row for a content hash.
func (a *AttachmentAdapter) GetByHash(ctx context.Context, sha string) (*domain.Attachment, error) {
	if sha == "" {
		return nil, out.ErrNotFound
	}
	var row attachmentRow
	err := a.db.GetContext(ctx, &row, `
		SELECT `+attachmentColumns+` FROM attachments
		WHERE content_sha256 = ?
		ORDER BY created_at ASC
		LIMIT 1`, sha)
	if err != nil {
		return nil, mapNotFound(err)
	}
	return row.toDomain(), nil
}

// ListByMessage returns attachments carried by one message.
func (a *AttachmentAdapter) ListByMessage(ctx context.Context, messageID string) ([]*domain.Attachment, error) {
	var rows []attachmentRow
	err := a.db.SelectContext(ctx, &rows,
		`SELECT `+attachmentColumns+` FROM attachments WHERE message_id = ? ORDER BY created_at ASC`,
		messageID)
	if err != nil {
		return nil, err
	}
	return rowsToAttachments(rows), nil
}

// ListByCase returns attachments across every message of a case.
func (a *AttachmentAdapter) ListByCase(ctx context.Context, caseID string) ([]*domain.Attachment, error) {
	var rows []attachmentRow
	err := a.db.SelectContext(ctx, &rows, `
		SELECT `+attachmentColumns+` FROM attachments
		WHERE message_id IN (SELECT message_id FROM messages WHERE case_id = ?)
		ORDER BY created_at DESC`, caseID)
	if err != nil {
		return nil, err
	}
	return rowsToAttachments(rows), nil
}

func rowsToAttachments(rows []attachmentRow) []*domain.Attachment {
	atts := make([]*domain.Attachment, 0, len(rows))
	for i := range rows {
		atts = append(atts, rows[i].toDomain())
	}
	return atts
}

// UpdateTextExtract stores extracted PDF text on an existing row.
func (a *AttachmentAdapter) UpdateTextExtract(ctx context.Context, attachmentID, text string) error {
	res, err := a.db.ExecContext(ctx,
		`UPDATE attachments SET text_extract = ? WHERE attachment_id = ?`,
		text, attachmentID)
	if err != nil {
		return mapBusy(err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return out.ErrNotFound
	}
	return nil
}

// RehashLegacy backfills content_sha256 and size on rows stored before
// hashing existed, matched by (message_id, filename).
func (a *AttachmentAdapter) RehashLegacy(ctx context.Context, messageID, filename, sha string, size int64) (int, error) {
	res, err := a.db.ExecContext(ctx, `
		UPDATE attachments
		SET content_sha256 = ?, size_bytes = CASE WHEN size_bytes = 0 THEN ? ELSE size_bytes END
		WHERE message_id = ? AND filename = ? AND content_sha256 = ''`,
		sha, size, messageID, filename)
	if err != nil {
		return 0, mapBusy(err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// =============================================================================
// Duplicate Cleanup
// =============================================================================

// CleanupDuplicates collapses every duplicate-hash group onto a keeper and
// rewrites all back-references before deleting the losers. Keeper preference:
// has text_extract, then has binary, then newest.
func (a *AttachmentAdapter) CleanupDuplicates(ctx context.Context) (*out.CleanupSummary, error) {
	tx, err := a.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, mapBusy(err)
	}
	defer tx.Rollback()

	var hashes []string
	if err := tx.SelectContext(ctx, &hashes, `
		SELECT content_sha256 FROM attachments
		WHERE content_sha256 != ''
		GROUP BY content_sha256
		HAVING COUNT(*) > 1`); err != nil {
		return nil, err
	}

	summary := &out.CleanupSummary{}

	for _, sha := range hashes {
		var rows []attachmentRow
		if err := tx.SelectContext(ctx, &rows, `
			SELECT `+attachmentColumns+` FROM attachments
			WHERE content_sha256 = ?
			ORDER BY (text_extract != '') DESC, (binary_base64 != '') DESC, created_at DESC`,
			sha); err != nil {
			return nil, err
		}
		if len(rows) < 2 {
			continue
		}
		summary.Groups++
		keeper := rows[0]

		for _, loser := range rows[1:] {
			if err := rewriteBackRefs(ctx, tx, loser.AttachmentID, keeper.AttachmentID); err != nil {
				return nil, err
			}
			summary.RefsRewritten++

			if _, err := tx.ExecContext(ctx,
				`DELETE FROM attachments WHERE attachment_id = ?`, loser.AttachmentID); err != nil {
				return nil, err
			}
			summary.Removed++
		}
		logger.WithField("content_sha256", sha).
			WithField("removed", len(rows)-1).
			Info("Collapsed duplicate attachment group onto %s", keeper.AttachmentID)
	}

	return summary, mapBusy(tx.Commit())
}

// rewriteBackRefs retargets every reference from a removed attachment row to
// its keeper: case meta evidence, confirmation records and extractions, and
// event evidence_refs JSON.
func rewriteBackRefs(ctx context.Context, e sqlx.ExtContext, oldID, newID string) error {
	if _, err := e.ExecContext(ctx, `
		UPDATE cases SET meta = REPLACE(meta, ?, ?) WHERE meta LIKE ?`,
		oldID, newID, "%"+oldID+"%"); err != nil {
		return mapBusy(err)
	}
	if _, err := e.ExecContext(ctx, `
		UPDATE confirmation_records SET source_attachment_id = ? WHERE source_attachment_id = ?`,
		newID, oldID); err != nil {
		return mapBusy(err)
	}
	if _, err := e.ExecContext(ctx, `
		UPDATE confirmation_extractions SET evidence_attachment_id = ? WHERE evidence_attachment_id = ?`,
		newID, oldID); err != nil {
		return mapBusy(err)
	}
	return rewriteAttachmentRefsExec(ctx, e, oldID, newID)
}
