package out

import (
	"context"
	"time"

	"ack_server/core/domain"

	"golang.org/x/oauth2"
)

// =============================================================================
// Case Repository
// =============================================================================

// CaseUnit is the view handed to a function running inside the case lock.
// All mutations performed through it share one writer transaction.
type CaseUnit interface {
	// Case returns the row as re-read inside the lock.
	Case() *domain.Case

	// Update applies a typed patch; updated_at is always bumped.
	Update(ctx context.Context, patch *domain.CasePatch) error

	// AddEvent appends an audit event in the same transaction.
	AddEvent(ctx context.Context, ev *domain.Event) error

	// LastEvent returns the newest event for the locked case, optionally
	// filtered by type, read through the same transaction. ErrNotFound when
	// none exists.
	LastEvent(ctx context.Context, types ...domain.EventType) (*domain.Event, error)
}

// CaseLockFn runs inside an exclusive writer transaction for one case.
type CaseLockFn func(ctx context.Context, u CaseUnit) error

// CaseRepository owns case persistence.
type CaseRepository interface {
	Create(ctx context.Context, c *domain.Case) error
	GetByID(ctx context.Context, caseID string) (*domain.Case, error)
	FindByPoLine(ctx context.Context, poNumber, lineID string) (*domain.Case, error)
	Update(ctx context.Context, caseID string, patch *domain.CasePatch) error
	List(ctx context.Context, limit, offset int) ([]*domain.Case, error)

	// ListDue returns cases in a scheduled state with next_check_at <= now,
	// ordered ascending, capped at limit.
	ListDue(ctx context.Context, now time.Time, limit int) ([]*domain.Case, error)

	// DeleteByPO cascade-deletes every case for a PO (demo/dev only).
	DeleteByPO(ctx context.Context, poNumber string) (int, error)

	// WithCaseLock begins an immediate writer transaction, re-reads the case,
	// invokes fn and commits; any error rolls back. A busy database returns
	// ErrLockBusy without invoking fn.
	WithCaseLock(ctx context.Context, caseID string, fn CaseLockFn) error
}

// =============================================================================
// Event Repository
// =============================================================================

// EventRepository owns the append-only audit log.
type EventRepository interface {
	// Add inserts an event. An identical (case_id, event_type, summary)
	// within the last 5 seconds is silently skipped.
	Add(ctx context.Context, ev *domain.Event) error

	ListByCase(ctx context.Context, caseID string, limit int) ([]*domain.Event, error)

	// Last returns the most recent event for the case, optionally filtered
	// by type. ErrNotFound when none exists.
	Last(ctx context.Context, caseID string, types ...domain.EventType) (*domain.Event, error)

	// RewriteAttachmentRefs replaces oldID with newID inside the JSON
	// evidence_refs of every event. Used by duplicate cleanup.
	RewriteAttachmentRefs(ctx context.Context, oldID, newID string) error
}

// =============================================================================
// Message Repository
// =============================================================================

// MessageRepository owns mail message rows.
type MessageRepository interface {
	// Upsert inserts or updates on message_id, preserving created_at.
	Upsert(ctx context.Context, msg *domain.Message) error

	GetByID(ctx context.Context, messageID string) (*domain.Message, error)
	ListByCase(ctx context.Context, caseID string) ([]*domain.Message, error)

	// LatestInbound returns the newest INBOUND message for the case.
	LatestInbound(ctx context.Context, caseID string) (*domain.Message, error)
}

// =============================================================================
// Attachment Repository
// =============================================================================

// CleanupSummary reports what the duplicate cleanup did.
type CleanupSummary struct {
	Groups      int `json:"groups"`
	Removed     int `json:"removed"`
	RefsRewritten int `json:"refs_rewritten"`
}

// AttachmentRepository owns content-addressed attachment storage.
type AttachmentRepository interface {
	// Add upserts by content hash and returns the canonical row plus
	// whether an existing row was reused.
	Add(ctx context.Context, att *domain.Attachment) (*domain.Attachment, bool, error)

	GetByID(ctx context.Context, attachmentID string) (*domain.Attachment, error)
	GetByHash(ctx context.Context, sha256 string) (*domain.Attachment, error)
	ListByMessage(ctx context.Context, messageID string) ([]*domain.Attachment, error)
	ListByCase(ctx context.Context, caseID string) ([]*domain.Attachment, error)

	// UpdateTextExtract stores extracted PDF text on an existing row.
	UpdateTextExtract(ctx context.Context, attachmentID, text string) error

	// RehashLegacy backfills content_sha256/size on rows that share
	// (message_id, filename) and lack the hash.
	RehashLegacy(ctx context.Context, messageID, filename, sha256 string, size int64) (int, error)

	// CleanupDuplicates collapses duplicate-hash groups onto a keeper and
	// rewrites every back-reference before deleting the losers.
	CleanupDuplicates(ctx context.Context) (*CleanupSummary, error)
}

// =============================================================================
// Confirmation Record Repository
// =============================================================================

// RecordRepository owns authoritative confirmation records.
type RecordRepository interface {
	Upsert(ctx context.Context, rec *domain.ConfirmationRecord) error
	GetByPoLine(ctx context.Context, poID, lineID string) (*domain.ConfirmationRecord, error)
	ListByPOs(ctx context.Context, poIDs []string) ([]*domain.ConfirmationRecord, error)

	// AddExtraction appends a raw extraction run for audit.
	AddExtraction(ctx context.Context, ex *domain.ConfirmationExtraction) error

	// RewriteAttachmentRefs retargets source_attachment_id /
	// evidence_attachment_id from oldID to newID (duplicate cleanup).
	RewriteAttachmentRefs(ctx context.Context, oldID, newID string) error
}

// =============================================================================
// Token Repository
// =============================================================================

// TokenRepository persists the singleton mail OAuth token.
type TokenRepository interface {
	Get(ctx context.Context) (*oauth2.Token, error)
	Save(ctx context.Context, token *oauth2.Token) error
}
