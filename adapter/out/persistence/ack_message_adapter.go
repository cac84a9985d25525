package persistence

import (
	"context"
	"time"

	"ack_server/core/domain"

	"github.com/jmoiron/sqlx"
)

// =============================================================================
// Message Adapter (SQLite)
// =============================================================================

// MessageAdapter implements out.MessageRepository on SQLite.
type MessageAdapter struct {
	db *sqlx.DB
}

// NewMessageAdapter creates a new MessageAdapter.
func NewMessageAdapter(db *sqlx.DB) *MessageAdapter {
	return &MessageAdapter{db: db}
}

// =============================================================================
// Database Row Mapping
// =============================================================================

type messageRow struct {
	MessageID  string `db:"message_id"`
	CaseID     string `db:"case_id"`
	ThreadID   string `db:"thread_id"`
	Direction  string `db:"direction"`
	FromAddr   string `db:"from_addr"`
	ToAddr     string `db:"to_addr"`
	Subject    string `db:"subject"`
	Snippet    string `db:"snippet"`
	BodyText   string `db:"body_text"`
	ReceivedAt *int64 `db:"received_at"`
	CreatedAt  int64  `db:"created_at"`
}

const messageColumns = `message_id, case_id, thread_id, direction, from_addr,
	to_addr, subject, snippet, body_text, received_at, created_at`

func (r *messageRow) toDomain() *domain.Message {
	return &domain.Message{
		MessageID:  r.MessageID,
		CaseID:     r.CaseID,
		ThreadID:   r.ThreadID,
		Direction:  domain.MessageDirection(r.Direction),
		FromAddr:   r.FromAddr,
		ToAddr:     r.ToAddr,
		Subject:    r.Subject,
		Snippet:    r.Snippet,
		Body:       r.BodyText,
		ReceivedAt: fromMsPtr(r.ReceivedAt),
		CreatedAt:  fromMs(r.CreatedAt),
	}
}

// =============================================================================
// Operations
// =============================================================================

// Upsert inserts or refreshes a message row on its provider id. Re-syncing a
// thread must not move created_at, so the conflict clause leaves it alone.
func (a *MessageAdapter) Upsert(ctx context.Context, msg *domain.Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	_, err := a.db.ExecContext(ctx, `
		INSERT INTO messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (message_id) DO UPDATE SET
			case_id     = excluded.case_id,
			thread_id   = excluded.thread_id,
			direction   = excluded.direction,
			from_addr   = excluded.from_addr,
			to_addr     = excluded.to_addr,
			subject     = excluded.subject,
			snippet     = excluded.snippet,
			body_text   = excluded.body_text,
			received_at = excluded.received_at`,
		msg.MessageID, msg.CaseID, msg.ThreadID, string(msg.Direction),
		msg.FromAddr, msg.ToAddr, msg.Subject, msg.Snippet, msg.Body,
		toMsPtr(msg.ReceivedAt), toMs(msg.CreatedAt))
	return mapBusy(err)
}

// GetByID retrieves a message by provider id.
func (a *MessageAdapter) GetByID(ctx context.Context, messageID string) (*domain.Message, error) {
	var row messageRow
	err := a.db.GetContext(ctx, &row,
		`SELECT `+messageColumns+` FROM messages WHERE message_id = ?`, messageID)
	if err != nil {
		return nil, mapNotFound(err)
	}
	return row.toDomain(), nil
}

// ListByCase returns all messages for a case, newest first.
func (a *MessageAdapter) ListByCase(ctx context.Context, caseID string) ([]*domain.Message, error) {
	var rows []messageRow
	err := a.db.SelectContext(ctx, &rows, `
		SELECT `+messageColumns+` FROM messages
		WHERE case_id = ?
		ORDER BY COALESCE(received_at, created_at) DESC`, caseID)
	if err != nil {
		return nil, err
	}
	msgs := make([]*domain.Message, 0, len(rows))
	for i := range rows {
		msgs = append(msgs, rows[i].toDomain())
	}
	return msgs, nil
}

// LatestInbound returns the newest supplier-originated message for a case.
func (a *MessageAdapter) LatestInbound(ctx context.Context, caseID string) (*domain.Message, error) {
	var row messageRow
	err := a.db.GetContext(ctx, &row, `
		SELECT `+messageColumns+` FROM messages
		WHERE case_id = ? AND direction = ?
		ORDER BY COALESCE(received_at, created_at) DESC
		LIMIT 1`, caseID, string(domain.DirectionInbound))
	if err != nil {
		return nil, mapNotFound(err)
	}
	return row.toDomain(), nil
}
