package persistence

import (
	"context"
	"time"

	"ack_server/core/domain"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// Window within which an identical (case, type, summary) event is treated
// as a double-fire and skipped.
const eventDedupWindow = 5 * time.Second

// =============================================================================
// Event Adapter (SQLite)
// =============================================================================

// EventAdapter implements out.EventRepository on SQLite.
type EventAdapter struct {
	db *sqlx.DB
}

// NewEventAdapter creates a new EventAdapter.
func NewEventAdapter(db *sqlx.DB) *EventAdapter {
	return &EventAdapter{db: db}
}

// =============================================================================
// Database Row Mapping
// =============================================================================

type eventRow struct {
	EventID      string `db:"event_id"`
	CaseID       string `db:"case_id"`
	EventType    string `db:"event_type"`
	Summary      string `db:"summary"`
	Meta         string `db:"meta"`
	EvidenceRefs string `db:"evidence_refs"`
	CreatedAt    int64  `db:"created_at"`
}

const eventColumns = `event_id, case_id, event_type, summary, meta, evidence_refs, created_at`

func (r *eventRow) toDomain() (*domain.Event, error) {
	ev := &domain.Event{
		EventID:   r.EventID,
		CaseID:    r.CaseID,
		EventType: domain.EventType(r.EventType),
		Summary:   r.Summary,
		CreatedAt: fromMs(r.CreatedAt),
	}
	if r.Meta != "" && r.Meta != "{}" {
		if err := json.Unmarshal([]byte(r.Meta), &ev.Meta); err != nil {
			return nil, err
		}
	}
	if r.EvidenceRefs != "" && r.EvidenceRefs != "{}" {
		var refs domain.EvidenceRefs
		if err := json.Unmarshal([]byte(r.EvidenceRefs), &refs); err != nil {
			return nil, err
		}
		ev.EvidenceRefs = &refs
	}
	return ev, nil
}

// =============================================================================
// Operations
// =============================================================================

// Add appends an audit event, skipping identical doubles inside the dedup
// window.
func (a *EventAdapter) Add(ctx context.Context, ev *domain.Event) error {
	return a.addExec(ctx, a.db, ev)
}

// addTx appends inside an existing case-lock transaction.
func (a *EventAdapter) addTx(ctx context.Context, tx *sqlx.Tx, ev *domain.Event) error {
	return a.addExec(ctx, tx, ev)
}

func (a *EventAdapter) addExec(ctx context.Context, e sqlx.ExtContext, ev *domain.Event) error {
	if ev.EventID == "" {
		ev.EventID = uuid.New().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	// Double-fire guard: orchestrator and poller paths can both report the
	// same outcome within the same instant.
	var dup int
	err := sqlx.GetContext(ctx, e, &dup, `
		SELECT COUNT(*) FROM case_events
		WHERE case_id = ? AND event_type = ? AND summary = ? AND created_at >= ?`,
		ev.CaseID, string(ev.EventType), ev.Summary,
		ev.CreatedAt.Add(-eventDedupWindow).UnixMilli())
	if err != nil {
		return mapBusy(err)
	}
	if dup > 0 {
		return nil
	}

	meta := "{}"
	if ev.Meta != nil {
		b, err := json.Marshal(ev.Meta)
		if err != nil {
			return err
		}
		meta = string(b)
	}
	refs := "{}"
	if ev.EvidenceRefs != nil {
		b, err := json.Marshal(ev.EvidenceRefs)
		if err != nil {
			return err
		}
		refs = string(b)
	}

	_, err = e.ExecContext(ctx, `
		INSERT INTO case_events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.EventID, ev.CaseID, string(ev.EventType), ev.Summary, meta, refs,
		ev.CreatedAt.UnixMilli())
	return mapBusy(err)
}

// ListByCase returns the newest events for a case.
func (a *EventAdapter) ListByCase(ctx context.Context, caseID string, limit int) ([]*domain.Event, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var rows []eventRow
	err := a.db.SelectContext(ctx, &rows, `
		SELECT `+eventColumns+` FROM case_events
		WHERE case_id = ?
		ORDER BY created_at DESC
		LIMIT ?`, caseID, limit)
	if err != nil {
		return nil, err
	}
	events := make([]*domain.Event, 0, len(rows))
	for i := range rows {
		ev, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

// Last returns the most recent event for a case, optionally filtered by type.
func (a *EventAdapter) Last(ctx context.Context, caseID string, types ...domain.EventType) (*domain.Event, error) {
	return lastExec(ctx, a.db, caseID, types...)
}

// lastExec runs the newest-event query against either the pool or a
// transaction. Callers holding the case lock must pass their tx: the pool
// has a single connection, and a pool query from inside the lock would wait
// on the very connection the transaction holds.
func lastExec(ctx context.Context, q sqlx.QueryerContext, caseID string, types ...domain.EventType) (*domain.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM case_events WHERE case_id = ?`
	args := []any{caseID}

	if len(types) > 0 {
		names := make([]string, len(types))
		for i, t := range types {
			names[i] = string(t)
		}
		inQuery, inArgs, err := sqlx.In(` AND event_type IN (?)`, names)
		if err != nil {
			return nil, err
		}
		query += inQuery
		args = append(args, inArgs...)
	}
	query += ` ORDER BY created_at DESC LIMIT 1`

	var row eventRow
	if err := sqlx.GetContext(ctx, q, &row, query, args...); err != nil {
		return nil, mapNotFound(err)
	}
	return row.toDomain()
}

// RewriteAttachmentRefs replaces oldID with newID inside evidence_refs JSON.
// Used when duplicate cleanup collapses attachment rows.
func (a *EventAdapter) RewriteAttachmentRefs(ctx context.Context, oldID, newID string) error {
	return rewriteAttachmentRefsExec(ctx, a.db, oldID, newID)
}

func rewriteAttachmentRefsExec(ctx context.Context, e sqlx.ExtContext, oldID, newID string) error {
	// Attachment ids are uuids, so plain substring replacement inside the
	// JSON text cannot collide with other values.
	_, err := e.ExecContext(ctx, `
		UPDATE case_events
		SET evidence_refs = REPLACE(evidence_refs, ?, ?)
		WHERE evidence_refs LIKE ?`,
		oldID, newID, "%"+oldID+"%")
	return mapBusy(err)
}
