package persistence

import (
	"context"
	"fmt"
	"strings"
	"time"

	"ack_server/core/domain"
	"ack_server/core/port/out"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// =============================================================================
// Case Adapter (SQLite)
// =============================================================================

// CaseAdapter implements out.CaseRepository on SQLite.
type CaseAdapter struct {
	db     *sqlx.DB
	events *EventAdapter
}

// NewCaseAdapter creates a new CaseAdapter. The event adapter is used for
// audit writes inside case-lock transactions.
func NewCaseAdapter(db *sqlx.DB, events *EventAdapter) *CaseAdapter {
	return &CaseAdapter{db: db, events: events}
}

// =============================================================================
// Database Row Mapping
// =============================================================================

type caseRow struct {
	CaseID           string   `db:"case_id"`
	PONumber         string   `db:"po_number"`
	LineID           string   `db:"line_id"`
	SupplierName     string   `db:"supplier_name"`
	SupplierEmail    string   `db:"supplier_email"`
	SupplierDomain   string   `db:"supplier_domain"`
	ItemDescription  string   `db:"item_description"`
	ExpectedQty      *float64 `db:"expected_qty"`
	MissingFields    string   `db:"missing_fields"`
	State            string   `db:"state"`
	Status           string   `db:"status"`
	TouchCount       int      `db:"touch_count"`
	ErrorCount       int      `db:"error_count"`
	LastAction       *int64   `db:"last_action"`
	NextCheckAt      *int64   `db:"next_check_at"`
	LastInboxCheckAt *int64   `db:"last_inbox_check_at"`
	Meta             string   `db:"meta"`
	CreatedAt        int64    `db:"created_at"`
	UpdatedAt        int64    `db:"updated_at"`
}

const caseColumns = `case_id, po_number, line_id, supplier_name, supplier_email,
	supplier_domain, item_description, expected_qty, missing_fields, state,
	status, touch_count, error_count, last_action, next_check_at,
	last_inbox_check_at, meta, created_at, updated_at`

func (r *caseRow) toDomain() (*domain.Case, error) {
	var missing []string
	if r.MissingFields != "" {
		if err := json.Unmarshal([]byte(r.MissingFields), &missing); err != nil {
			return nil, fmt.Errorf("case %s: bad missing_fields: %w", r.CaseID, err)
		}
	}

	var meta domain.CaseMeta
	if r.Meta != "" {
		if err := json.Unmarshal([]byte(r.Meta), &meta); err != nil {
			return nil, fmt.Errorf("case %s: bad meta: %w", r.CaseID, err)
		}
	}

	return &domain.Case{
		CaseID:           r.CaseID,
		PONumber:         r.PONumber,
		LineID:           r.LineID,
		SupplierName:     r.SupplierName,
		SupplierEmail:    r.SupplierEmail,
		SupplierDomain:   r.SupplierDomain,
		ItemDescription:  r.ItemDescription,
		ExpectedQty:      r.ExpectedQty,
		MissingFields:    missing,
		State:            domain.CaseState(r.State),
		Status:           domain.CaseStatus(r.Status),
		TouchCount:       r.TouchCount,
		ErrorCount:       r.ErrorCount,
		LastAction:       fromMsPtr(r.LastAction),
		NextCheckAt:      fromMsPtr(r.NextCheckAt),
		LastInboxCheckAt: fromMsPtr(r.LastInboxCheckAt),
		Meta:             meta,
		CreatedAt:        fromMs(r.CreatedAt),
		UpdatedAt:        fromMs(r.UpdatedAt),
	}, nil
}

func marshalMissing(fields []string) (string, error) {
	if fields == nil {
		fields = []string{}
	}
	b, err := json.Marshal(fields)
	return string(b), err
}

func marshalMeta(meta domain.CaseMeta) (string, error) {
	b, err := json.Marshal(meta)
	return string(b), err
}

// =============================================================================
// CRUD Operations
// =============================================================================

// Create inserts a new case. The case gets an id if it has none, an initial
// state if unset, and canonical missing fields.
func (a *CaseAdapter) Create(ctx context.Context, c *domain.Case) error {
	if c.CaseID == "" {
		c.CaseID = uuid.New().String()
	}
	if c.State == "" {
		c.State = domain.InitialState
	}
	if c.Status == "" {
		c.Status = domain.StatusOpen
	}
	c.MissingFields = domain.NormalizeMissingFields(c.MissingFields)
	if len(c.MissingFields) == 0 {
		c.MissingFields = []string{domain.FieldSupplierReference, domain.FieldDeliveryDate, domain.FieldQuantity}
	}

	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now

	missing, err := marshalMissing(c.MissingFields)
	if err != nil {
		return err
	}
	meta, err := marshalMeta(c.Meta)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO cases (` + caseColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = a.db.ExecContext(ctx, query,
		c.CaseID, c.PONumber, c.LineID, c.SupplierName, c.SupplierEmail,
		c.SupplierDomain, c.ItemDescription, c.ExpectedQty, missing,
		string(c.State), string(c.Status), c.TouchCount, c.ErrorCount,
		toMsPtr(c.LastAction), toMsPtr(c.NextCheckAt), toMsPtr(c.LastInboxCheckAt),
		meta, toMs(c.CreatedAt), toMs(c.UpdatedAt),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return out.ErrDuplicate
	}
	return mapBusy(err)
}

// GetByID retrieves a case by id.
func (a *CaseAdapter) GetByID(ctx context.Context, caseID string) (*domain.Case, error) {
	return a.getBy(ctx, a.db, `SELECT `+caseColumns+` FROM cases WHERE case_id = ?`, caseID)
}

// FindByPoLine retrieves the case for one (po_number, line_id).
func (a *CaseAdapter) FindByPoLine(ctx context.Context, poNumber, lineID string) (*domain.Case, error) {
	return a.getBy(ctx, a.db,
		`SELECT `+caseColumns+` FROM cases WHERE po_number = ? AND line_id = ?`,
		poNumber, lineID)
}

func (a *CaseAdapter) getBy(ctx context.Context, q sqlx.QueryerContext, query string, args ...any) (*domain.Case, error) {
	var row caseRow
	if err := sqlx.GetContext(ctx, q, &row, query, args...); err != nil {
		return nil, mapNotFound(err)
	}
	return row.toDomain()
}

// Update applies a typed patch outside any case lock.
func (a *CaseAdapter) Update(ctx context.Context, caseID string, patch *domain.CasePatch) error {
	return applyPatch(ctx, a.db, caseID, patch)
}

// applyPatch builds the UPDATE from the set fields of the patch and always
// bumps updated_at. Runs against either the pool or a transaction.
func applyPatch(ctx context.Context, e sqlx.ExtContext, caseID string, patch *domain.CasePatch) error {
	sets := []string{"updated_at = ?"}
	args := []any{time.Now().UTC().UnixMilli()}

	if patch != nil {
		if patch.SupplierName != nil {
			sets = append(sets, "supplier_name = ?")
			args = append(args, *patch.SupplierName)
		}
		if patch.SupplierEmail != nil {
			sets = append(sets, "supplier_email = ?")
			args = append(args, *patch.SupplierEmail)
		}
		if patch.SupplierDomain != nil {
			sets = append(sets, "supplier_domain = ?")
			args = append(args, *patch.SupplierDomain)
		}
		if patch.MissingFields != nil {
			missing, err := marshalMissing(domain.NormalizeMissingFields(*patch.MissingFields))
			if err != nil {
				return err
			}
			sets = append(sets, "missing_fields = ?")
			args = append(args, missing)
		}
		if patch.State != nil {
			sets = append(sets, "state = ?")
			args = append(args, string(*patch.State))
		}
		if patch.Status != nil {
			sets = append(sets, "status = ?")
			args = append(args, string(*patch.Status))
		}
		if patch.TouchCount != nil {
			sets = append(sets, "touch_count = ?")
			args = append(args, *patch.TouchCount)
		}
		if patch.ErrorCount != nil {
			sets = append(sets, "error_count = ?")
			args = append(args, *patch.ErrorCount)
		}
		if patch.LastAction != nil {
			sets = append(sets, "last_action = ?")
			args = append(args, patch.LastAction.UnixMilli())
		}
		if patch.NextCheckAt != nil {
			sets = append(sets, "next_check_at = ?")
			args = append(args, toMsPtr(*patch.NextCheckAt))
		}
		if patch.LastInboxCheckAt != nil {
			sets = append(sets, "last_inbox_check_at = ?")
			args = append(args, toMsPtr(*patch.LastInboxCheckAt))
		}
		if patch.Meta != nil {
			meta, err := marshalMeta(*patch.Meta)
			if err != nil {
				return err
			}
			sets = append(sets, "meta = ?")
			args = append(args, meta)
		}
	}

	args = append(args, caseID)
	query := "UPDATE cases SET " + strings.Join(sets, ", ") + " WHERE case_id = ?"

	res, err := e.ExecContext(ctx, query, args...)
	if err != nil {
		return mapBusy(err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return out.ErrNotFound
	}
	return nil
}

// List returns cases ordered by update recency.
func (a *CaseAdapter) List(ctx context.Context, limit, offset int) ([]*domain.Case, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var rows []caseRow
	err := a.db.SelectContext(ctx, &rows,
		`SELECT `+caseColumns+` FROM cases ORDER BY updated_at DESC LIMIT ? OFFSET ?`,
		limit, offset)
	if err != nil {
		return nil, err
	}
	return rowsToCases(rows)
}

// ListDue returns scheduled cases whose next_check_at has passed, plus
// never-probed cases still in the initial state, oldest first.
func (a *CaseAdapter) ListDue(ctx context.Context, now time.Time, limit int) ([]*domain.Case, error) {
	var rows []caseRow
	err := a.db.SelectContext(ctx, &rows, `
		SELECT `+caseColumns+` FROM cases
		WHERE (next_check_at IS NOT NULL AND next_check_at <= ?)
		   OR (state = ? AND last_inbox_check_at IS NULL)
		ORDER BY COALESCE(next_check_at, 0) ASC
		LIMIT ?`,
		now.UnixMilli(), string(domain.InitialState), limit)
	if err != nil {
		return nil, err
	}
	return rowsToCases(rows)
}

func rowsToCases(rows []caseRow) ([]*domain.Case, error) {
	cases := make([]*domain.Case, 0, len(rows))
	for i := range rows {
		c, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		cases = append(cases, c)
	}
	return cases, nil
}

// DeleteByPO cascade-deletes every case for a PO along with its events,
// messages and attachments. Demo reset only.
func (a *CaseAdapter) DeleteByPO(ctx context.Context, poNumber string) (int, error) {
	tx, err := a.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, mapBusy(err)
	}
	defer tx.Rollback()

	var caseIDs []string
	if err := tx.SelectContext(ctx, &caseIDs,
		`SELECT case_id FROM cases WHERE po_number = ?`, poNumber); err != nil {
		return 0, err
	}
	if len(caseIDs) == 0 {
		return 0, tx.Commit()
	}

	// Attachment rows hang off messages, which are not FK-cascaded to
	// attachments, so delete them explicitly first.
	query, args, err := sqlx.In(`
		DELETE FROM attachments WHERE message_id IN
			(SELECT message_id FROM messages WHERE case_id IN (?))`, caseIDs)
	if err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return 0, err
	}

	res, err := tx.ExecContext(ctx,
		`DELETE FROM cases WHERE po_number = ?`, poNumber)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), tx.Commit()
}

// =============================================================================
// Case Lock
// =============================================================================

// caseUnit is the transactional view handed to CaseLockFn.
type caseUnit struct {
	tx *sqlx.Tx
	c  *domain.Case
	a  *CaseAdapter
}

func (u *caseUnit) Case() *domain.Case { return u.c }

func (u *caseUnit) Update(ctx context.Context, patch *domain.CasePatch) error {
	return applyPatch(ctx, u.tx, u.c.CaseID, patch)
}

func (u *caseUnit) AddEvent(ctx context.Context, ev *domain.Event) error {
	ev.CaseID = u.c.CaseID
	return u.a.events.addTx(ctx, u.tx, ev)
}

func (u *caseUnit) LastEvent(ctx context.Context, types ...domain.EventType) (*domain.Event, error) {
	return lastExec(ctx, u.tx, u.c.CaseID, types...)
}

// WithCaseLock runs fn inside an immediate writer transaction with the case
// re-read under the lock. Contention maps to ErrLockBusy so callers skip
// instead of spinning.
func (a *CaseAdapter) WithCaseLock(ctx context.Context, caseID string, fn out.CaseLockFn) error {
	tx, err := a.db.BeginTxx(ctx, nil)
	if err != nil {
		return mapBusy(err)
	}
	defer tx.Rollback()

	c, err := a.getBy(ctx, tx, `SELECT `+caseColumns+` FROM cases WHERE case_id = ?`, caseID)
	if err != nil {
		return err
	}

	if err := fn(ctx, &caseUnit{tx: tx, c: c, a: a}); err != nil {
		return err
	}
	return mapBusy(tx.Commit())
}
