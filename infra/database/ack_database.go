// Package database opens the SQLite store and keeps its schema current.
package database

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// connString builds the SQLite DSN. Writer connections take _txlock=immediate
// so BEGIN acquires the write lock up front; a busy database then fails fast
// with SQLITE_BUSY instead of failing at COMMIT.
func connString(path string, immediate bool) string {
	s := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)&_pragma=journal_mode(WAL)&_time_format=sqlite", path)
	if immediate {
		s += "&_txlock=immediate"
	}
	return s
}

// NewSQLite opens (creating if needed) the case database at path and applies
// pending migrations.
func NewSQLite(path string) (*sqlx.DB, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	db, err := sqlx.Connect("sqlite3", connString(path, true))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Single writer model: one connection avoids lock contention between
	// the poller and HTTP handlers inside this process.
	db.SetMaxOpenConns(1)

	if err := Migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// NewSQLiteMemory opens an in-memory database for tests.
func NewSQLiteMemory() (*sqlx.DB, error) {
	db, err := sqlx.Connect("sqlite3", "file::memory:?_pragma=foreign_keys(ON)&_time_format=sqlite")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if err := Migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS cases (
		case_id             TEXT PRIMARY KEY,
		po_number           TEXT NOT NULL,
		line_id             TEXT NOT NULL DEFAULT '',
		supplier_name       TEXT NOT NULL DEFAULT '',
		supplier_email      TEXT NOT NULL DEFAULT '',
		supplier_domain     TEXT NOT NULL DEFAULT '',
		item_description    TEXT NOT NULL DEFAULT '',
		expected_qty        REAL,
		missing_fields      TEXT NOT NULL DEFAULT '[]',
		state               TEXT NOT NULL,
		status              TEXT NOT NULL DEFAULT 'OPEN',
		touch_count         INTEGER NOT NULL DEFAULT 0,
		error_count         INTEGER NOT NULL DEFAULT 0,
		last_action         INTEGER,
		next_check_at       INTEGER,
		last_inbox_check_at INTEGER,
		meta                TEXT NOT NULL DEFAULT '{}',
		created_at          INTEGER NOT NULL,
		updated_at          INTEGER NOT NULL,
		UNIQUE (po_number, line_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_cases_due
		ON cases (next_check_at) WHERE next_check_at IS NOT NULL`,
	`CREATE TABLE IF NOT EXISTS case_events (
		event_id      TEXT PRIMARY KEY,
		case_id       TEXT NOT NULL REFERENCES cases(case_id) ON DELETE CASCADE,
		event_type    TEXT NOT NULL,
		summary       TEXT NOT NULL DEFAULT '',
		meta          TEXT NOT NULL DEFAULT '{}',
		evidence_refs TEXT NOT NULL DEFAULT '{}',
		created_at    INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_events_case ON case_events (case_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS messages (
		message_id    TEXT PRIMARY KEY,
		case_id       TEXT NOT NULL REFERENCES cases(case_id) ON DELETE CASCADE,
		thread_id     TEXT NOT NULL DEFAULT '',
		direction     TEXT NOT NULL,
		from_addr     TEXT NOT NULL DEFAULT '',
		to_addr       TEXT NOT NULL DEFAULT '',
		subject       TEXT NOT NULL DEFAULT '',
		snippet       TEXT NOT NULL DEFAULT '',
		body_text     TEXT NOT NULL DEFAULT '',
		received_at   INTEGER,
		created_at    INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_case ON messages (case_id, received_at)`,
	`CREATE TABLE IF NOT EXISTS attachments (
		attachment_id   TEXT PRIMARY KEY,
		message_id      TEXT NOT NULL,
		filename        TEXT NOT NULL DEFAULT '',
		mime_type       TEXT NOT NULL DEFAULT '',
		provider_att_id TEXT NOT NULL DEFAULT '',
		content_sha256  TEXT NOT NULL DEFAULT '',
		binary_base64   TEXT NOT NULL DEFAULT '',
		size_bytes      INTEGER NOT NULL DEFAULT 0,
		text_extract    TEXT NOT NULL DEFAULT '',
		parsed_fields   TEXT NOT NULL DEFAULT '{}',
		created_at      INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_attachments_hash ON attachments (content_sha256)`,
	`CREATE INDEX IF NOT EXISTS idx_attachments_message ON attachments (message_id)`,
	`CREATE TABLE IF NOT EXISTS confirmation_records (
		record_id            TEXT PRIMARY KEY,
		po_id                TEXT NOT NULL,
		line_id              TEXT NOT NULL DEFAULT '',
		supplier_reference   TEXT NOT NULL DEFAULT '',
		delivery_date        TEXT NOT NULL DEFAULT '',
		quantity             REAL,
		source_attachment_id TEXT NOT NULL DEFAULT '',
		source_message_id    TEXT NOT NULL DEFAULT '',
		created_at           INTEGER NOT NULL,
		updated_at           INTEGER NOT NULL,
		UNIQUE (po_id, line_id)
	)`,
	`CREATE TABLE IF NOT EXISTS confirmation_extractions (
		extraction_id          TEXT PRIMARY KEY,
		case_id                TEXT NOT NULL,
		supplier_reference     TEXT NOT NULL DEFAULT '',
		delivery_date          TEXT NOT NULL DEFAULT '',
		quantity               REAL,
		min_confidence         REAL NOT NULL DEFAULT 0,
		evidence_source        TEXT NOT NULL DEFAULT '',
		evidence_attachment_id TEXT NOT NULL DEFAULT '',
		evidence_message_id    TEXT NOT NULL DEFAULT '',
		created_at             INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_extractions_case ON confirmation_extractions (case_id)`,
	`CREATE TABLE IF NOT EXISTS oauth_tokens (
		id            INTEGER PRIMARY KEY CHECK (id = 1),
		access_token  TEXT NOT NULL DEFAULT '',
		refresh_token TEXT NOT NULL DEFAULT '',
		token_type    TEXT NOT NULL DEFAULT 'Bearer',
		expiry        INTEGER NOT NULL DEFAULT 0,
		updated_at    INTEGER NOT NULL
	)`,
}

// Columns added after the initial schema. Migrate applies them only when
// missing so older databases upgrade in place.
var addedColumns = []struct {
	table, column, ddl string
}{
	{"attachments", "content_sha256", `ALTER TABLE attachments ADD COLUMN content_sha256 TEXT NOT NULL DEFAULT ''`},
	{"attachments", "text_extract", `ALTER TABLE attachments ADD COLUMN text_extract TEXT NOT NULL DEFAULT ''`},
	{"attachments", "parsed_fields", `ALTER TABLE attachments ADD COLUMN parsed_fields TEXT NOT NULL DEFAULT '{}'`},
	{"cases", "last_inbox_check_at", `ALTER TABLE cases ADD COLUMN last_inbox_check_at INTEGER`},
	{"cases", "error_count", `ALTER TABLE cases ADD COLUMN error_count INTEGER NOT NULL DEFAULT 0`},
}

// Migrate creates missing tables and adds missing columns. Every statement
// is idempotent; there is no version table to get out of sync.
func Migrate(db *sqlx.DB) error {
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	for _, ac := range addedColumns {
		has, err := hasColumn(db, ac.table, ac.column)
		if err != nil {
			return err
		}
		if !has {
			if _, err := db.Exec(ac.ddl); err != nil {
				return fmt.Errorf("migrate %s.%s: %w", ac.table, ac.column, err)
			}
		}
	}
	return nil
}

func hasColumn(db *sqlx.DB, table, column string) (bool, error) {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			cid        int
			name, typ  string
			notnull    int
			dflt       any
			primaryKey int
		)
		if err := rows.Scan(&cid, &name, &typ, &notnull, &dflt, &primaryKey); err != nil {
			return false, err
		}
		if strings.EqualFold(name, column) {
			return true, nil
		}
	}
	return false, rows.Err()
}
