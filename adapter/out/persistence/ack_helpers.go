// Package persistence provides SQLite adapters implementing outbound ports.
package persistence

import (
	"database/sql"
	"strings"
	"time"

	"ack_server/core/port/out"
)

// isBusy reports whether an error is SQLite lock contention. The wazero
// driver surfaces these as SQLITE_BUSY / SQLITE_LOCKED text.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "SQLITE_LOCKED") ||
		strings.Contains(msg, "database is locked")
}

// mapBusy converts lock contention into the skip sentinel.
func mapBusy(err error) error {
	if isBusy(err) {
		return out.ErrLockBusy
	}
	return err
}

// mapNotFound converts sql.ErrNoRows into the port sentinel.
func mapNotFound(err error) error {
	if err == sql.ErrNoRows {
		return out.ErrNotFound
	}
	return err
}

// toMs converts a time to epoch milliseconds for storage.
func toMs(t time.Time) int64 {
	return t.UnixMilli()
}

// toMsPtr converts an optional time; nil stays NULL.
func toMsPtr(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	ms := t.UnixMilli()
	return &ms
}

// fromMs converts stored epoch milliseconds back to UTC time.
func fromMs(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// fromMsPtr converts an optional stored value.
func fromMsPtr(ms *int64) *time.Time {
	if ms == nil {
		return nil
	}
	t := fromMs(*ms)
	return &t
}
