package store

import (
	"errors"

	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Error kinds surfaced by the store. Callers classify with errors.Is.
var (
	// ErrValidation marks malformed input: unknown fields, wrong value
	// kinds, bad identifiers, unsupported filter operators.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound marks a collection operation against a parent record
	// that does not exist under the calling user. Plain reads report
	// absence as a nil result instead.
	ErrNotFound = errors.New("not found")

	// ErrSchemaConflict marks destructive schema drift: a declared field
	// whose kind differs from the stored one.
	ErrSchemaConflict = errors.New("schema conflict")

	// ErrBusy is returned after write contention survived every backoff
	// attempt. It is transient; schedulers may retry the whole operation.
	ErrBusy = errors.New("database busy")
)

// isBusy reports whether err is SQLite write contention.
func isBusy(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return true
	}
	return false
}
