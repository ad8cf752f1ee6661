package storage

import (
	"errors"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// isBusy reports whether err is a SQLite result code meaning another
// connection held the write lock past busy_timeout.
func isBusy(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	// Extended codes carry the primary code in the low byte.
	switch se.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return true
	default:
		return false
	}
}

// classifyWrite tags lock contention with ErrBusy so callers can report it
// without inspecting driver codes. The write is not retried.
func classifyWrite(err error) error {
	if err != nil && isBusy(err) {
		return errors.Join(ErrBusy, err)
	}
	return err
}
