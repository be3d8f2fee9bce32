package sqlite

import (
	"errors"
	"fmt"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// mapSQLiteError gives SQLite errors a readable prefix for callers.
// Returns the original error if it's not a SQLite error.
func mapSQLiteError(err error) error {
	if err == nil {
		return nil
	}

	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return err
	}

	// Extended result codes carry the primary code in the low byte
	switch sqliteErr.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return fmt.Errorf("database is locked: %w", err)

	case sqlite3.SQLITE_CONSTRAINT:
		return fmt.Errorf("constraint violation: %w", err)

	case sqlite3.SQLITE_FULL:
		return fmt.Errorf("database disk full: %w", err)

	case sqlite3.SQLITE_READONLY, sqlite3.SQLITE_PERM:
		return fmt.Errorf("database is read-only: %w", err)

	case sqlite3.SQLITE_CANTOPEN:
		return fmt.Errorf("unable to open database file: %w", err)

	case sqlite3.SQLITE_CORRUPT, sqlite3.SQLITE_NOTADB:
		return fmt.Errorf("database file is corrupt: %w", err)

	case sqlite3.SQLITE_IOERR:
		return fmt.Errorf("database I/O error: %w", err)

	default:
		return fmt.Errorf("sqlite error [%d]: %w", sqliteErr.Code(), err)
	}
}
