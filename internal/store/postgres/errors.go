package postgres

import (
	"errors"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
)

// mapPostgresError gives PostgreSQL errors a readable prefix for callers.
// Returns the original error if it's not a PostgreSQL error.
func mapPostgresError(err error) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}

	switch pgErr.Code {
	case pgerrcode.UniqueViolation:
		return fmt.Errorf("unique constraint violation: %s: %w", pgErr.ConstraintName, err)

	case pgerrcode.CheckViolation, pgerrcode.NotNullViolation:
		return fmt.Errorf("constraint violation: %s: %w", pgErr.ConstraintName, err)

	case pgerrcode.SerializationFailure, pgerrcode.DeadlockDetected:
		return fmt.Errorf("transaction conflict: %w", err)

	case pgerrcode.ConnectionException,
		pgerrcode.ConnectionDoesNotExist,
		pgerrcode.ConnectionFailure,
		pgerrcode.CannotConnectNow,
		pgerrcode.SQLClientUnableToEstablishSQLConnection:
		return fmt.Errorf("database connection error: %w", err)

	case pgerrcode.AdminShutdown,
		pgerrcode.CrashShutdown:
		return fmt.Errorf("database server unavailable: %w", err)

	case pgerrcode.LockNotAvailable:
		return fmt.Errorf("timed out waiting for project lock: %w", err)

	case pgerrcode.QueryCanceled:
		// Context cancellation or statement timeout
		return fmt.Errorf("query canceled: %w", err)

	case pgerrcode.InsufficientResources,
		pgerrcode.DiskFull,
		pgerrcode.OutOfMemory,
		pgerrcode.TooManyConnections:
		return fmt.Errorf("database resource limit: %w", err)

	case pgerrcode.UndefinedTable:
		return fmt.Errorf("sessions table missing (run with --auto-migrate): %w", err)

	default:
		return fmt.Errorf("postgres error [%s]: %s (detail: %s, hint: %s): %w",
			pgErr.Code, pgErr.Message, pgErr.Detail, pgErr.Hint, err)
	}
}
