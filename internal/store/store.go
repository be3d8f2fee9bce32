package store

import (
	"context"
	"errors"

	"github.com/mitsimi/oxitrack/internal/models"
)

// Sentinel errors for session store operations
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrStoreClosed     = errors.New("session store closed")
)

// SessionStore defines the interface for session storage operations.
// Implementations must make InTx serializable with respect to any other
// transaction for the same project handle.
type SessionStore interface {
	// InTx runs fn inside a single atomic transaction scoped to projectHandle.
	// Nothing fn wrote is persisted if fn or the commit returns an error.
	InTx(ctx context.Context, projectHandle string, fn func(tx SessionTx) error) error

	// Get retrieves a session by ID.
	// Returns ErrSessionNotFound if the session doesn't exist.
	Get(ctx context.Context, id int64) (*models.Session, error)

	// CloseStale closes every open session whose last heartbeat is at or before
	// cutoff, setting its end time to its last heartbeat.
	CloseStale(ctx context.Context, cutoff int64) (int, error)

	// Ping verifies the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases the underlying connections.
	Close() error
}

// SessionTx is the set of operations available while a heartbeat is processed.
// A SessionTx must not be retained after the InTx callback returns.
type SessionTx interface {
	// FindRecentOpenSession returns the session for projectHandle with the
	// highest last heartbeat strictly greater than notBefore, breaking ties on
	// the highest ID. Returns ErrSessionNotFound if no session qualifies.
	FindRecentOpenSession(ctx context.Context, projectHandle string, notBefore int64) (*models.Session, error)

	// Touch advances the last heartbeat of a session to timestamp.
	// The last heartbeat never moves backwards.
	// Returns ErrSessionNotFound if the session doesn't exist.
	Touch(ctx context.Context, id int64, timestamp int64) error

	// CloseOpenSessions sets end_time = last_heartbeat on every open session
	// for projectHandle and returns how many were closed.
	CloseOpenSessions(ctx context.Context, projectHandle string) (int, error)

	// Create inserts a new open session and returns its generated ID.
	// A session with the same project handle and start time is replaced.
	Create(ctx context.Context, projectHandle string, startTime, lastHeartbeat int64) (int64, error)
}
