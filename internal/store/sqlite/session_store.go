package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mitsimi/oxitrack/internal/models"
	"github.com/mitsimi/oxitrack/internal/store"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

var _ store.SessionStore = (*SessionStore)(nil)

const sessionColumns = `id, project_handle, start_time, last_heartbeat, end_time`

// SessionStore implements store.SessionStore on a local SQLite file.
// SQLite allows one writer at a time, so heartbeat transactions for all
// projects are serialized by the database lock.
type SessionStore struct {
	db  *sql.DB
	cfg *Config
}

// Open opens (creating if needed) the database file and applies migrations
// when cfg.AutoMigrate is set.
func Open(ctx context.Context, cfg *Config) (*SessionStore, error) {
	if cfg == nil {
		return nil, fmt.Errorf("sqlite config is required")
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid sqlite config: %w", err)
	}

	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", cfg.dsn())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", mapSQLiteError(err))
	}

	log.Info().Str("path", cfg.Path).Msg("Opened SQLite database")

	if cfg.AutoMigrate {
		if err := runMigrations(ctx, db); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	return &SessionStore{db: db, cfg: cfg}, nil
}

// InTx runs fn in a BEGIN IMMEDIATE transaction.
func (s *SessionStore) InTx(ctx context.Context, projectHandle string, fn func(tx store.SessionTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", mapSQLiteError(err))
	}
	defer tx.Rollback() //nolint:errcheck // rollback is safe to call after commit

	if err := fn(&sessionTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", mapSQLiteError(err))
	}

	return nil
}

// Get retrieves a session by ID.
func (s *SessionStore) Get(ctx context.Context, id int64) (*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = ?`

	session, err := scanSession(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", mapSQLiteError(err))
	}

	return session, nil
}

// CloseStale closes open sessions whose last heartbeat is at or before cutoff.
func (s *SessionStore) CloseStale(ctx context.Context, cutoff int64) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET end_time = last_heartbeat
		WHERE end_time IS NULL AND last_heartbeat <= ?
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to close stale sessions: %w", mapSQLiteError(err))
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to close stale sessions: %w", mapSQLiteError(err))
	}

	if affected > 0 {
		log.Info().
			Int64("count", affected).
			Int64("cutoff", cutoff).
			Msg("Closed stale sessions")
	}

	return int(affected), nil
}

// Ping verifies the database file is usable.
func (s *SessionStore) Ping(ctx context.Context) error {
	return mapSQLiteError(s.db.PingContext(ctx))
}

// Close closes the database.
func (s *SessionStore) Close() error {
	return s.db.Close()
}

type sessionTx struct {
	tx *sql.Tx
}

func (t *sessionTx) FindRecentOpenSession(ctx context.Context, projectHandle string, notBefore int64) (*models.Session, error) {
	query := `
		SELECT ` + sessionColumns + `
		FROM sessions
		WHERE project_handle = ? AND last_heartbeat > ?
		ORDER BY last_heartbeat DESC, id DESC
		LIMIT 1
	`

	session, err := scanSession(t.tx.QueryRowContext(ctx, query, projectHandle, notBefore))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to find recent session: %w", mapSQLiteError(err))
	}

	return session, nil
}

func (t *sessionTx) Touch(ctx context.Context, id int64, timestamp int64) error {
	result, err := t.tx.ExecContext(ctx,
		`UPDATE sessions SET last_heartbeat = MAX(last_heartbeat, ?) WHERE id = ?`,
		timestamp, id)
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", mapSQLiteError(err))
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", mapSQLiteError(err))
	}
	if affected == 0 {
		return store.ErrSessionNotFound
	}

	return nil
}

func (t *sessionTx) CloseOpenSessions(ctx context.Context, projectHandle string) (int, error) {
	result, err := t.tx.ExecContext(ctx,
		`UPDATE sessions SET end_time = last_heartbeat WHERE project_handle = ? AND end_time IS NULL`,
		projectHandle)
	if err != nil {
		return 0, fmt.Errorf("failed to close open sessions: %w", mapSQLiteError(err))
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to close open sessions: %w", mapSQLiteError(err))
	}

	return int(affected), nil
}

// Create relies on the ON CONFLICT REPLACE clause of the unique
// (project_handle, start_time) constraint to replace a colliding row.
func (t *sessionTx) Create(ctx context.Context, projectHandle string, startTime, lastHeartbeat int64) (int64, error) {
	result, err := t.tx.ExecContext(ctx,
		`INSERT INTO sessions (project_handle, start_time, last_heartbeat) VALUES (?, ?, ?)`,
		projectHandle, startTime, lastHeartbeat)
	if err != nil {
		return 0, fmt.Errorf("failed to create session: %w", mapSQLiteError(err))
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read session id: %w", mapSQLiteError(err))
	}

	log.Debug().
		Int64("session_id", id).
		Str("project_handle", projectHandle).
		Int64("start_time", startTime).
		Msg("Created session")

	return id, nil
}

func scanSession(row *sql.Row) (*models.Session, error) {
	var (
		session models.Session
		endTime sql.NullInt64
	)
	err := row.Scan(
		&session.ID,
		&session.ProjectHandle,
		&session.StartTime,
		&session.LastHeartbeat,
		&endTime,
	)
	if err != nil {
		return nil, err
	}
	if endTime.Valid {
		end := endTime.Int64
		session.EndTime = &end
	}
	return &session, nil
}
