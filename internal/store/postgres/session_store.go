package postgres

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mitsimi/oxitrack/internal/models"
	"github.com/mitsimi/oxitrack/internal/store"
	"github.com/rs/zerolog/log"
)

var _ store.SessionStore = (*SessionStore)(nil)

const sessionColumns = `id, project_handle, start_time, last_heartbeat, end_time`

// SessionStore implements store.SessionStore using PostgreSQL.
// Heartbeats for one project handle are serialized with a transaction-scoped
// advisory lock keyed on the handle.
type SessionStore struct {
	pool *pgxpool.Pool
	cfg  *SessionStoreConfig

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewSessionStore creates a new PostgreSQL-backed session store.
// The store takes ownership of the pool and closes it on Stop/Close.
func NewSessionStore(ctx context.Context, pool *pgxpool.Pool, cfg *SessionStoreConfig) (*SessionStore, error) {
	if cfg == nil {
		cfg = &SessionStoreConfig{}
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	// Run migrations only if explicitly enabled
	if cfg.AutoMigrate {
		if err := runMigrations(ctx, pool); err != nil {
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		log.Info().Msg("Database migrations completed")
	}

	return &SessionStore{
		pool:   pool,
		cfg:    cfg,
		stopCh: make(chan struct{}),
	}, nil
}

// Start starts background connection pool monitoring.
func (s *SessionStore) Start() error {
	log.Info().Msg("Starting PostgreSQL session store")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.monitorConnectionPool()
	}()

	return nil
}

// Stop stops background tasks and closes the connection pool.
func (s *SessionStore) Stop() error {
	return s.Close()
}

// Close stops background tasks and closes the connection pool.
func (s *SessionStore) Close() error {
	s.once.Do(func() {
		log.Info().Msg("Stopping PostgreSQL session store")
		close(s.stopCh)
		s.wg.Wait()
		s.pool.Close()
	})
	return nil
}

// monitorConnectionPool logs connection pool statistics periodically.
func (s *SessionStore) monitorConnectionPool() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stats := s.pool.Stat()
			log.Debug().
				Int32("total_conns", stats.TotalConns()).
				Int32("idle_conns", stats.IdleConns()).
				Int32("acquired_conns", stats.AcquiredConns()).
				Int64("acquire_count", stats.AcquireCount()).
				Dur("acquire_duration", stats.AcquireDuration()).
				Msg("Connection pool stats")
		case <-s.stopCh:
			return
		}
	}
}

func (s *SessionStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if timeout := s.cfg.queryTimeout(); timeout > 0 {
		return context.WithTimeout(ctx, timeout)
	}
	return context.WithCancel(ctx)
}

// InTx runs fn in a READ COMMITTED transaction holding the project's advisory lock.
func (s *SessionStore) InTx(ctx context.Context, projectHandle string, fn func(tx store.SessionTx) error) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", mapPostgresError(err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback is safe to call after commit

	// Released automatically on commit or rollback
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, projectHandle); err != nil {
		return fmt.Errorf("failed to lock project: %w", mapPostgresError(err))
	}

	if err := fn(&sessionTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", mapPostgresError(err))
	}

	return nil
}

// Get retrieves a session by ID.
func (s *SessionStore) Get(ctx context.Context, id int64) (*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = $1`

	session, err := scanSession(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", mapPostgresError(err))
	}

	return session, nil
}

// CloseStale closes open sessions whose last heartbeat is at or before cutoff.
func (s *SessionStore) CloseStale(ctx context.Context, cutoff int64) (int, error) {
	query := `
		UPDATE sessions
		SET end_time = last_heartbeat
		WHERE end_time IS NULL AND last_heartbeat <= $1
	`

	result, err := s.pool.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to close stale sessions: %w", mapPostgresError(err))
	}

	count := int(result.RowsAffected())

	if count > 0 {
		log.Info().
			Int("count", count).
			Int64("cutoff", cutoff).
			Msg("Closed stale sessions")
	}

	return count, nil
}

// Ping verifies connectivity.
func (s *SessionStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return mapPostgresError(err)
	}
	return nil
}

type sessionTx struct {
	tx pgx.Tx
}

func (t *sessionTx) FindRecentOpenSession(ctx context.Context, projectHandle string, notBefore int64) (*models.Session, error) {
	query := `
		SELECT ` + sessionColumns + `
		FROM sessions
		WHERE project_handle = $1 AND last_heartbeat > $2
		ORDER BY last_heartbeat DESC, id DESC
		LIMIT 1
	`

	session, err := scanSession(t.tx.QueryRow(ctx, query, projectHandle, notBefore))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to find recent session: %w", mapPostgresError(err))
	}

	return session, nil
}

func (t *sessionTx) Touch(ctx context.Context, id int64, timestamp int64) error {
	query := `
		UPDATE sessions
		SET last_heartbeat = GREATEST(last_heartbeat, $2)
		WHERE id = $1
	`

	result, err := t.tx.Exec(ctx, query, id, timestamp)
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", mapPostgresError(err))
	}

	if result.RowsAffected() == 0 {
		return store.ErrSessionNotFound
	}

	return nil
}

func (t *sessionTx) CloseOpenSessions(ctx context.Context, projectHandle string) (int, error) {
	query := `
		UPDATE sessions
		SET end_time = last_heartbeat
		WHERE project_handle = $1 AND end_time IS NULL
	`

	result, err := t.tx.Exec(ctx, query, projectHandle)
	if err != nil {
		return 0, fmt.Errorf("failed to close open sessions: %w", mapPostgresError(err))
	}

	return int(result.RowsAffected()), nil
}

func (t *sessionTx) Create(ctx context.Context, projectHandle string, startTime, lastHeartbeat int64) (int64, error) {
	// (project_handle, start_time) collisions replace the prior row
	_, err := t.tx.Exec(ctx,
		`DELETE FROM sessions WHERE project_handle = $1 AND start_time = $2`,
		projectHandle, startTime)
	if err != nil {
		return 0, fmt.Errorf("failed to replace session: %w", mapPostgresError(err))
	}

	query := `
		INSERT INTO sessions (project_handle, start_time, last_heartbeat)
		VALUES ($1, $2, $3)
		RETURNING id
	`

	var id int64
	if err := t.tx.QueryRow(ctx, query, projectHandle, startTime, lastHeartbeat).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to create session: %w", mapPostgresError(err))
	}

	log.Debug().
		Int64("session_id", id).
		Str("project_handle", projectHandle).
		Int64("start_time", startTime).
		Msg("Created session")

	return id, nil
}

func scanSession(row pgx.Row) (*models.Session, error) {
	var session models.Session
	err := row.Scan(
		&session.ID,
		&session.ProjectHandle,
		&session.StartTime,
		&session.LastHeartbeat,
		&session.EndTime,
	)
	if err != nil {
		return nil, err
	}
	return &session, nil
}
