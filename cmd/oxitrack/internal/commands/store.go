package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mitsimi/oxitrack/internal/store"
	memorystore "github.com/mitsimi/oxitrack/internal/store/memory"
	postgresstore "github.com/mitsimi/oxitrack/internal/store/postgres"
	redisstore "github.com/mitsimi/oxitrack/internal/store/redis"
	sqlitestore "github.com/mitsimi/oxitrack/internal/store/sqlite"
	"github.com/rs/zerolog"
)

// Backend names, derived from the database URL scheme.
const (
	backendSQLite   = "sqlite"
	backendPostgres = "postgres"
	backendRedis    = "redis"
	backendMemory   = "memory"
)

// StoreFlags select and configure the session store.
type StoreFlags struct {
	DatabaseURL string `help:"session store URL (sqlite:path, postgres://..., redis://..., memory:)" default:"sqlite:oxitrack.db" env:"DATABASE_URL"`
	AutoMigrate bool   `help:"run database migrations on startup" default:"true" negatable:"" env:"OXITRACK_AUTO_MIGRATE"`

	SQLite   SQLiteStoreFlags   `embed:"" prefix:"sqlite-"`
	Postgres PostgresStoreFlags `embed:"" prefix:"postgres-"`
	Redis    RedisStoreFlags    `embed:"" prefix:"redis-"`
}

type SQLiteStoreFlags struct {
	BusyTimeout  time.Duration `help:"how long a writer waits for the database lock" default:"5s"`
	MaxOpenConns int           `help:"maximum number of open connections" default:"4"`
}

type PostgresStoreFlags struct {
	// Connection Pool Configuration
	MaxConns        int32 `help:"maximum number of connections in pool" default:"20"`
	MinConns        int32 `help:"minimum number of connections in pool" default:"2"`
	MaxConnLifetime int32 `help:"maximum connection lifetime in seconds" default:"3600"`
	MaxConnIdleTime int32 `help:"maximum connection idle time in seconds" default:"1800"`

	QueryTimeout int32 `help:"per-statement timeout in seconds" default:"10"`
	LockTimeout  int32 `help:"seconds a heartbeat waits for its project's lock (0 uses the server setting)" default:"5"`
}

type RedisStoreFlags struct {
	KeyPrefix  string `help:"prefix for every Redis key" default:"oxitrack" env:"OXITRACK_REDIS_KEY_PREFIX"`
	MaxRetries int    `help:"attempts for a conflicting heartbeat transaction" default:"20"`
}

// Backend reports which store implementation the URL selects.
func (f *StoreFlags) Backend() string {
	u := strings.ToLower(f.DatabaseURL)
	switch {
	case u == "memory" || strings.HasPrefix(u, "memory:"):
		return backendMemory
	case strings.HasPrefix(u, "postgres://"), strings.HasPrefix(u, "postgresql://"):
		return backendPostgres
	case strings.HasPrefix(u, "redis://"), strings.HasPrefix(u, "rediss://"), strings.HasPrefix(u, "unix://"):
		return backendRedis
	default:
		return backendSQLite
	}
}

func (f *StoreFlags) Validate() error {
	if f.DatabaseURL == "" {
		return errors.New("database URL is required (--database-url or DATABASE_URL)")
	}
	if f.Backend() == backendSQLite {
		if _, err := sqlitestore.ParsePath(f.DatabaseURL); err != nil {
			return fmt.Errorf("invalid sqlite database URL: %w", err)
		}
	}
	return nil
}

// openStore opens the session store selected by the database URL. Stores with
// background work are started; closing the store stops them.
func (f *StoreFlags) openStore(ctx context.Context, log zerolog.Logger) (store.SessionStore, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}

	switch f.Backend() {
	case backendMemory:
		log.Warn().Msg("Using in-memory session store, sessions are lost on restart")
		return memorystore.NewSessionStore(), nil

	case backendPostgres:
		pool, err := postgresstore.NewPool(ctx, &postgresstore.PoolConfig{
			ConnString:      f.DatabaseURL,
			MaxConns:        f.Postgres.MaxConns,
			MinConns:        f.Postgres.MinConns,
			MaxConnLifetime: f.Postgres.MaxConnLifetime,
			MaxConnIdleTime: f.Postgres.MaxConnIdleTime,
			LockTimeout:     f.Postgres.LockTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create postgres pool: %w", err)
		}

		st, err := postgresstore.NewSessionStore(ctx, pool, &postgresstore.SessionStoreConfig{
			AutoMigrate:         f.AutoMigrate,
			QueryTimeoutSeconds: f.Postgres.QueryTimeout,
		})
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to create postgres session store: %w", err)
		}
		if err := st.Start(); err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("failed to start postgres session store: %w", err)
		}

		log.Info().Msg("Using PostgreSQL session store")
		return st, nil

	case backendRedis:
		st, err := redisstore.Open(ctx, &redisstore.Config{
			URL:        f.DatabaseURL,
			KeyPrefix:  f.Redis.KeyPrefix,
			MaxRetries: f.Redis.MaxRetries,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open redis session store: %w", err)
		}

		log.Info().Msg("Using Redis session store")
		return st, nil

	default:
		path, err := sqlitestore.ParsePath(f.DatabaseURL)
		if err != nil {
			return nil, err
		}

		st, err := sqlitestore.Open(ctx, &sqlitestore.Config{
			Path:         path,
			BusyTimeout:  f.SQLite.BusyTimeout,
			MaxOpenConns: f.SQLite.MaxOpenConns,
			AutoMigrate:  f.AutoMigrate,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite session store: %w", err)
		}

		log.Info().Str("path", path).Msg("Using SQLite session store")
		return st, nil
	}
}
