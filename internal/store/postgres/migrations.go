package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// migrationLockID serializes concurrent migrators (several instances starting at once).
const migrationLockID = 0x6f78697472616b

type migration struct {
	version int
	name    string
	content string
}

// loadMigrations reads and orders the embedded migration files.
// Files are named "<version>_<description>.sql".
func loadMigrations() ([]migration, error) {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var migrations []migration
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		prefix, _, ok := strings.Cut(entry.Name(), "_")
		if !ok {
			log.Warn().Str("file", entry.Name()).Msg("Skipping migration file with invalid name format")
			continue
		}

		version, err := strconv.Atoi(prefix)
		if err != nil {
			log.Warn().Str("file", entry.Name()).Err(err).Msg("Skipping migration file with invalid version number")
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return nil, fmt.Errorf("failed to read migration file %s: %w", entry.Name(), err)
		}

		migrations = append(migrations, migration{
			version: version,
			name:    entry.Name(),
			content: string(content),
		})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].version < migrations[j].version
	})

	return migrations, nil
}

// runMigrations executes all pending database migrations in order.
// Migrations are tracked in the schema_migrations table.
func runMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	log.Info().Msg("Running database migrations")

	migrations, err := loadMigrations()
	if err != nil {
		return err
	}

	log.Info().Int("count", len(migrations)).Msg("Found migration files")

	for _, m := range migrations {
		if err := executeMigration(ctx, pool, m); err != nil {
			return fmt.Errorf("migration %s failed: %w", m.name, err)
		}
	}

	log.Info().Msg("All migrations completed successfully")
	return nil
}

// executeMigration runs a single migration if it hasn't been applied yet.
func executeMigration(ctx context.Context, pool *pgxpool.Pool, m migration) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback is safe to call after commit

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(migrationLockID)); err != nil {
		return fmt.Errorf("failed to acquire migration lock: %w", err)
	}

	var applied bool
	err = tx.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM schema_migrations WHERE version = $1
		)
	`, m.version).Scan(&applied)
	if err != nil {
		// First run: schema_migrations is created by migration 1
		var pgErr *pgconn.PgError
		if !errors.As(err, &pgErr) || pgErr.Code != pgerrcode.UndefinedTable {
			return fmt.Errorf("failed to check migration status: %w", err)
		}

		// The failed statement aborted the transaction, start over.
		_ = tx.Rollback(ctx)
		tx, err = pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer tx.Rollback(ctx) //nolint:errcheck // rollback is safe to call after commit

		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(migrationLockID)); err != nil {
			return fmt.Errorf("failed to acquire migration lock: %w", err)
		}
	}

	if applied {
		log.Debug().Int("version", m.version).Str("name", m.name).Msg("Migration already applied, skipping")
		return nil
	}

	log.Info().Int("version", m.version).Str("name", m.name).Msg("Applying migration")
	if _, err := tx.Exec(ctx, m.content); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO schema_migrations (version, name) VALUES ($1, $2)
		ON CONFLICT (version) DO NOTHING
	`, m.version, m.name)
	if err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}

	log.Info().Int("version", m.version).Str("name", m.name).Msg("Migration applied successfully")
	return nil
}
