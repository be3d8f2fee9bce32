package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type migration struct {
	version int
	name    string
	content string
}

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

		migrations = append(migrations, migration{version: version, name: entry.Name(), content: string(content)})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].version < migrations[j].version
	})

	return migrations, nil
}

// runMigrations applies pending migrations, recording each in schema_migrations.
// The whole run happens in one IMMEDIATE transaction so concurrent processes
// opening the same file cannot apply a migration twice.
func runMigrations(ctx context.Context, db *sql.DB) error {
	migrations, err := loadMigrations()
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", mapSQLiteError(err))
	}
	defer tx.Rollback() //nolint:errcheck // rollback is safe to call after commit

	_, err = tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			name       TEXT NOT NULL,
			applied_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", mapSQLiteError(err))
	}

	applied := 0
	for _, m := range migrations {
		var exists bool
		err := tx.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = ?)`, m.version).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check migration status: %w", mapSQLiteError(err))
		}
		if exists {
			log.Debug().Int("version", m.version).Str("name", m.name).Msg("Migration already applied, skipping")
			continue
		}

		log.Info().Int("version", m.version).Str("name", m.name).Msg("Applying migration")
		if _, err := tx.ExecContext(ctx, m.content); err != nil {
			return fmt.Errorf("migration %s failed: %w", m.name, mapSQLiteError(err))
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_migrations (version, name) VALUES (?, ?)`, m.version, m.name); err != nil {
			return fmt.Errorf("failed to record migration %s: %w", m.name, mapSQLiteError(err))
		}
		applied++
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migrations: %w", mapSQLiteError(err))
	}

	log.Info().Int("applied", applied).Int("total", len(migrations)).Msg("Database migrations completed")
	return nil
}
