package sqlite

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Config holds configuration for the SQLite session store.
type Config struct {
	// Path is the database file. Parent directories are created on open.
	Path string

	// BusyTimeout is how long a writer waits for the database lock.
	// Default: 5s
	BusyTimeout time.Duration

	// MaxOpenConns limits the database/sql pool.
	// Default: 4
	MaxOpenConns int

	// AutoMigrate runs the embedded migrations on open.
	AutoMigrate bool
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("database path is required")
	}
	if c.BusyTimeout < 0 {
		return fmt.Errorf("busy timeout must not be negative")
	}
	return nil
}

// ApplyDefaults applies default values to unset configuration fields.
func (c *Config) ApplyDefaults() {
	if c.BusyTimeout == 0 {
		c.BusyTimeout = 5 * time.Second
	}
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 4
	}
}

// dsn builds the driver connection string. Every transaction starts with
// BEGIN IMMEDIATE so the read-decide-write sequence holds the write lock
// from its first statement.
func (c *Config) dsn() string {
	params := url.Values{}
	params.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", c.BusyTimeout.Milliseconds()))
	params.Add("_pragma", "journal_mode(WAL)")
	params.Add("_pragma", "synchronous(NORMAL)")
	params.Add("_txlock", "immediate")
	return "file:" + c.Path + "?" + params.Encode()
}

// ParsePath extracts the database file path from a connection URL.
// Accepted forms: "sqlite:oxitrack.db", "sqlite://oxitrack.db",
// "sqlite:///var/lib/oxitrack.db", "file:oxitrack.db" and a bare path.
func ParsePath(databaseURL string) (string, error) {
	path := databaseURL
	for _, prefix := range []string{"sqlite3://", "sqlite://", "sqlite3:", "sqlite:", "file://", "file:"} {
		if rest, ok := strings.CutPrefix(databaseURL, prefix); ok {
			path = rest
			break
		}
	}

	// Drop any query string, options are set by the store
	path, _, _ = strings.Cut(path, "?")
	if path == "" {
		return "", fmt.Errorf("missing database path in %q", databaseURL)
	}
	if path == ":memory:" {
		return "", fmt.Errorf("in-memory sqlite is not supported, use the memory store")
	}

	return path, nil
}
