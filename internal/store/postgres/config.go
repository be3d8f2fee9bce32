package postgres

import (
	"fmt"
	"time"
)

// SessionStoreConfig holds session-specific configuration for the PostgreSQL session store.
// Pool configuration is handled separately via PoolConfig.
type SessionStoreConfig struct {
	// AutoMigrate runs the embedded migrations when the store is created.
	AutoMigrate bool

	// QueryTimeoutSeconds is the maximum time a heartbeat transaction can run before timing out.
	// Default: 10 seconds
	// Set to a negative value to use context timeouts only (no additional timeout)
	QueryTimeoutSeconds int32
}

// Validate checks that the configuration is valid.
func (c *SessionStoreConfig) Validate() error {
	if c.QueryTimeoutSeconds > 300 {
		return fmt.Errorf("query timeout must be at most 300 seconds, got %d", c.QueryTimeoutSeconds)
	}
	return nil
}

// ApplyDefaults applies default values to unset configuration fields.
func (c *SessionStoreConfig) ApplyDefaults() {
	if c.QueryTimeoutSeconds == 0 {
		c.QueryTimeoutSeconds = 10 // 10 seconds
	}
}

func (c *SessionStoreConfig) queryTimeout() time.Duration {
	if c.QueryTimeoutSeconds < 0 {
		return 0
	}
	return time.Duration(c.QueryTimeoutSeconds) * time.Second
}
