package redis

import (
	"fmt"
	"time"
)

// Config holds configuration for the Redis session store.
type Config struct {
	// URL is a redis:// or rediss:// connection URL.
	URL string

	// KeyPrefix namespaces every key written by the store.
	// Default: "oxitrack"
	KeyPrefix string

	// MaxRetries bounds how often a conflicting transaction is retried.
	// Default: 20
	MaxRetries int

	// RetryInitialInterval is the first backoff delay after a conflict.
	// Default: 5ms
	RetryInitialInterval time.Duration

	// RetryMaxInterval caps the backoff delay between retries.
	// Default: 250ms
	RetryMaxInterval time.Duration
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("redis URL is required")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries must not be negative")
	}
	if c.RetryMaxInterval < c.RetryInitialInterval {
		return fmt.Errorf("retry max interval (%s) must be >= initial interval (%s)",
			c.RetryMaxInterval, c.RetryInitialInterval)
	}
	return nil
}

// ApplyDefaults applies default values to unset configuration fields.
func (c *Config) ApplyDefaults() {
	if c.KeyPrefix == "" {
		c.KeyPrefix = "oxitrack"
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 20
	}
	if c.RetryInitialInterval == 0 {
		c.RetryInitialInterval = 5 * time.Millisecond
	}
	if c.RetryMaxInterval == 0 {
		c.RetryMaxInterval = 250 * time.Millisecond
	}
}
