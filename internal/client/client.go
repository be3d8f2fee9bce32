// Package client sends heartbeats to an oxitrack server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"
)

// Config holds common client configuration
type Config struct {
	ServerURL string        `yaml:"server_url"`
	Timeout   time.Duration `yaml:"timeout"`
	// MaxRetries is the number of attempts for transport errors and 5xx responses.
	MaxRetries int `yaml:"max_retries"`
	// MaxElapsed bounds the total time spent retrying.
	MaxElapsed time.Duration `yaml:"max_elapsed"`
}

// DefaultConfig returns a default client configuration
func DefaultConfig() Config {
	return Config{
		ServerURL:  "http://localhost:3000",
		Timeout:    10 * time.Second,
		MaxRetries: 5,
		MaxElapsed: 30 * time.Second,
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.ServerURL == "" {
		return errors.New("server URL is required")
	}
	if !strings.HasPrefix(c.ServerURL, "http://") && !strings.HasPrefix(c.ServerURL, "https://") {
		return fmt.Errorf("server URL must start with http:// or https://, got %q", c.ServerURL)
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("max retries must be at least 1, got %d", c.MaxRetries)
	}
	return nil
}

// BeatResponse mirrors the server's answer to POST /beat.
type BeatResponse struct {
	SessionID       int64  `json:"session_id"`
	ProjectHandle   string `json:"project_handle"`
	DurationSeconds int64  `json:"duration_seconds"`
}

// StatusError is returned when the server answers with a non-200 status.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// Client posts heartbeats.
type Client struct {
	cfg     Config
	http    *http.Client
	backOff func() backoff.BackOff
}

// New creates a client. The configuration must be valid.
func New(cfg Config) *Client {
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		backOff: defaultBackOff,
	}
}

func defaultBackOff() backoff.BackOff {
	return backoff.NewExponentialBackOff()
}

// Beat reports a heartbeat, retrying transport failures and server errors with
// exponential backoff. Client errors (4xx) are returned immediately.
func (c *Client) Beat(ctx context.Context, projectHandle string, timestamp int64) (*BeatResponse, error) {
	body, err := json.Marshal(map[string]any{
		"project_handle": projectHandle,
		"timestamp":      timestamp,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode heartbeat: %w", err)
	}

	endpoint := strings.TrimSuffix(c.cfg.ServerURL, "/") + "/beat"

	attempt := 0
	return backoff.Retry(ctx, func() (*BeatResponse, error) {
		attempt++
		resp, err := c.post(ctx, endpoint, body)
		if err != nil {
			var statusErr *StatusError
			if errors.As(err, &statusErr) && statusErr.StatusCode < http.StatusInternalServerError {
				return nil, backoff.Permanent(err)
			}
			log.Debug().Err(err).Int("attempt", attempt).Msg("Heartbeat failed, retrying")
			return nil, err
		}
		return resp, nil
	},
		backoff.WithBackOff(c.backOff()),
		backoff.WithMaxTries(uint(c.cfg.MaxRetries)),
		backoff.WithMaxElapsedTime(c.cfg.MaxElapsed),
	)
}

func (c *Client) post(ctx context.Context, endpoint string, body []byte) (*BeatResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send heartbeat: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var payload struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &payload) == nil && payload.Error != "" {
			msg = payload.Error
		}
		return nil, &StatusError{StatusCode: resp.StatusCode, Message: msg}
	}

	var out BeatResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return &out, nil
}
