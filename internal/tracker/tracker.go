// Package tracker turns a stream of heartbeats into work sessions.
//
// A heartbeat continues the project's most recent session when that session
// saw a heartbeat within the staleness window. Otherwise every open session of
// the project is closed and a new one starts at the heartbeat's timestamp.
// The whole decision runs inside one store transaction.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/mitsimi/oxitrack/internal/store"
	"github.com/mitsimi/oxitrack/internal/telemetry"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultStalenessWindow is the largest gap between heartbeats that still
	// belongs to the same session. A gap of exactly this length starts a new one.
	DefaultStalenessWindow = 5 * time.Minute

	// MaxProjectHandleLength is the longest accepted project handle, in characters.
	MaxProjectHandleLength = 100
)

var (
	ErrProjectHandleRequired = errors.New("project_handle is required")
	ErrProjectHandleTooLong  = fmt.Errorf("project_handle exceeds %d character limit", MaxProjectHandleLength)
)

// ValidateProjectHandle reports whether handle is acceptable as a project key.
func ValidateProjectHandle(handle string) error {
	if handle == "" {
		return ErrProjectHandleRequired
	}
	if utf8.RuneCountInString(handle) > MaxProjectHandleLength {
		return ErrProjectHandleTooLong
	}
	return nil
}

// IsValidationError reports whether err was caused by a rejected heartbeat
// rather than a store failure.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrProjectHandleRequired) || errors.Is(err, ErrProjectHandleTooLong)
}

// Config holds the tracker settings.
type Config struct {
	// StalenessWindow is the session continuation window.
	// Default: DefaultStalenessWindow
	StalenessWindow time.Duration
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.StalenessWindow < time.Second {
		return fmt.Errorf("staleness window must be at least 1s, got %s", c.StalenessWindow)
	}
	return nil
}

// ApplyDefaults applies default values to unset configuration fields.
func (c *Config) ApplyDefaults() {
	if c.StalenessWindow == 0 {
		c.StalenessWindow = DefaultStalenessWindow
	}
}

// Result describes the session a heartbeat was attributed to.
type Result struct {
	SessionID     int64
	ProjectHandle string
	// DurationSeconds is the time since the session started, 0 for a new session.
	DurationSeconds int64
	NewSession      bool
}

// Tracker attributes heartbeats to sessions.
type Tracker struct {
	store   store.SessionStore
	window  int64
	logger  zerolog.Logger
	metrics *telemetry.Metrics
	tracer  trace.Tracer
}

// New creates a tracker over st. cfg defaults are applied; an invalid window
// falls back to DefaultStalenessWindow.
func New(st store.SessionStore, cfg Config, logger zerolog.Logger) *Tracker {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		logger.Warn().Err(err).Dur("default", DefaultStalenessWindow).Msg("Invalid staleness window, using default")
		cfg.StalenessWindow = DefaultStalenessWindow
	}

	return &Tracker{
		store:   st,
		window:  int64(cfg.StalenessWindow / time.Second),
		logger:  logger.With().Str("component", "tracker").Logger(),
		metrics: telemetry.GetMetrics(),
		tracer:  telemetry.Tracer(),
	}
}

// Window returns the staleness window in seconds.
func (t *Tracker) Window() int64 {
	return t.window
}

// Beat records a heartbeat for projectHandle at timestamp (unix seconds).
func (t *Tracker) Beat(ctx context.Context, projectHandle string, timestamp int64) (*Result, error) {
	started := time.Now()

	ctx, span := t.tracer.Start(ctx, "tracker.Beat", trace.WithAttributes(
		attribute.String("oxitrack.project_handle", projectHandle),
		attribute.Int64("oxitrack.timestamp", timestamp),
	))
	defer span.End()

	if err := ValidateProjectHandle(projectHandle); err != nil {
		t.metrics.HeartbeatsRejected.Add(ctx, 1)
		span.SetStatus(codes.Error, err.Error())
		t.logger.Warn().
			Err(err).
			Int("length", utf8.RuneCountInString(projectHandle)).
			Msg("Rejected heartbeat")
		return nil, err
	}

	threshold := timestamp - t.window

	var (
		result Result
		closed int
	)
	err := t.store.InTx(ctx, projectHandle, func(tx store.SessionTx) error {
		// The store may run this more than once, so reset what it reports
		result = Result{ProjectHandle: projectHandle}
		closed = 0

		match, err := tx.FindRecentOpenSession(ctx, projectHandle, threshold)
		switch {
		case err == nil && match.IsOpen():
			if err := tx.Touch(ctx, match.ID, timestamp); err != nil {
				return fmt.Errorf("failed to extend session %d: %w", match.ID, err)
			}
			result.SessionID = match.ID
			result.DurationSeconds = match.DurationAt(timestamp)
			return nil

		case err == nil, errors.Is(err, store.ErrSessionNotFound):
			// A closed match is not reopened, so its end_time keeps
			// matching its last_heartbeat.
			closed, err = tx.CloseOpenSessions(ctx, projectHandle)
			if err != nil {
				return fmt.Errorf("failed to close open sessions: %w", err)
			}
			id, err := tx.Create(ctx, projectHandle, timestamp, timestamp)
			if err != nil {
				return fmt.Errorf("failed to start session: %w", err)
			}
			result.SessionID = id
			result.NewSession = true
			return nil

		default:
			return fmt.Errorf("failed to find recent session: %w", err)
		}
	})

	attrs := metric.WithAttributes(attribute.Bool("new_session", result.NewSession))
	t.metrics.HeartbeatDuration.Record(ctx, float64(time.Since(started).Milliseconds()))

	if err != nil {
		t.metrics.HeartbeatErrorsTotal.Add(ctx, 1)
		span.RecordError(err)
		span.SetStatus(codes.Error, "heartbeat failed")
		t.logger.Error().
			Err(err).
			Str("project_handle", projectHandle).
			Int64("timestamp", timestamp).
			Msg("Failed to record heartbeat")
		return nil, err
	}

	t.metrics.HeartbeatsTotal.Add(ctx, 1, attrs)
	t.metrics.ReportedSessionLength.Record(ctx, result.DurationSeconds)
	if result.NewSession {
		t.metrics.SessionsStartedTotal.Add(ctx, 1)
		t.metrics.SessionsClosedTotal.Add(ctx, int64(closed))
	} else {
		t.metrics.SessionsContinuedTotal.Add(ctx, 1)
	}

	span.SetAttributes(
		attribute.Int64("oxitrack.session_id", result.SessionID),
		attribute.Bool("oxitrack.new_session", result.NewSession),
	)

	t.logger.Debug().
		Str("project_handle", projectHandle).
		Int64("session_id", result.SessionID).
		Int64("duration_seconds", result.DurationSeconds).
		Bool("new_session", result.NewSession).
		Int("closed", closed).
		Msg("Recorded heartbeat")

	return &result, nil
}
