package tracker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mitsimi/oxitrack/internal/store"
	"github.com/mitsimi/oxitrack/internal/telemetry"
	"github.com/rs/zerolog"
)

// Reaper periodically closes sessions that have been idle for longer than the
// staleness window. Without it, a session stays open until the next heartbeat
// for its project arrives.
type Reaper struct {
	store    store.SessionStore
	window   time.Duration
	interval time.Duration
	logger   zerolog.Logger
	metrics  *telemetry.Metrics

	// OnSweep, when set, is called after every successful sweep
	OnSweep func(closed int)

	// now is the server clock, replaced in tests
	now func() time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewReaper creates a reaper that sweeps every interval.
func NewReaper(st store.SessionStore, window, interval time.Duration, logger zerolog.Logger) *Reaper {
	return &Reaper{
		store:    st,
		window:   window,
		interval: interval,
		logger:   logger.With().Str("component", "reaper").Logger(),
		metrics:  telemetry.GetMetrics(),
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the background sweep loop.
func (r *Reaper) Start() error {
	if r.interval <= 0 {
		return fmt.Errorf("reap interval must be positive, got %s", r.interval)
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.run()
	}()

	r.logger.Info().
		Dur("interval", r.interval).
		Dur("window", r.window).
		Msg("Started stale session reaper")

	return nil
}

// Stop halts the sweep loop and waits for an in-flight sweep to finish.
func (r *Reaper) Stop() error {
	r.once.Do(func() {
		close(r.stopCh)
		r.wg.Wait()
	})
	return nil
}

func (r *Reaper) run() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), r.interval)
			if _, err := r.Sweep(ctx); err != nil {
				r.logger.Error().Err(err).Msg("Stale session sweep failed")
			}
			cancel()
		}
	}
}

// Sweep closes every open session whose last heartbeat is at least one
// window old, matching the point at which a heartbeat would start a new session.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	cutoff := r.now().Add(-r.window).Unix()

	r.metrics.ReaperSweepsTotal.Add(ctx, 1)

	closed, err := r.store.CloseStale(ctx, cutoff)
	if err != nil {
		r.metrics.ReaperSweepErrorsTotal.Add(ctx, 1)
		return 0, fmt.Errorf("failed to close stale sessions: %w", err)
	}

	r.metrics.ReaperSessionsClosed.Add(ctx, int64(closed))
	if r.OnSweep != nil {
		r.OnSweep(closed)
	}

	r.logger.Debug().
		Int64("cutoff", cutoff).
		Int("closed", closed).
		Msg("Swept stale sessions")

	return closed, nil
}
