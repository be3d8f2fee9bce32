package commands

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/mitsimi/oxitrack/internal/logger"
	"github.com/mitsimi/oxitrack/internal/metrics"
	"github.com/mitsimi/oxitrack/internal/server"
	"github.com/mitsimi/oxitrack/internal/systemd"
	"github.com/mitsimi/oxitrack/internal/telemetry"
	"github.com/mitsimi/oxitrack/internal/tracker"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
)

type ServeCmd struct {
	// Server configuration
	Host string `help:"address to bind" default:"0.0.0.0" env:"OXITRACK_HOST"`
	Port int    `help:"port to listen on" default:"3000" env:"PORT"`

	// Session configuration
	StalenessWindow time.Duration `help:"largest gap between heartbeats of one session" default:"5m" env:"OXITRACK_STALENESS_WINDOW"`
	ReapInterval    time.Duration `help:"how often idle sessions are closed in the background (0 disables)" default:"0" env:"OXITRACK_REAP_INTERVAL"`

	// HTTP configuration
	CORSOrigins     []string      `help:"allowed CORS origins" default:"*" env:"OXITRACK_CORS_ORIGINS"`
	TrustProxy      bool          `help:"take client addresses from X-Forwarded-For" default:"false" env:"OXITRACK_TRUST_PROXY"`
	ShutdownTimeout time.Duration `help:"how long in-flight requests get to finish on shutdown" default:"10s"`

	// Observability
	Tracing     bool    `help:"enable OpenTelemetry export (configured via OTEL_* variables)" default:"false" env:"OXITRACK_TRACING"`
	SampleRatio float64 `help:"fraction of traces sampled when tracing is enabled" default:"1.0" env:"OXITRACK_TRACE_SAMPLE_RATIO"`

	Store StoreFlags `embed:""`
}

func (c *ServeCmd) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port must be between 0 and 65535, got %d", c.Port)
	}
	if c.StalenessWindow < time.Second {
		return fmt.Errorf("staleness window must be at least 1s, got %s", c.StalenessWindow)
	}
	if c.ReapInterval < 0 {
		return fmt.Errorf("reap interval must not be negative, got %s", c.ReapInterval)
	}
	return nil
}

func (c *ServeCmd) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c *ServeCmd) Run(ctx context.Context, globals *Globals) error {
	log := logger.Setup(globals.Debug)
	zlog.Logger = log

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Str("version", globals.Version).Bool("debug", globals.Debug).Msg("Starting server")

	if c.Tracing {
		log.Info().Msg("Tracing is enabled")
		shutdown, err := telemetry.InitTelemetry(ctx, telemetry.Config{
			ServiceName: "oxitrack",
			Version:     globals.Version,
			SampleRatio: c.SampleRatio,
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize telemetry, continuing without it")
			shutdown = func(ctx context.Context) error { return nil }
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("Failed to shutdown telemetry")
			}
		}()
	}

	st, err := c.Store.openStore(ctx, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close session store")
		}
	}()

	tr := tracker.New(st, tracker.Config{StalenessWindow: c.StalenessWindow}, log)

	if c.ReapInterval > 0 {
		reaper := tracker.NewReaper(st, c.StalenessWindow, c.ReapInterval, log)
		reaper.OnSweep = func(closed int) {
			metrics.StaleSessionsClosed.Add(float64(closed))
		}
		if err := reaper.Start(); err != nil {
			return fmt.Errorf("failed to start reaper: %w", err)
		}
		defer func() { _ = reaper.Stop() }()
	}

	handler := server.NewServer(tr, st, server.Options{TrustProxy: c.TrustProxy}).Handler(log)
	handler = withCORS(c.CORSOrigins, handler)

	ln, err := c.listen(ctx, log)
	if err != nil {
		return err
	}

	srv := configureHTTPServer(c.Addr(), handler)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(ln)
	}()

	log.Info().
		Str("addr", ln.Addr().String()).
		Str("backend", c.Store.Backend()).
		Dur("staleness_window", c.StalenessWindow).
		Msg("Listening for heartbeats")

	if err := systemd.NotifyReady(); err != nil {
		log.Warn().Err(err).Msg("Failed to send systemd ready notification")
	}
	go c.watchdog(ctx, log)

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		log.Info().Msg("Shutdown signal received, gracefully stopping...")
	}

	if err := systemd.NotifyStopping(); err != nil {
		log.Warn().Err(err).Msg("Failed to send systemd stopping notification")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), c.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown http server: %w", err)
	}

	log.Info().Msg("Server stopped")
	return nil
}

// listen prefers a systemd socket-activated listener over binding Addr.
func (c *ServeCmd) listen(ctx context.Context, log zerolog.Logger) (net.Listener, error) {
	ln, err := systemd.Listener(systemd.HTTPListenerName)
	if err != nil {
		return nil, err
	}
	if ln != nil {
		log.Info().Str("addr", ln.Addr().String()).Msg("Using systemd socket-activated listener")
		return ln, nil
	}

	var lc net.ListenConfig
	ln, err = lc.Listen(ctx, "tcp", c.Addr())
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", c.Addr(), err)
	}
	return ln, nil
}

func (c *ServeCmd) watchdog(ctx context.Context, log zerolog.Logger) {
	interval, err := systemd.WatchdogInterval()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to read systemd watchdog settings")
		return
	}
	if interval == 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := systemd.NotifyWatchdog(); err != nil {
				log.Warn().Err(err).Msg("Failed to send systemd watchdog notification")
			}
		}
	}
}

func withCORS(allowedOrigins []string, h http.Handler) http.Handler {
	middleware := cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
	})
	return middleware.Handler(h)
}
