package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"

	httpmiddleware "github.com/mitsimi/oxitrack/internal/http"
	"github.com/mitsimi/oxitrack/internal/logger"
	"github.com/mitsimi/oxitrack/internal/metrics"
	"github.com/mitsimi/oxitrack/internal/tracker"
	"github.com/rs/zerolog"
)

// Beater records heartbeats. *tracker.Tracker implements it.
type Beater interface {
	Beat(ctx context.Context, projectHandle string, timestamp int64) (*tracker.Result, error)
}

// Pinger reports whether the session store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options tune the HTTP surface.
type Options struct {
	// TrustProxy takes the client address from X-Forwarded-For / X-Real-IP.
	TrustProxy bool

	// MaxBodyBytes limits the size of a heartbeat request body.
	// Default: 64KiB
	MaxBodyBytes int64
}

// Server serves the heartbeat API
type Server struct {
	beater Beater
	pinger Pinger
	opts   Options
}

// NewServer creates a new server around a heartbeat recorder and a store health check
func NewServer(beater Beater, pinger Pinger, opts Options) *Server {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 64 * 1024
	}
	return &Server{
		beater: beater,
		pinger: pinger,
		opts:   opts,
	}
}

// Handler returns the HTTP handler for the server
func (s *Server) Handler(log zerolog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.Handle("POST /beat", metrics.Instrument("/beat", http.HandlerFunc(s.handleBeat)))
	mux.Handle("GET /healthz", metrics.Instrument("/healthz", http.HandlerFunc(s.handleHealth)))
	mux.Handle("GET /metrics", metrics.Handler())

	return httpmiddleware.Chain(mux,
		httpmiddleware.RequestIDMiddleware(),
		httpmiddleware.ClientIPMiddleware(s.opts.TrustProxy),
		logger.Requests(log),
	)
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, statusCode int, data any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(data); err != nil {
		http.Error(w, `{"error":"failed to encode response"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(buf.Bytes())
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, ErrorResponse{Error: message})
}
