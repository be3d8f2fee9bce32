package server

import (
	"context"
	"net/http"
	"time"

	"github.com/mitsimi/oxitrack/internal/metrics"
	"github.com/rs/zerolog"
)

const healthTimeout = 2 * time.Second

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	if err := s.pinger.Ping(ctx); err != nil {
		metrics.StoreUp.Set(0)
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("Session store health check failed")
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	metrics.StoreUp.Set(1)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
