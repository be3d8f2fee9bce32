package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/mitsimi/oxitrack/internal/metrics"
	"github.com/mitsimi/oxitrack/internal/tracker"
	"github.com/rs/zerolog"
)

// BeatRequest is the body of POST /beat.
type BeatRequest struct {
	ProjectHandle *string `json:"project_handle"`
	Timestamp     *int64  `json:"timestamp"`
}

// BeatResponse is returned for an accepted heartbeat.
type BeatResponse struct {
	SessionID       int64  `json:"session_id"`
	ProjectHandle   string `json:"project_handle"`
	DurationSeconds int64  `json:"duration_seconds"`
}

// ErrorResponse is returned for any failed request.
type ErrorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleBeat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := zerolog.Ctx(ctx)

	req, err := decodeBeatRequest(w, r, s.opts.MaxBodyBytes)
	if err != nil {
		metrics.HeartbeatsTotal.WithLabelValues(metrics.OutcomeRejected).Inc()
		log.Warn().Err(err).Msg("Invalid heartbeat request")
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	log.Debug().
		Str("project_handle", *req.ProjectHandle).
		Int64("timestamp", *req.Timestamp).
		Msg("Received heartbeat")

	result, err := s.beater.Beat(ctx, *req.ProjectHandle, *req.Timestamp)
	if err != nil {
		if tracker.IsValidationError(err) {
			metrics.HeartbeatsTotal.WithLabelValues(metrics.OutcomeRejected).Inc()
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		metrics.HeartbeatsTotal.WithLabelValues(metrics.OutcomeFailed).Inc()
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	outcome := metrics.OutcomeContinued
	if result.NewSession {
		outcome = metrics.OutcomeStarted
	}
	metrics.HeartbeatsTotal.WithLabelValues(outcome).Inc()

	writeJSON(w, http.StatusOK, BeatResponse{
		SessionID:       result.SessionID,
		ProjectHandle:   result.ProjectHandle,
		DurationSeconds: result.DurationSeconds,
	})
}

func decodeBeatRequest(w http.ResponseWriter, r *http.Request, limit int64) (*BeatRequest, error) {
	var req BeatRequest

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit))
	if err := dec.Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			return nil, fmt.Errorf("request body exceeds %d bytes", maxErr.Limit)
		case errors.Is(err, io.EOF):
			return nil, errors.New("request body is empty")
		default:
			return nil, fmt.Errorf("invalid JSON body: %w", err)
		}
	}

	if req.ProjectHandle == nil {
		return nil, errors.New("missing field `project_handle`")
	}
	if req.Timestamp == nil {
		return nil, errors.New("missing field `timestamp`")
	}

	return &req, nil
}
