package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/require"
)

func newTestClient(url string) *Client {
	cfg := DefaultConfig()
	cfg.ServerURL = url
	c := New(cfg)
	c.backOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	return c
}

func TestBeat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/beat", r.URL.Path)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "acme", req["project_handle"])
		require.Equal(t, float64(1100), req["timestamp"])

		_, _ = w.Write([]byte(`{"session_id":1,"project_handle":"acme","duration_seconds":100}`))
	}))
	defer srv.Close()

	resp, err := newTestClient(srv.URL+"/").Beat(context.Background(), "acme", 1100)
	require.NoError(t, err)
	require.Equal(t, &BeatResponse{SessionID: 1, ProjectHandle: "acme", DurationSeconds: 100}, resp)
}

func TestBeat_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error":"database is locked"}`))
			return
		}
		_, _ = w.Write([]byte(`{"session_id":2,"project_handle":"acme","duration_seconds":0}`))
	}))
	defer srv.Close()

	resp, err := newTestClient(srv.URL).Beat(context.Background(), "acme", 1000)
	require.NoError(t, err)
	require.Equal(t, int64(2), resp.SessionID)
	require.Equal(t, int32(3), calls.Load())
}

func TestBeat_ClientErrorsArePermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"project_handle exceeds 100 character limit"}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Beat(context.Background(), "acme", 1000)

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusBadRequest, statusErr.StatusCode)
	require.Equal(t, "project_handle exceeds 100 character limit", statusErr.Message)
	require.Equal(t, int32(1), calls.Load())
}

func TestBeat_GivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	c.cfg.MaxRetries = 2

	_, err := c.Beat(context.Background(), "acme", 1000)
	require.Error(t, err)
	require.Equal(t, int32(2), calls.Load())
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "defaults", mutate: func(c *Config) {}},
		{name: "missing url", mutate: func(c *Config) { c.ServerURL = "" }, wantErr: "server URL is required"},
		{name: "bad scheme", mutate: func(c *Config) { c.ServerURL = "localhost:3000" }, wantErr: "must start with http://"},
		{name: "no retries", mutate: func(c *Config) { c.MaxRetries = 0 }, wantErr: "max retries"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr != "" {
				require.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
		})
	}
}
