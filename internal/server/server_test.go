package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mitsimi/oxitrack/internal/metrics"
	"github.com/mitsimi/oxitrack/internal/store/memory"
	"github.com/mitsimi/oxitrack/internal/tracker"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	st := memory.NewSessionStore()
	t.Cleanup(func() { _ = st.Close() })

	tr := tracker.New(st, tracker.Config{}, zerolog.Nop())
	srv := httptest.NewServer(NewServer(tr, st, Options{}).Handler(zerolog.Nop()))
	t.Cleanup(srv.Close)

	return srv
}

func postBeat(t *testing.T, url, body string) (int, []byte) {
	t.Helper()

	resp, err := http.Post(url+"/beat", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	return resp.StatusCode, data
}

func beatBody(project string, ts int64) string {
	b, _ := json.Marshal(map[string]any{"project_handle": project, "timestamp": ts})
	return string(b)
}

func TestBeat_SessionLifecycle(t *testing.T) {
	srv := newTestServer(t)

	steps := []struct {
		timestamp int64
		want      BeatResponse
	}{
		{timestamp: 1000, want: BeatResponse{SessionID: 1, ProjectHandle: "acme", DurationSeconds: 0}},
		{timestamp: 1100, want: BeatResponse{SessionID: 1, ProjectHandle: "acme", DurationSeconds: 100}},
		{timestamp: 1500, want: BeatResponse{SessionID: 2, ProjectHandle: "acme", DurationSeconds: 0}},
	}

	for _, step := range steps {
		status, body := postBeat(t, srv.URL, beatBody("acme", step.timestamp))
		require.Equal(t, http.StatusOK, status, string(body))

		var got BeatResponse
		require.NoError(t, json.Unmarshal(body, &got))
		require.Equal(t, step.want, got)
	}
}

func TestBeat_ResponseShape(t *testing.T) {
	srv := newTestServer(t)

	status, body := postBeat(t, srv.URL, beatBody("acme", 1000))
	require.Equal(t, http.StatusOK, status)
	require.JSONEq(t, `{"session_id":1,"project_handle":"acme","duration_seconds":0}`, string(body))
}

func TestBeat_BadRequests(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{
			name:    "handle too long",
			body:    beatBody(strings.Repeat("a", 101), 1000),
			wantErr: "project_handle exceeds 100 character limit",
		},
		{
			name:    "empty handle",
			body:    beatBody("", 1000),
			wantErr: "project_handle is required",
		},
		{
			name:    "malformed json",
			body:    `{"project_handle": "acme",`,
			wantErr: "invalid JSON body",
		},
		{
			name:    "empty body",
			body:    ``,
			wantErr: "request body is empty",
		},
		{
			name:    "missing timestamp",
			body:    `{"project_handle": "acme"}`,
			wantErr: "missing field `timestamp`",
		},
		{
			name:    "missing handle",
			body:    `{"timestamp": 1000}`,
			wantErr: "missing field `project_handle`",
		},
		{
			name:    "timestamp not an integer",
			body:    `{"project_handle": "acme", "timestamp": "soon"}`,
			wantErr: "invalid JSON body",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t)

			status, body := postBeat(t, srv.URL, tt.body)
			require.Equal(t, http.StatusBadRequest, status)

			var got ErrorResponse
			require.NoError(t, json.Unmarshal(body, &got))
			require.Contains(t, got.Error, tt.wantErr)
		})
	}
}

func TestBeat_RejectedHandleWritesNothing(t *testing.T) {
	srv := newTestServer(t)

	status, _ := postBeat(t, srv.URL, beatBody(strings.Repeat("a", 101), 1000))
	require.Equal(t, http.StatusBadRequest, status)

	// The first accepted heartbeat still gets the first id
	status, body := postBeat(t, srv.URL, beatBody(strings.Repeat("a", 100), 1000))
	require.Equal(t, http.StatusOK, status)

	var got BeatResponse
	require.NoError(t, json.Unmarshal(body, &got))
	require.Equal(t, int64(1), got.SessionID)
}

func TestBeat_BodyTooLarge(t *testing.T) {
	st := memory.NewSessionStore()
	tr := tracker.New(st, tracker.Config{}, zerolog.Nop())
	srv := httptest.NewServer(NewServer(tr, st, Options{MaxBodyBytes: 32}).Handler(zerolog.Nop()))
	defer srv.Close()

	status, body := postBeat(t, srv.URL, beatBody(strings.Repeat("a", 64), 1000))
	require.Equal(t, http.StatusBadRequest, status)
	require.Contains(t, string(body), "request body exceeds 32 bytes")
}

func TestBeat_StoreFailure(t *testing.T) {
	beater := &fakeBeater{err: fmt.Errorf("failed to find recent session: %w", errors.New("database is locked"))}
	srv := httptest.NewServer(NewServer(beater, &fakePinger{}, Options{}).Handler(zerolog.Nop()))
	defer srv.Close()

	status, body := postBeat(t, srv.URL, beatBody("acme", 1000))
	require.Equal(t, http.StatusInternalServerError, status)
	require.JSONEq(t, `{"error":"failed to find recent session: database is locked"}`, string(body))
}

func TestBeat_MethodNotAllowed(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/beat")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestBeat_RequestIDEchoed(t *testing.T) {
	srv := newTestServer(t)

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/beat", bytes.NewBufferString(beatBody("acme", 1000)))
	require.NoError(t, err)
	req.Header.Set("X-Request-Id", "hook-123")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, "hook-123", resp.Header.Get("X-Request-Id"))
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name       string
		pingErr    error
		wantStatus int
		wantBody   string
	}{
		{name: "healthy", wantStatus: http.StatusOK, wantBody: `{"status":"ok"}`},
		{
			name:       "store down",
			pingErr:    errors.New("session store closed"),
			wantStatus: http.StatusServiceUnavailable,
			wantBody:   `{"error":"session store closed"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(NewServer(&fakeBeater{}, &fakePinger{err: tt.pingErr}, Options{}).Handler(zerolog.Nop()))
			defer srv.Close()

			resp, err := http.Get(srv.URL + "/healthz")
			require.NoError(t, err)
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			require.Equal(t, tt.wantStatus, resp.StatusCode)
			require.JSONEq(t, tt.wantBody, string(body))
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t)

	status, _ := postBeat(t, srv.URL, beatBody("acme", 1000))
	require.Equal(t, http.StatusOK, status)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), "oxitrack_heartbeats_total")
	require.Contains(t, string(body), `oxitrack_http_requests_total{method="POST",route="/beat",status="200"}`)
}

func TestBeat_CountsOutcomesWithoutTelemetry(t *testing.T) {
	srv := newTestServer(t)

	counts := func() map[string]float64 {
		out := map[string]float64{}
		for _, o := range []string{metrics.OutcomeStarted, metrics.OutcomeContinued, metrics.OutcomeRejected} {
			out[o] = testutil.ToFloat64(metrics.HeartbeatsTotal.WithLabelValues(o))
		}
		return out
	}

	before := counts()

	postBeat(t, srv.URL, beatBody("outcomes", 1000))
	postBeat(t, srv.URL, beatBody("outcomes", 1060))
	postBeat(t, srv.URL, beatBody("", 1060))
	postBeat(t, srv.URL, `{"project_handle": "outcomes"}`)

	after := counts()
	require.Equal(t, float64(1), after[metrics.OutcomeStarted]-before[metrics.OutcomeStarted])
	require.Equal(t, float64(1), after[metrics.OutcomeContinued]-before[metrics.OutcomeContinued])
	require.Equal(t, float64(2), after[metrics.OutcomeRejected]-before[metrics.OutcomeRejected])
}

type fakeBeater struct {
	result *tracker.Result
	err    error
}

func (f *fakeBeater) Beat(ctx context.Context, projectHandle string, timestamp int64) (*tracker.Result, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &tracker.Result{SessionID: 1, ProjectHandle: projectHandle}, nil
}

type fakePinger struct {
	err error
}

func (f *fakePinger) Ping(ctx context.Context) error {
	return f.err
}
