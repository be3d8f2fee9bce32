package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestInstrument(t *testing.T) {
	h := Instrument("/test-instrument", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	before := testutil.ToFloat64(RequestsTotal.WithLabelValues("/test-instrument", http.MethodPost, "418"))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/test-instrument", nil))
	require.Equal(t, http.StatusTeapot, rec.Code)

	after := testutil.ToFloat64(RequestsTotal.WithLabelValues("/test-instrument", http.MethodPost, "418"))
	require.Equal(t, before+1, after)
}

func TestInstrumentDefaultsToOK(t *testing.T) {
	h := Instrument("/test-default", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/test-default", nil))

	require.Equal(t, float64(1), testutil.ToFloat64(RequestsTotal.WithLabelValues("/test-default", http.MethodGet, "200")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	HeartbeatsTotal.WithLabelValues(OutcomeStarted).Inc()

	srv := httptest.NewServer(Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), `oxitrack_heartbeats_total{outcome="started"}`)
}
