package logger

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	httpmiddleware "github.com/mitsimi/oxitrack/internal/http"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestSetupLevels(t *testing.T) {
	require.Equal(t, zerolog.InfoLevel, Setup(false).GetLevel())
	require.Equal(t, zerolog.DebugLevel, Setup(true).GetLevel())
}

func TestRequests(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantLevel string
	}{
		{name: "success", status: http.StatusOK, wantLevel: "info"},
		{name: "client error", status: http.StatusBadRequest, wantLevel: "warn"},
		{name: "server error", status: http.StatusInternalServerError, wantLevel: "error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			log := zerolog.New(&buf)

			var handlerLogged bool
			h := httpmiddleware.Chain(
				http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					zerolog.Ctx(r.Context()).Debug().Msg("inside handler")
					handlerLogged = true
					w.WriteHeader(tt.status)
					_, _ = w.Write([]byte(`{}`))
				}),
				httpmiddleware.RequestIDMiddleware(),
				httpmiddleware.ClientIPMiddleware(false),
				Requests(log),
			)

			r := httptest.NewRequest(http.MethodPost, "/beat", nil)
			r.Header.Set(httpmiddleware.RequestIDHeader, "req-1")
			h.ServeHTTP(httptest.NewRecorder(), r)
			require.True(t, handlerLogged)

			lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
			require.Len(t, lines, 2)

			var entry map[string]any
			require.NoError(t, json.Unmarshal(lines[1], &entry))
			require.Equal(t, tt.wantLevel, entry["level"])
			require.Equal(t, "http request", entry["message"])
			require.Equal(t, "req-1", entry["request_id"])
			require.Equal(t, "/beat", entry["path"])
			require.Equal(t, "POST", entry["method"])
			require.Equal(t, "192.0.2.1", entry["addr"])
			require.Equal(t, float64(tt.status), entry["status"])
			require.Equal(t, float64(2), entry["bytes"])
		})
	}
}
