package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestExtractClientIP_xForwardedFor(t *testing.T) {
	tests := []struct {
		name     string
		header   string
		expected string
	}{
		{
			name:     "single IP",
			header:   "192.168.1.1",
			expected: "192.168.1.1",
		},
		{
			name:     "multiple IPs (take first)",
			header:   "203.0.113.1, 198.51.100.1",
			expected: "203.0.113.1",
		},
		{
			name:     "multiple IPs no spaces",
			header:   "203.0.113.1,198.51.100.1",
			expected: "203.0.113.1",
		},
		{
			name:     "multiple IPs with extra spaces",
			header:   "203.0.113.1  ,  198.51.100.1",
			expected: "203.0.113.1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.Header.Set("X-Forwarded-For", tt.header)

			ip := ExtractClientIP(r, true)
			require.Equal(t, tt.expected, ip)
		})
	}
}

func TestExtractClientIP_untrustedHeadersIgnored(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.5:41000"
	r.Header.Set("X-Forwarded-For", "203.0.113.1")
	r.Header.Set("X-Real-IP", "192.168.1.100")

	require.Equal(t, "10.0.0.5", ExtractClientIP(r, false))
}

func TestExtractClientIP_xRealIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Real-IP", "192.168.1.100")

	ip := ExtractClientIP(r, true)
	require.Equal(t, "192.168.1.100", ip)
}

func TestExtractClientIP_remoteAddr(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		expected   string
	}{
		{
			name:       "IPv4 with port",
			remoteAddr: "192.168.1.1:54321",
			expected:   "192.168.1.1",
		},
		{
			name:       "IPv6 with port",
			remoteAddr: "[2001:db8::1]:54321",
			expected:   "2001:db8::1",
		},
		{
			name:       "no port",
			remoteAddr: "192.168.1.1",
			expected:   "192.168.1.1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remoteAddr

			ip := ExtractClientIP(r, false)
			require.Equal(t, tt.expected, ip)
		})
	}
}

func TestClientIPMiddleware(t *testing.T) {
	middleware := ClientIPMiddleware(true)

	var capturedIP string
	handler := middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capturedIP = ClientIPFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Forwarded-For", "203.0.113.1")

	handler.ServeHTTP(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "203.0.113.1", capturedIP)
}

func TestClientIPFromContext_missing(t *testing.T) {
	ctx := context.Background()

	ip := ClientIPFromContext(ctx)
	require.Empty(t, ip)
}

func TestRequestIDMiddleware(t *testing.T) {
	tests := []struct {
		name     string
		inbound  string
		generate bool
	}{
		{name: "generated when missing", generate: true},
		{name: "inbound id reused", inbound: "editor-hook-42"},
		{name: "oversized id replaced", inbound: strings.Repeat("x", 200), generate: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var captured string
			handler := RequestIDMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				captured = RequestIDFromContext(r.Context())
			}))

			w := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodPost, "/beat", nil)
			if tt.inbound != "" {
				r.Header.Set(RequestIDHeader, tt.inbound)
			}

			handler.ServeHTTP(w, r)

			require.Equal(t, captured, w.Header().Get(RequestIDHeader))
			if tt.generate {
				_, err := uuid.Parse(captured)
				require.NoError(t, err)
				return
			}
			require.Equal(t, tt.inbound, captured)
		})
	}
}

func TestChainOrder(t *testing.T) {
	var order []string
	mw := func(name string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	h := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		order = append(order, "handler")
	}), mw("outer"), mw("inner"))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, []string{"outer", "inner", "handler"}, order)
}
