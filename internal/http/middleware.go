// Package http holds the request middleware shared by the oxitrack handlers.
package http

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

type contextKey string

const (
	clientIPContextKey  contextKey = "client_ip"
	requestIDContextKey contextKey = "request_id"

	// RequestIDHeader carries the request id in both directions.
	RequestIDHeader = "X-Request-Id"

	maxRequestIDLength = 128
)

// ExtractClientIP extracts the client IP address from the request.
// When trustProxy is set the first X-Forwarded-For entry, then X-Real-IP, is
// preferred over the connection's remote address.
func ExtractClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}

		if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
			return xri
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ClientIPFromContext extracts the client IP from the request context.
// This should be called from handlers wrapped by ClientIPMiddleware.
func ClientIPFromContext(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPContextKey).(string)
	return ip
}

// ClientIPMiddleware stores the client IP in the request context for access logs.
func ClientIPMiddleware(trustProxy bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := ExtractClientIP(r, trustProxy)
			ctx := context.WithValue(r.Context(), clientIPContextKey, ip)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequestIDFromContext returns the id assigned by RequestIDMiddleware.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDContextKey).(string)
	return id
}

// RequestIDMiddleware reuses an inbound X-Request-Id or generates a UUID, and
// echoes it on the response.
func RequestIDMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(RequestIDHeader)
			if id == "" || len(id) > maxRequestIDLength {
				id = uuid.NewString()
			}

			w.Header().Set(RequestIDHeader, id)
			ctx := context.WithValue(r.Context(), requestIDContextKey, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Chain wraps h with the middleware, the first one being outermost.
func Chain(h http.Handler, middleware ...func(http.Handler) http.Handler) http.Handler {
	for i := len(middleware) - 1; i >= 0; i-- {
		h = middleware[i](h)
	}
	return h
}
