package logger

import (
	"net/http"
	"os"
	"time"

	httpmiddleware "github.com/mitsimi/oxitrack/internal/http"
	"github.com/rs/zerolog"
)

func Setup(dev bool) zerolog.Logger {
	var logger zerolog.Logger
	level := zerolog.InfoLevel
	if dev {
		level = zerolog.DebugLevel
	}

	logger = zerolog.New(os.Stderr).Level(level).With().Timestamp().Caller().Logger()

	if dev {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr, FormatTimestamp: func(i any) string {
			return time.Now().Format(time.RFC3339)
		}}).Level(level).With().Stack().Logger()
	}

	return logger
}

// Requests logs one line per HTTP request and makes a request-scoped logger
// available to handlers through zerolog.Ctx. It expects the request id and
// client IP middleware to run first.
func Requests(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			started := time.Now()

			ctx := logger.With().
				Str("request_id", httpmiddleware.RequestIDFromContext(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("addr", httpmiddleware.ClientIPFromContext(r.Context())).
				Logger().WithContext(r.Context())

			rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r.WithContext(ctx))

			var event *zerolog.Event
			switch {
			case rec.status >= http.StatusInternalServerError:
				event = zerolog.Ctx(ctx).Error()
			case rec.status >= http.StatusBadRequest:
				event = zerolog.Ctx(ctx).Warn()
			default:
				event = zerolog.Ctx(ctx).Info()
			}

			event.
				Int("status", rec.status).
				Int("bytes", rec.bytes).
				Dur("duration", time.Since(started)).
				Msg("http request")
		})
	}
}

type responseRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (r *responseRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	n, err := r.ResponseWriter.Write(b)
	r.bytes += n
	return n, err
}

func (r *responseRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
