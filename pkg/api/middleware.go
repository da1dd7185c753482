package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/pario-ai/tokenmeter/pkg/logging"
)

const requestIDHeader = "X-Request-ID"

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// requestID attaches the caller's X-Request-ID, or a fresh one, to the
// request context and echoes it back.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, id := logging.WithRequestID(r.Context(), r.Header.Get(requestIDHeader))
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// instrument logs each request and records its metrics under route.
func (s *Server) instrument(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		s.metrics.ObserveHTTP(r.Method, route, strconv.Itoa(rec.status), duration)

		var ev *zerolog.Event
		switch {
		case rec.status >= 500:
			ev = s.log.Error()
		case rec.status >= 400:
			ev = s.log.Warn()
		default:
			ev = s.log.Info()
		}
		ev.Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", duration).
			Str("request_id", logging.RequestID(r.Context())).
			Msg("request")
	})
}
