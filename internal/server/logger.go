package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
)

// requestLogger logs one line per request, warning on 4xx and erroring on 5xx.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		code := ww.Status()
		if code == 0 {
			code = http.StatusOK
		}
		requestLogger := log.With().
			Int("status", code).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("ip", r.RemoteAddr).
			Str("latency", time.Since(startTime).String()).
			Str("user-agent", r.UserAgent()).
			Logger()

		switch {
		case code >= http.StatusBadRequest && code < http.StatusInternalServerError:
			requestLogger.Warn().Msg("HTTP Request")
		case code >= http.StatusInternalServerError:
			requestLogger.Error().Msg("HTTP Request")
		default:
			requestLogger.Debug().Msg("HTTP Request")
		}
	})
}
