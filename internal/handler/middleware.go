package handler

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"worktrack/internal/i18n"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// LocaleMiddleware carries the client's preferred language on the
// request context for localized messages.
func LocaleMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if lang := r.Header.Get("Accept-Language"); lang != "" {
			lang, _, _ = strings.Cut(lang, ",")
			lang, _, _ = strings.Cut(strings.TrimSpace(lang), "-")
			r = r.WithContext(i18n.WithLocale(r.Context(), lang))
		}
		next.ServeHTTP(w, r)
	})
}

// LoggingMiddleware logs one line per request.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		slog.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start))
	})
}
