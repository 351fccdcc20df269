// metrics.go — Prometheus HTTP метрики для Track Module.
// Регистрирует метрики: tm_http_requests_total, tm_http_request_duration_seconds.
// Нормализация путей предотвращает взрывной рост кардинальности.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP метрики Track Module
var (
	// httpRequestsTotal — общее количество HTTP-запросов.
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tm_http_requests_total",
			Help: "Общее количество HTTP-запросов к Track Module",
		},
		[]string{"method", "path", "status"},
	)

	// httpRequestDuration — гистограмма длительности HTTP-запросов.
	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tm_http_request_duration_seconds",
			Help:    "Длительность HTTP-запросов к Track Module в секундах",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// MetricsMiddleware возвращает HTTP middleware для сбора Prometheus метрик.
func MetricsMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			normalizedPath := normalizePath(r.URL.Path)

			wrapped := newMetricsResponseWriter(w)
			next.ServeHTTP(wrapped, r)

			duration := time.Since(start).Seconds()
			status := strconv.Itoa(wrapped.statusCode)

			httpRequestsTotal.WithLabelValues(r.Method, normalizedPath, status).Inc()
			httpRequestDuration.WithLabelValues(r.Method, normalizedPath).Observe(duration)
		})
	}
}

// metricsResponseWriter — обёртка для перехвата статус-кода.
type metricsResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func newMetricsResponseWriter(w http.ResponseWriter) *metricsResponseWriter {
	return &metricsResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
}

func (rw *metricsResponseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Unwrap позволяет http.ResponseController получить доступ к оригинальному ResponseWriter.
func (rw *metricsResponseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// normalizePath заменяет идентификаторы в пути на шаблоны.
// /api/v1/users/42/download → /api/v1/users/{user_id}/download
// /api/v1/artifacts/ab12... → /api/v1/artifacts/{hash}
func normalizePath(path string) string {
	switch path {
	case "/health/live", "/health/ready", "/metrics":
		return path
	}

	const (
		usersPrefix     = "/api/v1/users/"
		artifactsPrefix = "/api/v1/artifacts/"
	)

	if rest, ok := strings.CutPrefix(path, usersPrefix); ok && rest != "" {
		_, action, found := strings.Cut(rest, "/")
		switch {
		case !found:
			return usersPrefix + "{user_id}"
		case action == "reference", action == "download", action == "cancel", action == "session":
			return usersPrefix + "{user_id}/" + action
		default:
			return usersPrefix + "{user_id}/other"
		}
	}

	if rest, ok := strings.CutPrefix(path, artifactsPrefix); ok && rest != "" {
		return artifactsPrefix + "{hash}"
	}

	return "other"
}
