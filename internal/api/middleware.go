package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lvonguyen/urlintel/internal/observability"
)

// requestLogger logs one line per request and records HTTP metrics by route pattern.
func requestLogger(logger *zap.Logger, metrics *observability.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				status := ww.Status()
				if status == 0 {
					status = http.StatusOK
				}
				route := r.URL.Path
				if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
					route = rctx.RoutePattern()
				}
				d := time.Since(start)
				metrics.ObserveHTTP(r.Method, route, status, d)

				fields := []zap.Field{
					zap.String("method", r.Method),
					zap.String("route", route),
					zap.Int("status", status),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", d),
					zap.String("remote_addr", r.RemoteAddr),
					zap.String("request_id", middleware.GetReqID(r.Context())),
				}
				if status >= http.StatusInternalServerError {
					logger.Warn("HTTP request", fields...)
					return
				}
				logger.Info("HTTP request", fields...)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}
