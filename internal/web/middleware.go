package web

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	logx "groupcast/pkg/logx"
)

// requestLogger logs one line per request. Health checks and status polling go to debug.
func requestLogger(log logx.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			fields := []logx.Field{
				logx.String("method", r.Method),
				logx.String("path", r.URL.Path),
				logx.Int("status", ww.Status()),
				logx.Int("bytes", ww.BytesWritten()),
				logx.Duration("took", time.Since(start)),
				logx.String("req_id", middleware.GetReqID(r.Context())),
			}
			if r.Method == http.MethodGet {
				log.Debug("http request", fields...)
				return
			}
			log.Info("http request", fields...)
		})
	}
}
