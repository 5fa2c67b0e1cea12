package middleware

import (
	"net/http"
	"time"

	"github.com/angelmondragon/crumb-backend/pkg/logger"
)

const slowRequestThreshold = 2 * time.Second

func Logging(logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if logg == nil {
				next.ServeHTTP(w, r)
				return
			}

			ctx := logg.WithFields(r.Context(), map[string]any{
				"method": r.Method,
				"path":   r.URL.Path,
			})

			rec := &statusRecorder{ResponseWriter: w}
			start := time.Now()
			next.ServeHTTP(rec, r.WithContext(ctx))

			elapsed := time.Since(start)
			ctx = logg.WithFields(ctx, map[string]any{
				"status":      rec.code(),
				"duration_ms": elapsed.Milliseconds(),
			})
			switch {
			case rec.code() >= http.StatusInternalServerError:
				logg.Warn(ctx, "request.failed")
			case elapsed > slowRequestThreshold:
				logg.Warn(ctx, "request.slow")
			default:
				logg.Info(ctx, "request.complete")
			}
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) code() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}
