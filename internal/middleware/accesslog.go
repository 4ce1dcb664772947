package middleware

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/arcline/gateway/internal/logging"
	"github.com/arcline/gateway/internal/proxy"
)

// statusWriter captures the response status and byte count.
type statusWriter struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if sw.status == 0 {
		sw.status = http.StatusOK
	}
	n, err := sw.ResponseWriter.Write(b)
	sw.bytes += int64(n)
	return n, err
}

// Flush passes through to the underlying writer when it supports streaming.
func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// AccessLog emits one structured entry per request after it completes,
// including the dispatch outcome filled in by the engine.
func AccessLog(skipPaths ...string) Middleware {
	skip := make(map[string]bool, len(skipPaths))
	for _, p := range skipPaths {
		skip[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skip[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			sw := &statusWriter{ResponseWriter: w}

			next.ServeHTTP(sw, r)

			info := InfoFromRequest(r)
			logging.Info("request",
				zap.String("request_id", info.RequestID),
				zap.String("remote_addr", proxy.ClientIP(r)),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", sw.status),
				zap.Int64("bytes", sw.bytes),
				zap.String("route", info.Route),
				zap.String("service", info.Service),
				zap.String("outcome", info.Outcome),
				zap.String("caller", info.Caller),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}
