package middleware

import (
	"net/http"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/arcline/gateway/internal/errors"
	"github.com/arcline/gateway/internal/logging"
)

// Recovery converts handler panics into 500 responses. Stack traces go to
// the log, never to the caller.
func Recovery() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logging.Error("panic recovered",
						zap.Any("error", err),
						zap.String("path", r.URL.Path),
						zap.String("request_id", GetRequestID(r)),
						zap.ByteString("stack", debug.Stack()),
					)
					errors.ErrInternalServer.WithRequestID(GetRequestID(r)).WriteJSON(w)
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
