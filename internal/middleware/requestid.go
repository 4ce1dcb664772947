package middleware

import (
	"net/http"

	"github.com/google/uuid"
)

func init() {
	// Batch crypto/rand reads into a pool to avoid a syscall per UUID.
	uuid.EnableRandPool()
}

// RequestIDHeader is the header carrying the request correlation ID.
const RequestIDHeader = "X-Request-ID"

// RequestID assigns each request a correlation ID, trusting an inbound one
// when present, and installs the per-request info carrier for the rest of
// the chain.
func RequestID() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get(RequestIDHeader)
			if requestID == "" {
				requestID = uuid.New().String()
			}

			r.Header.Set(RequestIDHeader, requestID)
			w.Header().Set(RequestIDHeader, requestID)

			info := &RequestInfo{RequestID: requestID}
			next.ServeHTTP(w, r.WithContext(WithRequestInfo(r.Context(), info)))
		})
	}
}

// GetRequestID extracts the request ID from the request.
func GetRequestID(r *http.Request) string {
	return InfoFromRequest(r).RequestID
}
