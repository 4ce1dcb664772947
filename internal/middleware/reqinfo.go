package middleware

import (
	"context"
	"net/http"
)

// RequestInfo is the per-request carrier shared along the chain. It is
// installed once at the top of the chain and mutated by later stages; the
// access log reads it after the handler returns.
type RequestInfo struct {
	RequestID  string
	Route      string // matched rule name, "" when unmatched
	Service    string // target backend service
	Caller     string // verified caller subject
	CallerKind string
	Outcome    string // terminal dispatch state
}

// requestInfoKey is the context key for RequestInfo.
type requestInfoKey struct{}

// WithRequestInfo installs an info carrier into the context.
func WithRequestInfo(ctx context.Context, info *RequestInfo) context.Context {
	return context.WithValue(ctx, requestInfoKey{}, info)
}

// InfoFromRequest returns the request's info carrier, or an empty one when
// the chain did not install it (tests calling handlers directly).
func InfoFromRequest(r *http.Request) *RequestInfo {
	if info, ok := r.Context().Value(requestInfoKey{}).(*RequestInfo); ok {
		return info
	}
	return &RequestInfo{}
}
