package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// GatewayError is an error that can be written to clients. Code is the HTTP
// status; Reason is a stable machine-readable string so callers can tell
// gateway-level rejection apart from backend failure.
type GatewayError struct {
	Code       int    `json:"code"`
	Reason     string `json:"reason"`
	Message    string `json:"message"`
	Details    string `json:"details,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
	underlying error
}

func (e *GatewayError) Error() string {
	if e.underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.underlying)
	}
	return e.Message
}

func (e *GatewayError) Unwrap() error {
	return e.underlying
}

// WriteJSON writes the error as JSON to the response.
// Base singletons (no details/requestID) use pre-serialized bytes.
func (e *GatewayError) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Code)
	if pre, ok := preSerialized[e]; ok {
		w.Write(pre)
		return
	}
	json.NewEncoder(w).Encode(e)
}

// Gate failures are resolved inside the dispatch engine and never reach a
// backend. Upstream failures pass the backend's payload through; these
// singletons are only written when no upstream response exists at all.
var (
	ErrRouteNotFound = &GatewayError{
		Code:    http.StatusNotFound,
		Reason:  "route_not_found",
		Message: "Not Found",
	}

	ErrAuthenticationRejected = &GatewayError{
		Code:    http.StatusUnauthorized,
		Reason:  "authentication_rejected",
		Message: "Unauthorized",
	}

	ErrAuthorizationDenied = &GatewayError{
		Code:    http.StatusForbidden,
		Reason:  "authorization_denied",
		Message: "Forbidden",
	}

	ErrRateLimitExceeded = &GatewayError{
		Code:    http.StatusTooManyRequests,
		Reason:  "rate_limit_exceeded",
		Message: "Too Many Requests",
	}

	ErrUpstreamProtocol = &GatewayError{
		Code:    http.StatusBadGateway,
		Reason:  "upstream_protocol_error",
		Message: "Bad Gateway",
	}

	ErrUpstreamUnavailable = &GatewayError{
		Code:    http.StatusServiceUnavailable,
		Reason:  "upstream_unavailable",
		Message: "Service Unavailable",
	}

	ErrUpstreamTimeout = &GatewayError{
		Code:    http.StatusGatewayTimeout,
		Reason:  "upstream_timeout",
		Message: "Gateway Timeout",
	}

	ErrInternalServer = &GatewayError{
		Code:    http.StatusInternalServerError,
		Reason:  "internal_error",
		Message: "Internal Server Error",
	}
)

// preSerialized holds JSON-encoded bytes for the base error singletons.
var preSerialized map[*GatewayError][]byte

func init() {
	bases := []*GatewayError{
		ErrRouteNotFound, ErrAuthenticationRejected, ErrAuthorizationDenied,
		ErrRateLimitExceeded, ErrUpstreamProtocol, ErrUpstreamUnavailable,
		ErrUpstreamTimeout, ErrInternalServer,
	}
	preSerialized = make(map[*GatewayError][]byte, len(bases))
	for _, e := range bases {
		b, _ := json.Marshal(e)
		b = append(b, '\n') // match json.Encoder behavior
		preSerialized[e] = b
	}
}

// New creates a new GatewayError.
func New(code int, reason, message string) *GatewayError {
	return &GatewayError{
		Code:    code,
		Reason:  reason,
		Message: message,
	}
}

// Wrap wraps an error with client-facing code and message. The underlying
// error is kept for logs only and never serialized.
func Wrap(err error, base *GatewayError) *GatewayError {
	return &GatewayError{
		Code:       base.Code,
		Reason:     base.Reason,
		Message:    base.Message,
		underlying: err,
	}
}

// WithDetails returns a copy with client-visible details attached.
func (e *GatewayError) WithDetails(details string) *GatewayError {
	return &GatewayError{
		Code:       e.Code,
		Reason:     e.Reason,
		Message:    e.Message,
		Details:    details,
		RequestID:  e.RequestID,
		underlying: e.underlying,
	}
}

// WithRequestID returns a copy with the request ID attached.
func (e *GatewayError) WithRequestID(requestID string) *GatewayError {
	return &GatewayError{
		Code:       e.Code,
		Reason:     e.Reason,
		Message:    e.Message,
		Details:    e.Details,
		RequestID:  requestID,
		underlying: e.underlying,
	}
}

// AsGatewayError checks if an error is a GatewayError.
func AsGatewayError(err error) (*GatewayError, bool) {
	if ge, ok := err.(*GatewayError); ok {
		return ge, true
	}
	return nil, false
}
