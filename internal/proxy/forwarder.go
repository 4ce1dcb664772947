// Package proxy forwards matched requests to backend services and relays
// their responses verbatim. It is the only component that talks to
// upstreams; all routing and gating decisions happen before Forward is
// called.
package proxy

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/arcline/gateway/internal/config"
	"github.com/arcline/gateway/internal/errors"
)

// GatewayKeyHeader carries the injected internal trust marker so upstream
// services can distinguish gateway-forwarded traffic from direct external
// traffic reaching them by mistake.
const GatewayKeyHeader = "X-Gateway-Key"

// target is a resolved backend service.
type target struct {
	baseURL *url.URL
	timeout time.Duration
}

// Forwarder relays requests to configured backend services.
type Forwarder struct {
	transport      http.RoundTripper
	targets        map[string]*target
	gatewayKey     string
	defaultTimeout time.Duration
}

// New creates a forwarder from the configured services and transport
// settings.
func New(services map[string]config.ServiceConfig, upstream config.UpstreamConfig, gatewayKey string) (*Forwarder, error) {
	targets := make(map[string]*target, len(services))
	for name, svc := range services {
		u, err := url.Parse(svc.URL)
		if err != nil {
			return nil, fmt.Errorf("service %q: invalid url: %w", name, err)
		}
		targets[name] = &target{baseURL: u, timeout: svc.Timeout}
	}

	dialTimeout := upstream.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = 5 * time.Second
	}
	defaultTimeout := upstream.DefaultTimeout
	if defaultTimeout == 0 {
		defaultTimeout = 30 * time.Second
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   dialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        upstream.MaxIdleConns,
		MaxIdleConnsPerHost: upstream.MaxIdleConnsPerHost,
		IdleConnTimeout:     upstream.IdleConnTimeout,
		ForceAttemptHTTP2:   true,
	}

	return &Forwarder{
		transport:      transport,
		targets:        targets,
		gatewayKey:     gatewayKey,
		defaultTimeout: defaultTimeout,
	}, nil
}

// Has reports whether a service name is configured.
func (f *Forwarder) Has(service string) bool {
	_, ok := f.targets[service]
	return ok
}

// Forward sends the request to the named service at the rewritten path and
// relays the upstream response (status, headers, body) unmodified. It
// returns the relayed status code, or 0 when the client disconnected before
// the upstream answered. Gate failures never reach this point; errors here
// are upstream failures mapped to the gateway's terminal statuses.
func (f *Forwarder) Forward(w http.ResponseWriter, r *http.Request, service, rewrittenPath string) (int, *errors.GatewayError) {
	t, ok := f.targets[service]
	if !ok {
		// A matched rule naming an unconfigured service is a wiring bug
		// caught at startup; keep the guard anyway.
		return 0, errors.ErrUpstreamUnavailable
	}

	ctx := r.Context()
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		timeout := t.timeout
		if timeout == 0 {
			timeout = f.defaultTimeout
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	upstreamURL := *t.baseURL
	upstreamURL.Path = singleJoiningSlash(t.baseURL.Path, rewrittenPath)
	upstreamURL.RawQuery = r.URL.RawQuery

	proxyReq := (&http.Request{
		Method:        r.Method,
		URL:           &upstreamURL,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Body:          r.Body,
		ContentLength: r.ContentLength,
		Host:          t.baseURL.Host,
	}).WithContext(ctx)

	proxyReq.Header = make(http.Header, len(r.Header)+4)
	for k, vv := range r.Header {
		proxyReq.Header[k] = vv
	}
	removeHopHeaders(proxyReq.Header)

	// X-Forwarded chain
	if clientIP := ClientIP(r); clientIP != "" {
		if prior := proxyReq.Header.Get("X-Forwarded-For"); prior != "" {
			proxyReq.Header.Set("X-Forwarded-For", prior+", "+clientIP)
		} else {
			proxyReq.Header.Set("X-Forwarded-For", clientIP)
		}
	}
	if r.TLS != nil {
		proxyReq.Header.Set("X-Forwarded-Proto", "https")
	} else {
		proxyReq.Header.Set("X-Forwarded-Proto", "http")
	}
	proxyReq.Header.Set("X-Forwarded-Host", r.Host)

	// Internal trust marker; Set overwrites anything a caller tried to smuggle.
	if f.gatewayKey != "" {
		proxyReq.Header.Set(GatewayKeyHeader, f.gatewayKey)
	}

	resp, err := f.transport.RoundTrip(proxyReq)
	if err != nil {
		if r.Context().Err() != nil {
			// Client went away; the aborted upstream call has no one to answer.
			return 0, nil
		}
		return 0, classifyTransportError(err)
	}
	defer resp.Body.Close()

	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
	return resp.StatusCode, nil
}

// classifyTransportError maps transport failures onto the gateway's distinct
// terminal statuses without leaking target addresses to the caller.
func classifyTransportError(err error) *errors.GatewayError {
	if stderrors.Is(err, context.DeadlineExceeded) {
		return errors.ErrUpstreamTimeout
	}
	var netErr net.Error
	if stderrors.As(err, &netErr) && netErr.Timeout() {
		return errors.ErrUpstreamTimeout
	}
	var opErr *net.OpError
	if stderrors.As(err, &opErr) {
		return errors.ErrUpstreamUnavailable
	}
	return errors.ErrUpstreamProtocol
}

// copyHeaders copies headers from source to destination, dropping hop-by-hop
// headers from the relayed response.
func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		dst[k] = append(dst[k][:0:0], vv...)
	}
	removeHopHeaders(dst)
}

// Hop-by-hop headers that must not cross the proxy boundary.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopHeaders(header http.Header) {
	for _, h := range hopHeaders {
		header.Del(h)
	}
}

// singleJoiningSlash joins two URL paths with a single slash.
func singleJoiningSlash(a, b string) string {
	aslash := len(a) > 0 && a[len(a)-1] == '/'
	bslash := len(b) > 0 && b[0] == '/'
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash && a != "":
		return a + "/" + b
	}
	return a + b
}

// ClientIP extracts the originating client address: first X-Forwarded-For
// hop, then X-Real-IP, then the connection's remote address.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.IndexByte(xff, ','); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}
	if rip := r.Header.Get("X-Real-IP"); rip != "" {
		return rip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
