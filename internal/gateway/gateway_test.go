package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/arcline/gateway/internal/authz"
	"github.com/arcline/gateway/internal/config"
	"github.com/arcline/gateway/internal/errors"
	"github.com/arcline/gateway/internal/proxy"
	"github.com/arcline/gateway/internal/route"
)

// spyVerifier records verification calls and returns a fixed outcome.
type spyVerifier struct {
	calls        int32
	lastRequired authz.Requirement
	identity     *authz.Identity
	err          error
}

func (s *spyVerifier) Verify(_ *http.Request, req authz.Requirement) (*authz.Identity, error) {
	atomic.AddInt32(&s.calls, 1)
	s.lastRequired = req
	if s.err != nil {
		return nil, s.err
	}
	if s.identity != nil {
		return s.identity, nil
	}
	return &authz.Identity{Subject: "test-user", Kind: authz.KindUser}, nil
}

// spyLimiter records quota checks and returns a fixed decision.
type spyLimiter struct {
	calls      int32
	lastPolicy string
	deny       bool
}

func (s *spyLimiter) Allow(_ context.Context, policy, _ string) (bool, error) {
	atomic.AddInt32(&s.calls, 1)
	s.lastPolicy = policy
	return !s.deny, nil
}

func (s *spyLimiter) Close() error { return nil }

// testBackend is an httptest upstream counting the requests that reach it.
type testBackend struct {
	*httptest.Server
	hits     int32
	lastPath string
	lastKey  string
}

func newTestBackend() *testBackend {
	b := &testBackend{}
	b.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&b.hits, 1)
		b.lastPath = r.URL.Path
		b.lastKey = r.Header.Get(proxy.GatewayKeyHeader)
		w.WriteHeader(http.StatusOK)
	}))
	return b
}

func newTestGateway(t *testing.T, table *route.Table, verifier authz.Verifier, limiter *spyLimiter, backendURL string) *Gateway {
	t.Helper()
	forwarder, err := proxy.New(
		map[string]config.ServiceConfig{
			"archive": {URL: backendURL},
			"auth":    {URL: backendURL},
		},
		config.UpstreamConfig{},
		"test-gateway-key",
	)
	if err != nil {
		t.Fatalf("proxy.New: %v", err)
	}
	return NewWithCollaborators(config.DefaultConfig(), table, verifier, limiter, forwarder)
}

func smallTable(t *testing.T) *route.Table {
	t.Helper()
	b := route.NewBuilder()
	b.Handle("GET", "/health", "health")
	b.Handle("POST", "/auth/login", "auth-login",
		route.Limit("auth-public"),
		route.Target("auth", route.Rewrite{From: "/auth"}))
	b.Handle("GET", "/archive/jobs/stats", "archive-jobs-stats",
		route.Resolve(authz.InternalHeaderResolver{Header: authz.InternalMarkerHeader, Policy: "archive"}),
		route.Target("archive", route.Rewrite{From: "/archive"}))
	b.Handle("DELETE", "/archive/jobs/:jobId", "archive-job-delete",
		route.Require(authz.RequireAdmin),
		route.Target("archive", route.Rewrite{From: "/archive"}))
	b.Mount("/archive/*", "archive",
		route.Require(authz.RequireUser),
		route.Limit("archive"),
		route.Target("archive", route.Rewrite{From: "/archive"}))
	table, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return table
}

func TestDispatchNotFound(t *testing.T) {
	backend := newTestBackend()
	defer backend.Close()

	verifier := &spyVerifier{}
	limiter := &spyLimiter{}
	g := newTestGateway(t, smallTable(t), verifier, limiter, backend.URL)

	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/nope", nil))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	var body map[string]interface{}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["reason"] != "route_not_found" {
		t.Errorf("reason = %v", body["reason"])
	}
	if verifier.calls != 0 {
		t.Error("verifier must not run for unmatched requests")
	}
	if limiter.calls != 0 {
		t.Error("limiter must not run for unmatched requests")
	}
}

func TestDispatchUnregisteredMethodIsNotFound(t *testing.T) {
	backend := newTestBackend()
	defer backend.Close()

	g := newTestGateway(t, smallTable(t), &spyVerifier{}, &spyLimiter{}, backend.URL)

	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/auth/login", nil))

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 for unregistered method", rec.Code)
	}
}

// Public routes never consult the verifier; a garbage Authorization header
// must not change that.
func TestDispatchPublicRouteSkipsVerifier(t *testing.T) {
	backend := newTestBackend()
	defer backend.Close()

	verifier := &spyVerifier{err: errors.ErrAuthenticationRejected}
	limiter := &spyLimiter{}
	g := newTestGateway(t, smallTable(t), verifier, limiter, backend.URL)

	req := httptest.NewRequest("POST", "/auth/login", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if verifier.calls != 0 {
		t.Error("verifier must never run for a public route")
	}
	if limiter.calls != 1 {
		t.Error("public route with a policy is still metered")
	}
}

// Authorization precedes rate limiting: a rejected caller consumes no quota
// and never reaches a backend.
func TestDispatchAuthFailureShortCircuits(t *testing.T) {
	backend := newTestBackend()
	defer backend.Close()

	verifier := &spyVerifier{err: errors.ErrAuthenticationRejected}
	limiter := &spyLimiter{}
	g := newTestGateway(t, smallTable(t), verifier, limiter, backend.URL)

	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/archive/data", nil))

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if limiter.calls != 0 {
		t.Error("limiter must not run after an authorization failure")
	}
	if backend.hits != 0 {
		t.Error("no gate failure may reach a backend")
	}
}

// A valid credential of the wrong tier is 403, not 401.
func TestDispatchForbiddenVsUnauthorized(t *testing.T) {
	backend := newTestBackend()
	defer backend.Close()

	verifier := &spyVerifier{err: errors.ErrAuthorizationDenied}
	g := newTestGateway(t, smallTable(t), verifier, &spyLimiter{}, backend.URL)

	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, httptest.NewRequest("DELETE", "/archive/jobs/42", nil))

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	var body map[string]interface{}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["reason"] != "authorization_denied" {
		t.Errorf("reason = %v", body["reason"])
	}
}

func TestDispatchRateLimited(t *testing.T) {
	backend := newTestBackend()
	defer backend.Close()

	limiter := &spyLimiter{deny: true}
	g := newTestGateway(t, smallTable(t), &spyVerifier{}, limiter, backend.URL)

	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/archive/data", nil))

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("429 should carry Retry-After")
	}
	if backend.hits != 0 {
		t.Error("rate-limited request must not reach the backend")
	}
}

func TestDispatchForwardsWithRewrite(t *testing.T) {
	backend := newTestBackend()
	defer backend.Close()

	g := newTestGateway(t, smallTable(t), &spyVerifier{}, &spyLimiter{}, backend.URL)

	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/archive/jobs/list", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if backend.lastPath != "/jobs/list" {
		t.Errorf("upstream path = %q, want %q", backend.lastPath, "/jobs/list")
	}
	if backend.lastKey != "test-gateway-key" {
		t.Errorf("gateway key = %q, want the configured marker", backend.lastKey)
	}
}

// The resolver picks the requirement before any verification runs: exactly
// one verification path per request.
func TestDispatchResolverSelectsTier(t *testing.T) {
	backend := newTestBackend()
	defer backend.Close()

	t.Run("internal branch", func(t *testing.T) {
		verifier := &spyVerifier{identity: &authz.Identity{Subject: "svc", Kind: authz.KindInternal}}
		limiter := &spyLimiter{}
		g := newTestGateway(t, smallTable(t), verifier, limiter, backend.URL)

		req := httptest.NewRequest("GET", "/archive/jobs/stats", nil)
		req.Header.Set(authz.InternalMarkerHeader, "true")
		rec := httptest.NewRecorder()
		g.Handler().ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		if verifier.calls != 1 || verifier.lastRequired != authz.RequireInternal {
			t.Errorf("verifier saw %v after %d calls, want one internal check",
				verifier.lastRequired, verifier.calls)
		}
		if limiter.calls != 0 {
			t.Error("internal branch is unmetered")
		}
	})

	t.Run("user branch", func(t *testing.T) {
		verifier := &spyVerifier{}
		limiter := &spyLimiter{}
		g := newTestGateway(t, smallTable(t), verifier, limiter, backend.URL)

		rec := httptest.NewRecorder()
		g.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/archive/jobs/stats", nil))

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		if verifier.lastRequired != authz.RequireUser {
			t.Errorf("verifier saw %v, want user check", verifier.lastRequired)
		}
		if limiter.calls != 1 || limiter.lastPolicy != "archive" {
			t.Errorf("limiter saw policy %q after %d calls, want one archive check",
				limiter.lastPolicy, limiter.calls)
		}
	})
}

// The dispatch counter's status label carries the relayed upstream status,
// not a blanket 200.
func TestDispatchRecordsUpstreamStatus(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer backend.Close()

	g := newTestGateway(t, smallTable(t), &spyVerifier{}, &spyLimiter{}, backend.URL)

	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/archive/data", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want relayed 500", rec.Code)
	}

	scrape := httptest.NewRecorder()
	g.Metrics().Handler().ServeHTTP(scrape, httptest.NewRequest("GET", "/metrics", nil))

	want := `gateway_dispatch_total{outcome="completed",route="archive",status="500"} 1`
	if !strings.Contains(scrape.Body.String(), want) {
		t.Errorf("metrics missing %q", want)
	}
	if strings.Contains(scrape.Body.String(), `status="200"`) {
		t.Error("no dispatch answered 200, yet a 200 series was recorded")
	}
}

// A client that disconnects mid-forward is its own outcome, not a
// completion.
func TestDispatchRecordsClientGone(t *testing.T) {
	backend := newTestBackend()
	defer backend.Close()

	g := newTestGateway(t, smallTable(t), &spyVerifier{}, &spyLimiter{}, backend.URL)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/archive/data", nil).WithContext(ctx))

	scrape := httptest.NewRecorder()
	g.Metrics().Handler().ServeHTTP(scrape, httptest.NewRequest("GET", "/metrics", nil))

	want := `gateway_dispatch_total{outcome="client_gone",route="archive",status="499"} 1`
	if !strings.Contains(scrape.Body.String(), want) {
		t.Errorf("metrics missing %q", want)
	}
	if strings.Contains(scrape.Body.String(), `outcome="completed"`) {
		t.Error("a disconnected client must not count as completed")
	}
	if strings.Contains(scrape.Body.String(), "gateway_upstream_latency_seconds_count") {
		t.Error("no latency should be observed for an aborted forward")
	}
}

func TestDispatchLocalHealth(t *testing.T) {
	backend := newTestBackend()
	defer backend.Close()

	g := newTestGateway(t, smallTable(t), &spyVerifier{}, &spyLimiter{}, backend.URL)

	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("health body should be JSON: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status field = %q", body["status"])
	}
	if backend.hits != 0 {
		t.Error("local routes must not touch a backend")
	}
}

func TestDispatchNormalizesPath(t *testing.T) {
	backend := newTestBackend()
	defer backend.Close()

	g := newTestGateway(t, smallTable(t), &spyVerifier{}, &spyLimiter{}, backend.URL)

	tests := []struct {
		name string
		path string
	}{
		{"trailing slash", "/archive/jobs/stats/"},
		{"duplicate slashes", "/archive//jobs//stats"},
		{"dot segments", "/archive/x/../jobs/stats"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			g.Handler().ServeHTTP(rec, httptest.NewRequest("GET", tt.path, nil))
			if rec.Code != http.StatusOK {
				t.Errorf("status = %d, want 200 for %q", rec.Code, tt.path)
			}
		})
	}
}

func TestDispatchSetsRequestID(t *testing.T) {
	backend := newTestBackend()
	defer backend.Close()

	g := newTestGateway(t, smallTable(t), &spyVerifier{}, &spyLimiter{}, backend.URL)

	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/nope", nil))

	id := rec.Header().Get("X-Request-ID")
	if id == "" {
		t.Fatal("expected a request ID header")
	}
	var body map[string]interface{}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["request_id"] != id {
		t.Errorf("error payload request_id = %v, want %q", body["request_id"], id)
	}
}
