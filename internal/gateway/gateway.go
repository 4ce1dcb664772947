// Package gateway contains the dispatch engine: the one place where a
// request is matched against the route table, gated on authorization and
// quota, and handed to the upstream forwarder.
package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"path"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/arcline/gateway/internal/authz"
	"github.com/arcline/gateway/internal/config"
	"github.com/arcline/gateway/internal/errors"
	"github.com/arcline/gateway/internal/logging"
	"github.com/arcline/gateway/internal/metrics"
	"github.com/arcline/gateway/internal/middleware"
	"github.com/arcline/gateway/internal/proxy"
	"github.com/arcline/gateway/internal/ratelimit"
	"github.com/arcline/gateway/internal/route"
)

// Terminal dispatch outcomes, one per exit from the per-request state
// machine.
const (
	OutcomeCompleted    = "completed"
	OutcomeNotFound     = "not_found"
	OutcomeUnauthorized = "unauthorized"
	OutcomeForbidden    = "forbidden"
	OutcomeRateLimited  = "rate_limited"
	OutcomeUpstreamErr  = "upstream_error"
	OutcomeClientGone   = "client_gone"
)

// statusClientGone labels dispatches aborted by a client disconnect, after
// the nginx convention for client-closed requests.
const statusClientGone = 499

// Gateway dispatches requests: match, resolve authorization, verify, rate
// check, forward. The table and collaborators are fixed at construction;
// requests are dispatched fully in parallel with no shared mutable state
// here.
type Gateway struct {
	cfg       *config.Config
	table     *route.Table
	verifier  authz.Verifier
	limiter   ratelimit.Limiter
	forwarder *proxy.Forwarder
	collector *metrics.Collector
	locals    map[string]http.HandlerFunc
}

// New builds a gateway from config: the frozen route table, the token
// verifier, the rate limiter (Redis-backed when configured), and the
// upstream forwarder. Table ordering and policy references are validated
// here; a violation aborts boot.
func New(cfg *config.Config) (*Gateway, error) {
	table, err := BuildTable(cfg.Development())
	if err != nil {
		return nil, fmt.Errorf("failed to build route table: %w", err)
	}
	if err := table.CheckOrder(); err != nil {
		return nil, fmt.Errorf("route table ordering: %w", err)
	}
	if err := ratelimit.ValidatePolicies(table.PolicyNames(), cfg.RateLimits); err != nil {
		return nil, err
	}

	verifier, err := authz.NewTokenVerifier(cfg.Auth)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize verifier: %w", err)
	}

	var limiter ratelimit.Limiter
	if cfg.Redis.Address != "" {
		limiter, err = ratelimit.NewRedis(cfg.Redis, cfg.RateLimits)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize redis rate limiter: %w", err)
		}
	} else {
		limiter = ratelimit.NewLocal(cfg.RateLimits)
	}

	forwarder, err := proxy.New(cfg.Services, cfg.Upstream, cfg.Auth.GatewayKey)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize forwarder: %w", err)
	}

	g := &Gateway{
		cfg:       cfg,
		table:     table,
		verifier:  verifier,
		limiter:   limiter,
		forwarder: forwarder,
		collector: metrics.NewCollector(),
	}
	g.locals = map[string]http.HandlerFunc{
		"health":       g.handleHealth,
		"healthz":      g.handleHealth,
		"debug-routes": g.handleRouteDump,
	}

	// Every forwarding rule must name a configured service.
	for _, r := range table.Rules() {
		if !r.Local() && !forwarder.Has(r.Service) {
			return nil, fmt.Errorf("rule %q targets unconfigured service %q", r.Name, r.Service)
		}
	}

	return g, nil
}

// NewWithCollaborators builds a gateway around externally supplied
// collaborators. Used by tests to substitute spies for the verifier,
// limiter and forwarder.
func NewWithCollaborators(cfg *config.Config, table *route.Table, verifier authz.Verifier, limiter ratelimit.Limiter, forwarder *proxy.Forwarder) *Gateway {
	g := &Gateway{
		cfg:       cfg,
		table:     table,
		verifier:  verifier,
		limiter:   limiter,
		forwarder: forwarder,
		collector: metrics.NewCollector(),
	}
	g.locals = map[string]http.HandlerFunc{
		"health":       g.handleHealth,
		"healthz":      g.handleHealth,
		"debug-routes": g.handleRouteDump,
	}
	return g
}

// Table returns the frozen route table.
func (g *Gateway) Table() *route.Table {
	return g.table
}

// Metrics returns the gateway's metrics collector.
func (g *Gateway) Metrics() *metrics.Collector {
	return g.collector
}

// Handler returns the main HTTP handler with the ambient chain applied.
func (g *Gateway) Handler() http.Handler {
	return middleware.NewBuilder().
		Use(middleware.Recovery()).
		Use(middleware.RequestID()).
		Use(middleware.AccessLog("/health", "/healthz")).
		Handler(http.HandlerFunc(g.dispatch))
}

// dispatch runs one request through the state machine:
// Received → Matched → Authorized → RateChecked → Forwarded → Completed,
// with each gate failure terminal. No gate failure ever reaches a backend.
func (g *Gateway) dispatch(w http.ResponseWriter, r *http.Request) {
	info := middleware.InfoFromRequest(r)
	reqPath := normalizePath(r.URL.Path)

	// Matched
	match, ok := g.table.Match(r.Method, reqPath)
	if !ok {
		g.terminate(w, info, "", errors.ErrRouteNotFound, OutcomeNotFound)
		return
	}
	rule := match.Rule
	info.Route = rule.Name
	info.Service = rule.Service

	// Resolve the concrete authorization requirement before any verification
	// so exactly one verification path runs per request.
	requirement := rule.Requirement
	policyName := rule.Policy
	if rule.Resolver != nil {
		res := rule.Resolver.Resolve(r.Header, r.URL.Query())
		requirement = res.Requirement
		policyName = res.Policy
	}

	// Authorized
	var identity *authz.Identity
	if requirement != authz.RequireNone {
		var err error
		identity, err = g.verifier.Verify(r, requirement)
		if err != nil {
			gwErr, ok := errors.AsGatewayError(err)
			if !ok {
				gwErr = errors.ErrAuthenticationRejected
			}
			outcome := OutcomeUnauthorized
			if gwErr.Code == http.StatusForbidden {
				outcome = OutcomeForbidden
			}
			g.terminate(w, info, rule.Name, gwErr, outcome)
			return
		}
		info.Caller = identity.Subject
		info.CallerKind = string(identity.Kind)
	}

	// RateChecked
	if policyName != "" {
		allowed, err := g.limiter.Allow(r.Context(), policyName, callerKey(identity, r))
		if err != nil {
			logging.Warn("rate limit check failed",
				zap.String("policy", policyName),
				zap.Error(err),
			)
		}
		if !allowed {
			g.collector.RecordRateLimited(policyName)
			w.Header().Set("Retry-After", "1")
			g.terminate(w, info, rule.Name, errors.ErrRateLimitExceeded, OutcomeRateLimited)
			return
		}
	}

	// Gateway-local endpoints complete without forwarding.
	if rule.Local() {
		if h, ok := g.locals[rule.Name]; ok {
			h(w, r)
			info.Outcome = OutcomeCompleted
			g.collector.RecordDispatch(rule.Name, OutcomeCompleted, http.StatusOK)
			return
		}
		g.terminate(w, info, rule.Name, errors.ErrInternalServer, OutcomeUpstreamErr)
		return
	}

	// Forwarded
	rewritten := rule.Rewrite.Apply(reqPath)
	start := time.Now()
	status, gwErr := g.forwarder.Forward(w, r, rule.Service, rewritten)
	if gwErr != nil {
		g.terminate(w, info, rule.Name, gwErr, OutcomeUpstreamErr)
		return
	}
	if status == 0 {
		// Client disconnected before the upstream answered; nothing was
		// relayed, so this is neither a completion nor an upstream failure.
		info.Outcome = OutcomeClientGone
		g.collector.RecordDispatch(rule.Name, OutcomeClientGone, statusClientGone)
		return
	}
	g.collector.RecordUpstream(rule.Service, time.Since(start))

	// Completed
	info.Outcome = OutcomeCompleted
	g.collector.RecordDispatch(rule.Name, OutcomeCompleted, status)
}

// terminate writes a terminal gate failure and records the outcome.
func (g *Gateway) terminate(w http.ResponseWriter, info *middleware.RequestInfo, routeName string, gwErr *errors.GatewayError, outcome string) {
	info.Outcome = outcome
	if routeName == "" {
		routeName = "unmatched"
	}
	g.collector.RecordDispatch(routeName, outcome, gwErr.Code)
	if info.RequestID != "" {
		gwErr = gwErr.WithRequestID(info.RequestID)
	}
	gwErr.WriteJSON(w)
}

// callerKey is the rate-limit identity: the verified subject when one
// exists, the raw client address otherwise.
func callerKey(identity *authz.Identity, r *http.Request) string {
	if identity != nil && identity.Subject != "" {
		return identity.Subject
	}
	return proxy.ClientIP(r)
}

// normalizePath cleans the request path: collapses dot segments and
// duplicate slashes and strips the trailing slash, so matching sees one
// canonical form.
func normalizePath(p string) string {
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	p = path.Clean(p)
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimSuffix(p, "/")
	}
	return p
}

// handleHealth answers the gateway's own liveness probe.
func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleRouteDump lists the ordered table; registered in development only.
func (g *Gateway) handleRouteDump(w http.ResponseWriter, _ *http.Request) {
	type ruleDump struct {
		Name      string `json:"name"`
		Pattern   string `json:"pattern"`
		Methods   string `json:"methods"`
		AuthFixed string `json:"authorization,omitempty"`
		Resolver  string `json:"resolver,omitempty"`
		Policy    string `json:"rate_limit_policy,omitempty"`
		Service   string `json:"service,omitempty"`
		DevOnly   bool   `json:"dev_only,omitempty"`
	}

	dump := make([]ruleDump, 0, len(g.table.Rules()))
	for _, r := range g.table.Rules() {
		d := ruleDump{
			Name:    r.Name,
			Pattern: r.Pattern.String(),
			Methods: methodsString(r),
			Policy:  r.Policy,
			Service: r.Service,
			DevOnly: r.DevOnly,
		}
		if r.Resolver != nil {
			d.Resolver = r.Resolver.Name()
		} else {
			d.AuthFixed = r.Requirement.String()
		}
		dump = append(dump, d)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(dump)
}

func methodsString(r *route.Rule) string {
	if r.Methods == nil {
		return "*"
	}
	methods := make([]string, 0, len(r.Methods))
	for m := range r.Methods {
		methods = append(methods, m)
	}
	sort.Strings(methods)
	return strings.Join(methods, ",")
}

// Close releases the gateway's collaborator resources.
func (g *Gateway) Close() error {
	if g.limiter != nil {
		return g.limiter.Close()
	}
	return nil
}
