package gateway

import (
	"github.com/arcline/gateway/internal/authz"
	"github.com/arcline/gateway/internal/route"
)

// Backend service identifiers.
const (
	ServiceAuth         = "auth"
	ServiceArchive      = "archive"
	ServiceAssessment   = "assessment"
	ServiceNotification = "notification"
	ServiceChatbot      = "chatbot"
	ServiceAdmin        = "admin"
)

// Rate-limit policy names referenced by the table; the config must declare
// each of these.
const (
	PolicyAuthPublic = "auth-public"
	PolicyArchive    = "archive"
	PolicyAssessment = "assessment"
	PolicyChat       = "chat"
)

// statsQueryTypes is the fixed allow-set of query categories that mark an
// internal caller on the archive v1 stats endpoint.
var statsQueryTypes = map[string]bool{
	"system":      true,
	"demographic": true,
	"performance": true,
}

// BuildTable declares the gateway's route table. Order is the precedence
// contract: rules are evaluated top to bottom and the first match wins, so
// every specific path is registered before the prefix mount that would
// otherwise swallow it. CheckOrder enforces this at startup.
func BuildTable(development bool) (*route.Table, error) {
	b := route.NewBuilder()

	// Gateway-local health probes, public.
	b.Handle("GET", "/health", "health")
	b.Handle("GET", "/healthz", "healthz")

	// Auth service. Login, register and refresh are public entry points but
	// metered per client address; everything else demands a user token.
	b.Handle("POST", "/auth/login", "auth-login",
		route.Limit(PolicyAuthPublic),
		route.Target(ServiceAuth, route.Rewrite{From: "/auth"}))
	b.Handle("POST", "/auth/register", "auth-register",
		route.Limit(PolicyAuthPublic),
		route.Target(ServiceAuth, route.Rewrite{From: "/auth"}))
	b.Handle("POST", "/auth/refresh", "auth-refresh",
		route.Limit(PolicyAuthPublic),
		route.Target(ServiceAuth, route.Rewrite{From: "/auth"}))
	b.Handle("POST", "/auth/v2/login", "auth-v2-login",
		route.Limit(PolicyAuthPublic),
		route.Target(ServiceAuth, route.Rewrite{From: "/auth/v2", To: "/v2"}))
	b.Mount("/auth/v2/*", "auth-v2",
		route.Require(authz.RequireUser),
		route.Target(ServiceAuth, route.Rewrite{From: "/auth/v2", To: "/v2"}))
	b.Mount("/auth/*", "auth",
		route.Require(authz.RequireUser),
		route.Target(ServiceAuth, route.Rewrite{From: "/auth"}))

	// Archive service. Batch result ingestion is service-to-service only and
	// must precede the catch-all; the two stats endpoints pick their trust
	// tier from request attributes at match time.
	b.Handle("GET", "/archive/health", "archive-health",
		route.Target(ServiceArchive, route.Rewrite{From: "/archive"}))
	b.Handle("POST", "/archive/results/batch", "archive-results-batch",
		route.Require(authz.RequireInternal),
		route.Target(ServiceArchive, route.Rewrite{From: "/archive"}))
	b.Handle("GET", "/archive/jobs/stats", "archive-jobs-stats",
		route.Resolve(authz.InternalHeaderResolver{Header: authz.InternalMarkerHeader, Policy: PolicyArchive}),
		route.Target(ServiceArchive, route.Rewrite{From: "/archive"}))
	b.Handle("GET", "/archive/jobs/:jobId", "archive-job",
		route.Require(authz.RequireUser),
		route.Limit(PolicyArchive),
		route.Target(ServiceArchive, route.Rewrite{From: "/archive"}))
	b.Handle("DELETE", "/archive/jobs/:jobId", "archive-job-delete",
		route.Require(authz.RequireAdmin),
		route.Target(ServiceArchive, route.Rewrite{From: "/archive"}))
	b.Handle("GET", "/archive/v1/stats", "archive-v1-stats",
		route.Resolve(authz.QueryTypeResolver{Param: "type", Allowed: statsQueryTypes, Policy: PolicyArchive}),
		route.Target(ServiceArchive, route.Rewrite{From: "/archive/v1", To: "/v1"}))
	b.Mount("/archive/v1/*", "archive-v1",
		route.Require(authz.RequireUser),
		route.Limit(PolicyArchive),
		route.Target(ServiceArchive, route.Rewrite{From: "/archive/v1", To: "/v1"}))
	// Admin reachability under the archive prefix is kept as its own rule
	// alongside the primary /admin mount; both are live production paths.
	b.Mount("/archive/admin/*", "archive-admin",
		route.Require(authz.RequireAdmin),
		route.Target(ServiceAdmin, route.Rewrite{From: "/archive/admin"}))
	b.Mount("/archive/*", "archive",
		route.Require(authz.RequireUser),
		route.Limit(PolicyArchive),
		route.Target(ServiceArchive, route.Rewrite{From: "/archive"}))

	// Assessment service. Test helpers exist only in development and must be
	// entirely absent in production, not merely unauthorized.
	if development {
		b.Mount("/assessment/test/*", "assessment-test",
			route.DevOnly(),
			route.Target(ServiceAssessment, route.Rewrite{From: "/assessment"}))
	}
	b.Handle("GET", "/assessment/results/:sessionId/:attempt?", "assessment-results",
		route.Require(authz.RequireUser),
		route.Limit(PolicyAssessment),
		route.Target(ServiceAssessment, route.Rewrite{From: "/assessment"}))
	b.Mount("/assessment/*", "assessment",
		route.Require(authz.RequireUser),
		route.Limit(PolicyAssessment),
		route.Target(ServiceAssessment, route.Rewrite{From: "/assessment"}))

	// Chatbot and notifications.
	b.Mount("/chatbot/*", "chatbot",
		route.Require(authz.RequireUser),
		route.Limit(PolicyChat),
		route.Target(ServiceChatbot, route.Rewrite{From: "/chatbot"}))
	b.Mount("/notifications/*", "notifications",
		route.Require(authz.RequireUser),
		route.Target(ServiceNotification, route.Rewrite{From: "/notifications"}))

	// Admin service.
	b.Mount("/admin/direct/*", "admin-direct",
		route.Require(authz.RequireAdmin),
		route.Target(ServiceAdmin, route.Rewrite{From: "/admin/direct", To: "/direct"}))
	b.Mount("/admin/*", "admin",
		route.Require(authz.RequireAdmin),
		route.Target(ServiceAdmin, route.Rewrite{From: "/admin"}))

	if development {
		b.Handle("GET", "/debug/routes", "debug-routes", route.DevOnly())
	}

	return b.Build()
}
