package authz

import (
	"net/http"
	"net/url"
)

// Resolution is the outcome of evaluating a resolver: the concrete
// requirement to verify and the rate-limit policy to meter under ("" when
// the caller is unmetered).
type Resolution struct {
	Requirement Requirement
	Policy      string
}

// Resolver picks an authorization requirement from a request's declared
// attributes. Implementations must be total and pure: exactly one resolution
// for any input, no external state, evaluated fresh per request.
type Resolver interface {
	Name() string
	Resolve(header http.Header, query url.Values) Resolution
	// FallbackPolicy is the policy applied on the non-internal branch; the
	// table uses it to validate policy references at startup.
	FallbackPolicy() string
}

// InternalHeaderResolver grants internal-service trust when a marker header
// is "true"; any other value, and absence, resolves to end-user token trust
// plus the fallback rate-limit policy.
type InternalHeaderResolver struct {
	Header string // e.g. "X-Internal-Service"
	Policy string // metered policy for the end-user branch
}

func (r InternalHeaderResolver) Name() string { return "internal-header:" + r.Header }

func (r InternalHeaderResolver) Resolve(header http.Header, _ url.Values) Resolution {
	if header.Get(r.Header) == "true" {
		return Resolution{Requirement: RequireInternal}
	}
	return Resolution{Requirement: RequireUser, Policy: r.Policy}
}

func (r InternalHeaderResolver) FallbackPolicy() string { return r.Policy }

// QueryTypeResolver grants internal-service trust when a query parameter's
// value is in a fixed allow-set; any other value, including absent, resolves
// to end-user token trust plus the fallback rate-limit policy.
type QueryTypeResolver struct {
	Param   string          // e.g. "type"
	Allowed map[string]bool // e.g. system, demographic, performance
	Policy  string
}

func (r QueryTypeResolver) Name() string { return "query-allowset:" + r.Param }

func (r QueryTypeResolver) Resolve(_ http.Header, query url.Values) Resolution {
	if r.Allowed[query.Get(r.Param)] {
		return Resolution{Requirement: RequireInternal}
	}
	return Resolution{Requirement: RequireUser, Policy: r.Policy}
}

func (r QueryTypeResolver) FallbackPolicy() string { return r.Policy }
