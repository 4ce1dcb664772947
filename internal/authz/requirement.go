// Package authz defines the authorization requirements a route can demand,
// the resolvers that pick a requirement from request attributes, and the
// verifier that checks credentials against a resolved requirement.
package authz

import "net/http"

// Requirement is the authorization tier a matched route demands before the
// request may be forwarded.
type Requirement int

const (
	// RequireNone marks a public route; the verifier is never invoked.
	RequireNone Requirement = iota
	// RequireUser demands a valid end-user bearer token.
	RequireUser
	// RequireInternal demands internal-service trust, distinct from end-user
	// token trust: a service-to-service shared key.
	RequireInternal
	// RequireAdmin demands a valid end-user token carrying the admin role.
	RequireAdmin
)

func (r Requirement) String() string {
	switch r {
	case RequireNone:
		return "none"
	case RequireUser:
		return "user"
	case RequireInternal:
		return "internal-service"
	case RequireAdmin:
		return "admin"
	}
	return "unknown"
}

// Kind classifies a verified caller.
type Kind string

const (
	KindUser     Kind = "user"
	KindInternal Kind = "internal"
	KindAdmin    Kind = "admin"
)

// Identity is the verified caller identity produced by a Verifier.
type Identity struct {
	Subject string
	Kind    Kind
	Claims  map[string]interface{}
}

// Verifier checks a request's credentials against a requirement. It returns
// the caller identity on success; on failure the error distinguishes a
// missing or invalid credential from a valid credential of the wrong tier.
type Verifier interface {
	Verify(r *http.Request, req Requirement) (*Identity, error)
}
