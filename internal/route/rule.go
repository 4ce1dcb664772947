package route

import (
	"strings"

	"github.com/arcline/gateway/internal/authz"
)

// Rewrite is a prefix-substitution pair applied once to the matched path
// before forwarding upstream.
type Rewrite struct {
	From string // inbound prefix, e.g. "/archive/v1"
	To   string // upstream prefix, e.g. "/v1" ("" strips the prefix)
}

// Apply rewrites a matched inbound path. Applying it twice to the same
// inbound path yields the same upstream path both times.
func (rw Rewrite) Apply(path string) string {
	if rw.From == "" {
		return path
	}
	suffix := stripPathPrefix(rw.From, path)
	if rw.To == "" {
		return suffix
	}
	if suffix == "/" {
		return rw.To
	}
	return singleJoinSlash(rw.To, suffix)
}

// Rule is the atomic unit of the route table: a path pattern, the methods it
// applies to, the authorization it demands, the rate-limit policy it meters
// under, and the target it forwards to.
type Rule struct {
	Name    string
	Pattern Pattern
	Methods map[string]bool // nil = all methods (prefix mount)

	// Requirement is the fixed authorization requirement; Resolver, when
	// non-nil, picks the requirement from request attributes at match time
	// and takes precedence over Requirement.
	Requirement authz.Requirement
	Resolver    authz.Resolver

	Policy  string // rate-limit policy name, "" = unmetered
	Service string // target backend service, "" = handled by the gateway itself
	Rewrite Rewrite

	DevOnly bool // registered only in development mode
}

// Allows reports whether the rule applies to the given HTTP method.
func (r *Rule) Allows(method string) bool {
	if r.Methods == nil {
		return true
	}
	return r.Methods[strings.ToUpper(method)]
}

// Local reports whether the rule is answered by the gateway itself rather
// than forwarded to a backend.
func (r *Rule) Local() bool {
	return r.Service == ""
}

// methodSuperset reports whether r's method set includes all of other's.
func (r *Rule) methodSuperset(other *Rule) bool {
	if r.Methods == nil {
		return true
	}
	if other.Methods == nil {
		return false
	}
	for m := range other.Methods {
		if !r.Methods[m] {
			return false
		}
	}
	return true
}

// stripPathPrefix removes a path prefix segment-wise, returning "/" when
// nothing remains.
func stripPathPrefix(prefix, path string) string {
	prefixParts := splitPath(prefix)
	pathParts := splitPath(path)

	if len(pathParts) <= len(prefixParts) {
		return "/"
	}
	return "/" + strings.Join(pathParts[len(prefixParts):], "/")
}

// singleJoinSlash joins two URL path segments with exactly one slash.
func singleJoinSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}
