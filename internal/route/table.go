package route

import (
	"fmt"
	"strings"

	"github.com/arcline/gateway/internal/authz"
)

// Match is the result of a successful table lookup.
type Match struct {
	Rule       *Rule
	PathParams map[string]string
}

// Table holds the ordered rule set. It is built once at startup, frozen, and
// safely shared across concurrent dispatches without locking.
type Table struct {
	rules []*Rule
}

// Rules returns the ordered rule list. Ordering is part of the table's
// contract: rules are evaluated front to back and the first match wins.
func (t *Table) Rules() []*Rule {
	return t.rules
}

// Match walks the rules in registration order and returns the first rule
// whose pattern and method set satisfy the request. path must be a
// normalized absolute path with no query string.
func (t *Table) Match(method, path string) (*Match, bool) {
	for _, r := range t.rules {
		if !r.Allows(method) {
			continue
		}
		params, ok := r.Pattern.Match(path)
		if !ok {
			continue
		}
		return &Match{Rule: r, PathParams: params}, true
	}
	return nil, false
}

// CheckOrder verifies that no rule is shadowed by an earlier one: for any
// pair where an earlier rule's pattern covers a later rule's pattern and its
// method set includes the later rule's, the later rule can never match. A
// violation means traffic intended for the specific rule is silently
// swallowed by the general one.
func (t *Table) CheckOrder() error {
	for i, general := range t.rules {
		for _, specific := range t.rules[i+1:] {
			if general.methodSuperset(specific) && general.Pattern.Covers(specific.Pattern) {
				return fmt.Errorf("rule %q (%s) is shadowed by earlier rule %q (%s)",
					specific.Name, specific.Pattern, general.Name, general.Pattern)
			}
		}
	}
	return nil
}

// PolicyNames returns the set of rate-limit policy names the table
// references, including resolver fallback policies.
func (t *Table) PolicyNames() map[string]bool {
	names := make(map[string]bool)
	for _, r := range t.rules {
		if r.Policy != "" {
			names[r.Policy] = true
		}
		if r.Resolver != nil {
			if p := r.Resolver.FallbackPolicy(); p != "" {
				names[p] = true
			}
		}
	}
	return names
}

// Builder accumulates rules in registration order and freezes them into a
// Table. Registration order encodes precedence; there is no independent
// specificity scoring.
type Builder struct {
	rules []*Rule
	err   error
}

// NewBuilder creates an empty table builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// Add registers a rule. Template errors are deferred to Build so route
// tables can be declared as a flat sequence of calls.
func (b *Builder) Add(rule Rule) *Builder {
	if b.err != nil {
		return b
	}
	if rule.Pattern.raw == "" {
		b.err = fmt.Errorf("rule %q: pattern is required", rule.Name)
		return b
	}
	if rule.Name == "" {
		b.err = fmt.Errorf("rule for %s: name is required", rule.Pattern)
		return b
	}
	r := rule
	b.rules = append(b.rules, &r)
	return b
}

// Handle registers a single-method rule.
func (b *Builder) Handle(method, template, name string, opts ...Option) *Builder {
	return b.add(template, name, methodSet(method), opts...)
}

// Mount registers an all-methods rule, typically a prefix mount.
func (b *Builder) Mount(template, name string, opts ...Option) *Builder {
	return b.add(template, name, nil, opts...)
}

func (b *Builder) add(template, name string, methods map[string]bool, opts ...Option) *Builder {
	if b.err != nil {
		return b
	}
	p, err := Compile(template)
	if err != nil {
		b.err = err
		return b
	}
	r := &Rule{Name: name, Pattern: p, Methods: methods}
	for _, opt := range opts {
		opt(r)
	}
	b.rules = append(b.rules, r)
	return b
}

// Build freezes the accumulated rules into an immutable Table.
func (b *Builder) Build() (*Table, error) {
	if b.err != nil {
		return nil, b.err
	}
	rules := make([]*Rule, len(b.rules))
	copy(rules, b.rules)
	return &Table{rules: rules}, nil
}

// Option mutates a rule during registration.
type Option func(*Rule)

// Require sets a fixed authorization requirement.
func Require(req authz.Requirement) Option {
	return func(r *Rule) { r.Requirement = req }
}

// Resolve attaches a data-dependent authorization resolver.
func Resolve(res authz.Resolver) Option {
	return func(r *Rule) { r.Resolver = res }
}

// Limit sets the rate-limit policy name.
func Limit(policy string) Option {
	return func(r *Rule) { r.Policy = policy }
}

// Target sets the backend service and the rewrite applied before forwarding.
func Target(service string, rw Rewrite) Option {
	return func(r *Rule) {
		r.Service = service
		r.Rewrite = rw
	}
}

// DevOnly marks the rule as development-mode only.
func DevOnly() Option {
	return func(r *Rule) { r.DevOnly = true }
}

func methodSet(methods ...string) map[string]bool {
	set := make(map[string]bool, len(methods))
	for _, m := range methods {
		set[strings.ToUpper(m)] = true
	}
	return set
}
