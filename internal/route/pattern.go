package route

import (
	"fmt"
	"strings"
)

// segKind classifies one compiled pattern segment.
type segKind int

const (
	segLiteral  segKind = iota
	segParam            // :name — any non-empty run without '/'
	segOptional         // :name? — like segParam but may be absent; last segment only
	segWildcard         // * — the rest of the path, including nested segments; last only
)

type segment struct {
	kind segKind
	text string // literal text or param name
}

// Pattern is a compiled path template. Templates consist of literal segments,
// named segments (":jobId"), an optional trailing named segment (":attempt?")
// and a trailing "*" wildcard that also matches the bare prefix.
type Pattern struct {
	raw      string
	segments []segment
}

// Compile parses a path template. The template must be absolute.
func Compile(template string) (Pattern, error) {
	if !strings.HasPrefix(template, "/") {
		return Pattern{}, fmt.Errorf("pattern %q: must start with /", template)
	}

	p := Pattern{raw: template}
	parts := splitPath(template)
	for i, part := range parts {
		last := i == len(parts)-1
		switch {
		case part == "*":
			if !last {
				return Pattern{}, fmt.Errorf("pattern %q: wildcard must be the final segment", template)
			}
			p.segments = append(p.segments, segment{kind: segWildcard})
		case strings.HasPrefix(part, ":"):
			name := strings.TrimPrefix(part, ":")
			if strings.HasSuffix(name, "?") {
				if !last {
					return Pattern{}, fmt.Errorf("pattern %q: optional segment must be the final segment", template)
				}
				name = strings.TrimSuffix(name, "?")
				if name == "" {
					return Pattern{}, fmt.Errorf("pattern %q: optional segment needs a name", template)
				}
				p.segments = append(p.segments, segment{kind: segOptional, text: name})
				continue
			}
			if name == "" {
				return Pattern{}, fmt.Errorf("pattern %q: named segment needs a name", template)
			}
			p.segments = append(p.segments, segment{kind: segParam, text: name})
		case part == "":
			return Pattern{}, fmt.Errorf("pattern %q: empty segment", template)
		default:
			p.segments = append(p.segments, segment{kind: segLiteral, text: part})
		}
	}
	return p, nil
}

// MustCompile is Compile that panics on error; for static registration tables.
func MustCompile(template string) Pattern {
	p, err := Compile(template)
	if err != nil {
		panic(err)
	}
	return p
}

// String returns the original template.
func (p Pattern) String() string { return p.raw }

// Match tests a normalized absolute path (no query string) against the
// pattern and extracts named-segment values. Query strings never participate
// in path matching.
func (p Pattern) Match(path string) (map[string]string, bool) {
	parts := splitPath(path)
	var params map[string]string

	i := 0
	for _, seg := range p.segments {
		switch seg.kind {
		case segWildcard:
			// Matches the bare prefix and any remaining suffix.
			return params, true
		case segOptional:
			if i >= len(parts) {
				return params, true
			}
			if params == nil {
				params = make(map[string]string, 2)
			}
			params[seg.text] = parts[i]
			i++
		case segParam:
			if i >= len(parts) || parts[i] == "" {
				return nil, false
			}
			if params == nil {
				params = make(map[string]string, 2)
			}
			params[seg.text] = parts[i]
			i++
		case segLiteral:
			if i >= len(parts) || parts[i] != seg.text {
				return nil, false
			}
			i++
		}
	}

	if i != len(parts) {
		return nil, false
	}
	return params, true
}

// Covers reports whether every path matched by other is also matched by p.
// Used to detect ordering violations where a general rule would shadow a
// more specific one registered after it.
func (p Pattern) Covers(other Pattern) bool {
	for _, ov := range other.variants() {
		covered := false
		for _, pv := range p.variants() {
			if variantCovers(pv, ov) {
				covered = true
				break
			}
		}
		if !covered {
			return false
		}
	}
	return true
}

// variants expands an optional trailing segment into its two concrete forms.
func (p Pattern) variants() [][]segment {
	n := len(p.segments)
	if n > 0 && p.segments[n-1].kind == segOptional {
		with := make([]segment, n)
		copy(with, p.segments)
		with[n-1].kind = segParam
		return [][]segment{p.segments[:n-1], with}
	}
	return [][]segment{p.segments}
}

// variantCovers reports whether variant a matches every path variant b does.
// Neither variant contains optional segments.
func variantCovers(a, b []segment) bool {
	i := 0
	for ; i < len(a); i++ {
		if a[i].kind == segWildcard {
			// a absorbs whatever b still requires.
			return true
		}
		if i >= len(b) {
			return false
		}
		switch b[i].kind {
		case segWildcard:
			// b matches arbitrary suffixes; a (non-wildcard here) cannot.
			return false
		case segParam:
			if a[i].kind != segParam {
				return false
			}
		case segLiteral:
			if a[i].kind == segLiteral && a[i].text != b[i].text {
				return false
			}
		}
	}
	return i == len(b)
}

// splitPath splits a URL path into non-empty segments.
func splitPath(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}
