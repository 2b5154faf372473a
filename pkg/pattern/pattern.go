// Package pattern compiles blocklist rules into an immutable matcher.
// Rules come in three kinds:
//   - Exact: example.com
//   - Wildcard: *.example.com (matches example.com and every subdomain)
//   - Regex: re:^track (case-insensitive, unanchored search)
package pattern

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Rule prefixes recognised in blocklist source lines.
const (
	WildcardPrefix = "*."
	RegexPrefix    = "re:"
	CommentPrefix  = "#"
)

// ErrInvalidPattern is returned for a rule line that cannot be compiled.
// Loaders treat it as a warning and skip the line.
var ErrInvalidPattern = errors.New("invalid pattern")

// Kind is the match class of a rule.
type Kind int

const (
	// KindExact matches one normalised name
	KindExact Kind = iota
	// KindWildcard matches a suffix and all names below it
	KindWildcard
	// KindRegex matches names where the expression finds a substring
	KindRegex
)

// String returns a human-readable name for the kind.
func (k Kind) String() string {
	switch k {
	case KindExact:
		return "exact"
	case KindWildcard:
		return "wildcard"
	case KindRegex:
		return "regex"
	default:
		return "unknown"
	}
}

// Rule is one compiled blocklist entry.
type Rule struct {
	Kind  Kind
	Value string         // normalised domain or suffix; regex source for KindRegex
	re    *regexp.Regexp // only for KindRegex
}

// String returns a string representation of the rule.
func (r Rule) String() string {
	return fmt.Sprintf("%s(%s)", r.Kind, r.Value)
}

// Normalize lowercases a domain name and strips surrounding whitespace and the
// trailing root dot. Exact and wildcard rules compare normalised names.
func Normalize(name string) string {
	name = strings.TrimSpace(name)
	name = strings.TrimSuffix(name, ".")
	return strings.ToLower(name)
}

// ParseRule parses one source line. ok is false for blank and comment lines.
// A regex that fails to compile yields an error wrapping ErrInvalidPattern.
func ParseRule(line string) (rule Rule, ok bool, err error) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, CommentPrefix) {
		return Rule{}, false, nil
	}

	switch {
	case strings.HasPrefix(line, WildcardPrefix):
		suffix := Normalize(line[len(WildcardPrefix):])
		if suffix == "" {
			return Rule{}, false, fmt.Errorf("%w: empty wildcard suffix in %q", ErrInvalidPattern, line)
		}
		return Rule{Kind: KindWildcard, Value: suffix}, true, nil

	case strings.HasPrefix(line, RegexPrefix):
		expr := line[len(RegexPrefix):]
		if expr == "" {
			return Rule{}, false, fmt.Errorf("%w: empty regex in %q", ErrInvalidPattern, line)
		}
		re, cerr := regexp.Compile("(?i)" + expr)
		if cerr != nil {
			return Rule{}, false, fmt.Errorf("%w: %q: %v", ErrInvalidPattern, expr, cerr)
		}
		return Rule{Kind: KindRegex, Value: expr, re: re}, true, nil

	default:
		return Rule{Kind: KindExact, Value: Normalize(line)}, true, nil
	}
}

// Stats counts rules per kind in a matcher.
type Stats struct {
	Exact    int `json:"exact"`
	Wildcard int `json:"wildcard"`
	Regex    int `json:"regex"`
	Total    int `json:"total"`
}

// Matcher is an immutable compiled rule set. It is safe for concurrent use
// because nothing mutates it after Build returns.
//   - Exact and wildcard lookups are map hits
//   - Wildcards walk the labels of the queried name, not the rule list
//   - Regexes are tried last, in source order
type Matcher struct {
	exact    map[string]struct{}
	wildcard map[string]struct{}
	regex    []Rule
}

// Empty returns a matcher that blocks nothing.
func Empty() *Matcher {
	return &Matcher{
		exact:    map[string]struct{}{},
		wildcard: map[string]struct{}{},
	}
}

// Builder accumulates rules for a single Matcher.
type Builder struct {
	m     *Matcher
	built bool
}

// NewBuilder returns a builder for a new matcher.
func NewBuilder() *Builder {
	return &Builder{m: Empty()}
}

// Add appends a parsed rule. Duplicate exact and wildcard rules collapse.
func (b *Builder) Add(r Rule) {
	if b.built {
		panic("pattern: Add called after Build")
	}
	switch r.Kind {
	case KindExact:
		b.m.exact[r.Value] = struct{}{}
	case KindWildcard:
		b.m.wildcard[r.Value] = struct{}{}
	case KindRegex:
		b.m.regex = append(b.m.regex, r)
	}
}

// Build freezes the accumulated rules. The builder must not be reused.
func (b *Builder) Build() *Matcher {
	b.built = true
	return b.m
}

// NewMatcher compiles a list of rule lines. Unlike the blocklist loader it
// stops at the first invalid line; it is meant for rule sets written in code.
func NewMatcher(lines []string) (*Matcher, error) {
	b := NewBuilder()
	for _, line := range lines {
		r, ok, err := ParseRule(line)
		if err != nil {
			return nil, err
		}
		if ok {
			b.Add(r)
		}
	}
	return b.Build(), nil
}

// Matches reports whether the name is blocked by any rule.
func (m *Matcher) Matches(name string) bool {
	_, ok := m.Match(name)
	return ok
}

// Match returns the first rule that blocks the name.
func (m *Matcher) Match(name string) (Rule, bool) {
	d := Normalize(name)
	if d == "" {
		return Rule{}, false
	}

	if _, ok := m.exact[d]; ok {
		return Rule{Kind: KindExact, Value: d}, true
	}

	if len(m.wildcard) > 0 {
		for s := d; ; {
			if _, ok := m.wildcard[s]; ok {
				return Rule{Kind: KindWildcard, Value: s}, true
			}
			i := strings.IndexByte(s, '.')
			if i < 0 {
				break
			}
			s = s[i+1:]
		}
	}

	// Regexes see the queried name as received, trailing dot included
	raw := strings.ToLower(strings.TrimSpace(name))
	for _, r := range m.regex {
		if r.re.MatchString(raw) {
			return r, true
		}
	}

	return Rule{}, false
}

// Stats returns per-kind rule counts.
func (m *Matcher) Stats() Stats {
	s := Stats{
		Exact:    len(m.exact),
		Wildcard: len(m.wildcard),
		Regex:    len(m.regex),
	}
	s.Total = s.Exact + s.Wildcard + s.Regex
	return s
}

// Len returns the number of distinct rules.
func (m *Matcher) Len() int {
	return m.Stats().Total
}
