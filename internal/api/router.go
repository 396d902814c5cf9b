package api

import (
	"context"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"sync"

	"printhub/internal/errors"
)

// routeParamsKey is the context key for captures made by the route table.
type routeParamsKey struct{}

// RouteParams carries the regex captures of the matched route rule.
type RouteParams struct {
	// Pattern is the rule's registered pattern.
	Pattern string
	// Captures are the positional submatches, in order.
	Captures []string
	// Named maps named capture groups to their values.
	Named map[string]string
}

// WithRouteParams stores route params in ctx.
func WithRouteParams(ctx context.Context, rp *RouteParams) context.Context {
	return context.WithValue(ctx, routeParamsKey{}, rp)
}

// RouteParamsFrom extracts route params from ctx. Never returns nil.
func RouteParamsFrom(ctx context.Context) *RouteParams {
	if rp, ok := ctx.Value(routeParamsKey{}).(*RouteParams); ok {
		return rp
	}
	return &RouteParams{}
}

// rule is one entry of the route table.
type rule struct {
	pattern string
	re      *regexp.Regexp
	target  http.Handler
}

// MutableRouter is an ordered table of anchored regex routes that can be
// changed while serving. Rules are matched in registration order and the
// first match wins; re-registering a pattern replaces its rule in place of
// the table's tail.
type MutableRouter struct {
	mu            sync.RWMutex
	logger        *slog.Logger
	rules         []*rule
	patternToRule map[string]*rule
	notFound      http.Handler
}

// NewMutableRouter creates an empty route table.
func NewMutableRouter(logger *slog.Logger) *MutableRouter {
	return &MutableRouter{
		logger:        logger,
		patternToRule: make(map[string]*rule),
		notFound: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			errors.WriteError(w, r, errors.ErrNotFound, false)
		}),
	}
}

// SetNotFoundHandler replaces the handler invoked when no rule matches.
func (m *MutableRouter) SetNotFoundHandler(h http.Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notFound = h
}

// HasRule reports whether pattern is currently registered.
func (m *MutableRouter) HasRule(pattern string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.patternToRule[pattern]
	return ok
}

// AddHandler registers target under pattern, replacing any existing rule
// for the same pattern. Patterns are anchored at both ends before
// compilation.
func (m *MutableRouter) AddHandler(pattern string, target http.Handler) error {
	re, err := compilePattern(pattern)
	if err != nil {
		return errors.Errorf(http.StatusInternalServerError, "invalid route pattern %q: %v", pattern, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.patternToRule[pattern]; ok {
		m.removeLocked(pattern)
	}
	nr := &rule{pattern: pattern, re: re, target: target}
	m.patternToRule[pattern] = nr
	m.rules = append(m.rules, nr)
	return nil
}

// RemoveHandler removes the rule registered under pattern, if any.
func (m *MutableRouter) RemoveHandler(pattern string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(pattern)
}

// removeLocked pops the pattern index first so the index never retains a
// stale rule even if the list scan fails to find it. The rule slice is
// rebuilt rather than shifted: in-flight requests iterate a snapshot.
func (m *MutableRouter) removeLocked(pattern string) {
	r, ok := m.patternToRule[pattern]
	if !ok {
		return
	}
	delete(m.patternToRule, pattern)
	for i, existing := range m.rules {
		if existing == r {
			rules := make([]*rule, 0, len(m.rules)-1)
			rules = append(rules, m.rules[:i]...)
			rules = append(rules, m.rules[i+1:]...)
			m.rules = rules
			return
		}
	}
	m.logger.Error("unable to remove route rule from table", "pattern", pattern)
}

// ServeHTTP dispatches to the first rule matching the request path. The
// rule's captures are placed in the request context.
func (m *MutableRouter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m.mu.RLock()
	rules := m.rules
	notFound := m.notFound
	m.mu.RUnlock()

	for _, rule := range rules {
		match := rule.re.FindStringSubmatch(r.URL.Path)
		if match == nil {
			continue
		}
		rp := &RouteParams{
			Pattern:  rule.pattern,
			Captures: match[1:],
			Named:    make(map[string]string),
		}
		for i, name := range rule.re.SubexpNames() {
			if i > 0 && name != "" && i < len(match) {
				rp.Named[name] = match[i]
			}
		}
		rule.target.ServeHTTP(w, r.WithContext(WithRouteParams(r.Context(), rp)))
		return
	}

	notFound.ServeHTTP(w, r)
}

// compilePattern anchors pattern at both ends. A trailing "$" supplied by
// the caller is preserved rather than doubled.
func compilePattern(pattern string) (*regexp.Regexp, error) {
	p := pattern
	if !strings.HasSuffix(p, "$") {
		p += "$"
	}
	return regexp.Compile("^" + p)
}
