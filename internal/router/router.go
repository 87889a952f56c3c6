// Package router matches requests against one generation of routes. A
// Router is filled once while a generation is built and is read-only
// afterwards.
package router

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/julienschmidt/httprouter"
)

// Route is one routable entry.
type Route struct {
	ID      string
	Paths   []string // "/a/{id}", "/a/**", "/a/*/b"
	Match   MatchSpec
	Order   int
	Handler http.Handler
	// Value carries the owner's route object.
	Value any

	matcher *CompiledMatcher
	idx     int // insertion order for tie-breaking
}

// Specificity returns the route's predicate specificity score.
func (route *Route) Specificity() int {
	if route.matcher == nil {
		return 0
	}
	return route.matcher.Specificity()
}

// Match represents a route match result
type Match struct {
	Route      *Route
	PathParams map[string]string
}

// before reports whether a should be tried before b.
func before(a, b *Route) bool {
	if a.Order != b.Order {
		return a.Order < b.Order
	}
	sa, sb := a.Specificity(), b.Specificity()
	if sa != sb {
		return sa > sb
	}
	return a.idx < b.idx
}

// RouteGroup holds an ordered slice of candidate routes sharing a path pattern.
type RouteGroup struct {
	routes []*Route
}

// ServeHTTP is called by httprouter for a matched path. It stores the first
// matching candidate in the capture writer.
func (rg *RouteGroup) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cw, ok := w.(*captureWriter)
	if !ok {
		return
	}
	route := rg.first(r)
	if route == nil {
		return
	}
	params := httprouter.ParamsFromContext(r.Context())
	pathParams := make(map[string]string, len(params))
	for _, p := range params {
		pathParams[p.Key] = p.Value
	}
	cw.match = &Match{Route: route, PathParams: pathParams}
}

func (rg *RouteGroup) first(r *http.Request) *Route {
	for _, route := range rg.routes {
		if route.matcher.Matches(r) {
			return route
		}
	}
	return nil
}

func (rg *RouteGroup) addRoute(route *Route) {
	rg.routes = append(rg.routes, route)
	sort.SliceStable(rg.routes, func(i, j int) bool { return before(rg.routes[i], rg.routes[j]) })
}

func (rg *RouteGroup) removeRoute(route *Route) {
	for i, r := range rg.routes {
		if r == route {
			rg.routes = append(rg.routes[:i], rg.routes[i+1:]...)
			return
		}
	}
}

// captureWriter is a no-op ResponseWriter used to extract the match result
// from httprouter dispatch without writing any actual HTTP response.
type captureWriter struct {
	match  *Match
	header http.Header
}

func newCaptureWriter() *captureWriter {
	return &captureWriter{header: make(http.Header)}
}

func (cw *captureWriter) Header() http.Header       { return cw.header }
func (cw *captureWriter) Write([]byte) (int, error) { return 0, nil }
func (cw *captureWriter) WriteHeader(int)           {}

// prefixRoute holds a "/base/**" pattern with its compiled segments.
type prefixRoute struct {
	segments []string
	group    *RouteGroup
}

// globRoute holds a pattern matched with doublestar.
type globRoute struct {
	pattern string
	route   *Route
}

// Router handles path-based routing in three tiers: httprouter for exact and
// parameterized paths, segment prefixes for "/**" patterns, and doublestar
// for other glob patterns. When several tiers match, the route with the
// lowest Order wins; on a tie the earlier tier wins.
type Router struct {
	tree         *httprouter.Router
	groups       map[string]*RouteGroup // normalized path → group (exact routes only)
	prefixGroups []*prefixRoute
	prefixByPath map[string]*RouteGroup
	globs        []globRoute
	allRoutes    []*Route
	mu           sync.RWMutex
	nextIdx      int
}

// standardMethods lists HTTP methods registered with httprouter for each path.
var standardMethods = []string{"GET", "POST", "PUT", "DELETE", "PATCH", "HEAD", "OPTIONS"}

// New creates an empty router.
func New() *Router {
	return &Router{
		tree:         newTree(),
		groups:       make(map[string]*RouteGroup),
		prefixByPath: make(map[string]*RouteGroup),
	}
}

func newTree() *httprouter.Router {
	tree := httprouter.New()
	tree.HandleMethodNotAllowed = false
	tree.RedirectTrailingSlash = false
	tree.RedirectFixedPath = false
	return tree
}

type pathKind int

const (
	kindExact pathKind = iota
	kindPrefix
	kindGlob
)

// classify normalizes a path pattern.
func classify(p string) (pathKind, string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return 0, "", fmt.Errorf("empty path pattern")
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if base, ok := strings.CutSuffix(p, "/**"); ok && !hasGlobMeta(base) {
		return kindPrefix, replaceParams(base), nil
	}
	if hasGlobMeta(p) {
		if !doublestar.ValidatePattern(p) {
			return 0, "", fmt.Errorf("invalid glob pattern %q", p)
		}
		return kindGlob, p, nil
	}
	return kindExact, replaceParams(p), nil
}

// hasGlobMeta reports glob metacharacters. "{name}" is a path parameter,
// "{a,b}" is a glob alternation.
func hasGlobMeta(p string) bool {
	if strings.ContainsAny(p, "*?[") {
		return true
	}
	for i := 0; i < len(p); i++ {
		if p[i] != '{' {
			continue
		}
		j := strings.IndexByte(p[i:], '}')
		if j == -1 {
			return false
		}
		if strings.ContainsRune(p[i:i+j], ',') {
			return true
		}
		i += j
	}
	return false
}

// AddRoute adds a route under all of its paths. On error nothing of the
// route is registered.
func (rt *Router) AddRoute(route *Route) (err error) {
	if route == nil || route.ID == "" {
		return fmt.Errorf("route id is required")
	}
	if len(route.Paths) == 0 {
		return fmt.Errorf("route %s: no path predicate", route.ID)
	}
	if route.Handler == nil {
		return fmt.Errorf("route %s: no handler", route.ID)
	}
	m, err := NewCompiledMatcher(route.Match)
	if err != nil {
		return fmt.Errorf("route %s: %w", route.ID, err)
	}

	type classified struct {
		kind pathKind
		path string
	}
	paths := make([]classified, 0, len(route.Paths))
	for _, p := range route.Paths {
		kind, norm, err := classify(p)
		if err != nil {
			return fmt.Errorf("route %s: %w", route.ID, err)
		}
		paths = append(paths, classified{kind, norm})
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	route.matcher = m
	route.idx = rt.nextIdx
	rt.nextIdx++

	var created []string
	defer func() {
		if r := recover(); r != nil {
			rt.rollbackExact(route, created)
			err = fmt.Errorf("route %s: conflicting path: %v", route.ID, r)
		}
	}()

	for _, p := range paths {
		if p.kind == kindExact {
			if rt.addExactRoute(route, p.path) {
				created = append(created, p.path)
			}
		}
	}
	for _, p := range paths {
		switch p.kind {
		case kindPrefix:
			rt.addPrefixRoute(route, p.path)
		case kindGlob:
			rt.globs = append(rt.globs, globRoute{pattern: p.path, route: route})
			sort.SliceStable(rt.globs, func(i, j int) bool { return before(rt.globs[i].route, rt.globs[j].route) })
		}
	}

	rt.allRoutes = append(rt.allRoutes, route)
	return nil
}

// addExactRoute registers an exact path. It reports whether a new path was
// added to the tree.
func (rt *Router) addExactRoute(route *Route, normalized string) bool {
	group, exists := rt.groups[normalized]
	if !exists {
		group = &RouteGroup{}
		for _, method := range standardMethods {
			rt.tree.Handler(method, normalized, group)
		}
		rt.groups[normalized] = group
	}
	group.addRoute(route)
	return !exists
}

// rollbackExact undoes a partially registered route. httprouter cannot
// remove paths, so the tree is rebuilt from the remaining groups.
func (rt *Router) rollbackExact(route *Route, created []string) {
	for _, p := range created {
		delete(rt.groups, p)
	}
	for _, g := range rt.groups {
		g.removeRoute(route)
	}
	rt.tree = newTree()
	for p, g := range rt.groups {
		for _, method := range standardMethods {
			rt.tree.Handler(method, p, g)
		}
	}
}

func (rt *Router) addPrefixRoute(route *Route, normalized string) {
	prefixGroup, exists := rt.prefixByPath[normalized]
	if !exists {
		prefixGroup = &RouteGroup{}
		rt.prefixByPath[normalized] = prefixGroup
		rt.prefixGroups = append(rt.prefixGroups, &prefixRoute{
			segments: splitPath(normalized),
			group:    prefixGroup,
		})
		// longer prefixes first
		sort.SliceStable(rt.prefixGroups, func(i, j int) bool {
			return len(rt.prefixGroups[i].segments) > len(rt.prefixGroups[j].segments)
		})
	}
	prefixGroup.addRoute(route)
}

// Match finds the route for the request, or nil.
func (rt *Router) Match(r *http.Request) *Match {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	var best *Match

	cw := newCaptureWriter()
	rt.tree.ServeHTTP(cw, r)
	if cw.match != nil {
		best = cw.match
	}

	reqSegments := splitPath(r.URL.Path)
	for _, pr := range rt.prefixGroups {
		if !pathHasPrefix(reqSegments, pr.segments) {
			continue
		}
		if route := pr.group.first(r); route != nil {
			if best == nil || route.Order < best.Route.Order {
				best = &Match{Route: route, PathParams: map[string]string{}}
			}
			break
		}
	}

	for _, g := range rt.globs {
		if best != nil && g.route.Order >= best.Route.Order {
			break
		}
		if ok, _ := doublestar.Match(g.pattern, r.URL.Path); ok && g.route.matcher.Matches(r) {
			best = &Match{Route: g.route, PathParams: map[string]string{}}
			break
		}
	}

	return best
}

// Routes returns all routes in insertion order.
func (rt *Router) Routes() []*Route {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	out := make([]*Route, len(rt.allRoutes))
	copy(out, rt.allRoutes)
	return out
}

// Len returns the number of routes.
func (rt *Router) Len() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return len(rt.allRoutes)
}

// splitPath splits a URL path into non-empty segments.
func splitPath(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

// pathHasPrefix checks if reqSegments starts with prefixSegments.
func pathHasPrefix(reqSegments, prefixSegments []string) bool {
	if len(reqSegments) < len(prefixSegments) {
		return false
	}
	for i, seg := range prefixSegments {
		// Skip param segments (start with ':')
		if strings.HasPrefix(seg, ":") {
			continue
		}
		if reqSegments[i] != seg {
			return false
		}
	}
	return true
}

// replaceParams converts {name} path parameters to :name httprouter syntax.
func replaceParams(path string) string {
	var result strings.Builder
	i := 0
	for i < len(path) {
		if path[i] == '{' {
			j := strings.IndexByte(path[i:], '}')
			if j == -1 {
				result.WriteByte(path[i])
				i++
				continue
			}
			paramName := path[i+1 : i+j]
			result.WriteByte(':')
			result.WriteString(paramName)
			i += j + 1
		} else {
			result.WriteByte(path[i])
			i++
		}
	}
	return result.String()
}
