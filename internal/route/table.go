package route

import (
	"context"
	"net/http"
	"time"

	"github.com/wudi/ignite/internal/filter"
	"github.com/wudi/ignite/internal/router"
)

// Route is a built route: a definition with its resolved filter chain.
type Route struct {
	ID         string
	Definition Definition
	Info       filter.RouteInfo
	Filters    []filter.Filter
	Paths      []string
	Methods    []string

	handler http.Handler
}

// View is the admin representation of a route.
type View struct {
	ID       string         `json:"id"`
	URI      string         `json:"uri"`
	Order    int            `json:"order"`
	Paths    []string       `json:"paths"`
	Methods  []string       `json:"methods,omitempty"`
	Filters  []FilterView   `json:"filters"`
	Metadata map[string]any `json:"metadata,omitempty"`
	CacheKey string         `json:"cacheKey,omitempty"`
	APIDocs  bool           `json:"apiDocs,omitempty"`
}

// FilterView is one filter of a route as the admin API shows it.
type FilterView struct {
	Name  string `json:"name"`
	Order int    `json:"order"`
}

// View returns the admin representation.
func (r *Route) View() View {
	v := View{
		ID:       r.ID,
		URI:      r.Definition.URI,
		Order:    r.Definition.Order,
		Paths:    r.Paths,
		Methods:  r.Methods,
		Metadata: r.Definition.Metadata,
		CacheKey: r.Definition.CacheKey,
		APIDocs:  r.Definition.APIDocs,
		Filters:  make([]FilterView, 0, len(r.Filters)),
	}
	for _, f := range r.Filters {
		v.Filters = append(v.Filters, FilterView{Name: f.Name, Order: f.Order})
	}
	return v
}

// Table is one immutable route generation.
type Table struct {
	Generation uint64
	BuiltAt    time.Time
	// Fallback is set on the placeholder table installed when the first
	// build failed.
	Fallback bool

	router *router.Router
	routes []*Route
	byID   map[string]*Route
	docs   []DocEntry
}

func newTable(gen uint64) *Table {
	return &Table{
		Generation: gen,
		BuiltAt:    time.Now(),
		router:     router.New(),
		byID:       make(map[string]*Route),
	}
}

// add registers rt under its paths. The table is not modified on error.
func (t *Table) add(rt *Route, spec router.MatchSpec, order int) error {
	err := t.router.AddRoute(&router.Route{
		ID:      rt.ID,
		Paths:   rt.Paths,
		Match:   spec,
		Order:   order,
		Handler: rt.handler,
		Value:   rt,
	})
	if err != nil {
		return err
	}
	t.routes = append(t.routes, rt)
	t.byID[rt.ID] = rt
	return nil
}

// Match returns the route for r and its path parameters.
func (t *Table) Match(r *http.Request) (*Route, map[string]string) {
	m := t.router.Match(r)
	if m == nil {
		return nil, nil
	}
	return m.Route.Value.(*Route), m.PathParams
}

// Routes returns the routes in build order.
func (t *Table) Routes() []*Route {
	return append([]*Route(nil), t.routes...)
}

// Get returns a route by id.
func (t *Table) Get(id string) (*Route, bool) {
	r, ok := t.byID[id]
	return r, ok
}

// Len returns the number of routes.
func (t *Table) Len() int { return len(t.routes) }

type paramsKey struct{}

// PathParams returns the path parameters of the matched route.
func PathParams(ctx context.Context) map[string]string {
	p, _ := ctx.Value(paramsKey{}).(map[string]string)
	return p
}
