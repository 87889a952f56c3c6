package clientaccess

import (
	"net/http"
	"strings"

	"github.com/wudi/ignite/internal/auth"
	gwerrors "github.com/wudi/ignite/internal/errors"
	"github.com/wudi/ignite/internal/filter"
	"github.com/wudi/ignite/internal/logging"
	"github.com/wudi/ignite/internal/metrics"
	"github.com/wudi/ignite/internal/middleware"
	"go.uber.org/zap"
)

// FilterName is the registered name of the access control filter.
const FilterName = "ClientAccessFilter"

// DefaultClientIDHeader carries the calling client's id.
const DefaultClientIDHeader = "X-Client-ID"

// DefaultClientIDClaim is the token claim holding the client id.
const DefaultClientIDClaim = "client_id"

// Checker decides whether a client may call a service route. *Store
// implements it.
type Checker interface {
	IsAllowed(clientID, service, route string) bool
}

// Factory builds ClientAccessFilter instances.
type Factory struct {
	checker Checker
	header  string
	claim   string
}

// NewFactory creates the filter factory. header is the default request
// header holding the client id and claim the default token claim. When a
// verified token is on the request the claim is used and the header is
// ignored.
func NewFactory(checker Checker, header, claim string) *Factory {
	if header == "" {
		header = DefaultClientIDHeader
	}
	if claim == "" {
		claim = DefaultClientIDClaim
	}
	return &Factory{checker: checker, header: header, claim: claim}
}

func (f *Factory) Name() string { return FilterName }

func (f *Factory) Order() int { return filter.OrderClientAccess }

// Create reads the optional route arguments:
//
//	header   request header with the client id
//	claim    token claim with the client id
//	service  service name, overriding the route's
//	route    route name, overriding the route id
func (f *Factory) Create(args filter.Args, route filter.RouteInfo) (filter.Filter, error) {
	header := args.StringOr("header", f.header)
	claim := args.StringOr("claim", f.claim)

	service := args.StringOr("service", route.Service())
	name := args.StringOr("route", route.Meta("route"))
	if name == "" {
		name = route.ID
	}

	checker := f.checker
	mw := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientID := clientIDOf(r, header, claim)
			svc := service
			if svc == "" {
				svc = firstSegment(r.URL.Path)
			}
			if clientID == "" || !checker.IsAllowed(clientID, svc, name) {
				metrics.AuthRejections.WithLabelValues(FilterName, "denied").Inc()
				logging.Info("client access denied",
					zap.String("client_id", clientID),
					zap.String("service", svc),
					zap.String("route", name),
				)
				gwErr := gwerrors.ErrAccessDenied
				if id := middleware.CorrelationID(r); id != "" {
					gwErr = gwErr.WithCorrelationID(id)
				}
				gwErr.WriteJSON(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}

	return filter.Filter{Name: FilterName, Order: filter.OrderClientAccess, Middleware: mw}, nil
}

// clientIDOf prefers the verified token claim over the request header.
func clientIDOf(r *http.Request, header, claim string) string {
	if claims, ok := auth.ClaimsFromContext(r.Context()); ok {
		v, _ := claims[claim].(string)
		return strings.TrimSpace(v)
	}
	return strings.TrimSpace(r.Header.Get(header))
}

func firstSegment(path string) string {
	seg, _, _ := strings.Cut(strings.TrimPrefix(path, "/"), "/")
	return seg
}

var (
	_ filter.Factory = (*Factory)(nil)
	_ filter.Orderer = (*Factory)(nil)
	_ Checker        = (*Store)(nil)
)
