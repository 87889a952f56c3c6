package validation

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/wudi/ignite/internal/filter"
	"github.com/wudi/ignite/internal/route"
)

// OpenAPIFilterName is the registered name of the OpenAPI filter.
const OpenAPIFilterName = "OpenAPIValidation"

// noopAuthFunc skips authentication validation (gateway handles auth separately).
func noopAuthFunc(ctx context.Context, input *openapi3filter.AuthenticationInput) error {
	return nil
}

// Operation is one OpenAPI operation requests are validated against.
type Operation struct {
	route *routers.Route
}

// FindOperation locates an operation by operationId, or by path and method
// when operationID is empty.
func FindOperation(doc *openapi3.T, operationID, path, method string) (*Operation, error) {
	if doc.Paths == nil {
		return nil, fmt.Errorf("document has no paths")
	}
	for p, item := range doc.Paths.Map() {
		for m, op := range item.Operations() {
			match := op.OperationID == operationID
			if operationID == "" {
				match = p == path && strings.EqualFold(m, method)
			}
			if match {
				return &Operation{route: &routers.Route{
					Spec:      doc,
					Path:      p,
					PathItem:  item,
					Method:    m,
					Operation: op,
				}}, nil
			}
		}
	}
	if operationID != "" {
		return nil, fmt.Errorf("operationId %q not found in spec", operationID)
	}
	return nil, fmt.Errorf("no operation found for %s %s", method, path)
}

// Validate validates r against the operation. Path parameters come from the
// matched gateway route, falling back to aligning the operation's path
// template with the tail of the request path.
func (o *Operation) Validate(r *http.Request) error {
	params := templateParams(o.route.Path, r.URL.Path)
	for k, v := range route.PathParams(r.Context()) {
		params[k] = v
	}
	input := &openapi3filter.RequestValidationInput{
		Request:    r,
		PathParams: params,
		Route:      o.route,
		Options: &openapi3filter.Options{
			AuthenticationFunc: noopAuthFunc,
		},
	}
	return openapi3filter.ValidateRequest(r.Context(), input)
}

// templateParams extracts {name} segments of tmpl from the trailing
// segments of path.
func templateParams(tmpl, path string) map[string]string {
	out := make(map[string]string)
	ts := strings.Split(strings.Trim(tmpl, "/"), "/")
	ps := strings.Split(strings.Trim(path, "/"), "/")
	if len(ps) < len(ts) {
		return out
	}
	ps = ps[len(ps)-len(ts):]
	for i, seg := range ts {
		if strings.HasPrefix(seg, "{") && strings.HasSuffix(seg, "}") {
			out[seg[1:len(seg)-1]] = ps[i]
		}
	}
	return out
}

// OpenAPIFactory creates OpenAPIValidation filters. Documents are loaded
// once per file and shared across route table rebuilds.
type OpenAPIFactory struct {
	mu   sync.Mutex
	docs map[string]*openapi3.T
	load func(string) (*openapi3.T, error)
}

// NewOpenAPIFactory creates the OpenAPIValidation factory.
func NewOpenAPIFactory() *OpenAPIFactory {
	return &OpenAPIFactory{docs: make(map[string]*openapi3.T), load: LoadSpec}
}

func (f *OpenAPIFactory) Name() string { return OpenAPIFilterName }

func (f *OpenAPIFactory) Order() int { return filter.OrderValidation }

// Invalidate forgets loaded documents so the next build rereads them.
func (f *OpenAPIFactory) Invalidate() {
	f.mu.Lock()
	f.docs = make(map[string]*openapi3.T)
	f.mu.Unlock()
}

func (f *OpenAPIFactory) document(file string) (*openapi3.T, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if doc, ok := f.docs[file]; ok {
		return doc, nil
	}
	doc, err := f.load(file)
	if err != nil {
		return nil, err
	}
	f.docs[file] = doc
	return doc, nil
}

// Create reads the route arguments:
//
//	spec         OpenAPI document file
//	operationId  operation to validate against, or
//	path/method  the operation's path template and method
//	logOnly      log failures instead of rejecting
func (f *OpenAPIFactory) Create(args filter.Args, rt filter.RouteInfo) (filter.Filter, error) {
	file := args.String("spec")
	if file == "" {
		return filter.Filter{}, fmt.Errorf("spec is required")
	}
	doc, err := f.document(file)
	if err != nil {
		return filter.Filter{}, err
	}
	opID := args.String("operationId")
	if opID == "" && args.String("path") == "" {
		return filter.Filter{}, fmt.Errorf("operationId or path is required")
	}
	op, err := FindOperation(doc, opID, args.String("path"), args.StringOr("method", http.MethodGet))
	if err != nil {
		return filter.Filter{}, err
	}
	logOnly, err := args.Bool("logOnly", false)
	if err != nil {
		return filter.Filter{}, err
	}
	return filter.Filter{
		Name:       OpenAPIFilterName,
		Order:      filter.OrderValidation,
		Middleware: rejectMiddleware(rt.ID, "openapi", logOnly, op.Validate),
	}, nil
}

// LoadSpec loads and validates an OpenAPI spec from a file.
func LoadSpec(file string) (*openapi3.T, error) {
	ctx := context.Background()
	loader := &openapi3.Loader{Context: ctx, IsExternalRefsAllowed: true}
	doc, err := loader.LoadFromFile(file)
	if err != nil {
		return nil, fmt.Errorf("failed to load OpenAPI spec: %w", err)
	}
	if err := doc.Validate(ctx); err != nil {
		return nil, fmt.Errorf("invalid OpenAPI spec: %w", err)
	}
	return doc, nil
}

// LoadSpecData parses and validates an OpenAPI document held in memory.
func LoadSpecData(data []byte) (*openapi3.T, error) {
	ctx := context.Background()
	loader := &openapi3.Loader{Context: ctx}
	doc, err := loader.LoadFromData(data)
	if err != nil {
		return nil, fmt.Errorf("failed to load OpenAPI spec: %w", err)
	}
	if err := doc.Validate(ctx); err != nil {
		return nil, fmt.Errorf("invalid OpenAPI spec: %w", err)
	}
	return doc, nil
}
