// Package validation provides the request validation filters: JSON schema
// validation of bodies and OpenAPI operation validation.
package validation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/wudi/ignite/internal/errors"
	"github.com/wudi/ignite/internal/filter"
	"github.com/wudi/ignite/internal/logging"
	"github.com/wudi/ignite/internal/metrics"
	"go.uber.org/zap"
)

// SchemaFilterName is the registered name of the JSON schema filter.
const SchemaFilterName = "SchemaValidation"

const defaultMaxBody = 1 << 20

// Validator validates request bodies against a JSON schema.
type Validator struct {
	schema  *jsonschema.Schema
	maxBody int64
}

// CompileSchema compiles a JSON schema document given as JSON text or as
// an already decoded value.
func CompileSchema(doc any) (*jsonschema.Schema, error) {
	if s, ok := doc.(string); ok {
		v, err := jsonschema.UnmarshalJSON(strings.NewReader(s))
		if err != nil {
			return nil, fmt.Errorf("failed to parse JSON schema: %w", err)
		}
		doc = v
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}
	schema, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}
	return schema, nil
}

// Validate reads and validates the request body, restoring it for
// downstream handlers. Non-JSON bodies are not validated.
func (v *Validator) Validate(r *http.Request) error {
	var body []byte
	if r.Body != nil {
		var err error
		body, err = io.ReadAll(io.LimitReader(r.Body, v.maxBody+1))
		r.Body.Close()
		if err != nil {
			return fmt.Errorf("failed to read request body")
		}
		if int64(len(body)) > v.maxBody {
			return fmt.Errorf("request body exceeds %d bytes", v.maxBody)
		}
		// Restore body for downstream handlers
		r.Body = io.NopCloser(bytes.NewReader(body))
	}

	if len(body) == 0 {
		if err := v.schema.Validate(nil); err != nil {
			return fmt.Errorf("validation failed: %s", err.Error())
		}
		return nil
	}

	if !isJSON(r.Header.Get("Content-Type")) {
		return nil
	}

	data, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("invalid JSON body: %s", err.Error())
	}
	if err := v.schema.Validate(data); err != nil {
		return fmt.Errorf("validation failed: %s", err.Error())
	}
	return nil
}

func isJSON(ct string) bool {
	if ct == "" {
		return true
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return false
	}
	return mt == "application/json" || strings.HasSuffix(mt, "+json")
}

// SchemaFactory creates SchemaValidation filters.
type SchemaFactory struct{}

// NewSchemaFactory creates the SchemaValidation factory.
func NewSchemaFactory() *SchemaFactory { return &SchemaFactory{} }

func (f *SchemaFactory) Name() string { return SchemaFilterName }

func (f *SchemaFactory) Order() int { return filter.OrderValidation }

// Create reads the route arguments:
//
//	schema      inline schema (JSON text or object)
//	schemaFile  path of a schema file
//	logOnly     log failures instead of rejecting
//	maxBody     body size limit in bytes
func (f *SchemaFactory) Create(args filter.Args, route filter.RouteInfo) (filter.Filter, error) {
	var doc any
	switch {
	case args.Has("schemaFile"):
		data, err := os.ReadFile(args.String("schemaFile"))
		if err != nil {
			return filter.Filter{}, fmt.Errorf("failed to read schema file: %w", err)
		}
		doc = string(data)
	case args.Has("schema"):
		raw := args["schema"]
		if s, ok := raw.(string); ok {
			doc = s
		} else {
			// normalize YAML/JSON decoded objects to plain JSON values
			b, err := json.Marshal(raw)
			if err != nil {
				return filter.Filter{}, fmt.Errorf("schema: %w", err)
			}
			doc = string(b)
		}
	default:
		return filter.Filter{}, fmt.Errorf("schema or schemaFile is required")
	}

	schema, err := CompileSchema(doc)
	if err != nil {
		return filter.Filter{}, err
	}
	logOnly, err := args.Bool("logOnly", false)
	if err != nil {
		return filter.Filter{}, err
	}
	maxBody, err := args.Int("maxBody", defaultMaxBody)
	if err != nil {
		return filter.Filter{}, err
	}

	v := &Validator{schema: schema, maxBody: int64(maxBody)}
	return filter.Filter{
		Name:       SchemaFilterName,
		Order:      filter.OrderValidation,
		Middleware: rejectMiddleware(route.ID, "schema", logOnly, v.Validate),
	}, nil
}

// rejectMiddleware runs validate before next and answers 400 on failure,
// or only logs the failure when logOnly is set.
func rejectMiddleware(routeID, kind string, logOnly bool, validate func(*http.Request) error) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := validate(r); err != nil {
				metrics.ValidationFailures.WithLabelValues(routeID, kind).Inc()
				if logOnly {
					logging.Warn("Request validation failed",
						zap.String("route", routeID),
						zap.String("kind", kind),
						zap.Error(err),
					)
				} else {
					errors.ErrBadRequest.WithDetails(err.Error()).WriteJSON(w)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
