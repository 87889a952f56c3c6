// Package tracing wires OpenTelemetry spans around gateway requests and
// backend calls.
package tracing

import (
	"context"
	"net/http"

	"github.com/wudi/ignite/internal/config"
	"github.com/wudi/ignite/internal/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Tracer provides distributed tracing functionality via OpenTelemetry
type Tracer struct {
	enabled    bool
	provider   *sdktrace.TracerProvider
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
}

// New creates a Tracer exporting over OTLP/gRPC. A disabled config returns
// a no-op tracer.
func New(cfg config.TracingConfig) (*Tracer, error) {
	if !cfg.Enabled {
		return &Tracer{}, nil
	}

	opts := []otlptracegrpc.Option{}
	if cfg.Endpoint != "" {
		opts = append(opts, otlptracegrpc.WithEndpoint(cfg.Endpoint))
	}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())))
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
	}

	exporter, err := otlptracegrpc.New(context.Background(), opts...)
	if err != nil {
		return nil, err
	}
	return NewWithExporter(cfg, exporter)
}

// NewWithExporter creates an enabled Tracer that batches spans to exporter.
func NewWithExporter(cfg config.TracingConfig, exporter sdktrace.SpanExporter) (*Tracer, error) {
	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "ignite-gateway"
	}
	sampleRate := cfg.SampleRate
	if sampleRate <= 0 {
		sampleRate = 1.0
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
		),
	)
	if err != nil {
		return nil, err
	}

	t := &Tracer{enabled: true}
	t.provider = sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRate))),
	)

	otel.SetTracerProvider(t.provider)
	t.propagator = propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	)
	otel.SetTextMapPropagator(t.propagator)

	t.tracer = t.provider.Tracer("ignite")
	return t, nil
}

// IsEnabled returns whether tracing is enabled
func (t *Tracer) IsEnabled() bool {
	return t != nil && t.enabled
}

// Middleware returns a middleware that creates root spans per request
func (t *Tracer) Middleware() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		if !t.IsEnabled() {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Extract incoming trace context
			ctx := t.propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))

			ctx, span := t.tracer.Start(ctx, r.Method+" "+r.URL.Path,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.URLPath(r.URL.Path),
					semconv.ServerAddress(r.Host),
					semconv.UserAgentOriginal(r.UserAgent()),
				),
			)
			defer span.End()

			if span.SpanContext().HasTraceID() {
				w.Header().Set("X-Trace-ID", span.SpanContext().TraceID().String())
			}
			if id := middleware.CorrelationIDFromContext(ctx); id != "" {
				span.SetAttributes(attribute.String("ignite.correlation_id", id))
			}

			rec := middleware.NewStatusRecorder(w)
			next.ServeHTTP(rec, r.WithContext(ctx))

			span.SetAttributes(attribute.Int("http.response.status_code", rec.Status))
			if rec.Status >= 500 {
				span.SetStatus(codes.Error, http.StatusText(rec.Status))
			}
		})
	}
}

// SpanMiddleware wraps a middleware with a named internal span.
func (t *Tracer) SpanMiddleware(name string, mw middleware.Middleware) middleware.Middleware {
	if !t.IsEnabled() {
		return mw
	}
	return func(next http.Handler) http.Handler {
		inner := mw(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, span := t.tracer.Start(r.Context(), name,
				trace.WithSpanKind(trace.SpanKindInternal),
			)
			defer span.End()
			inner.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// InjectHeaders injects the trace context of src into an outgoing request.
// An incoming traceparent/tracestate is copied when src carries no span.
func InjectHeaders(src, dst *http.Request) {
	prop := otel.GetTextMapPropagator()
	prop.Inject(src.Context(), propagation.HeaderCarrier(dst.Header))

	if dst.Header.Get("traceparent") == "" {
		if tp := src.Header.Get("traceparent"); tp != "" {
			dst.Header.Set("traceparent", tp)
		}
	}
	if dst.Header.Get("tracestate") == "" {
		if ts := src.Header.Get("tracestate"); ts != "" {
			dst.Header.Set("tracestate", ts)
		}
	}
}

// Close flushes and shuts down the tracer
func (t *Tracer) Close(ctx context.Context) error {
	if t.provider != nil {
		return t.provider.Shutdown(ctx)
	}
	return nil
}
