package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// ServiceName is reported as service.name.
const ServiceName = "hack-gauntlet"

// ConsoleEndpoint selects the console span exporter instead of OTLP.
const ConsoleEndpoint = "console"

// Span batching. A campaign of 20 trials emits well under one batch.
const (
	BatchTimeout = 5 * time.Second
	BatchSize    = 512
)

// spanAttributeKeys are printed by the console exporter when present.
var spanAttributeKeys = []attribute.Key{"lane", "run", "label", "phase", "verdict", "tool_name", "exit_code"}

// ServiceVersion is overridden with -ldflags at release builds.
var ServiceVersion = "dev"

// exporterFactory builds the OTLP/HTTP exporter. Certificates, headers and
// compression come from the standard OTEL_EXPORTER_OTLP_* variables.
var exporterFactory = func(ctx context.Context, endpoint string) (sdktrace.SpanExporter, error) {
	return otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(endpoint))
}

// Option configures Init.
type Option func(*settings)

type settings struct {
	flagEndpoint   string
	configEndpoint string
	console        io.Writer
	attributes     []attribute.KeyValue
}

// WithEndpoint sets the endpoint given on the command line. It wins over the
// environment and the config file.
func WithEndpoint(endpoint string) Option {
	return func(s *settings) {
		s.flagEndpoint = strings.TrimSpace(endpoint)
	}
}

// WithConfigEndpoint sets the [otel] endpoint from the config file. It is used
// only when neither the flag nor OTEL_EXPORTER_OTLP_ENDPOINT is set.
func WithConfigEndpoint(endpoint string) Option {
	return func(s *settings) {
		s.configEndpoint = strings.TrimSpace(endpoint)
	}
}

// WithConsoleWriter redirects the console exporter, which defaults to stderr.
func WithConsoleWriter(w io.Writer) Option {
	return func(s *settings) {
		if w != nil {
			s.console = w
		}
	}
}

// WithAttributes adds resource attributes such as the project root.
func WithAttributes(attrs ...attribute.KeyValue) Option {
	return func(s *settings) {
		s.attributes = append(s.attributes, attrs...)
	}
}

// Init installs a global tracer provider. Without an endpoint tracing stays on
// the no-op provider and the returned shutdown does nothing. An OTLP exporter
// that cannot be built falls back to the console exporter.
func Init(ctx context.Context, options ...Option) (func(), error) {
	s := settings{console: os.Stderr}
	for _, option := range options {
		if option != nil {
			option(&s)
		}
	}

	endpoint := s.endpoint()
	if endpoint == "" {
		return func() {}, nil
	}

	var exporter sdktrace.SpanExporter = &consoleSpanExporter{out: s.console}
	if endpoint != ConsoleEndpoint {
		otlp, err := exporterFactory(ctx, endpoint)
		if err != nil {
			fmt.Fprintf(s.console, "warning: OTLP exporter unavailable for %s (%v); using console spans\n", endpoint, err)
		} else {
			exporter = otlp
		}
	}

	res, err := resource.New(ctx,
		resource.WithHost(),
		resource.WithProcessPID(),
		resource.WithAttributes(append([]attribute.KeyValue{
			attribute.String("service.name", ServiceName),
			attribute.String("service.version", ServiceVersion),
			attribute.String("environment", resolveEnvironment()),
		}, s.attributes...)...),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(
			exporter,
			sdktrace.WithBatchTimeout(BatchTimeout),
			sdktrace.WithMaxExportBatchSize(BatchSize),
		),
	)
	otel.SetTracerProvider(provider)

	var once sync.Once
	return func() {
		once.Do(func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), BatchTimeout)
			defer cancel()
			if err := provider.Shutdown(flushCtx); err != nil {
				fmt.Fprintf(s.console, "warning: flush spans: %v\n", err)
			}
		})
	}, nil
}

func (s settings) endpoint() string {
	if s.flagEndpoint != "" {
		return s.flagEndpoint
	}
	if env := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); env != "" {
		return env
	}
	return s.configEndpoint
}

// resolveEnvironment reads GAUNTLET_ENV, then ENVIRONMENT, then ENV.
func resolveEnvironment() string {
	for _, key := range []string{"GAUNTLET_ENV", "ENVIRONMENT", "ENV"} {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			return strings.ToLower(strings.TrimSpace(v))
		}
	}
	return "dev"
}

// consoleSpanExporter prints one line per span with its trial attributes,
// followed by its events.
type consoleSpanExporter struct {
	mu  sync.Mutex
	out io.Writer
}

func (e *consoleSpanExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	if e == nil || e.out == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, span := range spans {
		duration := span.EndTime().Sub(span.StartTime()).Round(time.Millisecond)
		line := fmt.Sprintf("[SPAN] %s %s %v", span.Name(), duration, span.Status().Code)
		if fields := spanFields(span.Attributes()); fields != "" {
			line += " " + fields
		}
		if _, err := fmt.Fprintln(e.out, line); err != nil {
			return err
		}
		for _, event := range span.Events() {
			eventLine := "  [EVENT] " + event.Name
			if fields := spanFields(event.Attributes); fields != "" {
				eventLine += " " + fields
			}
			if _, err := fmt.Fprintln(e.out, eventLine); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *consoleSpanExporter) Shutdown(_ context.Context) error {
	return nil
}

func spanFields(attrs []attribute.KeyValue) string {
	values := make(map[attribute.Key]string, len(attrs))
	for _, attr := range attrs {
		values[attr.Key] = attr.Value.Emit()
	}
	var parts []string
	for _, key := range spanAttributeKeys {
		if value, ok := values[key]; ok && value != "" {
			parts = append(parts, string(key)+"="+value)
		}
	}
	return strings.Join(parts, " ")
}

func setExporterFactoryForTest(factory func(context.Context, string) (sdktrace.SpanExporter, error)) func() {
	previous := exporterFactory
	exporterFactory = factory
	return func() {
		exporterFactory = previous
	}
}
