package telemetry

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

type fakeExporter struct {
	exported []sdktrace.ReadOnlySpan
	shutdown bool
}

func (f *fakeExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	f.exported = append(f.exported, spans...)
	return nil
}

func (f *fakeExporter) Shutdown(_ context.Context) error {
	f.shutdown = true
	return nil
}

func TestInitUsesEnvironmentEndpointAndResourceAttributes(t *testing.T) {
	originalVersion := ServiceVersion
	ServiceVersion = "v1.2.3-test"
	defer func() { ServiceVersion = originalVersion }()

	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "http://collector:4318")
	t.Setenv("GAUNTLET_ENV", "CI")

	fake := &fakeExporter{}
	capturedEndpoint := ""
	restoreFactory := setExporterFactoryForTest(func(_ context.Context, endpoint string) (sdktrace.SpanExporter, error) {
		capturedEndpoint = endpoint
		return fake, nil
	})
	defer restoreFactory()
	previous := otel.GetTracerProvider()
	defer otel.SetTracerProvider(previous)

	shutdown, err := Init(context.Background(),
		WithConfigEndpoint("http://from-config:4318"),
		WithAttributes(attribute.String("project.root", "/src/hack")),
	)
	if err != nil {
		t.Fatalf("init telemetry: %v", err)
	}
	if capturedEndpoint != "http://collector:4318" {
		t.Fatalf("endpoint = %q, want collector endpoint", capturedEndpoint)
	}

	_, span := otel.Tracer("telemetry-test").Start(context.Background(), "campaign.run")
	span.End()

	shutdown()
	shutdown()
	if !fake.shutdown {
		t.Fatal("expected exporter shutdown on telemetry shutdown")
	}
	if len(fake.exported) == 0 {
		t.Fatal("expected at least one exported span")
	}

	attrs := fake.exported[0].Resource().Attributes()
	assertResourceAttribute(t, attrs, "service.name", ServiceName)
	assertResourceAttribute(t, attrs, "service.version", "v1.2.3-test")
	assertResourceAttribute(t, attrs, "environment", "ci")
	assertResourceAttribute(t, attrs, "project.root", "/src/hack")
}

func TestInitWithoutEndpointIsDisabled(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")

	called := false
	restoreFactory := setExporterFactoryForTest(func(_ context.Context, _ string) (sdktrace.SpanExporter, error) {
		called = true
		return &fakeExporter{}, nil
	})
	defer restoreFactory()

	previous := otel.GetTracerProvider()
	shutdown, err := Init(context.Background())
	if err != nil {
		t.Fatalf("init telemetry: %v", err)
	}
	shutdown()

	if called {
		t.Fatal("exporter must not be created without an endpoint")
	}
	if otel.GetTracerProvider() != previous {
		t.Fatal("tracer provider must stay untouched without an endpoint")
	}
}

func TestEndpointPrecedence(t *testing.T) {
	tests := []struct {
		name   string
		flag   string
		env    string
		config string
		want   string
	}{
		{name: "nothing", want: ""},
		{name: "config only", config: "http://config:4318", want: "http://config:4318"},
		{name: "env beats config", env: "http://env:4318", config: "http://config:4318", want: "http://env:4318"},
		{name: "flag beats env", flag: "console", env: "http://env:4318", config: "http://config:4318", want: "console"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", tt.env)
			s := settings{}
			WithEndpoint(tt.flag)(&s)
			WithConfigEndpoint(tt.config)(&s)
			if got := s.endpoint(); got != tt.want {
				t.Fatalf("endpoint() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestInitFallsBackToConsoleOnExporterError(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")

	restoreFactory := setExporterFactoryForTest(func(_ context.Context, _ string) (sdktrace.SpanExporter, error) {
		return nil, errors.New("dial failed")
	})
	defer restoreFactory()
	previous := otel.GetTracerProvider()
	defer otel.SetTracerProvider(previous)

	var console bytes.Buffer
	shutdown, err := Init(context.Background(), WithEndpoint("http://collector:4318"), WithConsoleWriter(&console))
	if err != nil {
		t.Fatalf("init telemetry: %v", err)
	}
	_, span := otel.Tracer("telemetry-test").Start(context.Background(), "session.run")
	span.End()
	shutdown()

	text := console.String()
	if !strings.Contains(text, "using console spans") {
		t.Fatalf("missing fallback warning: %q", text)
	}
	if !strings.Contains(text, "[SPAN] session.run") {
		t.Fatalf("span not exported to console: %q", text)
	}
}

func TestConsoleSpanExporterPrintsTrialFields(t *testing.T) {
	t.Parallel()

	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	_, span := provider.Tracer("test").Start(context.Background(), "campaign.trial",
		trace.WithAttributes(
			attribute.String("lane", "asan"),
			attribute.Int("run", 7),
			attribute.String("ignored", "x"),
		))
	span.AddEvent("phase_transition", trace.WithAttributes(attribute.String("phase", "playing")))
	span.End()

	var out bytes.Buffer
	exporter := &consoleSpanExporter{out: &out}
	if err := exporter.ExportSpans(context.Background(), recorder.Ended()); err != nil {
		t.Fatalf("export spans: %v", err)
	}
	text := out.String()
	if !strings.Contains(text, "[SPAN] campaign.trial") || !strings.Contains(text, "lane=asan run=7") {
		t.Fatalf("console exporter output = %q", text)
	}
	if strings.Contains(text, "ignored") {
		t.Fatalf("unexpected attribute in output: %q", text)
	}
	if !strings.Contains(text, "[EVENT] phase_transition phase=playing") {
		t.Fatalf("event line missing: %q", text)
	}
}

func TestBatchConfigConstants(t *testing.T) {
	t.Parallel()

	if BatchSize != 512 {
		t.Fatalf("BatchSize = %d, want 512", BatchSize)
	}
	if BatchTimeout != 5*time.Second {
		t.Fatalf("BatchTimeout = %s, want 5s", BatchTimeout)
	}
}

func TestResolveEnvironmentFallback(t *testing.T) {
	t.Setenv("GAUNTLET_ENV", "")
	t.Setenv("ENVIRONMENT", "")
	t.Setenv("ENV", "dev")

	if got := resolveEnvironment(); got != "dev" {
		t.Fatalf("environment = %q, want dev", got)
	}
}

func assertResourceAttribute(t *testing.T, attrs []attribute.KeyValue, key, want string) {
	t.Helper()
	for _, attr := range attrs {
		if string(attr.Key) == key {
			if attr.Value.AsString() != want {
				t.Fatalf("resource attr %s = %q, want %q", key, attr.Value.AsString(), want)
			}
			return
		}
	}
	t.Fatalf("resource attribute %q not found", key)
}
