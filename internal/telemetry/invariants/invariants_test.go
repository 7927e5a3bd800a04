package invariants

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// Tests here swap the global tracer provider and toggle Enabled, so none of
// them run in parallel.

func TestRecordAddsEventToActiveSpan(t *testing.T) {
	recorder, restore := installTracerProvider(t)
	defer restore()

	ctx, span := otel.Tracer("test").Start(context.Background(), "session.run")
	Record(ctx, Violation{
		Name:     ProcessReaped,
		Severity: "ERROR",
		Where:    "session.classify",
		Detail:   "no exit status",
		Context:  map[string]string{"label": "Player07", "empty": " "},
	})
	span.End()

	events := eventsOf(recorder, "session.run")
	require.Len(t, events, 1)
	assert.Equal(t, EventName, events[0].Name)
	assert.Equal(t, ProcessReaped, attr(events[0], "invariant"))
	assert.Equal(t, SeverityError, attr(events[0], "severity"))
	assert.Equal(t, "session.classify", attr(events[0], "where"))
	assert.Equal(t, "Player07", attr(events[0], "ctx.label"))
	assert.Empty(t, attr(events[0], "ctx.empty"))
}

func TestRecordWithoutSpanOpensOne(t *testing.T) {
	recorder, restore := installTracerProvider(t)
	defer restore()

	Record(context.Background(), Violation{Name: TallyConsistent, Severity: "warn"})

	events := eventsOf(recorder, EventName)
	require.Len(t, events, 1)
	assert.Equal(t, SeverityWarn, attr(events[0], "severity"))
}

func TestDisabledRecordsNothing(t *testing.T) {
	recorder, restore := installTracerProvider(t)
	defer restore()
	SetEnabled(false)
	t.Cleanup(func() { SetEnabled(true) })

	before := Counts()[ProcessReaped]
	ctx, span := otel.Tracer("test").Start(context.Background(), "session.run")
	assert.False(t, CheckProcessReaped(ctx, "session.classify", 1, false))
	span.End()

	assert.Empty(t, eventsOf(recorder, "session.run"))
	assert.Equal(t, before, Counts()[ProcessReaped])
}

func TestChecks(t *testing.T) {
	tests := []struct {
		name string
		want string
		fail func(ctx context.Context) bool
		pass func(ctx context.Context) bool
	}{
		{
			name: "phase transition",
			want: PhaseTransitionLegal,
			fail: func(ctx context.Context) bool {
				return CheckPhaseTransitionLegal(ctx, "session.advance", "spawning", "playing", false)
			},
			pass: func(ctx context.Context) bool {
				return CheckPhaseTransitionLegal(ctx, "session.advance", "spawning", "startup_prompt", true)
			},
		},
		{
			name: "process reaped",
			want: ProcessReaped,
			fail: func(ctx context.Context) bool { return CheckProcessReaped(ctx, "session.classify", 4242, false) },
			pass: func(ctx context.Context) bool { return CheckProcessReaped(ctx, "session.classify", 4242, true) },
		},
		{
			name: "tally",
			want: TallyConsistent,
			fail: func(ctx context.Context) bool { return CheckTallyConsistent(ctx, "campaign.run", 19, 2, 20) },
			pass: func(ctx context.Context) bool { return CheckTallyConsistent(ctx, "campaign.run", 19, 1, 20) },
		},
		{
			name: "evidence",
			want: EvidenceFailsTrial,
			fail: func(ctx context.Context) bool {
				return CheckEvidenceFailsTrial(ctx, "campaign.trial", []string{"asan_run007.asan.123"}, true)
			},
			pass: func(ctx context.Context) bool {
				return CheckEvidenceFailsTrial(ctx, "campaign.trial", nil, true) &&
					CheckEvidenceFailsTrial(ctx, "campaign.trial", []string{"log"}, false)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recorder, restore := installTracerProvider(t)
			defer restore()
			before := Counts()[tt.want]

			ctx, span := otel.Tracer("test").Start(context.Background(), "operation")
			assert.True(t, tt.pass(ctx))
			assert.False(t, tt.fail(ctx))
			span.End()

			events := eventsOf(recorder, "operation")
			require.Len(t, events, 1)
			assert.Equal(t, tt.want, attr(events[0], "invariant"))
			assert.Equal(t, before+1, Counts()[tt.want])
		})
	}
}

func installTracerProvider(t *testing.T) (*tracetest.SpanRecorder, func()) {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	return recorder, func() {
		_ = provider.Shutdown(context.Background())
		otel.SetTracerProvider(previous)
	}
}

func eventsOf(recorder *tracetest.SpanRecorder, spanName string) []sdktrace.Event {
	for _, span := range recorder.Ended() {
		if span.Name() == spanName {
			return span.Events()
		}
	}
	return nil
}

func attr(event sdktrace.Event, key string) string {
	for _, kv := range event.Attributes {
		if string(kv.Key) == key {
			return kv.Value.AsString()
		}
	}
	return ""
}
