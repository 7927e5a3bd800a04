// Package invariants records harness self-check failures as span events.
// A violation means the harness itself misbehaved, not the target.
package invariants

import (
	"context"
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Invariant names.
const (
	PhaseTransitionLegal = "phase_transition_legal"
	ProcessReaped        = "process_reaped"
	TallyConsistent      = "tally_consistent"
	EvidenceFailsTrial   = "evidence_fails_trial"
)

// Severities.
const (
	SeverityWarn  = "warn"
	SeverityError = "error"
)

// EventName is the span event emitted per violation.
const EventName = "invariant.violation"

var (
	enabled atomic.Bool

	countsMu sync.Mutex
	counts   = map[string]int{}
)

func init() { enabled.Store(true) }

// SetEnabled turns recording on or off process-wide.
func SetEnabled(on bool) { enabled.Store(on) }

// Enabled reports whether violations are recorded.
func Enabled() bool { return enabled.Load() }

// Violation describes one failed check.
type Violation struct {
	Name     string
	Severity string
	Where    string
	Detail   string
	Context  map[string]string
}

func (v Violation) attributes() []attribute.KeyValue {
	name := strings.TrimSpace(v.Name)
	if name == "" {
		name = "unknown"
	}
	severity := SeverityError
	if strings.EqualFold(strings.TrimSpace(v.Severity), SeverityWarn) {
		severity = SeverityWarn
	}
	attrs := []attribute.KeyValue{
		attribute.String("invariant", name),
		attribute.String("severity", severity),
		attribute.String("where", strings.TrimSpace(v.Where)),
		attribute.String("detail", strings.TrimSpace(v.Detail)),
	}
	for _, key := range slices.Sorted(maps.Keys(v.Context)) {
		if value := strings.TrimSpace(v.Context[key]); value != "" {
			attrs = append(attrs, attribute.String("ctx."+key, value))
		}
	}
	return attrs
}

// Record adds v as an event on the span in ctx. Without a span it opens and
// ends a short one so the violation still reaches the exporter.
func Record(ctx context.Context, v Violation) {
	if !Enabled() {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	countsMu.Lock()
	counts[v.Name]++
	countsMu.Unlock()

	attrs := trace.WithAttributes(v.attributes()...)
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		span.AddEvent(EventName, attrs)
		return
	}
	_, span := otel.Tracer("gauntlet/invariants").Start(ctx, EventName)
	span.AddEvent(EventName, attrs)
	span.End()
}

// Counts returns how many violations of each invariant were recorded.
func Counts() map[string]int {
	countsMu.Lock()
	defer countsMu.Unlock()
	return maps.Clone(counts)
}

// CheckPhaseTransitionLegal records a violation unless legal.
func CheckPhaseTransitionLegal(ctx context.Context, where, from, to string, legal bool) bool {
	if !legal {
		Record(ctx, Violation{
			Name:    PhaseTransitionLegal,
			Where:   where,
			Detail:  "illegal transition " + from + " -> " + to,
			Context: map[string]string{"from": from, "to": to},
		})
	}
	return legal
}

// CheckProcessReaped records a violation unless the target was reaped.
func CheckProcessReaped(ctx context.Context, where string, pid int, reaped bool) bool {
	if !reaped {
		Record(ctx, Violation{
			Name:    ProcessReaped,
			Where:   where,
			Detail:  "no exit status before classification",
			Context: map[string]string{"pid": strconv.Itoa(pid)},
		})
	}
	return reaped
}

// CheckTallyConsistent records a violation unless passed+failed == attempted.
func CheckTallyConsistent(ctx context.Context, where string, passed, failed, attempted int) bool {
	ok := passed+failed == attempted
	if !ok {
		Record(ctx, Violation{
			Name:   TallyConsistent,
			Where:  where,
			Detail: "passed+failed does not match trials attempted",
			Context: map[string]string{
				"passed":    strconv.Itoa(passed),
				"failed":    strconv.Itoa(failed),
				"attempted": strconv.Itoa(attempted),
			},
		})
	}
	return ok
}

// CheckEvidenceFailsTrial records a violation when a trial with sanitizer
// evidence was counted as passed.
func CheckEvidenceFailsTrial(ctx context.Context, where string, evidence []string, passed bool) bool {
	ok := len(evidence) == 0 || !passed
	if !ok {
		Record(ctx, Violation{
			Name:    EvidenceFailsTrial,
			Where:   where,
			Detail:  "trial passed with sanitizer evidence",
			Context: map[string]string{"evidence": strings.Join(evidence, ",")},
		})
	}
	return ok
}
