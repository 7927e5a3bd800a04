package doctor

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/restohack/gauntlet/internal/events"
	"github.com/restohack/gauntlet/internal/tracing"
)

func fakeLookPath(found ...string) func(string) (string, error) {
	set := map[string]bool{}
	for _, name := range found {
		set[name] = true
	}
	return func(file string) (string, error) {
		if set[file] {
			return "/usr/bin/" + file, nil
		}
		return "", errors.New("not found")
	}
}

func TestRequirements(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		build    bool
		valgrind bool
		want     []string
	}{
		{name: "test only", want: nil},
		{name: "build", build: true, want: []string{ToolClang, ToolCMake}},
		{name: "valgrind only", valgrind: true, want: []string{ToolValgrind}},
		{name: "everything", build: true, valgrind: true, want: []string{ToolClang, ToolCMake, ToolValgrind}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var got []string
			for _, req := range Requirements(tt.build, tt.valgrind) {
				if req.Required {
					got = append(got, req.Name)
				}
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("required = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRunOnceReportsMissingRequiredTools(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	bus := &fakeEventBus{}
	manager := NewManager(WithLookPath(fakeLookPath(ToolClang, ToolAddr2line)), WithEvents(bus))
	manager.now = func() time.Time { return now }

	report, err := manager.RunOnce(context.Background(), Requirements(true, true))
	if !errors.Is(err, ErrMissingTools) {
		t.Fatalf("err = %v, want ErrMissingTools", err)
	}
	if !reflect.DeepEqual(report.Missing(), []string{ToolCMake, ToolValgrind}) {
		t.Fatalf("missing = %v", report.Missing())
	}
	if report.Healthy() {
		t.Fatal("report must not be healthy")
	}
	if !report.Found(ToolClang) || report.Found(ToolLLVMSymbolizer) {
		t.Fatalf("found flags wrong: %+v", report.Checks)
	}
	if report.Symbolizer != "/usr/bin/addr2line" {
		t.Fatalf("symbolizer = %q, want addr2line fallback", report.Symbolizer)
	}
	if !report.CheckedAt.Equal(now) {
		t.Fatalf("checked at = %s", report.CheckedAt)
	}
	if count := bus.countByType(events.EventTypeHealthCheck); count != 1 {
		t.Fatalf("health check events = %d, want 1", count)
	}
	if count := bus.countByType(events.EventTypeSystemAlert); count != 1 {
		t.Fatalf("system alert events = %d, want 1", count)
	}
}

func TestRunOnceHealthyWithOptionalToolsAbsent(t *testing.T) {
	t.Parallel()

	bus := &fakeEventBus{}
	manager := NewManager(WithLookPath(fakeLookPath()), WithEvents(bus))

	report, err := manager.RunOnce(context.Background(), Requirements(false, false))
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if !report.Healthy() {
		t.Fatalf("missing = %v", report.Missing())
	}
	if report.Symbolizer != "" {
		t.Fatalf("symbolizer = %q, want empty", report.Symbolizer)
	}
	if count := bus.countByType(events.EventTypeSystemAlert); count != 0 {
		t.Fatalf("system alert events = %d, want 0", count)
	}
}

func TestRunOnceChecksVersions(t *testing.T) {
	t.Parallel()

	var queried []string
	runner := func(_ context.Context, command tracing.Command) (tracing.Result, error) {
		queried = append(queried, command.Name)
		switch command.Name {
		case "/usr/bin/cmake":
			return tracing.Result{Stdout: "cmake version 3.28.3\n\nCMake suite maintained by Kitware"}, nil
		case "/usr/bin/valgrind":
			return tracing.Result{Stderr: "valgrind-3.22.0"}, nil
		default:
			return tracing.Result{ExitCode: 1}, errors.New("version check failed")
		}
	}
	manager := NewManager(
		WithLookPath(fakeLookPath(ToolCMake, ToolValgrind, ToolClang)),
		WithToolRunner(runner),
		WithVersionCheck(true),
	)

	report, err := manager.RunOnce(context.Background(), Requirements(true, true))
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	versions := map[string]string{}
	for _, check := range report.Checks {
		versions[check.Name] = check.Version
	}
	if versions[ToolCMake] != "cmake version 3.28.3" {
		t.Fatalf("cmake version = %q", versions[ToolCMake])
	}
	if versions[ToolValgrind] != "valgrind-3.22.0" {
		t.Fatalf("valgrind version = %q", versions[ToolValgrind])
	}
	if versions[ToolClang] != "" {
		t.Fatalf("clang version = %q, want empty on a failed version check", versions[ToolClang])
	}
	if len(queried) != 3 {
		t.Fatalf("queried = %v, want 3 queries", queried)
	}
}

func TestResolveSymbolizerPrefersLLVM(t *testing.T) {
	t.Parallel()

	got := ResolveSymbolizer(fakeLookPath(ToolAddr2line, ToolLLVMSymbolizer))
	if got != "/usr/bin/llvm-symbolizer" {
		t.Fatalf("symbolizer = %q, want llvm-symbolizer", got)
	}
}

func TestNilManager(t *testing.T) {
	t.Parallel()

	var manager *Manager
	if _, err := manager.RunOnce(context.Background(), nil); err == nil {
		t.Fatal("expected error for nil manager")
	}
}

type fakeEventBus struct {
	mu     sync.Mutex
	events []events.Event
}

func (f *fakeEventBus) Publish(event events.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
}

func (f *fakeEventBus) countByType(eventType string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, event := range f.events {
		if event.Type == eventType {
			count++
		}
	}
	return count
}
