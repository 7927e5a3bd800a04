package doctor

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/restohack/gauntlet/internal/events"
	"github.com/restohack/gauntlet/internal/tracing"
)

const defaultVersionTimeout = 5 * time.Second

const (
	ToolClang          = "clang"
	ToolCMake          = "cmake"
	ToolValgrind       = "valgrind"
	ToolLLVMSymbolizer = "llvm-symbolizer"
	ToolAddr2line      = "addr2line"
)

// ErrMissingTools reports that a required tool was not found on PATH.
var ErrMissingTools = errors.New("required tools missing")

// Requirement names one external tool the harness may need.
type Requirement struct {
	Name     string
	Purpose  string
	Required bool
}

// Check is the availability result for one Requirement.
type Check struct {
	Name     string `json:"name"`
	Purpose  string `json:"purpose"`
	Required bool   `json:"required"`
	Found    bool   `json:"found"`
	Path     string `json:"path,omitempty"`
	Version  string `json:"version,omitempty"`
}

// Report is emitted on every doctor run.
type Report struct {
	Checks     []Check   `json:"checks"`
	Symbolizer string    `json:"symbolizer,omitempty"`
	CheckedAt  time.Time `json:"checked_at"`
}

// Missing returns the names of required tools that were not found.
func (r Report) Missing() []string {
	var missing []string
	for _, check := range r.Checks {
		if check.Required && !check.Found {
			missing = append(missing, check.Name)
		}
	}
	return missing
}

// Healthy reports whether every required tool is present.
func (r Report) Healthy() bool {
	return len(r.Missing()) == 0
}

// Found reports whether the named tool was located.
func (r Report) Found(name string) bool {
	for _, check := range r.Checks {
		if check.Name == name {
			return check.Found
		}
	}
	return false
}

// Requirements returns the tool set for a run. Building lanes needs clang and
// cmake; a Valgrind lane needs valgrind. Symbolizers are always optional.
func Requirements(build, valgrind bool) []Requirement {
	return []Requirement{
		{Name: ToolClang, Purpose: "compile sanitizer lanes", Required: build},
		{Name: ToolCMake, Purpose: "configure and build lanes", Required: build},
		{Name: ToolValgrind, Purpose: "memcheck lane", Required: valgrind},
		{Name: ToolLLVMSymbolizer, Purpose: "symbolize sanitizer stacks"},
		{Name: ToolAddr2line, Purpose: "fallback symbolizer"},
	}
}

// ToolRunner executes a version check.
type ToolRunner func(ctx context.Context, command tracing.Command) (tracing.Result, error)

// Option configures a Manager.
type Option func(*Manager)

// WithLookPath replaces exec.LookPath.
func WithLookPath(lookPath func(file string) (string, error)) Option {
	return func(m *Manager) {
		if lookPath != nil {
			m.lookPath = lookPath
		}
	}
}

// WithToolRunner replaces tracing.Exec for version checks.
func WithToolRunner(runner ToolRunner) Option {
	return func(m *Manager) {
		if runner != nil {
			m.runTool = runner
		}
	}
}

// WithEvents publishes HealthCheck and SystemAlert events on bus.
func WithEvents(bus events.Publisher) Option {
	return func(m *Manager) {
		if bus != nil {
			m.bus = bus
		}
	}
}

// WithVersionCheck runs `<tool> --version` for every found tool.
func WithVersionCheck(enabled bool) Option {
	return func(m *Manager) {
		m.checkVersions = enabled
	}
}

// Manager checks toolchain availability.
type Manager struct {
	lookPath       func(file string) (string, error)
	runTool        ToolRunner
	bus            events.Publisher
	checkVersions  bool
	versionTimeout time.Duration
	now            func() time.Time
}

// NewManager builds a doctor with exec.LookPath and tracing.Exec.
func NewManager(options ...Option) *Manager {
	m := &Manager{
		lookPath:       exec.LookPath,
		runTool:        tracing.Exec,
		bus:            events.Discard{},
		versionTimeout: defaultVersionTimeout,
		now:            time.Now,
	}
	for _, option := range options {
		if option != nil {
			option(m)
		}
	}
	return m
}

// RunOnce checks every requirement and resolves a symbolizer. The report is
// always returned; the error wraps ErrMissingTools when a required tool is absent.
func (m *Manager) RunOnce(ctx context.Context, requirements []Requirement) (Report, error) {
	if m == nil {
		return Report{}, errors.New("doctor manager is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	now := m.now().UTC()
	report := Report{CheckedAt: now}
	for _, req := range requirements {
		name := strings.TrimSpace(req.Name)
		if name == "" {
			continue
		}
		check := Check{Name: name, Purpose: req.Purpose, Required: req.Required}
		if path, err := m.lookPath(name); err == nil {
			check.Found = true
			check.Path = path
			if m.checkVersions {
				check.Version = m.version(ctx, path)
			}
		}
		report.Checks = append(report.Checks, check)
	}
	report.Symbolizer = ResolveSymbolizer(m.lookPath)

	m.bus.Publish(events.Event{
		Type:       events.EventTypeHealthCheck,
		Timestamp:  now,
		EntityType: "health",
		EntityID:   "doctor",
		Payload:    report,
		Severity:   events.SeverityInfo,
	})

	if missing := report.Missing(); len(missing) > 0 {
		err := fmt.Errorf("%w: %s", ErrMissingTools, strings.Join(missing, ", "))
		m.bus.Publish(events.Event{
			Type:       events.EventTypeSystemAlert,
			Timestamp:  now,
			EntityType: "health",
			EntityID:   "doctor",
			Payload: map[string]string{
				"error": err.Error(),
			},
			Severity: events.SeverityError,
		})
		return report, err
	}
	return report, nil
}

func (m *Manager) version(ctx context.Context, path string) string {
	result, err := m.runTool(ctx, tracing.Command{Name: path, Args: []string{"--version"}, Timeout: m.versionTimeout})
	if err != nil {
		return ""
	}
	out := result.Stdout
	if out == "" {
		out = result.Stderr
	}
	first, _, _ := strings.Cut(strings.TrimSpace(out), "\n")
	return strings.TrimSpace(first)
}

// ResolveSymbolizer returns llvm-symbolizer, else addr2line, else "".
func ResolveSymbolizer(lookPath func(file string) (string, error)) string {
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	for _, name := range []string{ToolLLVMSymbolizer, ToolAddr2line} {
		if path, err := lookPath(name); err == nil {
			return path
		}
	}
	return ""
}
