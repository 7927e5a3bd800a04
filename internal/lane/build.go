package lane

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/restohack/gauntlet/internal/events"
	"github.com/restohack/gauntlet/internal/tracing"
)

// DefaultBuildTimeout bounds each cmake invocation.
const DefaultBuildTimeout = 5 * time.Minute

// ErrBuildFailed reports a configure or build step with a non-zero exit.
var ErrBuildFailed = errors.New("lane build failed")

// ToolRunner executes one external command.
type ToolRunner func(ctx context.Context, command tracing.Command) (tracing.Result, error)

// BuildResult describes one lane build.
type BuildResult struct {
	Lane         string
	Binary       string
	ConfigureLog string
	BuildLog     string
	Duration     time.Duration
	Skipped      bool
}

// BuilderOption customizes a Builder.
type BuilderOption func(*Builder)

// WithToolRunner replaces the command runner, mainly for tests.
func WithToolRunner(runner ToolRunner) BuilderOption {
	return func(b *Builder) {
		if runner != nil {
			b.run = runner
		}
	}
}

// WithCleanRebuild removes the build directory and passes --clean-first.
func WithCleanRebuild(clean bool) BuilderOption {
	return func(b *Builder) {
		b.clean = clean
	}
}

// WithBuildTimeout bounds each cmake invocation.
func WithBuildTimeout(timeout time.Duration) BuilderOption {
	return func(b *Builder) {
		if timeout > 0 {
			b.timeout = timeout
		}
	}
}

// WithCompiler overrides the C compiler passed to cmake.
func WithCompiler(compiler string) BuilderOption {
	return func(b *Builder) {
		if strings.TrimSpace(compiler) != "" {
			b.compiler = strings.TrimSpace(compiler)
		}
	}
}

// WithEvents publishes LaneBuilt events.
func WithEvents(bus events.Publisher) BuilderOption {
	return func(b *Builder) {
		if bus != nil {
			b.bus = bus
		}
	}
}

// Builder configures and compiles lane binaries with cmake.
type Builder struct {
	root     string
	logDir   string
	compiler string
	clean    bool
	timeout  time.Duration
	run      ToolRunner
	logger   *log.Logger
	bus      events.Publisher
	now      func() time.Time
}

// NewBuilder returns a cmake builder for the project at root, writing
// configure/build logs into logDir.
func NewBuilder(root, logDir string, logger *log.Logger, options ...BuilderOption) *Builder {
	if logger == nil {
		logger = log.Default()
	}
	b := &Builder{
		root:     root,
		logDir:   logDir,
		compiler: "clang",
		clean:    true,
		timeout:  DefaultBuildTimeout,
		run:      tracing.Exec,
		logger:   logger,
		bus:      events.Discard{},
		now:      time.Now,
	}
	for _, option := range options {
		if option != nil {
			option(b)
		}
	}
	return b
}

// ConfigureArgs returns the cmake configure arguments for a lane.
func (b *Builder) ConfigureArgs(l Lane) []string {
	flagsVar := "-DCMAKE_C_FLAGS_RELWITHDEBINFO="
	if l.BuildType == BuildTypeDebug {
		flagsVar = "-DCMAKE_C_FLAGS_DEBUG="
	}
	sanitizers := "-DENABLE_SANITIZERS=OFF"
	if l.Sanitized() {
		sanitizers = "-DENABLE_SANITIZERS=ON"
	}
	return []string{
		"-S", b.root,
		"-B", l.BuildDir,
		"-DCMAKE_BUILD_TYPE=" + l.BuildType,
		"-DCMAKE_C_COMPILER=" + b.compiler,
		flagsVar + l.CFlags,
		sanitizers,
	}
}

// BuildArgs returns the cmake build arguments for a lane.
func (b *Builder) BuildArgs(l Lane) []string {
	args := []string{"--build", l.BuildDir, "-j"}
	if b.clean {
		args = append(args, "--clean-first")
	}
	return args
}

// Build configures and compiles one lane. Lanes that reuse another lane's
// build directory are skipped.
func (b *Builder) Build(ctx context.Context, l Lane) (BuildResult, error) {
	result := BuildResult{Lane: l.Name, Binary: l.Binary}
	if !l.Buildable() {
		result.Skipped = true
		return result, nil
	}
	if err := os.MkdirAll(b.logDir, 0o750); err != nil {
		return result, fmt.Errorf("create build log directory: %w", err)
	}

	started := b.now()
	logger := b.logger.With("lane", l.Name, "build_dir", l.BuildDir, "clean", b.clean)
	logger.Info("building lane")

	if b.clean {
		if err := os.RemoveAll(l.BuildDir); err != nil {
			return result, fmt.Errorf("clean build directory %q: %w", l.BuildDir, err)
		}
	}

	result.ConfigureLog = filepath.Join(b.logDir, l.Name+"_configure.log")
	if err := b.step(ctx, l, "configure", b.ConfigureArgs(l), result.ConfigureLog); err != nil {
		b.publish(l, result, err)
		return result, err
	}

	result.BuildLog = filepath.Join(b.logDir, l.Name+"_build.log")
	if err := b.step(ctx, l, "build", b.BuildArgs(l), result.BuildLog); err != nil {
		b.publish(l, result, err)
		return result, err
	}

	result.Duration = b.now().Sub(started)
	if err := l.CheckBinary(); err != nil {
		err = fmt.Errorf("%w: %s: %w", ErrBuildFailed, l.Name, err)
		b.publish(l, result, err)
		return result, err
	}

	logger.With("duration", result.Duration.Round(time.Millisecond)).Info("lane build completed")
	b.publish(l, result, nil)
	return result, nil
}

func (b *Builder) step(ctx context.Context, l Lane, stage string, args []string, logPath string) error {
	res, runErr := b.run(ctx, tracing.Command{Name: "cmake", Args: args, Dir: b.root, Timeout: b.timeout})
	if err := writeStepLog(logPath, args, res); err != nil {
		return err
	}
	if runErr != nil || res.ExitCode != 0 {
		b.logger.With("lane", l.Name, "stage", stage, "exit_code", res.ExitCode, "timed_out", res.TimedOut, "log", logPath).
			Error("lane build step failed", "stderr_tail", tracing.Tail(res.Stderr, 512))
		if runErr == nil {
			runErr = fmt.Errorf("exit code %d", res.ExitCode)
		}
		return fmt.Errorf("%w: %s %s: %w", ErrBuildFailed, l.Name, stage, runErr)
	}
	return nil
}

func writeStepLog(path string, args []string, res tracing.Result) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Command: %s\n", tracing.FormatCommand("cmake", args))
	fmt.Fprintf(&sb, "Return code: %d\n", res.ExitCode)
	fmt.Fprintf(&sb, "STDOUT:\n%s\n", res.Stdout)
	fmt.Fprintf(&sb, "STDERR:\n%s\n", res.Stderr)
	if err := os.WriteFile(path, []byte(sb.String()), 0o600); err != nil {
		return fmt.Errorf("write build log %q: %w", path, err)
	}
	return nil
}

func (b *Builder) publish(l Lane, result BuildResult, err error) {
	payload := map[string]any{
		"binary":        result.Binary,
		"configure_log": result.ConfigureLog,
		"build_log":     result.BuildLog,
		"ok":            err == nil,
	}
	severity := events.SeverityInfo
	if err != nil {
		payload["error"] = err.Error()
		severity = events.SeverityError
	}
	b.bus.Publish(events.Event{
		Type:       events.EventTypeLaneBuilt,
		EntityType: "lane",
		EntityID:   l.Name,
		Payload:    payload,
		Severity:   severity,
	})
}
