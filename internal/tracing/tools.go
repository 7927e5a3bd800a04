// Package tracing runs external tools (cmake, compiler version checks, symbolizers)
// under a "tool.exec" span.
package tracing

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sys/unix"
)

// outputEventBytes bounds stdout/stderr span events. Compiler and cmake
// errors are printed last, so the tail is kept.
const outputEventBytes = 1024

// waitDelay bounds how long Exec waits for pipes after the tool is killed.
const waitDelay = 2 * time.Second

// Command is one tool invocation. A zero Timeout means only ctx bounds it.
type Command struct {
	Name    string
	Args    []string
	Dir     string
	Env     []string
	Timeout time.Duration
}

// Result is the captured outcome. ExitCode is -1 when the tool was killed
// or never started.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
	TimedOut bool
}

// Exec runs command in its own process group so that a timeout also kills
// the compilers cmake spawned.
func Exec(ctx context.Context, command Command) (Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	name := strings.TrimSpace(command.Name)
	if name == "" {
		return Result{}, errors.New("tool name must not be empty")
	}
	if command.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, command.Timeout)
		defer cancel()
	}

	ctx, span := otel.Tracer("gauntlet/tracing").Start(ctx, "tool.exec",
		trace.WithAttributes(
			attribute.String("tool_name", name),
			attribute.String("args", FormatCommand("", command.Args)),
			attribute.String("cwd", command.Dir),
		))
	defer span.End()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, command.Args...)
	cmd.Dir = strings.TrimSpace(command.Dir)
	if len(command.Env) > 0 {
		cmd.Env = command.Env
	}
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}
	cmd.WaitDelay = waitDelay

	started := time.Now()
	runErr := cmd.Run()
	result := Result{
		ExitCode: exitCode(cmd, runErr),
		Stdout:   strings.TrimSpace(stdout.String()),
		Stderr:   strings.TrimSpace(stderr.String()),
		Duration: time.Since(started),
		TimedOut: errors.Is(ctx.Err(), context.DeadlineExceeded),
	}
	if ctx.Err() != nil {
		result.ExitCode = -1
	}

	span.SetAttributes(
		attribute.Int("exit_code", result.ExitCode),
		attribute.Int64("duration_ms", result.Duration.Milliseconds()),
		attribute.Bool("timed_out", result.TimedOut),
	)
	for stream, text := range map[string]string{"tool.stdout": result.Stdout, "tool.stderr": result.Stderr} {
		if text != "" {
			span.AddEvent(stream, trace.WithAttributes(attribute.String("output", Tail(text, outputEventBytes))))
		}
	}

	if runErr != nil {
		if result.TimedOut {
			runErr = fmt.Errorf("timed out after %s: %w", result.Duration.Round(time.Millisecond), runErr)
		}
		err := WrapExecutionError(name, command.Args, runErr)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return result, err
	}
	span.SetStatus(codes.Ok, "")
	return result, nil
}

func exitCode(cmd *exec.Cmd, runErr error) int {
	if runErr == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		return exitErr.ExitCode()
	}
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	return -1
}

// Tail returns at most limit bytes from the end of text, marking the cut.
func Tail(text string, limit int) string {
	if limit <= 0 || len(text) <= limit {
		return text
	}
	const marker = "[truncated]..."
	if limit <= len(marker) {
		return text[len(text)-limit:]
	}
	return marker + text[len(text)-(limit-len(marker)):]
}

// FormatCommand joins the tool and its non-empty args into one line.
func FormatCommand(toolName string, args []string) string {
	parts := make([]string, 0, len(args)+1)
	for _, part := range append([]string{toolName}, args...) {
		if part = strings.TrimSpace(part); part != "" {
			parts = append(parts, part)
		}
	}
	return strings.Join(parts, " ")
}

// WrapExecutionError prefixes err with the command line.
func WrapExecutionError(toolName string, args []string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("run %s: %w", FormatCommand(toolName, args), err)
}
