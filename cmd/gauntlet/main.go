package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/restohack/gauntlet/internal/config"
	"github.com/restohack/gauntlet/internal/events"
	"github.com/restohack/gauntlet/internal/logging"
	"github.com/restohack/gauntlet/internal/telemetry"
	"github.com/restohack/gauntlet/internal/telemetry/invariants"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"
)

// Version is set at build time.
var Version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	a := &app{cfg: cfg, out: out}
	defer a.close()

	cmd := newRootCommand(a)
	cmd.SetArgs(args)
	cmd.SetOut(out)
	return cmd.ExecuteContext(ctx)
}

// app holds per-invocation state shared by subcommands. The logger, bus and
// tracer provider are created in the root PersistentPreRunE so that --debug
// and --otel-endpoint take effect.
type app struct {
	cfg          *config.Config
	out          io.Writer
	debug        bool
	otelEndpoint string

	runtime  *logging.RuntimeLogger
	logger   *log.Logger
	bus      *events.Bus
	shutdown func()
}

func (a *app) start(cmd *cobra.Command) error {
	if a.cfg == nil {
		return errors.New("config is required")
	}
	if a.logger != nil {
		return nil
	}

	runtime, err := logging.New(cmd.Context(), logging.WithDebug(a.debug), logging.WithMaxFiles(a.cfg.LogMaxFiles))
	if err != nil {
		return fmt.Errorf("initialize logging: %w", err)
	}
	a.runtime = runtime
	a.logger = runtime.Logger

	shutdown, err := telemetry.Init(cmd.Context(),
		telemetry.WithEndpoint(a.otelEndpoint),
		telemetry.WithConfigEndpoint(a.cfg.OTelEndpoint),
		telemetry.WithConsoleWriter(cmd.ErrOrStderr()),
		telemetry.WithAttributes(attribute.String("project.root", a.cfg.ProjectRoot)),
	)
	if err != nil {
		return fmt.Errorf("initialize telemetry: %w", err)
	}
	a.shutdown = shutdown

	a.bus = events.New(events.WithLogger(a.logger))
	logger := a.logger
	a.bus.Subscribe(func(event events.Event) {
		logger.Debug("event", "type", event.Type, "entity", event.EntityID, "severity", event.Severity)
	})
	a.bus.Subscribe(func(event events.Event) {
		logger.Error("system alert", "entity", event.EntityID, "payload", event.Payload)
	}, events.EventTypeSystemAlert)

	a.logger.With("command", cmd.Name(), "version", Version).Debug("command invocation")
	return nil
}

// setRunID tags subsequent log records with a campaign batch id.
func (a *app) setRunID(id string) {
	if a.runtime == nil {
		return
	}
	a.logger = a.runtime.WithRunID(id).Logger
}

func (a *app) close() {
	if a.bus != nil {
		a.bus.Close()
		if dropped := a.bus.Dropped(); len(dropped) > 0 && a.logger != nil {
			a.logger.Warn("events dropped during run", "counts", dropped)
		}
	}
	if violations := invariants.Counts(); len(violations) > 0 && a.logger != nil {
		a.logger.Error("harness invariant violations", "counts", violations)
	}
	if a.shutdown != nil {
		a.shutdown()
	}
	if a.runtime != nil {
		if err := a.runtime.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "failed to close logger: %v\n", err)
		}
	}
}

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "gauntlet",
		Short:         "Stress harness for the hack binary under sanitizer lanes",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
	}
	root.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")

	root.PersistentFlags().BoolVar(&a.debug, "debug", false, "write debug-level logs")
	root.PersistentFlags().StringVar(&a.otelEndpoint, "otel-endpoint", "", "OTLP HTTP endpoint, or \"console\" for stderr spans")

	root.AddCommand(
		newRunCommand(a),
		newSessionCommand(a),
		newLanesCommand(a),
		newDoctorCommand(a),
		newHistoryCommand(a),
		newBundleCommand(a),
	)

	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}
		return a.start(cmd)
	}
	return root
}
