package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/restohack/gauntlet/internal/campaign"
	"github.com/restohack/gauntlet/internal/console"
	"github.com/restohack/gauntlet/internal/doctor"
	"github.com/restohack/gauntlet/internal/lane"
	"github.com/restohack/gauntlet/internal/locks"
	"github.com/restohack/gauntlet/internal/session"
	"github.com/spf13/cobra"
)

var runNowFn = func() time.Time {
	return time.Now().UTC()
}

type runOptions struct {
	lanes      []string
	runs       int
	steps      int
	enhanced   bool
	buildOnly  bool
	testOnly   bool
	noClean    bool
	timeout    time.Duration
	noHistory  bool
	sessionsFn func(session.Config) campaign.SessionRunner
	doctorOpts []doctor.Option
	buildOpts  []lane.BuilderOption
}

func newRunCommand(a *app) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Build lanes and run stress campaigns",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			flags := cmd.Flags()
			if flags.Changed("runs") {
				a.cfg.Runs = opts.runs
			}
			if flags.Changed("steps") {
				a.cfg.Steps = opts.steps
			}
			if flags.Changed("enhanced") {
				a.cfg.Enhanced = opts.enhanced
			}
			if flags.Changed("timeout") {
				a.cfg.SessionTimeout = opts.timeout
			}
			return runCampaigns(cmd.Context(), a, opts)
		},
	}
	flags := cmd.Flags()
	flags.StringSliceVar(&opts.lanes, "lane", nil, "lane to run (repeatable, default: all enabled lanes)")
	flags.IntVar(&opts.runs, "runs", campaign.DefaultRuns, "trials per lane")
	flags.IntVar(&opts.steps, "steps", campaign.DefaultSteps, "movement steps per trial")
	flags.BoolVar(&opts.enhanced, "enhanced", false, "interleave inventory, drop and apply actions")
	flags.BoolVar(&opts.buildOnly, "build-only", false, "build lanes without running campaigns")
	flags.BoolVar(&opts.testOnly, "test-only", false, "run campaigns against existing binaries")
	flags.BoolVar(&opts.noClean, "no-clean", false, "reuse build directories")
	flags.DurationVar(&opts.timeout, "timeout", campaign.DefaultSessionTimeout, "hard ceiling per session")
	flags.BoolVar(&opts.noHistory, "no-history", false, "do not record campaigns in the history database")
	cmd.MarkFlagsMutuallyExclusive("build-only", "test-only")
	return cmd
}

func runCampaigns(ctx context.Context, a *app, opts *runOptions) error {
	if err := a.cfg.Validate(); err != nil {
		return err
	}
	lanes, err := a.cfg.ResolveLanes(opts.lanes)
	if err != nil {
		return err
	}
	if len(lanes) == 0 {
		return errors.New("no lanes selected")
	}
	root, err := a.cfg.Root()
	if err != nil {
		return fmt.Errorf("resolve project root: %w", err)
	}
	logRoot, err := a.cfg.LogDir()
	if err != nil {
		return err
	}

	batchID := uuid.NewString()
	a.setRunID(batchID)
	logger := a.logger.With("batch", batchID)

	campaignDir := filepath.Join(logRoot, runNowFn().Format("20060102-150405"))
	if err := os.MkdirAll(campaignDir, 0o750); err != nil {
		return fmt.Errorf("create campaign directory: %w", err)
	}
	logger.Info("campaign batch started", "lanes", laneNames(lanes), "dir", campaignDir)

	needValgrind := false
	for _, l := range lanes {
		needValgrind = needValgrind || l.Valgrind
	}
	doc := doctor.NewManager(append([]doctor.Option{doctor.WithEvents(a.bus)}, opts.doctorOpts...)...)
	health, err := doc.RunOnce(ctx, doctor.Requirements(!opts.testOnly, needValgrind && !opts.buildOnly))
	if err != nil {
		return fmt.Errorf("preflight: %w", err)
	}
	if health.Symbolizer == "" {
		logger.Warn("no symbolizer found; sanitizer stacks will be unsymbolized")
	}

	var failures []string
	runnable := lanes
	if !opts.testOnly {
		builder := lane.NewBuilder(root, campaignDir, logger,
			append([]lane.BuilderOption{lane.WithCleanRebuild(!opts.noClean), lane.WithEvents(a.bus)}, opts.buildOpts...)...)
		runnable, failures = buildLanes(ctx, builder, lanes, a.out)
	}
	if opts.buildOnly {
		if len(failures) > 0 {
			return fmt.Errorf("%d lane(s) failed: %s", len(failures), strings.Join(failures, ", "))
		}
		return nil
	}

	sessionCfg, err := a.cfg.SessionConfig()
	if err != nil {
		return err
	}
	sessions := opts.sessionsFn
	if sessions == nil {
		sessions = func(cfg session.Config) campaign.SessionRunner {
			return session.NewDriver(cfg, logger, session.WithEvents(a.bus))
		}
	}

	reporter := console.NewReporter(a.out)
	evidence, err := campaign.NewEvidenceStore(campaignDir)
	if err != nil {
		return err
	}
	sinks := []campaign.Sink{reporter, evidence}
	if !opts.noHistory {
		historyPath, err := a.cfg.HistoryPath()
		if err != nil {
			return err
		}
		history, err := campaign.OpenHistory(historyPath)
		if err != nil {
			return err
		}
		defer func() {
			if closeErr := history.Close(); closeErr != nil {
				logger.Warn("close history", "err", closeErr)
			}
		}()
		sinks = append(sinks, history)
	}

	locker, err := newLaneLocker(logRoot)
	if err != nil {
		return err
	}

	campaignCfg := a.cfg.CampaignConfig(campaignDir)
	campaignCfg.Symbolizer = health.Symbolizer
	runner, err := campaign.NewRunner(
		sessions(sessionCfg),
		campaignCfg,
		logger,
		campaign.WithEvents(a.bus),
		campaign.WithSinks(sinks...),
		campaign.WithLocker(locker),
	)
	if err != nil {
		return err
	}

	for _, l := range runnable {
		reporter.LaneStarted(l.Name, a.cfg.Runs, a.cfg.Steps)
		result, err := runner.Run(ctx, l)
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("campaign %s interrupted: %w", l.Name, err)
			}
			logger.Error("campaign failed", "lane", l.Name, "err", err)
			failures = append(failures, l.Name)
			continue
		}
		if !result.Accepted {
			failures = append(failures, l.Name)
		}
	}

	fmt.Fprintf(a.out, "logs: %s\n", campaignDir)
	if len(failures) > 0 {
		return fmt.Errorf("%d lane(s) rejected: %s", len(failures), strings.Join(failures, ", "))
	}
	return nil
}

// buildLanes builds every buildable lane once and drops lanes whose build, or
// whose build source, failed.
func buildLanes(ctx context.Context, builder *lane.Builder, lanes []lane.Lane, out io.Writer) ([]lane.Lane, []string) {
	var failures []string
	broken := map[string]bool{}
	for _, l := range lanes {
		result, err := builder.Build(ctx, l)
		switch {
		case err != nil:
			broken[l.Name] = true
			failures = append(failures, l.Name)
			fmt.Fprintln(out, console.FailStyle.Render(fmt.Sprintf("%s %s build failed: %v", console.IconFail, l.Name, err)))
		case !result.Skipped:
			fmt.Fprintln(out, console.PassStyle.Render(fmt.Sprintf("%s %s built in %s", console.IconPass, l.Name, result.Duration.Round(time.Millisecond))))
		}
	}

	runnable := make([]lane.Lane, 0, len(lanes))
	for _, l := range lanes {
		if broken[l.Name] || (l.BuildFrom != "" && broken[l.BuildFrom]) {
			if !broken[l.Name] {
				failures = append(failures, l.Name)
			}
			continue
		}
		runnable = append(runnable, l)
	}
	return runnable, failures
}

func newLaneLocker(logRoot string) (*locks.LaneLocker, error) {
	store, err := locks.NewFileStore(filepath.Join(logRoot, locks.DefaultFileName))
	if err != nil {
		return nil, err
	}
	manager, err := locks.NewManager(store)
	if err != nil {
		return nil, err
	}
	return locks.NewLaneLocker(manager)
}

func laneNames(lanes []lane.Lane) []string {
	names := make([]string, 0, len(lanes))
	for _, l := range lanes {
		names = append(names, l.Name)
	}
	return names
}
