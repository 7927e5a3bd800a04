package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/restohack/gauntlet/internal/campaign"
	"github.com/restohack/gauntlet/internal/console"
	"github.com/restohack/gauntlet/internal/doctor"
	"github.com/restohack/gauntlet/internal/lane"
	"github.com/restohack/gauntlet/internal/session"
	"github.com/spf13/cobra"
)

type sessionOptions struct {
	binary     string
	steps      int
	label      string
	seed       uint64
	valgrind   bool
	enhanced   bool
	timeout    time.Duration
	logDir     string
	transcript string
}

func newSessionCommand(a *app) *cobra.Command {
	opts := &sessionOptions{}
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Run one session against a binary and print its verdict",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSingleSession(cmd, a, opts)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.binary, "binary", "", "path to the hack binary")
	flags.IntVar(&opts.steps, "steps", campaign.DefaultSteps, "movement steps")
	flags.StringVar(&opts.label, "label", lane.DefaultLabelPrefix+"01", "player name")
	flags.Uint64Var(&opts.seed, "seed", 0, "HACK_SEED value (default: derived from the label)")
	flags.BoolVar(&opts.valgrind, "valgrind", false, "run under valgrind memcheck")
	flags.BoolVar(&opts.enhanced, "enhanced", false, "interleave inventory, drop and apply actions")
	flags.DurationVar(&opts.timeout, "timeout", campaign.DefaultSessionTimeout, "hard ceiling for the session")
	flags.StringVar(&opts.logDir, "log-dir", "", "directory for sanitizer logs (default: a temporary directory)")
	flags.StringVar(&opts.transcript, "transcript", "", "write the PTY transcript to this file")
	_ = cmd.MarkFlagRequired("binary")
	return cmd
}

func runSingleSession(cmd *cobra.Command, a *app, opts *sessionOptions) error {
	binary, err := filepath.Abs(opts.binary)
	if err != nil {
		return fmt.Errorf("resolve binary: %w", err)
	}
	l := lane.Resolve(filepath.Dir(binary), lane.Lane{
		Name:     "session",
		Binary:   binary,
		BuildDir: filepath.Dir(binary),
		Valgrind: opts.valgrind,
	})
	if err := l.CheckBinary(); err != nil {
		return err
	}

	logDir := opts.logDir
	if logDir == "" {
		logDir, err = os.MkdirTemp("", "gauntlet-session-*")
		if err != nil {
			return fmt.Errorf("create log directory: %w", err)
		}
	} else if err := os.MkdirAll(logDir, 0o750); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}

	seed := opts.seed
	if seed == 0 {
		seed = campaign.Seed(opts.label, 1)
	}
	env := l.RunEnvironment(os.Environ(), lane.RunSpec{
		LogDir:     logDir,
		Run:        1,
		Label:      opts.label,
		Seed:       seed,
		Symbolizer: doctor.ResolveSymbolizer(nil),
	})
	executable, args := l.Command(env, session.DefaultArgs...)

	req := session.Request{
		Executable:        executable,
		Args:              args,
		Env:               env.Env,
		Dir:               l.BuildDir,
		Label:             opts.label,
		StepBudget:        opts.steps,
		Seed:              seed,
		Enhanced:          opts.enhanced,
		Timeout:           opts.timeout,
		SanitizerLogGlobs: env.SanitizerLogGlobs,
		ToolErrorExitCode: l.ToolErrorExitCode(),
	}
	if env.ValgrindLog != "" {
		req.ValgrindLogPaths = []string{env.ValgrindLog}
	}
	if opts.transcript != "" {
		// #nosec G304 -- transcript path is an explicit operator flag.
		file, err := os.Create(opts.transcript)
		if err != nil {
			return fmt.Errorf("create transcript: %w", err)
		}
		defer file.Close()
		req.Transcript = file
	}

	sessionCfg, err := a.cfg.SessionConfig()
	if err != nil {
		return err
	}
	driver := session.NewDriver(sessionCfg, a.logger, session.WithEvents(a.bus))
	sess, err := driver.Run(cmd.Context(), req)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	status := console.PassStyle.Render(console.IconPass + " PASSED")
	if !sess.Passed() {
		status = console.FailStyle.Render(console.IconFail + " FAILED")
	}
	fmt.Fprintf(out, "%s verdict=%s exit=%d steps=%d elapsed=%s\n",
		status, sess.Verdict, sess.ExitCode, sess.StepsPlayed, sess.Elapsed.Round(time.Millisecond))
	for _, reason := range sess.Classification.Reasons {
		fmt.Fprintf(out, "  %s\n", console.DetailStyle.Render(reason))
	}
	for _, path := range sess.Classification.Evidence {
		fmt.Fprintf(out, "  evidence: %s\n", path)
	}
	if !sess.Passed() {
		return fmt.Errorf("session %s: %s", sess.Verdict, sess.Classification.Summary())
	}
	return nil
}

func newLanesCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "lanes",
		Short: "List configured lanes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			lanes, err := a.cfg.ResolveLanes(a.cfg.LaneNames())
			if err != nil {
				return err
			}
			enabled := map[string]bool{}
			for _, l := range a.cfg.Lanes {
				enabled[l.Name] = l.Enabled
			}
			out := cmd.OutOrStdout()
			for _, l := range lanes {
				name := console.HeadingStyle.Render(l.Name)
				if !enabled[l.Name] {
					name = console.DetailStyle.Render(l.Name + " (disabled)")
				}
				fmt.Fprintf(out, "%s %s\n", console.IconLane, name)
				fmt.Fprintf(out, "    build_type: %s\n", l.BuildType)
				if l.CFlags != "" {
					fmt.Fprintf(out, "    cflags:     %s\n", l.CFlags)
				}
				if l.BuildFrom != "" {
					fmt.Fprintf(out, "    build_from: %s\n", l.BuildFrom)
				}
				if l.Valgrind {
					fmt.Fprintf(out, "    valgrind:   %s\n", strings.Join(lane.ValgrindArgs, " "))
				}
				fmt.Fprintf(out, "    binary:     %s\n", l.Binary)
			}
			return nil
		},
	}
}

func newDoctorCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check toolchain availability",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			needValgrind := false
			for _, l := range a.cfg.Lanes {
				needValgrind = needValgrind || (l.Enabled && l.Valgrind)
			}
			manager := doctor.NewManager(doctor.WithEvents(a.bus), doctor.WithVersionCheck(true))
			report, err := manager.RunOnce(cmd.Context(), doctor.Requirements(true, needValgrind))
			printDoctorReport(cmd, report)
			return err
		},
	}
}

func printDoctorReport(cmd *cobra.Command, report doctor.Report) {
	out := cmd.OutOrStdout()
	for _, check := range report.Checks {
		var line string
		switch {
		case check.Found:
			line = console.PassStyle.Render(console.IconPass+" "+check.Name) + " " + check.Path
			if check.Version != "" {
				line += " " + console.DetailStyle.Render("("+check.Version+")")
			}
		case check.Required:
			line = console.FailStyle.Render(console.IconFail+" "+check.Name) + " missing, needed to " + check.Purpose
		default:
			line = console.WarnStyle.Render(console.IconWarn+" "+check.Name) + " not found, used to " + check.Purpose
		}
		fmt.Fprintln(out, line)
	}
	symbolizer := report.Symbolizer
	if symbolizer == "" {
		symbolizer = "none"
	}
	fmt.Fprintf(out, "symbolizer: %s\n", symbolizer)
}

func newHistoryCommand(a *app) *cobra.Command {
	var laneName string
	var limit int
	var failures bool
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent campaigns",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := a.cfg.HistoryPath()
			if err != nil {
				return err
			}
			if _, err := os.Stat(path); err != nil {
				return fmt.Errorf("no history at %s: %w", path, err)
			}
			store, err := campaign.OpenHistory(path)
			if err != nil {
				return err
			}
			defer store.Close()

			entries, err := store.Recent(cmd.Context(), laneName, limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(entries) == 0 {
				fmt.Fprintln(out, "no campaigns recorded")
				return nil
			}
			for _, entry := range entries {
				decision := console.PassStyle.Render("ACCEPTED")
				if !entry.Accepted {
					decision = console.FailStyle.Render("REJECTED")
				}
				fmt.Fprintf(out, "%s  %-10s passed=%d failed=%d failure_rate=%.1f%% %s  %s\n",
					entry.StartedAt.Local().Format("2006-01-02 15:04"), entry.Lane,
					entry.Passed, entry.Failed, entry.FailureRate, decision,
					console.DetailStyle.Render(entry.ID))
				if !failures || entry.Failed == 0 {
					continue
				}
				trials, err := store.FailedTrials(cmd.Context(), entry.ID)
				if err != nil {
					return err
				}
				for _, trial := range trials {
					fmt.Fprintf(out, "    %s\n", console.TrialLine(trial))
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&laneName, "lane", "", "only show this lane")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum campaigns to show")
	cmd.Flags().BoolVar(&failures, "failures", false, "list failed trials under each campaign")
	return cmd
}
