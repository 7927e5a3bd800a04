package campaign

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/restohack/gauntlet/internal/events"
	"github.com/restohack/gauntlet/internal/lane"
	"github.com/restohack/gauntlet/internal/locks"
	"github.com/restohack/gauntlet/internal/logging"
	"github.com/restohack/gauntlet/internal/session"
	"github.com/restohack/gauntlet/internal/telemetry/invariants"
	"github.com/restohack/gauntlet/internal/verdict"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultRuns is the number of trials per lane.
	DefaultRuns = 20
	// DefaultSteps is the scripted step budget per trial.
	DefaultSteps = 10
	// DefaultSessionTimeout bounds one trial.
	DefaultSessionTimeout = 60 * time.Second
	// DefaultFailureThresholdPercent is the highest failure rate still accepted.
	DefaultFailureThresholdPercent = 10
	// DefaultMaxConsecutiveQuitTimeouts fails a trial once this many trials in
	// a row needed a forced kill after quit negotiation.
	DefaultMaxConsecutiveQuitTimeouts = 3
)

// DefaultSavePatterns match save-state files the game leaves behind.
var DefaultSavePatterns = []string{"save/*", "*.sav", "hackdir/save*"}

// ErrInvalidConfig reports campaign settings that cannot run.
var ErrInvalidConfig = errors.New("invalid campaign config")

// SessionRunner runs one target session. *session.Driver satisfies it.
type SessionRunner interface {
	Run(ctx context.Context, req session.Request) (*session.Session, error)
}

// Locker reserves lanes for the duration of a campaign.
type Locker interface {
	Acquire(ctx context.Context, owner string, patterns []string) (func() error, error)
}

// Sink receives per-trial and per-campaign results as they happen.
type Sink interface {
	TrialCompleted(ctx context.Context, campaignID string, trial Trial) error
	CampaignCompleted(ctx context.Context, result Result) error
}

// Config controls one campaign.
type Config struct {
	Runs                       int
	Steps                      int
	Enhanced                   bool
	SessionTimeout             time.Duration
	FailureThresholdPercent    int
	MaxConsecutiveQuitTimeouts int
	SavePatterns               []string
	// WorkDir is the child's working directory and the root for relative
	// save patterns. Empty means the lane build directory.
	WorkDir    string
	LogDir     string
	BaseEnv    []string
	Args       []string
	Symbolizer string
}

// Trial is the outcome of one session in a campaign.
type Trial struct {
	Lane           string          `json:"lane"`
	Index          int             `json:"index"`
	Label          string          `json:"label"`
	Seed           uint64          `json:"seed"`
	Verdict        verdict.Verdict `json:"verdict"`
	Passed         bool            `json:"passed"`
	Reasons        []string        `json:"reasons,omitempty"`
	Evidence       []string        `json:"evidence,omitempty"`
	ExitCode       int             `json:"exit_code"`
	Signal         int             `json:"signal,omitempty"`
	StepsPlayed    int             `json:"steps_played"`
	QuitTimedOut   bool            `json:"quit_timed_out,omitempty"`
	Saved          bool            `json:"saved,omitempty"`
	SuspectedHang  bool            `json:"suspected_hang,omitempty"`
	TranscriptPath string          `json:"transcript,omitempty"`
	Error          string          `json:"error,omitempty"`
	StartedAt      time.Time       `json:"started_at"`
	DurationMS     int64           `json:"duration_ms"`
}

// Result is the tally and decision for one lane.
type Result struct {
	ID          string    `json:"id"`
	Lane        string    `json:"lane"`
	Runs        int       `json:"runs"`
	Steps       int       `json:"steps"`
	Passed      int       `json:"passed"`
	Failed      int       `json:"failed"`
	FailureRate float64   `json:"failure_rate_percent"`
	Threshold   int       `json:"threshold_percent"`
	Accepted    bool      `json:"accepted"`
	Interrupted bool      `json:"interrupted,omitempty"`
	LogDir      string    `json:"log_dir"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
	Trials      []Trial   `json:"trials,omitempty"`
}

// Attempted returns the number of trials that ran.
func (r Result) Attempted() int {
	return len(r.Trials)
}

// Accepted applies the campaign acceptance rule with integer division.
// An empty campaign is never accepted.
func Accepted(failed, total, thresholdPercent int) bool {
	if total <= 0 {
		return false
	}
	return failed*100/total <= thresholdPercent
}

// Seed derives the reproducible seed for trial index of a lane.
func Seed(laneName string, index int) uint64 {
	h := fnv.New64a()
	_, _ = io.WriteString(h, laneName)
	_, _ = h.Write([]byte{0})
	_, _ = io.WriteString(h, strconv.Itoa(index))
	return h.Sum64()
}

// Option customizes a Runner.
type Option func(*Runner)

// WithEvents publishes trial and campaign events.
func WithEvents(bus events.Publisher) Option {
	return func(r *Runner) {
		if bus != nil {
			r.bus = bus
		}
	}
}

// WithSinks adds report sinks.
func WithSinks(sinks ...Sink) Option {
	return func(r *Runner) {
		for _, sink := range sinks {
			if sink != nil {
				r.sinks = append(r.sinks, sink)
			}
		}
	}
}

// WithLocker rejects concurrent campaigns against the same lane.
func WithLocker(locker Locker) Option {
	return func(r *Runner) {
		r.locker = locker
	}
}

// WithIDGenerator overrides campaign ID generation.
func WithIDGenerator(newID func() string) Option {
	return func(r *Runner) {
		if newID != nil {
			r.newID = newID
		}
	}
}

// WithCoreDumpLimit replaces how the core dump limit is raised before the
// first trial. A nil func leaves the limit alone.
func WithCoreDumpLimit(raise func() (uint64, error)) Option {
	return func(r *Runner) {
		r.raiseCoreLimit = raise
	}
}

// Runner executes trials sequentially against one lane at a time.
type Runner struct {
	sessions       SessionRunner
	cfg            Config
	logger         *log.Logger
	bus            events.Publisher
	sinks          []Sink
	locker         Locker
	newID          func() string
	now            func() time.Time
	raiseCoreLimit func() (uint64, error)
}

// NewRunner constructs a Runner. A nil logger discards output.
func NewRunner(sessions SessionRunner, cfg Config, logger *log.Logger, options ...Option) (*Runner, error) {
	if sessions == nil {
		return nil, fmt.Errorf("%w: session runner is required", ErrInvalidConfig)
	}
	cfg = cfg.withDefaults()
	if cfg.Runs <= 0 || cfg.Steps <= 0 {
		return nil, fmt.Errorf("%w: runs and steps must be positive (runs=%d steps=%d)", ErrInvalidConfig, cfg.Runs, cfg.Steps)
	}
	if cfg.LogDir == "" {
		return nil, fmt.Errorf("%w: log directory is required", ErrInvalidConfig)
	}
	if logger == nil {
		logger = log.New(io.Discard)
	}
	r := &Runner{
		sessions:       sessions,
		cfg:            cfg,
		logger:         logger,
		bus:            events.Discard{},
		newID:          uuid.NewString,
		now:            time.Now,
		raiseCoreLimit: EnableCoreDumps,
	}
	for _, option := range options {
		if option != nil {
			option(r)
		}
	}
	return r, nil
}

func (c Config) withDefaults() Config {
	if c.Runs == 0 {
		c.Runs = DefaultRuns
	}
	if c.Steps == 0 {
		c.Steps = DefaultSteps
	}
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = DefaultSessionTimeout
	}
	if c.FailureThresholdPercent <= 0 {
		c.FailureThresholdPercent = DefaultFailureThresholdPercent
	}
	if c.MaxConsecutiveQuitTimeouts == 0 {
		c.MaxConsecutiveQuitTimeouts = DefaultMaxConsecutiveQuitTimeouts
	}
	if c.SavePatterns == nil {
		c.SavePatterns = append([]string(nil), DefaultSavePatterns...)
	}
	if c.Args == nil {
		c.Args = append([]string(nil), session.DefaultArgs...)
	}
	return c
}

// Run executes trials 1..Runs against l.
func (r *Runner) Run(ctx context.Context, l lane.Lane) (Result, error) {
	indices := make([]int, r.cfg.Runs)
	for i := range indices {
		indices[i] = i + 1
	}
	return r.RunTrials(ctx, l, indices)
}

// RunTrials executes the given 1-based trial indices in order. Each index
// keeps its own label and seed, so any ordering replays the same trials.
func (r *Runner) RunTrials(ctx context.Context, l lane.Lane, indices []int) (Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if len(indices) == 0 {
		return Result{}, fmt.Errorf("%w: no trials requested", ErrInvalidConfig)
	}

	result := Result{
		ID:        r.newID(),
		Lane:      l.Name,
		Runs:      len(indices),
		Steps:     r.cfg.Steps,
		Threshold: r.cfg.FailureThresholdPercent,
		LogDir:    r.cfg.LogDir,
		StartedAt: r.now().UTC(),
		Trials:    make([]Trial, 0, len(indices)),
	}
	logger := r.logger.With("lane", l.Name, "campaign", result.ID)

	ctx, span := otel.Tracer("gauntlet/campaign").Start(
		ctx,
		"campaign.run",
		trace.WithAttributes(
			attribute.String("campaign_id", result.ID),
			attribute.String("lane", l.Name),
			attribute.Int("runs", len(indices)),
			attribute.Int("steps", r.cfg.Steps),
		),
	)
	defer span.End()

	if r.locker != nil {
		release, err := r.locker.Acquire(ctx, result.ID, []string{locks.LaneKey(l.Name), locks.DirKey(l.BuildDir)})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return Result{}, fmt.Errorf("lock lane %s: %w", l.Name, err)
		}
		defer func() {
			if err := release(); err != nil {
				logger.Warn("release lane lock", "err", err)
			}
		}()
	}

	if err := os.MkdirAll(r.cfg.LogDir, 0o755); err != nil {
		return Result{}, fmt.Errorf("create campaign log dir: %w", err)
	}

	if r.raiseCoreLimit != nil {
		limit, err := r.raiseCoreLimit()
		if err != nil {
			logger.Warn("core dumps not enabled, crashing trials leave no core file", "err", err)
		} else {
			logger.Debug("core dump limit raised", "limit", formatCoreLimit(limit))
		}
		span.SetAttributes(attribute.Bool("core_dumps", err == nil && limit != 0))
	}

	binaryErr := l.CheckBinary()
	if binaryErr != nil {
		logger.Error("lane binary unavailable, every trial fails", "binary", l.Binary, "err", binaryErr)
		r.alert(l.Name, fmt.Sprintf("lane %s: %v", l.Name, binaryErr))
	}

	logger.Info("campaign started", "runs", len(indices), "steps", r.cfg.Steps, "log_dir", r.cfg.LogDir)
	quitTimeouts := 0
	for _, index := range indices {
		if err := ctx.Err(); err != nil {
			result.Interrupted = true
			break
		}
		trial := r.runTrial(ctx, logger, l, index, binaryErr)
		if trial.QuitTimedOut {
			quitTimeouts++
			if quitTimeouts >= r.cfg.MaxConsecutiveQuitTimeouts && r.cfg.MaxConsecutiveQuitTimeouts > 0 {
				trial.SuspectedHang = true
				trial.Passed = false
				trial.Reasons = append(trial.Reasons, fmt.Sprintf("suspected hang: %d consecutive quit timeouts", quitTimeouts))
			}
		} else {
			quitTimeouts = 0
		}
		r.keepOrDiscardTranscript(logger, &trial)
		r.record(ctx, logger, &result, trial)
	}

	result.FinishedAt = r.now().UTC()
	invariants.CheckTallyConsistent(ctx, "campaign.run", result.Passed, result.Failed, result.Attempted())
	if total := result.Attempted(); total > 0 {
		result.FailureRate = float64(result.Failed) * 100 / float64(total)
	}
	result.Accepted = !result.Interrupted && Accepted(result.Failed, result.Attempted(), r.cfg.FailureThresholdPercent)

	for _, sink := range r.sinks {
		if err := sink.CampaignCompleted(ctx, result); err != nil {
			logger.Warn("report sink failed", "err", err)
		}
	}
	r.bus.Publish(events.Event{
		Type:       events.EventTypeCampaignCompleted,
		Timestamp:  result.FinishedAt,
		EntityType: "campaign",
		EntityID:   result.ID,
		Payload:    result,
		Severity:   campaignSeverity(result),
	})

	span.SetAttributes(
		attribute.Int("passed", result.Passed),
		attribute.Int("failed", result.Failed),
		attribute.Bool("accepted", result.Accepted),
	)
	if result.Accepted {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, "campaign rejected")
	}
	logger.Info("campaign finished",
		"passed", result.Passed,
		"failed", result.Failed,
		"failure_rate", fmt.Sprintf("%.1f%%", result.FailureRate),
		"accepted", result.Accepted,
	)

	if result.Interrupted {
		return result, fmt.Errorf("campaign %s interrupted: %w", l.Name, ctx.Err())
	}
	return result, nil
}

func (r *Runner) runTrial(ctx context.Context, logger *log.Logger, l lane.Lane, index int, binaryErr error) (trial Trial) {
	trial = Trial{
		Lane:      l.Name,
		Index:     index,
		Label:     l.Label(index),
		Seed:      Seed(l.Name, index),
		ExitCode:  -1,
		StartedAt: r.now().UTC(),
	}
	ctx, span := otel.Tracer("gauntlet/campaign").Start(
		ctx,
		"campaign.trial",
		trace.WithAttributes(
			attribute.String("lane", l.Name),
			attribute.Int("run", index),
			attribute.String("label", trial.Label),
		),
	)
	defer span.End()
	logger = logging.FromSpan(ctx, logger.With("run", index, "label", trial.Label))
	defer func() {
		trial.DurationMS = r.now().Sub(trial.StartedAt).Milliseconds()
		span.SetAttributes(attribute.Bool("passed", trial.Passed), attribute.String("verdict", string(trial.Verdict)))
		if !trial.Passed {
			span.SetStatus(codes.Error, firstReason(trial))
		}
	}()

	r.bus.Publish(events.Event{
		Type:       events.EventTypeTrialStarted,
		Timestamp:  trial.StartedAt,
		EntityType: "trial",
		EntityID:   fmt.Sprintf("%s/%03d", l.Name, index),
		Payload:    trial,
		Severity:   events.SeverityInfo,
	})

	if binaryErr != nil {
		trial.Verdict = verdict.ProtocolError
		trial.Reasons = []string{"binary not found"}
		trial.Error = binaryErr.Error()
		return trial
	}

	workDir := r.cfg.WorkDir
	if workDir == "" {
		workDir = l.BuildDir
	}
	if removed, err := CleanSaves(workDir, r.cfg.SavePatterns); err != nil {
		logger.Warn("clean save files", "err", err)
	} else if len(removed) > 0 {
		logger.Debug("removed stale save files", "files", removed)
	}

	env := l.RunEnvironment(r.cfg.BaseEnv, lane.RunSpec{
		LogDir:     r.cfg.LogDir,
		Run:        index,
		Label:      trial.Label,
		Seed:       trial.Seed,
		Symbolizer: r.cfg.Symbolizer,
	})
	executable, args := l.Command(env, r.cfg.Args...)

	transcript, err := os.CreateTemp(r.cfg.LogDir, ".transcript-*")
	if err != nil {
		trial.Verdict = verdict.ProtocolError
		trial.Reasons = []string{"create transcript"}
		trial.Error = err.Error()
		return trial
	}
	trial.TranscriptPath = transcript.Name()
	defer transcript.Close()

	req := session.Request{
		Executable:        executable,
		Args:              args,
		Env:               env.Env,
		Dir:               workDir,
		Label:             trial.Label,
		StepBudget:        r.cfg.Steps,
		Seed:              trial.Seed,
		Enhanced:          r.cfg.Enhanced,
		Timeout:           r.cfg.SessionTimeout,
		Transcript:        transcript,
		SanitizerLogGlobs: env.SanitizerLogGlobs,
		ToolErrorExitCode: l.ToolErrorExitCode(),
	}
	if env.ValgrindLog != "" {
		req.ValgrindLogPaths = []string{env.ValgrindLog}
	}

	sess, err := r.runSession(ctx, req)
	if err != nil {
		trial.Verdict = verdict.ProtocolError
		trial.Reasons = []string{err.Error()}
		trial.Error = err.Error()
		logger.Error("trial failed to run", "err", err)
		return trial
	}

	trial.Verdict = sess.Verdict
	trial.Passed = sess.Passed()
	trial.Reasons = append([]string(nil), sess.Classification.Reasons...)
	trial.Evidence = append([]string(nil), sess.Classification.Evidence...)
	trial.ExitCode = sess.ExitCode
	trial.Signal = int(sess.Signal)
	trial.StepsPlayed = sess.StepsPlayed
	trial.QuitTimedOut = sess.QuitTimedOut
	trial.Saved = sess.Saved
	if !invariants.CheckEvidenceFailsTrial(ctx, "campaign.trial", trial.Evidence, trial.Passed) {
		trial.Passed = false
	}
	if !trial.Passed && len(trial.Reasons) == 0 {
		trial.Reasons = []string{string(sess.Verdict)}
	}
	return trial
}

// runSession converts a panicking session runner into a trial error.
func (r *Runner) runSession(ctx context.Context, req session.Request) (sess *session.Session, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			sess = nil
			err = fmt.Errorf("session panicked: %v", recovered)
		}
	}()
	sess, err = r.sessions.Run(ctx, req)
	if err == nil && sess == nil {
		err = errors.New("session runner returned no session")
	}
	return sess, err
}

func (r *Runner) keepOrDiscardTranscript(logger *log.Logger, trial *Trial) {
	if trial.TranscriptPath == "" {
		return
	}
	if trial.Passed {
		if err := os.Remove(trial.TranscriptPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Warn("discard transcript", "err", err)
		}
		trial.TranscriptPath = ""
		return
	}
	kept := lane.LogBase(r.cfg.LogDir, trial.Lane, trial.Index) + ".log"
	if err := os.Rename(trial.TranscriptPath, kept); err != nil {
		logger.Warn("keep transcript", "err", err)
		return
	}
	trial.TranscriptPath = kept
}

func (r *Runner) record(ctx context.Context, logger *log.Logger, result *Result, trial Trial) {
	result.Trials = append(result.Trials, trial)
	if trial.Passed {
		result.Passed++
	} else {
		result.Failed++
	}

	for _, sink := range r.sinks {
		if err := sink.TrialCompleted(ctx, result.ID, trial); err != nil {
			logger.Warn("report sink failed", "err", err)
		}
	}
	severity := events.SeverityInfo
	if !trial.Passed {
		severity = events.SeverityWarn
	}
	r.bus.Publish(events.Event{
		Type:       events.EventTypeTrialCompleted,
		Timestamp:  r.now().UTC(),
		EntityType: "trial",
		EntityID:   fmt.Sprintf("%s/%03d", trial.Lane, trial.Index),
		Payload:    trial,
		Severity:   severity,
	})
}

func (r *Runner) alert(laneName, message string) {
	r.bus.Publish(events.Event{
		Type:       events.EventTypeSystemAlert,
		Timestamp:  r.now().UTC(),
		EntityType: "lane",
		EntityID:   laneName,
		Payload:    message,
		Severity:   events.SeverityError,
	})
}

func campaignSeverity(result Result) string {
	if result.Accepted {
		return events.SeverityInfo
	}
	return events.SeverityError
}

func firstReason(trial Trial) string {
	if len(trial.Reasons) > 0 {
		return trial.Reasons[0]
	}
	return string(trial.Verdict)
}

// TranscriptGlob matches kept failure transcripts in a campaign directory.
func TranscriptGlob(logDir string) string {
	return filepath.Join(logDir, "*_run*.log")
}
