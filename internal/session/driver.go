package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/restohack/gauntlet/internal/events"
	"github.com/restohack/gauntlet/internal/logging"
	"github.com/restohack/gauntlet/internal/telemetry/invariants"
	"github.com/restohack/gauntlet/internal/verdict"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

const (
	defaultLabel = "Player"

	exitSettle  = 250 * time.Millisecond
	readerDrain = time.Second
)

// TransitionEvent is the payload of a PhaseTransition event.
type TransitionEvent struct {
	Label  string
	PID    int
	From   Phase
	To     Phase
	Reason string
}

// Option customizes a Driver.
type Option func(*Driver)

// WithClassifier replaces the default outcome classifier.
func WithClassifier(classifier *verdict.Classifier) Option {
	return func(d *Driver) {
		if classifier != nil {
			d.classifier = classifier
		}
	}
}

// WithEvents publishes PhaseTransition events.
func WithEvents(bus events.Publisher) Option {
	return func(d *Driver) {
		if bus != nil {
			d.bus = bus
		}
	}
}

// WithClock overrides the time source used for phase records.
func WithClock(now func() time.Time) Option {
	return func(d *Driver) {
		if now != nil {
			d.now = now
		}
	}
}

func withStarter(start func(spawnSpec) (*process, error)) Option {
	return func(d *Driver) {
		if start != nil {
			d.start = start
		}
	}
}

// Driver runs target sessions. It holds no per-session state, so one Driver
// may serve any number of sequential sessions.
type Driver struct {
	cfg        Config
	logger     *log.Logger
	classifier *verdict.Classifier
	bus        events.Publisher
	now        func() time.Time
	start      func(spawnSpec) (*process, error)
}

// NewDriver constructs a Driver. A nil logger discards output.
func NewDriver(cfg Config, logger *log.Logger, options ...Option) *Driver {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	d := &Driver{
		cfg:        cfg.withDefaults(),
		logger:     logger,
		classifier: verdict.NewClassifier(),
		bus:        events.Discard{},
		now:        time.Now,
		start:      startProcess,
	}
	for _, option := range options {
		if option != nil {
			option(d)
		}
	}
	return d
}

// Config returns the effective driver configuration.
func (d *Driver) Config() Config {
	return d.cfg
}

// Run drives one fresh target process through the game protocol and returns
// its classified Session. The only error is ErrInvalidRequest; every failure
// after validation is reported through the Session verdict. The child is
// reaped before Run returns on every path.
func (d *Driver) Run(ctx context.Context, req Request) (*Session, error) {
	req, err := normalizeRequest(req)
	if err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := otel.Tracer("gauntlet/session").Start(
		ctx,
		"session.run",
		trace.WithAttributes(
			attribute.String("executable", req.Executable),
			attribute.String("label", req.Label),
			attribute.Int("step_budget", req.StepBudget),
			attribute.Int64("seed", int64(req.Seed)),
			attribute.String("prompt_profile", d.cfg.Profile.Version),
		),
	)
	defer span.End()

	r := &run{
		driver: d,
		cfg:    d.cfg,
		req:    req,
		span:   span,
		logger: logging.FromSpan(ctx, d.logger.With("label", req.Label)),
		sess: &Session{
			Executable: req.Executable,
			Args:       append([]string(nil), req.Args...),
			Label:      req.Label,
			StepBudget: req.StepBudget,
			Seed:       req.Seed,
			Phase:      PhaseAwaitingStartup,
			Started:    d.now(),
			ExitCode:   -1,
		},
		limiter: rate.NewLimiter(rate.Every(d.cfg.KeystrokeDelay), 1),
		tail:    newTailBuffer(d.cfg.DiagnosticBytes),
	}
	r.phases = newPhaseTracker(d.now, r.onTransition)
	r.execute(ctx)

	sess := r.sess
	span.SetAttributes(
		attribute.Int("pid", sess.PID),
		attribute.String("verdict", string(sess.Verdict)),
		attribute.Int("steps_played", sess.StepsPlayed),
		attribute.Int("exit_code", sess.ExitCode),
		attribute.Int("signal", int(sess.Signal)),
		attribute.Bool("quit_timed_out", sess.QuitTimedOut),
	)
	if sess.Passed() {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, sess.Classification.Summary())
	}
	return sess, nil
}

func normalizeRequest(req Request) (Request, error) {
	req.Executable = strings.TrimSpace(req.Executable)
	if req.Executable == "" {
		return Request{}, fmt.Errorf("%w: executable must not be empty", ErrInvalidRequest)
	}
	resolved, err := resolveExecutable(req.Executable)
	if err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	req.Executable = resolved
	if req.StepBudget <= 0 {
		return Request{}, fmt.Errorf("%w: step budget must be positive, got %d", ErrInvalidRequest, req.StepBudget)
	}
	if req.Timeout <= 0 {
		return Request{}, fmt.Errorf("%w: timeout must be positive, got %s", ErrInvalidRequest, req.Timeout)
	}
	if req.Args == nil {
		req.Args = append([]string(nil), DefaultArgs...)
	}
	if strings.TrimSpace(req.Label) == "" {
		req.Label = defaultLabel
	}
	return req, nil
}

func resolveExecutable(path string) (string, error) {
	if !strings.ContainsRune(path, os.PathSeparator) {
		resolved, err := exec.LookPath(path)
		if err != nil {
			return "", fmt.Errorf("resolve executable %q: %w", path, err)
		}
		return resolved, nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("stat executable %q: %w", path, err)
	}
	if info.IsDir() || info.Mode().Perm()&0o111 == 0 {
		return "", fmt.Errorf("%q is not an executable file", path)
	}
	return path, nil
}

// run is the state of one Session while it executes.
type run struct {
	driver  *Driver
	cfg     Config
	req     Request
	sess    *Session
	span    trace.Span
	logger  *log.Logger
	limiter *rate.Limiter
	tail    *tailBuffer
	phases  *phaseTracker

	proc        *process
	exp         *expecter
	watchdog    *time.Timer
	deadlineHit atomic.Bool
}

func (r *run) execute(parent context.Context) {
	ctx, cancel := context.WithTimeout(parent, r.req.Timeout)
	defer cancel()

	defer r.classify()
	defer r.shutdown()
	defer func() {
		if recovered := recover(); recovered != nil {
			r.fail(verdict.ProtocolError, fmt.Sprintf("panic during %s: %v", r.phases.current, recovered))
		}
	}()

	if !r.spawn() {
		return
	}
	for _, stage := range []func(context.Context) bool{r.negotiate, r.dismissIntro, r.play} {
		if !stage(ctx) {
			break
		}
	}
	if r.sess.ProtocolFailure == "" {
		r.quit(ctx)
	}
}

func (r *run) spawn() bool {
	proc, err := r.driver.start(spawnSpec{
		executable: r.req.Executable,
		args:       r.req.Args,
		env:        r.req.Env,
		dir:        r.req.Dir,
	})
	if err != nil {
		r.fail(verdict.ProtocolError, fmt.Sprintf("spawn target: %v", err))
		return false
	}
	r.proc = proc
	r.sess.PID = proc.pid
	r.logger = r.logger.With("pid", proc.pid)
	r.span.AddEvent("spawned", trace.WithAttributes(attribute.Int("pid", proc.pid)))

	sink := io.Writer(r.tail)
	if r.req.Transcript != nil {
		sink = io.MultiWriter(r.tail, r.req.Transcript)
	}
	r.exp = newExpecter(proc.output(), sink, r.cfg.MatchBufferBytes)
	r.watchdog = time.AfterFunc(r.req.Timeout+r.cfg.KillGrace, func() {
		r.deadlineHit.Store(true)
		proc.kill()
	})
	return true
}

// negotiate answers the startup prompt and, unless that prompt was final,
// the character confirmation that follows it.
func (r *run) negotiate(ctx context.Context) bool {
	profile := r.cfg.Profile
	m, err := r.exp.Expect(ctx, r.cfg.StartupTimeout, patternsOf(profile.Startup)...)
	if err != nil {
		r.expectFailed(ctx, "startup prompt", err)
		return false
	}
	prompt := profile.Startup[m.Index]
	if !prompt.Keep {
		r.exp.Consume(m)
	}
	if !r.advance(PhaseAwaitingConfirmation, "matched "+prompt.Name+" prompt") {
		return false
	}
	if !r.send(ctx, prompt.Render(r.req.Label)) {
		r.fail(verdict.ProtocolError, "target exited during character negotiation")
		return false
	}
	if prompt.Final {
		return r.advance(PhaseAwaitingGameStart, prompt.Name+" prompt answered directly")
	}

	for round := 0; round < r.cfg.MaxConfirmRounds; round++ {
		m, err := r.exp.Expect(ctx, r.cfg.ConfirmTimeout, patternsOf(profile.Confirmation)...)
		if err != nil {
			r.expectFailed(ctx, "character confirmation", err)
			return false
		}
		prompt := profile.Confirmation[m.Index]
		if !prompt.Keep {
			r.exp.Consume(m)
		}
		if reply := prompt.Render(r.req.Label); reply != "" {
			if !r.send(ctx, reply) {
				r.fail(verdict.ProtocolError, "target exited during character negotiation")
				return false
			}
		}
		if prompt.Final {
			return r.advance(PhaseAwaitingGameStart, "matched "+prompt.Name+" prompt")
		}
	}
	r.fail(verdict.ProtocolError, fmt.Sprintf("character confirmation did not settle after %d rounds", r.cfg.MaxConfirmRounds))
	return false
}

// dismissIntro clears the intro text. A missing marker is tolerated and the
// second dismissal is always sent.
func (r *run) dismissIntro(ctx context.Context) bool {
	m, err := r.exp.Expect(ctx, r.cfg.GameStartTimeout, r.cfg.Profile.GameStart...)
	switch {
	case err == nil:
		r.exp.Consume(m)
	case errors.Is(err, ErrExpectTimeout):
		r.logger.Debug("no game start marker, dismissing anyway")
	case errors.Is(err, ErrTargetClosed):
		r.logger.Debug("target output closed before game start")
	default:
		r.interrupted(ctx, err)
		return false
	}
	for i := 0; i < 2; i++ {
		if !r.send(ctx, " ") || !r.pause(ctx, r.cfg.IntroPause) {
			return r.sess.ProtocolFailure == ""
		}
	}
	return true
}

func (r *run) play(ctx context.Context) bool {
	for _, step := range Plan(r.req.StepBudget, r.req.Seed, r.req.Enhanced) {
		if r.targetGone() {
			r.sess.EndedEarly = true
			r.logger.Debug("target exited during play", "steps", r.sess.StepsPlayed)
			return true
		}
		if !r.advance(step.Phase, "scripted "+string(step.Phase)) {
			return false
		}
		if step.Save {
			saved, ok := r.save(ctx)
			if !ok {
				return r.sess.ProtocolFailure == ""
			}
			r.sess.StepsPlayed++
			if saved {
				return true
			}
			continue
		}
		if !r.send(ctx, step.Keys) {
			return r.sess.ProtocolFailure == ""
		}
		if step.Dismiss {
			if !r.pause(ctx, r.cfg.MenuPause) || !r.send(ctx, " ") {
				return r.sess.ProtocolFailure == ""
			}
		}
		r.sess.StepsPlayed++
	}
	return true
}

// save sends the save command and answers its prompts. A target that saves
// exits, which ends play; a refused or unanswered save lets play continue.
func (r *run) save(ctx context.Context) (saved, ok bool) {
	if !r.send(ctx, SaveKey) {
		return false, false
	}
	prompts := r.cfg.Profile.Save
	deadline := time.Now().Add(r.cfg.QuitTimeout)
	for round := 0; len(prompts) > 0 && round <= r.cfg.MaxMoreDismissals; round++ {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		m, err := r.exp.Expect(ctx, remaining, patternsOf(prompts)...)
		if errors.Is(err, ErrExpectTimeout) || errors.Is(err, ErrTargetClosed) {
			break
		}
		if err != nil {
			r.interrupted(ctx, err)
			return false, false
		}
		r.exp.Consume(m)
		prompt := prompts[m.Index]
		if reply := prompt.Render(r.req.Label); reply != "" && !r.send(ctx, reply) {
			break
		}
		if prompt.Name == "save_failed" {
			r.logger.Warn("target refused to save", "steps", r.sess.StepsPlayed)
			r.span.AddEvent("save_failed")
			return false, true
		}
		if prompt.Final {
			break
		}
	}
	if r.proc.waitExit(time.Until(deadline)) {
		r.sess.Saved = true
		r.logger.Info("target saved and exited", "steps", r.sess.StepsPlayed+1)
		r.span.AddEvent("saved")
		return true, true
	}
	r.logger.Debug("save result unclear, continuing play")
	return false, r.sess.ProtocolFailure == ""
}

// quit negotiates the quit prompt. A target that already exited, or that
// never confirms, is not a protocol failure.
func (r *run) quit(ctx context.Context) {
	if r.targetGone() {
		r.logger.Debug("target exited before quit negotiation")
		return
	}
	if !r.advance(PhaseAwaitingQuit, "play complete") {
		return
	}

	more := r.cfg.Profile.More
	for i := 0; i < r.cfg.MaxMoreDismissals; i++ {
		m, err := r.exp.Expect(ctx, r.cfg.MoreTimeout, more...)
		if err != nil {
			break
		}
		r.exp.Consume(m)
		if !r.send(ctx, " ") {
			return
		}
	}

	if r.confirmQuit(ctx) {
		r.awaitExit(ctx)
		return
	}
	if r.sess.ProtocolFailure != "" {
		return
	}
	if r.exp.Closed() {
		r.proc.waitExit(r.cfg.QuitTimeout)
	}
	if !r.proc.exited() {
		r.forceQuit("no quit confirmation")
	}
}

func (r *run) confirmQuit(ctx context.Context) bool {
	quitPatterns := r.cfg.Profile.Quit
	patterns := append(append([]*regexp.Regexp(nil), quitPatterns...), r.cfg.Profile.More...)
	if !r.send(ctx, "Q") {
		return false
	}
	for dismissed := 0; ; {
		m, err := r.exp.Expect(ctx, r.cfg.QuitTimeout, patterns...)
		switch {
		case err == nil:
		case errors.Is(err, ErrExpectTimeout), errors.Is(err, ErrTargetClosed):
			return false
		default:
			r.interrupted(ctx, err)
			return false
		}
		r.exp.Consume(m)
		if m.Index < len(quitPatterns) {
			return r.send(ctx, "y")
		}
		if dismissed >= r.cfg.MaxMoreDismissals {
			return false
		}
		dismissed++
		if !r.send(ctx, " ") || !r.send(ctx, "Q") {
			return false
		}
	}
}

func (r *run) awaitExit(ctx context.Context) {
	deadline := time.Now().Add(r.cfg.QuitTimeout)
	for !r.proc.exited() {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		m, err := r.exp.Expect(ctx, remaining, r.cfg.Profile.More...)
		switch {
		case err == nil:
			r.exp.Consume(m)
			if !r.send(ctx, " ") {
				return
			}
			continue
		case errors.Is(err, ErrTargetClosed):
			r.proc.waitExit(time.Until(deadline))
		case errors.Is(err, ErrExpectTimeout):
		default:
			r.interrupted(ctx, err)
			return
		}
		break
	}
	if !r.proc.exited() {
		r.forceQuit("target still running after quit confirmation")
	}
}

func (r *run) forceQuit(reason string) {
	r.sess.QuitTimedOut = true
	r.logger.Warn("quit negotiation timed out, terminating target", "reason", reason)
	r.span.AddEvent("quit_timeout", trace.WithAttributes(attribute.String("reason", reason)))
	r.proc.terminate(r.cfg.KillGrace)
}

// shutdown always leaves the process group dead, the child reaped, and the
// reader goroutine joined.
func (r *run) shutdown() {
	_ = r.phases.advance(PhaseTerminated, "session end")
	if r.watchdog != nil {
		r.watchdog.Stop()
	}
	if r.proc == nil {
		return
	}
	if r.exp != nil && r.exp.Closed() {
		r.proc.waitExit(exitSettle)
	}
	r.proc.terminate(r.cfg.KillGrace)
	if r.exp != nil && !r.exp.Wait(readerDrain) {
		r.proc.close()
		if !r.exp.Wait(readerDrain) {
			r.logger.Warn("pty reader did not stop")
		}
	}
	r.proc.close()
}

func (r *run) classify() {
	sess := r.sess
	sess.Phase = r.phases.current
	sess.Transitions = r.phases.records()
	sess.Elapsed = r.driver.now().Sub(sess.Started)
	if r.exp != nil {
		sess.BytesRead = r.exp.Received()
	}
	if r.deadlineHit.Load() {
		sess.DeadlineHit = true
		sess.ProtocolFailure = verdict.ProtocolTimeout
		sess.FailureDetail = fmt.Sprintf("session exceeded hard ceiling of %s", r.req.Timeout+r.cfg.KillGrace)
	}

	obs := verdict.Observation{
		ExitCode:          -1,
		DiagnosticText:    r.tail.String(),
		ToolErrorExitCode: r.req.ToolErrorExitCode,
		ProtocolFailure:   sess.ProtocolFailure,
		ProtocolDetail:    sess.FailureDetail,
	}
	if r.proc != nil {
		code, sig, ok := r.proc.status()
		if ok {
			obs.ExitCode = code
			obs.Signal = sig
			obs.Forced = r.proc.wasSignaled() && (sig == 0 || harnessSignal(sig))
		} else {
			invariants.CheckProcessReaped(trace.ContextWithSpan(context.Background(), r.span),
				"session.classify", r.proc.pid, false)
			if obs.ProtocolFailure == "" {
				obs.ProtocolFailure = verdict.ProtocolError
				obs.ProtocolDetail = "target was not reaped"
			}
		}
	}
	sess.ExitCode = obs.ExitCode
	sess.Signal = obs.Signal
	sess.Forced = obs.Forced

	var err error
	if obs.SanitizerLogPaths, err = verdict.FindSanitizerLogs(r.req.SanitizerLogGlobs); err != nil {
		r.logger.Warn("sanitizer log lookup failed", "err", err)
	}
	if obs.ValgrindLogPaths, err = verdict.FindSanitizerLogs(r.req.ValgrindLogPaths); err != nil {
		r.logger.Warn("valgrind log lookup failed", "err", err)
	}
	sess.SanitizerLogs = append(append([]string(nil), obs.SanitizerLogPaths...), obs.ValgrindLogPaths...)

	sess.Classification = r.driver.classifier.Classify(obs)
	sess.Verdict = sess.Classification.Verdict

	r.logger.Info("session finished",
		"verdict", sess.Verdict,
		"reasons", sess.Classification.Summary(),
		"exit_code", sess.ExitCode,
		"signal", int(sess.Signal),
		"steps", sess.StepsPlayed,
		"elapsed", sess.Elapsed.Round(time.Millisecond),
	)
}

func harnessSignal(sig syscall.Signal) bool {
	return sig == syscall.SIGTERM || sig == syscall.SIGKILL
}

// send writes keys one at a time, paced by the keystroke limiter. It returns
// false when play cannot continue; a target that exited is not a failure.
func (r *run) send(ctx context.Context, keys string) bool {
	for i := 0; i < len(keys); i++ {
		if err := r.limiter.Wait(ctx); err != nil {
			r.interrupted(ctx, err)
			return false
		}
		if err := r.proc.write([]byte{keys[i]}); err != nil {
			if r.targetGone() || r.proc.waitExit(exitSettle) {
				r.sess.EndedEarly = true
				return false
			}
			r.fail(verdict.ProtocolError, fmt.Sprintf("write to target during %s: %v", r.phases.current, err))
			return false
		}
	}
	return true
}

func (r *run) pause(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		r.interrupted(ctx, ctx.Err())
		return false
	}
}

func (r *run) targetGone() bool {
	return r.exp.Closed() || r.proc.exited()
}

func (r *run) advance(to Phase, reason string) bool {
	if err := r.phases.advance(to, reason); err != nil {
		invariants.CheckPhaseTransitionLegal(trace.ContextWithSpan(context.Background(), r.span),
			"session.advance", string(r.phases.current), string(to), false)
		r.fail(verdict.ProtocolError, err.Error())
		return false
	}
	return true
}

func (r *run) onTransition(record PhaseRecord) {
	r.sess.Phase = record.To
	r.span.AddEvent("phase_transition", trace.WithAttributes(
		attribute.String("from", string(record.From)),
		attribute.String("to", string(record.To)),
		attribute.String("reason", record.Reason),
	))
	r.logger.Debug("phase transition", "from", record.From, "to", record.To, "reason", record.Reason)
	pid := 0
	if r.proc != nil {
		pid = r.proc.pid
	}
	r.driver.bus.Publish(events.Event{
		Type:       events.EventTypePhaseTransition,
		Timestamp:  record.Timestamp,
		EntityType: "session",
		EntityID:   r.req.Label,
		Severity:   events.SeverityInfo,
		Payload: TransitionEvent{
			Label:  r.req.Label,
			PID:    pid,
			From:   record.From,
			To:     record.To,
			Reason: record.Reason,
		},
	})
}

func (r *run) expectFailed(ctx context.Context, what string, err error) {
	switch {
	case errors.Is(err, ErrExpectTimeout):
		r.fail(verdict.ProtocolTimeout, fmt.Sprintf("timed out waiting for %s", what))
	case errors.Is(err, ErrTargetClosed):
		r.fail(verdict.ProtocolError, fmt.Sprintf("target exited before %s", what))
	default:
		r.interrupted(ctx, err)
	}
}

// interrupted records a context or pacing failure. Cancellation by the caller
// is a protocol error; anything deadline-related is a timeout.
func (r *run) interrupted(ctx context.Context, err error) {
	if errors.Is(err, context.Canceled) && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
		r.fail(verdict.ProtocolError, fmt.Sprintf("session canceled during %s", r.phases.current))
		return
	}
	r.fail(verdict.ProtocolTimeout, fmt.Sprintf("session timeout exceeded during %s", r.phases.current))
}

// fail records the first protocol failure only.
func (r *run) fail(v verdict.Verdict, detail string) {
	if r.sess.ProtocolFailure != "" {
		return
	}
	r.sess.ProtocolFailure = v
	r.sess.FailureDetail = detail
	r.logger.Warn("session protocol failure", "verdict", v, "detail", detail, "phase", r.phases.current)
	r.span.AddEvent("protocol_failure", trace.WithAttributes(
		attribute.String("verdict", string(v)),
		attribute.String("detail", detail),
	))
}
