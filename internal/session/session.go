package session

import (
	"errors"
	"io"
	"syscall"
	"time"

	"github.com/restohack/gauntlet/internal/verdict"
)

// ErrInvalidRequest reports a request that was rejected before spawning.
var ErrInvalidRequest = errors.New("invalid session request")

// DefaultArgs launches the target in its debug mode.
var DefaultArgs = []string{"-D"}

// Request describes one session. Env is passed to the child verbatim.
type Request struct {
	Executable        string
	Args              []string
	Env               []string
	Dir               string
	Label             string
	StepBudget        int
	Seed              uint64
	Enhanced          bool
	Timeout           time.Duration
	Transcript        io.Writer
	SanitizerLogGlobs []string
	ValgrindLogPaths  []string
	ToolErrorExitCode int
}

// Session is the record of one run of the target binary.
type Session struct {
	Executable string
	Args       []string
	Label      string
	StepBudget int
	Seed       uint64
	PID        int

	Phase       Phase
	Transitions []PhaseRecord
	StepsPlayed int
	BytesRead   int64
	Started     time.Time
	Elapsed     time.Duration

	ExitCode     int
	Signal       syscall.Signal
	Forced       bool
	QuitTimedOut bool
	DeadlineHit  bool
	EndedEarly   bool
	// Saved means the target saved on the scripted save command and exited.
	Saved bool

	ProtocolFailure verdict.Verdict
	FailureDetail   string
	SanitizerLogs   []string

	Classification verdict.Classification
	Verdict        verdict.Verdict
}

// Passed reports whether the session verdict counts as a pass.
func (s *Session) Passed() bool {
	return s != nil && s.Verdict.Passed() && !s.Classification.HasSanitizerEvidence()
}

// Config tunes per-phase waits and pacing. Zero values take defaults.
type Config struct {
	StartupTimeout    time.Duration
	ConfirmTimeout    time.Duration
	GameStartTimeout  time.Duration
	MoreTimeout       time.Duration
	QuitTimeout       time.Duration
	KillGrace         time.Duration
	KeystrokeDelay    time.Duration
	IntroPause        time.Duration
	MenuPause         time.Duration
	MaxMoreDismissals int
	MaxConfirmRounds  int
	MatchBufferBytes  int
	DiagnosticBytes   int
	Profile           PromptProfile
}

const (
	DefaultStartupTimeout    = 10 * time.Second
	DefaultConfirmTimeout    = 5 * time.Second
	DefaultGameStartTimeout  = 8 * time.Second
	DefaultMoreTimeout       = 300 * time.Millisecond
	DefaultQuitTimeout       = 5 * time.Second
	DefaultKillGrace         = 2 * time.Second
	DefaultKeystrokeDelay    = 50 * time.Millisecond
	DefaultIntroPause        = 500 * time.Millisecond
	DefaultMenuPause         = 200 * time.Millisecond
	DefaultMaxMoreDismissals = 3
	DefaultMaxConfirmRounds  = 3
)

// DefaultConfig returns the default per-phase timing.
func DefaultConfig() Config {
	return Config{
		StartupTimeout:    DefaultStartupTimeout,
		ConfirmTimeout:    DefaultConfirmTimeout,
		GameStartTimeout:  DefaultGameStartTimeout,
		MoreTimeout:       DefaultMoreTimeout,
		QuitTimeout:       DefaultQuitTimeout,
		KillGrace:         DefaultKillGrace,
		KeystrokeDelay:    DefaultKeystrokeDelay,
		IntroPause:        DefaultIntroPause,
		MenuPause:         DefaultMenuPause,
		MaxMoreDismissals: DefaultMaxMoreDismissals,
		MaxConfirmRounds:  DefaultMaxConfirmRounds,
		MatchBufferBytes:  DefaultMatchBufferBytes,
		DiagnosticBytes:   DefaultDiagnosticTailBytes,
		Profile:           DefaultProfile(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.StartupTimeout <= 0 {
		c.StartupTimeout = d.StartupTimeout
	}
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = d.ConfirmTimeout
	}
	if c.GameStartTimeout <= 0 {
		c.GameStartTimeout = d.GameStartTimeout
	}
	if c.MoreTimeout <= 0 {
		c.MoreTimeout = d.MoreTimeout
	}
	if c.QuitTimeout <= 0 {
		c.QuitTimeout = d.QuitTimeout
	}
	if c.KillGrace <= 0 {
		c.KillGrace = d.KillGrace
	}
	if c.KeystrokeDelay <= 0 {
		c.KeystrokeDelay = d.KeystrokeDelay
	}
	if c.IntroPause < 0 {
		c.IntroPause = 0
	}
	if c.MenuPause < 0 {
		c.MenuPause = 0
	}
	if c.MaxMoreDismissals <= 0 {
		c.MaxMoreDismissals = d.MaxMoreDismissals
	}
	if c.MaxConfirmRounds <= 0 {
		c.MaxConfirmRounds = d.MaxConfirmRounds
	}
	if c.MatchBufferBytes <= 0 {
		c.MatchBufferBytes = d.MatchBufferBytes
	}
	if c.DiagnosticBytes <= 0 {
		c.DiagnosticBytes = d.DiagnosticBytes
	}
	if len(c.Profile.Startup) == 0 {
		c.Profile = d.Profile
	}
	return c
}

type spawnSpec struct {
	executable string
	args       []string
	env        []string
	dir        string
}
