package verdict

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"syscall"
)

// Verdict is the classification of one finished session.
type Verdict string

const (
	// Clean indicates the target exited 0 with no diagnostic evidence.
	Clean Verdict = "clean"
	// NormalSignalExit indicates a benign termination such as a broken pipe.
	NormalSignalExit Verdict = "normal_signal_exit"
	// SanitizerViolation indicates sanitizer or Valgrind evidence was found.
	SanitizerViolation Verdict = "sanitizer_violation"
	// KilledBySignal indicates the target died from a non-benign signal.
	KilledBySignal Verdict = "killed_by_signal"
	// ProtocolTimeout indicates an expected prompt never appeared.
	ProtocolTimeout Verdict = "protocol_timeout"
	// ProtocolError indicates a spawn, I/O, or unexpected exit failure.
	ProtocolError Verdict = "protocol_error"
)

const (
	// ExitBrokenPipe is the shell-style exit status for SIGPIPE (128+13).
	ExitBrokenPipe = 141
	// DefaultToolErrorExitCode is passed to valgrind as --error-exitcode.
	DefaultToolErrorExitCode = 99
)

// DefaultMarkers are substrings that identify sanitizer reports.
var DefaultMarkers = []string{
	"AddressSanitizer",
	"LeakSanitizer",
	"runtime error:",
	"SUMMARY: UndefinedBehaviorSanitizer",
}

// All returns every verdict in a stable order.
func All() []Verdict {
	return []Verdict{
		Clean,
		NormalSignalExit,
		SanitizerViolation,
		KilledBySignal,
		ProtocolTimeout,
		ProtocolError,
	}
}

// Valid reports whether v is one of the enumerated verdicts.
func (v Verdict) Valid() bool {
	for _, candidate := range All() {
		if v == candidate {
			return true
		}
	}
	return false
}

// Passed reports whether the verdict counts as a passing trial.
func (v Verdict) Passed() bool {
	return v == Clean || v == NormalSignalExit
}

func (v Verdict) String() string {
	return string(v)
}

// Observation is everything observed about a finished target process.
type Observation struct {
	ExitCode int
	Signal   syscall.Signal
	// Forced means the harness itself terminated the target, whether it then
	// died from that signal or handled it and exited.
	Forced            bool
	DiagnosticText    string
	SanitizerLogPaths []string
	ValgrindLogPaths  []string
	ToolErrorExitCode int
	ProtocolFailure   Verdict
	ProtocolDetail    string
}

// Classification is a verdict with the reasons and evidence that produced it.
type Classification struct {
	Verdict  Verdict
	Reasons  []string
	Evidence []string
}

// HasSanitizerEvidence reports whether any sanitizer or Valgrind evidence was found.
func (c Classification) HasSanitizerEvidence() bool {
	return c.Verdict == SanitizerViolation || len(c.Evidence) > 0
}

// Summary joins reasons into one line for console output.
func (c Classification) Summary() string {
	if len(c.Reasons) == 0 {
		return string(c.Verdict)
	}
	return strings.Join(c.Reasons, "; ")
}

// Option customizes a Classifier.
type Option func(*Classifier)

// WithMarkers replaces the sanitizer marker set.
func WithMarkers(markers ...string) Option {
	return func(c *Classifier) {
		cleaned := make([]string, 0, len(markers))
		for _, marker := range markers {
			if strings.TrimSpace(marker) != "" {
				cleaned = append(cleaned, marker)
			}
		}
		if len(cleaned) > 0 {
			c.markers = cleaned
		}
	}
}

// WithAcceptedExitCodes replaces the accepted non-zero exit codes.
func WithAcceptedExitCodes(codes ...int) Option {
	return func(c *Classifier) {
		c.acceptedExitCodes = make(map[int]struct{}, len(codes))
		for _, code := range codes {
			if code != 0 {
				c.acceptedExitCodes[code] = struct{}{}
			}
		}
	}
}

// WithBenignSignals replaces the signal allow-list.
func WithBenignSignals(signals ...syscall.Signal) Option {
	return func(c *Classifier) {
		c.benignSignals = make(map[syscall.Signal]struct{}, len(signals))
		for _, sig := range signals {
			c.benignSignals[sig] = struct{}{}
		}
	}
}

// Classifier maps observations to verdicts. It is safe for concurrent use.
type Classifier struct {
	markers           []string
	acceptedExitCodes map[int]struct{}
	benignSignals     map[syscall.Signal]struct{}
	stat              func(string) (os.FileInfo, error)
	readFile          func(string) ([]byte, error)
}

// NewClassifier builds a classifier with the default marker set,
// accepted exit code 141 and SIGPIPE as the only benign signal.
func NewClassifier(options ...Option) *Classifier {
	c := &Classifier{
		markers:           append([]string(nil), DefaultMarkers...),
		acceptedExitCodes: map[int]struct{}{ExitBrokenPipe: {}},
		benignSignals:     map[syscall.Signal]struct{}{syscall.SIGPIPE: {}},
		stat:              os.Stat,
		readFile:          os.ReadFile,
	}
	for _, option := range options {
		if option != nil {
			option(c)
		}
	}
	return c
}

// Classify produces exactly one verdict. Sanitizer evidence outranks
// signals, signals outrank protocol failures, and exit codes come last.
func (c *Classifier) Classify(obs Observation) Classification {
	if c == nil {
		c = NewClassifier()
	}

	var result Classification
	result.Evidence = c.collectEvidence(obs, &result.Reasons)

	if marker := c.findMarker(obs.DiagnosticText); marker != "" {
		result.Verdict = SanitizerViolation
		result.Reasons = append([]string{fmt.Sprintf("sanitizer marker %q in output", marker)}, result.Reasons...)
		return result
	}
	if len(result.Evidence) > 0 {
		result.Verdict = SanitizerViolation
		return result
	}
	if obs.ToolErrorExitCode != 0 && obs.ExitCode == obs.ToolErrorExitCode && obs.Signal == 0 {
		result.Verdict = SanitizerViolation
		result.Reasons = append(result.Reasons, fmt.Sprintf("tool error exit code %d", obs.ExitCode))
		return result
	}

	if obs.Signal != 0 && !obs.Forced && !c.isBenignSignal(obs.Signal) {
		result.Verdict = KilledBySignal
		result.Reasons = append(result.Reasons, fmt.Sprintf("killed by signal %d (%s)", int(obs.Signal), obs.Signal))
		return result
	}

	if obs.ProtocolFailure != "" {
		result.Verdict = obs.ProtocolFailure
		if !result.Verdict.Valid() || result.Verdict.Passed() {
			result.Verdict = ProtocolError
		}
		reason := string(result.Verdict)
		if detail := strings.TrimSpace(obs.ProtocolDetail); detail != "" {
			reason = detail
		}
		result.Reasons = append(result.Reasons, reason)
		return result
	}

	switch {
	case obs.Signal != 0 && c.isBenignSignal(obs.Signal):
		result.Verdict = NormalSignalExit
		result.Reasons = append(result.Reasons, fmt.Sprintf("benign signal %s", obs.Signal))
	case obs.Forced:
		// The target's hangup handler may save and exit non-zero instead of
		// dying from the harness's signal.
		result.Verdict = Clean
		if obs.Signal != 0 {
			result.Reasons = append(result.Reasons, "terminated by harness after quit negotiation")
		} else {
			result.Reasons = append(result.Reasons, fmt.Sprintf("exited %d after harness termination", obs.ExitCode))
		}
	case obs.ExitCode == 0:
		result.Verdict = Clean
	case c.isAcceptedExitCode(obs.ExitCode):
		result.Verdict = NormalSignalExit
		result.Reasons = append(result.Reasons, fmt.Sprintf("accepted exit code %d", obs.ExitCode))
	default:
		result.Verdict = ProtocolError
		result.Reasons = append(result.Reasons, fmt.Sprintf("unexpected exit code %d", obs.ExitCode))
	}
	return result
}

func (c *Classifier) findMarker(text string) string {
	if text == "" {
		return ""
	}
	for _, marker := range c.markers {
		if strings.Contains(text, marker) {
			return marker
		}
	}
	return ""
}

func (c *Classifier) collectEvidence(obs Observation, reasons *[]string) []string {
	evidence := make([]string, 0)
	for _, path := range uniqueSorted(obs.SanitizerLogPaths) {
		info, err := c.stat(path)
		if err != nil || info.IsDir() || info.Size() == 0 {
			continue
		}
		evidence = append(evidence, path)
		*reasons = append(*reasons, fmt.Sprintf("sanitizer log %s (%d bytes)", path, info.Size()))
	}
	for _, path := range uniqueSorted(obs.ValgrindLogPaths) {
		data, err := c.readFile(path)
		if err != nil {
			continue
		}
		if count := ValgrindErrorCount(string(data)); count > 0 {
			evidence = append(evidence, path)
			*reasons = append(*reasons, fmt.Sprintf("valgrind reported %d errors in %s", count, path))
		}
	}
	return evidence
}

func (c *Classifier) isBenignSignal(sig syscall.Signal) bool {
	_, ok := c.benignSignals[sig]
	return ok
}

func (c *Classifier) isAcceptedExitCode(code int) bool {
	_, ok := c.acceptedExitCodes[code]
	return ok
}

func uniqueSorted(paths []string) []string {
	seen := make(map[string]struct{}, len(paths))
	out := make([]string, 0, len(paths))
	for _, path := range paths {
		path = strings.TrimSpace(path)
		if path == "" {
			continue
		}
		if _, ok := seen[path]; ok {
			continue
		}
		seen[path] = struct{}{}
		out = append(out, path)
	}
	sort.Strings(out)
	return out
}
