package verdict

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestClassifyPrecedence(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	asanLog := filepath.Join(dir, "asan_run007.asan.4242")
	if err := os.WriteFile(asanLog, []byte("==4242==ERROR: heap-use-after-free\n"), 0o600); err != nil {
		t.Fatalf("write asan log: %v", err)
	}
	emptyLog := filepath.Join(dir, "asan_run008.asan.4243")
	if err := os.WriteFile(emptyLog, nil, 0o600); err != nil {
		t.Fatalf("write empty log: %v", err)
	}
	dirtyValgrind := filepath.Join(dir, "valgrind_run001.valgrind")
	if err := os.WriteFile(dirtyValgrind, []byte("==1== ERROR SUMMARY: 3 errors from 2 contexts\n"), 0o600); err != nil {
		t.Fatalf("write valgrind log: %v", err)
	}
	cleanValgrind := filepath.Join(dir, "valgrind_run002.valgrind")
	if err := os.WriteFile(cleanValgrind, []byte("==1== ERROR SUMMARY: 0 errors from 0 contexts\n"), 0o600); err != nil {
		t.Fatalf("write valgrind log: %v", err)
	}

	tests := []struct {
		name string
		obs  Observation
		want Verdict
	}{
		{
			name: "clean exit",
			obs:  Observation{ExitCode: 0},
			want: Clean,
		},
		{
			name: "broken pipe exit code",
			obs:  Observation{ExitCode: ExitBrokenPipe},
			want: NormalSignalExit,
		},
		{
			name: "sigpipe",
			obs:  Observation{ExitCode: -1, Signal: syscall.SIGPIPE},
			want: NormalSignalExit,
		},
		{
			name: "marker beats exit zero",
			obs:  Observation{ExitCode: 0, DiagnosticText: "==1==ERROR: AddressSanitizer: heap-buffer-overflow"},
			want: SanitizerViolation,
		},
		{
			name: "ubsan runtime error",
			obs:  Observation{ExitCode: 0, DiagnosticText: "hack.c:12:3: runtime error: signed integer overflow"},
			want: SanitizerViolation,
		},
		{
			name: "non-empty sanitizer log beats exit zero",
			obs:  Observation{ExitCode: 0, SanitizerLogPaths: []string{asanLog}},
			want: SanitizerViolation,
		},
		{
			name: "empty sanitizer log ignored",
			obs:  Observation{ExitCode: 0, SanitizerLogPaths: []string{emptyLog}},
			want: Clean,
		},
		{
			name: "missing sanitizer log ignored",
			obs:  Observation{ExitCode: 0, SanitizerLogPaths: []string{filepath.Join(dir, "nope.asan")}},
			want: Clean,
		},
		{
			name: "marker beats signal",
			obs:  Observation{ExitCode: -1, Signal: syscall.SIGABRT, DiagnosticText: "SUMMARY: UndefinedBehaviorSanitizer: undefined-behavior"},
			want: SanitizerViolation,
		},
		{
			name: "segv",
			obs:  Observation{ExitCode: -1, Signal: syscall.SIGSEGV},
			want: KilledBySignal,
		},
		{
			name: "signal beats protocol timeout",
			obs:  Observation{ExitCode: -1, Signal: syscall.SIGSEGV, ProtocolFailure: ProtocolTimeout},
			want: KilledBySignal,
		},
		{
			name: "forced kill reports protocol timeout",
			obs:  Observation{ExitCode: -1, Signal: syscall.SIGKILL, Forced: true, ProtocolFailure: ProtocolTimeout},
			want: ProtocolTimeout,
		},
		{
			name: "forced kill after quit is clean",
			obs:  Observation{ExitCode: -1, Signal: syscall.SIGTERM, Forced: true},
			want: Clean,
		},
		{
			name: "hangup handler exit after forced quit is clean",
			obs:  Observation{ExitCode: 1, Forced: true},
			want: Clean,
		},
		{
			name: "hangup handler exit with sanitizer log",
			obs:  Observation{ExitCode: 1, Forced: true, SanitizerLogPaths: []string{asanLog}},
			want: SanitizerViolation,
		},
		{
			name: "unforced exit one",
			obs:  Observation{ExitCode: 1},
			want: ProtocolError,
		},
		{
			name: "protocol error",
			obs:  Observation{ExitCode: 0, ProtocolFailure: ProtocolError},
			want: ProtocolError,
		},
		{
			name: "unexpected exit code",
			obs:  Observation{ExitCode: 3},
			want: ProtocolError,
		},
		{
			name: "valgrind errors",
			obs:  Observation{ExitCode: 0, ValgrindLogPaths: []string{dirtyValgrind}},
			want: SanitizerViolation,
		},
		{
			name: "valgrind clean report",
			obs:  Observation{ExitCode: 0, ValgrindLogPaths: []string{cleanValgrind}},
			want: Clean,
		},
		{
			name: "valgrind tool exit code",
			obs:  Observation{ExitCode: DefaultToolErrorExitCode, ToolErrorExitCode: DefaultToolErrorExitCode},
			want: SanitizerViolation,
		},
		{
			name: "tool exit code disabled",
			obs:  Observation{ExitCode: DefaultToolErrorExitCode},
			want: ProtocolError,
		},
	}

	classifier := NewClassifier()
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := classifier.Classify(tc.obs)
			if got.Verdict != tc.want {
				t.Fatalf("verdict = %q, want %q (reasons: %v)", got.Verdict, tc.want, got.Reasons)
			}
		})
	}
}

func TestClassifyRecordsEvidencePaths(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	logPath := filepath.Join(dir, "ubsan_run002.ubsan.77")
	if err := os.WriteFile(logPath, []byte("runtime error"), 0o600); err != nil {
		t.Fatalf("write log: %v", err)
	}

	got := NewClassifier().Classify(Observation{SanitizerLogPaths: []string{logPath, logPath}})
	if len(got.Evidence) != 1 || got.Evidence[0] != logPath {
		t.Fatalf("evidence = %v, want [%s]", got.Evidence, logPath)
	}
	if !got.HasSanitizerEvidence() {
		t.Fatal("expected sanitizer evidence")
	}
	if !strings.Contains(got.Summary(), "ubsan_run002.ubsan.77") {
		t.Fatalf("summary = %q, want log path", got.Summary())
	}
}

func TestClassifierOptions(t *testing.T) {
	t.Parallel()

	classifier := NewClassifier(
		WithMarkers("MemorySanitizer"),
		WithAcceptedExitCodes(2),
		WithBenignSignals(syscall.SIGHUP),
	)

	if got := classifier.Classify(Observation{DiagnosticText: "AddressSanitizer"}).Verdict; got != Clean {
		t.Fatalf("replaced marker verdict = %q, want %q", got, Clean)
	}
	if got := classifier.Classify(Observation{DiagnosticText: "WARNING: MemorySanitizer"}).Verdict; got != SanitizerViolation {
		t.Fatalf("custom marker verdict = %q, want %q", got, SanitizerViolation)
	}
	if got := classifier.Classify(Observation{ExitCode: 2}).Verdict; got != NormalSignalExit {
		t.Fatalf("accepted exit verdict = %q, want %q", got, NormalSignalExit)
	}
	if got := classifier.Classify(Observation{ExitCode: ExitBrokenPipe}).Verdict; got != ProtocolError {
		t.Fatalf("replaced exit verdict = %q, want %q", got, ProtocolError)
	}
	if got := classifier.Classify(Observation{ExitCode: -1, Signal: syscall.SIGPIPE}).Verdict; got != KilledBySignal {
		t.Fatalf("replaced signal verdict = %q, want %q", got, KilledBySignal)
	}
}

func TestVerdictPassed(t *testing.T) {
	t.Parallel()

	passing := map[Verdict]bool{Clean: true, NormalSignalExit: true}
	for _, v := range All() {
		if v.Passed() != passing[v] {
			t.Fatalf("%s.Passed() = %v, want %v", v, v.Passed(), passing[v])
		}
		if !v.Valid() {
			t.Fatalf("%s.Valid() = false", v)
		}
	}
	if Verdict("dead").Valid() {
		t.Fatal("unexpected valid verdict")
	}
}

func TestFindSanitizerLogs(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	for _, name := range []string{"asan_run001.asan.11", "asan_run001.asan.12", "asan_run002.asan.13"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o600); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}

	found, err := FindSanitizerLogs([]string{
		filepath.Join(dir, "asan_run001.asan*"),
		filepath.Join(dir, "asan_run001.asan.11"),
		"",
	})
	if err != nil {
		t.Fatalf("find logs: %v", err)
	}
	if len(found) != 2 {
		t.Fatalf("found = %v, want 2 entries", found)
	}
}

func TestFindSanitizerLogsKeepsMatchesPastBadPattern(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	logPath := filepath.Join(dir, "asan_run003.asan.21")
	if err := os.WriteFile(logPath, []byte("x"), 0o600); err != nil {
		t.Fatalf("write log: %v", err)
	}

	found, err := FindSanitizerLogs([]string{
		filepath.Join(dir, "asan[_run003.asan*"),
		filepath.Join(dir, "asan_run003.asan*"),
	})
	if !errors.Is(err, filepath.ErrBadPattern) {
		t.Fatalf("err = %v, want ErrBadPattern", err)
	}
	if len(found) != 1 || found[0] != logPath {
		t.Fatalf("found = %v, want [%s]", found, logPath)
	}
}

func TestValgrindErrorCount(t *testing.T) {
	t.Parallel()

	tests := map[string]int{
		"":                                             0,
		"==9== ERROR SUMMARY: 0 errors from 0 contexts": 0,
		"==9== ERROR SUMMARY: 1 error from 1 contexts":  1,
		"==9== ERROR SUMMARY: 4 errors from 2 contexts\n==10== ERROR SUMMARY: 2 errors from 1 contexts": 6,
	}
	for report, want := range tests {
		if got := ValgrindErrorCount(report); got != want {
			t.Fatalf("ValgrindErrorCount(%q) = %d, want %d", report, got, want)
		}
	}
}

func TestGameplayTextNeverChangesVerdictProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)
	classifier := NewClassifier()

	gameplay := gen.OneConstOf(
		"You die...",
		"Killed by a jackal on level 3",
		"You have 42 gold pieces. Score 1337.",
		"--More--",
		"The gnome lord hits! Welcome to level 2.",
		"Do you want your possessions identified?",
	)

	properties.Property("exit 0 with gameplay text is clean", prop.ForAll(
		func(prefix string, text string) bool {
			if containsAnyMarker(prefix) {
				return true
			}
			got := classifier.Classify(Observation{ExitCode: 0, DiagnosticText: prefix + text + prefix})
			return got.Verdict == Clean
		},
		gen.AlphaString(),
		gameplay,
	))

	properties.Property("marker always wins", prop.ForAll(
		func(exitCode int, text string, marker string) bool {
			got := classifier.Classify(Observation{
				ExitCode:        exitCode,
				Signal:          syscall.SIGSEGV,
				ProtocolFailure: ProtocolTimeout,
				DiagnosticText:  text + marker + text,
			})
			return got.Verdict == SanitizerViolation
		},
		gen.IntRange(-1, 255),
		gen.AlphaString(),
		gen.OneConstOf(DefaultMarkers[0], DefaultMarkers[1], DefaultMarkers[2], DefaultMarkers[3]),
	))

	properties.Property("verdict is always enumerated", prop.ForAll(
		func(exitCode int, sig int, forced bool) bool {
			got := classifier.Classify(Observation{
				ExitCode: exitCode,
				Signal:   syscall.Signal(sig),
				Forced:   forced,
			})
			return got.Verdict.Valid()
		},
		gen.IntRange(-1, 255),
		gen.IntRange(0, 31),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

func containsAnyMarker(text string) bool {
	for _, marker := range DefaultMarkers {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}
