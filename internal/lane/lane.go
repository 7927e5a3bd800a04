package lane

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/restohack/gauntlet/internal/verdict"
)

const (
	// BuildTypeDebug is used for sanitizer lanes.
	BuildTypeDebug = "Debug"
	// BuildTypeHardened is used for the fortified release lane.
	BuildTypeHardened = "Hardened"
	// BuildTypeRelease is used for lanes without sanitizer or debug flags.
	BuildTypeRelease = "Release"

	// BinaryName is the target executable produced by every build directory.
	BinaryName = "hack"
	// DefaultLabelPrefix prefixes per-trial player labels.
	DefaultLabelPrefix = "Player"
)

// ErrBinaryNotFound reports a lane whose binary has not been built.
var ErrBinaryNotFound = errors.New("binary not found")

// ValgrindArgs are the memcheck flags placed before the target binary.
var ValgrindArgs = []string{
	"--error-exitcode=" + strconv.Itoa(verdict.DefaultToolErrorExitCode),
	"--leak-check=full",
	"--show-leak-kinds=all",
	"--track-origins=yes",
	"--error-limit=no",
	"--read-var-info=yes",
	"--num-callers=20",
}

// Lane is a named build configuration that yields one target binary.
type Lane struct {
	Name        string
	BuildDir    string
	BuildType   string
	CFlags      string
	Binary      string
	Valgrind    bool
	BuildFrom   string
	LabelPrefix string
}

// StandardLanes returns the sanitizer, hardened and Valgrind lanes rooted at root.
// The Valgrind lane reuses the hardened binary.
func StandardLanes(root string) []Lane {
	lanes := []Lane{
		{
			Name:   "asan",
			CFlags: "-fsanitize=address -fno-omit-frame-pointer -fno-sanitize-recover=all",
		},
		{
			Name: "ubsan",
			CFlags: "-fsanitize=undefined,bounds,shift,integer-divide-by-zero,signed-integer-overflow," +
				"null,unreachable,vla-bound,object-size -fno-omit-frame-pointer -fno-sanitize-recover=all",
		},
		{
			Name:   "asan-ubsan",
			CFlags: "-fsanitize=address,undefined -fno-omit-frame-pointer -fno-sanitize-recover=all",
		},
		{
			Name:   "hardened",
			CFlags: "-O2 -fPIE -fstack-protector-strong -D_FORTIFY_SOURCE=2",
		},
		{
			Name:        "valgrind",
			BuildFrom:   "hardened",
			Valgrind:    true,
			LabelPrefix: "VGPlayer",
		},
	}
	for i := range lanes {
		lanes[i] = lanes[i].withDefaults(root)
	}
	return lanes
}

// New returns a lane with build directory, build type and binary filled in.
func New(root, name, cflags string) Lane {
	return Lane{Name: name, CFlags: cflags}.withDefaults(root)
}

// Resolve fills in the build directory, build type and binary of l relative
// to root, leaving fields that are already set.
func Resolve(root string, l Lane) Lane {
	return l.withDefaults(root)
}

func (l Lane) withDefaults(root string) Lane {
	l.Name = strings.TrimSpace(l.Name)
	buildName := l.Name
	if l.BuildFrom != "" {
		buildName = l.BuildFrom
	}
	if l.BuildDir == "" {
		l.BuildDir = filepath.Join(root, "build-"+buildName)
	}
	if l.BuildType == "" {
		l.BuildType = InferBuildType(buildName, l.CFlags)
	}
	if l.Binary == "" {
		l.Binary = filepath.Join(l.BuildDir, BinaryName)
	}
	if l.LabelPrefix == "" {
		l.LabelPrefix = DefaultLabelPrefix
	}
	return l
}

// InferBuildType picks the CMake build type the project supports for a lane.
func InferBuildType(name, cflags string) string {
	if strings.Contains(strings.ToLower(name), "hardened") {
		return BuildTypeHardened
	}
	if strings.Contains(cflags, "-fsanitize") || strings.Contains(cflags, "-g") {
		return BuildTypeDebug
	}
	return BuildTypeRelease
}

// Sanitized reports whether the lane compiles in a sanitizer runtime.
func (l Lane) Sanitized() bool {
	return strings.Contains(l.CFlags, "sanitize")
}

// Buildable reports whether the lane owns its build directory.
func (l Lane) Buildable() bool {
	return l.BuildFrom == ""
}

// ToolErrorExitCode is the exit status that signals a wrapping tool found errors.
func (l Lane) ToolErrorExitCode() int {
	if l.Valgrind {
		return verdict.DefaultToolErrorExitCode
	}
	return 0
}

// CheckBinary verifies the lane binary exists and is executable.
func (l Lane) CheckBinary() error {
	info, err := os.Stat(l.Binary)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrBinaryNotFound, l.Binary)
		}
		return fmt.Errorf("stat lane binary %q: %w", l.Binary, err)
	}
	if info.IsDir() || info.Mode().Perm()&0o111 == 0 {
		return fmt.Errorf("lane binary %q is not executable", l.Binary)
	}
	return nil
}

// RunSpec identifies one trial for environment construction.
type RunSpec struct {
	LogDir     string
	Run        int
	Label      string
	Seed       uint64
	Symbolizer string
}

// RunEnv is the per-child environment snapshot and the evidence paths it implies.
type RunEnv struct {
	Env               []string
	LogBase           string
	SanitizerLogGlobs []string
	ValgrindLog       string
}

// LogBase returns "<dir>/<lane>_runNNN", the stem for every per-run artifact.
func LogBase(dir, laneName string, run int) string {
	return filepath.Join(dir, fmt.Sprintf("%s_run%03d", laneName, run))
}

// Label returns the player label for a 1-based trial index.
func (l Lane) Label(run int) string {
	prefix := l.LabelPrefix
	if prefix == "" {
		prefix = DefaultLabelPrefix
	}
	return fmt.Sprintf("%s%02d", prefix, run)
}

// RunEnvironment builds the environment for one child process. base is never
// mutated and the process environment is never touched.
func (l Lane) RunEnvironment(base []string, spec RunSpec) RunEnv {
	logBase := LogBase(spec.LogDir, l.Name, spec.Run)
	asanLog := logBase + ".asan"
	ubsanLog := logBase + ".ubsan"

	overrides := map[string]string{
		"ASAN_OPTIONS": strings.Join([]string{
			"abort_on_error=1",
			"strict_string_checks=1",
			"detect_stack_use_after_return=1",
			"check_initialization_order=1",
			"detect_leaks=1",
			"log_path=" + asanLog,
		}, ":"),
		"UBSAN_OPTIONS": strings.Join([]string{
			"print_stacktrace=1",
			"halt_on_error=1",
			"log_path=" + ubsanLog,
		}, ":"),
		"HACK_SEED": strconv.FormatUint(spec.Seed, 10),
		"TERM":      "xterm",
	}
	if spec.Label != "" {
		overrides["USER"] = spec.Label
		overrides["LOGNAME"] = spec.Label
	}
	if spec.Symbolizer != "" {
		overrides["ASAN_SYMBOLIZER_PATH"] = spec.Symbolizer
		overrides["UBSAN_SYMBOLIZER_PATH"] = spec.Symbolizer
	}

	env := RunEnv{
		Env:               MergeEnv(base, overrides),
		LogBase:           logBase,
		SanitizerLogGlobs: []string{asanLog + "*", ubsanLog + "*"},
	}
	if l.Valgrind {
		env.ValgrindLog = logBase + ".valgrind"
	}
	return env
}

// Command returns the executable and arguments used to launch the lane binary.
func (l Lane) Command(env RunEnv, args ...string) (string, []string) {
	if !l.Valgrind {
		return l.Binary, append([]string(nil), args...)
	}
	wrapped := append([]string(nil), ValgrindArgs...)
	if env.ValgrindLog != "" {
		wrapped = append(wrapped, "--log-file="+env.ValgrindLog)
	}
	wrapped = append(wrapped, l.Binary)
	wrapped = append(wrapped, args...)
	return "valgrind", wrapped
}

// MergeEnv returns a copy of base with overrides applied. Overridden keys keep
// their original position; new keys are appended in sorted order.
func MergeEnv(base []string, overrides map[string]string) []string {
	merged := make([]string, 0, len(base)+len(overrides))
	applied := make(map[string]struct{}, len(overrides))
	for _, entry := range base {
		key, _, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		if value, override := overrides[key]; override {
			if _, done := applied[key]; done {
				continue
			}
			merged = append(merged, key+"="+value)
			applied[key] = struct{}{}
			continue
		}
		merged = append(merged, entry)
	}

	remaining := make([]string, 0, len(overrides))
	for key := range overrides {
		if _, done := applied[key]; !done {
			remaining = append(remaining, key)
		}
	}
	sort.Strings(remaining)
	for _, key := range remaining {
		merged = append(merged, key+"="+overrides[key])
	}
	return merged
}
