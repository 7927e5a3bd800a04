// Package logging writes the harness's JSON log file. Stdout stays reserved
// for campaign reports.
package logging

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel/trace"
)

const filePrefix = "gauntlet-"

// Option configures New.
type Option func(*settings)

type settings struct {
	dir      string
	runID    string
	level    log.Level
	maxFiles int
}

// WithDir writes log files into dir instead of ~/.gauntlet/logs.
func WithDir(dir string) Option {
	return func(s *settings) { s.dir = strings.TrimSpace(dir) }
}

// WithRunID names the file after id and stamps every record with run_id.
func WithRunID(id string) Option {
	return func(s *settings) { s.runID = strings.TrimSpace(id) }
}

// WithDebug lowers the level to debug.
func WithDebug(debug bool) Option {
	return func(s *settings) {
		if debug {
			s.level = log.DebugLevel
		}
	}
}

// WithMaxFiles keeps at most n gauntlet log files, removing the oldest.
func WithMaxFiles(n int) Option {
	return func(s *settings) { s.maxFiles = n }
}

// RuntimeLogger owns the open log file and the logger writing to it.
type RuntimeLogger struct {
	Logger *log.Logger
	base   *log.Logger
	file   *os.File
	path   string
}

// New opens a fresh log file named by UTC start time.
func New(_ context.Context, options ...Option) (*RuntimeLogger, error) {
	s := settings{level: log.InfoLevel}
	for _, option := range options {
		if option != nil {
			option(&s)
		}
	}

	dir := s.dir
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		dir = filepath.Join(home, ".gauntlet", "logs")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	name := filePrefix + time.Now().UTC().Format("20060102-150405")
	if s.runID != "" {
		name += "-" + s.runID
	}
	path := filepath.Join(dir, name+".log")
	// #nosec G304 -- path is built from the log directory and a timestamp.
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	base := log.NewWithOptions(file, log.Options{
		Level:           s.level,
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
		Formatter:       log.JSONFormatter,
	})
	r := &RuntimeLogger{base: base, file: file, path: path, Logger: base}
	if s.runID != "" {
		r.Logger = base.With("run_id", s.runID)
	}
	r.Logger.Info("logger initialized", "log_file", path, "pid", os.Getpid())

	if s.maxFiles > 0 {
		removed, err := prune(dir, path, s.maxFiles)
		switch {
		case err != nil:
			r.Logger.Warn("prune old log files", "err", err)
		case removed > 0:
			r.Logger.Debug("pruned old log files", "removed", removed)
		}
	}
	return r, nil
}

// WithRunID restamps subsequent records with run_id. The file name is kept.
func (r *RuntimeLogger) WithRunID(id string) *RuntimeLogger {
	if r == nil {
		return nil
	}
	r.Logger = r.base.With("run_id", strings.TrimSpace(id))
	return r
}

// Close closes the log file.
func (r *RuntimeLogger) Close() error {
	if r == nil || r.file == nil {
		return nil
	}
	return r.file.Close()
}

// Path returns the log file path.
func (r *RuntimeLogger) Path() string {
	if r == nil {
		return ""
	}
	return r.path
}

// FromSpan adds trace_id and span_id of the span in ctx so log records can be
// matched with exported traces. Without a recording span logger is returned
// unchanged.
func FromSpan(ctx context.Context, logger *log.Logger) *log.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if logger == nil || !sc.IsValid() {
		return logger
	}
	return logger.With("trace_id", sc.TraceID().String(), "span_id", sc.SpanID().String())
}

// prune removes the oldest gauntlet log files in dir until keep remain. The
// file at current survives regardless.
func prune(dir, current string, keep int) (int, error) {
	matches, err := filepath.Glob(filepath.Join(dir, filePrefix+"*.log"))
	if err != nil {
		return 0, err
	}
	if len(matches) <= keep {
		return 0, nil
	}
	// UTC timestamp prefix: lexical order is age order.
	slices.Sort(matches)
	removed := 0
	for _, path := range matches[:len(matches)-keep] {
		if path == current {
			continue
		}
		if err := os.Remove(path); err != nil {
			return removed, fmt.Errorf("remove %s: %w", path, err)
		}
		removed++
	}
	return removed, nil
}
