package campaign

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/restohack/gauntlet/internal/verdict"
)

// HistoryEntry is one recorded campaign.
type HistoryEntry struct {
	ID          string
	Lane        string
	Runs        int
	Steps       int
	Passed      int
	Failed      int
	FailureRate float64
	Accepted    bool
	LogDir      string
	StartedAt   time.Time
	FinishedAt  time.Time
}

// HistoryStore records campaigns and their trials in SQLite.
type HistoryStore struct {
	db *sql.DB
}

// OpenHistory opens or creates the history database at dsn.
func OpenHistory(dsn string) (*HistoryStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("history database path must not be empty")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}
	if strings.Contains(dsn, ":memory:") {
		db.SetMaxOpenConns(1)
	}

	store := &HistoryStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate history database: %w", err)
	}
	return store, nil
}

func (s *HistoryStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS campaigns (
			campaign_id TEXT PRIMARY KEY,
			lane TEXT NOT NULL,
			runs INTEGER NOT NULL,
			steps INTEGER NOT NULL,
			passed INTEGER NOT NULL DEFAULT 0,
			failed INTEGER NOT NULL DEFAULT 0,
			failure_rate REAL NOT NULL DEFAULT 0,
			accepted INTEGER NOT NULL DEFAULT 0,
			log_dir TEXT,
			started_at DATETIME NOT NULL,
			finished_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_campaigns_lane ON campaigns(lane, started_at)`,
		`CREATE TABLE IF NOT EXISTS trials (
			campaign_id TEXT NOT NULL,
			run INTEGER NOT NULL,
			label TEXT NOT NULL,
			seed TEXT NOT NULL,
			verdict TEXT NOT NULL,
			passed INTEGER NOT NULL,
			reasons TEXT,
			transcript TEXT,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (campaign_id, run)
		)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *HistoryStore) Close() error {
	return s.db.Close()
}

// TrialCompleted implements Sink.
func (s *HistoryStore) TrialCompleted(ctx context.Context, campaignID string, trial Trial) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO trials (campaign_id, run, label, seed, verdict, passed, reasons, transcript, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		campaignID, trial.Index, trial.Label, fmt.Sprintf("%d", trial.Seed), string(trial.Verdict),
		trial.Passed, strings.Join(trial.Reasons, "; "), trial.TranscriptPath, trial.DurationMS)
	if err != nil {
		return fmt.Errorf("record trial %s/%03d: %w", trial.Lane, trial.Index, err)
	}
	return nil
}

// CampaignCompleted implements Sink.
func (s *HistoryStore) CampaignCompleted(ctx context.Context, result Result) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO campaigns (campaign_id, lane, runs, steps, passed, failed, failure_rate, accepted, log_dir, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		result.ID, result.Lane, result.Runs, result.Steps, result.Passed, result.Failed,
		result.FailureRate, result.Accepted, result.LogDir, result.StartedAt, result.FinishedAt)
	if err != nil {
		return fmt.Errorf("record campaign %s: %w", result.ID, err)
	}
	return nil
}

// Recent lists the newest campaigns first. An empty lane lists all lanes.
func (s *HistoryStore) Recent(ctx context.Context, lane string, limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT campaign_id, lane, runs, steps, passed, failed, failure_rate, accepted, log_dir, started_at, finished_at
		FROM campaigns`
	args := []any{}
	if lane != "" {
		query += ` WHERE lane = ?`
		args = append(args, lane)
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query campaigns: %w", err)
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var entry HistoryEntry
		var logDir sql.NullString
		var finished sql.NullTime
		if err := rows.Scan(&entry.ID, &entry.Lane, &entry.Runs, &entry.Steps, &entry.Passed, &entry.Failed,
			&entry.FailureRate, &entry.Accepted, &logDir, &entry.StartedAt, &finished); err != nil {
			return nil, fmt.Errorf("scan campaign: %w", err)
		}
		entry.LogDir = logDir.String
		if finished.Valid {
			entry.FinishedAt = finished.Time
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// FailedTrials lists failed trials of one campaign in run order.
func (s *HistoryStore) FailedTrials(ctx context.Context, campaignID string) ([]Trial, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run, label, verdict, reasons, transcript FROM trials
		 WHERE campaign_id = ? AND passed = 0 ORDER BY run`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("query failed trials: %w", err)
	}
	defer rows.Close()

	var trials []Trial
	for rows.Next() {
		var trial Trial
		var verdictText string
		var reasons, transcript sql.NullString
		if err := rows.Scan(&trial.Index, &trial.Label, &verdictText, &reasons, &transcript); err != nil {
			return nil, fmt.Errorf("scan trial: %w", err)
		}
		trial.Verdict = verdict.Verdict(verdictText)
		if reasons.String != "" {
			trial.Reasons = strings.Split(reasons.String, "; ")
		}
		trial.TranscriptPath = transcript.String
		trials = append(trials, trial)
	}
	return trials, rows.Err()
}
