package campaign

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const (
	// TrialsFileName is the JSON-lines stream of trial records.
	TrialsFileName = "trials.jsonl"
	// SummaryFileName holds the per-lane results of one invocation.
	SummaryFileName = "summary.json"
)

// EvidenceStore appends trial records and writes lane summaries under a
// campaign log directory.
type EvidenceStore struct {
	mu      sync.Mutex
	dir     string
	results []Result
}

// NewEvidenceStore writes into dir, creating it when needed.
func NewEvidenceStore(dir string) (*EvidenceStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("evidence directory must not be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create evidence dir: %w", err)
	}
	return &EvidenceStore{dir: dir}, nil
}

// Dir returns the evidence directory.
func (s *EvidenceStore) Dir() string {
	return s.dir
}

type trialRecord struct {
	CampaignID string `json:"campaign_id"`
	Trial
}

// TrialCompleted implements Sink.
func (s *EvidenceStore) TrialCompleted(_ context.Context, campaignID string, trial Trial) error {
	line, err := json.Marshal(trialRecord{CampaignID: campaignID, Trial: trial})
	if err != nil {
		return fmt.Errorf("marshal trial: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(filepath.Join(s.dir, TrialsFileName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open trials file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("append trial: %w", err)
	}
	return nil
}

// CampaignCompleted implements Sink. The summary file is rewritten with every
// lane finished so far.
func (s *EvidenceStore) CampaignCompleted(_ context.Context, result Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	summary := result
	summary.Trials = nil
	s.results = append(s.results, summary)

	payload, err := json.MarshalIndent(s.results, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	if err := os.WriteFile(filepath.Join(s.dir, SummaryFileName), append(payload, '\n'), 0o644); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	return nil
}

// LoadSummary reads the summary file from dir.
func LoadSummary(dir string) ([]Result, error) {
	data, err := os.ReadFile(filepath.Join(dir, SummaryFileName))
	if err != nil {
		return nil, fmt.Errorf("read summary: %w", err)
	}
	var results []Result
	if err := json.Unmarshal(data, &results); err != nil {
		return nil, fmt.Errorf("parse summary: %w", err)
	}
	return results, nil
}
