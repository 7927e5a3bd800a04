package console

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/restohack/gauntlet/internal/campaign"
)

// Reporter prints one line per trial and a summary per lane.
type Reporter struct {
	mu  sync.Mutex
	out io.Writer
}

// NewReporter writes to out.
func NewReporter(out io.Writer) *Reporter {
	if out == nil {
		out = io.Discard
	}
	return &Reporter{out: out}
}

// LaneStarted prints a lane heading.
func (r *Reporter) LaneStarted(name string, runs, steps int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintln(r.out, HeadingStyle.Render(fmt.Sprintf("%s %s: %d runs x %d steps", IconLane, name, runs, steps)))
}

// TrialCompleted implements campaign.Sink.
func (r *Reporter) TrialCompleted(_ context.Context, _ string, trial campaign.Trial) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := fmt.Fprintln(r.out, TrialLine(trial))
	return err
}

// CampaignCompleted implements campaign.Sink.
func (r *Reporter) CampaignCompleted(_ context.Context, result campaign.Result) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := fmt.Fprintln(r.out, SummaryBlock(result))
	return err
}

// TrialLine formats a trial as "✅ asan 001" or "❌ asan 007 FAILED (reasons)".
func TrialLine(trial campaign.Trial) string {
	id := fmt.Sprintf("%s %03d", trial.Lane, trial.Index)
	if trial.Passed {
		if trial.QuitTimedOut {
			return IconPass + " " + id + " " + WarnStyle.Render(IconWarn+" forced quit")
		}
		return IconPass + " " + PassStyle.Render(id)
	}
	line := IconFail + " " + FailStyle.Render(id+" FAILED")
	if len(trial.Reasons) > 0 {
		line += " (" + strings.Join(trial.Reasons, "; ") + ")"
	}
	if trial.TranscriptPath != "" {
		line += " " + DetailStyle.Render(trial.TranscriptPath)
	}
	return line
}

// SummaryLine is the plain one-line decision for a lane.
func SummaryLine(result campaign.Result) string {
	decision := "ACCEPTED"
	if !result.Accepted {
		decision = "REJECTED"
	}
	if result.Interrupted {
		decision = "INTERRUPTED"
	}
	return fmt.Sprintf("%s: passed=%d failed=%d failure_rate=%.1f%% threshold=%d%% %s",
		result.Lane, result.Passed, result.Failed, result.FailureRate, result.Threshold, decision)
}

// SummaryBlock renders SummaryLine in a bordered block colored by decision.
func SummaryBlock(result campaign.Result) string {
	style := PassStyle
	if !result.Accepted {
		style = FailStyle
	}
	body := style.Render(SummaryLine(result))
	if result.LogDir != "" {
		body += "\n" + DetailStyle.Render("logs: "+result.LogDir)
	}
	return SummaryBorder.Render(body)
}
