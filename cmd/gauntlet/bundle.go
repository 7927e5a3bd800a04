package main

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/restohack/gauntlet/internal/campaign"
	"github.com/spf13/cobra"
)

const bundleLogLimit = 3

var (
	bundleNowFn = func() time.Time {
		return time.Now().UTC()
	}
	bundleHomeDirFn = os.UserHomeDir
	bundleRunCmdFn  = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return exec.CommandContext(ctx, name, args...).CombinedOutput()
	}
)

func newBundleCommand(a *app) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "bundle [DIR]",
		Short: "Package a campaign directory and diagnostics into a .tar.gz",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logRoot, err := a.cfg.LogDir()
			if err != nil {
				return err
			}
			campaignDir := ""
			if len(args) == 1 {
				campaignDir = args[0]
			} else {
				campaignDir, err = latestCampaignDir(logRoot)
				if err != nil {
					return err
				}
			}
			root, err := a.cfg.Root()
			if err != nil {
				return err
			}
			if a.logger != nil {
				a.logger.With("command", "bundle", "dir", campaignDir).Info("collecting campaign bundle")
			}
			return runBundle(cmd.Context(), cmd.OutOrStdout(), root, campaignDir, output)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "archive path (default: <dir>.tar.gz next to the campaign directory)")
	return cmd
}

// latestCampaignDir returns the newest timestamped campaign directory under logRoot.
func latestCampaignDir(logRoot string) (string, error) {
	entries, err := os.ReadDir(logRoot)
	if err != nil {
		return "", fmt.Errorf("read log root: %w", err)
	}
	var names []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, err := time.Parse("20060102-150405", entry.Name()); err == nil {
			names = append(names, entry.Name())
		}
	}
	if len(names) == 0 {
		return "", fmt.Errorf("no campaign directories under %s", logRoot)
	}
	sort.Strings(names)
	return filepath.Join(logRoot, names[len(names)-1]), nil
}

func runBundle(ctx context.Context, out io.Writer, projectRoot, campaignDir, destination string) error {
	campaignDir = filepath.Clean(campaignDir)
	info, err := os.Stat(campaignDir)
	if err != nil {
		return fmt.Errorf("stat campaign directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", campaignDir)
	}
	if destination == "" {
		destination = campaignDir + ".tar.gz"
	}

	homeDir, err := bundleHomeDirFn()
	if err != nil {
		return fmt.Errorf("resolve home directory: %w", err)
	}
	homeDir = filepath.Clean(homeDir)
	if strings.TrimSpace(homeDir) == "" || homeDir == "." {
		return errors.New("home directory is not valid")
	}

	stagingDir, err := os.MkdirTemp("", "gauntlet-bundle-*")
	if err != nil {
		return fmt.Errorf("create staging directory: %w", err)
	}
	defer func() {
		_ = os.RemoveAll(stagingDir)
	}()

	summary, err := collectBundleArtifacts(ctx, homeDir, projectRoot, campaignDir, stagingDir)
	if err != nil {
		return err
	}
	if err := writeBundleREADME(stagingDir, summary); err != nil {
		return err
	}
	if err := archiveBundle(ctx, destination, campaignDir, stagingDir); err != nil {
		return err
	}

	if out == nil {
		out = os.Stdout
	}
	if _, err := fmt.Fprintf(out, "Bundle written to: %s\n", destination); err != nil {
		return fmt.Errorf("write bundle output: %w", err)
	}
	return nil
}

type bundleSummary struct {
	Timestamp   string
	Version     string
	CampaignDir string
	Lanes       []string
	LogFiles    []string
	RunID       string
	TraceID     string
	Warnings    []string
}

func collectBundleArtifacts(
	ctx context.Context,
	homeDir string,
	projectRoot string,
	campaignDir string,
	stagingDir string,
) (bundleSummary, error) {
	summary := bundleSummary{
		Timestamp:   bundleNowFn().Format(time.RFC3339),
		Version:     Version,
		CampaignDir: campaignDir,
		Warnings:    make([]string, 0),
	}

	if results, err := campaign.LoadSummary(campaignDir); err != nil {
		summary.Warnings = append(summary.Warnings, fmt.Sprintf("no campaign summary: %v", err))
	} else {
		for _, result := range results {
			decision := "ACCEPTED"
			if !result.Accepted {
				decision = "REJECTED"
			}
			summary.Lanes = append(summary.Lanes,
				fmt.Sprintf("%s passed=%d failed=%d %s", result.Lane, result.Passed, result.Failed, decision))
		}
	}

	logFiles, warnings := copyRecentLogs(homeDir, stagingDir, bundleLogLimit)
	summary.LogFiles = logFiles
	summary.Warnings = append(summary.Warnings, warnings...)

	summary.RunID, summary.TraceID = extractLastCorrelation(logFiles)
	if summary.RunID == "" && summary.TraceID == "" {
		summary.Warnings = append(summary.Warnings, "no run_id/trace_id found in copied logs")
	}

	if err := writeStagedFile(stagingDir, "last-run.txt",
		fmt.Sprintf("run_id: %s\ntrace_id: %s\n", summary.RunID, summary.TraceID)); err != nil {
		return bundleSummary{}, err
	}
	if err := writeStagedFile(stagingDir, "version.txt",
		fmt.Sprintf("gauntlet version: %s\n", strings.TrimSpace(summary.Version))); err != nil {
		return bundleSummary{}, err
	}
	if err := copyRedactedConfig(homeDir, projectRoot, stagingDir, &summary); err != nil {
		return bundleSummary{}, err
	}
	if err := writeGitState(ctx, projectRoot, stagingDir); err != nil {
		return bundleSummary{}, err
	}
	return summary, nil
}

func copyRecentLogs(homeDir string, stagingDir string, limit int) ([]string, []string) {
	logsDir := filepath.Join(homeDir, ".gauntlet", "logs")
	files, err := newestFiles(logsDir, limit)
	if err != nil {
		return nil, []string{fmt.Sprintf("unable to read logs directory: %v", err)}
	}

	destDir := filepath.Join(stagingDir, "logs")
	if err := os.MkdirAll(destDir, 0o750); err != nil {
		return nil, []string{fmt.Sprintf("unable to create logs staging directory: %v", err)}
	}

	warnings := make([]string, 0)
	copied := make([]string, 0, len(files))
	for _, file := range files {
		// #nosec G304 -- source path comes from ~/.gauntlet/logs enumeration.
		data, err := os.ReadFile(file.path)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("unable to read log %s: %v", file.path, err))
			continue
		}
		if err := os.WriteFile(filepath.Join(destDir, filepath.Base(file.path)), data, 0o600); err != nil {
			warnings = append(warnings, fmt.Sprintf("unable to stage log %s: %v", file.path, err))
			continue
		}
		copied = append(copied, file.path)
	}
	return copied, warnings
}

func extractLastCorrelation(logPaths []string) (string, string) {
	for _, logPath := range logPaths {
		// #nosec G304 -- log paths are selected from ~/.gauntlet/logs.
		data, err := os.ReadFile(logPath)
		if err != nil {
			continue
		}
		lines := strings.Split(strings.TrimSpace(string(data)), "\n")
		for i := len(lines) - 1; i >= 0; i-- {
			line := strings.TrimSpace(lines[i])
			if line == "" {
				continue
			}
			record := map[string]any{}
			if err := json.Unmarshal([]byte(line), &record); err != nil {
				continue
			}
			runID := asString(record["run_id"])
			traceID := asString(record["trace_id"])
			if runID == "" && traceID == "" {
				continue
			}
			return runID, traceID
		}
	}
	return "", ""
}

func writeStagedFile(stagingDir, name, content string) error {
	if err := os.WriteFile(filepath.Join(stagingDir, name), []byte(content), 0o600); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

// copyRedactedConfig stages the home and project config files, the project
// one winning the config.toml name when both exist.
func copyRedactedConfig(homeDir, projectRoot, stagingDir string, summary *bundleSummary) error {
	candidates := []string{
		filepath.Join(homeDir, ".gauntlet", "config.toml"),
		filepath.Join(projectRoot, ".gauntlet", "config.toml"),
	}
	var parts []string
	for _, path := range candidates {
		// #nosec G304 -- config paths are fixed locations.
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		parts = append(parts, "# "+path+"\n"+redactSensitiveConfig(string(data)))
	}
	if len(parts) == 0 {
		summary.Warnings = append(summary.Warnings, "no config files found")
		parts = []string{"# config unavailable\n"}
	}
	return writeStagedFile(stagingDir, "config.toml", strings.Join(parts, "\n"))
}

func redactSensitiveConfig(configText string) string {
	lines := strings.Split(configText, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		key, _, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		if !isSensitiveToken(strings.ToLower(strings.TrimSpace(key))) {
			continue
		}
		lines[i] = key + "= \"***REDACTED***\""
	}
	return strings.Join(lines, "\n")
}

func isSensitiveToken(key string) bool {
	for _, token := range []string{"token", "secret", "password", "apikey", "api_key", "authorization", "headers"} {
		if strings.Contains(key, token) {
			return true
		}
	}
	return false
}

func writeGitState(ctx context.Context, projectRoot, stagingDir string) error {
	head := runCommandForBundle(ctx, "git", "-C", projectRoot, "rev-parse", "HEAD")
	branch := runCommandForBundle(ctx, "git", "-C", projectRoot, "rev-parse", "--abbrev-ref", "HEAD")
	status := runCommandForBundle(ctx, "git", "-C", projectRoot, "status", "--short")

	content := strings.Join([]string{
		"[HEAD]", head, "",
		"[BRANCH]", branch, "",
		"[STATUS]", status, "",
	}, "\n")
	return writeStagedFile(stagingDir, "git-state.txt", content)
}

func runCommandForBundle(ctx context.Context, name string, args ...string) string {
	output, err := bundleRunCmdFn(ctx, name, args...)
	text := strings.TrimSpace(string(output))
	if err == nil {
		return text
	}
	if text == "" {
		return fmt.Sprintf("error: %v", err)
	}
	return text + "\nerror: " + err.Error()
}

func writeBundleREADME(stagingDir string, summary bundleSummary) error {
	var b strings.Builder
	b.WriteString("Gauntlet Campaign Bundle\n")
	b.WriteString("========================\n\n")
	fmt.Fprintf(&b, "Generated: %s\n", summary.Timestamp)
	fmt.Fprintf(&b, "Version: %s\n", summary.Version)
	fmt.Fprintf(&b, "Campaign: %s\n", summary.CampaignDir)
	fmt.Fprintf(&b, "run_id: %s\n", summary.RunID)
	fmt.Fprintf(&b, "trace_id: %s\n\n", summary.TraceID)
	if len(summary.Lanes) > 0 {
		b.WriteString("Lanes:\n")
		for _, line := range summary.Lanes {
			b.WriteString("- " + line + "\n")
		}
		b.WriteString("\n")
	}
	b.WriteString("Included artifacts:\n")
	b.WriteString("- campaign/ (trials.jsonl, summary.json, failure transcripts, sanitizer logs, build logs)\n")
	b.WriteString("- logs/ (up to last 3 harness log files)\n")
	b.WriteString("- config.toml (redacted)\n")
	b.WriteString("- version.txt\n")
	b.WriteString("- last-run.txt\n")
	b.WriteString("- git-state.txt\n")
	if len(summary.Warnings) > 0 {
		b.WriteString("\nWarnings:\n")
		for _, warning := range summary.Warnings {
			b.WriteString("- " + warning + "\n")
		}
	}
	return writeStagedFile(stagingDir, "README.txt", b.String())
}

// archiveBundle writes campaignDir under campaign/ and the staged files at the
// archive root.
func archiveBundle(ctx context.Context, destination, campaignDir, stagingDir string) (err error) {
	// #nosec G304 -- destination is an operator-selected archive path.
	archiveFile, err := os.OpenFile(destination, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("create archive %s: %w", destination, err)
	}
	gzipWriter := gzip.NewWriter(archiveFile)
	tarWriter := tar.NewWriter(gzipWriter)
	defer func() {
		err = errors.Join(err, tarWriter.Close(), gzipWriter.Close(), archiveFile.Close())
	}()

	destAbs, _ := filepath.Abs(destination)
	if err := addTree(ctx, tarWriter, campaignDir, "campaign", destAbs); err != nil {
		return fmt.Errorf("archive campaign: %w", err)
	}
	if err := addTree(ctx, tarWriter, stagingDir, "", destAbs); err != nil {
		return fmt.Errorf("archive diagnostics: %w", err)
	}
	return nil
}

func addTree(ctx context.Context, tw *tar.Writer, dir, prefix, skip string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		if abs, _ := filepath.Abs(path); abs == skip {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("read file info for %s: %w", path, err)
		}
		relPath, err := filepath.Rel(dir, path)
		if err != nil {
			return fmt.Errorf("compute archive path for %s: %w", path, err)
		}
		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return fmt.Errorf("create tar header for %s: %w", path, err)
		}
		header.Name = filepath.ToSlash(filepath.Join(prefix, relPath))
		if err := tw.WriteHeader(header); err != nil {
			return fmt.Errorf("write tar header for %s: %w", path, err)
		}

		// #nosec G304 -- walk paths originate from the campaign or staging directory.
		file, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open %s for archive: %w", path, err)
		}
		_, copyErr := io.Copy(tw, file)
		closeErr := file.Close()
		if copyErr != nil {
			return fmt.Errorf("copy %s into archive: %w", path, copyErr)
		}
		if closeErr != nil {
			return fmt.Errorf("close %s: %w", path, closeErr)
		}
		return nil
	})
}

type datedFile struct {
	path    string
	modTime time.Time
}

func newestFiles(dir string, limit int) ([]datedFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	files := make([]datedFile, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, datedFile{path: filepath.Join(dir, entry.Name()), modTime: info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i].modTime.After(files[j].modTime)
	})
	if limit > 0 && len(files) > limit {
		files = files[:limit]
	}
	return files, nil
}

func asString(value any) string {
	if typed, ok := value.(string); ok {
		return strings.TrimSpace(typed)
	}
	return ""
}
