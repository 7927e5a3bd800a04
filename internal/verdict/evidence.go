package verdict

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
)

var valgrindSummaryPattern = regexp.MustCompile(`ERROR SUMMARY:\s+(\d+)\s+errors?`)

// FindSanitizerLogs expands glob patterns into the sanitizer log files that exist.
// The sanitizer runtime appends the pid to log_path, so callers pass patterns
// such as "<base>.asan*". A malformed pattern is reported in the error while
// matches from the other patterns are still returned.
func FindSanitizerLogs(patterns []string) ([]string, error) {
	seen := make(map[string]struct{})
	found := make([]string, 0)
	var errs []error
	for _, pattern := range patterns {
		if pattern == "" {
			continue
		}
		matches, err := filepath.Glob(pattern)
		if err != nil {
			errs = append(errs, fmt.Errorf("glob sanitizer logs %q: %w", pattern, err))
			continue
		}
		for _, match := range matches {
			if _, ok := seen[match]; ok {
				continue
			}
			seen[match] = struct{}{}
			found = append(found, match)
		}
	}
	sort.Strings(found)
	return found, errors.Join(errs...)
}

// ValgrindErrorCount sums every "ERROR SUMMARY: N errors" line in a report.
func ValgrindErrorCount(report string) int {
	total := 0
	for _, match := range valgrindSummaryPattern.FindAllStringSubmatch(report, -1) {
		count, err := strconv.Atoi(match[1])
		if err != nil {
			continue
		}
		total += count
	}
	return total
}
