package campaign

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// CleanSaves removes regular files under dir matching any of patterns and
// returns what it removed. Relative patterns resolve against dir.
func CleanSaves(dir string, patterns []string) ([]string, error) {
	var removed []string
	var errs []error
	for _, pattern := range patterns {
		if pattern == "" {
			continue
		}
		if !filepath.IsAbs(pattern) {
			pattern = filepath.Join(dir, pattern)
		}
		matches, err := filepath.Glob(pattern)
		if err != nil {
			errs = append(errs, fmt.Errorf("glob %q: %w", pattern, err))
			continue
		}
		for _, match := range matches {
			info, err := os.Lstat(match)
			if err != nil || !info.Mode().IsRegular() {
				continue
			}
			if err := os.Remove(match); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, fmt.Errorf("remove save %s: %w", match, err))
				continue
			}
			removed = append(removed, match)
		}
	}
	sort.Strings(removed)
	return removed, errors.Join(errs...)
}
