package campaign

import (
	"fmt"

	"golang.org/x/sys/unix"
)

var (
	getrlimit = unix.Getrlimit
	setrlimit = unix.Setrlimit
)

// EnableCoreDumps raises RLIMIT_CORE for the harness and the targets it
// spawns, so a trial that dies from a signal leaves a core file. An
// unprivileged process cannot lift the hard limit; the soft limit is then
// raised to it. The soft limit now in effect is returned.
func EnableCoreDumps() (uint64, error) {
	unlimited := unix.Rlimit{Cur: unix.RLIM_INFINITY, Max: unix.RLIM_INFINITY}
	if err := setrlimit(unix.RLIMIT_CORE, &unlimited); err == nil {
		return unlimited.Cur, nil
	}

	var current unix.Rlimit
	if err := getrlimit(unix.RLIMIT_CORE, &current); err != nil {
		return 0, fmt.Errorf("read core limit: %w", err)
	}
	if current.Cur == current.Max {
		return current.Cur, nil
	}
	raised := unix.Rlimit{Cur: current.Max, Max: current.Max}
	if err := setrlimit(unix.RLIMIT_CORE, &raised); err != nil {
		return current.Cur, fmt.Errorf("raise core limit to %d: %w", current.Max, err)
	}
	return raised.Cur, nil
}

func formatCoreLimit(limit uint64) string {
	if limit == unix.RLIM_INFINITY {
		return "unlimited"
	}
	return fmt.Sprintf("%d", limit)
}
