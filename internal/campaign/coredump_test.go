package campaign

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// fakeRlimit stands in for the process core limit. Not safe for t.Parallel:
// it swaps package state.
type fakeRlimit struct {
	current  unix.Rlimit
	readErr  error
	allowMax uint64
	sets     []unix.Rlimit
}

func (f *fakeRlimit) install(t *testing.T) {
	t.Helper()
	prevGet, prevSet := getrlimit, setrlimit
	t.Cleanup(func() { getrlimit, setrlimit = prevGet, prevSet })

	getrlimit = func(resource int, rlim *unix.Rlimit) error {
		if resource != unix.RLIMIT_CORE {
			t.Fatalf("getrlimit resource = %d", resource)
		}
		if f.readErr != nil {
			return f.readErr
		}
		*rlim = f.current
		return nil
	}
	setrlimit = func(resource int, rlim *unix.Rlimit) error {
		if resource != unix.RLIMIT_CORE {
			t.Fatalf("setrlimit resource = %d", resource)
		}
		f.sets = append(f.sets, *rlim)
		if rlim.Max > f.allowMax || rlim.Cur > rlim.Max {
			return unix.EPERM
		}
		f.current = *rlim
		return nil
	}
}

func TestEnableCoreDumps(t *testing.T) {
	tests := []struct {
		name     string
		limit    fakeRlimit
		want     uint64
		wantErr  string
		wantSets int
	}{
		{
			name:     "privileged lifts to unlimited",
			limit:    fakeRlimit{current: unix.Rlimit{Cur: 0, Max: 0}, allowMax: unix.RLIM_INFINITY},
			want:     unix.RLIM_INFINITY,
			wantSets: 1,
		},
		{
			name:     "unprivileged raises soft to hard",
			limit:    fakeRlimit{current: unix.Rlimit{Cur: 0, Max: 1 << 20}, allowMax: 1 << 20},
			want:     1 << 20,
			wantSets: 2,
		},
		{
			name:     "already at hard limit",
			limit:    fakeRlimit{current: unix.Rlimit{Cur: 4096, Max: 4096}, allowMax: 4096},
			want:     4096,
			wantSets: 1,
		},
		{
			name:     "hard limit zero keeps cores off",
			limit:    fakeRlimit{current: unix.Rlimit{Cur: 0, Max: 0}},
			want:     0,
			wantSets: 1,
		},
		{
			name:     "limit unreadable",
			limit:    fakeRlimit{readErr: unix.EINVAL},
			wantErr:  "read core limit",
			wantSets: 1,
		},
		{
			name:     "raise refused",
			limit:    fakeRlimit{current: unix.Rlimit{Cur: 0, Max: 1 << 20}},
			want:     0,
			wantErr:  "raise core limit to 1048576",
			wantSets: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			limit := tt.limit
			limit.install(t)

			got, err := EnableCoreDumps()
			if tt.wantErr != "" {
				require.ErrorContains(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.want, got)
			assert.Len(t, limit.sets, tt.wantSets)
		})
	}
}

func TestFormatCoreLimit(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "unlimited", formatCoreLimit(unix.RLIM_INFINITY))
	assert.Equal(t, "0", formatCoreLimit(0))
	assert.Equal(t, "4096", formatCoreLimit(4096))
}

func TestCoreLimitRaisedOncePerCampaign(t *testing.T) {
	t.Parallel()

	calls := 0
	raise := func() (uint64, error) {
		calls++
		return unix.RLIM_INFINITY, nil
	}
	r := newRunner(t, &scriptedRunner{}, Config{Runs: 5, Steps: 10}, WithCoreDumpLimit(raise))

	result, err := r.Run(context.Background(), fakeLane(t, executableStub(t)))
	require.NoError(t, err)
	assert.Equal(t, 5, result.Passed)
	assert.Equal(t, 1, calls)

	_, err = r.Run(context.Background(), fakeLane(t, executableStub(t)))
	require.NoError(t, err)
	assert.Equal(t, 2, calls, "each campaign raises the limit again")
}

func TestCoreLimitFailureOnlyWarns(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	raise := func() (uint64, error) {
		return 0, errors.New("raise core limit to 0: operation not permitted")
	}
	r, err := NewRunner(&scriptedRunner{}, Config{Runs: 3, Steps: 10, LogDir: t.TempDir()}, log.New(&buf), WithCoreDumpLimit(raise))
	require.NoError(t, err)

	result, err := r.Run(context.Background(), fakeLane(t, executableStub(t)))
	require.NoError(t, err)
	assert.Equal(t, 3, result.Passed)
	assert.True(t, result.Accepted)
	assert.Contains(t, buf.String(), "core dumps not enabled")
	assert.Contains(t, buf.String(), "operation not permitted")
}
