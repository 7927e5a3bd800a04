package test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeHackEnv(t *testing.T) {
	tests := []struct {
		name  string
		mode  string
		label string
		extra []string
		want  []string
	}{
		{
			name:  "mode and label",
			mode:  "clean",
			label: "Player01",
			want:  []string{"FAKEHACK_MODE=clean", "USER=Player01", "LOGNAME=Player01", "TERM=xterm"},
		},
		{
			name:  "extra entries appended",
			mode:  "asan-log",
			label: "Player07",
			extra: []string{"ASAN_OPTIONS=log_path=/tmp/x.asan"},
			want:  []string{"FAKEHACK_MODE=asan-log", "ASAN_OPTIONS=log_path=/tmp/x.asan"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := FakeHackEnv(tt.mode, tt.label, tt.extra...)
			for _, entry := range tt.want {
				assert.Contains(t, env, entry)
			}
		})
	}
}

func TestFileAssertions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "asan_run001.asan.4242")
	require.NoError(t, os.WriteFile(path, []byte("ERROR: AddressSanitizer"), 0o600))

	AssertFileExists(t, path)
	AssertFileNotExists(t, filepath.Join(dir, "asan_run002.asan.4243"))
}

func TestRequireProcessGoneForMissingPID(t *testing.T) {
	// pid_max on Linux never reaches this value.
	RequireProcessGone(t, 1<<30)
}
