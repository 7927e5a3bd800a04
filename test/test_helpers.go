// Package test provides shared testing utilities for gauntlet.
//
// It builds the fake target binary used by session and campaign tests and
// carries the file and process assertions those tests share.
package test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// FakeHackPackage is the import path of the fake target binary.
const FakeHackPackage = "github.com/restohack/gauntlet/internal/testbin/fakehack"

// BuildFakeHack compiles the fake target into dir and returns its path. It is
// meant for TestMain, so it reports errors instead of failing a test.
func BuildFakeHack(dir string) (string, error) {
	binPath := filepath.Join(dir, "hack")
	cmd := exec.Command("go", "build", "-o", binPath, FakeHackPackage)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("build fake target: %w", err)
	}
	return binPath, nil
}

// FakeHackEnv returns a child environment selecting a fake target mode.
func FakeHackEnv(mode, label string, extra ...string) []string {
	env := []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + os.Getenv("HOME"),
		"TERM=xterm",
		"USER=" + label,
		"LOGNAME=" + label,
		"FAKEHACK_MODE=" + mode,
	}
	return append(env, extra...)
}

// Context returns a test context canceled at cleanup.
func Context(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}

// AssertFileExists fails the test unless path exists.
func AssertFileExists(t *testing.T, path string) {
	t.Helper()
	_, err := os.Stat(path)
	assert.NoError(t, err, "file should exist: %s", path)
}

// AssertFileNotExists fails the test if path exists.
func AssertFileNotExists(t *testing.T, path string) {
	t.Helper()
	_, err := os.Stat(path)
	assert.True(t, errors.Is(err, os.ErrNotExist), "file should not exist: %s", path)
}

// RequireProcessGone fails unless pid and its process group have exited.
// It polls briefly because the kernel may still be tearing the group down.
func RequireProcessGone(t *testing.T, pid int) {
	t.Helper()
	require.Greater(t, pid, 0, "pid should have been recorded")
	require.Eventually(t, func() bool {
		return !signalable(pid) && !signalable(-pid)
	}, 2*time.Second, 20*time.Millisecond, "process %d or its group is still alive", pid)
}

func signalable(pid int) bool {
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

// SkipIfShort skips tests that spawn real PTY sessions under -short.
func SkipIfShort(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping test in short mode")
	}
}
