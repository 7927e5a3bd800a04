package session

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

const (
	terminalRows = 24
	terminalCols = 80

	forcedExitWait = 5 * time.Second
)

// process is one target child attached to a pseudo-terminal. The child is a
// session leader, so its pid is also its process-group id.
type process struct {
	cmd  *exec.Cmd
	ptmx *os.File
	pid  int

	waitDone chan struct{}
	state    *os.ProcessState
	waitErr  error

	closeOnce sync.Once
	mu        sync.Mutex
	signaled  bool
}

func startProcess(spec spawnSpec) (*process, error) {
	cmd := exec.Command(spec.executable, spec.args...)
	cmd.Env = spec.env
	cmd.Dir = spec.dir

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: terminalRows, Cols: terminalCols})
	if err != nil {
		return nil, fmt.Errorf("start %s on pty: %w", spec.executable, err)
	}

	p := &process{
		cmd:      cmd,
		ptmx:     ptmx,
		pid:      cmd.Process.Pid,
		waitDone: make(chan struct{}),
	}
	go func() {
		p.waitErr = cmd.Wait()
		p.state = cmd.ProcessState
		close(p.waitDone)
	}()
	return p, nil
}

func (p *process) output() *os.File {
	return p.ptmx
}

func (p *process) write(data []byte) error {
	_, err := p.ptmx.Write(data)
	return err
}

func (p *process) exited() bool {
	select {
	case <-p.waitDone:
		return true
	default:
		return false
	}
}

func (p *process) waitExit(timeout time.Duration) bool {
	if timeout <= 0 {
		return p.exited()
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-p.waitDone:
		return true
	case <-timer.C:
		return false
	}
}

// terminate sends SIGTERM to the process group, waits grace, then SIGKILLs.
// It reports whether the harness had to signal a live child.
func (p *process) terminate(grace time.Duration) bool {
	if p.exited() {
		p.killGroup(syscall.SIGKILL)
		return false
	}
	p.markSignaled()
	p.killGroup(syscall.SIGTERM)
	if !p.waitExit(grace) {
		p.killGroup(syscall.SIGKILL)
		p.waitExit(forcedExitWait)
	}
	p.killGroup(syscall.SIGKILL)
	return true
}

// kill SIGKILLs the process group immediately.
func (p *process) kill() {
	if !p.exited() {
		p.markSignaled()
	}
	p.killGroup(syscall.SIGKILL)
}

func (p *process) killGroup(sig syscall.Signal) {
	if p.pid <= 0 {
		return
	}
	if err := unix.Kill(-p.pid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Signal(sig)
		}
	}
}

func (p *process) markSignaled() {
	p.mu.Lock()
	p.signaled = true
	p.mu.Unlock()
}

func (p *process) wasSignaled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.signaled
}

func (p *process) close() {
	p.closeOnce.Do(func() {
		_ = p.ptmx.Close()
	})
}

// status returns the exit code and terminating signal once reaped.
func (p *process) status() (int, syscall.Signal, bool) {
	if !p.exited() || p.state == nil {
		return -1, 0, false
	}
	if ws, ok := p.state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return -1, ws.Signal(), true
	}
	return p.state.ExitCode(), 0, true
}
