// Package pty wraps github.com/creack/pty to fork a child process under a
// freshly allocated pseudo-terminal, matching spec §4.C's PTY session
// contract: write, resize, kill, wait.
package pty

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/creack/pty"
)

// Session owns one forked child's PTY master end.
type Session struct {
	cmd  *exec.Cmd
	ptmx *os.File

	mu   sync.Mutex
	cols int
	rows int
}

// Spawn forks argv[0] with argv[1:] under a new PTY sized cols x rows, with
// cwd and env applied. env, if non-nil, replaces the child's environment
// entirely (callers merge os.Environ() themselves to implement an
// "overlay").
func Spawn(argv []string, cwd string, env []string, cols, rows int) (*Session, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("pty: empty argv")
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = cwd
	if env != nil {
		cmd.Env = env
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
	if err != nil {
		return nil, fmt.Errorf("pty: start: %w", err)
	}

	return &Session{cmd: cmd, ptmx: ptmx, cols: cols, rows: rows}, nil
}

// Master returns the PTY master file, for callers that need to read its
// output directly.
func (s *Session) Master() *os.File { return s.ptmx }

// Pid returns the child process id.
func (s *Session) Pid() int { return s.cmd.Process.Pid }

// Write forwards bytes to the PTY master (i.e. to the child's stdin).
func (s *Session) Write(p []byte) (int, error) {
	return s.ptmx.Write(p)
}

// Resize ioctls the PTY to the new size and records it.
func (s *Session) Resize(cols, rows int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := pty.Setsize(s.ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)}); err != nil {
		return fmt.Errorf("pty: resize: %w", err)
	}
	s.cols, s.rows = cols, rows
	return nil
}

// Size returns the last size applied via Resize or Spawn.
func (s *Session) Size() (cols, rows int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cols, s.rows
}

// Kill sends sig to the child process (not to its process group).
func (s *Session) Kill(sig syscall.Signal) error {
	if s.cmd.Process == nil {
		return fmt.Errorf("pty: process not started")
	}
	return s.cmd.Process.Signal(sig)
}

// Wait blocks until the child exits and returns its exit code. The PTY
// master is closed afterward.
func (s *Session) Wait() (int, error) {
	err := s.cmd.Wait()
	_ = s.ptmx.Close()

	if err == nil {
		return 0, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode(), nil
	}
	return 255, err
}
