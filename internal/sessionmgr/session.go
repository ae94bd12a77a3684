package sessionmgr

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/vibetunnel/server/internal/activity"
	"github.com/vibetunnel/server/internal/asciinema"
	"github.com/vibetunnel/server/internal/codec"
	"github.com/vibetunnel/server/internal/pty"
)

const (
	metaFileName   = "meta.json"
	streamFileName = "stdout"
	ipcSockName    = "ipc.sock"
)

// Session is one PTY-backed terminal, mirroring spec §3's "Session" entity.
// All mutating operations serialize through mu, matching spec §5's
// per-session mutex.
type Session struct {
	ID   string
	Name string

	dir    string
	config Config
	mgr    *Manager

	mu       sync.Mutex
	info     Info
	pty      *pty.Session
	writer   *asciinema.Writer
	detector *activity.Detector

	ipcListener net.Listener
}

func sessionDir(controlPath, id string) string {
	return filepath.Join(controlPath, id)
}

func newSessionWithID(controlPath, id string, cfg Config, mgr *Manager) (*Session, error) {
	dir := sessionDir(controlPath, id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create session directory: %w", err)
	}

	name := cfg.Name
	if name == "" {
		name = id
	}

	var git GitMeta
	if cfg.Git != nil {
		git = *cfg.Git
	}

	s := &Session{
		ID:     id,
		Name:   name,
		dir:    dir,
		config: cfg,
		mgr:    mgr,
		info: Info{
			ID:              id,
			Argv:            cfg.Argv,
			Cwd:             cfg.Cwd,
			Name:            name,
			Cols:            cfg.Cols,
			Rows:            cfg.Rows,
			TitleMode:       string(cfg.TitleMode),
			GitRepoPath:     git.RepoPath,
			GitBranch:       git.Branch,
			GitIsWorktree:   git.IsWorktree,
			GitMainRepoPath: git.MainRepoPath,
			StartedAt:       time.Now().UTC(),
			Status:          string(StatusStarting),
		},
		detector: activity.New(),
	}

	if err := s.writeMeta(); err != nil {
		return nil, err
	}
	return s, nil
}

func newSession(controlPath string, cfg Config, mgr *Manager) (*Session, error) {
	return newSessionWithID(controlPath, generateID(), cfg, mgr)
}

func loadSession(controlPath, id string, mgr *Manager) (*Session, error) {
	dir := sessionDir(controlPath, id)
	data, err := os.ReadFile(filepath.Join(dir, metaFileName))
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}

	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("parse meta.json for %s: %w", id, err)
	}

	return &Session{
		ID:       info.ID,
		Name:     info.Name,
		dir:      dir,
		mgr:      mgr,
		info:     info,
		detector: activity.New(),
	}, nil
}

// Path returns the session's on-disk directory.
func (s *Session) Path() string { return s.dir }

// StreamOutPath returns the asciinema stream file path.
func (s *Session) StreamOutPath() string { return filepath.Join(s.dir, streamFileName) }

func (s *Session) metaPath() string { return filepath.Join(s.dir, metaFileName) }

func (s *Session) writeMeta() error {
	data, err := json.MarshalIndent(s.info, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal meta.json: %w", err)
	}
	if err := os.WriteFile(s.metaPath(), data, 0644); err != nil {
		return fmt.Errorf("write meta.json: %w", err)
	}
	return nil
}

// Start forks the PTY and begins the I/O-mirroring and reaper goroutines.
// Spawn failure leaves the session directory for the caller to remove
// (spec §4.C: "session never enters running, directory is removed").
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, err := asciinema.NewWriter(s.StreamOutPath())
	if err != nil {
		return fmt.Errorf("open stream file: %w", err)
	}
	if err := w.WriteHeader(asciinema.Header{Width: s.config.Cols, Height: s.config.Rows, Env: s.config.Env}); err != nil {
		w.Close()
		return err
	}

	env := mergeEnv(s.config.Env)
	child, err := pty.Spawn(s.config.Argv, s.config.Cwd, env, s.config.Cols, s.config.Rows)
	if err != nil {
		w.Close()
		return fmt.Errorf("spawn pty: %w", err)
	}

	s.pty = child
	s.writer = w
	s.info.Status = string(StatusRunning)
	s.info.Pid = child.Pid()
	if err := s.writeMeta(); err != nil {
		return err
	}

	if err := s.startIPCListener(); err != nil && s.mgr != nil && s.mgr.logger != nil {
		s.mgr.logger.Warn("failed to start per-session ipc socket", zap.String("session", s.ID), zap.Error(err))
	}

	go s.pumpOutput()
	go s.reap()

	return nil
}

func mergeEnv(overlay map[string]string) []string {
	base := os.Environ()
	if len(overlay) == 0 {
		return base
	}
	for k, v := range overlay {
		base = append(base, k+"="+v)
	}
	return base
}

// pumpOutput copies PTY master output to the stream file, applies title
// injection/filtering (spec §4.C), and fans it out via the manager's direct
// callbacks.
func (s *Session) pumpOutput() {
	buf := make([]byte, 32*1024)
	for {
		n, err := s.pty.Master().Read(buf)
		if n > 0 {
			data := s.applyTitlePolicy(buf[:n])
			if werr := s.writer.WriteOutput(data); werr != nil && s.mgr != nil && s.mgr.logger != nil {
				s.mgr.logger.Error("write asciinema output event", zap.String("session", s.ID), zap.Error(werr))
			}
			if s.mgr != nil {
				s.mgr.NotifyDirectOutput(s.ID, data)
				s.mgr.NotifyRawPTY(s.ID, data)
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *Session) applyTitlePolicy(data []byte) []byte {
	mode := activity.TitleMode(s.info.TitleMode)
	switch mode {
	case activity.TitleModeFilter:
		return activity.FilterOSCTitles(data)
	case activity.TitleModeStatic, activity.TitleModeDynamic:
		if !s.detector.EndsWithPrompt(data) {
			return data
		}
		activityLabel := ""
		if mode == activity.TitleModeDynamic {
			if status, ok := s.detector.ParseClaudeStatus(data); ok {
				activityLabel = status.Action
			}
		}
		command := ""
		if len(s.config.Argv) > 0 {
			command = s.config.Argv[0]
		}
		seq := activity.TitleSequence(s.config.Cwd, command, activityLabel)
		return append(seq, data...)
	default:
		return data
	}
}

// reap waits for the child to exit, appends the asciinema terminator event,
// and updates meta.json with the terminal status (spec §4.C/§4.D).
func (s *Session) reap() {
	code, err := s.pty.Wait()
	if err != nil {
		code = 255
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.writer != nil {
		if werr := s.writer.WriteExit(code, s.ID); werr != nil && s.mgr != nil && s.mgr.logger != nil {
			s.mgr.logger.Error("write asciinema exit marker", zap.String("session", s.ID), zap.Error(werr))
		}
		_ = s.writer.Close()
	}
	if s.ipcListener != nil {
		_ = s.ipcListener.Close()
	}

	s.info.Status = string(StatusExited)
	s.info.ExitCode = &code
	_ = s.writeMeta()
}

// UpdateStatus refreshes in-memory/meta.json status by probing whether the
// recorded pid is alive (used by Manager.ListSessions for sessions loaded
// fresh from disk, i.e. not owned by this process's registry).
func (s *Session) UpdateStatus() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.info.Status == string(StatusExited) {
		return nil
	}
	if s.info.Pid == 0 || !pidAlive(s.info.Pid) {
		s.info.Status = string(StatusExited)
		if s.info.ExitCode == nil {
			code := 255
			s.info.ExitCode = &code
		}
		return s.writeMeta()
	}
	return nil
}

func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil
}

// IsAlive reports whether the in-process child is still running.
func (s *Session) IsAlive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.info.Status == string(StatusExited) {
		return false
	}
	return pidAlive(s.info.Pid)
}

// GetInfo returns a copy of the session's metadata.
func (s *Session) GetInfo() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

// Write forwards bytes to the PTY master (CLI stdin, control-socket STDIN
// frames).
func (s *Session) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pty == nil {
		return 0, fmt.Errorf("session %s has no running pty", s.ID)
	}
	if werr := s.writer.WriteInput(p); werr != nil && s.mgr != nil && s.mgr.logger != nil {
		s.mgr.logger.Error("write asciinema input event", zap.String("session", s.ID), zap.Error(werr))
	}
	return s.pty.Write(p)
}

// Resize applies a new terminal size, recording an "r" event (spec §4.C).
func (s *Session) Resize(cols, rows int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pty == nil {
		return fmt.Errorf("session %s has no running pty", s.ID)
	}
	if err := s.pty.Resize(cols, rows); err != nil {
		return err
	}
	if err := s.writer.WriteResize(cols, rows); err != nil {
		return err
	}
	s.info.Cols, s.info.Rows = cols, rows
	return s.writeMeta()
}

// Kill signals the child process.
func (s *Session) Kill(sig syscall.Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pty == nil {
		return fmt.Errorf("session %s has no running pty", s.ID)
	}
	return s.pty.Kill(sig)
}

// startIPCListener opens the per-session control socket (spec §6:
// "<controlDir>/<id>/ipc.sock") and serves STDIN/RESIZE frames forwarded
// to the PTY.
func (s *Session) startIPCListener() error {
	path := filepath.Join(s.dir, ipcSockName)
	_ = os.Remove(path)

	ln, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("listen ipc socket: %w", err)
	}
	s.ipcListener = ln

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go s.serveIPCConn(conn)
		}
	}()
	return nil
}

func (s *Session) serveIPCConn(conn net.Conn) {
	defer conn.Close()

	dec := codec.NewDecoder(codec.DefaultMaxPayload)
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			frames, derr := dec.Feed(buf[:n])
			if derr != nil {
				conn.Write(codec.Encode(codec.TypeError, []byte(derr.Error())))
				return
			}
			for _, f := range frames {
				switch f.Type {
				case codec.TypeStdin:
					_, _ = s.Write(f.Payload)
				case codec.TypeResize:
					var r struct{ Cols, Rows int }
					if json.Unmarshal(f.Payload, &r) == nil {
						_ = s.Resize(r.Cols, r.Rows)
					}
				case codec.TypeHeartbeat:
					conn.Write(codec.Encode(codec.TypeHeartbeat, nil))
				}
			}
		}
		if err != nil {
			return
		}
	}
}
