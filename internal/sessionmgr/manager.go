package sessionmgr

import (
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// DirectOutputCallback is invoked with a session's freshly produced PTY
// output, for in-process consumers that want it without re-reading the
// stream file. The terminal materializer does not use it: it reads the
// stream file through internal/streamwatcher.
type DirectOutputCallback func(sessionID string, data []byte)

// RawPTYCallback is the same fan-out used by the raw, unprocessed
// WebSocket path (spec §4.G's non-buffered mode).
type RawPTYCallback func(sessionID string, data []byte)

// Manager is the session registry described in spec §4.D: one per control
// directory, owning create/list/attach/kill/cleanup.
type Manager struct {
	controlPath string
	logger      *zap.Logger

	mu              sync.RWMutex
	runningSessions map[string]*Session

	callbackMu            sync.RWMutex
	directOutputCallbacks map[string][]DirectOutputCallback
	rawCallbacks          map[string][]RawPTYCallback
}

// NewManager creates a Manager rooted at controlPath (typically
// $VIBETUNNEL_CONTROL_DIR or $HOME/.vibetunnel, spec §6).
func NewManager(controlPath string, logger *zap.Logger) *Manager {
	return &Manager{
		controlPath:           controlPath,
		logger:                logger,
		runningSessions:       make(map[string]*Session),
		directOutputCallbacks: make(map[string][]DirectOutputCallback),
		rawCallbacks:          make(map[string][]RawPTYCallback),
	}
}

// ControlPath returns the root directory this manager serves.
func (m *Manager) ControlPath() string { return m.controlPath }

// CreateSession allocates a session directory, writes meta.json, and (unless
// cfg.IsSpawned) forks the PTY immediately.
func (m *Manager) CreateSession(cfg Config) (*Session, error) {
	if err := os.MkdirAll(m.controlPath, 0755); err != nil {
		return nil, fmt.Errorf("create control directory: %w", err)
	}

	session, err := newSession(m.controlPath, cfg, m)
	if err != nil {
		return nil, err
	}
	return m.finishCreate(session, cfg)
}

// CreateSessionWithID is CreateSession with a caller-supplied id, used by
// the fwd foreground helper (spec §3: "fwd_<epoch-ms>").
func (m *Manager) CreateSessionWithID(id string, cfg Config) (*Session, error) {
	if err := os.MkdirAll(m.controlPath, 0755); err != nil {
		return nil, fmt.Errorf("create control directory: %w", err)
	}

	session, err := newSessionWithID(m.controlPath, id, cfg, m)
	if err != nil {
		return nil, err
	}
	return m.finishCreate(session, cfg)
}

func (m *Manager) finishCreate(session *Session, cfg Config) (*Session, error) {
	if !cfg.IsSpawned {
		if err := session.Start(); err != nil {
			if rmErr := os.RemoveAll(session.Path()); rmErr != nil && m.logger != nil {
				m.logger.Error("remove session directory after start failure", zap.String("session", session.ID), zap.Error(rmErr))
			}
			return nil, err
		}
	}

	m.mu.Lock()
	m.runningSessions[session.ID] = session
	m.mu.Unlock()

	return session, nil
}

// GetSession returns a session by id, preferring the in-memory registry and
// falling back to loading meta.json from disk.
func (m *Manager) GetSession(id string) (*Session, error) {
	m.mu.RLock()
	if s, ok := m.runningSessions[id]; ok {
		m.mu.RUnlock()
		return s, nil
	}
	m.mu.RUnlock()

	return loadSession(m.controlPath, id, m)
}

// FindSession resolves a name, full id, or id prefix to a session.
func (m *Manager) FindSession(nameOrID string) (*Session, error) {
	sessions, err := m.ListSessions()
	if err != nil {
		return nil, err
	}
	for _, info := range sessions {
		if info.ID == nameOrID || info.Name == nameOrID || strings.HasPrefix(info.ID, nameOrID) {
			return m.GetSession(info.ID)
		}
	}
	return nil, fmt.Errorf("session not found: %s", nameOrID)
}

// ListSessions walks the control directory and returns every session's
// metadata, refreshing status for sessions not already marked exited
// (spec §4.D: "list is lock-free over a snapshot").
func (m *Manager) ListSessions() ([]Info, error) {
	entries, err := os.ReadDir(m.controlPath)
	if err != nil {
		if os.IsNotExist(err) {
			return []Info{}, nil
		}
		return nil, err
	}

	sessions := make([]Info, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		session, err := loadSession(m.controlPath, entry.Name(), m)
		if err != nil {
			if m.logger != nil {
				m.logger.Debug("failed to load session", zap.String("id", entry.Name()), zap.Error(err))
			}
			continue
		}

		if session.info.Status != string(StatusExited) {
			if err := session.UpdateStatus(); err != nil && m.logger != nil {
				m.logger.Warn("failed to update session status", zap.String("id", session.ID), zap.Error(err))
			}
		}

		sessions = append(sessions, session.GetInfo())
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].StartedAt.After(sessions[j].StartedAt)
	})
	return sessions, nil
}

// Attach returns a reader positioned at the start of the session's stream
// file (spec §4.D). Live tailing beyond end-of-file is the stream
// watcher's job (§4.E), not the manager's.
func (m *Manager) Attach(id string) (*os.File, error) {
	session, err := m.GetSession(id)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(session.StreamOutPath())
	if err != nil {
		return nil, fmt.Errorf("attach to session %s: %w", id, err)
	}
	return f, nil
}

// Kill signals a session's child process.
func (m *Manager) Kill(id string, sig syscall.Signal) error {
	session, err := m.GetSession(id)
	if err != nil {
		return err
	}
	return session.Kill(sig)
}

// Cleanup removes directories for sessions whose children are gone and
// whose streams are older than maxAge (spec §4.D).
func (m *Manager) Cleanup(maxAge time.Duration) error {
	sessions, err := m.ListSessions()
	if err != nil {
		return err
	}

	var errs []error
	for _, info := range sessions {
		if info.Status != string(StatusExited) {
			continue
		}
		if time.Since(info.StartedAt) < maxAge {
			continue
		}
		if err := m.RemoveSession(info.ID); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", info.ID, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("cleanup errors: %v", errs)
	}
	return nil
}

// RemoveExitedSessions removes every session the manager can prove is dead
// (no pid, or a zombie it reaps itself), regardless of recorded status or
// age — used for manual/startup GC (spec §4.D, §4.M).
func (m *Manager) RemoveExitedSessions() error {
	sessions, err := m.ListSessions()
	if err != nil {
		return err
	}

	var errs []error
	for _, info := range sessions {
		shouldRemove := false

		if info.Pid == 0 {
			shouldRemove = true
		} else {
			cmd := exec.Command("ps", "-p", strconv.Itoa(info.Pid), "-o", "stat=")
			out, err := cmd.Output()
			if err != nil {
				shouldRemove = true
			} else if stat := strings.TrimSpace(string(out)); strings.HasPrefix(stat, "Z") {
				shouldRemove = true
				var status syscall.WaitStatus
				if _, err := syscall.Wait4(info.Pid, &status, syscall.WNOHANG, nil); err != nil && m.logger != nil {
					m.logger.Warn("failed to reap zombie", zap.Int("pid", info.Pid), zap.Error(err))
				}
			}
		}

		if shouldRemove {
			if err := m.RemoveSession(info.ID); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("cleanup errors: %v", errs)
	}
	return nil
}

// RemoveSession deletes a session's directory and registry entries.
func (m *Manager) RemoveSession(id string) error {
	m.mu.Lock()
	delete(m.runningSessions, id)
	m.mu.Unlock()

	m.callbackMu.Lock()
	delete(m.directOutputCallbacks, id)
	delete(m.rawCallbacks, id)
	m.callbackMu.Unlock()

	return os.RemoveAll(sessionDir(m.controlPath, id))
}

// RegisterDirectOutputCallback subscribes to a session's decoded PTY output.
func (m *Manager) RegisterDirectOutputCallback(sessionID string, cb DirectOutputCallback) {
	m.callbackMu.Lock()
	defer m.callbackMu.Unlock()
	m.directOutputCallbacks[sessionID] = append(m.directOutputCallbacks[sessionID], cb)
}

// UnregisterDirectOutputCallback clears every direct-output callback for a
// session (callbacks are not individually comparable, matching the
// teacher's behavior).
func (m *Manager) UnregisterDirectOutputCallback(sessionID string, _ DirectOutputCallback) {
	m.callbackMu.Lock()
	defer m.callbackMu.Unlock()
	delete(m.directOutputCallbacks, sessionID)
}

// NotifyDirectOutput fans data out to every registered direct-output
// callback, each in its own goroutine so one slow subscriber cannot stall
// the PTY reader (spec §5).
func (m *Manager) NotifyDirectOutput(sessionID string, data []byte) {
	m.callbackMu.RLock()
	callbacks := m.directOutputCallbacks[sessionID]
	m.callbackMu.RUnlock()

	for _, cb := range callbacks {
		go cb(sessionID, data)
	}
}

// RegisterRawPTYCallback subscribes to a session's raw, unprocessed output.
func (m *Manager) RegisterRawPTYCallback(sessionID string, cb RawPTYCallback) {
	m.callbackMu.Lock()
	defer m.callbackMu.Unlock()
	m.rawCallbacks[sessionID] = append(m.rawCallbacks[sessionID], cb)
}

// UnregisterRawPTYCallback clears every raw-output callback for a session.
func (m *Manager) UnregisterRawPTYCallback(sessionID string) {
	m.callbackMu.Lock()
	defer m.callbackMu.Unlock()
	delete(m.rawCallbacks, sessionID)
}

// NotifyRawPTY delivers data synchronously to raw subscribers: this path
// favors minimum latency over isolation, matching the teacher's
// "no goroutine for raw speed" comment.
func (m *Manager) NotifyRawPTY(sessionID string, data []byte) {
	m.callbackMu.RLock()
	callbacks := m.rawCallbacks[sessionID]
	m.callbackMu.RUnlock()

	for _, cb := range callbacks {
		cb(sessionID, data)
	}
}
