// Package control implements the host-wide control socket (spec §4.H) and
// the client-facing buffer aggregator (spec §4.G). Both are grounded on
// amantus-ai-vibetunnel's pkg/termsocket/manager.go (the buffer side) and
// pkg/api/raw_websocket.go (the connection-handling idiom: per-connection
// goroutines, a buffered send channel, ping/pong keepalive); the framed
// request/response handling is new, since no retrieved teacher file
// implements a host-wide command socket, and follows internal/codec's
// frame contract plus internal/gitops's KeyedLock for the per-repository
// serialization spec §5 requires.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/vibetunnel/server/internal/codec"
	"github.com/vibetunnel/server/internal/gitops"
)

// RequestTimeout is the per-request deadline spec §5 mandates for control
// socket requests.
const RequestTimeout = 5 * time.Second

// legacyFollowBranchKey is the older git-config key this server always
// clears alongside the current followWorktree key on disable (spec §4.H,
// §9 open question: worktree is authoritative, legacy key is dead weight).
const (
	followWorktreeKey = "vibetunnel.followWorktree"
	legacyFollowBranchKey = "vibetunnel.followBranch"
)

// StatusProvider supplies the current server status for STATUS_REQUEST.
type StatusProvider interface {
	Running() bool
	Port() int
	URL() string
}

// EventSink is the caller-supplied collaborator GIT_EVENT_NOTIFY forwards
// to — the reference topology's HTTP `/api/git/event` handler (spec §1:
// out of scope here, an opaque interface).
type EventSink func(repoPath string, eventType string) error

// Server is the host-wide control socket (spec §6: "<controlDir>/api.sock").
type Server struct {
	path   string
	logger *zap.Logger

	gitOps GitOps
	lock   *gitops.KeyedLock
	status StatusProvider
	sink   EventSink

	listener net.Listener
}

// GitOps is the subset of gitops.GitOps the control socket drives.
type GitOps interface {
	CurrentBranch(ctx context.Context, repoPath string) (string, error)
	WorktreeList(ctx context.Context, repoPath string) ([]gitops.Worktree, error)
	SetConfig(ctx context.Context, repoPath, key, value string) error
	UnsetConfig(ctx context.Context, repoPath, key string) error
	GetConfig(ctx context.Context, repoPath, key string) (string, bool, error)
	InstallHooks(ctx context.Context, repoPath string) error
	UninstallHooks(ctx context.Context, repoPath string) error
}

// NewServer creates a control socket server. sink may be nil, in which case
// GIT_EVENT_NOTIFY requests are acknowledged as unhandled.
func NewServer(path string, g GitOps, status StatusProvider, sink EventSink, logger *zap.Logger) *Server {
	return &Server{
		path:   path,
		logger: logger,
		gitOps: g,
		lock:   gitops.NewKeyedLock(),
		status: status,
		sink:   sink,
	}
}

// Start listens on the UNIX socket and begins accepting connections.
func (s *Server) Start() error {
	_ = os.Remove(s.path)
	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("listen control socket %s: %w", s.path, err)
	}
	s.listener = ln

	go s.acceptLoop()
	return nil
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()

	dec := codec.NewDecoder(codec.DefaultMaxPayload)
	hb := codec.NewHeartbeater(codec.DefaultHeartbeatInterval, func() error {
		_, err := conn.Write(codec.Encode(codec.TypeHeartbeat, nil))
		return err
	}, func() { conn.Close() })
	hb.Start()
	defer hb.Stop()

	buf := make([]byte, 64*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			hb.Reset()
			frames, derr := dec.Feed(buf[:n])
			if derr != nil {
				s.writeJSON(conn, codec.TypeError, errorFrame{Code: "PROTOCOL_ERROR", Message: derr.Error()})
				return
			}
			for _, f := range frames {
				if !s.handleFrame(conn, f) {
					return
				}
			}
		}
		if err != nil {
			return
		}
	}
}

// handleFrame dispatches one frame, returning false if the connection
// should be closed (protocol error).
func (s *Server) handleFrame(conn net.Conn, f codec.Frame) bool {
	ctx, cancel := context.WithTimeout(context.Background(), RequestTimeout)
	defer cancel()

	switch f.Type {
	case codec.TypeHeartbeat:
		_, _ = conn.Write(codec.Encode(codec.TypeHeartbeat, nil))
	case codec.TypeStatusRequest:
		s.handleStatusRequest(ctx, conn, f.Payload)
	case codec.TypeGitFollowRequest:
		s.handleGitFollowRequest(ctx, conn, f.Payload)
	case codec.TypeGitEventNotify:
		s.handleGitEventNotify(ctx, conn, f.Payload)
	default:
		s.writeJSON(conn, codec.TypeError, errorFrame{Code: "PROTOCOL_ERROR", Message: fmt.Sprintf("unsupported request type %s", f.Type)})
	}
	return true
}

type statusRequest struct {
	RepoPath string `json:"repoPath,omitempty"`
}

type statusResponse struct {
	Running    bool   `json:"running"`
	Port       int    `json:"port"`
	URL        string `json:"url"`
	FollowMode string `json:"followMode,omitempty"`
}

func (s *Server) handleStatusRequest(ctx context.Context, conn net.Conn, payload []byte) {
	var req statusRequest
	_ = json.Unmarshal(payload, &req)

	resp := statusResponse{}
	if s.status != nil {
		resp.Running = s.status.Running()
		resp.Port = s.status.Port()
		resp.URL = s.status.URL()
	}

	if req.RepoPath != "" {
		if branch, err := s.currentFollowBranch(ctx, req.RepoPath); err == nil {
			resp.FollowMode = branch
		}
	}

	s.writeJSON(conn, codec.TypeStatusResponse, resp)
}

// currentFollowBranch reports the branch name a repo's followWorktree
// config currently tracks, if any, warning when the legacy followBranch key
// is also still set (spec §9 open question: worktree wins).
func (s *Server) currentFollowBranch(ctx context.Context, repoPath string) (string, error) {
	worktreePath, ok, err := s.gitOps.GetConfig(ctx, repoPath, followWorktreeKey)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("not following")
	}
	if _, legacySet, _ := s.gitOps.GetConfig(ctx, repoPath, legacyFollowBranchKey); legacySet && s.logger != nil {
		s.logger.Warn("both followWorktree and legacy followBranch set; treating followWorktree as authoritative",
			zap.String("repoPath", repoPath))
	}
	worktrees, err := s.gitOps.WorktreeList(ctx, repoPath)
	if err != nil {
		return "", err
	}
	for _, wt := range worktrees {
		if wt.Path == worktreePath {
			return wt.Branch, nil
		}
	}
	return "", fmt.Errorf("followed worktree %s no longer exists", worktreePath)
}

type gitFollowRequest struct {
	RepoPath     string `json:"repoPath"`
	Branch       string `json:"branch,omitempty"`
	Enable       bool   `json:"enable"`
	WorktreePath string `json:"worktreePath,omitempty"`
	MainRepoPath string `json:"mainRepoPath,omitempty"`
}

type gitFollowResponse struct {
	Success       bool   `json:"success"`
	CurrentBranch string `json:"currentBranch,omitempty"`
	Error         string `json:"error,omitempty"`
}

func (s *Server) handleGitFollowRequest(ctx context.Context, conn net.Conn, payload []byte) {
	var req gitFollowRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		s.writeJSON(conn, codec.TypeGitFollowResponse, gitFollowResponse{Error: "malformed request: " + err.Error()})
		return
	}

	unlock := s.lock.Lock(req.RepoPath)
	defer unlock()

	if !req.Enable {
		resp := s.disableFollow(ctx, req)
		s.writeJSON(conn, codec.TypeGitFollowResponse, resp)
		return
	}

	resp := s.enableFollow(ctx, req)
	s.writeJSON(conn, codec.TypeGitFollowResponse, resp)
}

func (s *Server) enableFollow(ctx context.Context, req gitFollowRequest) gitFollowResponse {
	worktreePath, branch, err := s.resolveWorktree(ctx, req.RepoPath, req.Branch, req.WorktreePath)
	if err != nil {
		return gitFollowResponse{Error: err.Error()}
	}

	if err := s.gitOps.SetConfig(ctx, req.RepoPath, followWorktreeKey, worktreePath); err != nil {
		return gitFollowResponse{Error: err.Error()}
	}
	_ = s.gitOps.UnsetConfig(ctx, req.RepoPath, legacyFollowBranchKey)

	if err := s.gitOps.InstallHooks(ctx, req.RepoPath); err != nil {
		return gitFollowResponse{Error: err.Error()}
	}
	if worktreePath != req.RepoPath {
		if err := s.gitOps.InstallHooks(ctx, worktreePath); err != nil {
			return gitFollowResponse{Error: err.Error()}
		}
	}

	return gitFollowResponse{Success: true, CurrentBranch: branch}
}

func (s *Server) disableFollow(ctx context.Context, req gitFollowRequest) gitFollowResponse {
	worktreePath, _, _ := s.gitOps.GetConfig(ctx, req.RepoPath, followWorktreeKey)

	if err := s.gitOps.UnsetConfig(ctx, req.RepoPath, followWorktreeKey); err != nil {
		return gitFollowResponse{Error: err.Error()}
	}
	if err := s.gitOps.UnsetConfig(ctx, req.RepoPath, legacyFollowBranchKey); err != nil {
		return gitFollowResponse{Error: err.Error()}
	}

	if err := s.gitOps.UninstallHooks(ctx, req.RepoPath); err != nil {
		return gitFollowResponse{Error: err.Error()}
	}
	if worktreePath != "" && worktreePath != req.RepoPath {
		if err := s.gitOps.UninstallHooks(ctx, worktreePath); err != nil {
			return gitFollowResponse{Error: err.Error()}
		}
	}

	return gitFollowResponse{Success: true}
}

// resolveWorktree implements spec §4.H's branch-to-worktree resolution
// order: explicit worktreePath, provided branch via `git worktree list`,
// then the current branch (recursively retried as a branch lookup).
// Detached HEAD is fatal.
func (s *Server) resolveWorktree(ctx context.Context, repoPath, branch, worktreePath string) (string, string, error) {
	if worktreePath != "" {
		resolvedBranch := branch
		if resolvedBranch == "" {
			worktrees, err := s.gitOps.WorktreeList(ctx, repoPath)
			if err == nil {
				for _, wt := range worktrees {
					if wt.Path == worktreePath {
						resolvedBranch = wt.Branch
						break
					}
				}
			}
		}
		return worktreePath, resolvedBranch, nil
	}

	if branch != "" {
		worktrees, err := s.gitOps.WorktreeList(ctx, repoPath)
		if err != nil {
			return "", "", err
		}
		for _, wt := range worktrees {
			if wt.Branch == branch {
				return wt.Path, branch, nil
			}
		}
		return "", "", fmt.Errorf("no worktree found for branch %q", branch)
	}

	current, err := s.gitOps.CurrentBranch(ctx, repoPath)
	if err != nil {
		return "", "", fmt.Errorf("resolve current branch: %w", err)
	}
	return s.resolveWorktree(ctx, repoPath, current, "")
}

type gitEventRequest struct {
	RepoPath string `json:"repoPath"`
	Type     string `json:"type"`
}

type gitEventAck struct {
	Handled bool   `json:"handled"`
	Error   string `json:"error,omitempty"`
}

func (s *Server) handleGitEventNotify(_ context.Context, conn net.Conn, payload []byte) {
	var req gitEventRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		s.writeJSON(conn, codec.TypeGitEventAck, gitEventAck{Error: "malformed request: " + err.Error()})
		return
	}

	if s.sink == nil {
		s.writeJSON(conn, codec.TypeGitEventAck, gitEventAck{Handled: false})
		return
	}

	if err := s.sink(req.RepoPath, req.Type); err != nil {
		s.writeJSON(conn, codec.TypeGitEventAck, gitEventAck{Handled: false, Error: err.Error()})
		return
	}
	s.writeJSON(conn, codec.TypeGitEventAck, gitEventAck{Handled: true})
}

// errorFrame is the ERROR frame payload (spec §8 scenario S5): Code is a
// stable token callers can switch on, Message is human-readable detail.
type errorFrame struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

func (s *Server) writeJSON(conn net.Conn, t codec.Type, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		if s.logger != nil {
			s.logger.Error("marshal control response", zap.Error(err))
		}
		return
	}
	_, _ = conn.Write(codec.Encode(t, data))
}
