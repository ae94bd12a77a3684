// Package sessionmgr implements the session registry and per-session
// lifecycle described in spec §3 and §4.D, generalizing
// amantus-ai-vibetunnel's pkg/session/manager.go (the only file retrieved
// from that package) to the full session data model.
package sessionmgr

import (
	"time"

	"github.com/vibetunnel/server/internal/activity"
)

// Status is the closed set of runtime session states (spec §3).
type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusExited   Status = "exited"
)

// GitMeta is the optional Git provenance attached to a session.
type GitMeta struct {
	RepoPath     string `json:"gitRepoPath,omitempty"`
	Branch       string `json:"gitBranch,omitempty"`
	IsWorktree   bool   `json:"gitIsWorktree,omitempty"`
	MainRepoPath string `json:"gitMainRepoPath,omitempty"`
}

// Config is supplied by a caller of Manager.CreateSession.
type Config struct {
	Argv      []string
	Cwd       string
	Env       map[string]string
	Name      string
	Cols      int
	Rows      int
	TitleMode activity.TitleMode
	Git       *GitMeta
	// IsSpawned makes CreateSession skip Session.Start, so no PTY is forked
	// and no spawn failure can occur there; nothing in this package starts
	// the session later, attaching included.
	IsSpawned bool
}

// Info is the JSON shape of meta.json (spec §6) plus the process id, which
// is persisted so a later server instance's RemoveExitedSessions can
// determine liveness without a running in-memory registry.
type Info struct {
	ID              string    `json:"id"`
	Argv            []string  `json:"argv"`
	Cwd             string    `json:"cwd"`
	Name            string    `json:"name"`
	Cols            int       `json:"cols"`
	Rows            int       `json:"rows"`
	TitleMode       string    `json:"titleMode"`
	GitRepoPath     string    `json:"gitRepoPath,omitempty"`
	GitBranch       string    `json:"gitBranch,omitempty"`
	GitIsWorktree   bool      `json:"gitIsWorktree,omitempty"`
	GitMainRepoPath string    `json:"gitMainRepoPath,omitempty"`
	StartedAt       time.Time `json:"startedAtISO"`
	Status          string    `json:"status"`
	ExitCode        *int      `json:"exitCode,omitempty"`
	Pid             int       `json:"pid"`
}
