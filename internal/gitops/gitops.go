// Package gitops defines the GitOps capability as an opaque external
// collaborator (spec §1: "Git command execution (treated as an opaque
// capability GitOps)"). Only the interface and a keyed lock for
// serializing per-repository operations belong to the core; the concrete
// implementation below shells out to the system git binary and exists so
// the rest of the tree has something real to exercise and test against.
package gitops

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/vibetunnel/server/internal/vterrors"
)

// CallTimeout is the per-invocation deadline spec §5 mandates for every
// GitOps call.
const CallTimeout = 5 * time.Second

// Worktree describes one entry of `git worktree list`.
type Worktree struct {
	Path   string
	Branch string
	Head   string
}

// GitOps is the capability the control socket (§4.H) and PTY session
// (§4.C, for Git metadata) depend on. Every method is expected to honor
// ctx's deadline; Exec additionally bounds each git invocation by
// CallTimeout.
type GitOps interface {
	CurrentBranch(ctx context.Context, repoPath string) (string, error)
	WorktreeList(ctx context.Context, repoPath string) ([]Worktree, error)
	SetConfig(ctx context.Context, repoPath, key, value string) error
	UnsetConfig(ctx context.Context, repoPath, key string) error
	GetConfig(ctx context.Context, repoPath, key string) (string, bool, error)
	InstallHooks(ctx context.Context, repoPath string) error
	UninstallHooks(ctx context.Context, repoPath string) error
}

// Exec is the default GitOps implementation, shelling out to the system
// git binary.
type Exec struct{}

func New() *Exec { return &Exec{} }

func (e *Exec) run(ctx context.Context, repoPath string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, CallTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = repoPath
	var stderr strings.Builder
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if ctx.Err() == context.DeadlineExceeded {
		return "", &vterrors.Timeout{Op: fmt.Sprintf("git %s", strings.Join(args, " "))}
	}
	if err != nil {
		return "", &vterrors.Git{Op: strings.Join(args, " "), Stderr: stderr.String(), Err: err}
	}
	return strings.TrimSpace(string(out)), nil
}

func (e *Exec) CurrentBranch(ctx context.Context, repoPath string) (string, error) {
	out, err := e.run(ctx, repoPath, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	if out == "HEAD" {
		return "", &vterrors.Git{Op: "rev-parse", Err: fmt.Errorf("detached HEAD")}
	}
	return out, nil
}

func (e *Exec) WorktreeList(ctx context.Context, repoPath string) ([]Worktree, error) {
	out, err := e.run(ctx, repoPath, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}

	var worktrees []Worktree
	var cur Worktree
	for _, line := range strings.Split(out, "\n") {
		switch {
		case strings.HasPrefix(line, "worktree "):
			if cur.Path != "" {
				worktrees = append(worktrees, cur)
			}
			cur = Worktree{Path: strings.TrimPrefix(line, "worktree ")}
		case strings.HasPrefix(line, "HEAD "):
			cur.Head = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			cur.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		}
	}
	if cur.Path != "" {
		worktrees = append(worktrees, cur)
	}
	return worktrees, nil
}

func (e *Exec) SetConfig(ctx context.Context, repoPath, key, value string) error {
	_, err := e.run(ctx, repoPath, "config", key, value)
	return err
}

func (e *Exec) UnsetConfig(ctx context.Context, repoPath, key string) error {
	_, err := e.run(ctx, repoPath, "config", "--unset", key)
	if gitErr, ok := err.(*vterrors.Git); ok && strings.Contains(gitErr.Stderr, "key does not exist") {
		return nil
	}
	return err
}

func (e *Exec) GetConfig(ctx context.Context, repoPath, key string) (string, bool, error) {
	out, err := e.run(ctx, repoPath, "config", "--get", key)
	if err != nil {
		if gitErr, ok := err.(*vterrors.Git); ok && gitErr.Stderr == "" {
			return "", false, nil
		}
		return "", false, err
	}
	return out, out != "", nil
}

func (e *Exec) InstallHooks(ctx context.Context, repoPath string) error {
	_, err := e.run(ctx, repoPath, "config", "core.hooksPath", ".vibetunnel/hooks")
	return err
}

func (e *Exec) UninstallHooks(ctx context.Context, repoPath string) error {
	return e.UnsetConfig(ctx, repoPath, "core.hooksPath")
}
