package main

import (
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/spf13/cobra"

	"github.com/vibetunnel/server/internal/codec"
)

const dialTimeout = 5 * time.Second

// roundTrip dials the control socket, writes one frame, and returns the
// first frame the server sends back.
func roundTrip(controlDir string, t codec.Type, payload []byte) (codec.Frame, error) {
	conn, err := net.DialTimeout("unix", apiSockPath(controlDir), dialTimeout)
	if err != nil {
		return codec.Frame{}, fmt.Errorf("connect to control socket: %w", err)
	}
	defer conn.Close()

	if _, err := conn.Write(codec.Encode(t, payload)); err != nil {
		return codec.Frame{}, fmt.Errorf("write request: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(dialTimeout))
	dec := codec.NewDecoder(0)
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			frames, derr := dec.Feed(buf[:n])
			if derr != nil {
				return codec.Frame{}, derr
			}
			if len(frames) > 0 {
				return frames[0], nil
			}
		}
		if err != nil {
			return codec.Frame{}, fmt.Errorf("read response: %w", err)
		}
	}
}

type statusRequestBody struct {
	RepoPath string `json:"repoPath,omitempty"`
}

type statusResponseBody struct {
	Running    bool   `json:"running"`
	Port       int    `json:"port"`
	URL        string `json:"url"`
	FollowMode string `json:"followMode,omitempty"`
}

func newStatusCmd(controlDir *string) *cobra.Command {
	var repoPath string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Query server status",
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := json.Marshal(statusRequestBody{RepoPath: repoPath})
			if err != nil {
				return err
			}
			f, err := roundTrip(*controlDir, codec.TypeStatusRequest, payload)
			if err != nil {
				return err
			}
			var resp statusResponseBody
			if err := json.Unmarshal(f.Payload, &resp); err != nil {
				return fmt.Errorf("parse status response: %w", err)
			}
			fmt.Printf("running=%v port=%d url=%s", resp.Running, resp.Port, resp.URL)
			if resp.FollowMode != "" {
				fmt.Printf(" followMode=%s", resp.FollowMode)
			}
			fmt.Println()
			return nil
		},
	}
	cmd.Flags().StringVar(&repoPath, "repo-path", "", "repository path to report follow-mode status for")
	return cmd
}

type gitFollowRequestBody struct {
	RepoPath     string `json:"repoPath"`
	Branch       string `json:"branch,omitempty"`
	Enable       bool   `json:"enable"`
	WorktreePath string `json:"worktreePath,omitempty"`
	MainRepoPath string `json:"mainRepoPath,omitempty"`
}

type gitFollowResponseBody struct {
	Success       bool   `json:"success"`
	CurrentBranch string `json:"currentBranch,omitempty"`
	Error         string `json:"error,omitempty"`
}

func newFollowCmd(controlDir *string) *cobra.Command {
	var branch, worktreePath, mainRepoPath string
	var disable bool

	cmd := &cobra.Command{
		Use:   "follow <repo-path>",
		Short: "Enable or disable Git follow-mode for a repository",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := json.Marshal(gitFollowRequestBody{
				RepoPath:     args[0],
				Branch:       branch,
				Enable:       !disable,
				WorktreePath: worktreePath,
				MainRepoPath: mainRepoPath,
			})
			if err != nil {
				return err
			}
			f, err := roundTrip(*controlDir, codec.TypeGitFollowRequest, payload)
			if err != nil {
				return err
			}
			var resp gitFollowResponseBody
			if err := json.Unmarshal(f.Payload, &resp); err != nil {
				return fmt.Errorf("parse follow response: %w", err)
			}
			if !resp.Success {
				return fmt.Errorf("%s", resp.Error)
			}
			if resp.CurrentBranch != "" {
				fmt.Printf("following %s\n", resp.CurrentBranch)
			} else {
				fmt.Println("ok")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&branch, "branch", "", "branch to follow")
	cmd.Flags().StringVar(&worktreePath, "worktree-path", "", "explicit worktree path to follow")
	cmd.Flags().StringVar(&mainRepoPath, "main-repo-path", "", "main repository path, if following from a worktree")
	cmd.Flags().BoolVar(&disable, "disable", false, "disable follow-mode instead of enabling it")
	return cmd
}

type gitEventRequestBody struct {
	RepoPath string `json:"repoPath"`
	Type     string `json:"type"`
}

type gitEventAckBody struct {
	Handled bool   `json:"handled"`
	Error   string `json:"error,omitempty"`
}

func newGitEventCmd(controlDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "git-event <repo-path> <type>",
		Short: "Notify the server of a Git event (checkout, pull, merge, rebase, commit, push)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := json.Marshal(gitEventRequestBody{RepoPath: args[0], Type: args[1]})
			if err != nil {
				return err
			}
			f, err := roundTrip(*controlDir, codec.TypeGitEventNotify, payload)
			if err != nil {
				return err
			}
			var ack gitEventAckBody
			if err := json.Unmarshal(f.Payload, &ack); err != nil {
				return fmt.Errorf("parse git-event ack: %w", err)
			}
			if ack.Error != "" {
				return fmt.Errorf("%s", ack.Error)
			}
			fmt.Printf("handled=%v\n", ack.Handled)
			return nil
		},
	}
}
