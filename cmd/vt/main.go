// Command vt is the control-socket CLI client (spec §4.M). It dials the
// host-wide `api.sock`, frames requests with internal/codec, and exists
// far enough to exercise and integration-test the control socket's
// status/git-follow/git-event operations and a session's per-session
// `ipc.sock` for interactive attach — full CLI ergonomics are out of scope
// (spec §1: "CLI flag parsing" is an external-collaborator interface only).
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

func main() {
	var controlDir string

	root := &cobra.Command{
		Use:   "vt",
		Short: "VibeTunnel control-socket client",
	}
	root.PersistentFlags().StringVar(&controlDir, "control-dir", defaultControlDir(), "control directory (env VIBETUNNEL_CONTROL_DIR)")

	root.AddCommand(newStatusCmd(&controlDir))
	root.AddCommand(newFollowCmd(&controlDir))
	root.AddCommand(newGitEventCmd(&controlDir))
	root.AddCommand(newAttachCmd(&controlDir))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func defaultControlDir() string {
	if v := os.Getenv("VIBETUNNEL_CONTROL_DIR"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".vibetunnel")
}

func apiSockPath(controlDir string) string {
	return filepath.Join(controlDir, "api.sock")
}
