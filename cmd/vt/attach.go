package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/vibetunnel/server/internal/asciinema"
	"github.com/vibetunnel/server/internal/codec"
)

// tailPollInterval mirrors the stream watcher's own stat-polling fallback
// cadence (internal/streamwatcher), reused here since cmd/vt has no access
// to the server's in-process fsnotify registry.
const tailPollInterval = 200 * time.Millisecond

// newAttachCmd implements interactive passthrough to a running session:
// keystrokes are framed as STDIN/RESIZE over the session's `ipc.sock` (spec
// §6), while output is displayed by tailing the session's own asciinema
// stream file directly — full terminal-state materialization (§4.F) is a
// server-side concern this client doesn't duplicate.
func newAttachCmd(controlDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "attach <session-id>",
		Short: "Attach interactively to a running session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return attach(*controlDir, args[0])
		},
	}
}

func attach(controlDir, sessionID string) error {
	sessionDir := filepath.Join(controlDir, sessionID)
	conn, err := net.Dial("unix", filepath.Join(sessionDir, "ipc.sock"))
	if err != nil {
		return fmt.Errorf("connect to session %s: %w", sessionID, err)
	}
	defer conn.Close()

	stdinFd := int(os.Stdin.Fd())
	if term.IsTerminal(stdinFd) {
		restore, err := term.MakeRaw(stdinFd)
		if err != nil {
			return fmt.Errorf("enter raw mode: %w", err)
		}
		defer term.Restore(stdinFd, restore)
	}

	sendResize(conn, stdinFd)
	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	defer signal.Stop(winch)
	go func() {
		for range winch {
			sendResize(conn, stdinFd)
		}
	}()

	done := make(chan struct{})
	defer close(done)
	go tailOutput(filepath.Join(sessionDir, "stdout"), done)

	return pumpStdin(conn)
}

func sendResize(conn net.Conn, fd int) {
	cols, rows, err := term.GetSize(fd)
	if err != nil {
		return
	}
	payload, err := json.Marshal(struct{ Cols, Rows int }{Cols: cols, Rows: rows})
	if err != nil {
		return
	}
	_, _ = conn.Write(codec.Encode(codec.TypeResize, payload))
}

func pumpStdin(conn net.Conn) error {
	buf := make([]byte, 4096)
	for {
		n, err := os.Stdin.Read(buf)
		if n > 0 {
			if _, werr := conn.Write(codec.Encode(codec.TypeStdin, buf[:n])); werr != nil {
				return werr
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}

// tailOutput polls a session's asciinema stream for growth and prints each
// output event's payload to stdout; resize and input events are ignored. It
// returns when the exit marker is read or done is closed, and silently if
// the file cannot be opened or has no complete header line.
func tailOutput(path string, done <-chan struct{}) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	r := bufio.NewReader(f)
	// Skip the header line; the terminal the CLI is attached to already has
	// the caller's own size.
	if _, err := r.ReadString('\n'); err != nil {
		return
	}

	ticker := time.NewTicker(tailPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
		}

		for {
			line, err := r.ReadString('\n')
			if len(line) > 0 {
				event, exit, perr := asciinema.ParseEventLine([]byte(line))
				if perr == nil {
					if exit != nil {
						return
					}
					if event.Kind == asciinema.KindOutput {
						_, _ = os.Stdout.WriteString(event.Payload)
					}
				}
			}
			if err != nil {
				break
			}
		}
	}
}
