package control

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vibetunnel/server/internal/codec"
	"github.com/vibetunnel/server/internal/gitops"
)

type fakeGitOps struct {
	worktrees map[string][]gitops.Worktree
	config    map[string]map[string]string
	current   map[string]string
}

func newFakeGitOps() *fakeGitOps {
	return &fakeGitOps{
		worktrees: make(map[string][]gitops.Worktree),
		config:    make(map[string]map[string]string),
		current:   make(map[string]string),
	}
}

func (f *fakeGitOps) CurrentBranch(_ context.Context, repoPath string) (string, error) {
	branch, ok := f.current[repoPath]
	if !ok {
		return "", fmt.Errorf("detached HEAD")
	}
	return branch, nil
}

func (f *fakeGitOps) WorktreeList(_ context.Context, repoPath string) ([]gitops.Worktree, error) {
	return f.worktrees[repoPath], nil
}

func (f *fakeGitOps) SetConfig(_ context.Context, repoPath, key, value string) error {
	if f.config[repoPath] == nil {
		f.config[repoPath] = make(map[string]string)
	}
	f.config[repoPath][key] = value
	return nil
}

func (f *fakeGitOps) UnsetConfig(_ context.Context, repoPath, key string) error {
	delete(f.config[repoPath], key)
	return nil
}

func (f *fakeGitOps) GetConfig(_ context.Context, repoPath, key string) (string, bool, error) {
	v, ok := f.config[repoPath][key]
	return v, ok, nil
}

func (f *fakeGitOps) InstallHooks(_ context.Context, _ string) error   { return nil }
func (f *fakeGitOps) UninstallHooks(_ context.Context, _ string) error { return nil }

type fakeStatus struct{}

func (fakeStatus) Running() bool { return true }
func (fakeStatus) Port() int     { return 4020 }
func (fakeStatus) URL() string   { return "http://localhost:4020" }

func newTestSocket(t *testing.T, g GitOps, sink EventSink) (*Server, net.Conn) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "api.sock")
	srv := NewServer(path, g, fakeStatus{}, sink, nil)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Close() })

	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return srv, conn
}

func readResponse(t *testing.T, conn net.Conn) codec.Frame {
	t.Helper()
	dec := codec.NewDecoder(0)
	buf := make([]byte, 4096)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		n, err := conn.Read(buf)
		require.NoError(t, err)
		frames, derr := dec.Feed(buf[:n])
		require.NoError(t, derr)
		if len(frames) > 0 {
			return frames[0]
		}
	}
}

func TestStatusRequest(t *testing.T) {
	_, conn := newTestSocket(t, newFakeGitOps(), nil)

	_, err := conn.Write(codec.Encode(codec.TypeStatusRequest, []byte(`{}`)))
	require.NoError(t, err)

	f := readResponse(t, conn)
	assert.Equal(t, codec.TypeStatusResponse, f.Type)

	var resp statusResponse
	require.NoError(t, json.Unmarshal(f.Payload, &resp))
	assert.True(t, resp.Running)
	assert.Equal(t, 4020, resp.Port)
}

// TestGitFollowToggle implements spec §8 scenario S4.
func TestGitFollowToggle(t *testing.T) {
	g := newFakeGitOps()
	g.worktrees["/r"] = []gitops.Worktree{
		{Path: "/r", Branch: "main"},
		{Path: "/r-dev", Branch: "dev"},
	}
	_, conn := newTestSocket(t, g, nil)

	req, _ := json.Marshal(gitFollowRequest{RepoPath: "/r", Branch: "dev", Enable: true})
	_, err := conn.Write(codec.Encode(codec.TypeGitFollowRequest, req))
	require.NoError(t, err)

	f := readResponse(t, conn)
	assert.Equal(t, codec.TypeGitFollowResponse, f.Type)
	var resp gitFollowResponse
	require.NoError(t, json.Unmarshal(f.Payload, &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "dev", resp.CurrentBranch)
	assert.Equal(t, "/r-dev", g.config["/r"][followWorktreeKey])

	disable, _ := json.Marshal(gitFollowRequest{RepoPath: "/r", Enable: false})
	_, err = conn.Write(codec.Encode(codec.TypeGitFollowRequest, disable))
	require.NoError(t, err)

	f = readResponse(t, conn)
	var disableResp gitFollowResponse
	require.NoError(t, json.Unmarshal(f.Payload, &disableResp))
	assert.True(t, disableResp.Success)
	_, ok := g.config["/r"][followWorktreeKey]
	assert.False(t, ok)
	_, ok = g.config["/r"][legacyFollowBranchKey]
	assert.False(t, ok)
}

func TestGitFollowDetachedHeadIsFatal(t *testing.T) {
	g := newFakeGitOps()
	// current["/r"] left unset: CurrentBranch returns an error, as it would
	// for a real repository with a detached HEAD.
	g.worktrees["/r"] = nil
	_, conn := newTestSocket(t, g, nil)

	req, _ := json.Marshal(gitFollowRequest{RepoPath: "/r", Enable: true})
	_, err := conn.Write(codec.Encode(codec.TypeGitFollowRequest, req))
	require.NoError(t, err)

	f := readResponse(t, conn)
	var resp gitFollowResponse
	require.NoError(t, json.Unmarshal(f.Payload, &resp))
	assert.False(t, resp.Success)
	assert.NotEmpty(t, resp.Error)
}

func TestGitEventNotifyForwardsToSink(t *testing.T) {
	var gotRepo, gotType string
	sink := func(repoPath, eventType string) error {
		gotRepo, gotType = repoPath, eventType
		return nil
	}
	_, conn := newTestSocket(t, newFakeGitOps(), sink)

	req, _ := json.Marshal(gitEventRequest{RepoPath: "/r", Type: "checkout"})
	_, err := conn.Write(codec.Encode(codec.TypeGitEventNotify, req))
	require.NoError(t, err)

	f := readResponse(t, conn)
	assert.Equal(t, codec.TypeGitEventAck, f.Type)
	var ack gitEventAck
	require.NoError(t, json.Unmarshal(f.Payload, &ack))
	assert.True(t, ack.Handled)
	assert.Equal(t, "/r", gotRepo)
	assert.Equal(t, "checkout", gotType)
}

// TestMalformedFrameReturnsProtocolError implements spec §8 scenario S5.
func TestMalformedFrameReturnsProtocolError(t *testing.T) {
	_, conn := newTestSocket(t, newFakeGitOps(), nil)

	badFrame := []byte{byte(codec.TypeStatusRequest), 0xff, 0xff, 0xff, 0xff, 0x00}
	_, err := conn.Write(badFrame)
	require.NoError(t, err)

	f := readResponse(t, conn)
	assert.Equal(t, codec.TypeError, f.Type)

	var body struct {
		Code string `json:"code"`
	}
	require.NoError(t, json.Unmarshal(f.Payload, &body))
	assert.Equal(t, "PROTOCOL_ERROR", body.Code)
}
