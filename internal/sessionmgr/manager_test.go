package sessionmgr

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vibetunnel/server/internal/asciinema"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dir := t.TempDir()
	return NewManager(dir, zap.NewNop())
}

func waitForStatus(t *testing.T, m *Manager, id string, want Status, timeout time.Duration) Info {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		info, err := m.GetSession(id)
		require.NoError(t, err)
		cur := info.GetInfo()
		if cur.Status == string(want) {
			return cur
		}
		if time.Now().After(deadline) {
			t.Fatalf("session %s did not reach status %s, last=%s", id, want, cur.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// TestCreateAndStreamScenario exercises spec §8 scenario S1.
func TestCreateAndStreamScenario(t *testing.T) {
	m := newTestManager(t)

	session, err := m.CreateSession(Config{
		Argv: []string{"sh", "-c", "printf hello; exit 0"},
		Cwd:  t.TempDir(),
		Cols: 80,
		Rows: 24,
	})
	require.NoError(t, err)

	info := waitForStatus(t, m, session.ID, StatusExited, 5*time.Second)
	require.NotNil(t, info.ExitCode)
	assert.Equal(t, 0, *info.ExitCode)

	data, err := os.ReadFile(session.StreamOutPath())
	require.NoError(t, err)

	rd := &asciinema.Reader{}
	header, events, exit, err := rd.ReadAll(bytesReader(t, data))
	require.NoError(t, err)
	assert.Equal(t, 80, header.Width)
	assert.Equal(t, 24, header.Height)

	require.NotEmpty(t, events)
	assert.Equal(t, asciinema.KindOutput, events[0].Kind)
	assert.Contains(t, events[0].Payload, "hello")

	require.NotNil(t, exit)
	assert.Equal(t, 0, exit.ExitCode)
	assert.Equal(t, session.ID, exit.SessionID)
}

// TestResizeOrderingScenario exercises spec §8 scenario S2.
func TestResizeOrderingScenario(t *testing.T) {
	m := newTestManager(t)

	session, err := m.CreateSession(Config{
		Argv: []string{"sh"},
		Cwd:  t.TempDir(),
		Cols: 80,
		Rows: 24,
	})
	require.NoError(t, err)
	defer session.Kill(9)

	require.NoError(t, session.Resize(120, 40))
	_, err = session.Write([]byte("stty size\n"))
	require.NoError(t, err)

	time.Sleep(200 * time.Millisecond)

	data, err := os.ReadFile(session.StreamOutPath())
	require.NoError(t, err)
	rd := &asciinema.Reader{}
	_, events, _, err := rd.ReadAll(bytesReader(t, data))
	require.NoError(t, err)

	resizeIdx := -1
	for i, e := range events {
		if e.Kind == asciinema.KindResize {
			resizeIdx = i
			assert.Equal(t, "120x40", e.Payload)
			break
		}
	}
	require.GreaterOrEqual(t, resizeIdx, 0, "expected a resize event in the stream")
}

func TestListSessionsSortedByStartTimeDescending(t *testing.T) {
	m := newTestManager(t)

	first, err := m.CreateSession(Config{Argv: []string{"sh", "-c", "sleep 1"}, Cwd: t.TempDir(), Cols: 80, Rows: 24})
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	second, err := m.CreateSession(Config{Argv: []string{"sh", "-c", "sleep 1"}, Cwd: t.TempDir(), Cols: 80, Rows: 24})
	require.NoError(t, err)
	defer first.Kill(9)
	defer second.Kill(9)

	list, err := m.ListSessions()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID)
	assert.Equal(t, first.ID, list[1].ID)
}

func TestRemoveSessionDeletesDirectory(t *testing.T) {
	m := newTestManager(t)
	session, err := m.CreateSession(Config{Argv: []string{"sh", "-c", "exit 0"}, Cwd: t.TempDir(), Cols: 80, Rows: 24})
	require.NoError(t, err)
	waitForStatus(t, m, session.ID, StatusExited, 5*time.Second)

	require.NoError(t, m.RemoveSession(session.ID))
	_, err = os.Stat(session.Path())
	assert.True(t, os.IsNotExist(err))
}

func TestSpawnFailureRemovesSessionDirectory(t *testing.T) {
	m := newTestManager(t)
	_, err := m.CreateSession(Config{Argv: []string{"/no/such/binary-xyz"}, Cwd: t.TempDir(), Cols: 80, Rows: 24})
	require.Error(t, err)

	entries, rerr := os.ReadDir(m.ControlPath())
	require.NoError(t, rerr)
	assert.Empty(t, entries)
}

func TestFindSessionByNamePrefixAndID(t *testing.T) {
	m := newTestManager(t)
	session, err := m.CreateSession(Config{Argv: []string{"sh", "-c", "sleep 1"}, Cwd: t.TempDir(), Cols: 80, Rows: 24, Name: "my-session"})
	require.NoError(t, err)
	defer session.Kill(9)

	found, err := m.FindSession("my-session")
	require.NoError(t, err)
	assert.Equal(t, session.ID, found.ID)

	found, err = m.FindSession(session.ID[:8])
	require.NoError(t, err)
	assert.Equal(t, session.ID, found.ID)
}

func TestForwardIDFormat(t *testing.T) {
	id := ForwardID()
	assert.Regexp(t, `^fwd_\d+$`, id)
}

func bytesReader(t *testing.T, b []byte) *os.File {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "vt-test-*")
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	_, err = f.Write(b)
	require.NoError(t, err)
	_, err = f.Seek(0, 0)
	require.NoError(t, err)
	return f
}
