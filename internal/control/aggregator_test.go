package control

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vibetunnel/server/internal/terminal"
)

type fakeLocalSource struct {
	mu        sync.Mutex
	snapshots map[string]*terminal.Snapshot
	listeners map[string][]func(*terminal.Snapshot)
}

func newFakeLocalSource() *fakeLocalSource {
	return &fakeLocalSource{
		snapshots: make(map[string]*terminal.Snapshot),
		listeners: make(map[string][]func(*terminal.Snapshot)),
	}
}

func (f *fakeLocalSource) Snapshot(sessionID string) (*terminal.Snapshot, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap, ok := f.snapshots[sessionID]
	return snap, ok
}

func (f *fakeLocalSource) Subscribe(sessionID string, cb func(*terminal.Snapshot)) (func(), bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.snapshots[sessionID]; !ok {
		return nil, false
	}
	f.listeners[sessionID] = append(f.listeners[sessionID], cb)
	return func() {}, true
}

func (f *fakeLocalSource) publish(sessionID string, snap *terminal.Snapshot) {
	f.mu.Lock()
	f.snapshots[sessionID] = snap
	listeners := append([]func(*terminal.Snapshot){}, f.listeners[sessionID]...)
	f.mu.Unlock()
	for _, cb := range listeners {
		cb(snap)
	}
}

func testSnapshot(seq uint64) *terminal.Snapshot {
	return &terminal.Snapshot{Cols: 80, Rows: 24, SequenceID: seq}
}

func dialAggregator(t *testing.T, local LocalSource, remote RemoteSource) (*websocket.Conn, func()) {
	t.Helper()
	agg := NewAggregator(local, remote, nil)
	srv := httptest.NewServer(http.HandlerFunc(agg.ServeHTTP))
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	return conn, func() {
		conn.Close()
		srv.Close()
	}
}

func TestAggregatorDeliversInitialSnapshotThenUpdates(t *testing.T) {
	local := newFakeLocalSource()
	local.publish("sess-1", testSnapshot(1))

	conn, cleanup := dialAggregator(t, local, nil)
	defer cleanup()

	require.NoError(t, conn.WriteJSON(controlMessage{Type: "subscribe", SessionIDs: []string{"sess-1"}}))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	msgType, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, msgType)
	sessionID, _, ok := decodeSnapshotFrame(data)
	require.True(t, ok)
	assert.Equal(t, "sess-1", sessionID)

	local.publish("sess-1", testSnapshot(2))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	msgType, data, err = conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, msgType)
	sessionID, _, ok = decodeSnapshotFrame(data)
	require.True(t, ok)
	assert.Equal(t, "sess-1", sessionID)
}

func TestAggregatorUnknownSessionSendsError(t *testing.T) {
	local := newFakeLocalSource()
	conn, cleanup := dialAggregator(t, local, nil)
	defer cleanup()

	require.NoError(t, conn.WriteJSON(controlMessage{Type: "subscribe", SessionIDs: []string{"ghost"}}))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	msgType, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, msgType)
	assert.Contains(t, string(data), "session not found")
}

type fakeUpstream struct {
	ch chan []byte
}

func (u *fakeUpstream) Frames() <-chan []byte { return u.ch }
func (u *fakeUpstream) Close()                {}

type fakeRemoteSource struct {
	upstreams map[string]*fakeUpstream
}

func (r *fakeRemoteSource) Dial(sessionID string) (Upstream, bool) {
	u, ok := r.upstreams[sessionID]
	return u, ok
}

func TestAggregatorFallsBackToRemoteSource(t *testing.T) {
	local := newFakeLocalSource()
	ch := make(chan []byte, 1)
	remote := &fakeRemoteSource{upstreams: map[string]*fakeUpstream{"remote-sess": {ch: ch}}}

	conn, cleanup := dialAggregator(t, local, remote)
	defer cleanup()

	require.NoError(t, conn.WriteJSON(controlMessage{Type: "subscribe", SessionIDs: []string{"remote-sess"}}))

	ch <- []byte("payload")

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	msgType, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, msgType)
	sessionID, payload, ok := decodeSnapshotFrame(data)
	require.True(t, ok)
	assert.Equal(t, "remote-sess", sessionID)
	assert.Equal(t, []byte("payload"), payload)
}

func TestAggregatorRemoteUnavailableSendsError(t *testing.T) {
	local := newFakeLocalSource()
	ch := make(chan []byte)
	remote := &fakeRemoteSource{upstreams: map[string]*fakeUpstream{"remote-sess": {ch: ch}}}

	conn, cleanup := dialAggregator(t, local, remote)
	defer cleanup()

	require.NoError(t, conn.WriteJSON(controlMessage{Type: "subscribe", SessionIDs: []string{"remote-sess"}}))
	close(ch)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	msgType, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, msgType)
	assert.Contains(t, string(data), "remote-unavailable")
}
