package control

import (
	"sync"

	"go.uber.org/zap"

	"github.com/vibetunnel/server/internal/dedup"
	"github.com/vibetunnel/server/internal/sessionmgr"
	"github.com/vibetunnel/server/internal/streamwatcher"
	"github.com/vibetunnel/server/internal/terminal"
)

// MaterializerSource owns one terminal.Materializer per attached session,
// created lazily and kept until Forget is called for that session. It is the
// LocalSource the Aggregator consults before falling back to a remote peer.
// Grounded on amantus-ai-vibetunnel's pkg/termsocket.Manager.GetOrCreateBuffer
// / SubscribeToBufferChanges, generalized from that package's single
// session.Manager + terminal.TerminalBuffer pairing to this repository's
// stream-watcher-backed terminal.Materializer.
type MaterializerSource struct {
	sessions *sessionmgr.Manager
	streams  *streamwatcher.Registry
	dedup    *dedup.Sink
	logger   *zap.Logger

	mu            sync.Mutex
	materializers map[string]*terminal.Materializer
}

// NewMaterializerSource creates a MaterializerSource backed by sessions and
// streams.
func NewMaterializerSource(sessions *sessionmgr.Manager, streams *streamwatcher.Registry, dedupSink *dedup.Sink, logger *zap.Logger) *MaterializerSource {
	return &MaterializerSource{
		sessions:      sessions,
		streams:       streams,
		dedup:         dedupSink,
		logger:        logger,
		materializers: make(map[string]*terminal.Materializer),
	}
}

func (m *MaterializerSource) getOrCreate(sessionID string) (*terminal.Materializer, bool) {
	m.mu.Lock()
	if mat, ok := m.materializers[sessionID]; ok {
		m.mu.Unlock()
		return mat, true
	}
	m.mu.Unlock()

	session, err := m.sessions.GetSession(sessionID)
	if err != nil {
		return nil, false
	}

	mat := terminal.NewMaterializer(sessionID, m.logger, m.dedup)
	if err := mat.Attach(m.streams, session.StreamOutPath()); err != nil {
		if m.logger != nil {
			m.logger.Warn("failed to attach materializer", zap.String("session", sessionID), zap.Error(err))
		}
		return nil, false
	}

	m.mu.Lock()
	m.materializers[sessionID] = mat
	m.mu.Unlock()
	return mat, true
}

// Snapshot returns the current snapshot for sessionID, creating its
// materializer on first access.
func (m *MaterializerSource) Snapshot(sessionID string) (*terminal.Snapshot, bool) {
	mat, ok := m.getOrCreate(sessionID)
	if !ok {
		return nil, false
	}
	return mat.Snapshot(), true
}

// Subscribe registers cb for snapshot-change notifications on sessionID.
func (m *MaterializerSource) Subscribe(sessionID string, cb func(*terminal.Snapshot)) (func(), bool) {
	mat, ok := m.getOrCreate(sessionID)
	if !ok {
		return nil, false
	}
	return mat.Subscribe(cb), true
}

// Forget detaches and discards the materializer for a session whose
// process has exited, releasing its stream-watcher subscription.
func (m *MaterializerSource) Forget(sessionID string) {
	m.mu.Lock()
	mat, ok := m.materializers[sessionID]
	if ok {
		delete(m.materializers, sessionID)
	}
	m.mu.Unlock()
	if ok {
		mat.Close()
	}
}
