package control

import (
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/vibetunnel/server/internal/remote"
)

// HQUpstreamSource implements RemoteSource: in HQ mode, it opens (or
// reuses) a single aggregated WebSocket connection per remote peer and
// multiplexes every locally-subscribed session through it (spec §4.G: "in
// HQ mode... opens or reuses a single aggregated upstream connection to
// that remote and multiplexes"). Grounded on pkg/api/raw_websocket.go's
// dial/ping idiom, applied to an outbound rather than inbound connection.
type HQUpstreamSource struct {
	registry *remote.Registry
	logger   *zap.Logger

	mu    sync.Mutex
	conns map[string]*upstreamConn // remote id -> shared connection
}

// NewHQUpstreamSource creates a RemoteSource backed by registry.
func NewHQUpstreamSource(registry *remote.Registry, logger *zap.Logger) *HQUpstreamSource {
	return &HQUpstreamSource{registry: registry, logger: logger, conns: make(map[string]*upstreamConn)}
}

// Dial returns a per-session Upstream subscription, establishing the shared
// connection to the owning remote if one isn't already open.
func (h *HQUpstreamSource) Dial(sessionID string) (Upstream, bool) {
	rem, ok := h.registry.Owner(sessionID)
	if !ok {
		return nil, false
	}

	h.mu.Lock()
	uc, ok := h.conns[rem.ID]
	if !ok || uc.isClosed() {
		var err error
		uc, err = dialUpstreamConn(rem, h.logger)
		if err != nil {
			h.mu.Unlock()
			if h.logger != nil {
				h.logger.Warn("failed to dial remote aggregator", zap.String("remote", rem.ID), zap.Error(err))
			}
			return nil, false
		}
		h.conns[rem.ID] = uc
	}
	h.mu.Unlock()

	return uc.subscribe(sessionID), true
}

// upstreamConn is one shared WebSocket connection to a remote's own
// aggregator endpoint, fanning decoded per-session payloads out to every
// local subscriber of that session.
type upstreamConn struct {
	conn   *websocket.Conn
	logger *zap.Logger

	mu     sync.Mutex
	subs   map[string][]chan []byte
	closed bool
}

func dialUpstreamConn(rem remote.Remote, logger *zap.Logger) (*upstreamConn, error) {
	wsURL := toWebSocketURL(rem.URL)
	header := map[string][]string{"Authorization": {"Bearer " + rem.BearerToken}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		return nil, err
	}

	uc := &upstreamConn{conn: conn, logger: logger, subs: make(map[string][]chan []byte)}
	go uc.readLoop()
	return uc, nil
}

func toWebSocketURL(httpURL string) string {
	u, err := url.Parse(httpURL)
	if err != nil {
		return httpURL
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/buffers"
	return u.String()
}

func (uc *upstreamConn) readLoop() {
	defer uc.closeAll()
	for {
		msgType, data, err := uc.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		sessionID, payload, ok := decodeSnapshotFrame(data)
		if !ok {
			continue
		}
		uc.mu.Lock()
		chans := uc.subs[sessionID]
		uc.mu.Unlock()
		for _, ch := range chans {
			select {
			case ch <- payload:
			default:
			}
		}
	}
}

func (uc *upstreamConn) subscribe(sessionID string) Upstream {
	ch := make(chan []byte, 4)
	uc.mu.Lock()
	uc.subs[sessionID] = append(uc.subs[sessionID], ch)
	uc.mu.Unlock()

	_ = uc.conn.WriteJSON(controlMessage{Type: "subscribe", SessionIDs: []string{sessionID}})

	return &upstreamSub{uc: uc, sessionID: sessionID, ch: ch}
}

func (uc *upstreamConn) unsubscribe(sessionID string, ch chan []byte) {
	uc.mu.Lock()
	subs := uc.subs[sessionID]
	found := false
	for i, s := range subs {
		if s == ch {
			uc.subs[sessionID] = append(subs[:i], subs[i+1:]...)
			found = true
			break
		}
	}
	if !found {
		// closeAll has already closed ch along with the connection.
		uc.mu.Unlock()
		return
	}
	empty := len(uc.subs[sessionID]) == 0
	if empty {
		delete(uc.subs, sessionID)
	}
	uc.mu.Unlock()
	close(ch)

	if empty {
		_ = uc.conn.WriteJSON(controlMessage{Type: "unsubscribe", SessionIDs: []string{sessionID}})
	}
}

func (uc *upstreamConn) isClosed() bool {
	uc.mu.Lock()
	defer uc.mu.Unlock()
	return uc.closed
}

func (uc *upstreamConn) closeAll() {
	uc.mu.Lock()
	uc.closed = true
	subs := uc.subs
	uc.subs = nil
	uc.mu.Unlock()

	for _, chans := range subs {
		for _, ch := range chans {
			close(ch)
		}
	}
	uc.conn.Close()
}

// upstreamSub is one session's Upstream handle within a shared upstreamConn.
type upstreamSub struct {
	uc        *upstreamConn
	sessionID string
	ch        chan []byte
}

func (s *upstreamSub) Frames() <-chan []byte { return s.ch }
func (s *upstreamSub) Close()                { s.uc.unsubscribe(s.sessionID, s.ch) }
