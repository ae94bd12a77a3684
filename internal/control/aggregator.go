package control

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/vibetunnel/server/internal/terminal"
)

// Aggregator implements spec §4.G: it accepts client WebSocket connections,
// multiplexes snapshot delivery for whatever session ids a client
// subscribes to — looked up locally first, then (in HQ mode) via a remote
// peer's own aggregated stream — and applies latest-wins backpressure so
// one slow client can't stall snapshot production for others. Grounded on
// amantus-ai-vibetunnel's pkg/api/raw_websocket.go: the same
// upgrade/read-loop/writer-goroutine/ping-ticker shape, generalized from
// raw PTY bytes to encoded terminal.Snapshot frames multiplexed across
// many session ids per connection instead of one.
type Aggregator struct {
	local    LocalSource
	remote   RemoteSource
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// LocalSource resolves and streams buffer snapshots for sessions this
// process owns directly (spec §4.F materializer).
type LocalSource interface {
	Snapshot(sessionID string) (*terminal.Snapshot, bool)
	Subscribe(sessionID string, cb func(*terminal.Snapshot)) (unsubscribe func(), ok bool)
}

// RemoteSource resolves an upstream WebSocket connection to the remote
// peer owning sessionID (HQ mode only, spec §4.I/§4.G).
type RemoteSource interface {
	Dial(sessionID string) (Upstream, bool)
}

// Upstream is a single subscription to a remote peer's own aggregated
// snapshot stream for one session id.
type Upstream interface {
	// Frames delivers each snapshot payload verbatim (the serialized
	// snapshot, without the session-id prefix of encodeSnapshotFrame) and
	// closes when the remote becomes unavailable.
	Frames() <-chan []byte
	Close()
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
)

// NewAggregator creates a buffer aggregator. remote may be nil outside HQ
// mode.
func NewAggregator(local LocalSource, remote RemoteSource, logger *zap.Logger) *Aggregator {
	return &Aggregator{
		local:  local,
		remote: remote,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the request to a WebSocket and serves the client's
// subscribe/unsubscribe lifecycle until it disconnects.
func (a *Aggregator) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		if a.logger != nil {
			a.logger.Warn("aggregator: upgrade failed", zap.Error(err))
		}
		return
	}
	c := newClientConn(conn, a, a.logger)
	c.serve()
}

// clientConn tracks one subscribed WebSocket client and its active
// per-session subscriptions.
type clientConn struct {
	conn   *websocket.Conn
	agg    *Aggregator
	logger *zap.Logger

	send chan frame
	done chan struct{}
	once sync.Once

	mu   sync.Mutex
	subs map[string]func() // sessionID -> unsubscribe/close
}

type frameKind int

const (
	frameBinary frameKind = iota
	frameText
)

type frame struct {
	kind frameKind
	data []byte
}

func newClientConn(conn *websocket.Conn, agg *Aggregator, logger *zap.Logger) *clientConn {
	return &clientConn{
		conn:   conn,
		agg:    agg,
		logger: logger,
		send:   make(chan frame, 64),
		done:   make(chan struct{}),
		subs:   make(map[string]func()),
	}
}

func (c *clientConn) serve() {
	defer c.conn.Close()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go c.writeLoop()

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			c.close()
			return
		}
		if msgType == websocket.TextMessage {
			c.handleControl(data)
		}
	}
}

type controlMessage struct {
	Type       string   `json:"type"`
	SessionIDs []string `json:"sessionIds"`
}

func (c *clientConn) handleControl(data []byte) {
	var msg controlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendError("", "malformed control message")
		return
	}

	switch msg.Type {
	case "subscribe":
		for _, id := range msg.SessionIDs {
			c.subscribeSession(id)
		}
	case "unsubscribe":
		for _, id := range msg.SessionIDs {
			c.unsubscribeSession(id)
		}
	case "ping":
		c.sendText(map[string]string{"type": "pong"})
	}
}

func (c *clientConn) subscribeSession(sessionID string) {
	c.mu.Lock()
	if _, exists := c.subs[sessionID]; exists {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if snap, ok := c.agg.local.Snapshot(sessionID); ok {
		if snap != nil {
			c.sendBinaryLatestWins(sessionID, snap.SerializeToBinary())
		}
		unsubscribe, _ := c.agg.local.Subscribe(sessionID, func(s *terminal.Snapshot) {
			c.sendBinaryLatestWins(sessionID, s.SerializeToBinary())
		})
		c.mu.Lock()
		c.subs[sessionID] = unsubscribe
		c.mu.Unlock()
		return
	}

	if c.agg.remote != nil {
		if up, ok := c.agg.remote.Dial(sessionID); ok {
			c.mu.Lock()
			c.subs[sessionID] = up.Close
			c.mu.Unlock()
			go c.pumpUpstream(sessionID, up)
			return
		}
	}

	c.sendError(sessionID, "session not found")
}

func (c *clientConn) pumpUpstream(sessionID string, up Upstream) {
	for data := range up.Frames() {
		c.sendBinaryLatestWins(sessionID, data)
	}
	c.sendError(sessionID, "remote-unavailable")
	c.unsubscribeSession(sessionID)
}

func (c *clientConn) unsubscribeSession(sessionID string) {
	c.mu.Lock()
	unsubscribe, ok := c.subs[sessionID]
	if ok {
		delete(c.subs, sessionID)
	}
	c.mu.Unlock()
	if ok && unsubscribe != nil {
		unsubscribe()
	}
}

// sendBinaryLatestWins enqueues a binary snapshot frame, dropping the
// oldest still-queued frame rather than blocking, never reordering (spec
// §4.G: "the latest wins — never reorders"). Frames are tagged with their
// session id so a single connection can multiplex snapshots for many
// sessions at once.
func (c *clientConn) sendBinaryLatestWins(sessionID string, payload []byte) {
	f := frame{kind: frameBinary, data: encodeSnapshotFrame(sessionID, payload)}
	select {
	case c.send <- f:
		return
	default:
	}
	select {
	case <-c.send:
	default:
	}
	select {
	case c.send <- f:
	case <-c.done:
	}
}

func (c *clientConn) sendText(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case c.send <- frame{kind: frameText, data: data}:
	case <-c.done:
	}
}

func (c *clientConn) sendError(sessionID, msg string) {
	c.sendText(map[string]string{"error": msg, "sessionId": sessionID})
}

func (c *clientConn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case f, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			wsType := websocket.BinaryMessage
			if f.kind == frameText {
				wsType = websocket.TextMessage
			}
			if err := c.conn.WriteMessage(wsType, f.data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *clientConn) close() {
	c.once.Do(func() {
		close(c.done)
		c.mu.Lock()
		subs := c.subs
		c.subs = nil
		c.mu.Unlock()
		for _, unsubscribe := range subs {
			if unsubscribe != nil {
				unsubscribe()
			}
		}
	})
}
