package terminal

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vibetunnel/server/internal/asciinema"
	"github.com/vibetunnel/server/internal/dedup"
	"github.com/vibetunnel/server/internal/streamwatcher"
)

var errPauseTimeout = errors.New("materializer: paused longer than 5 minutes, dropping queued input")
var errOverflowDrop = errors.New("materializer: pending queue full, dropping newest line")

const (
	defaultCols = 80
	defaultRows = 24

	// Watermarks are fractions of scrollbackLimit (spec §4.F/§5).
	highWatermark = 0.80
	lowWatermark  = 0.50

	maxPendingLines  = 10000
	pauseDropTimeout = 5 * time.Minute

	batchSize     = 10
	batchGap      = 10 * time.Millisecond
	changeDebounce = 50 * time.Millisecond
)

// SnapshotCallback is invoked (at most once per debounce window) with a
// fresh Snapshot whenever the buffer changes.
type SnapshotCallback func(*Snapshot)

// Materializer drives a headless Buffer from a session's asciinema stream,
// applying the write-batching and watermark-based flow control spec §4.F
// mandates. One Materializer exists per attached session.
type Materializer struct {
	sessionID string
	logger    *zap.Logger
	dedupSink *dedup.Sink

	mu     sync.Mutex
	buffer *Buffer

	pending      [][]byte
	pendingLines int
	paused       bool
	pausedAt     time.Time

	unsubscribe func()

	subMu     sync.Mutex
	listeners map[int]SnapshotCallback
	nextID    int

	debounce *time.Timer
	stopCh   chan struct{}
	batchCh  chan []byte
}

// NewMaterializer creates a materializer for sessionID, starting its
// emulator at the spec's default 80×24 with a 10,000-line scrollback.
func NewMaterializer(sessionID string, logger *zap.Logger, dedupSink *dedup.Sink) *Materializer {
	return &Materializer{
		sessionID: sessionID,
		logger:    logger,
		dedupSink: dedupSink,
		buffer:    NewBuffer(defaultCols, defaultRows),
		listeners: make(map[int]SnapshotCallback),
		stopCh:    make(chan struct{}),
		batchCh:   make(chan []byte, maxPendingLines),
	}
}

// Attach subscribes the materializer to streamPath via registry, feeding
// replayed and live output into the emulator.
func (m *Materializer) Attach(registry *streamwatcher.Registry, streamPath string) error {
	unsubscribe, err := registry.Subscribe(streamPath, streamwatcher.Subscriber{
		OnHeader: m.onHeader,
		OnEvent:  m.onEvent,
		OnExit:   m.onExit,
	})
	if err != nil {
		return err
	}
	m.unsubscribe = unsubscribe
	go m.batchLoop()
	return nil
}

// Snapshot returns the materializer's current buffer snapshot on demand,
// independent of the debounced change-notification path (used to answer a
// freshly-subscribing client immediately, spec §4.G: "sends an initial
// snapshot on subscribe").
func (m *Materializer) Snapshot() *Snapshot {
	return m.buffer.GetSnapshot()
}

// Subscribe registers cb for snapshot-change notifications, returning an
// unsubscribe function.
func (m *Materializer) Subscribe(cb SnapshotCallback) func() {
	m.subMu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = cb
	m.subMu.Unlock()
	return func() {
		m.subMu.Lock()
		delete(m.listeners, id)
		m.subMu.Unlock()
	}
}

func (m *Materializer) onHeader(h asciinema.Header) {
	if h.Width > 0 && h.Height > 0 {
		m.buffer.Resize(h.Width, h.Height)
	}
}

func (m *Materializer) onExit(asciinema.ExitMarker) {
	close(m.stopCh)
}

func (m *Materializer) onEvent(e asciinema.Event) {
	switch e.Kind {
	case asciinema.KindResize:
		var cols, rows int
		if n, err := fmt.Sscanf(e.Payload, "%dx%d", &cols, &rows); err == nil && n == 2 {
			m.buffer.Resize(cols, rows)
			m.scheduleSnapshot()
		}
	case asciinema.KindOutput:
		m.enqueue([]byte(e.Payload))
	}
}

// enqueue applies watermark-based flow control before handing a line to the
// batching goroutine. Above the high watermark, lines are held in a bounded
// local queue (the stream watcher itself is never paused); the queue drains
// once utilization falls below the low watermark and is discarded after a
// 5-minute pause.
func (m *Materializer) enqueue(line []byte) {
	m.mu.Lock()
	utilization := float64(m.buffer.ScrollbackLines()) / float64(m.buffer.scrollbackLimit)

	if !m.paused && utilization >= highWatermark {
		m.paused = true
		m.pausedAt = time.Now()
	} else if m.paused && utilization < lowWatermark {
		m.paused = false
		m.drainPendingLocked()
	}

	if m.paused {
		if time.Since(m.pausedAt) > pauseDropTimeout {
			if m.dedupSink != nil {
				m.dedupSink.Report(dedup.Key{SessionID: m.sessionID, Context: "flow-control"}, errPauseTimeout)
			}
			m.pending = nil
			m.pendingLines = 0
			m.paused = false
			m.mu.Unlock()
			m.batchCh <- line
			return
		}
		if m.pendingLines < maxPendingLines {
			m.pending = append(m.pending, line)
			m.pendingLines++
		} else if m.dedupSink != nil {
			m.dedupSink.Report(dedup.Key{SessionID: m.sessionID, Context: "flow-control"}, errOverflowDrop)
		}
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	m.batchCh <- line
}

func (m *Materializer) drainPendingLocked() {
	for _, l := range m.pending {
		select {
		case m.batchCh <- l:
		default:
		}
	}
	m.pending = nil
	m.pendingLines = 0
}

// batchLoop applies the materializer's write-batching policy: up to
// batchSize lines per ~batchGap tick are written into the emulator per
// wakeup, bounding parser pressure under bursty output.
func (m *Materializer) batchLoop() {
	ticker := time.NewTicker(batchGap)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.drainBatch()
		}
	}
}

func (m *Materializer) drainBatch() {
	for i := 0; i < batchSize; i++ {
		select {
		case line := <-m.batchCh:
			if _, err := m.buffer.Write(line); err != nil && m.dedupSink != nil {
				m.dedupSink.Report(dedup.Key{SessionID: m.sessionID, Context: "parse"}, err)
			}
			m.scheduleSnapshot()
		default:
			return
		}
	}
}

// scheduleSnapshot debounces snapshot emission (spec §4.F: 50ms coalescing).
func (m *Materializer) scheduleSnapshot() {
	m.mu.Lock()
	if m.debounce != nil {
		m.mu.Unlock()
		return
	}
	m.debounce = time.AfterFunc(changeDebounce, m.emitSnapshot)
	m.mu.Unlock()
}

func (m *Materializer) emitSnapshot() {
	m.mu.Lock()
	m.debounce = nil
	m.mu.Unlock()

	snap := m.buffer.GetSnapshot()

	m.subMu.Lock()
	cbs := make([]SnapshotCallback, 0, len(m.listeners))
	for _, cb := range m.listeners {
		cbs = append(cbs, cb)
	}
	m.subMu.Unlock()

	for _, cb := range cbs {
		cb(snap)
	}
}

// Close detaches the materializer from its stream subscription.
func (m *Materializer) Close() {
	if m.unsubscribe != nil {
		m.unsubscribe()
	}
}
