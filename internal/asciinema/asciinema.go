// Package asciinema implements the append-only asciicast v2 stream format
// used to persist a PTY session's output (spec §3, §4.B), modeled on the
// header/event shape documented in the asciinema v2 spec:
// https://github.com/asciinema/asciinema/blob/develop/doc/asciicast-v2.md
package asciinema

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// EventKind is the closed set of per-line event kinds.
type EventKind string

const (
	KindOutput EventKind = "o"
	KindInput  EventKind = "i"
	KindResize EventKind = "r"
)

// Header is the mandatory first line of an asciicast v2 stream.
type Header struct {
	Version   int               `json:"version"`
	Width     int               `json:"width"`
	Height    int               `json:"height"`
	Timestamp int64             `json:"timestamp,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
}

// Event is a single data line: [elapsedSeconds, kind, payload].
type Event struct {
	Time    float64
	Kind    EventKind
	Payload string
}

// ExitMarker is the terminator line: ["exit", exitCode, sessionID].
type ExitMarker struct {
	ExitCode  int
	SessionID string
}

// Writer appends asciicast events to a stream file opened for exclusive
// append. Exactly one Writer must exist per session (spec invariant:
// "exactly one writer per session").
type Writer struct {
	mu        sync.Mutex
	f         *os.File
	start     time.Time
	wroteHead bool
}

// NewWriter creates path and opens it for exclusive append; it fails if path
// already exists. The header must still be written via WriteHeader before
// any event.
func NewWriter(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND|os.O_EXCL, 0644)
	if err != nil {
		return nil, fmt.Errorf("open asciinema stream %s: %w", path, err)
	}
	return &Writer{f: f, start: time.Now()}, nil
}

// StartTime reports the monotonic start stamp elapsed time is computed from.
func (w *Writer) StartTime() time.Time { return w.start }

// WriteHeader writes the first line of the stream. It must be called
// exactly once, before any event.
func (w *Writer) WriteHeader(h Header) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.wroteHead {
		return fmt.Errorf("asciinema header already written")
	}
	h.Version = 2
	if h.Timestamp == 0 {
		h.Timestamp = w.start.Unix()
	}
	if err := w.writeLineLocked(h); err != nil {
		return err
	}
	w.wroteHead = true
	return nil
}

// WriteOutput appends an "o" event for data produced by the child.
func (w *Writer) WriteOutput(data []byte) error {
	return w.writeEvent(KindOutput, string(data))
}

// WriteInput appends an "i" event for data sent to the child.
func (w *Writer) WriteInput(data []byte) error {
	return w.writeEvent(KindInput, string(data))
}

// WriteResize appends an "r" event with payload "<cols>x<rows>".
func (w *Writer) WriteResize(cols, rows int) error {
	return w.writeEvent(KindResize, fmt.Sprintf("%dx%d", cols, rows))
}

func (w *Writer) writeEvent(kind EventKind, payload string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	elapsed := time.Since(w.start).Seconds()
	return w.writeLineLocked([]any{elapsed, string(kind), payload})
}

// WriteExit appends the terminator line. No further writes are valid after
// this call.
func (w *Writer) WriteExit(exitCode int, sessionID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writeLineLocked([]any{"exit", exitCode, sessionID})
}

func (w *Writer) writeLineLocked(v any) error {
	line, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal asciinema line: %w", err)
	}
	line = append(line, '\n')
	if _, err := w.f.Write(line); err != nil {
		return fmt.Errorf("write asciinema line: %w", err)
	}
	return nil
}

// Close closes the underlying file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}

// Reader tolerantly parses an asciicast v2 stream: malformed lines are
// skipped rather than aborting the read (§4.B). OnParseError, if set, is
// invoked once per malformed line.
type Reader struct {
	OnParseError func(lineNo int, raw string, err error)
}

// ReadAll parses every line of r, returning the header (or a zero Header if
// the first line itself failed to parse) and the events that parsed
// successfully. The exit marker, if present, is returned separately.
func (rd *Reader) ReadAll(r io.Reader) (Header, []Event, *ExitMarker, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16<<20)

	var header Header
	var events []Event
	var exit *ExitMarker

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if line == "" {
			continue
		}

		if lineNo == 1 {
			if err := json.Unmarshal([]byte(line), &header); err != nil {
				rd.reportError(lineNo, line, err)
			}
			continue
		}

		var raw []json.RawMessage
		if err := json.Unmarshal([]byte(line), &raw); err != nil {
			rd.reportError(lineNo, line, err)
			continue
		}
		if len(raw) != 3 {
			rd.reportError(lineNo, line, fmt.Errorf("expected 3-element array, got %d", len(raw)))
			continue
		}

		var maybeExit string
		if json.Unmarshal(raw[0], &maybeExit) == nil && maybeExit == "exit" {
			var code int
			var sessionID string
			if err := json.Unmarshal(raw[1], &code); err != nil {
				rd.reportError(lineNo, line, err)
				continue
			}
			if err := json.Unmarshal(raw[2], &sessionID); err != nil {
				rd.reportError(lineNo, line, err)
				continue
			}
			exit = &ExitMarker{ExitCode: code, SessionID: sessionID}
			continue
		}

		var elapsed float64
		var kind string
		var payload string
		if err := json.Unmarshal(raw[0], &elapsed); err != nil {
			rd.reportError(lineNo, line, err)
			continue
		}
		if err := json.Unmarshal(raw[1], &kind); err != nil {
			rd.reportError(lineNo, line, err)
			continue
		}
		if err := json.Unmarshal(raw[2], &payload); err != nil {
			rd.reportError(lineNo, line, err)
			continue
		}

		events = append(events, Event{Time: elapsed, Kind: EventKind(kind), Payload: payload})
	}

	if err := scanner.Err(); err != nil {
		return header, events, exit, fmt.Errorf("scan asciinema stream: %w", err)
	}
	return header, events, exit, nil
}

// ParseEventLine parses a single asciicast v2 data line (not the header),
// returning either an Event or, if the line is the `["exit", code, id]`
// terminator, an ExitMarker. Used by the stream watcher (§4.E) to parse
// newly-tailed lines one at a time instead of re-reading the whole file.
func ParseEventLine(line []byte) (Event, *ExitMarker, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(line, &raw); err != nil {
		return Event{}, nil, err
	}
	if len(raw) != 3 {
		return Event{}, nil, fmt.Errorf("expected 3-element array, got %d", len(raw))
	}

	var maybeExit string
	if json.Unmarshal(raw[0], &maybeExit) == nil && maybeExit == "exit" {
		var code int
		var sessionID string
		if err := json.Unmarshal(raw[1], &code); err != nil {
			return Event{}, nil, err
		}
		if err := json.Unmarshal(raw[2], &sessionID); err != nil {
			return Event{}, nil, err
		}
		return Event{}, &ExitMarker{ExitCode: code, SessionID: sessionID}, nil
	}

	var elapsed float64
	var kind, payload string
	if err := json.Unmarshal(raw[0], &elapsed); err != nil {
		return Event{}, nil, err
	}
	if err := json.Unmarshal(raw[1], &kind); err != nil {
		return Event{}, nil, err
	}
	if err := json.Unmarshal(raw[2], &payload); err != nil {
		return Event{}, nil, err
	}
	return Event{Time: elapsed, Kind: EventKind(kind), Payload: payload}, nil, nil
}

func (rd *Reader) reportError(lineNo int, raw string, err error) {
	if rd.OnParseError != nil {
		rd.OnParseError(lineNo, raw, err)
	}
}
