package terminal

import "sync"

// Change flags, carried over verbatim from the teacher's vt10x-style
// tracking.
const (
	ChangedScreen uint32 = 1 << iota
	ChangedCursor
	ChangedTitle
	ChangedSize
)

const defaultScrollback = 10000

// Buffer is a headless VT emulator: a fixed rows×cols screen backed by a
// capped scrollback history, driven by an AnsiParser. It generalizes the
// teacher's TerminalBuffer (which discards scrolled-off lines entirely) to
// retain spec §2's "scrollback 10 000 lines" and the cell model's
// width/dim/inverse/invisible/strikethrough attributes.
type Buffer struct {
	mu     sync.RWMutex
	cols   int
	rows   int
	screen [][]Cell
	scroll [][]Cell // oldest first, capped at scrollbackLimit

	scrollbackLimit int

	cursorX, cursorY int

	dirty       []bool
	anydirty    bool
	changeFlags uint32
	sequenceID  uint64
	lastSnap    *Snapshot
	parser      *AnsiParser

	currentFg    uint32
	currentBg    uint32
	currentFlags uint8

	title string
}

// NewBuffer creates a Buffer sized cols×rows with the default 10,000-line
// scrollback (spec §4.F).
func NewBuffer(cols, rows int) *Buffer {
	return newBuffer(cols, rows, defaultScrollback)
}

func newBuffer(cols, rows, scrollbackLimit int) *Buffer {
	b := &Buffer{
		cols:            cols,
		rows:            rows,
		screen:          make([][]Cell, rows),
		dirty:           make([]bool, rows),
		scrollbackLimit: scrollbackLimit,
	}
	for i := range b.screen {
		b.screen[i] = newBlankRow(cols, 0, 0)
	}

	p := &AnsiParser{}
	p.OnPrint = b.handlePrint
	p.OnExecute = b.handleExecute
	p.OnCsi = b.handleCsi
	p.OnOsc = b.handleOsc
	p.OnEscape = b.handleEscape
	b.parser = p

	return b
}

func newBlankRow(cols int, fg, bg uint32) []Cell {
	row := make([]Cell, cols)
	for i := range row {
		row[i] = blankCell(fg, bg)
	}
	return row
}

// Write feeds PTY output bytes through the ANSI parser.
func (b *Buffer) Write(data []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.parser.Parse(data)
	return len(data), nil
}

// Resize adjusts the screen's dimensions, preserving overlapping content.
func (b *Buffer) Resize(cols, rows int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cols == b.cols && rows == b.rows {
		return
	}

	newScreen := make([][]Cell, rows)
	newDirty := make([]bool, rows)
	for i := range newScreen {
		newScreen[i] = newBlankRow(cols, 0, 0)
		newDirty[i] = true
	}

	minRows := min(rows, b.rows)
	minCols := min(cols, b.cols)
	for i := 0; i < minRows; i++ {
		copy(newScreen[i][:minCols], b.screen[i][:minCols])
	}

	b.screen = newScreen
	b.dirty = newDirty
	b.cols, b.rows = cols, rows

	if b.cursorX >= cols {
		b.cursorX = cols - 1
	}
	if b.cursorY >= rows {
		b.cursorY = rows - 1
	}
	b.changeFlags |= ChangedSize | ChangedCursor
	b.anydirty = true
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func (b *Buffer) markLineChanged(line int) {
	if line >= 0 && line < b.rows {
		b.dirty[line] = true
		b.anydirty = true
		b.changeFlags |= ChangedScreen
	}
}

func (b *Buffer) markCursorChanged() {
	b.changeFlags |= ChangedCursor
	b.anydirty = true
}

func (b *Buffer) handlePrint(r rune) {
	w := runeWidth(r)
	if w == 0 {
		return
	}
	if b.cursorY < b.rows && b.cursorX < b.cols {
		b.screen[b.cursorY][b.cursorX] = Cell{
			Char: r, Width: uint8(w), Fg: b.currentFg, Bg: b.currentBg, Flags: b.currentFlags,
		}
		if w == 2 && b.cursorX+1 < b.cols {
			b.screen[b.cursorY][b.cursorX+1] = Cell{Char: 0, Width: 0}
		}
		b.markLineChanged(b.cursorY)
	}

	b.cursorX += w
	if b.cursorX >= b.cols {
		b.cursorX = 0
		b.cursorY++
		if b.cursorY >= b.rows {
			b.scrollUp()
			b.cursorY = b.rows - 1
		}
	}
}

func (b *Buffer) handleExecute(c byte) {
	switch c {
	case '\r':
		b.cursorX = 0
	case '\n':
		b.cursorY++
		if b.cursorY >= b.rows {
			b.scrollUp()
			b.cursorY = b.rows - 1
		}
	case '\b':
		if b.cursorX > 0 {
			b.cursorX--
		}
	case '\t':
		b.cursorX = ((b.cursorX / 8) + 1) * 8
		if b.cursorX >= b.cols {
			b.cursorX = b.cols - 1
		}
	}
}

func (b *Buffer) handleEscape(intermediate []byte, final byte) {
	// Minimal ESC handling: the teacher's own handleEscape is a stub too
	// ("handle various escape sequences... for now, we handle the basics").
	_ = intermediate
	_ = final
}

func (b *Buffer) handleOsc(params [][]byte) {
	if len(params) < 2 {
		return
	}
	switch string(params[0]) {
	case "0", "2":
		b.title = string(params[1])
		b.changeFlags |= ChangedTitle
		b.anydirty = true
	}
}

// Title returns the most recent OSC 0/2 window-title string.
func (b *Buffer) Title() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.title
}

func (b *Buffer) scrollUp() {
	scrolled := b.screen[0]
	b.scroll = append(b.scroll, scrolled)
	if len(b.scroll) > b.scrollbackLimit {
		b.scroll = b.scroll[len(b.scroll)-b.scrollbackLimit:]
	}

	copy(b.screen, b.screen[1:])
	last := newBlankRow(b.cols, b.currentFg, b.currentBg)
	b.screen[b.rows-1] = last

	for i := range b.screen {
		b.markLineChanged(i)
	}
}

func (b *Buffer) clearScreen() {
	for y := 0; y < b.rows; y++ {
		b.screen[y] = newBlankRow(b.cols, b.currentFg, b.currentBg)
		b.markLineChanged(y)
	}
}

func (b *Buffer) clearFromCursor() {
	for x := b.cursorX; x < b.cols; x++ {
		b.screen[b.cursorY][x] = blankCell(b.currentFg, b.currentBg)
	}
	b.markLineChanged(b.cursorY)
	for y := b.cursorY + 1; y < b.rows; y++ {
		b.screen[y] = newBlankRow(b.cols, b.currentFg, b.currentBg)
		b.markLineChanged(y)
	}
}

func (b *Buffer) clearToCursor() {
	for x := 0; x <= b.cursorX && x < b.cols; x++ {
		b.screen[b.cursorY][x] = blankCell(0, 0)
	}
	b.markLineChanged(b.cursorY)
	for y := 0; y < b.cursorY; y++ {
		b.screen[y] = newBlankRow(b.cols, 0, 0)
		b.markLineChanged(y)
	}
}

func (b *Buffer) clearLine() {
	b.screen[b.cursorY] = newBlankRow(b.cols, 0, 0)
	b.markLineChanged(b.cursorY)
}

func (b *Buffer) clearLineFromCursor() {
	for x := b.cursorX; x < b.cols; x++ {
		b.screen[b.cursorY][x] = blankCell(0, 0)
	}
	b.markLineChanged(b.cursorY)
}

func (b *Buffer) clearLineToCursor() {
	for x := 0; x <= b.cursorX && x < b.cols; x++ {
		b.screen[b.cursorY][x] = blankCell(0, 0)
	}
	b.markLineChanged(b.cursorY)
}

// ScrollbackLines returns how many lines have scrolled off the top of the
// screen and into history.
func (b *Buffer) ScrollbackLines() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.scroll)
}
