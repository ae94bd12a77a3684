package terminal

import (
	"encoding/binary"
	"unicode/utf8"
)

// Snapshot is the materialized view of a session's terminal (spec §3).
// Unlike the teacher's BufferSnapshot, which sometimes returns only the
// dirty rows, GetSnapshot always returns a full, already-trimmed grid:
// spec §4.F's complexity bound (O(rows×cols)) is satisfied either way at
// realistic terminal sizes, and a full grid avoids the ambiguity of
// representing "row unchanged" vs "row now empty" over the wire.
type Snapshot struct {
	Cols       int
	Rows       int
	ViewportY  int
	CursorX    int
	CursorY    int
	Cells      [][]Cell
	ChangeFlags uint32
	SequenceID  uint64
}

// GetSnapshot returns the bottom Rows lines of the active buffer, with
// trailing blank rows trimmed (at least one row is kept). Each row keeps
// its full width; trailing blank cells are dropped only by
// SerializeToBinary. If nothing has changed since the
// last call, the cached snapshot is returned unchanged (vt10x-style
// dedup, preserved from the teacher).
func (b *Buffer) GetSnapshot() *Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.anydirty && b.changeFlags == 0 && b.lastSnap != nil {
		return b.lastSnap
	}

	cells := make([][]Cell, b.rows)
	for i := 0; i < b.rows; i++ {
		row := make([]Cell, b.cols)
		copy(row, b.screen[i])
		cells[i] = row
	}
	cells = trimTrailingBlankRows(cells)

	b.sequenceID++
	snap := &Snapshot{
		Cols:        b.cols,
		Rows:        len(cells),
		ViewportY:   len(b.scroll),
		CursorX:     b.cursorX,
		CursorY:     b.cursorY,
		Cells:       cells,
		ChangeFlags: b.changeFlags,
		SequenceID:  b.sequenceID,
	}

	b.lastSnap = snap
	for i := range b.dirty {
		b.dirty[i] = false
	}
	b.anydirty = false
	b.changeFlags = 0

	return snap
}

func trimTrailingBlankRows(cells [][]Cell) [][]Cell {
	last := len(cells) - 1
	for last > 0 && isEmptyRow(cells[last]) {
		last--
	}
	return cells[:last+1]
}

func isEmptyRow(row []Cell) bool {
	for _, c := range row {
		if !c.isBlank() {
			return false
		}
	}
	return true
}

func trimRowCells(row []Cell) []Cell {
	last := len(row) - 1
	for last > 0 && row[last].isBlank() {
		last--
	}
	return row[:last+1]
}

// SerializeToBinary encodes a snapshot in the wire format described in spec
// §6: a 32-byte header (magic "VT", version, flags, dimensions, cursor),
// followed by one marker per row (0xFE = empty row, 0xFD + cell count =
// content row), followed by per-cell encoded bytes. The header layout and
// row/cell marker bytes are carried over from the teacher's
// SerializeToBinary/encodeCell; the per-cell attribute byte is widened to
// the full Cell.Flags bitfield since this format isn't shared with any
// external consumer the teacher's Node.js client already depends on.
func (s *Snapshot) SerializeToBinary() []byte {
	const headerSize = 32

	size := headerSize
	for row := 0; row < s.Rows; row++ {
		var cells []Cell
		if row < len(s.Cells) {
			cells = s.Cells[row]
		}
		if isEmptyRow(cells) {
			size += 2
			continue
		}
		size += 3
		for _, c := range trimRowCells(cells) {
			size += cellSize(c)
		}
	}

	buf := make([]byte, size)
	offset := 0

	binary.LittleEndian.PutUint16(buf[offset:], 0x5654) // magic "VT"
	offset += 2
	buf[offset] = 0x01 // version
	offset++
	buf[offset] = 0x00 // flags
	offset++
	binary.LittleEndian.PutUint32(buf[offset:], uint32(s.Cols))
	offset += 4
	binary.LittleEndian.PutUint32(buf[offset:], uint32(s.Rows))
	offset += 4
	binary.LittleEndian.PutUint32(buf[offset:], uint32(s.ViewportY))
	offset += 4
	binary.LittleEndian.PutUint32(buf[offset:], uint32(int32(s.CursorX)))
	offset += 4
	binary.LittleEndian.PutUint32(buf[offset:], uint32(int32(s.CursorY)))
	offset += 4
	binary.LittleEndian.PutUint32(buf[offset:], 0) // reserved
	offset += 4

	for row := 0; row < s.Rows; row++ {
		var cells []Cell
		if row < len(s.Cells) {
			cells = s.Cells[row]
		}

		if isEmptyRow(cells) {
			buf[offset] = 0xfe
			offset++
			buf[offset] = 1
			offset++
			continue
		}

		buf[offset] = 0xfd
		offset++
		trimmed := trimRowCells(cells)
		binary.LittleEndian.PutUint16(buf[offset:], uint16(len(trimmed)))
		offset += 2
		for _, c := range trimmed {
			offset = encodeCell(buf, offset, c)
		}
	}

	return buf[:offset]
}

func cellSize(c Cell) int {
	if c.isBlank() {
		return 1
	}

	size := 1 // type byte
	isAscii := c.Char <= 127
	if isAscii {
		size++
	} else {
		size += 1 + utf8.RuneLen(c.Char)
	}

	hasAttrs := c.Flags != 0 || c.Width == 2
	hasFg := c.Fg != 0
	hasBg := c.Bg != 0
	if hasAttrs || hasFg || hasBg {
		size++ // attrs byte
		if hasFg {
			if c.Fg > 255 {
				size += 3
			} else {
				size++
			}
		}
		if hasBg {
			if c.Bg > 255 {
				size += 3
			} else {
				size++
			}
		}
	}
	return size
}

// Type byte bit layout (bit 7 = has extended data, bit 6 = is Unicode,
// bit 5 = has foreground, bit 4 = has background, bit 3 = fg is RGB,
// bit 2 = bg is RGB, bits 1-0 = 00 space / 01 ASCII / 10 Unicode).
func encodeCell(buf []byte, offset int, c Cell) int {
	if c.isBlank() {
		buf[offset] = 0x00
		return offset + 1
	}

	isAscii := c.Char <= 127
	isSpace := c.Char == ' '
	hasAttrs := c.Flags != 0 || c.Width == 2
	hasFg := c.Fg != 0
	hasBg := c.Bg != 0

	var typeByte byte
	if hasAttrs || hasFg || hasBg {
		typeByte |= 0x80
	}
	if !isAscii {
		typeByte |= 0x40
		typeByte |= 0x02
	} else if !isSpace {
		typeByte |= 0x01
	}
	if hasFg {
		typeByte |= 0x20
		if c.Fg > 255 {
			typeByte |= 0x08
		}
	}
	if hasBg {
		typeByte |= 0x10
		if c.Bg > 255 {
			typeByte |= 0x04
		}
	}

	buf[offset] = typeByte
	offset++

	if !isAscii {
		rb := make([]byte, 4)
		n := utf8.EncodeRune(rb, c.Char)
		buf[offset] = byte(n)
		offset++
		copy(buf[offset:], rb[:n])
		offset += n
	} else if !isSpace {
		buf[offset] = byte(c.Char)
		offset++
	}

	if typeByte&0x80 != 0 {
		attrs := c.Flags
		if c.Width == 2 {
			attrs |= 0x80
		}
		buf[offset] = attrs
		offset++

		if hasFg {
			offset = encodeColor(buf, offset, c.Fg)
		}
		if hasBg {
			offset = encodeColor(buf, offset, c.Bg)
		}
	}

	return offset
}

func encodeColor(buf []byte, offset int, color uint32) int {
	if color > 255 {
		buf[offset] = byte((color >> 16) & 0xff)
		buf[offset+1] = byte((color >> 8) & 0xff)
		buf[offset+2] = byte(color & 0xff)
		return offset + 3
	}
	buf[offset] = byte(color)
	return offset + 1
}
