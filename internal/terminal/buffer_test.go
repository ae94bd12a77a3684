package terminal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferPrintAdvancesCursorAndWrapsLines(t *testing.T) {
	b := newBuffer(5, 3, 100)
	_, err := b.Write([]byte("abcdef"))
	require.NoError(t, err)

	snap := b.GetSnapshot()
	assert.Equal(t, "abcde", cellsToString(snap.Cells[0]))
	assert.Equal(t, "f", cellsToString(snap.Cells[1]))
	assert.Equal(t, 1, snap.CursorX)
	assert.Equal(t, 1, snap.CursorY)
}

func TestBufferScrollsWhenCursorPassesLastRow(t *testing.T) {
	b := newBuffer(10, 2, 100)
	_, err := b.Write([]byte("one\r\ntwo\r\nthree"))
	require.NoError(t, err)

	assert.Equal(t, 1, b.ScrollbackLines())
	snap := b.GetSnapshot()
	assert.Equal(t, "two", cellsToString(snap.Cells[0]))
	assert.Equal(t, "three", cellsToString(snap.Cells[1]))
}

func TestBufferHandlesCursorPositioningAndErase(t *testing.T) {
	b := newBuffer(10, 3, 100)
	_, err := b.Write([]byte("\x1b[2;3Hhi\x1b[2K\x1b[3;1Hz"))
	require.NoError(t, err)

	snap := b.GetSnapshot()
	assert.Equal(t, "", cellsToString(snap.Cells[1]))
}

func TestBufferHandlesSGRColorsAndAttributes(t *testing.T) {
	b := newBuffer(10, 1, 100)
	_, err := b.Write([]byte("\x1b[1;31mhi\x1b[0m"))
	require.NoError(t, err)

	snap := b.GetSnapshot()
	assert.Equal(t, uint8(FlagBold), snap.Cells[0][0].Flags)
	assert.Equal(t, uint32(1), snap.Cells[0][0].Fg) // red = 31-30
}

func TestBufferHandlesTruecolorSGR(t *testing.T) {
	b := newBuffer(10, 1, 100)
	_, err := b.Write([]byte("\x1b[38;2;10;20;30mx"))
	require.NoError(t, err)

	snap := b.GetSnapshot()
	fg := snap.Cells[0][0].Fg
	assert.Equal(t, uint32(10), (fg>>16)&0xff)
	assert.Equal(t, uint32(20), (fg>>8)&0xff)
	assert.Equal(t, uint32(30), fg&0xff)
}

func TestSnapshotTrimsTrailingBlankRowsAndCells(t *testing.T) {
	b := newBuffer(10, 4, 100)
	_, err := b.Write([]byte("hi"))
	require.NoError(t, err)

	snap := b.GetSnapshot()
	assert.Equal(t, 1, len(snap.Cells))
	assert.Equal(t, 2, len(trimRowCells(snap.Cells[0])))
}

func TestSnapshotCachesUntilDirty(t *testing.T) {
	b := newBuffer(10, 2, 100)
	_, err := b.Write([]byte("x"))
	require.NoError(t, err)

	s1 := b.GetSnapshot()
	s2 := b.GetSnapshot()
	assert.Same(t, s1, s2)

	_, err = b.Write([]byte("y"))
	require.NoError(t, err)
	s3 := b.GetSnapshot()
	assert.NotSame(t, s1, s3)
}

func TestSerializeToBinaryHeaderFields(t *testing.T) {
	b := newBuffer(8, 2, 100)
	_, err := b.Write([]byte("hi"))
	require.NoError(t, err)

	snap := b.GetSnapshot()
	data := snap.SerializeToBinary()

	require.GreaterOrEqual(t, len(data), 32)
	assert.Equal(t, byte(0x54), data[0])
	assert.Equal(t, byte(0x56), data[1])
	assert.Equal(t, byte(0x01), data[2])
}

func TestWideRuneOccupiesTwoCells(t *testing.T) {
	b := newBuffer(10, 1, 100)
	_, err := b.Write([]byte("中"))
	require.NoError(t, err)

	snap := b.GetSnapshot()
	assert.Equal(t, uint8(2), snap.Cells[0][0].Width)
	assert.Equal(t, uint8(0), snap.Cells[0][1].Width)
}

func cellsToString(row []Cell) string {
	trimmed := trimRowCells(row)
	if isEmptyRow(trimmed) {
		return ""
	}
	runes := make([]rune, 0, len(trimmed))
	for _, c := range trimmed {
		if c.Width == 0 {
			continue
		}
		runes = append(runes, c.Char)
	}
	return string(runes)
}
