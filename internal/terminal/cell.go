// Package terminal implements the headless VT emulator and binary snapshot
// encoding described in spec §4.F, generalizing amantus-ai-vibetunnel's
// pkg/terminal/buffer.go from a fixed rows×cols grid to a scrollback-backed
// buffer with the full cell attribute set (dim, inverse, invisible,
// strikethrough, and double-width glyphs).
package terminal

// Cell attribute bits. Bold/italic/underline keep the teacher's bit
// positions; dim/inverse/invisible/strikethrough extend them.
const (
	FlagBold uint8 = 1 << iota
	FlagItalic
	FlagUnderline
	FlagDim
	FlagInverse
	FlagInvisible
	FlagStrikethrough
)

// Cell is a single terminal grid position.
type Cell struct {
	Char  rune
	Width uint8 // 0 (wide-char continuation), 1, or 2
	Fg    uint32
	Bg    uint32
	Flags uint8
}

func blankCell(fg, bg uint32) Cell {
	return Cell{Char: ' ', Width: 1, Fg: fg, Bg: bg}
}

func (c Cell) isBlank() bool {
	return c.Char == ' ' && c.Fg == 0 && c.Bg == 0 && c.Flags == 0 && c.Width <= 1
}

// runeWidth is a minimal East-Asian-width heuristic: no pack dependency
// (e.g. mattn/go-runewidth) was retrieved, so width is derived from the
// well-known wide-glyph Unicode blocks rather than a full table.
func runeWidth(r rune) int {
	switch {
	case r == 0:
		return 0
	case r < 0x1100:
		return 1
	case isWideRune(r):
		return 2
	default:
		return 1
	}
}

func isWideRune(r rune) bool {
	switch {
	case r >= 0x1100 && r <= 0x115F, // Hangul Jamo
		r >= 0x2E80 && r <= 0xA4CF && r != 0x303F, // CJK Radicals .. Yi
		r >= 0xAC00 && r <= 0xD7A3,   // Hangul Syllables
		r >= 0xF900 && r <= 0xFAFF,   // CJK Compatibility Ideographs
		r >= 0xFF00 && r <= 0xFF60,   // Fullwidth Forms
		r >= 0xFFE0 && r <= 0xFFE6,
		r >= 0x20000 && r <= 0x3FFFD: // CJK Extension planes
		return true
	default:
		return false
	}
}
