package terminal

// handleCsi implements the CSI final-byte dispatch, extended from the
// teacher's buffer.go to add palette/RGB SGR parsing (38/48 with both the
// ";5;n" 256-color and ";2;r;g;b" truecolor forms) and the dim/inverse/
// invisible/strikethrough attributes spec §3 requires.
func (b *Buffer) handleCsi(params []int, intermediate []byte, final byte) {
	switch final {
	case 'A':
		n := paramOr(params, 0, 1)
		oldY := b.cursorY
		b.cursorY -= n
		if b.cursorY < 0 {
			b.cursorY = 0
		}
		if b.cursorY != oldY {
			b.markCursorChanged()
		}

	case 'B':
		n := paramOr(params, 0, 1)
		oldY := b.cursorY
		b.cursorY += n
		if b.cursorY >= b.rows {
			b.cursorY = b.rows - 1
		}
		if b.cursorY != oldY {
			b.markCursorChanged()
		}

	case 'C':
		n := paramOr(params, 0, 1)
		oldX := b.cursorX
		b.cursorX += n
		if b.cursorX >= b.cols {
			b.cursorX = b.cols - 1
		}
		if b.cursorX != oldX {
			b.markCursorChanged()
		}

	case 'D':
		n := paramOr(params, 0, 1)
		oldX := b.cursorX
		b.cursorX -= n
		if b.cursorX < 0 {
			b.cursorX = 0
		}
		if b.cursorX != oldX {
			b.markCursorChanged()
		}

	case 'H', 'f':
		row := paramOr(params, 0, 1)
		col := paramOr(params, 1, 1)
		newY := clamp(row-1, 0, b.rows-1)
		newX := clamp(col-1, 0, b.cols-1)
		if b.cursorX != newX || b.cursorY != newY {
			b.cursorX, b.cursorY = newX, newY
			b.markCursorChanged()
		}

	case 'J':
		switch paramOr(params, 0, 0) {
		case 0:
			b.clearFromCursor()
		case 1:
			b.clearToCursor()
		case 2:
			b.clearScreen()
		case 3:
			b.scroll = nil
			b.changeFlags |= ChangedScreen
			b.anydirty = true
		}

	case 'K':
		switch paramOr(params, 0, 0) {
		case 0:
			b.clearLineFromCursor()
		case 1:
			b.clearLineToCursor()
		case 2:
			b.clearLine()
		}

	case 'm':
		b.handleSGR(params)
	}

	_ = intermediate
}

func paramOr(params []int, idx, def int) int {
	if idx < len(params) && params[idx] > 0 {
		return params[idx]
	}
	return def
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// handleSGR applies Select Graphic Rendition parameters, extending the
// teacher's handleSGR with dim/inverse/invisible/strikethrough and 256/RGB
// color forms.
func (b *Buffer) handleSGR(params []int) {
	if len(params) == 0 {
		params = []int{0}
	}

	for i := 0; i < len(params); i++ {
		switch params[i] {
		case 0:
			b.currentFg, b.currentBg, b.currentFlags = 0, 0, 0
		case 1:
			b.currentFlags |= FlagBold
		case 2:
			b.currentFlags |= FlagDim
		case 3:
			b.currentFlags |= FlagItalic
		case 4:
			b.currentFlags |= FlagUnderline
		case 7:
			b.currentFlags |= FlagInverse
		case 8:
			b.currentFlags |= FlagInvisible
		case 9:
			b.currentFlags |= FlagStrikethrough
		case 22:
			b.currentFlags &^= FlagBold | FlagDim
		case 23:
			b.currentFlags &^= FlagItalic
		case 24:
			b.currentFlags &^= FlagUnderline
		case 27:
			b.currentFlags &^= FlagInverse
		case 28:
			b.currentFlags &^= FlagInvisible
		case 29:
			b.currentFlags &^= FlagStrikethrough
		case 39:
			b.currentFg = 0
		case 49:
			b.currentBg = 0
		case 30, 31, 32, 33, 34, 35, 36, 37:
			b.currentFg = uint32(params[i] - 30)
		case 40, 41, 42, 43, 44, 45, 46, 47:
			b.currentBg = uint32(params[i] - 40)
		case 90, 91, 92, 93, 94, 95, 96, 97:
			b.currentFg = uint32(params[i] - 90 + 8)
		case 100, 101, 102, 103, 104, 105, 106, 107:
			b.currentBg = uint32(params[i] - 100 + 8)
		case 38:
			n, consumed := parseExtendedColor(params[i+1:])
			b.currentFg = n
			i += consumed
		case 48:
			n, consumed := parseExtendedColor(params[i+1:])
			b.currentBg = n
			i += consumed
		}
	}
}

// parseExtendedColor parses the tail of a 38/48 SGR sequence, returning the
// encoded color (palette index, or RGB packed so it reads as > 255) and how
// many extra params were consumed.
func parseExtendedColor(rest []int) (uint32, int) {
	if len(rest) == 0 {
		return 0, 0
	}
	switch rest[0] {
	case 5:
		if len(rest) >= 2 {
			return uint32(rest[1]), 2
		}
	case 2:
		if len(rest) >= 4 {
			r, g, bl := rest[1], rest[2], rest[3]
			return uint32(r)<<16 | uint32(g)<<8 | uint32(bl) | 0x1000000, 4
		}
	}
	return 0, 0
}
