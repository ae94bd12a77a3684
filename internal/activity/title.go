package activity

import "fmt"

// TitleMode controls how (or whether) a session's terminal title is
// managed, per spec §3/§4.C.
type TitleMode string

const (
	TitleModeNone    TitleMode = "none"
	TitleModeFilter  TitleMode = "filter"
	TitleModeStatic  TitleMode = "static"
	TitleModeDynamic TitleMode = "dynamic"
)

// ParseTitleMode validates a user-supplied title mode string, defaulting to
// TitleModeNone for anything unrecognized.
func ParseTitleMode(s string) TitleMode {
	switch TitleMode(s) {
	case TitleModeNone, TitleModeFilter, TitleModeStatic, TitleModeDynamic:
		return TitleMode(s)
	default:
		return TitleModeNone
	}
}

// TitleSequence builds the OSC-2 escape sequence carrying a title composed
// of {path, command[, activity]} (spec §4.C). activity is omitted when
// empty.
func TitleSequence(path, command, activity string) []byte {
	title := fmt.Sprintf("%s — %s", path, command)
	if activity != "" {
		title = fmt.Sprintf("%s (%s)", title, activity)
	}
	return []byte("\x1b]2;" + title + "\x07")
}
