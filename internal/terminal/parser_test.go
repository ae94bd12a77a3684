package terminal

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParserDispatchesPrintExecuteCsiOscEscape(t *testing.T) {
	var printed []rune
	var executed []byte
	var csiFinal byte
	var csiParams []int
	var oscParams [][]byte
	var escFinal byte

	p := &AnsiParser{
		OnPrint:   func(r rune) { printed = append(printed, r) },
		OnExecute: func(b byte) { executed = append(executed, b) },
		OnCsi: func(params []int, intermediate []byte, final byte) {
			csiParams = params
			csiFinal = final
		},
		OnOsc:    func(params [][]byte) { oscParams = params },
		OnEscape: func(intermediate []byte, final byte) { escFinal = final },
	}

	p.Parse([]byte("ab\n\x1b[1;2Hcd\x1b]0;title\x07\x1bM"))

	assert.Equal(t, []rune{'a', 'b', 'c', 'd'}, printed)
	assert.Equal(t, []byte{'\n'}, executed)
	assert.Equal(t, []int{1, 2}, csiParams)
	assert.Equal(t, byte('H'), csiFinal)
	assert.Equal(t, [][]byte{[]byte("0"), []byte("title")}, oscParams)
	assert.Equal(t, byte('M'), escFinal)
}

func TestParserDecodesMultiByteUtf8(t *testing.T) {
	var printed []rune
	p := &AnsiParser{OnPrint: func(r rune) { printed = append(printed, r) }}
	p.Parse([]byte("中文"))
	assert.Equal(t, []rune{'中', '文'}, printed)
}

func TestParserHandlesCsiWithoutParams(t *testing.T) {
	var params []int
	var final byte
	p := &AnsiParser{OnCsi: func(p []int, _ []byte, f byte) { params = p; final = f }}
	p.Parse([]byte("\x1b[K"))
	assert.Equal(t, []int{0}, params)
	assert.Equal(t, byte('K'), final)
}
