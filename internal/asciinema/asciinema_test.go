package asciinema

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriterReaderRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stdout")

	w, err := NewWriter(path)
	require.NoError(t, err)

	require.NoError(t, w.WriteHeader(Header{Width: 80, Height: 24}))
	require.NoError(t, w.WriteOutput([]byte("hello")))
	require.NoError(t, w.WriteResize(120, 40))
	require.NoError(t, w.WriteExit(0, "abc-123"))
	require.NoError(t, w.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	rd := &Reader{}
	header, events, exit, err := rd.ReadAll(bytes.NewReader(data))
	require.NoError(t, err)

	assert.Equal(t, 2, header.Version)
	assert.Equal(t, 80, header.Width)
	assert.Equal(t, 24, header.Height)

	require.Len(t, events, 2)
	assert.Equal(t, KindOutput, events[0].Kind)
	assert.Equal(t, "hello", events[0].Payload)
	assert.Equal(t, KindResize, events[1].Kind)
	assert.Equal(t, "120x40", events[1].Payload)

	require.NotNil(t, exit)
	assert.Equal(t, 0, exit.ExitCode)
	assert.Equal(t, "abc-123", exit.SessionID)
}

func TestReaderSkipsMalformedLines(t *testing.T) {
	stream := strings.Join([]string{
		`{"version":2,"width":80,"height":24}`,
		`this is not json`,
		`[0.1,"o","ok"]`,
		`[0.2,"x"]`,
	}, "\n")

	var errs int
	rd := &Reader{OnParseError: func(lineNo int, raw string, err error) { errs++ }}
	header, events, exit, err := rd.ReadAll(strings.NewReader(stream))
	require.NoError(t, err)

	assert.Equal(t, 80, header.Width)
	require.Len(t, events, 1)
	assert.Equal(t, "ok", events[0].Payload)
	assert.Nil(t, exit)
	assert.Equal(t, 2, errs)
}

func TestWriterRejectsDuplicateHeader(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(filepath.Join(dir, "stdout"))
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.WriteHeader(Header{Width: 80, Height: 24}))
	err = w.WriteHeader(Header{Width: 80, Height: 24})
	assert.Error(t, err)
}

func TestElapsedTimeIsMonotonicNonDecreasing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stdout")
	w, err := NewWriter(path)
	require.NoError(t, err)
	require.NoError(t, w.WriteHeader(Header{Width: 80, Height: 24}))
	for i := 0; i < 5; i++ {
		require.NoError(t, w.WriteOutput([]byte("x")))
	}
	require.NoError(t, w.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	rd := &Reader{}
	_, events, _, err := rd.ReadAll(bytes.NewReader(data))
	require.NoError(t, err)

	last := -1.0
	for _, e := range events {
		assert.GreaterOrEqual(t, e.Time, last)
		last = e.Time
	}
}
