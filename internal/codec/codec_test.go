package codec

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	payload := []byte(`{"hello":"world"}`)
	frame := Encode(TypeStatusRequest, payload)

	d := NewDecoder(0)
	frames, err := d.Feed(frame)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, TypeStatusRequest, frames[0].Type)
	assert.Equal(t, payload, frames[0].Payload)
}

func TestDecoderHandlesPartialFrames(t *testing.T) {
	payload := []byte("some control payload")
	frame := Encode(TypeGitEventNotify, payload)

	d := NewDecoder(0)

	frames, err := d.Feed(frame[:3])
	require.NoError(t, err)
	assert.Empty(t, frames)

	frames, err = d.Feed(frame[3:])
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, payload, frames[0].Payload)
}

func TestDecoderHandlesMultipleFramesInOneFeed(t *testing.T) {
	a := Encode(TypeHeartbeat, nil)
	b := Encode(TypeStdin, []byte("ls\n"))

	d := NewDecoder(0)
	frames, err := d.Feed(append(a, b...))
	require.NoError(t, err)
	require.Len(t, frames, 2)
	assert.Equal(t, TypeHeartbeat, frames[0].Type)
	assert.Empty(t, frames[0].Payload)
	assert.Equal(t, TypeStdin, frames[1].Type)
	assert.Equal(t, []byte("ls\n"), frames[1].Payload)
}

func TestDecoderRejectsOversizePayload(t *testing.T) {
	d := NewDecoder(8)
	frame := Encode(TypeStdin, []byte("this payload is far longer than eight bytes"))

	_, err := d.Feed(frame)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds cap")
}

func TestDecoderRejectsUnknownType(t *testing.T) {
	d := NewDecoder(0)
	bad := Encode(TypeStatusRequest, nil)
	bad[0] = 0xFF

	_, err := d.Feed(bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown message type")
}

func TestHeartbeaterMarksDeadAfterMissedIntervals(t *testing.T) {
	sends := 0
	dead := make(chan struct{})

	hb := NewHeartbeater(5, func() error { // 5ns interval, effectively immediate ticks
		sends++
		return nil
	}, func() {
		close(dead)
	})
	hb.Start()
	defer hb.Stop()

	select {
	case <-dead:
	case <-time.After(2 * time.Second):
		t.Fatal("expected heartbeater to report peer dead")
	}
	assert.GreaterOrEqual(t, sends, 1)
}
