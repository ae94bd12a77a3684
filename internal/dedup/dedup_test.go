package dedup

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func newObservedSink(period time.Duration) (*Sink, *observer.ObservedLogs) {
	core, logs := observer.New(zap.DebugLevel)
	logger := zap.New(core)
	return NewSink(logger, period), logs
}

func TestFirstOccurrenceLogsImmediately(t *testing.T) {
	sink, logs := newObservedSink(time.Hour)
	defer sink.Stop()

	sink.Report(Key{SessionID: "s1", Context: "parse"}, errors.New("boom"))

	assert.Equal(t, 1, logs.Len())
	assert.Equal(t, "error", logs.All()[0].Message)
}

func TestRepeatedOccurrencesAreSuppressedUntilFlush(t *testing.T) {
	sink, logs := newObservedSink(50 * time.Millisecond)
	defer sink.Stop()

	for i := 0; i < 5; i++ {
		sink.Report(Key{SessionID: "s1", Context: "parse"}, errors.New("boom"))
	}
	assert.Equal(t, 1, logs.Len(), "only the first occurrence logs immediately")

	time.Sleep(150 * time.Millisecond)

	found := false
	for _, entry := range logs.All() {
		if entry.Message == "suppressed repeated error" {
			found = true
		}
	}
	assert.True(t, found, "expected a summary log after flush")
}

func TestDistinctKeysLogIndependently(t *testing.T) {
	sink, logs := newObservedSink(time.Hour)
	defer sink.Stop()

	sink.Report(Key{SessionID: "s1", Context: "parse"}, errors.New("a"))
	sink.Report(Key{SessionID: "s2", Context: "parse"}, errors.New("b"))

	assert.Equal(t, 2, logs.Len())
}
