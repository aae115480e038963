package topicbuf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wislap/busd/internal/busevent"
)

func TestBufferTrimsToMaxlen(t *testing.T) {
	b := New(3)
	for i := uint64(1); i <= 5; i++ {
		b.Append(busevent.Event{Seq: i})
	}
	require.Equal(t, 3, b.Len())
	snap := b.Snapshot()
	assert.Equal(t, uint64(3), snap[0].Seq)
	assert.Equal(t, uint64(5), snap[2].Seq)
}

func TestBufferRecentReturnsTail(t *testing.T) {
	b := New(10)
	for i := uint64(1); i <= 5; i++ {
		b.Append(busevent.Event{Seq: i})
	}
	recent := b.Recent(2)
	require.Len(t, recent, 2)
	assert.Equal(t, uint64(4), recent[0].Seq)
	assert.Equal(t, uint64(5), recent[1].Seq)
}

func TestBufferRecentZeroLimit(t *testing.T) {
	b := New(10)
	b.Append(busevent.Event{Seq: 1})
	assert.Empty(t, b.Recent(0))
}

func TestBufferResetClearsEventsAndMeta(t *testing.T) {
	b := New(10)
	b.Append(busevent.Event{Seq: 1})
	require.Equal(t, 1, b.Len())
	b.Reset()
	assert.Equal(t, 0, b.Len())
	assert.Equal(t, uint64(0), b.Meta().CountTotal)
}

func TestBufferMetaTracksCountAndLastTS(t *testing.T) {
	b := New(10)
	b.Append(busevent.Event{Seq: 1, TS: 1.5})
	b.Append(busevent.Event{Seq: 2, TS: 2.5})
	meta := b.Meta()
	assert.Equal(t, uint64(2), meta.CountTotal)
	assert.Equal(t, 2.5, meta.LastTS)
}
