package channelsource

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sysight/sysight/pkg/capture"
	"github.com/sysight/sysight/pkg/event"
)

func record(ts int64) capture.Record {
	return capture.Record{Ts: ts, Tid: 1, Type: event.TypeOpen, Dir: event.DirExit}
}

func TestPushDeliversInOrder(t *testing.T) {
	s := New(4)
	require.NoError(t, s.Open())
	defer s.Close()

	require.NoError(t, s.Push(record(1)))
	require.NoError(t, s.Push(record(2)))

	var rec capture.Record
	require.NoError(t, s.Next(&rec, time.Second))
	assert.Equal(t, int64(1), rec.Ts)
	require.NoError(t, s.Next(&rec, time.Second))
	assert.Equal(t, int64(2), rec.Ts)

	assert.Equal(t, uint64(2), s.Stats().Seen)
}

func TestNextTimesOut(t *testing.T) {
	s := New(4)
	defer s.Close()

	var rec capture.Record
	err := s.Next(&rec, 5*time.Millisecond)
	assert.ErrorIs(t, err, capture.ErrTimeout)
}

func TestFinishDrainsThenEOF(t *testing.T) {
	s := New(4)
	require.NoError(t, s.Push(record(1)))
	s.Finish()

	assert.ErrorIs(t, s.Push(record(2)), ErrFinished)

	var rec capture.Record
	require.NoError(t, s.Next(&rec, time.Second))
	assert.Equal(t, int64(1), rec.Ts)
	assert.ErrorIs(t, s.Next(&rec, time.Second), capture.ErrEOF)
	assert.ErrorIs(t, s.Next(&rec, time.Second), capture.ErrEOF)
}

func TestTryPushCountsOverruns(t *testing.T) {
	s := New(1)
	defer s.Close()

	assert.True(t, s.TryPush(record(1)))
	assert.False(t, s.TryPush(record(2)))

	st := s.Stats()
	assert.Equal(t, uint64(1), st.Seen)
	assert.Equal(t, uint64(1), st.Dropped)
}

func TestInterruptAbortsBlockedNext(t *testing.T) {
	s := New(4)
	defer s.Close()

	go func() {
		time.Sleep(10 * time.Millisecond)
		s.Interrupt()
	}()
	var rec capture.Record
	assert.ErrorIs(t, s.Next(&rec, time.Second), capture.ErrInterrupted)
}

func TestInterruptDoesNotStarveBufferedRecords(t *testing.T) {
	s := New(4)
	defer s.Close()

	require.NoError(t, s.Push(record(1)))
	s.Interrupt()

	// A buffered record still comes out before the interrupt is honored.
	var rec capture.Record
	require.NoError(t, s.Next(&rec, time.Second))
	assert.Equal(t, int64(1), rec.Ts)
	assert.ErrorIs(t, s.Next(&rec, 5*time.Millisecond), capture.ErrInterrupted)
}

func TestPauseDropsRecords(t *testing.T) {
	s := New(4, WithLive(true))
	defer s.Close()

	assert.True(t, s.Live())
	require.NoError(t, s.Pause())
	require.NoError(t, s.Push(record(1)))
	assert.Equal(t, uint64(1), s.Stats().Dropped)

	require.NoError(t, s.Resume())
	require.NoError(t, s.Push(record(2)))
	var rec capture.Record
	require.NoError(t, s.Next(&rec, time.Second))
	assert.Equal(t, int64(2), rec.Ts)
}

func TestSnapshots(t *testing.T) {
	assert.Nil(t, New(4).Snapshots())

	snaps := &capture.Snapshots{Epoch: 7}
	s := New(4, WithSnapshots(snaps))
	assert.Same(t, snaps, s.Snapshots())
}
