package tracefilesource

import (
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sysight/sysight/pkg/capture"
	"github.com/sysight/sysight/pkg/event"
	"github.com/sysight/sysight/pkg/tracefile"
)

func writeTrace(t *testing.T, fs afero.Fs, path string, recs ...tracefile.EventRecord) {
	t.Helper()
	w, err := tracefile.NewWriter(fs, path, tracefile.Header{
		Epoch: 1,
		Snapshots: tracefile.Snapshots{
			Threads: []tracefile.ThreadRecord{{Tid: 100, Pid: 100, Comm: "bash"}},
		},
	})
	require.NoError(t, err)
	for _, rec := range recs {
		require.NoError(t, w.Write(rec))
	}
	require.NoError(t, w.Close())
}

func TestReplayOrder(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeTrace(t, fs, "/t.jsonl",
		tracefile.EventRecord{Ts: 10, Tid: 100, Type: "open", Dir: "exit"},
		tracefile.EventRecord{Ts: 20, Tid: 100, Type: "close", Dir: "exit"},
	)

	s := New(fs, "/t.jsonl")
	require.NoError(t, s.Open())
	defer s.Close()

	assert.False(t, s.Live())

	snaps := s.Snapshots()
	require.NotNil(t, snaps)
	assert.Equal(t, int64(1), snaps.Epoch)
	require.Len(t, snaps.Threads, 1)
	assert.Equal(t, "bash", snaps.Threads[0].Comm)

	var rec capture.Record
	require.NoError(t, s.Next(&rec, time.Second))
	assert.Equal(t, event.TypeOpen, rec.Type)
	require.NoError(t, s.Next(&rec, time.Second))
	assert.Equal(t, event.TypeClose, rec.Type)

	assert.ErrorIs(t, s.Next(&rec, time.Second), capture.ErrEOF)
	assert.Equal(t, uint64(2), s.Stats().Seen)
}

func TestUnknownTypeFallsBackToGeneric(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeTrace(t, fs, "/t.jsonl",
		tracefile.EventRecord{Ts: 10, Tid: 100, Type: "frobnicate", Dir: "sideways"},
	)

	s := New(fs, "/t.jsonl")
	require.NoError(t, s.Open())
	defer s.Close()

	var rec capture.Record
	require.NoError(t, s.Next(&rec, time.Second))
	assert.Equal(t, event.TypeGeneric, rec.Type)
	assert.Equal(t, event.DirExit, rec.Dir)
}

func TestInterruptStopsReplay(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeTrace(t, fs, "/t.jsonl",
		tracefile.EventRecord{Ts: 10, Tid: 100, Type: "open", Dir: "exit"},
	)

	s := New(fs, "/t.jsonl")
	require.NoError(t, s.Open())
	defer s.Close()

	s.Interrupt()
	var rec capture.Record
	assert.ErrorIs(t, s.Next(&rec, time.Second), capture.ErrInterrupted)
}

func TestOpenMissingFile(t *testing.T) {
	s := New(afero.NewMemMapFs(), "/nope.jsonl")
	assert.Error(t, s.Open())
}
