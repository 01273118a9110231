package dumper

import (
	"io"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sysight/sysight/pkg/event"
	"github.com/sysight/sysight/pkg/tracefile"
)

func testHeader() tracefile.Header {
	return tracefile.Header{
		Epoch: 42,
		Snapshots: tracefile.Snapshots{
			Threads: []tracefile.ThreadRecord{{Tid: 1, Pid: 1, Comm: "init"}},
		},
	}
}

func openEnvelope(ts int64) *event.Envelope {
	return &event.Envelope{
		Ts: ts, Tid: 100, Type: event.TypeOpen, Dir: event.DirExit,
		Args: event.Args{{Name: "res", Kind: event.ArgKindInt, Int: 3}},
	}
}

func readAll(t *testing.T, fs afero.Fs, path string) (tracefile.Header, []*tracefile.EventRecord) {
	t.Helper()
	r, err := tracefile.NewReader(fs, path)
	require.NoError(t, err)
	defer r.Close()
	var recs []*tracefile.EventRecord
	for {
		rec, err := r.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		recs = append(recs, rec)
	}
	return r.Header(), recs
}

func TestWriteAndClose(t *testing.T) {
	fs := afero.NewMemMapFs()
	d, err := New(fs, "/out.jsonl", testHeader())
	require.NoError(t, err)

	require.NoError(t, d.Write(openEnvelope(10)))
	require.NoError(t, d.Write(openEnvelope(20)))
	assert.Equal(t, uint64(2), d.Written())
	assert.Equal(t, "/out.jsonl", d.Path())
	require.NoError(t, d.Close())

	header, recs := readAll(t, fs, "/out.jsonl")
	assert.Equal(t, int64(42), header.Epoch)
	require.Len(t, recs, 2)
	assert.Equal(t, int64(10), recs[0].Ts)
	assert.Equal(t, int64(20), recs[1].Ts)
}

func TestRotateRepeatsHeader(t *testing.T) {
	fs := afero.NewMemMapFs()
	d, err := New(fs, "/seg0.jsonl", testHeader())
	require.NoError(t, err)

	require.NoError(t, d.Write(openEnvelope(10)))
	require.NoError(t, d.Rotate("/seg1.jsonl"))
	assert.Equal(t, "/seg1.jsonl", d.Path())
	require.NoError(t, d.Write(openEnvelope(20)))
	// The counter spans rotations.
	assert.Equal(t, uint64(2), d.Written())
	require.NoError(t, d.Close())

	// Each segment replays standalone with the capture-start snapshots.
	for path, wantTs := range map[string]int64{"/seg0.jsonl": 10, "/seg1.jsonl": 20} {
		header, recs := readAll(t, fs, path)
		require.Len(t, header.Snapshots.Threads, 1, path)
		assert.Equal(t, "init", header.Snapshots.Threads[0].Comm, path)
		require.Len(t, recs, 1, path)
		assert.Equal(t, wantTs, recs[0].Ts, path)
	}
}

func TestClosedDumperRefusesWrites(t *testing.T) {
	fs := afero.NewMemMapFs()
	d, err := New(fs, "/out.jsonl", testHeader())
	require.NoError(t, err)

	require.NoError(t, d.Close())
	require.NoError(t, d.Close())

	assert.ErrorContains(t, d.Write(openEnvelope(10)), "already closed")
	assert.ErrorContains(t, d.Rotate("/other.jsonl"), "already closed")
}
