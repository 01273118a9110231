package tracefile

import (
	"io"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sysight/sysight/pkg/event"
	"github.com/sysight/sysight/pkg/hosttables"
	"github.com/sysight/sysight/pkg/threadtable"
)

func TestWriteReadRoundTrip(t *testing.T) {
	fs := afero.NewMemMapFs()

	header := Header{
		Epoch: 1700000000000000000,
		Snapshots: Snapshots{
			Threads: []ThreadRecord{
				{Tid: 1, Pid: 1, Comm: "systemd", Exe: "/usr/lib/systemd/systemd"},
				{Tid: 100, Pid: 100, Ptid: 1, Comm: "bash", Args: []string{"bash", "-l"}, Uid: 1000, Gid: 1000},
			},
			Users:  []hosttables.UserInfo{{Uid: 1000, Gid: 1000, Name: "alice", Home: "/home/alice"}},
			Groups: []hosttables.GroupInfo{{Gid: 1000, Name: "staff"}},
		},
	}

	w, err := NewWriter(fs, "/trace.jsonl", header)
	require.NoError(t, err)

	fd := int64(3)
	name := "/etc/hosts"
	require.NoError(t, w.Write(EventRecord{
		Ts: 10, CPU: 2, Tid: 100, Type: "open", Dir: "exit",
		Args: []ArgRecord{{Name: "res", Int: &fd}, {Name: "name", Str: &name}},
	}))
	require.NoError(t, w.WriteEnvelope(&event.Envelope{
		Ts: 20, Tid: 100, Type: event.TypeClose, Dir: event.DirExit,
		Args: event.Args{{Name: "fd", Kind: event.ArgKindInt, Int: 3}},
	}))
	require.NoError(t, w.Close())

	r, err := NewReader(fs, "/trace.jsonl")
	require.NoError(t, err)
	defer r.Close()

	got := r.Header()
	assert.Equal(t, FormatVersion, got.Version)
	assert.Equal(t, header.Epoch, got.Epoch)
	require.Len(t, got.Snapshots.Threads, 2)
	assert.Equal(t, "bash", got.Snapshots.Threads[1].Comm)
	assert.Equal(t, []string{"bash", "-l"}, got.Snapshots.Threads[1].Args)
	require.Len(t, got.Snapshots.Users, 1)
	assert.Equal(t, "alice", got.Snapshots.Users[0].Name)

	first, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, int64(10), first.Ts)
	assert.Equal(t, "open", first.Type)
	args := first.ToArgs()
	res, ok := args.Int64("res")
	require.True(t, ok)
	assert.Equal(t, int64(3), res)
	s, ok := args.Str("name")
	require.True(t, ok)
	assert.Equal(t, "/etc/hosts", s)

	second, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, "close", second.Type)
	assert.Equal(t, "exit", second.Dir)

	_, err = r.Next()
	assert.ErrorIs(t, err, io.EOF)
	// EOF is sticky.
	_, err = r.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestThreadRecordRoundTrip(t *testing.T) {
	ti := threadtable.NewThreadInfo(42)
	ti.Pid = 40
	ti.Ptid = 1
	ti.Comm = "nginx"
	ti.Exe = "/usr/sbin/nginx"
	ti.Args = []string{"nginx", "-g", "daemon off;"}
	ti.Cwd = "/"
	ti.Uid = 33
	ti.Gid = 33
	ti.ContainerID = "deadbeef1234"

	rebuilt := SnapshotThread(ti).ToThreadInfo()
	assert.Equal(t, ti.Tid, rebuilt.Tid)
	assert.Equal(t, ti.Pid, rebuilt.Pid)
	assert.Equal(t, ti.Ptid, rebuilt.Ptid)
	assert.Equal(t, ti.Comm, rebuilt.Comm)
	assert.Equal(t, ti.Exe, rebuilt.Exe)
	assert.Equal(t, ti.Args, rebuilt.Args)
	assert.Equal(t, ti.Cwd, rebuilt.Cwd)
	assert.Equal(t, ti.Uid, rebuilt.Uid)
	assert.Equal(t, ti.Gid, rebuilt.Gid)
	assert.Equal(t, ti.ContainerID, rebuilt.ContainerID)
}

func TestReaderRejectsBadInput(t *testing.T) {
	fs := afero.NewMemMapFs()

	require.NoError(t, afero.WriteFile(fs, "/empty.jsonl", nil, 0o644))
	_, err := NewReader(fs, "/empty.jsonl")
	assert.ErrorContains(t, err, "empty trace file")

	require.NoError(t, afero.WriteFile(fs, "/badver.jsonl", []byte(`{"version":99,"epoch":0}`+"\n"), 0o644))
	_, err = NewReader(fs, "/badver.jsonl")
	assert.ErrorContains(t, err, "unsupported trace version")

	require.NoError(t, afero.WriteFile(fs, "/garbage.jsonl", []byte("not json\n"), 0o644))
	_, err = NewReader(fs, "/garbage.jsonl")
	assert.ErrorContains(t, err, "decode trace header")

	_, err = NewReader(fs, "/missing.jsonl")
	assert.Error(t, err)
}

func TestFromEnvelopeSkipsRawArgs(t *testing.T) {
	env := &event.Envelope{
		Ts: 5, Tid: 7, Type: event.TypeRead, Dir: event.DirExit,
		Args: event.Args{
			{Name: "fd", Kind: event.ArgKindInt, Int: 0},
			{Name: "data", Kind: event.ArgKindBytes, Bytes: []byte{1, 2, 3}},
		},
	}
	rec := FromEnvelope(env)
	require.Len(t, rec.Args, 1)
	assert.Equal(t, "fd", rec.Args[0].Name)
}
