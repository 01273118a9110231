package capture_test

import (
	"os"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sysight/sysight/pkg/capture"
	"github.com/sysight/sysight/pkg/capture/sources/channelsource"
	"github.com/sysight/sysight/pkg/capture/sources/tracefilesource"
	"github.com/sysight/sysight/pkg/config"
	"github.com/sysight/sysight/pkg/event"
	"github.com/sysight/sysight/pkg/threadtable"
	"github.com/sysight/sysight/pkg/tracefile"
)

func testConfig() config.Config {
	return config.Config{
		CaptureTimeout:     20 * time.Millisecond,
		MaxThreadTableSize: 1024,
	}
}

func testSnapshots() *capture.Snapshots {
	bash := threadtable.NewThreadInfo(100)
	bash.Comm = "bash"
	vim := threadtable.NewThreadInfo(200)
	vim.Comm = "vim"
	return &capture.Snapshots{Threads: []*threadtable.ThreadInfo{bash, vim}}
}

func openRecord(tid uint32, ts int64, name string) capture.Record {
	return capture.Record{
		Ts: ts, Tid: tid, Type: event.TypeOpen, Dir: event.DirExit,
		Args: event.Args{
			{Name: "res", Kind: event.ArgKindInt, Int: 3},
			{Name: "name", Kind: event.ArgKindStr, Str: name},
		},
	}
}

func TestDispatchBeforeOpen(t *testing.T) {
	s := capture.NewSession(testConfig())
	defer s.Close()

	_, err := s.Next()
	assert.ErrorIs(t, err, capture.ErrNotCapturing)
	assert.ErrorIs(t, s.StopCapture(), capture.ErrNotCapturing)
	assert.ErrorIs(t, s.StartCapture(), capture.ErrNotCapturing)
	assert.ErrorIs(t, s.SetSnaplen(128), capture.ErrNotCapturing)
	assert.ErrorIs(t, s.StartDump("/x.jsonl"), capture.ErrNotCapturing)
	assert.Equal(t, capture.StateClosed, s.State())
}

func TestOpenTwice(t *testing.T) {
	s := capture.NewSession(testConfig())
	defer s.Close()

	require.NoError(t, s.Open(channelsource.New(4)))
	assert.Equal(t, capture.StateCapturing, s.State())
	assert.NotEmpty(t, s.ID())
	assert.ErrorIs(t, s.Open(channelsource.New(4)), capture.ErrAlreadyOpen)
}

func TestReserveThreadMemoryOnlyBeforeOpen(t *testing.T) {
	s := capture.NewSession(testConfig())
	defer s.Close()

	slot, err := s.ReserveThreadMemory(64)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, slot, 0)

	require.NoError(t, s.Open(channelsource.New(4)))
	_, err = s.ReserveThreadMemory(64)
	assert.ErrorIs(t, err, capture.ErrAlreadyOpen)
}

func TestSnapshotImport(t *testing.T) {
	s := capture.NewSession(testConfig())
	defer s.Close()

	src := channelsource.New(4, channelsource.WithSnapshots(testSnapshots()))
	require.NoError(t, s.Open(src))

	assert.Equal(t, 2, s.Threads().Len())
	ti := s.Threads().Lookup(100)
	require.NotNil(t, ti)
	assert.Equal(t, "bash", ti.Comm)
}

func TestFilterSelectsMatchingEvents(t *testing.T) {
	s := capture.NewSession(testConfig())
	defer s.Close()

	src := channelsource.New(8, channelsource.WithSnapshots(testSnapshots()))
	require.NoError(t, s.Open(src))
	require.NoError(t, s.SetFilter(`proc.name = bash and evt.type = open`))

	require.NoError(t, src.Push(openRecord(100, 10, "/etc/hosts")))
	require.NoError(t, src.Push(openRecord(200, 20, "/tmp/x")))
	require.NoError(t, src.Push(capture.Record{
		Ts: 30, Tid: 100, Type: event.TypeClose, Dir: event.DirExit,
		Args: event.Args{{Name: "fd", Kind: event.ArgKindInt, Int: 3}},
	}))
	require.NoError(t, src.Push(openRecord(100, 40, "/etc/passwd")))
	src.Finish()

	env, err := s.Next()
	require.NoError(t, err)
	assert.Equal(t, uint32(100), env.Tid)
	assert.Equal(t, int64(10), env.Ts)

	env, err = s.Next()
	require.NoError(t, err)
	assert.Equal(t, int64(40), env.Ts)

	_, err = s.Next()
	assert.ErrorIs(t, err, capture.ErrEOF)

	st := s.Stats()
	assert.Equal(t, uint64(4), st.Events)
	assert.Equal(t, uint64(2), st.Matched)
}

func TestSetFilter(t *testing.T) {
	s := capture.NewSession(testConfig())
	defer s.Close()

	assert.Error(t, s.SetFilter(`proc.nosuchfield = 1`))
	assert.Empty(t, s.GetFilter())

	require.NoError(t, s.SetFilter(`proc.name = bash`))
	assert.Equal(t, `proc.name = bash`, s.GetFilter())

	require.NoError(t, s.SetFilter(""))
	assert.Empty(t, s.GetFilter())
}

func TestTimeout(t *testing.T) {
	s := capture.NewSession(testConfig())
	defer s.Close()

	require.NoError(t, s.Open(channelsource.New(4)))
	_, err := s.Next()
	assert.ErrorIs(t, err, capture.ErrTimeout)
	assert.Equal(t, uint64(1), s.Stats().Timeouts)
	// A timeout leaves the session capturing.
	assert.Equal(t, capture.StateCapturing, s.State())
}

func TestInterrupt(t *testing.T) {
	s := capture.NewSession(config.Config{
		CaptureTimeout:     10 * time.Second,
		MaxThreadTableSize: 1024,
	})
	defer s.Close()

	require.NoError(t, s.Open(channelsource.New(4)))

	go func() {
		time.Sleep(20 * time.Millisecond)
		s.Interrupt()
	}()
	_, err := s.Next()
	assert.ErrorIs(t, err, capture.ErrInterrupted)
}

func TestPauseResume(t *testing.T) {
	s := capture.NewSession(testConfig())
	defer s.Close()

	src := channelsource.New(8, channelsource.WithLive(true))
	require.NoError(t, s.Open(src))

	require.NoError(t, s.StopCapture())
	assert.Equal(t, capture.StatePaused, s.State())
	// Pausing twice is a no-op.
	require.NoError(t, s.StopCapture())

	_, err := s.Next()
	assert.ErrorIs(t, err, capture.ErrPaused)

	// A paused live source drops produced events instead of queueing them.
	require.NoError(t, src.Push(openRecord(100, 10, "/etc/hosts")))
	assert.Equal(t, uint64(1), s.Stats().SourceDropped)

	require.NoError(t, s.StartCapture())
	assert.Equal(t, capture.StateCapturing, s.State())
	require.NoError(t, src.Push(openRecord(100, 20, "/etc/hosts")))
	env, err := s.Next()
	require.NoError(t, err)
	assert.Equal(t, int64(20), env.Ts)
}

func TestPauseIsLiveOnly(t *testing.T) {
	s := capture.NewSession(testConfig())
	defer s.Close()

	require.NoError(t, s.Open(channelsource.New(4)))
	assert.ErrorIs(t, s.StopCapture(), capture.ErrLiveOnly)
	assert.ErrorIs(t, s.SetSnaplen(128), capture.ErrLiveOnly)
}

func TestEnvelopeReuse(t *testing.T) {
	s := capture.NewSession(testConfig())
	defer s.Close()

	src := channelsource.New(4)
	require.NoError(t, s.Open(src))
	require.NoError(t, src.Push(openRecord(100, 10, "/etc/hosts")))
	require.NoError(t, src.Push(openRecord(100, 20, "/etc/group")))
	src.Finish()

	first, err := s.Next()
	require.NoError(t, err)
	kept := first.Copy()

	second, err := s.Next()
	require.NoError(t, err)
	// Same envelope, new contents: retaining an event requires Copy.
	assert.Same(t, first, second)
	assert.Equal(t, int64(20), first.Ts)
	assert.Equal(t, int64(10), kept.Ts)
	assert.Equal(t, uint64(1), kept.Num)
}

func TestMaxEvtOutputLen(t *testing.T) {
	s := capture.NewSession(testConfig())
	defer s.Close()

	src := channelsource.New(4)
	require.NoError(t, s.Open(src))
	s.SetMaxEvtOutputLen(4)

	require.NoError(t, src.Push(openRecord(100, 10, "/etc/verylongpath")))
	env, err := s.Next()
	require.NoError(t, err)
	name, ok := env.Args.Str("name")
	require.True(t, ok)
	assert.Equal(t, "/etc", name)
}

func TestSelfEventSuppression(t *testing.T) {
	self := uint32(os.Getpid())

	run := func(debug bool) (uint64, error) {
		s := capture.NewSession(testConfig())
		defer s.Close()
		src := channelsource.New(4, channelsource.WithLive(true))
		if err := s.Open(src); err != nil {
			return 0, err
		}
		s.SetDebugMode(debug)
		if err := src.Push(openRecord(self, 10, "/etc/hosts")); err != nil {
			return 0, err
		}
		src.Finish()
		var delivered uint64
		for {
			_, err := s.Next()
			if err != nil {
				return delivered, err
			}
			delivered++
		}
	}

	delivered, err := run(false)
	assert.ErrorIs(t, err, capture.ErrEOF)
	assert.Zero(t, delivered)

	delivered, err = run(true)
	assert.ErrorIs(t, err, capture.ErrEOF)
	assert.Equal(t, uint64(1), delivered)
}

func TestTraceReplayOrderAndStickyEOF(t *testing.T) {
	fs := afero.NewMemMapFs()
	w, err := tracefile.NewWriter(fs, "/trace.jsonl", tracefile.Header{
		Epoch: 1,
		Snapshots: tracefile.Snapshots{
			Threads: []tracefile.ThreadRecord{{Tid: 100, Pid: 100, Comm: "bash"}},
		},
	})
	require.NoError(t, err)
	for i, typ := range []string{"open", "read", "close"} {
		require.NoError(t, w.Write(tracefile.EventRecord{
			Ts: int64(10 * (i + 1)), Tid: 100, Type: typ, Dir: "exit",
		}))
	}
	require.NoError(t, w.Close())

	s := capture.NewSession(testConfig(), capture.WithFs(fs))
	defer s.Close()
	require.NoError(t, s.Open(tracefilesource.New(fs, "/trace.jsonl")))

	assert.Equal(t, 1, s.Threads().Len())

	wantTypes := []event.Type{event.TypeOpen, event.TypeRead, event.TypeClose}
	for i, want := range wantTypes {
		env, err := s.Next()
		require.NoError(t, err)
		assert.Equal(t, want, env.Type)
		assert.Equal(t, int64(10*(i+1)), env.Ts)
		assert.Equal(t, uint64(i+1), env.Num)
	}

	_, err = s.Next()
	assert.ErrorIs(t, err, capture.ErrEOF)
	// End of file is sticky; the session stays open for stats and tables.
	_, err = s.Next()
	assert.ErrorIs(t, err, capture.ErrEOF)
	assert.Equal(t, capture.StateCapturing, s.State())
	assert.Equal(t, uint64(3), s.Stats().Events)
}

func TestDumpThenReplay(t *testing.T) {
	fs := afero.NewMemMapFs()

	rec := capture.NewSession(testConfig(), capture.WithFs(fs))
	src := channelsource.New(8, channelsource.WithSnapshots(testSnapshots()))
	require.NoError(t, rec.Open(src))
	require.NoError(t, rec.StartDump("/dump.jsonl"))

	require.NoError(t, src.Push(openRecord(100, 10, "/etc/hosts")))
	require.NoError(t, src.Push(openRecord(200, 20, "/tmp/x")))
	src.Finish()
	for {
		if _, err := rec.Next(); err != nil {
			require.ErrorIs(t, err, capture.ErrEOF)
			break
		}
	}
	require.NoError(t, rec.StopDump())
	require.NoError(t, rec.Close())

	replay := capture.NewSession(testConfig(), capture.WithFs(fs))
	defer replay.Close()
	require.NoError(t, replay.Open(tracefilesource.New(fs, "/dump.jsonl")))

	// The dump header carried the recording session's state snapshots.
	assert.Equal(t, 2, replay.Threads().Len())

	var got []int64
	for {
		env, err := replay.Next()
		if err != nil {
			require.ErrorIs(t, err, capture.ErrEOF)
			break
		}
		got = append(got, env.Ts)
	}
	assert.Equal(t, []int64{10, 20}, got)
}

func TestDumpHonorsFilter(t *testing.T) {
	fs := afero.NewMemMapFs()

	s := capture.NewSession(testConfig(), capture.WithFs(fs))
	src := channelsource.New(8, channelsource.WithSnapshots(testSnapshots()))
	require.NoError(t, s.Open(src))
	require.NoError(t, s.SetFilter(`proc.name = bash`))
	require.NoError(t, s.StartDump("/dump.jsonl"))

	require.NoError(t, src.Push(openRecord(100, 10, "/etc/hosts")))
	require.NoError(t, src.Push(openRecord(200, 20, "/tmp/x")))
	src.Finish()
	for {
		if _, err := s.Next(); err != nil {
			break
		}
	}
	require.NoError(t, s.Close())

	r, err := tracefile.NewReader(fs, "/dump.jsonl")
	require.NoError(t, err)
	defer r.Close()
	first, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, uint32(100), first.Tid)
	_, err = r.Next()
	assert.Error(t, err)
}

func TestStatsConcurrentWithDispatch(t *testing.T) {
	s := capture.NewSession(testConfig())
	defer s.Close()

	src := channelsource.New(64)
	require.NoError(t, s.Open(src))

	// Poll Stats while dispatch runs: the counters are read from a
	// goroutine other than the one driving Next.
	const n = 50
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
				_ = s.Stats()
			}
		}
	}()

	for i := 0; i < n; i++ {
		require.NoError(t, src.Push(openRecord(100, int64(i+1), "/etc/hosts")))
	}
	src.Finish()
	var delivered uint64
	for {
		if _, err := s.Next(); err != nil {
			require.ErrorIs(t, err, capture.ErrEOF)
			break
		}
		delivered++
	}
	close(stop)
	<-done

	assert.Equal(t, uint64(n), delivered)
	assert.Equal(t, uint64(n), s.Stats().Events)
}

func TestCloseIdempotent(t *testing.T) {
	s := capture.NewSession(testConfig())
	require.NoError(t, s.Open(channelsource.New(4)))

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, capture.StateClosed, s.State())

	_, err := s.Next()
	assert.ErrorIs(t, err, capture.ErrNotCapturing)
	assert.Zero(t, s.Stats().Threads)
}

func TestLastErrorRecordsDispatchFailures(t *testing.T) {
	s := capture.NewSession(testConfig())
	defer s.Close()

	assert.Error(t, s.SetFilter("((("))
	assert.Error(t, s.LastError())
}
