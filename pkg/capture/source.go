package capture

import (
	"time"

	"github.com/sysight/sysight/pkg/event"
	"github.com/sysight/sysight/pkg/hosttables"
	"github.com/sysight/sysight/pkg/threadtable"
)

// Record is one raw event as produced by a source, before any state is
// attached to it. Sources fill the caller-provided Record in place so the
// steady-state dispatch path allocates nothing.
type Record struct {
	Ts   int64
	CPU  uint16
	Tid  uint32
	Type event.Type
	Dir  event.Direction
	Args event.Args
	Raw  []byte
}

// SourceStats counts raw events at the source boundary. Dropped covers
// events lost before the session ever saw them, such as ring buffer
// overruns.
type SourceStats struct {
	Seen    uint64
	Dropped uint64
}

// Snapshots is the pre-existing state a source can hand over at open time,
// imported into the session tables before the first event is dispatched.
type Snapshots struct {
	Epoch      int64
	Threads    []*threadtable.ThreadInfo
	Users      []hosttables.UserInfo
	Groups     []hosttables.GroupInfo
	Interfaces []hosttables.InterfaceInfo
	Containers []hosttables.ContainerInfo
}

// Source produces the raw event stream a session consumes. Implementations
// exist for live ring buffers, recorded trace files and programmatic feeds.
type Source interface {
	// Open prepares the source for reading. A failed Open on a live
	// source is retried under backoff, so it must be safe to call again
	// after returning an error. It is called at most once after success.
	Open() error

	// Next fills rec with the next raw event. It blocks up to timeout and
	// then returns ErrTimeout. A drained trace source returns ErrEOF; an
	// aborted read returns ErrInterrupted. rec and its argument slice are
	// only valid until the following Next call.
	Next(rec *Record, timeout time.Duration) error

	// Interrupt aborts a Next blocked in another goroutine. Safe to call
	// at any time.
	Interrupt()

	Close() error

	// Live reports whether the source reflects the running host rather
	// than a recording. Driver control operations only apply to live
	// sources.
	Live() bool

	// Name identifies the source kind in logs and errors.
	Name() string

	Stats() SourceStats
}

// SnapshotProvider is implemented by sources that carry state snapshots,
// such as trace files recorded with table exports.
type SnapshotProvider interface {
	Snapshots() *Snapshots
}

// SnaplenSetter is implemented by live sources whose capture length can be
// adjusted while the capture runs.
type SnaplenSetter interface {
	SetSnaplen(snaplen uint32) error
}

// Pausable is implemented by live sources whose driver can stop and resume
// event production without tearing the source down.
type Pausable interface {
	Pause() error
	Resume() error
}
