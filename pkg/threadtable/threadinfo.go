package threadtable

import (
	"strings"

	"golang.org/x/sys/unix"
)

// EnterRecord caches the enter half of a two-part event until its matching
// exit arrives. The argument values are owned copies: the originating
// envelope is only valid for one dispatch call.
type EnterRecord struct {
	Type uint16
	Ts   int64
	Args map[string]any
}

// ThreadInfo is the reconstructed state of one OS thread. Lineage is kept as
// the parent tid, resolved through the table on demand, never as an owning
// pointer, so an evicted parent degrades to "parent unknown" instead of a
// dangling reference.
type ThreadInfo struct {
	Tid  uint32
	Pid  uint32
	Ptid uint32

	Comm        string
	Exe         string
	Args        []string
	Cwd         string
	Uid         uint32
	Gid         uint32
	ContainerID string
	Flags       uint64

	// LastAccess is the event timestamp of the last activity referencing
	// the thread, used by the eviction sweep.
	LastAccess int64
	// Exited marks the thread for removal on the next reclamation pass.
	Exited bool
	// Placeholder marks an entry synthesized from a bare tid, with
	// everything but the identity unknown.
	Placeholder bool

	// LastEnter holds the cached enter record of an in-flight two-part
	// event; a fresh enter for the same tid discards a stale one.
	LastEnter *EnterRecord

	fdTable *FDTable
	private [][]byte
}

// NewThreadInfo returns a thread entry with its own empty fd table.
func NewThreadInfo(tid uint32) *ThreadInfo {
	return &ThreadInfo{
		Tid:     tid,
		Pid:     tid,
		fdTable: NewFDTable(),
	}
}

// FdTable returns the thread's file-descriptor table.
func (ti *ThreadInfo) FdTable() *FDTable {
	return ti.fdTable
}

// Touch records activity at the given event timestamp.
func (ti *ThreadInfo) Touch(ts int64) {
	if ts > ti.LastAccess {
		ti.LastAccess = ts
	}
}

// Cmdline renders the command line as a single string.
func (ti *ThreadInfo) Cmdline() string {
	return strings.Join(ti.Args, " ")
}

// IsMainThread reports whether the thread is its process group leader.
func (ti *ThreadInfo) IsMainThread() bool {
	return ti.Tid == ti.Pid
}

// Parent resolves the parent thread through the table, returning nil when
// the parent has been evicted or never observed.
func (ti *ThreadInfo) Parent(tbl *Table) *ThreadInfo {
	if ti.Ptid == 0 {
		return nil
	}
	return tbl.Lookup(ti.Ptid)
}

// Clone builds the child thread for a fork/clone event. Scalar fields are
// deep-copied from the parent. The fd table follows the clone flags:
// CLONE_FILES shares the parent's table, anything else duplicates its
// entries independently. CLONE_THREAD keeps the child inside the parent's
// thread group.
func (ti *ThreadInfo) Clone(childTid uint32, flags uint64, ct *ConnTracker) *ThreadInfo {
	child := &ThreadInfo{
		Tid:         childTid,
		Pid:         childTid,
		Ptid:        ti.Tid,
		Comm:        ti.Comm,
		Exe:         ti.Exe,
		Args:        append([]string(nil), ti.Args...),
		Cwd:         ti.Cwd,
		Uid:         ti.Uid,
		Gid:         ti.Gid,
		ContainerID: ti.ContainerID,
		Flags:       flags,
	}
	if flags&unix.CLONE_THREAD != 0 {
		child.Pid = ti.Pid
	}
	if flags&unix.CLONE_FILES != 0 {
		child.fdTable = ti.fdTable.Acquire()
	} else {
		child.fdTable = ti.fdTable.duplicate(ct)
	}
	if n := len(ti.private); n > 0 {
		child.private = make([][]byte, n)
		for i, slot := range ti.private {
			if slot != nil {
				child.private[i] = make([]byte, len(slot))
			}
		}
	}
	return child
}

// release drops the thread's fd table ownership. Fds are not reassigned on
// thread removal, they disappear with it.
func (ti *ThreadInfo) release(ct *ConnTracker) {
	if ti.fdTable != nil {
		ti.fdTable.Release(ct)
	}
}

// Discard releases an entry that never made it into the table, dropping the
// fd-table reference (and any connection references) taken when it was
// built. Without it a rejected clone child would pin the parent's shared fd
// table forever.
func (ti *ThreadInfo) Discard(ct *ConnTracker) {
	ti.release(ct)
}

// Private returns the reserved per-thread memory slot for a registration
// handle, allocating it on first use. It returns nil for a handle that was
// never reserved.
func (ti *ThreadInfo) Private(handle int, size int) []byte {
	if handle < 0 {
		return nil
	}
	if handle >= len(ti.private) {
		grown := make([][]byte, handle+1)
		copy(grown, ti.private)
		ti.private = grown
	}
	if ti.private[handle] == nil && size > 0 {
		ti.private[handle] = make([]byte, size)
	}
	return ti.private[handle]
}
