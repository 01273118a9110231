package threadtable

// FdKind classifies what an open file descriptor points at.
type FdKind uint8

const (
	FdKindUnknown FdKind = iota
	FdKindFile
	FdKindDirectory
	FdKindIPv4Socket
	FdKindIPv6Socket
	FdKindUnixSocket
	FdKindPipe
	FdKindEvent
	FdKindSignal
	FdKindTimer
)

var fdKindNames = map[FdKind]string{
	FdKindUnknown:    "unknown",
	FdKindFile:       "file",
	FdKindDirectory:  "directory",
	FdKindIPv4Socket: "ipv4",
	FdKindIPv6Socket: "ipv6",
	FdKindUnixSocket: "unix",
	FdKindPipe:       "pipe",
	FdKindEvent:      "event",
	FdKindSignal:     "signalfd",
	FdKindTimer:      "timerfd",
}

func (k FdKind) String() string {
	if name, ok := fdKindNames[k]; ok {
		return name
	}
	return "unknown"
}

// IsSocket reports whether the fd kind carries a connection tuple.
func (k FdKind) IsSocket() bool {
	return k == FdKindIPv4Socket || k == FdKindIPv6Socket || k == FdKindUnixSocket
}

// FDInfo is the reconstructed state of one open file descriptor. Fd numbers
// are unique per thread, not globally.
type FDInfo struct {
	Fd        int32
	Kind      FdKind
	Name      string // path for files and directories, peer name for unix sockets
	OpenFlags uint32
	Tuple     Tuple
	// Pending marks a socket whose tuple was set up by a connect enter
	// record and not yet completed by the matching exit record.
	Pending bool

	conn *ConnEntry
}

// Conn returns the shared connection-tracking entry, nil when the fd does
// not reference one.
func (f *FDInfo) Conn() *ConnEntry {
	return f.conn
}

// AcquireConn takes a connection-tracking reference for the fd's current
// tuple. A second call is a no-op until the held reference is released.
func (f *FDInfo) AcquireConn(ct *ConnTracker) {
	if f.conn != nil || ct == nil {
		return
	}
	f.conn = ct.Acquire(f.Tuple)
}

// clone duplicates the fd for an independent fd table, taking a fresh
// reference on the shared connection entry when there is one.
func (f *FDInfo) clone(ct *ConnTracker) *FDInfo {
	out := *f
	if f.conn != nil && ct != nil {
		out.conn = ct.Acquire(f.conn.Tuple)
	}
	return &out
}

// FDTable is the per-thread file-descriptor table. A clone with a shared-fd
// clone flag makes the child reference the same table as the parent, so the
// table itself is refcounted and released only when its last owner goes
// away.
//
// The table is mutated only from the dispatch path and needs no internal
// locking.
type FDTable struct {
	refs int
	fds  map[int32]*FDInfo
}

func NewFDTable() *FDTable {
	return &FDTable{refs: 1, fds: make(map[int32]*FDInfo)}
}

// Acquire takes one more ownership reference on the table.
func (t *FDTable) Acquire() *FDTable {
	t.refs++
	return t
}

// Release drops one ownership reference. When the last owner is gone, every
// socket fd's connection entry is released through the tracker.
func (t *FDTable) Release(ct *ConnTracker) {
	t.refs--
	if t.refs > 0 {
		return
	}
	for _, fd := range t.fds {
		if fd.conn != nil && ct != nil {
			ct.Release(fd.conn)
			fd.conn = nil
		}
	}
	t.fds = make(map[int32]*FDInfo)
}

// Shared reports whether more than one thread owns the table.
func (t *FDTable) Shared() bool {
	return t.refs > 1
}

// Get returns the fd entry, or nil when the number is not open.
func (t *FDTable) Get(fd int32) *FDInfo {
	return t.fds[fd]
}

// Put inserts or overwrites the entry for info.Fd. Overwriting silently is
// intended: fd numbers get reused as soon as the kernel hands them out
// again. A stale socket entry being overwritten releases its connection.
func (t *FDTable) Put(info *FDInfo, ct *ConnTracker) {
	if prev, ok := t.fds[info.Fd]; ok && prev.conn != nil && prev != info && ct != nil {
		ct.Release(prev.conn)
		prev.conn = nil
	}
	t.fds[info.Fd] = info
}

// Erase removes the fd, releasing its connection entry if it held one.
func (t *FDTable) Erase(fd int32, ct *ConnTracker) bool {
	info, ok := t.fds[fd]
	if !ok {
		return false
	}
	if info.conn != nil && ct != nil {
		ct.Release(info.conn)
		info.conn = nil
	}
	delete(t.fds, fd)
	return true
}

// Len returns the number of open fds.
func (t *FDTable) Len() int {
	return len(t.fds)
}

// Range calls fn for each open fd until fn returns false.
func (t *FDTable) Range(fn func(fd int32, info *FDInfo) bool) {
	for fd, info := range t.fds {
		if !fn(fd, info) {
			return
		}
	}
}

// duplicate returns an independent copy of the table, one reference per new
// table, with per-fd connection references re-acquired.
func (t *FDTable) duplicate(ct *ConnTracker) *FDTable {
	out := NewFDTable()
	for fd, info := range t.fds {
		out.fds[fd] = info.clone(ct)
	}
	return out
}
