package threadtable

import (
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/kubescape/go-logger"
	"github.com/kubescape/go-logger/helpers"
)

const (
	// DefaultMaxSize caps the thread table. Reaching it is a capacity
	// condition, not a trigger for eviction: evicting arbitrary live
	// threads would corrupt in-flight lookups.
	DefaultMaxSize = 32768

	exitedCacheSize = 1024
)

// ErrTableFull is the capacity condition reported when an insert would grow
// the table past its configured cap. Dispatch keeps running; the table stops
// growing until it shrinks.
var ErrTableFull = errors.New("threadtable: table size limit reached")

// BackendQuerier synthesizes a thread entry from an external process-table
// snapshot, for lookups of tids the capture stream never introduced.
type BackendQuerier interface {
	QueryThread(tid uint32) (*ThreadInfo, error)
}

// Table owns the reconstructed thread state, keyed by tid. All lookups,
// inserts and removals are O(1) amortized: one of them runs per captured
// event, sometimes several.
type Table struct {
	mu       sync.RWMutex
	threads  map[uint32]*ThreadInfo
	conns    *ConnTracker
	maxSize  int
	backend  BackendQuerier
	exited   *lru.Cache[uint32, int64]
	privates []int // sizes of reserved per-thread memory slots
}

// Option configures a Table.
type Option func(*Table)

// WithMaxSize overrides the table size cap.
func WithMaxSize(n int) Option {
	return func(t *Table) {
		if n > 0 {
			t.maxSize = n
		}
	}
}

// WithBackend installs the external process-table querier used by
// LookupOrCreate when the caller opts into backend queries.
func WithBackend(b BackendQuerier) Option {
	return func(t *Table) { t.backend = b }
}

func New(opts ...Option) *Table {
	exited, err := lru.New[uint32, int64](exitedCacheSize)
	if err != nil {
		exited = nil
	}
	t := &Table{
		threads: make(map[uint32]*ThreadInfo),
		conns:   NewConnTracker(),
		maxSize: DefaultMaxSize,
		exited:  exited,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// SetBackend installs the external process-table querier. Sessions attach a
// backend only for live captures, after the source kind is known.
func (t *Table) SetBackend(b BackendQuerier) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.backend = b
}

// ConnTracker returns the shared connection-tracking store.
func (t *Table) ConnTracker() *ConnTracker {
	return t.conns
}

// Len returns the number of resident threads.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.threads)
}

// Lookup returns the thread for a tid, or nil when unknown.
func (t *Table) Lookup(tid uint32) *ThreadInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.threads[tid]
}

// LookupOrCreate returns the thread for a tid, synthesizing one when it is
// unknown. With queryBackend the entry comes from the external process-table
// snapshot; otherwise hint (if non-nil) seeds a placeholder. A nil result
// with a nil error is the normal "not found" outcome when neither applies:
// callers branch on it, it is not an error.
func (t *Table) LookupOrCreate(tid uint32, hint *ThreadInfo, queryBackend bool) (*ThreadInfo, error) {
	if ti := t.Lookup(tid); ti != nil {
		return ti, nil
	}
	var ti *ThreadInfo
	if queryBackend && t.backend != nil {
		queried, err := t.backend.QueryThread(tid)
		if err == nil && queried != nil {
			ti = queried
		}
	}
	if ti == nil {
		if hint == nil {
			return nil, nil
		}
		ti = hint
		ti.Placeholder = true
	}
	if ti.Tid == 0 {
		ti.Tid = tid
	}
	if ti.fdTable == nil {
		ti.fdTable = NewFDTable()
	}
	if err := t.Insert(ti); err != nil {
		return nil, err
	}
	return ti, nil
}

// Insert adds a thread, reporting ErrTableFull when the table is at its cap.
// Re-inserting an existing tid replaces the entry and releases the old one.
func (t *Table) Insert(ti *ThreadInfo) error {
	if ti == nil {
		return fmt.Errorf("threadtable: nil thread")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if prev, ok := t.threads[ti.Tid]; ok {
		if prev != ti {
			prev.release(t.conns)
			t.threads[ti.Tid] = ti
		}
		return nil
	}
	if len(t.threads) >= t.maxSize {
		return ErrTableFull
	}
	if ti.fdTable == nil {
		ti.fdTable = NewFDTable()
	}
	t.threads[ti.Tid] = ti
	return nil
}

// Remove deletes a thread and releases its fd table. Without force only
// exit-marked or placeholder threads are removed.
func (t *Table) Remove(tid uint32, force bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.removeLocked(tid, force)
}

func (t *Table) removeLocked(tid uint32, force bool) bool {
	ti, ok := t.threads[tid]
	if !ok {
		return false
	}
	if !force && !ti.Exited && !ti.Placeholder {
		return false
	}
	ti.release(t.conns)
	delete(t.threads, tid)
	if t.exited != nil {
		t.exited.Add(tid, ti.LastAccess)
	}
	return true
}

// MarkExited flags a thread for removal on the next reclamation pass. Its
// fds are not reassigned, they disappear with it.
func (t *Table) MarkExited(tid uint32) {
	if ti := t.Lookup(tid); ti != nil {
		ti.Exited = true
	}
}

// ReapExited removes every exit-marked thread, returning the count removed.
func (t *Table) ReapExited() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	var tids []uint32
	for tid, ti := range t.threads {
		if ti.Exited {
			tids = append(tids, tid)
		}
	}
	for _, tid := range tids {
		t.removeLocked(tid, true)
	}
	return len(tids)
}

// EvictInactive removes exit-marked threads and threads idle past the
// threshold, judged against the event clock. It runs on a coarse timer
// driven by the dispatch loop, never per event and never because the table
// is full.
func (t *Table) EvictInactive(now int64, idleThreshold time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := now - idleThreshold.Nanoseconds()
	var tids []uint32
	for tid, ti := range t.threads {
		if ti.Exited || (ti.LastAccess > 0 && ti.LastAccess < cutoff) {
			tids = append(tids, tid)
		}
	}
	for _, tid := range tids {
		t.removeLocked(tid, true)
	}
	if len(tids) > 0 {
		logger.L().Debug("evicted inactive threads",
			helpers.Int("count", len(tids)),
			helpers.Int("resident", len(t.threads)))
	}
	return len(tids)
}

// RecentlyExited reports whether a tid was removed not long ago. Events for
// such tids are late stragglers, not unknown processes.
func (t *Table) RecentlyExited(tid uint32) bool {
	if t.exited == nil {
		return false
	}
	return t.exited.Contains(tid)
}

// ImportSnapshot bulk-loads a pre-populated thread table, as handed over by
// a trace-file header or an initial host scan. Entries past the size cap are
// dropped and counted in the returned second value.
func (t *Table) ImportSnapshot(threads []*ThreadInfo) (imported, dropped int) {
	for _, ti := range threads {
		if err := t.Insert(ti); err != nil {
			dropped++
			continue
		}
		imported++
	}
	if dropped > 0 {
		logger.L().Warning("thread snapshot truncated by table size cap",
			helpers.Int("imported", imported),
			helpers.Int("dropped", dropped))
	}
	return imported, dropped
}

// Range calls fn for every resident thread until fn returns false.
func (t *Table) Range(fn func(ti *ThreadInfo) bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, ti := range t.threads {
		if !fn(ti) {
			return
		}
	}
}

// Clear removes every thread and releases all fd tables.
func (t *Table) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, ti := range t.threads {
		ti.release(t.conns)
	}
	t.threads = make(map[uint32]*ThreadInfo)
	if t.exited != nil {
		t.exited.Purge()
	}
}

// ReservePrivateSlot registers a fixed-size per-thread memory slot and
// returns its integer handle. Must happen before capture starts.
func (t *Table) ReservePrivateSlot(size int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.privates = append(t.privates, size)
	return len(t.privates) - 1
}

// PrivateSlot returns the reserved memory of a thread for a handle returned
// by ReservePrivateSlot.
func (t *Table) PrivateSlot(ti *ThreadInfo, handle int) []byte {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if handle < 0 || handle >= len(t.privates) {
		return nil
	}
	return ti.Private(handle, t.privates[handle])
}
