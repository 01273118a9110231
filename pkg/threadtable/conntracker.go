package threadtable

import (
	"fmt"
	"sync"
)

// Tuple is the connection 4-tuple plus protocol of a socket fd. A tuple
// created by a connect enter record stays incomplete until the matching exit
// record fills in the local side; if that exit never arrives the tuple
// remains partial and filter fields referencing it read as absent.
type Tuple struct {
	Sip     string
	Sport   uint16
	Dip     string
	Dport   uint16
	L4Proto string
}

// Complete reports whether both endpoints of the tuple are known.
func (t Tuple) Complete() bool {
	return t.Sip != "" && t.Dip != ""
}

// Key returns the canonical map key for the tuple.
func (t Tuple) Key() string {
	return fmt.Sprintf("%s:%d->%s:%d/%s", t.Sip, t.Sport, t.Dip, t.Dport, t.L4Proto)
}

// ConnEntry is a connection-tracking record shared by the two endpoint fds
// of a socket. Its lifetime is governed by an explicit refcount: the entry
// is dropped when the last referencing fd is closed, never before and never
// twice.
type ConnEntry struct {
	Tuple Tuple
	refs  int
}

// Refs returns the current number of fds referencing the entry.
func (c *ConnEntry) Refs() int {
	return c.refs
}

// ConnTracker owns the shared connection-tracking entries, keyed by tuple.
type ConnTracker struct {
	mu    sync.Mutex
	conns map[string]*ConnEntry
}

func NewConnTracker() *ConnTracker {
	return &ConnTracker{conns: make(map[string]*ConnEntry)}
}

// Acquire returns the entry for the tuple, creating it if needed, and takes
// one reference on it.
func (ct *ConnTracker) Acquire(t Tuple) *ConnEntry {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	key := t.Key()
	entry, ok := ct.conns[key]
	if !ok {
		entry = &ConnEntry{Tuple: t}
		ct.conns[key] = entry
	}
	entry.refs++
	return entry
}

// Release drops one reference. It returns true when this was the last
// reference and the entry has been removed from the tracker. Releasing a nil
// entry is a no-op.
func (ct *ConnTracker) Release(entry *ConnEntry) bool {
	if entry == nil {
		return false
	}
	ct.mu.Lock()
	defer ct.mu.Unlock()
	entry.refs--
	if entry.refs > 0 {
		return false
	}
	delete(ct.conns, entry.Tuple.Key())
	return true
}

// Lookup returns the live entry for a tuple without taking a reference.
func (ct *ConnTracker) Lookup(t Tuple) (*ConnEntry, bool) {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	entry, ok := ct.conns[t.Key()]
	return entry, ok
}

// Len returns the number of tracked connections.
func (ct *ConnTracker) Len() int {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	return len(ct.conns)
}
