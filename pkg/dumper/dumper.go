// Package dumper persists the dispatched event stream to a trace file while
// a capture runs.
package dumper

import (
	"fmt"
	"sync"

	"github.com/spf13/afero"

	"github.com/sysight/sysight/pkg/event"
	"github.com/sysight/sysight/pkg/tracefile"
)

// Dumper appends events to a trace file. It is safe for use from the
// dispatch goroutine plus a control goroutine rotating or closing it.
type Dumper struct {
	mu      sync.Mutex
	fs      afero.Fs
	header  tracefile.Header
	w       *tracefile.Writer
	path    string
	written uint64
}

// New opens path for writing and records the header; the same header is
// replayed into every rotated segment so each file replays standalone.
func New(fs afero.Fs, path string, header tracefile.Header) (*Dumper, error) {
	w, err := tracefile.NewWriter(fs, path, header)
	if err != nil {
		return nil, err
	}
	return &Dumper{fs: fs, header: header, w: w, path: path}, nil
}

// Write appends one event.
func (d *Dumper) Write(env *event.Envelope) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.w == nil {
		return fmt.Errorf("dump file %s already closed", d.path)
	}
	if err := d.w.WriteEnvelope(env); err != nil {
		return fmt.Errorf("writing dump %s: %w", d.path, err)
	}
	d.written++
	return nil
}

// Rotate closes the current file and continues into newPath.
func (d *Dumper) Rotate(newPath string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.w == nil {
		return fmt.Errorf("dump file %s already closed", d.path)
	}
	w, err := tracefile.NewWriter(d.fs, newPath, d.header)
	if err != nil {
		return err
	}
	closeErr := d.w.Close()
	d.w = w
	d.path = newPath
	return closeErr
}

// Written returns the number of events persisted so far, across rotations.
func (d *Dumper) Written() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.written
}

// Path returns the current output path.
func (d *Dumper) Path() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.path
}

// Close flushes and closes the current file. Closing twice is harmless.
func (d *Dumper) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.w == nil {
		return nil
	}
	err := d.w.Close()
	d.w = nil
	return err
}
