// Package tracefilesource replays a recorded trace file as a capture
// source.
package tracefilesource

import (
	"errors"
	"io"
	"sync/atomic"
	"time"

	"github.com/spf13/afero"

	"github.com/sysight/sysight/pkg/capture"
	"github.com/sysight/sysight/pkg/event"
	"github.com/sysight/sysight/pkg/threadtable"
	"github.com/sysight/sysight/pkg/tracefile"
)

// Source replays events from a trace file in recorded order. Replay ignores
// the capture timeout: the next event is always immediately available until
// the file runs out.
type Source struct {
	fs   afero.Fs
	path string

	r           *tracefile.Reader
	snaps       *capture.Snapshots
	seen        atomic.Uint64
	interrupted atomic.Bool
}

func New(fs afero.Fs, path string) *Source {
	return &Source{fs: fs, path: path}
}

func (s *Source) Name() string {
	return "tracefile"
}

func (s *Source) Live() bool {
	return false
}

// Open reads the trace header and converts its snapshots.
func (s *Source) Open() error {
	r, err := tracefile.NewReader(s.fs, s.path)
	if err != nil {
		return err
	}
	s.r = r

	header := r.Header()
	threads := make([]*threadtable.ThreadInfo, 0, len(header.Snapshots.Threads))
	for _, rec := range header.Snapshots.Threads {
		threads = append(threads, rec.ToThreadInfo())
	}
	s.snaps = &capture.Snapshots{
		Epoch:      header.Epoch,
		Threads:    threads,
		Users:      header.Snapshots.Users,
		Groups:     header.Snapshots.Groups,
		Interfaces: header.Snapshots.Interfaces,
		Containers: header.Snapshots.Containers,
	}
	return nil
}

// Snapshots returns the state recorded in the trace header.
func (s *Source) Snapshots() *capture.Snapshots {
	return s.snaps
}

func (s *Source) Next(rec *capture.Record, _ time.Duration) error {
	if s.interrupted.Load() {
		return capture.ErrInterrupted
	}
	raw, err := s.r.Next()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return capture.ErrEOF
		}
		return err
	}
	s.seen.Add(1)

	typ, ok := event.ParseType(raw.Type)
	if !ok {
		typ = event.TypeGeneric
	}
	dir, ok := event.ParseDirection(raw.Dir)
	if !ok {
		dir = event.DirExit
	}
	rec.Ts = raw.Ts
	rec.CPU = raw.CPU
	rec.Tid = raw.Tid
	rec.Type = typ
	rec.Dir = dir
	rec.Args = raw.ToArgs()
	rec.Raw = nil
	return nil
}

func (s *Source) Interrupt() {
	s.interrupted.Store(true)
}

func (s *Source) Stats() capture.SourceStats {
	return capture.SourceStats{Seen: s.seen.Load()}
}

func (s *Source) Close() error {
	if s.r == nil {
		return nil
	}
	return s.r.Close()
}
