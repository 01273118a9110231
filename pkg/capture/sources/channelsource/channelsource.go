// Package channelsource feeds a capture session from an in-process channel.
// It is the source behind programmatic event injection and most of the
// session tests.
package channelsource

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sysight/sysight/pkg/capture"
)

// ErrFinished is returned by Push after Finish or Close.
var ErrFinished = errors.New("channelsource: already finished")

// Source delivers pushed records to the session in push order. After Finish
// the remaining buffered records drain and then Next reports end of capture.
type Source struct {
	ch        chan capture.Record
	interrupt chan struct{}

	mu       sync.Mutex
	finished bool

	live    bool
	snaps   *capture.Snapshots
	seen    atomic.Uint64
	dropped atomic.Uint64
	paused  atomic.Bool
}

type Option func(*Source)

// WithLive marks the source as live, enabling driver-style controls on the
// session it feeds.
func WithLive(live bool) Option {
	return func(s *Source) { s.live = live }
}

// WithSnapshots attaches state to import at open.
func WithSnapshots(snaps *capture.Snapshots) Option {
	return func(s *Source) { s.snaps = snaps }
}

func New(buffer int, opts ...Option) *Source {
	s := &Source{
		ch:        make(chan capture.Record, buffer),
		interrupt: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Source) Name() string {
	return "channel"
}

func (s *Source) Live() bool {
	return s.live
}

func (s *Source) Open() error {
	return nil
}

func (s *Source) Snapshots() *capture.Snapshots {
	return s.snaps
}

// Push queues one record, blocking while the buffer is full.
func (s *Source) Push(rec capture.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return ErrFinished
	}
	if s.paused.Load() {
		s.dropped.Add(1)
		return nil
	}
	s.ch <- rec
	s.seen.Add(1)
	return nil
}

// TryPush queues one record without blocking; a full buffer counts the
// record as dropped, like a live ring buffer overrun.
func (s *Source) TryPush(rec capture.Record) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished || s.paused.Load() {
		s.dropped.Add(1)
		return false
	}
	select {
	case s.ch <- rec:
		s.seen.Add(1)
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}

// Finish marks the end of the stream. Buffered records still drain; after
// that Next returns end of capture.
func (s *Source) Finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.finished {
		s.finished = true
		close(s.ch)
	}
}

func (s *Source) Next(rec *capture.Record, timeout time.Duration) error {
	// Drain anything already buffered before honoring an interrupt, so a
	// pushed-then-interrupted sequence still delivers the pushed events.
	select {
	case r, ok := <-s.ch:
		if !ok {
			return capture.ErrEOF
		}
		*rec = r
		return nil
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case r, ok := <-s.ch:
		if !ok {
			return capture.ErrEOF
		}
		*rec = r
		return nil
	case <-s.interrupt:
		return capture.ErrInterrupted
	case <-timer.C:
		return capture.ErrTimeout
	}
}

func (s *Source) Interrupt() {
	select {
	case s.interrupt <- struct{}{}:
	default:
	}
}

// Pause makes the source drop pushed records until Resume, mimicking a
// stopped driver.
func (s *Source) Pause() error {
	s.paused.Store(true)
	return nil
}

func (s *Source) Resume() error {
	s.paused.Store(false)
	return nil
}

func (s *Source) Stats() capture.SourceStats {
	return capture.SourceStats{Seen: s.seen.Load(), Dropped: s.dropped.Load()}
}

func (s *Source) Close() error {
	s.Finish()
	return nil
}
