// Package ringbufsource reads raw events from a BPF ring buffer map. The
// probe side submits fixed-layout records; this side decodes them into the
// capture record shape without allocating on the steady-state path.
package ringbufsource

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/ringbuf"

	"github.com/sysight/sysight/pkg/capture"
	"github.com/sysight/sysight/pkg/event"
)

// rawEvent mirrors the C struct submitted by the probes. The variable-length
// string section follows it: NUL-separated fields whose meaning depends on
// the event type.
type rawEvent struct {
	Ts    uint64
	Tid   uint32
	Pid   uint32
	Type  uint16
	CPU   uint16
	Dir   uint8
	_     [3]byte
	Res   int64
	Fd    int32
	Flags uint32
	AuxA  uint64
	AuxB  uint64
	Comm  [16]byte
}

var rawEventSize = binary.Size(rawEvent{})

// Source is a live capture source backed by a BPF ring buffer.
type Source struct {
	events *ebpf.Map
	drops  *ebpf.Map

	rd          *ringbuf.Reader
	rec         ringbuf.Record
	snaplen     atomic.Uint32
	seen        atomic.Uint64
	interrupted atomic.Bool

	// args is the reused decode buffer handed out through Record.Args.
	args event.Args
}

type Option func(*Source)

// WithDropsMap attaches the per-CPU counter map the probes bump when the
// ring buffer rejects a submission.
func WithDropsMap(m *ebpf.Map) Option {
	return func(s *Source) { s.drops = m }
}

// WithSnaplen bounds decoded string arguments, like a capture snapshot
// length.
func WithSnaplen(snaplen uint32) Option {
	return func(s *Source) { s.snaplen.Store(snaplen) }
}

// New wraps the ring buffer map produced by the loaded probe collection.
func New(events *ebpf.Map, opts ...Option) *Source {
	s := &Source{events: events}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Source) Name() string {
	return "ringbuf"
}

func (s *Source) Live() bool {
	return true
}

func (s *Source) Open() error {
	rd, err := ringbuf.NewReader(s.events)
	if err != nil {
		return fmt.Errorf("creating ring buffer reader: %w", err)
	}
	s.rd = rd
	return nil
}

// SetSnaplen adjusts string truncation while the capture runs.
func (s *Source) SetSnaplen(snaplen uint32) error {
	s.snaplen.Store(snaplen)
	return nil
}

func (s *Source) Next(rec *capture.Record, timeout time.Duration) error {
	if s.interrupted.Swap(false) {
		return capture.ErrInterrupted
	}
	s.rd.SetDeadline(time.Now().Add(timeout))
	if err := s.rd.ReadInto(&s.rec); err != nil {
		switch {
		case s.interrupted.Swap(false):
			return capture.ErrInterrupted
		case errors.Is(err, os.ErrDeadlineExceeded):
			return capture.ErrTimeout
		case errors.Is(err, ringbuf.ErrClosed):
			return capture.ErrInterrupted
		default:
			return fmt.Errorf("reading ring buffer: %w", err)
		}
	}
	s.seen.Add(1)
	return s.decode(s.rec.RawSample, rec)
}

func (s *Source) decode(sample []byte, rec *capture.Record) error {
	if len(sample) < rawEventSize {
		return fmt.Errorf("short ring buffer sample: %d bytes", len(sample))
	}
	var raw rawEvent
	if err := binary.Read(bytes.NewReader(sample[:rawEventSize]), binary.LittleEndian, &raw); err != nil {
		return fmt.Errorf("decoding ring buffer sample: %w", err)
	}
	strs := splitStrings(sample[rawEventSize:], int(s.snaplen.Load()))

	rec.Ts = int64(raw.Ts)
	rec.CPU = raw.CPU
	rec.Tid = raw.Tid
	rec.Type = event.Type(raw.Type)
	rec.Dir = event.DirEnter
	if raw.Dir != 0 {
		rec.Dir = event.DirExit
	}
	rec.Raw = sample

	s.args = s.args[:0]
	if rec.Dir == event.DirExit {
		s.args = append(s.args, event.Arg{Name: "res", Kind: event.ArgKindInt, Int: raw.Res})
	}

	switch rec.Type {
	case event.TypeClone, event.TypeFork, event.TypeVfork:
		s.args = append(s.args,
			event.Arg{Name: "flags", Kind: event.ArgKindUint, Uint: uint64(raw.Flags)})
	case event.TypeExecve:
		s.args = append(s.args,
			event.Arg{Name: "exe", Kind: event.ArgKindStr, Str: strField(strs, 0)},
			event.Arg{Name: "args", Kind: event.ArgKindStr, Str: strField(strs, 1)},
			event.Arg{Name: "cwd", Kind: event.ArgKindStr, Str: strField(strs, 2)},
			event.Arg{Name: "cgroup", Kind: event.ArgKindStr, Str: strField(strs, 3)},
			event.Arg{Name: "uid", Kind: event.ArgKindUint, Uint: raw.AuxA},
			event.Arg{Name: "gid", Kind: event.ArgKindUint, Uint: raw.AuxB})
	case event.TypeOpen, event.TypeOpenat, event.TypeCreat:
		s.args = append(s.args,
			event.Arg{Name: "name", Kind: event.ArgKindStr, Str: strField(strs, 0)},
			event.Arg{Name: "flags", Kind: event.ArgKindUint, Uint: uint64(raw.Flags)})
	case event.TypeSocket:
		s.args = append(s.args,
			event.Arg{Name: "domain", Kind: event.ArgKindInt, Int: int64(raw.AuxA)},
			event.Arg{Name: "type", Kind: event.ArgKindInt, Int: int64(raw.AuxB)})
	case event.TypeConnect, event.TypeAccept, event.TypeAccept4, event.TypeBind:
		s.args = append(s.args,
			event.Arg{Name: "fd", Kind: event.ArgKindInt, Int: int64(raw.Fd)},
			event.Arg{Name: "sip", Kind: event.ArgKindStr, Str: strField(strs, 0)},
			event.Arg{Name: "dip", Kind: event.ArgKindStr, Str: strField(strs, 1)},
			event.Arg{Name: "sport", Kind: event.ArgKindUint, Uint: raw.AuxA},
			event.Arg{Name: "dport", Kind: event.ArgKindUint, Uint: raw.AuxB})
	case event.TypePipe, event.TypePipe2:
		s.args = append(s.args,
			event.Arg{Name: "fd1", Kind: event.ArgKindInt, Int: int64(raw.AuxA)},
			event.Arg{Name: "fd2", Kind: event.ArgKindInt, Int: int64(raw.AuxB)})
	case event.TypeClose, event.TypeDup, event.TypeDup2, event.TypeDup3,
		event.TypeRead, event.TypeWrite:
		s.args = append(s.args,
			event.Arg{Name: "fd", Kind: event.ArgKindInt, Int: int64(raw.Fd)})
	}
	rec.Args = s.args
	return nil
}

// splitStrings cuts the NUL-separated string section, truncating each field
// to snaplen when one is set.
func splitStrings(data []byte, snaplen int) []string {
	if len(data) == 0 {
		return nil
	}
	data = bytes.TrimRight(data, "\x00")
	if len(data) == 0 {
		return nil
	}
	parts := bytes.Split(data, []byte{0})
	out := make([]string, len(parts))
	for i, p := range parts {
		if snaplen > 0 && len(p) > snaplen {
			p = p[:snaplen]
		}
		out[i] = string(p)
	}
	return out
}

func strField(strs []string, i int) string {
	if i >= len(strs) {
		return ""
	}
	return strs[i]
}

func (s *Source) Interrupt() {
	s.interrupted.Store(true)
	if s.rd != nil {
		s.rd.SetDeadline(time.Now())
	}
}

func (s *Source) Stats() capture.SourceStats {
	st := capture.SourceStats{Seen: s.seen.Load()}
	if s.drops != nil {
		var perCPU []uint64
		if err := s.drops.Lookup(uint32(0), &perCPU); err == nil {
			for _, v := range perCPU {
				st.Dropped += v
			}
		}
	}
	return st
}

func (s *Source) Close() error {
	if s.rd == nil {
		return nil
	}
	return s.rd.Close()
}
