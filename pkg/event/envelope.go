package event

import (
	"fmt"
	"strings"

	"github.com/sysight/sysight/pkg/hosttables"
	"github.com/sysight/sysight/pkg/threadtable"
)

// Arg is one decoded event argument. Exactly one of the value fields is
// meaningful, according to Kind.
type Arg struct {
	Name  string
	Kind  ArgKind
	Int   int64
	Uint  uint64
	Str   string
	Bytes []byte
}

type ArgKind uint8

const (
	ArgKindInt ArgKind = iota
	ArgKindUint
	ArgKindStr
	ArgKindBytes
)

// Args is the decoded argument list of one event.
type Args []Arg

func (a Args) get(name string) (Arg, bool) {
	for i := range a {
		if a[i].Name == name {
			return a[i], true
		}
	}
	return Arg{}, false
}

// Int64 returns the named integer argument, or (0, false).
func (a Args) Int64(name string) (int64, bool) {
	arg, ok := a.get(name)
	if !ok {
		return 0, false
	}
	switch arg.Kind {
	case ArgKindInt:
		return arg.Int, true
	case ArgKindUint:
		return int64(arg.Uint), true
	}
	return 0, false
}

// Uint64 returns the named unsigned argument, or (0, false).
func (a Args) Uint64(name string) (uint64, bool) {
	arg, ok := a.get(name)
	if !ok {
		return 0, false
	}
	switch arg.Kind {
	case ArgKindUint:
		return arg.Uint, true
	case ArgKindInt:
		return uint64(arg.Int), true
	}
	return 0, false
}

// Str returns the named string argument, or ("", false).
func (a Args) Str(name string) (string, bool) {
	arg, ok := a.get(name)
	if !ok || arg.Kind != ArgKindStr {
		return "", false
	}
	return arg.Str, true
}

// Fd returns the named fd argument, or (-1, false).
func (a Args) Fd(name string) (int32, bool) {
	v, ok := a.Int64(name)
	if !ok {
		return -1, false
	}
	return int32(v), true
}

// Copy returns an independent copy of the argument list.
func (a Args) Copy() Args {
	if a == nil {
		return nil
	}
	out := make(Args, len(a))
	copy(out, a)
	for i := range out {
		if out[i].Bytes != nil {
			b := make([]byte, len(out[i].Bytes))
			copy(b, out[i].Bytes)
			out[i].Bytes = b
		}
	}
	return out
}

// Truncate caps every string argument at maxLen bytes, in place.
func (a Args) Truncate(maxLen int) {
	if maxLen <= 0 {
		return
	}
	for i := range a {
		if a[i].Kind == ArgKindStr && len(a[i].Str) > maxLen {
			a[i].Str = a[i].Str[:maxLen]
		}
	}
}

// Envelope is one decoded unit of the capture stream.
//
// An Envelope returned by the dispatch loop is a view over a single reused
// buffer: it is valid only until the next dispatch call. Callers needing any
// of its data beyond one iteration must Copy it out first.
type Envelope struct {
	Num  uint64 // ordinal within the capture, starting at 1
	Ts   int64  // monotonic nanoseconds since the capture epoch
	CPU  uint16
	Tid  uint32
	Type Type
	Dir  Direction
	Raw  []byte // raw argument bytes, backend-owned
	Args Args

	// Context resolved by the parser for this specific event. Nil fields
	// mean "no context": the event does not reference a known thread or fd.
	Thread    *threadtable.ThreadInfo
	FD        *threadtable.FDInfo
	Container *hosttables.ContainerInfo
}

// Reset clears the envelope for reuse by the next dispatch call.
func (e *Envelope) Reset() {
	e.Ts = 0
	e.CPU = 0
	e.Tid = 0
	e.Type = TypeGeneric
	e.Dir = DirEnter
	e.Raw = nil
	e.Args = nil
	e.Thread = nil
	e.FD = nil
	e.Container = nil
}

// Rawres returns the event return value, for exit records that carry one.
func (e *Envelope) Rawres() (int64, bool) {
	return e.Args.Int64("res")
}

// Copy returns an owned deep copy of the envelope, safe to retain across
// dispatch calls. The thread and fd context keep pointing at the live state
// store entries.
func (e *Envelope) Copy() *Envelope {
	out := *e
	if e.Raw != nil {
		out.Raw = make([]byte, len(e.Raw))
		copy(out.Raw, e.Raw)
	}
	out.Args = e.Args.Copy()
	return &out
}

// String renders the event in the "ts dir type(args)" shape.
func (e *Envelope) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d %s %s(", e.Ts, e.Dir, e.Type)
	for i, arg := range e.Args {
		if i > 0 {
			sb.WriteString(", ")
		}
		switch arg.Kind {
		case ArgKindInt:
			fmt.Fprintf(&sb, "%s=%d", arg.Name, arg.Int)
		case ArgKindUint:
			fmt.Fprintf(&sb, "%s=%d", arg.Name, arg.Uint)
		case ArgKindStr:
			fmt.Fprintf(&sb, "%s=%s", arg.Name, arg.Str)
		case ArgKindBytes:
			fmt.Fprintf(&sb, "%s=%x", arg.Name, arg.Bytes)
		}
	}
	sb.WriteString(")")
	return sb.String()
}
