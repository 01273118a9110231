// Package tracefile reads and writes recorded capture traces. The format is
// a JSON-lines stream: one header record carrying the state snapshots taken
// at capture start, then one record per event in capture order.
package tracefile

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/afero"

	"github.com/sysight/sysight/pkg/event"
	"github.com/sysight/sysight/pkg/hosttables"
	"github.com/sysight/sysight/pkg/threadtable"
)

const FormatVersion = 1

// ThreadRecord is the serialized form of one thread-table entry.
type ThreadRecord struct {
	Tid         uint32   `json:"tid"`
	Pid         uint32   `json:"pid"`
	Ptid        uint32   `json:"ptid"`
	Comm        string   `json:"comm,omitempty"`
	Exe         string   `json:"exe,omitempty"`
	Args        []string `json:"args,omitempty"`
	Cwd         string   `json:"cwd,omitempty"`
	Uid         uint32   `json:"uid,omitempty"`
	Gid         uint32   `json:"gid,omitempty"`
	ContainerID string   `json:"containerId,omitempty"`
}

// ToThreadInfo rebuilds the table entry.
func (r ThreadRecord) ToThreadInfo() *threadtable.ThreadInfo {
	ti := threadtable.NewThreadInfo(r.Tid)
	if r.Pid != 0 {
		ti.Pid = r.Pid
	}
	ti.Ptid = r.Ptid
	ti.Comm = r.Comm
	ti.Exe = r.Exe
	ti.Args = r.Args
	ti.Cwd = r.Cwd
	ti.Uid = r.Uid
	ti.Gid = r.Gid
	ti.ContainerID = r.ContainerID
	return ti
}

// SnapshotThread serializes a live table entry.
func SnapshotThread(ti *threadtable.ThreadInfo) ThreadRecord {
	return ThreadRecord{
		Tid:         ti.Tid,
		Pid:         ti.Pid,
		Ptid:        ti.Ptid,
		Comm:        ti.Comm,
		Exe:         ti.Exe,
		Args:        ti.Args,
		Cwd:         ti.Cwd,
		Uid:         ti.Uid,
		Gid:         ti.Gid,
		ContainerID: ti.ContainerID,
	}
}

// Snapshots is the bulk state import embedded in a trace header. It is a
// one-time import performed before replay begins, not an incremental feed.
type Snapshots struct {
	Threads    []ThreadRecord             `json:"threads,omitempty"`
	Users      []hosttables.UserInfo      `json:"users,omitempty"`
	Groups     []hosttables.GroupInfo     `json:"groups,omitempty"`
	Interfaces []hosttables.InterfaceInfo `json:"interfaces,omitempty"`
	Containers []hosttables.ContainerInfo `json:"containers,omitempty"`
}

// Header is the first record of every trace file.
type Header struct {
	Version   int       `json:"version"`
	Epoch     int64     `json:"epoch"`
	Snapshots Snapshots `json:"snapshots"`
}

// ArgRecord is one serialized event argument; exactly one value field is
// set.
type ArgRecord struct {
	Name string  `json:"name"`
	Int  *int64  `json:"int,omitempty"`
	Uint *uint64 `json:"uint,omitempty"`
	Str  *string `json:"str,omitempty"`
}

// EventRecord is one serialized event.
type EventRecord struct {
	Ts   int64       `json:"ts"`
	CPU  uint16      `json:"cpu,omitempty"`
	Tid  uint32      `json:"tid"`
	Type string      `json:"type"`
	Dir  string      `json:"dir"`
	Args []ArgRecord `json:"args,omitempty"`
}

// ToArgs decodes the serialized argument list.
func (r *EventRecord) ToArgs() event.Args {
	if len(r.Args) == 0 {
		return nil
	}
	args := make(event.Args, 0, len(r.Args))
	for _, a := range r.Args {
		switch {
		case a.Int != nil:
			args = append(args, event.Arg{Name: a.Name, Kind: event.ArgKindInt, Int: *a.Int})
		case a.Uint != nil:
			args = append(args, event.Arg{Name: a.Name, Kind: event.ArgKindUint, Uint: *a.Uint})
		case a.Str != nil:
			args = append(args, event.Arg{Name: a.Name, Kind: event.ArgKindStr, Str: *a.Str})
		}
	}
	return args
}

// FromEnvelope serializes one event.
func FromEnvelope(env *event.Envelope) EventRecord {
	rec := EventRecord{
		Ts:   env.Ts,
		CPU:  env.CPU,
		Tid:  env.Tid,
		Type: env.Type.String(),
		Dir:  dirName(env.Dir),
	}
	for _, a := range env.Args {
		arg := ArgRecord{Name: a.Name}
		switch a.Kind {
		case event.ArgKindInt:
			v := a.Int
			arg.Int = &v
		case event.ArgKindUint:
			v := a.Uint
			arg.Uint = &v
		case event.ArgKindStr:
			v := a.Str
			arg.Str = &v
		default:
			continue
		}
		rec.Args = append(rec.Args, arg)
	}
	return rec
}

func dirName(d event.Direction) string {
	if d == event.DirEnter {
		return "enter"
	}
	return "exit"
}

// Reader replays a recorded trace in file order.
type Reader struct {
	f       afero.File
	scanner *bufio.Scanner
	header  Header
}

func NewReader(fs afero.Fs, path string) (*Reader, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open trace %s: %w", path, err)
	}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	if !scanner.Scan() {
		f.Close()
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("read trace header: %w", err)
		}
		return nil, errors.New("empty trace file")
	}
	var header Header
	if err := json.Unmarshal(scanner.Bytes(), &header); err != nil {
		f.Close()
		return nil, fmt.Errorf("decode trace header: %w", err)
	}
	if header.Version != FormatVersion {
		f.Close()
		return nil, fmt.Errorf("unsupported trace version %d", header.Version)
	}
	return &Reader{f: f, scanner: scanner, header: header}, nil
}

// Header returns the trace header with its embedded snapshots.
func (r *Reader) Header() Header {
	return r.header
}

// Next returns the next event record, or io.EOF after the last one.
func (r *Reader) Next() (*EventRecord, error) {
	for r.scanner.Scan() {
		line := r.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec EventRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("decode trace event: %w", err)
		}
		return &rec, nil
	}
	if err := r.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

func (r *Reader) Close() error {
	return r.f.Close()
}

// Writer appends events to a trace file, header first.
type Writer struct {
	f   afero.File
	buf *bufio.Writer
	enc *json.Encoder
}

func NewWriter(fs afero.Fs, path string, header Header) (*Writer, error) {
	f, err := fs.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create trace %s: %w", path, err)
	}
	header.Version = FormatVersion
	buf := bufio.NewWriter(f)
	enc := json.NewEncoder(buf)
	if err := enc.Encode(&header); err != nil {
		f.Close()
		return nil, fmt.Errorf("write trace header: %w", err)
	}
	return &Writer{f: f, buf: buf, enc: enc}, nil
}

// Write appends one event record.
func (w *Writer) Write(rec EventRecord) error {
	return w.enc.Encode(&rec)
}

// WriteEnvelope serializes and appends one event.
func (w *Writer) WriteEnvelope(env *event.Envelope) error {
	return w.Write(FromEnvelope(env))
}

func (w *Writer) Close() error {
	if err := w.buf.Flush(); err != nil {
		w.f.Close()
		return err
	}
	return w.f.Close()
}
