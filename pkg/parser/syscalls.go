package parser

import (
	"errors"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/sysight/sysight/pkg/event"
	"github.com/sysight/sysight/pkg/hosttables"
	"github.com/sysight/sysight/pkg/threadtable"
)

func enterInt(enter map[string]any, name string) (int64, bool) {
	switch v := enter[name].(type) {
	case int64:
		return v, true
	case uint64:
		return int64(v), true
	}
	return 0, false
}

func enterUint(enter map[string]any, name string) (uint64, bool) {
	switch v := enter[name].(type) {
	case uint64:
		return v, true
	case int64:
		return uint64(v), true
	}
	return 0, false
}

func enterStr(enter map[string]any, name string) (string, bool) {
	v, ok := enter[name].(string)
	return v, ok
}

// applyClone handles the exit record of fork/vfork/clone, seen from the
// parent side (return value = child tid). The child-side record (return
// value 0) only resolves context: the child entry was already created when
// the parent's record went by, and sequencing is not reliable enough to
// assume otherwise.
func (p *Parser) applyClone(env *event.Envelope) {
	res, ok := env.Rawres()
	if !ok || res < 0 {
		p.attachContext(env)
		return
	}
	if res == 0 {
		p.attachContext(env)
		return
	}

	parent := p.thread(env, true)
	if parent == nil {
		return
	}

	var flags uint64
	if env.Type == event.TypeClone {
		flags, _ = env.Args.Uint64("flags")
	}
	if env.Type == event.TypeVfork {
		flags |= unix.CLONE_VM | unix.CLONE_VFORK
	}

	child := parent.Clone(uint32(res), flags, p.threads.ConnTracker())
	child.Touch(env.Ts)
	p.discoverCgroup(env, child)
	if err := p.threads.Insert(child); err != nil {
		// The rejected child holds a reference on the parent's fd table
		// (or duplicated connection entries); give it back.
		child.Discard(p.threads.ConnTracker())
		if errors.Is(err, threadtable.ErrTableFull) {
			p.reportCapacity(uint32(res))
		}
		return
	}
}

// applyExecve resets the command-line and executable metadata of the
// existing thread in place: the tid is stable across exec, no new entry is
// created.
func (p *Parser) applyExecve(env *event.Envelope) {
	if res, ok := env.Rawres(); ok && res < 0 {
		p.attachContext(env)
		return
	}
	ti := p.thread(env, true)
	if ti == nil {
		return
	}
	if exe, ok := env.Args.Str("exe"); ok {
		ti.Exe = exe
		// A blank exe string degrades the context; the previous comm stays.
		if comm := commFromExe(exe); comm != "" {
			ti.Comm = comm
		}
	}
	if args, ok := env.Args.Str("args"); ok {
		ti.Args = strings.Fields(args)
	} else if ti.Exe != "" {
		ti.Args = []string{ti.Exe}
	}
	if cwd, ok := env.Args.Str("cwd"); ok {
		ti.Cwd = cwd
	}
	if uid, ok := env.Args.Uint64("uid"); ok {
		ti.Uid = uint32(uid)
	}
	if gid, ok := env.Args.Uint64("gid"); ok {
		ti.Gid = uint32(gid)
	}
	ti.Placeholder = false
	p.discoverCgroup(env, ti)
	p.resolveContainer(env, ti)
}

// discoverCgroup picks a container id out of the event's cgroup metadata
// and registers it with the container table when it is new.
func (p *Parser) discoverCgroup(env *event.Envelope, ti *threadtable.ThreadInfo) {
	cgroup, ok := env.Args.Str("cgroup")
	if !ok {
		return
	}
	id := hosttables.ContainerIDFromCgroup(cgroup)
	if id == "" {
		return
	}
	ti.ContainerID = id
	if p.containers != nil {
		info := p.containers.Discover(id)
		env.Container = &info
	}
}

// applyOpen creates the file fd from the open-family exit record; the fd
// number is the return value.
func (p *Parser) applyOpen(env *event.Envelope) {
	ti := p.thread(env, true)
	if ti == nil {
		return
	}
	enter := p.takeEnter(ti, env.Type)
	res, ok := env.Rawres()
	if !ok || res < 0 {
		return
	}
	name, ok := env.Args.Str("name")
	if !ok {
		name, _ = enterStr(enter, "name")
	}
	var flags uint64
	if v, found := env.Args.Uint64("flags"); found {
		flags = v
	} else if v, found := enterUint(enter, "flags"); found {
		flags = v
	}
	kind := threadtable.FdKindFile
	if flags&unix.O_DIRECTORY != 0 {
		kind = threadtable.FdKindDirectory
	}
	fd := &threadtable.FDInfo{
		Fd:        int32(res),
		Kind:      kind,
		Name:      name,
		OpenFlags: uint32(flags),
	}
	ti.FdTable().Put(fd, p.threads.ConnTracker())
	env.FD = fd
}

// applySocket creates the socket fd from the socket exit record.
func (p *Parser) applySocket(env *event.Envelope) {
	ti := p.thread(env, true)
	if ti == nil {
		return
	}
	enter := p.takeEnter(ti, event.TypeSocket)
	res, ok := env.Rawres()
	if !ok || res < 0 {
		return
	}
	domain, _ := env.Args.Int64("domain")
	sockType, _ := env.Args.Int64("type")
	if domain == 0 {
		domain, _ = enterInt(enter, "domain")
	}
	if sockType == 0 {
		sockType, _ = enterInt(enter, "type")
	}
	kind := threadtable.FdKindUnknown
	switch domain {
	case unix.AF_INET:
		kind = threadtable.FdKindIPv4Socket
	case unix.AF_INET6:
		kind = threadtable.FdKindIPv6Socket
	case unix.AF_UNIX:
		kind = threadtable.FdKindUnixSocket
	}
	proto := ""
	switch sockType & 0xf {
	case unix.SOCK_STREAM:
		proto = "tcp"
	case unix.SOCK_DGRAM:
		proto = "udp"
	}
	fd := &threadtable.FDInfo{
		Fd:    int32(res),
		Kind:  kind,
		Tuple: threadtable.Tuple{L4Proto: proto},
	}
	ti.FdTable().Put(fd, p.threads.ConnTracker())
	env.FD = fd
}

// applyConnectEnter records the destination half of the tuple as pending.
// The store tolerates a two-phase update per fd: the matching exit record
// completes the tuple, and if it never arrives (truncated capture) the
// tuple simply stays partial.
func (p *Parser) applyConnectEnter(env *event.Envelope) {
	ti := p.attachContext(env)
	if ti == nil {
		return
	}
	p.cacheEnter(env)
	fdNum, ok := env.Args.Fd("fd")
	if !ok {
		return
	}
	fd := ti.FdTable().Get(fdNum)
	if fd == nil || !fd.Kind.IsSocket() {
		return
	}
	if dip, ok := env.Args.Str("dip"); ok {
		fd.Tuple.Dip = dip
	}
	if dport, ok := env.Args.Uint64("dport"); ok {
		fd.Tuple.Dport = uint16(dport)
	}
	fd.Pending = true
	env.FD = fd
}

// applyConnectExit completes the pending tuple with the local endpoint and
// registers the shared connection-tracking entry.
func (p *Parser) applyConnectExit(env *event.Envelope) {
	ti := p.thread(env, false)
	if ti == nil {
		return
	}
	enter := p.takeEnter(ti, event.TypeConnect)
	res, ok := env.Rawres()
	// EINPROGRESS still establishes the tuple for a non-blocking connect.
	if ok && res < 0 && res != -int64(unix.EINPROGRESS) {
		return
	}
	fdNum, ok := env.Args.Fd("fd")
	if !ok {
		v, found := enterInt(enter, "fd")
		if !found {
			return
		}
		fdNum = int32(v)
	}
	fd := ti.FdTable().Get(fdNum)
	if fd == nil || !fd.Kind.IsSocket() {
		return
	}
	if sip, ok := env.Args.Str("sip"); ok {
		fd.Tuple.Sip = sip
	}
	if sport, ok := env.Args.Uint64("sport"); ok {
		fd.Tuple.Sport = uint16(sport)
	}
	if dip, ok := env.Args.Str("dip"); ok {
		fd.Tuple.Dip = dip
	}
	if dport, ok := env.Args.Uint64("dport"); ok {
		fd.Tuple.Dport = uint16(dport)
	}
	fd.Pending = false
	if fd.Conn() == nil && fd.Tuple.Complete() {
		p.acquireConn(fd)
	}
	env.FD = fd
}

// applyAccept creates the server-side socket fd with its full tuple.
func (p *Parser) applyAccept(env *event.Envelope) {
	ti := p.thread(env, true)
	if ti == nil {
		return
	}
	res, ok := env.Rawres()
	if !ok || res < 0 {
		return
	}
	tuple := threadtable.Tuple{L4Proto: "tcp"}
	if sip, ok := env.Args.Str("sip"); ok {
		tuple.Sip = sip
	}
	if sport, ok := env.Args.Uint64("sport"); ok {
		tuple.Sport = uint16(sport)
	}
	if dip, ok := env.Args.Str("dip"); ok {
		tuple.Dip = dip
	}
	if dport, ok := env.Args.Uint64("dport"); ok {
		tuple.Dport = uint16(dport)
	}
	kind := threadtable.FdKindIPv4Socket
	if strings.Contains(tuple.Sip, ":") || strings.Contains(tuple.Dip, ":") {
		kind = threadtable.FdKindIPv6Socket
	}
	fd := &threadtable.FDInfo{
		Fd:    int32(res),
		Kind:  kind,
		Tuple: tuple,
	}
	if fd.Tuple.Complete() {
		p.acquireConn(fd)
	}
	ti.FdTable().Put(fd, p.threads.ConnTracker())
	env.FD = fd
}

// applyBind records the local endpoint on the socket's tuple.
func (p *Parser) applyBind(env *event.Envelope) {
	ti := p.thread(env, false)
	if ti == nil {
		return
	}
	enter := p.takeEnter(ti, event.TypeBind)
	if res, ok := env.Rawres(); ok && res < 0 {
		return
	}
	fdNum, ok := env.Args.Fd("fd")
	if !ok {
		v, found := enterInt(enter, "fd")
		if !found {
			return
		}
		fdNum = int32(v)
	}
	fd := ti.FdTable().Get(fdNum)
	if fd == nil || !fd.Kind.IsSocket() {
		return
	}
	if sip, ok := env.Args.Str("sip"); ok {
		fd.Tuple.Sip = sip
	}
	if sport, ok := env.Args.Uint64("sport"); ok {
		fd.Tuple.Sport = uint16(sport)
	}
	env.FD = fd
}

// applyDup copies the source fd's state under the new number. The duplicate
// takes its own reference on a shared connection entry.
func (p *Parser) applyDup(env *event.Envelope) {
	ti := p.thread(env, false)
	if ti == nil {
		return
	}
	enter := p.takeEnter(ti, env.Type)
	res, ok := env.Rawres()
	if !ok || res < 0 {
		return
	}
	oldFd, ok := env.Args.Fd("fd")
	if !ok {
		v, found := enterInt(enter, "fd")
		if !found {
			return
		}
		oldFd = int32(v)
	}
	src := ti.FdTable().Get(oldFd)
	if src == nil {
		return
	}
	var dup *threadtable.FDInfo
	if src.Conn() != nil {
		dup = &threadtable.FDInfo{
			Fd:        int32(res),
			Kind:      src.Kind,
			Name:      src.Name,
			OpenFlags: src.OpenFlags,
			Tuple:     src.Tuple,
			Pending:   src.Pending,
		}
		p.acquireConn(dup)
	} else {
		clone := *src
		clone.Fd = int32(res)
		dup = &clone
	}
	ti.FdTable().Put(dup, p.threads.ConnTracker())
	env.FD = dup
}

// applyPipe creates both pipe ends from the exit record.
func (p *Parser) applyPipe(env *event.Envelope) {
	ti := p.thread(env, true)
	if ti == nil {
		return
	}
	if res, ok := env.Rawres(); ok && res < 0 {
		return
	}
	for _, name := range [...]string{"fd1", "fd2"} {
		fdNum, ok := env.Args.Fd(name)
		if !ok {
			continue
		}
		fd := &threadtable.FDInfo{Fd: fdNum, Kind: threadtable.FdKindPipe}
		ti.FdTable().Put(fd, p.threads.ConnTracker())
		if env.FD == nil {
			env.FD = fd
		}
	}
}

// applyClose removes the fd on a successful close exit. A socket's shared
// connection entry is released through the tracker, which drops it only
// when the peer side has also closed.
func (p *Parser) applyClose(env *event.Envelope) {
	ti := p.thread(env, false)
	if ti == nil {
		return
	}
	enter := p.takeEnter(ti, event.TypeClose)
	if res, ok := env.Rawres(); ok && res < 0 {
		return
	}
	fdNum, ok := env.Args.Fd("fd")
	if !ok {
		v, found := enterInt(enter, "fd")
		if !found {
			return
		}
		fdNum = int32(v)
	}
	env.FD = ti.FdTable().Get(fdNum)
	ti.FdTable().Erase(fdNum, p.threads.ConnTracker())
}

// applyProcExit marks the thread for removal. Removal itself is deferred to
// the next dispatch call (or runs immediately when configured) so that this
// event still carries its thread's context; the thread's fds are not
// reassigned, they disappear with it.
func (p *Parser) applyProcExit(env *event.Envelope) {
	ti := p.thread(env, false)
	if ti == nil {
		return
	}
	p.threads.MarkExited(env.Tid)
	if p.immediateExitReclaim {
		p.threads.Remove(env.Tid, false)
	}
}

func (p *Parser) acquireConn(fd *threadtable.FDInfo) {
	fd.AcquireConn(p.threads.ConnTracker())
}
