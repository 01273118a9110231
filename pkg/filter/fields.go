package filter

import (
	"github.com/sysight/sysight/pkg/event"
	"github.com/sysight/sysight/pkg/hosttables"
	"github.com/sysight/sysight/pkg/threadtable"
)

// Context carries everything a field accessor may read: the envelope of the
// event under evaluation plus the reconstructed state tables. Accessors are
// pure functions of it.
type Context struct {
	Env        *event.Envelope
	Threads    *threadtable.Table
	Containers *hosttables.ContainerTable
	Users      *hosttables.UserTable
	Groups     *hosttables.GroupTable
	Interfaces *hosttables.InterfaceTable
}

// FieldType is the value type a field accessor yields.
type FieldType int

const (
	FieldTypeString FieldType = iota
	FieldTypeInt
)

// FieldDef describes one entry of the field catalog. IsSet reports whether
// the field applies to the current event: filters are written against a
// schema richer than any single event satisfies, so a leaf referencing an
// inapplicable field fails softly instead of erroring.
type FieldDef struct {
	Name string
	Type FieldType
	// ThreadTableOnly marks fields evaluable for a synthetic event that
	// carries only thread-table context and no live argument payload.
	ThreadTableOnly bool
	IsSet           func(*Context) bool
	GetStr          func(*Context) string
	GetInt          func(*Context) int64
}

// Fields returns a copy of the field catalog, for introspection.
func Fields() []string {
	out := make([]string, 0, len(fieldCatalog))
	for name := range fieldCatalog {
		out = append(out, name)
	}
	return out
}

func lookupField(name string) (*FieldDef, bool) {
	def, ok := fieldCatalog[name]
	return def, ok
}

func hasEvent(ctx *Context) bool {
	return ctx.Env != nil && ctx.Env.Type != event.TypeThreadSnapshot
}

func hasThread(ctx *Context) bool {
	return ctx.Env != nil && ctx.Env.Thread != nil
}

func hasFD(ctx *Context) bool {
	return ctx.Env != nil && ctx.Env.FD != nil
}

func hasSocket(ctx *Context) bool {
	return hasFD(ctx) && ctx.Env.FD.Kind.IsSocket()
}

func threadUser(ctx *Context) (hosttables.UserInfo, bool) {
	if !hasThread(ctx) || ctx.Users == nil {
		return hosttables.UserInfo{}, false
	}
	return ctx.Users.GetByUid(ctx.Env.Thread.Uid)
}

func threadGroup(ctx *Context) (hosttables.GroupInfo, bool) {
	if !hasThread(ctx) || ctx.Groups == nil {
		return hosttables.GroupInfo{}, false
	}
	return ctx.Groups.GetByGid(ctx.Env.Thread.Gid)
}

func threadContainer(ctx *Context) (hosttables.ContainerInfo, bool) {
	if ctx.Env != nil && ctx.Env.Container != nil {
		return *ctx.Env.Container, true
	}
	if !hasThread(ctx) || ctx.Containers == nil || ctx.Env.Thread.ContainerID == "" {
		return hosttables.ContainerInfo{}, false
	}
	return ctx.Containers.GetByID(ctx.Env.Thread.ContainerID)
}

var fieldCatalog = map[string]*FieldDef{
	"evt.type": {
		Name: "evt.type", Type: FieldTypeString,
		IsSet:  hasEvent,
		GetStr: func(ctx *Context) string { return ctx.Env.Type.String() },
	},
	"evt.dir": {
		Name: "evt.dir", Type: FieldTypeString,
		IsSet: hasEvent,
		GetStr: func(ctx *Context) string {
			if ctx.Env.Dir == event.DirEnter {
				return "enter"
			}
			return "exit"
		},
	},
	"evt.num": {
		Name: "evt.num", Type: FieldTypeInt,
		IsSet:  hasEvent,
		GetInt: func(ctx *Context) int64 { return int64(ctx.Env.Num) },
	},
	"evt.ts": {
		Name: "evt.ts", Type: FieldTypeInt,
		IsSet:  hasEvent,
		GetInt: func(ctx *Context) int64 { return ctx.Env.Ts },
	},
	"evt.cpu": {
		Name: "evt.cpu", Type: FieldTypeInt,
		IsSet:  hasEvent,
		GetInt: func(ctx *Context) int64 { return int64(ctx.Env.CPU) },
	},
	"evt.rawres": {
		Name: "evt.rawres", Type: FieldTypeInt,
		IsSet: func(ctx *Context) bool {
			if !hasEvent(ctx) {
				return false
			}
			_, ok := ctx.Env.Rawres()
			return ok
		},
		GetInt: func(ctx *Context) int64 {
			res, _ := ctx.Env.Rawres()
			return res
		},
	},

	"proc.pid": {
		Name: "proc.pid", Type: FieldTypeInt, ThreadTableOnly: true,
		IsSet:  hasThread,
		GetInt: func(ctx *Context) int64 { return int64(ctx.Env.Thread.Pid) },
	},
	"proc.tid": {
		Name: "proc.tid", Type: FieldTypeInt, ThreadTableOnly: true,
		IsSet:  hasThread,
		GetInt: func(ctx *Context) int64 { return int64(ctx.Env.Thread.Tid) },
	},
	"proc.ptid": {
		Name: "proc.ptid", Type: FieldTypeInt, ThreadTableOnly: true,
		IsSet:  hasThread,
		GetInt: func(ctx *Context) int64 { return int64(ctx.Env.Thread.Ptid) },
	},
	"proc.name": {
		Name: "proc.name", Type: FieldTypeString, ThreadTableOnly: true,
		IsSet:  func(ctx *Context) bool { return hasThread(ctx) && ctx.Env.Thread.Comm != "" },
		GetStr: func(ctx *Context) string { return ctx.Env.Thread.Comm },
	},
	"proc.exe": {
		Name: "proc.exe", Type: FieldTypeString, ThreadTableOnly: true,
		IsSet:  func(ctx *Context) bool { return hasThread(ctx) && ctx.Env.Thread.Exe != "" },
		GetStr: func(ctx *Context) string { return ctx.Env.Thread.Exe },
	},
	"proc.args": {
		Name: "proc.args", Type: FieldTypeString, ThreadTableOnly: true,
		IsSet:  func(ctx *Context) bool { return hasThread(ctx) && len(ctx.Env.Thread.Args) > 0 },
		GetStr: func(ctx *Context) string { return ctx.Env.Thread.Cmdline() },
	},
	"proc.cwd": {
		Name: "proc.cwd", Type: FieldTypeString, ThreadTableOnly: true,
		IsSet:  func(ctx *Context) bool { return hasThread(ctx) && ctx.Env.Thread.Cwd != "" },
		GetStr: func(ctx *Context) string { return ctx.Env.Thread.Cwd },
	},
	"proc.pname": {
		Name: "proc.pname", Type: FieldTypeString, ThreadTableOnly: true,
		IsSet: func(ctx *Context) bool {
			if !hasThread(ctx) || ctx.Threads == nil {
				return false
			}
			parent := ctx.Env.Thread.Parent(ctx.Threads)
			return parent != nil && parent.Comm != ""
		},
		GetStr: func(ctx *Context) string {
			parent := ctx.Env.Thread.Parent(ctx.Threads)
			if parent == nil {
				return ""
			}
			return parent.Comm
		},
	},
	"proc.uid": {
		Name: "proc.uid", Type: FieldTypeInt, ThreadTableOnly: true,
		IsSet:  hasThread,
		GetInt: func(ctx *Context) int64 { return int64(ctx.Env.Thread.Uid) },
	},
	"proc.gid": {
		Name: "proc.gid", Type: FieldTypeInt, ThreadTableOnly: true,
		IsSet:  hasThread,
		GetInt: func(ctx *Context) int64 { return int64(ctx.Env.Thread.Gid) },
	},

	"fd.num": {
		Name: "fd.num", Type: FieldTypeInt,
		IsSet:  hasFD,
		GetInt: func(ctx *Context) int64 { return int64(ctx.Env.FD.Fd) },
	},
	"fd.type": {
		Name: "fd.type", Type: FieldTypeString,
		IsSet:  hasFD,
		GetStr: func(ctx *Context) string { return ctx.Env.FD.Kind.String() },
	},
	"fd.name": {
		Name: "fd.name", Type: FieldTypeString,
		IsSet:  func(ctx *Context) bool { return hasFD(ctx) && ctx.Env.FD.Name != "" },
		GetStr: func(ctx *Context) string { return ctx.Env.FD.Name },
	},
	"fd.sip": {
		Name: "fd.sip", Type: FieldTypeString,
		IsSet:  func(ctx *Context) bool { return hasSocket(ctx) && ctx.Env.FD.Tuple.Sip != "" },
		GetStr: func(ctx *Context) string { return ctx.Env.FD.Tuple.Sip },
	},
	"fd.dip": {
		Name: "fd.dip", Type: FieldTypeString,
		IsSet:  func(ctx *Context) bool { return hasSocket(ctx) && ctx.Env.FD.Tuple.Dip != "" },
		GetStr: func(ctx *Context) string { return ctx.Env.FD.Tuple.Dip },
	},
	"fd.sport": {
		Name: "fd.sport", Type: FieldTypeInt,
		IsSet:  func(ctx *Context) bool { return hasSocket(ctx) && ctx.Env.FD.Tuple.Sport != 0 },
		GetInt: func(ctx *Context) int64 { return int64(ctx.Env.FD.Tuple.Sport) },
	},
	"fd.dport": {
		Name: "fd.dport", Type: FieldTypeInt,
		IsSet:  func(ctx *Context) bool { return hasSocket(ctx) && ctx.Env.FD.Tuple.Dport != 0 },
		GetInt: func(ctx *Context) int64 { return int64(ctx.Env.FD.Tuple.Dport) },
	},
	"fd.l4proto": {
		Name: "fd.l4proto", Type: FieldTypeString,
		IsSet:  func(ctx *Context) bool { return hasSocket(ctx) && ctx.Env.FD.Tuple.L4Proto != "" },
		GetStr: func(ctx *Context) string { return ctx.Env.FD.Tuple.L4Proto },
	},
	"fd.sif": {
		Name: "fd.sif", Type: FieldTypeString,
		IsSet: func(ctx *Context) bool {
			if !hasSocket(ctx) || ctx.Interfaces == nil || ctx.Env.FD.Tuple.Sip == "" {
				return false
			}
			_, ok := ctx.Interfaces.NameByAddr(ctx.Env.FD.Tuple.Sip)
			return ok
		},
		GetStr: func(ctx *Context) string {
			name, _ := ctx.Interfaces.NameByAddr(ctx.Env.FD.Tuple.Sip)
			return name
		},
	},

	"container.id": {
		Name: "container.id", Type: FieldTypeString, ThreadTableOnly: true,
		IsSet: func(ctx *Context) bool {
			_, ok := threadContainer(ctx)
			return ok
		},
		GetStr: func(ctx *Context) string {
			info, _ := threadContainer(ctx)
			return info.ID
		},
	},
	"container.name": {
		Name: "container.name", Type: FieldTypeString, ThreadTableOnly: true,
		IsSet: func(ctx *Context) bool {
			info, ok := threadContainer(ctx)
			return ok && info.Name != ""
		},
		GetStr: func(ctx *Context) string {
			info, _ := threadContainer(ctx)
			return info.Name
		},
	},
	"user.name": {
		Name: "user.name", Type: FieldTypeString, ThreadTableOnly: true,
		IsSet: func(ctx *Context) bool {
			_, ok := threadUser(ctx)
			return ok
		},
		GetStr: func(ctx *Context) string {
			info, _ := threadUser(ctx)
			return info.Name
		},
	},
	"user.homedir": {
		Name: "user.homedir", Type: FieldTypeString, ThreadTableOnly: true,
		IsSet: func(ctx *Context) bool {
			info, ok := threadUser(ctx)
			return ok && info.Home != ""
		},
		GetStr: func(ctx *Context) string {
			info, _ := threadUser(ctx)
			return info.Home
		},
	},
	"group.name": {
		Name: "group.name", Type: FieldTypeString, ThreadTableOnly: true,
		IsSet: func(ctx *Context) bool {
			_, ok := threadGroup(ctx)
			return ok
		},
		GetStr: func(ctx *Context) string {
			info, _ := threadGroup(ctx)
			return info.Name
		},
	},
}
