package event

// Type identifies one kind of kernel event in the supported catalog.
type Type uint16

const (
	TypeGeneric Type = iota
	TypeFork
	TypeVfork
	TypeClone
	TypeExecve
	TypeOpen
	TypeOpenat
	TypeCreat
	TypeClose
	TypeSocket
	TypeConnect
	TypeAccept
	TypeAccept4
	TypeBind
	TypeDup
	TypeDup2
	TypeDup3
	TypePipe
	TypePipe2
	TypeRead
	TypeWrite
	TypeProcExit
	// TypeThreadSnapshot is a synthetic event carrying only thread-table
	// context, used when filtering pre-existing process state.
	TypeThreadSnapshot
)

var typeNames = map[Type]string{
	TypeGeneric:        "generic",
	TypeFork:           "fork",
	TypeVfork:          "vfork",
	TypeClone:          "clone",
	TypeExecve:         "execve",
	TypeOpen:           "open",
	TypeOpenat:         "openat",
	TypeCreat:          "creat",
	TypeClose:          "close",
	TypeSocket:         "socket",
	TypeConnect:        "connect",
	TypeAccept:         "accept",
	TypeAccept4:        "accept4",
	TypeBind:           "bind",
	TypeDup:            "dup",
	TypeDup2:           "dup2",
	TypeDup3:           "dup3",
	TypePipe:           "pipe",
	TypePipe2:          "pipe2",
	TypeRead:           "read",
	TypeWrite:          "write",
	TypeProcExit:       "procexit",
	TypeThreadSnapshot: "threadsnapshot",
}

var typesByName = func() map[string]Type {
	m := make(map[string]Type, len(typeNames))
	for t, name := range typeNames {
		m[name] = t
	}
	return m
}()

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return "unknown"
}

// ParseType resolves an event type by its canonical name.
func ParseType(name string) (Type, bool) {
	t, ok := typesByName[name]
	return t, ok
}

// IsCloneFamily reports whether the type creates a new thread.
func (t Type) IsCloneFamily() bool {
	return t == TypeFork || t == TypeVfork || t == TypeClone
}

// IsOpenFamily reports whether the type creates a file fd on success.
func (t Type) IsOpenFamily() bool {
	return t == TypeOpen || t == TypeOpenat || t == TypeCreat
}

// Direction tells apart the enter and exit halves of a two-part event.
type Direction uint8

const (
	DirEnter Direction = iota
	DirExit
)

func (d Direction) String() string {
	if d == DirEnter {
		return ">"
	}
	return "<"
}

// ParseDirection resolves a direction from its marker or name.
func ParseDirection(s string) (Direction, bool) {
	switch s {
	case ">", "enter":
		return DirEnter, true
	case "<", "exit":
		return DirExit, true
	}
	return DirEnter, false
}
