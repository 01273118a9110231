package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArgsAccessors(t *testing.T) {
	args := Args{
		{Name: "res", Kind: ArgKindInt, Int: -2},
		{Name: "flags", Kind: ArgKindUint, Uint: 0x42},
		{Name: "name", Kind: ArgKindStr, Str: "/tmp/x"},
	}

	res, ok := args.Int64("res")
	require.True(t, ok)
	assert.Equal(t, int64(-2), res)

	flags, ok := args.Uint64("flags")
	require.True(t, ok)
	assert.Equal(t, uint64(0x42), flags)

	name, ok := args.Str("name")
	require.True(t, ok)
	assert.Equal(t, "/tmp/x", name)

	_, ok = args.Int64("missing")
	assert.False(t, ok)
}

func TestArgsNumericCoercion(t *testing.T) {
	args := Args{
		{Name: "fd", Kind: ArgKindUint, Uint: 7},
	}
	fd, ok := args.Fd("fd")
	require.True(t, ok)
	assert.Equal(t, int32(7), fd)

	v, ok := args.Int64("fd")
	require.True(t, ok)
	assert.Equal(t, int64(7), v)
}

func TestArgsTruncate(t *testing.T) {
	args := Args{
		{Name: "name", Kind: ArgKindStr, Str: "abcdefghij"},
		{Name: "short", Kind: ArgKindStr, Str: "ab"},
	}
	args.Truncate(4)

	name, _ := args.Str("name")
	assert.Equal(t, "abcd", name)
	short, _ := args.Str("short")
	assert.Equal(t, "ab", short)
}

func TestEnvelopeCopyIsIndependent(t *testing.T) {
	env := &Envelope{
		Num:  1,
		Ts:   1000,
		Tid:  42,
		Type: TypeOpen,
		Dir:  DirExit,
		Raw:  []byte{1, 2, 3},
		Args: Args{{Name: "res", Kind: ArgKindInt, Int: 3}},
	}

	cp := env.Copy()
	env.Reset()
	env.Args = Args{{Name: "res", Kind: ArgKindInt, Int: 99}}
	env.Raw = nil

	assert.Equal(t, uint64(1), cp.Num)
	assert.Equal(t, TypeOpen, cp.Type)
	assert.Equal(t, []byte{1, 2, 3}, cp.Raw)
	res, ok := cp.Rawres()
	require.True(t, ok)
	assert.Equal(t, int64(3), res)
}

func TestParseTypeRoundTrip(t *testing.T) {
	for _, typ := range []Type{TypeGeneric, TypeClone, TypeExecve, TypeOpenat, TypeConnect, TypeProcExit} {
		parsed, ok := ParseType(typ.String())
		require.True(t, ok, typ.String())
		assert.Equal(t, typ, parsed)
	}
	_, ok := ParseType("no-such-event")
	assert.False(t, ok)
}

func TestParseDirection(t *testing.T) {
	tests := []struct {
		in   string
		want Direction
		ok   bool
	}{
		{">", DirEnter, true},
		{"<", DirExit, true},
		{"enter", DirEnter, true},
		{"exit", DirExit, true},
		{"sideways", DirEnter, false},
	}
	for _, tc := range tests {
		got, ok := ParseDirection(tc.in)
		assert.Equal(t, tc.ok, ok, tc.in)
		if tc.ok {
			assert.Equal(t, tc.want, got, tc.in)
		}
	}
}

func TestTypeFamilies(t *testing.T) {
	assert.True(t, TypeFork.IsCloneFamily())
	assert.True(t, TypeVfork.IsCloneFamily())
	assert.True(t, TypeClone.IsCloneFamily())
	assert.False(t, TypeExecve.IsCloneFamily())

	assert.True(t, TypeOpen.IsOpenFamily())
	assert.True(t, TypeOpenat.IsOpenFamily())
	assert.True(t, TypeCreat.IsOpenFamily())
	assert.False(t, TypeClose.IsOpenFamily())
}
