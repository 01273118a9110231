package hosttables

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const passwdFixture = `root:x:0:0:root:/root:/bin/bash
daemon:x:1:1:daemon:/usr/sbin:/usr/sbin/nologin

# comment line
alice:x:1000:1000:Alice:/home/alice:/bin/zsh
broken-line-without-fields
badid:x:notanumber:0::/nonexistent:/bin/false
`

const groupFixture = `root:x:0:
staff:x:50:alice,bob
# comment
short
badgid:x:nope:
`

func TestLoadFromPasswd(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/etc/passwd", []byte(passwdFixture), 0o644))

	ut := NewUserTable()
	require.NoError(t, ut.LoadFromPasswd(fs, "/etc/passwd"))
	assert.Equal(t, 3, ut.Len())

	alice, ok := ut.GetByUid(1000)
	require.True(t, ok)
	assert.Equal(t, "alice", alice.Name)
	assert.Equal(t, uint32(1000), alice.Gid)
	assert.Equal(t, "/home/alice", alice.Home)
	assert.Equal(t, "/bin/zsh", alice.Shell)

	root, ok := ut.GetByUid(0)
	require.True(t, ok)
	assert.Equal(t, "root", root.Name)

	_, ok = ut.GetByUid(12345)
	assert.False(t, ok)

	assert.Error(t, NewUserTable().LoadFromPasswd(fs, "/etc/missing"))
}

func TestLoadFromGroupFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/etc/group", []byte(groupFixture), 0o644))

	gt := NewGroupTable()
	require.NoError(t, gt.LoadFromGroupFile(fs, "/etc/group"))
	assert.Equal(t, 2, gt.Len())

	staff, ok := gt.GetByGid(50)
	require.True(t, ok)
	assert.Equal(t, "staff", staff.Name)

	_, ok = gt.GetByGid(999)
	assert.False(t, ok)
}

func TestUserImportAndAll(t *testing.T) {
	ut := NewUserTable()
	ut.Import([]UserInfo{
		{Uid: 0, Name: "root"},
		{Uid: 33, Gid: 33, Name: "www-data"},
	})
	assert.Len(t, ut.All(), 2)

	// Re-import overwrites by uid.
	ut.Import([]UserInfo{{Uid: 33, Gid: 33, Name: "www-data", Home: "/var/www"}})
	assert.Equal(t, 2, ut.Len())
	www, ok := ut.GetByUid(33)
	require.True(t, ok)
	assert.Equal(t, "/var/www", www.Home)

	gt := NewGroupTable()
	gt.Import([]GroupInfo{{Gid: 50, Name: "staff"}})
	assert.Len(t, gt.All(), 1)
}
