package hosttables

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"

	"github.com/goradd/maps"
	"github.com/spf13/afero"
)

// UserInfo describes one user account known to the host.
type UserInfo struct {
	Uid   uint32
	Gid   uint32
	Name  string
	Home  string
	Shell string
}

// GroupInfo describes one group known to the host.
type GroupInfo struct {
	Gid  uint32
	Name string
}

// UserTable maps uid to user metadata, populated once at startup or from a
// trace snapshot.
type UserTable struct {
	users maps.SafeMap[uint32, UserInfo]
}

func NewUserTable() *UserTable {
	return &UserTable{}
}

// GetByUid returns the user for a uid.
func (ut *UserTable) GetByUid(uid uint32) (UserInfo, bool) {
	info := ut.users.Get(uid)
	return info, info.Name != ""
}

// Import bulk-loads user metadata.
func (ut *UserTable) Import(users []UserInfo) {
	for _, u := range users {
		ut.users.Set(u.Uid, u)
	}
}

// Len returns the number of known users.
func (ut *UserTable) Len() int {
	return ut.users.Len()
}

// All returns every known user, for snapshot export.
func (ut *UserTable) All() []UserInfo {
	out := make([]UserInfo, 0, ut.users.Len())
	ut.users.Range(func(_ uint32, u UserInfo) bool {
		out = append(out, u)
		return true
	})
	return out
}

// LoadFromPasswd populates the table from a passwd(5) file.
func (ut *UserTable) LoadFromPasswd(fs afero.Fs, path string) error {
	f, err := fs.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, ":")
		if len(fields) < 7 {
			continue
		}
		uid, err := strconv.ParseUint(fields[2], 10, 32)
		if err != nil {
			continue
		}
		gid, _ := strconv.ParseUint(fields[3], 10, 32)
		ut.users.Set(uint32(uid), UserInfo{
			Uid:   uint32(uid),
			Gid:   uint32(gid),
			Name:  fields[0],
			Home:  fields[5],
			Shell: fields[6],
		})
	}
	return scanner.Err()
}

// GroupTable maps gid to group metadata.
type GroupTable struct {
	groups maps.SafeMap[uint32, GroupInfo]
}

func NewGroupTable() *GroupTable {
	return &GroupTable{}
}

// GetByGid returns the group for a gid.
func (gt *GroupTable) GetByGid(gid uint32) (GroupInfo, bool) {
	info := gt.groups.Get(gid)
	return info, info.Name != ""
}

// Import bulk-loads group metadata.
func (gt *GroupTable) Import(groups []GroupInfo) {
	for _, g := range groups {
		gt.groups.Set(g.Gid, g)
	}
}

// Len returns the number of known groups.
func (gt *GroupTable) Len() int {
	return gt.groups.Len()
}

// All returns every known group, for snapshot export.
func (gt *GroupTable) All() []GroupInfo {
	out := make([]GroupInfo, 0, gt.groups.Len())
	gt.groups.Range(func(_ uint32, g GroupInfo) bool {
		out = append(out, g)
		return true
	})
	return out
}

// LoadFromGroupFile populates the table from a group(5) file.
func (gt *GroupTable) LoadFromGroupFile(fs afero.Fs, path string) error {
	f, err := fs.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, ":")
		if len(fields) < 3 {
			continue
		}
		gid, err := strconv.ParseUint(fields[2], 10, 32)
		if err != nil {
			continue
		}
		gt.groups.Set(uint32(gid), GroupInfo{Gid: uint32(gid), Name: fields[0]})
	}
	return scanner.Err()
}
