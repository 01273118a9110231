package hosttables

import (
	"fmt"
	"net"

	"github.com/goradd/maps"
)

// InterfaceInfo describes one network interface of the host.
type InterfaceInfo struct {
	Name  string
	Addrs []string
	MTU   int
}

// InterfaceTable maps interface name to interface metadata and supports
// reverse lookup of a local address to its interface.
type InterfaceTable struct {
	byName maps.SafeMap[string, InterfaceInfo]
	byAddr maps.SafeMap[string, string]
}

func NewInterfaceTable() *InterfaceTable {
	return &InterfaceTable{}
}

// Populate enumerates the host's interfaces.
func (it *InterfaceTable) Populate() error {
	ifaces, err := net.Interfaces()
	if err != nil {
		return fmt.Errorf("enumerate interfaces: %w", err)
	}
	infos := make([]InterfaceInfo, 0, len(ifaces))
	for _, iface := range ifaces {
		info := InterfaceInfo{Name: iface.Name, MTU: iface.MTU}
		addrs, err := iface.Addrs()
		if err == nil {
			for _, addr := range addrs {
				if ipnet, ok := addr.(*net.IPNet); ok {
					info.Addrs = append(info.Addrs, ipnet.IP.String())
				}
			}
		}
		infos = append(infos, info)
	}
	it.Import(infos)
	return nil
}

// Import bulk-loads interface metadata, from Populate or a trace snapshot.
func (it *InterfaceTable) Import(ifaces []InterfaceInfo) {
	for _, info := range ifaces {
		it.byName.Set(info.Name, info)
		for _, addr := range info.Addrs {
			it.byAddr.Set(addr, info.Name)
		}
	}
}

// GetByName returns the interface for a name.
func (it *InterfaceTable) GetByName(name string) (InterfaceInfo, bool) {
	info := it.byName.Get(name)
	return info, info.Name != ""
}

// NameByAddr returns the interface owning a local address.
func (it *InterfaceTable) NameByAddr(addr string) (string, bool) {
	name := it.byAddr.Get(addr)
	return name, name != ""
}

// All returns every known interface.
func (it *InterfaceTable) All() []InterfaceInfo {
	out := make([]InterfaceInfo, 0, it.byName.Len())
	it.byName.Range(func(_ string, info InterfaceInfo) bool {
		out = append(out, info)
		return true
	})
	return out
}
