package hosttables

import (
	"regexp"

	"github.com/goradd/maps"
	"github.com/kubescape/go-logger"
	"github.com/kubescape/go-logger/helpers"
)

// ContainerInfo describes one container known to the capture session.
type ContainerInfo struct {
	ID      string
	Name    string
	Image   string
	Runtime string
}

// containerIDRe matches a container id inside a cgroup path (docker,
// containerd and cri-o all embed the 64-hex id).
var containerIDRe = regexp.MustCompile(`\b([0-9a-f]{64})\b`)

// ContainerIDFromCgroup extracts the container id from cgroup metadata,
// returning "" for host processes.
func ContainerIDFromCgroup(cgroup string) string {
	m := containerIDRe.FindStringSubmatch(cgroup)
	if m == nil {
		return ""
	}
	return m[1]
}

// ContainerTable maps container id to container metadata. It is populated at
// startup (or from a trace snapshot) and grows incrementally when the parser
// meets a container id it has not seen before. It is read concurrently with
// filter evaluation but written only from the dispatch path.
type ContainerTable struct {
	containers maps.SafeMap[string, ContainerInfo]
}

func NewContainerTable() *ContainerTable {
	return &ContainerTable{}
}

// GetByID returns the container for an id.
func (ct *ContainerTable) GetByID(id string) (ContainerInfo, bool) {
	info := ct.containers.Get(id)
	return info, info.ID != ""
}

// Import bulk-loads container metadata.
func (ct *ContainerTable) Import(containers []ContainerInfo) {
	for _, c := range containers {
		if c.ID == "" {
			continue
		}
		ct.containers.Set(c.ID, c)
	}
}

// Discover registers a container id first seen in a process's cgroup
// metadata. Already-known ids keep their metadata.
func (ct *ContainerTable) Discover(id string) ContainerInfo {
	if info := ct.containers.Get(id); info.ID != "" {
		return info
	}
	info := ContainerInfo{ID: id}
	ct.containers.Set(id, info)
	logger.L().Debug("discovered container", helpers.String("id", id))
	return info
}

// All returns every known container, for snapshot export.
func (ct *ContainerTable) All() []ContainerInfo {
	out := make([]ContainerInfo, 0, ct.containers.Len())
	ct.containers.Range(func(_ string, c ContainerInfo) bool {
		out = append(out, c)
		return true
	})
	return out
}

// Len returns the number of known containers.
func (ct *ContainerTable) Len() int {
	return ct.containers.Len()
}
