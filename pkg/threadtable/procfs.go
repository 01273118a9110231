package threadtable

import (
	"fmt"

	"github.com/prometheus/procfs"
)

// ProcfsBackend answers thread lookups from the host process table. It is
// the live-capture implementation of BackendQuerier and also feeds the
// initial thread-table scan on open.
type ProcfsBackend struct {
	mountPoint string
}

func NewProcfsBackend() *ProcfsBackend {
	return &ProcfsBackend{mountPoint: procfs.DefaultMountPoint}
}

var _ BackendQuerier = (*ProcfsBackend)(nil)

// QueryThread synthesizes a ThreadInfo from /proc for an unknown tid.
func (b *ProcfsBackend) QueryThread(tid uint32) (*ThreadInfo, error) {
	proc, err := procfs.NewProc(int(tid))
	if err != nil {
		return nil, fmt.Errorf("procfs lookup of tid %d: %w", tid, err)
	}
	return b.threadFromProc(proc)
}

// ScanAll returns the full host process table, used to import pre-existing
// state before a live capture starts.
func (b *ProcfsBackend) ScanAll() ([]*ThreadInfo, error) {
	fs, err := procfs.NewFS(b.mountPoint)
	if err != nil {
		return nil, fmt.Errorf("open procfs: %w", err)
	}
	procs, err := fs.AllProcs()
	if err != nil {
		return nil, fmt.Errorf("read all procs: %w", err)
	}
	threads := make([]*ThreadInfo, 0, len(procs))
	for _, proc := range procs {
		ti, err := b.threadFromProc(proc)
		if err != nil {
			// Processes race with the scan; a vanished pid is expected.
			continue
		}
		threads = append(threads, ti)
	}
	return threads, nil
}

func (b *ProcfsBackend) threadFromProc(proc procfs.Proc) (*ThreadInfo, error) {
	stat, err := proc.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat pid %d: %w", proc.PID, err)
	}
	ti := NewThreadInfo(uint32(proc.PID))
	ti.Ptid = uint32(stat.PPID)
	ti.Comm = stat.Comm
	if status, err := proc.NewStatus(); err == nil {
		if len(status.UIDs) > 1 {
			ti.Uid = uint32(status.UIDs[1])
		}
		if len(status.GIDs) > 1 {
			ti.Gid = uint32(status.GIDs[1])
		}
	}
	if cmdline, err := proc.CmdLine(); err == nil && len(cmdline) > 0 {
		ti.Args = cmdline
		ti.Exe = cmdline[0]
	}
	if cwd, err := proc.Cwd(); err == nil {
		ti.Cwd = cwd
	}
	return ti, nil
}
