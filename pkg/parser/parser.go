// Package parser reconstructs operating-system state from the event stream.
// It consumes one envelope at a time, applies the event's side effects to
// the thread/fd tables and attaches the resolved context back onto the
// envelope. Per-event anomalies degrade the context instead of aborting
// dispatch: one bad event must never stop the stream.
package parser

import (
	"errors"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kubescape/go-logger"
	"github.com/kubescape/go-logger/helpers"
	"github.com/sysight/sysight/pkg/event"
	"github.com/sysight/sysight/pkg/hosttables"
	"github.com/sysight/sysight/pkg/metricsmanager"
	"github.com/sysight/sysight/pkg/threadtable"
)

// capacityLogPeriod throttles capacity-condition logging; the condition
// itself is still counted per occurrence.
const capacityLogPeriod = time.Minute

type Parser struct {
	threads    *threadtable.Table
	containers *hosttables.ContainerTable
	metrics    metricsmanager.MetricsManager

	queryBackend         bool
	immediateExitReclaim bool

	capacityDrops   atomic.Uint64
	lastCapacityLog atomic.Int64
}

// Option configures a Parser.
type Option func(*Parser)

// WithBackendQueries lets the parser synthesize unknown tids from the
// external process-table snapshot.
func WithBackendQueries(enabled bool) Option {
	return func(p *Parser) { p.queryBackend = enabled }
}

// WithImmediateExitReclaim removes exited threads as soon as their exit
// event is processed.
func WithImmediateExitReclaim(enabled bool) Option {
	return func(p *Parser) { p.immediateExitReclaim = enabled }
}

// WithMetrics installs the metrics sink.
func WithMetrics(m metricsmanager.MetricsManager) Option {
	return func(p *Parser) { p.metrics = m }
}

func New(threads *threadtable.Table, containers *hosttables.ContainerTable, opts ...Option) *Parser {
	p := &Parser{
		threads:    threads,
		containers: containers,
		metrics:    metricsmanager.NewMetricsMock(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// CapacityDrops returns how many thread creations were refused by the
// table-size cap so far.
func (p *Parser) CapacityDrops() uint64 {
	return p.capacityDrops.Load()
}

// Apply runs the event's state transition and attaches the resolved context
// to the envelope. Unrecognized event types pass through with no mutation.
func (p *Parser) Apply(env *event.Envelope) {
	switch {
	case env.Type.IsCloneFamily():
		if env.Dir == event.DirExit {
			p.applyClone(env)
		} else {
			p.attachContext(env)
		}
	case env.Type == event.TypeExecve:
		if env.Dir == event.DirExit {
			p.applyExecve(env)
		} else {
			p.cacheEnter(env)
		}
	case env.Type.IsOpenFamily():
		if env.Dir == event.DirExit {
			p.applyOpen(env)
		} else {
			p.cacheEnter(env)
		}
	case env.Type == event.TypeSocket:
		if env.Dir == event.DirExit {
			p.applySocket(env)
		} else {
			p.cacheEnter(env)
		}
	case env.Type == event.TypeConnect:
		if env.Dir == event.DirExit {
			p.applyConnectExit(env)
		} else {
			p.applyConnectEnter(env)
		}
	case env.Type == event.TypeAccept || env.Type == event.TypeAccept4:
		if env.Dir == event.DirExit {
			p.applyAccept(env)
		} else {
			p.attachContext(env)
		}
	case env.Type == event.TypeBind:
		if env.Dir == event.DirExit {
			p.applyBind(env)
		} else {
			p.cacheEnter(env)
		}
	case env.Type == event.TypeDup || env.Type == event.TypeDup2 || env.Type == event.TypeDup3:
		if env.Dir == event.DirExit {
			p.applyDup(env)
		} else {
			p.cacheEnter(env)
		}
	case env.Type == event.TypePipe || env.Type == event.TypePipe2:
		if env.Dir == event.DirExit {
			p.applyPipe(env)
		} else {
			p.attachContext(env)
		}
	case env.Type == event.TypeClose:
		if env.Dir == event.DirExit {
			p.applyClose(env)
		} else {
			p.cacheEnter(env)
		}
	case env.Type == event.TypeProcExit:
		p.applyProcExit(env)
	default:
		p.attachContext(env)
	}
}

// FlushExited removes threads whose exit events were processed since the
// last dispatch call. The dispatch loop runs it at the top of every call so
// the exit event itself still sees its thread's context.
func (p *Parser) FlushExited() int {
	return p.threads.ReapExited()
}

// thread resolves the envelope's thread, creating a placeholder (or a
// backend-synthesized entry) when the tid is unknown and create is set.
func (p *Parser) thread(env *event.Envelope, create bool) *threadtable.ThreadInfo {
	var hint *threadtable.ThreadInfo
	if create {
		hint = threadtable.NewThreadInfo(env.Tid)
	}
	ti, err := p.threads.LookupOrCreate(env.Tid, hint, create && p.queryBackend)
	if err != nil {
		if errors.Is(err, threadtable.ErrTableFull) {
			p.reportCapacity(env.Tid)
		}
		return nil
	}
	if ti != nil {
		ti.Touch(env.Ts)
		env.Thread = ti
		p.resolveContainer(env, ti)
	}
	return ti
}

func (p *Parser) resolveContainer(env *event.Envelope, ti *threadtable.ThreadInfo) {
	if ti.ContainerID == "" || p.containers == nil {
		return
	}
	info := p.containers.Discover(ti.ContainerID)
	env.Container = &info
}

// attachContext resolves thread and fd context without mutating any table.
func (p *Parser) attachContext(env *event.Envelope) *threadtable.ThreadInfo {
	ti := p.thread(env, false)
	if ti == nil {
		return nil
	}
	if fd, ok := env.Args.Fd("fd"); ok {
		env.FD = ti.FdTable().Get(fd)
	}
	return ti
}

// cacheEnter stores the enter half of a two-part event on its thread. A new
// enter for the same tid discards a stale cached one: event sequencing is
// not guaranteed reliable, so correlation is defensive, not strict.
func (p *Parser) cacheEnter(env *event.Envelope) {
	ti := env.Thread
	if ti == nil {
		ti = p.attachContext(env)
	}
	if ti == nil {
		return
	}
	args := make(map[string]any, len(env.Args))
	for _, arg := range env.Args {
		switch arg.Kind {
		case event.ArgKindInt:
			args[arg.Name] = arg.Int
		case event.ArgKindUint:
			args[arg.Name] = arg.Uint
		case event.ArgKindStr:
			args[arg.Name] = arg.Str
		}
	}
	ti.LastEnter = &threadtable.EnterRecord{
		Type: uint16(env.Type),
		Ts:   env.Ts,
		Args: args,
	}
}

// takeEnter consumes the cached enter record when it matches the exit's
// event type; a mismatched leftover is dropped.
func (p *Parser) takeEnter(ti *threadtable.ThreadInfo, t event.Type) map[string]any {
	rec := ti.LastEnter
	ti.LastEnter = nil
	if rec == nil || rec.Type != uint16(t) {
		return nil
	}
	return rec.Args
}

func (p *Parser) reportCapacity(tid uint32) {
	p.capacityDrops.Add(1)
	p.metrics.ReportCapacityCondition()
	now := time.Now().UnixNano()
	last := p.lastCapacityLog.Load()
	if now-last > capacityLogPeriod.Nanoseconds() && p.lastCapacityLog.CompareAndSwap(last, now) {
		logger.L().Warning("thread table at size cap, not adding new threads until it shrinks",
			helpers.Int("resident", p.threads.Len()),
			helpers.Int("tid", int(tid)))
	}
}

func commFromExe(exe string) string {
	fields := strings.Fields(exe)
	if len(fields) == 0 {
		return ""
	}
	return filepath.Base(fields[0])
}
