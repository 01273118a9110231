// Package capture drives a capture session: it pulls raw events from a
// source, feeds them through the state parser, evaluates the session filter
// and hands matching events to the caller one at a time.
package capture

import (
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/kubescape/go-logger"
	"github.com/kubescape/go-logger/helpers"
	"github.com/spf13/afero"
	"go.uber.org/multierr"

	"github.com/sysight/sysight/pkg/config"
	"github.com/sysight/sysight/pkg/dumper"
	"github.com/sysight/sysight/pkg/event"
	"github.com/sysight/sysight/pkg/filter"
	"github.com/sysight/sysight/pkg/hosttables"
	"github.com/sysight/sysight/pkg/metricsmanager"
	"github.com/sysight/sysight/pkg/parser"
	"github.com/sysight/sysight/pkg/threadtable"
	"github.com/sysight/sysight/pkg/tracefile"
)

// State is the session lifecycle state.
type State int32

const (
	StateClosed State = iota
	StateCapturing
	StatePaused
)

func (s State) String() string {
	switch s {
	case StateCapturing:
		return "capturing"
	case StatePaused:
		return "paused"
	default:
		return "closed"
	}
}

const openMaxRetries = 4

// Stats is a point-in-time snapshot of session counters.
type Stats struct {
	SessionID     string
	State         State
	Events        uint64
	Matched       uint64
	Timeouts      uint64
	SourceSeen    uint64
	SourceDropped uint64
	CapacityDrops uint64
	Threads       int
	Conns         int
}

// Session owns the state tables and the dispatch loop for one capture. All
// dispatch methods (Next, SetFilter, lifecycle transitions) must be called
// from a single goroutine; Interrupt, Stats and Close are safe from others.
type Session struct {
	cfg     config.Config
	fs      afero.Fs
	metrics metricsmanager.MetricsManager

	threads    *threadtable.Table
	containers *hosttables.ContainerTable
	users      *hosttables.UserTable
	groups     *hosttables.GroupTable
	interfaces *hosttables.InterfaceTable
	parser     *parser.Parser

	source Source
	state  atomic.Int32
	id     string

	// env is the single reused envelope handed out by Next. rec is the
	// reused raw record the source fills.
	env event.Envelope
	rec Record

	filter *filter.CompiledFilter
	fctx   filter.Context

	// The counters are atomics so Stats can poll them from another
	// goroutine while dispatch runs.
	events      atomic.Uint64
	matched     atomic.Uint64
	timeouts    atomic.Uint64
	lastDropped uint64
	eof         bool

	debugMode       bool
	maxEvtOutputLen int
	selfPid         uint32
	lastEvictTs     int64

	// snaps is the state imported at open time, reused as the header of
	// every dump file so dumps replay standalone.
	snaps tracefile.Snapshots

	dumpMu sync.Mutex
	dump   *dumper.Dumper

	errMu   sync.Mutex
	lastErr error

	closeOnce sync.Once
}

type Option func(*Session)

// WithMetrics replaces the no-op metrics sink.
func WithMetrics(m metricsmanager.MetricsManager) Option {
	return func(s *Session) { s.metrics = m }
}

// WithFs replaces the filesystem used for traces and dumps, for tests.
func WithFs(fs afero.Fs) Option {
	return func(s *Session) { s.fs = fs }
}

// NewSession allocates the state tables for one capture. The session is in
// the closed state until Open.
func NewSession(cfg config.Config, opts ...Option) *Session {
	s := &Session{
		cfg:             cfg,
		fs:              afero.NewOsFs(),
		metrics:         metricsmanager.NewMetricsMock(),
		threads:         threadtable.New(threadtable.WithMaxSize(cfg.MaxThreadTableSize)),
		containers:      hosttables.NewContainerTable(),
		users:           hosttables.NewUserTable(),
		groups:          hosttables.NewGroupTable(),
		interfaces:      hosttables.NewInterfaceTable(),
		debugMode:       cfg.DebugMode,
		maxEvtOutputLen: cfg.MaxEvtOutputLen,
		selfPid:         uint32(os.Getpid()),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.fctx = filter.Context{
		Threads:    s.threads,
		Containers: s.containers,
		Users:      s.users,
		Groups:     s.groups,
		Interfaces: s.interfaces,
	}
	return s
}

// ReserveThreadMemory reserves size bytes of per-thread scratch space and
// returns the slot handle. Only allowed before Open.
func (s *Session) ReserveThreadMemory(size int) (int, error) {
	if s.State() != StateClosed {
		return 0, ErrAlreadyOpen
	}
	return s.threads.ReservePrivateSlot(size), nil
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// ID returns the session id assigned at Open.
func (s *Session) ID() string {
	return s.id
}

// Open attaches a source and moves the session to capturing. Live sources
// are retried with exponential backoff before giving up, since the driver
// may still be settling right after load.
func (s *Session) Open(src Source) error {
	if s.State() != StateClosed || s.source != nil {
		return ErrAlreadyOpen
	}

	open := src.Open
	if src.Live() {
		open = func() error {
			return backoff.Retry(src.Open, backoff.WithMaxRetries(backoff.NewExponentialBackOff(), openMaxRetries))
		}
	}
	if err := open(); err != nil {
		oerr := &OpenError{Source: src.Name(), Err: err}
		s.setLastErr(oerr)
		return oerr
	}

	s.source = src
	s.id = uuid.NewString()
	s.parser = parser.New(s.threads, s.containers,
		parser.WithBackendQueries(s.cfg.QueryBackendOnMiss && src.Live()),
		parser.WithImmediateExitReclaim(s.cfg.ImmediateExitReclaim),
		parser.WithMetrics(s.metrics),
	)

	if err := s.importState(src); err != nil {
		src.Close()
		s.source = nil
		oerr := &OpenError{Source: src.Name(), Err: err}
		s.setLastErr(oerr)
		return oerr
	}

	if setter, ok := src.(SnaplenSetter); ok && s.cfg.Snaplen > 0 {
		if err := setter.SetSnaplen(s.cfg.Snaplen); err != nil {
			logger.L().Warning("setting snaplen", helpers.Error(err))
		}
	}

	s.metrics.Start()
	s.state.Store(int32(StateCapturing))

	if s.cfg.DumpPath != "" {
		if err := s.StartDump(s.cfg.DumpPath); err != nil {
			s.Close()
			return err
		}
	}

	logger.L().Info("capture session open",
		helpers.String("id", s.id),
		helpers.String("source", src.Name()),
		helpers.Int("threads", s.threads.Len()))
	return nil
}

// importState loads the pre-capture tables: the source's snapshots when it
// carries them, the host's own tables for a live capture.
func (s *Session) importState(src Source) error {
	if sp, ok := src.(SnapshotProvider); ok {
		if snaps := sp.Snapshots(); snaps != nil {
			imported, dropped := s.threads.ImportSnapshot(snaps.Threads)
			if dropped > 0 {
				logger.L().Warning("thread snapshot truncated by table capacity",
					helpers.Int("imported", imported),
					helpers.Int("dropped", dropped))
			}
			s.users.Import(snaps.Users)
			s.groups.Import(snaps.Groups)
			s.interfaces.Import(snaps.Interfaces)
			s.containers.Import(snaps.Containers)
			s.rememberSnapshots()
			return nil
		}
	}
	if !src.Live() {
		return nil
	}

	backend := threadtable.NewProcfsBackend()
	if s.cfg.QueryBackendOnMiss {
		s.threads.SetBackend(backend)
	}
	if s.cfg.ScanProcsOnOpen {
		threads, err := backend.ScanAll()
		if err != nil {
			return err
		}
		imported, dropped := s.threads.ImportSnapshot(threads)
		logger.L().Debug("imported host process table",
			helpers.Int("imported", imported),
			helpers.Int("dropped", dropped))
	}
	if s.cfg.ImportUsers {
		if err := s.users.LoadFromPasswd(s.fs, "/etc/passwd"); err != nil {
			logger.L().Warning("loading user table", helpers.Error(err))
		}
		if err := s.groups.LoadFromGroupFile(s.fs, "/etc/group"); err != nil {
			logger.L().Warning("loading group table", helpers.Error(err))
		}
	}
	if err := s.interfaces.Populate(); err != nil {
		logger.L().Warning("loading interface table", helpers.Error(err))
	}
	s.rememberSnapshots()
	return nil
}

func (s *Session) rememberSnapshots() {
	threads := make([]tracefile.ThreadRecord, 0, s.threads.Len())
	s.threads.Range(func(ti *threadtable.ThreadInfo) bool {
		threads = append(threads, tracefile.SnapshotThread(ti))
		return true
	})
	s.snaps = tracefile.Snapshots{
		Threads:    threads,
		Users:      s.users.All(),
		Groups:     s.groups.All(),
		Interfaces: s.interfaces.All(),
		Containers: s.containers.All(),
	}
}

// Next returns the next event that passes the session filter. The returned
// envelope is valid only until the following Next call. With no filter set,
// every event is returned. Sentinel errors (ErrTimeout, ErrPaused, ErrEOF,
// ErrInterrupted) leave the session usable; anything else is recorded as the
// session's last error.
func (s *Session) Next() (*event.Envelope, error) {
	for {
		switch s.State() {
		case StateClosed:
			return nil, ErrNotCapturing
		case StatePaused:
			return nil, ErrPaused
		}
		if s.eof {
			return nil, ErrEOF
		}

		// Threads whose exit was seen on the previous call are reclaimed
		// now, so their table entry stayed visible for one full iteration.
		s.parser.FlushExited()

		s.env.Reset()
		if err := s.source.Next(&s.rec, s.cfg.CaptureTimeout); err != nil {
			switch {
			case errors.Is(err, ErrTimeout):
				s.timeouts.Add(1)
				return nil, ErrTimeout
			case errors.Is(err, ErrEOF):
				s.eof = true
				return nil, ErrEOF
			case errors.Is(err, ErrInterrupted):
				return nil, ErrInterrupted
			default:
				derr := &DispatchError{EventNum: s.events.Load() + 1, Err: err}
				s.setLastErr(derr)
				return nil, derr
			}
		}

		env := &s.env
		env.Num = s.events.Add(1)
		env.Ts = s.rec.Ts
		env.CPU = s.rec.CPU
		env.Tid = s.rec.Tid
		env.Type = s.rec.Type
		env.Dir = s.rec.Dir
		env.Args = s.rec.Args
		env.Raw = s.rec.Raw
		if s.maxEvtOutputLen > 0 {
			env.Args.Truncate(s.maxEvtOutputLen)
		}

		if s.cfg.EnableInternalTiming {
			start := time.Now()
			s.parser.Apply(env)
			s.metrics.ReportParseTime(time.Since(start))
		} else {
			s.parser.Apply(env)
		}
		s.metrics.ReportEvent(env.Type)
		if ss := s.source.Stats(); ss.Dropped > s.lastDropped {
			s.metrics.ReportEventsDropped(ss.Dropped - s.lastDropped)
			s.lastDropped = ss.Dropped
		}

		s.maybeEvict(env.Ts)

		// Events generated by this process itself are noise in a live
		// capture unless debug mode asks for them.
		if s.source.Live() && !s.debugMode && env.Thread != nil && env.Thread.Pid == s.selfPid {
			continue
		}

		if s.filter != nil {
			s.fctx.Env = env
			var ok bool
			if s.cfg.EnableInternalTiming {
				start := time.Now()
				ok = s.filter.Matches(&s.fctx)
				s.metrics.ReportFilterTime(time.Since(start))
			} else {
				ok = s.filter.Matches(&s.fctx)
			}
			if !ok {
				continue
			}
			s.matched.Add(1)
			s.metrics.ReportFilterMatch()
		}

		s.writeDump(env)
		return env, nil
	}
}

// maybeEvict runs the inactive-thread sweep when enough event time has
// passed since the previous one. The sweep runs on the event clock, so
// replayed traces age threads at recorded speed.
func (s *Session) maybeEvict(ts int64) {
	period := s.cfg.InactiveThreadScanPeriod
	if period <= 0 || s.cfg.ThreadTimeout <= 0 {
		return
	}
	if s.lastEvictTs == 0 {
		s.lastEvictTs = ts
		return
	}
	if ts-s.lastEvictTs < int64(period) {
		return
	}
	s.lastEvictTs = ts
	if n := s.threads.EvictInactive(ts, s.cfg.ThreadTimeout); n > 0 {
		s.metrics.ReportEviction(n)
	}
}

// SetFilter compiles and installs the capture filter. An empty expression
// clears it. The filter applies from the next dispatch call.
func (s *Session) SetFilter(expr string) error {
	if expr == "" {
		s.filter = nil
		return nil
	}
	compiled, err := filter.Compile(expr)
	if err != nil {
		s.setLastErr(err)
		return err
	}
	s.filter = compiled
	return nil
}

// GetFilter returns the canonical form of the installed filter, or "".
func (s *Session) GetFilter() string {
	if s.filter == nil {
		return ""
	}
	return s.filter.Expression()
}

// StopCapture pauses event production. Live captures only.
func (s *Session) StopCapture() error {
	switch s.State() {
	case StateClosed:
		return ErrNotCapturing
	case StatePaused:
		return nil
	}
	if !s.source.Live() {
		return ErrLiveOnly
	}
	if p, ok := s.source.(Pausable); ok {
		if err := p.Pause(); err != nil {
			return err
		}
	}
	s.state.Store(int32(StatePaused))
	return nil
}

// StartCapture resumes a paused capture. Live captures only.
func (s *Session) StartCapture() error {
	switch s.State() {
	case StateClosed:
		return ErrNotCapturing
	case StateCapturing:
		return nil
	}
	if p, ok := s.source.(Pausable); ok {
		if err := p.Resume(); err != nil {
			return err
		}
	}
	s.state.Store(int32(StateCapturing))
	return nil
}

// SetSnaplen changes the raw capture length of a running live source.
func (s *Session) SetSnaplen(snaplen uint32) error {
	if s.State() == StateClosed {
		return ErrNotCapturing
	}
	if !s.source.Live() {
		return ErrLiveOnly
	}
	setter, ok := s.source.(SnaplenSetter)
	if !ok {
		return ErrLiveOnly
	}
	return setter.SetSnaplen(snaplen)
}

// SetDebugMode toggles delivery of events generated by this process.
func (s *Session) SetDebugMode(enabled bool) {
	s.debugMode = enabled
}

// SetMaxEvtOutputLen bounds string argument length on dispatched events;
// zero disables truncation.
func (s *Session) SetMaxEvtOutputLen(n int) {
	s.maxEvtOutputLen = n
}

// StartDump begins persisting dispatched events to path. The dump header
// carries the state snapshots taken at open, so the file replays standalone.
func (s *Session) StartDump(path string) error {
	if s.State() == StateClosed {
		return ErrNotCapturing
	}
	s.dumpMu.Lock()
	defer s.dumpMu.Unlock()
	if s.dump != nil {
		return s.dump.Rotate(path)
	}
	d, err := dumper.New(s.fs, path, tracefile.Header{
		Epoch:     time.Now().UnixNano(),
		Snapshots: s.snaps,
	})
	if err != nil {
		return err
	}
	s.dump = d
	return nil
}

// StopDump stops persisting events and closes the dump file.
func (s *Session) StopDump() error {
	s.dumpMu.Lock()
	defer s.dumpMu.Unlock()
	if s.dump == nil {
		return nil
	}
	err := s.dump.Close()
	s.dump = nil
	return err
}

func (s *Session) writeDump(env *event.Envelope) {
	s.dumpMu.Lock()
	d := s.dump
	s.dumpMu.Unlock()
	if d == nil {
		return
	}
	if err := d.Write(env); err != nil {
		logger.L().Warning("writing dump", helpers.Error(err))
	}
}

// Interrupt aborts a Next blocked in another goroutine. Safe to call from
// signal handlers.
func (s *Session) Interrupt() {
	if src := s.source; src != nil {
		src.Interrupt()
	}
}

// Close tears the session down. Idempotent; later calls return nil.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosed))
		if s.source != nil {
			s.source.Interrupt()
			err = multierr.Append(err, s.source.Close())
		}
		err = multierr.Append(err, s.StopDump())
		s.threads.Clear()
		s.metrics.Destroy()
		if err != nil {
			s.setLastErr(err)
		}
		logger.L().Info("capture session closed",
			helpers.String("id", s.id),
			helpers.Int("events", int(s.events.Load())))
	})
	return err
}

// LastError returns the most recent non-sentinel failure, for operator
// messages after a dispatch loop bails out.
func (s *Session) LastError() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.lastErr
}

func (s *Session) setLastErr(err error) {
	s.errMu.Lock()
	s.lastErr = err
	s.errMu.Unlock()
}

// Stats returns a snapshot of the session counters.
func (s *Session) Stats() Stats {
	st := Stats{
		SessionID: s.id,
		State:     s.State(),
		Events:    s.events.Load(),
		Matched:   s.matched.Load(),
		Timeouts:  s.timeouts.Load(),
		Threads:   s.threads.Len(),
		Conns:     s.threads.ConnTracker().Len(),
	}
	if s.parser != nil {
		st.CapacityDrops = s.parser.CapacityDrops()
	}
	if s.source != nil {
		ss := s.source.Stats()
		st.SourceSeen = ss.Seen
		st.SourceDropped = ss.Dropped
	}
	return st
}

// Threads exposes the thread table for read-mostly inspection.
func (s *Session) Threads() *threadtable.Table {
	return s.threads
}

// Containers exposes the container table.
func (s *Session) Containers() *hosttables.ContainerTable {
	return s.containers
}

// Users exposes the user table.
func (s *Session) Users() *hosttables.UserTable {
	return s.users
}

// Groups exposes the group table.
func (s *Session) Groups() *hosttables.GroupTable {
	return s.groups
}

// Interfaces exposes the interface table.
func (s *Session) Interfaces() *hosttables.InterfaceTable {
	return s.interfaces
}
