package metricsmanager

import (
	"sync/atomic"
	"time"

	"github.com/goradd/maps"
	"github.com/sysight/sysight/pkg/event"
)

var _ MetricsManager = (*MetricsMock)(nil)

type MetricsMock struct {
	EventCounter      maps.SafeMap[event.Type, int]
	DroppedCounter    atomic.Uint64
	MatchCounter      atomic.Uint64
	CapacityCounter   atomic.Uint64
	EvictedCounter    atomic.Int64
	ParseTimeReports  atomic.Int64
	FilterTimeReports atomic.Int64
}

func NewMetricsMock() *MetricsMock {
	return &MetricsMock{}
}

func (m *MetricsMock) Start() {}

func (m *MetricsMock) Destroy() {
	m.EventCounter.Clear()
	m.DroppedCounter.Store(0)
	m.MatchCounter.Store(0)
	m.CapacityCounter.Store(0)
	m.EvictedCounter.Store(0)
	m.ParseTimeReports.Store(0)
	m.FilterTimeReports.Store(0)
}

func (m *MetricsMock) ReportEvent(eventType event.Type) {
	m.EventCounter.Set(eventType, m.EventCounter.Get(eventType)+1)
}

func (m *MetricsMock) ReportEventsDropped(count uint64) {
	m.DroppedCounter.Add(count)
}

func (m *MetricsMock) ReportFilterMatch() {
	m.MatchCounter.Add(1)
}

func (m *MetricsMock) ReportCapacityCondition() {
	m.CapacityCounter.Add(1)
}

func (m *MetricsMock) ReportEviction(count int) {
	m.EvictedCounter.Add(int64(count))
}

func (m *MetricsMock) ReportParseTime(time.Duration) {
	m.ParseTimeReports.Add(1)
}

func (m *MetricsMock) ReportFilterTime(time.Duration) {
	m.FilterTimeReports.Add(1)
}
