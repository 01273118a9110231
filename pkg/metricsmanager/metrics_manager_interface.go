package metricsmanager

import (
	"time"

	"github.com/sysight/sysight/pkg/event"
)

// MetricsManager is an interface for reporting dispatch-path metrics.
// Implementations must be cheap: several calls run per captured event.
type MetricsManager interface {
	Start()
	Destroy()
	ReportEvent(eventType event.Type)
	ReportEventsDropped(count uint64)
	ReportFilterMatch()
	ReportCapacityCondition()
	ReportEviction(count int)
	// Timing counters are fed only when internal timing is enabled.
	ReportParseTime(d time.Duration)
	ReportFilterTime(d time.Duration)
}
