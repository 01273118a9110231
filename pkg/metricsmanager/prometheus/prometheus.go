package metricsmanager

import (
	"net/http"
	"time"

	"github.com/kubescape/go-logger"
	"github.com/kubescape/go-logger/helpers"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sysight/sysight/pkg/event"
	"github.com/sysight/sysight/pkg/metricsmanager"
)

const eventTypeLabel = "event_type"

var _ metricsmanager.MetricsManager = (*PrometheusMetric)(nil)

type PrometheusMetric struct {
	eventCounter      *prometheus.CounterVec
	droppedCounter    prometheus.Counter
	matchCounter      prometheus.Counter
	capacityCounter   prometheus.Counter
	evictedCounter    prometheus.Counter
	parseTimeCounter  prometheus.Counter
	filterTimeCounter prometheus.Counter
}

func NewPrometheusMetric() *PrometheusMetric {
	return &PrometheusMetric{
		eventCounter: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "sysight_event_counter",
			Help: "The total number of events received from the capture source, by event type",
		}, []string{eventTypeLabel}),
		droppedCounter: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sysight_dropped_event_counter",
			Help: "The total number of events dropped by the capture backend",
		}),
		matchCounter: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sysight_filter_match_counter",
			Help: "The total number of events matching the active filter",
		}),
		capacityCounter: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sysight_thread_table_capacity_counter",
			Help: "The total number of thread-table capacity conditions",
		}),
		evictedCounter: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sysight_evicted_thread_counter",
			Help: "The total number of thread entries removed by the eviction sweep",
		}),
		parseTimeCounter: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sysight_parser_nanoseconds_total",
			Help: "Cumulative time spent in the parser, internal timing only",
		}),
		filterTimeCounter: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sysight_filter_nanoseconds_total",
			Help: "Cumulative time spent in filter evaluation, internal timing only",
		}),
	}
}

func (p *PrometheusMetric) Start() {
	go func() {
		http.Handle("/metrics", promhttp.Handler())
		logger.L().Info("prometheus metrics server started", helpers.Int("port", 8080), helpers.String("path", "/metrics"))
		logger.L().Fatal(http.ListenAndServe(":8080", nil).Error())
	}()
}

func (p *PrometheusMetric) Destroy() {
	prometheus.Unregister(p.eventCounter)
	prometheus.Unregister(p.droppedCounter)
	prometheus.Unregister(p.matchCounter)
	prometheus.Unregister(p.capacityCounter)
	prometheus.Unregister(p.evictedCounter)
	prometheus.Unregister(p.parseTimeCounter)
	prometheus.Unregister(p.filterTimeCounter)
}

func (p *PrometheusMetric) ReportEvent(eventType event.Type) {
	p.eventCounter.WithLabelValues(eventType.String()).Inc()
}

func (p *PrometheusMetric) ReportEventsDropped(count uint64) {
	p.droppedCounter.Add(float64(count))
}

func (p *PrometheusMetric) ReportFilterMatch() {
	p.matchCounter.Inc()
}

func (p *PrometheusMetric) ReportCapacityCondition() {
	p.capacityCounter.Inc()
}

func (p *PrometheusMetric) ReportEviction(count int) {
	p.evictedCounter.Add(float64(count))
}

func (p *PrometheusMetric) ReportParseTime(d time.Duration) {
	p.parseTimeCounter.Add(float64(d.Nanoseconds()))
}

func (p *PrometheusMetric) ReportFilterTime(d time.Duration) {
	p.filterTimeCounter.Add(float64(d.Nanoseconds()))
}
