package events

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/t77yq/agent-heartbeat/internal/heartbeat"
	"github.com/t77yq/agent-heartbeat/internal/model"
)

// DefaultNamespace is the metrics namespace used when none is given
const DefaultNamespace = "heartbeat"

// Exporter exposes heartbeat state as Prometheus metrics.
// Event counters are fed through Handle; agent gauges are read from the store on scrape.
type Exporter struct {
	reg       prometheus.Registerer
	namespace string
	store     *heartbeat.Store
	once      sync.Once
	err       error

	eventsTotal   *prometheus.CounterVec
	responseTime  prometheus.Histogram
	retryDelay    prometheus.Histogram
	agentsDesc    *prometheus.Desc
	successDesc   *prometheus.Desc
	failuresDesc  *prometheus.Desc
	avgRespDesc   *prometheus.Desc
	avgUptimeDesc *prometheus.Desc
}

// NewExporter creates an exporter and registers its metrics
func NewExporter(reg prometheus.Registerer, namespace string, store *heartbeat.Store) (*Exporter, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = DefaultNamespace
	}

	e := &Exporter{reg: reg, namespace: namespace, store: store}
	e.ensureRegistered()
	if e.err != nil {
		return nil, e.err
	}
	return e, nil
}

func (e *Exporter) ensureRegistered() {
	e.once.Do(func() {
		e.eventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: e.namespace,
			Name:      "events_total",
			Help:      "Total heartbeat events by type.",
		}, []string{"type"})

		e.responseTime = prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: e.namespace,
			Name:      "response_time_seconds",
			Help:      "Response time of successful heartbeats in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms .. ~10s
		})

		e.retryDelay = prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: e.namespace,
			Name:      "retry_delay_seconds",
			Help:      "Backoff delay of scheduled heartbeat retries in seconds.",
			Buckets:   []float64{1, 2, 4, 8, 16, 32, 64, 128, 300},
		})

		e.agentsDesc = prometheus.NewDesc(
			prometheus.BuildFQName(e.namespace, "", "agents"),
			"Number of tracked agents by status.",
			[]string{"status"}, nil)
		e.successDesc = prometheus.NewDesc(
			prometheus.BuildFQName(e.namespace, "agent", "success_rate_percent"),
			"Heartbeat success rate of an agent.",
			[]string{"agent_id"}, nil)
		e.failuresDesc = prometheus.NewDesc(
			prometheus.BuildFQName(e.namespace, "agent", "consecutive_failures"),
			"Consecutive failed heartbeats of an agent.",
			[]string{"agent_id"}, nil)
		e.avgRespDesc = prometheus.NewDesc(
			prometheus.BuildFQName(e.namespace, "", "avg_response_time_seconds"),
			"Mean response time across agents.",
			nil, nil)
		e.avgUptimeDesc = prometheus.NewDesc(
			prometheus.BuildFQName(e.namespace, "", "avg_uptime_seconds"),
			"Mean accumulated uptime across agents.",
			nil, nil)

		for _, c := range []prometheus.Collector{e.eventsTotal, e.responseTime, e.retryDelay, storeCollector{e}} {
			if err := e.reg.Register(c); err != nil {
				e.err = err
				return
			}
		}
		for _, t := range model.EventTypes {
			e.eventsTotal.WithLabelValues(string(t))
		}
	})
}

// Handle updates the event driven metrics
func (e *Exporter) Handle(evt model.Event) {
	e.eventsTotal.WithLabelValues(string(evt.Type)).Inc()

	switch evt.Type {
	case model.EventHeartbeatReceived:
		if ms, ok := number(evt.Data["response_time_ms"]); ok {
			e.responseTime.Observe(ms / 1000)
		}
	case model.EventHeartbeatFailed:
		if ms, ok := number(evt.Data["retry_delay_ms"]); ok {
			e.retryDelay.Observe(ms / 1000)
		}
	}
}

// storeCollector reads the store on every scrape
type storeCollector struct {
	e *Exporter
}

func (c storeCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.e.agentsDesc
	ch <- c.e.successDesc
	ch <- c.e.failuresDesc
	ch <- c.e.avgRespDesc
	ch <- c.e.avgUptimeDesc
}

func (c storeCollector) Collect(ch chan<- prometheus.Metric) {
	overview := c.e.store.Overview()
	for _, status := range model.AgentStatuses {
		ch <- prometheus.MustNewConstMetric(c.e.agentsDesc, prometheus.GaugeValue,
			float64(overview.ByStatus[status]), string(status))
	}
	ch <- prometheus.MustNewConstMetric(c.e.avgRespDesc, prometheus.GaugeValue, overview.AvgResponseTime.Seconds())
	ch <- prometheus.MustNewConstMetric(c.e.avgUptimeDesc, prometheus.GaugeValue, overview.AvgUptime.Seconds())

	for _, rec := range c.e.store.Records() {
		m, err := c.e.store.Metrics(rec.AgentID)
		if err != nil {
			continue
		}
		ch <- prometheus.MustNewConstMetric(c.e.successDesc, prometheus.GaugeValue, m.SuccessRate, rec.AgentID)
		ch <- prometheus.MustNewConstMetric(c.e.failuresDesc, prometheus.GaugeValue, float64(m.ConsecutiveFailures), rec.AgentID)
	}
}

func number(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
