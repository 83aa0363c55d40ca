package prometheus

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	jianwen "github.com/SmallHorseBrother/jianwen-community-sub000"
	"github.com/SmallHorseBrother/jianwen-community-sub000/metrics/export/internaldefs"
	"github.com/SmallHorseBrother/jianwen-community-sub000/queue"
)

type metricsSource interface {
	MetricsSnapshot() jianwen.MetricsSnapshot
	AuditDropped() uint64
}

type liveSource interface {
	State() jianwen.AuthState
	QueueStats() queue.Stats
}

type counterDesc struct {
	id   jianwen.MetricID
	desc *prometheus.Desc
}

// Collector is a prometheus.Collector over a coordinator's snapshot. It
// builds const metrics on every scrape.
type Collector struct {
	source     metricsSource
	live       liveSource
	counters   []counterDesc
	histograms []counterDesc
	bounds     []float64
	dropped    *prometheus.Desc
	authed     *prometheus.Desc
	depth      *prometheus.Desc
}

// NewCollector reads from coord.
func NewCollector(coord *jianwen.Coordinator) *Collector {
	return NewCollectorFromSource(coord)
}

// NewCollectorFromSource reads from any snapshot source. Sources that also
// report State and QueueStats get the live gauges.
func NewCollectorFromSource(source metricsSource) *Collector {
	c := &Collector{
		source: source,
		bounds: internaldefs.HistogramBoundValues,
		dropped: prometheus.NewDesc("jianwen_audit_dropped_total",
			"Audit events dropped under dispatcher backpressure.", nil, nil),
	}
	c.live, _ = source.(liveSource)
	for _, def := range internaldefs.CounterDefs {
		c.counters = append(c.counters, counterDesc{id: def.ID, desc: prometheus.NewDesc(def.Name, def.Help, nil, nil)})
	}
	for _, def := range internaldefs.HistogramDefs {
		c.histograms = append(c.histograms, counterDesc{id: def.ID, desc: prometheus.NewDesc(def.Name, def.Help, nil, nil)})
	}
	if c.live != nil {
		c.authed = prometheus.NewDesc("jianwen_authenticated", "1 while a user is signed in.", nil, nil)
		c.depth = prometheus.NewDesc("jianwen_queue_depth", "Operations waiting in the auth operation queue.", nil, nil)
	}
	return c
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.counters {
		ch <- d.desc
	}
	for _, d := range c.histograms {
		ch <- d.desc
	}
	ch <- c.dropped
	if c.live != nil {
		ch <- c.authed
		ch <- c.depth
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.source == nil {
		return
	}
	snapshot := c.source.MetricsSnapshot()

	for _, d := range c.counters {
		ch <- prometheus.MustNewConstMetric(d.desc, prometheus.CounterValue, float64(snapshot.Counters[d.id]))
	}

	for _, d := range c.histograms {
		raw, ok := snapshot.Histograms[d.id]
		if !ok {
			continue
		}
		cumulative := internaldefs.CumulativeBuckets(internaldefs.NormalizeBuckets(raw))
		buckets := make(map[float64]uint64, len(c.bounds))
		for i, le := range c.bounds {
			buckets[le] = cumulative[i]
		}
		// Snapshots carry no sum.
		ch <- prometheus.MustNewConstHistogram(d.desc, cumulative[len(cumulative)-1], 0, buckets)
	}

	ch <- prometheus.MustNewConstMetric(c.dropped, prometheus.CounterValue, float64(c.source.AuditDropped()))

	if c.live != nil {
		var authed float64
		if c.live.State().IsAuthenticated {
			authed = 1
		}
		ch <- prometheus.MustNewConstMetric(c.authed, prometheus.GaugeValue, authed)
		ch <- prometheus.MustNewConstMetric(c.depth, prometheus.GaugeValue, float64(c.live.QueueStats().Length))
	}
}

// Handler serves the collector from a private registry.
func (c *Collector) Handler() http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(c)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
