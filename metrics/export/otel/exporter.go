package otel

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/metric"

	jianwen "github.com/SmallHorseBrother/jianwen-community-sub000"
	"github.com/SmallHorseBrother/jianwen-community-sub000/metrics/export/internaldefs"
	"github.com/SmallHorseBrother/jianwen-community-sub000/queue"
)

var (
	ErrNilMeter  = errors.New("nil meter")
	ErrNilSource = errors.New("nil metrics source")
)

type metricsSource interface {
	MetricsSnapshot() jianwen.MetricsSnapshot
	AuditDropped() uint64
}

// liveSource is implemented by *jianwen.Coordinator. Sources that also
// satisfy it get the state and queue gauges.
type liveSource interface {
	State() jianwen.AuthState
	QueueStats() queue.Stats
}

type observedCounter struct {
	id         jianwen.MetricID
	instrument metric.Int64ObservableCounter
}

type observedHistogram struct {
	id      jianwen.MetricID
	buckets [8]metric.Int64ObservableGauge
	count   metric.Int64ObservableGauge
}

// OTelExporter publishes coordinator metrics as observable instruments.
// Values are read from a snapshot on every collection.
type OTelExporter struct {
	source       metricsSource
	live         liveSource
	registration metric.Registration
	counters     []observedCounter
	histograms   []observedHistogram
	auditDropped metric.Int64ObservableCounter
	authed       metric.Int64ObservableGauge
	queueDepth   metric.Int64ObservableGauge
}

func NewOTelExporter(meter metric.Meter, coord *jianwen.Coordinator) (*OTelExporter, error) {
	if coord == nil {
		return nil, ErrNilSource
	}
	return NewOTelExporterFromSource(meter, coord)
}

func NewOTelExporterFromSource(meter metric.Meter, source metricsSource) (*OTelExporter, error) {
	if meter == nil {
		return nil, ErrNilMeter
	}
	if source == nil {
		return nil, ErrNilSource
	}

	exporter := &OTelExporter{
		source:     source,
		counters:   make([]observedCounter, 0, len(internaldefs.CounterDefs)),
		histograms: make([]observedHistogram, 0, len(internaldefs.HistogramDefs)),
	}
	exporter.live, _ = source.(liveSource)

	observables := make([]metric.Observable, 0, len(internaldefs.CounterDefs)+len(internaldefs.HistogramDefs)*9+3)

	for _, def := range internaldefs.CounterDefs {
		ins, err := meter.Int64ObservableCounter(def.Name, metric.WithDescription(def.Help))
		if err != nil {
			return nil, fmt.Errorf("create observable counter %s: %w", def.Name, err)
		}
		exporter.counters = append(exporter.counters, observedCounter{id: def.ID, instrument: ins})
		observables = append(observables, ins)
	}

	for _, def := range internaldefs.HistogramDefs {
		h := observedHistogram{id: def.ID}
		for i, suffix := range internaldefs.HistogramBoundSuffix {
			name := def.Name + "_bucket_le_" + suffix
			ins, err := meter.Int64ObservableGauge(name, metric.WithDescription(def.Help+" Cumulative bucket count."))
			if err != nil {
				return nil, fmt.Errorf("create histogram bucket gauge %s: %w", name, err)
			}
			h.buckets[i] = ins
			observables = append(observables, ins)
		}
		countName := def.Name + "_count"
		countIns, err := meter.Int64ObservableGauge(countName, metric.WithDescription(def.Help+" Sample count."))
		if err != nil {
			return nil, fmt.Errorf("create histogram count gauge %s: %w", countName, err)
		}
		h.count = countIns
		observables = append(observables, countIns)
		exporter.histograms = append(exporter.histograms, h)
	}

	auditDropped, err := meter.Int64ObservableCounter(
		"jianwen_audit_dropped_total",
		metric.WithDescription("Audit events dropped under dispatcher backpressure."),
	)
	if err != nil {
		return nil, fmt.Errorf("create audit dropped counter: %w", err)
	}
	exporter.auditDropped = auditDropped
	observables = append(observables, auditDropped)

	if exporter.live != nil {
		authed, err := meter.Int64ObservableGauge("jianwen_authenticated",
			metric.WithDescription("1 while a user is signed in."))
		if err != nil {
			return nil, fmt.Errorf("create authenticated gauge: %w", err)
		}
		depth, err := meter.Int64ObservableGauge("jianwen_queue_depth",
			metric.WithDescription("Operations waiting in the auth operation queue."))
		if err != nil {
			return nil, fmt.Errorf("create queue depth gauge: %w", err)
		}
		exporter.authed, exporter.queueDepth = authed, depth
		observables = append(observables, authed, depth)
	}

	registration, err := meter.RegisterCallback(exporter.observe, observables...)
	if err != nil {
		return nil, fmt.Errorf("register callback: %w", err)
	}

	exporter.registration = registration
	return exporter, nil
}

func (e *OTelExporter) observe(_ context.Context, observer metric.Observer) error {
	snapshot := e.source.MetricsSnapshot()
	for _, c := range e.counters {
		observer.ObserveInt64(c.instrument, int64(snapshot.Counters[c.id]))
	}
	for _, h := range e.histograms {
		cumulative := internaldefs.CumulativeBuckets(internaldefs.NormalizeBuckets(snapshot.Histograms[h.id]))
		for i := range cumulative {
			observer.ObserveInt64(h.buckets[i], int64(cumulative[i]))
		}
		observer.ObserveInt64(h.count, int64(cumulative[len(cumulative)-1]))
	}
	observer.ObserveInt64(e.auditDropped, int64(e.source.AuditDropped()))

	if e.live != nil {
		var authed int64
		if e.live.State().IsAuthenticated {
			authed = 1
		}
		observer.ObserveInt64(e.authed, authed)
		observer.ObserveInt64(e.queueDepth, int64(e.live.QueueStats().Length))
	}
	return nil
}

// Close unregisters the collection callback.
func (e *OTelExporter) Close() error {
	if e == nil || e.registration == nil {
		return nil
	}
	return e.registration.Unregister()
}
