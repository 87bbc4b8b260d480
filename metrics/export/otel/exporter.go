package otel

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/metric"

	"github.com/tenauth/tenauth"
	"github.com/tenauth/tenauth/metrics/export/internaldefs"
)

var (
	ErrNilMeter  = errors.New("nil meter")
	ErrNilSource = errors.New("nil metrics source")
)

type metricsSource interface {
	MetricsSnapshot() tenauth.MetricsSnapshot
	AuditDropped() uint64
}

// counterGauge pairs an engine counter with its observable instrument.
type counterGauge struct {
	id  tenauth.MetricID
	obs metric.Int64ObservableCounter
}

// histogramGauges flattens one engine histogram into per-bound gauges plus a
// sample count, since async OTel instruments have no histogram kind.
type histogramGauges struct {
	id     tenauth.MetricID
	bounds []metric.Int64ObservableGauge
	count  metric.Int64ObservableGauge
}

// OTelExporter republishes engine metric snapshots through a caller-supplied
// Meter. Collection happens in the meter's callback, so the engine is only
// read when the OTel reader actually scrapes.
type OTelExporter struct {
	source       metricsSource
	counters     []counterGauge
	histograms   []histogramGauges
	auditDropped metric.Int64ObservableCounter
	registration metric.Registration
}

// NewOTelExporter registers the engine's metric set on meter.
func NewOTelExporter(meter metric.Meter, engine *tenauth.Engine) (*OTelExporter, error) {
	return NewOTelExporterFromSource(meter, engine)
}

// NewOTelExporterFromSource is NewOTelExporter for a custom snapshot source.
func NewOTelExporterFromSource(meter metric.Meter, source metricsSource) (*OTelExporter, error) {
	if meter == nil {
		return nil, ErrNilMeter
	}
	if source == nil {
		return nil, ErrNilSource
	}

	e := &OTelExporter{source: source}

	var observables []metric.Observable
	add := func(o metric.Observable) { observables = append(observables, o) }

	for _, def := range internaldefs.CounterDefs {
		obs, err := meter.Int64ObservableCounter(def.Name, metric.WithDescription(def.Help))
		if err != nil {
			return nil, fmt.Errorf("counter %s: %w", def.Name, err)
		}
		e.counters = append(e.counters, counterGauge{id: def.ID, obs: obs})
		add(obs)
	}

	for _, def := range internaldefs.HistogramDefs {
		hg := histogramGauges{id: def.ID}
		for _, suffix := range internaldefs.HistogramBoundSuffix {
			obs, err := meter.Int64ObservableGauge(
				def.Name+"_bucket_le_"+suffix,
				metric.WithDescription("Cumulative histogram bucket count."),
			)
			if err != nil {
				return nil, fmt.Errorf("histogram bucket %s[%s]: %w", def.Name, suffix, err)
			}
			hg.bounds = append(hg.bounds, obs)
			add(obs)
		}
		count, err := meter.Int64ObservableGauge(def.Name+"_count", metric.WithDescription("Histogram total sample count."))
		if err != nil {
			return nil, fmt.Errorf("histogram count %s: %w", def.Name, err)
		}
		hg.count = count
		add(count)
		e.histograms = append(e.histograms, hg)
	}

	dropped, err := meter.Int64ObservableCounter(
		"tenauth_audit_dropped_total",
		metric.WithDescription("Dropped audit events due to dispatcher backpressure."),
	)
	if err != nil {
		return nil, fmt.Errorf("audit dropped counter: %w", err)
	}
	e.auditDropped = dropped
	add(dropped)

	e.registration, err = meter.RegisterCallback(e.observe, observables...)
	if err != nil {
		return nil, fmt.Errorf("register callback: %w", err)
	}
	return e, nil
}

func (e *OTelExporter) observe(_ context.Context, observer metric.Observer) error {
	snapshot := e.source.MetricsSnapshot()

	for _, c := range e.counters {
		observer.ObserveInt64(c.obs, int64(snapshot.Counters[c.id]))
	}
	for _, hg := range e.histograms {
		cumulative := internaldefs.CumulativeBuckets(internaldefs.NormalizeBuckets(snapshot.Histograms[hg.id]))
		for i, v := range cumulative {
			observer.ObserveInt64(hg.bounds[i], int64(v))
		}
		observer.ObserveInt64(hg.count, int64(cumulative[len(cumulative)-1]))
	}
	observer.ObserveInt64(e.auditDropped, int64(e.source.AuditDropped()))
	return nil
}

// Close unregisters the collection callback.
func (e *OTelExporter) Close() error {
	if e == nil || e.registration == nil {
		return nil
	}
	return e.registration.Unregister()
}
