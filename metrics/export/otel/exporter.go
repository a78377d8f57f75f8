package otel

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	authflow "github.com/nub-live/authflow"
	"github.com/nub-live/authflow/metrics/export/internaldefs"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Instrument names. Counters share one instrument and differ by the
// "event" attribute; latency buckets differ by "le".
const (
	EventsName       = "authflow.events"
	LatencyName      = "authflow.latency.bucket"
	LatencyCountName = "authflow.latency.count"
	DroppedName      = "authflow.audit.dropped"

	EventKey     = attribute.Key("event")
	HistogramKey = attribute.Key("histogram")
	BoundKey     = attribute.Key("le")
)

var (
	ErrNilMeter  = errors.New("nil meter")
	ErrNilSource = errors.New("nil metrics source")
)

type metricsSource interface {
	MetricsSnapshot() authflow.MetricsSnapshot
	AuditDropped() uint64
}

// EventName strips the exposition decoration from a counter name:
// "authflow_sign_up_success_total" becomes "sign_up_success".
func EventName(name string) string {
	return strings.TrimSuffix(strings.TrimPrefix(name, "authflow_"), "_total")
}

type histogramSeries struct {
	id     authflow.MetricID
	total  attribute.Set
	bounds [8]attribute.Set
}

// Exporter publishes engine counters as observable instruments. Each
// collection reads one snapshot.
type Exporter struct {
	source       metricsSource
	registration metric.Registration

	events  metric.Int64ObservableCounter
	latency metric.Int64ObservableGauge
	count   metric.Int64ObservableGauge
	dropped metric.Int64ObservableCounter

	eventAttrs []attribute.Set
	series     []histogramSeries
}

func NewExporter(meter metric.Meter, engine *authflow.Engine) (*Exporter, error) {
	if engine == nil {
		return nil, ErrNilSource
	}
	return NewExporterFromSource(meter, engine)
}

func NewExporterFromSource(meter metric.Meter, source metricsSource) (*Exporter, error) {
	if meter == nil {
		return nil, ErrNilMeter
	}
	if source == nil {
		return nil, ErrNilSource
	}

	e := &Exporter{
		source:     source,
		eventAttrs: make([]attribute.Set, len(internaldefs.CounterDefs)),
		series:     make([]histogramSeries, len(internaldefs.HistogramDefs)),
	}
	for i, def := range internaldefs.CounterDefs {
		e.eventAttrs[i] = attribute.NewSet(EventKey.String(EventName(def.Name)))
	}
	for i, def := range internaldefs.HistogramDefs {
		name := HistogramKey.String(EventName(def.Name))
		s := histogramSeries{id: def.ID, total: attribute.NewSet(name)}
		for b := range s.bounds {
			le := "+Inf"
			if b < len(internaldefs.HistogramUpperBounds) {
				le = strconv.FormatFloat(internaldefs.HistogramUpperBounds[b], 'g', -1, 64)
			}
			s.bounds[b] = attribute.NewSet(name, BoundKey.String(le))
		}
		e.series[i] = s
	}

	var err error
	if e.events, err = meter.Int64ObservableCounter(EventsName,
		metric.WithDescription("Flow and observer outcomes by event."),
		metric.WithUnit("{event}")); err != nil {
		return nil, fmt.Errorf("create %s: %w", EventsName, err)
	}
	if e.latency, err = meter.Int64ObservableGauge(LatencyName,
		metric.WithDescription("Cumulative latency bucket counts by upper bound in seconds.")); err != nil {
		return nil, fmt.Errorf("create %s: %w", LatencyName, err)
	}
	if e.count, err = meter.Int64ObservableGauge(LatencyCountName,
		metric.WithDescription("Latency samples observed.")); err != nil {
		return nil, fmt.Errorf("create %s: %w", LatencyCountName, err)
	}
	if e.dropped, err = meter.Int64ObservableCounter(DroppedName,
		metric.WithDescription("Audit events dropped under dispatcher backpressure."),
		metric.WithUnit("{event}")); err != nil {
		return nil, fmt.Errorf("create %s: %w", DroppedName, err)
	}

	e.registration, err = meter.RegisterCallback(e.observe, e.events, e.latency, e.count, e.dropped)
	if err != nil {
		return nil, fmt.Errorf("register callback: %w", err)
	}
	return e, nil
}

func (e *Exporter) observe(_ context.Context, o metric.Observer) error {
	snap := e.source.MetricsSnapshot()

	// a disabled engine reports no counters at all
	if len(snap.Counters) > 0 {
		for i, def := range internaldefs.CounterDefs {
			o.ObserveInt64(e.events, int64(snap.Counters[def.ID]), metric.WithAttributeSet(e.eventAttrs[i]))
		}
	}
	for _, s := range e.series {
		raw, ok := snap.Histograms[s.id]
		if !ok {
			continue
		}
		cumulative := internaldefs.CumulativeBuckets(internaldefs.NormalizeBuckets(raw))
		for b, n := range cumulative {
			o.ObserveInt64(e.latency, int64(n), metric.WithAttributeSet(s.bounds[b]))
		}
		o.ObserveInt64(e.count, int64(cumulative[len(cumulative)-1]), metric.WithAttributeSet(s.total))
	}
	o.ObserveInt64(e.dropped, int64(e.source.AuditDropped()))
	return nil
}

func (e *Exporter) Close() error {
	if e == nil || e.registration == nil {
		return nil
	}
	return e.registration.Unregister()
}
