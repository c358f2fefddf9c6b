// Package telemetry registers the Prometheus counters and gauges that
// give the Thread Container's internal added/erased bookkeeping (and the
// processor's dispatch/purge outcomes) an external-facing home, plus the
// OpenTelemetry tracer the processor spans action execution with.
package telemetry

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Common attribute keys for processor spans.
var (
	AttrTransactionID = attribute.Key("pxp.transaction_id")
	AttrModule        = attribute.Key("pxp.module")
	AttrAction        = attribute.Key("pxp.action")
)

// StartActionSpan opens a span around one execute_action call, with the
// transaction id and module/action as attributes, the same shape the
// teacher's executor uses around VM invocations.
func StartActionSpan(ctx context.Context, transactionID, moduleName, actionName string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "pxp.execute_action",
		trace.WithAttributes(AttrTransactionID.String(transactionID), AttrModule.String(moduleName), AttrAction.String(actionName)),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// SetSpanError marks span as errored.
func SetSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanOK marks span as successful.
func SetSpanOK(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// Metrics bundles every collector this package registers. The zero value
// is not usable; construct with NewMetrics.
type Metrics struct {
	DispatchTotal   *prometheus.CounterVec
	ThreadsAdded    prometheus.Counter
	ThreadsErased   prometheus.Counter
	ThreadsLive     prometheus.Gauge
	SpoolPurged     prometheus.Counter
	CachePurged     prometheus.Counter
}

// NewMetrics constructs and registers every collector under namespace on
// reg (pass prometheus.DefaultRegisterer in production, a fresh
// prometheus.NewRegistry() in tests).
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	m := &Metrics{
		DispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_total",
			Help:      "Action dispatches by module, action and resulting status.",
		}, []string{"module", "action", "status"}),
		ThreadsAdded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "thread_container_added_total",
			Help:      "Non-blocking action workers ever spawned.",
		}),
		ThreadsErased: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "thread_container_erased_total",
			Help:      "Non-blocking action workers reaped after completion.",
		}),
		ThreadsLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "thread_container_live",
			Help:      "Non-blocking action workers currently tracked.",
		}),
		SpoolPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spool_purged_total",
			Help:      "Spool directories removed by the purge loop.",
		}),
		CachePurged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "module_cache_purged_total",
			Help:      "Module cache entries removed by the purge loop.",
		}),
	}
	reg.MustRegister(m.DispatchTotal, m.ThreadsAdded, m.ThreadsErased, m.ThreadsLive, m.SpoolPurged, m.CachePurged)
	return m
}

// ObserveThreadsLive sets the live-worker gauge to a point-in-time count.
func (m *Metrics) ObserveThreadsLive(live int) {
	m.ThreadsLive.Set(float64(live))
}

// RecordThreadAdded increments the cumulative spawned-worker counter.
func (m *Metrics) RecordThreadAdded() { m.ThreadsAdded.Inc() }

// RecordThreadErased increments the cumulative reaped-worker counter.
func (m *Metrics) RecordThreadErased() { m.ThreadsErased.Inc() }

// RecordDispatch records one completed action dispatch.
func (m *Metrics) RecordDispatch(moduleName, actionName, status string) {
	m.DispatchTotal.WithLabelValues(moduleName, actionName, status).Inc()
}

// RecordSpoolPurge adds count to the spool-purge counter.
func (m *Metrics) RecordSpoolPurge(count int) {
	if count > 0 {
		m.SpoolPurged.Add(float64(count))
	}
}

// RecordCachePurge adds count to the module-cache-purge counter.
func (m *Metrics) RecordCachePurge(count int) {
	if count > 0 {
		m.CachePurged.Add(float64(count))
	}
}

// Tracer returns the OpenTelemetry tracer the processor opens
// execute_action spans on, named after this agent's instrumentation
// scope.
func Tracer() trace.Tracer {
	return otel.Tracer("github.com/puppetlabs/pxp-agent/internal/processor")
}
