package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestNewMetricsRegistersAllCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "pxp_agent_test")

	m.RecordThreadAdded()
	m.RecordThreadErased()
	m.ObserveThreadsLive(3)
	m.RecordDispatch("echo", "echo", "success")
	m.RecordSpoolPurge(2)
	m.RecordCachePurge(0)

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	if len(families) == 0 {
		t.Fatal("expected registered collectors to gather at least one metric family")
	}

	if got := counterValue(t, families, "pxp_agent_test_module_cache_purged_total"); got != 0 {
		t.Errorf("RecordCachePurge(0) should be a no-op, got total %v", got)
	}
	if got := counterValue(t, families, "pxp_agent_test_spool_purged_total"); got != 2 {
		t.Errorf("spool_purged_total = %v, want 2", got)
	}
}

func counterValue(t *testing.T, families []*dto.MetricFamily, name string) float64 {
	t.Helper()
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		if len(f.Metric) == 0 {
			return 0
		}
		return f.Metric[0].GetCounter().GetValue()
	}
	return 0
}

func TestSpanHelpersSetStatus(t *testing.T) {
	ctx, span := StartActionSpan(context.Background(), "txn-1", "echo", "echo")
	if ctx == nil || span == nil {
		t.Fatal("expected a non-nil context and span")
	}
	SetSpanOK(span)
	SetSpanError(span, errors.New("boom"))
	span.End()
}
