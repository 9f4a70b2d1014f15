package cm

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	fi "github.com/rocketbitz/fabricbench/fi"
)

func TestOTelMetricsCounters(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	metrics, err := NewOTelMetrics(OTelMetricsOptions{MeterProvider: provider})
	if err != nil {
		t.Fatalf("NewOTelMetrics: %v", err)
	}

	base := map[string]string{
		labelEndpointType: "msg",
		labelProvider:     "mock-rdma",
		labelNode:         "127.0.0.1",
		labelService:      "9999",
	}
	metrics.ListenerStarted(base)
	metrics.ListenerStopped(base)
	metrics.ConnectCompleted(base)
	metrics.ConnectFailed(fi.ErrNoProviderMatch, base)
	metrics.AcceptCompleted(base)
	metrics.AcceptFailed(fi.ErrUnexpectedEvent, base)

	ctx := context.Background()
	if err := provider.ForceFlush(ctx); err != nil {
		t.Fatalf("ForceFlush: %v", err)
	}
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}

	cases := map[string]float64{
		"fabricbench.cm.listener.started":  1,
		"fabricbench.cm.listener.stopped":  1,
		"fabricbench.cm.connect.completed": 1,
		"fabricbench.cm.connect.failed":    1,
		"fabricbench.cm.accept.completed":  1,
		"fabricbench.cm.accept.failed":     1,
	}
	for name, want := range cases {
		if got := otelCounterValue(rm, name); got != want {
			t.Fatalf("unexpected counter %s: got %v want %v", name, got, want)
		}
	}
	if got := otelReason(rm, "fabricbench.cm.connect.failed"); got != "no_provider_match" {
		t.Fatalf("unexpected reason attribute %q", got)
	}

	if err := provider.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func otelCounterValue(rm metricdata.ResourceMetrics, name string) float64 {
	for _, scope := range rm.ScopeMetrics {
		for _, metric := range scope.Metrics {
			if metric.Name != name {
				continue
			}
			switch data := metric.Data.(type) {
			case metricdata.Sum[int64]:
				var sum float64
				for _, dp := range data.DataPoints {
					sum += float64(dp.Value)
				}
				return sum
			}
		}
	}
	return 0
}

func otelReason(rm metricdata.ResourceMetrics, name string) string {
	for _, scope := range rm.ScopeMetrics {
		for _, metric := range scope.Metrics {
			if metric.Name != name {
				continue
			}
			if data, ok := metric.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range data.DataPoints {
					if v, ok := dp.Attributes.Value(attribute.Key(labelReason)); ok {
						return v.AsString()
					}
				}
			}
		}
	}
	return ""
}
