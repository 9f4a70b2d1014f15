package cm

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMetricsOptions configures NewOTelMetrics.
type OTelMetricsOptions struct {
	MeterProvider          metric.MeterProvider
	Meter                  metric.Meter
	InstrumentationName    string
	InstrumentationVersion string
}

var _ MetricHook = (*OTelMetrics)(nil)

// OTelMetrics implements MetricHook using OpenTelemetry counters.
type OTelMetrics struct {
	meter            metric.Meter
	listenerStarted  metric.Int64Counter
	listenerStopped  metric.Int64Counter
	connectCompleted metric.Int64Counter
	connectFailed    metric.Int64Counter
	acceptCompleted  metric.Int64Counter
	acceptFailed     metric.Int64Counter
}

// NewOTelMetrics constructs a MetricHook that emits OpenTelemetry counter measurements.
func NewOTelMetrics(opts OTelMetricsOptions) (*OTelMetrics, error) {
	meter := opts.Meter
	if meter == nil {
		provider := opts.MeterProvider
		if provider == nil {
			provider = otel.GetMeterProvider()
		}
		name := opts.InstrumentationName
		if name == "" {
			name = "github.com/rocketbitz/fabricbench/cm"
		}
		meter = provider.Meter(name, metric.WithInstrumentationVersion(opts.InstrumentationVersion))
	}

	o := &OTelMetrics{meter: meter}
	counters := []struct {
		dst  *metric.Int64Counter
		name string
	}{
		{&o.listenerStarted, "fabricbench.cm.listener.started"},
		{&o.listenerStopped, "fabricbench.cm.listener.stopped"},
		{&o.connectCompleted, "fabricbench.cm.connect.completed"},
		{&o.connectFailed, "fabricbench.cm.connect.failed"},
		{&o.acceptCompleted, "fabricbench.cm.accept.completed"},
		{&o.acceptFailed, "fabricbench.cm.accept.failed"},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name)
		if err != nil {
			return nil, err
		}
		*c.dst = counter
	}
	return o, nil
}

// ListenerStarted records a listener reaching LISTENING.
func (o *OTelMetrics) ListenerStarted(attrs map[string]string) {
	o.listenerStarted.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

// ListenerStopped records the end of an accept loop.
func (o *OTelMetrics) ListenerStopped(attrs map[string]string) {
	o.listenerStopped.Add(context.Background(), 1, metric.WithAttributes(otelAttrsWithReason(attrs, nil)...))
}

// ConnectCompleted records a client connection reaching CONNECTED.
func (o *OTelMetrics) ConnectCompleted(attrs map[string]string) {
	o.connectCompleted.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

// ConnectFailed records a failed connection attempt.
func (o *OTelMetrics) ConnectFailed(err error, attrs map[string]string) {
	o.connectFailed.Add(context.Background(), 1, metric.WithAttributes(otelAttrsWithReason(attrs, err)...))
}

// AcceptCompleted records a peer appended to the registry.
func (o *OTelMetrics) AcceptCompleted(attrs map[string]string) {
	o.acceptCompleted.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

// AcceptFailed records a fatal accept failure.
func (o *OTelMetrics) AcceptFailed(err error, attrs map[string]string) {
	o.acceptFailed.Add(context.Background(), 1, metric.WithAttributes(otelAttrsWithReason(attrs, err)...))
}

func otelAttrs(attrs map[string]string) []attribute.KeyValue {
	kvs := []attribute.KeyValue{
		attribute.String(labelEndpointType, attrs[labelEndpointType]),
		attribute.String(labelProvider, attrs[labelProvider]),
	}
	if v := attrs[labelNode]; v != "" {
		kvs = append(kvs, attribute.String(labelNode, v))
	}
	if v := attrs[labelService]; v != "" {
		kvs = append(kvs, attribute.String(labelService, v))
	}
	return kvs
}

func otelAttrsWithReason(attrs map[string]string, err error) []attribute.KeyValue {
	kvs := otelAttrs(attrs)
	reason := attrs[labelReason]
	if reason == "" {
		reason = Reason(err)
	}
	return append(kvs, attribute.String(labelReason, reason))
}
