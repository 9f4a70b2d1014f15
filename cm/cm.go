// Package cm drives connection establishment over fi: the client connect
// sequence, the server listen and accept sequence, and the registry of
// accepted peers.
package cm

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"

	fi "github.com/rocketbitz/fabricbench/fi"
)

// Logger provides debug logging hooks.
type Logger interface {
	Debugf(format string, args ...any)
}

// StructuredLogger emits key/value pairs for structured logging backends.
type StructuredLogger interface {
	Debugw(msg string, keyvals ...any)
}

// TraceAttribute represents a tracing attribute attached to spans or events.
type TraceAttribute struct {
	Key   string
	Value any
}

// Tracer starts spans that wrap connect and accept sequences.
type Tracer interface {
	StartSpan(name string, attrs ...TraceAttribute) Span
}

// Span records lifecycle, events and errors for tracing systems.
type Span interface {
	End(err error)
	AddEvent(name string, attrs ...TraceAttribute)
	RecordError(err error)
}

// MetricHook captures connection-management telemetry.
type MetricHook interface {
	ListenerStarted(attrs map[string]string)
	ListenerStopped(attrs map[string]string)
	ConnectCompleted(attrs map[string]string)
	ConnectFailed(err error, attrs map[string]string)
	AcceptCompleted(attrs map[string]string)
	AcceptFailed(err error, attrs map[string]string)
}

const (
	labelEndpointType = "endpoint_type"
	labelProvider     = "provider"
	labelNode         = "node"
	labelService      = "service"
	labelReason       = "reason"
)

type logField struct {
	key   string
	value any
}

func logKV(key string, value any) logField {
	return logField{key: key, value: value}
}

// telemetry bundles the optional hooks shared by Conn and Listener.
type telemetry struct {
	component  string
	logger     Logger
	structured StructuredLogger
	tracer     Tracer
	metrics    MetricHook
	base       map[string]string
}

func newTelemetry(component string, logger Logger, structured StructuredLogger, tracer Tracer, metrics MetricHook, base map[string]string) telemetry {
	if structured == nil {
		if s, ok := logger.(StructuredLogger); ok {
			structured = s
		}
	}
	return telemetry{
		component:  component,
		logger:     logger,
		structured: structured,
		tracer:     tracer,
		metrics:    metrics,
		base:       base,
	}
}

func baseAttrs(provider string, ep fi.EndpointType, node string, port int) map[string]string {
	return map[string]string{
		labelEndpointType: ep.String(),
		labelProvider:     provider,
		labelNode:         node,
		labelService:      fmt.Sprint(port),
	}
}

func (t *telemetry) metricAttrs(fields ...logField) map[string]string {
	attrs := make(map[string]string, len(t.base)+len(fields))
	for k, v := range t.base {
		attrs[k] = v
	}
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		attrs[field.key] = fmt.Sprint(field.value)
	}
	return attrs
}

func (t *telemetry) logEvent(event string, fields ...logField) {
	if t.structured != nil {
		kv := make([]any, 0, len(fields)*2+2)
		kv = append(kv, "event", event)
		for _, field := range fields {
			if field.key == "" {
				continue
			}
			kv = append(kv, field.key, field.value)
		}
		t.structured.Debugw("fabricbench "+t.component, kv...)
		return
	}
	if t.logger == nil {
		return
	}
	var b strings.Builder
	b.WriteString(event)
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		b.WriteString(" ")
		b.WriteString(field.key)
		b.WriteString("=")
		b.WriteString(fmt.Sprint(field.value))
	}
	t.logger.Debugf("%s %s", t.component, b.String())
}

func (t *telemetry) startSpan(name string) Span {
	if t.tracer == nil {
		return nil
	}
	attrs := []TraceAttribute{{Key: "component", Value: "fabricbench-" + t.component}}
	for _, key := range []string{labelEndpointType, labelProvider, labelNode, labelService} {
		if v := t.base[key]; v != "" {
			attrs = append(attrs, TraceAttribute{Key: key, Value: v})
		}
	}
	return t.tracer.StartSpan(name, attrs...)
}

func spanAddEvent(span Span, name string, fields ...logField) {
	if span == nil {
		return
	}
	span.AddEvent(name, attributesFromFields(fields...)...)
}

func spanEnd(span Span, err error) {
	if span == nil {
		return
	}
	span.End(err)
}

func attributesFromFields(fields ...logField) []TraceAttribute {
	if len(fields) == 0 {
		return nil
	}
	attrs := make([]TraceAttribute, 0, len(fields))
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		attrs = append(attrs, TraceAttribute{Key: field.key, Value: field.value})
	}
	return attrs
}

var reasons = []struct {
	err  error
	name string
}{
	{fi.ErrNoProviderMatch, "no_provider_match"},
	{fi.ErrInvalidAddress, "invalid_address"},
	{fi.ErrFabricOpenFailed, "fabric_open_failed"},
	{fi.ErrDomainOpenFailed, "domain_open_failed"},
	{fi.ErrEndpointCreateFailed, "endpoint_create_failed"},
	{fi.ErrQueueBindFailed, "queue_bind_failed"},
	{fi.ErrRegistrationFailed, "registration_failed"},
	{fi.ErrEnableFailed, "enable_failed"},
	{fi.ErrUnexpectedConnectionEvent, "unexpected_connection_event"},
	{fi.ErrUnexpectedEvent, "unexpected_event"},
	{fi.ErrConnectionFailed, "connection_failed"},
	{fi.ErrClosed, "closed"},
	{context.Canceled, "canceled"},
	{context.DeadlineExceeded, "deadline_exceeded"},
}

// DescribeRDMA renders the capability line logged by each role, for example
// "127.0.0.1 mock-rdma supports RDMA".
func DescribeRDMA(addr netip.AddrPort, info fi.Info) string {
	if info.SupportsRMA() {
		return fmt.Sprintf("%s %s supports RDMA", addr.Addr(), info.Provider)
	}
	return fmt.Sprintf("%s %s does NOT support RDMA", addr.Addr(), info.Provider)
}

// Reason maps an error to a short label suitable for metrics.
func Reason(err error) string {
	if err == nil {
		return "ok"
	}
	for _, r := range reasons {
		if errors.Is(err, r.err) {
			return r.name
		}
	}
	return "other"
}

// IsShutdown reports whether err marks an orderly stop: the listener was
// closed or its context cancelled.
func IsShutdown(err error) bool {
	return errors.Is(err, fi.ErrClosed) || errors.Is(err, context.Canceled)
}
