package cm

import (
	"strings"
	"sync"
	"testing"
	"time"

	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	fi "github.com/rocketbitz/fabricbench/fi"
	"github.com/rocketbitz/fabricbench/fi/mock"
)

// newProvider registers a private mock provider so faults and listeners stay local to the test.
func newProvider(t *testing.T, caps uint64) *mock.Provider {
	t.Helper()
	p := mock.New("cm-"+strings.ReplaceAll(t.Name(), "/", "-"), caps)
	fi.Register(p)
	t.Cleanup(func() { fi.Deregister(p.Name()) })
	return p
}

func newObservedLogger() (*zap.SugaredLogger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)
	return logger.Sugar(), logs
}

func newTestTracerProvider() (*tracesdk.TracerProvider, *tracetest.SpanRecorder) {
	recorder := tracetest.NewSpanRecorder()
	tp := tracesdk.NewTracerProvider(tracesdk.WithSpanProcessor(recorder))
	return tp, recorder
}

func findLogEvent(logs *observer.ObservedLogs, event string) (map[string]any, bool) {
	for _, entry := range logs.All() {
		fields := entry.ContextMap()
		if evt, ok := fields["event"].(string); ok && evt == event {
			return fields, true
		}
	}
	return nil, false
}

func waitForLogEvent(logs *observer.ObservedLogs, event string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if _, ok := findLogEvent(logs, event); ok {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func spanNamed(recorder *tracetest.SpanRecorder, name string) (tracesdk.ReadOnlySpan, bool) {
	for _, span := range recorder.Ended() {
		if span.Name() == name {
			return span, true
		}
	}
	return nil, false
}

type metricRecorder struct {
	mu               sync.Mutex
	listenerStarted  int
	listenerStopped  []string
	connectCompleted int
	connectFailed    []string
	acceptCompleted  int
	acceptFailed     []string
}

var _ MetricHook = (*metricRecorder)(nil)

func (m *metricRecorder) ListenerStarted(_ map[string]string) {
	m.mu.Lock()
	m.listenerStarted++
	m.mu.Unlock()
}

func (m *metricRecorder) ListenerStopped(attrs map[string]string) {
	m.mu.Lock()
	m.listenerStopped = append(m.listenerStopped, attrs[labelReason])
	m.mu.Unlock()
}

func (m *metricRecorder) ConnectCompleted(_ map[string]string) {
	m.mu.Lock()
	m.connectCompleted++
	m.mu.Unlock()
}

func (m *metricRecorder) ConnectFailed(_ error, attrs map[string]string) {
	m.mu.Lock()
	m.connectFailed = append(m.connectFailed, attrs[labelReason])
	m.mu.Unlock()
}

func (m *metricRecorder) AcceptCompleted(_ map[string]string) {
	m.mu.Lock()
	m.acceptCompleted++
	m.mu.Unlock()
}

func (m *metricRecorder) AcceptFailed(_ error, attrs map[string]string) {
	m.mu.Lock()
	m.acceptFailed = append(m.acceptFailed, attrs[labelReason])
	m.mu.Unlock()
}

func (m *metricRecorder) snapshot() metricSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return metricSnapshot{
		ListenerStarted:  m.listenerStarted,
		ListenerStopped:  append([]string(nil), m.listenerStopped...),
		ConnectCompleted: m.connectCompleted,
		ConnectFailed:    append([]string(nil), m.connectFailed...),
		AcceptCompleted:  m.acceptCompleted,
		AcceptFailed:     append([]string(nil), m.acceptFailed...),
	}
}

type metricSnapshot struct {
	ListenerStarted  int
	ListenerStopped  []string
	ConnectCompleted int
	ConnectFailed    []string
	AcceptCompleted  int
	AcceptFailed     []string
}
