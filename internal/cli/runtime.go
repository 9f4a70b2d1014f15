package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/rocketbitz/fabricbench/cm"
)

// runtime carries the logger and telemetry hooks of one command invocation.
type runtime struct {
	log     *zap.SugaredLogger
	metrics cm.MetricHook
	tracer  cm.Tracer

	closers []func(context.Context) error
}

func newLogger(level, format string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	var cfg zap.Config
	switch format {
	case "json":
		cfg = zap.NewProductionConfig()
	case "console", "":
		cfg = zap.NewDevelopmentConfig()
	default:
		return nil, fmt.Errorf("log format %q: want console or json", format)
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

// newRuntime builds the logger plus the optional Prometheus endpoint and span
// logging. extra hooks are fanned out alongside Prometheus.
func newRuntime(o *options, extra ...cm.MetricHook) (*runtime, error) {
	logger, err := newLogger(o.logLevel, o.logFormat)
	if err != nil {
		return nil, err
	}
	rt := &runtime{log: logger.Sugar()}
	rt.closers = append(rt.closers, func(context.Context) error {
		// stderr sync fails on some terminals
		_ = logger.Sync()
		return nil
	})

	hooks := append([]cm.MetricHook(nil), extra...)
	if o.metricsAddr != "" {
		reg := prometheus.NewRegistry()
		prom, err := cm.NewPrometheusMetrics(cm.PrometheusMetricsOptions{Registerer: reg})
		if err != nil {
			return nil, multierr.Append(err, rt.close(context.Background()))
		}
		hooks = append(hooks, prom)
		if err := rt.serveMetrics(o.metricsAddr, reg); err != nil {
			return nil, multierr.Append(err, rt.close(context.Background()))
		}
	}
	rt.metrics = cm.MultiMetricHook(hooks...)

	if o.trace {
		tp := tracesdk.NewTracerProvider(tracesdk.WithSpanProcessor(&logSpanProcessor{log: rt.log}))
		rt.tracer = cm.NewOTelTracer(tp.Tracer("github.com/rocketbitz/fabricbench"))
		rt.closers = append(rt.closers, tp.Shutdown)
	}
	return rt, nil
}

func (rt *runtime) serveMetrics(addr string, reg *prometheus.Registry) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			rt.log.Warnw("metrics server stopped", "error", err)
		}
	}()
	rt.log.Infow("serving metrics", "addr", lis.Addr().String())
	rt.closers = append(rt.closers, srv.Shutdown)
	return nil
}

// close runs the closers in reverse order.
func (rt *runtime) close(ctx context.Context) error {
	var err error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, rt.closers[i](ctx))
	}
	rt.closers = nil
	return err
}

// logSpanProcessor writes every ended span to the debug log.
type logSpanProcessor struct {
	log *zap.SugaredLogger
}

var _ tracesdk.SpanProcessor = (*logSpanProcessor)(nil)

func (p *logSpanProcessor) OnStart(context.Context, tracesdk.ReadWriteSpan) {}

func (p *logSpanProcessor) OnEnd(s tracesdk.ReadOnlySpan) {
	events := make([]string, 0, len(s.Events()))
	for _, evt := range s.Events() {
		events = append(events, evt.Name)
	}
	p.log.Debugw("span",
		"name", s.Name(),
		"duration", s.EndTime().Sub(s.StartTime()),
		"status", s.Status().Code.String(),
		"events", events,
	)
}

func (p *logSpanProcessor) Shutdown(context.Context) error { return nil }

func (p *logSpanProcessor) ForceFlush(context.Context) error { return nil }
