package cm

import "github.com/prometheus/client_golang/prometheus"

// PrometheusMetricsOptions configures NewPrometheusMetrics.
type PrometheusMetricsOptions struct {
	Registerer  prometheus.Registerer
	Namespace   string
	Subsystem   string
	ConstLabels prometheus.Labels
}

var _ MetricHook = (*PrometheusMetrics)(nil)

// PrometheusMetrics implements MetricHook using Prometheus counters.
type PrometheusMetrics struct {
	listenerStarted  *prometheus.CounterVec
	listenerStopped  *prometheus.CounterVec
	connectCompleted *prometheus.CounterVec
	connectFailed    *prometheus.CounterVec
	acceptCompleted  *prometheus.CounterVec
	acceptFailed     *prometheus.CounterVec
}

// NewPrometheusMetrics constructs a MetricHook backed by Prometheus counters.
// Registering twice against the same registerer reuses the existing collectors.
func NewPrometheusMetrics(opts PrometheusMetricsOptions) (*PrometheusMetrics, error) {
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	counter := func(name, help string, keys []string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: opts.ConstLabels,
		}, keys)
	}

	p := &PrometheusMetrics{
		listenerStarted:  counter("fabricbench_cm_listener_started_total", "Number of listeners that reached LISTENING", baseLabelKeys),
		listenerStopped:  counter("fabricbench_cm_listener_stopped_total", "Number of accept loops that ended", reasonLabelKeys),
		connectCompleted: counter("fabricbench_cm_connect_completed_total", "Number of client connections that reached CONNECTED", baseLabelKeys),
		connectFailed:    counter("fabricbench_cm_connect_failed_total", "Number of client connection attempts that failed", reasonLabelKeys),
		acceptCompleted:  counter("fabricbench_cm_accept_completed_total", "Number of peers accepted into the registry", baseLabelKeys),
		acceptFailed:     counter("fabricbench_cm_accept_failed_total", "Number of fatal accept failures", reasonLabelKeys),
	}

	var err error
	for _, vec := range []**prometheus.CounterVec{
		&p.listenerStarted, &p.listenerStopped,
		&p.connectCompleted, &p.connectFailed,
		&p.acceptCompleted, &p.acceptFailed,
	} {
		if *vec, err = registerCounterVec(reg, *vec); err != nil {
			return nil, err
		}
	}
	return p, nil
}

var (
	baseLabelKeys   = []string{labelEndpointType, labelProvider, labelNode, labelService}
	reasonLabelKeys = []string{labelEndpointType, labelProvider, labelNode, labelService, labelReason}
)

func (p *PrometheusMetrics) ListenerStarted(attrs map[string]string) {
	p.listenerStarted.With(labels(attrs, baseLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) ListenerStopped(attrs map[string]string) {
	p.listenerStopped.With(labels(attrs, reasonLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) ConnectCompleted(attrs map[string]string) {
	p.connectCompleted.With(labels(attrs, baseLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) ConnectFailed(err error, attrs map[string]string) {
	labs := labels(attrs, reasonLabelKeys...)
	if labs[labelReason] == "" {
		labs[labelReason] = Reason(err)
	}
	p.connectFailed.With(labs).Inc()
}

func (p *PrometheusMetrics) AcceptCompleted(attrs map[string]string) {
	p.acceptCompleted.With(labels(attrs, baseLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) AcceptFailed(err error, attrs map[string]string) {
	labs := labels(attrs, reasonLabelKeys...)
	if labs[labelReason] == "" {
		labs[labelReason] = Reason(err)
	}
	p.acceptFailed.With(labs).Inc()
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return vec, nil
}

func labels(attrs map[string]string, keys ...string) prometheus.Labels {
	labs := make(prometheus.Labels, len(keys))
	for _, key := range keys {
		labs[key] = attrs[key]
	}
	return labs
}
