package metrics

import (
	"ai-browser-control/pkg/logg"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	collectorName = "MetricsCollector"
	namespace     = "agent"

	OutcomeSuccess = "success"
	OutcomeError   = "error"
)

// Collector records agent run metrics. A nil *Collector is valid and records nothing.
type Collector struct {
	registry *prometheus.Registry
	logger   *zap.Logger

	runsTotal             *prometheus.CounterVec
	actionsTotal          *prometheus.CounterVec
	parseErrorsTotal      *prometheus.CounterVec
	providerRequestsTotal *prometheus.CounterVec
	providerLatency       *prometheus.HistogramVec
	providerFallbacks     prometheus.Counter
}

type Params struct {
	fx.In

	Logger *zap.Logger
}

func NewCollector(params Params) *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	factory := promauto.With(reg)

	return &Collector{
		registry: reg,
		logger:   params.Logger.With(zap.String(logg.Layer, collectorName)),
		runsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Agent runs by terminal state.",
		}, []string{"state"}),
		actionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_total",
			Help:      "Actions executed against the page by kind.",
		}, []string{"kind"}),
		parseErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "parse_errors_total",
			Help:      "Rejected model responses by parse error kind.",
		}, []string{"kind"}),
		providerRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_requests_total",
			Help:      "Plan provider calls by provider and outcome.",
		}, []string{"provider", "outcome"}),
		providerLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_latency_seconds",
			Help:      "Plan provider round-trip latency.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider"}),
		providerFallbacks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_fallbacks_total",
			Help:      "Runs that fell back from the local to the remote provider.",
		}),
	}
}

func (c *Collector) RecordRun(state string) {
	if c == nil {
		return
	}

	c.runsTotal.WithLabelValues(state).Inc()
}

func (c *Collector) RecordAction(kind string) {
	if c == nil {
		return
	}

	c.actionsTotal.WithLabelValues(kind).Inc()
}

func (c *Collector) RecordParseError(kind string) {
	if c == nil {
		return
	}

	c.parseErrorsTotal.WithLabelValues(kind).Inc()
}

func (c *Collector) RecordProviderRequest(provider string, latency time.Duration, err error) {
	if c == nil {
		return
	}

	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeError
	}

	c.providerRequestsTotal.WithLabelValues(provider, outcome).Inc()
	c.providerLatency.WithLabelValues(provider).Observe(latency.Seconds())
}

func (c *Collector) RecordFallback() {
	if c == nil {
		return
	}

	c.providerFallbacks.Inc()
}

// Handler serves the collector's registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		ErrorLog: zap.NewStdLog(c.logger),
	})
}
