package observability

import (
	"net/http"

	"github.com/Zhima-Mochi/creatorpay/internal/infrastructure/observability/oteltrace"
	"github.com/Zhima-Mochi/creatorpay/internal/infrastructure/observability/prometrics"
	"github.com/Zhima-Mochi/creatorpay/internal/infrastructure/observability/zaplogger"
	"github.com/Zhima-Mochi/creatorpay/internal/observability"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type Options struct {
	ServiceName string
	// Namespace prefixes every metric name, e.g. "creatorpay".
	Namespace string
	Logger    *zap.Logger
	// SkipRuntimeCollectors leaves the Go and process collectors off the registry.
	SkipRuntimeCollectors bool
}

// Telemetry is the checkout service's telemetry stack: an OpenTelemetry
// tracer, the zap logger and a private Prometheus registry carrying the
// checkout metric set.
type Telemetry struct {
	registry *prometheus.Registry
	tracer   observability.Tracer
	logger   observability.Logger
	metrics  *checkoutMetrics
}

type checkoutMetrics struct {
	counters   map[observability.MetricKey]observability.Counter
	histograms map[observability.MetricKey]observability.Histogram
}

func (m *checkoutMetrics) Counter(name observability.MetricKey) observability.Counter {
	if c, ok := m.counters[name]; ok {
		return c
	}
	return observability.NopCounter()
}

func (m *checkoutMetrics) Histogram(name observability.MetricKey) observability.Histogram {
	if h, ok := m.histograms[name]; ok {
		return h
	}
	return observability.NopHistogram()
}

func New(opts Options) *Telemetry {
	reg := prometheus.NewRegistry()
	if !opts.SkipRuntimeCollectors {
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	var logger observability.Logger = observability.NopLogger()
	if opts.Logger != nil {
		logger = zaplogger.Wrap(opts.Logger)
	}

	return &Telemetry{
		registry: reg,
		tracer:   oteltrace.New(opts.ServiceName),
		logger:   logger,
		metrics:  registerCheckoutMetrics(prometrics.New(reg, opts.Namespace, "")),
	}
}

// registerCheckoutMetrics creates every instrument the use cases, the poll
// loop, the provider client and the HTTP layer look up by key. Keys outside
// this set resolve to no-op instruments.
func registerCheckoutMetrics(r prometrics.Registry) *checkoutMetrics {
	return &checkoutMetrics{
		counters: map[observability.MetricKey]observability.Counter{
			observability.MUsecaseRequests:  r.Counter(string(observability.MUsecaseRequests), "Checkout, token and fulfillment use case invocations.", "use_case", "outcome"),
			observability.MHTTPRequests:     r.Counter(string(observability.MHTTPRequests), "Checkout API requests.", "method", "route", "status"),
			observability.MExternalRequests: r.Counter(string(observability.MExternalRequests), "Calls to the payment provider and the creator notifier.", "peer", "endpoint", "outcome"),
			observability.MPollQueries:      r.Counter(string(observability.MPollQueries), "Deposit status queries by result.", "result"),
			observability.MCheckoutOutcomes: r.Counter(string(observability.MCheckoutOutcomes), "Checkout poll cycles by terminal state.", "state"),
		},
		histograms: map[observability.MetricKey]observability.Histogram{
			observability.MUsecaseDuration:         r.Histogram(string(observability.MUsecaseDuration), "Use case latency in seconds.", prometheus.DefBuckets, "use_case"),
			observability.MHTTPRequestDuration:     r.Histogram(string(observability.MHTTPRequestDuration), "Checkout API latency in seconds.", prometheus.DefBuckets, "method", "route", "status"),
			observability.MExternalRequestDuration: r.Histogram(string(observability.MExternalRequestDuration), "Provider and notifier call latency in seconds.", prometheus.DefBuckets, "peer", "endpoint"),
		},
	}
}

func (t *Telemetry) Tracer() observability.Tracer   { return t.tracer }
func (t *Telemetry) Logger() observability.Logger   { return t.logger }
func (t *Telemetry) Metrics() observability.Metrics { return t.metrics }

// Registry is exposed for tests that gather the collected series.
func (t *Telemetry) Registry() *prometheus.Registry { return t.registry }

// MetricsHandler serves the registry in the Prometheus exposition format.
func (t *Telemetry) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{Registry: t.registry})
}
