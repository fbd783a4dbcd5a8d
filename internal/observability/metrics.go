package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds the service metrics, covering the four golden signals for
// HTTP, gov API calls, sync jobs and job event delivery.
type Metrics struct {
	meter metric.Meter

	// HTTP
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	// Gov API client
	GovAPICallDuration      metric.Float64Histogram
	GovAPICallsTotal        metric.Int64Counter
	CircuitTransitionsTotal metric.Int64Counter

	// Sync jobs
	JobsStartedTotal metric.Int64Counter
	JobAttemptsTotal metric.Int64Counter

	// Job event delivery
	NotifyDuration  metric.Float64Histogram
	NotifyDelivered metric.Int64Counter
	NotifyFailed    metric.Int64Counter
	NotifyDropped   metric.Int64Counter
	NotifyRequeued  metric.Int64Counter
	NotifyQueueSize metric.Int64Gauge
}

// CircuitCounts reports how many tenant circuits are in each state.
type CircuitCounts func() (closed, open, halfOpen int)

// NewMetrics creates all metrics behind a Prometheus exporter. The returned
// handler serves only this service's registry.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	registry := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	m := &Metrics{meter: provider.Meter("govsync")}
	if err := m.init(); err != nil {
		return nil, nil, err
	}
	return m, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), nil
}

func (m *Metrics) init() error {
	var err error
	meter := m.meter

	if m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	); err != nil {
		return err
	}
	if m.HTTPRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	); err != nil {
		return err
	}
	if m.HTTPErrorsTotal, err = meter.Int64Counter(
		"http_errors_total",
		metric.WithDescription("Total number of HTTP errors (4xx and 5xx)"),
	); err != nil {
		return err
	}

	if m.GovAPICallDuration, err = meter.Float64Histogram(
		"govapi_call_duration_seconds",
		metric.WithDescription("Gov API batch call latency in seconds, rejected calls included"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.005, 0.025, 0.1, 0.25, 0.5, 1, 2, 5),
	); err != nil {
		return err
	}
	if m.GovAPICallsTotal, err = meter.Int64Counter(
		"govapi_calls_total",
		metric.WithDescription("Gov API batch calls by outcome"),
	); err != nil {
		return err
	}
	if m.CircuitTransitionsTotal, err = meter.Int64Counter(
		"govapi_circuit_transitions_total",
		metric.WithDescription("Tenant circuit breaker state transitions"),
	); err != nil {
		return err
	}

	if m.JobsStartedTotal, err = meter.Int64Counter(
		"govsync_jobs_started_total",
		metric.WithDescription("Total number of sync jobs created"),
	); err != nil {
		return err
	}
	if m.JobAttemptsTotal, err = meter.Int64Counter(
		"govsync_job_attempts_total",
		metric.WithDescription("Processing attempts by resulting job status"),
	); err != nil {
		return err
	}

	if m.NotifyDuration, err = meter.Float64Histogram(
		"notify_duration_seconds",
		metric.WithDescription("Job event delivery latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	); err != nil {
		return err
	}
	if m.NotifyDelivered, err = meter.Int64Counter(
		"notify_delivered_total",
		metric.WithDescription("Total job events delivered"),
	); err != nil {
		return err
	}
	if m.NotifyFailed, err = meter.Int64Counter(
		"notify_failed_total",
		metric.WithDescription("Total job events failed after retries"),
	); err != nil {
		return err
	}
	if m.NotifyDropped, err = meter.Int64Counter(
		"notify_dropped_total",
		metric.WithDescription("Total job events dropped (buffer full or max requeues)"),
	); err != nil {
		return err
	}
	if m.NotifyRequeued, err = meter.Int64Counter(
		"notify_requeued_total",
		metric.WithDescription("Total job events requeued due to open circuit"),
	); err != nil {
		return err
	}
	m.NotifyQueueSize, err = meter.Int64Gauge(
		"notify_queue_size",
		metric.WithDescription("Current number of job events waiting for delivery"),
	)
	return err
}

// ObserveCircuits registers a gauge of tenant circuits per state, read from
// counts on every scrape.
func (m *Metrics) ObserveCircuits(counts CircuitCounts) error {
	_, err := m.meter.Int64ObservableGauge(
		"govapi_circuits",
		metric.WithDescription("Tenant circuit breakers by state"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			closed, open, halfOpen := counts()
			o.Observe(int64(closed), metric.WithAttributes(attribute.String("state", "CLOSED")))
			o.Observe(int64(open), metric.WithAttributes(attribute.String("state", "OPEN")))
			o.Observe(int64(halfOpen), metric.WithAttributes(attribute.String("state", "HALF_OPEN")))
			return nil
		}),
	)
	return err
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	attrs := metric.WithAttributes(
		methodAttr(method),
		pathAttr(path),
		statusAttr(statusCode),
	)

	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)

	if statusCode >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordGovAPICall records one batch call, including calls the breaker rejected.
func (m *Metrics) RecordGovAPICall(ctx context.Context, outcome string, durationSeconds float64) {
	attrs := WithOutcome(outcome)
	m.GovAPICallDuration.Record(ctx, durationSeconds, attrs)
	m.GovAPICallsTotal.Add(ctx, 1, attrs)
}

// RecordCircuitTransition records a tenant breaker changing state.
func (m *Metrics) RecordCircuitTransition(ctx context.Context, from, to string) {
	m.CircuitTransitionsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String(attrFrom, from),
		attribute.String(attrTo, to),
	))
}

// RecordJobStarted records a new sync job.
func (m *Metrics) RecordJobStarted(ctx context.Context) {
	m.JobsStartedTotal.Add(ctx, 1)
}

// RecordJobAttempt records a processing attempt by the job status it ended in.
func (m *Metrics) RecordJobAttempt(ctx context.Context, outcome string) {
	m.JobAttemptsTotal.Add(ctx, 1, WithOutcome(outcome))
}

// RecordNotifyDelivered records a delivered job event with its duration.
func (m *Metrics) RecordNotifyDelivered(ctx context.Context, durationSeconds float64) {
	m.NotifyDelivered.Add(ctx, 1)
	m.NotifyDuration.Record(ctx, durationSeconds)
}

func (m *Metrics) RecordNotifyFailed(ctx context.Context) {
	m.NotifyFailed.Add(ctx, 1)
}

func (m *Metrics) RecordNotifyDropped(ctx context.Context) {
	m.NotifyDropped.Add(ctx, 1)
}

func (m *Metrics) RecordNotifyRequeued(ctx context.Context) {
	m.NotifyRequeued.Add(ctx, 1)
}

func (m *Metrics) RecordNotifyQueueSize(ctx context.Context, size int64) {
	m.NotifyQueueSize.Record(ctx, size)
}
