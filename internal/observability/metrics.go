package observability

import (
	"context"
	"net/http"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds all application metrics implementing the golden 4 signals:
// - Latency: How long requests/jobs take
// - Traffic: Request/job throughput
// - Errors: Rate of failures and compensations
// - Saturation: Active jobs and scheduler queue depth
type Metrics struct {
	meter metric.Meter

	// HTTP metrics (Latency, Traffic, Errors)
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	// Job metrics (Latency, Traffic, Errors, Saturation)
	JobDuration       metric.Float64Histogram
	JobsTotal         metric.Int64Counter
	JobsFinished      metric.Int64Counter
	JobsActive        metric.Int64UpDownCounter
	StepRetries       metric.Int64Counter
	Compensations     metric.Int64Counter
	CallbackPanics    metric.Int64Counter
	ExecutionDuration metric.Float64Histogram
	QueueSize         metric.Int64Gauge

	// Progress webhook metrics
	WebhookDuration  metric.Float64Histogram
	WebhookDelivered metric.Int64Counter
	WebhookFailed    metric.Int64Counter
	WebhookDropped   metric.Int64Counter
}

// NewMetrics creates all metrics on a dedicated Prometheus registry and
// returns the handler serving it.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	registry := promclient.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter("fastsdk-jobs")
	m := &Metrics{meter: meter}

	b := builder{meter: meter}

	m.HTTPRequestDuration = b.histogram("http_request_duration_seconds", "HTTP request latency in seconds",
		0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10)
	m.HTTPRequestsTotal = b.counter("http_requests_total", "Total number of HTTP requests")
	m.HTTPErrorsTotal = b.counter("http_errors_total", "Total number of HTTP errors (4xx and 5xx)")

	m.JobDuration = b.histogram("job_duration_seconds", "Time from submission to final state in seconds",
		0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600)
	m.JobsTotal = b.counter("jobs_total", "Total number of jobs created")
	m.JobsFinished = b.counter("jobs_finished_total", "Total number of jobs that reached a final state")
	m.JobsActive = b.upDownCounter("jobs_active", "Number of jobs not yet in a final state (saturation)")
	m.StepRetries = b.counter("job_step_retries_total", "Total number of retried step attempts")
	m.Compensations = b.counter("job_compensations_total", "Total number of compensation actions run")
	m.CallbackPanics = b.counter("job_callback_panics_total", "Total number of panics recovered from subscriber callbacks")
	m.ExecutionDuration = b.histogram("async_execution_duration_seconds", "Scheduler execution time in seconds",
		0.01, 0.1, 0.5, 1, 5, 10, 30, 60, 300, 900)
	m.QueueSize = b.gauge("async_queue_size", "Executions waiting for a worker (saturation)")

	m.WebhookDuration = b.histogram("webhook_duration_seconds", "Progress webhook delivery latency in seconds",
		0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10)
	m.WebhookDelivered = b.counter("webhook_delivered_total", "Total progress updates delivered")
	m.WebhookFailed = b.counter("webhook_failed_total", "Total progress updates failed after retries")
	m.WebhookDropped = b.counter("webhook_dropped_total", "Total progress updates dropped (buffer full or circuit open)")

	if b.err != nil {
		return nil, nil, b.err
	}
	return m, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), nil
}

// builder creates instruments and keeps the first error.
type builder struct {
	meter metric.Meter
	err   error
}

func (b *builder) counter(name, description string) metric.Int64Counter {
	c, err := b.meter.Int64Counter(name, metric.WithDescription(description))
	b.keep(err)
	return c
}

func (b *builder) upDownCounter(name, description string) metric.Int64UpDownCounter {
	c, err := b.meter.Int64UpDownCounter(name, metric.WithDescription(description))
	b.keep(err)
	return c
}

func (b *builder) gauge(name, description string) metric.Int64Gauge {
	g, err := b.meter.Int64Gauge(name, metric.WithDescription(description))
	b.keep(err)
	return g
}

func (b *builder) histogram(name, description string, buckets ...float64) metric.Float64Histogram {
	h, err := b.meter.Float64Histogram(name,
		metric.WithDescription(description),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(buckets...),
	)
	b.keep(err)
	return h
}

func (b *builder) keep(err error) {
	if b.err == nil {
		b.err = err
	}
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

// RecordJobSubmitted records a new job being created.
func (m *Metrics) RecordJobSubmitted(ctx context.Context, service, endpoint string) {
	attrs := WithService(service, endpoint)
	m.JobsTotal.Add(ctx, 1, attrs)
	m.JobsActive.Add(ctx, 1, attrs)
}

// RecordJobFinished records a job reaching a final state.
func (m *Metrics) RecordJobFinished(ctx context.Context, service, endpoint, state string, durationSeconds float64) {
	attrs := metric.WithAttributes(serviceAttr(service), endpointAttr(endpoint), stateAttr(state))
	m.JobDuration.Record(ctx, durationSeconds, attrs)
	m.JobsFinished.Add(ctx, 1, attrs)
	m.JobsActive.Add(ctx, -1, WithService(service, endpoint))
}

// RecordStepRetry records a step attempt being retried.
func (m *Metrics) RecordStepRetry(ctx context.Context, step string) {
	m.StepRetries.Add(ctx, 1, metric.WithAttributes(stepAttr(step)))
}

// RecordCompensation records one compensation action.
func (m *Metrics) RecordCompensation(ctx context.Context, step string, success bool) {
	m.Compensations.Add(ctx, 1, metric.WithAttributes(stepAttr(step), successAttr(success)))
}

// RecordCallbackPanic records a panic recovered from a subscriber.
func (m *Metrics) RecordCallbackPanic(ctx context.Context) {
	m.CallbackPanics.Add(ctx, 1)
}

// RecordAsyncJobFinished records a scheduler execution ending.
func (m *Metrics) RecordAsyncJobFinished(ctx context.Context, status string, durationSeconds float64) {
	m.ExecutionDuration.Record(ctx, durationSeconds, WithState(status))
}

// RecordAsyncQueueSize records the scheduler queue depth.
func (m *Metrics) RecordAsyncQueueSize(ctx context.Context, size int64) {
	m.QueueSize.Record(ctx, size)
}

// RecordWebhookDelivered records a delivered progress update with its duration.
func (m *Metrics) RecordWebhookDelivered(ctx context.Context, durationSeconds float64) {
	m.WebhookDelivered.Add(ctx, 1)
	m.WebhookDuration.Record(ctx, durationSeconds)
}

// RecordWebhookFailed records a progress update that failed after retries.
func (m *Metrics) RecordWebhookFailed(ctx context.Context) {
	m.WebhookFailed.Add(ctx, 1)
}

// RecordWebhookDropped records a progress update that was dropped.
func (m *Metrics) RecordWebhookDropped(ctx context.Context) {
	m.WebhookDropped.Add(ctx, 1)
}
