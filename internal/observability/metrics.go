package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds all coordinator metrics implementing the golden 4 signals:
// - Latency: How long requests/checkpoints take
// - Traffic: Request/transition throughput
// - Errors: Rate of failures
// - Saturation: Resource utilization (running jobs, dispatcher queue)
type Metrics struct {
	meter metric.Meter

	// HTTP metrics (Latency, Traffic, Errors)
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	// Job lifecycle metrics
	JobTransitionsTotal metric.Int64Counter
	JobsRunning         metric.Int64UpDownCounter
	OrphansFailedTotal  metric.Int64Counter
	ResumesTotal        metric.Int64Counter

	// Checkpoint metrics
	CheckpointSaveDuration metric.Float64Histogram
	CheckpointSavesTotal   metric.Int64Counter
	CheckpointBytesTotal   metric.Int64Counter
	CheckpointErrorsTotal  metric.Int64Counter

	// Worker directory metrics
	ReconciliationsTotal metric.Int64Counter
	WorkersKnown         metric.Int64UpDownCounter

	// Dispatcher metrics (Latency, Traffic, Errors, Saturation)
	DispatcherDuration  metric.Float64Histogram
	DispatcherDelivered metric.Int64Counter
	DispatcherFailed    metric.Int64Counter
	DispatcherDropped   metric.Int64Counter
	DispatcherRequeued  metric.Int64Counter
	DispatcherQueueSize metric.Int64Gauge
}

// NewMetrics creates and registers all metrics with a Prometheus exporter.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("coordinator")
	m := &Metrics{meter: meter}

	// HTTP metrics
	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPErrorsTotal, err = meter.Int64Counter(
		"http_errors_total",
		metric.WithDescription("Total number of HTTP errors (4xx and 5xx)"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Job lifecycle metrics
	m.JobTransitionsTotal, err = meter.Int64Counter(
		"job_transitions_total",
		metric.WithDescription("Total job status transitions"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsRunning, err = meter.Int64UpDownCounter(
		"jobs_running",
		metric.WithDescription("Number of jobs currently in RUNNING (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.OrphansFailedTotal, err = meter.Int64Counter(
		"orphans_failed_total",
		metric.WithDescription("Jobs failed by the orphan detector"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.ResumesTotal, err = meter.Int64Counter(
		"resumes_total",
		metric.WithDescription("Resume attempts by outcome"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Checkpoint metrics
	m.CheckpointSaveDuration, err = meter.Float64Histogram(
		"checkpoint_save_duration_seconds",
		metric.WithDescription("Checkpoint save latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60),
	)
	if err != nil {
		return nil, nil, err
	}

	m.CheckpointSavesTotal, err = meter.Int64Counter(
		"checkpoint_saves_total",
		metric.WithDescription("Total checkpoints saved by kind"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.CheckpointBytesTotal, err = meter.Int64Counter(
		"checkpoint_bytes_total",
		metric.WithDescription("Total bytes written to checkpoint storage"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.CheckpointErrorsTotal, err = meter.Int64Counter(
		"checkpoint_errors_total",
		metric.WithDescription("Checkpoint saves that failed (job continues)"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Worker directory metrics
	m.ReconciliationsTotal, err = meter.Int64Counter(
		"reconciliations_total",
		metric.WithDescription("Registration reconciliation outcomes"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.WorkersKnown, err = meter.Int64UpDownCounter(
		"workers_known",
		metric.WithDescription("Workers currently in the directory"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Dispatcher metrics
	m.DispatcherDuration, err = meter.Float64Histogram(
		"dispatcher_duration_seconds",
		metric.WithDescription("Command delivery latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatcherDelivered, err = meter.Int64Counter(
		"dispatcher_delivered_total",
		metric.WithDescription("Total commands successfully delivered"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatcherFailed, err = meter.Int64Counter(
		"dispatcher_failed_total",
		metric.WithDescription("Total commands failed after retries"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatcherDropped, err = meter.Int64Counter(
		"dispatcher_dropped_total",
		metric.WithDescription("Total commands dropped (buffer full or max requeues)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatcherRequeued, err = meter.Int64Counter(
		"dispatcher_requeued_total",
		metric.WithDescription("Total commands requeued due to open circuit"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatcherQueueSize, err = meter.Int64Gauge(
		"dispatcher_queue_size",
		metric.WithDescription("Current number of commands in dispatcher queue (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	return m, promhttp.Handler(), nil
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

// RecordTransition records a job status transition.
func (m *Metrics) RecordTransition(ctx context.Context, jobType, from, to string) {
	m.JobTransitionsTotal.Add(ctx, 1, metric.WithAttributes(
		jobTypeAttr(jobType), fromAttr(from), toAttr(to),
	))
	if to == "running" && from != "running" {
		m.JobsRunning.Add(ctx, 1, metric.WithAttributes(jobTypeAttr(jobType)))
	}
	if from == "running" && to != "running" {
		m.JobsRunning.Add(ctx, -1, metric.WithAttributes(jobTypeAttr(jobType)))
	}
}

// RecordOrphanFailed records a job failed by the orphan detector.
func (m *Metrics) RecordOrphanFailed(ctx context.Context, jobType string) {
	m.OrphansFailedTotal.Add(ctx, 1, metric.WithAttributes(jobTypeAttr(jobType)))
}

// RecordResume records a resume attempt outcome ("won", "conflict", "no_checkpoint").
func (m *Metrics) RecordResume(ctx context.Context, outcome string) {
	m.ResumesTotal.Add(ctx, 1, metric.WithAttributes(outcomeAttr(outcome)))
}

// RecordCheckpointSaved records a successful checkpoint save.
func (m *Metrics) RecordCheckpointSaved(ctx context.Context, kind string, bytes int64, durationSeconds float64) {
	attrs := metric.WithAttributes(kindAttr(kind))
	m.CheckpointSavesTotal.Add(ctx, 1, attrs)
	m.CheckpointBytesTotal.Add(ctx, bytes, attrs)
	m.CheckpointSaveDuration.Record(ctx, durationSeconds, attrs)
}

// RecordCheckpointError records a failed checkpoint save.
func (m *Metrics) RecordCheckpointError(ctx context.Context, kind string) {
	m.CheckpointErrorsTotal.Add(ctx, 1, metric.WithAttributes(kindAttr(kind)))
}

// RecordReconciliation records a reconciliation outcome
// ("adopted", "restored", "stop_instructed", "conflict", "report_applied").
func (m *Metrics) RecordReconciliation(ctx context.Context, outcome string) {
	m.ReconciliationsTotal.Add(ctx, 1, metric.WithAttributes(outcomeAttr(outcome)))
}

// RecordWorkerAdded records a worker joining the directory.
func (m *Metrics) RecordWorkerAdded(ctx context.Context) {
	m.WorkersKnown.Add(ctx, 1)
}

// RecordWorkerRemoved records a worker leaving the directory.
func (m *Metrics) RecordWorkerRemoved(ctx context.Context) {
	m.WorkersKnown.Add(ctx, -1)
}

// RecordDispatcherDelivered records a successful command delivery with its duration.
func (m *Metrics) RecordDispatcherDelivered(ctx context.Context, durationSeconds float64) {
	m.DispatcherDelivered.Add(ctx, 1)
	m.DispatcherDuration.Record(ctx, durationSeconds)
}

// RecordDispatcherFailed records a failed command delivery.
func (m *Metrics) RecordDispatcherFailed(ctx context.Context) {
	m.DispatcherFailed.Add(ctx, 1)
}

// RecordDispatcherDropped records a dropped command.
func (m *Metrics) RecordDispatcherDropped(ctx context.Context) {
	m.DispatcherDropped.Add(ctx, 1)
}

// RecordDispatcherRequeued records a requeued command.
func (m *Metrics) RecordDispatcherRequeued(ctx context.Context) {
	m.DispatcherRequeued.Add(ctx, 1)
}

// RecordDispatcherQueueSize records the current queue size.
func (m *Metrics) RecordDispatcherQueueSize(ctx context.Context, size int64) {
	m.DispatcherQueueSize.Record(ctx, size)
}
