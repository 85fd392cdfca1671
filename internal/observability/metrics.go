package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "gema_grader"

var (
	registerOnce sync.Once

	consoleRequestsTotal  *prometheus.CounterVec
	consoleLatencySeconds *prometheus.HistogramVec
	consoleErrorsTotal    *prometheus.CounterVec

	uploadLatencySeconds prometheus.Histogram
	uploadRequestsTotal  *prometheus.CounterVec
	uploadRejectedTotal  *prometheus.CounterVec

	submissionsTotal     *prometheus.CounterVec
	pollTicksTotal       *prometheus.CounterVec
	activePollers        prometheus.Gauge
	jobOutcomesTotal     *prometheus.CounterVec
	resultFetchesTotal   *prometheus.CounterVec
	modelCatalogTotal    *prometheus.CounterVec
	streamClientsActive  prometheus.Gauge
	eventsPublishedTotal *prometheus.CounterVec
	downloadBytesTotal   prometheus.Counter
)

// RegisterMetrics initialises the Prometheus collectors used by the grading workflow and console.
func RegisterMetrics() {
	registerOnce.Do(func() {
		consoleRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "console_requests_total",
			Help:      "Total number of console API requests served.",
		}, []string{"method", "route", "status"})

		consoleLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "console_latency_seconds",
			Help:      "Latency distribution for console API requests.",
			Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0},
		}, []string{"method", "route"})

		consoleErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "console_errors_total",
			Help:      "Total number of error responses returned by console endpoints.",
		}, []string{"method", "route", "status"})

		uploadLatencySeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upload_duration_seconds",
			Help:      "Duration of spreadsheet uploads to the grading API.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		})

		uploadRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "Uploads accepted by the grading API, by detected type.",
		}, []string{"type"})

		uploadRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_rejected_total",
			Help:      "Uploads rejected locally or by the grading API.",
		}, []string{"reason"})

		submissionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_submissions_total",
			Help:      "Grading job submissions by outcome.",
		}, []string{"outcome"})

		pollTicksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_ticks_total",
			Help:      "Status polls issued against the grading API, by outcome.",
		}, []string{"outcome"})

		activePollers = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_pollers",
			Help:      "Number of running job pollers.",
		})

		jobOutcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_outcomes_total",
			Help:      "Grading jobs reaching a terminal state.",
		}, []string{"state"})

		resultFetchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "result_fetches_total",
			Help:      "Result fetches by outcome.",
		}, []string{"outcome"})

		modelCatalogTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_catalog_requests_total",
			Help:      "Model catalog lookups by source.",
		}, []string{"source"})

		streamClientsActive = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stream_clients_active",
			Help:      "Number of connected SSE and websocket clients.",
		})

		eventsPublishedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Workflow events published, by type.",
		}, []string{"type"})

		downloadBytesTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "download_bytes_total",
			Help:      "Bytes of output spreadsheets downloaded.",
		})

		prometheus.MustRegister(
			consoleRequestsTotal, consoleLatencySeconds, consoleErrorsTotal,
			uploadLatencySeconds, uploadRequestsTotal, uploadRejectedTotal,
			submissionsTotal, pollTicksTotal, activePollers, jobOutcomesTotal,
			resultFetchesTotal, modelCatalogTotal, streamClientsActive,
			eventsPublishedTotal, downloadBytesTotal,
		)
	})
}

// ConsoleRequests exposes the counter for console requests.
func ConsoleRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return consoleRequestsTotal
}

// ConsoleLatency exposes the latency histogram for console requests.
func ConsoleLatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return consoleLatencySeconds
}

// ConsoleErrors exposes the counter for console error responses.
func ConsoleErrors() *prometheus.CounterVec {
	RegisterMetrics()
	return consoleErrorsTotal
}

// UploadLatency exposes the upload duration histogram.
func UploadLatency() prometheus.Histogram {
	RegisterMetrics()
	return uploadLatencySeconds
}

// UploadRequests exposes the accepted upload counter.
func UploadRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return uploadRequestsTotal
}

// UploadRejected exposes the rejected upload counter.
func UploadRejected() *prometheus.CounterVec {
	RegisterMetrics()
	return uploadRejectedTotal
}

// JobSubmissions exposes the submission outcome counter.
func JobSubmissions() *prometheus.CounterVec {
	RegisterMetrics()
	return submissionsTotal
}

// PollTicks exposes the poll outcome counter.
func PollTicks() *prometheus.CounterVec {
	RegisterMetrics()
	return pollTicksTotal
}

// ActivePollers exposes the running poller gauge.
func ActivePollers() prometheus.Gauge {
	RegisterMetrics()
	return activePollers
}

// JobOutcomes exposes the terminal job state counter.
func JobOutcomes() *prometheus.CounterVec {
	RegisterMetrics()
	return jobOutcomesTotal
}

// ResultFetches exposes the result fetch counter.
func ResultFetches() *prometheus.CounterVec {
	RegisterMetrics()
	return resultFetchesTotal
}

// ModelCatalogRequests exposes the model catalog counter.
func ModelCatalogRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return modelCatalogTotal
}

// StreamClientsActive exposes the connected stream client gauge.
func StreamClientsActive() prometheus.Gauge {
	RegisterMetrics()
	return streamClientsActive
}

// EventsPublished exposes the workflow event counter.
func EventsPublished() *prometheus.CounterVec {
	RegisterMetrics()
	return eventsPublishedTotal
}

// DownloadBytes exposes the downloaded bytes counter.
func DownloadBytes() prometheus.Counter {
	RegisterMetrics()
	return downloadBytesTotal
}
