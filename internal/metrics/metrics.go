// Package metrics collects Prometheus counters for a harvest run.
//
// A run is a short-lived batch process, so instead of serving /metrics the
// registry is written once at the end of the run in the node_exporter
// textfile format. All methods are safe on a nil *Metrics, which lets callers
// skip wiring when metrics are disabled.
package metrics

import (
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the collectors for one run.
type Metrics struct {
	registry *prometheus.Registry

	apiRequests     *prometheus.CounterVec
	apiRetries      prometheus.Counter
	rateLimitWait   prometheus.Counter
	tokenRefreshes  *prometheus.CounterVec
	taskPolls       prometheus.Counter
	downloadBytes   prometheus.Counter
	jobs            *prometheus.CounterVec
	jobDuration     prometheus.Histogram
	extractMembers  *prometheus.CounterVec
	sectionFailures prometheus.Counter
	lastRun         prometheus.Gauge
}

// New creates a Metrics instance backed by its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		apiRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvest_api_requests_total",
				Help: "API requests dispatched, by method and HTTP status",
			},
			[]string{"method", "status"},
		),
		apiRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "harvest_api_retries_total",
			Help: "API calls re-attempted by the per-call retry policy",
		}),
		rateLimitWait: f.NewCounter(prometheus.CounterOpts{
			Name: "harvest_ratelimit_wait_seconds_total",
			Help: "Time spent blocked on the client-side rate limiter",
		}),
		tokenRefreshes: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvest_token_refreshes_total",
				Help: "Credential exchanges, by outcome",
			},
			[]string{"outcome"},
		),
		taskPolls: f.NewCounter(prometheus.CounterOpts{
			Name: "harvest_task_polls_total",
			Help: "Export task status polls",
		}),
		downloadBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "harvest_download_bytes_total",
			Help: "Bytes written from pre-signed archive downloads",
		}),
		jobs: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvest_jobs_total",
				Help: "Student jobs finished, by status",
			},
			[]string{"status"},
		),
		jobDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "harvest_job_duration_seconds",
			Help:    "Wall time of a student job from start to manifest entry",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
		extractMembers: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvest_extract_members_total",
				Help: "Archive members processed, by outcome",
			},
			[]string{"outcome"},
		),
		sectionFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "harvest_section_failures_total",
			Help: "Sections skipped because the course or assignment could not be resolved",
		}),
		lastRun: f.NewGauge(prometheus.GaugeOpts{
			Name: "harvest_last_run_timestamp_seconds",
			Help: "Unix time the run finished",
		}),
	}
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// APIRequest records one dispatched API request.
func (m *Metrics) APIRequest(method string, status int) {
	if m == nil {
		return
	}
	label := "error"
	if status > 0 {
		label = strconv.Itoa(status)
	}
	m.apiRequests.WithLabelValues(method, label).Inc()
}

// APIRetry records a retried API call.
func (m *Metrics) APIRetry() {
	if m == nil {
		return
	}
	m.apiRetries.Inc()
}

// RateLimitWait records time blocked on the limiter.
func (m *Metrics) RateLimitWait(d time.Duration) {
	if m == nil {
		return
	}
	m.rateLimitWait.Add(d.Seconds())
}

// TokenRefresh records a credential exchange.
func (m *Metrics) TokenRefresh(ok bool) {
	if m == nil {
		return
	}
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	m.tokenRefreshes.WithLabelValues(outcome).Inc()
}

// TaskPoll records one export task status poll.
func (m *Metrics) TaskPoll() {
	if m == nil {
		return
	}
	m.taskPolls.Inc()
}

// DownloadBytes records bytes written from an archive download.
func (m *Metrics) DownloadBytes(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.downloadBytes.Add(float64(n))
}

// Job records a finished student job.
func (m *Metrics) Job(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues(status).Inc()
	m.jobDuration.Observe(d.Seconds())
}

// ExtractMembers records archive members by outcome
// (extracted, excluded, unsafe, failed).
func (m *Metrics) ExtractMembers(outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.extractMembers.WithLabelValues(outcome).Add(float64(n))
}

// SectionFailure records a skipped section.
func (m *Metrics) SectionFailure() {
	if m == nil {
		return
	}
	m.sectionFailures.Inc()
}

// WriteTextfile stamps the run completion time and writes every collector
// to path in the Prometheus text format.
func (m *Metrics) WriteTextfile(path string, finished time.Time) error {
	if m == nil {
		return nil
	}
	m.lastRun.Set(float64(finished.Unix()))
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
