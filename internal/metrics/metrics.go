// Package metrics exposes the process-wide Prometheus collectors for the
// HTTP surface, politeness waits, robots decisions, session usage, and the
// queue status projection.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/JakeFAU/crawlops/internal/crawler"
)

var (
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	politenessDelaySeconds     *prometheus.HistogramVec
	robotsBlockedTotal         prometheus.Counter
	sessionUsesTotal           *prometheus.CounterVec

	once sync.Once
)

// Init registers the collectors with the default registry. It is safe to
// call more than once.
func Init() {
	once.Do(func() {
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlops_http_requests_total",
				Help: "Total number of API requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)
		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawlops_http_request_duration_seconds",
				Help:    "Histogram of API request latencies, labeled by method and route.",
				Buckets: []float64{0.005, 0.025, 0.1, 0.25, 0.5, 1, 2.5},
			},
			[]string{"method", "route"},
		)
		politenessDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawlops_politeness_delay_seconds",
				Help:    "Time captures spent waiting on per-domain politeness spacing.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)
		robotsBlockedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawlops_robots_blocked_total",
				Help: "URLs skipped because robots.txt disallowed them.",
			},
		)
		sessionUsesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlops_session_uses_total",
				Help: "Captures that carried a stored session, labeled by result.",
			},
			[]string{"result"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest records one API request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if httpRequestsTotal == nil {
		return
	}
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObservePolitenessDelay records a per-domain wait.
func ObservePolitenessDelay(domain string, d time.Duration) {
	if politenessDelaySeconds == nil {
		return
	}
	if domain == "" {
		domain = "unknown"
	}
	politenessDelaySeconds.WithLabelValues(domain).Observe(d.Seconds())
}

// ObserveRobotsBlocked counts a robots.txt refusal.
func ObserveRobotsBlocked() {
	if robotsBlockedTotal == nil {
		return
	}
	robotsBlockedTotal.Inc()
}

// ObserveSessionUse counts a capture that carried a session.
func ObserveSessionUse(success bool) {
	if sessionUsesTotal == nil {
		return
	}
	result := "failure"
	if success {
		result = "success"
	}
	sessionUsesTotal.WithLabelValues(result).Inc()
}

// QueueCollector reports the queue's per-status projection at scrape time.
type QueueCollector struct {
	stats func() crawler.Stats
	desc  *prometheus.Desc
}

// NewQueueCollector builds a collector around a stats source such as
// (*queue.Queue).Stats.
func NewQueueCollector(stats func() crawler.Stats) *QueueCollector {
	return &QueueCollector{
		stats: stats,
		desc: prometheus.NewDesc(
			"crawlops_queue_entries",
			"Queue entries by lifecycle status.",
			[]string{"status"}, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *QueueCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

// Collect implements prometheus.Collector.
func (c *QueueCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.stats()
	counts := map[crawler.Status]int{
		crawler.StatusQueued:         s.Queued,
		crawler.StatusRunning:        s.Running,
		crawler.StatusWaitingCaptcha: s.WaitingCaptcha,
		crawler.StatusWaitingUser:    s.WaitingUser,
		crawler.StatusDone:           s.Done,
		crawler.StatusFailed:         s.Failed,
		crawler.StatusSkipped:        s.Skipped,
	}
	for _, status := range crawler.Statuses {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(counts[status]), string(status))
	}
}
