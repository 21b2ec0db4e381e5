package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/crawlops/internal/progress"
)

// PrometheusSink exports queue progress via Prometheus. It owns collectors for
// entry transitions, in-flight entries, challenges, and per-site captures.
type PrometheusSink struct {
	transitions     *prometheus.CounterVec
	running         prometheus.Gauge
	retryBackoff    prometheus.Histogram
	challenges      *prometheus.CounterVec
	resolutions     *prometheus.CounterVec
	captureRequests *prometheus.CounterVec
	captureBytes    *prometheus.CounterVec
	captureDuration *prometheus.HistogramVec

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawlops_entry_transitions_total",
			Help: "Queue entry transitions partitioned by stage.",
		}, []string{"stage"}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crawlops_entries_running",
			Help: "Entries currently dispatched to the capture pipeline.",
		}),
		retryBackoff: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "crawlops_retry_backoff_seconds",
			Help:    "Backoff scheduled before a transient retry.",
			Buckets: []float64{1, 2, 5, 10, 30, 60, 120, 300, 900, 3600},
		}),
		challenges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawlops_challenges_opened_total",
			Help: "Challenges opened partitioned by kind.",
		}, []string{"kind"}),
		resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawlops_challenges_resolved_total",
			Help: "Operator resolutions partitioned by action.",
		}, []string{"action"}),
		captureRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawlops_capture_requests_total",
			Help: "Capture completions partitioned by site and status class.",
		}, []string{"site", "status_class"}),
		captureBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawlops_capture_bytes_total",
			Help: "Bytes captured per site.",
		}, []string{"site"}),
		captureDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crawlops_capture_duration_seconds",
			Help:    "Capture duration partitioned by site and status class.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"site", "status_class"}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.transitions,
		s.running,
		s.retryBackoff,
		s.challenges,
		s.resolutions,
		s.captureRequests,
		s.captureBytes,
		s.captureDuration,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageCaptureDone:
		s.handleCaptureEvent(evt)
		return
	case progress.StageChallengeOpen:
		s.challenges.WithLabelValues(evt.ChallengeKind).Inc()
		return
	case progress.StageChallengeResolved:
		s.resolutions.WithLabelValues(evt.Action).Inc()
		return
	}
	s.transitions.WithLabelValues(string(evt.Stage)).Inc()
	switch evt.Stage {
	case progress.StageEntryRunning:
		if s.tracker.start(evt.URL) {
			s.running.Inc()
		}
	case progress.StageEntryRetry:
		if evt.Dur > 0 {
			s.retryBackoff.Observe(evt.Dur.Seconds())
		}
	case progress.StageEntryWaiting, progress.StageEntryQueued,
		progress.StageEntryDone, progress.StageEntryFailed, progress.StageEntrySkipped:
		if s.tracker.complete(evt.URL) {
			s.running.Dec()
		}
	}
}

func (s *PrometheusSink) handleCaptureEvent(evt progress.Event) {
	site := evt.Site
	if site == "" {
		site = "unknown"
	}
	statusClass := string(evt.StatusClass)
	if statusClass == "" {
		statusClass = string(progress.StatusOther)
	}
	s.captureRequests.WithLabelValues(site, statusClass).Inc()
	if evt.Bytes > 0 {
		s.captureBytes.WithLabelValues(site).Add(float64(evt.Bytes))
	}
	if evt.Dur > 0 {
		s.captureDuration.WithLabelValues(site, statusClass).Observe(evt.Dur.Seconds())
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newRunTracker() *runTracker {
	return &runTracker{running: make(map[string]struct{})}
}

func (t *runTracker) start(url string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[url]; ok {
		return false
	}
	t.running[url] = struct{}{}
	return true
}

func (t *runTracker) complete(url string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[url]; !ok {
		return false
	}
	delete(t.running, url)
	return true
}
