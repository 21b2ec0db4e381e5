// Package queue is the crawl orchestrator: it owns every URL entry, its
// lifecycle status, the concurrency cap, retries, and the challenge
// sub-machine. All mutation happens under a single mutex.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlops/internal/crawler"
	"github.com/JakeFAU/crawlops/internal/profile"
	"github.com/JakeFAU/crawlops/internal/progress"
)

// Launcher hands a dispatched entry to the capture pipeline. Launch must not
// block on the capture itself.
type Launcher interface {
	Launch(ctx context.Context, entry crawler.Entry)
}

// LauncherFunc adapts a function to Launcher.
type LauncherFunc func(ctx context.Context, entry crawler.Entry)

// Launch calls f.
func (f LauncherFunc) Launch(ctx context.Context, entry crawler.Entry) { f(ctx, entry) }

// DefaultFormats are used when an enqueue names none.
var DefaultFormats = []crawler.Format{crawler.FormatJSON}

// ErrStaleResult is returned for a result that does not match the entry's
// in-flight dispatch. It matches crawler.ErrNotFound.
var ErrStaleResult = fmt.Errorf("%w: no matching in-flight dispatch", crawler.ErrNotFound)

// Config wires the queue's collaborators.
type Config struct {
	Governor *profile.Governor
	Clock    crawler.Clock
	IDs      crawler.IDGenerator
	Emitter  progress.Emitter
	Logger   *zap.Logger
}

type entry struct {
	crawler.Entry
	seq       uint64
	challenge *crawler.Challenge
	// failures counts transient failures against the retry budget.
	failures int
	// inflight is set from dispatch until the matching result arrives.
	inflight bool
	// backoff marks a running entry that is holding its slot until retry.
	// The entry stays running so the running count never exceeds the cap.
	backoff bool
	timer   crawler.Timer
}

// Queue is the orchestration authority for one controller process.
type Queue struct {
	governor *profile.Governor
	clock    crawler.Clock
	ids      crawler.IDGenerator
	emitter  progress.Emitter
	logger   *zap.Logger

	mu       sync.Mutex
	entries  map[string]*entry
	order    []*entry
	runPages map[string]int
	seq      uint64
	launcher Launcher
	wake     func()
	closed   bool
}

// New constructs an empty Queue.
func New(cfg Config) (*Queue, error) {
	if cfg.Governor == nil {
		return nil, errors.New("queue requires a profile governor")
	}
	if cfg.Clock == nil {
		return nil, errors.New("queue requires a clock")
	}
	if cfg.IDs == nil {
		return nil, errors.New("queue requires an id generator")
	}
	if cfg.Emitter == nil {
		cfg.Emitter = progress.Discard
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Queue{
		governor: cfg.Governor,
		clock:    cfg.Clock,
		ids:      cfg.IDs,
		emitter:  cfg.Emitter,
		logger:   cfg.Logger,
		entries:  make(map[string]*entry),
		runPages: make(map[string]int),
	}, nil
}

// SetLauncher installs the pipeline launcher used by DispatchNext.
func (q *Queue) SetLauncher(l Launcher) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.launcher = l
}

// OnRunnable registers a callback invoked (outside the lock) whenever an
// entry may have become dispatchable or a slot was freed.
func (q *Queue) OnRunnable(fn func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.wake = fn
}

func (q *Queue) notify() {
	q.mu.Lock()
	fn := q.wake
	q.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (q *Queue) emit(e *entry, stage progress.Stage, note string) {
	q.emitter.Emit(progress.Event{
		TS:      q.clock.Now().UTC(),
		Stage:   stage,
		URL:     e.URL,
		Site:    crawler.Domain(e.URL),
		Attempt: e.Attempts,
		Note:    note,
	})
}

func (q *Queue) validateOptions(opts crawler.EnqueueOptions) (crawler.EnqueueOptions, error) {
	if opts.Depth < 0 {
		return opts, crawler.InvalidInputf("depth must be >= 0")
	}
	if opts.Profile == "" {
		opts.Profile, _ = q.governor.Active()
	} else if _, err := q.governor.Get(opts.Profile); err != nil {
		return opts, err
	}
	if len(opts.Formats) == 0 {
		opts.Formats = DefaultFormats
	}
	formats := make([]crawler.Format, 0, len(opts.Formats))
	seen := make(map[crawler.Format]bool, len(opts.Formats))
	for _, f := range opts.Formats {
		parsed, ok := crawler.ParseFormat(string(f))
		if !ok {
			return opts, crawler.InvalidInputf("unknown format %q", f)
		}
		if !seen[parsed] {
			seen[parsed] = true
			formats = append(formats, parsed)
		}
	}
	opts.Formats = formats
	if err := opts.Scope.Validate(); err != nil {
		return opts, err
	}
	if opts.RunID == "" {
		id, err := q.ids.NewID()
		if err != nil {
			return opts, fmt.Errorf("generate run id: %w", err)
		}
		opts.RunID = id
	}
	return opts, nil
}

// Enqueue adds urls that are not already present and returns how many were
// added. Invalid input rejects the whole call without mutating the queue.
// Scope.MaxPages caps the number of entries per run.
func (q *Queue) Enqueue(urls []string, opts crawler.EnqueueOptions) (int, error) {
	for _, u := range urls {
		if err := crawler.ValidateURL(u); err != nil {
			return 0, err
		}
	}
	opts, err := q.validateOptions(opts)
	if err != nil {
		return 0, err
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return 0, errors.New("queue closed")
	}
	added := 0
	now := q.clock.Now().UTC()
	for _, u := range urls {
		if _, exists := q.entries[u]; exists {
			continue
		}
		if opts.Scope.MaxPages > 0 && q.runPages[opts.RunID] >= opts.Scope.MaxPages {
			q.logger.Debug("run page limit reached", zap.String("run_id", opts.RunID), zap.String("url", u))
			break
		}
		q.seq++
		e := &entry{
			Entry: crawler.Entry{
				URL:        u,
				Depth:      opts.Depth,
				Status:     crawler.StatusQueued,
				Formats:    append([]crawler.Format(nil), opts.Formats...),
				Profile:    opts.Profile,
				RunID:      opts.RunID,
				EnqueuedAt: now,
				Scope:      opts.Scope,
			},
			seq: q.seq,
		}
		q.entries[u] = e
		q.order = append(q.order, e)
		q.runPages[opts.RunID]++
		added++
		q.emit(e, progress.StageEntryQueued, "")
	}
	q.mu.Unlock()

	if added > 0 {
		q.logger.Info("urls enqueued",
			zap.Int("added", added),
			zap.Int("requested", len(urls)),
			zap.Int("depth", opts.Depth),
			zap.String("run_id", opts.RunID),
		)
		q.notify()
	}
	return added, nil
}

func (q *Queue) slotsInUse() int {
	n := 0
	for _, e := range q.order {
		if e.Status == crawler.StatusRunning || e.inflight {
			n++
		}
	}
	return n
}

// DispatchNext moves up to (active concurrency - slots in use) queued
// entries to running, in enqueue order, and hands each to the launcher.
func (q *Queue) DispatchNext(ctx context.Context) []crawler.Entry {
	_, policy := q.governor.Active()

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	free := policy.Concurrency - q.slotsInUse()
	var dispatched []crawler.Entry
	now := q.clock.Now().UTC()
	for _, e := range q.order {
		if free <= 0 {
			break
		}
		if e.Status != crawler.StatusQueued || e.inflight {
			continue
		}
		started := now
		e.Status = crawler.StatusRunning
		e.StartedAt = &started
		e.FinishedAt = nil
		e.Error = ""
		e.Attempts++
		e.inflight = true
		free--
		q.emit(e, progress.StageEntryRunning, "")
		dispatched = append(dispatched, e.snapshot())
	}
	launcher := q.launcher
	q.mu.Unlock()

	if launcher == nil {
		if len(dispatched) > 0 {
			q.logger.Warn("entries dispatched without a launcher", zap.Int("count", len(dispatched)))
		}
		return dispatched
	}
	for _, e := range dispatched {
		q.logger.Debug("dispatching entry", zap.String("url", e.URL), zap.Int("attempts", e.Attempts))
		launcher.Launch(ctx, e)
	}
	return dispatched
}

// OnPipelineResult applies one capture result. Results that do not match
// the entry's current dispatch are rejected with ErrStaleResult.
func (q *Queue) OnPipelineResult(url string, res crawler.Result) error {
	q.mu.Lock()
	e, ok := q.entries[url]
	if !ok {
		q.mu.Unlock()
		return crawler.NotFoundf("entry %s", url)
	}
	if res.Attempt != 0 && res.Attempt != e.Attempts {
		q.mu.Unlock()
		return ErrStaleResult
	}
	wasInflight := e.inflight
	e.inflight = false
	if e.Status != crawler.StatusRunning || e.backoff || !wasInflight {
		q.mu.Unlock()
		if wasInflight {
			q.notify()
		}
		return ErrStaleResult
	}
	now := q.clock.Now().UTC()
	switch res.Outcome {
	case crawler.OutcomeSuccess:
		e.Status = crawler.StatusDone
		e.Outputs = copyOutputs(res.Outputs)
		e.FinishedAt = &now
		q.emit(e, progress.StageEntryDone, "")
	case crawler.OutcomeTransient:
		q.onTransient(e, res, now)
	case crawler.OutcomeChallenge:
		q.suspend(e, res.Challenge, res.Error, now)
	case crawler.OutcomeBlocked:
		e.Status = crawler.StatusSkipped
		e.FinishedAt = &now
		q.emit(e, progress.StageEntrySkipped, res.Error)
	case crawler.OutcomeFatal:
		q.fail(e, nonEmpty(res.Error, "fatal capture error"), now)
	default:
		q.mu.Unlock()
		return crawler.InvalidInputf("unknown outcome %q", res.Outcome)
	}
	status := e.Status
	q.mu.Unlock()

	q.logger.Info("pipeline result applied",
		zap.String("url", url),
		zap.String("outcome", string(res.Outcome)),
		zap.String("status", string(status)),
	)
	q.notify()
	return nil
}

func (q *Queue) onTransient(e *entry, res crawler.Result, now time.Time) {
	e.failures++
	_, policy := q.governor.Active()
	rp := policy.RetryPolicy()
	if !rp.ShouldRetry(e.failures) {
		q.fail(e, nonEmpty(res.Error, "retries exhausted"), now)
		return
	}
	delay := rp.Backoff(e.failures)
	q.emitter.Emit(progress.Event{
		TS:      now,
		Stage:   progress.StageEntryRetry,
		URL:     e.URL,
		Site:    crawler.Domain(e.URL),
		Attempt: e.Attempts,
		Dur:     delay,
		Note:    res.Error,
	})
	if delay <= 0 {
		e.Status = crawler.StatusQueued
		q.emit(e, progress.StageEntryQueued, "retry")
		return
	}
	e.backoff = true
	url, attempt := e.URL, e.Attempts
	e.timer = q.clock.AfterFunc(delay, func() { q.finishBackoff(url, attempt) })
}

func (q *Queue) finishBackoff(url string, attempt int) {
	q.mu.Lock()
	e, ok := q.entries[url]
	if !ok || !e.backoff || e.Attempts != attempt || e.Status != crawler.StatusRunning {
		q.mu.Unlock()
		return
	}
	e.backoff = false
	e.timer = nil
	e.Status = crawler.StatusQueued
	q.emit(e, progress.StageEntryQueued, "retry")
	q.mu.Unlock()
	q.notify()
}

func (q *Queue) stopBackoff(e *entry) {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.backoff = false
}

func (q *Queue) fail(e *entry, msg string, now time.Time) {
	e.Status = crawler.StatusFailed
	e.Error = msg
	e.FinishedAt = &now
	q.emit(e, progress.StageEntryFailed, msg)
}

// Pause suspends a running entry into waiting_user with a manual challenge.
func (q *Queue) Pause(url string) bool {
	q.mu.Lock()
	e, ok := q.entries[url]
	if !ok || e.Status != crawler.StatusRunning {
		q.mu.Unlock()
		return false
	}
	q.stopBackoff(e)
	q.suspend(e, &crawler.Challenge{Kind: crawler.ChallengeManual, Detail: "paused by operator"}, "", q.clock.Now().UTC())
	q.mu.Unlock()
	q.logger.Info("entry paused", zap.String("url", url))
	q.notify()
	return true
}

// Resume returns a waiting entry to queued and drops its challenge.
func (q *Queue) Resume(url string) bool {
	q.mu.Lock()
	e, ok := q.entries[url]
	if !ok || !e.Status.Waiting() {
		q.mu.Unlock()
		return false
	}
	e.challenge = nil
	e.Status = crawler.StatusQueued
	q.emit(e, progress.StageEntryQueued, "resumed")
	q.mu.Unlock()
	q.logger.Info("entry resumed", zap.String("url", url))
	q.notify()
	return true
}

// Requeue returns a failed entry to queued. Attempts and the transient
// failure count are preserved, so a requeued entry that fails transiently
// again with no budget left fails without another retry.
func (q *Queue) Requeue(url string) bool {
	q.mu.Lock()
	e, ok := q.entries[url]
	if !ok || e.Status != crawler.StatusFailed {
		q.mu.Unlock()
		return false
	}
	e.Status = crawler.StatusQueued
	e.Error = ""
	e.FinishedAt = nil
	q.emit(e, progress.StageEntryQueued, "requeued")
	q.mu.Unlock()
	q.logger.Info("entry requeued", zap.String("url", url))
	q.notify()
	return true
}

// DeleteRun removes every entry of a finished run and returns how many were
// removed. A run with any non-terminal entry is refused with ErrConflict.
// Removed URLs may be enqueued again.
func (q *Queue) DeleteRun(runID string) (int, error) {
	q.mu.Lock()
	var active, matched int
	for _, e := range q.order {
		if e.RunID != runID {
			continue
		}
		matched++
		if !e.Status.Terminal() || e.inflight {
			active++
		}
	}
	if matched == 0 {
		q.mu.Unlock()
		return 0, crawler.NotFoundf("run %s", runID)
	}
	if active > 0 {
		q.mu.Unlock()
		return 0, crawler.Conflictf("run %s has %d active entries", runID, active)
	}
	kept := q.order[:0]
	for _, e := range q.order {
		if e.RunID == runID {
			delete(q.entries, e.URL)
			continue
		}
		kept = append(kept, e)
	}
	for i := len(kept); i < len(q.order); i++ {
		q.order[i] = nil
	}
	q.order = kept
	delete(q.runPages, runID)
	q.mu.Unlock()

	q.logger.Info("run deleted", zap.String("run_id", runID), zap.Int("entries", matched))
	return matched, nil
}

// Stats returns per-status counts.
func (q *Queue) Stats() crawler.Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	var s crawler.Stats
	for _, e := range q.order {
		s.Add(e.Status)
	}
	return s
}

// Snapshot returns copies of every entry in enqueue order.
func (q *Queue) Snapshot() []crawler.Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]crawler.Entry, 0, len(q.order))
	for _, e := range q.order {
		out = append(out, e.snapshot())
	}
	return out
}

// Entry returns a copy of one entry.
func (q *Queue) Entry(url string) (crawler.Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[url]
	if !ok {
		return crawler.Entry{}, crawler.NotFoundf("entry %s", url)
	}
	return e.snapshot(), nil
}

// Close stops pending retry timers; later enqueues and dispatches are refused.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	for _, e := range q.order {
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
	}
}

func (e *entry) snapshot() crawler.Entry {
	out := e.Entry
	out.Formats = append([]crawler.Format(nil), e.Formats...)
	out.Outputs = copyOutputs(e.Outputs)
	if e.StartedAt != nil {
		t := *e.StartedAt
		out.StartedAt = &t
	}
	if e.FinishedAt != nil {
		t := *e.FinishedAt
		out.FinishedAt = &t
	}
	out.Scope.AllowedDomains = append([]string(nil), e.Scope.AllowedDomains...)
	out.Scope.DisallowedPaths = append([]string(nil), e.Scope.DisallowedPaths...)
	return out
}

func copyOutputs(in map[crawler.Format]string) map[crawler.Format]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[crawler.Format]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func nonEmpty(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
