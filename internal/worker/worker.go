// Package worker runs one dispatched queue entry through the capture
// pipeline and reports the outcome back to the queue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlops/internal/crawler"
	"github.com/JakeFAU/crawlops/internal/metrics"
	"github.com/JakeFAU/crawlops/internal/profile"
	"github.com/JakeFAU/crawlops/internal/progress"
	"github.com/JakeFAU/crawlops/internal/session"
)

const usageLogTimeout = 5 * time.Second

// Queue is the queue surface a worker reports to.
type Queue interface {
	OnPipelineResult(url string, res crawler.Result) error
	Enqueue(urls []string, opts crawler.EnqueueOptions) (int, error)
}

// Config tunes a Worker.
type Config struct {
	// UserAgent is sent when the domain's session does not carry one.
	UserAgent string
}

// Deps are the collaborators of a Worker. Robots, Blocklist, Limiter,
// Sessions, and Emitter are optional.
type Deps struct {
	Queue     Queue
	Governor  *profile.Governor
	Pipeline  crawler.Pipeline
	Robots    crawler.RobotsPolicy
	Blocklist *crawler.DomainBlocklist
	Limiter   crawler.Limiter
	Sessions  session.Store
	Emitter   progress.Emitter
	Clock     crawler.Clock
}

// Worker executes captures for dispatched entries.
type Worker struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

// New constructs a Worker.
func New(deps Deps, cfg Config, logger *zap.Logger) (*Worker, error) {
	if deps.Queue == nil || deps.Governor == nil || deps.Pipeline == nil || deps.Clock == nil {
		return nil, errors.New("worker requires queue, governor, pipeline, and clock")
	}
	if deps.Emitter == nil {
		deps.Emitter = progress.Discard
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{deps: deps, cfg: cfg, logger: logger}, nil
}

// Process captures entry and reports exactly one result for its attempt.
// Politeness, robots and timeout come from the profile active at capture
// time; entry.Profile is only the label recorded at enqueue.
func (w *Worker) Process(ctx context.Context, entry crawler.Entry) {
	active, policy := w.deps.Governor.Active()
	logger := w.logger.With(
		zap.String("url", entry.URL),
		zap.Int("attempt", entry.Attempts),
		zap.String("profile", entry.Profile),
		zap.String("active_profile", active),
	)

	resp, err := w.capture(ctx, entry, policy, logger)
	res := crawler.ResultFor(entry.URL, entry.Attempts, resp, err)
	if err != nil {
		logger.Info("capture failed", zap.String("outcome", string(res.Outcome)), zap.Error(err))
	}
	if rerr := w.deps.Queue.OnPipelineResult(entry.URL, res); rerr != nil {
		logger.Warn("queue rejected result", zap.Error(rerr))
		return
	}
	if err != nil {
		return
	}

	w.deps.Emitter.Emit(progress.Event{
		TS:          w.deps.Clock.Now().UTC(),
		Stage:       progress.StageCaptureDone,
		URL:         entry.URL,
		Site:        crawler.Domain(entry.URL),
		Attempt:     entry.Attempts,
		Bytes:       resp.Bytes,
		StatusClass: progress.ClassifyStatus(resp.StatusCode),
		Dur:         resp.Duration,
	})
	w.discover(entry, resp.Links, logger)
}

func (w *Worker) capture(
	ctx context.Context,
	entry crawler.Entry,
	policy profile.Policy,
	logger *zap.Logger,
) (crawler.CaptureResponse, error) {
	if w.deps.Blocklist.Blocked(entry.URL) {
		return crawler.CaptureResponse{}, fmt.Errorf("%w: %s", crawler.ErrDomainBlocked, crawler.Domain(entry.URL))
	}
	if policy.RespectRobots && w.deps.Robots != nil && !w.deps.Robots.Allowed(ctx, entry.URL) {
		metrics.ObserveRobotsBlocked()
		return crawler.CaptureResponse{}, crawler.ErrRobotsBlocked
	}
	if w.deps.Limiter != nil {
		if err := w.deps.Limiter.Wait(ctx, entry.URL, policy.Delay(), policy.Jitter()); err != nil {
			return crawler.CaptureResponse{}, err
		}
	}

	req := crawler.CaptureRequest{
		URL:       entry.URL,
		Depth:     entry.Depth,
		Formats:   entry.Formats,
		UserAgent: w.cfg.UserAgent,
		Timeout:   policy.Timeout(),
	}
	rec, ok := w.loadSession(ctx, entry.URL, logger)
	if ok {
		creds, err := session.ParseCredentials(rec.Payload)
		if err != nil {
			logger.Warn("ignoring unreadable session payload", zap.Int64("session_id", rec.ID), zap.Error(err))
			ok = false
		} else {
			req.Headers = creds.Header()
			if creds.UserAgent != "" {
				req.UserAgent = creds.UserAgent
			}
		}
	}

	captureCtx := ctx
	if t := policy.Timeout(); t > 0 {
		var cancel context.CancelFunc
		captureCtx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}
	resp, err := w.deps.Pipeline.Capture(captureCtx, req)
	if ok {
		w.logUsage(ctx, rec.ID, entry.URL, err, logger)
	}
	return resp, err
}

func (w *Worker) loadSession(ctx context.Context, rawURL string, logger *zap.Logger) (session.Record, bool) {
	if w.deps.Sessions == nil {
		return session.Record{}, false
	}
	domain := crawler.Domain(rawURL)
	if domain == "" {
		return session.Record{}, false
	}
	rec, err := w.deps.Sessions.Load(ctx, domain, "")
	if err != nil {
		if !errors.Is(err, crawler.ErrNotFound) {
			logger.Warn("session lookup failed", zap.String("domain", domain), zap.Error(err))
		}
		return session.Record{}, false
	}
	return rec, true
}

func (w *Worker) logUsage(ctx context.Context, id int64, rawURL string, captureErr error, logger *zap.Logger) {
	success := captureErr == nil
	errMsg := ""
	if captureErr != nil {
		errMsg = captureErr.Error()
	}
	metrics.ObserveSessionUse(success)

	logCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), usageLogTimeout)
	defer cancel()
	if err := w.deps.Sessions.LogUsage(logCtx, id, rawURL, success, errMsg); err != nil {
		logger.Warn("record session usage", zap.Int64("session_id", id), zap.Error(err))
	}
}

// discover enqueues in-scope links one level deeper than entry.
func (w *Worker) discover(entry crawler.Entry, links []string, logger *zap.Logger) {
	if len(links) == 0 || entry.Depth >= entry.Scope.MaxDepth {
		return
	}
	next := make([]string, 0, len(links))
	for _, link := range links {
		if !entry.Scope.Allows(link) || w.deps.Blocklist.Blocked(link) {
			continue
		}
		next = append(next, link)
	}
	if len(next) == 0 {
		return
	}
	added, err := w.deps.Queue.Enqueue(next, crawler.EnqueueOptions{
		Depth:   entry.Depth + 1,
		Profile: entry.Profile,
		Formats: entry.Formats,
		RunID:   entry.RunID,
		Scope:   entry.Scope,
	})
	if err != nil {
		logger.Warn("enqueue discovered links", zap.Error(err))
		return
	}
	logger.Debug("links discovered", zap.Int("found", len(links)), zap.Int("added", added))
}
