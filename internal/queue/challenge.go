package queue

import (
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlops/internal/crawler"
	"github.com/JakeFAU/crawlops/internal/progress"
)

// suspend moves a running entry into the waiting state that matches the
// challenge kind. An entry keeps its first challenge until it is resolved.
// Callers hold q.mu.
func (q *Queue) suspend(e *entry, ch *crawler.Challenge, detail string, now time.Time) {
	if ch == nil {
		ch = &crawler.Challenge{Kind: crawler.ChallengeManual, Detail: detail}
	}
	if e.challenge == nil {
		c := *ch
		c.URL = e.URL
		if c.Kind == "" {
			c.Kind = crawler.ChallengeManual
		}
		if c.Detail == "" {
			c.Detail = detail
		}
		if c.ID == "" {
			if id, err := q.ids.NewID(); err == nil {
				c.ID = id
			} else {
				q.logger.Warn("challenge id generation failed", zap.Error(err))
			}
		}
		c.CreatedAt = now
		e.challenge = &c
	}
	if e.challenge.Kind == crawler.ChallengeCaptcha {
		e.Status = crawler.StatusWaitingCaptcha
	} else {
		e.Status = crawler.StatusWaitingUser
	}
	q.emit(e, progress.StageEntryWaiting, string(e.challenge.Kind))
	q.emitter.Emit(progress.Event{
		TS:            now,
		Stage:         progress.StageChallengeOpen,
		URL:           e.URL,
		Site:          crawler.Domain(e.URL),
		Attempt:       e.Attempts,
		ChallengeKind: string(e.challenge.Kind),
		Evidence:      e.challenge.EvidencePath,
		Note:          e.challenge.Detail,
	})
}

// Resolve applies an operator decision to the entry's outstanding challenge.
// continue and retry re-queue the entry, skip finishes it as skipped, abort
// fails it. Without an outstanding challenge it returns
// crawler.ErrNoActiveChallenge.
func (q *Queue) Resolve(url string, action crawler.Action) error {
	if _, err := crawler.ParseAction(string(action)); err != nil {
		return err
	}
	q.mu.Lock()
	e, ok := q.entries[url]
	if !ok || e.challenge == nil || !e.Status.Waiting() {
		q.mu.Unlock()
		return crawler.ErrNoActiveChallenge
	}
	kind := e.challenge.Kind
	e.challenge = nil
	now := q.clock.Now().UTC()
	q.emitter.Emit(progress.Event{
		TS:      now,
		Stage:   progress.StageChallengeResolved,
		URL:     e.URL,
		Site:    crawler.Domain(e.URL),
		Attempt: e.Attempts,
		Action:  string(action),
	})
	switch action {
	case crawler.ActionContinue, crawler.ActionRetry:
		e.Status = crawler.StatusQueued
		q.emit(e, progress.StageEntryQueued, "challenge resolved")
	case crawler.ActionSkip:
		e.Status = crawler.StatusSkipped
		e.FinishedAt = &now
		q.emit(e, progress.StageEntrySkipped, "skipped by operator")
	case crawler.ActionAbort:
		q.fail(e, crawler.AbortedByOperator, now)
	}
	status := e.Status
	q.mu.Unlock()

	q.logger.Info("challenge resolved",
		zap.String("url", url),
		zap.String("kind", string(kind)),
		zap.String("action", string(action)),
		zap.String("status", string(status)),
	)
	q.notify()
	return nil
}

// Challenge returns the outstanding challenge for url.
func (q *Queue) Challenge(url string) (crawler.Challenge, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[url]
	if !ok || e.challenge == nil {
		return crawler.Challenge{}, crawler.ErrNoActiveChallenge
	}
	return *e.challenge, nil
}

// Challenges lists outstanding challenges, oldest first.
func (q *Queue) Challenges() []crawler.Challenge {
	q.mu.Lock()
	defer q.mu.Unlock()
	type pending struct {
		seq uint64
		ch  crawler.Challenge
	}
	var list []pending
	for _, e := range q.order {
		if e.challenge != nil {
			list = append(list, pending{seq: e.seq, ch: *e.challenge})
		}
	}
	sort.SliceStable(list, func(i, j int) bool {
		if !list[i].ch.CreatedAt.Equal(list[j].ch.CreatedAt) {
			return list[i].ch.CreatedAt.Before(list[j].ch.CreatedAt)
		}
		return list[i].seq < list[j].seq
	})
	out := make([]crawler.Challenge, 0, len(list))
	for _, p := range list {
		out = append(out, p.ch)
	}
	return out
}
