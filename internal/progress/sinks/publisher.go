package sinks

import (
	"context"
	"fmt"

	"github.com/JakeFAU/crawlops/internal/crawler"
	"github.com/JakeFAU/crawlops/internal/progress"
)

// PublisherSink forwards selected stages to a message broker topic.
type PublisherSink struct {
	publisher crawler.Publisher
	topic     string
	stages    map[progress.Stage]struct{}
}

// NewPublisherSink publishes events whose stage is listed in stages; an empty
// list forwards terminal transitions, challenges, and captures.
func NewPublisherSink(publisher crawler.Publisher, topic string, stages ...progress.Stage) *PublisherSink {
	if len(stages) == 0 {
		stages = []progress.Stage{
			progress.StageEntryDone,
			progress.StageEntryFailed,
			progress.StageEntrySkipped,
			progress.StageChallengeOpen,
			progress.StageChallengeResolved,
			progress.StageCaptureDone,
		}
	}
	set := make(map[progress.Stage]struct{}, len(stages))
	for _, s := range stages {
		set[s] = struct{}{}
	}
	return &PublisherSink{publisher: publisher, topic: topic, stages: set}
}

// Consume publishes matching events one at a time, stopping at the first error.
func (s *PublisherSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s.publisher == nil {
		return nil
	}
	for _, evt := range batch {
		if _, ok := s.stages[evt.Stage]; !ok {
			continue
		}
		if _, err := s.publisher.Publish(ctx, s.topic, evt); err != nil {
			return fmt.Errorf("publish %s event for %s: %w", evt.Stage, evt.URL, err)
		}
	}
	return nil
}

// Close implements the Sink interface; the publisher is owned by the caller.
func (s *PublisherSink) Close(context.Context) error {
	return nil
}
