package sinks

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlops/internal/progress"
)

const defaultSubscriberBuffer = 256

// BroadcastSink fans events out to live subscribers such as SSE clients.
// Slow subscribers lose events rather than stalling the hub.
type BroadcastSink struct {
	mu     sync.Mutex
	subs   map[int]chan progress.Event
	nextID int
	buffer int
	closed bool
	logger *zap.Logger
}

// NewBroadcastSink returns a sink whose subscribers buffer up to buffer events.
func NewBroadcastSink(buffer int, logger *zap.Logger) *BroadcastSink {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BroadcastSink{
		subs:   make(map[int]chan progress.Event),
		buffer: buffer,
		logger: logger,
	}
}

// Subscribe registers a subscriber. The returned cancel func unregisters it
// and closes the channel; it is safe to call more than once.
func (s *BroadcastSink) Subscribe() (<-chan progress.Event, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan progress.Event, s.buffer)
	if s.closed {
		close(ch)
		return ch, func() {}
	}
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if sub, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(sub)
		}
	}
}

// Subscribers reports the number of live subscribers.
func (s *BroadcastSink) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Consume delivers each event to every subscriber without blocking.
func (s *BroadcastSink) Consume(_ context.Context, batch []progress.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ch := range s.subs {
		dropped := 0
		for _, evt := range batch {
			select {
			case ch <- evt:
			default:
				dropped++
			}
		}
		if dropped > 0 {
			s.logger.Debug("broadcast subscriber lagging", zap.Int("subscriber", id), zap.Int("dropped", dropped))
		}
	}
	return nil
}

// Close disconnects every subscriber.
func (s *BroadcastSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
	return nil
}
