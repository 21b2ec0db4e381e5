// Package dispatcher drives the queue: it calls DispatchNext whenever work
// may be runnable and runs each dispatched entry on its own goroutine.
package dispatcher

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlops/internal/crawler"
	"github.com/JakeFAU/crawlops/internal/queue"
)

const defaultTick = time.Second

// Source is the queue surface the dispatcher needs.
type Source interface {
	DispatchNext(ctx context.Context) []crawler.Entry
	SetLauncher(l queue.Launcher)
	OnRunnable(fn func())
}

// Processor captures one dispatched entry and reports the result back to
// the queue.
type Processor interface {
	Process(ctx context.Context, entry crawler.Entry)
}

// Config tunes the dispatch loop.
type Config struct {
	// Tick is the fallback polling interval when no wake arrives.
	Tick time.Duration
}

// Dispatcher fans dispatched entries out to the processor.
type Dispatcher struct {
	source Source
	proc   Processor
	tick   time.Duration
	wake   chan struct{}
	wg     sync.WaitGroup
	logger *zap.Logger
}

// New creates a Dispatcher and registers it as the queue's launcher.
func New(source Source, proc Processor, cfg Config, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Tick <= 0 {
		cfg.Tick = defaultTick
	}
	d := &Dispatcher{
		source: source,
		proc:   proc,
		tick:   cfg.Tick,
		wake:   make(chan struct{}, 1),
		logger: logger,
	}
	source.SetLauncher(d)
	source.OnRunnable(d.Wake)
	return d
}

// Wake asks the loop to run DispatchNext soon. It never blocks.
func (d *Dispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Launch runs the processor for entry on a new goroutine.
func (d *Dispatcher) Launch(ctx context.Context, entry crawler.Entry) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.proc.Process(ctx, entry)
	}()
}

// Run dispatches until ctx is canceled, then waits for in-flight captures.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.tick)
	defer ticker.Stop()
	d.logger.Info("dispatcher started", zap.Duration("tick", d.tick))
	for {
		if n := len(d.source.DispatchNext(ctx)); n > 0 {
			d.logger.Debug("entries dispatched", zap.Int("count", n))
		}
		select {
		case <-ctx.Done():
			d.wg.Wait()
			d.logger.Info("dispatcher stopped")
			return
		case <-d.wake:
		case <-ticker.C:
		}
	}
}
