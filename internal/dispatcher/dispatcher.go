// Package dispatcher fans request work out in fixed-size batches.
package dispatcher

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultBatchSize is used when Config.BatchSize is unset.
const DefaultBatchSize = 100

// Config controls batch fan-out.
type Config struct {
	// BatchSize is the number of items started together. The next batch
	// starts only after every item of the current one has finished.
	BatchSize int
	// Concurrency caps the goroutines inside a batch. Defaults to BatchSize.
	Concurrency int
}

// Stats summarizes a Run.
type Stats struct {
	Batches   int
	Succeeded int
	Failed    int
}

// Dispatcher runs batches of work with a completion barrier between them.
type Dispatcher struct {
	cfg    Config
	logger *zap.Logger
}

// New creates a Dispatcher.
func New(cfg Config, logger *zap.Logger) *Dispatcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Concurrency <= 0 || cfg.Concurrency > cfg.BatchSize {
		cfg.Concurrency = cfg.BatchSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{cfg: cfg, logger: logger}
}

// Run calls fn for every index in [0, n). A failing call is logged and
// counted; it never cancels its siblings. Run stops between batches once
// ctx is done and returns the context error.
func (d *Dispatcher) Run(ctx context.Context, n int, fn func(ctx context.Context, i int) error) (Stats, error) {
	var (
		stats  Stats
		failed atomic.Int64
		ok     atomic.Int64
	)
	for start := 0; start < n; start += d.cfg.BatchSize {
		if err := ctx.Err(); err != nil {
			stats.Succeeded, stats.Failed = int(ok.Load()), int(failed.Load())
			return stats, fmt.Errorf("dispatch canceled: %w", err)
		}
		end := min(start+d.cfg.BatchSize, n)
		stats.Batches++

		var g errgroup.Group
		g.SetLimit(d.cfg.Concurrency)
		for i := start; i < end; i++ {
			g.Go(func() error {
				if err := fn(ctx, i); err != nil {
					failed.Add(1)
					d.logger.Warn("dispatched item failed", zap.Int("item", i), zap.Error(err))
					return nil
				}
				ok.Add(1)
				return nil
			})
		}
		_ = g.Wait()
	}
	stats.Succeeded, stats.Failed = int(ok.Load()), int(failed.Load())
	return stats, nil
}
