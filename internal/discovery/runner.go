package discovery

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/editalwatch/discovery/internal/crawler"
)

// Runner spreads the catalogue over independent batches. Each batch runs in
// its own Session, so batches never share a limiter or a browser.
type Runner struct {
	orch   *Orchestrator
	logger *zap.Logger
}

// NewRunner wraps an Orchestrator.
func NewRunner(orch *Orchestrator, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{orch: orch, logger: logger.Named("runner")}
}

// Partition deals sources round-robin into at most n non-empty batches.
func Partition(sources []crawler.Source, n int) [][]crawler.Source {
	if n <= 1 || len(sources) <= 1 {
		if len(sources) == 0 {
			return nil
		}
		return [][]crawler.Source{sources}
	}
	if n > len(sources) {
		n = len(sources)
	}
	batches := make([][]crawler.Source, n)
	for i, src := range sources {
		batches[i%n] = append(batches[i%n], src)
	}
	return batches
}

// RunBatches runs the enabled sources as n concurrent batches and merges the
// summaries in batch order.
func (r *Runner) RunBatches(ctx context.Context, n int) (crawler.RunSummary, error) {
	batches := Partition(r.orch.Sources(), n)
	results := make([]crawler.RunSummary, len(batches))

	g, ctx := errgroup.WithContext(ctx)
	var mu sync.Mutex
	for i, batch := range batches {
		g.Go(func() error {
			summary, err := r.orch.RunSources(ctx, batch)
			if err != nil {
				return fmt.Errorf("batch %d: %w", i, err)
			}
			mu.Lock()
			results[i] = summary
			mu.Unlock()
			r.logger.Debug("batch finished", zap.Int("batch", i), zap.Int("sources", len(batch)))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return crawler.RunSummary{}, err
	}

	var merged crawler.RunSummary
	for _, s := range results {
		for _, run := range s.Sources {
			merged.Add(run)
		}
	}
	return merged, nil
}
