// Package telemetry keeps per-domain request counters, derives alerts from
// them and escalates persistently blocked URLs to the manual review queue.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/editalwatch/discovery/internal/crawler"
	"github.com/editalwatch/discovery/internal/metrics"
)

// DefaultWindow is the width of one counter row.
const DefaultWindow = time.Hour

// Recorder turns fetch outcomes into additive counter increments.
type Recorder struct {
	store  crawler.CounterStore
	clock  crawler.Clock
	window time.Duration
	logger *zap.Logger
}

// NewRecorder builds a Recorder. A non-positive window uses DefaultWindow.
func NewRecorder(store crawler.CounterStore, clock crawler.Clock, window time.Duration, logger *zap.Logger) *Recorder {
	if window <= 0 {
		window = DefaultWindow
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{store: store, clock: clock, window: window, logger: logger.Named("telemetry")}
}

// Window returns the start of the window containing t.
func (r *Recorder) Window(t time.Time) time.Time {
	return t.UTC().Truncate(r.window)
}

// Bump adds one request with the given outcome to the domain's current window.
func (r *Recorder) Bump(ctx context.Context, domain string, outcome crawler.Outcome, bytes int64) error {
	if bytes < 0 {
		bytes = 0
	}
	delta := crawler.CounterDelta{
		Domain:      domain,
		WindowStart: r.Window(r.clock.Now()),
		Outcome:     outcome,
		Bytes:       bytes,
	}
	if err := r.store.BumpCounter(ctx, delta); err != nil {
		return fmt.Errorf("bump %s/%s: %w", domain, outcome, err)
	}
	return nil
}

// Report implements the fetcher's telemetry hook. Store failures are logged
// and never surface to the fetch.
func (r *Recorder) Report(ctx context.Context, host string, outcome crawler.Outcome, bytes int64) {
	metrics.ObserveFetch(host, string(outcome), bytes)
	if err := r.Bump(ctx, host, outcome, bytes); err != nil {
		r.logger.Warn("counter bump failed", zap.String("domain", host), zap.Error(err))
	}
}

// Counters lists counter rows whose window starts at or after since.
func (r *Recorder) Counters(ctx context.Context, since time.Time) ([]crawler.DomainCounter, error) {
	counters, err := r.store.ListCounters(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("list counters: %w", err)
	}
	return counters, nil
}
