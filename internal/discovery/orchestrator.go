// Package discovery runs sources through their adapters and persists what
// they find. One Session (limiter, robots cache, headless browser) is owned
// by each run and closed when the run ends.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/editalwatch/discovery/internal/adapter"
	"github.com/editalwatch/discovery/internal/crawler"
	"github.com/editalwatch/discovery/internal/metrics"
	"github.com/editalwatch/discovery/internal/telemetry"
)

// Options wires an Orchestrator. Sources, Store, Adapter and Sessions are
// required.
type Options struct {
	Sources    []crawler.Source
	Store      crawler.ContestStore
	Adapter    *adapter.Adapter
	Sessions   Opener
	Archive    *Archiver
	Publisher  crawler.Publisher
	Topic      string
	Clock      crawler.Clock
	RunTimeout time.Duration
	Logger     *zap.Logger
}

// Orchestrator drives the per-source state machine
// pending -> fetching -> discovered | failed | skipped.
type Orchestrator struct {
	sources    []crawler.Source
	bySlug     map[string]crawler.Source
	store      crawler.ContestStore
	adapter    *adapter.Adapter
	sessions   Opener
	archive    *Archiver
	publisher  crawler.Publisher
	topic      string
	clock      crawler.Clock
	runTimeout time.Duration
	logger     *zap.Logger

	mu    sync.RWMutex
	state map[string]crawler.SourceRun
}

// New validates opts and builds an Orchestrator.
func New(opts Options) (*Orchestrator, error) {
	switch {
	case opts.Store == nil:
		return nil, errors.New("discovery: store is required")
	case opts.Adapter == nil:
		return nil, errors.New("discovery: adapter is required")
	case opts.Sessions == nil:
		return nil, errors.New("discovery: session opener is required")
	case opts.Clock == nil:
		return nil, errors.New("discovery: clock is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Orchestrator{
		bySlug:     make(map[string]crawler.Source, len(opts.Sources)),
		store:      opts.Store,
		adapter:    opts.Adapter,
		sessions:   opts.Sessions,
		archive:    opts.Archive,
		publisher:  opts.Publisher,
		topic:      opts.Topic,
		clock:      opts.Clock,
		runTimeout: opts.RunTimeout,
		logger:     logger.Named("discovery"),
		state:      make(map[string]crawler.SourceRun, len(opts.Sources)),
	}
	for _, src := range opts.Sources {
		if _, dup := o.bySlug[src.Slug]; dup {
			return nil, fmt.Errorf("discovery: duplicate source %q", src.Slug)
		}
		o.bySlug[src.Slug] = src
		o.sources = append(o.sources, src)
		o.state[src.Slug] = crawler.SourceRun{Slug: src.Slug, State: crawler.StatePending}
	}
	return o, nil
}

// Sources returns the enabled sources in catalogue order.
func (o *Orchestrator) Sources() []crawler.Source {
	out := make([]crawler.Source, 0, len(o.sources))
	for _, src := range o.sources {
		if !src.Disabled {
			out = append(out, src)
		}
	}
	return out
}

// Source looks up a source by slug.
func (o *Orchestrator) Source(slug string) (crawler.Source, error) {
	src, ok := o.bySlug[slug]
	if !ok {
		return crawler.Source{}, fmt.Errorf("%w: %s", crawler.ErrSourceNotFound, slug)
	}
	return src, nil
}

// States returns the latest run of every source, sorted by slug.
func (o *Orchestrator) States() []crawler.SourceRun {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]crawler.SourceRun, 0, len(o.state))
	for _, run := range o.state {
		out = append(out, run)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out
}

// Run processes a single source in its own session. Disabled sources can
// still be run explicitly.
func (o *Orchestrator) Run(ctx context.Context, slug string) (crawler.SourceRun, error) {
	src, err := o.Source(slug)
	if err != nil {
		return crawler.SourceRun{}, err
	}
	summary, err := o.RunSources(ctx, []crawler.Source{src})
	if err != nil {
		return crawler.SourceRun{}, err
	}
	return summary.Sources[0], nil
}

// RunAll processes every enabled source sequentially in one session.
func (o *Orchestrator) RunAll(ctx context.Context) (crawler.RunSummary, error) {
	return o.RunSources(ctx, o.Sources())
}

// RunSources processes sources sequentially through one Session, then
// recomputes each source's contest count. Per-source failures are recorded in
// the summary; only session setup errors are returned.
func (o *Orchestrator) RunSources(ctx context.Context, sources []crawler.Source) (crawler.RunSummary, error) {
	if o.runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.runTimeout)
		defer cancel()
	}
	sess, err := o.sessions.Open()
	if err != nil {
		return crawler.RunSummary{}, fmt.Errorf("open session: %w", err)
	}
	defer func() {
		if cerr := sess.Close(); cerr != nil {
			o.logger.Warn("close session", zap.Error(cerr))
		}
	}()

	var summary crawler.RunSummary
	for _, src := range sources {
		summary.Add(o.runSource(ctx, sess, src))
	}
	o.refreshCounts(context.WithoutCancel(ctx), sources)
	o.logger.Info("run complete",
		zap.Int("sources", len(sources)),
		zap.Int("found", summary.TotalFound),
		zap.Int("saved", summary.TotalSaved),
	)
	return summary, nil
}

func (o *Orchestrator) runSource(ctx context.Context, sess *Session, src crawler.Source) crawler.SourceRun {
	start := o.clock.Now()
	logger := o.logger.With(zap.String("source", src.Slug))
	ctx, span := telemetry.Tracer().Start(ctx, "discovery.source")
	span.SetAttributes(attribute.String("source", src.Slug))
	defer span.End()

	run := crawler.SourceRun{Slug: src.Slug, State: crawler.StateFetching}
	o.setState(run)

	entries, reason := o.permitted(ctx, sess, src)
	if len(entries) == 0 {
		run.State = crawler.StateSkipped
		run.Reason = reason
		return o.finish(run, start, logger, span)
	}

	seen := make(map[string]struct{})
	var firstErr error
	succeeded := 0
	for _, entry := range entries {
		if ctx.Err() != nil {
			firstErr = ctx.Err()
			break
		}
		res, err := o.adapter.FetchAndParse(ctx, sess, src, entry)
		if err != nil {
			logger.Warn("entry failed", zap.String("url", entry), zap.String("reason", crawler.Classify(err)), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		succeeded++
		o.persist(ctx, src, res, seen, &run, logger)
	}

	switch {
	case succeeded > 0:
		run.State = crawler.StateDiscovered
	default:
		run.State = crawler.StateFailed
		run.Reason = crawler.Classify(firstErr)
		span.RecordError(firstErr)
	}
	return o.finish(run, start, logger, span)
}

// permitted filters the entry URLs robots.txt and the denylist allow. When
// none remain it returns the reason of the last veto.
func (o *Orchestrator) permitted(ctx context.Context, sess *Session, src crawler.Source) ([]string, string) {
	var (
		out    []string
		reason string
	)
	for _, entry := range src.EntryURLs {
		if err := sess.Permit(ctx, entry); err != nil {
			reason = crawler.Classify(err)
			o.logger.Info("entry vetoed", zap.String("source", src.Slug), zap.String("url", entry), zap.String("reason", reason))
			continue
		}
		out = append(out, entry)
	}
	return out, reason
}

func (o *Orchestrator) finish(run crawler.SourceRun, start time.Time, logger *zap.Logger, span trace.Span) crawler.SourceRun {
	run.Duration = o.clock.Now().Sub(start)
	o.setState(run)
	metrics.ObserveSourceRun(run.Slug, string(run.State))
	metrics.ObserveContestsSaved(run.Slug, run.Saved)
	span.SetAttributes(
		attribute.String("state", string(run.State)),
		attribute.Int("found", run.Found),
		attribute.Int("saved", run.Saved),
	)
	fields := []zap.Field{
		zap.String("state", string(run.State)),
		zap.Int("found", run.Found),
		zap.Int("saved", run.Saved),
		zap.Int("rejected", run.Rejected),
		zap.Duration("duration", run.Duration),
	}
	if run.State == crawler.StateFailed {
		span.SetStatus(codes.Error, run.Reason)
		logger.Warn("source failed", append(fields, zap.String("reason", run.Reason))...)
	} else {
		logger.Info("source finished", append(fields, zap.String("reason", run.Reason))...)
	}
	return run
}

func (o *Orchestrator) setState(run crawler.SourceRun) {
	o.mu.Lock()
	o.state[run.Slug] = run
	o.mu.Unlock()
}

func (o *Orchestrator) refreshCounts(ctx context.Context, sources []crawler.Source) {
	for _, src := range sources {
		n, err := o.store.CountContests(ctx, src.Slug)
		if err != nil {
			o.logger.Error("count contests", zap.String("source", src.Slug), zap.Error(err))
			continue
		}
		if err := o.store.UpdateSourceCount(ctx, src.Slug, n, o.clock.Now()); err != nil {
			o.logger.Error("update source count", zap.String("source", src.Slug), zap.Error(err))
		}
	}
}
