// Package dispatcher executes manual run triggers queued through the admin
// API while the service is serving.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/editalwatch/discovery/internal/crawler"
)

// Queue is the trigger buffer a Dispatcher drains.
type Queue interface {
	Offer(t crawler.RunTrigger) error
	Dequeue(ctx context.Context) (crawler.RunTrigger, error)
}

// Discoverer runs one source or the whole catalogue.
type Discoverer interface {
	Run(ctx context.Context, slug string) (crawler.SourceRun, error)
	RunAll(ctx context.Context) (crawler.RunSummary, error)
}

// TriggerState is the lifecycle of one trigger.
type TriggerState string

// Trigger states.
const (
	TriggerQueued  TriggerState = "queued"
	TriggerRunning TriggerState = "running"
	TriggerDone    TriggerState = "done"
	TriggerFailed  TriggerState = "failed"
)

// Status reports what became of a trigger.
type Status struct {
	Trigger  crawler.RunTrigger  `json:"trigger"`
	State    TriggerState        `json:"state"`
	Error    string              `json:"error,omitempty"`
	Summary  *crawler.RunSummary `json:"summary,omitempty"`
	Finished time.Time           `json:"finished_at,omitzero"`
}

// Dispatcher fans queued triggers out to a fixed number of workers.
type Dispatcher struct {
	queue   Queue
	runs    Discoverer
	workers int
	ids     crawler.IDGenerator
	clock   crawler.Clock
	logger  *zap.Logger

	mu     sync.RWMutex
	status map[string]Status
}

// New creates a Dispatcher with at least one worker.
func New(queue Queue, runs Discoverer, workers int, ids crawler.IDGenerator, clock crawler.Clock, logger *zap.Logger) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		queue:   queue,
		runs:    runs,
		workers: workers,
		ids:     ids,
		clock:   clock,
		logger:  logger.Named("dispatcher"),
		status:  make(map[string]Status),
	}
}

// Enqueue records a trigger for slug, or for every source when slug is empty.
func (d *Dispatcher) Enqueue(slug string) (crawler.RunTrigger, error) {
	id, err := d.ids.NewID()
	if err != nil {
		return crawler.RunTrigger{}, fmt.Errorf("trigger id: %w", err)
	}
	t := crawler.RunTrigger{ID: id, Slug: slug, RequestedAt: d.clock.Now()}
	// A worker may pick the trigger up as soon as Offer returns, so the
	// queued state has to be in place first.
	d.set(Status{Trigger: t, State: TriggerQueued})
	if err := d.queue.Offer(t); err != nil {
		d.mu.Lock()
		delete(d.status, id)
		d.mu.Unlock()
		return crawler.RunTrigger{}, fmt.Errorf("queue enqueue: %w", err)
	}
	return t, nil
}

// Status looks up a trigger by ID.
func (d *Dispatcher) Status(id string) (Status, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.status[id]
	return s, ok
}

// Run starts all workers and blocks until the context finishes.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := range d.workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.work(ctx, i)
		}()
	}
	<-ctx.Done()
	wg.Wait()
}

func (d *Dispatcher) work(ctx context.Context, n int) {
	logger := d.logger.With(zap.Int("worker", n))
	for {
		t, err := d.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("dequeue failed", zap.Error(err))
			if errors.Is(err, crawler.ErrQueueClosed) {
				return
			}
			continue
		}
		d.execute(ctx, t, logger)
	}
}

func (d *Dispatcher) execute(ctx context.Context, t crawler.RunTrigger, logger *zap.Logger) {
	d.set(Status{Trigger: t, State: TriggerRunning})
	logger.Info("run triggered", zap.String("trigger", t.ID), zap.String("source", t.Slug))

	var (
		summary crawler.RunSummary
		err     error
	)
	if t.Slug == "" {
		summary, err = d.runs.RunAll(ctx)
	} else {
		var run crawler.SourceRun
		run, err = d.runs.Run(ctx, t.Slug)
		if err == nil {
			summary.Add(run)
		}
	}

	st := Status{Trigger: t, State: TriggerDone, Finished: d.clock.Now()}
	if err != nil {
		st.State = TriggerFailed
		st.Error = err.Error()
		logger.Warn("triggered run failed", zap.String("trigger", t.ID), zap.Error(err))
	} else {
		st.Summary = &summary
	}
	d.set(st)
}

func (d *Dispatcher) set(s Status) {
	d.mu.Lock()
	d.status[s.Trigger.ID] = s
	d.mu.Unlock()
}
