// Package app initializes and holds long-lived application services, acting as
// a dependency injection container for the CLI commands.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/editalwatch/discovery/internal/adapter"
	"github.com/editalwatch/discovery/internal/api"
	"github.com/editalwatch/discovery/internal/clock/system"
	"github.com/editalwatch/discovery/internal/config"
	"github.com/editalwatch/discovery/internal/crawler"
	"github.com/editalwatch/discovery/internal/discovery"
	"github.com/editalwatch/discovery/internal/dispatcher"
	"github.com/editalwatch/discovery/internal/extract"
	"github.com/editalwatch/discovery/internal/fetcher"
	collyfetcher "github.com/editalwatch/discovery/internal/fetcher/colly"
	"github.com/editalwatch/discovery/internal/fetcher/headless"
	"github.com/editalwatch/discovery/internal/hash/sha256"
	"github.com/editalwatch/discovery/internal/headless/detector"
	"github.com/editalwatch/discovery/internal/id/uuid"
	"github.com/editalwatch/discovery/internal/metrics"
	"github.com/editalwatch/discovery/internal/normalize"
	"github.com/editalwatch/discovery/internal/policy/ratelimit"
	"github.com/editalwatch/discovery/internal/policy/retry"
	"github.com/editalwatch/discovery/internal/policy/robots"
	memorypublisher "github.com/editalwatch/discovery/internal/publisher/memory"
	pubsubpublisher "github.com/editalwatch/discovery/internal/publisher/pubsub"
	queueMemory "github.com/editalwatch/discovery/internal/queue/memory"
	"github.com/editalwatch/discovery/internal/storage/gcs"
	"github.com/editalwatch/discovery/internal/storage/local"
	memoryStorage "github.com/editalwatch/discovery/internal/storage/memory"
	"github.com/editalwatch/discovery/internal/storage/postgres"
	"github.com/editalwatch/discovery/internal/storage/sqlite"
	"github.com/editalwatch/discovery/internal/telemetry"
)

// Version is stamped into traces.
var Version = "dev"

const defaultReadHeaderTimeout = 5 * time.Second

// App holds all the shared, long-lived services for the application. It is
// built once at startup and closed by the root command when it exits.
type App struct {
	cfg          config.Config
	logger       *zap.Logger
	store        crawler.Store
	publisher    crawler.Publisher
	recorder     *telemetry.Recorder
	reviews      *telemetry.ReviewQueue
	orchestrator *discovery.Orchestrator
	runner       *discovery.Runner
	queue        *queueMemory.Queue
	dispatcher   *dispatcher.Dispatcher
	tracer       *sdktrace.TracerProvider

	closers []func() error
}

// GetLogger returns the shared zap logger.
func (a *App) GetLogger() *zap.Logger { return a.logger }

// GetConfig returns the loaded configuration.
func (a *App) GetConfig() config.Config { return a.cfg }

// GetStore exposes the relational store.
func (a *App) GetStore() crawler.Store { return a.store }

// GetReviews exposes the manual review queue.
func (a *App) GetReviews() *telemetry.ReviewQueue { return a.reviews }

// GetRecorder exposes the domain telemetry recorder.
func (a *App) GetRecorder() *telemetry.Recorder { return a.recorder }

// GetOrchestrator exposes the discovery orchestrator.
func (a *App) GetOrchestrator() *discovery.Orchestrator { return a.orchestrator }

// GetRunner exposes the batch runner.
func (a *App) GetRunner() *discovery.Runner { return a.runner }

// GetDispatcher exposes the run trigger dispatcher.
func (a *App) GetDispatcher() *dispatcher.Dispatcher { return a.dispatcher }

// NewScheduler builds the periodic scheduler from the run settings.
func (a *App) NewScheduler() *discovery.Scheduler {
	return discovery.NewScheduler(a.runner, a.cfg.Run.Interval, a.cfg.Run.Batches, a.logger)
}

// NewHTTPServer builds the admin HTTP server.
func (a *App) NewHTTPServer() *http.Server {
	srv := api.NewServer(api.Options{
		Contests:   a.store,
		Telemetry:  a.recorder,
		Reviews:    a.reviews,
		Triggers:   a.dispatcher,
		Sources:    a.orchestrator,
		Thresholds: a.cfg.Alerts.Thresholds,
		Lookback:   a.cfg.Alerts.Lookback,
		APIKey:     a.cfg.Server.APIKey,
		Clock:      system.New(),
		Logger:     a.logger,
	})
	return &http.Server{
		Addr:              a.cfg.Server.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: defaultReadHeaderTimeout,
	}
}

// New creates and initializes an App from cfg and the source catalogue. It
// fails fast if any critical service cannot be initialized; anything opened
// before the failure is released.
func New(ctx context.Context, cfg config.Config, sources []crawler.Source, logger *zap.Logger) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()
	logger.Info("initializing application services",
		zap.String("store", cfg.Store.Driver),
		zap.String("archive", cfg.Archive.Driver),
		zap.String("publish", cfg.Publish.Driver),
		zap.Int("sources", len(sources)),
	)

	metrics.Init()
	if cfg.Tracing.Enabled {
		tp, err := telemetry.InitTracerProvider(ctx, cfg.Tracing.ServiceName, Version)
		if err != nil {
			return nil, fmt.Errorf("init tracing: %w", err)
		}
		a.tracer = tp
	}

	if a.store, err = openStore(ctx, cfg.Store); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.store.Close)
	if err := a.store.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate store: %w", err)
	}

	blobs, closeBlobs, err := openArchive(ctx, cfg.Archive)
	if err != nil {
		return nil, err
	}
	if closeBlobs != nil {
		a.closers = append(a.closers, closeBlobs)
	}

	var closePublisher func() error
	a.publisher, closePublisher, err = openPublisher(ctx, cfg.Publish)
	if err != nil {
		return nil, err
	}
	if closePublisher != nil {
		a.closers = append(a.closers, closePublisher)
	}

	clock := system.New()
	ids := uuid.New()
	a.recorder = telemetry.NewRecorder(a.store, clock, cfg.Alerts.Window, logger)
	a.reviews = telemetry.NewReviewQueue(a.store, ids, clock, logger)
	escalator := telemetry.NewEscalator(a.reviews, a.store, cfg.Blocking.ReviewThreshold, logger)

	var promoter fetcher.Promoter
	if cfg.Headless.Enabled {
		promoter = detector.NewHeuristic(cfg.Headless.PromotionThreshold)
	}
	sessions, err := discovery.NewSessions(sessionConfig(cfg), a.recorder, escalator, promoter, logger)
	if err != nil {
		return nil, err
	}

	subjects := cfg.Normalize.Subjects
	if len(subjects) == 0 {
		subjects = normalize.DefaultSubjects
	}
	adp := adapter.New(
		extract.New(cfg.Extract.MinChars),
		normalize.New(subjects, cfg.Normalize.ChunkSize, cfg.Normalize.DefaultBucket),
		adapter.NewRegistry(),
		logger,
	)

	a.orchestrator, err = discovery.New(discovery.Options{
		Sources:    sources,
		Store:      a.store,
		Adapter:    adp,
		Sessions:   sessions,
		Archive:    discovery.NewArchiver(blobs, sha256.New().ObjectKey, cfg.Archive.Prefix, logger),
		Publisher:  a.publisher,
		Topic:      cfg.Publish.Topic,
		Clock:      clock,
		RunTimeout: cfg.Run.Timeout,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	a.runner = discovery.NewRunner(a.orchestrator, logger)
	a.queue = queueMemory.NewQueue(cfg.Run.QueueDepth)
	a.dispatcher = dispatcher.New(a.queue, a.orchestrator, cfg.Run.Workers, ids, clock, logger)

	logger.Info("application services initialized")
	return a, nil
}

func sessionConfig(cfg config.Config) discovery.SessionConfig {
	return discovery.SessionConfig{
		HTTP: collyfetcher.Config{
			UserAgent:    cfg.HTTP.UserAgent,
			Timeout:      cfg.HTTP.Timeout,
			MaxBytes:     cfg.HTTP.MaxBytes,
			MaxRedirects: cfg.HTTP.MaxRedirects,
		},
		HeadlessEnabled: cfg.Headless.Enabled,
		Headless: headless.Config{
			UserAgent:         cfg.HTTP.UserAgent,
			NavigationTimeout: cfg.Headless.NavTimeout,
			DomainQPS:         cfg.Headless.DomainQPS,
			ExecPath:          cfg.Headless.ExecPath,
		},
		Robots: robots.Config{
			Respect:   cfg.Politeness.RespectRobots,
			UserAgent: cfg.HTTP.UserAgent,
			Timeout:   cfg.Politeness.RobotsTimeout,
		},
		Limiter: ratelimit.Config{
			BaseDelay: cfg.Politeness.BaseDelay,
			Jitter:    cfg.Politeness.Jitter,
		},
		Retry: retry.Policy{
			Attempts:  cfg.Politeness.RetryAttempts,
			BaseDelay: cfg.Politeness.RetryBaseDelay,
			Retryable: crawler.IsRetryable,
		},
		BlockPatterns: cfg.Blocking.Patterns,
		DenyHosts:     cfg.Blocking.DenyHosts,
	}
}

func openStore(ctx context.Context, cfg config.StoreConfig) (crawler.Store, error) {
	switch cfg.Driver {
	case "postgres":
		store, err := postgres.New(ctx, postgres.Config{DSN: cfg.DSN, MaxConns: cfg.MaxConns})
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		return store, nil
	case "sqlite":
		store, err := sqlite.Open(cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown store driver: %s", cfg.Driver)
	}
}

// openArchive returns a nil store for the "none" driver, which disables
// archiving.
func openArchive(ctx context.Context, cfg config.ArchiveConfig) (crawler.BlobStore, func() error, error) {
	switch cfg.Driver {
	case "none":
		return nil, nil, nil
	case "memory":
		return memoryStorage.NewBlobStore(), nil, nil
	case "local":
		store, err := local.New(local.Config{BaseDir: cfg.BaseDir})
		if err != nil {
			return nil, nil, fmt.Errorf("open local archive: %w", err)
		}
		return store, nil, nil
	case "gcs":
		store, err := gcs.Open(ctx, gcs.Config{Bucket: cfg.Bucket})
		if err != nil {
			return nil, nil, fmt.Errorf("open gcs archive: %w", err)
		}
		return store, store.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown archive driver: %s", cfg.Driver)
	}
}

func openPublisher(ctx context.Context, cfg config.PublishConfig) (crawler.Publisher, func() error, error) {
	switch cfg.Driver {
	case "none":
		return nil, nil, nil
	case "memory":
		return memorypublisher.New(), nil, nil
	case "pubsub":
		pub, err := pubsubpublisher.Open(ctx, pubsubpublisher.Config{
			ProjectID: cfg.ProjectID,
			Topic:     cfg.Topic,
			Ordered:   cfg.Ordered,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("open pubsub publisher: %w", err)
		}
		return pub, pub.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown publish driver: %s", cfg.Driver)
	}
}

// Close releases every service in reverse order of creation. It is safe to
// call more than once.
func (a *App) Close() {
	a.logger.Info("shutting down application services")
	if a.queue != nil {
		a.queue.Close()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	if a.tracer != nil {
		errs = append(errs, a.tracer.Shutdown(context.Background()))
		a.tracer = nil
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("error closing services", zap.Error(err))
	}
}
