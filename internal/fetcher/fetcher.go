// Package fetcher composes the politeness guard, the fetch strategies, block
// detection and telemetry into the single entry point used by adapters.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/editalwatch/discovery/internal/crawler"
	"github.com/editalwatch/discovery/internal/policy/retry"
)

// RobotsChecker vetoes disallowed URLs.
type RobotsChecker interface {
	Allowed(ctx context.Context, rawURL string) bool
}

// Waiter delays a request for politeness.
type Waiter interface {
	Wait(ctx context.Context) error
}

// Reporter records the final outcome of one request against a host.
type Reporter interface {
	Report(ctx context.Context, host string, outcome crawler.Outcome, bytes int64)
}

// BlockReporter tracks blocked streaks per (source, URL).
type BlockReporter interface {
	ReportBlocked(ctx context.Context, sourceID, rawURL, reason string)
	ReportSuccess(ctx context.Context, sourceID, rawURL string)
}

// Promoter decides whether a static HTML response needs the headless strategy.
type Promoter interface {
	ShouldPromote(res crawler.FetchResult) bool
}

// Options wires a Fetcher. Static is required; everything else is optional.
type Options struct {
	Static    crawler.Strategy
	Headless  crawler.Strategy
	Robots    RobotsChecker
	Deny      *HostDenylist
	Limiter   Waiter
	Retry     retry.Policy
	Blocks    *BlockDetector
	Telemetry Reporter
	Escalator BlockReporter
	Promoter  Promoter
	Logger    *zap.Logger
}

// Fetcher is scoped to one run: its limiter, robots cache and headless
// strategy are owned by that run.
type Fetcher struct {
	static    crawler.Strategy
	headless  crawler.Strategy
	robots    RobotsChecker
	deny      *HostDenylist
	limiter   Waiter
	retry     retry.Policy
	blocks    *BlockDetector
	telemetry Reporter
	escalator BlockReporter
	promoter  Promoter
	logger    *zap.Logger
}

// New builds a Fetcher from opts.
func New(opts Options) *Fetcher {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	blocks := opts.Blocks
	if blocks == nil {
		blocks = NewBlockDetector(nil)
	}
	return &Fetcher{
		static:    opts.Static,
		headless:  opts.Headless,
		robots:    opts.Robots,
		deny:      opts.Deny,
		limiter:   opts.Limiter,
		retry:     opts.Retry,
		blocks:    blocks,
		telemetry: opts.Telemetry,
		escalator: opts.Escalator,
		promoter:  opts.Promoter,
		logger:    logger.Named("fetcher"),
	}
}

// HasHeadless reports whether a headless strategy is wired.
func (f *Fetcher) HasHeadless() bool {
	return f.headless != nil
}

// Allowed consults robots.txt for rawURL.
func (f *Fetcher) Allowed(ctx context.Context, rawURL string) bool {
	return f.robots == nil || f.robots.Allowed(ctx, rawURL)
}

// Permit reports why rawURL may not be fetched at all: a denied host or a
// robots.txt veto. It issues no request against rawURL itself.
func (f *Fetcher) Permit(ctx context.Context, rawURL string) error {
	if f.deny.Denied(crawler.Host(rawURL)) {
		return fmt.Errorf("fetch %s: %w", rawURL, crawler.ErrHostDenied)
	}
	if !f.Allowed(ctx, rawURL) {
		return fmt.Errorf("fetch %s: %w", rawURL, crawler.ErrRobotsDisallowed)
	}
	return nil
}

// Fetch retrieves one URL with the strategy named by req.Mode. Denied hosts
// and disallowed URLs fail before any request is issued. Every other outcome
// is reported to telemetry exactly once, after retries.
func (f *Fetcher) Fetch(ctx context.Context, req crawler.FetchRequest) (crawler.FetchResult, error) {
	if err := f.Permit(ctx, req.URL); err != nil {
		return crawler.FetchResult{}, err
	}
	strategy := f.static
	if req.Mode == crawler.ModeHeadless {
		if f.headless == nil {
			return crawler.FetchResult{}, crawler.ErrHeadlessUnavailable
		}
		strategy = f.headless
	}

	var res crawler.FetchResult
	err := retry.Do(ctx, f.retry, func(ctx context.Context, _ int) error {
		if f.limiter != nil {
			if err := f.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		var ferr error
		res, ferr = strategy.Fetch(ctx, req)
		return f.scan(req, &res, ferr)
	})
	if errors.Is(err, crawler.ErrHeadlessUnavailable) || ctx.Err() != nil {
		return res, err
	}
	f.record(ctx, req, res, err)
	return res, err
}

// scan applies block detection to any response body, whatever its status.
func (f *Fetcher) scan(req crawler.FetchRequest, res *crawler.FetchResult, err error) error {
	var fe *crawler.FetchError
	if err != nil && (!errors.As(err, &fe) || fe.Kind != crawler.KindHTTP) {
		return err
	}
	if pattern, blocked := f.blocks.Match(res.Body); blocked {
		res.Blocked = true
		return &crawler.FetchError{
			Kind:       crawler.KindBlocked,
			URL:        req.URL,
			StatusCode: res.StatusCode,
			Err:        fmt.Errorf("%w: matched %q", crawler.ErrBlocked, pattern),
		}
	}
	return err
}

func (f *Fetcher) record(ctx context.Context, req crawler.FetchRequest, res crawler.FetchResult, err error) {
	outcome := OutcomeOf(res, err)
	host := crawler.Host(req.URL)
	if f.telemetry != nil {
		f.telemetry.Report(context.WithoutCancel(ctx), host, outcome, int64(len(res.Body)))
	}
	fields := []zap.Field{
		zap.String("source", req.SourceID),
		zap.String("url", req.URL),
		zap.String("outcome", string(outcome)),
		zap.Int("status", res.StatusCode),
	}
	switch outcome {
	case crawler.OutcomeOK:
		f.logger.Debug("fetched", fields...)
		if f.escalator != nil {
			f.escalator.ReportSuccess(context.WithoutCancel(ctx), req.SourceID, req.URL)
		}
	case crawler.OutcomeBlocked:
		f.logger.Warn("blocked", append(fields, zap.Error(err))...)
		if f.escalator != nil {
			f.escalator.ReportBlocked(context.WithoutCancel(ctx), req.SourceID, req.URL, err.Error())
		}
	default:
		f.logger.Info("fetch failed", append(fields, zap.Error(err))...)
	}
}

// OutcomeOf maps a fetch result and error to its telemetry outcome. Blocking
// takes precedence over any status code.
func OutcomeOf(res crawler.FetchResult, err error) crawler.Outcome {
	if res.Blocked || errors.Is(err, crawler.ErrBlocked) {
		return crawler.OutcomeBlocked
	}
	var fe *crawler.FetchError
	if errors.As(err, &fe) && fe.Kind == crawler.KindHTTP {
		if fe.StatusCode >= http.StatusInternalServerError {
			return crawler.Outcome5xx
		}
		return crawler.Outcome4xx
	}
	if err != nil {
		return crawler.OutcomeTransport
	}
	return crawler.OutcomeOK
}

// FetchWithFallback fetches statically first and, when that fails or the page
// looks like a script shell, makes one headless attempt. Headless failures
// never fall back to static. Robots vetoes and blocks are terminal.
func (f *Fetcher) FetchWithFallback(ctx context.Context, req crawler.FetchRequest) (crawler.FetchResult, error) {
	if req.Mode == crawler.ModeHeadless && f.headless != nil {
		return f.Fetch(ctx, req)
	}
	req.Mode = crawler.ModeStatic
	res, err := f.Fetch(ctx, req)
	if !f.shouldPromote(ctx, res, err) {
		return res, err
	}

	promoted := req
	promoted.Mode = crawler.ModeHeadless
	hres, herr := f.Fetch(ctx, promoted)
	if errors.Is(herr, crawler.ErrHeadlessUnavailable) {
		return res, err
	}
	if herr != nil && err == nil {
		// The static page was usable; keep it.
		f.logger.Debug("headless promotion failed", zap.String("url", req.URL), zap.Error(herr))
		return res, nil
	}
	return hres, herr
}

func (f *Fetcher) shouldPromote(ctx context.Context, res crawler.FetchResult, err error) bool {
	if f.headless == nil || ctx.Err() != nil {
		return false
	}
	if err != nil {
		return !errors.Is(err, crawler.ErrRobotsDisallowed) &&
			!errors.Is(err, crawler.ErrHostDenied) &&
			!errors.Is(err, crawler.ErrBlocked)
	}
	return f.promoter != nil && f.promoter.ShouldPromote(res)
}
