// Package headless renders pages in a headless Chrome owned by one run.
package headless

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/editalwatch/discovery/internal/crawler"
	"github.com/editalwatch/discovery/internal/metrics"
)

// Config controls the behavior of the headless fetcher.
type Config struct {
	UserAgent         string
	NavigationTimeout time.Duration
	DomainQPS         float64
	ExecPath          string
}

// Fetcher renders pages with chromedp. The browser is started on the first
// Fetch and torn down by Close; callers must Close on every exit path.
type Fetcher struct {
	cfg    Config
	static crawler.Strategy
	logger *zap.Logger

	mu            sync.Mutex
	started       bool
	closed        bool
	browserCtx    context.Context
	browserCancel context.CancelFunc
	allocCancel   context.CancelFunc

	domainLimiters sync.Map
}

// New creates a headless fetcher. No browser process is started until the
// first Fetch. static re-fetches binaries the browser navigates to.
func New(cfg Config, static crawler.Strategy, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	return &Fetcher{cfg: cfg, static: static, logger: logger.Named("headless")}
}

// Started reports whether the browser process has been launched.
func (f *Fetcher) Started() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started
}

// Close tears down the browser and allocator contexts. It is safe to call
// more than once and on a fetcher that never started.
func (f *Fetcher) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	if f.started {
		f.browserCancel()
		f.allocCancel()
		f.logger.Debug("headless browser closed")
	}
	return nil
}

func (f *Fetcher) browser() (context.Context, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, crawler.ErrHeadlessUnavailable
	}
	if f.started {
		return f.browserCtx, nil
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
	)
	if f.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(f.cfg.UserAgent))
	}
	if f.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(f.cfg.ExecPath))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("start headless browser: %w: %w", crawler.ErrHeadlessUnavailable, err)
	}
	f.started = true
	f.browserCtx = browserCtx
	f.browserCancel = browserCancel
	f.allocCancel = allocCancel
	f.logger.Debug("headless browser started")
	return browserCtx, nil
}

// Fetch navigates to the URL, waits for the DOM to be ready and returns the
// rendered HTML. A navigation that lands on a PDF is re-fetched as bytes
// through the static strategy.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResult, error) {
	browserCtx, err := f.browser()
	if err != nil {
		return crawler.FetchResult{}, err
	}
	if err := f.waitDomainBudget(ctx, request.URL); err != nil {
		return crawler.FetchResult{}, err
	}

	tabCtx, cancelTab := chromedp.NewContext(browserCtx)
	defer cancelTab()
	taskCtx, cancelTask := context.WithTimeout(tabCtx, f.cfg.NavigationTimeout)
	defer cancelTask()
	stop := context.AfterFunc(ctx, cancelTask)
	defer stop()

	meta := newResponseMeta()
	chromedp.ListenTarget(taskCtx, meta.captureEvent)

	start := time.Now()
	defer func() { metrics.ObserveFetchDuration("headless", time.Since(start)) }()

	navErr := chromedp.Run(taskCtx, f.networkSetupAction(), chromedp.Navigate(request.URL))
	if meta.isPDF() {
		return f.refetchBinary(ctx, request, meta)
	}
	if navErr != nil {
		return crawler.FetchResult{}, f.navigationError(ctx, taskCtx, request.URL, navErr)
	}

	var html, finalURL string
	if err := chromedp.Run(taskCtx,
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	); err != nil {
		return crawler.FetchResult{}, f.navigationError(ctx, taskCtx, request.URL, err)
	}

	return renderedResult(request, meta, finalURL, html, time.Since(start))
}

// renderedResult builds the result of a rendered navigation. An error status
// on the document response still returns the page, alongside a FetchError,
// the same way the static strategy does.
func renderedResult(request crawler.FetchRequest, meta *responseMeta, finalURL, html string, elapsed time.Duration) (crawler.FetchResult, error) {
	status, contentType, responseURL := meta.snapshot()
	if finalURL == "" {
		finalURL = responseURL
	}
	if status == 0 {
		status = http.StatusOK
	}
	if contentType == "" {
		contentType = "text/html"
	}
	res := crawler.FetchResult{
		URL:          request.URL,
		FinalURL:     finalURL,
		ContentType:  contentType,
		StatusCode:   status,
		Body:         []byte(html),
		UsedHeadless: true,
		Duration:     elapsed,
	}
	if status >= http.StatusBadRequest {
		return res, &crawler.FetchError{Kind: crawler.KindHTTP, URL: request.URL, StatusCode: status}
	}
	return res, nil
}

func (f *Fetcher) refetchBinary(ctx context.Context, request crawler.FetchRequest, meta *responseMeta) (crawler.FetchResult, error) {
	if f.static == nil {
		return crawler.FetchResult{}, &crawler.FetchError{Kind: crawler.KindTransport, URL: request.URL,
			Err: fmt.Errorf("pdf navigation without static strategy")}
	}
	_, _, responseURL := meta.snapshot()
	target := request
	if responseURL != "" {
		target.URL = responseURL
	}
	target.Mode = crawler.ModeStatic
	res, err := f.static.Fetch(ctx, target)
	res.URL = request.URL
	res.UsedHeadless = true
	return res, err
}

func (f *Fetcher) navigationError(parent, task context.Context, rawURL string, err error) error {
	if parent.Err() != nil {
		return fmt.Errorf("headless fetch: %w", parent.Err())
	}
	if task.Err() != nil {
		return &crawler.FetchError{Kind: crawler.KindTimeout, URL: rawURL, Err: err}
	}
	return &crawler.FetchError{Kind: crawler.KindTransport, URL: rawURL, Err: err}
}

func (f *Fetcher) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if f.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(f.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

func (f *Fetcher) waitDomainBudget(ctx context.Context, rawURL string) error {
	if f.cfg.DomainQPS <= 0 {
		return nil
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse render url: %w", err)
	}
	host := strings.ToLower(parsed.Host)
	val, _ := f.domainLimiters.LoadOrStore(host, rate.NewLimiter(rate.Limit(f.cfg.DomainQPS), 1))
	limiter, ok := val.(*rate.Limiter)
	if !ok {
		return fmt.Errorf("unexpected limiter type %T", val)
	}
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("wait limiter: %w", err)
	}
	return nil
}

type responseMeta struct {
	mu       sync.RWMutex
	status   int
	mimeType string
	url      string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{}
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	m.mu.Lock()
	m.status = int(event.Response.Status)
	m.mimeType = event.Response.MimeType
	m.url = event.Response.URL
	m.mu.Unlock()
}

func (m *responseMeta) snapshot() (int, string, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status, m.mimeType, m.url
}

func (m *responseMeta) isPDF() bool {
	_, mimeType, _ := m.snapshot()
	mediaType, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(mimeType))
	}
	return mediaType == "application/pdf"
}
