// Package collyfetcher implements the static fetch strategy using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/editalwatch/discovery/internal/crawler"
	"github.com/editalwatch/discovery/internal/metrics"
)

const acceptHeader = "text/html,application/xhtml+xml,application/pdf;q=0.9,*/*;q=0.8"

// Config controls collector behavior.
type Config struct {
	UserAgent    string
	Timeout      time.Duration
	MaxBytes     int64
	MaxRedirects int
}

// Fetcher performs a single bounded GET per call.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponseHeaders(colly.ResponseHeadersCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// visit accumulates what the collector callbacks observed for one request.
type visit struct {
	result   crawler.FetchResult
	err      error
	tooLarge bool
	status   int
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 15 << 20
	}
	if cfg.MaxRedirects <= 0 {
		cfg.MaxRedirects = 5
	}

	c := colly.NewCollector(colly.Async(false))
	c.AllowURLRevisit = true
	c.IgnoreRobotsTxt = true
	c.ParseHTTPErrorResponse = true
	// One byte past the ceiling lets Fetch tell "exactly at" from "over".
	c.MaxBodySize = int(cfg.MaxBytes + 1)
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	c.WithTransport(newHTTPTransport())
	c.SetRequestTimeout(cfg.Timeout)
	maxRedirects := cfg.MaxRedirects
	c.SetRedirectHandler(func(_ *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return fmt.Errorf("stopped after %d redirects", maxRedirects)
		}
		return nil
	})

	return &Fetcher{cfg: cfg, baseCollector: c}
}

// Fetch executes a single HTTP GET using Colly. Responses with status >= 400
// are returned together with an http_error so callers can still inspect the
// body.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResult, error) {
	start := time.Now()
	state := &visit{}
	collector := f.baseCollector.Clone()
	collector.Context = ctx
	f.configureCollectorHooks(collector, start, state)

	err := f.runCollector(ctx, collector, request.URL)
	metrics.ObserveFetchDuration("static", time.Since(start))
	return f.finish(ctx, request, state, err)
}

func (f *Fetcher) finish(ctx context.Context, request crawler.FetchRequest, state *visit, runErr error) (crawler.FetchResult, error) {
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(ctxErr, context.Canceled) {
		return crawler.FetchResult{}, fmt.Errorf("colly fetch canceled: %w", ctxErr)
	}
	if state.tooLarge {
		return crawler.FetchResult{}, &crawler.FetchError{Kind: crawler.KindTooLarge, URL: request.URL}
	}
	if runErr == nil {
		runErr = state.err
	}
	if runErr != nil {
		return crawler.FetchResult{}, classifyTransport(request.URL, state.status, runErr)
	}

	res := state.result
	res.URL = request.URL
	if int64(len(res.Body)) > f.cfg.MaxBytes {
		return crawler.FetchResult{}, &crawler.FetchError{Kind: crawler.KindTooLarge, URL: request.URL}
	}
	if res.StatusCode >= http.StatusBadRequest {
		return res, &crawler.FetchError{Kind: crawler.KindHTTP, URL: request.URL, StatusCode: res.StatusCode}
	}
	return res, nil
}

func (f *Fetcher) configureCollectorHooks(hooks collectorHooks, start time.Time, state *visit) {
	maxBytes := f.cfg.MaxBytes

	hooks.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", acceptHeader)
	})

	hooks.OnResponseHeaders(func(r *colly.Response) {
		state.status = r.StatusCode
		if r.Headers == nil {
			return
		}
		if n, err := strconv.ParseInt(r.Headers.Get("Content-Length"), 10, 64); err == nil && n > maxBytes {
			state.tooLarge = true
			r.Request.Abort()
		}
	})

	hooks.OnResponse(func(r *colly.Response) {
		final := ""
		if r.Request != nil && r.Request.URL != nil {
			final = r.Request.URL.String()
		}
		contentType := ""
		if r.Headers != nil {
			contentType = r.Headers.Get("Content-Type")
		}
		state.result = crawler.FetchResult{
			FinalURL:    final,
			ContentType: contentType,
			StatusCode:  r.StatusCode,
			Body:        append([]byte(nil), r.Body...),
			Duration:    time.Since(start),
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil {
			state.status = r.StatusCode
		}
		state.err = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit: %w", err)
		}
		return nil
	}
}

func classifyTransport(url string, status int, err error) *crawler.FetchError {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &crawler.FetchError{Kind: crawler.KindTimeout, URL: url, Err: err}
	}
	if status >= http.StatusBadRequest {
		return &crawler.FetchError{Kind: crawler.KindHTTP, URL: url, StatusCode: status, Err: err}
	}
	return &crawler.FetchError{Kind: crawler.KindTransport, URL: url, Err: err}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
