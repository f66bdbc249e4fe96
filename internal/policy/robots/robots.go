// Package robots answers whether a URL may be fetched according to the
// host's robots.txt. Lookups are cached per Checker; create one Checker per
// discovery run. Failures to obtain robots.txt allow access, but a URL that is
// not absolute is always refused since it could never be fetched.
package robots

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"

	"github.com/editalwatch/discovery/internal/metrics"
)

const maxRobotsBytes = 1 << 20

// Config controls robots.txt enforcement.
type Config struct {
	Respect   bool
	UserAgent string
	Timeout   time.Duration
}

// Waiter paces outgoing requests. The Checker shares the run's limiter so a
// robots.txt download counts as one more request to the site.
type Waiter interface {
	Wait(ctx context.Context) error
}

// Checker enforces robots.txt directives per host.
type Checker struct {
	client    *http.Client
	limiter   Waiter
	respect   bool
	userAgent string
	logger    *zap.Logger

	mu    sync.Mutex
	cache map[string]*robotstxt.Group
}

// New builds a Checker. A nil client uses a dedicated client with cfg.Timeout
// and a nil limiter sends robots.txt requests unpaced.
func New(cfg Config, client *http.Client, limiter Waiter, logger *zap.Logger) *Checker {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return &Checker{
		client:    client,
		limiter:   limiter,
		respect:   cfg.Respect,
		userAgent: cfg.UserAgent,
		logger:    logger.Named("robots"),
		cache:     make(map[string]*robotstxt.Group),
	}
}

// Allowed reports whether rawURL may be fetched. Unreachable, server-error or
// malformed robots.txt files allow access. Relative or unparseable URLs are
// refused.
func (c *Checker) Allowed(ctx context.Context, rawURL string) bool {
	if c == nil || !c.respect {
		return true
	}
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return false
	}
	group := c.group(ctx, parsed)
	if group == nil {
		return true
	}
	target := parsed.EscapedPath()
	if target == "" {
		target = "/"
	}
	if parsed.RawQuery != "" {
		target += "?" + parsed.RawQuery
	}
	allowed := group.Test(target)
	if allowed {
		metrics.ObserveRobots("allow")
	} else {
		metrics.ObserveRobots("deny")
	}
	return allowed
}

// group returns the cached rules for the URL's host. A nil group allows all.
func (c *Checker) group(ctx context.Context, parsed *url.URL) *robotstxt.Group {
	key := strings.ToLower(parsed.Scheme + "://" + parsed.Host)

	c.mu.Lock()
	defer c.mu.Unlock()
	if g, ok := c.cache[key]; ok {
		return g
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			c.logger.Debug("robots wait interrupted", zap.String("host", parsed.Host), zap.Error(err))
			return nil
		}
	}
	data, err := c.load(ctx, parsed)
	if err != nil {
		c.logger.Warn("robots unavailable; allowing access", zap.String("host", parsed.Host), zap.Error(err))
		metrics.ObserveRobots("fail_open")
		c.cache[key] = nil
		return nil
	}
	g := data.FindGroup(c.userAgent)
	c.cache[key] = g
	return g
}

func (c *Checker) load(ctx context.Context, parsed *url.URL) (*robotstxt.RobotsData, error) {
	robotsURL := url.URL{Scheme: parsed.Scheme, Host: parsed.Host, Path: "/robots.txt"}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("new robots request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch robots: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Debug("close robots body", zap.Error(cerr))
		}
	}()
	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, fmt.Errorf("fetch robots: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsBytes))
	if err != nil {
		return nil, fmt.Errorf("read robots body: %w", err)
	}
	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		return nil, fmt.Errorf("parse robots: %w", err)
	}
	return data, nil
}
