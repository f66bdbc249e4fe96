package discovery

import (
	"errors"

	"go.uber.org/zap"

	"github.com/editalwatch/discovery/internal/crawler"
	"github.com/editalwatch/discovery/internal/fetcher"
	collyfetcher "github.com/editalwatch/discovery/internal/fetcher/colly"
	"github.com/editalwatch/discovery/internal/fetcher/headless"
	"github.com/editalwatch/discovery/internal/policy/ratelimit"
	"github.com/editalwatch/discovery/internal/policy/retry"
	"github.com/editalwatch/discovery/internal/policy/robots"
)

// SessionConfig describes the transport every run builds for itself.
type SessionConfig struct {
	HTTP            collyfetcher.Config
	HeadlessEnabled bool
	Headless        headless.Config
	Robots          robots.Config
	Limiter         ratelimit.Config
	Retry           retry.Policy
	BlockPatterns   []string
	DenyHosts       []string
}

// Session holds the resources owned by one run: a shared limiter, a robots
// cache and at most one headless browser. Close must be called on every exit
// path.
type Session struct {
	*fetcher.Fetcher
	browser interface{ Close() error }
}

// Close releases the headless browser, if one was started.
func (s *Session) Close() error {
	if s == nil || s.browser == nil {
		return nil
	}
	return s.browser.Close()
}

// Opener creates a fresh Session per run or batch.
type Opener interface {
	Open() (*Session, error)
}

// Sessions builds Sessions from a fixed configuration and shared sinks.
type Sessions struct {
	cfg       SessionConfig
	blocks    *fetcher.BlockDetector
	deny      *fetcher.HostDenylist
	telemetry fetcher.Reporter
	escalator fetcher.BlockReporter
	promoter  fetcher.Promoter
	logger    *zap.Logger
}

// NewSessions validates cfg once so every Open is cheap.
func NewSessions(
	cfg SessionConfig,
	telemetry fetcher.Reporter,
	escalator fetcher.BlockReporter,
	promoter fetcher.Promoter,
	logger *zap.Logger,
) (*Sessions, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Retry.Attempts <= 0 {
		return nil, errors.New("session: retry attempts must be positive")
	}
	return &Sessions{
		cfg:       cfg,
		blocks:    fetcher.NewBlockDetector(cfg.BlockPatterns),
		deny:      fetcher.NewHostDenylist(cfg.DenyHosts),
		telemetry: telemetry,
		escalator: escalator,
		promoter:  promoter,
		logger:    logger,
	}, nil
}

// Open assembles a run-scoped Fetcher. The browser starts lazily on the first
// headless fetch.
func (s *Sessions) Open() (*Session, error) {
	static := collyfetcher.New(s.cfg.HTTP)
	limiter := ratelimit.New(s.cfg.Limiter)
	opts := fetcher.Options{
		Static:    static,
		Robots:    robots.New(s.cfg.Robots, nil, limiter, s.logger),
		Deny:      s.deny,
		Limiter:   limiter,
		Retry:     s.cfg.Retry,
		Blocks:    s.blocks,
		Telemetry: s.telemetry,
		Escalator: s.escalator,
		Promoter:  s.promoter,
		Logger:    s.logger,
	}
	sess := &Session{}
	if s.cfg.HeadlessEnabled {
		browser := headless.New(s.cfg.Headless, static, s.logger)
		opts.Headless = browser
		sess.browser = browser
	}
	sess.Fetcher = fetcher.New(opts)
	return sess, nil
}

var _ crawler.Strategy = (*headless.Fetcher)(nil)
