package headless

import (
	"context"

	"github.com/editalwatch/discovery/internal/crawler"
)

// Disabled stands in for the headless strategy when it is switched off in
// configuration. Every fetch fails with crawler.ErrHeadlessUnavailable.
type Disabled struct{}

// Fetch always returns crawler.ErrHeadlessUnavailable.
func (Disabled) Fetch(context.Context, crawler.FetchRequest) (crawler.FetchResult, error) {
	return crawler.FetchResult{}, crawler.ErrHeadlessUnavailable
}

// Close is a no-op.
func (Disabled) Close() error { return nil }
