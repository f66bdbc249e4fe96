package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/editalwatch/discovery/internal/crawler"
)

func TestBackoffDoubles(t *testing.T) {
	t.Parallel()

	p := Policy{BaseDelay: 100 * time.Millisecond}
	require.Equal(t, 100*time.Millisecond, p.Backoff(0))
	require.Equal(t, 200*time.Millisecond, p.Backoff(1))
	require.Equal(t, 400*time.Millisecond, p.Backoff(2))
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	t.Parallel()

	calls := 0
	err := Do(context.Background(), Policy{Attempts: 3, BaseDelay: time.Millisecond}, func(context.Context, int) error {
		calls++
		if calls < 3 {
			return &crawler.FetchError{Kind: crawler.KindTimeout}
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestDoReturnsLastErrorAfterExhaustion(t *testing.T) {
	t.Parallel()

	var seen []int
	err := Do(context.Background(), Policy{Attempts: 3, BaseDelay: time.Millisecond}, func(_ context.Context, attempt int) error {
		seen = append(seen, attempt)
		return &crawler.FetchError{Kind: crawler.KindHTTP, StatusCode: 500 + attempt}
	})
	var fe *crawler.FetchError
	require.ErrorAs(t, err, &fe)
	require.Equal(t, 502, fe.StatusCode)
	require.Equal(t, []int{0, 1, 2}, seen)
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	t.Parallel()

	calls := 0
	err := Do(context.Background(), Policy{Attempts: 5, BaseDelay: time.Millisecond}, func(context.Context, int) error {
		calls++
		return &crawler.FetchError{Kind: crawler.KindBlocked}
	})
	require.ErrorIs(t, err, crawler.ErrBlocked)
	require.Equal(t, 1, calls)
}

func TestDoCustomRetryable(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	calls := 0
	err := Do(context.Background(), Policy{Attempts: 2, Retryable: func(error) bool { return true }}, func(context.Context, int) error {
		calls++
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 2, calls)
}

func TestDoHonoursCancellationDuringBackoff(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, Policy{Attempts: 3, BaseDelay: time.Hour}, func(context.Context, int) error {
		calls++
		cancel()
		return &crawler.FetchError{Kind: crawler.KindTransport}
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, calls)
}
