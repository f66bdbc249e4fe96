package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/editalwatch/discovery/internal/crawler"
	"github.com/editalwatch/discovery/internal/dispatcher"
	"github.com/editalwatch/discovery/internal/queue/memory"
	"github.com/editalwatch/discovery/internal/telemetry"
)

type fakeClock struct{ now time.Time }

func (c fakeClock) Now() time.Time { return c.now }

type fakeTelemetry struct {
	since    time.Time
	counters []crawler.DomainCounter
	err      error
}

func (f *fakeTelemetry) Counters(_ context.Context, since time.Time) ([]crawler.DomainCounter, error) {
	f.since = since
	return f.counters, f.err
}

func (f *fakeTelemetry) Alerts(_ context.Context, since time.Time, th telemetry.Thresholds) ([]telemetry.Alert, error) {
	f.since = since
	if f.err != nil {
		return nil, f.err
	}
	return telemetry.Evaluate(f.counters, th), nil
}

type fakeReviews struct {
	tickets  []crawler.ManualReviewTicket
	resolved map[string]crawler.TicketStatus
}

func (f *fakeReviews) List(_ context.Context, status crawler.TicketStatus) ([]crawler.ManualReviewTicket, error) {
	var out []crawler.ManualReviewTicket
	for _, t := range f.tickets {
		if status == "" || t.Status == status {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeReviews) Resolve(_ context.Context, id string, status crawler.TicketStatus, _ string) error {
	if status != crawler.TicketResolved && status != crawler.TicketIgnored {
		return telemetry.ErrInvalidResolution
	}
	for _, t := range f.tickets {
		if t.ID == id {
			f.resolved[id] = status
			return nil
		}
	}
	return fmt.Errorf("resolve %s: %w", id, crawler.ErrTicketNotFound)
}

type fakeTriggers struct {
	err      error
	enqueued []string
	statuses map[string]dispatcher.Status
}

func (f *fakeTriggers) Enqueue(slug string) (crawler.RunTrigger, error) {
	if f.err != nil {
		return crawler.RunTrigger{}, f.err
	}
	f.enqueued = append(f.enqueued, slug)
	return crawler.RunTrigger{ID: fmt.Sprintf("trigger-%d", len(f.enqueued)), Slug: slug}, nil
}

func (f *fakeTriggers) Status(id string) (dispatcher.Status, bool) {
	st, ok := f.statuses[id]
	return st, ok
}

type fakeSources struct{ runs []crawler.SourceRun }

func (f *fakeSources) Source(slug string) (crawler.Source, error) {
	for _, run := range f.runs {
		if run.Slug == slug {
			return crawler.Source{Slug: slug}, nil
		}
	}
	return crawler.Source{}, crawler.ErrSourceNotFound
}

func (f *fakeSources) States() []crawler.SourceRun { return f.runs }

type fakeContests struct {
	crawler.ContestStore
	contests []crawler.DiscoveredContest
	events   []crawler.ContestUpdateEvent
	source   string
}

func (f *fakeContests) ListContests(_ context.Context, sourceID string) ([]crawler.DiscoveredContest, error) {
	f.source = sourceID
	return f.contests, nil
}

func (f *fakeContests) ListUpdateEvents(_ context.Context, sourceID string) ([]crawler.ContestUpdateEvent, error) {
	f.source = sourceID
	return f.events, nil
}

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestServer(opts Options) *Server {
	opts.Clock = fakeClock{now: testNow}
	opts.Logger = zap.NewNop()
	if opts.Thresholds == (telemetry.Thresholds{}) {
		opts.Thresholds = telemetry.DefaultThresholds
	}
	return NewServer(opts)
}

func serve(t *testing.T, s *Server, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestServer_Healthz(t *testing.T) {
	t.Parallel()

	rec := serve(t, newTestServer(Options{}), http.MethodGet, "/healthz", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "ok")
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestServer_RequestIDIsEchoed(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()
	newTestServer(Options{}).Handler().ServeHTTP(rec, req)

	require.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
}

func TestServer_Alerts(t *testing.T) {
	t.Parallel()

	tel := &fakeTelemetry{counters: []crawler.DomainCounter{
		{Domain: "blocked.example", OK: 1, Blocked: 9},
		{Domain: "fine.example", OK: 10},
	}}
	s := newTestServer(Options{Telemetry: tel})

	rec := serve(t, s, http.MethodGet, "/v1/alerts?since=2h", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, testNow.Add(-2*time.Hour), tel.since)
	body := decode[struct {
		Alerts []telemetry.Alert `json:"alerts"`
	}](t, rec)
	require.Len(t, body.Alerts, 1)
	require.Equal(t, "blocked.example", body.Alerts[0].Domain)
	require.Equal(t, telemetry.LevelCritical, body.Alerts[0].Level)
}

func TestServer_AlertsDefaultLookback(t *testing.T) {
	t.Parallel()

	tel := &fakeTelemetry{}
	s := newTestServer(Options{Telemetry: tel, Lookback: 6 * time.Hour})

	rec := serve(t, s, http.MethodGet, "/v1/alerts", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, testNow.Add(-6*time.Hour), tel.since)
	require.Contains(t, rec.Body.String(), `"alerts":[]`)
}

func TestServer_AlertsRejectsBadSince(t *testing.T) {
	t.Parallel()

	s := newTestServer(Options{Telemetry: &fakeTelemetry{}})

	rec := serve(t, s, http.MethodGet, "/v1/alerts?since=yesterday", nil)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_CountersError(t *testing.T) {
	t.Parallel()

	s := newTestServer(Options{Telemetry: &fakeTelemetry{err: errors.New("db down")}})

	rec := serve(t, s, http.MethodGet, "/v1/counters", nil)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.NotContains(t, rec.Body.String(), "db down")
}

func TestServer_Counters(t *testing.T) {
	t.Parallel()

	tel := &fakeTelemetry{counters: []crawler.DomainCounter{{Domain: "a.example", OK: 3, Bytes: 1024}}}
	s := newTestServer(Options{Telemetry: tel})

	rec := serve(t, s, http.MethodGet, "/v1/counters", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "a.example")
}

func TestServer_ReviewLifecycle(t *testing.T) {
	t.Parallel()

	reviews := &fakeReviews{
		tickets: []crawler.ManualReviewTicket{
			{ID: "t1", SourceID: "alpha", URL: "https://alpha.example/", Status: crawler.TicketOpen},
			{ID: "t2", SourceID: "beta", URL: "https://beta.example/", Status: crawler.TicketResolved},
		},
		resolved: map[string]crawler.TicketStatus{},
	}
	s := newTestServer(Options{Reviews: reviews})

	rec := serve(t, s, http.MethodGet, "/v1/reviews?status=open", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[struct {
		Tickets []crawler.ManualReviewTicket `json:"tickets"`
	}](t, rec)
	require.Len(t, body.Tickets, 1)
	require.Equal(t, "t1", body.Tickets[0].ID)

	rec = serve(t, s, http.MethodPost, "/v1/reviews/t1/resolve", []byte(`{"status":"ignored","notes":"captcha"}`))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, crawler.TicketIgnored, reviews.resolved["t1"])

	rec = serve(t, s, http.MethodPost, "/v1/reviews/t1/resolve", []byte(`{}`))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, crawler.TicketResolved, reviews.resolved["t1"])
}

func TestServer_ResolveReviewErrors(t *testing.T) {
	t.Parallel()

	reviews := &fakeReviews{resolved: map[string]crawler.TicketStatus{}}
	s := newTestServer(Options{Reviews: reviews})

	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{name: "invalid json", path: "/v1/reviews/t1/resolve", body: "{", want: http.StatusBadRequest},
		{name: "reopen", path: "/v1/reviews/t1/resolve", body: `{"status":"open"}`, want: http.StatusBadRequest},
		{name: "unknown ticket", path: "/v1/reviews/missing/resolve", body: `{"status":"resolved"}`, want: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(t, s, http.MethodPost, tt.path, []byte(tt.body))
			require.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestServer_ListReviewsRejectsUnknownStatus(t *testing.T) {
	t.Parallel()

	s := newTestServer(Options{Reviews: &fakeReviews{}})

	rec := serve(t, s, http.MethodGet, "/v1/reviews?status=pending", nil)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_TriggerRun(t *testing.T) {
	t.Parallel()

	triggers := &fakeTriggers{}
	sources := &fakeSources{runs: []crawler.SourceRun{{Slug: "alpha", State: crawler.StatePending}}}
	s := newTestServer(Options{Triggers: triggers, Sources: sources})

	rec := serve(t, s, http.MethodPost, "/v1/runs/alpha", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	trigger := decode[crawler.RunTrigger](t, rec)
	require.Equal(t, "alpha", trigger.Slug)

	rec = serve(t, s, http.MethodPost, "/v1/runs", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, []string{"alpha", ""}, triggers.enqueued)

	rec = serve(t, s, http.MethodPost, "/v1/runs/ghost", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Len(t, triggers.enqueued, 2)
}

func TestServer_TriggerRunQueueErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "already queued", err: fmt.Errorf("queue enqueue: %w", memory.ErrAlreadyQueued), want: http.StatusConflict},
		{name: "full", err: fmt.Errorf("queue enqueue: %w", memory.ErrFull), want: http.StatusServiceUnavailable},
		{name: "closed", err: fmt.Errorf("queue enqueue: %w", crawler.ErrQueueClosed), want: http.StatusServiceUnavailable},
		{name: "other", err: errors.New("boom"), want: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := newTestServer(Options{Triggers: &fakeTriggers{err: tt.err}})
			rec := serve(t, s, http.MethodPost, "/v1/runs", nil)
			require.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestServer_GetTrigger(t *testing.T) {
	t.Parallel()

	triggers := &fakeTriggers{statuses: map[string]dispatcher.Status{
		"tr-1": {Trigger: crawler.RunTrigger{ID: "tr-1", Slug: "alpha"}, State: dispatcher.TriggerRunning},
	}}
	s := newTestServer(Options{Triggers: triggers})

	rec := serve(t, s, http.MethodGet, "/v1/triggers/tr-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), string(dispatcher.TriggerRunning))

	rec = serve(t, s, http.MethodGet, "/v1/triggers/tr-9", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_ListSources(t *testing.T) {
	t.Parallel()

	sources := &fakeSources{runs: []crawler.SourceRun{
		{Slug: "alpha", State: crawler.StateDiscovered, Found: 3, Saved: 2},
		{Slug: "beta", State: crawler.StateSkipped, Reason: "robots_disallowed"},
	}}
	s := newTestServer(Options{Sources: sources})

	rec := serve(t, s, http.MethodGet, "/v1/sources", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[struct {
		Sources []crawler.SourceRun `json:"sources"`
	}](t, rec)
	require.Equal(t, sources.runs, body.Sources)
}

func TestServer_ListContestsAndEvents(t *testing.T) {
	t.Parallel()

	store := &fakeContests{
		contests: []crawler.DiscoveredContest{{SourceID: "alpha", ExternalID: "x1", Title: "Edital 01/2024"}},
		events:   []crawler.ContestUpdateEvent{{SourceID: "alpha", ExternalID: "x1", ContentHash: "h1"}},
	}
	s := newTestServer(Options{Contests: store})

	rec := serve(t, s, http.MethodGet, "/v1/contests?source=alpha", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "alpha", store.source)
	require.Contains(t, rec.Body.String(), "Edital 01/2024")

	rec = serve(t, s, http.MethodGet, "/v1/contests/events", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, store.source)
	require.Contains(t, rec.Body.String(), "h1")
}

func TestServer_UnwiredRoutesAnswerUnavailable(t *testing.T) {
	t.Parallel()

	s := newTestServer(Options{})
	for _, path := range []string{"/v1/alerts", "/v1/counters", "/v1/reviews", "/v1/sources", "/v1/contests", "/v1/triggers/x"} {
		rec := serve(t, s, http.MethodGet, path, nil)
		require.Equal(t, http.StatusServiceUnavailable, rec.Code, path)
	}
	rec := serve(t, s, http.MethodPost, "/v1/runs", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_APIKey(t *testing.T) {
	t.Parallel()

	s := newTestServer(Options{APIKey: "secret", Sources: &fakeSources{}})

	rec := serve(t, s, http.MethodGet, "/v1/sources", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/sources", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(t, s, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_RecoversFromPanic(t *testing.T) {
	t.Parallel()

	s := newTestServer(Options{Sources: panicSources{}})

	rec := serve(t, s, http.MethodGet, "/v1/sources", nil)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

type panicSources struct{}

func (panicSources) Source(string) (crawler.Source, error) { return crawler.Source{}, nil }
func (panicSources) States() []crawler.SourceRun           { panic("boom") }
