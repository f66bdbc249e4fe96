package headless

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/require"

	"github.com/editalwatch/discovery/internal/crawler"
)

type staticStub struct {
	calls []crawler.FetchRequest
	res   crawler.FetchResult
	err   error
}

func (s *staticStub) Fetch(_ context.Context, req crawler.FetchRequest) (crawler.FetchResult, error) {
	s.calls = append(s.calls, req)
	return s.res, s.err
}

func TestNewIsLazy(t *testing.T) {
	t.Parallel()

	f := New(Config{}, nil, nil)
	require.False(t, f.Started())
	require.Equal(t, 45*time.Second, f.cfg.NavigationTimeout)
	require.NoError(t, f.Close())
	require.NoError(t, f.Close())
	require.False(t, f.Started())
}

func TestFetchAfterCloseIsUnavailable(t *testing.T) {
	t.Parallel()

	f := New(Config{}, nil, nil)
	require.NoError(t, f.Close())
	_, err := f.Fetch(context.Background(), crawler.FetchRequest{URL: "https://example.com"})
	require.ErrorIs(t, err, crawler.ErrHeadlessUnavailable)
}

func TestResponseMetaCapture(t *testing.T) {
	t.Parallel()

	meta := newResponseMeta()
	meta.capture(&network.EventResponseReceived{
		Type:     network.ResourceTypeImage,
		Response: &network.Response{Status: 500, MimeType: "image/png"},
	})
	status, _, _ := meta.snapshot()
	require.Zero(t, status, "non-document responses are ignored")

	meta.captureEvent(&network.EventResponseReceived{
		Type: network.ResourceTypeDocument,
		Response: &network.Response{
			Status:   200,
			URL:      "https://example.com/edital.pdf",
			MimeType: "application/pdf",
		},
	})
	status, mimeType, url := meta.snapshot()
	require.Equal(t, 200, status)
	require.Equal(t, "application/pdf", mimeType)
	require.Equal(t, "https://example.com/edital.pdf", url)
	require.True(t, meta.isPDF())
}

func TestRenderedResultStatus(t *testing.T) {
	t.Parallel()

	req := crawler.FetchRequest{URL: "https://tj.example/concursos"}
	document := func(status int64) *responseMeta {
		meta := newResponseMeta()
		meta.captureEvent(&network.EventResponseReceived{
			Type: network.ResourceTypeDocument,
			Response: &network.Response{
				Status:   status,
				URL:      "https://tj.example/concursos/",
				MimeType: "text/html",
			},
		})
		return meta
	}

	res, err := renderedResult(req, document(404), "", "<html><body>Página não encontrada</body></html>", time.Second)
	var fe *crawler.FetchError
	require.ErrorAs(t, err, &fe)
	require.Equal(t, crawler.KindHTTP, fe.Kind)
	require.Equal(t, 404, fe.StatusCode)
	require.Equal(t, 404, res.StatusCode)
	require.Equal(t, "https://tj.example/concursos/", res.FinalURL)
	require.NotEmpty(t, res.Body)
	require.True(t, res.UsedHeadless)

	_, err = renderedResult(req, document(503), "", "<html></html>", time.Second)
	require.ErrorAs(t, err, &fe)
	require.Equal(t, 503, fe.StatusCode)

	res, err = renderedResult(req, newResponseMeta(), "https://tj.example/x", "<html></html>", time.Second)
	require.NoError(t, err)
	require.Equal(t, 200, res.StatusCode)
	require.Equal(t, "text/html", res.ContentType)
	require.Equal(t, "https://tj.example/x", res.FinalURL)
}

func TestRefetchBinaryUsesStaticStrategy(t *testing.T) {
	t.Parallel()

	stub := &staticStub{res: crawler.FetchResult{Body: []byte("%PDF-1.4"), StatusCode: 200, ContentType: "application/pdf"}}
	f := New(Config{}, stub, nil)
	meta := newResponseMeta()
	meta.capture(&network.EventResponseReceived{
		Type:     network.ResourceTypeDocument,
		Response: &network.Response{Status: 200, URL: "https://example.com/final.pdf", MimeType: "application/pdf"},
	})

	res, err := f.refetchBinary(context.Background(), crawler.FetchRequest{SourceID: "board", URL: "https://example.com/go"}, meta)
	require.NoError(t, err)
	require.True(t, res.UsedHeadless)
	require.Equal(t, "https://example.com/go", res.URL)
	require.Len(t, stub.calls, 1)
	require.Equal(t, "https://example.com/final.pdf", stub.calls[0].URL)
	require.Equal(t, crawler.ModeStatic, stub.calls[0].Mode)
	require.Equal(t, "board", stub.calls[0].SourceID)
}

func TestNavigationErrorClassification(t *testing.T) {
	t.Parallel()

	f := New(Config{}, nil, nil)
	boom := errors.New("net::ERR_CONNECTION_RESET")

	parent := context.Background()
	expired, cancel := context.WithTimeout(parent, 0)
	defer cancel()
	<-expired.Done()

	var fe *crawler.FetchError
	require.ErrorAs(t, f.navigationError(parent, expired, "https://x", boom), &fe)
	require.Equal(t, crawler.KindTimeout, fe.Kind)

	require.ErrorAs(t, f.navigationError(parent, parent, "https://x", boom), &fe)
	require.Equal(t, crawler.KindTransport, fe.Kind)

	canceled, cancelParent := context.WithCancel(parent)
	cancelParent()
	require.ErrorIs(t, f.navigationError(canceled, canceled, "https://x", boom), context.Canceled)
}

func TestWaitDomainBudget(t *testing.T) {
	t.Parallel()

	f := New(Config{DomainQPS: 20}, nil, nil)
	ctx := context.Background()
	require.NoError(t, f.waitDomainBudget(ctx, "https://example.com/a"))
	start := time.Now()
	require.NoError(t, f.waitDomainBudget(ctx, "https://example.com/b"))
	require.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)

	require.NoError(t, New(Config{}, nil, nil).waitDomainBudget(ctx, "::bad"))
}

func TestDisabled(t *testing.T) {
	t.Parallel()

	_, err := Disabled{}.Fetch(context.Background(), crawler.FetchRequest{})
	require.ErrorIs(t, err, crawler.ErrHeadlessUnavailable)
	require.NoError(t, Disabled{}.Close())
}
