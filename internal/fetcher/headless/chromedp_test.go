package headless

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawlops/internal/crawler"
)

var (
	_ crawler.Renderer = (*Renderer)(nil)
	_ crawler.Renderer = Noop{}
)

func TestNewChromedpValidation(t *testing.T) {
	t.Parallel()

	_, err := NewChromedp(Config{MaxParallel: -1})
	require.Error(t, err)

	r, err := NewChromedp(Config{MaxParallel: 2})
	require.NoError(t, err)
	defer r.Close()
	require.Equal(t, 2, cap(r.limiter))
	require.Equal(t, defaultNavTimeout, r.cfg.NavigationTimeout)
	require.Equal(t, defaultSettleDelay, r.cfg.SettleDelay)
}

func TestNavTimeoutPrefersRequest(t *testing.T) {
	t.Parallel()

	r := &Renderer{}
	require.Equal(t, defaultNavTimeout, r.navTimeout(0))
	r.cfg.NavigationTimeout = time.Second
	require.Equal(t, time.Second, r.navTimeout(0))
	require.Equal(t, 3*time.Second, r.navTimeout(3*time.Second))
}

func TestAcquireRespectsContext(t *testing.T) {
	t.Parallel()

	r := &Renderer{limiter: make(chan struct{}, 1)}
	require.NoError(t, r.acquire(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, r.acquire(ctx), context.Canceled)

	r.release()
	require.NoError(t, r.acquire(context.Background()))
}

func TestToNetworkHeaders(t *testing.T) {
	t.Parallel()

	netHeaders := toNetworkHeaders(http.Header{
		"X-Multi": {"a", "b"},
		"Cookie":  {"sid=1"},
		"X-Empty": {},
	})
	require.Equal(t, []string{"a", "b"}, netHeaders["X-Multi"])
	require.Equal(t, "sid=1", netHeaders["Cookie"])
	require.NotContains(t, netHeaders, "X-Empty")
}

func TestResponseMetaKeepsFirstDocument(t *testing.T) {
	t.Parallel()

	meta := newResponseMeta()
	meta.captureEvent(&network.EventResponseReceived{
		Type: network.ResourceTypeDocument,
		Response: &network.Response{
			Status:  403,
			URL:     "https://example.com/wall",
			Headers: network.Headers{"X-Request-ID": "abc"},
		},
	})
	meta.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeDocument,
		Response: &network.Response{Status: 200, URL: "https://frame.example.com"},
	})
	meta.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeScript,
		Response: &network.Response{Status: 500},
	})

	status, headers, url := meta.snapshotWithFallbacks("https://req", "")
	require.Equal(t, 403, status)
	require.Equal(t, "abc", headers.Get("X-Request-ID"))
	require.Equal(t, "https://example.com/wall", url)

	status, _, url = newResponseMeta().snapshotWithFallbacks("https://req", "https://final")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "https://final", url)
}

func TestNoopRendererIsFatal(t *testing.T) {
	t.Parallel()

	n := NewNoop()
	_, err := n.Fetch(context.Background(), crawler.FetchRequest{})
	require.ErrorIs(t, err, crawler.ErrFatal)
	_, err = n.PrintPDF(context.Background(), crawler.FetchRequest{})
	require.ErrorIs(t, err, ErrDisabled)
	_, err = n.Screenshot(context.Background(), crawler.FetchRequest{})
	require.Equal(t, crawler.OutcomeFatal, crawler.Classify(err))
}
