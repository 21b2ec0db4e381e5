package capture

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawlops/internal/capture/extract"
	"github.com/JakeFAU/crawlops/internal/crawler"
	"github.com/JakeFAU/crawlops/internal/hash/sha256"
	"github.com/JakeFAU/crawlops/internal/headless/detector"
	pubmemory "github.com/JakeFAU/crawlops/internal/publisher/memory"
	"github.com/JakeFAU/crawlops/internal/storage/memory"
)

const pageHTML = `<html lang="en"><head><title>Docs Home</title></head><body>
<h1>Docs</h1><p>Welcome to the documentation portal for the crawl orchestration engine.</p>
<a href="/guide">Guide</a> <a href="https://other.test/">Other</a></body></html>`

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func (c fixedClock) AfterFunc(time.Duration, func()) crawler.Timer { return stopTimer{} }

type stopTimer struct{}

func (stopTimer) Stop() bool { return true }

type fakeFetcher struct {
	mu    sync.Mutex
	resp  crawler.FetchResponse
	err   error
	calls []crawler.FetchRequest
}

func (f *fakeFetcher) Fetch(_ context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	return f.resp, f.err
}

type fakeRenderer struct {
	fakeFetcher
	pdf        []byte
	screenshot []byte
	shotErr    error
}

func (r *fakeRenderer) PrintPDF(context.Context, crawler.FetchRequest) ([]byte, error) {
	return r.pdf, nil
}

func (r *fakeRenderer) Screenshot(context.Context, crawler.FetchRequest) ([]byte, error) {
	return r.screenshot, r.shotErr
}

type promoteAll bool

func (p promoteAll) ShouldPromote(crawler.FetchResponse) bool { return bool(p) }

type harness struct {
	pipeline  *Pipeline
	fetcher   *fakeFetcher
	renderer  *fakeRenderer
	blobs     *memory.BlobStore
	publisher *pubmemory.Publisher
}

func newHarness(t *testing.T, resp crawler.FetchResponse, fetchErr error, promote bool) *harness {
	t.Helper()
	h := &harness{
		fetcher:   &fakeFetcher{resp: resp, err: fetchErr},
		renderer:  &fakeRenderer{pdf: []byte("%PDF-1.7 rendered"), screenshot: []byte("jpeg")},
		blobs:     memory.NewBlobStore(),
		publisher: pubmemory.New(0),
	}
	p, err := New(Deps{
		Fetcher:   h.fetcher,
		Renderer:  h.renderer,
		Promoter:  promoteAll(promote),
		Detector:  detector.NewChallenges(),
		Extractor: extract.New(),
		Blobs:     h.blobs,
		Hasher:    sha256.New(),
		Publisher: h.publisher,
		Clock:     fixedClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)},
	}, Config{BlobPrefix: "captures", Topic: "captures"}, nil)
	require.NoError(t, err)
	h.pipeline = p
	return h
}

func okResponse(body string) crawler.FetchResponse {
	return crawler.FetchResponse{
		URL:        "https://docs.example.com/",
		StatusCode: http.StatusOK,
		Headers:    http.Header{"Content-Type": {"text/html"}},
		Body:       []byte(body),
	}
}

func TestCaptureWritesEveryFormat(t *testing.T) {
	t.Parallel()

	h := newHarness(t, okResponse(pageHTML), nil, false)
	resp, err := h.pipeline.Capture(context.Background(), crawler.CaptureRequest{
		URL:       "https://docs.example.com/",
		Formats:   []crawler.Format{crawler.FormatJSON, crawler.FormatMarkdown, crawler.FormatHTML, crawler.FormatPDF},
		Headers:   http.Header{"Cookie": {"sid=1"}},
		UserAgent: "crawlops/1.0",
		Timeout:   5 * time.Second,
	})
	require.NoError(t, err)
	require.Len(t, resp.Outputs, 4)
	require.Equal(t, []string{"https://docs.example.com/guide", "https://other.test/"}, resp.Links)
	for format, uri := range resp.Outputs {
		require.True(t, strings.HasPrefix(uri, "memory://captures/docs.example.com/"), uri)
		require.True(t, strings.HasSuffix(uri, "."+string(format)), uri)
	}

	raw, ct, ok := h.blobs.Get(resp.Outputs[crawler.FormatJSON])
	require.True(t, ok)
	require.Equal(t, "application/json", ct)
	var rec map[string]any
	require.NoError(t, json.Unmarshal(raw, &rec))
	require.Equal(t, "Docs Home", rec["title"])
	require.Equal(t, float64(200), rec["status_code"])

	pdf, _, _ := h.blobs.Get(resp.Outputs[crawler.FormatPDF])
	require.Equal(t, "%PDF-1.7 rendered", string(pdf))

	require.Len(t, h.fetcher.calls, 1)
	call := h.fetcher.calls[0]
	require.Equal(t, "sid=1", call.Headers.Get("Cookie"))
	require.Equal(t, "crawlops/1.0", call.UserAgent)
	require.Equal(t, 5*time.Second, call.Timeout)

	msgs := h.publisher.Topic("captures")
	require.Len(t, msgs, 1)
}

func TestCaptureDetectsChallengeWithEvidence(t *testing.T) {
	t.Parallel()

	wall := okResponse(`<html><body><div class="g-recaptcha"></div></body></html>`)
	h := newHarness(t, wall, nil, false)
	_, err := h.pipeline.Capture(context.Background(), crawler.CaptureRequest{
		URL:     "https://docs.example.com/",
		Formats: []crawler.Format{crawler.FormatJSON},
	})
	var chErr *crawler.ChallengeError
	require.True(t, errors.As(err, &chErr))
	require.Equal(t, crawler.ChallengeCaptcha, chErr.Kind)
	require.Equal(t, "recaptcha", chErr.Provider)
	require.True(t, strings.HasPrefix(chErr.EvidencePath, "memory://captures/evidence/"), chErr.EvidencePath)
	require.Equal(t, crawler.OutcomeChallenge, crawler.Classify(err))
	require.Empty(t, h.publisher.Topic("captures"))
}

func TestCaptureChallengeWithoutScreenshot(t *testing.T) {
	t.Parallel()

	forbidden := okResponse("denied")
	forbidden.StatusCode = http.StatusForbidden
	h := newHarness(t, forbidden, &crawler.HTTPStatusError{StatusCode: 403}, false)
	h.renderer.shotErr = errors.New("no browser")

	_, err := h.pipeline.Capture(context.Background(), crawler.CaptureRequest{URL: "https://docs.example.com/"})
	var chErr *crawler.ChallengeError
	require.True(t, errors.As(err, &chErr))
	require.Equal(t, crawler.ChallengeAuth, chErr.Kind)
	require.Empty(t, chErr.EvidencePath)
}

func TestCaptureHTTPErrorsKeepStatus(t *testing.T) {
	t.Parallel()

	missing := okResponse("gone")
	missing.StatusCode = http.StatusNotFound
	h := newHarness(t, missing, &crawler.HTTPStatusError{StatusCode: 404}, false)

	_, err := h.pipeline.Capture(context.Background(), crawler.CaptureRequest{URL: "https://docs.example.com/"})
	require.Equal(t, crawler.OutcomeFatal, crawler.Classify(err))

	h = newHarness(t, crawler.FetchResponse{}, context.DeadlineExceeded, false)
	_, err = h.pipeline.Capture(context.Background(), crawler.CaptureRequest{URL: "https://docs.example.com/"})
	require.Equal(t, crawler.OutcomeTransient, crawler.Classify(err))
}

func TestCapturePromotesToHeadless(t *testing.T) {
	t.Parallel()

	h := newHarness(t, okResponse(`<div id="__next"></div>`), nil, true)
	rendered := okResponse(pageHTML)
	rendered.UsedHeadless = true
	h.renderer.resp = rendered

	resp, err := h.pipeline.Capture(context.Background(), crawler.CaptureRequest{
		URL:     "https://docs.example.com/",
		Formats: []crawler.Format{crawler.FormatHTML},
	})
	require.NoError(t, err)
	html, _, _ := h.blobs.Get(resp.Outputs[crawler.FormatHTML])
	require.Contains(t, string(html), "Docs Home")
	require.Len(t, h.renderer.calls, 1)
}

func TestCapturePromotionFailureKeepsStaticFetch(t *testing.T) {
	t.Parallel()

	h := newHarness(t, okResponse(pageHTML), nil, true)
	h.renderer.err = errors.New("chrome crashed")

	resp, err := h.pipeline.Capture(context.Background(), crawler.CaptureRequest{
		URL:     "https://docs.example.com/",
		Formats: []crawler.Format{crawler.FormatMarkdown},
	})
	require.NoError(t, err)
	md, _, _ := h.blobs.Get(resp.Outputs[crawler.FormatMarkdown])
	require.Contains(t, string(md), "Docs Home")
}

func TestCapturePDFDocument(t *testing.T) {
	t.Parallel()

	doc := crawler.FetchResponse{
		URL:        "https://docs.example.com/manual.pdf",
		StatusCode: http.StatusOK,
		Headers:    http.Header{"Content-Type": {"application/pdf"}},
		Body:       []byte("%PDF-1.4 original"),
	}
	h := newHarness(t, doc, nil, false)
	resp, err := h.pipeline.Capture(context.Background(), crawler.CaptureRequest{
		URL:     doc.URL,
		Formats: []crawler.Format{crawler.FormatPDF, crawler.FormatJSON, crawler.FormatMarkdown},
	})
	require.NoError(t, err)
	require.Len(t, resp.Outputs, 2)
	pdf, _, _ := h.blobs.Get(resp.Outputs[crawler.FormatPDF])
	require.Equal(t, "%PDF-1.4 original", string(pdf))
	require.Empty(t, h.renderer.calls)
}

func TestNewRequiresCollaborators(t *testing.T) {
	t.Parallel()

	_, err := New(Deps{}, Config{}, nil)
	require.Error(t, err)
}
