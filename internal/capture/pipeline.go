// Package capture implements the capture pipeline: fetch, challenge
// detection, optional headless promotion, extraction, and artifact writes
// for every requested format.
package capture

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlops/internal/crawler"
)

// Promoter decides whether a plain fetch should be redone in a browser.
type Promoter interface {
	ShouldPromote(resp crawler.FetchResponse) bool
}

// Config controls pipeline behavior.
type Config struct {
	// BlobPrefix is prepended to every artifact key.
	BlobPrefix string
	// Topic receives one message per successful capture when a publisher
	// is configured.
	Topic string
}

// Deps are the pipeline's collaborators. Renderer, Promoter, Publisher, and
// Detector are optional.
type Deps struct {
	Fetcher   crawler.Fetcher
	Renderer  crawler.Renderer
	Promoter  Promoter
	Detector  crawler.ChallengeDetector
	Extractor crawler.Extractor
	Blobs     crawler.BlobStore
	Hasher    crawler.Hasher
	Publisher crawler.Publisher
	Clock     crawler.Clock
}

// Pipeline implements crawler.Pipeline.
type Pipeline struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

// record is the JSON output format.
type record struct {
	crawler.Document
	StatusCode   int       `json:"status_code"`
	ContentType  string    `json:"content_type,omitempty"`
	ContentHash  string    `json:"content_hash"`
	UsedHeadless bool      `json:"used_headless"`
	CapturedAt   time.Time `json:"captured_at"`
}

// capturedMessage is published after a successful capture.
type capturedMessage struct {
	URL        string                    `json:"url"`
	Depth      int                       `json:"depth"`
	StatusCode int                       `json:"status_code"`
	Hash       string                    `json:"content_hash"`
	Outputs    map[crawler.Format]string `json:"outputs"`
	Headless   bool                      `json:"headless"`
	CapturedAt time.Time                 `json:"captured_at"`
}

// New builds a Pipeline.
func New(deps Deps, cfg Config, logger *zap.Logger) (*Pipeline, error) {
	switch {
	case deps.Fetcher == nil:
		return nil, errors.New("capture: fetcher is required")
	case deps.Extractor == nil:
		return nil, errors.New("capture: extractor is required")
	case deps.Blobs == nil:
		return nil, errors.New("capture: blob store is required")
	case deps.Hasher == nil:
		return nil, errors.New("capture: hasher is required")
	case deps.Clock == nil:
		return nil, errors.New("capture: clock is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{deps: deps, cfg: cfg, logger: logger}, nil
}

// Capture runs one attempt for req. Errors are shaped for crawler.Classify:
// walls come back as *crawler.ChallengeError, HTTP failures as
// *crawler.HTTPStatusError.
func (p *Pipeline) Capture(ctx context.Context, req crawler.CaptureRequest) (crawler.CaptureResponse, error) {
	start := p.deps.Clock.Now()
	fetchReq := crawler.FetchRequest{
		URL:       req.URL,
		Headers:   req.Headers,
		UserAgent: req.UserAgent,
		Timeout:   req.Timeout,
	}

	resp, fetchErr := p.deps.Fetcher.Fetch(ctx, fetchReq)
	if fetchErr != nil && resp.StatusCode == 0 {
		return crawler.CaptureResponse{}, fmt.Errorf("fetch %s: %w", req.URL, fetchErr)
	}
	if err := p.checkChallenge(ctx, fetchReq, resp); err != nil {
		return crawler.CaptureResponse{}, err
	}
	if fetchErr != nil {
		return crawler.CaptureResponse{}, fmt.Errorf("fetch %s: %w", req.URL, fetchErr)
	}

	if isPDF(resp) {
		return p.storePDF(ctx, req, resp, start)
	}

	resp, err := p.maybePromote(ctx, fetchReq, resp)
	if err != nil {
		return crawler.CaptureResponse{}, err
	}

	doc, err := p.deps.Extractor.Extract(resp)
	if err != nil {
		return crawler.CaptureResponse{}, fmt.Errorf("extract %s: %w", req.URL, err)
	}
	hash, err := p.deps.Hasher.Hash(resp.Body)
	if err != nil {
		return crawler.CaptureResponse{}, fmt.Errorf("hash body: %w", err)
	}

	outputs := make(map[crawler.Format]string, len(req.Formats))
	var written int64
	for _, format := range req.Formats {
		data, contentType, err := p.render(ctx, fetchReq, format, resp, doc, hash)
		if err != nil {
			return crawler.CaptureResponse{}, err
		}
		uri, err := p.put(ctx, req.URL, hash, format, contentType, data)
		if err != nil {
			return crawler.CaptureResponse{}, err
		}
		outputs[format] = uri
		written += int64(len(data))
	}

	out := crawler.CaptureResponse{
		URL:         resp.URL,
		StatusCode:  resp.StatusCode,
		ContentType: resp.Headers.Get("Content-Type"),
		Outputs:     outputs,
		Links:       doc.Links,
		Bytes:       written,
		Duration:    p.deps.Clock.Now().Sub(start),
	}
	p.publish(ctx, req, out, hash, resp.UsedHeadless)
	return out, nil
}

func (p *Pipeline) checkChallenge(ctx context.Context, fetchReq crawler.FetchRequest, resp crawler.FetchResponse) error {
	if p.deps.Detector == nil {
		return nil
	}
	det, ok := p.deps.Detector.Detect(resp)
	if !ok {
		return nil
	}
	chErr := &crawler.ChallengeError{Kind: det.Kind, Provider: det.Provider, Detail: det.Detail}
	chErr.EvidencePath = p.evidence(ctx, fetchReq)
	p.logger.Info("challenge detected",
		zap.String("url", fetchReq.URL),
		zap.String("kind", string(det.Kind)),
		zap.String("provider", det.Provider),
		zap.String("evidence", chErr.EvidencePath),
	)
	return chErr
}

// evidence stores a screenshot of the wall. Failures only cost the evidence.
func (p *Pipeline) evidence(ctx context.Context, fetchReq crawler.FetchRequest) string {
	if p.deps.Renderer == nil {
		return ""
	}
	shot, err := p.deps.Renderer.Screenshot(ctx, fetchReq)
	if err != nil {
		p.logger.Debug("challenge screenshot failed", zap.String("url", fetchReq.URL), zap.Error(err))
		return ""
	}
	hash, err := p.deps.Hasher.Hash(shot)
	if err != nil {
		return ""
	}
	key := crawler.BlobKey(strings.Trim(p.cfg.BlobPrefix, "/")+"/evidence", fetchReq.URL, hash, crawler.Format("jpg"))
	uri, err := p.deps.Blobs.PutObject(ctx, key, "image/jpeg", bytes.NewReader(shot))
	if err != nil {
		p.logger.Warn("store challenge screenshot failed", zap.String("url", fetchReq.URL), zap.Error(err))
		return ""
	}
	return uri
}

func (p *Pipeline) maybePromote(ctx context.Context, fetchReq crawler.FetchRequest, resp crawler.FetchResponse) (crawler.FetchResponse, error) {
	if p.deps.Renderer == nil || p.deps.Promoter == nil || !p.deps.Promoter.ShouldPromote(resp) {
		return resp, nil
	}
	rendered, err := p.deps.Renderer.Fetch(ctx, fetchReq)
	if err != nil && rendered.StatusCode == 0 {
		p.logger.Warn("headless promotion failed; using static response",
			zap.String("url", fetchReq.URL), zap.Error(err))
		return resp, nil
	}
	if cerr := p.checkChallenge(ctx, fetchReq, rendered); cerr != nil {
		return crawler.FetchResponse{}, cerr
	}
	if err != nil {
		return crawler.FetchResponse{}, fmt.Errorf("render %s: %w", fetchReq.URL, err)
	}
	p.logger.Debug("promoted to headless", zap.String("url", fetchReq.URL))
	return rendered, nil
}

func (p *Pipeline) render(
	ctx context.Context,
	fetchReq crawler.FetchRequest,
	format crawler.Format,
	resp crawler.FetchResponse,
	doc crawler.Document,
	hash string,
) ([]byte, string, error) {
	switch format {
	case crawler.FormatJSON:
		data, err := json.MarshalIndent(record{
			Document:     doc,
			StatusCode:   resp.StatusCode,
			ContentType:  resp.Headers.Get("Content-Type"),
			ContentHash:  hash,
			UsedHeadless: resp.UsedHeadless,
			CapturedAt:   p.deps.Clock.Now().UTC(),
		}, "", "  ")
		if err != nil {
			return nil, "", fmt.Errorf("encode json output: %w", err)
		}
		return data, "application/json", nil
	case crawler.FormatMarkdown:
		return []byte(doc.Markdown), "text/markdown; charset=utf-8", nil
	case crawler.FormatHTML:
		return resp.Body, "text/html; charset=utf-8", nil
	case crawler.FormatPDF:
		if p.deps.Renderer == nil {
			return nil, "", fmt.Errorf("%w: pdf output needs a headless renderer", crawler.ErrFatal)
		}
		data, err := p.deps.Renderer.PrintPDF(ctx, fetchReq)
		if err != nil {
			return nil, "", fmt.Errorf("print pdf %s: %w", fetchReq.URL, err)
		}
		return data, "application/pdf", nil
	default:
		return nil, "", crawler.InvalidInputf("unsupported format %q", format)
	}
}

// storePDF handles a URL that is itself a PDF document: the body is the pdf
// output and the JSON output carries fetch metadata only.
func (p *Pipeline) storePDF(ctx context.Context, req crawler.CaptureRequest, resp crawler.FetchResponse, start time.Time) (crawler.CaptureResponse, error) {
	hash, err := p.deps.Hasher.Hash(resp.Body)
	if err != nil {
		return crawler.CaptureResponse{}, fmt.Errorf("hash body: %w", err)
	}
	outputs := make(map[crawler.Format]string, len(req.Formats))
	var written int64
	for _, format := range req.Formats {
		var (
			data        []byte
			contentType string
		)
		switch format {
		case crawler.FormatPDF:
			data, contentType = resp.Body, "application/pdf"
		case crawler.FormatJSON:
			data, err = json.MarshalIndent(record{
				Document:    crawler.Document{URL: resp.URL, Title: crawler.Slug(resp.URL)},
				StatusCode:  resp.StatusCode,
				ContentType: resp.Headers.Get("Content-Type"),
				ContentHash: hash,
				CapturedAt:  p.deps.Clock.Now().UTC(),
			}, "", "  ")
			if err != nil {
				return crawler.CaptureResponse{}, fmt.Errorf("encode json output: %w", err)
			}
			contentType = "application/json"
		default:
			p.logger.Debug("format not available for pdf documents",
				zap.String("url", req.URL), zap.String("format", string(format)))
			continue
		}
		uri, err := p.put(ctx, req.URL, hash, format, contentType, data)
		if err != nil {
			return crawler.CaptureResponse{}, err
		}
		outputs[format] = uri
		written += int64(len(data))
	}
	out := crawler.CaptureResponse{
		URL:         resp.URL,
		StatusCode:  resp.StatusCode,
		ContentType: resp.Headers.Get("Content-Type"),
		Outputs:     outputs,
		Bytes:       written,
		Duration:    p.deps.Clock.Now().Sub(start),
	}
	p.publish(ctx, req, out, hash, false)
	return out, nil
}

func (p *Pipeline) put(ctx context.Context, rawURL, hash string, format crawler.Format, contentType string, data []byte) (string, error) {
	key := crawler.BlobKey(p.cfg.BlobPrefix, rawURL, hash, format)
	uri, err := p.deps.Blobs.PutObject(ctx, key, contentType, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("store %s output: %w", format, err)
	}
	return uri, nil
}

func (p *Pipeline) publish(ctx context.Context, req crawler.CaptureRequest, out crawler.CaptureResponse, hash string, headless bool) {
	if p.deps.Publisher == nil || p.cfg.Topic == "" {
		return
	}
	msg := capturedMessage{
		URL:        req.URL,
		Depth:      req.Depth,
		StatusCode: out.StatusCode,
		Hash:       hash,
		Outputs:    out.Outputs,
		Headless:   headless,
		CapturedAt: p.deps.Clock.Now().UTC(),
	}
	if _, err := p.deps.Publisher.Publish(ctx, p.cfg.Topic, msg); err != nil {
		p.logger.Warn("publish capture failed", zap.String("url", req.URL), zap.Error(err))
	}
}

func isPDF(resp crawler.FetchResponse) bool {
	ct := strings.ToLower(resp.Headers.Get("Content-Type"))
	if strings.HasPrefix(ct, "application/pdf") {
		return true
	}
	return resp.StatusCode == http.StatusOK && bytes.HasPrefix(resp.Body, []byte("%PDF-"))
}
