package crawler

import (
	"context"
	"io"
	"time"
)

// Pipeline captures a single URL in the requested formats.
type Pipeline interface {
	Capture(ctx context.Context, req CaptureRequest) (CaptureResponse, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Renderer drives a real browser for snapshots, PDFs, and screenshots.
type Renderer interface {
	Fetcher
	PrintPDF(ctx context.Context, request FetchRequest) ([]byte, error)
	Screenshot(ctx context.Context, request FetchRequest) ([]byte, error)
}

// ChallengeDetector inspects a fetched page for CAPTCHA or login walls.
type ChallengeDetector interface {
	Detect(resp FetchResponse) (Detection, bool)
}

// Extractor turns a fetched HTML document into structured outputs.
type Extractor interface {
	Extract(resp FetchResponse) (Document, error)
}

// RobotsPolicy decides whether robots.txt permits fetching a URL.
type RobotsPolicy interface {
	Allowed(ctx context.Context, rawURL string) bool
}

// Limiter spaces requests to the same domain.
type Limiter interface {
	Wait(ctx context.Context, rawURL string, interval, jitter time.Duration) error
}

// Hasher computes digests for artifact naming.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Timer is a pending callback scheduled by a Clock.
type Timer interface {
	Stop() bool
}

// Clock returns the current time and schedules callbacks (useful for testing).
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// IDGenerator produces opaque identifiers.
type IDGenerator interface {
	NewID() (string, error)
}
