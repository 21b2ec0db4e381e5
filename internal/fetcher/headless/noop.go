package headless

import (
	"context"
	"fmt"

	"github.com/JakeFAU/crawlops/internal/crawler"
)

// ErrDisabled is returned by Noop. It matches crawler.ErrFatal because a
// retry cannot make a missing browser appear.
var ErrDisabled = fmt.Errorf("%w: headless rendering disabled", crawler.ErrFatal)

// Noop implements crawler.Renderer for deployments without a browser.
type Noop struct{}

// NewNoop creates a new Noop renderer.
func NewNoop() *Noop {
	return &Noop{}
}

// Fetch always fails with ErrDisabled.
func (Noop) Fetch(context.Context, crawler.FetchRequest) (crawler.FetchResponse, error) {
	return crawler.FetchResponse{}, ErrDisabled
}

// PrintPDF always fails with ErrDisabled.
func (Noop) PrintPDF(context.Context, crawler.FetchRequest) ([]byte, error) {
	return nil, ErrDisabled
}

// Screenshot always fails with ErrDisabled.
func (Noop) Screenshot(context.Context, crawler.FetchRequest) ([]byte, error) {
	return nil, ErrDisabled
}
