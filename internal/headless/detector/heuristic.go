// Package detector inspects fetched pages. Heuristic decides when a plain
// HTTP fetch needs a browser render, and Challenges recognizes CAPTCHA and
// login walls that only an operator can clear.
package detector

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/JakeFAU/crawlops/internal/crawler"
)

const (
	defaultMinBodyBytes = 2048
	// scriptSharePercent is the share of a small document covered by
	// <script> elements above which the page is treated as client rendered.
	scriptSharePercent = 25
)

var defaultSPAMarkers = []string{
	"__next",
	`id="root"`,
	`id="app"`,
	"data-reactroot",
	"ng-version",
	"data-server-rendered",
}

// Heuristic promotes thin or script-driven pages to the headless renderer.
type Heuristic struct {
	MinBodyBytes int
	markers      [][]byte
}

// NewHeuristic creates a promotion detector. Bodies shorter than minBodyBytes
// are candidates for the script-density check; extra markers extend the
// built-in SPA root markers.
func NewHeuristic(minBodyBytes int, extraMarkers ...string) *Heuristic {
	if minBodyBytes <= 0 {
		minBodyBytes = defaultMinBodyBytes
	}
	h := &Heuristic{MinBodyBytes: minBodyBytes}
	for _, m := range append(append([]string{}, defaultSPAMarkers...), extraMarkers...) {
		m = strings.TrimSpace(m)
		if m != "" {
			h.markers = append(h.markers, []byte(strings.ToLower(m)))
		}
	}
	return h
}

// ShouldPromote reports whether resp looks like a shell that only renders in
// a browser. Responses that already came from the renderer are never promoted.
func (h *Heuristic) ShouldPromote(resp crawler.FetchResponse) bool {
	if resp.UsedHeadless || resp.StatusCode != http.StatusOK {
		return false
	}
	if ct := resp.Headers.Get("Content-Type"); ct != "" && !strings.Contains(strings.ToLower(ct), "html") {
		return false
	}
	if len(bytes.TrimSpace(resp.Body)) == 0 {
		return true
	}
	lower := bytes.ToLower(resp.Body)
	if len(lower) < h.MinBodyBytes && scriptShare(lower) >= scriptSharePercent {
		return true
	}
	for _, marker := range h.markers {
		if bytes.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// scriptShare returns the percentage of body bytes inside <script> elements.
// An unterminated element runs to the end of the document.
func scriptShare(body []byte) int {
	if len(body) == 0 {
		return 0
	}
	var (
		openTag  = []byte("<script")
		closeTag = []byte("</script>")
		covered  int
		rest     = body
	)
	for {
		start := bytes.Index(rest, openTag)
		if start < 0 {
			break
		}
		end := bytes.Index(rest[start:], closeTag)
		if end < 0 {
			covered += len(rest) - start
			break
		}
		span := end + len(closeTag)
		covered += span
		rest = rest[start+span:]
	}
	return covered * 100 / len(body)
}
