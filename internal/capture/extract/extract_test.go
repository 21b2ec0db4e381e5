package extract

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawlops/internal/crawler"
)

const articleHTML = `<!doctype html>
<html lang="en">
<head>
  <title>  Release   Notes </title>
  <meta name="description" content="What changed in 2.0">
</head>
<body>
  <nav><a href="/">Home</a> <a href="/docs#top">Docs</a></nav>
  <main>
    <h1>Release 2.0</h1>
    <p>This release rewrites the scheduler so that queued pages start in the order they were submitted.</p>
    <h2>Upgrading</h2>
    <p>Read the <a href="/docs/upgrade">upgrade guide</a> and the <a href="https://other.test/x">partner notes</a>.</p>
    <img src="/img/diagram.png">
    <a href="mailto:team@example.com">mail</a>
    <a href="/docs">Docs again</a>
  </main>
  <script>var tracking = true;</script>
</body>
</html>`

func TestExtractDocument(t *testing.T) {
	t.Parallel()

	doc, err := New().Extract(crawler.FetchResponse{
		URL:  "https://example.com/blog/release",
		Body: []byte(articleHTML),
	})
	require.NoError(t, err)
	require.Equal(t, "Release Notes", doc.Title)
	require.Equal(t, "What changed in 2.0", doc.Description)
	require.Equal(t, "en", doc.Lang)
	require.Equal(t, []crawler.Heading{{Level: 1, Text: "Release 2.0"}, {Level: 2, Text: "Upgrading"}}, doc.Headings)
	require.Equal(t, []string{
		"https://example.com/",
		"https://example.com/docs",
		"https://example.com/docs/upgrade",
		"https://other.test/x",
	}, doc.Links)
	require.Equal(t, []string{"https://example.com/img/diagram.png"}, doc.Images)
	require.Contains(t, doc.Text, "queued pages start in the order")
	require.NotContains(t, doc.Text, "tracking")
	require.Positive(t, doc.WordCount)
	require.True(t, strings.HasPrefix(doc.Markdown, "# "))
	require.Contains(t, doc.Markdown, "upgrade guide")
}

func TestExtractThinPageFallsBackToBody(t *testing.T) {
	t.Parallel()

	doc, err := New().Extract(crawler.FetchResponse{
		URL:  "https://example.com/",
		Body: []byte(`<html><body><p>Short.</p><style>p{}</style></body></html>`),
	})
	require.NoError(t, err)
	require.Equal(t, "Short.", doc.Text)
	require.Equal(t, 1, doc.WordCount)
	require.Empty(t, doc.Title)
}

func TestExtractRejectsBadURL(t *testing.T) {
	t.Parallel()

	_, err := New().Extract(crawler.FetchResponse{URL: "://bad", Body: []byte("<p>x</p>")})
	require.ErrorIs(t, err, crawler.ErrInvalidInput)
}
