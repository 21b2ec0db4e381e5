// Package extract turns fetched HTML into a structured crawler.Document:
// metadata and outline via goquery, main content via readability, and a
// Markdown rendering via html-to-markdown.
package extract

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"

	"github.com/JakeFAU/crawlops/internal/crawler"
)

// minReadableChars is the shortest readability text accepted as the main
// content. Shorter results fall back to the whole <body>.
const minReadableChars = 50

// Extractor implements crawler.Extractor. It is safe for concurrent use.
type Extractor struct {
	md *converter.Converter
}

// New returns an Extractor with a shared Markdown converter.
func New() *Extractor {
	return &Extractor{
		md: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(table.WithCellPaddingBehavior(table.CellPaddingBehaviorMinimal)),
			),
		),
	}
}

// Extract parses resp.Body. Malformed markup is tolerated; only a body that
// cannot be read at all is an error.
func (e *Extractor) Extract(resp crawler.FetchResponse) (crawler.Document, error) {
	pageURL, err := url.Parse(resp.URL)
	if err != nil {
		return crawler.Document{}, crawler.InvalidInputf("document url %q: %v", resp.URL, err)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return crawler.Document{}, fmt.Errorf("parse html: %w", err)
	}

	out := crawler.Document{
		URL:         resp.URL,
		Title:       collapse(doc.Find("title").First().Text()),
		Description: metaContent(doc, "description"),
		Lang:        strings.TrimSpace(doc.Find("html").AttrOr("lang", "")),
		Headings:    headings(doc),
		Links:       collectURLs(doc, pageURL, "a[href]", "href"),
		Images:      collectURLs(doc, pageURL, "img[src]", "src"),
	}
	if out.Title == "" {
		out.Title = metaContent(doc, "og:title")
	}

	contentHTML, text := mainContent(doc, resp.Body, pageURL)
	out.Text = text
	out.WordCount = len(strings.Fields(text))

	md, err := e.md.ConvertString(contentHTML, converter.WithDomain(pageURL.Scheme+"://"+pageURL.Host))
	if err != nil {
		// Markdown is best effort; the plain text still carries the content.
		md = text
	}
	if out.Title != "" && !strings.HasPrefix(md, "# ") {
		md = "# " + out.Title + "\n\n" + md
	}
	out.Markdown = strings.TrimSpace(md) + "\n"
	return out, nil
}

func mainContent(doc *goquery.Document, raw []byte, pageURL *url.URL) (string, string) {
	article, err := readability.FromReader(bytes.NewReader(raw), pageURL)
	if err == nil && len(strings.TrimSpace(article.TextContent)) >= minReadableChars {
		return article.Content, collapse(article.TextContent)
	}
	body := doc.Find("body").First()
	body.Find("script, style, noscript, template").Remove()
	html, herr := body.Html()
	if herr != nil {
		html = ""
	}
	return html, collapse(body.Text())
}

func metaContent(doc *goquery.Document, name string) string {
	sel := doc.Find(fmt.Sprintf(`meta[name=%q], meta[property=%q]`, name, name)).First()
	return collapse(sel.AttrOr("content", ""))
}

func headings(doc *goquery.Document) []crawler.Heading {
	var out []crawler.Heading
	doc.Find("h1, h2, h3, h4, h5, h6").Each(func(_ int, s *goquery.Selection) {
		text := collapse(s.Text())
		if text == "" {
			return
		}
		level := int(goquery.NodeName(s)[1] - '0')
		out = append(out, crawler.Heading{Level: level, Text: text})
	})
	return out
}

func collectURLs(doc *goquery.Document, pageURL *url.URL, selector, attr string) []string {
	seen := make(map[string]struct{})
	var out []string
	doc.Find(selector).Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr(attr)
		abs, ok := crawler.ResolveLink(pageURL, href)
		if !ok {
			return
		}
		if _, dup := seen[abs]; dup {
			return
		}
		seen[abs] = struct{}{}
		out = append(out, abs)
	})
	return out
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
