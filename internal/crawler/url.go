package crawler

import (
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"
)

var invalidSlugChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

const maxSlugLength = 100

// ValidateURL accepts absolute http(s) URLs only. The URL is not rewritten.
func ValidateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return invalidf("parse url %q: %v", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return invalidf("url %q must start with http:// or https://", raw)
	}
	if u.Hostname() == "" {
		return invalidf("url %q has no host", raw)
	}
	return nil
}

// Domain returns the lowercase hostname of rawURL, or "" when it has none.
func Domain(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// Slug builds a filesystem-safe name for a URL: host, then path segments.
func Slug(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "page"
	}
	parts := []string{strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")}
	for _, seg := range strings.Split(u.Path, "/") {
		if seg != "" {
			parts = append(parts, seg)
		}
	}
	slug := invalidSlugChars.ReplaceAllString(strings.Join(parts, "_"), "_")
	slug = strings.Trim(slug, "_")
	if len(slug) > maxSlugLength {
		slug = strings.TrimRight(slug[:maxSlugLength], "_")
	}
	if slug == "" {
		return "page"
	}
	return slug
}

// ResolveLink resolves href against base and drops the fragment. Non-http
// links are rejected.
func ResolveLink(base *url.URL, href string) (string, bool) {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return "", false
	}
	ref, err := url.Parse(href)
	if err != nil {
		return "", false
	}
	abs := base.ResolveReference(ref)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return "", false
	}
	abs.Fragment = ""
	return abs.String(), true
}

// IsPDFLink reports whether a URL path points at a PDF document.
func IsPDFLink(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return strings.EqualFold(path.Ext(u.Path), ".pdf")
}

// Allows reports whether a discovered link stays inside the scope of a run.
func (s Scope) Allows(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	if len(s.AllowedDomains) > 0 && !domainAllowed(u.Hostname(), s.AllowedDomains) {
		return false
	}
	for _, pattern := range s.DisallowedPaths {
		if pathMatches(u.Path, pattern) {
			return false
		}
	}
	if !s.CrawlPDFLinks && IsPDFLink(rawURL) {
		return false
	}
	return true
}

func domainAllowed(host string, allowed []string) bool {
	host = strings.ToLower(host)
	for _, d := range allowed {
		d = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(d), "."))
		if d == "" {
			continue
		}
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

// pathMatches supports glob patterns and plain prefixes.
func pathMatches(p, pattern string) bool {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return false
	}
	if strings.ContainsAny(pattern, "*?[") {
		ok, err := path.Match(pattern, p)
		return err == nil && ok
	}
	return strings.HasPrefix(p, pattern)
}

// Validate checks run scope options for obviously bad values.
func (s Scope) Validate() error {
	if s.MaxDepth < 0 {
		return invalidf("max_depth must be >= 0")
	}
	if s.MaxPages < 0 {
		return invalidf("max_pages must be >= 0")
	}
	for _, pattern := range s.DisallowedPaths {
		if _, err := path.Match(pattern, "/"); err != nil {
			return invalidf("disallowed path %q: %v", pattern, err)
		}
	}
	return nil
}

// BlobKey builds an artifact key under prefix for a URL and format.
func BlobKey(prefix, rawURL, hash string, format Format) string {
	name := fmt.Sprintf("%s-%s.%s", Slug(rawURL), shortHash(hash), formatExt(format))
	host := Domain(rawURL)
	if host == "" {
		host = "unknown"
	}
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return path.Join(host, name)
	}
	return path.Join(prefix, host, name)
}

func shortHash(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}

func formatExt(f Format) string {
	switch f {
	case FormatMarkdown:
		return "md"
	case FormatHTML:
		return "html"
	case FormatPDF:
		return "pdf"
	case FormatJSON:
		return "json"
	default:
		return string(f)
	}
}
