package detector

import (
	"bytes"
	"fmt"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/crawlops/internal/crawler"
)

// maxScanBytes bounds how much of a body is searched for markers.
const maxScanBytes = 512 << 10

type captchaMarker struct {
	provider string
	needles  []string
}

var captchaMarkers = []captchaMarker{
	{provider: "recaptcha", needles: []string{"g-recaptcha", "google.com/recaptcha", "grecaptcha"}},
	{provider: "hcaptcha", needles: []string{"h-captcha", "hcaptcha.com"}},
	{provider: "turnstile", needles: []string{"cf-turnstile", "challenges.cloudflare.com/turnstile"}},
	{provider: "cloudflare", needles: []string{"cf-chl-", "cf_chl_opt", "/cdn-cgi/challenge-platform"}},
	{provider: "datadome", needles: []string{"captcha-delivery.com"}},
}

var loginTitleHints = []string{"sign in", "log in", "login", "anmelden", "connexion"}

// Challenges recognizes pages that need an operator before a capture can
// succeed.
type Challenges struct{}

// NewChallenges returns a challenge detector.
func NewChallenges() *Challenges {
	return &Challenges{}
}

// Detect returns the challenge a fetched page presents, if any. CAPTCHA
// widgets win over login walls so a Cloudflare 403 is reported as a CAPTCHA.
func (c *Challenges) Detect(resp crawler.FetchResponse) (crawler.Detection, bool) {
	body := resp.Body
	if len(body) > maxScanBytes {
		body = body[:maxScanBytes]
	}
	lower := bytes.ToLower(body)

	for _, m := range captchaMarkers {
		for _, needle := range m.needles {
			if bytes.Contains(lower, []byte(needle)) {
				return crawler.Detection{
					Kind:     crawler.ChallengeCaptcha,
					Provider: m.provider,
					Detail:   fmt.Sprintf("%s widget detected", m.provider),
				}, true
			}
		}
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		provider := ""
		if scheme := resp.Headers.Get("WWW-Authenticate"); scheme != "" {
			provider = strings.ToLower(strings.Fields(scheme)[0])
		}
		return crawler.Detection{Kind: crawler.ChallengeAuth, Provider: provider, Detail: "authentication required (401)"}, true
	case http.StatusForbidden:
		return crawler.Detection{Kind: crawler.ChallengeAuth, Detail: "access forbidden (403)"}, true
	}

	if detail, ok := loginWall(body); ok {
		return crawler.Detection{Kind: crawler.ChallengeAuth, Provider: "form", Detail: detail}, true
	}
	return crawler.Detection{}, false
}

// loginWall reports a page whose main purpose is a password form.
func loginWall(body []byte) (string, bool) {
	if !bytes.Contains(bytes.ToLower(body), []byte("password")) {
		return "", false
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "", false
	}
	if doc.Find(`form input[type="password"]`).Length() == 0 {
		return "", false
	}
	title := strings.ToLower(strings.TrimSpace(doc.Find("title").First().Text()))
	for _, hint := range loginTitleHints {
		if strings.Contains(title, hint) {
			return fmt.Sprintf("login form (%s)", title), true
		}
	}
	// A password form on an otherwise empty page is a wall; one inside a
	// content page is just a sidebar widget.
	text := strings.Join(strings.Fields(doc.Find("body").Text()), " ")
	if len(text) < 500 {
		return "login form", true
	}
	return "", false
}
