package detector

import (
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawlops/internal/crawler"
)

func TestChallenges_DetectCaptchaProviders(t *testing.T) {
	t.Parallel()

	d := NewChallenges()
	cases := []struct {
		body     string
		provider string
	}{
		{`<div class="g-recaptcha" data-sitekey="x"></div>`, "recaptcha"},
		{`<script src="https://hcaptcha.com/1/api.js"></script>`, "hcaptcha"},
		{`<div class="cf-turnstile"></div>`, "turnstile"},
		{`<form id="challenge-form" action="/?__cf_chl_f_tk=1">cf-chl-bypass</form>`, "cloudflare"},
	}
	for _, tc := range cases {
		det, ok := d.Detect(htmlResponse(200, tc.body))
		require.True(t, ok, tc.body)
		require.Equal(t, crawler.ChallengeCaptcha, det.Kind)
		require.Equal(t, tc.provider, det.Provider)
	}
}

func TestChallenges_CaptchaOutranksForbidden(t *testing.T) {
	t.Parallel()

	det, ok := NewChallenges().Detect(htmlResponse(403, `<div class="cf-turnstile"></div>`))
	require.True(t, ok)
	require.Equal(t, crawler.ChallengeCaptcha, det.Kind)
}

func TestChallenges_DetectAuthStatus(t *testing.T) {
	t.Parallel()

	d := NewChallenges()
	resp := htmlResponse(401, "denied")
	resp.Headers.Set("WWW-Authenticate", `Basic realm="corp"`)
	det, ok := d.Detect(resp)
	require.True(t, ok)
	require.Equal(t, crawler.ChallengeAuth, det.Kind)
	require.Equal(t, "basic", det.Provider)

	det, ok = d.Detect(htmlResponse(http.StatusForbidden, ""))
	require.True(t, ok)
	require.Equal(t, crawler.ChallengeAuth, det.Kind)
}

func TestChallenges_DetectLoginWall(t *testing.T) {
	t.Parallel()

	d := NewChallenges()
	login := `<html><head><title>Sign in - Wiki</title></head><body>
<form action="/login"><input name="user"><input type="password" name="pw"></form></body></html>`
	det, ok := d.Detect(htmlResponse(200, login))
	require.True(t, ok)
	require.Equal(t, crawler.ChallengeAuth, det.Kind)
	require.Equal(t, "form", det.Provider)

	article := `<html><head><title>Release notes</title></head><body><article>` +
		strings.Repeat("Plenty of real content here. ", 40) +
		`</article><aside><form><input type="password"></form></aside></body></html>`
	_, ok = d.Detect(htmlResponse(200, article))
	require.False(t, ok)
}

func TestChallenges_CleanPage(t *testing.T) {
	t.Parallel()

	_, ok := NewChallenges().Detect(htmlResponse(200, "<html><body><p>hello</p></body></html>"))
	require.False(t, ok)
}
