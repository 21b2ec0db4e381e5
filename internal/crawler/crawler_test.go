package crawler

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want Outcome
	}{
		{"nil", nil, OutcomeSuccess},
		{"challenge error", &ChallengeError{Kind: ChallengeCaptcha}, OutcomeChallenge},
		{"robots", fmt.Errorf("check: %w", ErrRobotsBlocked), OutcomeBlocked},
		{"blocklist", fmt.Errorf("check: %w", ErrDomainBlocked), OutcomeBlocked},
		{"deadline", fmt.Errorf("fetch: %w", context.DeadlineExceeded), OutcomeTransient},
		{"401", &HTTPStatusError{StatusCode: 401}, OutcomeChallenge},
		{"403", &HTTPStatusError{StatusCode: 403}, OutcomeChallenge},
		{"404", &HTTPStatusError{StatusCode: 404}, OutcomeFatal},
		{"429", &HTTPStatusError{StatusCode: 429}, OutcomeTransient},
		{"503", &HTTPStatusError{StatusCode: 503}, OutcomeTransient},
		{"captcha text", errors.New("recaptcha widget present"), OutcomeChallenge},
		{"disallow text", errors.New("path disallowed"), OutcomeBlocked},
		{"fatal", fmt.Errorf("render: %w", ErrFatal), OutcomeFatal},
		{"unknown", errors.New("connection reset by peer"), OutcomeTransient},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, Classify(tc.err))
		})
	}
}

func TestResultForChallenge(t *testing.T) {
	t.Parallel()

	err := &ChallengeError{Kind: ChallengeAuth, Provider: "sso", Detail: "login form", EvidencePath: "file:///tmp/a.png"}
	res := ResultFor("https://a.test/", 2, CaptureResponse{}, err)
	require.Equal(t, OutcomeChallenge, res.Outcome)
	require.Equal(t, 2, res.Attempt)
	require.NotNil(t, res.Challenge)
	require.Equal(t, ChallengeAuth, res.Challenge.Kind)
	require.Equal(t, "file:///tmp/a.png", res.Challenge.EvidencePath)

	res = ResultFor("https://a.test/", 1, CaptureResponse{}, errors.New("captcha required"))
	require.Equal(t, ChallengeCaptcha, res.Challenge.Kind)
}

func TestResultForSuccess(t *testing.T) {
	t.Parallel()

	res := ResultFor("https://a.test/", 1, CaptureResponse{Outputs: map[Format]string{FormatJSON: "memory://x"}}, nil)
	require.Equal(t, OutcomeSuccess, res.Outcome)
	require.Equal(t, "memory://x", res.Outputs[FormatJSON])
	require.Empty(t, res.Error)
}

func TestRetryPolicy(t *testing.T) {
	t.Parallel()

	p := RetryPolicy{Retries: 2, Delay: 8 * time.Second, BackoffMultiplier: 2}
	require.True(t, p.ShouldRetry(1))
	require.True(t, p.ShouldRetry(2))
	require.False(t, p.ShouldRetry(3))
	require.Equal(t, 16*time.Second, p.Backoff(1))
	require.Equal(t, 32*time.Second, p.Backoff(2))
	require.Equal(t, maxBackoff, p.Backoff(10_000))
	require.Zero(t, RetryPolicy{}.Backoff(3))
}

func TestValidateURL(t *testing.T) {
	t.Parallel()

	require.NoError(t, ValidateURL("https://a.test/x?y=1#frag"))
	for _, bad := range []string{"", "ftp://a.test", "a.test/x", "https://", "http://%zz"} {
		err := ValidateURL(bad)
		require.Error(t, err, bad)
		require.ErrorIs(t, err, ErrInvalidInput)
	}
}

func TestSlugAndBlobKey(t *testing.T) {
	t.Parallel()

	require.Equal(t, "example.com_docs_intro", Slug("https://www.example.com/docs/intro"))
	require.Equal(t, "a.test", Slug("https://a.test/"))
	key := BlobKey("runs/", "https://a.test/p", "abcdef0123456789", FormatMarkdown)
	require.Equal(t, "runs/a.test/a.test_p-abcdef012345.md", key)
}

func TestScopeAllows(t *testing.T) {
	t.Parallel()

	scope := Scope{
		AllowedDomains:  []string{"example.com"},
		DisallowedPaths: []string{"/private", "/*.zip"},
	}
	require.True(t, scope.Allows("https://docs.example.com/guide"))
	require.False(t, scope.Allows("https://other.test/guide"))
	require.False(t, scope.Allows("https://example.com/private/area"))
	require.False(t, scope.Allows("https://example.com/file.zip"))
	require.False(t, scope.Allows("https://example.com/paper.pdf"))

	scope.CrawlPDFLinks = true
	require.True(t, scope.Allows("https://example.com/paper.pdf"))
}

func TestResolveLink(t *testing.T) {
	t.Parallel()

	base, err := url.Parse("https://a.test/dir/page")
	require.NoError(t, err)
	got, ok := ResolveLink(base, "../other#section")
	require.True(t, ok)
	require.Equal(t, "https://a.test/other", got)
	_, ok = ResolveLink(base, "mailto:x@a.test")
	require.False(t, ok)
	_, ok = ResolveLink(base, "#top")
	require.False(t, ok)
}

func TestStatusHelpers(t *testing.T) {
	t.Parallel()

	require.True(t, StatusWaitingCaptcha.Waiting())
	require.False(t, StatusRunning.Waiting())
	require.True(t, StatusSkipped.Terminal())

	var stats Stats
	for _, s := range Statuses {
		stats.Add(s)
	}
	require.Equal(t, len(Statuses), stats.Total)
	require.Equal(t, 1, stats.WaitingUser)

	_, err := ParseAction("explode")
	require.ErrorIs(t, err, ErrInvalidInput)
}
