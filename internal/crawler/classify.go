package crawler

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
)

// Classify maps a capture error onto a pipeline outcome. Unknown errors are
// treated as transient so the retry budget bounds them.
func Classify(err error) Outcome {
	if err == nil {
		return OutcomeSuccess
	}
	if errors.Is(err, ErrChallengeRequired) {
		return OutcomeChallenge
	}
	if errors.Is(err, ErrRobotsBlocked) || errors.Is(err, ErrDomainBlocked) {
		return OutcomeBlocked
	}
	if errors.Is(err, ErrFatal) || errors.Is(err, ErrInvalidInput) {
		return OutcomeFatal
	}
	if errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded) {
		return OutcomeTransient
	}
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return classifyStatus(statusErr.StatusCode)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return OutcomeTransient
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "captcha"), strings.Contains(msg, "auth"):
		return OutcomeChallenge
	case strings.Contains(msg, "robots"), strings.Contains(msg, "disallow"):
		return OutcomeBlocked
	default:
		return OutcomeTransient
	}
}

func classifyStatus(code int) Outcome {
	switch {
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return OutcomeChallenge
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout, code >= 500:
		return OutcomeTransient
	case code >= 400:
		return OutcomeFatal
	default:
		return OutcomeSuccess
	}
}

// ChallengeFor describes the challenge implied by an error classified as
// OutcomeChallenge.
func ChallengeFor(url string, err error) *Challenge {
	var chErr *ChallengeError
	if errors.As(err, &chErr) {
		return &Challenge{
			URL:          url,
			Kind:         chErr.Kind,
			Provider:     chErr.Provider,
			Detail:       chErr.Detail,
			EvidencePath: chErr.EvidencePath,
		}
	}
	kind := ChallengeAuth
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "captcha") {
		kind = ChallengeCaptcha
	}
	detail := ""
	if err != nil {
		detail = err.Error()
	}
	return &Challenge{URL: url, Kind: kind, Detail: detail}
}

// ResultFor turns the outcome of one capture attempt into a queue Result.
func ResultFor(url string, attempt int, resp CaptureResponse, err error) Result {
	outcome := Classify(err)
	res := Result{Attempt: attempt, Outcome: outcome}
	switch outcome {
	case OutcomeSuccess:
		res.Outputs = resp.Outputs
	case OutcomeChallenge:
		res.Challenge = ChallengeFor(url, err)
		res.Error = err.Error()
	default:
		res.Error = err.Error()
	}
	return res
}
