package crawler

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by the queue, the session store, and the HTTP surface.
var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrNotFound          = errors.New("not found")
	ErrTransient         = errors.New("transient failure")
	ErrChallengeRequired = errors.New("challenge required")
	ErrFatal             = errors.New("fatal failure")
	ErrConflict          = errors.New("conflict")

	ErrUnknownProfile    = fmt.Errorf("%w: unknown profile", ErrInvalidInput)
	ErrNoActiveChallenge = fmt.Errorf("%w: no active challenge", ErrNotFound)
	ErrRobotsBlocked     = errors.New("blocked by robots.txt")
	ErrDomainBlocked     = errors.New("domain is blocklisted")
)

// AbortedByOperator is the error recorded on entries aborted from a challenge.
const AbortedByOperator = "aborted by operator"

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// InvalidInputf builds an error that matches ErrInvalidInput.
func InvalidInputf(format string, args ...any) error {
	return invalidf(format, args...)
}

// Conflictf builds an error that matches ErrConflict.
func Conflictf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}

// NotFoundf builds an error that matches ErrNotFound.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// ChallengeError reports that a capture hit a wall only a human can clear.
type ChallengeError struct {
	Kind         ChallengeKind
	Provider     string
	Detail       string
	EvidencePath string
}

func (e *ChallengeError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s challenge", e.Kind)
	}
	return fmt.Sprintf("%s challenge: %s", e.Kind, e.Detail)
}

// Unwrap lets errors.Is match ErrChallengeRequired.
func (e *ChallengeError) Unwrap() error {
	return ErrChallengeRequired
}

// HTTPStatusError carries a non-success HTTP status from a fetch.
type HTTPStatusError struct {
	URL        string
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("http status %d for %s", e.StatusCode, e.URL)
}
