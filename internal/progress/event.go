package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageEntryQueued       Stage = "ENTRY_QUEUED"
	StageEntryRunning      Stage = "ENTRY_RUNNING"
	StageEntryRetry        Stage = "ENTRY_RETRY"
	StageEntryWaiting      Stage = "ENTRY_WAITING"
	StageEntryDone         Stage = "ENTRY_DONE"
	StageEntryFailed       Stage = "ENTRY_FAILED"
	StageEntrySkipped      Stage = "ENTRY_SKIPPED"
	StageChallengeOpen     Stage = "CHALLENGE_OPEN"
	StageChallengeResolved Stage = "CHALLENGE_RESOLVED"
	StageCaptureDone       Stage = "CAPTURE_DONE"
)

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// Supported HTTP status classes tracked for capture completions.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event captures a single queue or capture milestone.
type Event struct {
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time `json:"ts"`
	// Stage denotes which lifecycle milestone occurred.
	Stage Stage `json:"stage"`
	// URL is the queue entry key.
	URL string `json:"url"`
	// Site is the lowercase host of URL.
	Site string `json:"site,omitempty"`
	// Attempt is the entry's dispatch count when the event fired.
	Attempt int `json:"attempt,omitempty"`
	// ChallengeKind and Evidence describe an opened challenge.
	ChallengeKind string `json:"challenge_kind,omitempty"`
	Evidence      string `json:"evidence,omitempty"`
	// Action is the operator decision for resolved challenges.
	Action string `json:"action,omitempty"`
	// Bytes and StatusClass describe a finished capture.
	Bytes       int64       `json:"bytes,omitempty"`
	StatusClass StatusClass `json:"status_class,omitempty"`
	// Dur captures capture latency or retry backoff.
	Dur time.Duration `json:"dur,omitempty"`
	// Note lets emitters attach low-volume context (e.g. error text).
	Note string `json:"note,omitempty"`
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	if e.URL == "" {
		return errors.New("url is required")
	}
	switch e.Stage {
	case StageEntryQueued, StageEntryRunning, StageEntryRetry, StageEntryWaiting,
		StageEntryDone, StageEntryFailed, StageEntrySkipped, StageChallengeResolved:
	case StageChallengeOpen:
		if e.ChallengeKind == "" {
			return errors.New("challenge open requires kind")
		}
	case StageCaptureDone:
		if e.Site == "" {
			return errors.New("capture done requires site")
		}
		if e.StatusClass == "" {
			return errors.New("capture done requires status class")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// Terminal reports whether the stage closes an entry's attempt.
func (s Stage) Terminal() bool {
	return s == StageEntryDone || s == StageEntryFailed || s == StageEntrySkipped
}

// ClassifyStatus groups HTTP status codes for capture events.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}
