package crawler

import (
	"net/http"
	"time"
)

// Status describes where a queue entry sits in its lifecycle.
type Status string

// Queue entry lifecycle states.
const (
	StatusQueued         Status = "queued"
	StatusRunning        Status = "running"
	StatusWaitingCaptcha Status = "waiting_captcha"
	StatusWaitingUser    Status = "waiting_user"
	StatusDone           Status = "done"
	StatusFailed         Status = "failed"
	StatusSkipped        Status = "skipped"
)

// Statuses lists every entry status in lifecycle order.
var Statuses = []Status{
	StatusQueued,
	StatusRunning,
	StatusWaitingCaptcha,
	StatusWaitingUser,
	StatusDone,
	StatusFailed,
	StatusSkipped,
}

// Waiting reports whether the status is one of the operator suspend states.
func (s Status) Waiting() bool {
	return s == StatusWaitingCaptcha || s == StatusWaitingUser
}

// Terminal reports whether the status ends the current attempt.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed || s == StatusSkipped
}

// Format is an output kind produced by the capture pipeline.
type Format string

// Supported capture formats.
const (
	FormatJSON     Format = "json"
	FormatMarkdown Format = "md"
	FormatHTML     Format = "html"
	FormatPDF      Format = "pdf"
)

// ParseFormat validates a requested format name.
func ParseFormat(raw string) (Format, bool) {
	switch f := Format(raw); f {
	case FormatJSON, FormatMarkdown, FormatHTML, FormatPDF:
		return f, true
	default:
		return "", false
	}
}

// Entry is one URL under management by the queue.
type Entry struct {
	URL        string            `json:"url"`
	Depth      int               `json:"depth"`
	Status     Status            `json:"status"`
	Formats    []Format          `json:"formats"`
	Attempts   int               `json:"attempts"`
	Error      string            `json:"error,omitempty"`
	Outputs    map[Format]string `json:"outputs,omitempty"`
	Profile    string            `json:"profile"`
	RunID      string            `json:"run_id"`
	EnqueuedAt time.Time         `json:"enqueued_at"`
	StartedAt  *time.Time        `json:"started_at,omitempty"`
	FinishedAt *time.Time        `json:"finished_at,omitempty"`
	Scope      Scope             `json:"scope"`
}

// Scope carries the run-level options that govern link discovery from an entry.
type Scope struct {
	MaxDepth        int      `json:"max_depth"`
	MaxPages        int      `json:"max_pages"`
	AllowedDomains  []string `json:"allowed_domains,omitempty"`
	DisallowedPaths []string `json:"disallowed_paths,omitempty"`
	CrawlPDFLinks   bool     `json:"crawl_pdf_links"`
}

// EnqueueOptions are the per-call settings applied to every new entry.
type EnqueueOptions struct {
	Depth   int
	Profile string
	Formats []Format
	RunID   string
	Scope   Scope
}

// Stats is a per-status projection of the queue.
type Stats struct {
	Queued         int `json:"queued"`
	Running        int `json:"running"`
	WaitingCaptcha int `json:"waiting_captcha"`
	WaitingUser    int `json:"waiting_user"`
	Done           int `json:"done"`
	Failed         int `json:"failed"`
	Skipped        int `json:"skipped"`
	Total          int `json:"total"`
}

// Add counts one entry in the matching bucket.
func (s *Stats) Add(status Status) {
	switch status {
	case StatusQueued:
		s.Queued++
	case StatusRunning:
		s.Running++
	case StatusWaitingCaptcha:
		s.WaitingCaptcha++
	case StatusWaitingUser:
		s.WaitingUser++
	case StatusDone:
		s.Done++
	case StatusFailed:
		s.Failed++
	case StatusSkipped:
		s.Skipped++
	}
	s.Total++
}

// ChallengeKind identifies what blocked a capture.
type ChallengeKind string

// Challenge kinds.
const (
	ChallengeCaptcha ChallengeKind = "captcha"
	ChallengeAuth    ChallengeKind = "auth"
	ChallengeManual  ChallengeKind = "manual"
)

// Challenge is a human-actionable blocker attached to a waiting entry.
type Challenge struct {
	ID           string        `json:"id"`
	URL          string        `json:"url"`
	Kind         ChallengeKind `json:"kind"`
	Detail       string        `json:"detail,omitempty"`
	Provider     string        `json:"provider,omitempty"`
	EvidencePath string        `json:"evidence_path,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
}

// Action is an operator decision on an outstanding challenge.
type Action string

// Operator actions.
const (
	ActionContinue Action = "continue"
	ActionRetry    Action = "retry"
	ActionSkip     Action = "skip"
	ActionAbort    Action = "abort"
)

// ParseAction validates an operator action.
func ParseAction(raw string) (Action, error) {
	switch a := Action(raw); a {
	case ActionContinue, ActionRetry, ActionSkip, ActionAbort:
		return a, nil
	default:
		return "", invalidf("unknown action %q", raw)
	}
}

// Outcome classifies a single pipeline attempt.
type Outcome string

// Pipeline outcomes.
const (
	OutcomeSuccess   Outcome = "success"
	OutcomeTransient Outcome = "transient"
	OutcomeChallenge Outcome = "challenge"
	OutcomeBlocked   Outcome = "blocked"
	OutcomeFatal     Outcome = "fatal"
)

// Result is what a worker reports back to the queue after one capture attempt.
type Result struct {
	// Attempt echoes the dispatch attempt so late reports can be discarded.
	Attempt   int
	Outcome   Outcome
	Outputs   map[Format]string
	Error     string
	Challenge *Challenge
}

// CaptureRequest asks the pipeline to capture one URL.
type CaptureRequest struct {
	URL       string
	Depth     int
	Formats   []Format
	Headers   http.Header
	UserAgent string
	Timeout   time.Duration
}

// CaptureResponse is a successful capture.
type CaptureResponse struct {
	URL         string
	StatusCode  int
	ContentType string
	Outputs     map[Format]string
	Links       []string
	Bytes       int64
	Duration    time.Duration
}

// FetchRequest is passed to a fetcher. Zero Timeout and UserAgent fall back
// to the fetcher's own configuration.
type FetchRequest struct {
	URL       string
	Headers   http.Header
	UserAgent string
	Timeout   time.Duration
}

// FetchResponse captures a fetched document.
type FetchResponse struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
}

// Detection is the verdict of a challenge detector on a fetched page.
type Detection struct {
	Kind     ChallengeKind
	Provider string
	Detail   string
}

// Heading is one h1-h6 element from an extracted document.
type Heading struct {
	Level int    `json:"level"`
	Text  string `json:"text"`
}

// Document is the structured view of a captured page.
type Document struct {
	URL         string    `json:"url"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Lang        string    `json:"lang,omitempty"`
	Headings    []Heading `json:"headings,omitempty"`
	Links       []string  `json:"links,omitempty"`
	Images      []string  `json:"images,omitempty"`
	Text        string    `json:"text"`
	Markdown    string    `json:"-"`
	WordCount   int       `json:"word_count"`
}
