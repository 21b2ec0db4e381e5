// Package session defines per-domain authentication records and the store
// contract shared by the SQLite and Postgres backends.
package session

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/JakeFAU/crawlops/internal/crawler"
)

// DefaultExpiryHours applies when a save does not set ExpiresInHours.
const DefaultExpiryHours = 720

// Record is one stored authentication artifact for a domain.
type Record struct {
	ID          int64           `json:"id"`
	Domain      string          `json:"domain"`
	SessionName string          `json:"session_name,omitempty"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   time.Time       `json:"created_at"`
	ExpiresAt   time.Time       `json:"expires_at"`
	Notes       string          `json:"notes,omitempty"`
}

// Active reports whether the record is still usable at now.
func (r Record) Active(now time.Time) bool {
	return now.Before(r.ExpiresAt)
}

// SaveOptions carries the optional parts of a save.
type SaveOptions struct {
	// SessionName selects a named record; empty is the canonical record.
	SessionName string `json:"session_name,omitempty"`
	// ExpiresInHours defaults to DefaultExpiryHours when nil. Zero saves an
	// already expired record.
	ExpiresInHours *int   `json:"expires_in_hours,omitempty"`
	Notes          string `json:"notes,omitempty"`
}

// ListFilter narrows List results.
type ListFilter struct {
	Domain     string
	ActiveOnly bool
}

// DeleteRequest selects records to delete: by ID, by Domain plus
// SessionName, or every record of Domain when SessionName is nil.
type DeleteRequest struct {
	ID          int64
	Domain      string
	SessionName *string
}

// UsageStats summarizes the usage log of one record.
type UsageStats struct {
	TotalUses      int64      `json:"total_uses"`
	SuccessfulUses int64      `json:"successful_uses"`
	SuccessRate    float64    `json:"success_rate"`
	LastUsed       *time.Time `json:"last_used,omitempty"`
}

// Store persists session records. Every method is domain-scoped and safe for
// concurrent use.
type Store interface {
	Save(ctx context.Context, domain string, payload json.RawMessage, opts SaveOptions) (Record, error)
	Load(ctx context.Context, domain, sessionName string) (Record, error)
	List(ctx context.Context, filter ListFilter) ([]Record, error)
	Delete(ctx context.Context, req DeleteRequest) (int64, error)
	ClearExpired(ctx context.Context, domain string) (int64, error)
	Clear(ctx context.Context, domain string, expiredOnly bool) (int64, error)
	Domains(ctx context.Context) ([]string, error)
	LogUsage(ctx context.Context, id int64, url string, success bool, errMsg string) error
	Stats(ctx context.Context, id int64) (UsageStats, error)
	Close() error
}

// Clock supplies the time used for expiry decisions.
type Clock interface {
	Now() time.Time
}

// NormalizeDomain lowercases and trims a domain, rejecting empty input.
func NormalizeDomain(domain string) (string, error) {
	d := strings.TrimSuffix(strings.ToLower(strings.TrimSpace(domain)), ".")
	if d == "" {
		return "", crawler.InvalidInputf("domain is required")
	}
	if strings.ContainsAny(d, "/ ") {
		return "", crawler.InvalidInputf("invalid domain %q", domain)
	}
	return d, nil
}

// Prepare validates a save and resolves the normalized domain, session name,
// and expiry instant.
func Prepare(now time.Time, domain string, payload json.RawMessage, opts SaveOptions) (Record, error) {
	d, err := NormalizeDomain(domain)
	if err != nil {
		return Record{}, err
	}
	if len(payload) == 0 || !json.Valid(payload) {
		return Record{}, crawler.InvalidInputf("payload must be valid JSON")
	}
	hours := DefaultExpiryHours
	if opts.ExpiresInHours != nil {
		hours = *opts.ExpiresInHours
	}
	if hours < 0 {
		return Record{}, crawler.InvalidInputf("expires_in_hours must be >= 0")
	}
	return Record{
		Domain:      d,
		SessionName: strings.TrimSpace(opts.SessionName),
		Payload:     append(json.RawMessage(nil), payload...),
		CreatedAt:   now,
		ExpiresAt:   now.Add(time.Duration(hours) * time.Hour),
		Notes:       opts.Notes,
	}, nil
}

// ValidateDelete checks that req names at least one selector.
func ValidateDelete(req DeleteRequest) (DeleteRequest, error) {
	if req.ID > 0 {
		return req, nil
	}
	if req.ID < 0 {
		return req, crawler.InvalidInputf("id must be positive")
	}
	d, err := NormalizeDomain(req.Domain)
	if err != nil {
		return req, crawler.InvalidInputf("id or domain is required")
	}
	req.Domain = d
	if req.SessionName != nil {
		name := strings.TrimSpace(*req.SessionName)
		req.SessionName = &name
	}
	return req, nil
}

// NormalizeFilter lowercases an optional domain filter.
func NormalizeFilter(domain string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(domain)), ".")
}

// ComputeStats derives success rate from raw counters.
func ComputeStats(total, successful int64, lastUsed *time.Time) UsageStats {
	stats := UsageStats{TotalUses: total, SuccessfulUses: successful, LastUsed: lastUsed}
	if total > 0 {
		stats.SuccessRate = float64(successful) / float64(total) * 100
	}
	return stats
}
