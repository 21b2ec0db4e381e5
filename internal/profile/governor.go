// Package profile maps execution profile names onto concrete crawl policy.
package profile

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlops/internal/crawler"
)

// Canonical profile names. These always exist.
const (
	Standard = "standard"
	Safe     = "safe"
	Guided   = "guided"
)

// Policy is the concrete policy tuple behind a profile name.
type Policy struct {
	Concurrency       int     `json:"concurrency" mapstructure:"concurrency"`
	DelayMs           int     `json:"delay_ms" mapstructure:"delay_ms"`
	JitterMs          int     `json:"jitter_ms" mapstructure:"jitter_ms"`
	RespectRobots     bool    `json:"respect_robots" mapstructure:"respect_robots"`
	TimeoutSeconds    int     `json:"timeout_seconds" mapstructure:"timeout_seconds"`
	Retries           int     `json:"retries" mapstructure:"retries"`
	BackoffMultiplier float64 `json:"backoff_multiplier" mapstructure:"backoff_multiplier"`
}

// Delay is the politeness delay between requests to one domain.
func (p Policy) Delay() time.Duration {
	return time.Duration(p.DelayMs) * time.Millisecond
}

// Jitter is the upper bound of the random extra delay.
func (p Policy) Jitter() time.Duration {
	return time.Duration(p.JitterMs) * time.Millisecond
}

// Timeout bounds a single capture.
func (p Policy) Timeout() time.Duration {
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// RetryPolicy extracts the retry/backoff parameters.
func (p Policy) RetryPolicy() crawler.RetryPolicy {
	return crawler.RetryPolicy{
		Retries:           p.Retries,
		Delay:             p.Delay(),
		BackoffMultiplier: p.BackoffMultiplier,
	}
}

// Validate rejects policies the queue cannot run.
func (p Policy) Validate() error {
	switch {
	case p.Concurrency < 1:
		return crawler.InvalidInputf("concurrency must be >= 1")
	case p.DelayMs < 0:
		return crawler.InvalidInputf("delay_ms must be >= 0")
	case p.JitterMs < 0:
		return crawler.InvalidInputf("jitter_ms must be >= 0")
	case p.TimeoutSeconds < 1:
		return crawler.InvalidInputf("timeout_seconds must be >= 1")
	case p.Retries < 0:
		return crawler.InvalidInputf("retries must be >= 0")
	case p.BackoffMultiplier < 1:
		return crawler.InvalidInputf("backoff_multiplier must be >= 1")
	}
	return nil
}

// Overrides names the policy fields to change; nil fields keep their value.
type Overrides struct {
	Concurrency       *int     `json:"concurrency,omitempty" mapstructure:"concurrency"`
	DelayMs           *int     `json:"delay_ms,omitempty" mapstructure:"delay_ms"`
	JitterMs          *int     `json:"jitter_ms,omitempty" mapstructure:"jitter_ms"`
	RespectRobots     *bool    `json:"respect_robots,omitempty" mapstructure:"respect_robots"`
	TimeoutSeconds    *int     `json:"timeout_seconds,omitempty" mapstructure:"timeout_seconds"`
	Retries           *int     `json:"retries,omitempty" mapstructure:"retries"`
	BackoffMultiplier *float64 `json:"backoff_multiplier,omitempty" mapstructure:"backoff_multiplier"`
}

// Apply merges the set fields over p.
func (o Overrides) Apply(p Policy) Policy {
	if o.Concurrency != nil {
		p.Concurrency = *o.Concurrency
	}
	if o.DelayMs != nil {
		p.DelayMs = *o.DelayMs
	}
	if o.JitterMs != nil {
		p.JitterMs = *o.JitterMs
	}
	if o.RespectRobots != nil {
		p.RespectRobots = *o.RespectRobots
	}
	if o.TimeoutSeconds != nil {
		p.TimeoutSeconds = *o.TimeoutSeconds
	}
	if o.Retries != nil {
		p.Retries = *o.Retries
	}
	if o.BackoffMultiplier != nil {
		p.BackoffMultiplier = *o.BackoffMultiplier
	}
	return p
}

// DecodeOverrides reads a JSON object of overrides, rejecting unknown keys.
func DecodeOverrides(r io.Reader) (Overrides, error) {
	var o Overrides
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&o); err != nil {
		return Overrides{}, crawler.InvalidInputf("decode overrides: %v", err)
	}
	if dec.More() {
		return Overrides{}, crawler.InvalidInputf("decode overrides: trailing data")
	}
	return o, nil
}

// ParseOverrides is DecodeOverrides over a byte slice.
func ParseOverrides(data []byte) (Overrides, error) {
	return DecodeOverrides(bytes.NewReader(data))
}

// Defaults returns the canonical profiles.
func Defaults() map[string]Policy {
	return map[string]Policy{
		Standard: {
			Concurrency:       3,
			DelayMs:           1000,
			JitterMs:          500,
			RespectRobots:     true,
			TimeoutSeconds:    30,
			Retries:           3,
			BackoffMultiplier: 2.0,
		},
		Safe: {
			Concurrency:       1,
			DelayMs:           8000,
			JitterMs:          2000,
			RespectRobots:     true,
			TimeoutSeconds:    60,
			Retries:           2,
			BackoffMultiplier: 2.0,
		},
		Guided: {
			Concurrency:       1,
			DelayMs:           2000,
			JitterMs:          1000,
			RespectRobots:     true,
			TimeoutSeconds:    120,
			Retries:           1,
			BackoffMultiplier: 1.5,
		},
	}
}

// Governor owns the profile table and the active profile name.
type Governor struct {
	mu       sync.RWMutex
	profiles map[string]Policy
	active   string
	logger   *zap.Logger
}

// New builds a Governor seeded with Defaults, applies configured overrides,
// and selects active (Standard when empty).
func New(active string, overrides map[string]Overrides, logger *zap.Logger) (*Governor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Governor{
		profiles: Defaults(),
		active:   Standard,
		logger:   logger,
	}
	for name, o := range overrides {
		if _, err := g.Set(name, o); err != nil {
			return nil, fmt.Errorf("apply %s overrides: %w", name, err)
		}
	}
	if active != "" {
		if _, err := g.SetActive(active); err != nil {
			return nil, err
		}
	}
	return g, nil
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Get returns the policy for name.
func (g *Governor) Get(name string) (Policy, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	p, ok := g.profiles[normalize(name)]
	if !ok {
		return Policy{}, fmt.Errorf("%w %q", crawler.ErrUnknownProfile, name)
	}
	return p, nil
}

// Has reports whether name is a defined profile.
func (g *Governor) Has(name string) bool {
	_, err := g.Get(name)
	return err == nil
}

// Set shallow-merges overrides into the named profile. A merge that yields
// an invalid policy is rejected and leaves the profile unchanged.
func (g *Governor) Set(name string, o Overrides) (Policy, error) {
	key := normalize(name)
	g.mu.Lock()
	defer g.mu.Unlock()
	current, ok := g.profiles[key]
	if !ok {
		return Policy{}, fmt.Errorf("%w %q", crawler.ErrUnknownProfile, name)
	}
	merged := o.Apply(current)
	if err := merged.Validate(); err != nil {
		return Policy{}, fmt.Errorf("profile %s: %w", key, err)
	}
	g.profiles[key] = merged
	g.logger.Info("profile updated",
		zap.String("profile", key),
		zap.Int("concurrency", merged.Concurrency),
		zap.Int("delay_ms", merged.DelayMs),
		zap.Bool("respect_robots", merged.RespectRobots),
		zap.Int("retries", merged.Retries),
		zap.Float64("backoff_multiplier", merged.BackoffMultiplier),
	)
	return merged, nil
}

// Active returns the active profile name and its current policy.
func (g *Governor) Active() (string, Policy) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.active, g.profiles[g.active]
}

// SetActive switches the active profile. Running entries are unaffected.
func (g *Governor) SetActive(name string) (Policy, error) {
	key := normalize(name)
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.profiles[key]
	if !ok {
		return Policy{}, fmt.Errorf("%w %q", crawler.ErrUnknownProfile, name)
	}
	if g.active != key {
		g.logger.Info("active profile changed", zap.String("from", g.active), zap.String("to", key))
	}
	g.active = key
	return p, nil
}

// Names lists the defined profile names in sorted order.
func (g *Governor) Names() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	names := make([]string, 0, len(g.profiles))
	for name := range g.profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// All returns a copy of every profile.
func (g *Governor) All() map[string]Policy {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string]Policy, len(g.profiles))
	for name, p := range g.profiles {
		out[name] = p
	}
	return out
}
