// Package report projects queue entries into per-run reports: status counts,
// throughput KPIs, paginated summaries, and CSV or JSON exports.
package report

import (
	"sort"
	"time"

	"github.com/JakeFAU/crawlops/internal/crawler"
)

// Settings are the run-level options shared by a run's entries.
type Settings struct {
	MaxDepth        int              `json:"max_depth"`
	MaxPages        int              `json:"max_pages"`
	AllowedDomains  []string         `json:"allowed_domains,omitempty"`
	DisallowedPaths []string         `json:"disallowed_paths,omitempty"`
	CrawlPDFLinks   bool             `json:"crawl_pdf_links"`
	Formats         []crawler.Format `json:"formats"`
}

// KPIs are the throughput figures for one run.
type KPIs struct {
	// PagesPerHour is done entries over the run's elapsed wall time.
	PagesPerHour float64 `json:"pages_per_hour"`
	// SuccessRate is done / (done + failed), in [0, 1].
	SuccessRate float64 `json:"success_rate"`
	// AverageProcessingSeconds is the mean capture time of done entries.
	AverageProcessingSeconds float64 `json:"average_processing_seconds"`
}

// Report is the full view of one run.
type Report struct {
	ID        string          `json:"id"`
	StartTime time.Time       `json:"start_time"`
	EndTime   *time.Time      `json:"end_time,omitempty"`
	Profile   string          `json:"profile"`
	Settings  Settings        `json:"settings"`
	Items     []crawler.Entry `json:"items"`
	Stats     crawler.Stats   `json:"stats"`
	KPIs      KPIs            `json:"kpis"`
}

// Finished reports whether every entry of the run is terminal.
func (r Report) Finished() bool {
	return r.EndTime != nil
}

// Summary is the list view of a run.
type Summary struct {
	ID           string     `json:"id"`
	StartTime    time.Time  `json:"start_time"`
	EndTime      *time.Time `json:"end_time,omitempty"`
	Profile      string     `json:"profile"`
	TotalItems   int        `json:"total_items"`
	SuccessRate  float64    `json:"success_rate"`
	PagesPerHour float64    `json:"pages_per_hour"`
}

// Build groups entries by run and returns the reports newest first. now
// closes the elapsed window of runs that are still going.
func Build(entries []crawler.Entry, now time.Time) []Report {
	byRun := make(map[string][]crawler.Entry)
	var order []string
	for _, e := range entries {
		if _, ok := byRun[e.RunID]; !ok {
			order = append(order, e.RunID)
		}
		byRun[e.RunID] = append(byRun[e.RunID], e)
	}
	reports := make([]Report, 0, len(order))
	for _, id := range order {
		reports = append(reports, build(id, byRun[id], now))
	}
	sort.SliceStable(reports, func(i, j int) bool {
		if !reports[i].StartTime.Equal(reports[j].StartTime) {
			return reports[i].StartTime.After(reports[j].StartTime)
		}
		return reports[i].ID < reports[j].ID
	})
	return reports
}

// Find returns the report for id from entries.
func Find(entries []crawler.Entry, id string, now time.Time) (Report, error) {
	var matched []crawler.Entry
	for _, e := range entries {
		if e.RunID == id {
			matched = append(matched, e)
		}
	}
	if len(matched) == 0 {
		return Report{}, crawler.NotFoundf("run %s", id)
	}
	return build(id, matched, now), nil
}

// Summaries pages through reports. A non-positive limit returns every report
// from offset on.
func Summaries(reports []Report, limit, offset int) []Summary {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(reports) {
		return []Summary{}
	}
	page := reports[offset:]
	if limit > 0 && limit < len(page) {
		page = page[:limit]
	}
	out := make([]Summary, 0, len(page))
	for _, r := range page {
		out = append(out, Summary{
			ID:           r.ID,
			StartTime:    r.StartTime,
			EndTime:      r.EndTime,
			Profile:      r.Profile,
			TotalItems:   r.Stats.Total,
			SuccessRate:  r.KPIs.SuccessRate,
			PagesPerHour: r.KPIs.PagesPerHour,
		})
	}
	return out
}

func build(id string, entries []crawler.Entry, now time.Time) Report {
	first := entries[0]
	r := Report{
		ID:        id,
		StartTime: first.EnqueuedAt,
		Profile:   first.Profile,
		Settings: Settings{
			MaxDepth:        first.Scope.MaxDepth,
			MaxPages:        first.Scope.MaxPages,
			AllowedDomains:  first.Scope.AllowedDomains,
			DisallowedPaths: first.Scope.DisallowedPaths,
			CrawlPDFLinks:   first.Scope.CrawlPDFLinks,
			Formats:         first.Formats,
		},
		Items: entries,
	}

	var (
		end        time.Time
		finished   = true
		processing time.Duration
		timed      int
	)
	for _, e := range entries {
		r.Stats.Add(e.Status)
		if e.EnqueuedAt.Before(r.StartTime) {
			r.StartTime = e.EnqueuedAt
		}
		if !e.Status.Terminal() {
			finished = false
		}
		if e.FinishedAt != nil && e.FinishedAt.After(end) {
			end = *e.FinishedAt
		}
		if e.Status == crawler.StatusDone && e.StartedAt != nil && e.FinishedAt != nil {
			processing += e.FinishedAt.Sub(*e.StartedAt)
			timed++
		}
	}

	windowEnd := now
	if finished && !end.IsZero() {
		r.EndTime = &end
		windowEnd = end
	}
	if hours := windowEnd.Sub(r.StartTime).Hours(); hours > 0 {
		r.KPIs.PagesPerHour = float64(r.Stats.Done) / hours
	}
	if settled := r.Stats.Done + r.Stats.Failed; settled > 0 {
		r.KPIs.SuccessRate = float64(r.Stats.Done) / float64(settled)
	}
	if timed > 0 {
		r.KPIs.AverageProcessingSeconds = (processing / time.Duration(timed)).Seconds()
	}
	return r
}
