package api

import (
	"net/http"

	"github.com/JakeFAU/crawlops/internal/crawler"
)

type enqueueRequest struct {
	URLs            []string         `json:"urls"`
	Depth           int              `json:"depth"`
	Profile         string           `json:"profile"`
	Formats         []crawler.Format `json:"formats"`
	RunID           string           `json:"run_id"`
	MaxDepth        *int             `json:"max_depth"`
	MaxPages        int              `json:"max_pages"`
	AllowedDomains  []string         `json:"allowed_domains"`
	DisallowedPaths []string         `json:"disallowed_paths"`
	CrawlPDFLinks   bool             `json:"crawl_pdf_links"`
}

type urlRequest struct {
	URL string `json:"url"`
}

func (s *Server) enqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if len(req.URLs) == 0 {
		writeError(w, http.StatusBadRequest, "urls required")
		return
	}
	maxDepth := s.cfg.DefaultMaxDepth
	if req.MaxDepth != nil {
		maxDepth = *req.MaxDepth
	}
	opts := crawler.EnqueueOptions{
		Depth:   req.Depth,
		Profile: req.Profile,
		Formats: req.Formats,
		RunID:   req.RunID,
		Scope: crawler.Scope{
			MaxDepth:        maxDepth,
			MaxPages:        req.MaxPages,
			AllowedDomains:  req.AllowedDomains,
			DisallowedPaths: req.DisallowedPaths,
			CrawlPDFLinks:   req.CrawlPDFLinks,
		},
	}
	added, err := s.deps.Queue.Enqueue(req.URLs, opts)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"added": added, "requested": len(req.URLs)})
}

func (s *Server) snapshot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"entries": s.deps.Queue.Snapshot()})
}

func (s *Server) stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Queue.Stats())
}

func (s *Server) pause(w http.ResponseWriter, r *http.Request) {
	s.entryTransition(w, r, "pause", s.deps.Queue.Pause)
}

func (s *Server) resume(w http.ResponseWriter, r *http.Request) {
	s.entryTransition(w, r, "resume", s.deps.Queue.Resume)
}

func (s *Server) requeue(w http.ResponseWriter, r *http.Request) {
	s.entryTransition(w, r, "requeue", s.deps.Queue.Requeue)
}

// entryTransition answers 404 for unknown URLs and 409 when the entry is not
// in a state the transition accepts.
func (s *Server) entryTransition(w http.ResponseWriter, r *http.Request, name string, apply func(string) bool) {
	var req urlRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "url required")
		return
	}
	if _, err := s.deps.Queue.Entry(req.URL); err != nil {
		writeErr(w, err)
		return
	}
	if !apply(req.URL) {
		writeError(w, http.StatusConflict, "cannot "+name+" entry in its current state")
		return
	}
	entry, err := s.deps.Queue.Entry(req.URL)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}
