package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/JakeFAU/crawlops/internal/crawler"
	"github.com/JakeFAU/crawlops/internal/session"
)

type saveSessionRequest struct {
	Domain  string          `json:"domain"`
	Payload json.RawMessage `json:"payload"`
	session.SaveOptions
}

type logUsageRequest struct {
	SessionID    int64  `json:"session_id"`
	URL          string `json:"url"`
	Success      bool   `json:"success"`
	ErrorMessage string `json:"error_message,omitempty"`
}

func (s *Server) requireSessions(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Sessions == nil {
			writeError(w, http.StatusServiceUnavailable, "session store unavailable")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) saveSession(w http.ResponseWriter, r *http.Request) {
	var req saveSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()
	rec, err := s.deps.Sessions.Save(ctx, req.Domain, req.Payload, s.withExpiry(req.SaveOptions))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) loadSession(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()
	rec, err := s.deps.Sessions.Load(ctx, chi.URLParam(r, "domain"), r.URL.Query().Get("session_name"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	activeOnly, err := parseBool(r, "active_only")
	if err != nil {
		writeErr(w, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()
	records, err := s.deps.Sessions.List(ctx, session.ListFilter{
		Domain:     r.URL.Query().Get("domain"),
		ActiveOnly: activeOnly,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	if records == nil {
		records = []session.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": records})
}

func (s *Server) deleteSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := session.DeleteRequest{Domain: q.Get("domain")}
	if raw := q.Get("id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "id must be an integer")
			return
		}
		req.ID = id
	}
	if q.Has("session_name") {
		name := q.Get("session_name")
		req.SessionName = &name
	}
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()
	n, err := s.deps.Sessions.Delete(ctx, req)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}

func (s *Server) clearSessions(w http.ResponseWriter, r *http.Request) {
	expiredOnly, err := parseBool(r, "expired_only")
	if err != nil {
		writeErr(w, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()
	n, err := s.deps.Sessions.Clear(ctx, r.URL.Query().Get("domain"), expiredOnly)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}

func (s *Server) sessionDomains(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()
	domains, err := s.deps.Sessions.Domains(ctx)
	if err != nil {
		writeErr(w, err)
		return
	}
	if domains == nil {
		domains = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"domains": domains})
}

func (s *Server) logSessionUsage(w http.ResponseWriter, r *http.Request) {
	var req logUsageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if req.SessionID <= 0 {
		writeError(w, http.StatusBadRequest, "session_id required")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()
	if err := s.deps.Sessions.LogUsage(ctx, req.SessionID, req.URL, req.Success, req.ErrorMessage); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]bool{"logged": true})
}

func (s *Server) sessionStats(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "id must be a positive integer")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()
	stats, err := s.deps.Sessions.Stats(ctx, id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) sessionHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()
	domains, err := s.deps.Sessions.Domains(ctx)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "domains": len(domains)})
}

func (s *Server) withExpiry(opts session.SaveOptions) session.SaveOptions {
	if opts.ExpiresInHours == nil && s.cfg.SessionExpiryHours > 0 {
		hours := s.cfg.SessionExpiryHours
		opts.ExpiresInHours = &hours
	}
	return opts
}

func parseBool(r *http.Request, key string) (bool, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, crawler.InvalidInputf("%s must be a boolean", key)
	}
	return v, nil
}
