package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlops/internal/crawler"
	"github.com/JakeFAU/crawlops/internal/session"
)

type resolveRequest struct {
	URL    string `json:"url"`
	Action string `json:"action"`
	// Session, when present, is saved for the URL's domain before the
	// decision is applied.
	Session *resolveSession `json:"session,omitempty"`
}

type resolveSession struct {
	Payload json.RawMessage `json:"payload"`
	session.SaveOptions
}

func (s *Server) listChallenges(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"challenges": s.deps.Queue.Challenges()})
}

func (s *Server) resolveChallenge(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	action, err := crawler.ParseAction(req.Action)
	if err != nil {
		writeErr(w, err)
		return
	}
	if _, err := s.deps.Queue.Challenge(req.URL); err != nil {
		writeErr(w, err)
		return
	}

	var saved *session.Record
	if req.Session != nil {
		rec, err := s.saveResolveSession(r.Context(), req.URL, req.Session)
		if err != nil {
			writeErr(w, err)
			return
		}
		saved = &rec
	}

	if err := s.deps.Queue.Resolve(req.URL, action); err != nil {
		writeErr(w, err)
		return
	}
	entry, err := s.deps.Queue.Entry(req.URL)
	if err != nil {
		writeErr(w, err)
		return
	}
	resp := map[string]any{"entry": entry}
	if saved != nil {
		resp["session"] = saved
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) saveResolveSession(ctx context.Context, rawURL string, in *resolveSession) (session.Record, error) {
	if s.deps.Sessions == nil {
		return session.Record{}, crawler.InvalidInputf("session store is not configured")
	}
	domain := crawler.Domain(rawURL)
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	rec, err := s.deps.Sessions.Save(ctx, domain, in.Payload, s.withExpiry(in.SaveOptions))
	if err != nil {
		return session.Record{}, fmt.Errorf("save session for %s: %w", domain, err)
	}
	s.logger.Info("session saved from challenge resolution",
		zap.String("domain", rec.Domain),
		zap.Int64("session_id", rec.ID),
	)
	return rec, nil
}
