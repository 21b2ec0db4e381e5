package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/JakeFAU/crawlops/internal/profile"
)

type activeProfileRequest struct {
	Name string `json:"name"`
}

type profileResponse struct {
	Name   string         `json:"name"`
	Active bool           `json:"active"`
	Policy profile.Policy `json:"policy"`
}

func (s *Server) listProfiles(w http.ResponseWriter, _ *http.Request) {
	active, _ := s.deps.Governor.Active()
	all := s.deps.Governor.All()
	out := make([]profileResponse, 0, len(all))
	for _, name := range s.deps.Governor.Names() {
		out = append(out, profileResponse{Name: name, Active: name == active, Policy: all[name]})
	}
	writeJSON(w, http.StatusOK, map[string]any{"profiles": out, "active": active})
}

func (s *Server) getProfile(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	p, err := s.deps.Governor.Get(name)
	if err != nil {
		writeErr(w, err)
		return
	}
	active, _ := s.deps.Governor.Active()
	writeJSON(w, http.StatusOK, profileResponse{Name: name, Active: name == active, Policy: p})
}

func (s *Server) patchProfile(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	overrides, err := profile.DecodeOverrides(r.Body)
	if err != nil {
		writeErr(w, err)
		return
	}
	p, err := s.deps.Governor.Set(name, overrides)
	if err != nil {
		writeErr(w, err)
		return
	}
	active, _ := s.deps.Governor.Active()
	writeJSON(w, http.StatusOK, profileResponse{Name: name, Active: name == active, Policy: p})
}

func (s *Server) getActiveProfile(w http.ResponseWriter, _ *http.Request) {
	name, p := s.deps.Governor.Active()
	writeJSON(w, http.StatusOK, profileResponse{Name: name, Active: true, Policy: p})
}

func (s *Server) setActiveProfile(w http.ResponseWriter, r *http.Request) {
	var req activeProfileRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	p, err := s.deps.Governor.SetActive(req.Name)
	if err != nil {
		writeErr(w, err)
		return
	}
	name, _ := s.deps.Governor.Active()
	writeJSON(w, http.StatusOK, profileResponse{Name: name, Active: true, Policy: p})
}
