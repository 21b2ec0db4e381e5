package api

import (
	"bytes"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlops/internal/crawler"
	"github.com/JakeFAU/crawlops/internal/report"
)

const defaultRunPageSize = 50

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	limit, err := parseNonNegative(r, "limit", defaultRunPageSize)
	if err != nil {
		writeErr(w, err)
		return
	}
	offset, err := parseNonNegative(r, "offset", 0)
	if err != nil {
		writeErr(w, err)
		return
	}
	reports := report.Build(s.deps.Queue.Snapshot(), s.deps.Clock.Now().UTC())
	writeJSON(w, http.StatusOK, map[string]any{
		"runs":   report.Summaries(reports, limit, offset),
		"total":  len(reports),
		"limit":  limit,
		"offset": offset,
	})
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	rep, err := report.Find(s.deps.Queue.Snapshot(), chi.URLParam(r, "id"), s.deps.Clock.Now().UTC())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) exportRuns(w http.ResponseWriter, r *http.Request) {
	reports := report.Build(s.deps.Queue.Snapshot(), s.deps.Clock.Now().UTC())
	s.writeExport(w, r, "runs", reports)
}

func (s *Server) exportRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rep, err := report.Find(s.deps.Queue.Snapshot(), id, s.deps.Clock.Now().UTC())
	if err != nil {
		writeErr(w, err)
		return
	}
	s.writeExport(w, r, "run-"+id, []report.Report{rep})
}

// writeExport buffers the export so encoding errors still produce a JSON error.
func (s *Server) writeExport(w http.ResponseWriter, r *http.Request, name string, reports []report.Report) {
	format, err := report.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		writeErr(w, err)
		return
	}
	var buf bytes.Buffer
	records, err := report.Export(&buf, format, reports, s.deps.Clock.Now())
	if err != nil {
		writeErr(w, err)
		return
	}
	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+"."+string(format)+`"`)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(buf.Bytes()); err != nil {
		s.logger.Warn("write export failed", zap.Error(err))
		return
	}
	s.logger.Info("runs exported",
		zap.String("format", string(format)),
		zap.Int("runs", len(reports)),
		zap.Int("records", records),
	)
}

func (s *Server) deleteRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	n, err := s.deps.Queue.DeleteRun(id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run_id": id, "deleted": n})
}

func parseNonNegative(r *http.Request, key string, fallback int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, crawler.InvalidInputf("%s must be a non-negative integer", key)
	}
	return v, nil
}
