// Package api exposes the read-only HTTP interface for the archive service:
// health probes, Prometheus metrics, and manifest status endpoints.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"zkarchive/internal/archive"
	"zkarchive/internal/ident"
	"zkarchive/internal/metrics"
	"zkarchive/internal/reconcile"
)

const manifestTimeout = 10 * time.Second

// Server wires HTTP handlers to the manifest store and reconciler.
type Server struct {
	router     chi.Router
	manifest   archive.ManifestStore
	reconciler *reconcile.Reconciler
	logger     *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(manifest archive.ManifestStore, rec *reconcile.Reconciler, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{manifest: manifest, reconciler: rec, logger: logger}

	metrics.Init()
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(timeoutMiddleware(60 * time.Second))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", s.getStatus)
		r.Route("/manifest", func(r chi.Router) {
			r.Get("/stats", s.getStats)
			r.Get("/duplicates", s.getDuplicates)
			r.Route("/stages/{stage}", func(r chi.Router) {
				r.Get("/pending", s.getPending)
				r.Get("/missing", s.getMissing)
				r.Get("/failures", s.getFailures)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.manifest.CompletionStats(r.Context(), archive.StageSnapshot); err != nil {
		writeError(w, http.StatusServiceUnavailable, "manifest store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	if s.reconciler == nil {
		writeJSON(w, http.StatusOK, map[string]string{"state": reconcile.StateIdle.String()})
		return
	}
	report, err := s.reconciler.Snapshot(r.Context())
	if err != nil {
		s.logger.Error("status snapshot failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to build status snapshot")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"state":      report.State.String(),
		"stages":     toStageDTOs(report.Stages),
		"duplicates": report.Duplicates,
	})
}

type stageStatsDTO struct {
	Stage             string  `json:"stage"`
	Total             int     `json:"total"`
	Done              int     `json:"done"`
	Missing           int     `json:"missing"`
	Transient         int     `json:"transient"`
	Permanent         int     `json:"permanent"`
	CompletionPercent float64 `json:"completion_percent"`
}

func toStageDTO(stage archive.StageID, stats archive.Stats) stageStatsDTO {
	return stageStatsDTO{
		Stage:             string(stage),
		Total:             stats.Total,
		Done:              stats.Done,
		Missing:           stats.Missing,
		Transient:         stats.Transient,
		Permanent:         stats.Permanent,
		CompletionPercent: stats.CompletionPercent(),
	}
}

func toStageDTOs(stages []reconcile.StageReport) []stageStatsDTO {
	out := make([]stageStatsDTO, len(stages))
	for i, sr := range stages {
		out[i] = toStageDTO(sr.Stage, sr.Stats)
	}
	return out
}

func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := contextWithTimeout(r)
	defer cancel()

	var out []stageStatsDTO
	for _, stage := range archive.Stages() {
		stats, err := s.manifest.CompletionStats(ctx, stage)
		if err != nil {
			s.logger.Error("completion stats failed", zap.String("stage", string(stage)), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to load stats")
			return
		}
		out = append(out, toStageDTO(stage, stats))
	}
	writeJSON(w, http.StatusOK, map[string]any{"stages": out})
}

func (s *Server) stageFromRequest(w http.ResponseWriter, r *http.Request) (archive.StageID, bool) {
	raw := chi.URLParam(r, "stage")
	for _, stage := range archive.Stages() {
		if string(stage) == raw {
			return stage, true
		}
	}
	writeError(w, http.StatusNotFound, "unknown stage")
	return "", false
}

func (s *Server) getPending(w http.ResponseWriter, r *http.Request) {
	s.listIdentifiers(w, r, s.manifest.Pending)
}

func (s *Server) getMissing(w http.ResponseWriter, r *http.Request) {
	s.listIdentifiers(w, r, s.manifest.Missing)
}

func (s *Server) listIdentifiers(
	w http.ResponseWriter,
	r *http.Request,
	load func(ctx context.Context, stage archive.StageID) ([]ident.Identifier, error),
) {
	stage, ok := s.stageFromRequest(w, r)
	if !ok {
		return
	}
	ctx, cancel := contextWithTimeout(r)
	defer cancel()

	ids, err := load(ctx, stage)
	if err != nil {
		s.logger.Error("identifier listing failed", zap.String("stage", string(stage)), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load identifiers")
		return
	}
	raws := make([]string, len(ids))
	for i, id := range ids {
		raws[i] = id.Format()
	}
	writeJSON(w, http.StatusOK, map[string]any{"stage": string(stage), "ids": raws, "count": len(raws)})
}

type failureDTO struct {
	ID      string `json:"id"`
	Outcome string `json:"outcome"`
	Reason  string `json:"reason"`
	Retries int    `json:"retries"`
}

func (s *Server) getFailures(w http.ResponseWriter, r *http.Request) {
	stage, ok := s.stageFromRequest(w, r)
	if !ok {
		return
	}
	ctx, cancel := contextWithTimeout(r)
	defer cancel()

	failures, err := s.manifest.Failures(ctx, stage)
	if err != nil {
		s.logger.Error("failure listing failed", zap.String("stage", string(stage)), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load failures")
		return
	}
	out := make([]failureDTO, len(failures))
	for i, rec := range failures {
		out[i] = failureDTO{
			ID:      rec.ID.Format(),
			Outcome: string(rec.Outcome.Kind),
			Reason:  rec.Outcome.Reason,
			Retries: rec.Retries,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"stage": string(stage), "failures": out})
}

type duplicateGroupDTO struct {
	FoldKey   string   `json:"fold_key"`
	Spellings []string `json:"spellings"`
}

func (s *Server) getDuplicates(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := contextWithTimeout(r)
	defer cancel()

	groups, err := s.manifest.Duplicates(ctx)
	if err != nil {
		s.logger.Error("duplicate listing failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load duplicates")
		return
	}
	occ, err := s.manifest.DuplicateOccurrences(ctx)
	if err != nil {
		s.logger.Error("duplicate occurrence listing failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load duplicates")
		return
	}
	out := make([]duplicateGroupDTO, len(groups))
	for i, g := range groups {
		out[i] = duplicateGroupDTO{FoldKey: g.FoldKey, Spellings: g.Raw}
	}
	writeJSON(w, http.StatusOK, map[string]any{"groups": out, "repeated_raws": occ})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		// Headers already sent; nothing useful left to do.
		_ = err
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
