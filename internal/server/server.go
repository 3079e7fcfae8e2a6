// Package server exposes the orchestrator over HTTP.
package server

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"devorchestra/internal/bus"
	"devorchestra/internal/orchestrator"
	"devorchestra/internal/store"
	"devorchestra/pkg/models"
)

// metricsWindow bounds the /metrics aggregation to the recent past.
const metricsWindow = 7 * 24 * time.Hour

// Server routes HTTP requests to the orchestrator and the run state store.
type Server struct {
	orc   *orchestrator.Orchestrator
	store store.Store
	bus   bus.Bus
}

// New creates a server.
func New(orc *orchestrator.Orchestrator, st store.Store, b bus.Bus) *Server {
	return &Server{orc: orc, store: st, bus: b}
}

// Router builds the HTTP routing table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Post("/jobs", s.handleSubmitJob)
	r.Get("/jobs/latest", s.handleLatestJob)
	r.Get("/jobs/{jobID}", s.handleGetJob)
	r.Post("/jobs/{jobID}/cancel", s.handleCancelJob)
	r.Get("/jobs/{jobID}/tasks/{taskID}", s.handleGetTask)
	r.Get("/metrics", s.handleMetrics)
	r.Get("/healthz", s.handleHealth)

	return r
}

type submitRequest struct {
	Story      string `json:"story"`
	LegacyCode string `json:"legacy_code,omitempty"`
}

type submitResponse struct {
	JobID  string           `json:"job_id"`
	Status models.JobStatus `json:"status"`
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	job, err := s.orc.SubmitJob(req.Story, req.LegacyCode)
	if err != nil {
		if errors.Is(err, store.ErrUnavailable) {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, submitResponse{JobID: job.ID, Status: job.Status})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	view, err := s.orc.JobView(chi.URLParam(r, "jobID"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	view, err := s.orc.TaskView(chi.URLParam(r, "jobID"), chi.URLParam(r, "taskID"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if err := s.orc.Cancel(jobID); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID, "cancelled": "true"})
}

func (s *Server) handleLatestJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetLatestJob()
	if err != nil {
		writeStoreError(w, err)
		return
	}
	view, err := s.orc.JobView(job.ID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// manualBaseline approximates the hand-done effort one job replaces. It
// feeds the speedup estimate in /metrics and nothing else.
const manualBaseline = 8 * time.Hour

type metricsResponse struct {
	models.Stats
	SuccessRate      float64 `json:"success_rate"`
	EstimatedSpeedup float64 `json:"estimated_speedup,omitempty"`
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.JobStats(&models.StatsWindow{
		Since: time.Now().Add(-metricsWindow),
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	resp := metricsResponse{Stats: *stats}
	if stats.TotalJobs > 0 {
		resp.SuccessRate = float64(stats.SucceededJobs) / float64(stats.TotalJobs)
	}
	if stats.AvgJobDuration > 0 {
		resp.EstimatedSpeedup = float64(manualBaseline) / float64(stats.AvgJobDuration)
	}
	writeJSON(w, http.StatusOK, resp)
}

type healthResponse struct {
	Status string `json:"status"`
	Store  string `json:"store"`
	Bus    string `json:"bus"`
}

// handleHealth reports degraded rather than failing when only the bus is
// down: the orchestrator keeps working without it.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Store: "ok", Bus: s.bus.Name()}
	code := http.StatusOK

	if err := s.store.Ping(); err != nil {
		resp.Status = "unhealthy"
		resp.Store = err.Error()
		code = http.StatusServiceUnavailable
	} else if !s.bus.Healthy(r.Context()) {
		resp.Status = "degraded"
	}

	writeJSON(w, code, resp)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[server] encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
