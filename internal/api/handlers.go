package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/mattjoyce/jobd/internal/queue"
	"github.com/mattjoyce/jobd/internal/supervisor"
)

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Health string `json:"status"`
	supervisor.Status
}

// EnqueueRequest is the body of POST /jobs.
type EnqueueRequest struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// EnqueueResponse is returned by POST /jobs.
type EnqueueResponse struct {
	JobID string `json:"job_id"`
}

// JobStatusResponse is returned by GET /jobs/{jobID}.
type JobStatusResponse struct {
	JobID       string          `json:"job_id"`
	Kind        string          `json:"kind"`
	Status      string          `json:"status"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	ClaimedAt   *time.Time      `json:"claimed_at,omitempty"`
	ClaimedBy   *int            `json:"claimed_by,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// handleHealthz handles GET /healthz (no auth). A stopping daemon answers
// 503 so that load balancers drain it.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	st := s.status.Status()
	resp := HealthzResponse{Health: "ok", Status: st}
	code := http.StatusOK
	if st.Stopping {
		resp.Health = "stopping"
		code = http.StatusServiceUnavailable
	}
	respondJSON(w, code, resp)
}

// handleEnqueue handles POST /jobs.
func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Kind == "" {
		s.writeError(w, http.StatusBadRequest, "kind is required")
		return
	}

	id, err := s.enqueuer.Enqueue(r.Context(), req.Kind, req.Payload)
	if err != nil {
		s.logger.Error("failed to enqueue job", "kind", req.Kind, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to enqueue job")
		return
	}
	s.logger.Info("job enqueued", "job_id", id, "kind", req.Kind)
	respondJSON(w, http.StatusAccepted, EnqueueResponse{JobID: id})
}

// handleGetJob handles GET /jobs/{jobID}.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	rec, err := s.lookup.Get(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, queue.ErrJobNotFound) {
			s.writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.logger.Error("failed to retrieve job", "job_id", jobID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to retrieve job")
		return
	}

	respondJSON(w, http.StatusOK, JobStatusResponse{
		JobID:       rec.ID,
		Kind:        rec.Kind,
		Status:      string(rec.Status),
		Payload:     rec.Payload,
		CreatedAt:   rec.CreatedAt,
		ClaimedAt:   rec.ClaimedAt,
		ClaimedBy:   rec.ClaimedBy,
		CompletedAt: rec.CompletedAt,
	})
}

// respondJSON is a helper to write JSON responses
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
