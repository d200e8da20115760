package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/neurareport/internal/interfaces"
	"github.com/ternarybob/neurareport/internal/models"
)

const maxRequestBody = 1 << 20

// JobHandler handles report job submission and control
type JobHandler struct {
	scheduler interfaces.JobScheduler
	logger    arbor.ILogger
}

// NewJobHandler creates a new job handler
func NewJobHandler(scheduler interfaces.JobScheduler, logger arbor.ILogger) *JobHandler {
	return &JobHandler{
		scheduler: scheduler,
		logger:    logger,
	}
}

// SubmitJobHandler accepts a job request and returns its id immediately
// POST /api/jobs
func (h *JobHandler) SubmitJobHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	var req models.JobRequest
	if err := decodeBody(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	jobID, err := h.scheduler.Submit(r.Context(), req)
	if err != nil {
		h.logger.Warn().Err(err).Str("template_id", req.TemplateID).Msg("Job submission rejected")
		WriteServiceError(w, err)
		return
	}

	WriteJSON(w, http.StatusAccepted, map[string]string{"jobId": jobID})
}

// ListJobsHandler returns jobs, oldest first
// GET /api/jobs?status=FAILED&limit=50&offset=0
func (h *JobHandler) ListJobsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	status := models.JobStatus(strings.ToUpper(r.URL.Query().Get("status")))
	jobs, err := h.scheduler.List(r.Context(), status)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list jobs")
		WriteServiceError(w, err)
		return
	}

	limit, offset := 50, 0
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		limit = v
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && v >= 0 {
		offset = v
	}

	total := len(jobs)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":       jobs[offset:end],
		"total":      total,
		"limit":      limit,
		"offset":     offset,
		"statistics": h.scheduler.Stats(),
	})
}

// GetJobHandler returns one job
// GET /api/jobs/{id}
func (h *JobHandler) GetJobHandler(w http.ResponseWriter, r *http.Request, jobID string) {
	job, err := h.scheduler.Get(r.Context(), jobID)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, job)
}

// ManifestHandler returns the job's artifact manifest
// GET /api/jobs/{id}/manifest
func (h *JobHandler) ManifestHandler(w http.ResponseWriter, r *http.Request, jobID string) {
	manifest, err := h.scheduler.Manifest(r.Context(), jobID)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, manifest)
}

// ActionHandler cancels or retries a job
// POST /api/jobs/{id}/action {"action":"cancel"|"retry"}
func (h *JobHandler) ActionHandler(w http.ResponseWriter, r *http.Request, jobID string) {
	var action models.JobAction
	if err := decodeBody(r, &action); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if action.JobID != "" && action.JobID != jobID {
		WriteError(w, http.StatusBadRequest, "jobId does not match the request path")
		return
	}

	var (
		job *models.Job
		err error
	)
	switch action.Action {
	case "cancel":
		job, err = h.scheduler.Cancel(r.Context(), jobID)
	case "retry":
		job, err = h.scheduler.Retry(r.Context(), jobID)
	default:
		WriteError(w, http.StatusBadRequest, fmt.Sprintf("unknown action %q", action.Action))
		return
	}
	if err != nil {
		h.logger.Debug().Err(err).Str("job_id", jobID).Str("action", action.Action).Msg("Job action rejected")
		WriteServiceError(w, err)
		return
	}

	h.logger.Info().Str("job_id", jobID).Str("action", action.Action).Msg("Job action accepted")
	WriteJSON(w, http.StatusOK, job)
}

// StatsHandler returns aggregate job counters
// GET /api/jobs/stats
func (h *JobHandler) StatsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}
	WriteJSON(w, http.StatusOK, h.scheduler.Stats())
}

// PreviewHandler runs batch discovery without creating a job
// POST /api/preview
func (h *JobHandler) PreviewHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	var req models.JobRequest
	if err := decodeBody(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	batches, err := h.scheduler.Preview(r.Context(), req)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"batches": batches,
		"count":   len(batches),
	})
}

func decodeBody(r *http.Request, v interface{}) error {
	decoder := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxRequestBody))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}
