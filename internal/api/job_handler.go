package api

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/phrazzld/synopsis/internal/api/shared"
	"github.com/phrazzld/synopsis/internal/domain"
	"github.com/phrazzld/synopsis/internal/platform/logger"
	"github.com/phrazzld/synopsis/internal/task"
)

// JobService is the producer side of the pipeline. task.Producer implements it.
type JobService interface {
	Submit(ctx context.Context, req task.SubmitRequest) (*domain.Job, error)
	Get(ctx context.Context, id uuid.UUID) (*task.JobView, error)
	Cancel(ctx context.Context, id uuid.UUID) error
}

// JobHandler handles job submission, lookup and cancellation.
type JobHandler struct {
	jobs JobService
}

// NewJobHandler creates a new JobHandler
func NewJobHandler(jobs JobService) *JobHandler {
	return &JobHandler{jobs: jobs}
}

// Submit handles POST /jobs. The job is processed asynchronously, so the
// response is 202 Accepted with the job ID and its event stream URL.
func (h *JobHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req SubmitJobRequest
	if err := shared.DecodeJSON(w, r, &req); err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, "Invalid request format", err)
		return
	}
	if err := shared.ValidateRequest(&req); err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, SanitizeValidationError(err), err)
		return
	}

	job, err := h.jobs.Submit(r.Context(), task.SubmitRequest{
		SourceRef:   req.SourceRef,
		TemplateIDs: req.TemplateIDs,
		UserID:      req.UserID,
		SessionID:   req.SessionID,
		Provider:    req.Provider,
	})
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	logger.FromContext(r.Context()).Info("job accepted",
		"job_id", job.ID,
		"templates", len(job.Metadata.TemplateIDs))

	location := "/jobs/" + job.ID.String()
	w.Header().Set("Location", location)
	shared.RespondWithJSON(w, r, http.StatusAccepted, SubmitJobResponse{
		JobID:     job.ID,
		Status:    job.Status,
		EventsURL: location + "/events",
	})
}

// Get handles GET /jobs/{id}: the job record plus its prompt tasks.
func (h *JobHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := jobIDParam(w, r)
	if !ok {
		return
	}

	view, err := h.jobs.Get(r.Context(), id)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, view)
}

// Cancel handles POST /jobs/{id}/cancel. Only jobs no worker has claimed
// can be cancelled; others answer 409.
func (h *JobHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := jobIDParam(w, r)
	if !ok {
		return
	}

	if err := h.jobs.Cancel(r.Context(), id); err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
