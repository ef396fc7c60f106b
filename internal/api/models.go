package api

import (
	"github.com/google/uuid"
	"github.com/phrazzld/synopsis/internal/domain"
)

// SubmitJobRequest is the payload for POST /jobs.
type SubmitJobRequest struct {
	// SourceRef is a URL (http, https, s3) or an inline "text:" literal.
	SourceRef   string   `json:"sourceRef"           validate:"required,max=8192"`
	TemplateIDs []string `json:"templateIds"         validate:"required,min=1,max=16,unique,dive,required,max=64"`
	UserID      string   `json:"userId,omitempty"    validate:"max=128"`
	SessionID   string   `json:"sessionId,omitempty" validate:"max=128"`
	Provider    string   `json:"provider,omitempty"  validate:"omitempty,max=32"`
}

// SubmitJobResponse is returned with 202 Accepted once a job is queued.
type SubmitJobResponse struct {
	JobID     uuid.UUID        `json:"jobId"`
	Status    domain.JobStatus `json:"status"`
	EventsURL string           `json:"eventsUrl"`
}
