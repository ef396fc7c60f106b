package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobStatus represents the lifecycle state of a job
type JobStatus string

// Possible job status values
const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Stage names the pipeline phase a job is currently in.
type Stage string

// Pipeline stages, in the order a successful job passes through them.
const (
	StageQueued       Stage = "queued"
	StageExtracting   Stage = "extracting"
	StageAIProcessing Stage = "ai_processing"
	StageFinalizing   Stage = "finalizing"
	StageCompleted    Stage = "completed"
	StageFailed       Stage = "failed"
)

// Progress checkpoints. Extraction owns the band below ProgressExtracted,
// prompt tasks share the band up to ProgressFinalizing.
const (
	ProgressExtracted  = 20
	ProgressTaskBand   = 70
	ProgressFinalizing = 90
	ProgressComplete   = 100
)

// Common validation errors for Job
var (
	ErrEmptyJobID         = errors.New("job ID cannot be empty")
	ErrEmptySourceRef     = errors.New("job source reference cannot be empty")
	ErrNoTemplates        = errors.New("job must request at least one template")
	ErrDuplicateTemplate  = errors.New("job template IDs must be unique")
	ErrInvalidJobStatus   = errors.New("invalid job status")
	ErrInvalidProgress    = errors.New("job progress must be between 0 and 100")
	ErrInvalidTransition  = errors.New("invalid job status transition")
	ErrJobCancelled       = errors.New("cancelled")
	ErrInfrastructureFail = errors.New("job could not be processed due to an internal error")
)

// JobMetadata is the opaque, producer-supplied context carried with a job.
type JobMetadata struct {
	UserID      string   `json:"userId,omitempty"`
	SessionID   string   `json:"sessionId,omitempty"`
	Provider    string   `json:"provider,omitempty"`
	TemplateIDs []string `json:"templateIds"`
}

// Job is one unit of pipeline work: a content reference digested by a set
// of prompt templates.
type Job struct {
	ID                    uuid.UUID   `json:"id"`
	SourceRef             string      `json:"sourceRef"`
	Status                JobStatus   `json:"status"`
	Progress              int         `json:"progress"`
	CurrentStage          Stage       `json:"currentStage"`
	ErrorMessage          *string     `json:"errorMessage"`
	Metadata              JobMetadata `json:"metadata"`
	CreatedAt             time.Time   `json:"createdAt"`
	ProcessingStartedAt   *time.Time  `json:"processingStartedAt"`
	ProcessingCompletedAt *time.Time  `json:"processingCompletedAt"`
}

// NewJob creates a pending Job for the given source and ordered template list.
func NewJob(sourceRef string, metadata JobMetadata) (*Job, error) {
	job := &Job{
		ID:           uuid.New(),
		SourceRef:    sourceRef,
		Status:       JobStatusPending,
		CurrentStage: StageQueued,
		Metadata:     metadata,
		CreatedAt:    time.Now().UTC(),
	}

	if err := job.Validate(); err != nil {
		return nil, err
	}

	return job, nil
}

// Validate checks if the Job has valid data.
func (j *Job) Validate() error {
	if j.ID == uuid.Nil {
		return ErrEmptyJobID
	}

	if j.SourceRef == "" {
		return ErrEmptySourceRef
	}

	if len(j.Metadata.TemplateIDs) == 0 {
		return ErrNoTemplates
	}

	seen := make(map[string]struct{}, len(j.Metadata.TemplateIDs))
	for _, id := range j.Metadata.TemplateIDs {
		if id == "" {
			return fmt.Errorf("%w: empty template ID", ErrValidation)
		}
		if _, ok := seen[id]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateTemplate, id)
		}
		seen[id] = struct{}{}
	}

	if !isValidJobStatus(j.Status) {
		return ErrInvalidJobStatus
	}

	if j.Progress < 0 || j.Progress > ProgressComplete {
		return ErrInvalidProgress
	}

	return nil
}

// IsTerminal reports whether the job has reached completed or failed.
func (j *Job) IsTerminal() bool {
	return j.Status.IsTerminal()
}

// IsTerminal reports whether no further transitions are allowed from s.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// CanTransition reports whether the state machine permits moving from one
// status to another.
func CanTransition(from, to JobStatus) bool {
	switch from {
	case JobStatusPending:
		return to == JobStatusProcessing || to == JobStatusFailed
	case JobStatusProcessing:
		return to == JobStatusCompleted || to == JobStatusFailed
	default:
		return false
	}
}

// TaskProgress returns the job progress after done of total prompt tasks
// reached a terminal status.
func TaskProgress(done, total int) int {
	if total <= 0 {
		return ProgressExtracted + ProgressTaskBand
	}
	if done > total {
		done = total
	}
	return ProgressExtracted + ProgressTaskBand*done/total
}

// isValidJobStatus checks if the given status is a valid JobStatus.
func isValidJobStatus(status JobStatus) bool {
	switch status {
	case JobStatusPending, JobStatusProcessing, JobStatusCompleted, JobStatusFailed:
		return true
	default:
		return false
	}
}
