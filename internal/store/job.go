package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/phrazzld/synopsis/internal/domain"
)

// JobStore persists jobs, their prompt tasks and extracted content.
// Every state change is a single conditional statement so that a redelivered
// job never moves backwards and a prompt task is written at most once.
type JobStore interface {
	// CreateJob inserts a new pending job.
	// Returns ErrDuplicate if a job with the same ID exists.
	CreateJob(ctx context.Context, job *domain.Job) error

	// GetJob returns the job with the given ID or ErrJobNotFound.
	GetJob(ctx context.Context, id uuid.UUID) (*domain.Job, error)

	// ClaimJob moves a pending job to processing and stamps
	// processingStartedAt. It returns the job as stored after the attempt,
	// so callers observe a job that is already processing (redelivery) or
	// already terminal without an error.
	ClaimJob(ctx context.Context, id uuid.UUID) (*domain.Job, error)

	// UpdateJobProgress sets the stage and raises progress on a processing
	// job. Progress never decreases.
	UpdateJobProgress(ctx context.Context, id uuid.UUID, stage domain.Stage, progress int) error

	// CompleteJob moves a processing job to completed with progress 100.
	CompleteJob(ctx context.Context, id uuid.UUID) error

	// FailJob moves a pending or processing job to failed with the given
	// error message.
	FailJob(ctx context.Context, id uuid.UUID, message string) error

	// CancelJob fails a pending job with the "cancelled" message.
	// Returns ErrJobInProgress if a worker already claimed it and
	// ErrJobFinished if it is terminal.
	CancelJob(ctx context.Context, id uuid.UUID) error

	// SaveExtractedContent stores the job's normalized text once; later
	// calls leave the first content in place.
	SaveExtractedContent(ctx context.Context, content *domain.ExtractedContent) error

	// GetExtractedContent returns the saved content or ErrExtractedContentNotFound.
	GetExtractedContent(ctx context.Context, jobID uuid.UUID) (*domain.ExtractedContent, error)

	// CreatePromptTasks inserts the pending tasks for a job in one
	// transaction. Tasks that already exist are left untouched.
	CreatePromptTasks(ctx context.Context, tasks []*domain.PromptTask) error

	// ListPromptTasks returns the job's tasks in submission order.
	ListPromptTasks(ctx context.Context, jobID uuid.UUID) ([]*domain.PromptTask, error)

	// FinishPromptTask writes a terminal result for a pending task.
	// Returns ErrTaskAlreadyFinished if the task already left pending.
	FinishPromptTask(ctx context.Context, task *domain.PromptTask) error
}
