package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/synopsis/internal/domain"
	"github.com/phrazzld/synopsis/internal/platform/logger"
	"github.com/phrazzld/synopsis/internal/store"
)

// PostgresJobStore implements store.JobStore using PostgreSQL
type PostgresJobStore struct {
	db *sql.DB
}

var _ store.JobStore = (*PostgresJobStore)(nil)

// NewPostgresJobStore creates a new PostgresJobStore
func NewPostgresJobStore(db *sql.DB) *PostgresJobStore {
	return &PostgresJobStore{db: db}
}

const jobColumns = `id, source_ref, status, progress, current_stage, error_message,
	metadata, created_at, processing_started_at, processing_completed_at`

// CreateJob inserts a pending job.
func (s *PostgresJobStore) CreateJob(ctx context.Context, job *domain.Job) error {
	log := logger.FromContext(ctx)

	if err := job.Validate(); err != nil {
		log.Warn("refusing to store invalid job", "job_id", job.ID, "error", err)
		return store.NewStoreError("job", "create", "invalid job",
			fmt.Errorf("%w: %v", store.ErrInvalidEntity, err))
	}

	meta, err := json.Marshal(job.Metadata)
	if err != nil {
		return store.NewStoreError("job", "create", "marshal metadata", err)
	}

	query := `
		INSERT INTO jobs (id, source_ref, status, progress, current_stage, error_message, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8)
	`

	_, err = s.db.ExecContext(ctx, query,
		job.ID,
		job.SourceRef,
		string(job.Status),
		job.Progress,
		string(job.CurrentStage),
		job.ErrorMessage,
		string(meta),
		job.CreatedAt.UTC(),
	)
	if err != nil {
		log.Error("failed to insert job", "job_id", job.ID, "error", err)
		return store.NewStoreError("job", "create", "insert job", MapError(err))
	}

	log.Debug("job created", "job_id", job.ID, "templates", len(job.Metadata.TemplateIDs))
	return nil
}

// GetJob loads a job by ID.
func (s *PostgresJobStore) GetJob(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	job, err := s.getJob(ctx, id)
	if err != nil {
		return nil, store.NewStoreError("job", "get", "select job", err)
	}
	return job, nil
}

func (s *PostgresJobStore) getJob(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`

	var (
		job  domain.Job
		meta []byte
	)
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&job.ID,
		&job.SourceRef,
		&job.Status,
		&job.Progress,
		&job.CurrentStage,
		&job.ErrorMessage,
		&meta,
		&job.CreatedAt,
		&job.ProcessingStartedAt,
		&job.ProcessingCompletedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrJobNotFound
	}
	if err != nil {
		return nil, MapError(err)
	}

	if err := json.Unmarshal(meta, &job.Metadata); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job metadata: %w", err)
	}
	return &job, nil
}

// ClaimJob moves a pending job to processing and returns the stored row.
func (s *PostgresJobStore) ClaimJob(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	log := logger.FromContext(ctx)

	query := `
		UPDATE jobs
		SET status = 'processing', current_stage = $1, processing_started_at = NOW()
		WHERE id = $2 AND status = 'pending'
	`

	result, err := s.db.ExecContext(ctx, query, string(domain.StageExtracting), id)
	if err != nil {
		log.Error("failed to claim job", "job_id", id, "error", err)
		return nil, store.NewStoreError("job", "claim", "update job", MapError(err))
	}
	if n, _ := rowsAffected(result); n == 0 {
		log.Debug("job was not pending when claimed", "job_id", id)
	}

	job, err := s.getJob(ctx, id)
	if err != nil {
		return nil, store.NewStoreError("job", "claim", "select job", err)
	}
	return job, nil
}

// UpdateJobProgress raises progress on a processing job.
func (s *PostgresJobStore) UpdateJobProgress(
	ctx context.Context,
	id uuid.UUID,
	stage domain.Stage,
	progress int,
) error {
	if progress < 0 || progress > domain.ProgressComplete {
		return store.NewStoreError("job", "progress", "invalid progress",
			fmt.Errorf("%w: %v", store.ErrInvalidEntity, domain.ErrInvalidProgress))
	}

	query := `
		UPDATE jobs
		SET progress = GREATEST(progress, $1), current_stage = $2
		WHERE id = $3 AND status = 'processing'
	`

	result, err := s.db.ExecContext(ctx, query, progress, string(stage), id)
	if err != nil {
		logger.FromContext(ctx).Error("failed to update job progress",
			"job_id", id, "progress", progress, "error", err)
		return store.NewStoreError("job", "progress", "update job", MapError(err))
	}
	return s.checkTransition(ctx, result, id, domain.JobStatusProcessing, "progress")
}

// CompleteJob moves a processing job to completed.
func (s *PostgresJobStore) CompleteJob(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE jobs
		SET status = 'completed', progress = 100, current_stage = $1,
			error_message = NULL, processing_completed_at = NOW()
		WHERE id = $2 AND status = 'processing'
	`

	result, err := s.db.ExecContext(ctx, query, string(domain.StageCompleted), id)
	if err != nil {
		logger.FromContext(ctx).Error("failed to complete job", "job_id", id, "error", err)
		return store.NewStoreError("job", "complete", "update job", MapError(err))
	}
	return s.checkTransition(ctx, result, id, domain.JobStatusCompleted, "complete")
}

// FailJob moves a non-terminal job to failed.
func (s *PostgresJobStore) FailJob(ctx context.Context, id uuid.UUID, message string) error {
	query := `
		UPDATE jobs
		SET status = 'failed', current_stage = $1, error_message = $2,
			processing_completed_at = NOW()
		WHERE id = $3 AND status IN ('pending', 'processing')
	`

	result, err := s.db.ExecContext(ctx, query, string(domain.StageFailed), message, id)
	if err != nil {
		logger.FromContext(ctx).Error("failed to fail job", "job_id", id, "error", err)
		return store.NewStoreError("job", "fail", "update job", MapError(err))
	}
	return s.checkTransition(ctx, result, id, domain.JobStatusFailed, "fail")
}

// CancelJob fails a job that no worker has claimed yet.
func (s *PostgresJobStore) CancelJob(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE jobs
		SET status = 'failed', current_stage = $1, error_message = $2,
			processing_completed_at = NOW()
		WHERE id = $3 AND status = 'pending'
	`

	result, err := s.db.ExecContext(ctx, query,
		string(domain.StageFailed), domain.ErrJobCancelled.Error(), id)
	if err != nil {
		logger.FromContext(ctx).Error("failed to cancel job", "job_id", id, "error", err)
		return store.NewStoreError("job", "cancel", "update job", MapError(err))
	}
	return s.checkTransition(ctx, result, id, domain.JobStatusFailed, "cancel")
}

// checkTransition turns a conditional update that matched nothing into the
// error describing the job's actual state.
func (s *PostgresJobStore) checkTransition(ctx context.Context, result sql.Result, id uuid.UUID, to domain.JobStatus, op string) error {
	n, err := rowsAffected(result)
	if err != nil {
		return store.NewStoreError("job", op, "rows affected", err)
	}
	if n > 0 {
		return nil
	}

	job, err := s.getJob(ctx, id)
	if err != nil {
		return store.NewStoreError("job", op, "select job", err)
	}

	switch {
	case job.IsTerminal():
		return store.NewStoreError("job", op, "job is "+string(job.Status), store.ErrJobFinished)
	case job.Status == domain.JobStatusProcessing:
		return store.NewStoreError("job", op, "job is processing", store.ErrJobInProgress)
	case !domain.CanTransition(job.Status, to):
		return store.NewStoreError("job", op, "job is "+string(job.Status),
			fmt.Errorf("%w: %w", store.ErrUpdateFailed, domain.ErrInvalidTransition))
	default:
		return store.NewStoreError("job", op, "job is "+string(job.Status), store.ErrUpdateFailed)
	}
}

// SaveExtractedContent stores a job's text once.
func (s *PostgresJobStore) SaveExtractedContent(ctx context.Context, content *domain.ExtractedContent) error {
	if err := content.Validate(); err != nil {
		return store.NewStoreError("extracted_content", "save", "invalid content",
			fmt.Errorf("%w: %v", store.ErrInvalidEntity, err))
	}

	meta, err := json.Marshal(content.Metadata)
	if err != nil {
		return store.NewStoreError("extracted_content", "save", "marshal metadata", err)
	}
	createdAt := content.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	query := `
		INSERT INTO extracted_contents (job_id, text, language, word_count, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6)
		ON CONFLICT (job_id) DO NOTHING
	`

	_, err = s.db.ExecContext(ctx, query,
		content.JobID,
		content.Text,
		content.Language,
		content.WordCount,
		string(meta),
		createdAt,
	)
	if err != nil {
		logger.FromContext(ctx).Error("failed to save extracted content",
			"job_id", content.JobID, "error", err)
		return store.NewStoreError("extracted_content", "save", "insert content", MapError(err))
	}
	return nil
}

// GetExtractedContent loads the text saved for a job.
func (s *PostgresJobStore) GetExtractedContent(
	ctx context.Context,
	jobID uuid.UUID,
) (*domain.ExtractedContent, error) {
	query := `
		SELECT text, language, word_count, metadata, created_at
		FROM extracted_contents
		WHERE job_id = $1
	`

	content := &domain.ExtractedContent{JobID: jobID}
	var meta []byte
	err := s.db.QueryRowContext(ctx, query, jobID).Scan(
		&content.Text,
		&content.Language,
		&content.WordCount,
		&meta,
		&content.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.NewStoreError("extracted_content", "get", "select content",
			store.ErrExtractedContentNotFound)
	}
	if err != nil {
		return nil, store.NewStoreError("extracted_content", "get", "select content", MapError(err))
	}
	if err := json.Unmarshal(meta, &content.Metadata); err != nil {
		return nil, store.NewStoreError("extracted_content", "get", "unmarshal metadata", err)
	}
	return content, nil
}

// CreatePromptTasks inserts a job's pending tasks in one transaction.
func (s *PostgresJobStore) CreatePromptTasks(ctx context.Context, tasks []*domain.PromptTask) error {
	if len(tasks) == 0 {
		return nil
	}

	query := `
		INSERT INTO prompt_tasks (job_id, template_id, position, status, provider, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (job_id, template_id) DO NOTHING
	`

	for _, t := range tasks {
		if err := t.Validate(); err != nil {
			return store.NewStoreError("prompt_task", "create", "invalid task "+t.TemplateID,
				fmt.Errorf("%w: %v", store.ErrInvalidEntity, err))
		}
	}

	err := store.RunInTransaction(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		for _, t := range tasks {
			if _, err := tx.ExecContext(ctx, query,
				t.JobID,
				t.TemplateID,
				t.Position,
				string(t.Status),
				t.Provider,
				t.CreatedAt.UTC(),
			); err != nil {
				return fmt.Errorf("insert task %s: %w", t.TemplateID, MapError(err))
			}
		}
		return nil
	})
	if err != nil {
		return store.NewStoreError("prompt_task", "create", "insert tasks", err)
	}
	return nil
}

// ListPromptTasks returns a job's tasks ordered by position.
func (s *PostgresJobStore) ListPromptTasks(ctx context.Context, jobID uuid.UUID) ([]*domain.PromptTask, error) {
	query := `
		SELECT template_id, position, status, content, error_message, tokens_used,
			processing_time_ms, provider, created_at, completed_at
		FROM prompt_tasks
		WHERE job_id = $1
		ORDER BY position ASC
	`

	rows, err := s.db.QueryContext(ctx, query, jobID)
	if err != nil {
		return nil, store.NewStoreError("prompt_task", "list", "select tasks", MapError(err))
	}
	defer func() { _ = rows.Close() }()

	var tasks []*domain.PromptTask
	for rows.Next() {
		t := &domain.PromptTask{JobID: jobID}
		var tokens sql.NullInt64
		if err := rows.Scan(
			&t.TemplateID,
			&t.Position,
			&t.Status,
			&t.Content,
			&t.ErrorMessage,
			&tokens,
			&t.ProcessingTimeMs,
			&t.Provider,
			&t.CreatedAt,
			&t.CompletedAt,
		); err != nil {
			return nil, store.NewStoreError("prompt_task", "list", "scan task", err)
		}
		if tokens.Valid {
			n := int(tokens.Int64)
			t.TokensUsed = &n
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, store.NewStoreError("prompt_task", "list", "iterate tasks", err)
	}
	return tasks, nil
}

// FinishPromptTask writes a terminal result for a still-pending task.
func (s *PostgresJobStore) FinishPromptTask(ctx context.Context, t *domain.PromptTask) error {
	if !t.Status.IsTerminal() {
		return store.NewStoreError("prompt_task", "finish", "status "+string(t.Status),
			fmt.Errorf("%w: %v", store.ErrInvalidEntity, domain.ErrTerminalTaskStatus))
	}
	completedAt := time.Now().UTC()
	if t.CompletedAt != nil {
		completedAt = t.CompletedAt.UTC()
	}

	query := `
		UPDATE prompt_tasks
		SET status = $1, content = $2, error_message = $3, tokens_used = $4,
			processing_time_ms = $5, provider = $6, completed_at = $7
		WHERE job_id = $8 AND template_id = $9 AND status = 'pending'
	`

	var tokens sql.NullInt64
	if t.TokensUsed != nil {
		tokens = sql.NullInt64{Int64: int64(*t.TokensUsed), Valid: true}
	}

	result, err := s.db.ExecContext(ctx, query,
		string(t.Status),
		t.Content,
		t.ErrorMessage,
		tokens,
		t.ProcessingTimeMs,
		t.Provider,
		completedAt,
		t.JobID,
		t.TemplateID,
	)
	if err != nil {
		logger.FromContext(ctx).Error("failed to finish prompt task",
			"job_id", t.JobID, "template_id", t.TemplateID, "error", err)
		return store.NewStoreError("prompt_task", "finish", "update task", MapError(err))
	}

	n, err := rowsAffected(result)
	if err != nil {
		return store.NewStoreError("prompt_task", "finish", "rows affected", err)
	}
	if n > 0 {
		return nil
	}

	var exists bool
	err = s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM prompt_tasks WHERE job_id = $1 AND template_id = $2)`,
		t.JobID, t.TemplateID,
	).Scan(&exists)
	if err != nil {
		return store.NewStoreError("prompt_task", "finish", "select task", MapError(err))
	}
	if !exists {
		return store.NewStoreError("prompt_task", "finish", "task "+t.TemplateID, store.ErrNotFound)
	}
	return store.NewStoreError("prompt_task", "finish", "task "+t.TemplateID, store.ErrTaskAlreadyFinished)
}
