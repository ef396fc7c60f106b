package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/synopsis/internal/domain"
	"github.com/phrazzld/synopsis/internal/store"
)

const timeFormat = time.RFC3339Nano

// JobStore implements store.JobStore on SQLite.
type JobStore struct {
	db *sql.DB
}

var _ store.JobStore = (*JobStore)(nil)

func NewJobStore(db *sql.DB) *JobStore {
	return &JobStore{db: db}
}

func (s *JobStore) CreateJob(ctx context.Context, job *domain.Job) error {
	if err := job.Validate(); err != nil {
		return store.NewStoreError("job", "create", "invalid job", fmt.Errorf("%w: %v", store.ErrInvalidEntity, err))
	}
	meta, err := json.Marshal(job.Metadata)
	if err != nil {
		return store.NewStoreError("job", "create", "marshal metadata", err)
	}

	const query = `INSERT INTO jobs (id, source_ref, status, progress, current_stage,
		error_message, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, query,
		job.ID.String(), job.SourceRef, string(job.Status), job.Progress,
		string(job.CurrentStage), nullString(job.ErrorMessage), string(meta),
		job.CreatedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		return store.NewStoreError("job", "create", "insert job", mapError(err))
	}
	return nil
}

func (s *JobStore) GetJob(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	job, err := s.getJob(ctx, id)
	if err != nil {
		return nil, store.NewStoreError("job", "get", "select job", err)
	}
	return job, nil
}

func (s *JobStore) getJob(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	const query = `SELECT id, source_ref, status, progress, current_stage, error_message,
		metadata, created_at, processing_started_at, processing_completed_at
		FROM jobs WHERE id = ?`

	var (
		idStr, status, stage, meta, createdStr string
		errMsg, startedStr, completedStr       sql.NullString
	)
	job := &domain.Job{}
	err := s.db.QueryRowContext(ctx, query, id.String()).Scan(
		&idStr, &job.SourceRef, &status, &job.Progress, &stage, &errMsg,
		&meta, &createdStr, &startedStr, &completedStr,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrJobNotFound
	}
	if err != nil {
		return nil, mapError(err)
	}

	job.ID, err = uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("parse job id: %w", err)
	}
	job.Status = domain.JobStatus(status)
	job.CurrentStage = domain.Stage(stage)
	if errMsg.Valid {
		job.ErrorMessage = &errMsg.String
	}
	if err := json.Unmarshal([]byte(meta), &job.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshal job metadata: %w", err)
	}
	job.CreatedAt, _ = time.Parse(timeFormat, createdStr)
	job.ProcessingStartedAt = parseNullTime(startedStr)
	job.ProcessingCompletedAt = parseNullTime(completedStr)
	return job, nil
}

func (s *JobStore) ClaimJob(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	const query = `UPDATE jobs SET status = 'processing', current_stage = ?,
		processing_started_at = ?
		WHERE id = ? AND status = 'pending'`

	if _, err := s.db.ExecContext(ctx, query,
		string(domain.StageExtracting), now(), id.String(),
	); err != nil {
		return nil, store.NewStoreError("job", "claim", "update job", mapError(err))
	}

	job, err := s.getJob(ctx, id)
	if err != nil {
		return nil, store.NewStoreError("job", "claim", "select job", err)
	}
	return job, nil
}

func (s *JobStore) UpdateJobProgress(ctx context.Context, id uuid.UUID, stage domain.Stage, progress int) error {
	if progress < 0 || progress > domain.ProgressComplete {
		return store.NewStoreError("job", "progress", "invalid progress",
			fmt.Errorf("%w: %v", store.ErrInvalidEntity, domain.ErrInvalidProgress))
	}

	const query = `UPDATE jobs SET progress = MAX(progress, ?), current_stage = ?
		WHERE id = ? AND status = 'processing'`

	res, err := s.db.ExecContext(ctx, query, progress, string(stage), id.String())
	if err != nil {
		return store.NewStoreError("job", "progress", "update job", mapError(err))
	}
	return s.checkJobTransition(ctx, res, id, domain.JobStatusProcessing, "progress")
}

func (s *JobStore) CompleteJob(ctx context.Context, id uuid.UUID) error {
	const query = `UPDATE jobs SET status = 'completed', progress = 100, current_stage = ?,
		error_message = NULL, processing_completed_at = ?
		WHERE id = ? AND status = 'processing'`

	res, err := s.db.ExecContext(ctx, query, string(domain.StageCompleted), now(), id.String())
	if err != nil {
		return store.NewStoreError("job", "complete", "update job", mapError(err))
	}
	return s.checkJobTransition(ctx, res, id, domain.JobStatusCompleted, "complete")
}

func (s *JobStore) FailJob(ctx context.Context, id uuid.UUID, message string) error {
	const query = `UPDATE jobs SET status = 'failed', current_stage = ?,
		error_message = ?, processing_completed_at = ?
		WHERE id = ? AND status IN ('pending', 'processing')`

	res, err := s.db.ExecContext(ctx, query, string(domain.StageFailed), message, now(), id.String())
	if err != nil {
		return store.NewStoreError("job", "fail", "update job", mapError(err))
	}
	return s.checkJobTransition(ctx, res, id, domain.JobStatusFailed, "fail")
}

func (s *JobStore) CancelJob(ctx context.Context, id uuid.UUID) error {
	const query = `UPDATE jobs SET status = 'failed', current_stage = ?,
		error_message = ?, processing_completed_at = ?
		WHERE id = ? AND status = 'pending'`

	res, err := s.db.ExecContext(ctx, query,
		string(domain.StageFailed), domain.ErrJobCancelled.Error(), now(), id.String())
	if err != nil {
		return store.NewStoreError("job", "cancel", "update job", mapError(err))
	}
	return s.checkJobTransition(ctx, res, id, domain.JobStatusFailed, "cancel")
}

// checkJobTransition explains a conditional update that matched no row.
func (s *JobStore) checkJobTransition(ctx context.Context, res sql.Result, id uuid.UUID, to domain.JobStatus, op string) error {
	n, err := res.RowsAffected()
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

func (s *JobStore) SaveExtractedContent(ctx context.Context, content *domain.ExtractedContent) error {
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

	const query = `INSERT INTO extracted_contents (job_id, text, language, word_count, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (job_id) DO NOTHING`

	_, err = s.db.ExecContext(ctx, query,
		content.JobID.String(), content.Text, content.Language, content.WordCount,
		string(meta), createdAt.UTC().Format(timeFormat),
	)
	if err != nil {
		return store.NewStoreError("extracted_content", "save", "insert content", mapError(err))
	}
	return nil
}

func (s *JobStore) GetExtractedContent(ctx context.Context, jobID uuid.UUID) (*domain.ExtractedContent, error) {
	const query = `SELECT text, language, word_count, metadata, created_at
		FROM extracted_contents WHERE job_id = ?`

	c := &domain.ExtractedContent{JobID: jobID}
	var meta, createdStr string
	err := s.db.QueryRowContext(ctx, query, jobID.String()).Scan(
		&c.Text, &c.Language, &c.WordCount, &meta, &createdStr,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.NewStoreError("extracted_content", "get", "select content", store.ErrExtractedContentNotFound)
	}
	if err != nil {
		return nil, store.NewStoreError("extracted_content", "get", "select content", mapError(err))
	}
	if err := json.Unmarshal([]byte(meta), &c.Metadata); err != nil {
		return nil, store.NewStoreError("extracted_content", "get", "unmarshal metadata", err)
	}
	c.CreatedAt, _ = time.Parse(timeFormat, createdStr)
	return c, nil
}

func (s *JobStore) CreatePromptTasks(ctx context.Context, tasks []*domain.PromptTask) error {
	if len(tasks) == 0 {
		return nil
	}

	const query = `INSERT INTO prompt_tasks (job_id, template_id, position, status, provider, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (job_id, template_id) DO NOTHING`

	for _, t := range tasks {
		if err := t.Validate(); err != nil {
			return store.NewStoreError("prompt_task", "create", "invalid task "+t.TemplateID,
				fmt.Errorf("%w: %v", store.ErrInvalidEntity, err))
		}
	}

	err := store.RunInTransaction(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, query)
		if err != nil {
			return err
		}
		defer func() { _ = stmt.Close() }()

		for _, t := range tasks {
			if _, err := stmt.ExecContext(ctx,
				t.JobID.String(), t.TemplateID, t.Position, string(t.Status),
				t.Provider, t.CreatedAt.UTC().Format(timeFormat),
			); err != nil {
				return fmt.Errorf("insert task %s: %w", t.TemplateID, mapError(err))
			}
		}
		return nil
	})
	if err != nil {
		return store.NewStoreError("prompt_task", "create", "insert tasks", err)
	}
	return nil
}

func (s *JobStore) ListPromptTasks(ctx context.Context, jobID uuid.UUID) ([]*domain.PromptTask, error) {
	const query = `SELECT template_id, position, status, content, error_message, tokens_used,
		processing_time_ms, provider, created_at, completed_at
		FROM prompt_tasks WHERE job_id = ?
		ORDER BY position ASC`

	rows, err := s.db.QueryContext(ctx, query, jobID.String())
	if err != nil {
		return nil, store.NewStoreError("prompt_task", "list", "select tasks", mapError(err))
	}
	defer func() { _ = rows.Close() }()

	var tasks []*domain.PromptTask
	for rows.Next() {
		var (
			t                          = &domain.PromptTask{JobID: jobID}
			status, createdStr         string
			content, errMsg, completed sql.NullString
			tokens, elapsed            sql.NullInt64
		)
		if err := rows.Scan(&t.TemplateID, &t.Position, &status, &content, &errMsg,
			&tokens, &elapsed, &t.Provider, &createdStr, &completed); err != nil {
			return nil, store.NewStoreError("prompt_task", "list", "scan task", err)
		}
		t.Status = domain.TaskStatus(status)
		if content.Valid {
			t.Content = &content.String
		}
		if errMsg.Valid {
			t.ErrorMessage = &errMsg.String
		}
		if tokens.Valid {
			n := int(tokens.Int64)
			t.TokensUsed = &n
		}
		if elapsed.Valid {
			t.ProcessingTimeMs = &elapsed.Int64
		}
		t.CreatedAt, _ = time.Parse(timeFormat, createdStr)
		t.CompletedAt = parseNullTime(completed)
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, store.NewStoreError("prompt_task", "list", "iterate tasks", err)
	}
	return tasks, nil
}

func (s *JobStore) FinishPromptTask(ctx context.Context, t *domain.PromptTask) error {
	if !t.Status.IsTerminal() {
		return store.NewStoreError("prompt_task", "finish", "status "+string(t.Status),
			fmt.Errorf("%w: %v", store.ErrInvalidEntity, domain.ErrTerminalTaskStatus))
	}
	completedAt := time.Now().UTC()
	if t.CompletedAt != nil {
		completedAt = t.CompletedAt.UTC()
	}

	const query = `UPDATE prompt_tasks SET status = ?, content = ?, error_message = ?,
		tokens_used = ?, processing_time_ms = ?, provider = ?, completed_at = ?
		WHERE job_id = ? AND template_id = ? AND status = 'pending'`

	res, err := s.db.ExecContext(ctx, query,
		string(t.Status), nullString(t.Content), nullString(t.ErrorMessage),
		nullInt(t.TokensUsed), nullInt64(t.ProcessingTimeMs), t.Provider,
		completedAt.Format(timeFormat), t.JobID.String(), t.TemplateID,
	)
	if err != nil {
		return store.NewStoreError("prompt_task", "finish", "update task", mapError(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return store.NewStoreError("prompt_task", "finish", "rows affected", err)
	}
	if n > 0 {
		return nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM prompt_tasks WHERE job_id = ? AND template_id = ?`,
		t.JobID.String(), t.TemplateID,
	).Scan(&exists)
	if err != nil {
		return store.NewStoreError("prompt_task", "finish", "select task", mapError(err))
	}
	if exists == 0 {
		return store.NewStoreError("prompt_task", "finish", "task "+t.TemplateID, store.ErrNotFound)
	}
	return store.NewStoreError("prompt_task", "finish", "task "+t.TemplateID, store.ErrTaskAlreadyFinished)
}

func now() string {
	return time.Now().UTC().Format(timeFormat)
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullInt(n *int) sql.NullInt64 {
	if n == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*n), Valid: true}
}

func nullInt64(n *int64) sql.NullInt64 {
	if n == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *n, Valid: true}
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := time.Parse(timeFormat, s.String)
	if err != nil {
		return nil
	}
	return &t
}
