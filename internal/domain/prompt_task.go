package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// TaskStatus is the status of a single prompt task.
type TaskStatus string

// Possible prompt task status values
const (
	TaskStatusPending      TaskStatus = "pending"
	TaskStatusCompleted    TaskStatus = "completed"
	TaskStatusFailed       TaskStatus = "failed"
	TaskStatusSkippedQuota TaskStatus = "skipped_quota"
)

// Failure reasons recorded on prompt tasks that the pipeline inspects on
// redelivery.
const (
	ReasonQuotaExceeded = "quota_exceeded"
	ReasonAborted       = "aborted"
)

var (
	ErrEmptyTemplateID    = errors.New("prompt task template ID cannot be empty")
	ErrInvalidTaskStatus  = errors.New("invalid prompt task status")
	ErrTerminalTaskStatus = errors.New("prompt task must finish with a terminal status")
)

// PromptTask is the result slot for one template within a job.
type PromptTask struct {
	JobID            uuid.UUID  `json:"jobId"`
	TemplateID       string     `json:"templateId"`
	Position         int        `json:"position"`
	Status           TaskStatus `json:"status"`
	Content          *string    `json:"content,omitempty"`
	ErrorMessage     *string    `json:"errorMessage,omitempty"`
	TokensUsed       *int       `json:"tokensUsed,omitempty"`
	ProcessingTimeMs *int64     `json:"processingTimeMs,omitempty"`
	Provider         string     `json:"provider"`
	CreatedAt        time.Time  `json:"createdAt"`
	CompletedAt      *time.Time `json:"completedAt,omitempty"`
}

// NewPromptTasks builds one pending task per template, keeping submission order.
func NewPromptTasks(jobID uuid.UUID, templateIDs []string, provider string) ([]*PromptTask, error) {
	if jobID == uuid.Nil {
		return nil, ErrEmptyJobID
	}
	now := time.Now().UTC()
	tasks := make([]*PromptTask, 0, len(templateIDs))
	for i, id := range templateIDs {
		if id == "" {
			return nil, ErrEmptyTemplateID
		}
		tasks = append(tasks, &PromptTask{
			JobID:      jobID,
			TemplateID: id,
			Position:   i,
			Status:     TaskStatusPending,
			Provider:   provider,
			CreatedAt:  now,
		})
	}
	return tasks, nil
}

// IsTerminal reports whether the task has left pending.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusSkippedQuota:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status.
func (s TaskStatus) Valid() bool {
	return s == TaskStatusPending || s.IsTerminal()
}

// Validate checks the task identity and status.
func (t *PromptTask) Validate() error {
	if t.JobID == uuid.Nil {
		return ErrEmptyJobID
	}
	if t.TemplateID == "" {
		return ErrEmptyTemplateID
	}
	if !t.Status.Valid() {
		return ErrInvalidTaskStatus
	}
	return nil
}

// Complete records a successful result.
func (t *PromptTask) Complete(content string, tokensUsed int, elapsed time.Duration) {
	t.Status = TaskStatusCompleted
	t.Content = &content
	t.ErrorMessage = nil
	if tokensUsed > 0 {
		t.TokensUsed = &tokensUsed
	}
	t.setElapsed(elapsed)
}

// Fail records a terminal failure with the given reason.
func (t *PromptTask) Fail(reason string, elapsed time.Duration) {
	t.Status = TaskStatusFailed
	t.ErrorMessage = &reason
	t.setElapsed(elapsed)
}

// SkipQuota marks the task as never attempted because the provider quota was exhausted.
func (t *PromptTask) SkipQuota() {
	reason := ReasonQuotaExceeded
	t.Status = TaskStatusSkippedQuota
	t.ErrorMessage = &reason
	now := time.Now().UTC()
	t.CompletedAt = &now
}

// FailedOnQuota reports whether this task was the one that hit the provider quota.
func (t *PromptTask) FailedOnQuota() bool {
	return t.Status == TaskStatusFailed && t.ErrorMessage != nil && *t.ErrorMessage == ReasonQuotaExceeded
}

func (t *PromptTask) setElapsed(elapsed time.Duration) {
	ms := elapsed.Milliseconds()
	t.ProcessingTimeMs = &ms
	now := time.Now().UTC()
	t.CompletedAt = &now
}
