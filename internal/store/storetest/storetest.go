// Package storetest holds the behavioral tests every store.JobStore
// implementation must pass.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/synopsis/internal/domain"
	"github.com/phrazzld/synopsis/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns an empty store for one subtest.
type Factory func(t *testing.T) store.JobStore

// NewJob returns a valid pending job requesting the given templates.
func NewJob(t *testing.T, templates ...string) *domain.Job {
	t.Helper()
	if len(templates) == 0 {
		templates = []string{"summary", "keypoints"}
	}
	job, err := domain.NewJob("text:hello world", domain.JobMetadata{
		UserID:      "user-1",
		SessionID:   "session-1",
		Provider:    "gemini",
		TemplateIDs: templates,
	})
	require.NoError(t, err)
	return job
}

// RunJobStoreTests exercises the full store.JobStore contract.
func RunJobStoreTests(t *testing.T, newStore Factory) {
	ctx := context.Background()

	t.Run("create and get", func(t *testing.T) {
		s := newStore(t)
		job := NewJob(t)
		require.NoError(t, s.CreateJob(ctx, job))

		got, err := s.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, job.ID, got.ID)
		assert.Equal(t, job.SourceRef, got.SourceRef)
		assert.Equal(t, domain.JobStatusPending, got.Status)
		assert.Equal(t, domain.StageQueued, got.CurrentStage)
		assert.Equal(t, job.Metadata, got.Metadata)
		assert.WithinDuration(t, job.CreatedAt, got.CreatedAt, time.Second)
		assert.Nil(t, got.ProcessingStartedAt)

		assert.ErrorIs(t, s.CreateJob(ctx, job), store.ErrDuplicate)
	})

	t.Run("get missing job", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetJob(ctx, uuid.New())
		assert.ErrorIs(t, err, store.ErrJobNotFound)
		assert.True(t, store.IsNotFoundError(err))
	})

	t.Run("claim is idempotent", func(t *testing.T) {
		s := newStore(t)
		job := NewJob(t)
		require.NoError(t, s.CreateJob(ctx, job))

		claimed, err := s.ClaimJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusProcessing, claimed.Status)
		assert.Equal(t, domain.StageExtracting, claimed.CurrentStage)
		require.NotNil(t, claimed.ProcessingStartedAt)

		again, err := s.ClaimJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusProcessing, again.Status)
		assert.WithinDuration(t, *claimed.ProcessingStartedAt, *again.ProcessingStartedAt, time.Millisecond)

		_, err = s.ClaimJob(ctx, uuid.New())
		assert.ErrorIs(t, err, store.ErrJobNotFound)
	})

	t.Run("progress never decreases", func(t *testing.T) {
		s := newStore(t)
		job := NewJob(t)
		require.NoError(t, s.CreateJob(ctx, job))

		err := s.UpdateJobProgress(ctx, job.ID, domain.StageAIProcessing, 20)
		assert.ErrorIs(t, err, store.ErrUpdateFailed, "pending jobs take no progress")

		_, err = s.ClaimJob(ctx, job.ID)
		require.NoError(t, err)
		require.NoError(t, s.UpdateJobProgress(ctx, job.ID, domain.StageAIProcessing, 55))
		require.NoError(t, s.UpdateJobProgress(ctx, job.ID, domain.StageAIProcessing, 37))

		got, err := s.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, 55, got.Progress)
		assert.Equal(t, domain.StageAIProcessing, got.CurrentStage)

		assert.ErrorIs(t, s.UpdateJobProgress(ctx, job.ID, domain.StageAIProcessing, 101), store.ErrInvalidEntity)
	})

	t.Run("complete", func(t *testing.T) {
		s := newStore(t)
		job := NewJob(t)
		require.NoError(t, s.CreateJob(ctx, job))

		err := s.CompleteJob(ctx, job.ID)
		assert.ErrorIs(t, err, store.ErrUpdateFailed)
		assert.ErrorIs(t, err, domain.ErrInvalidTransition, "pending jobs cannot skip processing")

		err = s.UpdateJobProgress(ctx, job.ID, domain.StageAIProcessing, 20)
		assert.NotErrorIs(t, err, domain.ErrInvalidTransition)

		_, err = s.ClaimJob(ctx, job.ID)
		require.NoError(t, err)
		require.NoError(t, s.CompleteJob(ctx, job.ID))

		got, err := s.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusCompleted, got.Status)
		assert.Equal(t, 100, got.Progress)
		assert.Equal(t, domain.StageCompleted, got.CurrentStage)
		assert.NotNil(t, got.ProcessingCompletedAt)

		assert.ErrorIs(t, s.CompleteJob(ctx, job.ID), store.ErrJobFinished)
		assert.ErrorIs(t, s.FailJob(ctx, job.ID, "late"), store.ErrJobFinished)
	})

	t.Run("fail", func(t *testing.T) {
		s := newStore(t)
		job := NewJob(t)
		require.NoError(t, s.CreateJob(ctx, job))
		_, err := s.ClaimJob(ctx, job.ID)
		require.NoError(t, err)

		require.NoError(t, s.FailJob(ctx, job.ID, "extraction failed"))

		got, err := s.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusFailed, got.Status)
		assert.Equal(t, domain.StageFailed, got.CurrentStage)
		require.NotNil(t, got.ErrorMessage)
		assert.Equal(t, "extraction failed", *got.ErrorMessage)
		assert.NotNil(t, got.ProcessingCompletedAt)

		_, err = s.ClaimJob(ctx, job.ID)
		require.NoError(t, err)
		got, err = s.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusFailed, got.Status, "a failed job is never reclaimed")
	})

	t.Run("cancel", func(t *testing.T) {
		s := newStore(t)
		pending := NewJob(t)
		processing := NewJob(t)
		require.NoError(t, s.CreateJob(ctx, pending))
		require.NoError(t, s.CreateJob(ctx, processing))
		_, err := s.ClaimJob(ctx, processing.ID)
		require.NoError(t, err)

		require.NoError(t, s.CancelJob(ctx, pending.ID))
		got, err := s.GetJob(ctx, pending.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusFailed, got.Status)
		require.NotNil(t, got.ErrorMessage)
		assert.Equal(t, "cancelled", *got.ErrorMessage)

		assert.ErrorIs(t, s.CancelJob(ctx, processing.ID), store.ErrJobInProgress)
		assert.ErrorIs(t, s.CancelJob(ctx, pending.ID), store.ErrJobFinished)
		assert.ErrorIs(t, s.CancelJob(ctx, uuid.New()), store.ErrJobNotFound)
	})

	t.Run("extracted content is written once", func(t *testing.T) {
		s := newStore(t)
		job := NewJob(t)
		require.NoError(t, s.CreateJob(ctx, job))

		_, err := s.GetExtractedContent(ctx, job.ID)
		assert.ErrorIs(t, err, store.ErrExtractedContentNotFound)

		first := &domain.ExtractedContent{
			JobID: job.ID, Text: "first text", Language: "en", WordCount: 2,
			Metadata: map[string]string{"source": "text"},
		}
		second := &domain.ExtractedContent{JobID: job.ID, Text: "second", Language: "en", WordCount: 1}
		require.NoError(t, s.SaveExtractedContent(ctx, first))
		require.NoError(t, s.SaveExtractedContent(ctx, second))

		got, err := s.GetExtractedContent(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, "first text", got.Text)
		assert.Equal(t, 2, got.WordCount)
		assert.Equal(t, "text", got.Metadata["source"])

		empty := &domain.ExtractedContent{JobID: job.ID}
		assert.ErrorIs(t, s.SaveExtractedContent(ctx, empty), store.ErrInvalidEntity)
	})

	t.Run("prompt tasks", func(t *testing.T) {
		s := newStore(t)
		job := NewJob(t, "summary", "keypoints", "questions")
		require.NoError(t, s.CreateJob(ctx, job))

		tasks, err := domain.NewPromptTasks(job.ID, job.Metadata.TemplateIDs, "gemini")
		require.NoError(t, err)
		require.NoError(t, s.CreatePromptTasks(ctx, tasks))
		require.NoError(t, s.CreatePromptTasks(ctx, tasks), "creating the same tasks twice is a no-op")

		bogus := *tasks[0]
		bogus.Status = "running"
		err = s.CreatePromptTasks(ctx, []*domain.PromptTask{&bogus})
		assert.ErrorIs(t, err, store.ErrInvalidEntity)
		assert.ErrorContains(t, err, domain.ErrInvalidTaskStatus.Error())

		listed, err := s.ListPromptTasks(ctx, job.ID)
		require.NoError(t, err)
		require.Len(t, listed, 3)
		for i, task := range listed {
			assert.Equal(t, job.Metadata.TemplateIDs[i], task.TemplateID)
			assert.Equal(t, i, task.Position)
			assert.Equal(t, domain.TaskStatusPending, task.Status)
			assert.Equal(t, "gemini", task.Provider)
		}

		done := listed[1]
		done.Complete("three key points", 120, 2*time.Second)
		require.NoError(t, s.FinishPromptTask(ctx, done))
		assert.ErrorIs(t, s.FinishPromptTask(ctx, done), store.ErrTaskAlreadyFinished)

		failed := listed[2]
		failed.Fail(domain.ReasonQuotaExceeded, time.Second)
		require.NoError(t, s.FinishPromptTask(ctx, failed))

		pending := listed[0]
		assert.ErrorIs(t, s.FinishPromptTask(ctx, pending), store.ErrInvalidEntity)

		listed, err = s.ListPromptTasks(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.TaskStatusPending, listed[0].Status)
		assert.Equal(t, domain.TaskStatusCompleted, listed[1].Status)
		require.NotNil(t, listed[1].Content)
		assert.Equal(t, "three key points", *listed[1].Content)
		require.NotNil(t, listed[1].TokensUsed)
		assert.Equal(t, 120, *listed[1].TokensUsed)
		require.NotNil(t, listed[1].ProcessingTimeMs)
		assert.Equal(t, int64(2000), *listed[1].ProcessingTimeMs)
		assert.NotNil(t, listed[1].CompletedAt)
		assert.True(t, listed[2].FailedOnQuota())

		missing := &domain.PromptTask{JobID: job.ID, TemplateID: "glossary", Status: domain.TaskStatusFailed}
		assert.ErrorIs(t, s.FinishPromptTask(ctx, missing), store.ErrNotFound)

		none, err := s.ListPromptTasks(ctx, uuid.New())
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("errors are persistence errors", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetJob(ctx, uuid.New())
		assert.True(t, store.IsPersistenceError(err))
	})
}
