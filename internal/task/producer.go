package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/phrazzld/synopsis/internal/domain"
	"github.com/phrazzld/synopsis/internal/events"
	"github.com/phrazzld/synopsis/internal/generation"
	"github.com/phrazzld/synopsis/internal/queue"
	"github.com/phrazzld/synopsis/internal/store"
)

// ErrEnqueueFailed is returned when a job was saved but could not be queued.
// The job is failed so it does not linger as pending.
var ErrEnqueueFailed = errors.New("job could not be enqueued")

// SubmitRequest is a producer's request for a new job.
type SubmitRequest struct {
	SourceRef   string
	TemplateIDs []string
	UserID      string
	SessionID   string
	Provider    string
}

// JobView is a job together with its prompt tasks.
type JobView struct {
	Job   *domain.Job          `json:"job"`
	Tasks []*domain.PromptTask `json:"tasks"`
}

// ProviderResolver looks up a provider by name; the empty name selects the
// default. generation.Registry implements it.
type ProviderResolver interface {
	Get(name string) (generation.Provider, error)
}

// Producer creates jobs and hands them to the queue.
type Producer struct {
	store     store.JobStore
	queue     queue.Queue
	templates TemplateResolver
	providers ProviderResolver
	events    events.Publisher
	metrics   Recorder
	logger    *slog.Logger
}

// ProducerOption configures a Producer.
type ProducerOption func(*Producer)

// WithProviderCheck rejects submissions naming a provider r cannot resolve.
func WithProviderCheck(r ProviderResolver) ProducerOption {
	return func(p *Producer) { p.providers = r }
}

// NewProducer returns a producer. templates, when not nil, rejects unknown
// template IDs at submission.
func NewProducer(
	jobs store.JobStore,
	q queue.Queue,
	templates TemplateResolver,
	publisher events.Publisher,
	metrics Recorder,
	logger *slog.Logger,
	opts ...ProducerOption,
) *Producer {
	if publisher == nil {
		publisher = events.Discard
	}
	if metrics == nil {
		metrics = nopRecorder{}
	}
	p := &Producer{
		store:     jobs,
		queue:     q,
		templates: templates,
		events:    publisher,
		metrics:   metrics,
		logger:    logger.With("component", "producer"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Submit saves a pending job and enqueues it.
func (p *Producer) Submit(ctx context.Context, req SubmitRequest) (*domain.Job, error) {
	job, err := domain.NewJob(req.SourceRef, domain.JobMetadata{
		UserID:      req.UserID,
		SessionID:   req.SessionID,
		Provider:    req.Provider,
		TemplateIDs: req.TemplateIDs,
	})
	if err != nil {
		return nil, err
	}
	if p.templates != nil {
		if _, err := p.templates.Resolve(req.TemplateIDs); err != nil {
			return nil, fmt.Errorf("%w: %w", domain.ErrValidation, err)
		}
	}
	if p.providers != nil {
		if _, err := p.providers.Get(req.Provider); err != nil {
			return nil, fmt.Errorf("%w: %w", domain.ErrValidation, err)
		}
	}

	// Save first so a worker never sees an envelope without its job.
	if err := p.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to save job: %w", err)
	}

	env := queue.NewEnvelope(job.ID, job.SourceRef, job.Metadata.TemplateIDs)
	env.UserID = req.UserID
	env.SessionID = req.SessionID
	env.Provider = req.Provider

	queueID, err := p.queue.Enqueue(ctx, env)
	if err != nil {
		p.logger.Error("failed to enqueue job", "job_id", job.ID, "error", err)
		if failErr := p.store.FailJob(ctx, job.ID, domain.ErrInfrastructureFail.Error()); failErr != nil {
			p.logger.Error("failed to mark unqueued job as failed", "job_id", job.ID, "error", failErr)
		}
		return nil, fmt.Errorf("%w: %w", ErrEnqueueFailed, err)
	}

	p.metrics.JobEnqueued()
	p.logger.Info("job submitted",
		"job_id", job.ID,
		"queue_id", queueID,
		"templates", len(job.Metadata.TemplateIDs))
	return job, nil
}

// Cancel fails a job that no worker has claimed yet.
func (p *Producer) Cancel(ctx context.Context, id uuid.UUID) error {
	if err := p.store.CancelJob(ctx, id); err != nil {
		return err
	}
	p.logger.Info("job cancelled", "job_id", id)
	p.events.Publish(ctx, events.Failed(id, domain.StageQueued, domain.ErrJobCancelled.Error()))
	return nil
}

// Get returns the job and its prompt tasks.
func (p *Producer) Get(ctx context.Context, id uuid.UUID) (*JobView, error) {
	job, err := p.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	tasks, err := p.store.ListPromptTasks(ctx, id)
	if err != nil {
		return nil, err
	}
	if tasks == nil {
		tasks = []*domain.PromptTask{}
	}
	return &JobView{Job: job, Tasks: tasks}, nil
}
