package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/phrazzld/synopsis/internal/domain"
	"github.com/phrazzld/synopsis/internal/events"
	"github.com/phrazzld/synopsis/internal/extraction"
	"github.com/phrazzld/synopsis/internal/generation"
	"github.com/phrazzld/synopsis/internal/queue"
	"github.com/phrazzld/synopsis/internal/redact"
	"github.com/phrazzld/synopsis/internal/store"
)

// Progress reported when extraction starts.
const progressExtracting = 5

// Messages stored on jobs that fail outside of a provider error.
const (
	msgQuotaExhausted = "provider quota exceeded before any prompt task completed"
	msgAborted        = "job aborted after a fatal provider error"
)

// Runner executes prompt templates. generation.Orchestrator implements it.
type Runner interface {
	Run(ctx context.Context, req generation.RunRequest) (<-chan generation.TaskResult, error)
}

// TemplateResolver maps template IDs to templates. generation.Catalog
// implements it.
type TemplateResolver interface {
	Resolve(ids []string) ([]generation.Template, error)
}

// Pipeline processes one delivered job.
type Pipeline struct {
	store     store.JobStore
	gateway   extraction.Gateway
	templates TemplateResolver
	runner    Runner
	providers ProviderResolver
	events    events.Publisher
	metrics   Recorder
	logger    *slog.Logger
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithPipelineRecorder reports job and task outcomes to r.
func WithPipelineRecorder(r Recorder) PipelineOption {
	return func(p *Pipeline) { p.metrics = r }
}

// WithPipelineProviders fails jobs naming a provider r cannot resolve before
// any prompt task is created.
func WithPipelineProviders(r ProviderResolver) PipelineOption {
	return func(p *Pipeline) { p.providers = r }
}

// NewPipeline wires a pipeline. A nil publisher discards events.
func NewPipeline(
	jobs store.JobStore,
	gateway extraction.Gateway,
	templates TemplateResolver,
	runner Runner,
	publisher events.Publisher,
	logger *slog.Logger,
	opts ...PipelineOption,
) *Pipeline {
	if publisher == nil {
		publisher = events.Discard
	}
	p := &Pipeline{
		store:     jobs,
		gateway:   gateway,
		templates: templates,
		runner:    runner,
		events:    publisher,
		metrics:   nopRecorder{},
		logger:    logger.With("component", "pipeline"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process runs the job named by env to a terminal status.
//
// A nil return means the delivery can be acknowledged: the job finished,
// failed for a business reason, or was already terminal. Any error is an
// infrastructure failure; the job stays in its last persisted state and the
// delivery should be retried.
func (p *Pipeline) Process(ctx context.Context, env queue.Envelope) error {
	log := p.logger.With("job_id", env.JobID)

	job, err := p.store.ClaimJob(ctx, env.JobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Warn("delivery for unknown job dropped")
			return nil
		}
		return fmt.Errorf("claim job: %w", err)
	}
	if job.IsTerminal() {
		log.Info("job already terminal, nothing to do", "status", job.Status)
		return nil
	}

	log = log.With("source_ref", job.SourceRef)
	run := &jobRun{p: p, job: job, log: log}
	return run.execute(ctx)
}

// Abandon fails a job whose deliveries were exhausted by infrastructure
// errors.
func (p *Pipeline) Abandon(ctx context.Context, env queue.Envelope, cause error) error {
	log := p.logger.With("job_id", env.JobID)
	log.Error("giving up on job", "error", cause)

	job, err := p.store.GetJob(ctx, env.JobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("load job: %w", err)
	}
	return (&jobRun{p: p, job: job, log: log}).fail(ctx, job.CurrentStage, domain.ErrInfrastructureFail.Error())
}

// jobRun holds the state of one Process call.
type jobRun struct {
	p   *Pipeline
	job *domain.Job
	log *slog.Logger
}

func (r *jobRun) execute(ctx context.Context) error {
	content, err := r.extract(ctx)
	if err != nil {
		var extErr *extraction.Error
		if errors.As(err, &extErr) && ctx.Err() == nil {
			r.log.Warn("extraction failed", "reason", extErr.Reason, "error", extErr.Err)
			return r.fail(ctx, domain.StageExtracting, extErr.Error())
		}
		return err
	}

	templates, err := r.p.templates.Resolve(r.job.Metadata.TemplateIDs)
	if err != nil {
		return r.fail(ctx, domain.StageAIProcessing, err.Error())
	}
	if r.p.providers != nil {
		if _, err := r.p.providers.Get(r.job.Metadata.Provider); err != nil {
			return r.fail(ctx, domain.StageAIProcessing, err.Error())
		}
	}

	tasks, err := r.ensureTasks(ctx)
	if err != nil {
		return err
	}

	if aborted := abortedTask(tasks); aborted != nil {
		r.log.Warn("job was aborted on an earlier delivery", "template_id", aborted.TemplateID)
		return r.fail(ctx, domain.StageAIProcessing, msgAborted)
	}

	fatal, err := r.runPending(ctx, content, templates, tasks)
	if err != nil {
		return err
	}
	if fatal != "" {
		return r.fail(ctx, domain.StageAIProcessing, fatal)
	}

	return r.finalize(ctx)
}

// extract returns the job's content, reusing what an earlier delivery saved.
func (r *jobRun) extract(ctx context.Context) (*domain.ExtractedContent, error) {
	content, err := r.p.store.GetExtractedContent(ctx, r.job.ID)
	if err == nil {
		r.log.Debug("reusing extracted content", "word_count", content.WordCount)
		return content, nil
	}
	if !errors.Is(err, store.ErrExtractedContentNotFound) {
		return nil, fmt.Errorf("load extracted content: %w", err)
	}

	if err := r.progress(ctx, domain.StageExtracting, progressExtracting, "extracting content"); err != nil {
		return nil, err
	}

	start := time.Now()
	extracted, err := r.p.gateway.Extract(ctx, r.job.ID, r.job.SourceRef)
	if err != nil {
		return nil, err
	}

	if err := r.p.store.SaveExtractedContent(ctx, extracted); err != nil {
		return nil, fmt.Errorf("save extracted content: %w", err)
	}
	// A concurrent delivery may have saved first; the stored copy wins.
	content, err = r.p.store.GetExtractedContent(ctx, r.job.ID)
	if err != nil {
		return nil, fmt.Errorf("reload extracted content: %w", err)
	}

	r.log.Info("content extracted",
		"word_count", content.WordCount,
		"language", content.Language,
		"duration_ms", time.Since(start).Milliseconds())

	msg := fmt.Sprintf("extracted %d words", content.WordCount)
	if err := r.progress(ctx, domain.StageExtracting, domain.ProgressExtracted, msg); err != nil {
		return nil, err
	}
	return content, nil
}

// ensureTasks creates the job's prompt tasks if needed and returns them in
// submission order.
func (r *jobRun) ensureTasks(ctx context.Context) ([]*domain.PromptTask, error) {
	tasks, err := domain.NewPromptTasks(r.job.ID, r.job.Metadata.TemplateIDs, r.job.Metadata.Provider)
	if err != nil {
		return nil, fmt.Errorf("build prompt tasks: %w", err)
	}
	if err := r.p.store.CreatePromptTasks(ctx, tasks); err != nil {
		return nil, fmt.Errorf("create prompt tasks: %w", err)
	}
	stored, err := r.p.store.ListPromptTasks(ctx, r.job.ID)
	if err != nil {
		return nil, fmt.Errorf("list prompt tasks: %w", err)
	}
	return stored, nil
}

// runPending runs the templates whose tasks are still pending and persists
// each result. It returns the fatal provider error, if one aborted the job.
func (r *jobRun) runPending(
	ctx context.Context,
	content *domain.ExtractedContent,
	templates []generation.Template,
	tasks []*domain.PromptTask,
) (string, error) {
	byID := make(map[string]generation.Template, len(templates))
	for _, t := range templates {
		byID[t.ID] = t
	}

	var pending []*domain.PromptTask
	var pendingTemplates []generation.Template
	quotaTripped := false
	done := 0
	for _, t := range tasks {
		if t.Status.IsTerminal() {
			done++
			if t.FailedOnQuota() || t.Status == domain.TaskStatusSkippedQuota {
				quotaTripped = true
			}
			continue
		}
		tmpl, ok := byID[t.TemplateID]
		if !ok {
			return "", fmt.Errorf("no template for task %s", t.TemplateID)
		}
		pending = append(pending, t)
		pendingTemplates = append(pendingTemplates, tmpl)
	}

	total := len(tasks)
	msg := fmt.Sprintf("%d/%d tasks finished", done, total)
	if err := r.progress(ctx, domain.StageAIProcessing, domain.TaskProgress(done, total), msg); err != nil {
		return "", err
	}
	if len(pending) == 0 {
		return "", nil
	}
	if done > 0 {
		r.log.Info("resuming job", "finished_tasks", done, "pending_tasks", len(pending), "quota_tripped", quotaTripped)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results, err := r.p.runner.Run(runCtx, generation.RunRequest{
		JobID:        r.job.ID.String(),
		Text:         content.Text,
		Language:     content.Language,
		WordCount:    content.WordCount,
		Templates:    pendingTemplates,
		Provider:     r.job.Metadata.Provider,
		QuotaTripped: quotaTripped,
	})
	if err != nil {
		if errors.Is(err, generation.ErrUnknownProvider) {
			return err.Error(), nil
		}
		return "", fmt.Errorf("start orchestrator: %w", err)
	}

	var fatal string
	var persistErr error
	for res := range results {
		if persistErr != nil {
			continue
		}
		// Results produced by cancellation are not real outcomes.
		if runCtx.Err() != nil && res.Status != domain.TaskStatusCompleted {
			continue
		}

		t := pending[res.Index]
		res.Apply(t)
		if err := r.p.store.FinishPromptTask(ctx, t); err != nil {
			if errors.Is(err, store.ErrTaskAlreadyFinished) {
				r.log.Warn("prompt task already finished by another delivery", "template_id", t.TemplateID)
				continue
			}
			persistErr = fmt.Errorf("finish prompt task %s: %w", t.TemplateID, err)
			cancel()
			continue
		}
		r.p.metrics.TaskFinished(t.Status)

		if res.Fatal && fatal == "" {
			fatal = res.Error
		}

		done++
		msg := fmt.Sprintf("%d/%d tasks finished", done, total)
		if err := r.progress(ctx, domain.StageAIProcessing, domain.TaskProgress(done, total), msg); err != nil {
			persistErr = err
			cancel()
		}
	}

	if persistErr != nil {
		return "", persistErr
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return fatal, nil
}

// finalize completes the job, or fails it when the quota ran out before
// any template produced a result.
func (r *jobRun) finalize(ctx context.Context) error {
	if err := r.progress(ctx, domain.StageFinalizing, domain.ProgressFinalizing, "finalizing"); err != nil {
		return err
	}

	tasks, err := r.p.store.ListPromptTasks(ctx, r.job.ID)
	if err != nil {
		return fmt.Errorf("list prompt tasks: %w", err)
	}

	completed, quota := 0, false
	outcomes := make([]events.TaskOutcome, 0, len(tasks))
	for _, t := range tasks {
		if t.Status == domain.TaskStatusCompleted {
			completed++
		}
		if t.FailedOnQuota() || t.Status == domain.TaskStatusSkippedQuota {
			quota = true
		}
		outcomes = append(outcomes, events.OutcomeOf(t))
	}

	if quota && completed == 0 {
		return r.fail(ctx, domain.StageFinalizing, msgQuotaExhausted)
	}

	if err := r.p.store.CompleteJob(ctx, r.job.ID); err != nil {
		if errors.Is(err, store.ErrJobFinished) {
			r.log.Warn("job finished by another delivery")
			return nil
		}
		return fmt.Errorf("complete job: %w", err)
	}

	r.log.Info("job completed", "tasks", len(tasks), "completed_tasks", completed)
	r.p.metrics.JobFinished(domain.JobStatusCompleted, r.elapsed())
	r.p.events.Publish(ctx, events.Complete(r.job.ID, outcomes))
	return nil
}

// fail moves the job to failed and emits its terminal event. Tasks still
// pending are failed as aborted first. A job that is already terminal is
// left alone.
func (r *jobRun) fail(ctx context.Context, stage domain.Stage, message string) error {
	if err := r.abortPending(ctx); err != nil {
		return err
	}

	message = redact.Credentials(message)
	if err := r.p.store.FailJob(ctx, r.job.ID, message); err != nil {
		if errors.Is(err, store.ErrJobFinished) {
			r.log.Warn("job finished by another delivery")
			return nil
		}
		return fmt.Errorf("fail job: %w", err)
	}

	r.log.Warn("job failed", "stage", stage, "reason", message)
	r.p.metrics.JobFinished(domain.JobStatusFailed, r.elapsed())
	r.p.events.Publish(ctx, events.Failed(r.job.ID, stage, message))
	return nil
}

// abortPending fails every prompt task of the job that is still pending.
func (r *jobRun) abortPending(ctx context.Context) error {
	tasks, err := r.p.store.ListPromptTasks(ctx, r.job.ID)
	if err != nil {
		return fmt.Errorf("list prompt tasks: %w", err)
	}
	aborted := 0
	for _, t := range tasks {
		if t.Status.IsTerminal() {
			continue
		}
		t.Fail(domain.ReasonAborted, 0)
		if err := r.p.store.FinishPromptTask(ctx, t); err != nil {
			if errors.Is(err, store.ErrTaskAlreadyFinished) {
				continue
			}
			return fmt.Errorf("abort prompt task %s: %w", t.TemplateID, err)
		}
		r.p.metrics.TaskFinished(t.Status)
		aborted++
	}
	if aborted > 0 {
		r.log.Info("pending prompt tasks aborted", "count", aborted)
	}
	return nil
}

// progress persists the checkpoint and then announces it.
func (r *jobRun) progress(ctx context.Context, stage domain.Stage, progress int, message string) error {
	if err := r.p.store.UpdateJobProgress(ctx, r.job.ID, stage, progress); err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	r.p.events.Publish(ctx, events.Progress(r.job.ID, stage, progress, message))
	return nil
}

func (r *jobRun) elapsed() time.Duration {
	if r.job.ProcessingStartedAt == nil {
		return 0
	}
	return time.Since(*r.job.ProcessingStartedAt)
}

// abortedTask returns a task that a fatal provider error preempted.
func abortedTask(tasks []*domain.PromptTask) *domain.PromptTask {
	for _, t := range tasks {
		if t.Status == domain.TaskStatusFailed && t.ErrorMessage != nil && *t.ErrorMessage == domain.ReasonAborted {
			return t
		}
	}
	return nil
}
