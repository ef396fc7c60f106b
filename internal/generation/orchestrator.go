package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/phrazzld/synopsis/internal/domain"
	"golang.org/x/sync/errgroup"
)

// Config tunes the orchestrator.
type Config struct {
	// MaxRetries is the number of retries after the first call for
	// transient failures.
	MaxRetries int
	// RetryBaseDelay is the delay before the first retry; retry n waits
	// RetryBaseDelay × 2^(n−1).
	RetryBaseDelay time.Duration
	// CallTimeout bounds each provider call.
	CallTimeout time.Duration
	// Concurrency bounds the provider calls in flight for one job.
	Concurrency int
}

// DefaultConfig returns a Config with reasonable defaults
func DefaultConfig() Config {
	return Config{
		MaxRetries:     domain.MaxAttempts,
		RetryBaseDelay: 2 * time.Second,
		CallTimeout:    90 * time.Second,
		Concurrency:    2,
	}
}

// Limiter throttles provider calls. ratelimit.TokenBucket implements it.
type Limiter interface {
	Wait(ctx context.Context, key string) error
}

// Recorder receives per-call outcomes. telemetry.Metrics implements it.
type Recorder interface {
	ProviderCall(provider, outcome string, elapsed time.Duration)
	ProviderRetry(provider string)
}

// RunRequest describes the templates to run for one job.
type RunRequest struct {
	JobID     string
	Text      string
	Language  string
	WordCount int
	Templates []Template
	// Provider names the provider; empty selects the registry default.
	Provider string
	// QuotaTripped marks a job whose quota was exhausted on an earlier
	// delivery. Every template is skipped without a call.
	QuotaTripped bool
}

// TaskResult is the terminal outcome of one template.
type TaskResult struct {
	TemplateID string
	// Index is the template's submission position in RunRequest.Templates.
	Index      int
	Status     domain.TaskStatus
	Content    string
	Error      string
	TokensUsed int
	Elapsed    time.Duration
	Provider   string
	// Fatal is set on the task that hit an auth or configuration error.
	Fatal bool
}

// Apply records the result on its prompt task.
func (r TaskResult) Apply(t *domain.PromptTask) {
	t.Provider = r.Provider
	switch r.Status {
	case domain.TaskStatusCompleted:
		t.Complete(r.Content, r.TokensUsed, r.Elapsed)
	case domain.TaskStatusSkippedQuota:
		t.SkipQuota()
	default:
		t.Fail(r.Error, r.Elapsed)
	}
}

// Orchestrator runs templates against providers.
type Orchestrator struct {
	providers *Registry
	cfg       Config
	limiter   Limiter
	recorder  Recorder
	logger    *slog.Logger
	sleep     func(ctx context.Context, d time.Duration) error
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLimiter throttles every provider call through l, keyed by provider name.
func WithLimiter(l Limiter) Option {
	return func(o *Orchestrator) { o.limiter = l }
}

// WithRecorder reports call outcomes to r.
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// WithSleep replaces the function used to wait between retries.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Orchestrator) { o.sleep = sleep }
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(providers *Registry, cfg Config, logger *slog.Logger, opts ...Option) *Orchestrator {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	o := &Orchestrator{
		providers: providers,
		cfg:       cfg,
		logger:    logger.With("component", "orchestrator"),
		sleep:     sleepContext,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run dispatches one call per template with at most cfg.Concurrency in
// flight and returns a channel that yields exactly one TaskResult per
// template, in submission order, and is then closed.
//
// A QuotaExceeded result on template k fails it with
// domain.ReasonQuotaExceeded and every template after k is skipped. A
// FatalFailure on template k fails it and every template after k fails with
// domain.ReasonAborted. Templates before k keep their outcome even when they
// finish later. Calls after k that were already in flight run to completion
// but their results are replaced.
func (o *Orchestrator) Run(ctx context.Context, req RunRequest) (<-chan TaskResult, error) {
	provider, err := o.providers.Get(req.Provider)
	if err != nil {
		return nil, err
	}

	log := o.logger.With("job_id", req.JobID, "provider", provider.Name())
	settled := make(chan TaskResult, len(req.Templates))
	out := make(chan TaskResult, len(req.Templates))
	cut := newCutoff(req.QuotaTripped)

	go func() {
		defer close(settled)

		g := new(errgroup.Group)
		g.SetLimit(o.cfg.Concurrency)

		for i, tmpl := range req.Templates {
			if r, stop := cut.preempt(i, tmpl.ID, provider.Name()); stop {
				settled <- r
				continue
			}

			// Blocks while cfg.Concurrency calls are in flight.
			g.Go(func() error {
				if r, stop := cut.preempt(i, tmpl.ID, provider.Name()); stop {
					settled <- r
					return nil
				}
				r := o.runTask(ctx, log, provider, req, i, tmpl)
				cut.observe(r)
				settled <- r
				return nil
			})
		}
		_ = g.Wait()
	}()

	go func() {
		defer close(out)

		held := make(map[int]TaskResult, len(req.Templates))
		next := 0
		for r := range settled {
			held[r.Index] = r
			for {
				r, ok := held[next]
				if !ok {
					break
				}
				delete(held, next)
				// Every template before next has been emitted, so a cutoff
				// at a lower index is already recorded.
				if p, stop := cut.preempt(next, r.TemplateID, r.Provider); stop {
					r = p
				}
				out <- r
				next++
			}
		}
	}()

	return out, nil
}

// noCutoff marks a cutoff that has not been reached.
const noCutoff = math.MaxInt64

// cutoff holds the lowest template index that hit the quota or a fatal
// error. Templates after it are not attempted.
type cutoff struct {
	quotaAt atomic.Int64
	abortAt atomic.Int64
}

func newCutoff(quotaTripped bool) *cutoff {
	c := &cutoff{}
	c.quotaAt.Store(noCutoff)
	c.abortAt.Store(noCutoff)
	if quotaTripped {
		c.quotaAt.Store(-1)
	}
	return c
}

// observe records r's index when it ends the run for later templates.
func (c *cutoff) observe(r TaskResult) {
	switch {
	case r.Fatal:
		lowerTo(&c.abortAt, int64(r.Index))
	case r.Status == domain.TaskStatusFailed && r.Error == domain.ReasonQuotaExceeded:
		lowerTo(&c.quotaAt, int64(r.Index))
	}
}

// preempt returns the result for a template that must not be attempted.
func (c *cutoff) preempt(index int, templateID, provider string) (TaskResult, bool) {
	r := TaskResult{TemplateID: templateID, Index: index, Provider: provider}
	i := int64(index)
	switch {
	case i > c.abortAt.Load():
		r.Status = domain.TaskStatusFailed
		r.Error = domain.ReasonAborted
		return r, true
	case i > c.quotaAt.Load():
		r.Status = domain.TaskStatusSkippedQuota
		r.Error = domain.ReasonQuotaExceeded
		return r, true
	default:
		return r, false
	}
}

func lowerTo(v *atomic.Int64, n int64) {
	for {
		cur := v.Load()
		if n >= cur || v.CompareAndSwap(cur, n) {
			return
		}
	}
}

func (o *Orchestrator) runTask(
	ctx context.Context,
	log *slog.Logger,
	provider Provider,
	req RunRequest,
	index int,
	tmpl Template,
) TaskResult {
	start := time.Now()
	result := TaskResult{TemplateID: tmpl.ID, Index: index, Provider: provider.Name()}
	log = log.With("template_id", tmpl.ID)

	fail := func(msg string) TaskResult {
		result.Status = domain.TaskStatusFailed
		result.Error = msg
		result.Elapsed = time.Since(start)
		return result
	}

	prompt, err := tmpl.Render(PromptData{Text: req.Text, Language: req.Language, WordCount: req.WordCount})
	if err != nil {
		log.Error("failed to render prompt", "error", err)
		return fail(err.Error())
	}
	call := Request{TemplateID: tmpl.ID, Prompt: prompt, JSONOutput: tmpl.WantsJSON()}

	for attempt := 0; ; attempt++ {
		res := o.call(ctx, provider, call)

		switch r := res.(type) {
		case Success:
			if err := tmpl.Validate(r.Content); err != nil {
				log.Warn("response rejected by output schema", "attempt", attempt+1, "error", err)
				o.record(provider.Name(), "rejected", start)
				return fail(err.Error())
			}
			o.record(provider.Name(), "success", start)
			result.Status = domain.TaskStatusCompleted
			result.Content = r.Content
			result.TokensUsed = r.TokensUsed
			result.Elapsed = time.Since(start)
			log.Debug("prompt task completed", "attempt", attempt+1, "tokens", r.TokensUsed)
			return result

		case QuotaExceeded:
			log.Warn("provider quota exceeded", "error", r.Err)
			o.record(provider.Name(), "quota", start)
			return fail(domain.ReasonQuotaExceeded)

		case FatalFailure:
			log.Error("fatal provider error, aborting job", "error", r.Err)
			o.record(provider.Name(), "fatal", start)
			result = fail(r.Err.Error())
			result.Fatal = true
			return result

		case Rejected:
			log.Warn("provider rejected request", "error", r.Err)
			o.record(provider.Name(), "rejected", start)
			return fail(r.Err.Error())

		case TransientFailure:
			if attempt >= o.cfg.MaxRetries {
				log.Error("transient failures exhausted retries", "attempts", attempt+1, "error", r.Err)
				o.record(provider.Name(), "transient", start)
				return fail(fmt.Sprintf("%v after %d attempts", r.Err, attempt+1))
			}

			delay := domain.RetryDelay(o.cfg.RetryBaseDelay, attempt+1)
			log.Info("retrying after transient error",
				"attempt", attempt+1,
				"delay_ms", delay.Milliseconds(),
				"error", r.Err)
			if o.recorder != nil {
				o.recorder.ProviderRetry(provider.Name())
			}
			if err := o.sleep(ctx, delay); err != nil {
				o.record(provider.Name(), "transient", start)
				return fail(fmt.Sprintf("%v: %v", r.Err, err))
			}

		default:
			return fail(fmt.Sprintf("unexpected provider result %T", res))
		}
	}
}

// call performs one rate-limited provider call under the call timeout.
func (o *Orchestrator) call(ctx context.Context, provider Provider, req Request) Result {
	if o.limiter != nil {
		if err := o.limiter.Wait(ctx, provider.Name()); err != nil {
			return TransientFailure{Err: fmt.Errorf("%w: rate limiter: %v", ErrTransient, err)}
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
	defer cancel()

	res := provider.Complete(callCtx, req)
	if _, ok := res.(Success); !ok && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return TransientFailure{Err: fmt.Errorf("%w: call timed out after %s", ErrTransient, o.cfg.CallTimeout)}
	}
	return res
}

func (o *Orchestrator) record(provider, outcome string, start time.Time) {
	if o.recorder != nil {
		o.recorder.ProviderCall(provider, outcome, time.Since(start))
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
