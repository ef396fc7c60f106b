package generation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/synopsis/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProvider records calls and answers through CompleteFn.
type fakeProvider struct {
	name       string
	CompleteFn func(ctx context.Context, req Request) Result

	mu    sync.Mutex
	calls []string
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) Complete(ctx context.Context, req Request) Result {
	p.mu.Lock()
	p.calls = append(p.calls, req.TemplateID)
	p.mu.Unlock()
	if p.CompleteFn == nil {
		return Success{Content: "ok:" + req.TemplateID, TokensUsed: 10}
	}
	return p.CompleteFn(ctx, req)
}

func (p *fakeProvider) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) Sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	return nil
}

func testTemplates(t *testing.T, ids ...string) []Template {
	t.Helper()
	out := make([]Template, 0, len(ids))
	for _, id := range ids {
		tmpl, err := NewTemplate(id, id+": {{.Text}}", nil)
		require.NoError(t, err)
		out = append(out, tmpl)
	}
	return out
}

func newTestOrchestrator(t *testing.T, p *fakeProvider, cfg Config, opts ...Option) *Orchestrator {
	t.Helper()
	registry, err := NewRegistry(p.name, p)
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewOrchestrator(registry, cfg, logger, opts...)
}

func run(t *testing.T, o *Orchestrator, req RunRequest) []TaskResult {
	t.Helper()
	ch, err := o.Run(context.Background(), req)
	require.NoError(t, err)
	return collect(ch, len(req.Templates))
}

// collect drains results into a slice indexed by template position.
func collect(ch <-chan TaskResult, n int) []TaskResult {
	out := make([]TaskResult, n)
	for r := range ch {
		if r.Index >= 0 && r.Index < n {
			out[r.Index] = r
		}
	}
	return out
}

func drainOrder(t *testing.T, o *Orchestrator, req RunRequest) []int {
	t.Helper()
	ch, err := o.Run(context.Background(), req)
	require.NoError(t, err)
	var order []int
	for r := range ch {
		order = append(order, r.Index)
	}
	return order
}

func sequential() Config {
	cfg := DefaultConfig()
	cfg.Concurrency = 1
	cfg.CallTimeout = time.Second
	return cfg
}

func TestOrchestrator_AllSucceed(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{name: "fake"}
	o := newTestOrchestrator(t, p, DefaultConfig())

	results := run(t, o, RunRequest{Text: "hello", Templates: testTemplates(t, "a", "b", "c")})

	require.Len(t, results, 3)
	for i, id := range []string{"a", "b", "c"} {
		assert.Equal(t, id, results[i].TemplateID)
		assert.Equal(t, i, results[i].Index)
		assert.Equal(t, domain.TaskStatusCompleted, results[i].Status)
		assert.Equal(t, "ok:"+id, results[i].Content)
		assert.Equal(t, 10, results[i].TokensUsed)
		assert.Equal(t, "fake", results[i].Provider)
	}
	assert.ElementsMatch(t, []string{"a", "b", "c"}, p.Calls())
}

func TestOrchestrator_RendersPrompt(t *testing.T) {
	t.Parallel()

	var prompt atomic.Value
	p := &fakeProvider{name: "fake", CompleteFn: func(_ context.Context, req Request) Result {
		prompt.Store(req.Prompt)
		return Success{Content: "done"}
	}}
	o := newTestOrchestrator(t, p, DefaultConfig())

	run(t, o, RunRequest{Text: "the text", Templates: testTemplates(t, "summary")})
	assert.Equal(t, "summary: the text", prompt.Load())
}

func TestOrchestrator_RetriesTransientWithBackoff(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	p := &fakeProvider{name: "fake", CompleteFn: func(context.Context, Request) Result {
		if calls.Add(1) <= 3 {
			return TransientFailure{Err: ErrTransient}
		}
		return Success{Content: "finally"}
	}}
	sleeper := &sleepRecorder{}
	o := newTestOrchestrator(t, p, sequential(), WithSleep(sleeper.Sleep))

	results := run(t, o, RunRequest{Text: "x", Templates: testTemplates(t, "a")})

	assert.Equal(t, domain.TaskStatusCompleted, results[0].Status)
	assert.Equal(t, "finally", results[0].Content)
	assert.Equal(t, int32(4), calls.Load(), "initial call plus three retries")
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}, sleeper.delays)
}

func TestOrchestrator_TransientExhausted(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{name: "fake", CompleteFn: func(context.Context, Request) Result {
		return TransientFailure{Err: errors.New("503 service unavailable")}
	}}
	sleeper := &sleepRecorder{}
	o := newTestOrchestrator(t, p, sequential(), WithSleep(sleeper.Sleep))

	results := run(t, o, RunRequest{Text: "x", Templates: testTemplates(t, "a", "b")})

	for _, r := range results {
		assert.Equal(t, domain.TaskStatusFailed, r.Status)
		assert.Contains(t, r.Error, "503 service unavailable")
		assert.False(t, r.Fatal)
	}
	assert.Len(t, p.Calls(), 8, "each template gets four calls and the job continues")
}

func TestOrchestrator_QuotaSkipsRemaining(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{name: "fake", CompleteFn: func(_ context.Context, req Request) Result {
		if req.TemplateID == "b" {
			return QuotaExceeded{Err: ErrQuotaExceeded}
		}
		return Success{Content: "ok"}
	}}
	o := newTestOrchestrator(t, p, sequential())

	results := run(t, o, RunRequest{Text: "x", Templates: testTemplates(t, "a", "b", "c", "d")})

	assert.Equal(t, domain.TaskStatusCompleted, results[0].Status)
	assert.Equal(t, domain.TaskStatusFailed, results[1].Status)
	assert.Equal(t, domain.ReasonQuotaExceeded, results[1].Error)
	assert.Equal(t, domain.TaskStatusSkippedQuota, results[2].Status)
	assert.Equal(t, domain.TaskStatusSkippedQuota, results[3].Status)
	assert.Equal(t, []string{"a", "b"}, p.Calls(), "skipped templates are never attempted")
}

func TestOrchestrator_QuotaSkipsLaterTemplatesAtDefaultConcurrency(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{name: "fake", CompleteFn: func(_ context.Context, req Request) Result {
		if req.TemplateID == "b" {
			time.Sleep(50 * time.Millisecond)
			return QuotaExceeded{Err: ErrQuotaExceeded}
		}
		return Success{Content: "ok"}
	}}
	cfg := DefaultConfig()
	cfg.CallTimeout = time.Second
	require.Equal(t, 2, cfg.Concurrency)
	o := newTestOrchestrator(t, p, cfg)

	for range 5 {
		results := run(t, o, RunRequest{Text: "x", Templates: testTemplates(t, "a", "b", "c", "d")})

		assert.Equal(t, domain.TaskStatusCompleted, results[0].Status)
		assert.Equal(t, domain.TaskStatusFailed, results[1].Status)
		assert.Equal(t, domain.ReasonQuotaExceeded, results[1].Error)
		assert.Equal(t, domain.TaskStatusSkippedQuota, results[2].Status, "c finished before b but sits after it")
		assert.Equal(t, domain.TaskStatusSkippedQuota, results[3].Status)
		assert.Empty(t, results[2].Content)
	}
}

func TestOrchestrator_EarlierTemplateKeepsOutcomeAfterLaterQuota(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{name: "fake", CompleteFn: func(_ context.Context, req Request) Result {
		if req.TemplateID == "a" {
			time.Sleep(30 * time.Millisecond)
			return Success{Content: "slow"}
		}
		return QuotaExceeded{Err: ErrQuotaExceeded}
	}}
	cfg := DefaultConfig()
	cfg.CallTimeout = time.Second
	o := newTestOrchestrator(t, p, cfg)

	results := run(t, o, RunRequest{Text: "x", Templates: testTemplates(t, "a", "b", "c")})

	assert.Equal(t, domain.TaskStatusCompleted, results[0].Status)
	assert.Equal(t, "slow", results[0].Content)
	assert.Equal(t, domain.ReasonQuotaExceeded, results[1].Error)
	assert.Equal(t, domain.TaskStatusSkippedQuota, results[2].Status)
}

func TestOrchestrator_EmitsInSubmissionOrder(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{name: "fake", CompleteFn: func(_ context.Context, req Request) Result {
		if req.TemplateID == "a" {
			time.Sleep(30 * time.Millisecond)
		}
		return Success{Content: "ok"}
	}}
	cfg := DefaultConfig()
	cfg.Concurrency = 3
	o := newTestOrchestrator(t, p, cfg)

	order := drainOrder(t, o, RunRequest{Text: "x", Templates: testTemplates(t, "a", "b", "c", "d")})

	assert.Equal(t, []int{0, 1, 2, 3}, order)
}

func TestOrchestrator_QuotaTrippedSkipsEverything(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{name: "fake"}
	o := newTestOrchestrator(t, p, DefaultConfig())

	results := run(t, o, RunRequest{Text: "x", Templates: testTemplates(t, "a", "b"), QuotaTripped: true})

	for _, r := range results {
		assert.Equal(t, domain.TaskStatusSkippedQuota, r.Status)
	}
	assert.Empty(t, p.Calls())
}

func TestOrchestrator_FatalAborts(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{name: "fake", CompleteFn: func(context.Context, Request) Result {
		return FatalFailure{Err: ErrProviderAuth}
	}}
	o := newTestOrchestrator(t, p, sequential())

	results := run(t, o, RunRequest{Text: "x", Templates: testTemplates(t, "a", "b", "c")})

	assert.True(t, results[0].Fatal)
	assert.Equal(t, domain.TaskStatusFailed, results[0].Status)
	for _, r := range results[1:] {
		assert.Equal(t, domain.TaskStatusFailed, r.Status)
		assert.Equal(t, domain.ReasonAborted, r.Error)
		assert.False(t, r.Fatal)
	}
	assert.Equal(t, []string{"a"}, p.Calls())
}

func TestOrchestrator_RejectedIsNotRetried(t *testing.T) {
	t.Parallel()

	schema := []byte(`{"type":"object","required":["points"]}`)
	tmpl, err := NewTemplate("keypoints", "{{.Text}}", schema)
	require.NoError(t, err)

	p := &fakeProvider{name: "fake", CompleteFn: func(_ context.Context, req Request) Result {
		assert.True(t, req.JSONOutput)
		return Success{Content: `{"other": 1}`}
	}}
	o := newTestOrchestrator(t, p, sequential())

	results := run(t, o, RunRequest{Text: "x", Templates: []Template{tmpl}})

	assert.Equal(t, domain.TaskStatusFailed, results[0].Status)
	assert.Contains(t, results[0].Error, ErrInvalidResponse.Error())
	assert.Len(t, p.Calls(), 1)
}

func TestOrchestrator_CallTimeoutIsTransient(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{name: "fake", CompleteFn: func(ctx context.Context, _ Request) Result {
		<-ctx.Done()
		return TransientFailure{Err: ctx.Err()}
	}}
	cfg := sequential()
	cfg.CallTimeout = 10 * time.Millisecond
	cfg.MaxRetries = 1
	sleeper := &sleepRecorder{}
	o := newTestOrchestrator(t, p, cfg, WithSleep(sleeper.Sleep))

	results := run(t, o, RunRequest{Text: "x", Templates: testTemplates(t, "a")})

	assert.Equal(t, domain.TaskStatusFailed, results[0].Status)
	assert.Contains(t, results[0].Error, "timed out")
	assert.Len(t, p.Calls(), 2)
}

func TestOrchestrator_BoundsConcurrency(t *testing.T) {
	t.Parallel()

	var inFlight, peak atomic.Int32
	p := &fakeProvider{name: "fake", CompleteFn: func(context.Context, Request) Result {
		n := inFlight.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return Success{Content: "ok"}
	}}
	cfg := DefaultConfig()
	cfg.Concurrency = 2
	o := newTestOrchestrator(t, p, cfg)

	results := run(t, o, RunRequest{Text: "x", Templates: testTemplates(t, "a", "b", "c", "d", "e", "f")})

	assert.LessOrEqual(t, peak.Load(), int32(2))
	for _, r := range results {
		assert.Equal(t, domain.TaskStatusCompleted, r.Status)
	}
}

func TestOrchestrator_UnknownProvider(t *testing.T) {
	t.Parallel()

	o := newTestOrchestrator(t, &fakeProvider{name: "fake"}, DefaultConfig())
	_, err := o.Run(context.Background(), RunRequest{Provider: "nope", Templates: testTemplates(t, "a")})
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

type limiterFunc func(ctx context.Context, key string) error

func (f limiterFunc) Wait(ctx context.Context, key string) error { return f(ctx, key) }

func TestOrchestrator_UsesLimiter(t *testing.T) {
	t.Parallel()

	var keys []string
	var mu sync.Mutex
	limiter := limiterFunc(func(_ context.Context, key string) error {
		mu.Lock()
		defer mu.Unlock()
		keys = append(keys, key)
		return nil
	})
	p := &fakeProvider{name: "fake"}
	o := newTestOrchestrator(t, p, sequential(), WithLimiter(limiter))

	run(t, o, RunRequest{Text: "x", Templates: testTemplates(t, "a", "b")})
	assert.Equal(t, []string{"fake", "fake"}, keys)
}

func TestClassify(t *testing.T) {
	t.Parallel()

	assert.IsType(t, QuotaExceeded{}, Classify(ErrQuotaExceeded))
	assert.IsType(t, FatalFailure{}, Classify(ErrProviderAuth))
	assert.IsType(t, FatalFailure{}, Classify(ErrInvalidConfig))
	assert.IsType(t, Rejected{}, Classify(ErrContentBlocked))
	assert.IsType(t, Rejected{}, Classify(ErrInvalidResponse))
	assert.IsType(t, TransientFailure{}, Classify(errors.New("connection reset")))
}

func TestTaskResult_Apply(t *testing.T) {
	t.Parallel()

	tasks, err := domain.NewPromptTasks(uuid.New(), []string{"a", "b", "c"}, "")
	require.NoError(t, err)

	TaskResult{Status: domain.TaskStatusCompleted, Content: "c", TokensUsed: 5, Provider: "fake"}.Apply(tasks[0])
	TaskResult{Status: domain.TaskStatusFailed, Error: domain.ReasonQuotaExceeded}.Apply(tasks[1])
	TaskResult{Status: domain.TaskStatusSkippedQuota}.Apply(tasks[2])

	assert.Equal(t, domain.TaskStatusCompleted, tasks[0].Status)
	assert.Equal(t, "fake", tasks[0].Provider)
	assert.True(t, tasks[1].FailedOnQuota())
	assert.Equal(t, domain.TaskStatusSkippedQuota, tasks[2].Status)
}
