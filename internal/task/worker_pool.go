package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/phrazzld/synopsis/internal/domain"
	"github.com/phrazzld/synopsis/internal/queue"
)

// Handler processes delivered envelopes. Pipeline implements it.
type Handler interface {
	// Process returns nil when the delivery can be acknowledged and an error
	// when it should be retried.
	Process(ctx context.Context, env queue.Envelope) error

	// Abandon marks the job failed once its deliveries are exhausted.
	Abandon(ctx context.Context, env queue.Envelope, cause error) error
}

// WorkerPoolConfig holds configuration options for the worker pool
type WorkerPoolConfig struct {
	// WorkerCount determines how many concurrent worker goroutines to start
	// If zero or negative, defaults to 1
	WorkerCount int

	// Visibility is the queue lease duration. Workers extend the lease every
	// Visibility/2 while a job runs.
	Visibility time.Duration

	// PollInterval is how long an idle worker waits before polling again.
	PollInterval time.Duration

	// ReapInterval is how often expired leases and delayed envelopes are
	// returned to the ready list.
	ReapInterval time.Duration

	// MaxAttempts bounds deliveries per envelope.
	MaxAttempts int

	// RetryBaseDelay is the nack delay after the first failed delivery;
	// delivery n waits RetryBaseDelay × 2^(n−1).
	RetryBaseDelay time.Duration
}

// DefaultWorkerPoolConfig returns a WorkerPoolConfig with reasonable defaults
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		WorkerCount:    3,
		Visibility:     5 * time.Minute,
		PollInterval:   500 * time.Millisecond,
		ReapInterval:   5 * time.Second,
		MaxAttempts:    domain.MaxAttempts,
		RetryBaseDelay: 5 * time.Second,
	}
}

// WorkerPool runs a fixed number of workers against a queue, plus a reaper
// that returns expired leases to circulation.
type WorkerPool struct {
	queue   queue.Queue
	handler Handler
	config  WorkerPoolConfig
	metrics Recorder
	logger  *slog.Logger

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewWorkerPool creates a new worker pool with the specified configuration
func NewWorkerPool(q queue.Queue, handler Handler, config WorkerPoolConfig, metrics Recorder, logger *slog.Logger) *WorkerPool {
	defaults := DefaultWorkerPoolConfig()
	if config.WorkerCount <= 0 {
		logger.Warn("invalid worker count specified, using default",
			"specified_count", config.WorkerCount,
			"default_count", 1)
		config.WorkerCount = 1
	}
	if config.Visibility <= 0 {
		config.Visibility = defaults.Visibility
	}
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.ReapInterval <= 0 {
		config.ReapInterval = defaults.ReapInterval
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	if config.RetryBaseDelay <= 0 {
		config.RetryBaseDelay = defaults.RetryBaseDelay
	}
	if metrics == nil {
		metrics = nopRecorder{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &WorkerPool{
		queue:   q,
		handler: handler,
		config:  config,
		metrics: metrics,
		logger:  logger.With("component", "worker_pool"),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches the workers and the reaper.
func (p *WorkerPool) Start() {
	p.logger.Info("starting worker pool",
		"workers", p.config.WorkerCount,
		"visibility", p.config.Visibility,
		"max_attempts", p.config.MaxAttempts)

	for i := 0; i < p.config.WorkerCount; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	p.wg.Add(1)
	go p.reaper()
}

// Stop signals the workers and waits for them. A job in progress is
// interrupted; its lease expires or it is nacked, and it resumes elsewhere.
func (p *WorkerPool) Stop() {
	p.cancel()
	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}

func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()

	log := p.logger.With("worker_id", id)
	log.Debug("starting worker")

	for {
		if p.ctx.Err() != nil {
			log.Debug("stopping worker")
			return
		}

		d, err := p.queue.Dequeue(p.ctx)
		if err != nil {
			if p.ctx.Err() == nil {
				log.Error("dequeue failed", "error", err)
			}
			p.idle()
			continue
		}
		if d == nil {
			p.idle()
			continue
		}

		p.handle(log, d)
	}
}

func (p *WorkerPool) idle() {
	timer := time.NewTimer(p.config.PollInterval)
	defer timer.Stop()
	select {
	case <-p.ctx.Done():
	case <-timer.C:
	}
}

// handle processes one delivery and settles it with the queue.
func (p *WorkerPool) handle(log *slog.Logger, d *queue.Delivery) {
	log = log.With("job_id", d.Envelope.JobID, "queue_id", d.QueueID, "attempt", d.Attempt)

	// Leases that expired repeatedly (crashed workers) also count.
	if d.Attempt > p.config.MaxAttempts {
		p.exhaust(log, d, fmt.Errorf("delivered %d times", d.Attempt))
		return
	}

	p.metrics.WorkerBusy(1)
	defer p.metrics.WorkerBusy(-1)

	hbCtx, stopHeartbeat := context.WithCancel(p.ctx)
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		p.heartbeat(hbCtx, log, d)
	}()

	log.Info("processing job")
	start := time.Now()
	err := p.process(d)

	stopHeartbeat()
	<-hbDone

	// Settle with a fresh context so shutdown does not strand the lease.
	settleCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err == nil {
		ackErr := p.queue.Ack(settleCtx, d)
		switch {
		case errors.Is(ackErr, queue.ErrLeaseLost):
			log.Warn("lease lost before ack; another worker owns the delivery")
			return
		case ackErr != nil:
			log.Error("failed to ack delivery", "error", ackErr)
			return
		}
		log.Info("delivery acknowledged", "duration_ms", time.Since(start).Milliseconds())
		return
	}

	if p.ctx.Err() != nil {
		log.Warn("job interrupted by shutdown", "error", err)
		if nackErr := p.queue.Nack(settleCtx, d, 0); nackErr != nil {
			log.Error("failed to release delivery", "error", nackErr)
		}
		return
	}

	if d.Attempt >= p.config.MaxAttempts {
		p.exhaust(log, d, err)
		return
	}

	delay := domain.RetryDelay(p.config.RetryBaseDelay, d.Attempt)
	log.Error("job failed with infrastructure error, will retry",
		"error", err,
		"retry_in_ms", delay.Milliseconds())
	if nackErr := p.queue.Nack(settleCtx, d, delay); nackErr != nil {
		log.Error("failed to nack delivery", "error", nackErr)
		return
	}
	p.metrics.DeliveryRetried()
}

// process calls the handler, turning a panic into an error.
func (p *WorkerPool) process(d *queue.Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("panic while processing job",
				"job_id", d.Envelope.JobID,
				"panic", r,
				"stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return p.handler.Process(p.ctx, d.Envelope)
}

// exhaust parks the delivery and fails its job.
func (p *WorkerPool) exhaust(log *slog.Logger, d *queue.Delivery, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	log.Error("delivery attempts exhausted", "error", cause)
	if err := p.handler.Abandon(ctx, d.Envelope, cause); err != nil {
		log.Error("failed to mark job failed", "error", err)
	}
	if err := p.queue.DeadLetter(ctx, d, cause.Error()); err != nil {
		log.Error("failed to dead-letter delivery", "error", err)
		return
	}
	p.metrics.DeadLettered()
}

// heartbeat extends the lease every Visibility/2 until ctx is done.
func (p *WorkerPool) heartbeat(ctx context.Context, log *slog.Logger, d *queue.Delivery) {
	ticker := time.NewTicker(p.config.Visibility / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := p.queue.Extend(ctx, d, p.config.Visibility)
			switch {
			case err == nil:
				log.Debug("lease extended")
			case errors.Is(err, queue.ErrLeaseLost):
				log.Warn("lease lost while processing; job may be redelivered")
				return
			case ctx.Err() == nil:
				log.Error("failed to extend lease", "error", err)
			}
		}
	}
}

// reaper periodically returns expired leases and due retries to the ready
// list.
func (p *WorkerPool) reaper() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.reap(p.ctx, time.Now())
		}
	}
}

func (p *WorkerPool) reap(ctx context.Context, now time.Time) {
	moved, err := p.queue.Requeue(ctx, now)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Error("failed to requeue expired deliveries", "error", err)
		}
		return
	}
	if moved > 0 {
		p.logger.Info("requeued deliveries", "count", moved)
	}

	stats, err := p.queue.Depth(ctx)
	if err != nil {
		p.logger.Warn("failed to read queue depth", "error", err)
		return
	}
	p.metrics.ObserveQueue(stats)
}
