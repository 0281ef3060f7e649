// Package worker runs the fixed-size pool that drains the task store and
// dispatches tasks to workflow handlers by task_type.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/patelmm79/dev-nexus/internal/taskstore"
)

// Handler processes one dequeued task and is responsible for writing its
// terminal status. The pool's failed-update fallback is defense in depth.
type Handler func(ctx context.Context, task *taskstore.Task) error

// Config holds the pool dependencies.
type Config struct {
	Store        taskstore.Store
	Logger       *slog.Logger
	Tracer       trace.Tracer
	Count        int           // number of workers; defaults to 2
	PollInterval time.Duration // idle sleep; defaults to 5s

	// RecoverStale requeues processing tasks older than the grace threshold
	// at startup. Off by default: redelivery of an in-flight task is a policy
	// decision, not a default.
	RecoverStale bool
	StaleGrace   time.Duration
}

// Pool is a set of cooperative worker loops over the task store.
type Pool struct {
	store    taskstore.Store
	logger   *slog.Logger
	tracer   trace.Tracer
	count    int
	poll     time.Duration
	handlers map[string]Handler

	recoverStale bool
	staleGrace   time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewPool(cfg Config) *Pool {
	count := cfg.Count
	if count <= 0 {
		count = 2
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 5 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer("worker")
	}
	grace := cfg.StaleGrace
	if grace < 10*time.Minute {
		grace = 10 * time.Minute
	}
	return &Pool{
		store:        cfg.Store,
		logger:       logger,
		tracer:       tracer,
		count:        count,
		poll:         poll,
		handlers:     make(map[string]Handler),
		recoverStale: cfg.RecoverStale,
		staleGrace:   grace,
	}
}

// Register binds a handler to a task_type. Must be called before Start.
func (p *Pool) Register(taskType string, h Handler) {
	p.handlers[taskType] = h
}

// Start launches the worker loops. They stop at the next loop boundary when
// the context is cancelled or Stop is called.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	if p.recoverStale {
		cutoff := time.Now().UTC().Add(-p.staleGrace)
		if n, err := p.store.RecoverStale(ctx, cutoff); err != nil {
			p.logger.Error("stale-task recovery failed", "error", err)
		} else if n > 0 {
			p.logger.Info("stale-task recovery requeued tasks", "count", n)
		}
	}

	for i := 0; i < p.count; i++ {
		workerID := fmt.Sprintf("worker-%d-%s", i, uuid.NewString()[:8])
		p.wg.Add(1)
		go p.run(ctx, workerID)
	}
	p.logger.Info("worker pool started", "workers", p.count, "poll_interval", p.poll)
}

// Stop cancels the loops and waits for in-flight handlers to return.
// In-flight tasks are not rolled back.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}

func (p *Pool) run(ctx context.Context, workerID string) {
	defer p.wg.Done()
	log := p.logger.With("worker_id", workerID)

	for {
		if ctx.Err() != nil {
			return
		}

		task, err := p.store.Dequeue(ctx, workerID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("dequeue failed", "error", err)
			if !p.sleep(ctx) {
				return
			}
			continue
		}
		if task == nil {
			if !p.sleep(ctx) {
				return
			}
			continue
		}

		p.process(ctx, log, workerID, task)
	}
}

// process dispatches one task. Handler errors and panics are contained here;
// the worker keeps running.
func (p *Pool) process(ctx context.Context, log *slog.Logger, workerID string, task *taskstore.Task) {
	log = log.With("task_id", task.TaskID, "task_type", task.TaskType, "repository", task.Repository)

	handler, ok := p.handlers[task.TaskType]
	if !ok {
		msg := fmt.Sprintf("unknown task_type: %s", task.TaskType)
		log.Error("no handler for task type")
		if err := p.store.Update(ctx, task.TaskID, taskstore.StatusFailed, nil, msg); err != nil {
			log.Error("failed-state update failed", "error", err)
		}
		return
	}

	spanCtx, span := p.tracer.Start(ctx, "worker.process",
		trace.WithAttributes(
			attribute.String("task.id", task.TaskID),
			attribute.String("task.type", task.TaskType),
			attribute.String("task.repository", task.Repository),
			attribute.String("worker.id", workerID),
		),
	)
	err := p.safeHandle(spanCtx, handler, task)
	span.End()

	if err != nil {
		log.Error("handler failed", "error", err)
		p.ensureFailed(ctx, log, task.TaskID, err)
		if !p.sleep(ctx) {
			return
		}
	}
}

// safeHandle converts handler panics into errors.
func (p *Pool) safeHandle(ctx context.Context, handler Handler, task *taskstore.Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, task)
}

// ensureFailed writes the failed state if the handler did not reach its own
// terminal write.
func (p *Pool) ensureFailed(ctx context.Context, log *slog.Logger, taskID string, cause error) {
	current, err := p.store.Get(ctx, taskID)
	if err != nil {
		log.Error("post-failure task read failed", "error", err)
		return
	}
	if current == nil || current.Status.Terminal() {
		return
	}
	if err := p.store.Update(ctx, taskID, taskstore.StatusFailed, nil, cause.Error()); err != nil {
		log.Error("fallback failed-state update failed", "error", err)
	}
}

// sleep waits one poll interval; returns false when the context ended.
func (p *Pool) sleep(ctx context.Context) bool {
	timer := time.NewTimer(p.poll)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
