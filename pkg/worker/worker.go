package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/utils/clock"

	"github.com/petrijr/durable/internal/engine"
	"github.com/petrijr/durable/internal/taskqueue"
	"github.com/petrijr/durable/pkg/api"
)

const (
	defaultMaxConcurrentTasks = 100
	defaultMaxTaskAttempts    = 5
	defaultTaskRetryBackoff   = time.Second
	defaultLeaseTTL           = 30 * time.Second

	// dequeueErrorPause throttles pollers while the queue backend is failing.
	dequeueErrorPause = 500 * time.Millisecond
)

// TaskProcessor executes one dequeued task. *engine.Engine implements it.
type TaskProcessor interface {
	ProcessTask(ctx context.Context, task *taskqueue.Task) error
}

// Config controls how a Worker polls and retries tasks.
type Config struct {
	// TaskQueue is the queue whose workflow and activity lanes are polled.
	TaskQueue string

	// MaxConcurrentWorkflowTasks and MaxConcurrentActivityTasks bound the
	// tasks of each kind in flight. A slot is taken before dequeuing, so
	// work beyond capacity stays in the queue.
	MaxConcurrentWorkflowTasks int `validate:"gte=0"`
	MaxConcurrentActivityTasks int `validate:"gte=0"`

	// Identity names this worker in logs and, through the engine, in leases
	// and ActivityTaskStarted events.
	Identity string

	// MaxTaskAttempts is how many times a failing task is delivered before
	// it is dropped.
	MaxTaskAttempts int `validate:"gte=0"`

	// TaskRetryBackoff is the delay before redelivering a failed task. It
	// doubles with every further failure.
	TaskRetryBackoff time.Duration `validate:"gte=0"`

	// LeaseTTL is the execution lease the engine takes for this worker.
	LeaseTTL time.Duration `validate:"gte=0"`

	// Clock schedules redeliveries. It should match the queue's clock.
	Clock clock.PassiveClock

	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.TaskQueue == "" {
		c.TaskQueue = api.DefaultTaskQueue
	}
	if c.MaxConcurrentWorkflowTasks == 0 {
		c.MaxConcurrentWorkflowTasks = defaultMaxConcurrentTasks
	}
	if c.MaxConcurrentActivityTasks == 0 {
		c.MaxConcurrentActivityTasks = defaultMaxConcurrentTasks
	}
	if c.Identity == "" {
		c.Identity = engine.DefaultIdentity()
	}
	if c.MaxTaskAttempts == 0 {
		c.MaxTaskAttempts = defaultMaxTaskAttempts
	}
	if c.TaskRetryBackoff == 0 {
		c.TaskRetryBackoff = defaultTaskRetryBackoff
	}
	if c.LeaseTTL == 0 {
		c.LeaseTTL = defaultLeaseTTL
	}
	if c.Clock == nil {
		c.Clock = clock.RealClock{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Stats counts what a worker has done since it was created.
type Stats struct {
	Processed int64 `json:"processed"`
	Failed    int64 `json:"failed"`
	Dropped   int64 `json:"dropped"`
	InFlight  int64 `json:"in_flight"`
}

// Worker pulls tasks from a Queue and executes them with a TaskProcessor.
type Worker struct {
	cfg       Config
	processor TaskProcessor
	queue     taskqueue.Queue
	logger    *slog.Logger

	workflowSlots chan struct{}
	activitySlots chan struct{}

	processed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
	inFlight  atomic.Int64

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Worker. Zero config fields take their defaults.
func New(processor TaskProcessor, queue taskqueue.Queue, cfg Config) (*Worker, error) {
	if processor == nil || queue == nil {
		return nil, errors.New("worker: processor and queue are required")
	}
	if err := api.Validator().Struct(cfg); err != nil {
		return nil, fmt.Errorf("worker config: %w", err)
	}
	cfg = cfg.withDefaults()

	return &Worker{
		cfg:           cfg,
		processor:     processor,
		queue:         queue,
		logger:        cfg.Logger.With(slog.String("worker", cfg.Identity), slog.String("task_queue", cfg.TaskQueue)),
		workflowSlots: make(chan struct{}, cfg.MaxConcurrentWorkflowTasks),
		activitySlots: make(chan struct{}, cfg.MaxConcurrentActivityTasks),
	}, nil
}

// Config returns the effective configuration.
func (w *Worker) Config() Config { return w.cfg }

func (w *Worker) Stats() Stats {
	return Stats{
		Processed: w.processed.Load(),
		Failed:    w.failed.Load(),
		Dropped:   w.dropped.Load(),
		InFlight:  w.inFlight.Load(),
	}
}

// Run polls both lanes until ctx is cancelled, then waits for in-flight
// tasks to return.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker_started",
		slog.Int("max_workflow_tasks", w.cfg.MaxConcurrentWorkflowTasks),
		slog.Int("max_activity_tasks", w.cfg.MaxConcurrentActivityTasks),
	)

	var inflight, pollers sync.WaitGroup
	pollers.Add(2)
	go func() {
		defer pollers.Done()
		w.poll(ctx, taskqueue.WorkflowLane(w.cfg.TaskQueue), w.workflowSlots, &inflight)
	}()
	go func() {
		defer pollers.Done()
		w.poll(ctx, taskqueue.ActivityLane(w.cfg.TaskQueue), w.activitySlots, &inflight)
	}()

	pollers.Wait()
	inflight.Wait()
	w.logger.Info("worker_stopped")
	return nil
}

func (w *Worker) poll(ctx context.Context, lane string, slots chan struct{}, inflight *sync.WaitGroup) {
	for {
		select {
		case slots <- struct{}{}:
		case <-ctx.Done():
			return
		}

		task, err := w.queue.Dequeue(ctx, lane)
		if err != nil {
			<-slots
			if ctx.Err() != nil || errors.Is(err, taskqueue.ErrQueueClosed) {
				return
			}
			w.logger.Warn("dequeue_failed", slog.String("lane", lane), slog.Any("error", err))
			if !sleep(ctx, dequeueErrorPause) {
				return
			}
			continue
		}

		inflight.Add(1)
		go func() {
			defer inflight.Done()
			defer func() { <-slots }()
			w.handle(ctx, task)
		}()
	}
}

// ProcessOne dequeues and handles a single task from lane, blocking until
// one is available. It reports whether a task was handled and the error
// that task failed with.
func (w *Worker) ProcessOne(ctx context.Context, lane string) (bool, error) {
	task, err := w.queue.Dequeue(ctx, lane)
	if err != nil {
		return false, err
	}
	return true, w.handle(ctx, task)
}

func (w *Worker) handle(ctx context.Context, task *taskqueue.Task) error {
	w.inFlight.Add(1)
	defer w.inFlight.Add(-1)

	err := w.processor.ProcessTask(ctx, task)
	if err == nil {
		w.processed.Add(1)
		return nil
	}

	attrs := []any{
		slog.String("task_id", task.ID),
		slog.String("kind", string(task.Kind)),
		slog.String("workflow_id", task.Execution.WorkflowID),
		slog.String("run_id", task.Execution.RunID),
	}

	// Neither shutdown nor a busy execution is the task's fault.
	switch {
	case ctx.Err() != nil:
		w.redeliver(context.WithoutCancel(ctx), task, 0, attrs)
		return err
	case errors.Is(err, engine.ErrExecutionBusy):
		w.redeliver(ctx, task, w.cfg.TaskRetryBackoff, attrs)
		return err
	}

	w.failed.Add(1)
	task.Attempts++
	if task.Attempts >= w.cfg.MaxTaskAttempts {
		w.dropped.Add(1)
		w.logger.Error("task_dropped", append(attrs, slog.Int("attempts", task.Attempts), slog.Any("error", err))...)
		return err
	}

	delay := w.cfg.TaskRetryBackoff << (task.Attempts - 1)
	w.logger.Warn("task_failed", append(attrs,
		slog.Int("attempts", task.Attempts),
		slog.Duration("retry_in", delay),
		slog.Any("error", err),
	)...)
	w.redeliver(ctx, task, delay, attrs)
	return err
}

func (w *Worker) redeliver(ctx context.Context, task *taskqueue.Task, delay time.Duration, attrs []any) {
	next := *task
	next.ID = ""
	next.NotBefore = w.cfg.Clock.Now().Add(delay)
	if err := w.queue.Enqueue(ctx, next); err != nil {
		w.dropped.Add(1)
		w.logger.Error("task_redelivery_failed", append(attrs, slog.Any("error", err))...)
	}
}

// Start runs the worker in the background until Stop is called.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	w.cancel, w.done = cancel, done
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
}

// Stop cancels a worker started with Start and waits for it to drain.
func (w *Worker) Stop() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel, w.done = nil, nil
	w.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
