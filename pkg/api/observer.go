package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Observer receives callbacks from the engine and workers for logging and
// metrics. It is the injected metrics sink: nothing in the engine records
// metrics through global state.
//
// Implementations should be fast and non-blocking; heavy work should be done
// asynchronously so as not to delay workflow execution.
type Observer interface {
	// OnWorkflowStart is called once when a run's start event is persisted.
	OnWorkflowStart(ctx context.Context, snap *Snapshot)

	// OnWorkflowCompleted is called when a run reaches StatusCompleted.
	OnWorkflowCompleted(ctx context.Context, snap *Snapshot)

	// OnWorkflowFailed is called when a run closes as Failed, Timeout or
	// Cancelled. snap.Failure carries the reason.
	OnWorkflowFailed(ctx context.Context, snap *Snapshot)

	// OnWorkflowTask is called after each workflow task with the number of
	// new events it appended.
	OnWorkflowTask(ctx context.Context, exec WorkflowExecution, workflowType string, newEvents int, err error, d time.Duration)

	// OnActivityStart is called before an activity attempt runs.
	OnActivityStart(ctx context.Context, info ActivityInfo)

	// OnActivityCompleted is called after an attempt returns, for both
	// successes and failures (err != nil).
	OnActivityCompleted(ctx context.Context, info ActivityInfo, err error, d time.Duration)

	// OnActivityRetry is called when a failed attempt is scheduled again.
	OnActivityRetry(ctx context.Context, info ActivityInfo, delay time.Duration, err error)

	// OnEventsAppended is called after events are durably appended.
	OnEventsAppended(ctx context.Context, exec WorkflowExecution, events []WorkflowEvent)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnWorkflowStart(ctx context.Context, snap *Snapshot)     {}
func (NoopObserver) OnWorkflowCompleted(ctx context.Context, snap *Snapshot) {}
func (NoopObserver) OnWorkflowFailed(ctx context.Context, snap *Snapshot)    {}
func (NoopObserver) OnWorkflowTask(ctx context.Context, exec WorkflowExecution, workflowType string, n int, err error, d time.Duration) {
}
func (NoopObserver) OnActivityStart(ctx context.Context, info ActivityInfo) {}
func (NoopObserver) OnActivityCompleted(ctx context.Context, info ActivityInfo, err error, d time.Duration) {
}
func (NoopObserver) OnActivityRetry(ctx context.Context, info ActivityInfo, delay time.Duration, err error) {
}
func (NoopObserver) OnEventsAppended(ctx context.Context, exec WorkflowExecution, events []WorkflowEvent) {
}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnWorkflowStart(ctx context.Context, snap *Snapshot) {
	for _, o := range c.observers {
		o.OnWorkflowStart(ctx, snap)
	}
}

func (c *CompositeObserver) OnWorkflowCompleted(ctx context.Context, snap *Snapshot) {
	for _, o := range c.observers {
		o.OnWorkflowCompleted(ctx, snap)
	}
}

func (c *CompositeObserver) OnWorkflowFailed(ctx context.Context, snap *Snapshot) {
	for _, o := range c.observers {
		o.OnWorkflowFailed(ctx, snap)
	}
}

func (c *CompositeObserver) OnWorkflowTask(ctx context.Context, exec WorkflowExecution, workflowType string, n int, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnWorkflowTask(ctx, exec, workflowType, n, err, d)
	}
}

func (c *CompositeObserver) OnActivityStart(ctx context.Context, info ActivityInfo) {
	for _, o := range c.observers {
		o.OnActivityStart(ctx, info)
	}
}

func (c *CompositeObserver) OnActivityCompleted(ctx context.Context, info ActivityInfo, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnActivityCompleted(ctx, info, err, d)
	}
}

func (c *CompositeObserver) OnActivityRetry(ctx context.Context, info ActivityInfo, delay time.Duration, err error) {
	for _, o := range c.observers {
		o.OnActivityRetry(ctx, info, delay, err)
	}
}

func (c *CompositeObserver) OnEventsAppended(ctx context.Context, exec WorkflowExecution, events []WorkflowEvent) {
	for _, o := range c.observers {
		o.OnEventsAppended(ctx, exec, events)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs workflow and activity
// lifecycle events using the provided slog.Logger. If logger is nil,
// slog.Default() is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnWorkflowStart(ctx context.Context, snap *Snapshot) {
	o.Logger.InfoContext(ctx, "workflow_start",
		slog.String("workflow", snap.WorkflowType),
		slog.String("workflow_id", snap.Execution.WorkflowID),
		slog.String("run_id", snap.Execution.RunID),
	)
}

func (o *LoggingObserver) OnWorkflowCompleted(ctx context.Context, snap *Snapshot) {
	o.Logger.InfoContext(ctx, "workflow_completed",
		slog.String("workflow", snap.WorkflowType),
		slog.String("workflow_id", snap.Execution.WorkflowID),
		slog.String("run_id", snap.Execution.RunID),
	)
}

func (o *LoggingObserver) OnWorkflowFailed(ctx context.Context, snap *Snapshot) {
	reason := ""
	if snap.Failure != nil {
		reason = snap.Failure.Message
	}
	o.Logger.ErrorContext(ctx, "workflow_failed",
		slog.String("workflow", snap.WorkflowType),
		slog.String("workflow_id", snap.Execution.WorkflowID),
		slog.String("run_id", snap.Execution.RunID),
		slog.String("status", string(snap.Status)),
		slog.String("reason", reason),
	)
}

func (o *LoggingObserver) OnWorkflowTask(ctx context.Context, exec WorkflowExecution, workflowType string, n int, err error, d time.Duration) {
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelError
	}
	o.Logger.Log(ctx, level, "workflow_task",
		slog.String("workflow", workflowType),
		slog.String("workflow_id", exec.WorkflowID),
		slog.String("run_id", exec.RunID),
		slog.Int("new_events", n),
		slog.Duration("duration", d),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnActivityStart(ctx context.Context, info ActivityInfo) {
	o.Logger.DebugContext(ctx, "activity_start",
		slog.String("activity", info.ActivityType),
		slog.String("activity_id", info.ActivityID),
		slog.String("workflow_id", info.Execution.WorkflowID),
		slog.Int("attempt", info.Attempt),
	)
}

func (o *LoggingObserver) OnActivityCompleted(ctx context.Context, info ActivityInfo, err error, d time.Duration) {
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelWarn
	}
	o.Logger.Log(ctx, level, "activity_completed",
		slog.String("activity", info.ActivityType),
		slog.String("activity_id", info.ActivityID),
		slog.String("workflow_id", info.Execution.WorkflowID),
		slog.Int("attempt", info.Attempt),
		slog.Duration("duration", d),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnActivityRetry(ctx context.Context, info ActivityInfo, delay time.Duration, err error) {
	o.Logger.InfoContext(ctx, "activity_retry",
		slog.String("activity", info.ActivityType),
		slog.String("activity_id", info.ActivityID),
		slog.String("workflow_id", info.Execution.WorkflowID),
		slog.Int("attempt", info.Attempt),
		slog.Duration("delay", delay),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnEventsAppended(ctx context.Context, exec WorkflowExecution, events []WorkflowEvent) {
	for _, ev := range events {
		o.Logger.DebugContext(ctx, "history_event",
			slog.String("workflow_id", exec.WorkflowID),
			slog.String("run_id", exec.RunID),
			slog.Uint64("event_id", uint64(ev.ID)),
			slog.String("type", string(ev.Type)),
		)
	}
}

// BasicMetrics collects simple counters and aggregate activity durations.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	workflowsStarted    atomic.Int64
	workflowsCompleted  atomic.Int64
	workflowsFailed     atomic.Int64
	workflowTasks       atomic.Int64
	activitiesCompleted atomic.Int64
	activitiesFailed    atomic.Int64
	activityRetries     atomic.Int64
	totalActivityTime   atomic.Int64 // nanoseconds
	eventsAppended      atomic.Int64
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	WorkflowsStarted   int64 `json:"workflows_started"`
	WorkflowsCompleted int64 `json:"workflows_completed"`
	WorkflowsFailed    int64 `json:"workflows_failed"`
	RunningWorkflows   int64 `json:"running_workflows"`
	WorkflowTasks      int64 `json:"workflow_tasks"`

	ActivitiesCompleted int64         `json:"activities_completed"`
	ActivitiesFailed    int64         `json:"activities_failed"`
	ActivityRetries     int64         `json:"activity_retries"`
	AvgActivityDuration time.Duration `json:"avg_activity_duration"`

	EventsAppended int64 `json:"events_appended"`
}

func (m *BasicMetrics) OnWorkflowStart(ctx context.Context, snap *Snapshot) {
	m.workflowsStarted.Add(1)
}

func (m *BasicMetrics) OnWorkflowCompleted(ctx context.Context, snap *Snapshot) {
	m.workflowsCompleted.Add(1)
}

func (m *BasicMetrics) OnWorkflowFailed(ctx context.Context, snap *Snapshot) {
	m.workflowsFailed.Add(1)
}

func (m *BasicMetrics) OnWorkflowTask(ctx context.Context, exec WorkflowExecution, workflowType string, n int, err error, d time.Duration) {
	m.workflowTasks.Add(1)
}

func (m *BasicMetrics) OnActivityCompleted(ctx context.Context, info ActivityInfo, err error, d time.Duration) {
	// Only successful attempts count towards the average duration.
	if err != nil {
		m.activitiesFailed.Add(1)
		return
	}
	m.activitiesCompleted.Add(1)
	m.totalActivityTime.Add(d.Nanoseconds())
}

func (m *BasicMetrics) OnActivityRetry(ctx context.Context, info ActivityInfo, delay time.Duration, err error) {
	m.activityRetries.Add(1)
}

func (m *BasicMetrics) OnEventsAppended(ctx context.Context, exec WorkflowExecution, events []WorkflowEvent) {
	m.eventsAppended.Add(int64(len(events)))
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	started := m.workflowsStarted.Load()
	completed := m.workflowsCompleted.Load()
	failed := m.workflowsFailed.Load()
	acts := m.activitiesCompleted.Load()
	totalNs := m.totalActivityTime.Load()

	var avg time.Duration
	if acts > 0 {
		avg = time.Duration(totalNs / acts)
	}

	return BasicMetricsSnapshot{
		WorkflowsStarted:    started,
		WorkflowsCompleted:  completed,
		WorkflowsFailed:     failed,
		RunningWorkflows:    started - completed - failed,
		WorkflowTasks:       m.workflowTasks.Load(),
		ActivitiesCompleted: acts,
		ActivitiesFailed:    m.activitiesFailed.Load(),
		ActivityRetries:     m.activityRetries.Load(),
		AvgActivityDuration: avg,
		EventsAppended:      m.eventsAppended.Load(),
	}
}
