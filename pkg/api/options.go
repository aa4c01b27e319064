package api

import (
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validator returns the shared validator so other packages validate their
// configs with the same rules.
func Validator() *validator.Validate {
	return validate
}

// DefaultTaskQueue is used when no task queue is named.
const DefaultTaskQueue = "default"

// Default activity timeouts.
const (
	DefaultScheduleToStartTimeout = 60 * time.Second
	DefaultStartToCloseTimeout    = 300 * time.Second
	DefaultHeartbeatTimeout       = 30 * time.Second
)

// ActivityOptions configures one ExecuteActivity call. A zero timeout is
// unset. Heartbeat timeouts are only enforced when set.
type ActivityOptions struct {
	ActivityID             ActivityID    `json:"activity_id,omitempty"`
	TaskQueue              string        `json:"task_queue,omitempty"`
	ScheduleToStartTimeout time.Duration `json:"schedule_to_start_timeout,omitempty" validate:"gte=0"`
	StartToCloseTimeout    time.Duration `json:"start_to_close_timeout,omitempty" validate:"gte=0"`
	ScheduleToCloseTimeout time.Duration `json:"schedule_to_close_timeout,omitempty" validate:"gte=0"`
	HeartbeatTimeout       time.Duration `json:"heartbeat_timeout,omitempty" validate:"gte=0"`
	RetryPolicy            *RetryPolicy  `json:"retry_policy,omitempty" validate:"-"`
}

// DefaultActivityOptions returns the stock timeouts and retry policy.
func DefaultActivityOptions() ActivityOptions {
	return ActivityOptions{
		ScheduleToStartTimeout: DefaultScheduleToStartTimeout,
		StartToCloseTimeout:    DefaultStartToCloseTimeout,
		HeartbeatTimeout:       DefaultHeartbeatTimeout,
		RetryPolicy:            DefaultRetryPolicy(),
	}
}

// WithDefaults fills the task queue, a start-to-close bound when no
// per-attempt or overall bound is given, and the retry policy.
func (o ActivityOptions) WithDefaults(taskQueue string) ActivityOptions {
	if o.TaskQueue == "" {
		o.TaskQueue = taskQueue
	}
	if o.StartToCloseTimeout == 0 && o.ScheduleToCloseTimeout == 0 {
		o.StartToCloseTimeout = DefaultStartToCloseTimeout
	}
	if o.RetryPolicy == nil {
		o.RetryPolicy = DefaultRetryPolicy()
	} else {
		p := o.RetryPolicy.WithDefaults()
		o.RetryPolicy = &p
	}
	return o
}

// Validate rejects negative timeouts and invalid retry policies.
func (o ActivityOptions) Validate() error {
	if err := validate.Struct(o); err != nil {
		return NewWorkflowError(WorkflowErrInvalidInput, "activity options: "+err.Error(), err)
	}
	if o.RetryPolicy != nil {
		return o.RetryPolicy.Validate()
	}
	return nil
}

// StartOptions configures StartWorkflow.
type StartOptions struct {
	// WorkflowID is generated when empty.
	WorkflowID WorkflowID `json:"workflow_id,omitempty"`
	TaskQueue  string     `json:"task_queue,omitempty"`

	// ExecutionTimeout bounds the run's total duration. When it elapses the
	// run is closed with StatusTimeout.
	ExecutionTimeout time.Duration `json:"execution_timeout,omitempty" validate:"gte=0"`
	// RunTimeout is accepted for compatibility and caps ExecutionTimeout for
	// a single run.
	RunTimeout time.Duration `json:"run_timeout,omitempty" validate:"gte=0"`
	// TaskTimeout bounds one workflow task. Defaults to 10s.
	TaskTimeout time.Duration `json:"task_timeout,omitempty" validate:"gte=0"`

	// CronSchedule, when set, starts a new run at the schedule's next
	// activation each time a run closes.
	CronSchedule string `json:"cron_schedule,omitempty"`
}

// DefaultWorkflowTaskTimeout bounds a single replay of workflow code.
const DefaultWorkflowTaskTimeout = 10 * time.Second

// WithDefaults fills the task queue and task timeout.
func (o StartOptions) WithDefaults() StartOptions {
	if o.TaskQueue == "" {
		o.TaskQueue = DefaultTaskQueue
	}
	if o.TaskTimeout == 0 {
		o.TaskTimeout = DefaultWorkflowTaskTimeout
	}
	if o.RunTimeout > 0 && (o.ExecutionTimeout == 0 || o.RunTimeout < o.ExecutionTimeout) {
		o.ExecutionTimeout = o.RunTimeout
	}
	return o
}

func (o StartOptions) Validate() error {
	if err := validate.Struct(o); err != nil {
		return NewWorkflowError(WorkflowErrInvalidInput, "start options: "+err.Error(), err)
	}
	return nil
}

// ChildWorkflowOptions configures ExecuteChildWorkflow. An empty
// WorkflowID derives one from the parent.
type ChildWorkflowOptions struct {
	WorkflowID       WorkflowID    `json:"workflow_id,omitempty"`
	TaskQueue        string        `json:"task_queue,omitempty"`
	ExecutionTimeout time.Duration `json:"execution_timeout,omitempty" validate:"gte=0"`
}
