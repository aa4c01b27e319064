package api

// WorkflowFunc is a strongly typed workflow function.
type WorkflowFunc[In, Out any] func(ctx WorkflowContext, in In) (Out, error)

// ActivityFunc is a strongly typed activity function.
type ActivityFunc[In, Out any] func(ctx ActivityContext, in In) (Out, error)

type typedWorkflow[In, Out any] struct {
	name    string
	fn      WorkflowFunc[In, Out]
	signals []string
}

// NewWorkflow adapts a typed function to the Workflow registry interface.
// signals declares the signal names the workflow accepts.
func NewWorkflow[In, Out any](name string, fn WorkflowFunc[In, Out], signals ...string) Workflow {
	return &typedWorkflow[In, Out]{name: name, fn: fn, signals: signals}
}

func (w *typedWorkflow[In, Out]) Name() string      { return w.name }
func (w *typedWorkflow[In, Out]) Signals() []string { return w.signals }

func (w *typedWorkflow[In, Out]) Execute(ctx WorkflowContext, input Payload) (Payload, error) {
	var in In
	if err := input.Decode(&in); err != nil {
		return nil, NewWorkflowError(WorkflowErrInvalidInput, err.Error(), err)
	}
	out, err := w.fn(ctx, in)
	if err != nil {
		return nil, err
	}
	return Encode(out)
}

type typedActivity[In, Out any] struct {
	name string
	fn   ActivityFunc[In, Out]
}

// NewActivity adapts a typed function to the Activity registry interface.
// Input that does not decode fails the attempt with InvalidInput.
func NewActivity[In, Out any](name string, fn ActivityFunc[In, Out]) Activity {
	return &typedActivity[In, Out]{name: name, fn: fn}
}

func (a *typedActivity[In, Out]) Name() string { return a.name }

func (a *typedActivity[In, Out]) Execute(ctx ActivityContext, input Payload) (Payload, error) {
	var in In
	if err := input.Decode(&in); err != nil {
		return nil, &ActivityError{Kind: ActivityErrInvalidInput, Message: err.Error(), Cause: err}
	}
	out, err := a.fn(ctx, in)
	if err != nil {
		return nil, err
	}
	p, err := Encode(out)
	if err != nil {
		return nil, &ActivityError{Kind: ActivityErrExecutionFailed, Message: err.Error(), Cause: err}
	}
	return p, nil
}

// ExecuteActivity schedules an activity and waits for its typed result.
func ExecuteActivity[Out any](ctx WorkflowContext, name string, input any, opts ActivityOptions) (Out, error) {
	var out Out
	err := ctx.ExecuteActivity(name, input, opts).Get(&out)
	return out, err
}

// ExecuteChildWorkflow starts a child workflow and waits for its typed
// result.
func ExecuteChildWorkflow[Out any](ctx WorkflowContext, workflowType string, input any, opts ChildWorkflowOptions) (Out, error) {
	var out Out
	err := ctx.ExecuteChildWorkflow(workflowType, input, opts).Get(&out)
	return out, err
}
