package durable

import (
	"context"
	"errors"
	"sync"
)

// LocalRunner is an in-memory Bundle with a convenience API for
// development, tests and single-process tools.
//
//	runner, _ := durable.NewLocalRunner(durable.Options{})
//	_ = runner.RegisterWorkflow(greet)
//	_ = runner.Start(ctx)
//	defer runner.Stop()
//
//	var out string
//	err := runner.Run(ctx, durable.StartOptions{}, "greet", "world", &out)
type LocalRunner struct {
	*Bundle

	mu      sync.Mutex
	running bool
}

func NewLocalRunner(opts Options) (*LocalRunner, error) {
	b, err := NewInMemoryBundle(opts)
	if err != nil {
		return nil, err
	}
	return &LocalRunner{Bundle: b}, nil
}

// Start runs the worker in the background. It fails if the runner is
// already started.
func (r *LocalRunner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return errors.New("durable: LocalRunner already started")
	}
	r.running = true
	r.Bundle.Start(ctx)
	return nil
}

// Stop stops the worker and waits for in-flight tasks.
func (r *LocalRunner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return
	}
	r.running = false
	r.Bundle.Stop()
}

// StartWorkflowAsync starts a workflow and returns without waiting.
func (r *LocalRunner) StartWorkflowAsync(ctx context.Context, opts StartOptions, workflowType string, input any) (*WorkflowHandle, error) {
	return r.Client.StartWorkflow(ctx, opts, workflowType, input)
}

// Run starts a workflow and waits for its result, decoding it into out.
// The runner must be started.
func (r *LocalRunner) Run(ctx context.Context, opts StartOptions, workflowType string, input, out any) error {
	h, err := r.Client.StartWorkflow(ctx, opts, workflowType, input)
	if err != nil {
		return err
	}
	return h.Get(ctx, out)
}
