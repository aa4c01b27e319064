package engine

import (
	"fmt"
	"slices"
	"sync"

	"github.com/petrijr/durable/pkg/api"
)

type registry struct {
	mu         sync.RWMutex
	workflows  map[string]api.Workflow
	activities map[string]api.Activity
}

func newRegistry() *registry {
	return &registry{
		workflows:  make(map[string]api.Workflow),
		activities: make(map[string]api.Activity),
	}
}

func (r *registry) registerWorkflow(w api.Workflow) error {
	if w == nil || w.Name() == "" {
		return api.NewWorkflowError(api.WorkflowErrInvalidInput, "workflow name is required", nil)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.workflows[w.Name()]; exists {
		return fmt.Errorf("workflow %q already registered", w.Name())
	}
	r.workflows[w.Name()] = w
	return nil
}

func (r *registry) registerActivity(a api.Activity) error {
	if a == nil || a.Name() == "" {
		return api.NewWorkflowError(api.WorkflowErrInvalidInput, "activity name is required", nil)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.activities[a.Name()]; exists {
		return fmt.Errorf("activity %q already registered", a.Name())
	}
	r.activities[a.Name()] = a
	return nil
}

func (r *registry) workflow(name string) (api.Workflow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	w, ok := r.workflows[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", api.ErrWorkflowNotRegistered, name)
	}
	return w, nil
}

func (r *registry) activity(name string) (api.Activity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.activities[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", api.ErrActivityNotRegistered, name)
	}
	return a, nil
}

// signals returns the signal names w declares, or nil when it accepts any.
func signals(w api.Workflow) []string {
	d, ok := w.(api.SignalDeclarer)
	if !ok {
		return nil
	}
	names := d.Signals()
	if names == nil {
		names = []string{}
	}
	return names
}

func acceptsSignal(w api.Workflow, name string) bool {
	declared := signals(w)
	return declared == nil || slices.Contains(declared, name)
}
