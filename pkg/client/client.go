// Package client is the caller-side API of the engine: it starts, signals,
// queries and cancels workflows, and waits for their results.
package client

import (
	"context"
	"log/slog"
	"time"

	"k8s.io/utils/clock"

	"github.com/petrijr/durable/pkg/api"
)

const defaultPollInterval = 50 * time.Millisecond

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client's logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithPollInterval sets how often WorkflowHandle.Get checks for a result.
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// WithClock sets the clock Get polls with.
func WithClock(clk clock.WithTicker) Option {
	return func(c *Client) { c.clock = clk }
}

// Client talks to an engine on behalf of application code.
type Client struct {
	engine       api.Engine
	logger       *slog.Logger
	clock        clock.WithTicker
	pollInterval time.Duration
}

func New(engine api.Engine, opts ...Option) *Client {
	c := &Client{
		engine:       engine,
		logger:       slog.Default(),
		clock:        clock.RealClock{},
		pollInterval: defaultPollInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// StartWorkflow starts a run and returns a handle to it. It fails with
// api.ErrWorkflowAlreadyStarted while the workflow id has a running run.
func (c *Client) StartWorkflow(ctx context.Context, opts api.StartOptions, workflowType string, input any) (*WorkflowHandle, error) {
	exec, err := c.engine.StartWorkflow(ctx, opts, workflowType, input)
	if err != nil {
		return nil, err
	}
	return c.GetWorkflowHandle(exec.WorkflowID, exec.RunID), nil
}

// GetWorkflowHandle returns a handle to an existing run. An empty runID
// follows the current run of workflowID.
func (c *Client) GetWorkflowHandle(workflowID api.WorkflowID, runID api.RunID) *WorkflowHandle {
	return &WorkflowHandle{
		client:    c,
		execution: api.WorkflowExecution{WorkflowID: workflowID, RunID: runID},
	}
}

func (c *Client) SignalWorkflow(ctx context.Context, workflowID api.WorkflowID, runID api.RunID, name string, payload any) error {
	return c.engine.SignalWorkflow(ctx, api.WorkflowExecution{WorkflowID: workflowID, RunID: runID}, name, payload)
}

func (c *Client) QueryWorkflow(ctx context.Context, workflowID api.WorkflowID, runID api.RunID, name string, args any) (api.Payload, error) {
	return c.engine.QueryWorkflow(ctx, api.WorkflowExecution{WorkflowID: workflowID, RunID: runID}, name, args)
}

func (c *Client) CancelWorkflow(ctx context.Context, workflowID api.WorkflowID, runID api.RunID, reason string) error {
	return c.engine.CancelWorkflow(ctx, api.WorkflowExecution{WorkflowID: workflowID, RunID: runID}, reason)
}

func (c *Client) DescribeWorkflow(ctx context.Context, workflowID api.WorkflowID) (*api.Snapshot, error) {
	return c.engine.DescribeWorkflow(ctx, workflowID)
}

func (c *Client) GetWorkflowHistory(ctx context.Context, workflowID api.WorkflowID, runID api.RunID) ([]api.WorkflowEvent, error) {
	return c.engine.GetWorkflowHistory(ctx, api.WorkflowExecution{WorkflowID: workflowID, RunID: runID})
}
