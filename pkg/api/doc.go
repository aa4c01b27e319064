// Package api contains the core types shared by the durable engine, its
// workers and its clients. It defines the workflow and activity contracts,
// the event history model, retry policies, the error taxonomy and the
// Observer hooks.
//
// Most users interact with the higher-level durable package, which
// re-exports selected types and helpers from this package. The api package
// is intended for custom integrations and for contributors extending the
// engine itself.
//
// # Histories
//
// Every workflow run is an append-only sequence of WorkflowEvent values
// whose ids start at 0 and increase by one. The first event is always
// WorkflowExecutionStarted; a terminal event (Completed, Failed, TimedOut or
// Cancelled) is always last. EventHistory and ValidateSequence enforce
// these rules in memory; storage backends enforce them durably.
//
// # Workflows
//
// Workflow code is ordinary Go that talks to the outside world only through
// a WorkflowContext. Each call (ExecuteActivity, NewTimer, SideEffect,
// ReceiveSignal, ExecuteChildWorkflow) is matched against history on
// replay, so code must issue the same calls in the same order every time it
// runs. Time and randomness must come from Now and SideEffect.
//
// NewWorkflow and NewActivity adapt typed functions so callers do not have
// to manage Payload encoding by hand.
//
// # Activities
//
// Activities perform side effects. They may run more than once, are retried
// according to a RetryPolicy, and report progress through RecordHeartbeat.
// Returning an *ActivityError steers retry: ValidationFailed and
// InvalidInput are never retried, TemporaryFailure always is.
//
// # Observability
//
// Observer receives lifecycle callbacks from the engine and workers.
// LoggingObserver writes them to log/slog, BasicMetrics keeps in-memory
// counters, and NewCompositeObserver fans out to several observers.
package api
