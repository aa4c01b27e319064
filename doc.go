// Package durable is an embeddable durable execution engine for Go.
//
// Workflows are ordinary Go functions that orchestrate activities, timers,
// signals and child workflows. Every decision a workflow makes is recorded
// in an append-only event history, and a workflow resumes after a crash or
// a long wait by replaying its code against that history. Activities are
// where side effects live: they run on a worker pool, with timeouts,
// heartbeats and retries governed by a RetryPolicy.
//
// # Core concepts
//
//  1. Workflow: deterministic orchestration code, registered by name.
//  2. Activity: a unit of work that may fail and be retried.
//  3. Engine: records histories, replays workflows and schedules tasks.
//  4. Worker: polls a task queue and executes workflow and activity tasks.
//  5. Client: starts, signals, queries and cancels workflows.
//
// # Determinism
//
// Workflow code is replayed many times and must make the same decisions
// each time. It must not read the clock, generate random values or perform
// I/O directly; use WorkflowContext.Now, WorkflowContext.SideEffect and
// activities instead. Reordering or removing calls in a workflow that has
// running executions makes their replays fail with a nondeterminism error.
//
// A workflow waiting for a result is suspended by unwinding its goroutine,
// which runs its deferred calls. Compensation belongs on the error path,
// not in defer.
//
// # Backends
//
// A Bundle wires an engine, a task queue, a worker and a client onto one
// backend:
//
//   - In-memory (non-durable, best for tests), see NewInMemoryBundle and LocalRunner
//   - SQLite (embedded durability), see NewSQLiteBundle
//   - Postgres, see NewPostgresBundle
//   - Redis, see NewRedisBundle
//   - MongoDB, see NewMongoBundle
//
// OpenBundle picks the backend from a URL.
//
// # Example
//
//	runner, _ := durable.NewLocalRunner(durable.Options{})
//	_ = runner.RegisterActivity(durable.NewActivity("charge", charge))
//	_ = runner.RegisterWorkflow(durable.NewWorkflow("Checkout", func(ctx durable.WorkflowContext, o Order) (Receipt, error) {
//		return durable.ExecuteActivity[Receipt](ctx, "charge", o, durable.ActivityOptions{
//			StartToCloseTimeout: 30 * time.Second,
//			RetryPolicy:         durable.Retry(5).WithExponentialBackoff(time.Second, 2, time.Minute).Policy(),
//		})
//	}))
//	_ = runner.Start(ctx)
//	defer runner.Stop()
//
//	var receipt Receipt
//	err := runner.Run(ctx, durable.StartOptions{WorkflowID: "order-42"}, "Checkout", order, &receipt)
package durable
