// Package worker drives durable workflows forward by polling a task queue
// and handing each task to the engine.
//
// A worker polls the two lanes of one task queue: workflow tasks (replays,
// timers and execution timeouts) and activity tasks. Each lane has its own
// concurrency limit, and a poller takes a slot before dequeuing, so tasks
// beyond capacity stay in the queue where other workers can pick them up.
//
// Workers hold no workflow state. Any number of them, in any number of
// processes, may poll the same queue; the engine serializes work on each
// execution with an in-process lock and a lease in the store.
//
// # Failed tasks
//
// A task whose processing fails is redelivered after TaskRetryBackoff,
// doubling with every further failure, and dropped with an error log after
// MaxTaskAttempts deliveries. Tasks interrupted by shutdown and tasks whose
// execution is leased by another worker are redelivered without counting
// an attempt.
//
// Activity retries are a separate mechanism: they follow the activity's
// RetryPolicy and are recorded in history.
//
// # Lifecycle
//
// Run blocks until its context is cancelled and then waits for in-flight
// tasks. Start and Stop wrap Run for callers that embed a worker in a
// larger service.
package worker
