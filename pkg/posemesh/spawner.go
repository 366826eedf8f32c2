package posemesh

import "context"

// TaskHandle wraps exactly one background task. Every component that spawns
// a background task owns one TaskHandle and is responsible for calling
// Cancel when its session ends; an uncancelled handle leaks the task.
type TaskHandle interface {
	// Cancel requests the task stop. On native builds this is preemptive at
	// the task's next suspension point; on the browser build it is
	// cooperative and the task must observe channel closure to terminate.
	Cancel()

	// Wait blocks until the task has returned.
	Wait()
}

// Spawner abstracts "start a background task" across the two scheduling
// regimes the core runs under: a multi-threaded native runtime with
// preemptible cancellation, and a single-threaded browser event loop where
// cancellation is cooperative. The engine and every session are written
// once against this interface.
type Spawner interface {
	// Spawn runs fn in the background and returns a handle to it. fn must
	// return promptly after ctx is cancelled.
	Spawn(fn func(ctx context.Context)) TaskHandle
}
