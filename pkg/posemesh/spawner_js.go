//go:build js

package posemesh

import "context"

// BrowserSpawner runs tasks on the single-threaded browser event loop.
// There is no preemptive abort in that environment: Cancel is a no-op, and
// every spawned task must observe end-of-input on its own channels to
// terminate cooperatively.
type BrowserSpawner struct{}

// NewSpawner returns the Spawner for this build target.
func NewSpawner() Spawner { return BrowserSpawner{} }

func (BrowserSpawner) Spawn(fn func(ctx context.Context)) TaskHandle {
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn(context.Background())
	}()
	return &browserTaskHandle{done: done}
}

type browserTaskHandle struct {
	done chan struct{}
}

// Cancel is a no-op: the browser scheduling regime has no preemptive abort.
// The task must notice its inputs have ended on their own.
func (h *browserTaskHandle) Cancel() {}

func (h *browserTaskHandle) Wait() { <-h.done }
