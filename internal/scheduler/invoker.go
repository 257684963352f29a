// Package scheduler implements the cooperative task runner spec.md §1
// assumes as an external collaborator ("we assume a cooperative scheduler
// able to run recurring tasks at millisecond resolution and one-shot delayed
// tasks"). It is grounded on the teacher's core.Invoker/InvokerInstance
// pattern (referenced throughout pkg/mcast/core/peer.go as
// `p.invoker.Spawn(...)`), generalized with golang.org/x/sync/errgroup so
// Mesh.Stop can wait for every spawned goroutine the way the teacher's
// TestInvoker.Stop waits on a sync.WaitGroup.
package scheduler

import (
	"sync"

	"golang.org/x/sync/errgroup"
)

// Invoker spawns fire-and-forget functions and can wait for all of them to
// finish. It is the production equivalent of the teacher's test-only
// TestInvoker (test/testing.go), made available outside of tests because
// the façade needs the same "track every goroutine, wait on shutdown"
// contract in production, not just under `go test`.
type Invoker interface {
	// Spawn runs f on its own goroutine, tracked for Stop.
	Spawn(f func())
	// Stop blocks until every spawned f has returned.
	Stop()
}

// goroutineInvoker is the default Invoker: it spawns directly on the Go
// runtime scheduler and tracks completion with an errgroup.Group (used here
// purely for its WaitGroup-plus-panic-safety semantics; Spawn's signature
// has no error to propagate, so a recovered panic is logged and swallowed
// rather than returned).
type goroutineInvoker struct {
	group  *errgroup.Group
	mu     sync.Mutex
	onPanic func(recovered interface{})
}

// NewInvoker creates a production Invoker. onPanic, if non-nil, is called
// when a spawned function panics; the panic is always recovered regardless.
func NewInvoker(onPanic func(recovered interface{})) Invoker {
	return &goroutineInvoker{
		group:   &errgroup.Group{},
		onPanic: onPanic,
	}
}

func (g *goroutineInvoker) Spawn(f func()) {
	g.group.Go(func() error {
		defer func() {
			if r := recover(); r != nil && g.onPanic != nil {
				g.onPanic(r)
			}
		}()
		f()
		return nil
	})
}

func (g *goroutineInvoker) Stop() {
	_ = g.group.Wait()
}
