package rabbitmq

import "context"

// future is a resolve-once completion slot. Operations that must not run
// twice concurrently publish a future; later callers wait on it instead of
// starting a duplicate.
type future struct {
	done chan struct{}
	err  error
}

func newFuture() *future {
	return &future{done: make(chan struct{})}
}

// resolve completes the future. It must be called exactly once.
func (f *future) resolve(err error) {
	f.err = err
	close(f.done)
}

// wait blocks until the future resolves or ctx is done. Giving up on the
// wait does not cancel the underlying operation.
func (f *future) wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *future) resolved() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}
