package session

import (
	"context"
	"sync"
)

// future is the once-completed outcome of a connect attempt. Whichever
// terminal event happens first (connected, logout, termination) completes
// it; later events are ignored.
type future struct {
	ch   chan struct{}
	err  error
	once sync.Once
}

func newFuture() *future {
	return &future{ch: make(chan struct{})}
}

func (f *future) complete(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.ch)
	})
}

func (f *future) done() bool {
	select {
	case <-f.ch:
		return true
	default:
		return false
	}
}

// wait blocks until the future completes or ctx expires.
func (f *future) wait(ctx context.Context) error {
	select {
	case <-f.ch:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
