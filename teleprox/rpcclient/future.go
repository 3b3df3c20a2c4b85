package rpcclient

import (
	"context"
	"sync"

	"github.com/campagnola/teleprox-sub000/teleprox/rpcerr"
)

// Future is the pending result of a sync="async" call (spec §3, §4.3).
// The zero value is not usable; construct with newFuture.
type Future struct {
	done  chan struct{}
	once  sync.Once
	mu    sync.Mutex
	value interface{}
	err   error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) settle(value interface{}, err error) {
	f.once.Do(func() {
		f.mu.Lock()
		f.value, f.err = value, err
		f.mu.Unlock()
		close(f.done)
	})
}

// Ready reports whether the Future has already settled, without blocking.
func (f *Future) Ready() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Result blocks until the Future settles or ctx is done, matching the
// teacher's own convention of a context-bounded blocking call (compare
// xclient.go's StartCall(ctx, ...)). It replaces the original's
// result(timeout=...): callers wanting a timeout use
// context.WithTimeout.
func (f *Future) Result(ctx context.Context) (interface{}, error) {
	select {
	case <-f.done:
	case <-ctx.Done():
		return nil, rpcerr.New(rpcerr.Timeout, "waiting for future: %v", ctx.Err())
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value, f.err
}
