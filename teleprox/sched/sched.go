// Package sched implements the cooperative scheduler hooks of spec §4.6:
// the policy that lets a thread's local server keep processing inbound
// requests while that same thread's client is blocked waiting on a
// Future, so an A->B->A call chain cannot deadlock (spec §8 property 5).
//
// The teacher's own flow manager multiplexes many logical flows over one
// physical connection from a single read loop (runtime/internal/flow/conn);
// here the client already runs its own dedicated read goroutine (see
// rpcclient.Client), so the one thing still missing for reentrancy is
// driving a thread-local server's otherwise-idle dispatch (run_lazy /
// main-thread-dispatch mode) while the caller's goroutine is "blocked".
// WaitForFuture supplies that by alternating short server dispatch ticks
// with checking the Future -- the Go-native replacement for explicitly
// multiplexing two raw sockets in a single-threaded host language.
package sched

import (
	"context"
	"time"
)

// Future is the minimal view of rpcclient.Future this package needs.
type Future interface {
	Ready() bool
	Result(ctx context.Context) (interface{}, error)
}

// LocalDispatcher is the minimal view of rpcserver.Server this package
// needs: a way to service one pending request before a deadline.
type LocalDispatcher interface {
	ProcessOne(deadline time.Time) bool
}

// tick bounds how long a single ProcessOne call is allowed to block
// before WaitForFuture re-checks the Future; small enough that a
// reentrant call gets serviced promptly, large enough to avoid a busy
// spin.
const tick = 10 * time.Millisecond

// WaitForFuture blocks until f settles or ctx is done. If local is
// non-nil, it interleaves f's wait with local.ProcessOne so a nested
// call arriving on the local server's socket is dispatched instead of
// starving behind this wait (spec §4.3 "Reentrancy").
func WaitForFuture(ctx context.Context, f Future, local LocalDispatcher) (interface{}, error) {
	if local == nil {
		return f.Result(ctx)
	}

	for {
		if f.Ready() {
			return f.Result(ctx)
		}
		if err := ctx.Err(); err != nil {
			return f.Result(ctx)
		}
		step := tick
		if deadline, ok := ctx.Deadline(); ok {
			if remaining := time.Until(deadline); remaining < step {
				step = remaining
			}
		}
		local.ProcessOne(time.Now().Add(step))
	}
}
