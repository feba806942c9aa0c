// Package wait holds the bounded-wait primitives shared by the node's loops.
// It carries no transport dependency so consumers can be tested without zmq.
package wait

import (
	"context"
	"errors"
	"time"
)

// ErrTimeout is returned when nothing arrived within a wait bound.
var ErrTimeout = errors.New("timeout")

// Sleep pauses for d or until ctx is done, whichever comes first. It
// reports whether the full pause elapsed.
func Sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
