package labagent

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

const (
	restartBackoff    = 200 * time.Millisecond
	maxRestartBackoff = 30 * time.Second
)

// SafeGroup is an errgroup for long-running agent loops: a panicking worker
// is restarted with backoff instead of taking the process down.
type SafeGroup struct {
	*errgroup.Group
	ctx    context.Context
	parent context.Context
}

// NewSafeGroup derives the group context from ctx.
func NewSafeGroup(ctx context.Context) *SafeGroup {
	if ctx == nil {
		ctx = context.Background()
	}
	group, groupCtx := errgroup.WithContext(ctx)
	return &SafeGroup{Group: group, ctx: groupCtx, parent: ctx}
}

// Context returns the group-derived context.
func (sg *SafeGroup) Context() context.Context { return sg.ctx }

// GoSafe runs fn and restarts it after a panic until the group context is
// done. A returned error cancels the group like errgroup.Go.
// Panics go to stderr since the logger itself may be what panicked.
func (sg *SafeGroup) GoSafe(name string, fn func(context.Context) error) {
	if sg == nil || sg.Group == nil || fn == nil {
		return
	}
	sg.Group.Go(func() error {
		backoff := restartBackoff
		for {
			if sg.ctx.Err() != nil {
				return nil
			}
			err, recovered := runRecovering(sg.ctx, fn)
			if recovered == nil {
				return err
			}
			_, _ = fmt.Fprintf(os.Stderr, "WARN: %s panicked: %v\n%s\n", name, recovered, debug.Stack())
			SafeSleep(sg.ctx, backoff+jitter(backoff/2))
			backoff = min(backoff*2, maxRestartBackoff)
		}
	})
}

func runRecovering(ctx context.Context, fn func(context.Context) error) (err error, recovered any) {
	defer func() {
		if r := recover(); r != nil {
			recovered = r
		}
	}()
	return fn(ctx), nil
}

// jitter is deterministic enough for restart spreading without math/rand.
func jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(time.Now().UnixNano() % int64(max))
}

// WaitOrInterrupt waits for the workers, but gives up gracePeriod after the
// parent context is cancelled and returns the parent's error.
func (sg *SafeGroup) WaitOrInterrupt(gracePeriod time.Duration) error {
	if sg == nil || sg.Group == nil {
		return nil
	}
	done := make(chan error, 1)
	go func() { done <- sg.Group.Wait() }()

	select {
	case err := <-done:
		return sg.normalize(err)
	case <-sg.parent.Done():
	}
	if gracePeriod <= 0 {
		return sg.parent.Err()
	}
	timer := time.NewTimer(gracePeriod)
	defer timer.Stop()
	select {
	case err := <-done:
		return sg.normalize(err)
	case <-timer.C:
		return sg.parent.Err()
	}
}

// normalize folds context errors caused by the parent into parent.Err(),
// keeping real worker errors intact.
func (sg *SafeGroup) normalize(err error) error {
	if err == nil {
		return nil
	}
	if sg.parent.Err() != nil &&
		(errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return sg.parent.Err()
	}
	return err
}
