package swagent

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"
)

// GroupGoSafe runs fn in an errgroup goroutine and restarts it after a
// panic, waiting an exponentially growing delay between attempts.
//
// A panic never cancels sibling goroutines. A returned error keeps errgroup
// semantics and cancels the group context. Restarts stop once ctx is done.
// Panics are printed to stderr rather than the structured logger, which may
// itself be the cause.
func GroupGoSafe(ctx context.Context, group *errgroup.Group, name string, fn func(context.Context) error) {
	if group == nil || fn == nil {
		return
	}
	group.Go(func() error {
		restart := backoff.NewExponentialBackOff()
		restart.InitialInterval = 200 * time.Millisecond
		restart.MaxInterval = 30 * time.Second
		restart.MaxElapsedTime = 0
		for {
			if ctx.Err() != nil {
				return nil
			}
			recovered, stack, err := callRecovering(ctx, fn)
			if stack == nil {
				return err
			}
			_, _ = fmt.Fprintf(os.Stderr, "WARN: %s panicked: %v\n%s\n", name, recovered, stack)

			timer := time.NewTimer(restart.NextBackOff())
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-timer.C:
			}
		}
	})
}

// callRecovering runs fn and returns the panic value and stack if it panicked.
func callRecovering(ctx context.Context, fn func(context.Context) error) (recovered any, stack []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			recovered = r
			stack = debug.Stack()
		}
	}()
	return nil, nil, fn(ctx)
}
