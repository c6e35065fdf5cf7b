// Package changes follows asynchronous package-manager changes until they
// reach a terminal state.
package changes

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Change states that end tracking. Every other state keeps the poll loop going.
const (
	StatusDone  = "Done"
	StatusError = "Error"
)

const (
	DefaultPollInterval = 3 * time.Second
	DefaultMaxPolls     = 200
)

// ErrTimeout is returned when a change is still pending after the last poll.
var ErrTimeout = errors.New("change did not finish in time")

var errPending = errors.New("change pending")

// Snapshot is one observation of a change.
type Snapshot struct {
	ID     string
	Status string
	Err    string
}

// Source fetches the current state of a change.
type Source interface {
	Change(ctx context.Context, id string) (Snapshot, error)
}

// Result is the terminal outcome of a change.
type Result struct {
	Finished bool
	Err      string
}

// Failed reports whether the change ended in the Error state.
func (r Result) Failed() bool {
	return r.Finished && r.Err != ""
}

// Tracker polls a Source at a fixed interval with an upper bound on polls.
type Tracker struct {
	source   Source
	interval time.Duration
	maxPolls uint64
}

// NewTracker builds a Tracker. Non-positive values fall back to the defaults.
func NewTracker(source Source, interval time.Duration, maxPolls uint64) *Tracker {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if maxPolls == 0 {
		maxPolls = DefaultMaxPolls
	}
	return &Tracker{source: source, interval: interval, maxPolls: maxPolls}
}

// Await polls change id until it is Done or Error, ctx is cancelled, or the
// poll budget is spent. Transport errors count as a poll and are retried;
// the last one is returned if the budget runs out.
func (t *Tracker) Await(ctx context.Context, id string) (Result, error) {
	if t == nil || t.source == nil {
		return Result{}, errors.New("change tracker not configured")
	}
	if id == "" {
		return Result{Finished: true}, nil
	}

	var (
		result Result
		polls  uint64
	)
	poll := func() error {
		polls++
		snap, err := t.source.Change(ctx, id)
		if err != nil {
			return err
		}
		switch snap.Status {
		case StatusDone:
			result = Result{Finished: true}
			return nil
		case StatusError:
			result = Result{Finished: true, Err: snap.Err}
			if result.Err == "" {
				result.Err = "change " + id + " failed"
			}
			return nil
		default:
			return errPending
		}
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(t.interval), t.maxPolls-1),
		ctx,
	)
	err := backoff.RetryNotify(poll, policy, func(err error, next time.Duration) {
		if errors.Is(err, errPending) {
			return
		}
		log.Debug().Err(err).Str("change", id).Dur("retry_in", next).Msg("poll change failed")
	})
	if err == nil {
		return result, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Result{}, errors.Wrapf(ctxErr, "wait for change %s", id)
	}
	if errors.Is(err, errPending) {
		return Result{}, errors.Wrapf(ErrTimeout, "change %s still pending after %d polls", id, polls)
	}
	return Result{}, errors.Wrapf(err, "poll change %s", id)
}
