package engine

import (
	"context"
	"fmt"
	"time"
)

// poll sleeps for the poll interval, then calls check, until check reports
// done, fails, or ctx ends.
func (r *Reconciler) poll(ctx context.Context, phase string, check func(context.Context) (bool, error)) error {
	timer := time.NewTimer(r.pollInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return NewTransientError(fmt.Sprintf("%s phase interrupted", phase), ctx.Err()).
				WithCode(ErrCodeCancelled).
				WithResource(r.stackName)
		case <-timer.C:
		}

		r.metrics.RecordPollTick(phase)
		done, err := check(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		timer.Reset(r.pollInterval)
	}
}
