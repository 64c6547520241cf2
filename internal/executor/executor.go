// Package executor runs a batch of jobs with a bounded concurrency and
// reports exactly one outcome for every submitted job.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/CZERTAINLY/basinstats/internal/log"
	"github.com/CZERTAINLY/basinstats/internal/model"
	"github.com/CZERTAINLY/basinstats/internal/parallel"
)

// ExecFunc invokes the engine for a single job
type ExecFunc func(ctx context.Context, job model.Job) error

// Executor runs batches of jobs through an ExecFunc
type Executor struct {
	exec ExecFunc
}

// New returns an Executor invoking exec for every job
func New(exec ExecFunc) Executor {
	return Executor{exec: exec}
}

// Run executes jobs with at most concurrency of them in flight. Jobs are
// submitted in input order, the returned Outcomes are in input order as
// well regardless of the completion order. A failed job never stops the
// others. If ctx is canceled, jobs which did not start get a failed
// outcome carrying the context error. Run returns only after every
// started job has returned, even when it ignores the cancellation.
//
// There is no upper limit for concurrency, the caller should stay below
// the number of available CPUs.
func (e Executor) Run(ctx context.Context, jobs []model.Job, concurrency int) (Outcomes, error) {
	if concurrency < 1 {
		return Outcomes{}, fmt.Errorf("concurrency %d: %w", concurrency, model.ErrInvalidConcurrency)
	}

	outcomes := make([]model.Outcome, len(jobs))
	done := make([]bool, len(jobs))
	if len(jobs) == 0 {
		return newOutcomes(outcomes), nil
	}

	slog.DebugContext(ctx, "batch started", "jobs", len(jobs), "concurrency", concurrency)
	pmap := parallel.NewMap(ctx, concurrency, e.run)
	for r := range pmap.Iter(slices.Values(jobs)) {
		outcomes[r.Index] = r.Value
		done[r.Index] = true
	}

	for idx, ok := range done {
		if ok {
			continue
		}
		err := ctx.Err()
		if err == nil {
			err = context.Canceled
		}
		outcomes[idx] = model.Outcome{
			ID:  jobs[idx].ID,
			Err: fmt.Errorf("job %s not started: %w", jobs[idx].ID, err),
		}
	}

	ret := newOutcomes(outcomes)
	if failed := ret.Failed(); len(failed) > 0 {
		slog.WarnContext(ctx, "batch partially failed", "jobs", len(jobs), "failed", len(failed))
	} else {
		slog.DebugContext(ctx, "batch finished", "jobs", len(jobs))
	}
	return ret, nil
}

func (e Executor) run(ctx context.Context, job model.Job) (model.Outcome, error) {
	ctx = log.ContextAttrs(ctx,
		slog.String("uid", job.ID),
		slog.String("phase", string(job.Phase)),
	)
	outcome := model.Outcome{
		ID:      job.ID,
		Started: time.Now().UTC(),
	}
	if err := ctx.Err(); err != nil {
		outcome.Stopped = outcome.Started
		outcome.Err = err
		return outcome, nil
	}

	slog.DebugContext(ctx, "job started")
	err := e.exec(ctx, job)
	outcome.Stopped = time.Now().UTC()
	if err != nil {
		outcome.Err = fmt.Errorf("%s %s: %w", job.Phase, job.ID, joinJobFailure(err))
		slog.WarnContext(ctx, "job failed", "error", err, "elapsed", outcome.Stopped.Sub(outcome.Started).String())
		return outcome, nil
	}
	outcome.Succeeded = true
	slog.DebugContext(ctx, "job finished", "elapsed", outcome.Stopped.Sub(outcome.Started).String())
	return outcome, nil
}
