package executor_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"testing/synctest"
	"time"

	"github.com/CZERTAINLY/basinstats/internal/executor"
	"github.com/CZERTAINLY/basinstats/internal/model"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func batch(n int) []model.Job {
	ret := make([]model.Job, n)
	for i := range n {
		ret[i] = model.Job{
			ID:     fmt.Sprintf("uid-%d", i),
			Phase:  model.PhaseDelineate,
			Params: map[string]string{"sleep": fmt.Sprint(n - i)},
		}
	}
	return ret
}

// sleeper runs jobs for n-i seconds, so the completion order is reversed
type sleeper struct {
	inFlight atomic.Int32
	peak     atomic.Int32
	mx       sync.Mutex
	finished []string
}

func (s *sleeper) exec(_ context.Context, job model.Job) error {
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		p := s.peak.Load()
		if n <= p || s.peak.CompareAndSwap(p, n) {
			break
		}
	}
	var secs int
	_, _ = fmt.Sscan(job.Params["sleep"], &secs)
	time.Sleep(time.Duration(secs) * time.Second)
	s.mx.Lock()
	s.finished = append(s.finished, job.ID)
	s.mx.Unlock()
	return nil
}

func TestRun(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario    string
		concurrency int
		elapsed     time.Duration
	}{
		{"serial", 1, 15 * time.Second},
		{"parallel", 5, 5 * time.Second},
		{"over provisioned", 64, 5 * time.Second},
	}

	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			t.Parallel()
			synctest.Test(t, func(t *testing.T) {
				jobs := batch(5)
				s := &sleeper{}
				start := time.Now()
				outcomes, err := executor.New(s.exec).Run(t.Context(), jobs, tt.concurrency)
				require.NoError(t, err)
				require.Equal(t, tt.elapsed, time.Since(start))

				require.Equal(t, 5, outcomes.Len())
				for _, job := range jobs {
					o, ok := outcomes.Get(job.ID)
					require.True(t, ok)
					require.True(t, o.Succeeded)
					require.NoError(t, o.Err)
				}
				require.False(t, outcomes.Partial())
				require.Empty(t, outcomes.Failed())
				require.LessOrEqual(t, s.peak.Load(), int32(tt.concurrency))

				if tt.concurrency == 1 {
					require.Equal(t, int32(1), s.peak.Load())
					require.Equal(t, []string{"uid-0", "uid-1", "uid-2", "uid-3", "uid-4"}, s.finished)
				} else {
					require.Equal(t, []string{"uid-4", "uid-3", "uid-2", "uid-1", "uid-0"}, s.finished)
				}
			})
		})
	}
}

func TestRun_Failures(t *testing.T) {
	t.Parallel()
	boom := errors.New("exit status 1")
	exec := func(_ context.Context, job model.Job) error {
		if job.ID == "uid-1" || job.ID == "uid-3" {
			return boom
		}
		return nil
	}

	outcomes, err := executor.New(exec).Run(t.Context(), batch(5), 2)
	require.NoError(t, err)
	require.Equal(t, 5, outcomes.Len())
	require.True(t, outcomes.Partial())
	require.Equal(t, []string{"uid-1", "uid-3"}, outcomes.Failed())
	require.Equal(t, []string{"uid-0", "uid-2", "uid-4"}, outcomes.Succeeded())

	o, ok := outcomes.Get("uid-3")
	require.True(t, ok)
	require.False(t, o.Succeeded)
	require.ErrorIs(t, o.Err, model.ErrJobFailure)
	require.ErrorIs(t, o.Err, boom)
	require.Contains(t, o.Err.Error(), "exit status 1")

	_, ok = outcomes.Get("nope")
	require.False(t, ok)
}

func TestRun_InvalidConcurrency(t *testing.T) {
	t.Parallel()
	exec := func(context.Context, model.Job) error { return nil }
	for _, c := range []int{0, -1} {
		_, err := executor.New(exec).Run(t.Context(), batch(1), c)
		require.ErrorIs(t, err, model.ErrInvalidConcurrency)
	}
}

func TestRun_Empty(t *testing.T) {
	t.Parallel()
	exec := func(context.Context, model.Job) error { return nil }
	outcomes, err := executor.New(exec).Run(t.Context(), nil, 1)
	require.NoError(t, err)
	require.Zero(t, outcomes.Len())
	require.False(t, outcomes.Partial())
}

func TestRun_Canceled(t *testing.T) {
	t.Parallel()
	synctest.Test(t, func(t *testing.T) {
		ctx, cancel := context.WithTimeout(t.Context(), 1500*time.Millisecond)
		defer cancel()

		exec := func(ctx context.Context, _ model.Job) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
				return nil
			}
		}
		jobs := batch(4)
		outcomes, err := executor.New(exec).Run(ctx, jobs, 1)
		require.NoError(t, err)

		// every job has an outcome, none is lost
		require.Equal(t, len(jobs), outcomes.Len())
		for _, job := range jobs {
			o, ok := outcomes.Get(job.ID)
			require.True(t, ok)
			require.Equal(t, job.ID, o.ID)
		}
		first, ok := outcomes.Get("uid-0")
		require.True(t, ok)
		require.True(t, first.Succeeded)
		last, ok := outcomes.Get("uid-3")
		require.True(t, ok)
		require.False(t, last.Succeeded)
		require.ErrorIs(t, last.Err, context.DeadlineExceeded)
	})
}

func TestRun_CanceledWaitsForRunning(t *testing.T) {
	t.Parallel()
	synctest.Test(t, func(t *testing.T) {
		ctx, cancel := context.WithTimeout(t.Context(), time.Second)
		defer cancel()

		var slowDone atomic.Bool
		exec := func(ctx context.Context, job model.Job) error {
			if job.ID == "slow" {
				// an engine process which survives the cancellation
				time.Sleep(5 * time.Second)
				slowDone.Store(true)
				return nil
			}
			<-ctx.Done()
			return ctx.Err()
		}
		jobs := []model.Job{
			{ID: "fast", Phase: model.PhaseDelineate},
			{ID: "slow", Phase: model.PhaseDelineate},
			{ID: "queued", Phase: model.PhaseDelineate},
		}

		start := time.Now()
		outcomes, err := executor.New(exec).Run(ctx, jobs, 2)
		require.NoError(t, err)
		require.True(t, slowDone.Load(), "Run returned before the slow job")
		require.Equal(t, 5*time.Second, time.Since(start))

		fast, ok := outcomes.Get("fast")
		require.True(t, ok)
		require.False(t, fast.Succeeded)
		require.ErrorIs(t, fast.Err, context.DeadlineExceeded)

		slow, ok := outcomes.Get("slow")
		require.True(t, ok)
		require.True(t, slow.Succeeded)

		queued, ok := outcomes.Get("queued")
		require.True(t, ok)
		require.False(t, queued.Succeeded)
		require.ErrorIs(t, queued.Err, context.DeadlineExceeded)
		require.Equal(t, []string{"fast", "queued"}, outcomes.Failed())
	})
}
