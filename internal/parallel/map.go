package parallel

import (
	"context"
	"iter"

	"golang.org/x/sync/errgroup"
)

// Result is a mapped value together with the position of its input
// in the input sequence.
type Result[D any] struct {
	Index int
	Value D
	Err   error
}

// Map is a parallel mapping function, which runs at most limit mapFuncs in
// parallel and waits for completions. Results are yielded in completion
// order, Result.Index allows to restore the input order. An error returned
// by a mapFunc is passed in Result.Err and does not stop the other calls.
// Map is context aware, so canceled context ends the processing and the
// inputs not mapped yet are not yielded at all. Iter returns only after
// every started mapFunc has returned.
//
//	for r := range pmap.Iter(input) {}
type Map[E, D any] struct {
	cancelParent context.CancelFunc
	g            *errgroup.Group
	gctx         context.Context
	mapped       chan Result[D]
	mapFunc      func(context.Context, E) (D, error)
}

func NewMap[E, D any](parentCtx context.Context, limit int, mapFunc func(context.Context, E) (D, error)) *Map[E, D] {
	if limit < 1 {
		panic("parallel: limit must be positive")
	}
	parentCtx, cancelParent := context.WithCancel(parentCtx)
	g, gctx := errgroup.WithContext(parentCtx)
	// +1 for the goroutine feeding the workers
	g.SetLimit(limit + 1)

	mapped := make(chan Result[D], limit)

	return &Map[E, D]{
		cancelParent: cancelParent,
		g:            g,
		gctx:         gctx,
		mapped:       mapped,
		mapFunc:      mapFunc,
	}
}

func (s *Map[E, D]) goWorkers(seq iter.Seq[E]) {
	s.g.Go(func() error {
		idx := 0
		for entry := range seq {
			if err := s.gctx.Err(); err != nil {
				return err
			}
			pos := idx
			s.g.Go(func() error {
				// Go might have waited for a free slot
				if err := s.gctx.Err(); err != nil {
					return err
				}
				d, mapErr := s.mapFunc(s.gctx, entry)
				// Iter drains mapped until all workers are done
				s.mapped <- Result[D]{Index: pos, Value: d, Err: mapErr}
				return nil
			})
			idx++
		}
		return nil
	})
}

func (s *Map[E, D]) Iter(seq iter.Seq[E]) iter.Seq[Result[D]] {
	return func(yield func(Result[D]) bool) {
		defer s.cancelParent()
		s.goWorkers(seq)

		go func() {
			_ = s.g.Wait()
			close(s.mapped)
		}()

		for r := range s.mapped {
			if !yield(r) {
				break
			}
		}
		// stop the feeding and wait for mapFuncs in flight
		s.cancelParent()
		for range s.mapped {
		}
	}
}
