package fetcher

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"
)

// errRaceWon is returned by the winning goroutine so errgroup cancels the
// shared context for everyone else.
var errRaceWon = errors.New("race won")

// errOutrun marks an attempt that succeeded after another attempt had already won.
var errOutrun = errors.New("succeeded after another attempt won")

type raceResult[T any] struct {
	index int
	value T
}

// raceFirst runs n attempts concurrently and returns the first successful
// value with its index. The context handed to attempts is cancelled as soon
// as one succeeds. raceFirst returns only after every attempt has returned.
// errs holds each attempt's error by index; when no attempt succeeds index
// is -1.
func raceFirst[T any](ctx context.Context, n int, attempt func(ctx context.Context, i int) (T, error)) (value T, index int, errs []error) {
	g, gctx := errgroup.WithContext(ctx)
	won := make(chan raceResult[T], 1)
	errs = make([]error, n)

	for i := 0; i < n; i++ {
		g.Go(func() error {
			v, err := attempt(gctx, i)
			if err != nil {
				errs[i] = err
				return nil
			}
			select {
			case won <- raceResult[T]{index: i, value: v}:
				return errRaceWon
			default:
				errs[i] = errOutrun
				return nil
			}
		})
	}
	_ = g.Wait()

	select {
	case r := <-won:
		return r.value, r.index, errs
	default:
		return value, -1, errs
	}
}
