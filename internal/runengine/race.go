package runengine

import (
	"context"
	"errors"
	"sync"
)

// ErrNoResult is returned by a race source that finished without settling
// the race. It never settles the race by itself.
var ErrNoResult = errors.New("no result")

// Source is one competitor in a FirstOf race. It must return promptly once
// ctx is done.
type Source[T any] func(ctx context.Context) (T, error)

// FirstOf runs every source concurrently and returns the first outcome that
// is not ErrNoResult. The remaining sources are cancelled and awaited
// before FirstOf returns. When every source gives up, ErrNoResult is
// returned; when ctx ends first, its error is.
func FirstOf[T any](ctx context.Context, sources ...Source[T]) (T, error) {
	var zero T
	parent := ctx
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type outcome struct {
		value T
		err   error
	}
	results := make(chan outcome, len(sources))
	var wg sync.WaitGroup
	for _, source := range sources {
		if source == nil {
			continue
		}
		wg.Add(1)
		go func(source Source[T]) {
			defer wg.Done()
			value, err := source(ctx)
			results <- outcome{value: value, err: err}
		}(source)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	settled := false
	var winner outcome
	for res := range results {
		if settled {
			continue
		}
		if errors.Is(res.err, ErrNoResult) {
			continue
		}
		if res.err != nil && parent.Err() != nil && errors.Is(res.err, parent.Err()) {
			continue
		}
		settled = true
		winner = res
		cancel()
	}
	if settled {
		return winner.value, winner.err
	}
	if err := parent.Err(); err != nil {
		return zero, err
	}
	return zero, ErrNoResult
}
