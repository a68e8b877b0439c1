package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/wehubfusion/Conduit/pkg/concurrency"
)

// BuildFunc builds pipeline instance i. Each instance must own its stages.
type BuildFunc func(instance int) (*Pipeline, error)

// RunParallel runs n independent pipeline instances concurrently and
// returns their summaries in instance order and their joined errors.
func RunParallel(ctx context.Context, n int, build BuildFunc) ([]Summary, error) {
	return RunLimited(ctx, n, concurrency.NewLimiter(n), build)
}

// RunLimited is RunParallel with at most limiter.Capacity() instances
// running at once.
func RunLimited(ctx context.Context, n int, limiter *concurrency.Limiter, build BuildFunc) ([]Summary, error) {
	if n <= 0 {
		return nil, errors.New("instance count must be positive")
	}
	if build == nil {
		return nil, errors.New("build function cannot be nil")
	}
	if limiter == nil {
		limiter = concurrency.NewLimiter(n)
	}

	summaries := make([]Summary, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = limiter.Do(ctx, func() error {
				p, err := build(i)
				if err != nil {
					return fmt.Errorf("build instance %d: %w", i, err)
				}
				summaries[i], err = p.Run(ctx)
				if err != nil {
					return fmt.Errorf("instance %d: %w", i, err)
				}
				return nil
			})
		}()
	}
	wg.Wait()
	return summaries, errors.Join(errs...)
}
