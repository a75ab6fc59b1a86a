package async

import (
	"context"
	"sync"
	"time"

	"github.com/platinummonkey/zenith/pkg/observability"
)

// Batch calls fn for every item with at most workers running at once. The
// result has one entry per item, nil on success. A timeout of zero leaves
// items without a deadline.
//
//	errs := Batch(ctx, paths, 4, 30*time.Second, func(ctx context.Context, path string) error {
//	    _, err := loader.LoadFile(ctx, path)
//	    return err
//	})
func Batch[T any](ctx context.Context, items []T, workers int, timeout time.Duration, fn func(context.Context, T) error) []error {
	errs := make([]error, len(items))
	if len(items) == 0 {
		return errs
	}
	if workers <= 0 {
		workers = 1
	}
	if workers > len(items) {
		workers = len(items)
	}

	indexes := make(chan int)
	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for i := range indexes {
				errs[i] = runItem(ctx, timeout, items[i], fn)
			}
		}()
	}

	for i := range items {
		if ctx.Err() != nil {
			errs[i] = ctx.Err()
			continue
		}
		indexes <- i
	}
	close(indexes)
	wg.Wait()
	return errs
}

func runItem[T any](ctx context.Context, timeout time.Duration, item T, fn func(context.Context, T) error) (err error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	defer func() {
		if perr := observability.MustRecover(recover()); perr != nil {
			err = perr
		}
	}()
	return fn(ctx, item)
}
