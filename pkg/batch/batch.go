// Package batch runs a function over a slice with bounded concurrency.
package batch

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/linkflow-go/gallery/pkg/metrics"
)

// DefaultLimit is the number of concurrent calls used by catalog fetches
// when no limit is configured.
const DefaultLimit = 4

// Map calls fn for every item with at most limit calls in flight and returns
// the results in input order. A limit below 1 is treated as 1. The first error
// cancels the context passed to the remaining calls and is returned without
// partial results.
func Map[In, Out any](ctx context.Context, items []In, limit int, fn func(ctx context.Context, item In) (Out, error)) ([]Out, error) {
	if len(items) == 0 {
		return []Out{}, nil
	}
	if limit < 1 {
		limit = 1
	}

	out := make([]Out, len(items))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	for i, item := range items {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			metrics.BatchInFlight.Inc()
			defer metrics.BatchInFlight.Dec()

			res, err := fn(gctx, item)
			if err != nil {
				return err
			}
			out[i] = res
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
