package coordinator

import (
	"context"
	"fmt"

	"github.com/MeKo-Tech/cascademap/internal/worker"
)

// Summary counts the outcomes of a Prerender run.
type Summary struct {
	Rendered int
	Cached   int
	Empty    int
	Failed   int
	Bytes    int64
	// Errors holds the first few failures, by tile.
	Errors map[string]error
}

const maxSummaryErrors = 10

// Generate renders one task through Get. It lets the coordinator drive a
// worker.Pool.
func (c *Coordinator) Generate(ctx context.Context, t worker.Task) (worker.Output, error) {
	res, err := c.Get(ctx, Key{Coords: t.Coords, Density: t.Density})
	if err != nil {
		return worker.Output{}, err
	}
	return worker.Output{
		Bytes:  len(res.Data),
		Empty:  res.Empty,
		Cached: res.State == CachedHit,
	}, nil
}

// Prerender renders tasks with a pool of workers, filling the memory cache
// and any configured archives. Workers are capped at MaxConcurrent so the
// batch never trips the overload limit. Every Result is passed to onResult
// when it is not nil.
func (c *Coordinator) Prerender(ctx context.Context, tasks []worker.Task, workers int, progress worker.ProgressFunc, onResult func(worker.Result)) (Summary, error) {
	workers = min(max(workers, 1), c.opts.MaxConcurrent)
	pool := worker.New(worker.Config{
		Workers:    workers,
		Generator:  c,
		OnProgress: progress,
	})

	c.log().Info("Prerendering tiles", "tiles", len(tasks), "workers", workers)
	var s Summary
	for _, r := range pool.Run(ctx, tasks) {
		if onResult != nil {
			onResult(r)
		}
		switch {
		case r.Err != nil:
			s.Failed++
			if s.Errors == nil {
				s.Errors = make(map[string]error)
			}
			if len(s.Errors) < maxSummaryErrors {
				s.Errors[r.Task.String()] = r.Err
			}
		case r.Output.Cached:
			s.Cached++
		case r.Output.Empty:
			s.Empty++
		default:
			s.Rendered++
		}
		s.Bytes += int64(r.Output.Bytes)
	}

	if err := ctx.Err(); err != nil {
		return s, fmt.Errorf("failed to prerender: %w", err)
	}
	return s, nil
}
