package docremedy

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// pageJob is one unit of CPU-bound page work. Results carry the same index
// so composition can be done in page order regardless of completion order.
type pageJob struct {
	Index int
	Path  string
}

// pageResult is the outcome for one page. Err is recorded, not escalated:
// the pipeline substitutes the unprocessed raster for a failed page rather
// than dropping it.
type pageResult struct {
	Index int
	Path  string
	Err   error
}

// pageWorkerPool runs page jobs through a fixed number of workers, in small
// batches with a pause in between. Batching bounds peak memory: the full
// page set is never in flight at once, and the pause gives the runtime room
// to reclaim raster buffers.
type pageWorkerPool struct {
	workers    int
	batchSize  int
	batchPause time.Duration
}

// newPageWorkerPool clamps the knobs to sane minimums.
func newPageWorkerPool(workers, batchSize int, pause time.Duration) *pageWorkerPool {
	if workers < 1 {
		workers = 1
	}
	if batchSize < 1 {
		batchSize = 1
	}
	return &pageWorkerPool{workers: workers, batchSize: batchSize, batchPause: pause}
}

// Process runs fn over every job and returns one result per job, ordered by
// page index. fn errors land in the result's Err field; only a context
// cancellation aborts the run.
func (p *pageWorkerPool) Process(ctx context.Context, jobs []pageJob, fn func(ctx context.Context, job pageJob) (string, error)) ([]pageResult, error) {
	results := make([]pageResult, len(jobs))

	for start := 0; start < len(jobs); start += p.batchSize {
		end := start + p.batchSize
		if end > len(jobs) {
			end = len(jobs)
		}

		eg, gctx := errgroup.WithContext(ctx)
		eg.SetLimit(p.workers)

		for i := start; i < end; i++ {
			i := i
			eg.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				out, err := fn(gctx, jobs[i])
				results[i] = pageResult{Index: jobs[i].Index, Path: out, Err: err}
				return nil
			})
		}

		if err := eg.Wait(); err != nil {
			return nil, err
		}

		if end < len(jobs) && p.batchPause > 0 {
			select {
			case <-time.After(p.batchPause):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	return results, nil
}
