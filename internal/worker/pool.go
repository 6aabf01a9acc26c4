// Package worker runs batch dispatch jobs on a bounded pool of
// goroutines.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Job is one unit of batch work.
type Job interface {
	// Execute performs the work synchronously, honoring ctx for
	// cancellation.
	Execute(ctx context.Context) Result
}

// Result is the outcome of one executed job.
type Result interface {
	// Error returns the execution error, nil on success.
	Error() error
}

// SpawnWorkerPool starts numWorkers goroutines consuming jobQueue until
// the queue closes. On context cancellation workers drain the jobs already
// queued before exiting, so every submitted job produces a result; a
// drained job sees the canceled context and fails fast. Close jobQueue
// after the last submit and Wait on the returned WaitGroup.
func SpawnWorkerPool(
	ctx context.Context,
	numWorkers int,
	jobQueue <-chan Job,
	logger *slog.Logger,
) *sync.WaitGroup {
	if numWorkers <= 0 {
		numWorkers = 1
	}

	wg := &sync.WaitGroup{}

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()

			logger.Debug("worker started",
				"worker_id", workerID,
				"total_workers", numWorkers,
			)

			executeJob := func(job Job) {
				defer func() {
					if r := recover(); r != nil {
						logger.Error("job panicked",
							"worker_id", workerID,
							"panic", fmt.Sprintf("%v", r),
						)
					}
				}()

				result := job.Execute(ctx)
				if result != nil && result.Error() != nil {
					logger.Error("job failed",
						"worker_id", workerID,
						"error", result.Error(),
					)
				}
			}

			for {
				select {
				case <-ctx.Done():
					logger.Debug("worker draining queue",
						"worker_id", workerID,
					)
					for job := range jobQueue {
						executeJob(job)
					}
					logger.Debug("worker exiting",
						"worker_id", workerID,
						"reason", "context_canceled",
					)
					return

				case job, ok := <-jobQueue:
					if !ok {
						logger.Debug("worker exiting",
							"worker_id", workerID,
							"reason", "queue_closed",
						)
						return
					}
					executeJob(job)
				}
			}
		}(i)
	}

	logger.Debug("worker pool spawned", "num_workers", numWorkers)

	return wg
}
