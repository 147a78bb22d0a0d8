// Package worker runs independent jobs on a bounded number of goroutines.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mixaill76/keypool/internal/logger"
)

// ErrJobPanicked wraps the value recovered from a panicking job.
var ErrJobPanicked = errors.New("worker: job panicked")

// Job is a unit of work. Execute should return promptly once ctx is done.
type Job interface {
	Execute(ctx context.Context) error
}

// JobFunc adapts a function to Job.
type JobFunc func(ctx context.Context) error

func (f JobFunc) Execute(ctx context.Context) error {
	return f(ctx)
}

// SpawnWorkerPool starts numWorkers goroutines consuming jobQueue until it
// is closed or ctx is cancelled. Jobs still queued at cancellation are not
// run. onDone, when non-nil, receives every executed job with its error.
// The returned WaitGroup completes when all workers have exited.
func SpawnWorkerPool(
	ctx context.Context,
	numWorkers int,
	jobQueue <-chan Job,
	log *slog.Logger,
	onDone func(Job, error),
) *sync.WaitGroup {
	if numWorkers <= 0 {
		numWorkers = 1
	}
	if log == nil {
		log = logger.Discard()
	}

	wg := &sync.WaitGroup{}
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()

			for {
				select {
				case <-ctx.Done():
					log.Debug("Worker exiting",
						"worker_id", workerID,
						"reason", "context_cancelled",
					)
					return

				case job, ok := <-jobQueue:
					if !ok {
						return
					}
					err := execute(ctx, job)
					if err != nil {
						log.Debug("Job failed",
							"worker_id", workerID,
							"error", err,
						)
					}
					if onDone != nil {
						onDone(job, err)
					}
				}
			}
		}(i)
	}

	log.Debug("Worker pool spawned",
		"num_workers", numWorkers,
	)
	return wg
}

// RunAll executes jobs with at most numWorkers in parallel and returns
// their errors in job order. Jobs skipped because ctx ended report ctx.Err().
func RunAll(ctx context.Context, numWorkers int, jobs []Job, log *slog.Logger) []error {
	errs := make([]error, len(jobs))
	ran := make([]bool, len(jobs))
	if len(jobs) == 0 {
		return errs
	}

	queue := make(chan Job, len(jobs))
	for i, job := range jobs {
		queue <- indexedJob{index: i, job: job}
	}
	close(queue)

	var mu sync.Mutex
	wg := SpawnWorkerPool(ctx, numWorkers, queue, log, func(j Job, err error) {
		ij := j.(indexedJob)
		mu.Lock()
		errs[ij.index] = err
		ran[ij.index] = true
		mu.Unlock()
	})
	wg.Wait()

	for i := range jobs {
		if !ran[i] {
			errs[i] = ctx.Err()
		}
	}
	return errs
}

type indexedJob struct {
	index int
	job   Job
}

func (j indexedJob) Execute(ctx context.Context) error {
	return j.job.Execute(ctx)
}

func execute(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrJobPanicked, r)
		}
	}()
	return job.Execute(ctx)
}
