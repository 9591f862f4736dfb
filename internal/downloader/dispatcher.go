package downloader

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/coursegrab/coursegrab/internal/logctx"
	"github.com/coursegrab/coursegrab/internal/task"
	"github.com/coursegrab/coursegrab/internal/telemetry"
)

// Dispatcher runs an ordered task list to settlement with at most
// maxParallel transfers in flight. One task's terminal failure never aborts
// siblings; a checkpoint store failure aborts the whole run.
type Dispatcher struct {
	worker      *Worker
	maxParallel int
	telemetry   *telemetry.Telemetry
}

func NewDispatcher(worker *Worker, maxParallel int, tel *telemetry.Telemetry) *Dispatcher {
	return &Dispatcher{
		worker:      worker,
		maxParallel: maxParallel,
		telemetry:   tel,
	}
}

// Run settles every task and returns one outcome per task, index-aligned
// with the input. Cancelling ctx stops new admissions; in-flight workers
// finish their current chunk and leave resumable partials behind.
func (d *Dispatcher) Run(ctx context.Context, tasks []task.DownloadTask) ([]Outcome, error) {
	logger := logctx.LoggerFromContext(ctx)
	logger.Info("dispatching downloads", "task_count", len(tasks), "max_parallel", d.maxParallel)

	outcomes := make([]Outcome, len(tasks))

	wg, gctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, d.maxParallel)

admission:
	for i := range tasks {
		select {
		case sem <- struct{}{}:
		case <-gctx.Done():
			// Stop issuing new tasks; everything not yet admitted settles
			// as canceled without touching the network or the store.
			for j := i; j < len(tasks); j++ {
				outcomes[j] = Outcome{
					Task:    tasks[j],
					Status:  OutcomeCanceled,
					ErrKind: ErrKindCanceled,
					Err:     gctx.Err(),
				}
			}

			break admission
		}

		wg.Go(func() error {
			defer func() { <-sem }() // release the slot

			d.telemetry.IncrementActiveDownloads()
			defer d.telemetry.DecrementActiveDownloads()

			out := d.worker.Run(gctx, tasks[i])
			outcomes[i] = out

			d.telemetry.RecordDownload(string(out.Status), out.Elapsed, out.BytesTransferred)
			d.telemetry.RecordRetries(out.Retries)

			if out.ErrKind == ErrKindStore {
				// Downstream accounting can no longer be trusted.
				return out.Err
			}

			return nil
		})
	}

	if err := wg.Wait(); err != nil {
		return outcomes, fmt.Errorf("dispatcher aborted: %w", err)
	}

	return outcomes, nil
}

// Summarize tallies outcomes for reporting.
func Summarize(outcomes []Outcome) (succeeded, skipped, failed, canceled int, bytes int64) {
	for _, out := range outcomes {
		switch out.Status {
		case OutcomeSuccess:
			succeeded++
		case OutcomeSkipped:
			skipped++
		case OutcomeFailure:
			failed++
		case OutcomeCanceled:
			canceled++
		}

		bytes += out.BytesTransferred
	}

	return succeeded, skipped, failed, canceled, bytes
}
