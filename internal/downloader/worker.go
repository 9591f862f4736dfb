package downloader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/dustin/go-humanize"

	"github.com/coursegrab/coursegrab/internal/checkpoint"
	"github.com/coursegrab/coursegrab/internal/downloader/progress"
	"github.com/coursegrab/coursegrab/internal/fetch"
	"github.com/coursegrab/coursegrab/internal/logctx"
	"github.com/coursegrab/coursegrab/internal/task"
)

const (
	// PartSuffix marks the sidecar file holding bytes received so far.
	PartSuffix = ".part"

	chunkSize = 128 * 1024
	syncEvery = 64 // chunks between fsyncs, 8 MiB of progress at risk

	progressInterval = 16 * 1024 * 1024

	dirPerm = 0o755
)

// Worker runs one task through the fetch/resume/retry state machine.
// A single Worker is shared by all dispatcher goroutines; it holds no
// per-task state.
type Worker struct {
	store          checkpoint.Store
	client         *fetch.Client
	locks          *checkpoint.PathLocks
	maxRetries     int
	initialDelay   time.Duration
	retryForbidden bool
}

// NewWorker wires a worker against the shared store, HTTP substrate and
// per-path claim table.
func NewWorker(
	store checkpoint.Store,
	client *fetch.Client,
	locks *checkpoint.PathLocks,
	maxRetries int,
	initialDelay time.Duration,
	retryForbidden bool,
) *Worker {
	return &Worker{
		store:          store,
		client:         client,
		locks:          locks,
		maxRetries:     maxRetries,
		initialDelay:   initialDelay,
		retryForbidden: retryForbidden,
	}
}

// OutcomeStatus is how a task settled.
type OutcomeStatus string

const (
	OutcomeSuccess  OutcomeStatus = "success"
	OutcomeSkipped  OutcomeStatus = "skipped"
	OutcomeFailure  OutcomeStatus = "failure"
	OutcomeCanceled OutcomeStatus = "canceled"
)

// Outcome is the structured per-task result handed to the dispatcher.
// The dispatcher never receives an unclassified fault.
type Outcome struct {
	Task             task.DownloadTask
	Status           OutcomeStatus
	BytesTransferred int64
	Elapsed          time.Duration
	Retries          int
	RangeRestarts    int
	ErrKind          ErrKind
	Err              error
}

// Run executes the state machine for one task:
// claim → check checkpoint → resolve offset → request → stream → finalize.
func (w *Worker) Run(ctx context.Context, t task.DownloadTask) Outcome {
	start := time.Now()
	out := Outcome{Task: t}

	logger := logctx.LoggerFromContext(ctx).With("path", t.DestinationPath)

	release, err := w.locks.Acquire(ctx, t.DestinationPath)
	if err != nil {
		out.Status = OutcomeCanceled
		out.ErrKind = ErrKindCanceled
		out.Err = err
		out.Elapsed = time.Since(start)

		return out
	}
	defer release()

	skipped, err := w.checkCheckpoint(ctx, &t)
	if err != nil {
		return w.settle(out, start, err)
	}

	if skipped {
		logger.Debug("already completed, skipping")

		out.Status = OutcomeSkipped
		out.Elapsed = time.Since(start)

		return out
	}

	env := fetch.EnvelopeFor(t.Class())

	var failures int

	operation := func() (int64, error) {
		n, err := w.attempt(ctx, &t, env, &out.RangeRestarts)
		out.BytesTransferred += n

		if err == nil {
			return n, nil
		}

		if retryable(err) && ctx.Err() == nil {
			failures++

			return 0, err
		}

		return 0, backoff.Permanent(err)
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = w.initialDelay
	expo.Multiplier = 2
	expo.RandomizationFactor = 0
	expo.MaxInterval = time.Hour

	_, err = backoff.Retry(ctx, operation,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(uint(w.maxRetries)),
		backoff.WithNotify(func(err error, delay time.Duration) {
			logger.Warn("transfer failed, backing off", "delay", delay.String(), "err", err)
		}),
	)

	out.Retries = failures

	if err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Unwrap()
		}

		return w.settle(out, start, err)
	}

	if err := w.finalize(ctx, &t, failures); err != nil {
		return w.settle(out, start, err)
	}

	logger.Info("downloaded and saved file",
		"size", humanize.Bytes(uint64(out.BytesTransferred)),
		"retries", failures,
	)

	out.Status = OutcomeSuccess
	out.Elapsed = time.Since(start)

	return out
}

// checkCheckpoint implements the zero-network short circuits: a completed
// record with the file still on disk skips outright, and a file already at
// the destination with no record is adopted into the store.
func (w *Worker) checkCheckpoint(ctx context.Context, t *task.DownloadTask) (bool, error) {
	rec, err := w.store.Get(ctx, t.DestinationPath)
	if err != nil && !errors.Is(err, checkpoint.ErrNotFound) {
		return false, err
	}

	if rec != nil && rec.Status == checkpoint.StatusCompleted && fileExists(t.DestinationPath) {
		return true, nil
	}

	if rec == nil && fileExists(t.DestinationPath) {
		if err := w.finalize(ctx, t, 0); err != nil {
			return false, err
		}

		return true, nil
	}

	return false, nil
}

// attempt performs one REQUEST/STREAM pass. On success the final file is in
// place at the destination path; the caller finalizes the checkpoint.
func (w *Worker) attempt(ctx context.Context, t *task.DownloadTask, env fetch.Envelope, rangeRestarts *int) (int64, error) {
	partPath := t.DestinationPath + PartSuffix

	if err := os.MkdirAll(filepath.Dir(t.DestinationPath), dirPerm); err != nil {
		return 0, classifyWriteError(t.DestinationPath, err)
	}

	// The partial file's size is the authoritative resume offset.
	offset := partSize(partPath)
	ranged := offset > 0

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.URL, nil)
	if err != nil {
		return 0, &ClientError{URL: t.URL, StatusCode: 0}
	}

	req.Header.Set("User-Agent", fetch.UserAgent)
	req.Header.Set("Accept", "*/*")

	if t.Referer != "" {
		req.Header.Set("Referer", t.Referer)
	}

	if ranged {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := w.client.Do(req, env)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}

		return 0, &NetworkError{Operation: "request", Err: err}
	}
	defer resp.Body.Close()

	switch {
	case ranged && resp.StatusCode == http.StatusRequestedRangeNotSatisfiable:
		// The local partial already covers the full remote size.
		if err := os.Rename(partPath, t.DestinationPath); err != nil {
			return 0, classifyWriteError(t.DestinationPath, err)
		}

		return 0, nil

	case resp.StatusCode == http.StatusPartialContent && ranged:
		return w.stream(ctx, resp, partPath, t.DestinationPath, true)

	case resp.StatusCode == http.StatusOK:
		if ranged {
			// The server ignored the range: appending would duplicate the
			// prefix, so the accumulated partial bytes are discarded.
			*rangeRestarts++
		}

		return w.stream(ctx, resp, partPath, t.DestinationPath, false)

	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return 0, &NetworkError{Operation: "request", StatusCode: resp.StatusCode}

	case resp.StatusCode == http.StatusForbidden && w.retryForbidden:
		// Presigned URLs expire; policy says treat as transient so a rerun
		// with a regenerated URL can pick the partial up.
		return 0, &NetworkError{Operation: "request", StatusCode: resp.StatusCode}

	default:
		return 0, &ClientError{URL: t.URL, StatusCode: resp.StatusCode}
	}
}

// stream writes the response body to the partial file in fixed-size chunks,
// flushing periodically so a crash loses at most one sync window, then
// promotes the partial to the destination.
func (w *Worker) stream(ctx context.Context, resp *http.Response, partPath, finalPath string, resume bool) (int64, error) {
	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if resume {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}

	f, err := os.OpenFile(partPath, flags, 0o644)
	if err != nil {
		return 0, classifyWriteError(partPath, err)
	}

	logger := logctx.LoggerFromContext(ctx).With("path", finalPath)

	body := progress.NewReader(resp.Body, resp.ContentLength, progressInterval, func(read, total int64) {
		if total > 0 {
			logger.Debug("transfer progress",
				"read", humanize.Bytes(uint64(read)), "total", humanize.Bytes(uint64(total)))

			return
		}

		logger.Debug("transfer progress", "read", humanize.Bytes(uint64(read)))
	})

	var (
		written int64
		chunks  int
		buf     = make([]byte, chunkSize)
	)

	for {
		n, rerr := body.Read(buf)

		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				f.Close()

				return written, classifyWriteError(partPath, werr)
			}

			written += int64(n)
			chunks++

			if chunks%syncEvery == 0 {
				f.Sync()
			}
		}

		if rerr == io.EOF {
			break
		}

		if rerr != nil {
			f.Sync()
			f.Close()

			// Cooperative stop: the chunk just written is on disk and the
			// partial stays valid for the next run.
			if ctx.Err() != nil {
				return written, ctx.Err()
			}

			return written, &NetworkError{Operation: "stream", Err: rerr}
		}

		if ctx.Err() != nil {
			f.Sync()
			f.Close()

			return written, ctx.Err()
		}
	}

	// A body shorter than the server promised is a truncated transfer, not
	// a completed one.
	if resp.ContentLength > 0 && written < resp.ContentLength {
		f.Sync()
		f.Close()

		return written, &NetworkError{
			Operation: "stream",
			Err:       fmt.Errorf("truncated body: got %d of %d bytes", written, resp.ContentLength),
		}
	}

	if err := f.Sync(); err != nil {
		f.Close()

		return written, classifyWriteError(partPath, err)
	}

	if err := f.Close(); err != nil {
		return written, classifyWriteError(partPath, err)
	}

	if err := os.Rename(partPath, finalPath); err != nil {
		return written, classifyWriteError(finalPath, err)
	}

	return written, nil
}

// finalize hashes the completed file and upserts the completed record.
func (w *Worker) finalize(ctx context.Context, t *task.DownloadTask, retries int) error {
	info, err := os.Stat(t.DestinationPath)
	if err != nil {
		return classifyWriteError(t.DestinationPath, err)
	}

	hash, err := hashFile(t.DestinationPath)
	if err != nil {
		return classifyWriteError(t.DestinationPath, err)
	}

	return w.store.RecordOutcome(ctx, &checkpoint.Record{
		DestinationPath: t.DestinationPath,
		URL:             t.URL,
		CourseName:      t.CourseName,
		LessonName:      t.LessonName,
		FileType:        t.FileType,
		SizeBytes:       info.Size(),
		ContentHash:     hash,
		CompletedAt:     time.Now().UTC(),
		Status:          checkpoint.StatusCompleted,
		RetryCount:      retries,
	})
}

// settle classifies a terminal error, cleans up or preserves the partial
// accordingly, and records the failure.
func (w *Worker) settle(out Outcome, start time.Time, err error) Outcome {
	t := out.Task
	partPath := t.DestinationPath + PartSuffix

	out.ErrKind = KindOf(err)
	out.Err = err
	out.Elapsed = time.Since(start)

	switch out.ErrKind {
	case ErrKindStore:
		// Nothing more can be recorded once the store itself is failing.
		out.Status = OutcomeFailure

		return out

	case ErrKindCanceled:
		out.Status = OutcomeCanceled
		// The partial stays resumable; record the interruption so the
		// store reflects what is on disk.
		w.recordFailure(t, checkpoint.StatusPartial, "canceled", out.Retries)

		return out

	case ErrKindClient:
		os.Remove(partPath)

	case ErrKindLocal:
		var localErr *LocalError
		if !(errors.As(err, &localErr) && localErr.DiskFull) {
			os.Remove(partPath)
		}

	case ErrKindNetwork:
		// Retries exhausted: the partial is preserved so a later manual
		// re-run resumes instead of restarting.
	}

	out.Status = OutcomeFailure
	w.recordFailure(t, checkpoint.StatusError, err.Error(), out.Retries)

	return out
}

func (w *Worker) recordFailure(t task.DownloadTask, status checkpoint.Status, msg string, retries int) {
	// Outcome recording must survive the run's cancellation.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := w.store.RecordOutcome(ctx, &checkpoint.Record{
		DestinationPath: t.DestinationPath,
		URL:             t.URL,
		CourseName:      t.CourseName,
		LessonName:      t.LessonName,
		FileType:        t.FileType,
		SizeBytes:       partSize(t.DestinationPath + PartSuffix),
		Status:          status,
		ErrorMessage:    msg,
		RetryCount:      retries,
	})
	if err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to record outcome", "path", t.DestinationPath, "err", err)
	}
}

func partSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}

	return info.Size()
}

func fileExists(path string) bool {
	_, err := os.Stat(path)

	return err == nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
