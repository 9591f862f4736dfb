package verify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/coursegrab/coursegrab/internal/checkpoint"
	"github.com/coursegrab/coursegrab/internal/logctx"
	"github.com/coursegrab/coursegrab/internal/telemetry"
)

const hashChunkSize = 64 * 1024

// Result of one integrity check.
type Result string

const (
	ResultOK        Result = "ok"
	ResultCorrupted Result = "corrupted"
	ResultMissing   Result = "missing"
)

// Tally aggregates a full verification sweep.
type Tally struct {
	OK        int `json:"ok"`
	Corrupted int `json:"corrupted"`
	Missing   int `json:"missing"`
}

// Verifier recomputes content hashes of completed downloads against the
// checkpoint store. It detects, it never remediates: no statuses are
// flipped and no files are deleted here, so a sweep is safe to repeat.
type Verifier struct {
	store     checkpoint.Store
	telemetry *telemetry.Telemetry
}

func New(store checkpoint.Store, tel *telemetry.Telemetry) *Verifier {
	return &Verifier{store: store, telemetry: tel}
}

// Verify checks a single completed record against the file on disk. On a
// clean match the record's verified marker is refreshed. Records imported
// without a hash adopt the computed one on first verification.
func (v *Verifier) Verify(ctx context.Context, path string) (Result, error) {
	rec, err := v.store.Get(ctx, path)
	if err != nil {
		return "", err
	}

	if rec.Status != checkpoint.StatusCompleted {
		return "", fmt.Errorf("verify: %s is %s, not completed", path, rec.Status)
	}

	result, err := v.check(ctx, rec)
	if err != nil {
		return "", err
	}

	v.telemetry.RecordVerification(string(result))

	return result, nil
}

// VerifyAll sweeps every completed record and returns the tally.
func (v *Verifier) VerifyAll(ctx context.Context) (Tally, error) {
	logger := logctx.LoggerFromContext(ctx)

	recs, err := v.store.CompletedRecords(ctx)
	if err != nil {
		return Tally{}, err
	}

	var tally Tally

	for _, rec := range recs {
		if ctx.Err() != nil {
			return tally, ctx.Err()
		}

		result, err := v.check(ctx, rec)
		if err != nil {
			return tally, err
		}

		v.telemetry.RecordVerification(string(result))

		switch result {
		case ResultOK:
			tally.OK++
		case ResultCorrupted:
			tally.Corrupted++

			logger.Warn("corrupted download detected", "path", rec.DestinationPath)
		case ResultMissing:
			tally.Missing++
		}
	}

	logger.Info("verification sweep finished",
		"ok", tally.OK, "corrupted", tally.Corrupted, "missing", tally.Missing)

	return tally, nil
}

func (v *Verifier) check(ctx context.Context, rec *checkpoint.Record) (Result, error) {
	info, err := os.Stat(rec.DestinationPath)
	if os.IsNotExist(err) {
		return ResultMissing, nil
	}

	if err != nil {
		return "", fmt.Errorf("failed to stat %s: %w", rec.DestinationPath, err)
	}

	if rec.SizeBytes > 0 && info.Size() != rec.SizeBytes {
		return ResultCorrupted, nil
	}

	hash, err := hashFile(rec.DestinationPath)
	if err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", rec.DestinationPath, err)
	}

	if rec.ContentHash == "" {
		// Legacy import without metadata: adopt the hash on first sweep.
		rec.ContentHash = hash
		rec.SizeBytes = info.Size()
		rec.Verified = true
		rec.VerifiedAt = time.Now().UTC()

		if err := v.store.RecordOutcome(ctx, rec); err != nil {
			return "", err
		}

		return ResultOK, nil
	}

	if hash != rec.ContentHash {
		return ResultCorrupted, nil
	}

	if err := v.store.MarkVerified(ctx, rec.DestinationPath, time.Now().UTC()); err != nil {
		return "", err
	}

	return ResultOK, nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()

	buf := make([]byte, hashChunkSize)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", err
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
