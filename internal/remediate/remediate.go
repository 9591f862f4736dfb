package remediate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/coursegrab/coursegrab/internal/checkpoint"
	"github.com/coursegrab/coursegrab/internal/logctx"
)

// RemoveCorrupted is the explicit administrative counterpart to a
// verification sweep: it deletes the named files and downgrades their
// records to error so the next run re-downloads them. Verification itself
// never does this; remediation is always a separate, deliberate call.
// It returns how many records were downgraded; paths with no record are
// skipped.
func RemoveCorrupted(ctx context.Context, store checkpoint.Store, paths []string) (int, error) {
	logger := logctx.LoggerFromContext(ctx)

	var removed int

	for _, path := range paths {
		rec, err := store.Get(ctx, path)
		if err != nil {
			if errors.Is(err, checkpoint.ErrNotFound) {
				logger.Warn("no record for path, skipping", "path", path)

				continue
			}

			return removed, fmt.Errorf("failed to load record for %s: %w", path, err)
		}

		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return removed, fmt.Errorf("failed to remove %s: %w", path, err)
		}

		rec.Status = checkpoint.StatusError
		rec.ErrorMessage = "removed after failed integrity check"
		rec.ContentHash = ""
		rec.Verified = false
		rec.VerifiedAt = time.Time{}

		if err := store.RecordOutcome(ctx, rec); err != nil {
			return removed, fmt.Errorf("failed to downgrade record for %s: %w", path, err)
		}

		removed++

		logger.Info("removed corrupted download", "path", path)
	}

	return removed, nil
}
