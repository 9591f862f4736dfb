package sqlite

import (
	"context"
	"io"
	"time"

	"github.com/coursegrab/coursegrab/internal/checkpoint"
	"github.com/coursegrab/coursegrab/internal/telemetry"
)

// InstrumentedStore wraps Store with telemetry around every operation.
type InstrumentedStore struct {
	store     *Store
	telemetry *telemetry.Telemetry
}

// NewInstrumentedStore creates a new instrumented checkpoint store.
func NewInstrumentedStore(store *Store, tel *telemetry.Telemetry) *InstrumentedStore {
	return &InstrumentedStore{store: store, telemetry: tel}
}

// Get retrieves a record with telemetry.
func (s *InstrumentedStore) Get(ctx context.Context, path string) (*checkpoint.Record, error) {
	var result *checkpoint.Record

	var err error

	instrumentedErr := s.telemetry.InstrumentDBOperation(ctx, "get", func(ctx context.Context) error {
		result, err = s.store.Get(ctx, path)

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}

// RecordOutcome upserts a record with telemetry.
func (s *InstrumentedStore) RecordOutcome(ctx context.Context, rec *checkpoint.Record) error {
	return s.telemetry.InstrumentDBOperation(ctx, "record_outcome", func(ctx context.Context) error {
		return s.store.RecordOutcome(ctx, rec)
	})
}

// RecordBatch upserts a batch with telemetry.
func (s *InstrumentedStore) RecordBatch(ctx context.Context, recs []*checkpoint.Record) error {
	return s.telemetry.InstrumentDBOperation(ctx, "record_batch", func(ctx context.Context) error {
		return s.store.RecordBatch(ctx, recs)
	})
}

// Statistics computes the aggregate view with telemetry.
func (s *InstrumentedStore) Statistics(ctx context.Context) (*checkpoint.Statistics, error) {
	var result *checkpoint.Statistics

	var err error

	instrumentedErr := s.telemetry.InstrumentDBOperation(ctx, "statistics", func(ctx context.Context) error {
		result, err = s.store.Statistics(ctx)

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}

// CompletedRecords lists completed records with telemetry.
func (s *InstrumentedStore) CompletedRecords(ctx context.Context) ([]*checkpoint.Record, error) {
	var result []*checkpoint.Record

	var err error

	instrumentedErr := s.telemetry.InstrumentDBOperation(ctx, "completed_records", func(ctx context.Context) error {
		result, err = s.store.CompletedRecords(ctx)

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}

// MarkVerified records a verification result with telemetry.
func (s *InstrumentedStore) MarkVerified(ctx context.Context, path string, at time.Time) error {
	return s.telemetry.InstrumentDBOperation(ctx, "mark_verified", func(ctx context.Context) error {
		return s.store.MarkVerified(ctx, path, at)
	})
}

// ExportSnapshot serializes the whole store with telemetry.
func (s *InstrumentedStore) ExportSnapshot(ctx context.Context, w io.Writer) error {
	return s.telemetry.InstrumentDBOperation(ctx, "export_snapshot", func(ctx context.Context) error {
		return s.store.ExportSnapshot(ctx, w)
	})
}

// ImportSnapshot loads a snapshot with telemetry.
func (s *InstrumentedStore) ImportSnapshot(ctx context.Context, r io.Reader) (int, error) {
	var count int

	var err error

	instrumentedErr := s.telemetry.InstrumentDBOperation(ctx, "import_snapshot", func(ctx context.Context) error {
		count, err = s.store.ImportSnapshot(ctx, r)

		return err
	})

	if instrumentedErr != nil {
		return 0, instrumentedErr
	}

	return count, nil
}
