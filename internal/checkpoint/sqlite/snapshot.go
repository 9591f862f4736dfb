package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/coursegrab/coursegrab/internal/checkpoint"
)

const (
	snapshotVersion = "2.0"
	legacyIndexFile = "download_index.json"
)

// Snapshot is the portable JSON interchange form of the whole store.
type Snapshot struct {
	Version    string                 `json:"version"`
	ExportedAt time.Time              `json:"exported_at"`
	Downloads  []*checkpoint.Record   `json:"downloads"`
	Statistics *checkpoint.Statistics `json:"statistics,omitempty"`
}

// legacyIndex is the original flat index: completed paths, no metadata.
type legacyIndex struct {
	Completed []string `json:"completed"`
}

// ExportSnapshot serializes every record plus current statistics to w.
func (s *Store) ExportSnapshot(ctx context.Context, w io.Writer) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT file_path, url, course_name, lesson_name, file_type, size_bytes,
		       content_hash, completed_at, status, error_message, retry_count,
		       verified, verified_at
		FROM downloads ORDER BY file_path`)
	if err != nil {
		return &checkpoint.StoreError{Op: "export_snapshot", Err: err}
	}
	defer rows.Close()

	snap := Snapshot{
		Version:    snapshotVersion,
		ExportedAt: time.Now().UTC(),
	}

	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return &checkpoint.StoreError{Op: "export_snapshot", Err: err}
		}

		snap.Downloads = append(snap.Downloads, rec)
	}

	if err := rows.Err(); err != nil {
		return &checkpoint.StoreError{Op: "export_snapshot", Err: err}
	}

	if snap.Statistics, err = s.Statistics(ctx); err != nil {
		return err
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	if err := enc.Encode(snap); err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	return nil
}

// ImportSnapshot loads a snapshot produced by ExportSnapshot. The whole
// import commits as one transaction.
func (s *Store) ImportSnapshot(ctx context.Context, r io.Reader) (int, error) {
	var snap Snapshot
	if err := json.NewDecoder(r).Decode(&snap); err != nil {
		return 0, fmt.Errorf("failed to decode snapshot: %w", err)
	}

	if err := s.RecordBatch(ctx, snap.Downloads); err != nil {
		return 0, err
	}

	return len(snap.Downloads), nil
}

// ImportLegacy migrates the original flat index: every listed path becomes a
// completed record with null metadata. The migration is all-or-nothing, and
// the source file is renamed to a timestamped backup rather than deleted.
func (s *Store) ImportLegacy(ctx context.Context, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read legacy index: %w", err)
	}

	var legacy legacyIndex
	if err := json.Unmarshal(data, &legacy); err != nil {
		return 0, fmt.Errorf("failed to decode legacy index: %w", err)
	}

	recs := make([]*checkpoint.Record, 0, len(legacy.Completed))
	for _, p := range legacy.Completed {
		recs = append(recs, &checkpoint.Record{
			DestinationPath: p,
			Status:          checkpoint.StatusCompleted,
		})
	}

	if err := s.RecordBatch(ctx, recs); err != nil {
		return 0, err
	}

	backup := fmt.Sprintf("%s.backup.%s", path, time.Now().Format("20060102_150405"))
	if err := os.Rename(path, backup); err != nil {
		return 0, fmt.Errorf("failed to back up legacy index: %w", err)
	}

	return len(recs), nil
}

// migrateLegacyIfNeeded imports the legacy index found next to the database,
// but only when the database holds no records yet.
func (s *Store) migrateLegacyIfNeeded(ctx context.Context) error {
	legacyPath := filepath.Join(s.baseDir, legacyIndexFile)
	if _, err := os.Stat(legacyPath); err != nil {
		if os.IsNotExist(err) {
			return nil
		}

		return err
	}

	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM downloads`).Scan(&count); err != nil {
		return err
	}

	if count > 0 {
		return nil
	}

	if _, err := s.ImportLegacy(ctx, legacyPath); err != nil {
		return err
	}

	return nil
}
