package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"

	"github.com/coursegrab/coursegrab/internal/checkpoint"
)

const dbFile = "downloads.db"

const schema = `
CREATE TABLE IF NOT EXISTS downloads (
	file_path TEXT PRIMARY KEY,
	url TEXT,
	course_name TEXT,
	lesson_name TEXT,
	file_type TEXT,
	size_bytes INTEGER,
	content_hash TEXT,
	completed_at TEXT,
	status TEXT NOT NULL,
	error_message TEXT,
	retry_count INTEGER NOT NULL DEFAULT 0,
	verified INTEGER NOT NULL DEFAULT 0,
	verified_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_downloads_course ON downloads(course_name);
CREATE INDEX IF NOT EXISTS idx_downloads_type ON downloads(file_type);
CREATE INDEX IF NOT EXISTS idx_downloads_status ON downloads(status);
`

// Store is the SQLite-backed checkpoint store. One file inside the base
// download directory holds every record; WAL mode keeps concurrent readers
// off the writer's back, and synchronous=FULL makes RecordOutcome durable
// before it returns.
type Store struct {
	db      *sql.DB
	baseDir string
}

// Open initializes the store inside baseDir, creating the schema on first
// use. If the database is empty and a legacy JSON index is present, the
// legacy records are migrated before Open returns.
func Open(baseDir string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create base dir: %w", err)
	}

	dbPath := filepath.Join(baseDir, dbFile)
	dsn := fmt.Sprintf("file:%s?%s", dbPath, url.Values{
		"_journal_mode": {"WAL"},
		"_busy_timeout": {"5000"},
		"_synchronous":  {"FULL"},
	}.Encode())

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()

		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	s := &Store{db: db, baseDir: baseDir}

	if err := s.migrateLegacyIfNeeded(context.Background()); err != nil {
		db.Close()

		return nil, fmt.Errorf("legacy migration failed: %w", err)
	}

	return s, nil
}

// Close flushes and releases the backing database. The store is opened at
// run start and closed explicitly at run end; nothing relies on finalizers.
func (s *Store) Close() error {
	return s.db.Close()
}

// BaseDir returns the directory holding the store and the downloads.
func (s *Store) BaseDir() string {
	return s.baseDir
}

// Get returns the record for a destination path, or checkpoint.ErrNotFound.
func (s *Store) Get(ctx context.Context, path string) (*checkpoint.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT file_path, url, course_name, lesson_name, file_type, size_bytes,
		       content_hash, completed_at, status, error_message, retry_count,
		       verified, verified_at
		FROM downloads WHERE file_path = ?`, path)

	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, checkpoint.ErrNotFound
	}

	if err != nil {
		return nil, &checkpoint.StoreError{Op: "get", Err: err}
	}

	return rec, nil
}

// RecordOutcome upserts one record. Exactly one record exists per path; a
// task that settles again overwrites its previous outcome.
func (s *Store) RecordOutcome(ctx context.Context, rec *checkpoint.Record) error {
	if _, err := s.db.ExecContext(ctx, upsertQuery, upsertArgs(rec)...); err != nil {
		return &checkpoint.StoreError{Op: "record_outcome", Err: err}
	}

	return nil
}

// RecordBatch upserts many records inside a single transaction, one durable
// commit for the whole batch.
func (s *Store) RecordBatch(ctx context.Context, recs []*checkpoint.Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &checkpoint.StoreError{Op: "record_batch", Err: err}
	}

	for _, rec := range recs {
		if _, err := tx.ExecContext(ctx, upsertQuery, upsertArgs(rec)...); err != nil {
			tx.Rollback()

			return &checkpoint.StoreError{Op: "record_batch", Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return &checkpoint.StoreError{Op: "record_batch", Err: err}
	}

	return nil
}

// CompletedRecords returns every completed record, ordered by path.
func (s *Store) CompletedRecords(ctx context.Context) ([]*checkpoint.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT file_path, url, course_name, lesson_name, file_type, size_bytes,
		       content_hash, completed_at, status, error_message, retry_count,
		       verified, verified_at
		FROM downloads WHERE status = ? ORDER BY file_path`, checkpoint.StatusCompleted)
	if err != nil {
		return nil, &checkpoint.StoreError{Op: "completed_records", Err: err}
	}
	defer rows.Close()

	var recs []*checkpoint.Record

	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, &checkpoint.StoreError{Op: "completed_records", Err: err}
		}

		recs = append(recs, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, &checkpoint.StoreError{Op: "completed_records", Err: err}
	}

	return recs, nil
}

// MarkVerified records a successful integrity check.
func (s *Store) MarkVerified(ctx context.Context, path string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE downloads SET verified = 1, verified_at = ? WHERE file_path = ?`,
		at.UTC().Format(time.RFC3339), path,
	)
	if err != nil {
		return &checkpoint.StoreError{Op: "mark_verified", Err: err}
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return &checkpoint.StoreError{Op: "mark_verified", Err: err}
	}

	if affected == 0 {
		return checkpoint.ErrNotFound
	}

	return nil
}

// Statistics computes the aggregate view on query. Totals cover completed
// records; the status breakdown covers everything.
func (s *Store) Statistics(ctx context.Context) (*checkpoint.Statistics, error) {
	stats := &checkpoint.Statistics{}

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(size_bytes), 0)
		FROM downloads WHERE status = ?`, checkpoint.StatusCompleted,
	).Scan(&stats.TotalFiles, &stats.TotalBytes)
	if err != nil {
		return nil, &checkpoint.StoreError{Op: "statistics", Err: err}
	}

	groups := []struct {
		column string
		dest   *[]checkpoint.GroupStat
		all    bool
	}{
		{"course_name", &stats.ByCourse, false},
		{"file_type", &stats.ByType, false},
		{"status", &stats.ByStatus, true},
	}

	for _, g := range groups {
		rows, err := s.groupQuery(ctx, g.column, g.all)
		if err != nil {
			return nil, &checkpoint.StoreError{Op: "statistics", Err: err}
		}

		*g.dest = rows
	}

	return stats, nil
}

func (s *Store) groupQuery(ctx context.Context, column string, allStatuses bool) ([]checkpoint.GroupStat, error) {
	query := fmt.Sprintf(`
		SELECT COALESCE(%s, ''), COUNT(*), COALESCE(SUM(size_bytes), 0)
		FROM downloads`, column)

	var args []any

	if !allStatuses {
		query += ` WHERE status = ?`
		args = append(args, checkpoint.StatusCompleted)
	}

	query += fmt.Sprintf(` GROUP BY %s ORDER BY COUNT(*) DESC`, column)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []checkpoint.GroupStat

	for rows.Next() {
		var g checkpoint.GroupStat
		if err := rows.Scan(&g.Key, &g.Files, &g.Bytes); err != nil {
			return nil, err
		}

		out = append(out, g)
	}

	return out, rows.Err()
}

const upsertQuery = `
	INSERT INTO downloads (file_path, url, course_name, lesson_name, file_type,
		size_bytes, content_hash, completed_at, status, error_message,
		retry_count, verified, verified_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(file_path) DO UPDATE SET
		url = excluded.url,
		course_name = excluded.course_name,
		lesson_name = excluded.lesson_name,
		file_type = excluded.file_type,
		size_bytes = excluded.size_bytes,
		content_hash = excluded.content_hash,
		completed_at = excluded.completed_at,
		status = excluded.status,
		error_message = excluded.error_message,
		retry_count = excluded.retry_count,
		verified = excluded.verified,
		verified_at = excluded.verified_at`

func upsertArgs(rec *checkpoint.Record) []any {
	return []any{
		rec.DestinationPath,
		nullString(rec.URL),
		nullString(rec.CourseName),
		nullString(rec.LessonName),
		nullString(rec.FileType),
		nullInt64(rec.SizeBytes),
		nullString(rec.ContentHash),
		nullTime(rec.CompletedAt),
		string(rec.Status),
		nullString(rec.ErrorMessage),
		rec.RetryCount,
		rec.Verified,
		nullTime(rec.VerifiedAt),
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*checkpoint.Record, error) {
	var (
		rec          checkpoint.Record
		url          sql.NullString
		course       sql.NullString
		lesson       sql.NullString
		fileType     sql.NullString
		sizeBytes    sql.NullInt64
		contentHash  sql.NullString
		completedAt  sql.NullString
		errorMessage sql.NullString
		verifiedAt   sql.NullString
	)

	err := row.Scan(&rec.DestinationPath, &url, &course, &lesson, &fileType,
		&sizeBytes, &contentHash, &completedAt, &rec.Status, &errorMessage,
		&rec.RetryCount, &rec.Verified, &verifiedAt)
	if err != nil {
		return nil, err
	}

	rec.URL = url.String
	rec.CourseName = course.String
	rec.LessonName = lesson.String
	rec.FileType = fileType.String
	rec.SizeBytes = sizeBytes.Int64
	rec.ContentHash = contentHash.String
	rec.ErrorMessage = errorMessage.String
	rec.CompletedAt = parseTime(completedAt)
	rec.VerifiedAt = parseTime(verifiedAt)

	return &rec, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}

	return s
}

func nullInt64(v int64) any {
	if v == 0 {
		return nil
	}

	return v
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}

	return t.UTC().Format(time.RFC3339)
}

func parseTime(v sql.NullString) time.Time {
	if !v.Valid {
		return time.Time{}
	}

	t, err := time.Parse(time.RFC3339, v.String)
	if err != nil {
		return time.Time{}
	}

	return t
}
