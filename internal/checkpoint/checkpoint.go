package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Status is the terminal state a destination path settled in.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusPartial   Status = "partial"
	StatusError     Status = "error"
)

// ErrNotFound is returned when no record exists for a destination path.
var ErrNotFound = errors.New("checkpoint: record not found")

// Record is the durable per-destination download state. DestinationPath is
// the unique key; ContentHash is set only for completed records. Zero values
// stand for fields that are null in the store (legacy imports carry no
// metadata at all).
type Record struct {
	DestinationPath string    `json:"path"`
	URL             string    `json:"url,omitempty"`
	CourseName      string    `json:"course_name,omitempty"`
	LessonName      string    `json:"lesson_name,omitempty"`
	FileType        string    `json:"file_type,omitempty"`
	SizeBytes       int64     `json:"size_bytes,omitempty"`
	ContentHash     string    `json:"content_hash,omitempty"`
	CompletedAt     time.Time `json:"completed_at"`
	Status          Status    `json:"status"`
	ErrorMessage    string    `json:"error_message,omitempty"`
	RetryCount      int       `json:"retry_count,omitempty"`
	Verified        bool      `json:"verified,omitempty"`
	VerifiedAt      time.Time `json:"verified_at"`
}

// GroupStat is one row of a grouped statistics breakdown.
type GroupStat struct {
	Key   string `json:"key"`
	Files int64  `json:"files"`
	Bytes int64  `json:"bytes"`
}

// Statistics is the derived aggregate view, computed on query.
type Statistics struct {
	TotalFiles int64       `json:"total_files"`
	TotalBytes int64       `json:"total_bytes"`
	ByCourse   []GroupStat `json:"by_course,omitempty"`
	ByType     []GroupStat `json:"by_type,omitempty"`
	ByStatus   []GroupStat `json:"by_status,omitempty"`
}

// Store is the durable checkpoint index shared by workers and the verifier.
// Implementations must serialize conflicting writes to the same record while
// allowing concurrent reads and writes to different records.
type Store interface {
	Get(ctx context.Context, path string) (*Record, error)
	RecordOutcome(ctx context.Context, rec *Record) error
	RecordBatch(ctx context.Context, recs []*Record) error
	Statistics(ctx context.Context) (*Statistics, error)
	CompletedRecords(ctx context.Context) ([]*Record, error)
	MarkVerified(ctx context.Context, path string, at time.Time) error
}

// StoreError marks a failure of the checkpoint store itself. Once the store
// cannot persist durably, downstream accounting cannot be trusted, so the
// dispatcher aborts the whole run instead of swallowing it per task.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("checkpoint store failure during %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// IsStoreError reports whether err carries a StoreError anywhere in its chain.
func IsStoreError(err error) bool {
	var se *StoreError
	return errors.As(err, &se)
}
