package task

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"strings"
)

// DownloadTask is one file to fetch, as produced by the scraping collaborator.
// It is immutable once validated.
type DownloadTask struct {
	URL             string `json:"url"`
	DestinationPath string `json:"path"`
	Filename        string `json:"filename"`
	Referer         string `json:"referer,omitempty"`
	CourseName      string `json:"course_name"`
	LessonName      string `json:"lesson_name"`
	FileType        string `json:"file_type"`
}

// Validate checks the required fields and URL shape at ingestion time so
// malformed records never reach a worker.
func (t *DownloadTask) Validate() error {
	if t.URL == "" {
		return fmt.Errorf("task: missing url")
	}

	u, err := url.Parse(t.URL)
	if err != nil {
		return fmt.Errorf("task: invalid url %q: %w", t.URL, err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("task: unsupported scheme %q in %q", u.Scheme, t.URL)
	}

	if t.DestinationPath == "" {
		return fmt.Errorf("task: missing destination path for %q", t.URL)
	}

	if t.Filename == "" {
		return fmt.Errorf("task: missing filename for %q", t.DestinationPath)
	}

	return nil
}

// Class returns the file class used for adaptive timeouts and statistics.
func (t *DownloadTask) Class() FileClass {
	return ClassifyFilename(t.Filename)
}

// FileClass groups files by the transfer profile we expect from them.
type FileClass string

const (
	ClassVideo    FileClass = "video"
	ClassPDF      FileClass = "pdf"
	ClassMaterial FileClass = "material"
	ClassOther    FileClass = "other"
)

var videoExtensions = map[string]bool{
	".mp4":  true,
	".avi":  true,
	".mkv":  true,
	".mov":  true,
	".webm": true,
	".m4v":  true,
}

// ClassifyFilename detects the file class from the extension. Query strings
// and fragments are stripped first, since filenames are often lifted from
// presigned URLs.
func ClassifyFilename(filename string) FileClass {
	base := filename
	if i := strings.IndexByte(base, '?'); i >= 0 {
		base = base[:i]
	}
	if i := strings.IndexByte(base, '#'); i >= 0 {
		base = base[:i]
	}

	ext := strings.ToLower(path.Ext(base))

	switch {
	case videoExtensions[ext]:
		return ClassVideo
	case ext == ".pdf":
		return ClassPDF
	case ext == ".zip" || ext == ".rar" || ext == ".html":
		return ClassMaterial
	default:
		return ClassOther
	}
}

// DecodeManifest reads an ordered JSON array of download tasks and validates
// every record. A single malformed record fails the whole manifest, so the
// caller never runs a partially understood batch.
func DecodeManifest(r io.Reader) ([]DownloadTask, error) {
	var tasks []DownloadTask
	if err := json.NewDecoder(r).Decode(&tasks); err != nil {
		return nil, fmt.Errorf("failed to decode manifest: %w", err)
	}

	for i := range tasks {
		if err := tasks[i].Validate(); err != nil {
			return nil, fmt.Errorf("manifest record %d: %w", i, err)
		}
	}

	return tasks, nil
}

// LoadManifest reads a manifest from disk.
func LoadManifest(path string) ([]DownloadTask, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open manifest: %w", err)
	}
	defer f.Close()

	return DecodeManifest(f)
}
