package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coursegrab/coursegrab/internal/checkpoint"
	"github.com/coursegrab/coursegrab/internal/verify"
)

type stubStore struct {
	records map[string]*checkpoint.Record
	stats   *checkpoint.Statistics
	err     error
}

func (s *stubStore) Get(_ context.Context, path string) (*checkpoint.Record, error) {
	if s.err != nil {
		return nil, s.err
	}

	rec, ok := s.records[path]
	if !ok {
		return nil, checkpoint.ErrNotFound
	}

	return rec, nil
}

func (s *stubStore) RecordOutcome(context.Context, *checkpoint.Record) error { return s.err }
func (s *stubStore) RecordBatch(context.Context, []*checkpoint.Record) error { return s.err }

func (s *stubStore) Statistics(context.Context) (*checkpoint.Statistics, error) {
	return s.stats, s.err
}

func (s *stubStore) CompletedRecords(context.Context) ([]*checkpoint.Record, error) {
	return nil, s.err
}

func (s *stubStore) MarkVerified(context.Context, string, time.Time) error { return s.err }

type stubSweeper struct {
	tally verify.Tally
	err   error
}

func (s *stubSweeper) VerifyAll(context.Context) (verify.Tally, error) {
	return s.tally, s.err
}

func TestStatusHandler_Stats(t *testing.T) {
	store := &stubStore{stats: &checkpoint.Statistics{
		TotalFiles: 12,
		TotalBytes: 4096,
		ByStatus: []checkpoint.GroupStat{
			{Key: "completed", Files: 12, Bytes: 4096},
		},
	}}

	srv := httptest.NewServer(NewStatusHandler(store, &stubSweeper{}, nil).Routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/stats")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var stats checkpoint.Statistics
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, int64(12), stats.TotalFiles)
	assert.Equal(t, int64(4096), stats.TotalBytes)
}

func TestStatusHandler_Record(t *testing.T) {
	store := &stubStore{records: map[string]*checkpoint.Record{
		"/videos/aula01.mp4": {
			DestinationPath: "/videos/aula01.mp4",
			Status:          checkpoint.StatusCompleted,
			SizeBytes:       1024,
		},
	}}

	srv := httptest.NewServer(NewStatusHandler(store, &stubSweeper{}, nil).Routes())
	defer srv.Close()

	t.Run("found", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/records?path=/videos/aula01.mp4")
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var rec checkpoint.Record
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&rec))
		assert.Equal(t, checkpoint.StatusCompleted, rec.Status)
	})

	t.Run("not found", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/records?path=/videos/unknown.mp4")
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("missing path", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/records")
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestStatusHandler_Verify(t *testing.T) {
	sweeper := &stubSweeper{tally: verify.Tally{OK: 10, Corrupted: 1}}

	srv := httptest.NewServer(NewStatusHandler(&stubStore{}, sweeper, nil).Routes())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/verify", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var tally verify.Tally
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tally))
	assert.Equal(t, verify.Tally{OK: 10, Corrupted: 1}, tally)
}

func TestStatusHandler_Remediate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.mp4")
	require.NoError(t, os.WriteFile(path, []byte("corrupted"), 0o644))

	store := &stubStore{records: map[string]*checkpoint.Record{
		path: {DestinationPath: path, Status: checkpoint.StatusCompleted, ContentHash: "deadbeef"},
	}}

	srv := httptest.NewServer(NewStatusHandler(store, &stubSweeper{}, nil).Routes())
	defer srv.Close()

	t.Run("removes named paths", func(t *testing.T) {
		body := strings.NewReader(fmt.Sprintf(`{"paths": [%q, "/videos/unknown.mp4"]}`, path))

		resp, err := http.Post(srv.URL+"/remediate", "application/json", body)
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var result map[string]int
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
		assert.Equal(t, 1, result["removed"], "unknown paths are skipped, not counted")

		_, err = os.Stat(path)
		assert.True(t, os.IsNotExist(err), "the corrupted file must be deleted")
	})

	t.Run("rejects an empty path list", func(t *testing.T) {
		resp, err := http.Post(srv.URL+"/remediate", "application/json", strings.NewReader(`{"paths": []}`))
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("rejects a malformed body", func(t *testing.T) {
		resp, err := http.Post(srv.URL+"/remediate", "application/json", strings.NewReader(`not json`))
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestStatusHandler_VerifyFailure(t *testing.T) {
	sweeper := &stubSweeper{err: errors.New("store is gone")}

	srv := httptest.NewServer(NewStatusHandler(&stubStore{}, sweeper, nil).Routes())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/verify", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

type exportingStore struct {
	stubStore
	snapshot string
}

func (s *exportingStore) ExportSnapshot(_ context.Context, w io.Writer) error {
	_, err := io.WriteString(w, s.snapshot)

	return err
}

func TestStatusHandler_Export(t *testing.T) {
	t.Run("mounted when the store supports it", func(t *testing.T) {
		store := &exportingStore{snapshot: `{"version":"2.0","downloads":[]}`}

		srv := httptest.NewServer(NewStatusHandler(store, &stubSweeper{}, nil).Routes())
		defer srv.Close()

		resp, err := http.Get(srv.URL + "/export")
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.JSONEq(t, store.snapshot, string(body))
	})

	t.Run("absent otherwise", func(t *testing.T) {
		srv := httptest.NewServer(NewStatusHandler(&stubStore{}, &stubSweeper{}, nil).Routes())
		defer srv.Close()

		resp, err := http.Get(srv.URL + "/export")
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestStatusHandler_MetricsWithoutTelemetry(t *testing.T) {
	srv := httptest.NewServer(NewStatusHandler(&stubStore{}, &stubSweeper{}, nil).Routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
