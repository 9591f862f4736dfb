package sqlite

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coursegrab/coursegrab/internal/checkpoint"
)

func TestSnapshot_ExportImportRoundTrip(t *testing.T) {
	src := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, src.RecordBatch(ctx, []*checkpoint.Record{
		completedRecord("/d/curso/aula01.mp4"),
		completedRecord("/d/curso/aula02.mp4"),
	}))

	var buf bytes.Buffer
	require.NoError(t, src.ExportSnapshot(ctx, &buf))

	var snap Snapshot
	require.NoError(t, json.Unmarshal(buf.Bytes(), &snap))
	assert.Equal(t, snapshotVersion, snap.Version)
	assert.Len(t, snap.Downloads, 2)
	require.NotNil(t, snap.Statistics)
	assert.Equal(t, int64(2), snap.Statistics.TotalFiles)

	dst := openTestStore(t)

	n, err := dst.ImportSnapshot(ctx, &buf)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := dst.Get(ctx, "/d/curso/aula01.mp4")
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusCompleted, got.Status)
	assert.Equal(t, "deadbeef", got.ContentHash)
}

func TestImportLegacy(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	legacyPath := filepath.Join(t.TempDir(), "download_index.json")
	legacy := `{"completed": ["/d/curso/aula01.mp4", "/d/curso/resumo.pdf"]}`
	require.NoError(t, os.WriteFile(legacyPath, []byte(legacy), 0o644))

	n, err := store.ImportLegacy(ctx, legacyPath)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, path := range []string{"/d/curso/aula01.mp4", "/d/curso/resumo.pdf"} {
		rec, err := store.Get(ctx, path)
		require.NoError(t, err)

		assert.Equal(t, checkpoint.StatusCompleted, rec.Status)
		assert.Empty(t, rec.URL, "legacy imports carry no metadata")
		assert.Empty(t, rec.ContentHash)
		assert.Zero(t, rec.SizeBytes)
		assert.True(t, rec.CompletedAt.IsZero())
	}

	// The source must survive as a timestamped backup, not be deleted.
	_, err = os.Stat(legacyPath)
	assert.True(t, os.IsNotExist(err), "legacy index should have been renamed")

	backups, err := filepath.Glob(legacyPath + ".backup.*")
	require.NoError(t, err)
	require.Len(t, backups, 1)

	data, err := os.ReadFile(backups[0])
	require.NoError(t, err)
	assert.JSONEq(t, legacy, string(data))
}

func TestOpen_MigratesLegacyIndexAutomatically(t *testing.T) {
	baseDir := t.TempDir()

	legacy := `{"completed": ["/d/curso/aula01.mp4"]}`
	require.NoError(t, os.WriteFile(filepath.Join(baseDir, "download_index.json"), []byte(legacy), 0o644))

	store, err := Open(baseDir)
	require.NoError(t, err)
	defer store.Close()

	rec, err := store.Get(context.Background(), "/d/curso/aula01.mp4")
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusCompleted, rec.Status)

	backups, err := filepath.Glob(filepath.Join(baseDir, "download_index.json.backup.*"))
	require.NoError(t, err)
	assert.Len(t, backups, 1)
}

func TestOpen_SkipsMigrationWhenStorePopulated(t *testing.T) {
	baseDir := t.TempDir()

	store, err := Open(baseDir)
	require.NoError(t, err)
	require.NoError(t, store.RecordOutcome(context.Background(), completedRecord("/d/existing.mp4")))
	require.NoError(t, store.Close())

	legacy := `{"completed": ["/d/curso/late.mp4"]}`
	legacyPath := filepath.Join(baseDir, "download_index.json")
	require.NoError(t, os.WriteFile(legacyPath, []byte(legacy), 0o644))

	store, err = Open(baseDir)
	require.NoError(t, err)
	defer store.Close()

	_, err = store.Get(context.Background(), "/d/curso/late.mp4")
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)

	// Untouched: a populated store never re-runs the migration.
	_, err = os.Stat(legacyPath)
	assert.NoError(t, err)
}
