package repository

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/mightymasai/legal-os-collab/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestRepo(t *testing.T, retain int) *SnapshotRepositoryImpl {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "snapshots.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Snapshot{}))

	return NewSnapshotRepository(db, retain)
}

func TestStoreAllocatesIncreasingSequences(t *testing.T) {
	repo := newTestRepo(t, 0)
	ctx := context.Background()

	seq, err := repo.Store(ctx, "doc-1", []byte("v1"), "relay-a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq)

	seq, err = repo.Store(ctx, "doc-1", []byte("v2"), "relay-a")
	require.NoError(t, err)
	assert.Equal(t, int64(2), seq)

	// Sequences are per document.
	seq, err = repo.Store(ctx, "doc-2", []byte("other"), "relay-b")
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq)
}

func TestLoadLatestReturnsNewest(t *testing.T) {
	repo := newTestRepo(t, 0)
	ctx := context.Background()

	_, err := repo.Store(ctx, "doc-1", []byte("old"), "relay-a")
	require.NoError(t, err)
	_, err = repo.Store(ctx, "doc-1", []byte("new"), "relay-b")
	require.NoError(t, err)

	snap, err := repo.LoadLatest(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), snap.Seq)
	assert.Equal(t, []byte("new"), snap.Payload)
	assert.Equal(t, "relay-b", snap.WriterID)
	assert.NotEmpty(t, snap.ID, "ksuid assigned on create")
}

func TestLoadLatestUnknownDocument(t *testing.T) {
	repo := newTestRepo(t, 0)

	_, err := repo.LoadLatest(context.Background(), "never-seen")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListVersionsNewestFirstWithoutPayloads(t *testing.T) {
	repo := newTestRepo(t, 0)
	ctx := context.Background()

	for _, payload := range []string{"a", "bb", "ccc"} {
		_, err := repo.Store(ctx, "doc-1", []byte(payload), "relay-a")
		require.NoError(t, err)
	}
	_, err := repo.Store(ctx, "doc-2", []byte("unrelated"), "relay-a")
	require.NoError(t, err)

	versions, err := repo.ListVersions(ctx, "doc-1", 0)
	require.NoError(t, err)
	require.Len(t, versions, 3)

	assert.Equal(t, int64(3), versions[0].Seq)
	assert.Equal(t, 3, versions[0].Size)
	assert.Equal(t, int64(1), versions[2].Seq)
	assert.Equal(t, 1, versions[2].Size)

	limited, err := repo.ListVersions(ctx, "doc-1", 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, int64(3), limited[0].Seq)
}

func TestStoreAppliesRetention(t *testing.T) {
	repo := newTestRepo(t, 3)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		_, err := repo.Store(ctx, "doc-1", []byte("payload"), "relay-a")
		require.NoError(t, err)
	}

	versions, err := repo.ListVersions(ctx, "doc-1", 0)
	require.NoError(t, err)
	require.Len(t, versions, 3)
	assert.Equal(t, int64(6), versions[0].Seq)
	assert.Equal(t, int64(4), versions[2].Seq)

	// The newest snapshot is still the one loaded.
	snap, err := repo.LoadLatest(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, int64(6), snap.Seq)
}

func TestDeleteOldSnapshotsKeepsNewest(t *testing.T) {
	repo := newTestRepo(t, 0)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := repo.Store(ctx, "doc-1", []byte("payload"), "relay-a")
		require.NoError(t, err)
	}

	require.NoError(t, repo.DeleteOldSnapshots(ctx, "doc-1", 2))

	versions, err := repo.ListVersions(ctx, "doc-1", 0)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, int64(5), versions[0].Seq)
	assert.Equal(t, int64(4), versions[1].Seq)

	// Below the keep threshold nothing is deleted.
	require.NoError(t, repo.DeleteOldSnapshots(ctx, "doc-1", 10))
	versions, err = repo.ListVersions(ctx, "doc-1", 0)
	require.NoError(t, err)
	assert.Len(t, versions, 2)
}
