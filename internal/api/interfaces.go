package api

import (
	"context"

	"github.com/mightymasai/legal-os-collab/internal/models"
)

// Interfaces the handlers consume live here, on the consumer side; the
// repository provides the implementation.

// SnapshotReader is what the REST handlers need from snapshot storage.
type SnapshotReader interface {
	LoadLatest(ctx context.Context, documentID string) (*models.Snapshot, error)
	ListVersions(ctx context.Context, documentID string, limit int) ([]*models.SnapshotVersion, error)
}
