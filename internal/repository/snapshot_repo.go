package repository

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/mightymasai/legal-os-collab/internal/models"

	"gorm.io/gorm"
)

// ErrNotFound is returned when a document has no stored snapshot yet.
var ErrNotFound = errors.New("repository: snapshot not found")

// SnapshotRepositoryImpl stores document snapshots append-only: every flush
// inserts a new row with the next per-document sequence number. Loading
// always reads the highest sequence, so a crashed half-written flush can
// never shadow a good snapshot. With retain > 0, each successful store trims
// history down to the newest retain rows for that document.
type SnapshotRepositoryImpl struct {
	db     *gorm.DB
	retain int
}

// NewSnapshotRepository creates a new snapshot repository. retain <= 0 keeps
// unlimited history.
func NewSnapshotRepository(db *gorm.DB, retain int) *SnapshotRepositoryImpl {
	return &SnapshotRepositoryImpl{db: db, retain: retain}
}

// LoadLatest returns the most recent snapshot for a document, or ErrNotFound.
func (r *SnapshotRepositoryImpl) LoadLatest(ctx context.Context, documentID string) (*models.Snapshot, error) {
	var snap models.Snapshot

	err := r.db.WithContext(ctx).
		Where("document_id = ?", documentID).
		Order("seq DESC").
		First(&snap).Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load latest snapshot: %w", err)
	}

	return &snap, nil
}

// Store appends a new snapshot and returns its sequence number. The
// sequence is allocated inside a transaction so concurrent writers for the
// same document cannot claim the same number; the unique (document_id, seq)
// index backstops it.
func (r *SnapshotRepositoryImpl) Store(ctx context.Context, documentID string, payload []byte, writerID string) (int64, error) {
	var seq int64

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var last models.Snapshot
		err := tx.Where("document_id = ?", documentID).
			Order("seq DESC").
			First(&last).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			seq = 1
		case err != nil:
			return err
		default:
			seq = last.Seq + 1
		}

		snap := &models.Snapshot{
			DocumentID: documentID,
			Seq:        seq,
			Payload:    payload,
			WriterID:   writerID,
		}
		return tx.Create(snap).Error
	})
	if err != nil {
		return 0, fmt.Errorf("failed to store snapshot: %w", err)
	}

	if r.retain > 0 {
		// Retention is best-effort; the new snapshot is already durable.
		if err := r.DeleteOldSnapshots(ctx, documentID, r.retain); err != nil {
			log.Printf("⚠️  Failed to trim snapshot history for %s: %v", documentID, err)
		}
	}

	return seq, nil
}

// ListVersions returns snapshot metadata for a document, newest first,
// without the payloads. Backs the version history endpoint.
func (r *SnapshotRepositoryImpl) ListVersions(ctx context.Context, documentID string, limit int) ([]*models.SnapshotVersion, error) {
	if limit <= 0 {
		limit = 50
	}

	var versions []*models.SnapshotVersion
	err := r.db.WithContext(ctx).
		Model(&models.Snapshot{}).
		Select("id, seq, writer_id, created_at, length(payload) AS size").
		Where("document_id = ?", documentID).
		Order("seq DESC").
		Limit(limit).
		Scan(&versions).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshot versions: %w", err)
	}
	return versions, nil
}

// DeleteOldSnapshots trims history beyond keepCount rows for a document;
// the newest rows always survive. Runs after each store when retention is
// configured.
func (r *SnapshotRepositoryImpl) DeleteOldSnapshots(ctx context.Context, documentID string, keepCount int) error {
	var count int64
	if err := r.db.WithContext(ctx).
		Model(&models.Snapshot{}).
		Where("document_id = ?", documentID).
		Count(&count).Error; err != nil {
		return err
	}

	if count <= int64(keepCount) {
		return nil
	}

	var cutoff models.Snapshot
	if err := r.db.WithContext(ctx).
		Where("document_id = ?", documentID).
		Order("seq DESC").
		Offset(keepCount - 1).
		First(&cutoff).Error; err != nil {
		return err
	}

	result := r.db.WithContext(ctx).
		Where("document_id = ? AND seq < ?", documentID, cutoff.Seq).
		Delete(&models.Snapshot{})

	if result.Error != nil {
		return fmt.Errorf("failed to delete old snapshots: %w", result.Error)
	}

	return nil
}
