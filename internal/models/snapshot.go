package models

import (
	"time"

	"github.com/segmentio/ksuid"
	"gorm.io/gorm"
)

// Snapshot is one durable, append-only serialization of a document's merged
// state. A new flush always inserts a new row with the next per-document
// sequence number; rows are never updated in place, so a crash mid-flush
// leaves the previous snapshot intact and the full version history remains
// recoverable.
type Snapshot struct {
	ID         string    `gorm:"type:varchar(27);primaryKey" json:"id"`
	DocumentID string    `gorm:"type:varchar(64);not null;uniqueIndex:idx_doc_seq,priority:1;index:idx_doc_created" json:"document_id"`
	Seq        int64     `gorm:"not null;uniqueIndex:idx_doc_seq,priority:2" json:"seq"`
	Payload    []byte    `gorm:"type:bytea;not null" json:"-"`
	WriterID   string    `gorm:"type:varchar(64)" json:"writer_id"`
	CreatedAt  time.Time `gorm:"index:idx_doc_created" json:"created_at"`
}

// BeforeCreate generates a KSUID primary key.
func (s *Snapshot) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = ksuid.New().String()
	}
	return nil
}

// TableName override
func (Snapshot) TableName() string {
	return "document_snapshots"
}

// SnapshotVersion is the payload-free listing form of a snapshot, served by
// the version history endpoint.
type SnapshotVersion struct {
	ID        string    `json:"id"`
	Seq       int64     `json:"seq"`
	WriterID  string    `json:"writer_id"`
	Size      int       `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}
