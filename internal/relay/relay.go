// Package relay hosts the authoritative per-document merge point. Each open
// document gets exactly one DocumentSession per process, owning the merged
// CRDT replica and the set of attached connections. All deltas for one
// document flow through that session's single goroutine, which keeps the
// logical-clock bookkeeping correct and makes rebroadcast order equal merge
// order. Sessions for different documents run fully independently.
package relay

import (
	"context"
	"time"

	"github.com/mightymasai/legal-os-collab/internal/models"
)

// SnapshotStore is what the relay needs from the persistence layer.
// Interface lives here, on the consumer side; the repository implements it.
type SnapshotStore interface {
	LoadLatest(ctx context.Context, documentID string) (*models.Snapshot, error)
	Store(ctx context.Context, documentID string, payload []byte, writerID string) (int64, error)
}

// Options tunes session lifecycle timing and snapshot durability.
type Options struct {
	// IdleGrace is how long a session stays Active with zero connections
	// before draining.
	IdleGrace time.Duration
	// SnapshotInterval is the periodic flush cadence while a session is
	// dirty.
	SnapshotInterval time.Duration
	// PresenceTimeout expires presence records whose connection stopped
	// heartbeating, so a crashed client's cursor does not linger.
	PresenceTimeout time.Duration
	// HeartbeatTimeout detaches connections that went silent.
	HeartbeatTimeout time.Duration
	// StoreTimeout bounds each individual snapshot load/store attempt.
	StoreTimeout time.Duration
	// StoreRetryMax caps snapshot store retries per flush.
	StoreRetryMax uint64
	// WriterID identifies this relay process in snapshot rows.
	WriterID string
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		IdleGrace:        30 * time.Second,
		SnapshotInterval: 15 * time.Second,
		PresenceTimeout:  45 * time.Second,
		HeartbeatTimeout: 60 * time.Second,
		StoreTimeout:     5 * time.Second,
		StoreRetryMax:    5,
		WriterID:         "relay",
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.IdleGrace <= 0 {
		o.IdleGrace = def.IdleGrace
	}
	if o.SnapshotInterval <= 0 {
		o.SnapshotInterval = def.SnapshotInterval
	}
	if o.PresenceTimeout <= 0 {
		o.PresenceTimeout = def.PresenceTimeout
	}
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if o.StoreTimeout <= 0 {
		o.StoreTimeout = def.StoreTimeout
	}
	if o.StoreRetryMax == 0 {
		o.StoreRetryMax = def.StoreRetryMax
	}
	if o.WriterID == "" {
		o.WriterID = def.WriterID
	}
	return o
}
