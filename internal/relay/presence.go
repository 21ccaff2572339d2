package relay

import (
	"time"

	"github.com/mightymasai/legal-os-collab/internal/models"
)

// presenceTracker holds the ephemeral per-session awareness records. It is
// owned by the session goroutine and needs no locking. Nothing here is ever
// persisted or merged into document content: losing or corrupting presence
// has no effect on the replicated state.
type presenceTracker struct {
	entries map[string]*presenceEntry
}

type presenceEntry struct {
	rec      models.Presence
	lastSeen time.Time
}

func newPresenceTracker() *presenceTracker {
	return &presenceTracker{entries: make(map[string]*presenceEntry)}
}

// set records or refreshes a participant's presence.
func (p *presenceTracker) set(rec models.Presence, now time.Time) {
	p.entries[rec.ConnectionID] = &presenceEntry{rec: rec, lastSeen: now}
}

// touch refreshes the heartbeat timestamp without changing the record.
func (p *presenceTracker) touch(connectionID string, now time.Time) {
	if e, ok := p.entries[connectionID]; ok {
		e.lastSeen = now
	}
}

// clear drops a participant and reports whether it was present.
func (p *presenceTracker) clear(connectionID string) bool {
	if _, ok := p.entries[connectionID]; !ok {
		return false
	}
	delete(p.entries, connectionID)
	return true
}

// expire removes records older than timeout and returns their connection
// IDs so the session can broadcast the removals.
func (p *presenceTracker) expire(now time.Time, timeout time.Duration) []string {
	var expired []string
	for id, e := range p.entries {
		if now.Sub(e.lastSeen) > timeout {
			expired = append(expired, id)
			delete(p.entries, id)
		}
	}
	return expired
}

// snapshot returns the current records, for seeding a newly attached
// connection.
func (p *presenceTracker) snapshot() []models.Presence {
	out := make([]models.Presence, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, e.rec)
	}
	return out
}
