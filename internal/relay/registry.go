package relay

import (
	"context"
	"log"
	"sync"
)

// Registry is the only path to document session creation and destruction.
// It guarantees the core invariant: at most one authoritative session per
// document ID per relay process. Scaling the relay across processes would
// need a routing or locking layer in front of this to keep that invariant;
// that extension point is deliberately out of scope here.
type Registry struct {
	store SnapshotStore
	opts  Options

	mu       sync.Mutex
	sessions map[string]*DocumentSession
}

// NewRegistry creates a session registry backed by the given snapshot store.
func NewRegistry(store SnapshotStore, opts Options) *Registry {
	return &Registry{
		store:    store,
		opts:     opts.withDefaults(),
		sessions: make(map[string]*DocumentSession),
	}
}

// Attach binds a connection to the session for its document, creating and
// hydrating the session on first attach. A race with a session that is just
// closing is resolved by creating a fresh one.
func (r *Registry) Attach(conn *Conn) (*DocumentSession, error) {
	documentID := conn.Info.DocumentID
	for {
		s := r.acquire(documentID)
		err := s.Attach(conn)
		if err == nil {
			return s, nil
		}
		if err == ErrSessionClosed {
			continue
		}
		return nil, err
	}
}

// Lookup returns the resident session for a document, or nil if the
// document is cold.
func (r *Registry) Lookup(documentID string) *DocumentSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[documentID]
}

// Len reports the number of resident sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// acquire returns the live session for a document, starting one if needed.
func (r *Registry) acquire(documentID string) *DocumentSession {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[documentID]; ok && s.State() != StateClosed {
		return s
	}
	s := newDocumentSession(documentID, r.store, r.opts, r)
	r.sessions[documentID] = s
	go s.run()
	return s
}

// evict removes a closed session, guarding against a newer session having
// already replaced it under the same document ID.
func (r *Registry) evict(documentID string, s *DocumentSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[documentID]; ok && cur == s {
		delete(r.sessions, documentID)
	}
}

// Shutdown drains every resident session, flushing final snapshots, and
// waits for their loops to exit or the context to expire.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	sessions := make([]*DocumentSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	log.Printf("🛑 Shutting down relay (%d resident sessions)...", len(sessions))
	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *DocumentSession) {
			defer wg.Done()
			if err := s.Close(ctx); err != nil {
				log.Printf("⚠️  Document %s: shutdown flush failed: %v", s.ID(), err)
			}
			select {
			case <-s.Done():
			case <-ctx.Done():
			}
		}(s)
	}
	wg.Wait()
	log.Println("✓ Relay shutdown complete")
}
