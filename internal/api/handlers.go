package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/mightymasai/legal-os-collab/internal/auth"
	"github.com/mightymasai/legal-os-collab/internal/crdt"
	"github.com/mightymasai/legal-os-collab/internal/models"
	"github.com/mightymasai/legal-os-collab/internal/relay"
	"github.com/mightymasai/legal-os-collab/internal/repository"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// Handler handles HTTP requests: the REST surface around the relay plus the
// WebSocket gateway.
type Handler struct {
	registry *relay.Registry
	verifier auth.Verifier
	snapRepo SnapshotReader

	colorSeq atomic.Uint64
}

func NewHandler(registry *relay.Registry, verifier auth.Verifier, snapRepo SnapshotReader) *Handler {
	return &Handler{
		registry: registry,
		verifier: verifier,
		snapRepo: snapRepo,
	}
}

// nextColor assigns presence colors round-robin from the palette.
func (h *Handler) nextColor() string {
	n := h.colorSeq.Add(1) - 1
	return models.PresenceColors[n%uint64(len(models.PresenceColors))]
}

// ListVersions returns the snapshot history of a document, newest first.
func (h *Handler) ListVersions(w http.ResponseWriter, r *http.Request) {
	documentID := mux.Vars(r)["id"]

	limit := 50
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsed, err := strconv.Atoi(limitStr); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	versions, err := h.snapRepo.ListVersions(r.Context(), documentID, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"document_id": documentID,
		"versions":    versions,
	})
}

// SaveDocument is the manual-save signal: it forces a snapshot flush of a
// resident session. A cold document has nothing unflushed, so the call
// succeeds without writing.
func (h *Handler) SaveDocument(w http.ResponseWriter, r *http.Request) {
	documentID := mux.Vars(r)["id"]

	session := h.registry.Lookup(documentID)
	if session == nil {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"flushed": false, "resident": false})
		return
	}

	if err := session.Flush(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"flushed": true, "resident": true})
}

// GetContent returns the current plain-text content of a document: from the
// resident session when the document is hot, otherwise decoded from the
// latest stored snapshot.
func (h *Handler) GetContent(w http.ResponseWriter, r *http.Request) {
	documentID := mux.Vars(r)["id"]

	if session := h.registry.Lookup(documentID); session != nil {
		text, err := session.Content(r.Context())
		if err == nil {
			writeContent(w, documentID, text, true)
			return
		}
		// Session closed underneath us; fall through to storage.
	}

	snap, err := h.snapRepo.LoadLatest(r.Context(), documentID)
	if errors.Is(err, repository.ErrNotFound) {
		http.Error(w, "document has no content", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	doc, err := crdt.DecodeState(uuid.New(), snap.Payload)
	if err != nil {
		http.Error(w, "stored snapshot is corrupt", http.StatusInternalServerError)
		return
	}
	writeContent(w, documentID, doc.Text(), false)
}

func writeContent(w http.ResponseWriter, documentID, text string, resident bool) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"document_id": documentID,
		"content":     text,
		"resident":    resident,
	})
}
