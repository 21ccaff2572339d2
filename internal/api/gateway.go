package api

import (
	"log"
	"net/http"

	"github.com/mightymasai/legal-os-collab/internal/middleware"
	"github.com/mightymasai/legal-os-collab/internal/models"
	"github.com/mightymasai/legal-os-collab/internal/relay"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin policy is enforced by the fronting proxy.
		return true
	},
}

// HandleDocumentConnection is the session gateway: it verifies the caller's
// token, binds the connection to the document's session, and starts the
// pumps. Authentication happens before the upgrade, so an invalid token
// never sees any document state.
func (h *Handler) HandleDocumentConnection(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	documentID := mux.Vars(r)["id"]
	token := r.URL.Query().Get("token")

	ident, err := h.verifier.Verify(token)
	if err != nil {
		http.Error(w, "invalid or missing token", http.StatusUnauthorized)
		return
	}

	ctx, span := middleware.StartSpan(ctx, "Gateway.Connect",
		attribute.String("document.id", documentID),
		attribute.String("user.id", ident.UserID),
	)
	defer span.End()

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Failed to upgrade WebSocket: %v", err)
		middleware.AddSpanError(ctx, err)
		return
	}

	info := models.NewConnection(documentID, ident.UserID, ident.Name, h.nextColor())
	conn := relay.NewConn(info, ws)

	if _, err := h.registry.Attach(conn); err != nil {
		log.Printf("Failed to attach connection %s to document %s: %v", info.ID, documentID, err)
		middleware.AddSpanError(ctx, err)
		ws.Close()
		return
	}

	go conn.WritePump(ctx)
	go conn.ReadPump(ctx)

	log.Printf("✓ Connection established for document %s (user: %s, conn: %s)",
		documentID, ident.Name, info.ID)
}
