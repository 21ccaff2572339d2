package api

import (
	"net/http"

	"github.com/mightymasai/legal-os-collab/internal/middleware"

	"github.com/gorilla/mux"
)

func SetupRoutes(h *Handler) *mux.Router {
	r := mux.NewRouter()

	r.Use(middleware.TracingMiddleware)
	r.Use(middleware.ErrorRecoveryMiddleware)
	r.Use(middleware.CORSMiddleware)

	api := r.PathPrefix("/api").Subrouter()

	// Document endpoints. Metadata CRUD lives in the surrounding platform;
	// these cover only what the relay owns.
	api.HandleFunc("/documents/{id}/versions", h.ListVersions).Methods("GET")
	api.HandleFunc("/documents/{id}/save", h.SaveDocument).Methods("POST")
	api.HandleFunc("/documents/{id}/content", h.GetContent).Methods("GET")

	// Health check endpoint
	api.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	}).Methods("GET")

	// WebSocket gateway
	r.HandleFunc("/ws/documents/{id}", h.HandleDocumentConnection)

	return r
}
