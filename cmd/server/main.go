package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mightymasai/legal-os-collab/internal/api"
	"github.com/mightymasai/legal-os-collab/internal/auth"
	"github.com/mightymasai/legal-os-collab/internal/config"
	"github.com/mightymasai/legal-os-collab/internal/db"
	"github.com/mightymasai/legal-os-collab/internal/relay"
	"github.com/mightymasai/legal-os-collab/internal/repository"
	"github.com/mightymasai/legal-os-collab/internal/telemetry"
)

func main() {
	log.Println("🚀 Starting document sync relay...")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Failed to load config: %v", err)
	}

	// Initialize Jaeger tracing first so all operations are traced.
	jaegerShutdown, err := telemetry.InitJaeger("legal-os-collab", cfg.JaegerEndpoint)
	if err != nil {
		log.Printf("⚠️  Failed to initialize Jaeger: %v (continuing without tracing)", err)
		jaegerShutdown = func(ctx context.Context) error { return nil }
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := jaegerShutdown(ctx); err != nil {
			log.Printf("⚠️  Failed to shutdown Jaeger: %v", err)
		}
	}()

	// Initialize GORM database
	database, err := db.NewGorm(cfg)
	if err != nil {
		log.Fatalf("❌ Failed to connect to database: %v", err)
	}
	defer database.Close()

	// Snapshot repository backs both the relay and the version endpoints.
	snapRepo := repository.NewSnapshotRepository(database.DB, cfg.SnapshotRetain)

	// Token verifier for the session gateway.
	verifier := auth.NewJWTVerifier(cfg.JWTSecret)
	if cfg.JWTSecret == "" {
		log.Println("⚠️  JWT_SECRET not set; tokens are parsed without signature verification")
	}

	// The relay registry owns every document session's lifecycle.
	hostname, _ := os.Hostname()
	registry := relay.NewRegistry(snapRepo, relay.Options{
		IdleGrace:        cfg.IdleGrace,
		SnapshotInterval: cfg.SnapshotInterval,
		PresenceTimeout:  cfg.PresenceTimeout,
		HeartbeatTimeout: cfg.HeartbeatTimeout,
		StoreTimeout:     cfg.StoreTimeout,
		StoreRetryMax:    uint64(cfg.StoreRetryMax),
		WriterID:         hostname,
	})

	// Handlers with dependency injection
	handler := api.NewHandler(registry, verifier, snapRepo)
	router := api.SetupRoutes(handler)

	addr := fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.ServerPort)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("🌐 Relay listening on http://%s", addr)
		log.Printf("   WS     /ws/documents/:id           - Join a document session")
		log.Printf("   GET    /api/documents/:id/versions - Snapshot history")
		log.Printf("   POST   /api/documents/:id/save     - Force a snapshot flush")
		log.Printf("   GET    /api/documents/:id/content  - Current plain text")
		log.Println()

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ Server error: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("\n🛑 Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("⚠️  Server forced to shutdown: %v", err)
	}

	// Drain every resident session; final snapshots flush here.
	registry.Shutdown(ctx)

	log.Println("✓ Server shutdown complete")
}
