package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/crs-solar/panelmes/internal/config"
	"github.com/crs-solar/panelmes/internal/database"
	"github.com/crs-solar/panelmes/internal/handlers"
	"github.com/crs-solar/panelmes/internal/mes"
	"github.com/crs-solar/panelmes/internal/models"
	"github.com/crs-solar/panelmes/internal/outbox"
	"github.com/crs-solar/panelmes/internal/websocket"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// 2. Initialize database (Detects Embedded vs External automatically)
	db, err := database.Connect(cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	// Note: db.Close() is called manually in shutdown handler below

	// 3. Auto-Migrate Schema (Critical for Zero-Config)
	log.Println("🚀 Synchronizing database schema...")
	err = db.AutoMigrate(
		&models.User{},
		&models.ManufacturingOrder{},
		&models.Panel{},
		&models.Pallet{},
		&models.ClosureAuditRecord{},
		&models.AuditLog{},
		&models.OutboxMessage{},
	)
	if err != nil {
		log.Printf("⚠️ Migration warning: %v\n", err)
	} else {
		log.Println("✅ Schema synchronized successfully")
	}

	// 4. Progress snapshot cache (optional)
	var cache *mes.ProgressCache
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		cache = mes.NewProgressCache(rdb)
		log.Printf("✅ Progress cache: Redis at %s", cfg.Redis.Addr)
	} else {
		log.Println("ℹ️ Progress cache disabled (REDIS_ADDR not set)")
	}

	svc := mes.NewService(db, cache)

	// 5. Event stream: websocket hub + outbox dispatcher
	hub := websocket.NewHub()
	go hub.Run()

	dispatcherCtx, stopDispatcher := context.WithCancel(context.Background())
	dispatcher := outbox.NewDispatcher(db, hub, logrus.StandardLogger())
	go dispatcher.Run(dispatcherCtx)
	log.Println("✅ Outbox dispatcher started")

	// 6. Set up HTTP router
	router := handlers.NewRouter(db, svc, hub, cfg)

	// 7. Start server with graceful shutdown
	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// Channel to listen for shutdown signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	// Start server in goroutine
	go func() {
		log.Printf("🚀 Server starting on port %s [env: %s]\n", cfg.Port, cfg.Env)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for shutdown signal
	sig := <-shutdown
	log.Printf("\n⚠️  Received signal: %v. Shutting down gracefully...\n", sig)

	// Create context with timeout for graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Shutdown HTTP server
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}

	// Stop the outbox dispatcher; undelivered rows stay PENDING for next boot
	stopDispatcher()

	// Close database (this also stops embedded PostgreSQL)
	log.Println("🛑 Closing database connection...")
	if err := db.Close(); err != nil {
		log.Printf("Database close error: %v", err)
	}

	log.Println("✅ Shutdown complete")
}
