package main

import (
	"context"
	"log"
	"os"

	"github.com/arnav1296/eraser-backend/internal/config"
	"github.com/arnav1296/eraser-backend/internal/database"
	"github.com/arnav1296/eraser-backend/internal/presence"
	"github.com/arnav1296/eraser-backend/internal/server"
	"github.com/arnav1296/eraser-backend/internal/session"
	"github.com/arnav1296/eraser-backend/internal/store"
)

func main() {
	cfg := config.Load()

	db, err := database.ConnectDB()
	if err != nil {
		log.Fatalf("❌ Database connection failed: %v", err)
	}
	defer database.Close()

	if err := database.Ping(); err != nil {
		log.Fatalf("❌ Database ping failed: %v", err)
	}
	log.Printf("✅ Database connected successfully")

	// Presence is optional: without Redis the realtime core still works,
	// only cross-process presence reads are lost.
	var presenceMgr *presence.Manager
	if cfg.Redis.Addr != "" {
		hostname, _ := os.Hostname()
		presenceMgr, err = presence.NewManager(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, hostname)
		if err != nil {
			log.Printf("⚠️ Presence store unavailable: %v (continuing without it)", err)
			presenceMgr = nil
		}
	} else {
		log.Println("ℹ️ REDIS_ADDR not set, presence publishing disabled")
	}

	boardStore := store.NewBoardStore(db)
	registry := session.NewRegistry()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go boardStore.RunSnapshotLoop(ctx, cfg.Snapshot.FlushInterval)

	srv := server.New(cfg, db, boardStore, registry, presenceMgr)
	srv.SetupMiddleware()
	srv.SetupRoutes()

	if err := srv.Start(); err != nil {
		log.Fatalf("Server failed to start: %v", err)
	}
}
