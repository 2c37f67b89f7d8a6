package server

import (
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"gorm.io/gorm"

	"github.com/arnav1296/eraser-backend/internal/auth"
	"github.com/arnav1296/eraser-backend/internal/config"
	"github.com/arnav1296/eraser-backend/internal/handler"
	"github.com/arnav1296/eraser-backend/internal/presence"
	"github.com/arnav1296/eraser-backend/internal/session"
	"github.com/arnav1296/eraser-backend/internal/store"
)

// Server wraps the Fiber app and the realtime components.
type Server struct {
	app             *fiber.App
	cfg             *config.Config
	db              *gorm.DB
	boardStore      *store.BoardStore
	registry        *session.Registry
	boardWSHandler  *handler.BoardWSHandler
	healthHandler   *handler.HealthHandler
	presenceHandler *handler.PresenceHandler
	jwtManager      *auth.JWTManager
}

// New creates the server and wires the realtime core. presenceMgr may be
// nil when Redis is not configured.
func New(cfg *config.Config, db *gorm.DB, boardStore *store.BoardStore, registry *session.Registry, presenceMgr *presence.Manager) *Server {
	app := fiber.New(fiber.Config{
		AppName:               "Eraser Realtime Sync",
		ServerHeader:          "Fiber",
		StrictRouting:         true,
		CaseSensitive:         true,
		ReadTimeout:           cfg.Server.ReadTimeout,
		WriteTimeout:          cfg.Server.WriteTimeout,
		IdleTimeout:           cfg.Server.IdleTimeout,
		Prefork:               false, // incompatible with websocket rooms
		ReadBufferSize:        16384,
		WriteBufferSize:       16384,
		DisableStartupMessage: false,
	})

	jwtManager := auth.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenExpiry)

	return &Server{
		app:             app,
		cfg:             cfg,
		db:              db,
		boardStore:      boardStore,
		registry:        registry,
		boardWSHandler:  handler.NewBoardWSHandler(boardStore, registry, presenceMgr, cfg.WebSocket.WriteTimeout),
		healthHandler:   handler.NewHealthHandler(db, presenceMgr),
		presenceHandler: handler.NewPresenceHandler(boardStore, registry, presenceMgr),
		jwtManager:      jwtManager,
	}
}

// SetupMiddleware installs the middleware stack.
func (s *Server) SetupMiddleware() {
	s.app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	s.app.Use(logger.New(logger.Config{
		Format:     "${time} | ${status} | ${latency} | ${ip} | ${method} ${path}\n",
		TimeFormat: "2006-01-02 15:04:05",
	}))

	s.app.Use(cors.New(cors.Config{
		AllowOrigins:     s.cfg.CORS.AllowOrigins,
		AllowHeaders:     s.cfg.CORS.AllowHeaders,
		AllowMethods:     "GET, POST, PUT, DELETE, OPTIONS",
		AllowCredentials: true,
	}))
}

// SetupRoutes installs the routes.
func (s *Server) SetupRoutes() {
	s.app.Get("/health", s.healthHandler.Check)
	s.app.Get("/health/live", s.healthHandler.Liveness)
	s.app.Get("/health/ready", s.healthHandler.Readiness)

	// Presence read for the CRUD surface.
	s.app.Get("/api/boards/:boardId/presence", auth.Middleware(s.jwtManager), s.presenceHandler.GetBoardPresence)

	// WebSocket upgrade gate.
	s.app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	// Board sync endpoint. The credential is checked before the upgrade;
	// failures close post-upgrade with a policy code so clients see why.
	s.app.Get("/ws/board", auth.WebsocketAuth(s.jwtManager), websocket.New(s.boardWSHandler.HandleWebSocket, websocket.Config{
		ReadBufferSize:   s.cfg.WebSocket.ReadBufferSize,
		WriteBufferSize:  s.cfg.WebSocket.WriteBufferSize,
		HandshakeTimeout: s.cfg.WebSocket.HandshakeTimeout,
	}))
}

// Start runs the server with graceful shutdown.
func (s *Server) Start() error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Println("🛑 Shutting down server...")
		if err := s.app.ShutdownWithTimeout(30 * time.Second); err != nil {
			log.Fatalf("Server shutdown error: %v", err)
		}
	}()

	log.Printf("🚀 Eraser Realtime Sync starting on %s", s.cfg.Server.Port)
	log.Printf("📡 WebSocket endpoint: ws://localhost%s/ws/board", s.cfg.Server.Port)

	return s.app.Listen(s.cfg.Server.Port)
}

// Shutdown stops the server.
func (s *Server) Shutdown() error {
	return s.app.ShutdownWithTimeout(30 * time.Second)
}
