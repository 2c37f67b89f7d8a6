package handler

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/arnav1296/eraser-backend/internal/presence"
)

// HealthHandler reports component health.
type HealthHandler struct {
	db       *gorm.DB
	presence *presence.Manager
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(db *gorm.DB, presenceMgr *presence.Manager) *HealthHandler {
	return &HealthHandler{db: db, presence: presenceMgr}
}

// ComponentCheck is one component's status.
type ComponentCheck struct {
	Status  string `json:"status"`
	Latency string `json:"latency,omitempty"`
	Error   string `json:"error,omitempty"`
}

// HealthResponse is the full health report.
type HealthResponse struct {
	Status    string                    `json:"status"`
	Timestamp string                    `json:"timestamp"`
	Checks    map[string]ComponentCheck `json:"checks"`
}

// Check reports overall status (database + presence store).
func (h *HealthHandler) Check(c *fiber.Ctx) error {
	response := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().Format(time.RFC3339),
		Checks:    make(map[string]ComponentCheck),
	}

	dbStart := time.Now()
	sqlDB, err := h.db.DB()
	if err != nil {
		response.Status = "unhealthy"
		response.Checks["database"] = ComponentCheck{
			Status: "unhealthy",
			Error:  "failed to get database connection",
		}
	} else if err := sqlDB.Ping(); err != nil {
		response.Status = "unhealthy"
		response.Checks["database"] = ComponentCheck{
			Status: "unhealthy",
			Error:  "database ping failed",
		}
	} else {
		response.Checks["database"] = ComponentCheck{
			Status:  "healthy",
			Latency: time.Since(dbStart).String(),
		}
	}

	if h.presence != nil {
		presenceStart := time.Now()
		ctx, cancel := context.WithTimeout(c.Context(), 2*time.Second)
		defer cancel()
		if _, err := h.presence.Members(ctx, "health-probe"); err != nil {
			// Presence is best-effort; a down Redis degrades, not fails.
			response.Checks["presence"] = ComponentCheck{
				Status: "degraded",
				Error:  "presence store unreachable",
			}
		} else {
			response.Checks["presence"] = ComponentCheck{
				Status:  "healthy",
				Latency: time.Since(presenceStart).String(),
			}
		}
	} else {
		response.Checks["presence"] = ComponentCheck{
			Status: "not_configured",
		}
	}

	statusCode := fiber.StatusOK
	if response.Status == "unhealthy" {
		statusCode = fiber.StatusServiceUnavailable
	}

	return c.Status(statusCode).JSON(response)
}

// Liveness is the K8s liveness probe.
func (h *HealthHandler) Liveness(c *fiber.Ctx) error {
	return c.SendString("OK")
}

// Readiness is the K8s readiness probe (DB connectivity).
func (h *HealthHandler) Readiness(c *fiber.Ctx) error {
	sqlDB, err := h.db.DB()
	if err != nil {
		return c.Status(fiber.StatusServiceUnavailable).SendString("NOT READY")
	}
	if err := sqlDB.Ping(); err != nil {
		return c.Status(fiber.StatusServiceUnavailable).SendString("NOT READY")
	}
	return c.SendString("READY")
}
