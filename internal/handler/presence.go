package handler

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/arnav1296/eraser-backend/internal/presence"
	"github.com/arnav1296/eraser-backend/internal/session"
	"github.com/arnav1296/eraser-backend/internal/store"
)

// PresenceHandler serves "who is live on this board" to the CRUD surface.
type PresenceHandler struct {
	store    *store.BoardStore
	registry *session.Registry
	presence *presence.Manager
}

// NewPresenceHandler creates a PresenceHandler.
func NewPresenceHandler(boardStore *store.BoardStore, registry *session.Registry, presenceMgr *presence.Manager) *PresenceHandler {
	return &PresenceHandler{store: boardStore, registry: registry, presence: presenceMgr}
}

// GetBoardPresence returns the board's live members. Answers from the
// cross-server Redis records when available, falling back to this process's
// registry.
func (h *PresenceHandler) GetBoardPresence(c *fiber.Ctx) error {
	boardID := c.Params("boardId")
	if boardID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Board ID is required"})
	}

	userID := int64(0)
	if val := c.Locals("userID"); val != nil {
		userID = val.(int64)
	}

	if _, err := h.store.AccessibleBoard(boardID, userID); err != nil {
		if errors.Is(err, store.ErrBoardNotAccessible) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Board not found or access denied"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to check board access"})
	}

	if h.presence != nil {
		ctx, cancel := context.WithTimeout(c.Context(), 2*time.Second)
		defer cancel()
		if members, err := h.presence.Members(ctx, boardID); err == nil {
			return c.JSON(fiber.Map{
				"boardId":   boardID,
				"members":   members,
				"userCount": len(members),
			})
		}
	}

	members := h.registry.MembersOf(boardID)
	return c.JSON(fiber.Map{
		"boardId":   boardID,
		"members":   members,
		"userCount": len(members),
	})
}
