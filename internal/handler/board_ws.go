package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/gofiber/contrib/websocket"

	"github.com/arnav1296/eraser-backend/internal/auth"
	"github.com/arnav1296/eraser-backend/internal/presence"
	"github.com/arnav1296/eraser-backend/internal/session"
	"github.com/arnav1296/eraser-backend/internal/store"
)

// BoardWSHandler is the realtime protocol state machine. One goroutine per
// connection reads and dispatches frames sequentially, so a connection's
// events are handled in order; events from different connections on the
// same board interleave freely and rely on the store's commutative
// operations.
type BoardWSHandler struct {
	store        *store.BoardStore
	registry     *session.Registry
	presence     *presence.Manager // optional, nil disables presence publishing
	writeTimeout time.Duration
}

// NewBoardWSHandler creates a BoardWSHandler. writeTimeout bounds each
// outbound frame write; zero disables the deadline.
func NewBoardWSHandler(boardStore *store.BoardStore, registry *session.Registry, presenceMgr *presence.Manager, writeTimeout time.Duration) *BoardWSHandler {
	return &BoardWSHandler{
		store:        boardStore,
		registry:     registry,
		presence:     presenceMgr,
		writeTimeout: writeTimeout,
	}
}

// HandleWebSocket runs one connection from handshake to disconnect.
func (h *BoardWSHandler) HandleWebSocket(c *websocket.Conn) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[BoardWS] Panic recovered: %v", r)
		}
	}()
	defer c.Close()

	// Handshake auth already ran in the upgrade middleware; a failure there
	// must surface as a policy close, not a silent drop.
	if reason, ok := c.Locals(auth.LocalAuthError).(string); ok {
		closeWithPolicy(c, reason)
		return
	}
	claims, ok := c.Locals(auth.LocalClaims).(*auth.Claims)
	if !ok {
		closeWithPolicy(c, "missing credentials")
		return
	}

	conn := session.NewConnection(c, claims.UserID, claims.Nickname)
	conn.SetWriteTimeout(h.writeTimeout)
	h.registry.Register(conn)
	log.Printf("[BoardWS] Connected: user=%d socket=%s", conn.UserID, conn.ID)

	defer h.disconnect(conn)

	for {
		_, msgBytes, err := c.ReadMessage()
		if err != nil {
			break
		}
		h.handleMessage(conn, msgBytes)
	}
}

// handleMessage validates one inbound frame and dispatches it.
func (h *BoardWSHandler) handleMessage(conn *session.Connection, raw []byte) {
	var env wsEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		h.sendError(conn, "Invalid message")
		return
	}

	switch env.Type {
	case EventJoinBoard:
		var p JoinBoardPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			h.sendError(conn, "Invalid join_board payload")
			return
		}
		h.handleJoin(conn, &p)

	case EventStrokeStart, EventStrokeUpdate:
		var p StrokePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			h.sendError(conn, "Invalid stroke payload")
			return
		}
		h.handleEphemeralStroke(conn, env.Type, &p)

	case EventStrokeEnd:
		var p StrokePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			h.sendError(conn, "Invalid stroke payload")
			return
		}
		h.handleStrokeEnd(conn, &p)

	case EventStrokeDelete:
		var p StrokeDeletePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			h.sendError(conn, "Invalid stroke_delete payload")
			return
		}
		h.handleStrokeDelete(conn, &p)

	case EventBoardClear:
		var p BoardClearPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			h.sendError(conn, "Invalid board_clear payload")
			return
		}
		h.handleBoardClear(conn, &p)

	case EventCursorMove:
		var p CursorMovePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			// cursor traffic is best-effort, drop silently
			return
		}
		h.handleCursorMove(conn, &p)

	default:
		h.sendError(conn, "Unknown event type")
	}
}

// handleJoin admits the connection into a board room after the access
// check, migrating out of any previous room atomically.
func (h *BoardWSHandler) handleJoin(conn *session.Connection, p *JoinBoardPayload) {
	if p.BoardID == "" {
		h.sendError(conn, "Board ID required")
		return
	}

	if _, err := h.store.AccessibleBoard(p.BoardID, conn.UserID); err != nil {
		if errors.Is(err, store.ErrBoardNotAccessible) {
			h.sendError(conn, "Board not found or access denied")
		} else {
			log.Printf("[BoardWS] Access check failed for board %s: %v", p.BoardID, err)
			h.sendError(conn, "Failed to join board")
		}
		return
	}

	prevBoard, _ := conn.Board()
	peers := h.registry.Join(conn, p.BoardID)

	if prevBoard != "" && prevBoard != p.BoardID {
		h.registry.ToRoom(prevBoard, encodeEvent(EventUserLeft, conn.Member()), conn.ID)
		h.publishPresence(false, prevBoard, conn)
	}

	h.registry.ToRoom(p.BoardID, encodeEvent(EventUserJoined, conn.Member()), conn.ID)
	h.publishPresence(true, p.BoardID, conn)

	h.send(conn, EventBoardJoined, BoardJoinedPayload{
		BoardID:     p.BoardID,
		ActiveUsers: peers,
		UserCount:   len(peers) + 1,
	})

	log.Printf("[BoardWS] User %d joined board %s", conn.UserID, p.BoardID)
}

// handleEphemeralStroke relays in-progress drawing to the rest of the room.
// Nothing is persisted and the sender never hears its own echo.
func (h *BoardWSHandler) handleEphemeralStroke(conn *session.Connection, event string, p *StrokePayload) {
	if !h.requireJoined(conn, p.BoardID) {
		h.sendError(conn, "Not joined to this board")
		return
	}

	h.registry.ToRoom(p.BoardID, encodeEvent(event, StrokeBroadcast{
		Stroke:   p.Stroke,
		UserID:   conn.UserID,
		UserName: conn.UserName,
	}), conn.ID)
}

// handleStrokeEnd persists the finished stroke and confirms it to the whole
// room, sender included, so every client reconciles to the server id.
func (h *BoardWSHandler) handleStrokeEnd(conn *session.Connection, p *StrokePayload) {
	if !h.requireJoined(conn, p.BoardID) {
		h.sendError(conn, "Not joined to this board")
		return
	}
	if len(p.Stroke.Points) == 0 {
		h.sendError(conn, "Stroke points required")
		return
	}

	saved, err := h.store.CreateStroke(p.BoardID, &store.StrokeInput{
		Tool:   p.Stroke.Tool,
		Color:  p.Stroke.Color,
		Width:  p.Stroke.Width,
		Points: p.Stroke.Points,
	})
	if err != nil {
		log.Printf("[BoardWS] Failed to save stroke on board %s: %v", p.BoardID, err)
		h.sendError(conn, "Failed to save stroke")
		return
	}

	h.registry.ToRoom(p.BoardID, encodeEvent(EventStrokeSaved, StrokeBroadcast{
		Stroke: StrokeData{
			ID:        saved.ID,
			Tool:      saved.Tool,
			Color:     saved.Color,
			Width:     saved.Width,
			Points:    p.Stroke.Points,
			CreatedAt: saved.CreatedAt.Format(time.RFC3339),
		},
		UserID:   conn.UserID,
		UserName: conn.UserName,
	}), "")
}

// handleStrokeDelete removes one stroke and confirms to the whole room.
func (h *BoardWSHandler) handleStrokeDelete(conn *session.Connection, p *StrokeDeletePayload) {
	if !h.requireJoined(conn, p.BoardID) {
		h.sendError(conn, "Not joined to this board")
		return
	}

	if err := h.store.DeleteStroke(p.BoardID, conn.UserID, p.StrokeID); err != nil {
		switch {
		case errors.Is(err, store.ErrStrokeNotFound):
			h.sendError(conn, "Stroke not found")
		case errors.Is(err, store.ErrBoardNotAccessible):
			h.sendError(conn, "Board not found or access denied")
		default:
			log.Printf("[BoardWS] Failed to delete stroke %s: %v", p.StrokeID, err)
			h.sendError(conn, "Failed to delete stroke")
		}
		return
	}

	h.registry.ToRoom(p.BoardID, encodeEvent(EventStrokeDeleted, StrokeDeletedPayload{
		StrokeID: p.StrokeID,
		UserID:   conn.UserID,
		UserName: conn.UserName,
	}), "")
}

// handleBoardClear removes every stroke on the board and confirms to the
// whole room. Ownership is re-checked in the store.
func (h *BoardWSHandler) handleBoardClear(conn *session.Connection, p *BoardClearPayload) {
	if !h.requireJoined(conn, p.BoardID) {
		h.sendError(conn, "Not joined to this board")
		return
	}

	if err := h.store.ClearBoard(p.BoardID, conn.UserID); err != nil {
		if errors.Is(err, store.ErrBoardNotAccessible) {
			h.sendError(conn, "Board not found or access denied")
		} else {
			log.Printf("[BoardWS] Failed to clear board %s: %v", p.BoardID, err)
			h.sendError(conn, "Failed to clear board")
		}
		return
	}

	h.registry.ToRoom(p.BoardID, encodeEvent(EventBoardCleared, BoardClearedPayload{
		BoardID:  p.BoardID,
		UserID:   conn.UserID,
		UserName: conn.UserName,
	}), "")
}

// handleCursorMove relays a cursor position to the rest of the room. High
// frequency and lossy: a mismatched or missing room drops the event with no
// error surfaced.
func (h *BoardWSHandler) handleCursorMove(conn *session.Connection, p *CursorMovePayload) {
	if !h.requireJoined(conn, p.BoardID) {
		return
	}

	h.registry.ToRoom(p.BoardID, encodeEvent(EventCursorMoved, CursorMovedPayload{
		UserID:   conn.UserID,
		UserName: conn.UserName,
		X:        p.X,
		Y:        p.Y,
	}), conn.ID)
}

// disconnect evicts the connection and notifies its room. In-flight
// persistence issued on this connection's behalf is unaffected.
func (h *BoardWSHandler) disconnect(conn *session.Connection) {
	boardID, wasJoined := h.registry.Unregister(conn)
	if wasJoined {
		h.registry.ToRoom(boardID, encodeEvent(EventUserLeft, conn.Member()), conn.ID)
		h.publishPresence(false, boardID, conn)
	}
	log.Printf("[BoardWS] Disconnected: user=%d socket=%s", conn.UserID, conn.ID)
}

// requireJoined reports whether the connection is currently joined to the
// board it claims.
func (h *BoardWSHandler) requireJoined(conn *session.Connection, boardID string) bool {
	current, joined := conn.Board()
	return joined && boardID != "" && current == boardID
}

// publishPresence mirrors a membership change into Redis, off the message
// handling path.
func (h *BoardWSHandler) publishPresence(joined bool, boardID string, conn *session.Connection) {
	if h.presence == nil {
		return
	}

	userID, userName, socketID := conn.UserID, conn.UserName, conn.ID
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		var err error
		if joined {
			err = h.presence.SetMember(ctx, boardID, userID, userName, socketID)
		} else {
			err = h.presence.RemoveMember(ctx, boardID, userID, userName, socketID)
		}
		if err != nil {
			log.Printf("[BoardWS] Failed to publish presence for board %s: %v", boardID, err)
		}
	}()
}

// send delivers one event to a single connection.
func (h *BoardWSHandler) send(conn *session.Connection, event string, payload any) {
	data := encodeEvent(event, payload)
	if data == nil {
		return
	}
	if err := conn.Send(websocket.TextMessage, data); err != nil {
		log.Printf("[BoardWS] Failed to send %s to %s: %v", event, conn.ID, err)
	}
}

func (h *BoardWSHandler) sendError(conn *session.Connection, message string) {
	h.send(conn, EventError, ErrorPayload{Message: message})
}

// closeWithPolicy closes the raw socket with a policy violation status and
// a short human-readable reason, distinct from normal closure.
func closeWithPolicy(c *websocket.Conn, reason string) {
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	if err := c.WriteMessage(websocket.CloseMessage, msg); err != nil {
		log.Printf("[BoardWS] Failed to write close frame: %v", err)
	}
}
