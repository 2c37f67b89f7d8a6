package handler

import (
	"encoding/json"
	"log"

	"github.com/arnav1296/eraser-backend/internal/session"
)

// Client -> server event names.
const (
	EventJoinBoard    = "join_board"
	EventStrokeStart  = "stroke_start"
	EventStrokeUpdate = "stroke_update"
	EventStrokeEnd    = "stroke_end"
	EventStrokeDelete = "stroke_delete"
	EventBoardClear   = "board_clear"
	EventCursorMove   = "cursor_move"
)

// Server -> client event names.
const (
	EventBoardJoined   = "board_joined"
	EventUserJoined    = "user_joined"
	EventUserLeft      = "user_left"
	EventStrokeSaved   = "stroke_saved"
	EventStrokeDeleted = "stroke_deleted"
	EventBoardCleared  = "board_cleared"
	EventCursorMoved   = "cursor_moved"
	EventError         = "error"
)

// wsEnvelope is the inbound frame. The payload stays raw until the event
// type selects a concrete variant; unknown or malformed payloads are
// rejected before any handler runs.
type wsEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// WSMessage is the outbound frame.
type WSMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// JoinBoardPayload asks to enter a board room.
type JoinBoardPayload struct {
	BoardID string `json:"boardId"`
}

// StrokeData is the wire form of a stroke. Points are [x, y] float pairs,
// transmitted as-is with no quantization.
type StrokeData struct {
	ID        string      `json:"id,omitempty"`
	Tool      string      `json:"tool"`
	Color     string      `json:"color"`
	Width     float64     `json:"strokeWidth"`
	Points    [][]float64 `json:"points"`
	CreatedAt string      `json:"created_at,omitempty"`
}

// StrokePayload carries stroke_start, stroke_update and stroke_end.
type StrokePayload struct {
	BoardID string     `json:"boardId"`
	Stroke  StrokeData `json:"stroke"`
}

// StrokeDeletePayload identifies one stroke to remove.
type StrokeDeletePayload struct {
	BoardID  string `json:"boardId"`
	StrokeID string `json:"strokeId"`
}

// BoardClearPayload asks to remove every stroke on a board.
type BoardClearPayload struct {
	BoardID string `json:"boardId"`
}

// CursorMovePayload is a best-effort cursor position update.
type CursorMovePayload struct {
	BoardID string  `json:"boardId"`
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
}

// BoardJoinedPayload hydrates a client that just entered a room.
type BoardJoinedPayload struct {
	BoardID     string           `json:"boardId"`
	ActiveUsers []session.Member `json:"activeUsers"`
	UserCount   int              `json:"userCount"`
}

// StrokeBroadcast relays a stroke with its author attached.
type StrokeBroadcast struct {
	Stroke   StrokeData `json:"stroke"`
	UserID   int64      `json:"userId"`
	UserName string     `json:"userName"`
}

// StrokeDeletedPayload confirms a deletion to the room.
type StrokeDeletedPayload struct {
	StrokeID string `json:"strokeId"`
	UserID   int64  `json:"userId"`
	UserName string `json:"userName"`
}

// BoardClearedPayload confirms a board clear to the room.
type BoardClearedPayload struct {
	BoardID  string `json:"boardId"`
	UserID   int64  `json:"userId"`
	UserName string `json:"userName"`
}

// CursorMovedPayload relays a peer's cursor position.
type CursorMovedPayload struct {
	UserID   int64   `json:"userId"`
	UserName string  `json:"userName"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
}

// ErrorPayload is a non-fatal, connection-scoped error notice.
type ErrorPayload struct {
	Message string `json:"message"`
}

// encodeEvent marshals an outbound frame. Returns nil on marshal failure,
// which callers treat as "nothing to send".
func encodeEvent(event string, payload any) []byte {
	data, err := json.Marshal(WSMessage{Type: event, Payload: payload})
	if err != nil {
		log.Printf("[BoardWS] Failed to marshal %s event: %v", event, err)
		return nil
	}
	return data
}
