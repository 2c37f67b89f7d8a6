package handler

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/arnav1296/eraser-backend/internal/model"
	"github.com/arnav1296/eraser-backend/internal/session"
	"github.com/arnav1296/eraser-backend/internal/store"
)

// fakeConn records every frame written to it.
type fakeConn struct {
	mu     sync.Mutex
	frames [][]byte
}

func (f *fakeConn) WriteMessage(_ int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, append([]byte(nil), data...))
	return nil
}

func (f *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeConn) Close() error { return nil }

type recordedFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func (f *fakeConn) recorded(t *testing.T) []recordedFrame {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()

	frames := make([]recordedFrame, 0, len(f.frames))
	for _, raw := range f.frames {
		var fr recordedFrame
		require.NoError(t, json.Unmarshal(raw, &fr))
		frames = append(frames, fr)
	}
	return frames
}

func (f *fakeConn) lastOfType(t *testing.T, event string) (recordedFrame, bool) {
	t.Helper()
	frames := f.recorded(t)
	for i := len(frames) - 1; i >= 0; i-- {
		if frames[i].Type == event {
			return frames[i], true
		}
	}
	return recordedFrame{}, false
}

func (f *fakeConn) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = nil
}

func newTestHandler(t *testing.T) (*BoardWSHandler, *gorm.DB) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(&model.Board{}, &model.Stroke{}))

	h := NewBoardWSHandler(store.NewBoardStore(db), session.NewRegistry(), nil, 5*time.Second)
	return h, db
}

func seedBoard(t *testing.T, db *gorm.DB, ownerID int64) *model.Board {
	t.Helper()
	board := &model.Board{
		ID:      uuid.NewString(),
		Title:   "test board",
		OwnerID: ownerID,
	}
	require.NoError(t, db.Create(board).Error)
	return board
}

func connect(h *BoardWSHandler, userID int64, userName string) (*session.Connection, *fakeConn) {
	fc := &fakeConn{}
	conn := session.NewConnection(fc, userID, userName)
	h.registry.Register(conn)
	return conn, fc
}

func frame(t *testing.T, event string, payload any) []byte {
	t.Helper()
	raw, err := json.Marshal(map[string]any{"type": event, "payload": payload})
	require.NoError(t, err)
	return raw
}

func join(t *testing.T, h *BoardWSHandler, conn *session.Connection, boardID string) {
	t.Helper()
	h.handleMessage(conn, frame(t, EventJoinBoard, JoinBoardPayload{BoardID: boardID}))
	board, joined := conn.Board()
	require.True(t, joined)
	require.Equal(t, boardID, board)
}

func assertErrorFrame(t *testing.T, fc *fakeConn, message string) {
	t.Helper()
	fr, ok := fc.lastOfType(t, EventError)
	require.True(t, ok, "expected an error frame")
	var p ErrorPayload
	require.NoError(t, json.Unmarshal(fr.Payload, &p))
	assert.Equal(t, message, p.Message)
}

func TestJoinBoardHydratesClient(t *testing.T) {
	h, db := newTestHandler(t)
	board := seedBoard(t, db, 1)

	alice, aliceConn := connect(h, 1, "alice")
	join(t, h, alice, board.ID)

	fr, ok := aliceConn.lastOfType(t, EventBoardJoined)
	require.True(t, ok)
	var p BoardJoinedPayload
	require.NoError(t, json.Unmarshal(fr.Payload, &p))
	assert.Equal(t, board.ID, p.BoardID)
	assert.Empty(t, p.ActiveUsers)
	assert.Equal(t, 1, p.UserCount)
}

func TestJoinBoardNotifiesPeers(t *testing.T) {
	h, db := newTestHandler(t)

	board := seedBoard(t, db, 1)

	alice, aliceConn := connect(h, 1, "alice")
	join(t, h, alice, board.ID)
	aliceConn.reset()

	// flip ownership so the second user clears the access check too
	require.NoError(t, db.Model(&model.Board{}).Where("id = ?", board.ID).Update("owner_id", 2).Error)
	bob, bobConn := connect(h, 2, "bob")
	join(t, h, bob, board.ID)

	// alice hears about bob
	fr, ok := aliceConn.lastOfType(t, EventUserJoined)
	require.True(t, ok)
	var m session.Member
	require.NoError(t, json.Unmarshal(fr.Payload, &m))
	assert.Equal(t, int64(2), m.UserID)
	assert.Equal(t, bob.ID, m.SocketID)

	// bob's hydration lists alice and counts both
	joined, ok := bobConn.lastOfType(t, EventBoardJoined)
	require.True(t, ok)
	var p BoardJoinedPayload
	require.NoError(t, json.Unmarshal(joined.Payload, &p))
	require.Len(t, p.ActiveUsers, 1)
	assert.Equal(t, int64(1), p.ActiveUsers[0].UserID)
	assert.Equal(t, 2, p.UserCount)

	// bob never hears his own user_joined
	_, ok = bobConn.lastOfType(t, EventUserJoined)
	assert.False(t, ok)
}

func TestJoinBoardDenied(t *testing.T) {
	h, db := newTestHandler(t)
	board := seedBoard(t, db, 1)

	mallory, malloryConn := connect(h, 2, "mallory")
	h.handleMessage(mallory, frame(t, EventJoinBoard, JoinBoardPayload{BoardID: board.ID}))

	assertErrorFrame(t, malloryConn, "Board not found or access denied")
	_, joined := mallory.Board()
	assert.False(t, joined)
	assert.Equal(t, 0, h.registry.RoomSize(board.ID))
}

func TestJoinBoardRequiresID(t *testing.T) {
	h, _ := newTestHandler(t)

	alice, aliceConn := connect(h, 1, "alice")
	h.handleMessage(alice, frame(t, EventJoinBoard, JoinBoardPayload{}))

	assertErrorFrame(t, aliceConn, "Board ID required")
}

func TestStrokeEndBeforeJoinIsRejected(t *testing.T) {
	h, db := newTestHandler(t)
	board := seedBoard(t, db, 1)

	alice, aliceConn := connect(h, 1, "alice")
	h.handleMessage(alice, frame(t, EventStrokeEnd, StrokePayload{
		BoardID: board.ID,
		Stroke:  StrokeData{Points: [][]float64{{0, 0}}},
	}))

	assertErrorFrame(t, aliceConn, "Not joined to this board")

	var count int64
	db.Model(&model.Stroke{}).Count(&count)
	assert.Equal(t, int64(0), count)
}

func TestStrokeEndSavesAndConfirmsToEveryone(t *testing.T) {
	h, db := newTestHandler(t)
	board := seedBoard(t, db, 1)

	alice, aliceConn := connect(h, 1, "alice")
	join(t, h, alice, board.ID)

	require.NoError(t, db.Model(&model.Board{}).Where("id = ?", board.ID).Update("owner_id", 2).Error)
	bob, bobConn := connect(h, 2, "bob")
	join(t, h, bob, board.ID)

	aliceConn.reset()
	bobConn.reset()

	h.handleMessage(alice, frame(t, EventStrokeEnd, StrokePayload{
		BoardID: board.ID,
		Stroke:  StrokeData{ID: "client-temp-id", Points: [][]float64{{0, 0}, {10, 10}}},
	}))

	aliceFr, ok := aliceConn.lastOfType(t, EventStrokeSaved)
	require.True(t, ok, "sender must receive the confirmation too")
	bobFr, ok := bobConn.lastOfType(t, EventStrokeSaved)
	require.True(t, ok)
	assert.JSONEq(t, string(aliceFr.Payload), string(bobFr.Payload))

	var p StrokeBroadcast
	require.NoError(t, json.Unmarshal(aliceFr.Payload, &p))
	assert.NotEmpty(t, p.Stroke.ID)
	assert.NotEqual(t, "client-temp-id", p.Stroke.ID)
	assert.Equal(t, "pen", p.Stroke.Tool)
	assert.Equal(t, int64(1), p.UserID)
	assert.Equal(t, "alice", p.UserName)

	var count int64
	db.Model(&model.Stroke{}).Where("id = ?", p.Stroke.ID).Count(&count)
	assert.Equal(t, int64(1), count)
}

func TestStrokeEndRequiresPoints(t *testing.T) {
	h, db := newTestHandler(t)
	board := seedBoard(t, db, 1)

	alice, aliceConn := connect(h, 1, "alice")
	join(t, h, alice, board.ID)

	h.handleMessage(alice, frame(t, EventStrokeEnd, StrokePayload{
		BoardID: board.ID,
		Stroke:  StrokeData{},
	}))

	assertErrorFrame(t, aliceConn, "Stroke points required")
}

func TestEphemeralStrokeExcludesSender(t *testing.T) {
	h, db := newTestHandler(t)
	board := seedBoard(t, db, 1)

	alice, aliceConn := connect(h, 1, "alice")
	join(t, h, alice, board.ID)

	require.NoError(t, db.Model(&model.Board{}).Where("id = ?", board.ID).Update("owner_id", 2).Error)
	bob, bobConn := connect(h, 2, "bob")
	join(t, h, bob, board.ID)

	aliceConn.reset()
	bobConn.reset()

	h.handleMessage(alice, frame(t, EventStrokeUpdate, StrokePayload{
		BoardID: board.ID,
		Stroke:  StrokeData{Points: [][]float64{{1, 2}}},
	}))

	_, ok := aliceConn.lastOfType(t, EventStrokeUpdate)
	assert.False(t, ok, "sender must not hear its own echo")

	fr, ok := bobConn.lastOfType(t, EventStrokeUpdate)
	require.True(t, ok)
	var p StrokeBroadcast
	require.NoError(t, json.Unmarshal(fr.Payload, &p))
	assert.Equal(t, int64(1), p.UserID)

	// ephemeral traffic persists nothing
	var count int64
	db.Model(&model.Stroke{}).Count(&count)
	assert.Equal(t, int64(0), count)
}

func TestJoinMigrationLeavesPreviousRoom(t *testing.T) {
	h, db := newTestHandler(t)
	boardB := seedBoard(t, db, 1)
	boardC := seedBoard(t, db, 1)

	alice, aliceConn := connect(h, 1, "alice")
	join(t, h, alice, boardB.ID)
	join(t, h, alice, boardC.ID)

	assert.Equal(t, 0, h.registry.RoomSize(boardB.ID))
	assert.Equal(t, 1, h.registry.RoomSize(boardC.ID))

	aliceConn.reset()
	h.handleMessage(alice, frame(t, EventStrokeEnd, StrokePayload{
		BoardID: boardB.ID,
		Stroke:  StrokeData{Points: [][]float64{{0, 0}}},
	}))
	assertErrorFrame(t, aliceConn, "Not joined to this board")

	var count int64
	db.Model(&model.Stroke{}).Where("board_id = ?", boardB.ID).Count(&count)
	assert.Equal(t, int64(0), count)
}

func TestStrokeDeleteConfirmsToRoom(t *testing.T) {
	h, db := newTestHandler(t)
	board := seedBoard(t, db, 1)

	alice, aliceConn := connect(h, 1, "alice")
	join(t, h, alice, board.ID)

	h.handleMessage(alice, frame(t, EventStrokeEnd, StrokePayload{
		BoardID: board.ID,
		Stroke:  StrokeData{Points: [][]float64{{0, 0}}},
	}))
	saved, ok := aliceConn.lastOfType(t, EventStrokeSaved)
	require.True(t, ok)
	var sp StrokeBroadcast
	require.NoError(t, json.Unmarshal(saved.Payload, &sp))

	aliceConn.reset()
	h.handleMessage(alice, frame(t, EventStrokeDelete, StrokeDeletePayload{
		BoardID:  board.ID,
		StrokeID: sp.Stroke.ID,
	}))

	fr, ok := aliceConn.lastOfType(t, EventStrokeDeleted)
	require.True(t, ok)
	var p StrokeDeletedPayload
	require.NoError(t, json.Unmarshal(fr.Payload, &p))
	assert.Equal(t, sp.Stroke.ID, p.StrokeID)

	var count int64
	db.Model(&model.Stroke{}).Count(&count)
	assert.Equal(t, int64(0), count)
}

func TestStrokeDeleteUnknownID(t *testing.T) {
	h, db := newTestHandler(t)
	board := seedBoard(t, db, 1)

	alice, aliceConn := connect(h, 1, "alice")
	join(t, h, alice, board.ID)

	h.handleMessage(alice, frame(t, EventStrokeDelete, StrokeDeletePayload{
		BoardID:  board.ID,
		StrokeID: uuid.NewString(),
	}))
	assertErrorFrame(t, aliceConn, "Stroke not found")
}

func TestBoardClear(t *testing.T) {
	h, db := newTestHandler(t)
	board := seedBoard(t, db, 1)

	alice, aliceConn := connect(h, 1, "alice")
	join(t, h, alice, board.ID)

	h.handleMessage(alice, frame(t, EventStrokeEnd, StrokePayload{
		BoardID: board.ID,
		Stroke:  StrokeData{Points: [][]float64{{0, 0}}},
	}))

	aliceConn.reset()
	h.handleMessage(alice, frame(t, EventBoardClear, BoardClearPayload{BoardID: board.ID}))

	fr, ok := aliceConn.lastOfType(t, EventBoardCleared)
	require.True(t, ok)
	var p BoardClearedPayload
	require.NoError(t, json.Unmarshal(fr.Payload, &p))
	assert.Equal(t, board.ID, p.BoardID)
	assert.Equal(t, int64(1), p.UserID)

	var count int64
	db.Model(&model.Stroke{}).Where("board_id = ?", board.ID).Count(&count)
	assert.Equal(t, int64(0), count)
}

func TestCursorMoveRelaysWithoutEcho(t *testing.T) {
	h, db := newTestHandler(t)
	board := seedBoard(t, db, 1)

	alice, aliceConn := connect(h, 1, "alice")
	join(t, h, alice, board.ID)

	require.NoError(t, db.Model(&model.Board{}).Where("id = ?", board.ID).Update("owner_id", 2).Error)
	bob, bobConn := connect(h, 2, "bob")
	join(t, h, bob, board.ID)

	aliceConn.reset()
	bobConn.reset()

	h.handleMessage(alice, frame(t, EventCursorMove, CursorMovePayload{
		BoardID: board.ID,
		X:       3.5,
		Y:       7.25,
	}))

	fr, ok := bobConn.lastOfType(t, EventCursorMoved)
	require.True(t, ok)
	var p CursorMovedPayload
	require.NoError(t, json.Unmarshal(fr.Payload, &p))
	assert.Equal(t, 3.5, p.X)
	assert.Equal(t, 7.25, p.Y)
	assert.Equal(t, int64(1), p.UserID)

	assert.Empty(t, aliceConn.recorded(t))
}

func TestCursorMoveDroppedWhenNotJoined(t *testing.T) {
	h, db := newTestHandler(t)
	board := seedBoard(t, db, 1)

	alice, aliceConn := connect(h, 1, "alice")
	h.handleMessage(alice, frame(t, EventCursorMove, CursorMovePayload{
		BoardID: board.ID,
		X:       1,
		Y:       1,
	}))

	assert.Empty(t, aliceConn.recorded(t))
}

func TestDisconnectNotifiesRoom(t *testing.T) {
	h, db := newTestHandler(t)
	board := seedBoard(t, db, 1)

	alice, _ := connect(h, 1, "alice")
	join(t, h, alice, board.ID)

	require.NoError(t, db.Model(&model.Board{}).Where("id = ?", board.ID).Update("owner_id", 2).Error)
	bob, bobConn := connect(h, 2, "bob")
	join(t, h, bob, board.ID)
	bobConn.reset()

	h.disconnect(alice)

	fr, ok := bobConn.lastOfType(t, EventUserLeft)
	require.True(t, ok)
	var m session.Member
	require.NoError(t, json.Unmarshal(fr.Payload, &m))
	assert.Equal(t, int64(1), m.UserID)
	assert.Equal(t, alice.ID, m.SocketID)

	members := h.registry.MembersOf(board.ID)
	require.Len(t, members, 1)
	assert.Equal(t, int64(2), members[0].UserID)
}

func TestMalformedAndUnknownFrames(t *testing.T) {
	h, _ := newTestHandler(t)

	alice, aliceConn := connect(h, 1, "alice")

	h.handleMessage(alice, []byte("{not json"))
	assertErrorFrame(t, aliceConn, "Invalid message")

	aliceConn.reset()
	h.handleMessage(alice, frame(t, "teleport", map[string]any{}))
	assertErrorFrame(t, aliceConn, "Unknown event type")
}
