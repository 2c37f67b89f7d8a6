package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/arnav1296/eraser-backend/internal/model"
)

var (
	// ErrBoardNotAccessible means the board does not exist, is soft-deleted,
	// or is not owned by the requesting user. Callers cannot distinguish the
	// three on purpose.
	ErrBoardNotAccessible = errors.New("board not found or access denied")

	// ErrStrokeNotFound means the stroke does not exist on the given board.
	ErrStrokeNotFound = errors.New("stroke not found")
)

// StrokeInput is the payload accepted for stroke creation. The server
// assigns the id; client-proposed ids are ignored.
type StrokeInput struct {
	Tool   string      `json:"tool"`
	Color  string      `json:"color"`
	Width  float64     `json:"strokeWidth"`
	Points [][]float64 `json:"points"`
}

// BoardStore bridges the durable stroke log and the per-board conflict-free
// document. The stroke rows are authoritative; every accepted mutation is
// also folded into the live document, which is persisted periodically on a
// best-effort basis so rejoining clients can resync in one round-trip.
type BoardStore struct {
	db   *gorm.DB
	mu   sync.Mutex
	docs map[string]*boardDoc
}

// NewBoardStore creates a BoardStore.
func NewBoardStore(db *gorm.DB) *BoardStore {
	return &BoardStore{
		db:   db,
		docs: make(map[string]*boardDoc),
	}
}

// AccessibleBoard checks that the board exists, is not soft-deleted and is
// owned by the given user.
func (s *BoardStore) AccessibleBoard(boardID string, userID int64) (*model.Board, error) {
	var board model.Board
	err := s.db.Select("id", "title", "owner_id", "created_at", "updated_at").
		Where("id = ? AND owner_id = ? AND is_deleted = ?", boardID, userID, false).
		First(&board).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrBoardNotAccessible
		}
		return nil, err
	}
	return &board, nil
}

// CreateStroke appends a stroke to the board's log and folds it into the
// document. The returned stroke carries the server-assigned id.
func (s *BoardStore) CreateStroke(boardID string, in *StrokeInput) (*model.Stroke, error) {
	points, err := json.Marshal(in.Points)
	if err != nil {
		return nil, fmt.Errorf("encode points: %w", err)
	}

	stroke := &model.Stroke{
		ID:      uuid.NewString(),
		BoardID: boardID,
		Tool:    in.Tool,
		Color:   in.Color,
		Width:   in.Width,
		Points:  string(points),
	}
	if stroke.Tool == "" {
		stroke.Tool = "pen"
	}
	if stroke.Color == "" {
		stroke.Color = "black"
	}
	if stroke.Width <= 0 {
		stroke.Width = 2
	}

	if err := s.db.Create(stroke).Error; err != nil {
		return nil, err
	}

	s.foldStroke(boardID, stroke)
	return stroke, nil
}

// DeleteStroke removes one stroke, scoped to (board, owner).
func (s *BoardStore) DeleteStroke(boardID string, ownerID int64, strokeID string) error {
	if _, err := s.AccessibleBoard(boardID, ownerID); err != nil {
		return err
	}

	res := s.db.Where("id = ? AND board_id = ?", strokeID, boardID).Delete(&model.Stroke{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStrokeNotFound
	}

	if doc, err := s.getDoc(boardID); err == nil {
		if err := doc.removeStroke(strokeID); err != nil {
			log.Printf("[Store] Failed to fold stroke delete into document for board %s: %v", boardID, err)
		}
	}
	return nil
}

// ClearBoard removes every stroke on the board, scoped to the owner.
func (s *BoardStore) ClearBoard(boardID string, ownerID int64) error {
	if _, err := s.AccessibleBoard(boardID, ownerID); err != nil {
		return err
	}

	if err := s.db.Where("board_id = ?", boardID).Delete(&model.Stroke{}).Error; err != nil {
		return err
	}

	if doc, err := s.getDoc(boardID); err == nil {
		if err := doc.clear(); err != nil {
			log.Printf("[Store] Failed to clear document for board %s: %v", boardID, err)
		}
	}
	return nil
}

// ReplaceAllStrokes swaps the board's entire stroke set, scoped to the
// owner. Used by the REST collaborator's bulk update path.
func (s *BoardStore) ReplaceAllStrokes(boardID string, ownerID int64, inputs []*StrokeInput) ([]model.Stroke, error) {
	if _, err := s.AccessibleBoard(boardID, ownerID); err != nil {
		return nil, err
	}

	strokes := make([]model.Stroke, 0, len(inputs))
	for _, in := range inputs {
		points, err := json.Marshal(in.Points)
		if err != nil {
			return nil, fmt.Errorf("encode points: %w", err)
		}
		stroke := model.Stroke{
			ID:      uuid.NewString(),
			BoardID: boardID,
			Tool:    in.Tool,
			Color:   in.Color,
			Width:   in.Width,
			Points:  string(points),
		}
		if stroke.Tool == "" {
			stroke.Tool = "pen"
		}
		if stroke.Color == "" {
			stroke.Color = "black"
		}
		if stroke.Width <= 0 {
			stroke.Width = 2
		}
		strokes = append(strokes, stroke)
	}

	tx := s.db.Begin()
	if err := tx.Where("board_id = ?", boardID).Delete(&model.Stroke{}).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	if len(strokes) > 0 {
		if err := tx.Create(&strokes).Error; err != nil {
			tx.Rollback()
			return nil, err
		}
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	// delete through the live document so tombstones survive later merges
	if doc, err := s.getDoc(boardID); err == nil {
		if err := doc.clear(); err != nil {
			log.Printf("[Store] Failed to clear document for board %s: %v", boardID, err)
		}
		for i := range strokes {
			if err := doc.applyStroke(&strokes[i]); err != nil {
				log.Printf("[Store] Failed to fold stroke %s into document for board %s: %v", strokes[i].ID, boardID, err)
			}
		}
	}
	return strokes, nil
}

// ListStrokes returns the board's strokes in creation order, scoped to the
// owner. This is the authoritative history read path.
func (s *BoardStore) ListStrokes(boardID string, ownerID int64) ([]model.Stroke, error) {
	if _, err := s.AccessibleBoard(boardID, ownerID); err != nil {
		return nil, err
	}

	var strokes []model.Stroke
	if err := s.db.Where("board_id = ?", boardID).
		Order("created_at ASC, id ASC").
		Find(&strokes).Error; err != nil {
		return nil, err
	}
	return strokes, nil
}

// ReadDocument returns the serialized conflict-free document for the board:
// the live document if the board is active on this process, the persisted
// snapshot on cold start, or an empty document.
func (s *BoardStore) ReadDocument(boardID string) ([]byte, error) {
	doc, err := s.getDoc(boardID)
	if err != nil {
		return nil, err
	}
	return doc.save(), nil
}

// WriteDocument persists the board's document snapshot, merging with
// whatever is already stored so a stale writer never reverts a newer state.
func (s *BoardStore) WriteDocument(boardID string) error {
	doc, err := s.getDoc(boardID)
	if err != nil {
		return err
	}

	var board model.Board
	err = s.db.Select("document_state").Where("id = ?", boardID).First(&board).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	blob, gen, err := doc.mergeAndSave(board.DocumentState)
	if err != nil {
		return err
	}

	// the document stays dirty until the update commits, so a failed write
	// is retried on the next flush tick
	if err := s.db.Model(&model.Board{}).Where("id = ?", boardID).
		Update("document_state", blob).Error; err != nil {
		return err
	}

	doc.markClean(gen)
	return nil
}

// RebuildDocument reconstructs the document from the authoritative stroke
// log and persists it, replacing both the cached document and the stored
// snapshot. The rebuilt snapshot overwrites rather than merges: the fresh
// document has no tombstones for previously deleted strokes.
func (s *BoardStore) RebuildDocument(boardID string) ([]byte, error) {
	var strokes []model.Stroke
	if err := s.db.Where("board_id = ?", boardID).
		Order("created_at ASC, id ASC").
		Find(&strokes).Error; err != nil {
		return nil, err
	}

	doc := newBoardDoc()
	for i := range strokes {
		if err := doc.applyStroke(&strokes[i]); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	s.docs[boardID] = doc
	s.mu.Unlock()

	blob, gen, err := doc.mergeAndSave(nil)
	if err != nil {
		return nil, err
	}
	if err := s.db.Model(&model.Board{}).Where("id = ?", boardID).
		Update("document_state", blob).Error; err != nil {
		log.Printf("[Store] Failed to persist rebuilt snapshot for board %s: %v", boardID, err)
	} else {
		doc.markClean(gen)
	}
	return blob, nil
}

// RunSnapshotLoop periodically persists dirty documents until the context
// is cancelled. Failures are logged and retried on the next tick; they
// never affect the stroke log.
func (s *BoardStore) RunSnapshotLoop(ctx context.Context, interval time.Duration) {
	log.Printf("[Store] Snapshot loop started (interval: %s)", interval)
	defer log.Printf("[Store] Snapshot loop stopped")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.FlushSnapshots()
			return
		case <-ticker.C:
			s.FlushSnapshots()
		}
	}
}

// FlushSnapshots persists every dirty document, best-effort.
func (s *BoardStore) FlushSnapshots() {
	s.mu.Lock()
	dirty := make([]string, 0, len(s.docs))
	for boardID, doc := range s.docs {
		if doc.isDirty() {
			dirty = append(dirty, boardID)
		}
	}
	s.mu.Unlock()

	for _, boardID := range dirty {
		if err := s.WriteDocument(boardID); err != nil {
			log.Printf("[Store] Failed to persist snapshot for board %s: %v", boardID, err)
		}
	}
}

// foldStroke applies an accepted stroke to the live document. The stroke is
// already durable in the log, so folding failures only delay snapshot
// freshness and are logged rather than surfaced.
func (s *BoardStore) foldStroke(boardID string, stroke *model.Stroke) {
	doc, err := s.getDoc(boardID)
	if err != nil {
		log.Printf("[Store] Failed to open document for board %s: %v", boardID, err)
		return
	}
	if err := doc.applyStroke(stroke); err != nil {
		log.Printf("[Store] Failed to fold stroke %s into document for board %s: %v", stroke.ID, boardID, err)
	}
}

// getDoc returns the live document for a board, rehydrating from the
// persisted snapshot on first access.
func (s *BoardStore) getDoc(boardID string) (*boardDoc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if doc, ok := s.docs[boardID]; ok {
		return doc, nil
	}

	var board model.Board
	err := s.db.Select("document_state").Where("id = ?", boardID).First(&board).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	doc, err := loadBoardDoc(board.DocumentState)
	if err != nil {
		// A corrupt snapshot is recoverable: the stroke log is authoritative.
		log.Printf("[Store] Corrupt snapshot for board %s, starting empty: %v", boardID, err)
		doc = newBoardDoc()
	}

	s.docs[boardID] = doc
	return doc, nil
}
