package store

import (
	"fmt"
	"sync"

	"github.com/automerge/automerge-go"

	"github.com/arnav1296/eraser-backend/internal/model"
)

// boardDoc is the live conflict-free document for one board, a derived
// cache of the stroke log. Strokes sit in a root "strokes" map keyed by
// stroke id.
type boardDoc struct {
	mu    sync.Mutex
	doc   *automerge.Doc
	dirty bool
	gen   uint64 // bumped on every mutation, guards markClean
}

func newBoardDoc() *boardDoc {
	return &boardDoc{doc: automerge.New()}
}

func loadBoardDoc(snapshot []byte) (*boardDoc, error) {
	if len(snapshot) == 0 {
		return newBoardDoc(), nil
	}

	doc, err := automerge.Load(snapshot)
	if err != nil {
		return nil, fmt.Errorf("load board document: %w", err)
	}
	return &boardDoc{doc: doc}, nil
}

// applyStroke folds one persisted stroke into the document.
func (d *boardDoc) applyStroke(s *model.Stroke) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.applyStrokeLocked(s)
}

func (d *boardDoc) applyStrokeLocked(s *model.Stroke) error {
	strokes := d.doc.Path("strokes").Map()
	if err := strokes.Set(s.ID, map[string]any{
		"tool":      s.Tool,
		"color":     s.Color,
		"width":     s.Width,
		"points":    s.Points,
		"createdAt": s.CreatedAt.UnixMilli(),
	}); err != nil {
		return err
	}
	d.markDirtyLocked()
	return nil
}

func (d *boardDoc) markDirtyLocked() {
	d.dirty = true
	d.gen++
}

// removeStroke drops a stroke from the document.
func (d *boardDoc) removeStroke(strokeID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	strokes := d.doc.Path("strokes").Map()
	if err := strokes.Delete(strokeID); err != nil {
		return err
	}
	d.markDirtyLocked()
	return nil
}

// clear removes every stroke from the document.
func (d *boardDoc) clear() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	strokes := d.doc.Path("strokes").Map()
	keys, err := strokes.Keys()
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := strokes.Delete(key); err != nil {
			return err
		}
	}
	d.markDirtyLocked()
	return nil
}

// strokeIDs returns the ids currently present in the document.
func (d *boardDoc) strokeIDs() ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.doc.Path("strokes").Map().Keys()
}

// save serializes the document.
func (d *boardDoc) save() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.doc.Save()
}

// mergeAndSave merges the previously persisted snapshot into the live
// document and serializes the result. Returns the generation the blob
// captures; pass it to markClean once the blob is durably stored.
func (d *boardDoc) mergeAndSave(persisted []byte) ([]byte, uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(persisted) > 0 {
		other, err := automerge.Load(persisted)
		if err != nil {
			return nil, 0, fmt.Errorf("load persisted document: %w", err)
		}
		if _, err := d.doc.Merge(other); err != nil {
			return nil, 0, fmt.Errorf("merge persisted document: %w", err)
		}
	}

	return d.doc.Save(), d.gen, nil
}

// markClean clears the dirty flag, unless the document changed after the
// given generation was saved.
func (d *boardDoc) markClean(gen uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.gen == gen {
		d.dirty = false
	}
}

// isDirty reports whether the document changed since the last flush.
func (d *boardDoc) isDirty() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dirty
}
