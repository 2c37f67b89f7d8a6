package model

import (
	"time"
)

// Board is a drawing canvas owned by a single user. DocumentState holds the
// serialized conflict-free document used for fast resynchronization; the
// strokes table remains the source of truth for board content.
type Board struct {
	ID            string    `gorm:"type:uuid;primaryKey" json:"id"`
	Title         string    `gorm:"type:varchar(200);not null" json:"title"`
	OwnerID       int64     `gorm:"not null;index" json:"owner_id"`
	IsDeleted     bool      `gorm:"default:false;index" json:"is_deleted"`
	DocumentState []byte    `gorm:"type:bytea" json:"-"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`

	// Relations
	Strokes []Stroke `gorm:"foreignKey:BoardID" json:"strokes,omitempty"`
}

func (Board) TableName() string {
	return "boards"
}

// Stroke is one drawn path. Points is a JSON array of [x, y] float pairs
// (optionally with pressure/timestamp); it is replaced wholesale on update,
// never mutated point by point.
type Stroke struct {
	ID        string    `gorm:"type:uuid;primaryKey" json:"id"`
	BoardID   string    `gorm:"type:uuid;not null;index:idx_strokes_board_created" json:"board_id"`
	Tool      string    `gorm:"type:varchar(50);not null;default:'pen'" json:"tool"`
	Color     string    `gorm:"type:varchar(50);not null;default:'black'" json:"color"`
	Width     float64   `gorm:"not null;default:2" json:"strokeWidth"`
	Points    string    `gorm:"type:jsonb;not null" json:"points"`
	CreatedAt time.Time `gorm:"autoCreateTime;index:idx_strokes_board_created" json:"created_at"`

	// Relations
	Board Board `gorm:"foreignKey:BoardID" json:"board,omitempty"`
}

func (Stroke) TableName() string {
	return "strokes"
}
