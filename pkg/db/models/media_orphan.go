package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/invitely-backend/pkg/enums"
)

// MediaOrphan is an object-store key no media field references any more.
type MediaOrphan struct {
	ID         uuid.UUID          `gorm:"column:id;type:uuid;primaryKey"`
	ObjectKey  string             `gorm:"column:object_key;not null;uniqueIndex"`
	Reason     enums.OrphanReason `gorm:"column:reason;not null"`
	RecordKind enums.MediaKind    `gorm:"column:record_kind;not null"`
	RecordID   int64              `gorm:"column:record_id;not null"`
	Slot       string             `gorm:"column:slot;not null"`
	Attempts   int                `gorm:"column:attempts;not null;default:0"`
	LastError  *string            `gorm:"column:last_error"`
	CreatedAt  time.Time          `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt  time.Time          `gorm:"column:updated_at;autoUpdateTime"`
}

func (MediaOrphan) TableName() string { return "media_orphans" }

func (m *MediaOrphan) BeforeCreate(*gorm.DB) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	return nil
}
