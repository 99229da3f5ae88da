package models

import (
	"time"

	"github.com/google/uuid"

	dbtypes "github.com/angelmondragon/invitely-backend/pkg/db/types"
)

// Event is an invitation owned by a single user. Photo slots live in OccasionData.
type Event struct {
	ID           int64                `gorm:"column:id;primaryKey;autoIncrement"`
	Slug         string               `gorm:"column:slug;not null;uniqueIndex"`
	OwnerID      uuid.UUID            `gorm:"column:owner_id;type:uuid;not null;index"`
	Category     string               `gorm:"column:category;not null"`
	Title        string               `gorm:"column:title;not null;default:''"`
	OccasionData dbtypes.JSONDocument `gorm:"column:occasion_data;type:jsonb;not null"`
	CreatedAt    time.Time            `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt    time.Time            `gorm:"column:updated_at;autoUpdateTime"`
}

func (Event) TableName() string { return "events" }
