package models

import (
	"time"

	"github.com/google/uuid"

	dbtypes "github.com/angelmondragon/invitely-backend/pkg/db/types"
)

// UserTheme is a user-owned invitation theme whose uploaded asset is tracked in UploadMeta.
type UserTheme struct {
	ID         int64                `gorm:"column:id;primaryKey;autoIncrement"`
	UserID     uuid.UUID            `gorm:"column:user_id;type:uuid;not null;index"`
	Name       string               `gorm:"column:name;not null;default:''"`
	UploadMeta dbtypes.JSONDocument `gorm:"column:upload_meta;type:jsonb;not null"`
	CreatedAt  time.Time            `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt  time.Time            `gorm:"column:updated_at;autoUpdateTime"`
}

func (UserTheme) TableName() string { return "user_themes" }
