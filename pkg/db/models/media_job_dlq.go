package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	dbtypes "github.com/angelmondragon/invitely-backend/pkg/db/types"
	"github.com/angelmondragon/invitely-backend/pkg/enums"
)

// MediaJobDLQ captures terminally failed media jobs for inspection and replay.
type MediaJobDLQ struct {
	ID           uuid.UUID            `gorm:"column:id;type:uuid;primaryKey"`
	JobID        string               `gorm:"column:job_id;not null;index"`
	QueueName    string               `gorm:"column:queue_name;not null"`
	RecordKind   enums.MediaKind      `gorm:"column:record_kind;not null"`
	RecordID     int64                `gorm:"column:record_id;not null"`
	Slot         string               `gorm:"column:slot;not null"`
	Payload      dbtypes.JSONDocument `gorm:"column:payload_json;type:jsonb;not null"`
	ErrorReason  enums.DLQErrorReason `gorm:"column:error_reason;not null"`
	ErrorMessage *string              `gorm:"column:error_message"`
	AttemptCount int                  `gorm:"column:attempt_count;not null;default:0"`
	FailedAt     time.Time            `gorm:"column:failed_at;not null"`
	CreatedAt    time.Time            `gorm:"column:created_at;autoCreateTime"`
}

func (MediaJobDLQ) TableName() string { return "media_job_dlq" }

func (m *MediaJobDLQ) BeforeCreate(*gorm.DB) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	return nil
}
