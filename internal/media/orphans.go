package media

import (
	"context"
	"strings"

	"gorm.io/gorm"

	"github.com/angelmondragon/invitely-backend/internal/repo"
	"github.com/angelmondragon/invitely-backend/pkg/db/models"
	"github.com/angelmondragon/invitely-backend/pkg/enums"
)

const maxOrphanErrorLen = 1024

// Orphan is an object key handed to the reconciliation sweep.
type Orphan struct {
	Key    string
	Reason enums.OrphanReason
	Ref    RecordRef
	Slot   string
	Cause  error
}

// OrphanRepository persists the orphan ledger.
type OrphanRepository struct {
	repo.Base
}

func NewOrphanRepository(db *gorm.DB) *OrphanRepository {
	return &OrphanRepository{Base: repo.NewBase(db)}
}

// Record adds key to the ledger. Recording a key twice refreshes its reason and error.
func (r *OrphanRepository) Record(ctx context.Context, o Orphan) error {
	key := strings.TrimSpace(o.Key)
	if key == "" {
		return nil
	}
	row := &models.MediaOrphan{
		ObjectKey:  key,
		Reason:     o.Reason,
		RecordKind: o.Ref.Kind,
		RecordID:   o.Ref.ID,
		Slot:       o.Slot,
	}
	if o.Cause != nil {
		msg := truncate(o.Cause.Error(), maxOrphanErrorLen)
		row.LastError = &msg
	}
	_, err := r.Upsert(ctx, row, []string{"object_key"}, "reason", "last_error", "updated_at")
	return err
}

// List returns the oldest ledger entries first.
func (r *OrphanRepository) List(ctx context.Context, limit int) ([]models.MediaOrphan, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []models.MediaOrphan
	err := r.DB(ctx).Order("created_at ASC").Limit(limit).Find(&rows).Error
	return rows, err
}

// Delete removes key from the ledger.
func (r *OrphanRepository) Delete(ctx context.Context, key string) error {
	return r.DB(ctx).Where("object_key = ?", key).Delete(&models.MediaOrphan{}).Error
}

// MarkAttempt counts a failed deletion of key.
func (r *OrphanRepository) MarkAttempt(ctx context.Context, key string, cause error) error {
	updates := map[string]any{"attempts": gorm.Expr("attempts + 1")}
	if cause != nil {
		updates["last_error"] = truncate(cause.Error(), maxOrphanErrorLen)
	}
	return r.DB(ctx).Model(&models.MediaOrphan{}).Where("object_key = ?", key).Updates(updates).Error
}
