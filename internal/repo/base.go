package repo

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Base provides a shared foundation for domain repositories.
type Base struct {
	db *gorm.DB
}

// NewBase constructs a Base repository backed by the provided GORM connection.
func NewBase(db *gorm.DB) Base {
	return Base{db: db}
}

// DB returns the GORM connection bound to the supplied context (if any).
func (b Base) DB(ctx context.Context) *gorm.DB {
	if ctx == nil {
		return b.db
	}
	return b.db.WithContext(ctx)
}

// Upsert inserts value, or on a conflict over columns updates only the listed
// update columns. With no update columns the conflicting insert is a no-op.
func (b Base) Upsert(ctx context.Context, value any, columns []string, update ...string) (int64, error) {
	conflict := clause.OnConflict{}
	for _, name := range columns {
		conflict.Columns = append(conflict.Columns, clause.Column{Name: name})
	}
	if len(update) == 0 {
		conflict.DoNothing = true
	} else {
		conflict.DoUpdates = clause.AssignmentColumns(update)
	}
	res := b.DB(ctx).Clauses(conflict).Create(value)
	return res.RowsAffected, res.Error
}
