package cron

import (
	"context"
	"time"

	"github.com/angelmondragon/invitely-backend/internal/media"
	"github.com/angelmondragon/invitely-backend/pkg/db/models"
	"github.com/angelmondragon/invitely-backend/pkg/enums"
)

const defaultBatchSize = 100

type fieldScanner interface {
	Scan(ctx context.Context, kind enums.MediaKind, afterID int64, limit int) ([]media.RecordFields, error)
}

type fieldStore interface {
	fieldScanner
	ReadField(ctx context.Context, ref media.RecordRef, slot string) (media.Field, error)
	ClearPreviousKey(ctx context.Context, ref media.RecordRef, slot, key string) (bool, error)
}

type objectDeleter interface {
	Delete(ctx context.Context, keyOrURL string) error
}

type orphanLedger interface {
	Record(ctx context.Context, o media.Orphan) error
	List(ctx context.Context, limit int) ([]models.MediaOrphan, error)
	Delete(ctx context.Context, key string) error
	MarkAttempt(ctx context.Context, key string, cause error) error
}

type stagingSweeper interface {
	OlderThan(cutoff time.Time) ([]media.StagedEntry, error)
	Remove(path string) error
}

// eachField visits every slot of every record of every media kind in id order.
func eachField(ctx context.Context, scanner fieldScanner, batch int, fn func(ref media.RecordRef, slot string, field media.Field) error) error {
	if batch <= 0 {
		batch = defaultBatchSize
	}
	for _, kind := range media.Kinds() {
		var after int64
		for {
			if err := ctx.Err(); err != nil {
				return err
			}
			rows, err := scanner.Scan(ctx, kind, after, batch)
			if err != nil {
				return err
			}
			for _, row := range rows {
				for slot, field := range row.Slots {
					if err := fn(row.Ref, slot, field); err != nil {
						return err
					}
				}
				after = row.Ref.ID
			}
			if len(rows) < batch {
				break
			}
		}
	}
	return nil
}

func strValue(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
