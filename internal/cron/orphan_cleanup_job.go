package cron

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/multierr"

	"github.com/angelmondragon/invitely-backend/internal/media"
	"github.com/angelmondragon/invitely-backend/pkg/logger"
)

type OrphanCleanupJobParams struct {
	Logger    *logger.Logger
	Fields    fieldStore
	Objects   objectDeleter
	Orphans   orphanLedger
	BatchSize int
}

// NewOrphanCleanupJob drains the orphan ledger.
func NewOrphanCleanupJob(params OrphanCleanupJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, errors.New("logger required")
	}
	if params.Fields == nil {
		return nil, errors.New("status store required")
	}
	if params.Objects == nil {
		return nil, errors.New("object store required")
	}
	if params.Orphans == nil {
		return nil, errors.New("orphan ledger required")
	}
	batch := params.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	return &orphanCleanupJob{
		logg:    params.Logger,
		fields:  params.Fields,
		objects: params.Objects,
		orphans: params.Orphans,
		batch:   batch,
	}, nil
}

type orphanCleanupJob struct {
	logg    *logger.Logger
	fields  fieldStore
	objects objectDeleter
	orphans orphanLedger
	batch   int
}

func (j *orphanCleanupJob) Name() string { return "orphan-object-cleanup" }

func (j *orphanCleanupJob) Run(ctx context.Context) error {
	rows, err := j.orphans.List(ctx, j.batch)
	if err != nil {
		return fmt.Errorf("list orphans: %w", err)
	}

	var (
		deleted    int
		referenced int
		failures   error
	)
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return multierr.Append(failures, err)
		}
		ref := media.RecordRef{Kind: row.RecordKind, ID: row.RecordID}
		if j.stillReferenced(ctx, ref, row.Slot, row.ObjectKey) {
			// a status write reported failed but committed
			referenced++
			if err := j.orphans.Delete(ctx, row.ObjectKey); err != nil {
				failures = multierr.Append(failures, err)
			}
			continue
		}
		if err := j.objects.Delete(ctx, row.ObjectKey); err != nil {
			failures = multierr.Append(failures, fmt.Errorf("delete %s: %w", row.ObjectKey, err))
			if markErr := j.orphans.MarkAttempt(ctx, row.ObjectKey, err); markErr != nil {
				failures = multierr.Append(failures, markErr)
			}
			continue
		}
		if err := j.orphans.Delete(ctx, row.ObjectKey); err != nil {
			failures = multierr.Append(failures, err)
			continue
		}
		deleted++
	}

	j.logg.Info(j.logg.WithFields(ctx, map[string]any{
		"candidates": len(rows),
		"deleted":    deleted,
		"referenced": referenced,
		"failed":     len(multierr.Errors(failures)),
	}), "orphan object cleanup complete")
	return failures
}

func (j *orphanCleanupJob) stillReferenced(ctx context.Context, ref media.RecordRef, slot, key string) bool {
	if slot == "" || ref.ID == 0 {
		return false
	}
	field, err := j.fields.ReadField(ctx, ref, slot)
	if err != nil {
		return false
	}
	return strValue(field.ProcessedKey) == key
}
