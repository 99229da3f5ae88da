package cron

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/multierr"

	"github.com/angelmondragon/invitely-backend/internal/media"
	"github.com/angelmondragon/invitely-backend/pkg/enums"
	"github.com/angelmondragon/invitely-backend/pkg/logger"
)

type PreviousKeyCleanupJobParams struct {
	Logger    *logger.Logger
	Fields    fieldStore
	Objects   objectDeleter
	Orphans   orphanLedger
	BatchSize int
}

// NewPreviousKeyCleanupJob deletes replaced assets whose worker-side cleanup never finished.
func NewPreviousKeyCleanupJob(params PreviousKeyCleanupJobParams) (Job, error) {
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
	return &previousKeyCleanupJob{
		logg:    params.Logger,
		fields:  params.Fields,
		objects: params.Objects,
		orphans: params.Orphans,
		batch:   params.BatchSize,
	}, nil
}

type previousKeyCleanupJob struct {
	logg    *logger.Logger
	fields  fieldStore
	objects objectDeleter
	orphans orphanLedger
	batch   int
}

func (j *previousKeyCleanupJob) Name() string { return "previous-key-cleanup" }

func (j *previousKeyCleanupJob) Run(ctx context.Context) error {
	var (
		candidates int
		deleted    int
		failures   error
	)
	err := eachField(ctx, j.fields, j.batch, func(ref media.RecordRef, slot string, field media.Field) error {
		if field.Status != enums.MediaStatusReady {
			return nil
		}
		prev := field.LingeringPrevious()
		if prev == "" {
			return nil
		}
		candidates++
		if err := j.objects.Delete(ctx, prev); err != nil {
			failures = multierr.Append(failures, fmt.Errorf("delete %s: %w", prev, err))
			if recErr := j.orphans.Record(ctx, media.Orphan{Key: prev, Reason: enums.OrphanReasonCleanupFailed, Ref: ref, Slot: slot, Cause: err}); recErr != nil {
				failures = multierr.Append(failures, recErr)
			}
			return nil
		}
		if _, err := j.fields.ClearPreviousKey(ctx, ref, slot, prev); err != nil {
			failures = multierr.Append(failures, fmt.Errorf("clear previous key of %s/%s: %w", ref, slot, err))
			return nil
		}
		deleted++
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan media fields: %w", err)
	}

	j.logg.Info(j.logg.WithFields(ctx, map[string]any{
		"candidates": candidates,
		"deleted":    deleted,
		"failed":     len(multierr.Errors(failures)),
	}), "previous key cleanup complete")
	return failures
}
