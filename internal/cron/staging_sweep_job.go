package cron

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/multierr"

	"github.com/angelmondragon/invitely-backend/internal/media"
	"github.com/angelmondragon/invitely-backend/pkg/logger"
)

const defaultStagingRetention = 72 * time.Hour

type StagingSweepJobParams struct {
	Logger    *logger.Logger
	Fields    fieldScanner
	Staging   stagingSweeper
	Retention time.Duration
	BatchSize int
}

// NewStagingSweepJob removes stale staged files no in-flight field still points at.
func NewStagingSweepJob(params StagingSweepJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, errors.New("logger required")
	}
	if params.Fields == nil {
		return nil, errors.New("status store required")
	}
	if params.Staging == nil {
		return nil, errors.New("staging required")
	}
	retention := params.Retention
	if retention <= 0 {
		retention = defaultStagingRetention
	}
	return &stagingSweepJob{
		logg:      params.Logger,
		fields:    params.Fields,
		staging:   params.Staging,
		retention: retention,
		batch:     params.BatchSize,
		now:       time.Now,
	}, nil
}

type stagingSweepJob struct {
	logg      *logger.Logger
	fields    fieldScanner
	staging   stagingSweeper
	retention time.Duration
	batch     int
	now       func() time.Time
}

func (j *stagingSweepJob) Name() string { return "staging-sweep" }

func (j *stagingSweepJob) Run(ctx context.Context) error {
	cutoff := j.now().Add(-j.retention)
	stale, err := j.staging.OlderThan(cutoff)
	if err != nil {
		return fmt.Errorf("list staged files: %w", err)
	}
	if len(stale) == 0 {
		return nil
	}

	inFlight := map[string]struct{}{}
	err = eachField(ctx, j.fields, j.batch, func(_ media.RecordRef, _ string, field media.Field) error {
		if field.Status.InFlight() {
			if path := strValue(field.OriginalPath); path != "" {
				inFlight[filepath.Clean(path)] = struct{}{}
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan media fields: %w", err)
	}

	var (
		removed  int
		kept     int
		failures error
	)
	for _, entry := range stale {
		if _, ok := inFlight[filepath.Clean(entry.Path)]; ok {
			kept++
			continue
		}
		if err := j.staging.Remove(entry.Path); err != nil {
			failures = multierr.Append(failures, fmt.Errorf("remove %s: %w", entry.Path, err))
			continue
		}
		removed++
	}

	j.logg.Info(j.logg.WithFields(ctx, map[string]any{
		"cutoff":  cutoff,
		"stale":   len(stale),
		"removed": removed,
		"kept":    kept,
	}), "staging sweep complete")
	return failures
}
