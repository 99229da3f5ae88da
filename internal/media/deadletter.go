package media

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/angelmondragon/invitely-backend/internal/repo"
	"github.com/angelmondragon/invitely-backend/pkg/db/models"
	dbtypes "github.com/angelmondragon/invitely-backend/pkg/db/types"
	"github.com/angelmondragon/invitely-backend/pkg/enums"
	"github.com/angelmondragon/invitely-backend/pkg/logger"
	"github.com/angelmondragon/invitely-backend/pkg/queue"
)

const (
	maxDLQErrorLen   = 1024
	defaultDLQLimit  = 50
	deadLetterBudget = 30 * time.Second
)

// DeadLetterRepository persists terminally failed jobs.
type DeadLetterRepository struct {
	repo.Base
}

func NewDeadLetterRepository(db *gorm.DB) *DeadLetterRepository {
	return &DeadLetterRepository{Base: repo.NewBase(db)}
}

// Insert stores entry, truncating its error message.
func (r *DeadLetterRepository) Insert(ctx context.Context, entry *models.MediaJobDLQ) error {
	if entry == nil {
		return errors.New("dlq entry required")
	}
	if entry.ErrorMessage != nil {
		msg := truncate(*entry.ErrorMessage, maxDLQErrorLen)
		entry.ErrorMessage = &msg
	}
	return r.DB(ctx).Create(entry).Error
}

// List returns the newest entries first.
func (r *DeadLetterRepository) List(ctx context.Context, limit int) ([]models.MediaJobDLQ, error) {
	if limit <= 0 {
		limit = defaultDLQLimit
	}
	var rows []models.MediaJobDLQ
	err := r.DB(ctx).Order("failed_at DESC").Limit(limit).Find(&rows).Error
	return rows, err
}

// FindByJobID returns the newest entry of jobID, or nil when there is none.
func (r *DeadLetterRepository) FindByJobID(ctx context.Context, jobID string) (*models.MediaJobDLQ, error) {
	var row models.MediaJobDLQ
	err := r.DB(ctx).Where("job_id = ?", jobID).Order("failed_at DESC").First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &row, nil
}

type deadLetterStore interface {
	Insert(ctx context.Context, entry *models.MediaJobDLQ) error
}

type failedFieldWriter interface {
	MarkFailed(ctx context.Context, ref RecordRef, slot, fence, message string) (bool, error)
}

type stagingRemover interface {
	Remove(path string) error
}

// DeadLetterParams wires the dead-letter recorder.
type DeadLetterParams struct {
	Logger         *logger.Logger
	Store          deadLetterStore
	Fields         failedFieldWriter
	Staging        stagingRemover
	Notifier       Notifier
	ErrorMaxLength int
}

// DeadLetter handles jobs whose attempts are exhausted. It never returns an
// error and never panics; every step is best effort.
type DeadLetter struct {
	logg      *logger.Logger
	store     deadLetterStore
	fields    failedFieldWriter
	staging   stagingRemover
	notifier  Notifier
	maxErrLen int
	now       func() time.Time
}

func NewDeadLetter(params DeadLetterParams) (*DeadLetter, error) {
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.Store == nil {
		return nil, errors.New("dead-letter store is required")
	}
	if params.Fields == nil {
		return nil, errors.New("status store is required")
	}
	if params.Staging == nil {
		return nil, errors.New("staging is required")
	}
	notifier := params.Notifier
	if notifier == nil {
		notifier = NoopNotifier{}
	}
	maxLen := params.ErrorMaxLength
	if maxLen <= 0 {
		maxLen = 400
	}
	return &DeadLetter{
		logg:      params.Logger,
		store:     params.Store,
		fields:    params.Fields,
		staging:   params.Staging,
		notifier:  notifier,
		maxErrLen: maxLen,
		now:       time.Now,
	}, nil
}

// Hook adapts the recorder to the queue consumer's failed hook.
func (d *DeadLetter) Hook() queue.FailedHook {
	return d.Record
}

// Record persists the failed job, marks its field failed and removes the staged file.
func (d *DeadLetter) Record(ctx context.Context, job *queue.Job, reason queue.FailureReason, cause error) {
	defer func() {
		if r := recover(); r != nil {
			d.logg.Error(ctx, "dead-letter recorder panicked", fmt.Errorf("panic: %v", r))
		}
	}()
	if job == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deadLetterBudget)
	defer cancel()

	message := "job failed"
	if cause != nil {
		message = cause.Error()
	}

	payload, decodeErr := DecodePayload(job.Payload)
	entry := &models.MediaJobDLQ{
		JobID:        job.ID,
		QueueName:    job.Queue,
		RecordKind:   payload.RecordKind,
		RecordID:     payload.RecordID,
		Slot:         payload.Slot,
		Payload:      payloadDocument(job.Payload),
		ErrorReason:  dlqReason(reason),
		ErrorMessage: ptr(message),
		AttemptCount: job.Attempts,
		FailedAt:     d.now().UTC(),
	}
	if decodeErr != nil {
		entry.RecordKind = enums.MediaKindUnknown
	}
	if err := d.store.Insert(ctx, entry); err != nil {
		d.logg.Error(ctx, "failed to persist dead-letter entry", err)
	}
	if decodeErr != nil {
		d.logg.Warn(d.logg.WithField(ctx, "decode_error", decodeErr.Error()), "dead-letter payload undecodable; field not updated")
		return
	}

	ctx = d.logg.WithFields(ctx, map[string]any{
		"record_kind": payload.RecordKind,
		"record_id":   payload.RecordID,
		"slot":        payload.Slot,
	})
	errText := truncate(message, d.maxErrLen)
	updated, err := d.fields.MarkFailed(ctx, payload.Ref(), payload.Slot, job.ID, errText)
	switch {
	case err != nil:
		d.logg.Error(ctx, "failed to mark media field failed", err)
	case !updated:
		d.logg.Info(ctx, "dead-letter field update skipped; slot owned by a newer job")
	default:
		d.notifier.Notify(ctx, StatusEvent{
			Ref:    payload.Ref(),
			Slot:   payload.Slot,
			Status: enums.MediaStatusFailed,
			Error:  errText,
			JobID:  job.ID,
		})
	}
	if err := d.staging.Remove(payload.StagedPath); err != nil {
		d.logg.Warn(d.logg.WithField(ctx, "error", err.Error()), "failed to remove staged file of dead job")
	}
}

func dlqReason(reason queue.FailureReason) enums.DLQErrorReason {
	switch reason {
	case queue.FailureNonRetryable:
		return enums.DLQReasonNonRetryable
	case queue.FailureStalled:
		return enums.DLQReasonStalled
	default:
		return enums.DLQReasonMaxAttempts
	}
}

func payloadDocument(raw []byte) dbtypes.JSONDocument {
	doc := dbtypes.JSONDocument(raw)
	if _, err := doc.Value(); err != nil {
		// keep undecodable payloads inspectable
		wrapped, wrapErr := dbtypes.NewJSONDocument(map[string]string{"raw": string(raw)})
		if wrapErr != nil {
			return nil
		}
		return wrapped
	}
	return doc
}
