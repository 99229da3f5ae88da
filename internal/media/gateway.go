package media

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/invitely-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/invitely-backend/pkg/errors"
	"github.com/angelmondragon/invitely-backend/pkg/logger"
	"github.com/angelmondragon/invitely-backend/pkg/queue"
)

type recordResolver interface {
	Resolve(ctx context.Context, kind enums.MediaKind, reference string) (*Owner, error)
}

type submissionStore interface {
	ReadField(ctx context.Context, ref RecordRef, slot string) (Field, error)
	BeginSubmission(ctx context.Context, ref RecordRef, slot string, sub Submission) (SubmissionOutcome, error)
	SetJobID(ctx context.Context, ref RecordRef, slot, expected, jobID string) (bool, error)
	MarkFailed(ctx context.Context, ref RecordRef, slot, fence, message string) (bool, error)
}

// JobEnqueuer is the producer side of a media queue.
type JobEnqueuer interface {
	Enqueue(ctx context.Context, payload []byte, opts queue.EnqueueOptions) (string, error)
}

type uploadStager interface {
	Locate(src, originalName string, receivedAt time.Time) (string, error)
	Stage(src, originalName string, receivedAt time.Time) (StagedFile, error)
	Remove(path string) error
}

type orphanRecorder interface {
	Record(ctx context.Context, o Orphan) error
}

type submissionMetrics interface {
	IncSubmission(kind string, duplicate bool)
}

// Upload is one file received by the transport, already written to a temporary
// path on the staging volume.
type Upload struct {
	TempPath     string
	OriginalName string
	DeclaredMime string
	ReceivedAt   time.Time
}

// SubmitInput is an authenticated request to attach a file to a slot.
type SubmitInput struct {
	CallerID  uuid.UUID
	Kind      enums.MediaKind
	Reference string
	Slot      string
	Files     []Upload
}

// SubmitResult acknowledges an accepted submission.
type SubmitResult struct {
	ClientJobID string `json:"client_job_id"`
	QueueJobID  string `json:"queue_job_id"`
	Duplicate   bool   `json:"duplicate"`
}

// GatewayParams wires the submission gateway.
type GatewayParams struct {
	Logger           *logger.Logger
	Records          recordResolver
	Fields           submissionStore
	Staging          uploadStager
	Queues           map[enums.MediaKind]JobEnqueuer
	Orphans          orphanRecorder
	Metrics          submissionMetrics
	MaxAttempts      int
	Backoff          time.Duration
	RemoveOnComplete bool
	ErrorMaxLength   int
}

// Gateway validates, stages and enqueues uploads.
type Gateway struct {
	logg             *logger.Logger
	records          recordResolver
	fields           submissionStore
	staging          uploadStager
	queues           map[enums.MediaKind]JobEnqueuer
	orphans          orphanRecorder
	metrics          submissionMetrics
	maxAttempts      int
	backoff          time.Duration
	removeOnComplete bool
	maxErrLen        int
}

func NewGateway(params GatewayParams) (*Gateway, error) {
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.Records == nil {
		return nil, errors.New("record repository is required")
	}
	if params.Fields == nil {
		return nil, errors.New("status store is required")
	}
	if params.Staging == nil {
		return nil, errors.New("staging is required")
	}
	if len(params.Queues) == 0 {
		return nil, errors.New("at least one queue is required")
	}
	if params.Orphans == nil {
		return nil, errors.New("orphan repository is required")
	}
	attempts := params.MaxAttempts
	if attempts <= 0 {
		attempts = queue.DefaultMaxAttempts
	}
	backoff := params.Backoff
	if backoff <= 0 {
		backoff = queue.DefaultBackoff
	}
	maxLen := params.ErrorMaxLength
	if maxLen <= 0 {
		maxLen = 400
	}
	return &Gateway{
		logg:             params.Logger,
		records:          params.Records,
		fields:           params.Fields,
		staging:          params.Staging,
		queues:           params.Queues,
		orphans:          params.Orphans,
		metrics:          params.Metrics,
		maxAttempts:      attempts,
		backoff:          backoff,
		removeOnComplete: params.RemoveOnComplete,
		maxErrLen:        maxLen,
	}, nil
}

// Submit accepts exactly one upload for a slot and returns once the job is enqueued.
func (g *Gateway) Submit(ctx context.Context, in SubmitInput) (result *SubmitResult, err error) {
	staged := false
	defer func() {
		if err != nil && !staged {
			for _, f := range in.Files {
				_ = g.staging.Remove(f.TempPath)
			}
		}
	}()

	q, ok := g.queues[in.Kind]
	if !ok {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("unsupported media kind %q", in.Kind))
	}
	owner, err := g.authorize(ctx, in.CallerID, in.Kind, in.Reference)
	if err != nil {
		return nil, err
	}
	ctx = g.logg.WithFields(ctx, map[string]any{
		"record_kind": in.Kind,
		"record_id":   owner.Ref.ID,
		"slot":        in.Slot,
	})

	if !HasSlot(in.Kind, owner.Category, in.Slot) {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("unknown slot %q", in.Slot)).
			WithDetails(map[string]any{"allowed_slots": SlotsFor(in.Kind, owner.Category)})
	}
	if len(in.Files) != 1 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "exactly one file is required")
	}
	file := in.Files[0]
	receivedAt := file.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}

	source, err := g.staging.Locate(file.TempPath, file.OriginalName, receivedAt)
	if errors.Is(err, ErrUploadMissing) {
		// a retry of an upload whose job already finished and cleaned up
		if dup, ok := g.finishedDuplicate(ctx, owner.Ref, in, file, receivedAt); ok {
			return dup, nil
		}
	}
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "uploaded file unreadable")
	}
	if err := g.validateMime(in.Kind, file, source); err != nil {
		return nil, err
	}

	stagedFile, err := g.staging.Stage(file.TempPath, file.OriginalName, receivedAt)
	if err != nil {
		g.logg.Error(ctx, "failed to stage upload", err)
		return nil, pkgerrors.Wrap(pkgerrors.CodeStaging, err, "upload could not be staged")
	}
	staged = true

	key := JobKey(owner.Ref.ID, in.Slot, stagedFile.Name)
	ctx = g.logg.WithJobID(ctx, key)

	outcome, err := g.fields.BeginSubmission(ctx, owner.Ref, in.Slot, Submission{
		StagedPath: stagedFile.Path,
		JobID:      key,
	})
	if err != nil {
		return nil, g.abort(ctx, owner.Ref, in.Slot, key, stagedFile.Path, err)
	}
	applied, current := outcome.Applied, outcome.Field

	if !applied && current.Status == enums.MediaStatusReady {
		if !stagedFile.AlreadyStaged {
			_ = g.staging.Remove(stagedFile.Path)
		}
		g.logg.Info(ctx, "duplicate submission already processed")
		g.countSubmission(in.Kind, true)
		return &SubmitResult{ClientJobID: key, QueueJobID: current.jobID(), Duplicate: true}, nil
	}
	if outcome.Displaced != "" {
		g.recordOrphan(ctx, Orphan{Key: outcome.Displaced, Reason: enums.OrphanReasonDisplacedPrev, Ref: owner.Ref, Slot: in.Slot})
	}

	payload, err := json.Marshal(JobPayload{
		RecordKind:   in.Kind,
		RecordID:     owner.Ref.ID,
		Slot:         in.Slot,
		StagedPath:   stagedFile.Path,
		OriginalName: file.OriginalName,
		MimeType:     baseMime(file.DeclaredMime),
		CallerID:     in.CallerID,
		ClientJobID:  key,
	})
	if err != nil {
		return nil, g.abort(ctx, owner.Ref, in.Slot, key, stagedFile.Path, err)
	}
	queueID, err := q.Enqueue(ctx, payload, queue.EnqueueOptions{
		JobID:            key,
		MaxAttempts:      g.maxAttempts,
		Backoff:          g.backoff,
		RemoveOnComplete: g.removeOnComplete,
	})
	if err != nil {
		return nil, g.abort(ctx, owner.Ref, in.Slot, key, stagedFile.Path, err)
	}
	if queueID != key {
		if _, err := g.fields.SetJobID(ctx, owner.Ref, in.Slot, key, queueID); err != nil {
			return nil, g.abort(ctx, owner.Ref, in.Slot, key, stagedFile.Path, err)
		}
	}

	duplicate := !applied
	g.logg.Info(g.logg.WithField(ctx, "duplicate", duplicate), "media submission enqueued")
	g.countSubmission(in.Kind, duplicate)
	return &SubmitResult{ClientJobID: key, QueueJobID: queueID, Duplicate: duplicate}, nil
}

// Status returns the current field of a slot the caller owns.
func (g *Gateway) Status(ctx context.Context, callerID uuid.UUID, kind enums.MediaKind, reference, slot string) (Field, error) {
	owner, err := g.authorize(ctx, callerID, kind, reference)
	if err != nil {
		return Field{}, err
	}
	if !HasSlot(kind, owner.Category, slot) {
		return Field{}, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("unknown slot %q", slot))
	}
	field, err := g.fields.ReadField(ctx, owner.Ref, slot)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return Field{}, pkgerrors.New(pkgerrors.CodeNotFound, "record not found")
		}
		return Field{}, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "read media status")
	}
	return field, nil
}

func (g *Gateway) authorize(ctx context.Context, callerID uuid.UUID, kind enums.MediaKind, reference string) (*Owner, error) {
	if callerID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "caller identity required")
	}
	owner, err := g.records.Resolve(ctx, kind, reference)
	switch {
	case errors.Is(err, ErrRecordNotFound):
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "record not found")
	case errors.Is(err, ErrInvalidReference):
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "record reference must be a numeric id or slug")
	case err != nil:
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "resolve record")
	}
	if owner.OwnerID != callerID {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "caller does not own this record")
	}
	return owner, nil
}

// finishedDuplicate acknowledges a retried upload that is no longer on disk
// because its job already reached ready.
func (g *Gateway) finishedDuplicate(ctx context.Context, ref RecordRef, in SubmitInput, file Upload, receivedAt time.Time) (*SubmitResult, bool) {
	key := JobKey(ref.ID, in.Slot, StagedName(file.TempPath, file.OriginalName, receivedAt))
	field, err := g.fields.ReadField(ctx, ref, in.Slot)
	if err != nil || field.Status != enums.MediaStatusReady || field.jobID() != key {
		return nil, false
	}
	g.logg.Info(g.logg.WithJobID(ctx, key), "duplicate submission already processed")
	g.countSubmission(in.Kind, true)
	return &SubmitResult{ClientJobID: key, QueueJobID: key, Duplicate: true}, true
}

func (g *Gateway) validateMime(kind enums.MediaKind, file Upload, path string) error {
	allowed := allowedMimeDescription(kind)
	if kind == enums.MediaKindEventPhoto {
		declared, err := parseDeclaredMime(file.DeclaredMime)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid content type")
		}
		if !isAllowedMime(kind, declared) {
			return pkgerrors.New(pkgerrors.CodeUnsupportedMedia, "only "+allowed+" are allowed").
				WithDetails(map[string]any{"mime_type": declared})
		}
	}
	sniffed, err := detectFileMime(path)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "uploaded file unreadable")
	}
	if !isAllowedMime(kind, sniffed) {
		return pkgerrors.New(pkgerrors.CodeUnsupportedMedia, "file content must be "+allowed).
			WithDetails(map[string]any{"detected_mime_type": sniffed})
	}
	return nil
}

// abort best-effort marks the field failed and removes the staged file when a
// submission cannot be enqueued.
func (g *Gateway) abort(ctx context.Context, ref RecordRef, slot, key, stagedPath string, cause error) error {
	g.logg.Error(ctx, "media submission aborted", cause)
	msg := truncate("submission failed: "+strings.TrimSpace(cause.Error()), g.maxErrLen)
	if _, err := g.fields.MarkFailed(ctx, ref, slot, key, msg); err != nil {
		g.logg.Warn(g.logg.WithField(ctx, "error", err.Error()), "failed to mark aborted submission")
	}
	if err := g.staging.Remove(stagedPath); err != nil {
		g.logg.Warn(g.logg.WithField(ctx, "error", err.Error()), "failed to remove staged file of aborted submission")
	}
	if errors.Is(cause, ErrRecordNotFound) {
		return pkgerrors.New(pkgerrors.CodeNotFound, "record not found")
	}
	return pkgerrors.Wrap(pkgerrors.CodeInternal, cause, "submission could not be enqueued")
}

func (g *Gateway) recordOrphan(ctx context.Context, o Orphan) {
	if err := g.orphans.Record(ctx, o); err != nil {
		g.logg.Error(g.logg.WithField(ctx, "object_key", o.Key), "failed to record orphaned object", err)
	}
}

func (g *Gateway) countSubmission(kind enums.MediaKind, duplicate bool) {
	if g.metrics != nil {
		g.metrics.IncSubmission(string(kind), duplicate)
	}
}
