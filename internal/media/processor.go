package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"
	"time"

	"github.com/angelmondragon/invitely-backend/pkg/enums"
	"github.com/angelmondragon/invitely-backend/pkg/logger"
	"github.com/angelmondragon/invitely-backend/pkg/queue"
	"github.com/angelmondragon/invitely-backend/pkg/storage"
)

type processorStore interface {
	ReadField(ctx context.Context, ref RecordRef, slot string) (Field, error)
	Claim(ctx context.Context, ref RecordRef, slot, jobID string) (bool, error)
	ReconcileReady(ctx context.Context, ref RecordRef, slot, jobID, processedKey string) (bool, error)
	MarkReady(ctx context.Context, ref RecordRef, slot, jobID string, r Ready) (bool, error)
	ClearPreviousKey(ctx context.Context, ref RecordRef, slot, key string) (bool, error)
}

type objectStore interface {
	Upload(ctx context.Context, in storage.UploadInput) (storage.Object, error)
	Delete(ctx context.Context, keyOrURL string) error
}

type stagingReader interface {
	Read(path string) ([]byte, error)
	Remove(path string) error
}

// ProcessorParams wires the media worker.
type ProcessorParams struct {
	Logger             *logger.Logger
	Fields             processorStore
	Objects            objectStore
	Staging            stagingReader
	Orphans            orphanRecorder
	Notifier           Notifier
	Transformers       map[enums.MediaKind]Transformer
	StatusWriteRetries int
	StatusWriteDelay   time.Duration
}

// Processor handles one media job: claim, transform, upload, persist, clean up.
type Processor struct {
	logg         *logger.Logger
	fields       processorStore
	objects      objectStore
	staging      stagingReader
	orphans      orphanRecorder
	notifier     Notifier
	transformers map[enums.MediaKind]Transformer
	writeRetries int
	writeDelay   time.Duration
	sleep        func(ctx context.Context, d time.Duration)
}

func NewProcessor(params ProcessorParams) (*Processor, error) {
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.Fields == nil {
		return nil, errors.New("status store is required")
	}
	if params.Objects == nil {
		return nil, errors.New("object store is required")
	}
	if params.Staging == nil {
		return nil, errors.New("staging is required")
	}
	if params.Orphans == nil {
		return nil, errors.New("orphan repository is required")
	}
	if len(params.Transformers) == 0 {
		return nil, errors.New("at least one transformer is required")
	}
	notifier := params.Notifier
	if notifier == nil {
		notifier = NoopNotifier{}
	}
	retries := params.StatusWriteRetries
	if retries <= 0 {
		retries = 5
	}
	delay := params.StatusWriteDelay
	if delay < 0 {
		delay = 0
	}
	return &Processor{
		logg:         params.Logger,
		fields:       params.Fields,
		objects:      params.Objects,
		staging:      params.Staging,
		orphans:      params.Orphans,
		notifier:     notifier,
		transformers: params.Transformers,
		writeRetries: retries,
		writeDelay:   delay,
		sleep:        sleepContext,
	}, nil
}

// Handle is the queue handler. Returned errors are retried by the queue unless
// marked unrecoverable; superseded jobs return nil.
func (p *Processor) Handle(ctx context.Context, job *queue.Job) error {
	payload, err := DecodePayload(job.Payload)
	if err != nil {
		return queue.Unrecoverable(err)
	}
	transformer, ok := p.transformers[payload.RecordKind]
	if !ok {
		return queue.Unrecoverable(fmt.Errorf("no transformer for %q", payload.RecordKind))
	}
	ref, slot := payload.Ref(), payload.Slot
	ctx = p.logg.WithFields(p.logg.WithJobID(ctx, job.ID), map[string]any{
		"queue":       job.Queue,
		"record_kind": payload.RecordKind,
		"record_id":   payload.RecordID,
		"slot":        slot,
		"attempt":     job.Attempts,
	})

	field, err := p.fields.ReadField(ctx, ref, slot)
	if errors.Is(err, ErrRecordNotFound) {
		p.logg.Warn(ctx, "owning record no longer exists; dropping job")
		p.removeStaged(ctx, payload.StagedPath)
		return nil
	}
	if err != nil {
		return fmt.Errorf("read field: %w", err)
	}

	if field.HasProcessedKey() {
		if field.jobID() != job.ID {
			p.reconcile(ctx, ref, slot, field)
			p.logg.Info(ctx, "job superseded by a completed submission")
			p.removeStaged(ctx, payload.StagedPath)
			return nil
		}
		// redelivery after the ready write; only cleanup is left
		p.reconcile(ctx, ref, slot, field)
		p.removeStaged(ctx, payload.StagedPath)
		p.cleanupPrevious(ctx, ref, slot, job.ID)
		return nil
	}

	claimed, err := p.fields.Claim(ctx, ref, slot, job.ID)
	if err != nil {
		return fmt.Errorf("claim field: %w", err)
	}
	if !claimed {
		p.logg.Info(ctx, "job superseded by a newer submission")
		p.removeStaged(ctx, payload.StagedPath)
		return nil
	}

	raw, err := p.staging.Read(payload.StagedPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, ErrOutsideStaging) {
			return queue.Unrecoverable(fmt.Errorf("read staged file: %w", err))
		}
		return fmt.Errorf("read staged file: %w", err)
	}
	asset, err := transformer.Transform(ctx, raw)
	if err != nil {
		return fmt.Errorf("transform: %w", err)
	}

	folder, extra := placement(payload.RecordKind, asset)
	obj, err := p.objects.Upload(ctx, storage.UploadInput{
		Folder:      folder,
		FileName:    assetFileName(payload.OriginalName, asset.Extension),
		ContentType: asset.ContentType,
		Body:        bytes.NewReader(asset.Data),
		Size:        int64(len(asset.Data)),
	})
	if err != nil {
		return fmt.Errorf("upload: %w", err)
	}
	ctx = p.logg.WithField(ctx, "object_key", obj.Key)

	written, err := p.persistReady(ctx, ref, slot, job.ID, Ready{ProcessedKey: obj.Key, URL: obj.URL, Extra: extra})
	if err != nil {
		p.discardUpload(ctx, ref, slot, obj.Key)
		return fmt.Errorf("persist ready: %w", err)
	}
	if !written {
		p.logg.Info(ctx, "slot claimed by a newer submission during processing; discarding upload")
		p.discardUpload(ctx, ref, slot, obj.Key)
		p.removeStaged(ctx, payload.StagedPath)
		return nil
	}

	p.removeStaged(ctx, payload.StagedPath)
	p.notifier.Notify(ctx, StatusEvent{Ref: ref, Slot: slot, Status: enums.MediaStatusReady, URL: obj.URL, JobID: job.ID})
	p.logg.Info(ctx, "media ready")
	p.cleanupPrevious(ctx, ref, slot, job.ID)
	return nil
}

// persistReady retries the ready write with a linear delay before giving up.
func (p *Processor) persistReady(ctx context.Context, ref RecordRef, slot, jobID string, r Ready) (bool, error) {
	var lastErr error
	for attempt := 1; attempt <= p.writeRetries; attempt++ {
		written, err := p.fields.MarkReady(ctx, ref, slot, jobID, r)
		if err == nil {
			return written, nil
		}
		lastErr = err
		p.logg.Warn(p.logg.WithFields(ctx, map[string]any{"write_attempt": attempt, "error": err.Error()}), "ready write failed")
		if attempt < p.writeRetries {
			p.sleep(ctx, p.writeDelay*time.Duration(attempt))
		}
	}
	return false, lastErr
}

func (p *Processor) reconcile(ctx context.Context, ref RecordRef, slot string, field Field) {
	if field.Status == enums.MediaStatusReady {
		return
	}
	if _, err := p.fields.ReconcileReady(ctx, ref, slot, field.jobID(), field.processedKey()); err != nil {
		p.logg.Warn(p.logg.WithField(ctx, "error", err.Error()), "failed to reconcile ready status")
	}
}

// cleanupPrevious deletes the asset the current submission replaced. It runs
// only after the new key is persisted, only while jobID still owns the slot,
// and leaves previous_key set on failure.
func (p *Processor) cleanupPrevious(ctx context.Context, ref RecordRef, slot, jobID string) {
	field, err := p.fields.ReadField(ctx, ref, slot)
	if err != nil {
		p.logg.Warn(p.logg.WithField(ctx, "error", err.Error()), "previous key cleanup skipped")
		return
	}
	if field.jobID() != jobID {
		// a newer submission carried our key into previous_key; its job owns the cleanup
		p.logg.Info(ctx, "slot taken by a newer submission; previous key cleanup skipped")
		return
	}
	prev := value(field.PreviousKey)
	if prev == "" {
		return
	}
	if prev == field.processedKey() {
		if _, err := p.fields.ClearPreviousKey(ctx, ref, slot, prev); err != nil {
			p.logg.Warn(p.logg.WithField(ctx, "error", err.Error()), "failed to clear previous key")
		}
		return
	}

	ctx = p.logg.WithField(ctx, "previous_key", prev)
	if err := p.objects.Delete(ctx, prev); err != nil {
		p.logg.Warn(p.logg.WithField(ctx, "error", err.Error()), "previous asset delete failed; left for reconciliation")
		p.recordOrphan(ctx, Orphan{Key: prev, Reason: enums.OrphanReasonCleanupFailed, Ref: ref, Slot: slot, Cause: err})
		return
	}
	if _, err := p.fields.ClearPreviousKey(ctx, ref, slot, prev); err != nil {
		p.logg.Warn(p.logg.WithField(ctx, "error", err.Error()), "failed to clear previous key")
		return
	}
	p.logg.Info(ctx, "previous asset deleted")
}

// discardUpload deletes an object no field references, handing it to the
// orphan ledger when the delete fails.
func (p *Processor) discardUpload(ctx context.Context, ref RecordRef, slot, key string) {
	if err := p.objects.Delete(ctx, key); err != nil {
		p.logg.Error(ctx, "failed to delete unrecorded upload", err)
		p.recordOrphan(ctx, Orphan{Key: key, Reason: enums.OrphanReasonUnrecordedUpload, Ref: ref, Slot: slot, Cause: err})
	}
}

func (p *Processor) recordOrphan(ctx context.Context, o Orphan) {
	if err := p.orphans.Record(ctx, o); err != nil {
		p.logg.Error(ctx, "failed to record orphaned object", err)
	}
}

func (p *Processor) removeStaged(ctx context.Context, stagedPath string) {
	if err := p.staging.Remove(stagedPath); err != nil {
		p.logg.Warn(p.logg.WithField(ctx, "error", err.Error()), "failed to remove staged file")
	}
}

func placement(kind enums.MediaKind, asset Asset) (string, map[string]string) {
	if kind == enums.MediaKindThemeAsset {
		folder := themeFolder(asset.ContentType)
		return folder, map[string]string{keyMimeType: asset.ContentType, keyFolder: folder}
	}
	return folderEvents, nil
}

func assetFileName(originalName, extension string) string {
	name := path.Base(strings.ReplaceAll(originalName, "\\", "/"))
	if extension == "" {
		return name
	}
	return strings.TrimSuffix(name, path.Ext(name)) + extension
}

func sleepContext(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
