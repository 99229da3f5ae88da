package controllers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/invitely-backend/api/middleware"
	"github.com/angelmondragon/invitely-backend/api/responses"
	"github.com/angelmondragon/invitely-backend/api/validators"
	"github.com/angelmondragon/invitely-backend/internal/media"
	"github.com/angelmondragon/invitely-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/invitely-backend/pkg/errors"
	"github.com/angelmondragon/invitely-backend/pkg/logger"
	"github.com/angelmondragon/invitely-backend/pkg/types"
)

const uploadFormField = "file"

// MediaService is the gateway surface the media handlers call.
type MediaService interface {
	Submit(ctx context.Context, in media.SubmitInput) (*media.SubmitResult, error)
	Status(ctx context.Context, callerID uuid.UUID, kind enums.MediaKind, reference, slot string) (media.Field, error)
}

// UploadReceiver writes request bodies to the staging volume.
type UploadReceiver interface {
	Receive(body io.Reader, limit int64) (string, error)
	Remove(path string) error
}

// MediaRoute describes how a route maps onto a record kind and slot.
type MediaRoute struct {
	Kind      enums.MediaKind
	RefParam  string
	SlotParam string
	// FixedSlot is used when the route has no slot param.
	FixedSlot string
}

// MediaUpload accepts one multipart file and hands it to the gateway.
func MediaUpload(svc MediaService, staging UploadReceiver, route MediaRoute, maxBytes int64, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil || staging == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "media service unavailable"))
			return
		}

		callerID := middleware.CallerID(r.Context())
		if callerID == uuid.Nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "user context missing"))
			return
		}

		target, err := validators.ParseMediaTarget(r, route.RefParam, route.SlotParam, route.FixedSlot)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		uploads, err := receiveUploads(r, staging, maxBytes)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		result, err := svc.Submit(r.Context(), media.SubmitInput{
			CallerID:  callerID,
			Kind:      route.Kind,
			Reference: target.Reference,
			Slot:      target.Slot,
			Files:     uploads,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccessStatus(w, http.StatusAccepted, types.MediaAccepted{
			OK:          true,
			ClientJobID: result.ClientJobID,
			QueueJobID:  result.QueueJobID,
			Duplicate:   result.Duplicate,
		})
	}
}

// MediaStatus returns the current field of a slot.
func MediaStatus(svc MediaService, route MediaRoute, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "media service unavailable"))
			return
		}

		callerID := middleware.CallerID(r.Context())
		if callerID == uuid.Nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "user context missing"))
			return
		}

		target, err := validators.ParseMediaTarget(r, route.RefParam, route.SlotParam, route.FixedSlot)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		field, err := svc.Status(r.Context(), callerID, route.Kind, target.Reference, target.Slot)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, field)
	}
}

// receiveUploads streams every file part named "file" to the staging volume.
// Other parts are drained and ignored. On error nothing received is kept.
func receiveUploads(r *http.Request, staging UploadReceiver, maxBytes int64) (uploads []media.Upload, err error) {
	defer func() {
		if err != nil {
			for _, u := range uploads {
				_ = staging.Remove(u.TempPath)
			}
			uploads = nil
		}
	}()

	reader, err := r.MultipartReader()
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "multipart/form-data body required")
	}
	receivedAt := time.Now()
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return uploads, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "malformed multipart body")
		}
		if part.FormName() != uploadFormField || part.FileName() == "" {
			_, _ = io.Copy(io.Discard, part)
			_ = part.Close()
			continue
		}
		tmp, err := staging.Receive(part, maxBytes)
		_ = part.Close()
		if err != nil {
			if errors.Is(err, media.ErrUploadTooLarge) {
				return uploads, pkgerrors.New(pkgerrors.CodePayloadTooLarge, "file exceeds the upload size limit").
					WithDetails(map[string]any{"max_bytes": maxBytes})
			}
			return uploads, pkgerrors.Wrap(pkgerrors.CodeStaging, err, "upload could not be staged")
		}
		uploads = append(uploads, media.Upload{
			TempPath:     tmp,
			OriginalName: part.FileName(),
			DeclaredMime: strings.TrimSpace(part.Header.Get("Content-Type")),
			ReceivedAt:   receivedAt,
		})
	}
	if len(uploads) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "exactly one file is required").
			WithDetails(map[string]any{"field": uploadFormField})
	}
	return uploads, nil
}
