package controllers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/invitely-backend/api/middleware"
	"github.com/angelmondragon/invitely-backend/internal/media"
	"github.com/angelmondragon/invitely-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/invitely-backend/pkg/errors"
	"github.com/angelmondragon/invitely-backend/pkg/logger"
	"github.com/angelmondragon/invitely-backend/pkg/types"
)

type testMediaService struct {
	submitFn func(ctx context.Context, in media.SubmitInput) (*media.SubmitResult, error)
	statusFn func(ctx context.Context, callerID uuid.UUID, kind enums.MediaKind, reference, slot string) (media.Field, error)
}

func (s *testMediaService) Submit(ctx context.Context, in media.SubmitInput) (*media.SubmitResult, error) {
	if s.submitFn != nil {
		return s.submitFn(ctx, in)
	}
	return &media.SubmitResult{}, nil
}

func (s *testMediaService) Status(ctx context.Context, callerID uuid.UUID, kind enums.MediaKind, reference, slot string) (media.Field, error) {
	if s.statusFn != nil {
		return s.statusFn(ctx, callerID, kind, reference, slot)
	}
	return media.Field{}, nil
}

var eventPhotoRoute = MediaRoute{Kind: enums.MediaKindEventPhoto, RefParam: "eventRef", SlotParam: "slot"}

func testLogger() *logger.Logger {
	return logger.New(logger.Options{ServiceName: "test", Output: io.Discard})
}

type filePart struct {
	field, name, contentType, body string
}

func multipartRequest(t *testing.T, method, target string, parts ...filePart) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, p := range parts {
		header := textproto.MIMEHeader{}
		header.Set("Content-Disposition", `form-data; name="`+p.field+`"; filename="`+p.name+`"`)
		header.Set("Content-Type", p.contentType)
		w, err := mw.CreatePart(header)
		require.NoError(t, err)
		_, err = w.Write([]byte(p.body))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func withRoute(req *http.Request, callerID string, params map[string]string) *http.Request {
	ctx := req.Context()
	if callerID != "" {
		ctx = middleware.WithUserID(ctx, callerID)
	}
	routeCtx := chi.NewRouteContext()
	for k, v := range params {
		routeCtx.URLParams.Add(k, v)
	}
	return req.WithContext(context.WithValue(ctx, chi.RouteCtxKey, routeCtx))
}

func TestMediaUploadAccepted(t *testing.T) {
	t.Parallel()
	staging, err := media.NewStaging(t.TempDir())
	require.NoError(t, err)
	callerID := uuid.New()

	var got media.SubmitInput
	svc := &testMediaService{submitFn: func(_ context.Context, in media.SubmitInput) (*media.SubmitResult, error) {
		got = in
		return &media.SubmitResult{ClientJobID: "k1", QueueJobID: "k1"}, nil
	}}

	req := multipartRequest(t, http.MethodPost, "/api/v1/events/my-wedding/photos/bride_photo",
		filePart{field: "note", name: "", contentType: "text/plain", body: "ignored"},
		filePart{field: "file", name: "bride.png", contentType: "image/png", body: "png-bytes"},
	)
	req = withRoute(req, callerID.String(), map[string]string{"eventRef": "my-wedding", "slot": "bride_photo"})
	resp := httptest.NewRecorder()
	MediaUpload(svc, staging, eventPhotoRoute, 1<<20, testLogger())(resp, req)

	require.Equal(t, http.StatusAccepted, resp.Code, resp.Body.String())
	var envelope struct {
		Data types.MediaAccepted `json:"data"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &envelope))
	assert.True(t, envelope.Data.OK)
	assert.Equal(t, "k1", envelope.Data.ClientJobID)
	assert.False(t, envelope.Data.Duplicate)

	assert.Equal(t, callerID, got.CallerID)
	assert.Equal(t, enums.MediaKindEventPhoto, got.Kind)
	assert.Equal(t, "my-wedding", got.Reference)
	assert.Equal(t, "bride_photo", got.Slot)
	require.Len(t, got.Files, 1)
	assert.Equal(t, "bride.png", got.Files[0].OriginalName)
	assert.Equal(t, "image/png", got.Files[0].DeclaredMime)
	data, err := os.ReadFile(got.Files[0].TempPath)
	require.NoError(t, err)
	assert.Equal(t, "png-bytes", string(data))
}

func TestMediaUploadFixedSlot(t *testing.T) {
	t.Parallel()
	staging, err := media.NewStaging(t.TempDir())
	require.NoError(t, err)

	var slot string
	svc := &testMediaService{submitFn: func(_ context.Context, in media.SubmitInput) (*media.SubmitResult, error) {
		slot = in.Slot
		return &media.SubmitResult{ClientJobID: "k", QueueJobID: "k"}, nil
	}}
	route := MediaRoute{Kind: enums.MediaKindThemeAsset, RefParam: "themeID", FixedSlot: media.SlotAsset}

	req := multipartRequest(t, http.MethodPost, "/api/v1/themes/3/asset",
		filePart{field: "file", name: "card.pdf", contentType: "application/pdf", body: "%PDF-1.4"})
	req = withRoute(req, uuid.NewString(), map[string]string{"themeID": "3"})
	resp := httptest.NewRecorder()
	MediaUpload(svc, staging, route, 1<<20, testLogger())(resp, req)

	require.Equal(t, http.StatusAccepted, resp.Code)
	assert.Equal(t, media.SlotAsset, slot)
}

func TestMediaUploadRejectsMissingFile(t *testing.T) {
	t.Parallel()
	staging, err := media.NewStaging(t.TempDir())
	require.NoError(t, err)
	svc := &testMediaService{submitFn: func(context.Context, media.SubmitInput) (*media.SubmitResult, error) {
		t.Fatal("submit must not be called")
		return nil, nil
	}}

	req := multipartRequest(t, http.MethodPost, "/api/v1/events/1/photos/photo",
		filePart{field: "other", name: "x.png", contentType: "image/png", body: "x"})
	req = withRoute(req, uuid.NewString(), map[string]string{"eventRef": "1", "slot": "photo"})
	resp := httptest.NewRecorder()
	MediaUpload(svc, staging, eventPhotoRoute, 1<<20, testLogger())(resp, req)

	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestMediaUploadTooLargeLeavesNothingBehind(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	staging, err := media.NewStaging(dir)
	require.NoError(t, err)

	req := multipartRequest(t, http.MethodPost, "/api/v1/events/1/photos/photo",
		filePart{field: "file", name: "a.png", contentType: "image/png", body: "small"},
		filePart{field: "file", name: "b.png", contentType: "image/png", body: "this one is far too large"})
	req = withRoute(req, uuid.NewString(), map[string]string{"eventRef": "1", "slot": "photo"})
	resp := httptest.NewRecorder()
	MediaUpload(&testMediaService{}, staging, eventPhotoRoute, 8, testLogger())(resp, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.Code)
	entries, err := os.ReadDir(dir + "/.incoming")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestMediaUploadRequiresCaller(t *testing.T) {
	t.Parallel()
	staging, err := media.NewStaging(t.TempDir())
	require.NoError(t, err)

	req := multipartRequest(t, http.MethodPost, "/api/v1/events/1/photos/photo",
		filePart{field: "file", name: "a.png", contentType: "image/png", body: "x"})
	req = withRoute(req, "", map[string]string{"eventRef": "1", "slot": "photo"})
	resp := httptest.NewRecorder()
	MediaUpload(&testMediaService{}, staging, eventPhotoRoute, 1<<20, testLogger())(resp, req)

	assert.Equal(t, http.StatusUnauthorized, resp.Code)
}

func TestMediaUploadPropagatesGatewayErrors(t *testing.T) {
	t.Parallel()
	staging, err := media.NewStaging(t.TempDir())
	require.NoError(t, err)
	svc := &testMediaService{submitFn: func(context.Context, media.SubmitInput) (*media.SubmitResult, error) {
		return nil, pkgerrors.New(pkgerrors.CodeUnsupportedMedia, "photos must be JPEG or PNG images")
	}}

	req := multipartRequest(t, http.MethodPost, "/api/v1/events/1/photos/photo",
		filePart{field: "file", name: "a.gif", contentType: "image/gif", body: "GIF89a"})
	req = withRoute(req, uuid.NewString(), map[string]string{"eventRef": "1", "slot": "photo"})
	resp := httptest.NewRecorder()
	MediaUpload(svc, staging, eventPhotoRoute, 1<<20, testLogger())(resp, req)

	assert.Equal(t, http.StatusUnsupportedMediaType, resp.Code)
	var envelope types.ErrorEnvelope
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &envelope))
	assert.Equal(t, "photos must be JPEG or PNG images", envelope.Error.Message)
}

func TestMediaStatusReturnsField(t *testing.T) {
	t.Parallel()
	callerID := uuid.New()
	url := "https://cdn.example.com/invitation/events/a.jpg"
	svc := &testMediaService{statusFn: func(_ context.Context, id uuid.UUID, kind enums.MediaKind, ref, slot string) (media.Field, error) {
		assert.Equal(t, callerID, id)
		assert.Equal(t, enums.MediaKindEventPhoto, kind)
		assert.Equal(t, "7", ref)
		assert.Equal(t, "photo", slot)
		return media.Field{Status: enums.MediaStatusReady, URL: &url}, nil
	}}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/events/7/photos/photo", nil)
	req = withRoute(req, callerID.String(), map[string]string{"eventRef": "7", "slot": "photo"})
	resp := httptest.NewRecorder()
	MediaStatus(svc, eventPhotoRoute, testLogger())(resp, req)

	require.Equal(t, http.StatusOK, resp.Code)
	var envelope struct {
		Data media.Field `json:"data"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &envelope))
	assert.Equal(t, enums.MediaStatusReady, envelope.Data.Status)
	require.NotNil(t, envelope.Data.URL)
	assert.Equal(t, url, *envelope.Data.URL)
}

func TestMediaStatusValidatesParams(t *testing.T) {
	t.Parallel()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/events//photos/photo", nil)
	req = withRoute(req, uuid.NewString(), map[string]string{"eventRef": "", "slot": "photo"})
	resp := httptest.NewRecorder()
	MediaStatus(&testMediaService{}, eventPhotoRoute, testLogger())(resp, req)

	assert.Equal(t, http.StatusBadRequest, resp.Code)
}
