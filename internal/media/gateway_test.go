package media

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/invitely-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/invitely-backend/pkg/errors"
)

type countingMetrics struct {
	accepted   int
	duplicates int
}

func (m *countingMetrics) IncSubmission(_ string, duplicate bool) {
	if duplicate {
		m.duplicates++
		return
	}
	m.accepted++
}

func newTestGateway(t *testing.T, f *fixture, q *fakeQueue, metrics *countingMetrics) *Gateway {
	t.Helper()
	params := GatewayParams{
		Logger:           f.logg,
		Records:          f.records,
		Fields:           f.fields,
		Staging:          f.staging,
		Queues:           map[enums.MediaKind]JobEnqueuer{enums.MediaKindEventPhoto: q, enums.MediaKindThemeAsset: q},
		Orphans:          f.orphans,
		RemoveOnComplete: true,
	}
	if metrics != nil {
		params.Metrics = metrics
	}
	g, err := NewGateway(params)
	require.NoError(t, err)
	return g
}

func TestNewGatewayValidation(t *testing.T) {
	t.Parallel()
	_, err := NewGateway(GatewayParams{})
	assert.EqualError(t, err, "logger is required")
}

func TestGatewaySubmitEnqueuesPendingJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	q := newFakeQueue()
	metrics := &countingMetrics{}
	g := newTestGateway(t, f, q, metrics)
	ctx := context.Background()

	owner := uuid.New()
	ref := f.event(t, owner, "wedding")
	received := time.UnixMilli(1767000000000)
	temp := f.incoming(t, pngBytes(t))

	res, err := g.Submit(ctx, SubmitInput{
		CallerID:  owner,
		Kind:      enums.MediaKindEventPhoto,
		Reference: itoa(ref.ID),
		Slot:      "bride_photo",
		Files:     []Upload{{TempPath: temp, OriginalName: "My Photo.png", DeclaredMime: "image/png", ReceivedAt: received}},
	})
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.Equal(t, res.ClientJobID, res.QueueJobID)

	stagedName := StagedName(temp, "My Photo.png", received)
	assert.Equal(t, JobKey(ref.ID, "bride_photo", stagedName), res.ClientJobID)

	stagedPath := filepath.Join(f.staging.Dir(), stagedName)
	_, err = os.Stat(stagedPath)
	require.NoError(t, err, "upload must be staged")
	_, err = os.Stat(temp)
	assert.True(t, os.IsNotExist(err), "temp file must be moved")

	field, err := f.fields.ReadField(ctx, ref, "bride_photo")
	require.NoError(t, err)
	assert.Equal(t, enums.MediaStatusPending, field.Status)
	assert.Equal(t, res.ClientJobID, field.jobID())
	assert.Equal(t, stagedPath, value(field.OriginalPath))

	require.Len(t, q.jobs, 1)
	payload, err := DecodePayload(q.jobs[res.ClientJobID])
	require.NoError(t, err)
	assert.Equal(t, ref.ID, payload.RecordID)
	assert.Equal(t, "bride_photo", payload.Slot)
	assert.Equal(t, stagedPath, payload.StagedPath)
	assert.Equal(t, "image/png", payload.MimeType)
	assert.Equal(t, owner, payload.CallerID)
	assert.Equal(t, 1, metrics.accepted)
}

func TestGatewaySubmitDuplicateRequestCollapses(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	q := newFakeQueue()
	metrics := &countingMetrics{}
	g := newTestGateway(t, f, q, metrics)
	ctx := context.Background()

	owner := uuid.New()
	ref := f.event(t, owner, "")
	temp := f.incoming(t, pngBytes(t))
	in := SubmitInput{
		CallerID:  owner,
		Kind:      enums.MediaKindEventPhoto,
		Reference: itoa(ref.ID),
		Slot:      SlotPhoto,
		Files:     []Upload{{TempPath: temp, OriginalName: "a.png", DeclaredMime: "image/png", ReceivedAt: time.UnixMilli(42)}},
	}

	first, err := g.Submit(ctx, in)
	require.NoError(t, err)
	second, err := g.Submit(ctx, in)
	require.NoError(t, err)

	assert.Equal(t, first.ClientJobID, second.ClientJobID)
	assert.True(t, second.Duplicate)
	assert.Equal(t, 2, q.calls)
	assert.Len(t, q.jobs, 1, "queue job must be deduplicated")

	// once ready, the same request is acknowledged without enqueueing
	_, err = f.fields.Claim(ctx, ref, SlotPhoto, first.ClientJobID)
	require.NoError(t, err)
	_, err = f.fields.MarkReady(ctx, ref, SlotPhoto, first.ClientJobID, Ready{ProcessedKey: "k1"})
	require.NoError(t, err)

	third, err := g.Submit(ctx, in)
	require.NoError(t, err)
	assert.True(t, third.Duplicate)
	assert.Equal(t, 2, q.calls)

	// the worker removed the staged file; a late retry is still acknowledged
	require.NoError(t, f.staging.Remove(filepath.Join(f.staging.Dir(), StagedName(temp, "a.png", time.UnixMilli(42)))))
	fourth, err := g.Submit(ctx, in)
	require.NoError(t, err)
	assert.True(t, fourth.Duplicate)
	assert.Equal(t, first.ClientJobID, fourth.ClientJobID)
	assert.Equal(t, 2, q.calls)
	assert.Equal(t, 3, metrics.duplicates)
}

func TestGatewaySubmitRejections(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	q := newFakeQueue()
	g := newTestGateway(t, f, q, nil)
	ctx := context.Background()

	owner := uuid.New()
	ref := f.event(t, owner, "wedding")
	id := itoa(ref.ID)

	cases := []struct {
		name   string
		caller uuid.UUID
		ref    string
		slot   string
		files  func() []Upload
		code   pkgerrors.Code
	}{
		{"anonymous", uuid.Nil, id, "bride_photo", nil, pkgerrors.CodeUnauthorized},
		{"not owner", uuid.New(), id, "bride_photo", nil, pkgerrors.CodeForbidden},
		{"missing record", owner, "424242", "bride_photo", nil, pkgerrors.CodeNotFound},
		{"bad reference", owner, "Not A Slug!", "bride_photo", nil, pkgerrors.CodeValidation},
		{"unknown slot", owner, id, "photo", nil, pkgerrors.CodeValidation},
		{"no files", owner, id, "bride_photo", func() []Upload { return nil }, pkgerrors.CodeValidation},
		{"two files", owner, id, "bride_photo", func() []Upload {
			return []Upload{
				{TempPath: f.incoming(t, pngBytes(t)), OriginalName: "a.png", DeclaredMime: "image/png"},
				{TempPath: f.incoming(t, pngBytes(t)), OriginalName: "b.png", DeclaredMime: "image/png"},
			}
		}, pkgerrors.CodeValidation},
		{"declared gif", owner, id, "bride_photo", func() []Upload {
			return []Upload{{TempPath: f.incoming(t, pngBytes(t)), OriginalName: "a.gif", DeclaredMime: "image/gif"}}
		}, pkgerrors.CodeUnsupportedMedia},
		{"text disguised as png", owner, id, "bride_photo", func() []Upload {
			return []Upload{{TempPath: f.incoming(t, []byte("plain text, not an image")), OriginalName: "a.png", DeclaredMime: "image/png"}}
		}, pkgerrors.CodeUnsupportedMedia},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			files := []Upload{{TempPath: f.incoming(t, pngBytes(t)), OriginalName: "a.png", DeclaredMime: "image/png"}}
			if tc.files != nil {
				files = tc.files()
			}
			_, err := g.Submit(ctx, SubmitInput{CallerID: tc.caller, Kind: enums.MediaKindEventPhoto, Reference: tc.ref, Slot: tc.slot, Files: files})
			require.Error(t, err)
			assert.Equal(t, tc.code, pkgerrors.CodeOf(err))
			for _, file := range files {
				_, statErr := os.Stat(file.TempPath)
				assert.True(t, os.IsNotExist(statErr), "rejected upload must be removed")
			}
		})
	}
	assert.Zero(t, q.calls)

	field, err := f.fields.ReadField(ctx, ref, "bride_photo")
	require.NoError(t, err)
	assert.Equal(t, enums.MediaStatusIdle, field.Status)
}

func TestGatewaySubmitEnqueueFailureMarksFailed(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	q := newFakeQueue()
	q.err = errors.New("redis down")
	g := newTestGateway(t, f, q, nil)
	ctx := context.Background()

	owner := uuid.New()
	ref := f.event(t, owner, "")
	_, err := g.Submit(ctx, SubmitInput{
		CallerID:  owner,
		Kind:      enums.MediaKindEventPhoto,
		Reference: itoa(ref.ID),
		Slot:      SlotPhoto,
		Files:     []Upload{{TempPath: f.incoming(t, pngBytes(t)), OriginalName: "a.png", DeclaredMime: "image/png", ReceivedAt: time.UnixMilli(7)}},
	})
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeInternal, pkgerrors.CodeOf(err))

	field, err := f.fields.ReadField(ctx, ref, SlotPhoto)
	require.NoError(t, err)
	assert.Equal(t, enums.MediaStatusFailed, field.Status)
	assert.NotEmpty(t, value(field.Error))

	_, statErr := os.Stat(filepath.Join(f.staging.Dir(), "7-a.png"))
	assert.True(t, os.IsNotExist(statErr), "staged file must be removed")
}

func TestGatewaySubmitRecordsQueueAssignedID(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	q := newFakeQueue()
	q.id = "broker-42"
	g := newTestGateway(t, f, q, nil)
	ctx := context.Background()

	owner := uuid.New()
	ref := f.event(t, owner, "")
	res, err := g.Submit(ctx, SubmitInput{
		CallerID:  owner,
		Kind:      enums.MediaKindEventPhoto,
		Reference: itoa(ref.ID),
		Slot:      SlotPhoto,
		Files:     []Upload{{TempPath: f.incoming(t, pngBytes(t)), OriginalName: "a.png", DeclaredMime: "image/png"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "broker-42", res.QueueJobID)

	field, err := f.fields.ReadField(ctx, ref, SlotPhoto)
	require.NoError(t, err)
	assert.Equal(t, "broker-42", field.jobID())
}

func TestGatewaySubmitRecordsDisplacedPreviousKey(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	g := newTestGateway(t, f, newFakeQueue(), nil)
	ctx := context.Background()

	owner := uuid.New()
	ref := f.event(t, owner, "")
	require.NoError(t, f.fields.Merge(ctx, ref, SlotPhoto, Patch{
		Status:       enums.MediaStatusReady,
		ProcessedKey: ptr("k2"),
		PreviousKey:  ptr("k1"),
		JobID:        ptr("j2"),
	}))

	_, err := g.Submit(ctx, SubmitInput{
		CallerID:  owner,
		Kind:      enums.MediaKindEventPhoto,
		Reference: itoa(ref.ID),
		Slot:      SlotPhoto,
		Files:     []Upload{{TempPath: f.incoming(t, pngBytes(t)), OriginalName: "c.png", DeclaredMime: "image/png"}},
	})
	require.NoError(t, err)

	field, err := f.fields.ReadField(ctx, ref, SlotPhoto)
	require.NoError(t, err)
	assert.Equal(t, "k2", value(field.PreviousKey))

	orphans, err := f.orphans.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Equal(t, "k1", orphans[0].ObjectKey)
	assert.Equal(t, enums.OrphanReasonDisplacedPrev, orphans[0].Reason)
}

func TestGatewayThemeAcceptsSniffedContent(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	q := newFakeQueue()
	g := newTestGateway(t, f, q, nil)
	ctx := context.Background()

	owner := uuid.New()
	theme, err := f.records.CreateTheme(ctx, owner, "card")
	require.NoError(t, err)
	pdf := []byte("%PDF-1.4\n1 0 obj\n<<>>\nendobj\ntrailer\n<<>>\n%%EOF\n")

	res, err := g.Submit(ctx, SubmitInput{
		CallerID:  owner,
		Kind:      enums.MediaKindThemeAsset,
		Reference: itoa(theme.ID),
		Slot:      SlotAsset,
		Files:     []Upload{{TempPath: f.incoming(t, pdf), OriginalName: "card.pdf", DeclaredMime: "application/octet-stream"}},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, res.ClientJobID)

	field, err := g.Status(ctx, owner, enums.MediaKindThemeAsset, itoa(theme.ID), SlotAsset)
	require.NoError(t, err)
	assert.Equal(t, enums.MediaStatusPending, field.Status)

	_, err = g.Status(ctx, uuid.New(), enums.MediaKindThemeAsset, itoa(theme.ID), SlotAsset)
	assert.Equal(t, pkgerrors.CodeForbidden, pkgerrors.CodeOf(err))
}
