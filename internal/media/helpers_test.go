package media

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/invitely-backend/pkg/db/dbtest"
	"github.com/angelmondragon/invitely-backend/pkg/enums"
	"github.com/angelmondragon/invitely-backend/pkg/logger"
	"github.com/angelmondragon/invitely-backend/pkg/queue"
	"github.com/angelmondragon/invitely-backend/pkg/storage"
)

type fixture struct {
	records *RecordRepository
	fields  *StatusStore
	orphans *OrphanRepository
	dlq     *DeadLetterRepository
	staging *Staging
	logg    *logger.Logger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	client := dbtest.Open(t)
	fields, err := NewStatusStore(client.DB())
	require.NoError(t, err)
	staging, err := NewStaging(t.TempDir())
	require.NoError(t, err)
	return &fixture{
		records: NewRecordRepository(client.DB()),
		fields:  fields,
		orphans: NewOrphanRepository(client.DB()),
		dlq:     NewDeadLetterRepository(client.DB()),
		staging: staging,
		logg:    logger.New(logger.Options{ServiceName: "media-test", Output: io.Discard}),
	}
}

func (f *fixture) event(t *testing.T, owner uuid.UUID, category string) RecordRef {
	t.Helper()
	ev, err := f.records.CreateEvent(context.Background(), owner, "ev-"+uuid.NewString(), category, "party")
	require.NoError(t, err)
	return RecordRef{Kind: enums.MediaKindEventPhoto, ID: ev.ID}
}

// incoming writes data into the staging area's incoming directory.
func (f *fixture) incoming(t *testing.T, data []byte) string {
	t.Helper()
	path, err := f.staging.Receive(bytes.NewReader(data), 0)
	require.NoError(t, err)
	return path
}

// stage writes data straight into the staging area and returns its path.
func (f *fixture) stage(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(f.staging.Dir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for x := 0; x < 4; x++ {
		for y := 0; y < 4; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 60), G: uint8(y * 60), B: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

type fakeObjects struct {
	mu        sync.Mutex
	objects   map[string][]byte
	uploads   int
	deleted   []string
	deleteErr map[string]error
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{objects: map[string][]byte{}, deleteErr: map[string]error{}}
}

func (f *fakeObjects) Upload(_ context.Context, in storage.UploadInput) (storage.Object, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return storage.Object{}, err
	}
	key := filepath.ToSlash(filepath.Join("invitation", in.Folder, uuid.NewString()+"-"+in.FileName))
	f.objects[key] = data
	f.uploads++
	return storage.Object{Key: key, URL: "https://cdn.test/" + key}, nil
}

func (f *fakeObjects) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.deleteErr[key]; err != nil {
		return err
	}
	delete(f.objects, key)
	f.deleted = append(f.deleted, key)
	return nil
}

func (f *fakeObjects) put(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = []byte("old")
}

func (f *fakeObjects) has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[key]
	return ok
}

type flakyTransformer struct {
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakyTransformer) Transform(_ context.Context, data []byte) (Asset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return Asset{}, errors.New("transcoder hiccup")
	}
	return Asset{Data: data, ContentType: "image/jpeg", Extension: ".jpg"}, nil
}

type fakeQueue struct {
	mu    sync.Mutex
	jobs  map[string][]byte
	calls int
	err   error
	id    string
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{jobs: map[string][]byte{}}
}

func (q *fakeQueue) Enqueue(_ context.Context, payload []byte, opts queue.EnqueueOptions) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls++
	if q.err != nil {
		return "", q.err
	}
	id := opts.JobID
	if q.id != "" {
		id = q.id
	}
	if _, ok := q.jobs[id]; !ok {
		q.jobs[id] = payload
	}
	return id, nil
}

func jobFor(t *testing.T, id string, p JobPayload) *queue.Job {
	t.Helper()
	raw, err := json.Marshal(p)
	require.NoError(t, err)
	return &queue.Job{ID: id, Queue: QueueEventPhotos, Payload: raw, Attempts: 1, MaxAttempts: 3}
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
