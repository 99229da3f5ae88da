package media

import (
	"context"
	"testing"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/invitely-backend/pkg/enums"
)

func TestSlotsFor(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		kind     enums.MediaKind
		category string
		want     []string
	}{
		{name: "wedding", kind: enums.MediaKindEventPhoto, category: "Wedding ", want: []string{"bride_photo", "groom_photo"}},
		{name: "anniversary", kind: enums.MediaKindEventPhoto, category: "anniversary", want: []string{"photo1", "photo2"}},
		{name: "engagement", kind: enums.MediaKindEventPhoto, category: "engagement", want: []string{"bride_to_be_photo", "groom_to_be_photo"}},
		{name: "birthday", kind: enums.MediaKindEventPhoto, category: "birthday", want: []string{SlotPhoto}},
		{name: "theme", kind: enums.MediaKindThemeAsset, want: []string{SlotAsset}},
		{name: "unknown", kind: enums.MediaKind("video"), want: nil},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, SlotsFor(tc.kind, tc.category))
		})
	}

	assert.True(t, HasSlot(enums.MediaKindEventPhoto, "wedding", "groom_photo"))
	assert.False(t, HasSlot(enums.MediaKindEventPhoto, "wedding", SlotPhoto))
	assert.Len(t, AllSlots(enums.MediaKindEventPhoto), 7)
}

func TestQueueFor(t *testing.T) {
	t.Parallel()
	q, err := QueueFor(enums.MediaKindThemeAsset)
	require.NoError(t, err)
	assert.Equal(t, QueueThemeAssets, q)
	_, err = QueueFor(enums.MediaKindUnknown)
	assert.Error(t, err)
}

func TestInitialDocument(t *testing.T) {
	t.Parallel()
	doc, err := InitialDocument(enums.MediaKindEventPhoto, "wedding")
	require.NoError(t, err)
	var slots map[string]Field
	require.NoError(t, doc.Decode(&slots))
	require.Len(t, slots, 2)
	assert.Equal(t, enums.MediaStatusIdle, slots["bride_photo"].Status)

	_, err = InitialDocument(enums.MediaKindUnknown, "")
	assert.Error(t, err)
}

func TestMimeRules(t *testing.T) {
	t.Parallel()

	declared, err := parseDeclaredMime("Image/PNG; charset=binary")
	require.NoError(t, err)
	assert.Equal(t, "image/png", declared)
	_, err = parseDeclaredMime("")
	assert.Error(t, err)
	_, err = parseDeclaredMime("not a mime;;")
	assert.Error(t, err)

	assert.True(t, isAllowedMime(enums.MediaKindEventPhoto, "image/jpeg"))
	assert.False(t, isAllowedMime(enums.MediaKindEventPhoto, "image/gif"))
	assert.True(t, isAllowedMime(enums.MediaKindThemeAsset, "video/mp4"))
	assert.True(t, isAllowedMime(enums.MediaKindThemeAsset, "application/pdf"))
	assert.False(t, isAllowedMime(enums.MediaKindThemeAsset, "text/plain"))

	assert.Equal(t, "JPEG or PNG images", allowedMimeDescription(enums.MediaKindEventPhoto))
	assert.Equal(t, "images, PDFs, or videos", allowedMimeDescription(enums.MediaKindThemeAsset))

	assert.Equal(t, "user-themes/Video", themeFolder("video/mp4"))
	assert.Equal(t, "user-themes/Card", themeFolder("application/pdf"))
	assert.Equal(t, "user-themes/SaveTheDate", themeFolder("image/webp"))
	assert.Equal(t, "user-themes/Other", themeFolder("application/zip"))
}

func TestDecodePayload(t *testing.T) {
	t.Parallel()

	_, err := DecodePayload([]byte(`{"record_kind":"event_photo","record_id":1,"slot":"photo","staged_path":"/s/a"}`))
	assert.NoError(t, err)

	for name, raw := range map[string]string{
		"not json":   `{`,
		"bad kind":   `{"record_kind":"x","record_id":1,"slot":"photo","staged_path":"/s/a"}`,
		"no id":      `{"record_kind":"event_photo","slot":"photo","staged_path":"/s/a"}`,
		"bad slot":   `{"record_kind":"event_photo","record_id":1,"slot":"Photo!","staged_path":"/s/a"}`,
		"no staging": `{"record_kind":"event_photo","record_id":1,"slot":"photo"}`,
	} {
		_, err := DecodePayload([]byte(raw))
		assert.Error(t, err, name)
	}
}

func TestRecordRepositoryResolve(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	owner := uuid.New()

	ev, err := f.records.CreateEvent(ctx, owner, "summer-party", "birthday", "Summer")
	require.NoError(t, err)

	byID, err := f.records.Resolve(ctx, enums.MediaKindEventPhoto, itoa(ev.ID))
	require.NoError(t, err)
	assert.Equal(t, owner, byID.OwnerID)
	assert.Equal(t, "birthday", byID.Category)

	bySlug, err := f.records.Resolve(ctx, enums.MediaKindEventPhoto, "summer-party")
	require.NoError(t, err)
	assert.Equal(t, ev.ID, bySlug.Ref.ID)

	_, err = f.records.Resolve(ctx, enums.MediaKindEventPhoto, "no-such-slug")
	assert.ErrorIs(t, err, ErrRecordNotFound)
	_, err = f.records.Resolve(ctx, enums.MediaKindEventPhoto, "Bad Slug!")
	assert.ErrorIs(t, err, ErrInvalidReference)
	_, err = f.records.Resolve(ctx, enums.MediaKindThemeAsset, "summer-party")
	assert.ErrorIs(t, err, ErrInvalidReference)

	theme, err := f.records.CreateTheme(ctx, owner, "rsvp")
	require.NoError(t, err)
	got, err := f.records.Resolve(ctx, enums.MediaKindThemeAsset, itoa(theme.ID))
	require.NoError(t, err)
	assert.Equal(t, owner, got.OwnerID)

	category, err := f.records.Category(ctx, RecordRef{Kind: enums.MediaKindEventPhoto, ID: ev.ID})
	require.NoError(t, err)
	assert.Equal(t, "birthday", category)
}

func TestOpenQueues(t *testing.T) {
	t.Parallel()
	rdb := goredis.NewClient(&goredis.Options{Addr: "127.0.0.1:0"})
	t.Cleanup(func() { _ = rdb.Close() })

	queues, err := OpenQueues(rdb)
	require.NoError(t, err)
	require.Len(t, queues, len(Kinds()))
	assert.Equal(t, QueueEventPhotos, queues[enums.MediaKindEventPhoto].Name())
	assert.Equal(t, QueueThemeAssets, queues[enums.MediaKindThemeAsset].Name())

	q, err := QueueByName(queues, QueueThemeAssets)
	require.NoError(t, err)
	assert.Same(t, queues[enums.MediaKindThemeAsset], q)

	_, err = QueueByName(queues, "nope")
	assert.Error(t, err)

	_, err = OpenQueues(nil)
	assert.Error(t, err)
}
