package gallery_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/chinmina/chinmina-gallery/internal/blob"
	"github.com/chinmina/chinmina-gallery/internal/credential"
	"github.com/chinmina/chinmina-gallery/internal/gallery"
	"github.com/chinmina/chinmina-gallery/internal/resource"
	"github.com/chinmina/chinmina-gallery/internal/testhelpers"
	"github.com/chinmina/chinmina-gallery/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	api      *testhelpers.MockGalleryServer
	store    *credential.Store
	cache    *resource.Cache
	registry *blob.Registry
	client   *gallery.Client
}

func setup(t *testing.T, user string) *fixture {
	t.Helper()
	testhelpers.SetupLogger(t)

	ctx := context.Background()
	api := testhelpers.SetupMockGalleryServer(t)

	store, err := credential.NewStore(ctx, credential.NewMemoryBackend())
	require.NoError(t, err)

	if user != "" {
		api.AddUser(user, "secret-password")
		require.NoError(t, store.Set(ctx, credential.Credential(api.IssueToken(user)), credential.Identity(user)))
	}

	tr, err := transport.New(api.APIURL(), store)
	require.NoError(t, err)

	registry := blob.NewRegistry("http://localhost:8090")
	cache := resource.New(gallery.ImageFetcher(tr), registry)

	return &fixture{
		api:      api,
		store:    store,
		cache:    cache,
		registry: registry,
		client:   gallery.NewClient(tr, cache, gallery.WithDetailCache(time.Minute, 100)),
	}
}

func TestListings(t *testing.T) {
	f := setup(t, "alice")
	ctx := context.Background()

	mine := f.api.AddImage("alice", "sunrise", []byte("a"), "image/png")
	theirs := f.api.AddImage("bob", "sunset", []byte("b"), "image/jpeg")

	my, err := f.client.MyImages(ctx)
	require.NoError(t, err)
	require.Len(t, my, 1)
	assert.Equal(t, mine, my[0].ID)
	assert.Equal(t, "sunrise", my[0].Title)
	assert.Equal(t, "alice", my[0].Owner.Username)
	assert.False(t, my[0].CreatedAt.IsZero())

	others, err := f.client.OtherUsersImages(ctx)
	require.NoError(t, err)
	require.Len(t, others, 1)
	assert.Equal(t, theirs, others[0].ID)
	assert.Equal(t, gallery.KeyFor(theirs), others[0].Key())
}

func TestListings_Unauthorized(t *testing.T) {
	f := setup(t, "")

	_, err := f.client.MyImages(context.Background())
	assert.True(t, transport.IsUnauthorized(err))
	assert.Empty(t, f.api.LastAuthHeader(), "no credential is attached when none is held")
}

func TestImage_CachesDetail(t *testing.T) {
	f := setup(t, "alice")
	ctx := context.Background()
	id := f.api.AddImage("alice", "sunrise", []byte("a"), "image/png")

	first, err := f.client.Image(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "sunrise", first.Title)
	assert.Empty(t, first.Comments)

	requests := f.api.RequestCount()
	second, err := f.client.Image(ctx, id)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, requests, f.api.RequestCount(), "detail served from cache")
}

func TestImage_NotFound(t *testing.T) {
	f := setup(t, "alice")

	_, err := f.client.Image(context.Background(), 999)
	assert.True(t, transport.IsNotFound(err))
}

func TestComment_InvalidatesDetail(t *testing.T) {
	f := setup(t, "alice")
	ctx := context.Background()
	id := f.api.AddImage("bob", "sunset", []byte("b"), "image/png")

	_, err := f.client.Image(ctx, id)
	require.NoError(t, err)

	comment, err := f.client.Comment(ctx, id, "lovely")
	require.NoError(t, err)
	assert.Equal(t, "lovely", comment.Content)
	assert.Equal(t, "alice", comment.Author.Username)

	detail, err := f.client.Image(ctx, id)
	require.NoError(t, err)
	require.Len(t, detail.Comments, 1)
	assert.Equal(t, "lovely", detail.Comments[0].Content)

	comments, err := f.client.ImageComments(ctx, id)
	require.NoError(t, err)
	assert.Len(t, comments, 1)
}

func TestComment_Empty(t *testing.T) {
	f := setup(t, "alice")
	requests := f.api.RequestCount()

	_, err := f.client.Comment(context.Background(), 1, "   ")
	assert.Equal(t, transport.KindValidation, transport.KindOf(err))
	assert.Equal(t, requests, f.api.RequestCount())
}

func TestUpload(t *testing.T) {
	f := setup(t, "alice")
	ctx := context.Background()

	image, err := f.client.Upload(ctx, "holiday", "at the beach", "beach.png", []byte("\x89PNG\r\n\x1a\nrest"))
	require.NoError(t, err)
	assert.Equal(t, "holiday", image.Title)
	require.NotNil(t, image.Description)
	assert.Equal(t, "at the beach", *image.Description)
	assert.Equal(t, "beach.png", image.OriginalFilename)

	h, err := f.cache.Get(ctx, image.Key(), "test")
	require.NoError(t, err)
	assert.Equal(t, "image/png", h.ContentType)
}

func TestUpload_WithoutDescription(t *testing.T) {
	f := setup(t, "alice")

	image, err := f.client.Upload(context.Background(), "untitled", "", "photo.jpg", []byte("jpeg"))
	require.NoError(t, err)
	assert.Nil(t, image.Description)
}

func TestUpdate_KeepsContentHandle(t *testing.T) {
	f := setup(t, "alice")
	ctx := context.Background()
	id := f.api.AddImage("alice", "before", []byte("a"), "image/png")

	h, err := f.cache.Get(ctx, gallery.KeyFor(id), "detail")
	require.NoError(t, err)

	updated, err := f.client.Update(ctx, id, "after", "new words")
	require.NoError(t, err)
	assert.Equal(t, "after", updated.Title)

	again, err := f.cache.Get(ctx, gallery.KeyFor(id), "detail")
	require.NoError(t, err)
	assert.Same(t, h, again, "metadata edits do not invalidate content")
	assert.Equal(t, 1, f.api.FileRequests(id))
}

func TestUpdate_Forbidden(t *testing.T) {
	f := setup(t, "alice")
	id := f.api.AddImage("bob", "theirs", []byte("b"), "image/png")

	_, err := f.client.Update(context.Background(), id, "mine now", "")
	require.Error(t, err)
	assert.Equal(t, transport.KindUnauthorized, transport.KindOf(err))
	assert.False(t, transport.IsUnauthorized(err), "403 does not end the session")
}

func TestDelete_InvalidatesContent(t *testing.T) {
	f := setup(t, "alice")
	ctx := context.Background()
	id := f.api.AddImage("alice", "gone soon", []byte("a"), "image/png")

	h, err := f.cache.Get(ctx, gallery.KeyFor(id), "detail")
	require.NoError(t, err)

	require.NoError(t, f.client.Delete(ctx, id))

	_, ok := f.cache.Peek(gallery.KeyFor(id))
	assert.False(t, ok)
	_, _, err = f.registry.Open(h.ID)
	assert.ErrorIs(t, err, blob.ErrRevoked)

	_, err = f.client.Image(ctx, id)
	assert.True(t, transport.IsNotFound(err))
}

func TestClearDetails(t *testing.T) {
	f := setup(t, "alice")
	ctx := context.Background()
	id := f.api.AddImage("alice", "sunrise", []byte("a"), "image/png")

	_, err := f.client.Image(ctx, id)
	require.NoError(t, err)

	f.client.ClearDetails(ctx)

	requests := f.api.RequestCount()
	_, err = f.client.Image(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, requests+1, f.api.RequestCount())
}

func TestImageFetcher(t *testing.T) {
	f := setup(t, "alice")
	ctx := context.Background()

	png := f.api.AddImage("alice", "png", []byte("png-bytes"), "image/png")
	octet := f.api.AddImage("alice", "raw", []byte("raw-bytes"), "application/octet-stream")
	html := f.api.AddImage("alice", "html", []byte("<html>"), "text/html; charset=utf-8")
	empty := f.api.AddImage("alice", "empty", []byte{}, "image/png")
	svg := f.api.AddImage("alice", "svg", []byte(`<svg><script>alert(1)</script></svg>`), "image/svg+xml")

	tr, err := transport.New(f.api.APIURL(), f.store)
	require.NoError(t, err)
	fetch := gallery.ImageFetcher(tr)

	tests := []struct {
		name string
		key  resource.Key
		kind transport.Kind
		data string
	}{
		{name: "image type", key: gallery.KeyFor(png), data: "png-bytes"},
		{name: "octet stream", key: gallery.KeyFor(octet), data: "raw-bytes"},
		{name: "wrong type", key: gallery.KeyFor(html), kind: transport.KindDecode},
		{name: "empty body", key: gallery.KeyFor(empty), kind: transport.KindDecode},
		{name: "svg refused", key: gallery.KeyFor(svg), kind: transport.KindDecode},
		{name: "missing", key: "404", kind: transport.KindNotFound},
		{name: "malformed key", key: "abc", kind: transport.KindNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, err := fetch(ctx, tt.key)
			if tt.kind != 0 {
				assert.Equal(t, tt.kind, transport.KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.data, string(payload.Data))
		})
	}
}

func TestTimestamp(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want time.Time
	}{
		{name: "rfc3339", in: `"2024-03-01T10:20:30Z"`, want: time.Date(2024, 3, 1, 10, 20, 30, 0, time.UTC)},
		{name: "naive utc", in: `"2024-03-01T10:20:30.123456"`, want: time.Date(2024, 3, 1, 10, 20, 30, 123456000, time.UTC)},
		{name: "null", in: `null`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ts gallery.Timestamp
			require.NoError(t, json.Unmarshal([]byte(tt.in), &ts))
			assert.True(t, tt.want.Equal(ts.Time), "got %v", ts.Time)
		})
	}

	var ts gallery.Timestamp
	assert.Error(t, json.Unmarshal([]byte(`"yesterday"`), &ts))

	out, err := json.Marshal(gallery.Timestamp{Time: time.Date(2024, 3, 1, 10, 20, 30, 0, time.UTC)})
	require.NoError(t, err)
	assert.Equal(t, `"2024-03-01T10:20:30Z"`, string(out))
}

func TestParseKey(t *testing.T) {
	id, err := gallery.ParseKey(gallery.KeyFor(42))
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)

	for _, bad := range []resource.Key{"", "x", "-1", "0"} {
		_, err := gallery.ParseKey(bad)
		assert.Error(t, err, "key %q", bad)
	}

}
