package gigatiles

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestObjectStore(publicURL string) (*ObjectStore, *mockBucket) {
	bucket := newMockBucket()
	return NewObjectStoreWithBucket(bucket, publicURL, testLogger()), bucket
}

func TestObjectStorePutGet(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestObjectStore("")

	require.NoError(t, store.Put(ctx, "tiles/d/0/0/0.png", []byte("pixels"), "image/png"))
	assert.True(t, store.Exists(ctx, "tiles/d/0/0/0.png"))
	assert.False(t, store.Exists(ctx, "tiles/d/0/0/1.png"))

	r, info, err := store.GetStream(ctx, "tiles/d/0/0/0.png")
	require.NoError(t, err)
	body, err := io.ReadAll(r)
	r.Close()
	require.NoError(t, err)
	assert.Equal(t, []byte("pixels"), body)
	assert.Equal(t, "image/png", info.ContentType)
	assert.NotEmpty(t, info.ETag)

	_, _, err = store.GetStream(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestObjectStoreDeletePrefix(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestObjectStore("")

	for _, key := range []string{"tiles/a/0/0/0.png", "tiles/a/1/0/0.png", "tiles/b/0/0/0.png"} {
		require.NoError(t, store.Put(ctx, key, []byte("x"), "image/png"))
	}
	deleted, err := store.DeletePrefix(ctx, "tiles/a/")
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)
	assert.False(t, store.Exists(ctx, "tiles/a/0/0/0.png"))
	assert.True(t, store.Exists(ctx, "tiles/b/0/0/0.png"))

	// idempotent
	deleted, err = store.DeletePrefix(ctx, "tiles/a/")
	require.NoError(t, err)
	assert.Equal(t, 0, deleted)
}

func TestObjectStorePublicURL(t *testing.T) {
	store, _ := newTestObjectStore("https://cdn.example.com/")
	assert.Equal(t, "https://cdn.example.com/tiles/d/0/0/0.png", store.PublicURL("tiles/d/0/0/0.png"))

	bare, _ := newTestObjectStore("")
	assert.Equal(t, "", bare.PublicURL("tiles/d/0/0/0.png"))
}

func TestObjectStoreJSON(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestObjectStore("")

	in := &Dataset{ID: "d1", Name: "crater scan", Category: CategoryMars, IsDemo: true}
	require.NoError(t, store.PutJSON(ctx, DatasetMetadataKey(in.ID), in))

	keys, err := store.ListKeys(ctx, "metadata/datasets/")
	require.NoError(t, err)
	assert.Equal(t, []string{"metadata/datasets/d1.json"}, keys)

	var out Dataset
	require.NoError(t, store.GetJSON(ctx, "metadata/datasets/d1.json", &out))
	assert.Equal(t, in.ID, out.ID)
	assert.Equal(t, in.Name, out.Name)
	assert.True(t, out.IsDemo)
}

func TestReplicateTree(t *testing.T) {
	ctx := context.Background()
	store, bucket := newTestObjectStore("")

	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "0", "0"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "1", "1"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "0", "0", "0.png"), []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "1", "1", "0.png"), []byte("b"), 0o644))

	uploaded, failed := store.ReplicateTree(ctx, dir, "tiles/d/", 4)
	assert.Equal(t, 2, uploaded)
	assert.Equal(t, 0, failed)
	assert.True(t, store.Exists(ctx, "tiles/d/0/0/0.png"))
	assert.True(t, store.Exists(ctx, "tiles/d/1/1/0.png"))
	assert.Equal(t, "image/png", bucket.types["tiles/d/0/0/0.png"])
}

func TestContentTypeForTile(t *testing.T) {
	assert.Equal(t, "image/png", contentTypeForTile("0.png"))
	assert.Equal(t, "image/jpeg", contentTypeForTile("0.jpg"))
	assert.Equal(t, "image/webp", contentTypeForTile("0.webp"))
	assert.Equal(t, "application/octet-stream", contentTypeForTile("0.bin"))
}

func TestBackoffSchedule(t *testing.T) {
	assert.Equal(t, "300ms", backoff(0).String())
	assert.Equal(t, "600ms", backoff(1).String())
	assert.Equal(t, "1.2s", backoff(2).String())
}

func TestFileBucket(t *testing.T) {
	ctx := context.Background()
	b := NewFileBucket(t.TempDir())

	require.NoError(t, b.Write(ctx, "tiles/d/0/0/0.png", []byte("abc"), "image/png", ""))
	ok, err := b.Exists(ctx, "tiles/d/0/0/0.png")
	require.NoError(t, err)
	assert.True(t, ok)

	r, info, err := b.NewReader(ctx, "tiles/d/0/0/0.png")
	require.NoError(t, err)
	body, _ := io.ReadAll(r)
	r.Close()
	assert.Equal(t, []byte("abc"), body)
	assert.Equal(t, int64(3), info.Size)
	assert.NotEmpty(t, info.ETag)

	keys, err := b.List(ctx, "tiles/")
	require.NoError(t, err)
	assert.Equal(t, []string{"tiles/d/0/0/0.png"}, keys)

	require.NoError(t, b.Delete(ctx, "tiles/d/0/0/0.png"))
	require.NoError(t, b.Delete(ctx, "tiles/d/0/0/0.png"))
	_, _, err = b.NewReader(ctx, "tiles/d/0/0/0.png")
	assert.ErrorIs(t, err, ErrNotFound)
}
