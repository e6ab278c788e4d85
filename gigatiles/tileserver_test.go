package gigatiles

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTileServer(t *testing.T) (*TileServer, *MetadataStore, string) {
	t.Helper()
	store := newTestStore(t)
	tilesDir := t.TempDir()
	server := &TileServer{
		Store:       store,
		TilesDir:    tilesDir,
		DatasetsDir: t.TempDir(),
		PublicBase:  "/api",
		Logger:      testLogger(),
	}
	return server, store, tilesDir
}

func writeLocalTile(t *testing.T, tilesDir, datasetID string, z, x, y int, format string, body []byte) {
	t.Helper()
	dir := filepath.Join(tilesDir, datasetID, strconv.Itoa(z), strconv.Itoa(x))
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, strconv.Itoa(y)+"."+format), body, 0o644))
}

func insertServingDataset(t *testing.T, store *MetadataStore, id string, demo bool) *Dataset {
	t.Helper()
	d := testDataset(id, "name-"+id)
	d.IsDemo = demo
	if !demo {
		d.OwnerID = "alice"
	}
	d.ProcessingStatus = StatusCompleted
	require.NoError(t, store.InsertDataset(context.Background(), d))
	return d
}

func TestServeTileLocal(t *testing.T) {
	server, store, tilesDir := newTestTileServer(t)
	insertServingDataset(t, store, "d1", true)
	writeLocalTile(t, tilesDir, "d1", 1, 0, 0, "png", []byte("png-bytes"))

	status, headers, body := server.ServeTile(context.Background(), "d1", 1, 0, 0, "png", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, []byte("png-bytes"), body)
	assert.Equal(t, "image/png", headers["Content-Type"])
	assert.Equal(t, "public, max-age=31536000, immutable", headers["Cache-Control"])
	assert.Equal(t, `"d1-1-0-0-png"`, headers["ETag"])
	assert.Equal(t, "png", headers["X-Tile-Format"])
	assert.Equal(t, "*", headers["Access-Control-Allow-Origin"])
}

func TestServeTileFormatFallback(t *testing.T) {
	server, store, tilesDir := newTestTileServer(t)
	insertServingDataset(t, store, "d1", true)
	// only a png exists; a jpg request falls back to it
	writeLocalTile(t, tilesDir, "d1", 0, 0, 0, "png", []byte("png-bytes"))

	status, headers, body := server.ServeTile(context.Background(), "d1", 0, 0, 0, "jpg", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, []byte("png-bytes"), body)
	assert.Equal(t, "png", headers["X-Tile-Format"])
	assert.Equal(t, "image/png", headers["Content-Type"])
}

func TestServeTileValidation(t *testing.T) {
	server, store, _ := newTestTileServer(t)
	d := insertServingDataset(t, store, "d1", true)

	status, _, _ := server.ServeTile(context.Background(), "d1", 0, 0, 0, "gif", nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _, _ = server.ServeTile(context.Background(), "d1", d.MaxZoom+1, 0, 0, "png", nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _, _ = server.ServeTile(context.Background(), "missing", 0, 0, 0, "png", nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, _, _ = server.ServeTile(context.Background(), "d1", 0, 0, 0, "png", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestServeTileAccess(t *testing.T) {
	server, store, tilesDir := newTestTileServer(t)
	insertServingDataset(t, store, "owned", false)
	writeLocalTile(t, tilesDir, "owned", 0, 0, 0, "png", []byte("x"))

	status, _, _ := server.ServeTile(context.Background(), "owned", 0, 0, 0, "png", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _, _ = server.ServeTile(context.Background(), "owned", 0, 0, 0, "png", &User{ID: "bob", IsActive: true})
	assert.Equal(t, http.StatusForbidden, status)

	status, _, _ = server.ServeTile(context.Background(), "owned", 0, 0, 0, "png", &User{ID: "alice", IsActive: true})
	assert.Equal(t, http.StatusOK, status)
}

func TestServeTileNotReady(t *testing.T) {
	server, store, _ := newTestTileServer(t)
	d := testDataset("pending", "pending")
	d.IsDemo = true
	require.NoError(t, store.InsertDataset(context.Background(), d))

	status, _, _ := server.ServeTile(context.Background(), "pending", 0, 0, 0, "png", nil)
	assert.Equal(t, http.StatusServiceUnavailable, status)
}

func TestServeTileFromCloud(t *testing.T) {
	server, store, _ := newTestTileServer(t)
	objects, _ := newTestObjectStore("")
	cache, err := NewTileCache(objects, 10, 2)
	require.NoError(t, err)
	server.Objects = objects
	server.Cache = cache

	d := insertServingDataset(t, store, "d1", true)
	d.setExtra("tiles_uploaded_to_cloud", true)
	require.NoError(t, store.UpdateDataset(context.Background(), d))

	key := TileKey{DatasetID: "d1", Z: 1, X: 0, Y: 0, Format: "png"}
	require.NoError(t, objects.Put(context.Background(), key.ObjectKey(), []byte("cloud-tile"), "image/png"))

	status, headers, body := server.ServeTile(context.Background(), "d1", 1, 0, 0, "png", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, []byte("cloud-tile"), body)
	assert.Equal(t, "png", headers["X-Tile-Format"])

	// proxied bytes are now cached
	cached, ok := cache.Get(key)
	assert.True(t, ok)
	assert.Equal(t, []byte("cloud-tile"), cached)
}

func TestFetchBatch(t *testing.T) {
	server, store, tilesDir := newTestTileServer(t)
	insertServingDataset(t, store, "d1", true)
	writeLocalTile(t, tilesDir, "d1", 1, 0, 0, "png", []byte("one"))
	writeLocalTile(t, tilesDir, "d1", 1, 1, 0, "png", []byte("two"))

	specs := []TileSpec{
		{Z: 1, X: 0, Y: 0, Format: "png"},
		{Z: 1, X: 1, Y: 0, Format: "png"},
		{Z: 1, X: 1, Y: 1, Format: "png"}, // absent
	}
	out, err := server.FetchBatch(context.Background(), "d1", specs, nil)
	require.NoError(t, err)
	assert.Len(t, out, 2)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("one")), out["1/0/0.png"])
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("two")), out["1/1/0.png"])
	_, present := out["1/1/1.png"]
	assert.False(t, present)
}

func TestFetchBatchLimits(t *testing.T) {
	server, store, _ := newTestTileServer(t)
	insertServingDataset(t, store, "d1", true)

	specs := make([]TileSpec, MaxBatchKeys+1)
	for i := range specs {
		specs[i] = TileSpec{Z: 0, X: i, Y: 0, Format: "png"}
	}
	_, err := server.FetchBatch(context.Background(), "d1", specs, nil)
	assert.ErrorIs(t, err, ErrBadRequest)

	_, err = server.FetchBatch(context.Background(), "d1", []TileSpec{{Z: 9, X: 0, Y: 0, Format: "png"}}, nil)
	assert.ErrorIs(t, err, ErrBadRequest)

	_, err = server.FetchBatch(context.Background(), "d1", []TileSpec{{Z: 0, X: 0, Y: 0, Format: "gif"}}, nil)
	assert.ErrorIs(t, err, ErrBadRequest)
}

func TestServePreviewLocal(t *testing.T) {
	server, store, _ := newTestTileServer(t)
	insertServingDataset(t, store, "d1", true)
	require.NoError(t, os.WriteFile(filepath.Join(server.DatasetsDir, "d1_preview.jpg"), []byte("jpeg"), 0o644))

	status, headers, body := server.ServePreview(context.Background(), "d1", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, []byte("jpeg"), body)
	assert.Equal(t, "image/jpeg", headers["Content-Type"])
	assert.Equal(t, "public, max-age=86400", headers["Cache-Control"])
}

func TestServePreviewRedirect(t *testing.T) {
	server, store, _ := newTestTileServer(t)
	d := insertServingDataset(t, store, "d1", true)
	d.setExtra("preview_url", "https://cdn.example.com/previews/d1_preview.jpg")
	require.NoError(t, store.UpdateDataset(context.Background(), d))

	status, headers, _ := server.ServePreview(context.Background(), "d1", nil)
	assert.Equal(t, http.StatusFound, status)
	assert.Equal(t, "https://cdn.example.com/previews/d1_preview.jpg", headers["Location"])
}

func TestTileInfo(t *testing.T) {
	server, store, _ := newTestTileServer(t)
	insertServingDataset(t, store, "d1", true)

	status, headers, body := server.TileInfo(context.Background(), "d1", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "application/json", headers["Content-Type"])
	doc := string(body)
	assert.Contains(t, doc, `"type":"zoomify"`)
	assert.Contains(t, doc, `"tilesUrl":"/api/tiles/d1/{z}/{x}/{y}.png"`)
	assert.Contains(t, doc, `"profile":"level0"`)
	assert.Contains(t, doc, `"maxZoom":2`)
}

func TestRedirectCacheBust(t *testing.T) {
	// a bucket with a public URL but an unreachable host forces the
	// redirect path
	server, store, _ := newTestTileServer(t)
	bucket := newMockBucket()
	objects := NewObjectStoreWithBucket(&failingReadBucket{bucket}, "https://pub.example.com", testLogger())
	server.Objects = objects

	d := insertServingDataset(t, store, "d1", true)
	d.UpdatedAt = time.Unix(1700000000, 0)
	key := TileKey{DatasetID: "d1", Z: 1, X: 0, Y: 0, Format: "png"}
	require.NoError(t, bucket.Write(context.Background(), key.ObjectKey(), []byte("x"), "image/png", ""))

	status, headers, body := server.serveFromCloud(context.Background(), d, key)
	assert.Equal(t, http.StatusFound, status)
	assert.Empty(t, body)
	assert.Equal(t, "https://pub.example.com/tiles/d1/1/0/0.png?v=1700000000", headers["Location"])
}

// failingReadBucket reports objects as present but fails reads, modelling a
// bucket that only allows public-URL access.
type failingReadBucket struct {
	*mockBucket
}

func (f *failingReadBucket) NewReader(_ context.Context, key string) (io.ReadCloser, *BlobInfo, error) {
	return nil, nil, errors.New("read denied")
}
