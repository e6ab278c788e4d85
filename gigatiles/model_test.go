package gigatiles

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestComputeMaxZoom(t *testing.T) {
	assert.Equal(t, 0, ComputeMaxZoom(100, 100, 256))
	assert.Equal(t, 0, ComputeMaxZoom(256, 256, 256))
	assert.Equal(t, 1, ComputeMaxZoom(257, 100, 256))
	assert.Equal(t, 1, ComputeMaxZoom(512, 512, 256))
	assert.Equal(t, 2, ComputeMaxZoom(600, 400, 256))
	assert.Equal(t, 2, ComputeMaxZoom(1024, 1024, 256))
	assert.Equal(t, 7, ComputeMaxZoom(30000, 20000, 256))
	assert.Equal(t, 9, ComputeMaxZoom(100000, 100000, 256))
}

func TestTileGrid(t *testing.T) {
	tilesX, tilesY := TileGrid(600, 400, 256, 2, 2)
	assert.Equal(t, 3, tilesX)
	assert.Equal(t, 2, tilesY)

	tilesX, tilesY = TileGrid(600, 400, 256, 2, 1)
	assert.Equal(t, 2, tilesX)
	assert.Equal(t, 1, tilesY)

	tilesX, tilesY = TileGrid(600, 400, 256, 2, 0)
	assert.Equal(t, 1, tilesX)
	assert.Equal(t, 1, tilesY)
}

func TestTileKey(t *testing.T) {
	key := TileKey{DatasetID: "abc", Z: 3, X: 1, Y: 2, Format: "png"}
	assert.Equal(t, "abc/3/1/2.png", key.String())
	assert.Equal(t, "tiles/abc/3/1/2.png", key.ObjectKey())
	assert.Equal(t, "previews/abc_preview.jpg", PreviewObjectKey("abc"))
	assert.Equal(t, "metadata/datasets/abc.json", DatasetMetadataKey("abc"))
}

func TestAlternateFormats(t *testing.T) {
	assert.Equal(t, []string{"jpg", "png", "webp"}, alternateFormats("jpg"))
	assert.Equal(t, []string{"png", "jpg", "webp"}, alternateFormats("png"))
	assert.Equal(t, []string{"webp", "png", "jpg"}, alternateFormats("webp"))
}

func TestCacheBust(t *testing.T) {
	created := time.Unix(1000, 0)
	updated := time.Unix(2000, 0)
	d := &Dataset{CreatedAt: created}
	assert.Equal(t, int64(1000), d.CacheBust())
	d.UpdatedAt = updated
	assert.Equal(t, int64(2000), d.CacheBust())
}

func TestTilesUploaded(t *testing.T) {
	d := &Dataset{}
	assert.False(t, d.TilesUploaded())
	d.setExtra("tiles_uploaded_to_cloud", true)
	assert.True(t, d.TilesUploaded())
	// JSON round trips store numbers and bools as any
	d.ExtraMetadata["tiles_uploaded_to_cloud"] = "yes"
	assert.False(t, d.TilesUploaded())
}

func TestValidCategory(t *testing.T) {
	assert.True(t, ValidCategory(CategoryEarth))
	assert.True(t, ValidCategory(CategoryMars))
	assert.True(t, ValidCategory(CategorySpace))
	assert.False(t, ValidCategory("moon"))
	assert.False(t, ValidCategory(""))
}
