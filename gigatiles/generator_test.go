package gigatiles

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRaster serves a deterministic gradient and can fail specific windows
// by their top-left origin.
type fakeRaster struct {
	w, h int
	fail map[image.Point]bool
}

func (f *fakeRaster) Info() RasterInfo {
	return RasterInfo{Width: f.w, Height: f.h, Bands: 3, SampleBits: 8}
}

func (f *fakeRaster) ReadWindow(top, left, height, width int) (*image.RGBA, error) {
	if f.fail[image.Pt(left, top)] {
		return nil, errors.New("corrupt block")
	}
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetRGBA(x, y, color.RGBA{uint8((left + x) % 256), uint8((top + y) % 256), 7, 255})
		}
	}
	return img, nil
}

func (f *fakeRaster) Close() error { return nil }

func decodeTile(t *testing.T, path string) *image.RGBA {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	img, err := png.Decode(f)
	require.NoError(t, err)
	rgba, ok := img.(*image.RGBA)
	require.True(t, ok)
	return rgba
}

func TestGeneratePyramid(t *testing.T) {
	dir := t.TempDir()
	gen := NewTileGenerator(dir, 256, 30, testLogger())
	var percents []int
	gen.Progress = func(p int) { percents = append(percents, p) }

	src := &fakeRaster{w: 600, h: 400}
	result, err := gen.Generate(context.Background(), "d1", src)
	require.NoError(t, err)
	assert.Equal(t, 2, result.MaxZoom)
	// z2: 3x2, z1: 2x1, z0: 1x1
	assert.Equal(t, 9, result.TilesCount)
	assert.Equal(t, 0, result.CorruptedTiles)

	for _, p := range []string{"2/0/0.png", "2/2/1.png", "1/1/0.png", "0/0/0.png"} {
		_, err := os.Stat(filepath.Join(dir, "d1", filepath.FromSlash(p)))
		assert.NoError(t, err, p)
	}
	_, err = os.Stat(filepath.Join(dir, "d1", "2", "3"))
	assert.True(t, os.IsNotExist(err))

	// base tile carries source pixels
	tile := decodeTile(t, filepath.Join(dir, "d1", "2", "0", "0.png"))
	assert.Equal(t, 256, tile.Bounds().Dx())
	assert.Equal(t, 256, tile.Bounds().Dy())
	assert.Equal(t, color.RGBA{10, 20, 7, 255}, tile.RGBAAt(10, 20))

	// right edge tile is padded with opaque black, never stretched
	edge := decodeTile(t, filepath.Join(dir, "d1", "2", "2", "0.png"))
	assert.Equal(t, color.RGBA{uint8(599 % 256), 0, 7, 255}, edge.RGBAAt(87, 0))
	assert.Equal(t, color.RGBA{0, 0, 0, 255}, edge.RGBAAt(88, 0))
	assert.Equal(t, color.RGBA{0, 0, 0, 255}, edge.RGBAAt(255, 255))

	// progress is monotonic within [10, 95] and ends at 95
	require.NotEmpty(t, percents)
	last := 0
	for _, p := range percents {
		assert.GreaterOrEqual(t, p, last)
		assert.GreaterOrEqual(t, p, 10)
		assert.LessOrEqual(t, p, 95)
		last = p
	}
	assert.Equal(t, 95, percents[len(percents)-1])
}

func TestGenerateCorruptWindow(t *testing.T) {
	dir := t.TempDir()
	gen := NewTileGenerator(dir, 256, 30, testLogger())

	src := &fakeRaster{w: 600, h: 400, fail: map[image.Point]bool{image.Pt(256, 0): true}}
	result, err := gen.Generate(context.Background(), "d1", src)
	require.NoError(t, err)
	assert.Equal(t, 1, result.CorruptedTiles)
	assert.Equal(t, 9, result.TilesCount)

	// the corrupt window became an opaque black tile
	tile := decodeTile(t, filepath.Join(dir, "d1", "2", "1", "0.png"))
	for _, pt := range []image.Point{{0, 0}, {128, 128}, {255, 255}} {
		assert.Equal(t, color.RGBA{0, 0, 0, 255}, tile.RGBAAt(pt.X, pt.Y))
	}
	// neighbors are intact
	good := decodeTile(t, filepath.Join(dir, "d1", "2", "0", "0.png"))
	assert.Equal(t, color.RGBA{0, 0, 7, 255}, good.RGBAAt(0, 0))
}

func TestGenerateMaxZoomCap(t *testing.T) {
	dir := t.TempDir()
	gen := NewTileGenerator(dir, 256, 1, testLogger())

	src := &fakeRaster{w: 2048, h: 2048}
	result, err := gen.Generate(context.Background(), "d1", src)
	require.NoError(t, err)
	assert.Equal(t, 1, result.MaxZoom)
	// the cap makes z1 the base zoom: 2048px / 256 = 8 tiles per axis
	tilesX, tilesY := TileGrid(2048, 2048, 256, 1, 1)
	assert.Equal(t, 8, tilesX)
	assert.Equal(t, 8, tilesY)
}

func TestGenerateSmallImageSingleTile(t *testing.T) {
	dir := t.TempDir()
	gen := NewTileGenerator(dir, 256, 30, testLogger())

	src := &fakeRaster{w: 100, h: 80}
	result, err := gen.Generate(context.Background(), "d1", src)
	require.NoError(t, err)
	assert.Equal(t, 0, result.MaxZoom)
	assert.Equal(t, 1, result.TilesCount)

	tile := decodeTile(t, filepath.Join(dir, "d1", "0", "0", "0.png"))
	assert.Equal(t, 256, tile.Bounds().Dx())
	assert.Equal(t, color.RGBA{5, 5, 7, 255}, tile.RGBAAt(5, 5))
	assert.Equal(t, color.RGBA{0, 0, 0, 255}, tile.RGBAAt(200, 200))
}

func TestGeneratePreview(t *testing.T) {
	dir := t.TempDir()
	gen := NewTileGenerator(dir, 256, 30, testLogger())

	src := &fakeRaster{w: 600, h: 400}
	result, err := gen.Generate(context.Background(), "d1", src)
	require.NoError(t, err)

	out := filepath.Join(t.TempDir(), "d1_preview.jpg")
	require.NoError(t, gen.GeneratePreview("d1", src.Info(), result.MaxZoom, out))

	f, err := os.Open(out)
	require.NoError(t, err)
	defer f.Close()
	cfg, err := jpeg.DecodeConfig(f)
	require.NoError(t, err)
	assert.LessOrEqual(t, cfg.Width, 512)
	assert.LessOrEqual(t, cfg.Height, 512)
	// aspect ratio of the source survives
	assert.Equal(t, cfg.Width*400/600, cfg.Height)
}

func TestPadToTile(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 88, 144))
	for y := 0; y < 144; y++ {
		for x := 0; x < 88; x++ {
			src.SetRGBA(x, y, color.RGBA{200, 100, 50, 255})
		}
	}
	padded := padToTile(src, 256)
	assert.Equal(t, 256, padded.Bounds().Dx())
	assert.Equal(t, 256, padded.Bounds().Dy())
	assert.Equal(t, color.RGBA{200, 100, 50, 255}, padded.RGBAAt(87, 143))
	assert.Equal(t, color.RGBA{0, 0, 0, 255}, padded.RGBAAt(88, 143))
	assert.Equal(t, color.RGBA{0, 0, 0, 255}, padded.RGBAAt(87, 144))

	// full-size tiles pass through untouched
	full := blackTile(256, 256)
	assert.Same(t, full, padToTile(full, 256))
}

func TestDownsampleQuad(t *testing.T) {
	solid := func(c color.RGBA) *image.RGBA {
		img := image.NewRGBA(image.Rect(0, 0, 256, 256))
		for y := 0; y < 256; y++ {
			for x := 0; x < 256; x++ {
				img.SetRGBA(x, y, c)
			}
		}
		return img
	}
	red := color.RGBA{255, 0, 0, 255}
	green := color.RGBA{0, 255, 0, 255}

	tile := downsampleQuad([4]*image.RGBA{solid(red), solid(green), nil, nil}, 256)
	assert.Equal(t, 256, tile.Bounds().Dx())
	// quadrant centers keep their child's color; missing children stay black
	assert.Equal(t, red, tile.RGBAAt(64, 64))
	assert.Equal(t, green, tile.RGBAAt(192, 64))
	assert.Equal(t, color.RGBA{0, 0, 0, 255}, tile.RGBAAt(64, 192))
	assert.Equal(t, color.RGBA{0, 0, 0, 255}, tile.RGBAAt(192, 192))
}
