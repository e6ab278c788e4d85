package gigatiles

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"
)

const (
	// corruptLogLimit suppresses per-tile logging after this many corrupt
	// windows in one job.
	corruptLogLimit = 5

	// parallelTileThreshold enables the encode pool only for zooms with
	// more tiles than this and at least parallelMinRAM available.
	parallelTileThreshold = 10000
	parallelMinRAM        = 1 << 30

	previewMaxDim  = 512
	previewQuality = 90
)

// GenerateResult summarizes one pyramid build.
type GenerateResult struct {
	TilesCount     int
	CorruptedTiles int
	MaxZoom        int
}

// TileGenerator materializes a PNG tile pyramid under
// {tilesDir}/{datasetID}/{z}/{x}/{y}.png for every zoom in [0, maxZoom].
type TileGenerator struct {
	TilesDir   string
	TileSize   int
	MaxZoomCap int
	Logger     *log.Logger

	// Progress receives monotonic percentages in [10, 95] while zoom
	// levels complete. May be nil. Must not block.
	Progress func(percent int)

	encoder png.Encoder
}

func NewTileGenerator(tilesDir string, tileSize, maxZoomCap int, logger *log.Logger) *TileGenerator {
	return &TileGenerator{
		TilesDir:   tilesDir,
		TileSize:   tileSize,
		MaxZoomCap: maxZoomCap,
		Logger:     logger,
		encoder:    png.Encoder{CompressionLevel: png.DefaultCompression},
	}
}

func (g *TileGenerator) report(percent int) {
	if g.Progress != nil {
		g.Progress(percent)
	}
}

func (g *TileGenerator) tilePath(datasetID string, z, x, y int) string {
	return filepath.Join(g.TilesDir, datasetID, fmt.Sprint(z), fmt.Sprint(x), fmt.Sprintf("%d.png", y))
}

func (g *TileGenerator) writeTile(datasetID string, z, x, y int, img *image.RGBA) error {
	path := g.tilePath(datasetID, z, x, y)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := g.encoder.Encode(&buf, img); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}

// Generate builds every zoom level. The deepest zoom reads windows from
// src; each lower zoom downsamples the four children of every tile from
// the level above. Corrupt source windows become opaque black tiles.
func (g *TileGenerator) Generate(ctx context.Context, datasetID string, src RasterReader) (*GenerateResult, error) {
	info := src.Info()
	maxZoom := ComputeMaxZoom(info.Width, info.Height, g.TileSize)
	if maxZoom > g.MaxZoomCap {
		maxZoom = g.MaxZoomCap
	}
	result := &GenerateResult{MaxZoom: maxZoom}
	levels := maxZoom + 1

	if err := g.generateBaseZoom(ctx, datasetID, src, maxZoom, result); err != nil {
		return result, err
	}
	g.report(10 + 85/levels)

	for z := maxZoom - 1; z >= 0; z-- {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if err := g.generateLevelFromChildren(datasetID, info, maxZoom, z, result); err != nil {
			// A failed level is skipped; lower levels still derive from
			// whatever the level above managed to write.
			g.Logger.Printf("dataset %s: zoom %d failed: %v", datasetID, z, err)
		}
		done := maxZoom - z + 1
		g.report(10 + 85*done/levels)
	}
	g.report(95)
	return result, nil
}

func (g *TileGenerator) generateBaseZoom(ctx context.Context, datasetID string, src RasterReader, maxZoom int, result *GenerateResult) error {
	info := src.Info()
	ts := g.TileSize
	tilesX, tilesY := TileGrid(info.Width, info.Height, ts, maxZoom, maxZoom)

	workers := 1
	if tilesX*tilesY > parallelTileThreshold && availableMemory() >= parallelMinRAM {
		workers = min(2, runtime.NumCPU())
	}

	var mu sync.Mutex
	corrupt := 0
	count := 0

	processTile := func(x, y int) error {
		left := x * ts
		top := y * ts
		w := min(ts, info.Width-left)
		h := min(ts, info.Height-top)

		window, err := src.ReadWindow(top, left, h, w)
		if err != nil {
			window = blackTile(w, h)
			corruptedTiles.Inc()
			mu.Lock()
			corrupt++
			n := corrupt
			mu.Unlock()
			if n <= corruptLogLimit {
				g.Logger.Printf("dataset %s: corrupt window at %d/%d/%d, using black tile: %v",
					datasetID, maxZoom, x, y, err)
			}
			if n == corruptLogLimit {
				g.Logger.Printf("dataset %s: suppressing further corrupt-window logs", datasetID)
			}
		}
		if err := g.writeTile(datasetID, maxZoom, x, y, padToTile(window, ts)); err != nil {
			return err
		}
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	}

	if workers == 1 {
		for y := 0; y < tilesY; y++ {
			for x := 0; x < tilesX; x++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				if err := processTile(x, y); err != nil {
					return err
				}
			}
		}
	} else {
		// Bounded fan-out keeps at most workers tile buffers in flight.
		grp, gctx := errgroup.WithContext(ctx)
		grp.SetLimit(workers)
		for y := 0; y < tilesY; y++ {
			for x := 0; x < tilesX; x++ {
				if err := gctx.Err(); err != nil {
					break
				}
				x, y := x, y
				grp.Go(func() error { return processTile(x, y) })
			}
		}
		if err := grp.Wait(); err != nil {
			return err
		}
	}

	mu.Lock()
	result.TilesCount += count
	result.CorruptedTiles += corrupt
	mu.Unlock()
	return nil
}

func (g *TileGenerator) loadTile(datasetID string, z, x, y int) *image.RGBA {
	f, err := os.Open(g.tilePath(datasetID, z, x, y))
	if err != nil {
		return nil
	}
	defer f.Close()
	decoded, err := png.Decode(f)
	if err != nil {
		return nil
	}
	if rgba, ok := decoded.(*image.RGBA); ok {
		return rgba
	}
	bounds := decoded.Bounds()
	rgba := image.NewRGBA(bounds)
	for yy := bounds.Min.Y; yy < bounds.Max.Y; yy++ {
		for xx := bounds.Min.X; xx < bounds.Max.X; xx++ {
			rgba.Set(xx, yy, decoded.At(xx, yy))
		}
	}
	return rgba
}

func (g *TileGenerator) generateLevelFromChildren(datasetID string, info RasterInfo, maxZoom, z int, result *GenerateResult) error {
	ts := g.TileSize
	tilesX, tilesY := TileGrid(info.Width, info.Height, ts, maxZoom, z)
	for y := 0; y < tilesY; y++ {
		for x := 0; x < tilesX; x++ {
			children := [4]*image.RGBA{
				g.loadTile(datasetID, z+1, 2*x, 2*y),
				g.loadTile(datasetID, z+1, 2*x+1, 2*y),
				g.loadTile(datasetID, z+1, 2*x, 2*y+1),
				g.loadTile(datasetID, z+1, 2*x+1, 2*y+1),
			}
			tile := downsampleQuad(children, ts)
			if err := g.writeTile(datasetID, z, x, y, tile); err != nil {
				return err
			}
			result.TilesCount++
		}
	}
	return nil
}

// GeneratePreview writes a JPEG thumbnail built from the top of the
// pyramid, cropped to the image extent, at most previewMaxDim on a side.
func (g *TileGenerator) GeneratePreview(datasetID string, info RasterInfo, maxZoom int, outPath string) error {
	ts := g.TileSize
	// Pick the deepest zoom whose scaled extent still fits the preview.
	z := 0
	for z < maxZoom {
		scale := 1 << uint(maxZoom-z-1)
		if max(info.Width, info.Height)/scale > previewMaxDim {
			break
		}
		z++
	}
	scale := 1 << uint(maxZoom-z)
	scaledW := (info.Width + scale - 1) / scale
	scaledH := (info.Height + scale - 1) / scale

	tilesX, tilesY := TileGrid(info.Width, info.Height, ts, maxZoom, z)
	canvas := blackTile(tilesX*ts, tilesY*ts)
	for y := 0; y < tilesY; y++ {
		for x := 0; x < tilesX; x++ {
			tile := g.loadTile(datasetID, z, x, y)
			if tile == nil {
				continue
			}
			dst := image.Point{x * ts, y * ts}
			copyRGBA(canvas, dst, tile)
		}
	}
	cropped := canvas.SubImage(image.Rect(0, 0, scaledW, scaledH)).(*image.RGBA)

	outW, outH := scaledW, scaledH
	if longest := max(outW, outH); longest > previewMaxDim {
		outW = outW * previewMaxDim / longest
		outH = outH * previewMaxDim / longest
	}
	flat := image.NewRGBA(image.Rect(0, 0, cropped.Bounds().Dx(), cropped.Bounds().Dy()))
	copyRGBA(flat, image.Point{}, cropped)
	preview := resampleRGBA(flat, outW, outH)

	f, err := os.Create(outPath)
	if err != nil {
		return err
	}
	defer f.Close()
	return jpeg.Encode(f, preview, &jpeg.Options{Quality: previewQuality})
}

func copyRGBA(dst *image.RGBA, at image.Point, src *image.RGBA) {
	b := src.Bounds()
	for y := 0; y < b.Dy(); y++ {
		srcRow := src.Pix[src.PixOffset(b.Min.X, b.Min.Y+y):]
		dstRow := dst.Pix[dst.PixOffset(at.X, at.Y+y):]
		copy(dstRow[:b.Dx()*4], srcRow[:b.Dx()*4])
	}
}
