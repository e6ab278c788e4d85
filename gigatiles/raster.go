package gigatiles

import (
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"

	"github.com/shirou/gopsutil/v3/mem"
	xtiff "golang.org/x/image/tiff"
)

// RasterInfo describes an opened source image.
type RasterInfo struct {
	Width, Height int
	Bands         int
	SampleBits    int
	Projection    string
	GeoTransform  []float64
	Bounds        []float64
}

// RasterReader is a format-aware random-window reader. Window contents are
// returned as RGB; see the driver docs for band coercion rules.
type RasterReader interface {
	Info() RasterInfo
	ReadWindow(top, left, height, width int) (*image.RGBA, error)
	Close() error
}

// OpenRaster picks a driver by extension. TIFF gets the streaming driver
// with an in-memory fallback for exotic encodings; PSB/PSD always use the
// composite driver.
func OpenRaster(path string) (RasterReader, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".tif", ".tiff":
		r, err := NewTIFFReader(path)
		if err == nil {
			return r, nil
		}
		if isUnsupportedTIFF(err) {
			return newMemoryRaster(path)
		}
		return nil, err
	case ".psb", ".psd":
		return NewPSDReader(path)
	}
	return nil, fmt.Errorf("%s: %w", filepath.Ext(path), ErrUnsupportedMedia)
}

// RasterDimensions reads image dimensions from the container header without
// decoding pixel data.
func RasterDimensions(path string) (width, height int, err error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".tif", ".tiff":
		r, err := NewTIFFReader(path)
		if err != nil {
			if isUnsupportedTIFF(err) {
				f, ferr := os.Open(path)
				if ferr != nil {
					return 0, 0, ferr
				}
				defer f.Close()
				cfg, _, cerr := image.DecodeConfig(f)
				if cerr != nil {
					return 0, 0, cerr
				}
				return cfg.Width, cfg.Height, nil
			}
			return 0, 0, err
		}
		defer r.Close()
		info := r.Info()
		return info.Width, info.Height, nil
	case ".psb", ".psd":
		f, err := os.Open(path)
		if err != nil {
			return 0, 0, err
		}
		defer f.Close()
		header, err := ParsePSDHeader(f)
		if err != nil {
			return 0, 0, err
		}
		return header.Width, header.Height, nil
	}
	return 0, 0, fmt.Errorf("%s: %w", filepath.Ext(path), ErrUnsupportedMedia)
}

// availableMemory reports bytes of RAM currently available to the process.
func availableMemory() uint64 {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0
	}
	return vm.Available
}

func blackTile(width, height int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for i := 3; i < len(img.Pix); i += 4 {
		img.Pix[i] = 0xff
	}
	return img
}

// memoryRaster serves windows from a fully decoded image. It backs the
// in-memory mode and the fallback for TIFF encodings the streaming driver
// does not handle.
type memoryRaster struct {
	img  *image.RGBA
	info RasterInfo
}

func newMemoryRaster(path string) (*memoryRaster, error) {
	stat, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	// Full decode holds roughly 4 bytes per pixel plus the compressed file.
	if avail := availableMemory(); avail > 0 && avail < uint64(8*stat.Size()) {
		return nil, fmt.Errorf("decoding %s in memory: %w", filepath.Base(path), ErrInsufficientMemory)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	decoded, err := xtiff.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", filepath.Base(path), err)
	}
	return newMemoryRasterFromImage(decoded), nil
}

func newMemoryRasterFromImage(decoded image.Image) *memoryRaster {
	bounds := decoded.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			rgba.Set(x-bounds.Min.X, y-bounds.Min.Y, decoded.At(x, y))
		}
	}
	return &memoryRaster{
		img:  rgba,
		info: RasterInfo{Width: bounds.Dx(), Height: bounds.Dy(), Bands: 3, SampleBits: 8},
	}
}

func (m *memoryRaster) Info() RasterInfo { return m.info }

func (m *memoryRaster) ReadWindow(top, left, height, width int) (*image.RGBA, error) {
	if top < 0 || left < 0 || top+height > m.info.Height || left+width > m.info.Width {
		return nil, fmt.Errorf("window %dx%d at (%d,%d) out of bounds", width, height, left, top)
	}
	out := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			out.SetRGBA(x, y, m.img.RGBAAt(left+x, top+y))
		}
	}
	return out, nil
}

func (m *memoryRaster) Close() error {
	m.img = nil
	return nil
}
