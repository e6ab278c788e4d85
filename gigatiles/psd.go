package gigatiles

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// PSDHeader is the fixed 26-byte header of a Photoshop document.
// Version 1 is PSD, version 2 is PSB (big document).
type PSDHeader struct {
	Version   int
	Channels  int
	Height    int
	Width     int
	Depth     int
	ColorMode int
}

func (h PSDHeader) IsBig() bool { return h.Version == 2 }

// ParsePSDHeader validates the signature and dimension limits.
func ParsePSDHeader(r io.Reader) (PSDHeader, error) {
	var raw [26]byte
	if _, err := io.ReadFull(r, raw[:]); err != nil {
		return PSDHeader{}, fmt.Errorf("reading PSD header: %w", err)
	}
	if string(raw[0:4]) != "8BPS" {
		return PSDHeader{}, fmt.Errorf("bad PSD signature")
	}
	h := PSDHeader{
		Version:   int(binary.BigEndian.Uint16(raw[4:6])),
		Channels:  int(binary.BigEndian.Uint16(raw[12:14])),
		Height:    int(binary.BigEndian.Uint32(raw[14:18])),
		Width:     int(binary.BigEndian.Uint32(raw[18:22])),
		Depth:     int(binary.BigEndian.Uint16(raw[22:24])),
		ColorMode: int(binary.BigEndian.Uint16(raw[24:26])),
	}
	if h.Version != 1 && h.Version != 2 {
		return PSDHeader{}, fmt.Errorf("unsupported PSD version %d", h.Version)
	}
	limit := 30000
	if h.IsBig() {
		limit = 300000
	}
	if h.Width < 1 || h.Height < 1 || h.Width > limit || h.Height > limit {
		return PSDHeader{}, fmt.Errorf("PSD dimensions %dx%d out of range", h.Width, h.Height)
	}
	if h.Channels < 1 || h.Channels > 56 {
		return PSDHeader{}, fmt.Errorf("PSD channel count %d out of range", h.Channels)
	}
	return h, nil
}

// PSDReader reads the merged composite of a PSD/PSB document. Metadata
// comes from the header alone; pixel access composes the full image, which
// is gated on available RAM of at least three times the file size.
type PSDReader struct {
	path      string
	filesize  int64
	header    PSDHeader
	mu        sync.Mutex
	composite *image.RGBA
}

func NewPSDReader(path string) (*PSDReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}
	header, err := ParsePSDHeader(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return &PSDReader{path: path, filesize: stat.Size(), header: header}, nil
}

func (p *PSDReader) Info() RasterInfo {
	return RasterInfo{
		Width:      p.header.Width,
		Height:     p.header.Height,
		Bands:      p.header.Channels,
		SampleBits: p.header.Depth,
	}
}

func (p *PSDReader) Close() error {
	p.composite = nil
	return nil
}

// CheckMemory fails early when the composite would not fit in RAM.
func (p *PSDReader) CheckMemory() error {
	if avail := availableMemory(); avail > 0 && avail < uint64(3*p.filesize) {
		return fmt.Errorf("compositing %s needs %d bytes: %w",
			filepath.Base(p.path), 3*p.filesize, ErrInsufficientMemory)
	}
	return nil
}

func (p *PSDReader) ReadWindow(top, left, height, width int) (*image.RGBA, error) {
	p.mu.Lock()
	if p.composite == nil {
		if err := p.compose(); err != nil {
			p.mu.Unlock()
			return nil, err
		}
	}
	p.mu.Unlock()
	if top < 0 || left < 0 || top+height > p.header.Height || left+width > p.header.Width {
		return nil, fmt.Errorf("window %dx%d at (%d,%d) out of bounds", width, height, left, top)
	}
	out := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		src := p.composite.Pix[p.composite.PixOffset(left, top+y):]
		dst := out.Pix[out.PixOffset(0, y):]
		copy(dst[:width*4], src[:width*4])
	}
	return out, nil
}

// compose decodes the merged image data section into an RGBA buffer.
func (p *PSDReader) compose() error {
	if err := p.CheckMemory(); err != nil {
		return err
	}
	f, err := os.Open(p.path)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Seek(26, io.SeekStart); err != nil {
		return err
	}
	// Color mode data and image resources both carry 4-byte lengths; the
	// layer and mask section length widens to 8 bytes in PSB.
	if err := skipSection(f, 4); err != nil {
		return fmt.Errorf("color mode data: %w", err)
	}
	if err := skipSection(f, 4); err != nil {
		return fmt.Errorf("image resources: %w", err)
	}
	layerLenSize := 4
	if p.header.IsBig() {
		layerLenSize = 8
	}
	if err := skipSection(f, layerLenSize); err != nil {
		return fmt.Errorf("layer and mask info: %w", err)
	}

	br := bufio.NewReaderSize(f, 1<<20)
	var compRaw [2]byte
	if _, err := io.ReadFull(br, compRaw[:]); err != nil {
		return fmt.Errorf("image data compression: %w", err)
	}
	compression := binary.BigEndian.Uint16(compRaw[:])

	if p.header.Depth != 8 {
		return fmt.Errorf("unsupported PSD depth %d", p.header.Depth)
	}

	w, h := p.header.Width, p.header.Height
	channels := p.header.Channels
	if channels > 4 {
		channels = 4
	}
	planes := make([][]byte, channels)

	switch compression {
	case 0: // raw
		for c := 0; c < channels; c++ {
			plane := make([]byte, w*h)
			if _, err := io.ReadFull(br, plane); err != nil {
				return fmt.Errorf("channel %d: %w", c, err)
			}
			planes[c] = plane
		}
	case 1: // PackBits per row
		countSize := 2
		if p.header.IsBig() {
			countSize = 4
		}
		counts := make([]int, p.header.Channels*h)
		buf := make([]byte, countSize)
		for i := range counts {
			if _, err := io.ReadFull(br, buf); err != nil {
				return fmt.Errorf("RLE row counts: %w", err)
			}
			if countSize == 2 {
				counts[i] = int(binary.BigEndian.Uint16(buf))
			} else {
				counts[i] = int(binary.BigEndian.Uint32(buf))
			}
		}
		row := make([]byte, 0, w*2)
		for c := 0; c < p.header.Channels; c++ {
			var plane []byte
			if c < channels {
				plane = make([]byte, 0, w*h)
			}
			for y := 0; y < h; y++ {
				n := counts[c*h+y]
				if cap(row) < n {
					row = make([]byte, 0, n)
				}
				row = row[:n]
				if _, err := io.ReadFull(br, row); err != nil {
					return fmt.Errorf("channel %d row %d: %w", c, y, err)
				}
				if plane == nil {
					continue
				}
				decoded, err := unpackBits(row, w)
				if err != nil {
					return fmt.Errorf("channel %d row %d: %w", c, y, err)
				}
				if len(decoded) < w {
					return fmt.Errorf("channel %d row %d: short row", c, y)
				}
				plane = append(plane, decoded[:w]...)
			}
			if c < channels {
				planes[c] = plane
			}
		}
	default:
		return fmt.Errorf("unsupported PSD compression %d", compression)
	}

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			idx := y*w + x
			i := img.PixOffset(x, y)
			if p.header.Channels >= 3 {
				img.Pix[i] = planes[0][idx]
				img.Pix[i+1] = planes[1][idx]
				img.Pix[i+2] = planes[2][idx]
			} else {
				v := planes[0][idx]
				img.Pix[i] = v
				img.Pix[i+1] = v
				img.Pix[i+2] = v
			}
			img.Pix[i+3] = 0xff
		}
	}
	p.composite = img
	return nil
}

// skipSection reads a big-endian length of the given byte width and skips
// that many bytes.
func skipSection(f *os.File, lenSize int) error {
	buf := make([]byte, lenSize)
	if _, err := io.ReadFull(f, buf); err != nil {
		return err
	}
	var n int64
	if lenSize == 4 {
		n = int64(binary.BigEndian.Uint32(buf))
	} else {
		n = int64(binary.BigEndian.Uint64(buf))
	}
	_, err := f.Seek(n, io.SeekCurrent)
	return err
}
