package gigatiles

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"io"
	"math"
	"os"
	"sync"
)

// TIFF tag ids the streaming driver cares about.
const (
	tagImageWidth      = 256
	tagImageLength     = 257
	tagBitsPerSample   = 258
	tagCompression     = 259
	tagPhotometric     = 262
	tagStripOffsets    = 273
	tagSamplesPerPixel = 277
	tagRowsPerStrip    = 278
	tagStripByteCounts = 279
	tagPlanarConfig    = 284
	tagPredictor       = 317
	tagTileWidth       = 322
	tagTileLength      = 323
	tagTileOffsets     = 324
	tagTileByteCounts  = 325
	tagSampleFormat    = 339
	tagPixelScale      = 33550
	tagTiepoint        = 33922
	tagGeoASCIIParams  = 34737
)

const (
	compressionNone     = 1
	compressionDeflate  = 8
	compressionPackBits = 32773
	compressionOldZlib  = 32946
)

// blockCacheBudget bounds decoded strip/tile bytes held between windows.
const blockCacheBudget = 256 << 20

// unsupportedTIFFError marks files that are valid TIFF but use an encoding
// the streaming driver cannot window-read. OpenRaster falls back to a full
// decode for those.
type unsupportedTIFFError struct {
	reason string
}

func (e *unsupportedTIFFError) Error() string {
	return "unsupported TIFF layout: " + e.reason
}

func isUnsupportedTIFF(err error) bool {
	var u *unsupportedTIFFError
	return errors.As(err, &u)
}

type tiffEntry struct {
	tag      uint16
	typ      uint16
	count    uint64
	rawValue []byte
}

// TIFFReader performs windowed reads against strip- or tile-organized TIFF
// files, including BigTIFF, without materializing the whole image.
type TIFFReader struct {
	file  *os.File
	order binary.ByteOrder
	big   bool

	info        RasterInfo
	compression int
	predictor   int
	photometric int
	samples     int
	bits        int

	mu           sync.Mutex
	tiled        bool
	blockWidth   int
	blockHeight  int
	blockOffsets []uint64
	blockCounts  []uint64
	blocksAcross int
	zeroBands    bool
	cache        map[int][]byte
	cacheBytes   int
}

func NewTIFFReader(path string) (*TIFFReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	r := &TIFFReader{file: f, cache: make(map[int][]byte)}
	if err := r.parse(); err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

func (r *TIFFReader) parse() error {
	head := make([]byte, 16)
	if _, err := io.ReadFull(r.file, head[:8]); err != nil {
		return fmt.Errorf("reading TIFF header: %w", err)
	}
	switch string(head[:2]) {
	case "II":
		r.order = binary.LittleEndian
	case "MM":
		r.order = binary.BigEndian
	default:
		return fmt.Errorf("not a TIFF file")
	}
	magic := r.order.Uint16(head[2:4])
	var ifdOffset uint64
	switch magic {
	case 42:
		ifdOffset = uint64(r.order.Uint32(head[4:8]))
	case 43:
		// BigTIFF: 8-byte offsets
		r.big = true
		if r.order.Uint16(head[4:6]) != 8 {
			return fmt.Errorf("unexpected BigTIFF offset size")
		}
		if _, err := r.file.ReadAt(head[8:16], 8); err != nil {
			return err
		}
		ifdOffset = r.order.Uint64(head[8:16])
	default:
		return fmt.Errorf("bad TIFF magic %d", magic)
	}

	entries, err := r.readIFD(ifdOffset)
	if err != nil {
		return err
	}
	return r.applyEntries(entries)
}

func (r *TIFFReader) readIFD(offset uint64) ([]tiffEntry, error) {
	entrySize := 12
	countSize := 2
	if r.big {
		entrySize = 20
		countSize = 8
	}
	countBuf := make([]byte, countSize)
	if _, err := r.file.ReadAt(countBuf, int64(offset)); err != nil {
		return nil, err
	}
	var n uint64
	if r.big {
		n = r.order.Uint64(countBuf)
	} else {
		n = uint64(r.order.Uint16(countBuf))
	}
	if n > 4096 {
		return nil, fmt.Errorf("IFD entry count %d out of range", n)
	}
	buf := make([]byte, int(n)*entrySize)
	if _, err := r.file.ReadAt(buf, int64(offset)+int64(countSize)); err != nil {
		return nil, err
	}
	entries := make([]tiffEntry, 0, n)
	for i := 0; i < int(n); i++ {
		raw := buf[i*entrySize : (i+1)*entrySize]
		e := tiffEntry{
			tag: r.order.Uint16(raw[0:2]),
			typ: r.order.Uint16(raw[2:4]),
		}
		if r.big {
			e.count = r.order.Uint64(raw[4:12])
			e.rawValue = raw[12:20]
		} else {
			e.count = uint64(r.order.Uint32(raw[4:8]))
			e.rawValue = raw[8:12]
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func typeSize(typ uint16) int {
	switch typ {
	case 1, 2, 6, 7:
		return 1
	case 3, 8:
		return 2
	case 4, 9, 11:
		return 4
	case 5, 10, 12, 16, 17:
		return 8
	}
	return 0
}

// entryData returns the raw value bytes, following the offset indirection
// when the value does not fit inline.
func (r *TIFFReader) entryData(e tiffEntry) ([]byte, error) {
	size := typeSize(e.typ)
	if size == 0 {
		return nil, fmt.Errorf("tag %d: unknown type %d", e.tag, e.typ)
	}
	total := size * int(e.count)
	inline := 4
	if r.big {
		inline = 8
	}
	if total <= inline {
		return e.rawValue[:total], nil
	}
	var offset uint64
	if r.big {
		offset = r.order.Uint64(e.rawValue)
	} else {
		offset = uint64(r.order.Uint32(e.rawValue))
	}
	buf := make([]byte, total)
	if _, err := r.file.ReadAt(buf, int64(offset)); err != nil {
		return nil, err
	}
	return buf, nil
}

func (r *TIFFReader) entryUints(e tiffEntry) ([]uint64, error) {
	data, err := r.entryData(e)
	if err != nil {
		return nil, err
	}
	size := typeSize(e.typ)
	out := make([]uint64, e.count)
	for i := range out {
		v := data[i*size : (i+1)*size]
		switch size {
		case 1:
			out[i] = uint64(v[0])
		case 2:
			out[i] = uint64(r.order.Uint16(v))
		case 4:
			out[i] = uint64(r.order.Uint32(v))
		case 8:
			out[i] = r.order.Uint64(v)
		}
	}
	return out, nil
}

func (r *TIFFReader) entryDoubles(e tiffEntry) ([]float64, error) {
	if e.typ != 12 {
		return nil, fmt.Errorf("tag %d: expected DOUBLE", e.tag)
	}
	data, err := r.entryData(e)
	if err != nil {
		return nil, err
	}
	out := make([]float64, e.count)
	for i := range out {
		bits := r.order.Uint64(data[i*8 : (i+1)*8])
		out[i] = math.Float64frombits(bits)
	}
	return out, nil
}

func (r *TIFFReader) applyEntries(entries []tiffEntry) error {
	r.samples = 1
	r.bits = 8
	r.compression = compressionNone
	r.predictor = 1
	rowsPerStrip := uint64(1 << 32)
	var pixelScale, tiepoint []float64

	firstUint := func(e tiffEntry) uint64 {
		vals, err := r.entryUints(e)
		if err != nil || len(vals) == 0 {
			return 0
		}
		return vals[0]
	}

	for _, e := range entries {
		switch e.tag {
		case tagImageWidth:
			r.info.Width = int(firstUint(e))
		case tagImageLength:
			r.info.Height = int(firstUint(e))
		case tagBitsPerSample:
			r.bits = int(firstUint(e))
		case tagCompression:
			r.compression = int(firstUint(e))
		case tagPhotometric:
			r.photometric = int(firstUint(e))
		case tagSamplesPerPixel:
			r.samples = int(firstUint(e))
		case tagRowsPerStrip:
			rowsPerStrip = firstUint(e)
		case tagStripOffsets:
			vals, err := r.entryUints(e)
			if err != nil {
				return err
			}
			r.blockOffsets = vals
		case tagStripByteCounts:
			vals, err := r.entryUints(e)
			if err != nil {
				return err
			}
			r.blockCounts = vals
		case tagPlanarConfig:
			if firstUint(e) != 1 {
				return &unsupportedTIFFError{"planar sample organization"}
			}
		case tagPredictor:
			r.predictor = int(firstUint(e))
		case tagTileWidth:
			r.tiled = true
			r.blockWidth = int(firstUint(e))
		case tagTileLength:
			r.blockHeight = int(firstUint(e))
		case tagTileOffsets:
			vals, err := r.entryUints(e)
			if err != nil {
				return err
			}
			r.tiled = true
			r.blockOffsets = vals
		case tagTileByteCounts:
			vals, err := r.entryUints(e)
			if err != nil {
				return err
			}
			r.blockCounts = vals
		case tagSampleFormat:
			if v := firstUint(e); v != 1 {
				return &unsupportedTIFFError{fmt.Sprintf("sample format %d", v)}
			}
		case tagPixelScale:
			pixelScale, _ = r.entryDoubles(e)
		case tagTiepoint:
			tiepoint, _ = r.entryDoubles(e)
		case tagGeoASCIIParams:
			if data, err := r.entryData(e); err == nil {
				r.info.Projection = string(bytes.TrimRight(data, "\x00|"))
			}
		}
	}

	if r.info.Width <= 0 || r.info.Height <= 0 {
		return fmt.Errorf("missing image dimensions")
	}
	if r.bits != 8 && r.bits != 16 {
		return &unsupportedTIFFError{fmt.Sprintf("%d bits per sample", r.bits)}
	}
	switch r.compression {
	case compressionNone, compressionDeflate, compressionOldZlib, compressionPackBits:
	default:
		return &unsupportedTIFFError{fmt.Sprintf("compression %d", r.compression)}
	}
	if r.predictor != 1 && r.predictor != 2 {
		return &unsupportedTIFFError{fmt.Sprintf("predictor %d", r.predictor)}
	}
	if len(r.blockOffsets) == 0 || len(r.blockCounts) != len(r.blockOffsets) {
		return fmt.Errorf("missing strip or tile layout")
	}

	if r.tiled {
		if r.blockWidth <= 0 || r.blockHeight <= 0 {
			return fmt.Errorf("missing tile dimensions")
		}
		r.blocksAcross = (r.info.Width + r.blockWidth - 1) / r.blockWidth
	} else {
		if rowsPerStrip > uint64(r.info.Height) {
			rowsPerStrip = uint64(r.info.Height)
		}
		r.blockWidth = r.info.Width
		r.blockHeight = int(rowsPerStrip)
		r.blocksAcross = 1
	}

	// Band counts outside {1, >=3} have no RGB interpretation; windows come
	// back black rather than failing the whole job.
	r.zeroBands = r.samples == 2 || r.samples == 0

	r.info.Bands = r.samples
	r.info.SampleBits = r.bits
	if len(pixelScale) >= 2 && len(tiepoint) >= 6 {
		originX := tiepoint[3] - tiepoint[0]*pixelScale[0]
		originY := tiepoint[4] + tiepoint[1]*pixelScale[1]
		r.info.GeoTransform = []float64{originX, pixelScale[0], 0, originY, 0, -pixelScale[1]}
		r.info.Bounds = []float64{
			originX,
			originY - pixelScale[1]*float64(r.info.Height),
			originX + pixelScale[0]*float64(r.info.Width),
			originY,
		}
	}
	return nil
}

func (r *TIFFReader) Info() RasterInfo { return r.info }

func (r *TIFFReader) Close() error {
	r.cache = nil
	return r.file.Close()
}

// block returns decoded bytes for one strip or tile, caching under a fixed
// byte budget. Safe for concurrent window reads.
func (r *TIFFReader) block(index int) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if data, ok := r.cache[index]; ok {
		return data, nil
	}
	if index < 0 || index >= len(r.blockOffsets) {
		return nil, fmt.Errorf("block %d out of range", index)
	}
	raw := make([]byte, r.blockCounts[index])
	if _, err := r.file.ReadAt(raw, int64(r.blockOffsets[index])); err != nil {
		return nil, fmt.Errorf("reading block %d: %w", index, err)
	}

	rows := r.blockRows(index)
	expect := r.blockWidth * rows * r.samples * (r.bits / 8)
	var data []byte
	var err error
	switch r.compression {
	case compressionNone:
		data = raw
	case compressionDeflate, compressionOldZlib:
		data, err = inflate(raw, expect)
	case compressionPackBits:
		data, err = unpackBits(raw, expect)
	}
	if err != nil {
		return nil, fmt.Errorf("decoding block %d: %w", index, err)
	}
	if len(data) < expect {
		return nil, fmt.Errorf("block %d: short data %d < %d", index, len(data), expect)
	}
	if r.predictor == 2 {
		r.undoPredictor(data, rows)
	}

	if r.cacheBytes+len(data) > blockCacheBudget {
		r.cache = make(map[int][]byte)
		r.cacheBytes = 0
	}
	r.cache[index] = data
	r.cacheBytes += len(data)
	return data, nil
}

// blockRows is the pixel-row count of a block; the last strip and the last
// tile row may be clipped.
func (r *TIFFReader) blockRows(index int) int {
	if r.tiled {
		return r.blockHeight
	}
	start := index * r.blockHeight
	rows := r.info.Height - start
	if rows > r.blockHeight {
		rows = r.blockHeight
	}
	return rows
}

func (r *TIFFReader) undoPredictor(data []byte, rows int) {
	stride := r.blockWidth * r.samples * (r.bits / 8)
	if r.bits == 8 {
		for y := 0; y < rows; y++ {
			row := data[y*stride : (y+1)*stride]
			for i := r.samples; i < len(row); i++ {
				row[i] += row[i-r.samples]
			}
		}
		return
	}
	for y := 0; y < rows; y++ {
		row := data[y*stride : (y+1)*stride]
		for i := 2 * r.samples; i+1 < len(row); i += 2 {
			prev := r.order.Uint16(row[i-2*r.samples:])
			cur := r.order.Uint16(row[i:])
			r.order.PutUint16(row[i:], cur+prev)
		}
	}
}

// ReadWindow returns the RGB contents of the requested rectangle.
// 16-bit samples are right-shifted to 8; single-band sources expand to
// gray RGB; four or more bands use the first three.
func (r *TIFFReader) ReadWindow(top, left, height, width int) (*image.RGBA, error) {
	if top < 0 || left < 0 || width <= 0 || height <= 0 ||
		top+height > r.info.Height || left+width > r.info.Width {
		return nil, fmt.Errorf("window %dx%d at (%d,%d) out of bounds", width, height, left, top)
	}
	if r.zeroBands {
		return blackTile(width, height), nil
	}

	out := image.NewRGBA(image.Rect(0, 0, width, height))
	bytesPerSample := r.bits / 8
	pixelStride := r.samples * bytesPerSample

	firstBlockRow := top / r.blockHeight
	lastBlockRow := (top + height - 1) / r.blockHeight
	firstBlockCol := left / r.blockWidth
	lastBlockCol := (left + width - 1) / r.blockWidth
	if !r.tiled {
		firstBlockCol, lastBlockCol = 0, 0
	}

	for br := firstBlockRow; br <= lastBlockRow; br++ {
		for bc := firstBlockCol; bc <= lastBlockCol; bc++ {
			data, err := r.block(br*r.blocksAcross + bc)
			if err != nil {
				return nil, err
			}
			blockTop := br * r.blockHeight
			blockLeft := bc * r.blockWidth
			rowStride := r.blockWidth * pixelStride

			y0 := max(top, blockTop)
			y1 := min(top+height, blockTop+r.blockRows(br*r.blocksAcross+bc))
			x0 := max(left, blockLeft)
			x1 := min(left+width, blockLeft+r.blockWidth)

			for y := y0; y < y1; y++ {
				src := data[(y-blockTop)*rowStride:]
				for x := x0; x < x1; x++ {
					p := src[(x-blockLeft)*pixelStride:]
					var red, green, blue uint8
					if r.samples == 1 {
						v := r.sample8(p)
						red, green, blue = v, v, v
					} else {
						red = r.sample8(p)
						green = r.sample8(p[bytesPerSample:])
						blue = r.sample8(p[2*bytesPerSample:])
					}
					i := out.PixOffset(x-left, y-top)
					out.Pix[i] = red
					out.Pix[i+1] = green
					out.Pix[i+2] = blue
					out.Pix[i+3] = 0xff
				}
			}
		}
	}
	return out, nil
}

func (r *TIFFReader) sample8(p []byte) uint8 {
	if r.bits == 16 {
		return uint8(r.order.Uint16(p) >> 8)
	}
	return p[0]
}

func inflate(raw []byte, expect int) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	out := make([]byte, 0, expect)
	buf := bytes.NewBuffer(out)
	if _, err := io.Copy(buf, zr); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// unpackBits decodes Apple PackBits runs, shared with the PSD driver.
func unpackBits(raw []byte, expect int) ([]byte, error) {
	out := make([]byte, 0, expect)
	i := 0
	for i < len(raw) && len(out) < expect {
		n := int(int8(raw[i]))
		i++
		switch {
		case n >= 0:
			count := n + 1
			if i+count > len(raw) {
				return nil, fmt.Errorf("packbits literal run past end")
			}
			out = append(out, raw[i:i+count]...)
			i += count
		case n == -128:
			// no-op
		default:
			if i >= len(raw) {
				return nil, fmt.Errorf("packbits repeat run past end")
			}
			count := 1 - n
			b := raw[i]
			i++
			for j := 0; j < count; j++ {
				out = append(out, b)
			}
		}
	}
	return out, nil
}
