package gigatiles

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/disk"
)

// ChunkSize is the server-chosen chunk size handed to clients at init.
const ChunkSize = 8 << 20

var allowedExtensions = map[string]bool{
	".tif":  true,
	".tiff": true,
	".psb":  true,
	".psd":  true,
}

// UploadSession tracks one in-flight chunked upload. Sessions live in
// memory only; a process restart abandons them.
type UploadSession struct {
	UploadID    string
	Filename    string
	Filesize    int64
	TotalChunks int
	Received    map[int]bool
	TempDir     string
}

// UploadAssembler accepts multi-gigabyte files as out-of-order chunks and
// concatenates them once all have arrived.
type UploadAssembler struct {
	mu       sync.Mutex
	sessions map[string]*UploadSession

	tempDir   string
	uploadDir string
	maxSize   int64
	logger    *log.Logger
}

func NewUploadAssembler(tempDir, uploadDir string, maxSize int64, logger *log.Logger) *UploadAssembler {
	return &UploadAssembler{
		sessions:  make(map[string]*UploadSession),
		tempDir:   tempDir,
		uploadDir: uploadDir,
		maxSize:   maxSize,
		logger:    logger,
	}
}

// Init validates the file and opens a session. The returned session carries
// the upload id clients use for subsequent chunks.
func (a *UploadAssembler) Init(filename string, filesize int64, totalChunks int) (*UploadSession, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	if !allowedExtensions[ext] {
		return nil, fmt.Errorf("%q: %w", ext, ErrUnsupportedMedia)
	}
	if filesize <= 0 || totalChunks <= 0 {
		return nil, fmt.Errorf("%w: filesize and total_chunks must be positive", ErrBadRequest)
	}
	if filesize > a.maxSize {
		return nil, fmt.Errorf("%s exceeds %s: %w",
			humanize.Bytes(uint64(filesize)), humanize.Bytes(uint64(a.maxSize)), ErrPayloadTooLarge)
	}

	id := uuid.NewString()
	tempDir := filepath.Join(a.tempDir, "upload_"+id)
	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		return nil, err
	}
	session := &UploadSession{
		UploadID:    id,
		Filename:    filepath.Base(filename),
		Filesize:    filesize,
		TotalChunks: totalChunks,
		Received:    make(map[int]bool),
		TempDir:     tempDir,
	}
	a.mu.Lock()
	a.sessions[id] = session
	a.mu.Unlock()
	a.logger.Printf("upload %s: %s, %s in %d chunks", id, session.Filename,
		humanize.Bytes(uint64(filesize)), totalChunks)
	return session, nil
}

func chunkName(index int) string {
	return fmt.Sprintf("chunk_%06d", index)
}

// AppendChunk stores one chunk. Re-sending an index overwrites the earlier
// copy, so retries are safe.
func (a *UploadAssembler) AppendChunk(uploadID string, index int, r io.Reader) (received, total int, complete bool, err error) {
	a.mu.Lock()
	session, ok := a.sessions[uploadID]
	a.mu.Unlock()
	if !ok {
		return 0, 0, false, fmt.Errorf("upload %s: %w", uploadID, ErrNotFound)
	}
	if index < 0 || index >= session.TotalChunks {
		return 0, 0, false, fmt.Errorf("%w: chunk index %d out of range", ErrBadRequest, index)
	}

	path := filepath.Join(session.TempDir, chunkName(index))
	f, err := os.Create(path)
	if err != nil {
		return 0, 0, false, err
	}
	n, err := io.Copy(f, io.LimitReader(r, ChunkSize+1))
	if err != nil {
		f.Close()
		os.Remove(path)
		return 0, 0, false, err
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return 0, 0, false, err
	}
	if n > ChunkSize {
		os.Remove(path)
		return 0, 0, false, fmt.Errorf("chunk %d exceeds %s: %w",
			index, humanize.Bytes(uint64(ChunkSize)), ErrPayloadTooLarge)
	}

	a.mu.Lock()
	session.Received[index] = true
	received = len(session.Received)
	total = session.TotalChunks
	a.mu.Unlock()
	return received, total, received == total, nil
}

// Complete concatenates the chunks in index order into the upload
// directory, removes the temp directory and closes the session. The
// assembled path is returned for hand-off to the dataset processor.
func (a *UploadAssembler) Complete(uploadID string) (string, string, error) {
	a.mu.Lock()
	session, ok := a.sessions[uploadID]
	a.mu.Unlock()
	if !ok {
		return "", "", fmt.Errorf("upload %s: %w", uploadID, ErrNotFound)
	}
	if len(session.Received) != session.TotalChunks {
		return "", "", fmt.Errorf("%w: %d of %d chunks received",
			ErrBadRequest, len(session.Received), session.TotalChunks)
	}
	if err := checkDiskSpace(a.uploadDir, 2*session.Filesize); err != nil {
		a.discard(session)
		return "", "", err
	}

	finalPath := filepath.Join(a.uploadDir, session.UploadID+"_"+session.Filename)
	out, err := os.Create(finalPath)
	if err != nil {
		a.discard(session)
		return "", "", err
	}
	var written int64
	for i := 0; i < session.TotalChunks; i++ {
		chunk, err := os.Open(filepath.Join(session.TempDir, chunkName(i)))
		var n int64
		if err == nil {
			n, err = io.Copy(out, chunk)
			chunk.Close()
		}
		if err != nil {
			out.Close()
			os.Remove(finalPath)
			a.discard(session)
			return "", "", fmt.Errorf("assembling chunk %d: %w", i, err)
		}
		written += n
	}
	if err := out.Close(); err != nil {
		os.Remove(finalPath)
		a.discard(session)
		return "", "", err
	}
	// the chunks survive a mismatch so the client can resend the bad one
	if written != session.Filesize {
		os.Remove(finalPath)
		return "", "", fmt.Errorf("%w: assembled %s, declared %s",
			ErrBadRequest, humanize.Bytes(uint64(written)), humanize.Bytes(uint64(session.Filesize)))
	}
	a.discard(session)
	a.logger.Printf("upload %s assembled to %s", uploadID, finalPath)
	return finalPath, session.Filename, nil
}

// Cancel removes the temp chunks and forgets the session.
func (a *UploadAssembler) Cancel(uploadID string) error {
	a.mu.Lock()
	session, ok := a.sessions[uploadID]
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("upload %s: %w", uploadID, ErrNotFound)
	}
	a.discard(session)
	return nil
}

func (a *UploadAssembler) Session(uploadID string) (*UploadSession, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.sessions[uploadID]
	return s, ok
}

func (a *UploadAssembler) discard(session *UploadSession) {
	os.RemoveAll(session.TempDir)
	a.mu.Lock()
	delete(a.sessions, session.UploadID)
	a.mu.Unlock()
}

// checkDiskSpace fails with ErrInsufficientDisk when the filesystem holding
// dir has less free space than required.
func checkDiskSpace(dir string, required int64) error {
	usage, err := disk.Usage(dir)
	if err != nil {
		// Can't measure; let the write itself fail if space runs out.
		return nil
	}
	if usage.Free < uint64(required) {
		return fmt.Errorf("%w: need %s, have %s", ErrInsufficientDisk,
			humanize.Bytes(uint64(required)), humanize.Bytes(usage.Free))
	}
	return nil
}

// ValidExtension reports whether the filename carries a supported raster
// container extension.
func ValidExtension(filename string) bool {
	return allowedExtensions[strings.ToLower(filepath.Ext(filename))]
}
