package gigatiles

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"
)

// BlobInfo describes an object returned by a bucket read.
type BlobInfo struct {
	ContentType string
	ETag        string
	Size        int64
}

// Bucket is an abstraction over a gocloud bucket or a plain directory.
type Bucket interface {
	Close() error
	NewReader(ctx context.Context, key string) (io.ReadCloser, *BlobInfo, error)
	Write(ctx context.Context, key string, data []byte, contentType, cacheControl string) error
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
}

type mockBucket struct {
	mu    sync.Mutex
	items map[string][]byte
	types map[string]string
}

func newMockBucket() *mockBucket {
	return &mockBucket{items: make(map[string][]byte), types: make(map[string]string)}
}

func (m *mockBucket) Close() error { return nil }

func (m *mockBucket) NewReader(_ context.Context, key string) (io.ReadCloser, *BlobInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bs, ok := m.items[key]
	if !ok {
		return nil, nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	info := &BlobInfo{ContentType: m.types[key], ETag: generateEtag(bs), Size: int64(len(bs))}
	return io.NopCloser(bytes.NewReader(bs)), info, nil
}

func (m *mockBucket) Write(_ context.Context, key string, data []byte, contentType, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = append([]byte(nil), data...)
	m.types[key] = contentType
	return nil
}

func (m *mockBucket) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.items[key]
	return ok, nil
}

func (m *mockBucket) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	delete(m.types, key)
	return nil
}

func (m *mockBucket) List(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.items {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func uintToBytes(n uint64) []byte {
	bs := make([]byte, 8)
	binary.LittleEndian.PutUint64(bs, n)
	return bs
}

func hasherToEtag(hasher *xxhash.Digest) string {
	sum := uintToBytes(hasher.Sum64())
	return fmt.Sprintf(`"%s"`, hex.EncodeToString(sum))
}

func generateEtag(data []byte) string {
	hasher := xxhash.New()
	hasher.Write(data)
	return hasherToEtag(hasher)
}

func generateEtagFromInts(ns ...int64) string {
	hasher := xxhash.New()
	for _, n := range ns {
		hasher.Write(uintToBytes(uint64(n)))
	}
	return hasherToEtag(hasher)
}

// FileBucket is a bucket backed by a directory on disk.
type FileBucket struct {
	path string
}

func NewFileBucket(path string) *FileBucket {
	return &FileBucket{path: path}
}

func (b FileBucket) Close() error { return nil }

func (b FileBucket) NewReader(_ context.Context, key string) (io.ReadCloser, *BlobInfo, error) {
	name := filepath.Join(b.path, filepath.FromSlash(key))
	file, err := os.Open(name)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, nil, err
	}
	info := &BlobInfo{
		ContentType: mime.TypeByExtension(filepath.Ext(key)),
		ETag:        generateEtagFromInts(stat.ModTime().UnixNano(), stat.Size()),
		Size:        stat.Size(),
	}
	return file, info, nil
}

func (b FileBucket) Write(_ context.Context, key string, data []byte, _, _ string) error {
	name := filepath.Join(b.path, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(name), 0o755); err != nil {
		return err
	}
	return os.WriteFile(name, data, 0o644)
}

func (b FileBucket) Exists(_ context.Context, key string) (bool, error) {
	_, err := os.Stat(filepath.Join(b.path, filepath.FromSlash(key)))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (b FileBucket) Delete(_ context.Context, key string) error {
	err := os.Remove(filepath.Join(b.path, filepath.FromSlash(key)))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (b FileBucket) List(_ context.Context, prefix string) ([]string, error) {
	var keys []string
	root := b.path
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if os.IsNotExist(err) {
		return nil, nil
	}
	sort.Strings(keys)
	return keys, err
}

// BucketAdapter wraps a gocloud bucket.
type BucketAdapter struct {
	Bucket *blob.Bucket
}

func (ba BucketAdapter) Close() error { return ba.Bucket.Close() }

func (ba BucketAdapter) NewReader(ctx context.Context, key string) (io.ReadCloser, *BlobInfo, error) {
	reader, err := ba.Bucket.NewReader(ctx, key, nil)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, nil, fmt.Errorf("%s: %w", key, ErrNotFound)
		}
		return nil, nil, err
	}
	attrs, err := ba.Bucket.Attributes(ctx, key)
	info := &BlobInfo{ContentType: reader.ContentType(), Size: reader.Size()}
	if err == nil {
		info.ETag = attrs.ETag
	}
	return reader, info, nil
}

func (ba BucketAdapter) Write(ctx context.Context, key string, data []byte, contentType, cacheControl string) error {
	w, err := ba.Bucket.NewWriter(ctx, key, &blob.WriterOptions{
		ContentType:  contentType,
		CacheControl: cacheControl,
	})
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

func (ba BucketAdapter) Exists(ctx context.Context, key string) (bool, error) {
	return ba.Bucket.Exists(ctx, key)
}

func (ba BucketAdapter) Delete(ctx context.Context, key string) error {
	err := ba.Bucket.Delete(ctx, key)
	if gcerrors.Code(err) == gcerrors.NotFound {
		return nil
	}
	return err
}

func (ba BucketAdapter) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := ba.Bucket.List(&blob.ListOptions{Prefix: prefix})
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return keys, err
		}
		keys = append(keys, obj.Key)
	}
	return keys, nil
}

// OpenBucket opens a bucket URL: file:// paths map to a FileBucket,
// anything else goes through gocloud (s3://, mem://).
func OpenBucket(ctx context.Context, bucketURL string) (Bucket, error) {
	if strings.HasPrefix(bucketURL, "file://") {
		fileprotocol := "file://"
		if string(os.PathSeparator) != "/" {
			fileprotocol += "/"
		}
		path := strings.Replace(bucketURL, fileprotocol, "", 1)
		return NewFileBucket(filepath.FromSlash(path)), nil
	}
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, err
	}
	return BucketAdapter{bucket}, nil
}
