package gigatiles

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	// Cache-Control for tiles and previews: immutable for one year, the
	// cache-bust query parameter handles invalidation.
	tileCacheControl = "public, max-age=31536000"

	putAttempts    = 3
	deleteBatchMax = 1000
)

// ObjectStore is the S3-compatible persistent blob tier. Tiles and previews
// are published under a public-read URL prefix when one is configured.
type ObjectStore struct {
	bucket    Bucket
	publicURL string
	logger    *log.Logger
}

func NewObjectStore(ctx context.Context, bucketURL, publicURL string, logger *log.Logger) (*ObjectStore, error) {
	bucket, err := OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, err
	}
	return NewObjectStoreWithBucket(bucket, publicURL, logger), nil
}

func NewObjectStoreWithBucket(bucket Bucket, publicURL string, logger *log.Logger) *ObjectStore {
	return &ObjectStore{bucket: bucket, publicURL: strings.TrimSuffix(publicURL, "/"), logger: logger}
}

func (s *ObjectStore) Close() error { return s.bucket.Close() }

func backoff(attempt int) time.Duration {
	// 0.3 * 2^n seconds
	return time.Duration(300<<uint(attempt)) * time.Millisecond
}

// Put writes one object, retrying transient failures up to three times.
func (s *ObjectStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	var err error
	for attempt := 0; attempt < putAttempts; attempt++ {
		err = s.bucket.Write(ctx, key, data, contentType, tileCacheControl)
		if err == nil {
			return nil
		}
		time.Sleep(backoff(attempt))
	}
	return fmt.Errorf("put %s: %w", key, err)
}

func (s *ObjectStore) Exists(ctx context.Context, key string) bool {
	ok, err := s.bucket.Exists(ctx, key)
	if err != nil {
		return false
	}
	return ok
}

// GetStream opens the object for reading. The caller closes the reader.
func (s *ObjectStore) GetStream(ctx context.Context, key string) (io.ReadCloser, *BlobInfo, error) {
	return s.bucket.NewReader(ctx, key)
}

func (s *ObjectStore) Delete(ctx context.Context, key string) error {
	return s.bucket.Delete(ctx, key)
}

// DeletePrefix removes every object under the prefix in batches of at most
// 1000 keys and returns the number deleted. It is idempotent.
func (s *ObjectStore) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	keys, err := s.bucket.List(ctx, prefix)
	if err != nil {
		return 0, fmt.Errorf("list %s: %w", prefix, err)
	}
	deleted := 0
	for start := 0; start < len(keys); start += deleteBatchMax {
		end := start + deleteBatchMax
		if end > len(keys) {
			end = len(keys)
		}
		for _, key := range keys[start:end] {
			if err := s.bucket.Delete(ctx, key); err != nil {
				return deleted, fmt.Errorf("delete %s: %w", key, err)
			}
			deleted++
		}
	}
	return deleted, nil
}

// PublicURL returns the absolute public URL for a key, or "" when no public
// base is configured.
func (s *ObjectStore) PublicURL(key string) string {
	if s.publicURL == "" {
		return ""
	}
	return s.publicURL + "/" + key
}

func (s *ObjectStore) PutJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.Put(ctx, key, data, "application/json")
}

func (s *ObjectStore) GetJSON(ctx context.Context, key string, v any) error {
	r, _, err := s.bucket.NewReader(ctx, key)
	if err != nil {
		return err
	}
	defer r.Close()
	return json.NewDecoder(r).Decode(v)
}

func (s *ObjectStore) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	return s.bucket.List(ctx, prefix)
}

func contentTypeForTile(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".webp":
		return "image/webp"
	}
	return "application/octet-stream"
}

// ReplicateTree uploads every file under dir to prefix+relative-path with a
// bounded worker pool. Per-file failures are counted, not fatal.
func (s *ObjectStore) ReplicateTree(ctx context.Context, dir, prefix string, workers int) (uploaded, failed int) {
	if workers < 1 {
		workers = 1
	}
	var mu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		key := prefix + filepath.ToSlash(rel)
		g.Go(func() error {
			data, err := os.ReadFile(path)
			if err == nil {
				err = s.Put(ctx, key, data, contentTypeForTile(path))
			}
			mu.Lock()
			if err != nil {
				failed++
				s.logger.Printf("replicating %s failed: %v", key, err)
			} else {
				uploaded++
			}
			mu.Unlock()
			return nil
		})
		return nil
	})
	g.Wait()
	replicatedTiles.Add(float64(uploaded))
	replicationFailures.Add(float64(failed))
	return uploaded, failed
}
