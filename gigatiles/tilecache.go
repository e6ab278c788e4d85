package gigatiles

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"
)

const (
	cacheConnectTimeout = 5 * time.Second
	cacheReadTimeout    = 10 * time.Second
	cacheBatchWait      = 15 * time.Second
	fetchAttempts       = 3

	// MaxBatchKeys caps a single fetch_many request.
	MaxBatchKeys = 100
)

// CacheStats is a snapshot of cache counters.
type CacheStats struct {
	Requests      uint64  `json:"total_requests"`
	Hits          uint64  `json:"cache_hits"`
	Misses        uint64  `json:"cache_misses"`
	AvgFetchMs    float64 `json:"avg_fetch_ms"`
	MaxConcurrent int     `json:"max_concurrent"`
	Entries       int     `json:"entries"`
}

// TileCache is a bounded LRU of raw tile bytes plus a worker pool that
// fetches misses from the object store's public URL in parallel.
type TileCache struct {
	entries *lru.Cache[string, []byte]
	store   *ObjectStore
	client  *http.Client
	workers int

	mu           sync.Mutex
	requests     uint64
	hits         uint64
	misses       uint64
	fetchMsTotal float64
	fetches      uint64
	inflight     int
	maxInflight  int
}

func NewTileCache(store *ObjectStore, capacity, workers int) (*TileCache, error) {
	if capacity < 1 {
		capacity = 500
	}
	if workers < 1 {
		workers = 50
	}
	entries, err := lru.New[string, []byte](capacity)
	if err != nil {
		return nil, err
	}
	transport := &http.Transport{
		DialContext:           (&net.Dialer{Timeout: cacheConnectTimeout}).DialContext,
		ResponseHeaderTimeout: cacheReadTimeout,
	}
	return &TileCache{
		entries: entries,
		store:   store,
		client:  &http.Client{Transport: transport},
		workers: workers,
	}, nil
}

// Get returns cached bytes, touching the LRU order on hit.
func (c *TileCache) Get(key TileKey) ([]byte, bool) {
	b, ok := c.entries.Get(key.String())
	c.mu.Lock()
	c.requests++
	if ok {
		c.hits++
	} else {
		c.misses++
	}
	c.mu.Unlock()
	if ok {
		cacheRequests.WithLabelValues("hit").Inc()
	} else {
		cacheRequests.WithLabelValues("miss").Inc()
	}
	return b, ok
}

func (c *TileCache) Put(key TileKey, b []byte) {
	c.entries.Add(key.String(), b)
	cacheEntries.Set(float64(c.entries.Len()))
}

// FetchMany resolves up to MaxBatchKeys tiles. Cache hits bypass the
// network; misses are fetched concurrently and cached on success. Absent
// tiles map to a nil value.
func (c *TileCache) FetchMany(ctx context.Context, keys []TileKey) (map[TileKey][]byte, error) {
	if len(keys) > MaxBatchKeys {
		return nil, fmt.Errorf("%w: at most %d tiles per batch", ErrBadRequest, MaxBatchKeys)
	}
	out := make(map[TileKey][]byte, len(keys))
	var misses []TileKey
	for _, key := range keys {
		if b, ok := c.Get(key); ok {
			out[key] = b
		} else {
			misses = append(misses, key)
		}
	}
	if len(misses) == 0 {
		return out, nil
	}

	ctx, cancel := context.WithTimeout(ctx, cacheBatchWait)
	defer cancel()

	var mu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)
	for _, key := range misses {
		key := key
		g.Go(func() error {
			b, err := c.fetch(ctx, key)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				out[key] = nil
				return nil
			}
			out[key] = b
			return nil
		})
	}
	g.Wait()
	for _, key := range misses {
		if b := out[key]; b != nil {
			c.Put(key, b)
		}
	}
	return out, nil
}

func (c *TileCache) fetch(ctx context.Context, key TileKey) ([]byte, error) {
	c.mu.Lock()
	c.inflight++
	if c.inflight > c.maxInflight {
		c.maxInflight = c.inflight
	}
	c.mu.Unlock()
	start := time.Now()
	defer func() {
		ms := float64(time.Since(start)) / float64(time.Millisecond)
		c.mu.Lock()
		c.inflight--
		c.fetches++
		c.fetchMsTotal += ms
		c.mu.Unlock()
	}()

	url := c.store.PublicURL(key.ObjectKey())
	if url == "" {
		return c.fetchDirect(ctx, key)
	}

	var lastErr error
	for attempt := 0; attempt < fetchAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = err
			time.Sleep(backoff(attempt))
			continue
		}
		if resp.StatusCode == http.StatusOK {
			b, err := io.ReadAll(resp.Body)
			resp.Body.Close()
			return b, err
		}
		resp.Body.Close()
		if resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("HTTP %d for %s", resp.StatusCode, url)
			time.Sleep(backoff(attempt))
			continue
		}
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return nil, lastErr
}

// fetchDirect reads through the bucket when no public URL is configured.
func (c *TileCache) fetchDirect(ctx context.Context, key TileKey) ([]byte, error) {
	r, _, err := c.store.GetStream(ctx, key.ObjectKey())
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// Clear evicts every entry of one dataset, or all entries when datasetID is
// empty, and returns the number removed.
func (c *TileCache) Clear(datasetID string) int {
	removed := 0
	prefix := datasetID + "/"
	for _, k := range c.entries.Keys() {
		if datasetID == "" || strings.HasPrefix(k, prefix) {
			c.entries.Remove(k)
			removed++
		}
	}
	cacheEntries.Set(float64(c.entries.Len()))
	return removed
}

func (c *TileCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	stats := CacheStats{
		Requests:      c.requests,
		Hits:          c.hits,
		Misses:        c.misses,
		MaxConcurrent: c.maxInflight,
		Entries:       c.entries.Len(),
	}
	if c.fetches > 0 {
		stats.AvgFetchMs = c.fetchMsTotal / float64(c.fetches)
	}
	return stats
}
