package gigatiles

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
)

const (
	tileResponseCacheControl    = "public, max-age=31536000, immutable"
	previewResponseCacheControl = "public, max-age=86400"
)

// TileServer resolves (dataset, z, x, y, format) requests against the
// cache, the object store and the local tile tree, in that order.
type TileServer struct {
	Store       *MetadataStore
	Objects     *ObjectStore // nil disables the object-store path
	Cache       *TileCache
	TilesDir    string
	DatasetsDir string
	PublicBase  string // base path for tilesUrl in info documents
	Logger      *log.Logger
}

func tileHeaders(datasetID string, z, x, y int, format string) map[string]string {
	return map[string]string{
		"Content-Type":                 contentTypeForTile("." + format),
		"Cache-Control":                tileResponseCacheControl,
		"Access-Control-Allow-Origin":  "*",
		"Cross-Origin-Resource-Policy": "cross-origin",
		"ETag":                         fmt.Sprintf(`"%s-%d-%d-%d-%s"`, datasetID, z, x, y, format),
		"X-Tile-Format":                format,
	}
}

// resolveDataset loads the dataset and applies read access and readiness
// checks shared by every serving path.
func (s *TileServer) resolveDataset(ctx context.Context, datasetID string, caller *User) (*Dataset, error) {
	d, err := s.Store.GetDataset(ctx, datasetID)
	if err != nil {
		return nil, err
	}
	if err := Authorize(d, caller, IntentRead); err != nil {
		return nil, err
	}
	if d.ProcessingStatus != StatusCompleted && d.ProcessingStatus != StatusProcessing {
		return nil, fmt.Errorf("dataset %s is %s: %w", datasetID, d.ProcessingStatus, ErrUnavailable)
	}
	return d, nil
}

// ServeTile returns (status, headers, body). A 302 carries the redirect
// target in the Location header with an empty body.
func (s *TileServer) ServeTile(ctx context.Context, datasetID string, z, x, y int, format string, caller *User) (int, map[string]string, []byte) {
	if !validTileFormat(format) {
		tileRequests.WithLabelValues("bad_request").Inc()
		return http.StatusBadRequest, nil, []byte("unsupported tile format")
	}
	d, err := s.resolveDataset(ctx, datasetID, caller)
	if err != nil {
		tileRequests.WithLabelValues("denied").Inc()
		return StatusCode(err), nil, []byte(err.Error())
	}
	if z < 0 || z > d.MaxZoom || x < 0 || y < 0 {
		tileRequests.WithLabelValues("bad_request").Inc()
		return http.StatusBadRequest, nil, []byte(fmt.Sprintf("zoom %d outside [0,%d]", z, d.MaxZoom))
	}

	key := TileKey{DatasetID: datasetID, Z: z, X: x, Y: y, Format: format}
	if s.Cache != nil {
		if body, ok := s.Cache.Get(key); ok {
			tileRequests.WithLabelValues("cache_hit").Inc()
			return http.StatusOK, tileHeaders(datasetID, z, x, y, format), body
		}
	}

	if s.Objects != nil && (d.TilesUploaded() || s.Objects.Exists(ctx, key.ObjectKey())) {
		actual := s.cloudFormat(ctx, key)
		if actual != "" {
			resolved := key
			resolved.Format = actual
			status, headers, body := s.serveFromCloud(ctx, d, resolved)
			if status != 0 {
				return status, headers, body
			}
		}
	}

	// Local disk, with the same alternate-format fallback.
	for _, alt := range alternateFormats(format) {
		path := filepath.Join(s.TilesDir, datasetID, fmt.Sprint(z), fmt.Sprint(x), fmt.Sprintf("%d.%s", y, alt))
		body, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		resolved := key
		resolved.Format = alt
		if s.Cache != nil {
			s.Cache.Put(resolved, body)
		}
		tileRequests.WithLabelValues("local").Inc()
		return http.StatusOK, tileHeaders(datasetID, z, x, y, alt), body
	}

	tileRequests.WithLabelValues("not_found").Inc()
	return http.StatusNotFound, nil, []byte("tile not found")
}

// cloudFormat probes the requested format then its alternates and returns
// the first that exists, or "".
func (s *TileServer) cloudFormat(ctx context.Context, key TileKey) string {
	for _, alt := range alternateFormats(key.Format) {
		probe := key
		probe.Format = alt
		if s.Objects.Exists(ctx, probe.ObjectKey()) {
			return alt
		}
	}
	return ""
}

// serveFromCloud proxies the object through the server; if the read fails
// midway it falls back to a 302 to the public URL. Returns status 0 when
// neither path is possible.
func (s *TileServer) serveFromCloud(ctx context.Context, d *Dataset, key TileKey) (int, map[string]string, []byte) {
	r, _, err := s.Objects.GetStream(ctx, key.ObjectKey())
	if err == nil {
		body, err := io.ReadAll(r)
		r.Close()
		if err == nil {
			if s.Cache != nil {
				s.Cache.Put(key, body)
			}
			tileRequests.WithLabelValues("proxied").Inc()
			return http.StatusOK, tileHeaders(key.DatasetID, key.Z, key.X, key.Y, key.Format), body
		}
	}
	if url := s.Objects.PublicURL(key.ObjectKey()); url != "" {
		headers := tileHeaders(key.DatasetID, key.Z, key.X, key.Y, key.Format)
		headers["Location"] = fmt.Sprintf("%s?v=%d", url, d.CacheBust())
		tileRequests.WithLabelValues("redirected").Inc()
		return http.StatusFound, headers, nil
	}
	return 0, nil, nil
}

// TileSpec is one entry of a batch request.
type TileSpec struct {
	Z, X, Y int
	Format  string
}

// FetchBatch resolves up to MaxBatchKeys tiles and returns them keyed by
// "z/x/y.format" with base64 bodies. Access control runs once.
func (s *TileServer) FetchBatch(ctx context.Context, datasetID string, specs []TileSpec, caller *User) (map[string]string, error) {
	if len(specs) > MaxBatchKeys {
		return nil, fmt.Errorf("%w: at most %d tiles per batch", ErrBadRequest, MaxBatchKeys)
	}
	d, err := s.resolveDataset(ctx, datasetID, caller)
	if err != nil {
		return nil, err
	}
	keys := make([]TileKey, 0, len(specs))
	for _, spec := range specs {
		if !validTileFormat(spec.Format) || spec.Z < 0 || spec.Z > d.MaxZoom {
			return nil, fmt.Errorf("%w: invalid tile %d/%d/%d.%s", ErrBadRequest, spec.Z, spec.X, spec.Y, spec.Format)
		}
		keys = append(keys, TileKey{DatasetID: datasetID, Z: spec.Z, X: spec.X, Y: spec.Y, Format: spec.Format})
	}
	fetched := make(map[TileKey][]byte, len(keys))
	if s.Cache != nil {
		fetched, err = s.Cache.FetchMany(ctx, keys)
		if err != nil {
			return nil, err
		}
	} else {
		for _, key := range keys {
			fetched[key] = nil
		}
	}
	out := make(map[string]string, len(fetched))
	for key, body := range fetched {
		name := fmt.Sprintf("%d/%d/%d.%s", key.Z, key.X, key.Y, key.Format)
		if body == nil {
			// Fall back to local disk for tiles never replicated.
			path := filepath.Join(s.TilesDir, datasetID, fmt.Sprint(key.Z), fmt.Sprint(key.X),
				fmt.Sprintf("%d.%s", key.Y, key.Format))
			body, _ = os.ReadFile(path)
		}
		if body != nil {
			out[name] = base64.StdEncoding.EncodeToString(body)
		}
	}
	return out, nil
}

// ServePreview prefers an explicit preview_url, then the object store,
// then the local preview file.
func (s *TileServer) ServePreview(ctx context.Context, datasetID string, caller *User) (int, map[string]string, []byte) {
	d, err := s.resolveDataset(ctx, datasetID, caller)
	if err != nil {
		return StatusCode(err), nil, []byte(err.Error())
	}
	headers := map[string]string{
		"Content-Type":                "image/jpeg",
		"Cache-Control":               previewResponseCacheControl,
		"Access-Control-Allow-Origin": "*",
	}

	if url, ok := d.ExtraMetadata["preview_url"].(string); ok && url != "" {
		headers["Location"] = url
		return http.StatusFound, headers, nil
	}
	if s.Objects != nil {
		if r, info, err := s.Objects.GetStream(ctx, PreviewObjectKey(datasetID)); err == nil {
			body, err := io.ReadAll(r)
			r.Close()
			if err == nil {
				if info != nil && info.ETag != "" {
					headers["ETag"] = info.ETag
				}
				return http.StatusOK, headers, body
			}
		}
	}
	body, err := os.ReadFile(filepath.Join(s.DatasetsDir, datasetID+"_preview.jpg"))
	if err != nil {
		return http.StatusNotFound, nil, []byte("preview not found")
	}
	return http.StatusOK, headers, body
}

// TileInfo is the zoomify-style descriptor deep-zoom viewers bootstrap
// from.
func (s *TileServer) TileInfo(ctx context.Context, datasetID string, caller *User) (int, map[string]string, []byte) {
	d, err := s.resolveDataset(ctx, datasetID, caller)
	if err != nil {
		return StatusCode(err), nil, []byte(err.Error())
	}
	doc := map[string]any{
		"type":     "zoomify",
		"width":    d.Width,
		"height":   d.Height,
		"tileSize": d.TileSize,
		"minZoom":  d.MinZoom,
		"maxZoom":  d.MaxZoom,
		"tilesUrl": fmt.Sprintf("%s/tiles/%s/{z}/{x}/{y}.png", s.PublicBase, d.ID),
		"profile":  "level0",
	}
	if d.Bounds != nil {
		doc["bounds"] = d.Bounds
	}
	body, _ := json.Marshal(doc)
	headers := map[string]string{
		"Content-Type":                "application/json",
		"Access-Control-Allow-Origin": "*",
	}
	return http.StatusOK, headers, body
}
