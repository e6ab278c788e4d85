package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/gigaview/gigatiles/gigatiles"
)

var (
	tilePattern    = regexp.MustCompile(`^/tiles/([-A-Za-z0-9_]+)/(\d+)/(\d+)/(\d+)\.([a-z]+)$`)
	chunkPattern   = regexp.MustCompile(`^/uploads/([-A-Za-z0-9_]+)/chunks/(\d+)$`)
	uploadPattern  = regexp.MustCompile(`^/uploads/([-A-Za-z0-9_]+)(/complete)?$`)
	datasetPattern = regexp.MustCompile(`^/datasets/([-A-Za-z0-9_]+)(/status|/reprocess|/preview|/info|/tiles)?$`)
)

const maxJSONBodySize = 1 << 20

type server struct {
	store     *gigatiles.MetadataStore
	objects   *gigatiles.ObjectStore
	cache     *gigatiles.TileCache
	assembler *gigatiles.UploadAssembler
	processor *gigatiles.DatasetProcessor
	tiles     *gigatiles.TileServer
	logger    *log.Logger
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, gigatiles.StatusCode(err), map[string]string{"detail": err.Error()})
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxJSONBodySize)).Decode(v); err != nil {
		return fmt.Errorf("%w: %v", gigatiles.ErrBadRequest, err)
	}
	return nil
}

// caller resolves the X-User-Id header to a user row. A missing or
// unknown id yields a guest, which the access policy treats as
// unauthenticated.
func (s *server) caller(r *http.Request) *gigatiles.User {
	id := r.Header.Get("X-User-Id")
	if id == "" {
		return nil
	}
	u, err := s.store.GetUser(r.Context(), id)
	if err != nil {
		return nil
	}
	return u
}

func (s *server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Username string `json:"username"`
		FullName string `json:"full_name"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Email == "" || req.Username == "" {
		writeError(w, fmt.Errorf("%w: email and username are required", gigatiles.ErrBadRequest))
		return
	}
	u := &gigatiles.User{
		ID:        uuid.NewString(),
		Email:     req.Email,
		Username:  req.Username,
		FullName:  req.FullName,
		IsActive:  true,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.InsertUser(r.Context(), u); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

func (s *server) handleUploadInit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Filename    string `json:"filename"`
		Filesize    int64  `json:"filesize"`
		TotalChunks int    `json:"total_chunks"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.TotalChunks == 0 && req.Filesize > 0 {
		req.TotalChunks = int((req.Filesize + gigatiles.ChunkSize - 1) / gigatiles.ChunkSize)
	}
	session, err := s.assembler.Init(req.Filename, req.Filesize, req.TotalChunks)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"upload_id":    session.UploadID,
		"chunk_size":   gigatiles.ChunkSize,
		"total_chunks": session.TotalChunks,
	})
}

func (s *server) handleChunk(w http.ResponseWriter, r *http.Request, uploadID string, index int) {
	received, total, complete, err := s.assembler.AppendChunk(uploadID, index, r.Body)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"received_chunks": received,
		"total_chunks":    total,
		"complete":        complete,
	})
}

// handleUploadComplete assembles the file, creates the dataset row and
// kicks off the tile job in the background. Name and category are checked
// before assembly so a rejected request does not consume the session.
func (s *server) handleUploadComplete(w http.ResponseWriter, r *http.Request, uploadID string) {
	var req struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		Category    string `json:"category"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	session, ok := s.assembler.Session(uploadID)
	if !ok {
		writeError(w, fmt.Errorf("upload %s: %w", uploadID, gigatiles.ErrNotFound))
		return
	}
	if req.Name == "" {
		req.Name = session.Filename
	}
	if req.Category == "" {
		req.Category = gigatiles.CategorySpace
	}
	if !gigatiles.ValidCategory(req.Category) {
		writeError(w, fmt.Errorf("%w: category %q", gigatiles.ErrBadRequest, req.Category))
		return
	}
	if _, err := s.store.GetDatasetByName(r.Context(), req.Name); err == nil {
		writeError(w, fmt.Errorf("dataset %q: %w", req.Name, gigatiles.ErrConflict))
		return
	}
	path, _, err := s.assembler.Complete(uploadID)
	if err != nil {
		writeError(w, err)
		return
	}
	d, err := s.processor.CreateEntry(r.Context(), path, req.Name, req.Description, req.Category, s.caller(r))
	if err != nil {
		os.Remove(path)
		writeError(w, err)
		return
	}
	s.processor.StartTileJob(d.ID, path)
	writeJSON(w, http.StatusCreated, d)
}

// handleDirectUpload ingests a whole file in one multipart request, for
// clients that skip the chunk protocol on small sources.
func (s *server) handleDirectUpload(w http.ResponseWriter, r *http.Request) {
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, fmt.Errorf("%w: %v", gigatiles.ErrBadRequest, err))
		return
	}
	defer file.Close()
	if !gigatiles.ValidExtension(header.Filename) {
		writeError(w, fmt.Errorf("%q: %w", header.Filename, gigatiles.ErrUnsupportedMedia))
		return
	}
	if header.Size > s.processor.Config.MaxUploadSize {
		writeError(w, fmt.Errorf("%d bytes: %w", header.Size, gigatiles.ErrPayloadTooLarge))
		return
	}

	filename := filepath.Base(header.Filename)
	path := filepath.Join(s.processor.Config.UploadDir, uuid.NewString()+"_"+filename)
	out, err := os.Create(path)
	if err != nil {
		writeError(w, err)
		return
	}
	if _, err := io.Copy(out, file); err != nil {
		out.Close()
		os.Remove(path)
		writeError(w, err)
		return
	}
	if err := out.Close(); err != nil {
		os.Remove(path)
		writeError(w, err)
		return
	}

	name := r.FormValue("name")
	if name == "" {
		name = filename
	}
	category := r.FormValue("category")
	if category == "" {
		category = gigatiles.CategorySpace
	}
	d, err := s.processor.CreateEntry(r.Context(), path, name, r.FormValue("description"), category, s.caller(r))
	if err != nil {
		os.Remove(path)
		writeError(w, err)
		return
	}
	s.processor.StartTileJob(d.ID, path)
	writeJSON(w, http.StatusCreated, d)
}

func (s *server) handleUploads(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/uploads" {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		s.handleUploadInit(w, r)
		return
	}
	if res := chunkPattern.FindStringSubmatch(r.URL.Path); res != nil {
		if r.Method != http.MethodPut && r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		index, _ := strconv.Atoi(res[2])
		s.handleChunk(w, r, res[1], index)
		return
	}
	res := uploadPattern.FindStringSubmatch(r.URL.Path)
	if res == nil {
		http.NotFound(w, r)
		return
	}
	uploadID := res[1]
	switch {
	case res[2] == "/complete" && r.Method == http.MethodPost:
		s.handleUploadComplete(w, r, uploadID)
	case res[2] == "" && r.Method == http.MethodDelete:
		if err := s.assembler.Cancel(uploadID); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
	case res[2] == "" && r.Method == http.MethodGet:
		session, ok := s.assembler.Session(uploadID)
		if !ok {
			writeError(w, fmt.Errorf("upload %s: %w", uploadID, gigatiles.ErrNotFound))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"upload_id":       session.UploadID,
			"filename":        session.Filename,
			"received_chunks": len(session.Received),
			"total_chunks":    session.TotalChunks,
		})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *server) handleBatch(w http.ResponseWriter, r *http.Request, datasetID string) {
	var req struct {
		Tiles []struct {
			Z      int    `json:"z"`
			X      int    `json:"x"`
			Y      int    `json:"y"`
			Format string `json:"format"`
		} `json:"tiles"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	specs := make([]gigatiles.TileSpec, 0, len(req.Tiles))
	for _, t := range req.Tiles {
		format := t.Format
		if format == "" {
			format = "png"
		}
		specs = append(specs, gigatiles.TileSpec{Z: t.Z, X: t.X, Y: t.Y, Format: format})
	}
	tiles, err := s.tiles.FetchBatch(r.Context(), datasetID, specs, s.caller(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"dataset_id": datasetID, "tiles": tiles})
}

// datasetView augments the row with a human-readable time to expiry.
type datasetView struct {
	*gigatiles.Dataset
	ExpiresIn string `json:"expires_in,omitempty"`
}

func viewOf(d *gigatiles.Dataset) datasetView {
	v := datasetView{Dataset: d}
	if d.ExpiresAt != nil {
		v.ExpiresIn = humanize.Time(*d.ExpiresAt)
	}
	return v
}

func (s *server) handleDatasets(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/datasets" {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		list, err := s.processor.List(r.Context(), s.caller(r))
		if err != nil {
			writeError(w, err)
			return
		}
		views := make([]datasetView, len(list))
		for i, d := range list {
			views[i] = viewOf(d)
		}
		writeJSON(w, http.StatusOK, views)
		return
	}
	res := datasetPattern.FindStringSubmatch(r.URL.Path)
	if res == nil {
		http.NotFound(w, r)
		return
	}
	datasetID := res[1]
	switch res[2] {
	case "":
		switch r.Method {
		case http.MethodGet:
			d, err := s.processor.Get(r.Context(), datasetID, s.caller(r))
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, viewOf(d))
		case http.MethodPatch, http.MethodPut:
			var req struct {
				Name        string `json:"name"`
				Description string `json:"description"`
				Category    string `json:"category"`
			}
			if err := decodeJSON(r, &req); err != nil {
				writeError(w, err)
				return
			}
			d, err := s.processor.Update(r.Context(), datasetID, s.caller(r), req.Name, req.Description, req.Category)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, d)
		case http.MethodDelete:
			if err := s.processor.Delete(r.Context(), datasetID, s.caller(r)); err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	case "/status":
		status, err := s.processor.Status(r.Context(), datasetID, s.caller(r))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, status)
	case "/reprocess":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if err := s.processor.Reprocess(r.Context(), datasetID, s.caller(r)); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": gigatiles.StatusPending})
	case "/preview":
		status, headers, body := s.tiles.ServePreview(r.Context(), datasetID, s.caller(r))
		respond(w, status, headers, body)
	case "/info":
		status, headers, body := s.tiles.TileInfo(r.Context(), datasetID, s.caller(r))
		respond(w, status, headers, body)
	case "/tiles":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		s.handleBatch(w, r, datasetID)
	}
}

func respond(w http.ResponseWriter, status int, headers map[string]string, body []byte) {
	for k, v := range headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(status)
	if body != nil {
		w.Write(body)
	}
}

func (s *server) handleTile(w http.ResponseWriter, r *http.Request) {
	res := tilePattern.FindStringSubmatch(r.URL.Path)
	if res == nil {
		http.NotFound(w, r)
		return
	}
	z, _ := strconv.Atoi(res[2])
	x, _ := strconv.Atoi(res[3])
	y, _ := strconv.Atoi(res[4])
	status, headers, body := s.tiles.ServeTile(r.Context(), res[1], z, x, y, res[5], s.caller(r))
	respond(w, status, headers, body)
}

func runServe(ctx context.Context, logger *log.Logger) error {
	cfg := gigatiles.DefaultConfig()
	cfg.TilesDir = cli.Serve.TilesDir
	cfg.UploadDir = cli.Serve.UploadDir
	cfg.DatasetsDir = cli.Serve.DatasetsDir
	cfg.TempDir = cli.Serve.TempDir
	cfg.TileSize = cli.Serve.TileSize
	cfg.MaxZoomCap = cli.Serve.MaxZoomCap
	cfg.MaxUploadSize = cli.Serve.MaxUploadSize
	cfg.BucketURL = cli.Serve.Bucket
	cfg.PublicURLBase = cli.Serve.PublicURL
	cfg.UploadWorkers = cli.Serve.UploadWorkers
	cfg.CacheEntries = cli.Serve.CacheEntries
	cfg.CacheWorkers = cli.Serve.CacheWorkers
	if err := cfg.EnsureDirs(); err != nil {
		return err
	}

	store, err := gigatiles.NewMetadataStore(cli.Serve.Db)
	if err != nil {
		return err
	}
	defer store.Close()

	objects := openObjectStore(ctx, cfg.BucketURL, cfg.PublicURLBase, logger)
	var cache *gigatiles.TileCache
	if objects != nil {
		cache, err = gigatiles.NewTileCache(objects, cfg.CacheEntries, cfg.CacheWorkers)
		if err != nil {
			return err
		}
	}

	srv := &server{
		store:     store,
		objects:   objects,
		cache:     cache,
		assembler: gigatiles.NewUploadAssembler(cfg.TempDir, cfg.UploadDir, cfg.MaxUploadSize, logger),
		processor: gigatiles.NewDatasetProcessor(store, objects, cache, cfg, logger),
		logger:    logger,
	}
	srv.tiles = &gigatiles.TileServer{
		Store:       store,
		Objects:     objects,
		Cache:       cache,
		TilesDir:    cfg.TilesDir,
		DatasetsDir: cfg.DatasetsDir,
		PublicBase:  cli.Serve.PublicBase,
		Logger:      logger,
	}

	manager := gigatiles.NewLifecycleManager(store, srv.processor, objects, cfg.SweepInterval, logger)
	if restored, err := manager.ReconcileDemoDatasets(ctx); err != nil {
		logger.Printf("demo reconciliation failed: %v", err)
	} else if restored > 0 {
		logger.Printf("restored %d demo datasets", restored)
	}
	go manager.Run(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/users", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		srv.handleCreateUser(w, r)
	})
	mux.HandleFunc("/upload", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		srv.handleDirectUpload(w, r)
	})
	mux.HandleFunc("/uploads", srv.handleUploads)
	mux.HandleFunc("/uploads/", srv.handleUploads)
	mux.HandleFunc("/datasets", srv.handleDatasets)
	mux.HandleFunc("/datasets/", srv.handleDatasets)
	mux.HandleFunc("/tiles/", srv.handleTile)
	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		stats, err := srv.processor.Stats(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	})
	mux.HandleFunc("/cache/stats", func(w http.ResponseWriter, r *http.Request) {
		if cache == nil {
			writeJSON(w, http.StatusOK, gigatiles.CacheStats{})
			return
		}
		writeJSON(w, http.StatusOK, cache.Stats())
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.Handle("/metrics", promhttp.Handler())

	var handler http.Handler = mux
	if cli.Serve.Cors != "" {
		handler = cors.New(cors.Options{
			AllowedOrigins: []string{cli.Serve.Cors},
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
			AllowedHeaders: []string{"Content-Type", "X-User-Id"},
		}).Handler(mux)
	}

	logger.Printf("Serving on port %d", cli.Serve.Port)
	return http.ListenAndServe(fmt.Sprintf(":%d", cli.Serve.Port), handler)
}
