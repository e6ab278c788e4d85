package gigatiles

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
)

// DatasetProcessor orchestrates ingestion: dataset rows, tile jobs,
// replication and deletion. It is also the DatasetAPI facade the HTTP
// layer calls into.
type DatasetProcessor struct {
	Store   *MetadataStore
	Objects *ObjectStore // nil disables replication
	Cache   *TileCache   // nil disables cache invalidation
	Config  Config
	Logger  *log.Logger
}

func NewDatasetProcessor(store *MetadataStore, objects *ObjectStore, cache *TileCache, cfg Config, logger *log.Logger) *DatasetProcessor {
	return &DatasetProcessor{Store: store, Objects: objects, Cache: cache, Config: cfg, Logger: logger}
}

// CreateEntry validates the upload, extracts dimensions from the container
// header and persists a pending dataset row.
func (p *DatasetProcessor) CreateEntry(ctx context.Context, filePath, name, description, category string, owner *User) (*Dataset, error) {
	if !ValidCategory(category) {
		return nil, fmt.Errorf("%w: category %q", ErrBadRequest, category)
	}
	if !ValidExtension(filePath) {
		return nil, fmt.Errorf("%s: %w", filepath.Ext(filePath), ErrUnsupportedMedia)
	}
	if _, err := p.Store.GetDatasetByName(ctx, name); err == nil {
		return nil, fmt.Errorf("dataset %q: %w", name, ErrConflict)
	}

	width, height, err := RasterDimensions(filePath)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", filepath.Base(filePath), err)
	}

	now := time.Now().UTC()
	d := &Dataset{
		ID:               uuid.NewString(),
		Name:             name,
		Description:      description,
		Category:         category,
		OriginalFilePath: filePath,
		Width:            width,
		Height:           height,
		TileSize:         p.Config.TileSize,
		MinZoom:          0,
		MaxZoom:          min(ComputeMaxZoom(width, height, p.Config.TileSize), p.Config.MaxZoomCap),
		ProcessingStatus: StatusPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	d.TileBasePath = filepath.Join(p.Config.TilesDir, d.ID)
	if owner != nil {
		d.OwnerID = owner.ID
		expires := now.Add(UserExpiry)
		d.ExpiresAt = &expires
	} else {
		d.IsDemo = true
	}

	if reader, err := NewTIFFReader(filePath); err == nil {
		info := reader.Info()
		d.Projection = info.Projection
		d.GeoTransform = info.GeoTransform
		d.Bounds = info.Bounds
		reader.Close()
	}

	if err := p.Store.InsertDataset(ctx, d); err != nil {
		return nil, err
	}
	p.Logger.Printf("dataset %s (%q): %dx%d, max zoom %d", d.ID, d.Name, width, height, d.MaxZoom)
	return d, nil
}

// StartTileJob spawns the ingestion job for a pending dataset. The job owns
// the dataset row until it reaches a terminal status.
func (p *DatasetProcessor) StartTileJob(datasetID, filePath string) {
	go p.RunTileJob(context.Background(), datasetID, filePath)
}

// RunTileJob generates the pyramid, then the preview, then replicates to
// the object store. The dataset is marked completed as soon as tiles exist
// locally; replication failures only annotate extra_metadata.
func (p *DatasetProcessor) RunTileJob(ctx context.Context, datasetID, filePath string) error {
	d, err := p.Store.GetDataset(ctx, datasetID)
	if err != nil {
		return err
	}

	job := &ProcessingJob{
		ID:        uuid.NewString(),
		DatasetID: datasetID,
		TaskID:    uuid.NewString(),
		Status:    StatusProcessing,
	}
	started := time.Now().UTC()
	job.StartedAt = &started
	p.Store.InsertJob(ctx, job)

	fail := func(cause error) error {
		p.Logger.Printf("dataset %s: job failed: %v", datasetID, cause)
		d.setExtra("error", errorLabel(cause))
		d.ProcessingStatus = StatusFailed
		p.Store.UpdateDataset(ctx, d)
		completed := time.Now().UTC()
		job.Status = StatusFailed
		job.Error = cause.Error()
		job.CompletedAt = &completed
		p.Store.UpdateJob(ctx, job)
		ingestJobs.WithLabelValues(StatusFailed).Inc()
		return cause
	}

	stat, err := os.Stat(filePath)
	if err != nil {
		return fail(err)
	}
	if err := checkDiskSpace(p.Config.TilesDir, stat.Size()); err != nil {
		return fail(err)
	}
	p.Store.SetProgress(ctx, datasetID, StatusProcessing, 5)

	src, err := OpenRaster(filePath)
	if err != nil {
		return fail(err)
	}
	defer src.Close()
	if psd, ok := src.(*PSDReader); ok {
		if err := psd.CheckMemory(); err != nil {
			return fail(err)
		}
	}
	p.Store.SetProgress(ctx, datasetID, StatusProcessing, 10)

	gen := NewTileGenerator(p.Config.TilesDir, p.Config.TileSize, p.Config.MaxZoomCap, p.Logger)
	lastPercent := 10
	gen.Progress = func(percent int) {
		// Monotonic; progress rows are the job's only cross-task writes.
		if percent <= lastPercent {
			return
		}
		lastPercent = percent
		p.Store.SetProgress(ctx, datasetID, StatusProcessing, percent)
		job.Progress = percent
	}

	result, err := gen.Generate(ctx, datasetID, src)
	if err != nil {
		return fail(err)
	}

	// Completed before replication so serving unblocks immediately.
	d, err = p.Store.GetDataset(ctx, datasetID)
	if err != nil {
		return err
	}
	d.ProcessingStatus = StatusCompleted
	d.Progress = 100
	d.setExtra("tiles_count", result.TilesCount)
	if result.CorruptedTiles > 0 {
		d.setExtra("corrupted_tiles", result.CorruptedTiles)
	}
	if err := p.Store.UpdateDataset(ctx, d); err != nil {
		return err
	}
	completed := time.Now().UTC()
	job.Status = StatusCompleted
	job.Progress = 100
	job.CompletedAt = &completed
	p.Store.UpdateJob(ctx, job)
	ingestJobs.WithLabelValues(StatusCompleted).Inc()
	p.Logger.Printf("dataset %s: %d tiles (%d corrupted), source %s",
		datasetID, result.TilesCount, result.CorruptedTiles, humanize.Bytes(uint64(stat.Size())))

	previewPath := filepath.Join(p.Config.DatasetsDir, datasetID+"_preview.jpg")
	if err := gen.GeneratePreview(datasetID, src.Info(), result.MaxZoom, previewPath); err != nil {
		p.Logger.Printf("dataset %s: preview failed: %v", datasetID, err)
		previewPath = ""
	}

	if p.Objects != nil {
		p.replicate(ctx, d, result, previewPath)
	}
	return nil
}

// replicate pushes the tile tree, the preview and (for demo datasets) the
// metadata document to the object store.
func (p *DatasetProcessor) replicate(ctx context.Context, d *Dataset, result *GenerateResult, previewPath string) {
	dir := filepath.Join(p.Config.TilesDir, d.ID)
	uploaded, failed := p.Objects.ReplicateTree(ctx, dir, "tiles/"+d.ID+"/", p.Config.UploadWorkers)
	p.Logger.Printf("dataset %s: replicated %d tiles, %d failed", d.ID, uploaded, failed)

	if failed > 0 {
		d.setExtra("r2_upload_error", fmt.Sprintf("%d of %d uploads failed", failed, uploaded+failed))
	} else {
		d.setExtra("tiles_uploaded_to_cloud", true)
		d.setExtra("tiles_count", uploaded)
	}

	if previewPath != "" {
		if data, err := os.ReadFile(previewPath); err == nil {
			key := PreviewObjectKey(d.ID)
			if err := p.Objects.Put(ctx, key, data, "image/jpeg"); err != nil {
				p.Logger.Printf("dataset %s: preview upload failed: %v", d.ID, err)
			} else if url := p.Objects.PublicURL(key); url != "" {
				d.setExtra("preview_url", url)
			}
		}
	}

	if d.IsDemo {
		if err := p.Objects.PutJSON(ctx, DatasetMetadataKey(d.ID), d); err != nil {
			p.Logger.Printf("dataset %s: metadata persist failed: %v", d.ID, err)
		}
	}
	p.Store.UpdateDataset(ctx, d)
}

// errorLabel collapses resource errors to their canonical labels.
func errorLabel(err error) string {
	switch {
	case strings.Contains(err.Error(), ErrInsufficientMemory.Error()):
		return ErrInsufficientMemory.Error()
	case strings.Contains(err.Error(), ErrInsufficientDisk.Error()):
		return ErrInsufficientDisk.Error()
	}
	return err.Error()
}

// Delete removes every artifact of a dataset and then its row. Idempotent;
// missing artifacts are skipped.
func (p *DatasetProcessor) Delete(ctx context.Context, datasetID string, caller *User) error {
	d, err := p.Store.GetDataset(ctx, datasetID)
	if err != nil {
		return err
	}
	if err := Authorize(d, caller, IntentDelete); err != nil {
		return err
	}
	return p.deleteArtifacts(ctx, d)
}

// DeleteBySystem is the sweeper's entry point: owner checks do not apply,
// demo datasets stay immutable.
func (p *DatasetProcessor) DeleteBySystem(ctx context.Context, datasetID string) error {
	d, err := p.Store.GetDataset(ctx, datasetID)
	if err != nil {
		return err
	}
	if d.IsDemo {
		return fmt.Errorf("demo datasets are immutable: %w", ErrForbidden)
	}
	return p.deleteArtifacts(ctx, d)
}

func (p *DatasetProcessor) deleteArtifacts(ctx context.Context, d *Dataset) error {
	os.RemoveAll(filepath.Join(p.Config.TilesDir, d.ID))
	if d.OriginalFilePath != "" {
		os.Remove(d.OriginalFilePath)
	}
	os.Remove(filepath.Join(p.Config.DatasetsDir, d.ID+"_preview.jpg"))

	if p.Objects != nil {
		if n, err := p.Objects.DeletePrefix(ctx, "tiles/"+d.ID+"/"); err != nil {
			p.Logger.Printf("dataset %s: prefix delete failed after %d objects: %v", d.ID, n, err)
		}
		p.Objects.Delete(ctx, PreviewObjectKey(d.ID))
		p.Objects.Delete(ctx, DatasetMetadataKey(d.ID))
	}
	if p.Cache != nil {
		p.Cache.Clear(d.ID)
	}
	return p.Store.DeleteDataset(ctx, d.ID)
}

// Reprocess wipes the local tile tree and reruns the tile job.
func (p *DatasetProcessor) Reprocess(ctx context.Context, datasetID string, caller *User) error {
	d, err := p.Store.GetDataset(ctx, datasetID)
	if err != nil {
		return err
	}
	if caller != nil {
		if err := Authorize(d, caller, IntentModify); err != nil {
			return err
		}
	}
	if _, err := os.Stat(d.OriginalFilePath); err != nil {
		return fmt.Errorf("original file for %s: %w", datasetID, ErrNotFound)
	}
	os.RemoveAll(filepath.Join(p.Config.TilesDir, d.ID))
	if p.Cache != nil {
		p.Cache.Clear(d.ID)
	}
	if err := p.Store.SetProgress(ctx, datasetID, StatusPending, 0); err != nil {
		return err
	}
	p.StartTileJob(datasetID, d.OriginalFilePath)
	return nil
}

// List applies visibility: authenticated callers see their own datasets,
// guests see demos only.
func (p *DatasetProcessor) List(ctx context.Context, caller *User) ([]*Dataset, error) {
	if caller != nil {
		return p.Store.ListOwned(ctx, caller.ID)
	}
	return p.Store.ListDemo(ctx)
}

func (p *DatasetProcessor) Get(ctx context.Context, datasetID string, caller *User) (*Dataset, error) {
	d, err := p.Store.GetDataset(ctx, datasetID)
	if err != nil {
		return nil, err
	}
	if err := Authorize(d, caller, IntentRead); err != nil {
		return nil, err
	}
	return d, nil
}

// Update patches name, description and category.
func (p *DatasetProcessor) Update(ctx context.Context, datasetID string, caller *User, name, description, category string) (*Dataset, error) {
	d, err := p.Store.GetDataset(ctx, datasetID)
	if err != nil {
		return nil, err
	}
	if err := Authorize(d, caller, IntentModify); err != nil {
		return nil, err
	}
	if name != "" && name != d.Name {
		if _, err := p.Store.GetDatasetByName(ctx, name); err == nil {
			return nil, fmt.Errorf("dataset %q: %w", name, ErrConflict)
		}
		d.Name = name
	}
	if description != "" {
		d.Description = description
	}
	if category != "" {
		if !ValidCategory(category) {
			return nil, fmt.Errorf("%w: category %q", ErrBadRequest, category)
		}
		d.Category = category
	}
	if err := p.Store.UpdateDataset(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

// Status returns the processing state for polling clients.
type JobStatus struct {
	DatasetID string `json:"dataset_id"`
	Status    string `json:"status"`
	Progress  int    `json:"progress"`
	Error     string `json:"error,omitempty"`
}

func (p *DatasetProcessor) Status(ctx context.Context, datasetID string, caller *User) (*JobStatus, error) {
	d, err := p.Store.GetDataset(ctx, datasetID)
	if err != nil {
		return nil, err
	}
	if err := Authorize(d, caller, IntentRead); err != nil {
		return nil, err
	}
	status := &JobStatus{DatasetID: d.ID, Status: d.ProcessingStatus, Progress: d.Progress}
	if msg, ok := d.ExtraMetadata["error"].(string); ok {
		status.Error = msg
	}
	return status, nil
}

func (p *DatasetProcessor) Stats(ctx context.Context) (*DatasetStats, error) {
	return p.Store.Stats(ctx)
}
