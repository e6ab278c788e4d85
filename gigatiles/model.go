package gigatiles

import (
	"fmt"
	"math"
	"time"
)

// Processing states of a dataset, in lifecycle order.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Dataset categories.
const (
	CategoryEarth = "earth"
	CategoryMars  = "mars"
	CategorySpace = "space"
)

// UserExpiry is how long a user-uploaded dataset lives before the sweeper
// removes it. Demo datasets never expire.
const UserExpiry = 24 * time.Hour

func ValidCategory(c string) bool {
	return c == CategoryEarth || c == CategoryMars || c == CategorySpace
}

type User struct {
	ID             string     `json:"id"`
	Email          string     `json:"email"`
	Username       string     `json:"username"`
	CredentialHash string     `json:"-"`
	FullName       string     `json:"full_name,omitempty"`
	IsActive       bool       `json:"is_active"`
	IsSuperuser    bool       `json:"is_superuser"`
	CreatedAt      time.Time  `json:"created_at"`
	LastLogin      *time.Time `json:"last_login,omitempty"`
}

type Dataset struct {
	ID               string         `json:"id"`
	Name             string         `json:"name"`
	Description      string         `json:"description,omitempty"`
	Category         string         `json:"category"`
	OwnerID          string         `json:"owner_id,omitempty"`
	IsDemo           bool           `json:"is_demo"`
	ExpiresAt        *time.Time     `json:"expires_at,omitempty"`
	OriginalFilePath string         `json:"original_file_path"`
	TileBasePath     string         `json:"tile_base_path"`
	Width            int            `json:"width"`
	Height           int            `json:"height"`
	TileSize         int            `json:"tile_size"`
	MinZoom          int            `json:"min_zoom"`
	MaxZoom          int            `json:"max_zoom"`
	Projection       string         `json:"projection,omitempty"`
	GeoTransform     []float64      `json:"geotransform,omitempty"`
	Bounds           []float64      `json:"bounds,omitempty"`
	ExtraMetadata    map[string]any `json:"extra_metadata,omitempty"`
	ProcessingStatus string         `json:"processing_status"`
	Progress         int            `json:"processing_progress"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// CacheBust is the second-precision token appended to redirect URLs so
// downstream caches invalidate when a dataset is reprocessed.
func (d *Dataset) CacheBust() int64 {
	if !d.UpdatedAt.IsZero() {
		return d.UpdatedAt.Unix()
	}
	return d.CreatedAt.Unix()
}

// TilesUploaded reports whether replication to the object store finished.
func (d *Dataset) TilesUploaded() bool {
	v, ok := d.ExtraMetadata["tiles_uploaded_to_cloud"]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

func (d *Dataset) setExtra(key string, value any) {
	if d.ExtraMetadata == nil {
		d.ExtraMetadata = make(map[string]any)
	}
	d.ExtraMetadata[key] = value
}

type Annotation struct {
	ID             string         `json:"id"`
	DatasetID      string         `json:"dataset_id"`
	UserID         string         `json:"user_id"`
	Geometry       map[string]any `json:"geometry"`
	AnnotationType string         `json:"annotation_type"`
	Label          string         `json:"label"`
	Description    string         `json:"description,omitempty"`
	Properties     map[string]any `json:"properties,omitempty"`
	Confidence     float64        `json:"confidence"`
}

// ProcessingJob mirrors a dataset's ingestion telemetry.
type ProcessingJob struct {
	ID          string     `json:"id"`
	DatasetID   string     `json:"dataset_id"`
	TaskID      string     `json:"task_id"`
	Status      string     `json:"status"`
	Progress    int        `json:"progress"`
	Error       string     `json:"error,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// TileKey identifies one tile of one dataset.
type TileKey struct {
	DatasetID string
	Z, X, Y   int
	Format    string
}

func (k TileKey) String() string {
	return fmt.Sprintf("%s/%d/%d/%d.%s", k.DatasetID, k.Z, k.X, k.Y, k.Format)
}

// ObjectKey is the object-store key for this tile.
func (k TileKey) ObjectKey() string {
	return fmt.Sprintf("tiles/%s/%d/%d/%d.%s", k.DatasetID, k.Z, k.X, k.Y, k.Format)
}

func PreviewObjectKey(datasetID string) string {
	return fmt.Sprintf("previews/%s_preview.jpg", datasetID)
}

func DatasetMetadataKey(datasetID string) string {
	return fmt.Sprintf("metadata/datasets/%s.json", datasetID)
}

// ComputeMaxZoom returns the deepest zoom level of the pyramid:
// ceil(log2(max(width, height) / tileSize)), never below zero.
func ComputeMaxZoom(width, height, tileSize int) int {
	longest := width
	if height > longest {
		longest = height
	}
	if longest <= tileSize {
		return 0
	}
	return int(math.Ceil(math.Log2(float64(longest) / float64(tileSize))))
}

// TileGrid returns the tile counts per axis at zoom z for an image of the
// given full-resolution dimensions.
func TileGrid(width, height, tileSize, maxZoom, z int) (tilesX, tilesY int) {
	scale := 1 << uint(maxZoom-z)
	span := scale * tileSize
	tilesX = (width + span - 1) / span
	tilesY = (height + span - 1) / span
	return
}

// alternateFormats is the fallback order the tile server probes when the
// requested format is absent.
func alternateFormats(format string) []string {
	switch format {
	case "jpg":
		return []string{"jpg", "png", "webp"}
	case "png":
		return []string{"png", "jpg", "webp"}
	case "webp":
		return []string{"webp", "png", "jpg"}
	}
	return []string{format}
}

func validTileFormat(format string) bool {
	return format == "png" || format == "jpg" || format == "webp"
}
