package gigatiles

import (
	"fmt"
	"os"
	"time"
)

// Config holds every recognized runtime option. The CLI binds these to
// flags and environment variables.
type Config struct {
	TilesDir    string
	UploadDir   string
	DatasetsDir string
	TempDir     string

	TileSize   int
	MaxZoomCap int

	MaxUploadSize int64

	BucketURL     string
	PublicURLBase string
	UploadWorkers int

	CacheEntries int
	CacheWorkers int

	SweepInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		TilesDir:      "data/tiles",
		UploadDir:     "data/uploads",
		DatasetsDir:   "data/datasets",
		TempDir:       "data/tmp",
		TileSize:      256,
		MaxZoomCap:    30,
		MaxUploadSize: 40 << 30,
		UploadWorkers: 20,
		CacheEntries:  500,
		CacheWorkers:  50,
		SweepInterval: time.Hour,
	}
}

// EnsureDirs creates the local directories the pipeline writes into.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.TilesDir, c.UploadDir, c.DatasetsDir, c.TempDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	return nil
}
