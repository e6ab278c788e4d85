package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"

	"github.com/gigaview/gigatiles/gigatiles"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var cli struct {
	Serve struct {
		Port          int    `default:"8000" help:"HTTP port."`
		Cors          string `help:"Value of the HTTP CORS header." env:"CORS_ORIGIN"`
		Db            string `default:"gigatiles.db" help:"Path to the metadata database." env:"DATABASE_PATH"`
		TilesDir      string `default:"data/tiles" help:"Local tile tree root." env:"TILES_DIR"`
		UploadDir     string `default:"data/uploads" help:"Assembled upload directory." env:"UPLOAD_DIR"`
		DatasetsDir   string `default:"data/datasets" help:"Preview output directory." env:"DATASETS_DIR"`
		TempDir       string `default:"data/tmp" help:"Chunk staging directory." env:"TEMP_DIR"`
		TileSize      int    `default:"256" env:"TILE_SIZE"`
		MaxZoomCap    int    `default:"30" env:"MAX_ZOOM_CAP"`
		MaxUploadSize int64  `default:"42949672960" help:"Maximum upload size in bytes." env:"MAX_UPLOAD_SIZE"`
		Bucket        string `help:"Object store bucket URL, e.g. s3://bucket?endpoint=..." env:"BUCKET_URL"`
		PublicURL     string `help:"Public base URL of the bucket." env:"R2_PUBLIC_URL"`
		UploadWorkers int    `default:"20" help:"Replication worker pool size." env:"R2_UPLOAD_MAX_WORKERS"`
		CacheEntries  int    `default:"500" help:"Tile cache capacity." env:"TILE_CACHE_ENTRIES"`
		CacheWorkers  int    `default:"50" help:"Tile cache fetch pool size." env:"TILE_CACHE_WORKERS"`
		PublicBase    string `default:"/api" help:"Base path clients reach the API under." env:"PUBLIC_BASE"`
	} `cmd:"" help:"Run the tile pipeline HTTP server."`

	Ingest struct {
		Input       string `arg:"" help:"TIFF/PSB/PSD file or a folder of them." type:"path"`
		Name        string `help:"Dataset name; defaults to the file name."`
		Description string `help:"Dataset description."`
		Category    string `default:"space" help:"earth, mars or space."`
		Db          string `default:"gigatiles.db" env:"DATABASE_PATH"`
		TilesDir    string `default:"data/tiles" env:"TILES_DIR"`
		DatasetsDir string `default:"data/datasets" env:"DATASETS_DIR"`
		Bucket      string `help:"Object store bucket URL." env:"BUCKET_URL"`
		PublicURL   string `help:"Public base URL of the bucket." env:"R2_PUBLIC_URL"`
	} `cmd:"" help:"Ingest local imagery as demo datasets."`

	Sweep struct {
		Db          string `default:"gigatiles.db" env:"DATABASE_PATH"`
		TilesDir    string `default:"data/tiles" env:"TILES_DIR"`
		DatasetsDir string `default:"data/datasets" env:"DATASETS_DIR"`
		Bucket      string `help:"Object store bucket URL." env:"BUCKET_URL"`
		PublicURL   string `env:"R2_PUBLIC_URL"`
	} `cmd:"" help:"Run one expiry sweep pass and exit."`

	Version struct {
	} `cmd:"" help:"Show the program version."`
}

func openObjectStore(ctx context.Context, bucketURL, publicURL string, logger *log.Logger) *gigatiles.ObjectStore {
	if bucketURL == "" {
		return nil
	}
	objects, err := gigatiles.NewObjectStore(ctx, bucketURL, publicURL, logger)
	if err != nil {
		logger.Fatalf("Failed to open bucket %s, %v", bucketURL, err)
	}
	return objects
}

func ingestOne(ctx context.Context, processor *gigatiles.DatasetProcessor, logger *log.Logger, path, name, description, category string) error {
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	stat, err := os.Stat(path)
	if err != nil {
		return err
	}
	logger.Printf("ingesting %s (%s)", path, humanize.Bytes(uint64(stat.Size())))

	d, err := processor.CreateEntry(ctx, path, name, description, category, nil)
	if err != nil {
		return err
	}
	processor.Store.SetProgress(ctx, d.ID, gigatiles.StatusProcessing, 0)

	done := make(chan error, 1)
	go func() { done <- processor.RunTileJob(ctx, d.ID, path) }()

	bar := progressbar.Default(100)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case err := <-done:
			if err == nil {
				bar.Set(100)
			}
			bar.Finish()
			return err
		case <-ticker.C:
			if cur, err := processor.Store.GetDataset(ctx, d.ID); err == nil {
				bar.Set(cur.Progress)
			}
		}
	}
}

// categoryFor guesses a category from the file name for folder imports.
func categoryFor(filename string) string {
	lower := strings.ToLower(filename)
	switch {
	case strings.Contains(lower, "earth"), strings.Contains(lower, "landsat"), strings.Contains(lower, "sentinel"):
		return gigatiles.CategoryEarth
	case strings.Contains(lower, "mars"), strings.Contains(lower, "hirise"), strings.Contains(lower, "ctx"):
		return gigatiles.CategoryMars
	}
	return gigatiles.CategorySpace
}

func main() {
	if len(os.Args) < 2 {
		os.Args = append(os.Args, "--help")
	}

	logger := log.New(os.Stdout, "", log.Ldate|log.Ltime|log.Lshortfile)
	ctx := kong.Parse(&cli)
	runCtx := context.Background()

	switch ctx.Command() {
	case "serve":
		if err := runServe(runCtx, logger); err != nil {
			logger.Fatalf("Failed to serve, %v", err)
		}
	case "ingest <input>":
		store, err := gigatiles.NewMetadataStore(cli.Ingest.Db)
		if err != nil {
			logger.Fatalf("Failed to open metadata store, %v", err)
		}
		defer store.Close()
		cfg := gigatiles.DefaultConfig()
		cfg.TilesDir = cli.Ingest.TilesDir
		cfg.DatasetsDir = cli.Ingest.DatasetsDir
		if err := cfg.EnsureDirs(); err != nil {
			logger.Fatalf("Failed to create directories, %v", err)
		}
		objects := openObjectStore(runCtx, cli.Ingest.Bucket, cli.Ingest.PublicURL, logger)
		processor := gigatiles.NewDatasetProcessor(store, objects, nil, cfg, logger)

		stat, err := os.Stat(cli.Ingest.Input)
		if err != nil {
			logger.Fatalf("Failed to stat input, %v", err)
		}
		if !stat.IsDir() {
			if err := ingestOne(runCtx, processor, logger, cli.Ingest.Input,
				cli.Ingest.Name, cli.Ingest.Description, cli.Ingest.Category); err != nil {
				logger.Fatalf("Failed to ingest %s, %v", cli.Ingest.Input, err)
			}
			return
		}
		entries, err := os.ReadDir(cli.Ingest.Input)
		if err != nil {
			logger.Fatalf("Failed to read folder, %v", err)
		}
		for _, entry := range entries {
			if entry.IsDir() || !gigatiles.ValidExtension(entry.Name()) {
				continue
			}
			path := filepath.Join(cli.Ingest.Input, entry.Name())
			if err := ingestOne(runCtx, processor, logger, path, "", "", categoryFor(entry.Name())); err != nil {
				logger.Printf("skipping %s: %v", path, err)
			}
		}
	case "sweep":
		store, err := gigatiles.NewMetadataStore(cli.Sweep.Db)
		if err != nil {
			logger.Fatalf("Failed to open metadata store, %v", err)
		}
		defer store.Close()
		cfg := gigatiles.DefaultConfig()
		cfg.TilesDir = cli.Sweep.TilesDir
		cfg.DatasetsDir = cli.Sweep.DatasetsDir
		objects := openObjectStore(runCtx, cli.Sweep.Bucket, cli.Sweep.PublicURL, logger)
		processor := gigatiles.NewDatasetProcessor(store, objects, nil, cfg, logger)
		manager := gigatiles.NewLifecycleManager(store, processor, objects, 0, logger)
		deleted, err := manager.SweepOnce(runCtx)
		if err != nil {
			logger.Fatalf("Failed to sweep, %v", err)
		}
		logger.Printf("swept %d expired datasets", deleted)
	case "version":
		fmt.Printf("gigatiles %s, commit %s, built at %s\n", version, commit, date)
	default:
		panic(ctx.Command())
	}
}
