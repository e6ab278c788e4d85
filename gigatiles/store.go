package gigatiles

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const (
	poolSize       = 20
	acquireTimeout = 30 * time.Second
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	email TEXT NOT NULL UNIQUE,
	username TEXT NOT NULL UNIQUE,
	credential_hash TEXT NOT NULL,
	full_name TEXT,
	is_active INTEGER NOT NULL DEFAULT 1,
	is_superuser INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	last_login TEXT
);

CREATE TABLE IF NOT EXISTS datasets (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	description TEXT,
	category TEXT NOT NULL,
	owner_id TEXT,
	is_demo INTEGER NOT NULL DEFAULT 0,
	expires_at TEXT,
	original_file_path TEXT,
	tile_base_path TEXT,
	width INTEGER NOT NULL,
	height INTEGER NOT NULL,
	tile_size INTEGER NOT NULL,
	min_zoom INTEGER NOT NULL,
	max_zoom INTEGER NOT NULL,
	projection TEXT,
	geotransform TEXT,
	bounds TEXT,
	extra_metadata TEXT,
	processing_status TEXT NOT NULL,
	processing_progress INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS annotations (
	id TEXT PRIMARY KEY,
	dataset_id TEXT NOT NULL REFERENCES datasets(id) ON DELETE CASCADE,
	user_id TEXT NOT NULL,
	geometry TEXT NOT NULL,
	annotation_type TEXT NOT NULL,
	label TEXT NOT NULL,
	description TEXT,
	properties TEXT,
	confidence REAL NOT NULL DEFAULT 1.0
);

CREATE TABLE IF NOT EXISTS processing_jobs (
	id TEXT PRIMARY KEY,
	dataset_id TEXT NOT NULL,
	task_id TEXT NOT NULL,
	status TEXT NOT NULL,
	progress INTEGER NOT NULL DEFAULT 0,
	error TEXT,
	started_at TEXT,
	completed_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_datasets_owner ON datasets(owner_id);
CREATE INDEX IF NOT EXISTS idx_datasets_expires ON datasets(expires_at);
CREATE INDEX IF NOT EXISTS idx_annotations_dataset ON annotations(dataset_id);
`

// MetadataStore persists users, datasets, annotations and processing jobs
// in sqlite behind a fixed-size connection pool.
type MetadataStore struct {
	pool *sqlitex.Pool
}

func NewMetadataStore(path string) (*MetadataStore, error) {
	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize: poolSize,
		PrepareConn: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteTransient(conn, `PRAGMA foreign_keys = ON;`, nil)
		},
	})
	if err != nil {
		return nil, err
	}
	store := &MetadataStore{pool: pool}
	conn, release, err := store.take(context.Background())
	if err != nil {
		pool.Close()
		return nil, err
	}
	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		release()
		pool.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	release()
	return store, nil
}

func (s *MetadataStore) Close() error { return s.pool.Close() }

// take checks a connection out of the pool, bounding acquisition at 30s.
// The timeout context doubles as the connection's interrupt channel, so it
// must stay alive until the connection goes back; release returns the
// connection and then cancels.
func (s *MetadataStore) take(ctx context.Context) (*sqlite.Conn, func(), error) {
	ctx, cancel := context.WithTimeout(ctx, acquireTimeout)
	conn, err := s.pool.Take(ctx)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	release := func() {
		s.pool.Put(conn)
		cancel()
	}
	return conn, release, nil
}

func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339, s)
	return t
}

func parseTimePtr(s string) *time.Time {
	if s == "" {
		return nil
	}
	t := parseTime(s)
	return &t
}

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func marshalJSON(v any) string {
	if v == nil {
		return ""
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

// --- users ---

func (s *MetadataStore) InsertUser(ctx context.Context, u *User) error {
	conn, release, err := s.take(ctx)
	if err != nil {
		return err
	}
	defer release()
	return sqlitex.ExecuteTransient(conn,
		`INSERT INTO users (id, email, username, credential_hash, full_name, is_active, is_superuser, created_at, last_login)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			u.ID, u.Email, u.Username, u.CredentialHash, u.FullName,
			boolToInt(u.IsActive), boolToInt(u.IsSuperuser), fmtTime(u.CreatedAt), fmtTimePtr(u.LastLogin),
		}})
}

func (s *MetadataStore) GetUser(ctx context.Context, id string) (*User, error) {
	conn, release, err := s.take(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	var u *User
	err = sqlitex.ExecuteTransient(conn,
		`SELECT id, email, username, credential_hash, full_name, is_active, is_superuser, created_at, last_login
		 FROM users WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				u = &User{
					ID:             stmt.ColumnText(0),
					Email:          stmt.ColumnText(1),
					Username:       stmt.ColumnText(2),
					CredentialHash: stmt.ColumnText(3),
					FullName:       stmt.ColumnText(4),
					IsActive:       stmt.ColumnInt(5) != 0,
					IsSuperuser:    stmt.ColumnInt(6) != 0,
					CreatedAt:      parseTime(stmt.ColumnText(7)),
					LastLogin:      parseTimePtr(stmt.ColumnText(8)),
				}
				return nil
			},
		})
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	return u, nil
}

// DeleteUser removes a user, every dataset row the user owns and those
// datasets' annotations. Callers are responsible for removing the
// datasets' artifacts first.
func (s *MetadataStore) DeleteUser(ctx context.Context, id string) error {
	conn, release, err := s.take(ctx)
	if err != nil {
		return err
	}
	defer release()
	if err := sqlitex.ExecuteTransient(conn,
		`DELETE FROM annotations WHERE dataset_id IN (SELECT id FROM datasets WHERE owner_id = ?)`,
		&sqlitex.ExecOptions{Args: []any{id}}); err != nil {
		return err
	}
	if err := sqlitex.ExecuteTransient(conn, `DELETE FROM datasets WHERE owner_id = ?`,
		&sqlitex.ExecOptions{Args: []any{id}}); err != nil {
		return err
	}
	return sqlitex.ExecuteTransient(conn, `DELETE FROM users WHERE id = ?`,
		&sqlitex.ExecOptions{Args: []any{id}})
}

// --- datasets ---

const datasetColumns = `id, name, description, category, owner_id, is_demo, expires_at,
	original_file_path, tile_base_path, width, height, tile_size, min_zoom, max_zoom,
	projection, geotransform, bounds, extra_metadata, processing_status, processing_progress,
	created_at, updated_at`

func datasetFromStmt(stmt *sqlite.Stmt) *Dataset {
	d := &Dataset{
		ID:               stmt.ColumnText(0),
		Name:             stmt.ColumnText(1),
		Description:      stmt.ColumnText(2),
		Category:         stmt.ColumnText(3),
		OwnerID:          stmt.ColumnText(4),
		IsDemo:           stmt.ColumnInt(5) != 0,
		ExpiresAt:        parseTimePtr(stmt.ColumnText(6)),
		OriginalFilePath: stmt.ColumnText(7),
		TileBasePath:     stmt.ColumnText(8),
		Width:            stmt.ColumnInt(9),
		Height:           stmt.ColumnInt(10),
		TileSize:         stmt.ColumnInt(11),
		MinZoom:          stmt.ColumnInt(12),
		MaxZoom:          stmt.ColumnInt(13),
		Projection:       stmt.ColumnText(14),
		ProcessingStatus: stmt.ColumnText(18),
		Progress:         stmt.ColumnInt(19),
		CreatedAt:        parseTime(stmt.ColumnText(20)),
		UpdatedAt:        parseTime(stmt.ColumnText(21)),
	}
	if raw := stmt.ColumnText(15); raw != "" {
		json.Unmarshal([]byte(raw), &d.GeoTransform)
	}
	if raw := stmt.ColumnText(16); raw != "" {
		json.Unmarshal([]byte(raw), &d.Bounds)
	}
	if raw := stmt.ColumnText(17); raw != "" {
		json.Unmarshal([]byte(raw), &d.ExtraMetadata)
	}
	return d
}

func (s *MetadataStore) InsertDataset(ctx context.Context, d *Dataset) error {
	existing, err := s.GetDatasetByName(ctx, d.Name)
	if err == nil && existing != nil {
		return fmt.Errorf("dataset %q: %w", d.Name, ErrConflict)
	}
	conn, release, err := s.take(ctx)
	if err != nil {
		return err
	}
	defer release()
	err = sqlitex.ExecuteTransient(conn,
		`INSERT INTO datasets (`+datasetColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			d.ID, d.Name, d.Description, d.Category, d.OwnerID, boolToInt(d.IsDemo), fmtTimePtr(d.ExpiresAt),
			d.OriginalFilePath, d.TileBasePath, d.Width, d.Height, d.TileSize, d.MinZoom, d.MaxZoom,
			d.Projection, marshalJSON(d.GeoTransform), marshalJSON(d.Bounds), marshalJSON(d.ExtraMetadata),
			d.ProcessingStatus, d.Progress, fmtTime(d.CreatedAt), fmtTime(d.UpdatedAt),
		}})
	// the name pre-check races concurrent inserts; the UNIQUE constraint is
	// the authority
	if err != nil && sqlite.ErrCode(err).ToPrimary() == sqlite.ResultConstraint {
		return fmt.Errorf("dataset %q: %w", d.Name, ErrConflict)
	}
	return err
}

func (s *MetadataStore) getDatasetWhere(ctx context.Context, where string, args ...any) (*Dataset, error) {
	conn, release, err := s.take(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	var d *Dataset
	err = sqlitex.ExecuteTransient(conn,
		`SELECT `+datasetColumns+` FROM datasets WHERE `+where,
		&sqlitex.ExecOptions{
			Args: args,
			ResultFunc: func(stmt *sqlite.Stmt) error {
				d = datasetFromStmt(stmt)
				return nil
			},
		})
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, ErrNotFound
	}
	return d, nil
}

func (s *MetadataStore) GetDataset(ctx context.Context, id string) (*Dataset, error) {
	d, err := s.getDatasetWhere(ctx, `id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("dataset %s: %w", id, err)
	}
	return d, nil
}

func (s *MetadataStore) GetDatasetByName(ctx context.Context, name string) (*Dataset, error) {
	d, err := s.getDatasetWhere(ctx, `name = ?`, name)
	if err != nil {
		return nil, fmt.Errorf("dataset %q: %w", name, err)
	}
	return d, nil
}

func (s *MetadataStore) UpdateDataset(ctx context.Context, d *Dataset) error {
	conn, release, err := s.take(ctx)
	if err != nil {
		return err
	}
	defer release()
	d.UpdatedAt = time.Now().UTC()
	return sqlitex.ExecuteTransient(conn,
		`UPDATE datasets SET name = ?, description = ?, category = ?, owner_id = ?, is_demo = ?,
		 expires_at = ?, original_file_path = ?, tile_base_path = ?, width = ?, height = ?,
		 tile_size = ?, min_zoom = ?, max_zoom = ?, projection = ?, geotransform = ?, bounds = ?,
		 extra_metadata = ?, processing_status = ?, processing_progress = ?, updated_at = ?
		 WHERE id = ?`,
		&sqlitex.ExecOptions{Args: []any{
			d.Name, d.Description, d.Category, d.OwnerID, boolToInt(d.IsDemo),
			fmtTimePtr(d.ExpiresAt), d.OriginalFilePath, d.TileBasePath, d.Width, d.Height,
			d.TileSize, d.MinZoom, d.MaxZoom, d.Projection, marshalJSON(d.GeoTransform), marshalJSON(d.Bounds),
			marshalJSON(d.ExtraMetadata), d.ProcessingStatus, d.Progress, fmtTime(d.UpdatedAt),
			d.ID,
		}})
}

// SetProgress performs the single-row progress write ingestion jobs use.
func (s *MetadataStore) SetProgress(ctx context.Context, id, status string, progress int) error {
	conn, release, err := s.take(ctx)
	if err != nil {
		return err
	}
	defer release()
	return sqlitex.ExecuteTransient(conn,
		`UPDATE datasets SET processing_status = ?, processing_progress = ?, updated_at = ? WHERE id = ?`,
		&sqlitex.ExecOptions{Args: []any{status, progress, fmtTime(time.Now()), id}})
}

// DeleteDataset removes the row and its annotations.
func (s *MetadataStore) DeleteDataset(ctx context.Context, id string) error {
	conn, release, err := s.take(ctx)
	if err != nil {
		return err
	}
	defer release()
	if err := sqlitex.ExecuteTransient(conn, `DELETE FROM annotations WHERE dataset_id = ?`,
		&sqlitex.ExecOptions{Args: []any{id}}); err != nil {
		return err
	}
	return sqlitex.ExecuteTransient(conn, `DELETE FROM datasets WHERE id = ?`,
		&sqlitex.ExecOptions{Args: []any{id}})
}

func (s *MetadataStore) listDatasetsWhere(ctx context.Context, where string, args ...any) ([]*Dataset, error) {
	conn, release, err := s.take(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	var out []*Dataset
	err = sqlitex.ExecuteTransient(conn,
		`SELECT `+datasetColumns+` FROM datasets WHERE `+where+` ORDER BY created_at DESC`,
		&sqlitex.ExecOptions{
			Args: args,
			ResultFunc: func(stmt *sqlite.Stmt) error {
				out = append(out, datasetFromStmt(stmt))
				return nil
			},
		})
	return out, err
}

// ListOwned returns datasets belonging to one user.
func (s *MetadataStore) ListOwned(ctx context.Context, ownerID string) ([]*Dataset, error) {
	return s.listDatasetsWhere(ctx, `owner_id = ?`, ownerID)
}

// ListDemo returns the public demo datasets.
func (s *MetadataStore) ListDemo(ctx context.Context) ([]*Dataset, error) {
	return s.listDatasetsWhere(ctx, `is_demo = 1`)
}

// ExpiredDatasets returns user datasets whose expiry has passed.
func (s *MetadataStore) ExpiredDatasets(ctx context.Context, now time.Time) ([]*Dataset, error) {
	return s.listDatasetsWhere(ctx,
		`is_demo = 0 AND expires_at IS NOT NULL AND expires_at != '' AND expires_at <= ?`, fmtTime(now))
}

// DatasetStats aggregates counts for the stats endpoint.
type DatasetStats struct {
	Total       int64            `json:"total_datasets"`
	ByCategory  map[string]int64 `json:"by_category"`
	ByStatus    map[string]int64 `json:"by_status"`
	TotalPixels int64            `json:"total_pixels"`
}

func (s *MetadataStore) Stats(ctx context.Context) (*DatasetStats, error) {
	conn, release, err := s.take(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	stats := &DatasetStats{ByCategory: make(map[string]int64), ByStatus: make(map[string]int64)}
	err = sqlitex.ExecuteTransient(conn,
		`SELECT count(*), coalesce(sum(width * height), 0) FROM datasets`,
		&sqlitex.ExecOptions{ResultFunc: func(stmt *sqlite.Stmt) error {
			stats.Total = stmt.ColumnInt64(0)
			stats.TotalPixels = stmt.ColumnInt64(1)
			return nil
		}})
	if err != nil {
		return nil, err
	}
	err = sqlitex.ExecuteTransient(conn,
		`SELECT category, count(*) FROM datasets GROUP BY category`,
		&sqlitex.ExecOptions{ResultFunc: func(stmt *sqlite.Stmt) error {
			stats.ByCategory[stmt.ColumnText(0)] = stmt.ColumnInt64(1)
			return nil
		}})
	if err != nil {
		return nil, err
	}
	err = sqlitex.ExecuteTransient(conn,
		`SELECT processing_status, count(*) FROM datasets GROUP BY processing_status`,
		&sqlitex.ExecOptions{ResultFunc: func(stmt *sqlite.Stmt) error {
			stats.ByStatus[stmt.ColumnText(0)] = stmt.ColumnInt64(1)
			return nil
		}})
	return stats, err
}

// --- annotations ---

func (s *MetadataStore) InsertAnnotation(ctx context.Context, a *Annotation) error {
	conn, release, err := s.take(ctx)
	if err != nil {
		return err
	}
	defer release()
	return sqlitex.ExecuteTransient(conn,
		`INSERT INTO annotations (id, dataset_id, user_id, geometry, annotation_type, label, description, properties, confidence)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			a.ID, a.DatasetID, a.UserID, marshalJSON(a.Geometry), a.AnnotationType,
			a.Label, a.Description, marshalJSON(a.Properties), a.Confidence,
		}})
}

func (s *MetadataStore) CountAnnotations(ctx context.Context, datasetID string) (int64, error) {
	conn, release, err := s.take(ctx)
	if err != nil {
		return 0, err
	}
	defer release()
	var n int64
	err = sqlitex.ExecuteTransient(conn,
		`SELECT count(*) FROM annotations WHERE dataset_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{datasetID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				n = stmt.ColumnInt64(0)
				return nil
			},
		})
	return n, err
}

// --- processing jobs ---

func (s *MetadataStore) InsertJob(ctx context.Context, j *ProcessingJob) error {
	conn, release, err := s.take(ctx)
	if err != nil {
		return err
	}
	defer release()
	return sqlitex.ExecuteTransient(conn,
		`INSERT INTO processing_jobs (id, dataset_id, task_id, status, progress, error, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			j.ID, j.DatasetID, j.TaskID, j.Status, j.Progress, j.Error,
			fmtTimePtr(j.StartedAt), fmtTimePtr(j.CompletedAt),
		}})
}

func (s *MetadataStore) UpdateJob(ctx context.Context, j *ProcessingJob) error {
	conn, release, err := s.take(ctx)
	if err != nil {
		return err
	}
	defer release()
	return sqlitex.ExecuteTransient(conn,
		`UPDATE processing_jobs SET status = ?, progress = ?, error = ?, completed_at = ? WHERE id = ?`,
		&sqlitex.ExecOptions{Args: []any{j.Status, j.Progress, j.Error, fmtTimePtr(j.CompletedAt), j.ID}})
}

func (s *MetadataStore) GetJobForDataset(ctx context.Context, datasetID string) (*ProcessingJob, error) {
	conn, release, err := s.take(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	var j *ProcessingJob
	err = sqlitex.ExecuteTransient(conn,
		`SELECT id, dataset_id, task_id, status, progress, error, started_at, completed_at
		 FROM processing_jobs WHERE dataset_id = ? ORDER BY started_at DESC LIMIT 1`,
		&sqlitex.ExecOptions{
			Args: []any{datasetID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				j = &ProcessingJob{
					ID:          stmt.ColumnText(0),
					DatasetID:   stmt.ColumnText(1),
					TaskID:      stmt.ColumnText(2),
					Status:      stmt.ColumnText(3),
					Progress:    stmt.ColumnInt(4),
					Error:       stmt.ColumnText(5),
					StartedAt:   parseTimePtr(stmt.ColumnText(6)),
					CompletedAt: parseTimePtr(stmt.ColumnText(7)),
				}
				return nil
			},
		})
	if err != nil {
		return nil, err
	}
	if j == nil {
		return nil, ErrNotFound
	}
	return j, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
