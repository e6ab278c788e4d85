package gigatiles

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *MetadataStore {
	t.Helper()
	store, err := NewMetadataStore(filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func testDataset(id, name string) *Dataset {
	now := time.Now().UTC()
	return &Dataset{
		ID:               id,
		Name:             name,
		Category:         CategorySpace,
		Width:            600,
		Height:           400,
		TileSize:         256,
		MaxZoom:          2,
		ProcessingStatus: StatusPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

func TestUserRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	u := &User{
		ID:        "u1",
		Email:     "alice@example.com",
		Username:  "alice",
		FullName:  "Alice",
		IsActive:  true,
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, store.InsertUser(ctx, u))

	got, err := store.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, u.Email, got.Email)
	assert.Equal(t, u.Username, got.Username)
	assert.True(t, got.IsActive)
	assert.False(t, got.IsSuperuser)
	assert.Nil(t, got.LastLogin)
	assert.True(t, got.CreatedAt.Equal(u.CreatedAt))

	_, err = store.GetUser(ctx, "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteUserRemovesOwnedDatasets(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.InsertUser(ctx, &User{ID: "u1", Email: "a@b.c", Username: "a", IsActive: true, CreatedAt: time.Now()}))
	d := testDataset("d1", "owned")
	d.OwnerID = "u1"
	require.NoError(t, store.InsertDataset(ctx, d))
	require.NoError(t, store.InsertAnnotation(ctx, &Annotation{
		ID: "a1", DatasetID: "d1", UserID: "u1",
		Geometry:       map[string]any{"type": "Point"},
		AnnotationType: "marker", Label: "crater", Confidence: 1,
	}))

	require.NoError(t, store.DeleteUser(ctx, "u1"))
	_, err := store.GetUser(ctx, "u1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.GetDataset(ctx, "d1")
	assert.ErrorIs(t, err, ErrNotFound)

	// annotations follow the owned datasets out
	n, err := store.CountAnnotations(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestDatasetRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	d := testDataset("d1", "lunar mosaic")
	d.IsDemo = true
	d.Projection = "WGS 84"
	d.GeoTransform = []float64{-180, 0.1, 0, 90, 0, -0.1}
	d.Bounds = []float64{-180, -90, 180, 90}
	d.ExtraMetadata = map[string]any{"tiles_count": float64(9)}
	require.NoError(t, store.InsertDataset(ctx, d))

	got, err := store.GetDataset(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, d.Name, got.Name)
	assert.True(t, got.IsDemo)
	assert.Equal(t, d.GeoTransform, got.GeoTransform)
	assert.Equal(t, d.Bounds, got.Bounds)
	assert.Equal(t, float64(9), got.ExtraMetadata["tiles_count"])

	byName, err := store.GetDatasetByName(ctx, "lunar mosaic")
	require.NoError(t, err)
	assert.Equal(t, "d1", byName.ID)
}

func TestDatasetNameConflict(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.InsertDataset(ctx, testDataset("d1", "dup")))
	err := store.InsertDataset(ctx, testDataset("d2", "dup"))
	assert.ErrorIs(t, err, ErrConflict)

	// a constraint the pre-check cannot see still surfaces as a conflict
	err = store.InsertDataset(ctx, testDataset("d1", "other name"))
	assert.ErrorIs(t, err, ErrConflict)
}

func TestStoreSequentialQueries(t *testing.T) {
	// connections must come back to the pool usable; a long run of
	// single-row operations cycles through every pooled connection
	ctx := context.Background()
	store := newTestStore(t)

	for i := 0; i < 2*poolSize; i++ {
		id := fmt.Sprintf("d%03d", i)
		require.NoError(t, store.InsertDataset(ctx, testDataset(id, "set "+id)))
		got, err := store.GetDataset(ctx, id)
		require.NoError(t, err)
		require.Equal(t, id, got.ID)
		require.NoError(t, store.SetProgress(ctx, id, StatusProcessing, i))
	}
	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2*poolSize), stats.Total)
}

func TestSetProgress(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.InsertDataset(ctx, testDataset("d1", "p")))

	require.NoError(t, store.SetProgress(ctx, "d1", StatusProcessing, 42))
	got, err := store.GetDataset(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, got.ProcessingStatus)
	assert.Equal(t, 42, got.Progress)
}

func TestListVisibility(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	demo := testDataset("demo1", "demo")
	demo.IsDemo = true
	require.NoError(t, store.InsertDataset(ctx, demo))

	owned := testDataset("own1", "mine")
	owned.OwnerID = "u1"
	require.NoError(t, store.InsertDataset(ctx, owned))

	demos, err := store.ListDemo(ctx)
	require.NoError(t, err)
	require.Len(t, demos, 1)
	assert.Equal(t, "demo1", demos[0].ID)

	mine, err := store.ListOwned(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, "own1", mine[0].ID)
}

func TestExpiredDatasets(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	now := time.Now().UTC()

	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	expired := testDataset("old", "old")
	expired.OwnerID = "u1"
	expired.ExpiresAt = &past
	require.NoError(t, store.InsertDataset(ctx, expired))

	fresh := testDataset("new", "new")
	fresh.OwnerID = "u1"
	fresh.ExpiresAt = &future
	require.NoError(t, store.InsertDataset(ctx, fresh))

	// demo datasets never expire, even with a stale timestamp
	demo := testDataset("demo", "demo")
	demo.IsDemo = true
	demo.ExpiresAt = &past
	require.NoError(t, store.InsertDataset(ctx, demo))

	got, err := store.ExpiredDatasets(ctx, now)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "old", got[0].ID)
}

func TestAnnotationsFollowDataset(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.InsertDataset(ctx, testDataset("d1", "ann")))

	a := &Annotation{
		ID:             "a1",
		DatasetID:      "d1",
		UserID:         "u1",
		Geometry:       map[string]any{"type": "Point", "coordinates": []any{1.0, 2.0}},
		AnnotationType: "marker",
		Label:          "crater",
		Confidence:     0.9,
	}
	require.NoError(t, store.InsertAnnotation(ctx, a))
	n, err := store.CountAnnotations(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, store.DeleteDataset(ctx, "d1"))
	n, err = store.CountAnnotations(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	d1 := testDataset("d1", "one")
	d1.Category = CategoryEarth
	d1.ProcessingStatus = StatusCompleted
	require.NoError(t, store.InsertDataset(ctx, d1))

	d2 := testDataset("d2", "two")
	d2.Category = CategoryEarth
	require.NoError(t, store.InsertDataset(ctx, d2))

	d3 := testDataset("d3", "three")
	d3.Category = CategoryMars
	require.NoError(t, store.InsertDataset(ctx, d3))

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Total)
	assert.Equal(t, int64(2), stats.ByCategory[CategoryEarth])
	assert.Equal(t, int64(1), stats.ByCategory[CategoryMars])
	assert.Equal(t, int64(1), stats.ByStatus[StatusCompleted])
	assert.Equal(t, int64(2), stats.ByStatus[StatusPending])
	assert.Equal(t, int64(3*600*400), stats.TotalPixels)
}

func TestProcessingJobs(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	started := time.Now().UTC().Truncate(time.Second)
	j := &ProcessingJob{ID: "j1", DatasetID: "d1", TaskID: "t1", Status: StatusProcessing, StartedAt: &started}
	require.NoError(t, store.InsertJob(ctx, j))

	completed := started.Add(time.Minute)
	j.Status = StatusCompleted
	j.Progress = 100
	j.CompletedAt = &completed
	require.NoError(t, store.UpdateJob(ctx, j))

	got, err := store.GetJobForDataset(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	require.NotNil(t, got.CompletedAt)
	assert.True(t, got.CompletedAt.Equal(completed))

	_, err = store.GetJobForDataset(ctx, "none")
	assert.ErrorIs(t, err, ErrNotFound)
}
