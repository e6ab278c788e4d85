package gigatiles

import (
	"context"
	"log"
	"strings"
	"time"
)

const sweepErrorBackoff = 5 * time.Minute

// LifecycleManager sweeps expired user datasets on an hourly loop and
// reconciles demo-dataset metadata from the object store at startup.
type LifecycleManager struct {
	Store     *MetadataStore
	Processor *DatasetProcessor
	Objects   *ObjectStore // nil disables reconciliation
	Interval  time.Duration
	Logger    *log.Logger
}

func NewLifecycleManager(store *MetadataStore, processor *DatasetProcessor, objects *ObjectStore, interval time.Duration, logger *log.Logger) *LifecycleManager {
	if interval <= 0 {
		interval = time.Hour
	}
	return &LifecycleManager{
		Store:     store,
		Processor: processor,
		Objects:   objects,
		Interval:  interval,
		Logger:    logger,
	}
}

// Run loops until ctx is cancelled. A failed pass backs off five minutes
// instead of the full interval.
func (m *LifecycleManager) Run(ctx context.Context) {
	for {
		wait := m.Interval
		if _, err := m.SweepOnce(ctx); err != nil {
			m.Logger.Printf("expiry sweep failed: %v", err)
			wait = sweepErrorBackoff
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// SweepOnce deletes every user dataset whose expiry has passed. Per-dataset
// failures are logged and do not stop the pass.
func (m *LifecycleManager) SweepOnce(ctx context.Context) (int, error) {
	expired, err := m.Store.ExpiredDatasets(ctx, time.Now())
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, d := range expired {
		if err := m.Processor.DeleteBySystem(ctx, d.ID); err != nil {
			m.Logger.Printf("sweeping dataset %s failed: %v", d.ID, err)
			continue
		}
		m.Logger.Printf("swept expired dataset %s (%q)", d.ID, d.Name)
		deleted++
	}
	return deleted, nil
}

// ReconcileDemoDatasets inserts demo datasets persisted on the object
// store but absent from the database, making demos durable across
// ephemeral hosts. Call after the store schema is ready.
func (m *LifecycleManager) ReconcileDemoDatasets(ctx context.Context) (int, error) {
	if m.Objects == nil {
		return 0, nil
	}
	keys, err := m.Objects.ListKeys(ctx, "metadata/datasets/")
	if err != nil {
		return 0, err
	}
	inserted := 0
	for _, key := range keys {
		if !strings.HasSuffix(key, ".json") {
			continue
		}
		var d Dataset
		if err := m.Objects.GetJSON(ctx, key, &d); err != nil {
			m.Logger.Printf("reconciling %s: %v", key, err)
			continue
		}
		if d.ID == "" {
			continue
		}
		if _, err := m.Store.GetDataset(ctx, d.ID); err == nil {
			continue
		}
		d.IsDemo = true
		d.OwnerID = ""
		d.ExpiresAt = nil
		if err := m.Store.InsertDataset(ctx, &d); err != nil {
			m.Logger.Printf("reconciling %s: %v", key, err)
			continue
		}
		m.Logger.Printf("restored demo dataset %s (%q) from object store", d.ID, d.Name)
		inserted++
	}
	return inserted, nil
}
