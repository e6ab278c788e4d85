package gigatiles

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	tileRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gigatiles",
		Subsystem: "server",
		Name:      "tile_requests_total",
		Help:      "Tile requests by outcome.",
	}, []string{"outcome"})

	cacheRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gigatiles",
		Subsystem: "cache",
		Name:      "requests_total",
		Help:      "Tile cache lookups by result.",
	}, []string{"result"})

	cacheEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "gigatiles",
		Subsystem: "cache",
		Name:      "entries",
		Help:      "Current number of tiles in the cache.",
	})

	ingestJobs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gigatiles",
		Subsystem: "ingest",
		Name:      "jobs_total",
		Help:      "Ingestion jobs by terminal status.",
	}, []string{"status"})

	corruptedTiles = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gigatiles",
		Subsystem: "ingest",
		Name:      "corrupted_tiles_total",
		Help:      "Source windows replaced with black tiles.",
	})

	replicatedTiles = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gigatiles",
		Subsystem: "replication",
		Name:      "uploaded_total",
		Help:      "Tiles uploaded to the object store.",
	})

	replicationFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gigatiles",
		Subsystem: "replication",
		Name:      "failed_total",
		Help:      "Tile uploads that exhausted retries.",
	})
)

func init() {
	prometheus.MustRegister(tileRequests, cacheRequests, cacheEntries,
		ingestJobs, corruptedTiles, replicatedTiles, replicationFailures)
}
