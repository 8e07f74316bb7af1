package documents

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// IngestTotal counts AddDocument calls by result (ok, invalid, provider_error, store_error).
	IngestTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "retaind",
			Name:      "ingest_total",
			Help:      "Document ingest attempts by result",
		},
		[]string{"result"},
	)

	// IngestChunks counts chunks committed by ingest.
	IngestChunks = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "retaind",
			Name:      "ingest_chunks_total",
			Help:      "Chunks committed by document ingest",
		},
	)

	// RollbacksTotal counts ingests undone after vectors were appended.
	RollbacksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "retaind",
			Name:      "ingest_rollbacks_total",
			Help:      "Ingests rolled back after the index append",
		},
	)
)
