package retention

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RunsTotal counts purge attempts by result: success, error or skipped.
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "retaind",
			Name:      "retention_runs_total",
			Help:      "Retention purge runs by result",
		},
		[]string{"result"},
	)

	// LastRun is the unix time of the last completed purge.
	LastRun = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "retaind",
		Name:      "retention_last_run_timestamp_seconds",
		Help:      "Unix time of the last completed retention purge",
	})

	// RowsDeleted counts metadata rows removed by purges.
	RowsDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "retaind",
		Name:      "retention_rows_deleted_total",
		Help:      "Metadata rows deleted by retention purges",
	})
)
