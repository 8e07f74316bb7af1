package shard

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ShardVectors tracks the vector count per shard date.
	ShardVectors = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "retaind",
			Name:      "shard_vectors",
			Help:      "Number of vectors in each live shard",
		},
		[]string{"date"},
	)

	// ShardCount tracks the number of live shards.
	ShardCount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "retaind",
			Name:      "shard_count",
			Help:      "Number of live shards",
		},
	)
)

func observeShard(date Date, n int64) {
	ShardVectors.WithLabelValues(string(date)).Set(float64(n))
}

func forgetShard(date Date) {
	ShardVectors.DeleteLabelValues(string(date))
}
