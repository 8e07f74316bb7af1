package query

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// QueryDuration tracks Answer latency by result.
var QueryDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "retaind",
		Name:      "query_duration_seconds",
		Help:      "Query latency including embedding, search, resolve and rerank",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"result"},
)
