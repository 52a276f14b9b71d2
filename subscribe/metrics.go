package subscribe

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// requestsTotal counts subscribe requests by resulting status or error kind.
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricedrop_subscribe_requests_total",
			Help: "Total number of subscribe requests by outcome",
		},
		[]string{"status"},
	)

	// requestDuration measures end-to-end subscribe latency in seconds.
	requestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pricedrop_subscribe_duration_seconds",
			Help:    "Subscribe request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// orphanedChannels counts channels left behind by lost creation races.
	orphanedChannels = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pricedrop_orphaned_channels_total",
			Help: "Channels created for a listing that another request tracked first",
		},
	)
)
