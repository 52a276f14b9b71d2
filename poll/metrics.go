package poll

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// itemsTotal counts evaluated items by outcome.
	itemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricedrop_scan_items_total",
			Help: "Total number of items evaluated by scans, by outcome",
		},
		[]string{"outcome"},
	)

	// scanDuration measures whole-scan duration in seconds.
	scanDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pricedrop_scan_duration_seconds",
			Help:    "Scan duration in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
	)

	// trackedItems reports how many items the last scan listed.
	trackedItems = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pricedrop_tracked_items",
			Help: "Number of tracked items seen by the last scan",
		},
	)
)
