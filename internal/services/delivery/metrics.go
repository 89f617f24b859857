package delivery

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	mEventsApplied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "delivery_events_applied_total",
		Help: "Feed events upserted into a local log.",
	})
	mEventsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "delivery_events_rejected_total",
		Help: "Feed events dropped by the normalizer.",
	})
	mBulkLoads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "delivery_bulk_loads_total",
		Help: "Bulk reconciliation fetches by result.",
	}, []string{"result"})
	mBulkLoadDur = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "delivery_bulk_load_duration_seconds",
		Help:    "Bulk fetch duration.",
		Buckets: prometheus.DefBuckets,
	})
	mAcksSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "delivery_acks_sent_total",
		Help: "Read acknowledgements confirmed by the record store.",
	})
	mAckFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "delivery_ack_failures_total",
		Help: "Read acknowledgements that failed; local state is kept.",
	})
	mReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "delivery_feed_reconnects_total",
		Help: "Live to reconnecting transitions observed.",
	})
)
