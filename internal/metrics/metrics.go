// Package metrics holds the prometheus instrumentation for the sync engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics aggregates the sync engine's prometheus collectors.
type Metrics struct {
	SyncPasses        *prometheus.CounterVec
	RoomsSynced       prometheus.Counter
	UsersSynced       prometheus.Counter
	MembershipsSynced prometheus.Counter
	SyncInFlight      prometheus.Gauge
	SyncDuration      prometheus.Histogram
}

// New registers the collectors on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		SyncPasses: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "commdash",
			Name:      "sync_passes_total",
			Help:      "Sync passes by kind and outcome status.",
		}, []string{"kind", "status"}),
		RoomsSynced: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "commdash",
			Name:      "rooms_synced_total",
			Help:      "Room records written by sync passes.",
		}),
		UsersSynced: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "commdash",
			Name:      "users_synced_total",
			Help:      "User records written by sync passes.",
		}),
		MembershipsSynced: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "commdash",
			Name:      "memberships_synced_total",
			Help:      "Membership rows written by sync passes.",
		}),
		SyncInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "commdash",
			Name:      "sync_in_flight",
			Help:      "1 while a sync pass is running.",
		}),
		SyncDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "commdash",
			Name:      "sync_duration_seconds",
			Help:      "Wall-clock duration of completed sync passes.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
		}),
	}
}
