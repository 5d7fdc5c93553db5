// Package metrics exposes Prometheus instrumentation for the entitlement
// service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// VerifyRequestsTotal counts purchase verification requests by platform
	// and outcome (verified, duplicate, unknown_product, rejected, timeout,
	// error).
	VerifyRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "parley",
		Subsystem: "entitlement",
		Name:      "verify_requests_total",
		Help:      "Total purchase verification requests by platform and outcome.",
	}, []string{"platform", "outcome"})

	// VerifyDuration tracks purchase verification latency, including the
	// upstream billing platform call.
	VerifyDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "parley",
		Subsystem: "entitlement",
		Name:      "verify_duration_seconds",
		Help:      "Purchase verification duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"platform"})

	// WebhookEventsTotal counts ingested billing events by type and outcome
	// (processed, duplicate, unmatched, ignored, rejected, error).
	WebhookEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "parley",
		Subsystem: "entitlement",
		Name:      "webhook_events_total",
		Help:      "Total billing webhook events by type and outcome.",
	}, []string{"event_type", "outcome"})

	// ResolutionsTotal counts entitlement resolutions by resulting tier.
	ResolutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "parley",
		Subsystem: "entitlement",
		Name:      "resolutions_total",
		Help:      "Total entitlement resolutions by resulting tier.",
	}, []string{"tier"})

	// SweepRunsTotal counts expiry sweep runs by outcome (completed, skipped).
	SweepRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "parley",
		Subsystem: "entitlement",
		Name:      "sweep_runs_total",
		Help:      "Total expiry sweep runs by outcome.",
	}, []string{"outcome"})

	// SweepExpiredGrants counts grants transitioned to expired by the sweep.
	SweepExpiredGrants = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "parley",
		Subsystem: "entitlement",
		Name:      "sweep_expired_grants_total",
		Help:      "Total grants expired by the sweep.",
	})

	// ConnectedClients tracks currently connected websocket clients.
	ConnectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "parley",
		Subsystem: "entitlement",
		Name:      "connected_clients",
		Help:      "Currently connected websocket clients.",
	})
)
