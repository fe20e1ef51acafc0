// Package metrics holds the Prometheus collectors of the sync service. They
// live in a leaf package so that sync, external and api can share them
// without import cycles.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	SyncJobs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pricebook_sync_jobs_total",
		Help: "Finished sync jobs by entity type, scope and final status",
	}, []string{"entity_type", "scope", "status"})

	SyncJobDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pricebook_sync_job_duration_seconds",
		Help:    "Wall time of sync jobs",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 14),
	}, []string{"entity_type", "scope"})

	SyncEntities = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pricebook_sync_entities_total",
		Help: "Per-entity sync outcomes (action=pull|push, result=created|updated|unchanged|failed)",
	}, []string{"entity_type", "action", "result"})

	SkippedTriggers = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pricebook_sync_skipped_triggers_total",
		Help: "Scheduled triggers rejected because a job of the same class was running",
	}, []string{"entity_type", "scope"})

	PendingEntries = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pricebook_pending_entries",
		Help: "Pending-sync queue entries by status",
	}, []string{"status"})

	RateLimitCooldown = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pricebook_ratelimit_cooldown_seconds",
		Help: "Remaining external API cooldown",
	}, []string{"tenant"})

	ExternalRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pricebook_external_requests_total",
		Help: "Calls to the external pricebook API by operation and outcome",
	}, []string{"operation", "outcome"})

	CircuitBreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pricebook_circuit_breaker_state",
		Help: "External API breaker state (0=closed, 1=half-open, 2=open)",
	}, []string{"name"})
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		SyncJobs, SyncJobDuration, SyncEntities, SkippedTriggers,
		PendingEntries, RateLimitCooldown, ExternalRequests, CircuitBreakerState,
	}
}

// Register registers the collectors on reg (or the default registerer when
// nil). Registering twice is not an error.
func Register(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	for _, c := range collectors() {
		if err := reg.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return err
			}
		}
	}
	return nil
}
