package offline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "restaurant_offline"

var (
	interceptedRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "intercepted_requests_total",
		Help:      "Requests handled by the interceptor, by route.",
	}, []string{"route"})

	cacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "cache_lookups_total",
		Help:      "Response cache lookups, by cache and result.",
	}, []string{"cache", "result"})

	deferredWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "deferred_writes_total",
		Help:      "Mutating requests queued for replay, by category.",
	}, []string{"category"})

	queuePersistFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "queue_persist_failures_total",
		Help:      "Deferred writes that could not be persisted.",
	})

	replayOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "replay_items_total",
		Help:      "Replayed queued requests, by category and outcome.",
	}, []string{"category", "outcome"})

	notificationsSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "system_notifications_total",
		Help:      "System notifications raised after replay.",
	})

	connectedTabs = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "connected_tabs",
		Help:      "Tabs currently connected to the client hub.",
	})

	onlineGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "online",
		Help:      "1 when the backend is reachable, 0 otherwise.",
	})
)
