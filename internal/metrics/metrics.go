// Package metrics exposes the publish engine's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds the engine's Prometheus collectors. One Registry is
// created per process and threaded into the engine and its adapters,
// mirroring the teacher service's metrics.Registry.
type Registry struct {
	NotificationsSent   prometheus.Counter
	KeepAlivesSent      prometheus.Counter
	PublishRequestsIn   prometheus.Counter
	RequestsTimedOut    prometheus.Counter
	RequestsTooMany     prometheus.Counter
	RingOverflows       prometheus.Counter
	SubscriptionsClosed prometheus.Counter
	Transfers           prometheus.Counter

	QueueDepth          prometheus.Gauge
	SubscriptionCount   prometheus.Gauge
	ClosedDrainDepth    prometheus.Gauge
}

// NewRegistry constructs and registers all collectors against the default
// Prometheus registerer.
func NewRegistry() *Registry {
	const ns = "opcua_pubsub"

	return &Registry{
		NotificationsSent: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "notifications_sent_total",
			Help: "Total notification messages delivered to clients.",
		}),
		KeepAlivesSent: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "keepalives_sent_total",
			Help: "Total keep-alive responses delivered to clients.",
		}),
		PublishRequestsIn: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "publish_requests_total",
			Help: "Total Publish requests received.",
		}),
		RequestsTimedOut: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "publish_requests_timed_out_total",
			Help: "Total Publish requests purged for exceeding their timeout hint.",
		}),
		RequestsTooMany: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "publish_requests_rejected_too_many_total",
			Help: "Total Publish requests evicted for exceeding maxPublishRequestInQueue.",
		}),
		RingOverflows: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "ring_overflows_total",
			Help: "Total notification ring overflows (oldest retained notification dropped).",
		}),
		SubscriptionsClosed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "subscriptions_closed_total",
			Help: "Total subscriptions closed or expired.",
		}),
		Transfers: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "subscription_transfers_total",
			Help: "Total subscription transfers between engines.",
		}),
		QueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "publish_queue_depth",
			Help: "Current number of pending Publish requests.",
		}),
		SubscriptionCount: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "subscriptions_attached",
			Help: "Current number of subscriptions attached to the engine.",
		}),
		ClosedDrainDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "closed_drain_depth",
			Help: "Current number of closed subscriptions still draining retained notifications.",
		}),
	}
}
