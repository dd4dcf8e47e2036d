package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memechat_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "memechat_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Chat metrics
	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memechat_messages_sent_total",
			Help: "Total messages stored",
		},
		[]string{"type"}, // "text", "shared-content" or "system"
	)

	RoomsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memechat_rooms_created_total",
			Help: "Total rooms created",
		},
		[]string{"type"},
	)

	MembershipChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memechat_membership_changes_total",
			Help: "Total membership and role changes",
		},
		[]string{"action"}, // a models.MembershipAction
	)

	// Fan-out metrics
	ActiveSubscriptions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "memechat_active_subscriptions",
			Help: "Live subscriptions by topic",
		},
		[]string{"topic"},
	)

	Deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memechat_deliveries_total",
			Help: "Snapshots handed to subscription handlers",
		},
		[]string{"topic"},
	)

	FeedEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memechat_feed_events_total",
			Help: "Change feed events consumed",
		},
		[]string{"consumer", "kind"},
	)

	OnlineUsers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "memechat_online_users",
			Help: "Users with at least one open websocket",
		},
	)

	// Infrastructure metrics
	StoreLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "memechat_store_latency_seconds",
			Help:    "Store operation latency",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25},
		},
		[]string{"op"},
	)

	AlertCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memechat_alert_cache_lookups_total",
			Help: "Alert cache lookups by result",
		},
		[]string{"result"}, // "hit", "miss" or "error"
	)
)
