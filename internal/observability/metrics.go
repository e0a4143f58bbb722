package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "roadside_relay"

var (
	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "connections_active", Help: "Open participant socket connections"})
	RoomsActive       = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "rooms_active", Help: "Rooms with at least one participant"})

	Admissions   = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "admissions_total", Help: "Participants admitted to a room"}, []string{"role"})
	Evictions    = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "evictions_total", Help: "Participants replaced by a newer connection for the same role"})
	StaleRemoves = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "stale_removes_total", Help: "Disconnects that arrived after the participant was already evicted"})
	InvalidInits = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "invalid_inits_total", Help: "init messages rejected for a missing room or unknown role"})

	LocationsRelayed = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "locations_relayed_total", Help: "Location updates forwarded to the counterpart"})
	LocationsDropped = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "locations_dropped_total", Help: "Location updates not forwarded"}, []string{"reason"})

	StatusBroadcasts = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "status_broadcasts_total", Help: "Status events broadcast to a room"}, []string{"event"})
	StatusIgnored    = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "status_triggers_ignored_total", Help: "Status triggers absorbed by the monotonic check"}, []string{"target"})

	SideChannelErrors = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "side_channel_errors_total", Help: "Failures in best-effort side channels"}, []string{"channel"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	SocketLifetime = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "socket_lifetime_seconds",
			Help:      "How long participant sockets stay open, by close reason",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		},
		[]string{"reason"},
	)
)
