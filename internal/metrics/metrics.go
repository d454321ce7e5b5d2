// Package metrics holds the Prometheus collectors shared by the realtime
// components.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "socialchat"

var (
	Connections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "ws",
		Name:      "connections",
		Help:      "Open WebSocket connections on this instance.",
	})

	Events = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ws",
		Name:      "events_total",
		Help:      "Inbound WebSocket events by type and result.",
	}, []string{"type", "result"})

	EventDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "ws",
		Name:      "event_duration_seconds",
		Help:      "Time spent dispatching one inbound WebSocket event.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"type"})

	DroppedClients = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ws",
		Name:      "dropped_clients_total",
		Help:      "Clients disconnected because their send buffer was full.",
	})

	OnlineUsers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "presence",
		Name:      "online_users",
		Help:      "Users with at least one live connection seen by this instance.",
	})

	PresenceBroadcasts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "presence",
		Name:      "broadcasts_total",
		Help:      "Presence transitions broadcast to friends, by state.",
	}, []string{"state"})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by method and status code.",
	}, []string{"method", "status"})

	NotificationsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "events",
		Name:      "notifications_total",
		Help:      "Message notifications by outcome: ok and error on delivery, rejected on enqueue.",
	}, []string{"result"})
)

// Handler returns an http.Handler for Prometheus scraping.
func Handler() http.Handler {
	return promhttp.Handler()
}
