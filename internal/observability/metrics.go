package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RideTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "campus_rides", Name: "ride_transitions_total", Help: "Committed ride lifecycle transitions"},
		[]string{"state"},
	)
	AcceptConflicts = promauto.NewCounter(prometheus.CounterOpts{Namespace: "campus_rides", Name: "accept_conflicts_total", Help: "Accept attempts on rides that were no longer pending"})

	NotificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "campus_rides", Name: "notifications_sent_total", Help: "Notifications written to a client channel"},
		[]string{"kind"},
	)
	NotificationsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "campus_rides", Name: "notifications_dropped_total", Help: "Notifications dropped because the recipient was offline"},
		[]string{"kind"},
	)
	NotificationsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "campus_rides", Name: "notifications_failed_total", Help: "Notification writes that failed and unbound the channel"},
		[]string{"kind"},
	)
	DispatchLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{Namespace: "campus_rides", Name: "dispatch_latency_seconds", Help: "Time to fan out one notification", Buckets: prometheus.DefBuckets},
		[]string{"kind"},
	)

	ConnectionsOpen = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "campus_rides", Name: "connections_open", Help: "Open client connections"})
	BoundUsers      = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "campus_rides", Name: "bound_users", Help: "Usernames with a live channel binding"})

	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "campus_rides", Name: "requests_total", Help: "Client requests handled"},
		[]string{"action", "status"},
	)
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{Namespace: "campus_rides", Name: "request_duration_seconds", Help: "Client request latency", Buckets: prometheus.DefBuckets},
		[]string{"action"},
	)

	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "campus_rides", Name: "events_published_total", Help: "Lifecycle events handed to the broker"},
		[]string{"type", "result"},
	)
	JournalWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "campus_rides", Name: "journal_writes_total", Help: "Journal writes by result"},
		[]string{"kind", "result"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "campus_rides", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "campus_rides",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
