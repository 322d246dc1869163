package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	notificationsQueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "janitor_notifications_queued_total",
		Help: "Total notifications written to guild delivery queues",
	})
	notificationsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "janitor_notifications_dropped_total",
		Help: "Total notifications dropped because a guild queue overflowed",
	})
	workersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "janitor_delivery_workers_active",
		Help: "Number of guild delivery workers currently running",
	})
)

var (
	deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "janitor_deliveries_total",
		Help: "Notification deliveries by outcome",
	}, []string{"outcome"})
	deliveryRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "janitor_delivery_retries_total",
		Help: "Total webhook request retries",
	})
	deliveryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "janitor_delivery_duration_seconds",
		Help:    "Time to deliver a notification, including retries",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
	})
	webhookRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "janitor_webhook_requests_total",
		Help: "Total final webhook responses by status",
	}, []string{"status"})
)

var duplicatesReceived = promauto.NewCounter(prometheus.CounterOpts{
	Name: "janitor_receiver_duplicates_total",
	Help: "Notifications a receiver acknowledged as duplicates",
})
