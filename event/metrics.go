package event

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var eventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "janitor_report_events_published_total",
	Help: "Number of report change events published, by kind",
}, []string{"kind"})

var handlerErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "janitor_report_event_handler_errors_total",
	Help: "Number of report change handler failures, by handler",
}, []string{"handler"})

var handlerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "janitor_report_event_handler_duration_seconds",
	Help:    "Time spent in report change handlers",
	Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
}, []string{"handler"})

var natsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "janitor_report_events_nats_published_total",
	Help: "Number of report change events mirrored to NATS, by status",
}, []string{"status"})
