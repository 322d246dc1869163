package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var apiErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "janitor_api_errors_total",
	Help: "API requests that ended in an error, by status code",
}, []string{"status"})

var honeypotCatches = promauto.NewCounter(prometheus.CounterOpts{
	Name: "janitor_honeypot_catches_total",
	Help: "Reports filed through the honeypot endpoint",
})
