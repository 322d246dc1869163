package access

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var accessDenied = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "janitor_access_denied_total",
	Help: "Number of refused operations, by operation and reason",
}, []string{"op", "reason"})

var evidenceRedacted = promauto.NewCounter(prometheus.CounterOpts{
	Name: "janitor_evidence_redacted_total",
	Help: "Number of report evidence references hidden from a viewer",
})
