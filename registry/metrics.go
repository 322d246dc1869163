package registry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var reportsFiled = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "janitor_reports_filed_total",
	Help: "Number of reports filed, by category",
}, []string{"category"})

var reportsDeactivated = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "janitor_reports_deactivated_total",
	Help: "Number of reports deactivated, by category",
}, []string{"category"})

var reportEdits = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "janitor_report_edits_total",
	Help: "Number of evidence and explanation edits, by kind",
}, []string{"kind"})

var quotaRejections = promauto.NewCounter(prometheus.CounterOpts{
	Name: "janitor_report_quota_rejections_total",
	Help: "Number of reports refused because the origin guild hit its daily quota",
})
