package policy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var policyWrites = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "janitor_policy_writes_total",
	Help: "Number of guild policy writes, by operation",
}, []string{"op"})

var evaluations = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "janitor_policy_evaluations_total",
	Help: "Number of policy evaluations, by resulting action and state",
}, []string{"action", "state"})

var exemptions = promauto.NewCounter(prometheus.CounterOpts{
	Name: "janitor_policy_role_exemptions_total",
	Help: "Number of evaluations short-circuited by an ignored role",
})
