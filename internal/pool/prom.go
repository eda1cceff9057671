package pool

import (
	prom "github.com/prometheus/client_golang/prometheus"
)

const (
	promNamespace = "slicerun"
	promSubsystem = "pool"
)

var (
	poolMembers = prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: promNamespace,
		Subsystem: promSubsystem,
		Name:      "members",
		Help:      "healthy members of a worker pool",
	}, []string{"kind"})
	poolStarts = prom.NewCounterVec(prom.CounterOpts{
		Namespace: promNamespace,
		Subsystem: promSubsystem,
		Name:      "worker_starts",
		Help:      "worker start attempts, by result",
	}, []string{"kind", "result"})
	poolPruned = prom.NewCounterVec(prom.CounterOpts{
		Namespace: promNamespace,
		Subsystem: promSubsystem,
		Name:      "workers_pruned",
		Help:      "workers removed for failing a health check",
	}, []string{"kind"})
)

func init() {
	prom.MustRegister(poolMembers)
	prom.MustRegister(poolStarts)
	prom.MustRegister(poolPruned)
}
