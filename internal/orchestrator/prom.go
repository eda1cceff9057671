package orchestrator

import (
	prom "github.com/prometheus/client_golang/prometheus"
)

const (
	promNamespace = "slicerun"
	promSubsystem = "orchestrator"
)

var (
	attemptsTotal = prom.NewCounter(prom.CounterOpts{
		Namespace: promNamespace,
		Subsystem: promSubsystem,
		Name:      "attempts",
		Help:      "attempts made to run a task across its slices",
	})
	outcomesTotal = prom.NewCounterVec(prom.CounterOpts{
		Namespace: promNamespace,
		Subsystem: promSubsystem,
		Name:      "outcomes",
		Help:      "how dispatched units ended, by kind",
	}, []string{"kind"})
	retriesTotal = prom.NewCounterVec(prom.CounterOpts{
		Namespace: promNamespace,
		Subsystem: promSubsystem,
		Name:      "retries",
		Help:      "attempts retried, by the reason for the retry",
	}, []string{"reason"})
	runsTotal = prom.NewCounterVec(prom.CounterOpts{
		Namespace: promNamespace,
		Subsystem: promSubsystem,
		Name:      "runs",
		Help:      "finished runs, by result",
	}, []string{"result"})
	attemptSeconds = prom.NewHistogram(prom.HistogramOpts{
		Namespace: promNamespace,
		Subsystem: promSubsystem,
		Name:      "attempt_seconds",
		Help:      "duration of attempts",
		Buckets:   prom.ExponentialBuckets(1, 4, 10),
	})
)

func init() {
	prom.MustRegister(attemptsTotal)
	prom.MustRegister(outcomesTotal)
	prom.MustRegister(retriesTotal)
	prom.MustRegister(runsTotal)
	prom.MustRegister(attemptSeconds)
}
