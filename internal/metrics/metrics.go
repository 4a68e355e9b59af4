package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	deployCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: "playground",
			Name:      "deploy_total",
			Help:      "Count of session deployments, per repository template.",
		},
		[]string{"template"},
	)
	deployFailuresCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: "playground",
			Name:      "deploy_failures_total",
			Help:      "Count of failed session deployments, per repository template.",
		},
		[]string{"template"},
	)
	undeployCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Subsystem: "playground",
			Name:      "undeploy_total",
			Help:      "Count of session teardowns.",
		},
	)
	undeployFailuresCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Subsystem: "playground",
			Name:      "undeploy_failures_total",
			Help:      "Count of failed session teardowns.",
		},
	)
	deployDurationHistogram = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Subsystem: "playground",
			Name:      "deploy_duration_seconds",
			Help:      "Time from session submission to first observed running or failed state.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		},
	)
)

var registerMetrics sync.Once

// Register installs all collectors on the default registry.
func Register() {
	registerMetrics.Do(func() {
		prometheus.MustRegister(deployCounter)
		prometheus.MustRegister(deployFailuresCounter)
		prometheus.MustRegister(undeployCounter)
		prometheus.MustRegister(undeployFailuresCounter)
		prometheus.MustRegister(deployDurationHistogram)
	})
}

func RecordDeploy(template string) {
	deployCounter.WithLabelValues(template).Inc()
}

func RecordDeployFailure(template string) {
	deployFailuresCounter.WithLabelValues(template).Inc()
}

func RecordUndeploy() {
	undeployCounter.Inc()
}

func RecordUndeployFailure() {
	undeployFailuresCounter.Inc()
}

func ObserveDeployDuration(d time.Duration) {
	deployDurationHistogram.Observe(d.Seconds())
}
