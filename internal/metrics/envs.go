// SPDX-License-Identifier: MIT

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	envCreateDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gridrun_env_create_duration_seconds",
		Help:    "Time spent creating an isolated interpreter environment",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 10), // 0.5s .. ~4m
	}, []string{"interpreter", "outcome"}) // outcome=success|failure

	envCacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gridrun_env_cache_lookups_total",
		Help: "Environment reuse cache lookups by result",
	}, []string{"result"}) // result=hit|miss|error

	envsRemoved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gridrun_envs_removed_total",
		Help: "Isolated environments removed after job completion or sweep",
	})

	packagesResolved = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gridrun_env_packages_resolved",
		Help:    "Number of packages reported by the resolver per environment",
		Buckets: []float64{5, 10, 25, 50, 100, 200, 400},
	})
)

func ObserveEnvCreate(interpreter, outcome string, d time.Duration) {
	envCreateDuration.WithLabelValues(interpreter, outcome).Observe(d.Seconds())
}

func IncEnvCacheLookup(result string) { envCacheLookups.WithLabelValues(result).Inc() }
func IncEnvRemoved()                  { envsRemoved.Inc() }
func RecordPackagesResolved(n int)    { packagesResolved.Observe(float64(n)) }
