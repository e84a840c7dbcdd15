// Package metrics records migration outcomes as Prometheus metrics. A
// migration run is a batch job, so the collectors are pushed to a
// Pushgateway once the run ends.
package metrics

import (
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	"schemamigrator/internal/domain"
)

const namespace = "schemamigrator"

type Collector struct {
	registry    *prometheus.Registry
	executed    *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	lastSuccess prometheus.Gauge
}

func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		executed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "migrations_executed_total",
			Help:      "Migrations executed, by direction and outcome.",
		}, []string{"direction", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "migration_duration_seconds",
			Help:      "Time spent running one migration transaction.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"direction"}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "migration_last_success_id",
			Help:      "Id of the last migration committed in this run.",
		}),
	}
	c.registry.MustRegister(c.executed, c.duration, c.lastSuccess)
	return c
}

// Gatherer exposes the run's metrics, e.g. for a /metrics handler.
func (c *Collector) Gatherer() prometheus.Gatherer {
	return c.registry
}

func (c *Collector) MigrationFinished(d domain.Descriptor, direction domain.Direction, duration time.Duration, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	c.executed.WithLabelValues(direction.String(), outcome).Inc()
	c.duration.WithLabelValues(direction.String()).Observe(duration.Seconds())
	if err == nil {
		c.lastSuccess.Set(float64(d.ID))
	}
}

// Push sends the registry to a Pushgateway under job, grouped by target.
func (c *Collector) Push(url, job, target string) error {
	err := push.New(url, job).
		Grouping("target", target).
		Gatherer(c.registry).
		Push()
	return errors.Wrap(err, "push migration metrics")
}
