package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "kiln"

// Build metrics backed by a private registry.
type Collector struct {
	registry      *prometheus.Registry
	builds        *prometheus.CounterVec
	cacheLookups  *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	stageSteps    *prometheus.CounterVec
	inFlight      prometheus.Gauge
}

// Creates a [Collector] with all metrics registered.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		builds: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "builds_total",
				Help:      "Finished builds by result.",
			},
			[]string{"result"},
		),
		cacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_lookups_total",
				Help:      "Stage cache lookups by outcome.",
			},
			[]string{"stage", "outcome"},
		),
		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Wall time of a stage from container start to completion.",
				Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
			},
			[]string{"stage"},
		),
		stageSteps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stage_steps_total",
				Help:      "Stage operations by whether they were restored from cache or executed.",
			},
			[]string{"stage", "source"},
		),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "builds_in_flight",
			Help:      "Builds currently running.",
		}),
	}

	c.registry.MustRegister(
		c.builds,
		c.cacheLookups,
		c.stageDuration,
		c.stageSteps,
		c.inFlight,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Records a cache lookup for a stage.
func (c *Collector) CacheLookup(stage string, hit bool) {
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	c.cacheLookups.WithLabelValues(stage, outcome).Inc()
}

// Records a completed stage.
func (c *Collector) StageCompleted(stage string, cached, executed int, elapsed time.Duration) {
	c.stageDuration.WithLabelValues(stage).Observe(elapsed.Seconds())
	c.stageSteps.WithLabelValues(stage, "cache").Add(float64(cached))
	c.stageSteps.WithLabelValues(stage, "executed").Add(float64(executed))
}

// Marks a build as started.
func (c *Collector) BuildStarted() {
	c.inFlight.Inc()
}

// Marks a build as finished with the given error.
func (c *Collector) BuildFinished(err error) {
	c.inFlight.Dec()
	result := "success"
	if err != nil {
		result = "failure"
	}
	c.builds.WithLabelValues(result).Inc()
}

// Returns an HTTP handler serving the registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}
