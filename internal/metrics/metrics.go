// Package metrics collects Prometheus build metrics and exports them in the
// node-exporter textfile format.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds the build metrics. A nil *Collector records nothing.
type Collector struct {
	reg *prometheus.Registry

	BuildsTotal    *prometheus.CounterVec
	BuildDuration  prometheus.Gauge
	WarningsTotal  *prometheus.CounterVec
	ArtifactsTotal *prometheus.CounterVec
	ArtifactBytes  *prometheus.HistogramVec
	StageRuns      *prometheus.CounterVec
	CacheHits      prometheus.Gauge
	CacheMisses    prometheus.Gauge
}

// New creates a collector on its own registry.
func New() *Collector {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Collector{
		reg: reg,
		BuildsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "bundleweaver",
				Name:      "builds_total",
				Help:      "Builds run, by result",
			},
			[]string{"result"},
		),
		BuildDuration: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "bundleweaver",
				Name:      "build_duration_seconds",
				Help:      "Duration of the last build",
			},
		),
		WarningsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "bundleweaver",
				Name:      "warnings_total",
				Help:      "Advisory planning warnings, by kind",
			},
			[]string{"kind"},
		),
		ArtifactsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "bundleweaver",
				Name:      "artifacts_total",
				Help:      "Artifacts produced, by category",
			},
			[]string{"category"},
		),
		ArtifactBytes: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "bundleweaver",
				Name:      "artifact_bytes",
				Help:      "Size of emitted artifacts",
				Buckets:   prometheus.ExponentialBuckets(1024, 4, 8),
			},
			[]string{"category"},
		),
		StageRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "bundleweaver",
				Name:      "stage_runs_total",
				Help:      "External stage invocations, by stage and result",
			},
			[]string{"stage", "result"},
		),
		CacheHits: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "bundleweaver",
				Name:      "cache_hits",
				Help:      "Transform cache hits in the last build",
			},
		),
		CacheMisses: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "bundleweaver",
				Name:      "cache_misses",
				Help:      "Transform cache misses in the last build",
			},
		),
	}
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.reg
}

func (c *Collector) BuildFinished(err error, d time.Duration) {
	if c == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	c.BuildsTotal.WithLabelValues(result).Inc()
	c.BuildDuration.Set(d.Seconds())
}

func (c *Collector) Warning(kind string) {
	if c == nil {
		return
	}
	c.WarningsTotal.WithLabelValues(kind).Inc()
}

func (c *Collector) Artifact(category string, size int64) {
	if c == nil {
		return
	}
	c.ArtifactsTotal.WithLabelValues(category).Inc()
	c.ArtifactBytes.WithLabelValues(category).Observe(float64(size))
}

func (c *Collector) Stage(stage string, err error) {
	if c == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.StageRuns.WithLabelValues(stage, result).Inc()
}

func (c *Collector) Cache(hits, misses int64) {
	if c == nil {
		return
	}
	c.CacheHits.Set(float64(hits))
	c.CacheMisses.Set(float64(misses))
}

// WriteTextfile writes the current values to path for a textfile collector.
func (c *Collector) WriteTextfile(path string) error {
	if c == nil || path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, c.reg); err != nil {
		return fmt.Errorf("write metrics: %w", err)
	}
	return nil
}
