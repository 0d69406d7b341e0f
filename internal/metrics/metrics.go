// Package metrics exposes job and target counters for Prometheus.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/harvestbot/api/schemas"
)

const namespace = "harvestbot"

// Collector records job lifecycle measurements.
type Collector struct {
	registry *prometheus.Registry

	jobsStarted  *prometheus.CounterVec
	jobsFinished *prometheus.CounterVec
	targets      *prometheus.CounterVec
	active       prometheus.Gauge
	duration     *prometheus.HistogramVec
}

// New creates a Collector registered on its own registry, together with the
// Go runtime and process collectors.
func New() *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		registry: reg,
		jobsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_started_total",
			Help:      "Jobs that reached the preparing phase.",
		}, []string{"module"}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Jobs that reached a terminal state, by outcome.",
		}, []string{"module", "outcome"}),
		targets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "targets_total",
			Help:      "Targets processed, by result.",
		}, []string{"module", "result"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_jobs",
			Help:      "Jobs currently holding a browser or waiting for one.",
		}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Wall time from job start to its terminal state.",
			Buckets:   []float64{30, 60, 120, 300, 600, 1200, 1800, 3600, 7200},
		}, []string{"module", "outcome"}),
	}
	reg.MustRegister(
		c.jobsStarted, c.jobsFinished, c.targets, c.active, c.duration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// JobStarted counts a job entering PREPARING.
func (c *Collector) JobStarted(m schemas.Module) {
	c.jobsStarted.WithLabelValues(m.String()).Inc()
	c.active.Inc()
}

// JobFinished counts a terminal transition.
func (c *Collector) JobFinished(m schemas.Module, outcome schemas.Outcome, elapsed time.Duration) {
	c.jobsFinished.WithLabelValues(m.String(), string(outcome)).Inc()
	c.duration.WithLabelValues(m.String(), string(outcome)).Observe(elapsed.Seconds())
	c.active.Dec()
}

// TargetsProcessed adds a scrape run's per-target results.
func (c *Collector) TargetsProcessed(m schemas.Module, r schemas.JobReport) {
	c.targets.WithLabelValues(m.String(), "succeeded").Add(float64(r.Succeeded))
	c.targets.WithLabelValues(m.String(), "failed").Add(float64(r.Failed))
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (c *Collector) Serve(ctx context.Context, addr string, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()
	logger.Info("Metrics endpoint listening.", zap.String("address", addr))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("stopping metrics server: %w", err)
		}
		<-errCh
		return nil
	}
}
