// ============================================================================
// gpuq Metrics - Prometheus instrumentation
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: Worker and queue metrics exposed on /metrics
//
// Metrics:
//
//   Worker (one registry per worker process, labelled with the worker id):
//     gpuq_jobs_claimed_total             jobs taken from the table
//     gpuq_jobs_finished_total            exit code 0
//     gpuq_jobs_failed_total              non-zero exit, launch failure, interrupt
//     gpuq_jobs_capacity_exceeded_total   GPU request larger than the host
//     gpuq_worker_idle                    1 while no job is waiting
//     gpuq_job_run_seconds                process wall time
//     gpuq_gpu_wait_seconds               time spent waiting for GPU memory
//
//   Queue (served by the supervisor, refreshed from the table):
//     gpuq_jobs{state="..."}              jobs per state
//
// Every Record method is a no-op on a nil *Collector, so callers do not
// need to check whether metrics are enabled.
//
// ============================================================================

package metrics

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/ChuLiYu/gpuq/pkg/types"
)

const namespace = "gpuq"

// Collector worker metrics
type Collector struct {
	jobsClaimed          prometheus.Counter
	jobsFinished         prometheus.Counter
	jobsFailed           prometheus.Counter
	jobsCapacityExceeded prometheus.Counter

	idle prometheus.Gauge

	runDuration prometheus.Histogram
	gpuWait     prometheus.Histogram
}

// NewCollector registers worker metrics on reg
func NewCollector(reg prometheus.Registerer, workerID string) *Collector {
	labels := prometheus.Labels{"worker": workerID}
	c := &Collector{
		jobsClaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "jobs_claimed_total",
			Help:        "Total number of jobs claimed from the table",
			ConstLabels: labels,
		}),
		jobsFinished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "jobs_finished_total",
			Help:        "Total number of jobs that exited with code 0",
			ConstLabels: labels,
		}),
		jobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "jobs_failed_total",
			Help:        "Total number of jobs finalized as ERROR",
			ConstLabels: labels,
		}),
		jobsCapacityExceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "jobs_capacity_exceeded_total",
			Help:        "Total number of jobs requesting more GPU memory than installed",
			ConstLabels: labels,
		}),
		idle: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "worker_idle",
			Help:        "1 while the worker finds no waiting job",
			ConstLabels: labels,
		}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "job_run_seconds",
			Help:        "Wall time of job processes in seconds",
			Buckets:     prometheus.ExponentialBuckets(1, 4, 10),
			ConstLabels: labels,
		}),
		gpuWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "gpu_wait_seconds",
			Help:        "Time claimed jobs waited for GPU memory in seconds",
			Buckets:     prometheus.ExponentialBuckets(1, 4, 10),
			ConstLabels: labels,
		}),
	}

	reg.MustRegister(
		c.jobsClaimed,
		c.jobsFinished,
		c.jobsFailed,
		c.jobsCapacityExceeded,
		c.idle,
		c.runDuration,
		c.gpuWait,
	)
	return c
}

// RecordClaim a job was claimed
func (c *Collector) RecordClaim() {
	if c == nil {
		return
	}
	c.jobsClaimed.Inc()
}

// RecordGPUWait time between claim and admission
func (c *Collector) RecordGPUWait(wait time.Duration) {
	if c == nil {
		return
	}
	c.gpuWait.Observe(wait.Seconds())
}

// RecordFinished a job exited 0
func (c *Collector) RecordFinished(run time.Duration) {
	if c == nil {
		return
	}
	c.jobsFinished.Inc()
	c.runDuration.Observe(run.Seconds())
}

// RecordFailed a job ended as ERROR; run is zero if it never started
func (c *Collector) RecordFailed(run time.Duration) {
	if c == nil {
		return
	}
	c.jobsFailed.Inc()
	if run > 0 {
		c.runDuration.Observe(run.Seconds())
	}
}

// RecordCapacityExceeded a job can never fit this host
func (c *Collector) RecordCapacityExceeded() {
	if c == nil {
		return
	}
	c.jobsCapacityExceeded.Inc()
	c.jobsFailed.Inc()
}

// SetIdle marks the worker idle or busy
func (c *Collector) SetIdle(idle bool) {
	if c == nil {
		return
	}
	if idle {
		c.idle.Set(1)
	} else {
		c.idle.Set(0)
	}
}

// ============================================================================
// Queue gauges
// ============================================================================

// QueueCollector jobs per state, refreshed from table reads
type QueueCollector struct {
	jobs *prometheus.GaugeVec
}

// NewQueueCollector registers queue gauges on reg
func NewQueueCollector(reg prometheus.Registerer) *QueueCollector {
	q := &QueueCollector{
		jobs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs",
			Help:      "Current number of jobs per state",
		}, []string{"state"}),
	}
	reg.MustRegister(q.jobs)
	return q
}

// Update sets the per-state gauges from a table snapshot
func (q *QueueCollector) Update(jobs []*types.Job) {
	if q == nil {
		return
	}
	counts := make(map[types.State]int, len(types.States()))
	for _, j := range jobs {
		counts[j.State]++
	}
	for _, s := range types.States() {
		q.jobs.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}

// ============================================================================
// HTTP
// ============================================================================

// Serve exposes g on http://:port/metrics until ctx is done
func Serve(ctx context.Context, port int, g prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return errors.Wrapf(err, "metrics listen on %d", port)
	}
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("metrics server shutdown")
		}
	}()

	log.WithField("addr", lis.Addr().String()).Info("serving metrics")
	if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "metrics server")
	}
	return nil
}
