package cli

import (
	"context"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ChuLiYu/gpuq/internal/gpu"
	"github.com/ChuLiYu/gpuq/internal/joblog"
	"github.com/ChuLiYu/gpuq/internal/jobtable"
	"github.com/ChuLiYu/gpuq/internal/launcher"
	"github.com/ChuLiYu/gpuq/internal/metrics"
	"github.com/ChuLiYu/gpuq/internal/worker"
)

// ============================================================================
// worker
// ============================================================================

func buildWorkerCommand(a *app) *cobra.Command {
	var (
		id    string
		index int
	)

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run one scheduler loop in the foreground",
		Long: `Run one scheduler loop: claim the best WAITING job, wait for GPU memory,
run it as its owner, record the outcome, repeat every worker.poll_interval.
Several workers may share one table; serve starts worker.count of them.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				id = worker.NewWorkerID()
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.runWorker(ctx, id, index)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "worker id, random when empty")
	cmd.Flags().IntVar(&index, "index", 0, "worker index, offsets the metrics and health ports")
	return cmd
}

func (a *app) runWorker(ctx context.Context, id string, index int) error {
	log := logrus.WithField("worker", id)

	tbl, err := a.table()
	if err != nil {
		return err
	}
	events, err := joblog.Open(joblog.PathFor(tbl.Path()), os.Stderr)
	if err != nil {
		return err
	}
	defer events.Close()

	opts := []worker.Option{worker.WithEventLog(events), worker.WithLogger(logrus.StandardLogger())}

	if a.cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		opts = append(opts, worker.WithMetrics(metrics.NewCollector(reg, id)))
		port := a.cfg.Metrics.Port + 1 + index
		go func() {
			if err := metrics.Serve(ctx, port, reg); err != nil {
				log.WithError(err).Error("metrics server failed")
			}
		}()
	}

	if a.cfg.Worker.HealthAddr != "" {
		addr, err := offsetPort(a.cfg.Worker.HealthAddr, index)
		if err != nil {
			return err
		}
		h := worker.NewHealth()
		opts = append(opts, worker.WithStatus(h))
		go func() {
			if err := h.ListenAndServe(ctx, addr); err != nil {
				log.WithError(err).Error("health server failed")
			}
		}()
	}

	w := worker.New(worker.Config{
		ID:              id,
		PollInterval:    a.cfg.Worker.PollInterval,
		DeviceFlag:      a.cfg.Worker.DeviceFlag,
		MultiDeviceFlag: a.cfg.Worker.MultiDeviceFlag,
		PythonToken:     a.cfg.Worker.PythonToken,
	}, tbl, gpu.NewArbiter(a.gpuTelemetry(), log), launcher.New(), opts...)

	events.Info("Worker %s started on %s", id, tbl.Path())
	err = w.Run(ctx)
	events.Info("Worker %s stopped", id)
	return err
}

// offsetPort adds n to the port of a host:port address
func offsetPort(addr string, n int) (string, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", errors.Wrapf(err, "health address %q", addr)
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return "", errors.Wrapf(err, "health address %q", addr)
	}
	return net.JoinHostPort(host, strconv.Itoa(p+n)), nil
}

// ============================================================================
// serve
// ============================================================================

func buildServeCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run worker.count worker processes until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	if a.cfg.Metrics.Enabled {
		tbl, err := a.table()
		if err != nil {
			return err
		}
		reg := prometheus.NewRegistry()
		queue := metrics.NewQueueCollector(reg)
		go watchQueue(ctx, tbl, queue, a.cfg.Worker.PollInterval)
		go func() {
			if err := metrics.Serve(ctx, a.cfg.Metrics.Port, reg); err != nil {
				logrus.WithError(err).Error("metrics server failed")
			}
		}()
	}

	logrus.WithFields(logrus.Fields{
		"workers": a.cfg.Worker.Count,
		"table":   a.cfg.Table.Path,
	}).Info("starting workers")

	sup := worker.NewSupervisor(worker.SupervisorConfig{
		Count:   a.cfg.Worker.Count,
		Stagger: a.cfg.Worker.PollInterval,
		Args:    a.workerArgs,
	}, logrus.StandardLogger())
	return sup.Run(ctx)
}

// workerArgs command line of worker process i
func (a *app) workerArgs(i int, id string) []string {
	return []string{
		"worker",
		"--config", a.configPath(),
		"--log-level", a.logLevel,
		"--id", id,
		"--index", strconv.Itoa(i),
	}
}

// watchQueue refreshes the per-state gauges every interval
func watchQueue(ctx context.Context, tbl *jobtable.Table, q *metrics.QueueCollector, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		if jobs, err := tbl.Read(ctx); err != nil {
			logrus.WithError(err).Warn("queue metrics refresh failed")
		} else {
			q.Update(jobs)
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}
