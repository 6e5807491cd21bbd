package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"DatasetFlow/internal/api"
	"DatasetFlow/internal/auth"
	"DatasetFlow/internal/observability/alerting"
	"DatasetFlow/internal/observability/metrics"
	"DatasetFlow/internal/pipeline"
	"DatasetFlow/internal/plugin"
	"DatasetFlow/internal/plugins/builtin"
	"DatasetFlow/internal/processor"
	"DatasetFlow/internal/worker"
	"DatasetFlow/pkg/logger"
)

var (
	serveNoWorkers bool
	serveNoAPI     bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API server and the worker pool",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx)
	},
}

func init() {
	serveCmd.Flags().BoolVar(&serveNoWorkers, "no-workers", false, "只提供 API，不认领任务")
	serveCmd.Flags().BoolVar(&serveNoAPI, "no-api", false, "只运行工作池")
}

func serve(ctx context.Context) error {
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	log := logger.Named("datasetflowd")
	cfg := a.cfg

	g, ctx := errgroup.WithContext(ctx)

	if !serveNoWorkers {
		pool := worker.New(worker.Config{
			PollInterval:      cfg.Queue.PollInterval(),
			HeartbeatInterval: cfg.Queue.HeartbeatInterval(),
			OrphanTimeout:     cfg.Queue.OrphanTimeout(),
			DefaultMaxWorkers: cfg.Queue.DefaultMaxWorkers,
			RetryBackoff: plugin.Backoff{
				Initial:    time.Duration(cfg.Queue.RetryInitialSeconds) * time.Second,
				Max:        time.Duration(cfg.Queue.RetryMaxSeconds) * time.Second,
				Multiplier: 2,
			},
		}, a.queue, a.datasets, a.registry, processor.NewRunner(a.datasets, a.results, a.registry),
			worker.WithNotifier(a.notifier),
			worker.WithHost(a.service),
			worker.WithAlertDispatcher(alerting.NewFanout(&alerting.LogNotifier{})),
		)
		a.service.SetInterrupter(pool)
		g.Go(func() error { return pool.Run(ctx) })

		if err := scheduleRetention(ctx, a.service, cfg.Retention.ExpireAfter(), cfg.Retention.Interval()); err != nil {
			return err
		}
	}

	if !serveNoAPI {
		authSvc, err := auth.NewService(cfg.Auth)
		if err != nil {
			return err
		}
		server := api.NewServer(cfg.Server.Address, a.service, authSvc)
		g.Go(func() error { return server.Start(ctx) })
	}

	if cfg.Server.MetricsAddress != "" {
		g.Go(func() error { return metrics.StartServer(ctx, cfg.Server.MetricsAddress) })
	}

	log.Info("datasetflowd 已启动", "version", version, "api", !serveNoAPI, "workers", !serveNoWorkers)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("datasetflowd 已退出")
	return nil
}

// scheduleRetention 注册过期数据集的周期清理任务。
func scheduleRetention(ctx context.Context, svc *pipeline.Service, expireAfter, interval time.Duration) error {
	if expireAfter <= 0 {
		return nil
	}
	_, _, err := svc.EnqueueRecurring(ctx, pipeline.RecurringRequest{
		Type:       builtin.TypeExpireDatasets,
		RemoteID:   "retention",
		Interval:   interval,
		Parameters: map[string]any{"expire_after": expireAfter.String()},
	})
	return err
}
