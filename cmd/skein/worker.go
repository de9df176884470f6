package main

import (
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/skeinworks/skein/engine"
	"github.com/skeinworks/skein/worker"
)

func newWorkerCmd() *cobra.Command {
	var (
		workers      int
		pollInterval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a worker pool until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, s, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()
			if err := s.Init(cmd.Context()); err != nil {
				return err
			}

			log, err := newLogger()
			if err != nil {
				return err
			}
			defer log.Sync()

			if workers == 0 {
				workers = cfg.Worker.Count
			}
			if pollInterval == 0 {
				pollInterval = cfg.Worker.PollInterval
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			eng := engine.New(s, engine.WithLogger(log))
			pool := worker.New(eng,
				worker.WithWorkers(workers),
				worker.WithPollInterval(pollInterval),
				worker.WithShutdownTimeout(cfg.Worker.ShutdownTimeout),
				worker.WithLogger(log),
			)

			log.Info("worker pool starting",
				zap.String("backend", cfg.Backend),
				zap.Int("workers", workers),
				zap.Duration("poll_interval", pollInterval),
			)
			if err := pool.Run(ctx); err != nil {
				return err
			}
			log.Info("worker pool stopped")
			return nil
		},
	}
	cmd.Flags().IntVar(&workers, "workers", 0, "number of concurrent workers (default from config)")
	cmd.Flags().DurationVar(&pollInterval, "poll-interval", 0, "idle polling interval (default from config)")
	return cmd
}
