package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/project-tktt/graph-extractor/internal/bootstrap"
	"github.com/project-tktt/graph-extractor/internal/config"
	"github.com/project-tktt/graph-extractor/internal/logger"
	"github.com/project-tktt/graph-extractor/internal/metrics"
	"github.com/project-tktt/graph-extractor/internal/module/worker"
	"github.com/project-tktt/graph-extractor/internal/queue"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "worker",
	Short: "Drain the extracted record queue into the configured stores",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(configPath)
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "", "Config file (default ./config/extractor.yaml or ./extractor.yaml)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		for _, hint := range errors.GetAllHints(err) {
			fmt.Fprintf(os.Stderr, "Hint: %s\n", hint)
		}
		os.Exit(1)
	}
}

func run(path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	log := logger.New(logger.Options{Level: cfg.Log.Level, File: cfg.Log.File})
	defer log.Sync()
	log.Info("Starting record worker")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rdb, err := bootstrap.Redis(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer rdb.Close()
	log.Info("Redis connected", zap.String("addr", cfg.Redis.Addr))

	stores, err := bootstrap.OpenStores(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer stores.Close()
	if stores.Empty() {
		return errors.WithHint(errors.New("no store enabled"), "enable postgres or elasticsearch")
	}

	var observer worker.BatchObserver
	if cfg.Metrics.Enabled {
		m := metrics.NewDefault()
		observer = m
		go func() {
			if err := m.Serve(ctx, cfg.Metrics.Addr, log); err != nil {
				log.Error("Metrics endpoint failed", zap.Error(err))
			}
		}()
	}

	consumer := queue.NewConsumer(rdb, cfg.Redis.RecordQueue, cfg.Worker.PollTimeout, log)
	w := worker.NewWorker(consumer, stores.Sink, observer, worker.Config{
		Concurrency: cfg.Worker.Concurrency,
		BatchSize:   cfg.Worker.BatchSize,
		SinkName:    stores.Name(),
	}, log)

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("Worker error", zap.Error(err))
		}
	}()

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Info("Shutdown signal received, stopping...")
	cancel()

	select {
	case <-done:
		log.Info("Graceful shutdown complete")
	case <-time.After(30 * time.Second):
		log.Warn("Shutdown timeout, forcing exit")
	}
	return nil
}
