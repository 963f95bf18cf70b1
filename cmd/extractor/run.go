package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/project-tktt/graph-extractor/internal/bootstrap"
	"github.com/project-tktt/graph-extractor/internal/common/dedup"
	"github.com/project-tktt/graph-extractor/internal/common/extractor"
	"github.com/project-tktt/graph-extractor/internal/common/normalizer"
	"github.com/project-tktt/graph-extractor/internal/common/sink"
	"github.com/project-tktt/graph-extractor/internal/config"
	"github.com/project-tktt/graph-extractor/internal/domain"
	"github.com/project-tktt/graph-extractor/internal/logger"
	"github.com/project-tktt/graph-extractor/internal/metrics"
	"github.com/project-tktt/graph-extractor/internal/module"
	"github.com/project-tktt/graph-extractor/internal/module/graph"
	"github.com/project-tktt/graph-extractor/internal/module/listing"
	"github.com/project-tktt/graph-extractor/internal/module/pipeline"
	"github.com/project-tktt/graph-extractor/internal/queue"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// shutdownTimeout bounds how long Wait may block after a cancel request.
// Cancel itself waits for a running callback, so once Wait returns no page
// is still being stored.
const shutdownTimeout = 30 * time.Second

func loadConfig() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	log := logger.New(logger.Options{Level: cfg.Log.Level, File: cfg.Log.File})
	return cfg, log, nil
}

func runExtraction(ctx context.Context, kind domain.SourceKind, sources []string, filters map[string]string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.NewDefault()
		go func() {
			if err := m.Serve(ctx, cfg.Metrics.Addr, log); err != nil {
				log.Error("Metrics endpoint failed", zap.Error(err))
			}
		}()
	}

	fetcher, err := newFetcher(cfg, kind, log)
	if err != nil {
		return err
	}

	pipe, closePipe, err := newPipeline(ctx, cfg, m, log)
	if err != nil {
		return err
	}
	defer closePipe()

	cols, err := sink.Columns(cfg.Export.Columns)
	if err != nil {
		return err
	}
	dir := cfg.Export.Dir
	if outputDir != "" {
		dir = outputDir
	}

	opts := cfg.ExtractorOptions()
	if m != nil {
		opts.Observer = m
	}

	q := extractor.Query{
		Kind:     kind,
		Fields:   fieldList,
		PageSize: pageSize,
		Filters:  filters,
	}
	if q.PageSize <= 0 {
		q.PageSize = cfg.Graph.PageSize
	}

	exp := newExporter(dir, cols, cfg.Export.BOM, streamCSV, log)
	defer exp.Close()

	mgr := module.NewManager(log)
	for _, src := range sourceIDs(sources) {
		norm := normalizer.NewNormalizer(kind, src, normalizer.WithKeyField(cfg.Listing.KeyField))
		ex := extractor.NewExtractor(fetcher, norm, opts, log)

		if _, err := mgr.Start(ctx, ex, src, q, sessionHandler(ctx, pipe, exp, log)); err != nil {
			log.Error("Session not started", zap.String("source_id", src), zap.Error(err))
		}
	}
	if len(mgr.List()) == 0 {
		return errors.New("no session could be started")
	}

	waitCtx, waitCancel := context.WithCancel(context.Background())
	defer waitCancel()

	stop := watchSignals(mgr, log, func() {
		time.AfterFunc(shutdownTimeout, waitCancel)
	})
	defer stop()

	if err := mgr.Wait(waitCtx); err != nil {
		log.Warn("Shutdown timeout, forcing exit")
	}

	return summarize(mgr.Progress(), mgr.List())
}

func newFetcher(cfg *config.Config, kind domain.SourceKind, log *zap.Logger) (extractor.PageFetcher, error) {
	if kind == domain.KindListing {
		return listing.NewFetcher(listing.Config{
			UserAgent:    cfg.Listing.UserAgent,
			RequestDelay: cfg.Listing.RequestDelay,
			Timeout:      cfg.Listing.Timeout,
			ProxyURL:     cfg.Listing.ProxyURL,
		}, log)
	}

	if cfg.Graph.AccessToken == "" {
		return nil, errors.WithHint(errors.New("graph.access_token is not set"),
			"set it in the config file or export EXTRACTOR_GRAPH_ACCESS_TOKEN")
	}
	return graph.NewFetcher(graph.Config{
		BaseURL:         cfg.Graph.BaseURL,
		Version:         cfg.Graph.Version,
		Timeout:         cfg.Graph.Timeout,
		RequestsPerHour: cfg.Graph.RequestsPerHour,
		UserAgent:       cfg.Graph.UserAgent,
		DefaultPageSize: cfg.Graph.PageSize,
	}, graph.StaticToken(cfg.Graph.AccessToken), log), nil
}

// newPipeline wires dedup, queue and stores as configured. Redis is only
// dialled when dedup or the queue needs it.
func newPipeline(ctx context.Context, cfg *config.Config, m *metrics.Metrics, log *zap.Logger) (*pipeline.Pipeline, func(), error) {
	var opts []pipeline.Option
	var closers []func() error

	var rdb *redis.Client
	if cfg.Pipeline.Dedup || cfg.Pipeline.Queue {
		var err error
		rdb, err = bootstrap.Redis(ctx, cfg.Redis)
		if err != nil {
			return nil, nil, errors.WithHint(err, "disable pipeline.dedup and pipeline.queue to run without Redis")
		}
		closers = append(closers, rdb.Close)
		log.Info("Redis connected", zap.String("addr", cfg.Redis.Addr))
	}

	if cfg.Pipeline.Dedup {
		opts = append(opts, pipeline.WithDedup(dedup.NewDeduplicator(rdb, cfg.Redis.DedupPrefix, cfg.Redis.DedupTTL)))
	}

	if cfg.Pipeline.Queue {
		opts = append(opts, pipeline.WithPublisher(queue.NewPublisher(rdb, cfg.Redis.RecordQueue)))
	} else {
		stores, err := bootstrap.OpenStores(ctx, cfg, log)
		if err != nil {
			closeAll(closers, log)
			return nil, nil, err
		}
		closers = append(closers, stores.Close)
		if !stores.Empty() {
			opts = append(opts, pipeline.WithSink(stores.Name(), stores.Sink))
		}
	}
	if m != nil {
		opts = append(opts, pipeline.WithObserver(m))
	}

	return pipeline.New(log, opts...), func() { closeAll(closers, log) }, nil
}

func closeAll(closers []func() error, log *zap.Logger) {
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			log.Warn("Close failed", zap.Error(err))
		}
	}
}

// sourceIDs trims the given ids and drops blank ones
func sourceIDs(args []string) []string {
	ids := make([]string, 0, len(args))
	for _, a := range args {
		if a = strings.TrimSpace(a); a != "" {
			ids = append(ids, a)
		}
	}
	return ids
}

// sessionHandler streams each page into the pipeline and exports the
// session's records, partial on failure
func sessionHandler(ctx context.Context, pipe *pipeline.Pipeline, exp *exporter, log *zap.Logger) extractor.Handler {
	return extractor.Handler{
		OnPage: func(records []*domain.Record, s *extractor.Session) {
			if err := pipe.Handle(ctx, records); err != nil {
				log.Error("Store page failed", zap.String("session_id", s.ID), zap.Error(err))
			}
			exp.page(ctx, s, records)
		},
		OnProgress: func(s *extractor.Session) {
			p := s.Progress()
			log.Debug("Progress",
				zap.String("source_id", p.SourceID),
				zap.Int("records", p.Records),
				zap.Int("estimated_total", p.EstimatedTotal),
				zap.Float64("percent", p.Percent),
			)
		},
		OnError: func(err *extractor.Error, s *extractor.Session) {
			exp.finish(s)
		},
		OnDone: exp.finish,
	}
}

// exportName builds e.g. comments_123_456_20240305T102030.csv
func exportName(s *extractor.Session) string {
	src := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		}
		return '-'
	}, s.SourceID)
	if len(src) > 64 {
		src = src[:64]
	}
	return fmt.Sprintf("%s_%s_%s.csv", s.Query.Kind, src, s.StartedAt.UTC().Format("20060102T150405"))
}

// watchSignals maps SIGINT/SIGTERM to cancel and SIGUSR1 to pause/resume.
// onCancel runs after every cancel request.
func watchSignals(mgr *module.Manager, log *zap.Logger, onCancel func()) func() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-done:
				return
			case sig := <-sigChan:
				if sig == syscall.SIGUSR1 {
					if mgr.Toggle() {
						log.Info("Sessions paused, send SIGUSR1 again to resume")
					} else {
						log.Info("Sessions resumed")
					}
					continue
				}
				log.Info("Shutdown signal received, cancelling sessions", zap.Stringer("signal", sig))
				mgr.CancelAll()
				onCancel()
			}
		}
	}()

	return func() {
		signal.Stop(sigChan)
		close(done)
	}
}

// summarize prints one line per session and fails when any session failed
func summarize(progress []extractor.Progress, sessions []*extractor.Session) error {
	var failed error
	for i, p := range progress {
		fmt.Printf("%-16s %-10s pages=%d records=%d took=%s\n",
			p.SourceID, p.State, p.Pages, p.Records, sessions[i].Duration().Round(time.Millisecond))
		if p.State == extractor.Failed {
			failed = errors.CombineErrors(failed, errors.Wrapf(sessions[i].Err(), "source %s", p.SourceID))
		}
	}
	return failed
}
