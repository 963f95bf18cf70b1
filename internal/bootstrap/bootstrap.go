// Package bootstrap opens the shared backends both binaries need.
package bootstrap

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/project-tktt/graph-extractor/internal/common/sink"
	"github.com/project-tktt/graph-extractor/internal/config"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Redis connects and pings
func Redis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, errors.Wrapf(err, "redis %s", cfg.Addr)
	}
	return rdb, nil
}

// Stores is the set of enabled record stores
type Stores struct {
	Sink    sink.Multi
	closers []func() error
}

// Name labels the store set in metrics, e.g. "postgres+elasticsearch"
func (s *Stores) Name() string {
	if len(s.Sink) == 0 {
		return "none"
	}
	names := make([]string, 0, len(s.Sink))
	for _, sk := range s.Sink {
		switch sk.(type) {
		case *sink.PostgresSink:
			names = append(names, "postgres")
		case *sink.ElasticsearchSink:
			names = append(names, "elasticsearch")
		default:
			names = append(names, "custom")
		}
	}
	return strings.Join(names, "+")
}

// Empty reports whether no store is enabled
func (s *Stores) Empty() bool {
	return len(s.Sink) == 0
}

// Close releases every store connection
func (s *Stores) Close() error {
	var errs error
	for _, c := range s.closers {
		errs = errors.CombineErrors(errs, c())
	}
	return errs
}

// OpenStores connects every store enabled in cfg. Postgres failures are
// fatal; an index that cannot be created is only logged.
func OpenStores(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Stores, error) {
	stores := &Stores{}

	if cfg.Postgres.Enabled {
		pg, err := sink.OpenPostgres(ctx, cfg.Postgres.ConnectionString, cfg.Postgres.Table, logger)
		if err != nil {
			return nil, err
		}
		stores.Sink = append(stores.Sink, pg)
		stores.closers = append(stores.closers, pg.Close)
		logger.Info("PostgreSQL connected", zap.String("table", cfg.Postgres.Table))
	}

	if cfg.Elasticsearch.Enabled {
		client, err := sink.NewElasticsearchClient(ctx, cfg.Elasticsearch.Addresses)
		if err != nil {
			stores.Close()
			return nil, errors.WithHint(err, "disable elasticsearch.enabled to run without it")
		}
		es := sink.NewElasticsearchSink(client, cfg.Elasticsearch.Index, logger)
		if err := es.EnsureIndex(ctx); err != nil {
			logger.Warn("Failed to ensure index", zap.String("index", cfg.Elasticsearch.Index), zap.Error(err))
		}
		stores.Sink = append(stores.Sink, es)
		logger.Info("Elasticsearch connected", zap.String("index", cfg.Elasticsearch.Index))
	}

	return stores, nil
}
