package pipeline

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/project-tktt/graph-extractor/internal/common/sink"
	"github.com/project-tktt/graph-extractor/internal/domain"
	"go.uber.org/zap"
)

// Deduper drops records already stored by an earlier run. Records are
// marked only after they reached a store.
type Deduper interface {
	Filter(ctx context.Context, recs []*domain.Record) ([]*domain.Record, error)
	MarkSeen(ctx context.Context, recs []*domain.Record) error
}

// Publisher hands records to an asynchronous worker
type Publisher interface {
	PublishBatch(ctx context.Context, recs []*domain.Record) error
}

// BatchObserver is told about every sink write
type BatchObserver interface {
	ObserveBatch(sink string, n int, took time.Duration, err error)
}

// Pipeline moves the records of each extracted page to storage: optional
// cross-run dedup, then either the queue or the sinks directly
type Pipeline struct {
	dedup     Deduper
	publisher Publisher
	sink      sink.Sink
	sinkName  string
	observer  BatchObserver
	logger    *zap.Logger
}

// Option configures a Pipeline
type Option func(*Pipeline)

// WithDedup enables cross-run dedup
func WithDedup(d Deduper) Option {
	return func(p *Pipeline) { p.dedup = d }
}

// WithPublisher routes records to a queue instead of the sink
func WithPublisher(pub Publisher) Option {
	return func(p *Pipeline) { p.publisher = pub }
}

// WithSink writes records to s, labelled name in metrics
func WithSink(name string, s sink.Sink) Option {
	return func(p *Pipeline) {
		p.sinkName = name
		p.sink = s
	}
}

// WithObserver reports sink writes
func WithObserver(o BatchObserver) Option {
	return func(p *Pipeline) { p.observer = o }
}

// New creates a pipeline. With neither sink nor publisher, pages are only
// kept in their sessions.
func New(logger *zap.Logger, opts ...Option) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pipeline{logger: logger.With(zap.String("component", "pipeline"))}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Handle processes the new records of one page
func (p *Pipeline) Handle(ctx context.Context, recs []*domain.Record) error {
	if len(recs) == 0 {
		return nil
	}

	if p.dedup != nil {
		fresh, err := p.dedup.Filter(ctx, recs)
		if err != nil {
			// Storing twice is harmless since every sink upserts
			p.logger.Warn("Dedup unavailable, storing whole page", zap.Error(err))
		} else {
			if skipped := len(recs) - len(fresh); skipped > 0 {
				p.logger.Debug("Unchanged records skipped", zap.Int("skipped", skipped))
			}
			recs = fresh
		}
		if len(recs) == 0 {
			return nil
		}
	}

	if p.publisher != nil {
		if err := p.publisher.PublishBatch(ctx, recs); err != nil {
			return errors.Wrap(err, "publish records")
		}
		p.markSeen(ctx, recs)
		return nil
	}

	if p.sink == nil {
		return nil
	}
	start := time.Now()
	err := p.sink.BulkWrite(ctx, recs)
	if p.observer != nil {
		p.observer.ObserveBatch(p.sinkName, len(recs), time.Since(start), err)
	}
	if err != nil {
		return errors.Wrapf(err, "write %s", p.sinkName)
	}
	p.markSeen(ctx, recs)
	return nil
}

// markSeen records stored records for the next run. A failure only means
// the next run stores them again.
func (p *Pipeline) markSeen(ctx context.Context, recs []*domain.Record) {
	if p.dedup == nil {
		return
	}
	if err := p.dedup.MarkSeen(ctx, recs); err != nil {
		p.logger.Warn("Dedup mark failed", zap.Int("records", len(recs)), zap.Error(err))
	}
}
