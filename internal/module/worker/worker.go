package worker

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/project-tktt/graph-extractor/internal/common/sink"
	"github.com/project-tktt/graph-extractor/internal/domain"
	"go.uber.org/zap"
)

// Consumer yields batches of queued records and takes back the ones that
// could not be stored
type Consumer interface {
	ConsumeBatch(ctx context.Context, maxBatch int) ([]*domain.Record, error)
	Requeue(ctx context.Context, recs []*domain.Record) error
}

// BatchObserver is told about every sink write
type BatchObserver interface {
	ObserveBatch(sink string, n int, took time.Duration, err error)
}

// Worker drains the record queue into the configured sinks
type Worker struct {
	consumer Consumer
	sink     sink.Sink
	sinkName string
	observer BatchObserver
	logger   *zap.Logger

	batchSize    int
	concurrency  int
	errorBackoff time.Duration
}

// Config holds worker configuration
type Config struct {
	Concurrency int
	BatchSize   int
	// Pause after a failed consume or store before polling again
	ErrorBackoff time.Duration
	// Label used for sink metrics
	SinkName string
}

// NewWorker creates a new worker
func NewWorker(consumer Consumer, s sink.Sink, observer BatchObserver, cfg Config, logger *zap.Logger) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = time.Second
	}
	if cfg.SinkName == "" {
		cfg.SinkName = "sinks"
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Worker{
		consumer:     consumer,
		sink:         s,
		sinkName:     cfg.SinkName,
		observer:     observer,
		logger:       logger.With(zap.String("component", "worker")),
		batchSize:    cfg.BatchSize,
		concurrency:  cfg.Concurrency,
		errorBackoff: cfg.ErrorBackoff,
	}
}

// Run starts the worker pool and blocks until ctx is cancelled
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("Starting worker pool", zap.Int("workers", w.concurrency), zap.Int("batch_size", w.batchSize))

	var wg sync.WaitGroup
	for i := 0; i < w.concurrency; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			w.runSingle(ctx, workerID)
		}(i)
	}
	wg.Wait()

	return ctx.Err()
}

func (w *Worker) runSingle(ctx context.Context, workerID int) {
	log := w.logger.With(zap.Int("worker_id", workerID))
	log.Debug("Worker started")

	for {
		if ctx.Err() != nil {
			log.Debug("Worker stopping")
			return
		}

		// ConsumeBatch blocks on the first item, so an empty queue does not spin
		recs, err := w.consumer.ConsumeBatch(ctx, w.batchSize)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			log.Warn("Consume failed", zap.Error(err))
			sleep(ctx, w.errorBackoff)
			// A partial batch may still have been read
			if len(recs) == 0 {
				continue
			}
		}
		if len(recs) == 0 {
			continue
		}

		if err := w.store(ctx, recs); err != nil {
			log.Error("Sink write failed, requeueing batch", zap.Int("records", len(recs)), zap.Error(err))
			// ctx may already be cancelled; the batch must still go back
			if err := w.consumer.Requeue(context.WithoutCancel(ctx), recs); err != nil {
				log.Error("Requeue failed, batch lost", zap.Int("records", len(recs)), zap.Error(err))
			}
			sleep(ctx, w.errorBackoff)
			continue
		}
		log.Debug("Records stored", zap.Int("records", len(recs)))
	}
}

func (w *Worker) store(ctx context.Context, recs []*domain.Record) error {
	start := time.Now()
	err := w.sink.BulkWrite(ctx, recs)
	if w.observer != nil {
		w.observer.ObserveBatch(w.sinkName, len(recs), time.Since(start), err)
	}
	return errors.Wrapf(err, "write %d records", len(recs))
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
