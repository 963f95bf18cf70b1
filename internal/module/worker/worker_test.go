package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/project-tktt/graph-extractor/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// scriptedConsumer returns its batches in order, then blocks until ctx is done
type scriptedConsumer struct {
	mu      sync.Mutex
	batches  [][]*domain.Record
	errs     []error
	requeued []*domain.Record
}

func (c *scriptedConsumer) ConsumeBatch(ctx context.Context, _ int) ([]*domain.Record, error) {
	c.mu.Lock()
	if len(c.batches) > 0 {
		b, err := c.batches[0], c.errs[0]
		c.batches, c.errs = c.batches[1:], c.errs[1:]
		c.mu.Unlock()
		return b, err
	}
	c.mu.Unlock()

	<-ctx.Done()
	return nil, ctx.Err()
}

func (c *scriptedConsumer) Requeue(_ context.Context, recs []*domain.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requeued = append(c.requeued, recs...)
	c.batches = append([][]*domain.Record{recs}, c.batches...)
	c.errs = append([]error{nil}, c.errs...)
	return nil
}

func (c *scriptedConsumer) requeuedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requeued)
}

type memorySink struct {
	mu   sync.Mutex
	recs []*domain.Record
	// number of writes that fail before the sink recovers
	fail int
}

func (s *memorySink) BulkWrite(_ context.Context, recs []*domain.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail > 0 {
		s.fail--
		return errors.New("unavailable")
	}
	s.recs = append(s.recs, recs...)
	return nil
}

func (s *memorySink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.recs)
}

type batchCounter struct {
	mu     sync.Mutex
	n      int
	failed int
}

func (b *batchCounter) ObserveBatch(_ string, n int, _ time.Duration, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.n += n
	if err != nil {
		b.failed++
	}
}

func batch(keys ...string) []*domain.Record {
	out := make([]*domain.Record, 0, len(keys))
	for _, k := range keys {
		out = append(out, &domain.Record{Key: k, Kind: domain.KindComments})
	}
	return out
}

func TestWorker_DrainsQueueIntoSink(t *testing.T) {
	consumer := &scriptedConsumer{
		batches: [][]*domain.Record{batch("a", "b"), {}, batch("c")},
		errs:    []error{nil, nil, nil},
	}
	s := &memorySink{}
	obs := &batchCounter{}
	w := NewWorker(consumer, s, obs, Config{Concurrency: 2, BatchSize: 10}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return s.count() == 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("worker pool did not stop")
	}
	assert.Equal(t, 3, obs.n)
	assert.Zero(t, obs.failed)
}

func TestWorker_SurvivesErrors(t *testing.T) {
	consumer := &scriptedConsumer{
		batches: [][]*domain.Record{nil, batch("a"), batch("b")},
		errs:    []error{errors.New("connection refused"), errors.New("rpop"), nil},
	}
	s := &memorySink{}
	w := NewWorker(consumer, s, nil, Config{Concurrency: 1, ErrorBackoff: time.Millisecond}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	require.Eventually(t, func() bool { return s.count() == 2 }, 2*time.Second, 5*time.Millisecond,
		"partial batch and following batch are both stored")
}

func TestWorker_FailedBatchIsRequeuedAndStored(t *testing.T) {
	consumer := &scriptedConsumer{batches: [][]*domain.Record{batch("a", "b")}, errs: []error{nil}}
	s := &memorySink{fail: 1}
	obs := &batchCounter{}
	w := NewWorker(consumer, s, obs, Config{Concurrency: 1, ErrorBackoff: time.Millisecond}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	require.Eventually(t, func() bool { return s.count() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, consumer.requeuedCount())

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, 1, obs.failed)
}

func TestNewWorker_Defaults(t *testing.T) {
	w := NewWorker(&scriptedConsumer{}, &memorySink{}, nil, Config{}, nil)
	assert.Equal(t, 5, w.concurrency)
	assert.Equal(t, 100, w.batchSize)
	assert.Equal(t, time.Second, w.errorBackoff)
	assert.Equal(t, "sinks", w.sinkName)
}
