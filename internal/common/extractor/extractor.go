package extractor

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/project-tktt/graph-extractor/internal/domain"
	"go.uber.org/zap"
)

// PageFetcher retrieves one page of a cursor-paginated remote collection.
// An empty cursor requests the first page; an empty NextCursor in the result
// means there are no more pages. Failures should be marked with Transient or
// Fatal.
type PageFetcher interface {
	FetchPage(ctx context.Context, q Query, cursor string) (*Page, error)
}

// RecordNormalizer maps a raw item to its canonical record and dedup key
type RecordNormalizer interface {
	Normalize(item domain.RawItem) (*domain.Record, string, error)
}

// Query holds the parameters needed to build the first page request
type Query struct {
	SourceID string
	Kind     domain.SourceKind
	Fields   []string
	PageSize int
	Filters  map[string]string
}

// Page is one decoded page returned by a PageFetcher
type Page struct {
	Items      []domain.RawItem
	NextCursor string
	// TotalHint is the collection size reported by the source, 0 if unknown
	TotalHint int
}

// Observer receives counters from every session of an extractor
type Observer interface {
	SessionStarted(kind domain.SourceKind)
	PageFetched(kind domain.SourceKind, items, admitted int)
	FetchRetried(kind domain.SourceKind)
	SessionFinished(kind domain.SourceKind, state State)
}

// Options tunes retry, pacing and stall policy
type Options struct {
	MaxRetries      int
	BaseDelay       time.Duration
	InterPageDelay  time.Duration
	InterPageJitter time.Duration
	StallThreshold  int
	// EstimateFactor multiplies the first page size when the source gives
	// no total. The estimate only drives progress percentages.
	EstimateFactor int
	Observer       Observer
}

// DefaultOptions returns the policy used when nothing is configured
func DefaultOptions() Options {
	return Options{
		MaxRetries:      3,
		BaseDelay:       1500 * time.Millisecond,
		InterPageDelay:  1000 * time.Millisecond,
		InterPageJitter: 500 * time.Millisecond,
		StallThreshold:  2,
		EstimateFactor:  10,
	}
}

func (o Options) unset() bool {
	return o.MaxRetries == 0 && o.BaseDelay == 0 && o.InterPageDelay == 0 &&
		o.InterPageJitter == 0 && o.StallThreshold == 0 && o.EstimateFactor == 0
}

// Handler receives session events. Any field may be nil.
// Callbacks run on the session's goroutine and may call Pause, Resume or
// Cancel on the session.
type Handler struct {
	OnProgress func(s *Session)
	OnPage     func(records []*domain.Record, s *Session)
	OnError    func(err *Error, s *Session)
	OnDone     func(s *Session)
}

// Extractor walks cursor-paginated collections. One Extractor can run any
// number of independent sessions concurrently.
type Extractor struct {
	fetcher    PageFetcher
	normalizer RecordNormalizer
	opts       Options
	logger     *zap.Logger
}

// NewExtractor creates an extractor over the given fetcher and normalizer.
// Options with every tuning field zero (only an Observer, say) take the
// DefaultOptions policy; otherwise zero values mean what they say, so
// MaxRetries 0 disables retries and zero delays disable pacing.
func NewExtractor(fetcher PageFetcher, normalizer RecordNormalizer, opts Options, logger *zap.Logger) *Extractor {
	if opts.unset() {
		def := DefaultOptions()
		def.Observer = opts.Observer
		opts = def
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.BaseDelay < 0 {
		opts.BaseDelay = 0
	}
	if opts.InterPageDelay < 0 {
		opts.InterPageDelay = 0
	}
	if opts.InterPageJitter < 0 {
		opts.InterPageJitter = 0
	}
	if opts.StallThreshold <= 0 {
		opts.StallThreshold = 2
	}
	if opts.EstimateFactor <= 0 {
		opts.EstimateFactor = 10
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Extractor{
		fetcher:    fetcher,
		normalizer: normalizer,
		opts:       opts,
		logger:     logger.With(zap.String("component", "extractor")),
	}
}

// Start creates a session for sourceID and begins fetching in the background.
// The returned session is already Running. Cancelling ctx cancels the session.
func (e *Extractor) Start(ctx context.Context, sourceID string, q Query, h Handler) (*Session, error) {
	sourceID = strings.TrimSpace(sourceID)
	if sourceID == "" {
		return nil, ErrEmptySource
	}
	q.SourceID = sourceID

	s := &Session{
		ID:        uuid.NewString(),
		SourceID:  sourceID,
		Query:     q,
		StartedAt: time.Now(),
		handler:   h,
		observer:  e.opts.Observer,
		done:      make(chan struct{}),
		seen:      make(map[string]struct{}),
		state:     Idle,
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.loop = func() { e.run(s) }

	s.mu.Lock()
	s.state = Running
	s.looping = true
	s.mu.Unlock()
	e.opts.Observer.SessionStarted(q.Kind)

	e.logger.Info("Extraction started",
		zap.String("session_id", s.ID),
		zap.String("source_id", sourceID),
		zap.String("kind", string(q.Kind)),
	)

	go s.loop()

	// A cancelled parent context must also stop a paused session,
	// which has no loop running to notice it.
	go func() {
		select {
		case <-s.ctx.Done():
			s.Cancel()
		case <-s.done:
		}
	}()

	return s, nil
}

type nopObserver struct{}

func (nopObserver) SessionStarted(domain.SourceKind)          {}
func (nopObserver) PageFetched(domain.SourceKind, int, int)  {}
func (nopObserver) FetchRetried(domain.SourceKind)           {}
func (nopObserver) SessionFinished(domain.SourceKind, State) {}
