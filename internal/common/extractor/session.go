package extractor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/petermattis/goid"
	"github.com/project-tktt/graph-extractor/internal/domain"
)

// State is the lifecycle state of a session
type State int

const (
	Idle State = iota
	Running
	Paused
	Completed
	Failed
	Cancelled
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Paused:
		return "paused"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether no transition can leave s
func (s State) Terminal() bool {
	return s == Completed || s == Failed || s == Cancelled
}

// Session is one run of the extractor against one remote collection.
// Records, cursor and seen keys are only mutated by the session's own loop;
// the accessors below are safe to call from any goroutine.
type Session struct {
	ID        string
	SourceID  string
	Query     Query
	StartedAt time.Time

	handler  Handler
	observer Observer
	loop     func()

	ctx         context.Context
	cancel      context.CancelFunc
	done        chan struct{}
	releaseOnce sync.Once

	// deliver is held from the liveness check until the callback returns
	deliver sync.Mutex
	// deliverer is the goroutine running a callback, 0 when none
	deliverer atomic.Int64

	mu             sync.Mutex
	state          State
	looping        bool
	cursor         string
	records        []*domain.Record
	seen           map[string]struct{}
	estimatedTotal int
	emptyPages     int
	retryCount     int
	pages          int
	err            *Error
	finishedAt     time.Time
}

// Progress is a point-in-time view of a session
type Progress struct {
	SessionID      string
	SourceID       string
	State          State
	Pages          int
	Records        int
	EstimatedTotal int
	Percent        float64
	Cursor         string
}

// Pause stops the session after the in-flight fetch. The cursor is kept, so
// Resume continues with the page that would have been fetched next.
func (s *Session) Pause() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Running {
		return false
	}
	s.state = Paused
	return true
}

// Resume restarts a paused session from its retained cursor.
// It is a no-op for any other state.
func (s *Session) Resume() bool {
	s.mu.Lock()
	if s.state != Paused {
		s.mu.Unlock()
		return false
	}
	s.state = Running
	spawn := !s.looping
	s.looping = true
	s.mu.Unlock()

	if spawn {
		go s.loop()
	}
	return true
}

// Cancel ends the session. Any in-flight fetch is aborted through its
// context and its result is discarded. Once Cancel returns no callback
// starts; a callback already running on another goroutine is waited for.
func (s *Session) Cancel() bool {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return false
	}
	s.finishLocked(Cancelled)
	s.mu.Unlock()

	// A callback cancelling its own session must not wait for itself
	if s.deliverer.Load() != goid.Get() {
		s.deliver.Lock()
		s.deliver.Unlock()
	}
	s.release()
	return true
}

// State returns the current state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Cursor returns the cursor of the next page to fetch
func (s *Session) Cursor() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Records returns a copy of the records admitted so far, in arrival order
func (s *Session) Records() []*domain.Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*domain.Record, len(s.records))
	copy(out, s.records)
	return out
}

// Len returns the number of admitted records
func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// SeenCount returns the number of admitted dedup keys
func (s *Session) SeenCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

// EstimatedTotal returns the advisory collection size
func (s *Session) EstimatedTotal() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.estimatedTotal
}

// Err returns the failure of a Failed session, nil otherwise
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err == nil {
		return nil
	}
	return s.err
}

// Progress returns a snapshot suitable for a progress bar
func (s *Session) Progress() Progress {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := Progress{
		SessionID:      s.ID,
		SourceID:       s.SourceID,
		State:          s.state,
		Pages:          s.pages,
		Records:        len(s.records),
		EstimatedTotal: s.estimatedTotal,
		Cursor:         s.cursor,
	}
	switch {
	case s.state == Completed:
		p.Percent = 100
	case s.estimatedTotal > 0:
		p.Percent = float64(len(s.records)) * 100 / float64(s.estimatedTotal)
		if p.Percent > 100 {
			p.Percent = 100
		}
	}
	return p
}

// Done is closed once the session reaches a terminal state and its final
// OnDone or OnError callback has returned
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the session is terminal or ctx is done
func (s *Session) Wait(ctx context.Context) (State, error) {
	select {
	case <-s.done:
		return s.State(), nil
	case <-ctx.Done():
		return s.State(), ctx.Err()
	}
}

// finishLocked moves the session into a terminal state. Caller holds s.mu.
func (s *Session) finishLocked(st State) {
	s.state = st
	s.looping = false
	s.finishedAt = time.Now()
	s.cancel()
	s.observer.SessionFinished(s.Query.Kind, st)
}

// release wakes Wait callers. Called once the terminal callbacks are done.
func (s *Session) release() {
	s.releaseOnce.Do(func() { close(s.done) })
}

// live reports whether events may still be delivered
func (s *Session) live() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state != Cancelled
}

// dispatch runs fn unless the session was cancelled. The check and the call
// happen under deliver, so Cancel cannot slip in between.
func (s *Session) dispatch(fn func()) {
	s.deliver.Lock()
	defer s.deliver.Unlock()

	if !s.live() {
		return
	}
	s.deliverer.Store(goid.Get())
	defer s.deliverer.Store(0)
	fn()
}

func (s *Session) emitProgress() {
	if s.handler.OnProgress != nil {
		s.dispatch(func() { s.handler.OnProgress(s) })
	}
}

func (s *Session) emitPage(records []*domain.Record) {
	if s.handler.OnPage != nil && len(records) > 0 {
		s.dispatch(func() { s.handler.OnPage(records, s) })
	}
}

func (s *Session) emitError(err *Error) {
	if s.handler.OnError != nil {
		s.dispatch(func() { s.handler.OnError(err, s) })
	}
}

func (s *Session) emitDone() {
	if s.handler.OnDone != nil {
		s.dispatch(func() { s.handler.OnDone(s) })
	}
}

// Duration returns how long the session has run, up to its terminal state
func (s *Session) Duration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	end := s.finishedAt
	if end.IsZero() {
		end = time.Now()
	}
	return end.Sub(s.StartedAt)
}
