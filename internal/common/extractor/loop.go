package extractor

import (
	"context"
	"math/rand"
	"time"

	"github.com/project-tktt/graph-extractor/internal/domain"
	"go.uber.org/zap"
)

// run is the per-session fetch loop. Only one run goroutine exists per
// session at a time; it exits when the session stops being Running.
func (e *Extractor) run(s *Session) {
	log := e.logger.With(
		zap.String("session_id", s.ID),
		zap.String("source_id", s.SourceID),
		zap.String("kind", string(s.Query.Kind)),
	)

	for {
		cursor, ok := s.nextCursor()
		if !ok {
			log.Debug("Extraction loop stopped", zap.Stringer("state", s.State()))
			return
		}

		page, err := e.fetcher.FetchPage(s.ctx, s.Query, cursor)
		if err != nil {
			if !e.handleFetchError(s, cursor, err, log) {
				return
			}
			continue
		}

		if !e.mergePage(s, page, log) {
			return
		}

		if s.State() == Running {
			sleep(s.ctx, jittered(e.opts.InterPageDelay, e.opts.InterPageJitter))
		}
	}
}

// nextCursor returns the cursor to fetch, or false when the loop must stop.
// The loop gives up ownership of the session under the same lock Resume
// checks, so a resumed session never ends up with two loops or none.
func (s *Session) nextCursor() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Running {
		if !s.state.Terminal() {
			s.looping = false
		}
		return "", false
	}
	return s.cursor, true
}

// handleFetchError applies the retry policy. It returns false when the loop
// must stop.
func (e *Extractor) handleFetchError(s *Session, cursor string, err error, log *zap.Logger) bool {
	if s.ctx.Err() != nil {
		// Aborted by Cancel or by the caller's context: drop the result.
		s.Cancel()
		return false
	}

	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return false
	}
	if s.state != Running {
		// Paused mid-fetch: the failure is dropped like any in-flight result.
		s.mu.Unlock()
		return true
	}

	kind := KindOf(err)
	if kind == KindTransient && s.retryCount < e.opts.MaxRetries {
		delay := e.backoff(s.retryCount)
		s.retryCount++
		attempt := s.retryCount
		s.mu.Unlock()

		e.opts.Observer.FetchRetried(s.Query.Kind)
		log.Warn("Page fetch failed, retrying",
			zap.Error(err),
			zap.String("cursor", cursor),
			zap.Int("retry", attempt),
			zap.Int("max_retries", e.opts.MaxRetries),
			zap.Duration("backoff", delay),
		)
		sleep(s.ctx, delay)
		return true
	}

	failure := &Error{
		Kind:      kind,
		SessionID: s.ID,
		SourceID:  s.SourceID,
		Cursor:    cursor,
		Attempts:  s.retryCount + 1,
		Err:       err,
	}
	s.err = failure
	s.finishLocked(Failed)
	s.mu.Unlock()

	log.Error("Extraction failed",
		zap.Error(err),
		zap.Stringer("error_kind", kind),
		zap.Int("attempts", failure.Attempts),
	)
	s.emitError(failure)
	s.release()
	return false
}

// mergePage admits the page's new records and decides whether to continue.
// It returns false when the loop must stop.
func (e *Extractor) mergePage(s *Session, page *Page, log *zap.Logger) bool {
	s.mu.Lock()
	if s.state != Running {
		// Paused or cancelled while the fetch was in flight. The cursor is
		// unchanged, so a resumed session fetches this page again.
		s.mu.Unlock()
		return true
	}

	s.retryCount = 0
	s.pages++

	fresh := make([]*domain.Record, 0, len(page.Items))
	var duplicates, rejected int
	for _, item := range page.Items {
		rec, key, err := e.normalizer.Normalize(item)
		if err != nil || rec == nil || key == "" {
			rejected++
			continue
		}
		if _, seen := s.seen[key]; seen {
			duplicates++
			continue
		}
		rec.Key = key
		s.seen[key] = struct{}{}
		s.records = append(s.records, rec)
		fresh = append(fresh, rec)
	}

	if len(fresh) == 0 {
		s.emptyPages++
	} else {
		s.emptyPages = 0
	}

	last := page.NextCursor == ""
	if s.pages == 1 {
		s.estimatedTotal = e.estimate(page, len(s.records), last)
	}
	stalled := s.emptyPages >= e.opts.StallThreshold
	if !last {
		s.cursor = page.NextCursor
	}
	pageNo, total := s.pages, len(s.records)
	s.mu.Unlock()

	e.opts.Observer.PageFetched(s.Query.Kind, len(page.Items), len(fresh))
	log.Debug("Page merged",
		zap.Int("page", pageNo),
		zap.Int("items", len(page.Items)),
		zap.Int("admitted", len(fresh)),
		zap.Int("duplicates", duplicates),
		zap.Int("rejected", rejected),
		zap.Int("total", total),
	)

	s.emitProgress()
	s.emitPage(fresh)

	if !last && !stalled {
		return true
	}

	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return false
	}
	s.finishLocked(Completed)
	s.mu.Unlock()

	if stalled && !last {
		log.Info("Extraction completed: source stopped yielding new records",
			zap.Int("pages", pageNo),
			zap.Int("records", total),
		)
	} else {
		log.Info("Extraction completed", zap.Int("pages", pageNo), zap.Int("records", total))
	}
	s.emitDone()
	s.release()
	return false
}

// estimate sizes the collection from the first page
func (e *Extractor) estimate(page *Page, admitted int, last bool) int {
	switch {
	case page.TotalHint > 0:
		return max(page.TotalHint, admitted)
	case last:
		return admitted
	default:
		return max(len(page.Items)*e.opts.EstimateFactor, admitted)
	}
}

// maxBackoff caps a single retry wait however large MaxRetries is
const maxBackoff = 10 * time.Minute

// backoff returns BaseDelay * 2^retry, capped at maxBackoff, plus up to
// BaseDelay of jitter
func (e *Extractor) backoff(retry int) time.Duration {
	base := e.opts.BaseDelay
	if base <= 0 {
		return 0
	}
	d := maxBackoff
	if retry < 32 {
		if shifted := base << uint(retry); shifted > 0 && shifted < maxBackoff {
			d = shifted
		}
	}
	return jittered(d, base)
}

func jittered(base, jitter time.Duration) time.Duration {
	if jitter <= 0 {
		return base
	}
	return base + time.Duration(rand.Int63n(int64(jitter)))
}

// sleep waits for d or until ctx is done
func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
