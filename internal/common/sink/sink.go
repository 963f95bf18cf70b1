package sink

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/project-tktt/graph-extractor/internal/domain"
)

// Sink defines the interface for record storage backends
type Sink interface {
	// BulkWrite stores multiple records at once. Writing a record twice
	// must not duplicate it.
	BulkWrite(ctx context.Context, recs []*domain.Record) error
}

// Multi fans a batch out to every sink. All sinks are attempted; the errors
// are combined.
type Multi []Sink

// BulkWrite implements Sink
func (m Multi) BulkWrite(ctx context.Context, recs []*domain.Record) error {
	var errs error
	for _, s := range m {
		if err := s.BulkWrite(ctx, recs); err != nil {
			errs = errors.CombineErrors(errs, err)
		}
	}
	return errs
}
