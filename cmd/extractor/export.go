package main

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/project-tktt/graph-extractor/internal/common/extractor"
	"github.com/project-tktt/graph-extractor/internal/common/sink"
	"github.com/project-tktt/graph-extractor/internal/domain"
	"go.uber.org/zap"
)

// exporter writes each session's records to its own CSV file. In stream
// mode pages are appended as they arrive, otherwise the whole session is
// written once it ends.
type exporter struct {
	dir    string
	cols   []sink.Column
	bom    bool
	stream bool
	log    *zap.Logger

	mu      sync.Mutex
	streams map[string]*sink.CSVSink
}

func newExporter(dir string, cols []sink.Column, bom, stream bool, log *zap.Logger) *exporter {
	return &exporter{
		dir:     dir,
		cols:    cols,
		bom:     bom,
		stream:  stream,
		log:     log,
		streams: make(map[string]*sink.CSVSink),
	}
}

func (x *exporter) path(s *extractor.Session) string {
	return filepath.Join(x.dir, exportName(s))
}

// page appends recs to the session's stream, opening it on first use
func (x *exporter) page(ctx context.Context, s *extractor.Session, recs []*domain.Record) {
	if !x.stream || x.dir == "" || len(recs) == 0 {
		return
	}

	x.mu.Lock()
	w, ok := x.streams[s.ID]
	if !ok {
		var err error
		w, err = sink.NewCSVSink(x.path(s), x.cols, x.bom)
		if err != nil {
			x.mu.Unlock()
			x.log.Error("CSV stream open failed", zap.String("path", x.path(s)), zap.Error(err))
			return
		}
		x.streams[s.ID] = w
	}
	x.mu.Unlock()

	if err := w.BulkWrite(ctx, recs); err != nil {
		x.log.Error("CSV stream write failed", zap.String("session_id", s.ID), zap.Error(err))
	}
}

// finish closes the session's stream or, outside stream mode, exports
// everything it collected
func (x *exporter) finish(s *extractor.Session) {
	if x.dir == "" {
		return
	}
	if x.stream {
		x.closeStream(s.ID)
		return
	}
	if s.Len() == 0 {
		return
	}

	path := x.path(s)
	if err := sink.ExportCSV(path, s.Records(), x.cols, x.bom); err != nil {
		x.log.Error("CSV export failed", zap.String("path", path), zap.Error(err))
		return
	}
	x.log.Info("CSV exported", zap.String("path", path), zap.Int("records", s.Len()))
}

func (x *exporter) closeStream(id string) {
	x.mu.Lock()
	w, ok := x.streams[id]
	delete(x.streams, id)
	x.mu.Unlock()

	if !ok {
		return
	}
	if err := w.Close(); err != nil {
		x.log.Warn("CSV stream close failed", zap.String("session_id", id), zap.Error(err))
	}
}

// Close closes streams left open by sessions that never reached done,
// cancelled ones in particular
func (x *exporter) Close() {
	x.mu.Lock()
	ids := make([]string, 0, len(x.streams))
	for id := range x.streams {
		ids = append(ids, id)
	}
	x.mu.Unlock()

	for _, id := range ids {
		x.closeStream(id)
	}
}
