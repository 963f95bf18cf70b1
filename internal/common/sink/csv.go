package sink

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/project-tktt/graph-extractor/internal/domain"
)

// utf8BOM makes spreadsheet apps detect UTF-8
const utf8BOM = "\uFEFF"

// Column is one CSV column
type Column struct {
	Name  string
	Value func(rec *domain.Record) string
}

var columns = map[string]Column{
	"key":          {"key", func(r *domain.Record) string { return r.Key }},
	"kind":         {"kind", func(r *domain.Record) string { return string(r.Kind) }},
	"source_id":    {"source_id", func(r *domain.Record) string { return r.SourceID }},
	"id":           {"id", func(r *domain.Record) string { return r.ID }},
	"parent_id":    {"parent_id", func(r *domain.Record) string { return r.ParentID }},
	"author_id":    {"author_id", func(r *domain.Record) string { return r.AuthorID }},
	"author_name":  {"author_name", func(r *domain.Record) string { return r.AuthorName }},
	"message":      {"message", func(r *domain.Record) string { return r.Message }},
	"permalink":    {"permalink", func(r *domain.Record) string { return r.Permalink }},
	"like_count":   {"like_count", func(r *domain.Record) string { return strconv.Itoa(r.LikeCount) }},
	"reply_count":  {"reply_count", func(r *domain.Record) string { return strconv.Itoa(r.ReplyCount) }},
	"created_at":   {"created_at", func(r *domain.Record) string { return formatTime(r.CreatedAt) }},
	"updated_at":   {"updated_at", func(r *domain.Record) string { return formatTime(r.UpdatedAt) }},
	"extracted_at": {"extracted_at", func(r *domain.Record) string { return formatTime(r.ExtractedAt) }},
	"extra":        {"extra", extraColumn},
}

// DefaultColumns is the column set used when none is configured
var DefaultColumns = []string{
	"key", "id", "parent_id", "author_id", "author_name",
	"message", "like_count", "reply_count", "created_at", "permalink",
}

// Columns resolves column names. Unknown names are an error.
func Columns(names []string) ([]Column, error) {
	if len(names) == 0 {
		names = DefaultColumns
	}
	out := make([]Column, 0, len(names))
	for _, name := range names {
		col, ok := columns[strings.TrimSpace(strings.ToLower(name))]
		if !ok {
			return nil, errors.WithHintf(errors.Newf("unknown column %q", name),
				"known columns: %s", strings.Join(knownColumns(), ", "))
		}
		out = append(out, col)
	}
	return out, nil
}

// WriteCSV writes a header and one row per record
func WriteCSV(w io.Writer, recs []*domain.Record, cols []Column, bom bool) error {
	if bom {
		if _, err := io.WriteString(w, utf8BOM); err != nil {
			return errors.Wrap(err, "write bom")
		}
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(header(cols)); err != nil {
		return errors.Wrap(err, "write header")
	}
	for _, rec := range recs {
		if err := cw.Write(row(rec, cols)); err != nil {
			return errors.Wrapf(err, "write record %s", rec.Key)
		}
	}
	cw.Flush()
	return errors.Wrap(cw.Error(), "flush csv")
}

// ExportCSV writes recs to path. The file is written to a temporary name
// and renamed, so readers never see a partial export.
func ExportCSV(path string, recs []*domain.Record, cols []Column, bom bool) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "create export dir")
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return errors.Wrap(err, "create temp file")
	}
	defer os.Remove(tmp.Name())

	if err := WriteCSV(tmp, recs, cols, bom); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close temp file")
	}
	return errors.Wrap(os.Rename(tmp.Name(), path), "rename export")
}

// CSVSink appends records to a CSV file as they arrive
type CSVSink struct {
	mu     sync.Mutex
	f      *os.File
	w      *csv.Writer
	cols   []Column
	header bool
}

// NewCSVSink opens path for appending. The header is written when the file
// is new or empty.
func NewCSVSink(path string, cols []Column, bom bool) (*CSVSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "create export dir")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "open csv")
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "stat csv")
	}

	s := &CSVSink{f: f, w: csv.NewWriter(f), cols: cols}
	if info.Size() == 0 {
		if bom {
			if _, err := io.WriteString(f, utf8BOM); err != nil {
				f.Close()
				return nil, errors.Wrap(err, "write bom")
			}
		}
		s.header = true
	}
	return s, nil
}

// BulkWrite implements Sink
func (s *CSVSink) BulkWrite(_ context.Context, recs []*domain.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.header {
		if err := s.w.Write(header(s.cols)); err != nil {
			return errors.Wrap(err, "write header")
		}
		s.header = false
	}
	for _, rec := range recs {
		if err := s.w.Write(row(rec, s.cols)); err != nil {
			return errors.Wrapf(err, "write record %s", rec.Key)
		}
	}
	s.w.Flush()
	return errors.Wrap(s.w.Error(), "flush csv")
}

// Close flushes and closes the file
func (s *CSVSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.w.Flush()
	if err := s.w.Error(); err != nil {
		s.f.Close()
		return errors.Wrap(err, "flush csv")
	}
	return s.f.Close()
}

func header(cols []Column) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = c.Name
	}
	return out
}

func row(rec *domain.Record, cols []Column) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = c.Value(rec)
	}
	return out
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func extraColumn(r *domain.Record) string {
	if len(r.Extra) == 0 {
		return ""
	}
	data, err := json.Marshal(r.Extra)
	if err != nil {
		return ""
	}
	return string(data)
}

func knownColumns() []string {
	names := make([]string, 0, len(columns))
	for name := range columns {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
