package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/lib/pq"
	"github.com/project-tktt/graph-extractor/internal/domain"
	"go.uber.org/zap"
)

// PostgresSink upserts records into a PostgreSQL table
type PostgresSink struct {
	db     *sql.DB
	table  string
	logger *zap.Logger
}

// OpenPostgres connects, pings and makes sure the table exists
func OpenPostgres(ctx context.Context, connStr, table string, logger *zap.Logger) (*PostgresSink, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, errors.Wrap(err, "open postgres connection")
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}

	s := NewPostgresSink(db, table, logger)
	if err := s.EnsureTable(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "ensure table")
	}
	return s, nil
}

// NewPostgresSink wraps an open database
func NewPostgresSink(db *sql.DB, table string, logger *zap.Logger) *PostgresSink {
	if table == "" {
		table = "extracted_records"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresSink{
		db:     db,
		table:  table,
		logger: logger.With(zap.String("component", "postgres_sink")),
	}
}

// EnsureTable creates the records table if it doesn't exist
func (s *PostgresSink) EnsureTable(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			kind TEXT NOT NULL,
			source_id TEXT NOT NULL,
			key TEXT NOT NULL,
			id TEXT NOT NULL,
			parent_id TEXT,
			author_id TEXT,
			author_name TEXT,
			message TEXT,
			permalink TEXT,
			like_count INTEGER DEFAULT 0,
			reply_count INTEGER DEFAULT 0,
			created_at TIMESTAMP WITH TIME ZONE,
			updated_at TIMESTAMP WITH TIME ZONE,
			extracted_at TIMESTAMP WITH TIME ZONE,
			extra JSONB,
			stored_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
			PRIMARY KEY (kind, source_id, key)
		)
	`, pq.QuoteIdentifier(s.table))

	_, err := s.db.ExecContext(ctx, query)
	return err
}

func (s *PostgresSink) upsertQuery() string {
	return fmt.Sprintf(`
		INSERT INTO %s (
			kind, source_id, key, id, parent_id,
			author_id, author_name, message, permalink,
			like_count, reply_count, created_at, updated_at, extracted_at, extra, stored_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9,
			$10, $11, $12, $13, $14, $15, NOW()
		)
		ON CONFLICT (kind, source_id, key) DO UPDATE SET
			id = EXCLUDED.id,
			parent_id = EXCLUDED.parent_id,
			author_id = EXCLUDED.author_id,
			author_name = EXCLUDED.author_name,
			message = EXCLUDED.message,
			permalink = EXCLUDED.permalink,
			like_count = EXCLUDED.like_count,
			reply_count = EXCLUDED.reply_count,
			created_at = EXCLUDED.created_at,
			updated_at = EXCLUDED.updated_at,
			extracted_at = EXCLUDED.extracted_at,
			extra = EXCLUDED.extra,
			stored_at = NOW()
	`, pq.QuoteIdentifier(s.table))
}

// BulkWrite upserts multiple records in one transaction
func (s *PostgresSink) BulkWrite(ctx context.Context, recs []*domain.Record) error {
	if len(recs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, s.upsertQuery())
	if err != nil {
		return errors.Wrap(err, "prepare statement")
	}
	defer stmt.Close()

	for _, rec := range recs {
		extra, err := extraJSON(rec.Extra)
		if err != nil {
			return errors.Wrapf(err, "marshal extra of %s", rec.Key)
		}

		_, err = stmt.ExecContext(ctx,
			string(rec.Kind), rec.SourceID, rec.Key, rec.ID, nullString(rec.ParentID),
			nullString(rec.AuthorID), nullString(rec.AuthorName), rec.Message, nullString(rec.Permalink),
			rec.LikeCount, rec.ReplyCount, nullTime(rec.CreatedAt), nullTime(rec.UpdatedAt), rec.ExtractedAt, extra,
		)
		if err != nil {
			return errors.Wrapf(err, "upsert record %s", rec.Key)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit transaction")
	}

	s.logger.Debug("Records upserted", zap.Int("count", len(recs)), zap.String("table", s.table))
	return nil
}

// Close closes the database connection
func (s *PostgresSink) Close() error {
	return s.db.Close()
}

func extraJSON(extra map[string]any) (any, error) {
	if len(extra) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(extra)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
