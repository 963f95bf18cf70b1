package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/project-tktt/graph-extractor/internal/domain"
	"github.com/redis/go-redis/v9"
)

// Deduplicator tracks records seen by earlier runs using Redis.
// In-session dedup is done by the extractor; this catches re-extractions of
// the same source across runs and processes.
type Deduplicator struct {
	client     *redis.Client
	prefix     string
	defaultTTL time.Duration
}

// NewDeduplicator creates a new Redis-based deduplicator
func NewDeduplicator(client *redis.Client, prefix string, defaultTTL time.Duration) *Deduplicator {
	if prefix == "" {
		prefix = "dedup"
	}
	if defaultTTL == 0 {
		defaultTTL = 24 * time.Hour * 30 // 30 days default
	}
	return &Deduplicator{
		client:     client,
		prefix:     prefix,
		defaultTTL: defaultTTL,
	}
}

// CheckResult represents the result of checking a record
type CheckResult int

const (
	// ResultNew - record has never been seen
	ResultNew CheckResult = iota
	// ResultUpdated - record exists but has changed remotely
	ResultUpdated
	// ResultUnchanged - record exists and is unchanged
	ResultUnchanged
)

func (r CheckResult) String() string {
	switch r {
	case ResultNew:
		return "new"
	case ResultUpdated:
		return "updated"
	default:
		return "unchanged"
	}
}

// Filter returns the records of recs that are new or updated since they
// were last marked seen. Order is preserved. Nothing is written; call
// MarkSeen once the records are stored.
func (d *Deduplicator) Filter(ctx context.Context, recs []*domain.Record) ([]*domain.Record, error) {
	if len(recs) == 0 {
		return nil, nil
	}

	pipe := d.client.Pipeline()
	gets := make([]*redis.StringCmd, len(recs))
	for i, rec := range recs {
		gets[i] = pipe.Get(ctx, d.makeKey(rec))
	}
	// redis.Nil on individual GETs is expected for new records
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, errors.Wrap(err, "pipeline get")
	}

	fresh := make([]*domain.Record, 0, len(recs))
	for i, rec := range recs {
		stored, err := gets[i].Result()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return nil, errors.Wrapf(err, "redis get %s", rec.Key)
		case compare(stored, Fingerprint(rec)) == ResultUnchanged:
			continue
		}
		fresh = append(fresh, rec)
	}
	return fresh, nil
}

// MarkSeen stores the fingerprints of recs for change detection
func (d *Deduplicator) MarkSeen(ctx context.Context, recs []*domain.Record) error {
	if len(recs) == 0 {
		return nil
	}
	pipe := d.client.Pipeline()
	for _, rec := range recs {
		pipe.Set(ctx, d.makeKey(rec), Fingerprint(rec), d.defaultTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "pipeline set")
	}
	return nil
}

// Forget drops every mark of one source, so the next run stores it in full
func (d *Deduplicator) Forget(ctx context.Context, kind domain.SourceKind, sourceID string) (int, error) {
	pattern := fmt.Sprintf("%s:%s:%s:*", d.prefix, kind, sourceID)

	var removed int
	iter := d.client.Scan(ctx, 0, pattern, 500).Iterator()
	for iter.Next(ctx) {
		if err := d.client.Del(ctx, iter.Val()).Err(); err != nil {
			return removed, errors.Wrap(err, "redis del")
		}
		removed++
	}
	if err := iter.Err(); err != nil {
		return removed, errors.Wrap(err, "redis scan")
	}
	return removed, nil
}

// Fingerprint returns the value stored per record. The remote update time is
// used when the source exposes one, a content hash otherwise.
func Fingerprint(rec *domain.Record) string {
	if !rec.UpdatedAt.IsZero() {
		return "v:" + rec.Version()
	}
	return "h:" + hashContent(rec.Message+"\x00"+rec.AuthorName+"\x00"+
		strconv.Itoa(rec.LikeCount)+"\x00"+strconv.Itoa(rec.ReplyCount))
}

func compare(stored, fp string) CheckResult {
	if stored != fp {
		return ResultUpdated
	}
	return ResultUnchanged
}

func (d *Deduplicator) makeKey(rec *domain.Record) string {
	return fmt.Sprintf("%s:%s:%s:%s", d.prefix, rec.Kind, rec.SourceID, rec.Key)
}

func hashContent(content string) string {
	h := sha256.Sum256([]byte(content))
	return hex.EncodeToString(h[:16]) // First 16 bytes (32 hex chars)
}
