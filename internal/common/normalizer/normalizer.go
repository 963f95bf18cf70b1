package normalizer

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/project-tktt/graph-extractor/internal/common/cleaner"
	"github.com/project-tktt/graph-extractor/internal/domain"
)

var (
	// ErrMissingKey is returned for items that carry no usable identity
	ErrMissingKey = errors.New("item has no dedup key")

	// ErrNoParticipant is returned for conversations with nobody but the page
	ErrNoParticipant = errors.New("conversation has no participant besides the page")
)

// Normalizer converts raw page items of one source kind into records
type Normalizer struct {
	kind     domain.SourceKind
	sourceID string
	keyField string
	cleaner  *cleaner.Cleaner
	now      func() time.Time
}

// Option configures a Normalizer
type Option func(*Normalizer)

// WithKeyField sets the listing field used as dedup key
func WithKeyField(field string) Option {
	return func(n *Normalizer) {
		if field != "" {
			n.keyField = field
		}
	}
}

// WithClock overrides the ExtractedAt clock
func WithClock(now func() time.Time) Option {
	return func(n *Normalizer) { n.now = now }
}

// NewNormalizer creates a normalizer for one source. sourceID is the post,
// group, page id or start URL the session walks; for page recipients it is
// also used to drop the page itself from conversation participants.
func NewNormalizer(kind domain.SourceKind, sourceID string, opts ...Option) *Normalizer {
	n := &Normalizer{
		kind:     kind,
		sourceID: sourceID,
		keyField: "url",
		cleaner:  cleaner.NewCleaner(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Normalize maps item to a record and returns the record's dedup key
func (n *Normalizer) Normalize(item domain.RawItem) (*domain.Record, string, error) {
	data := map[string]any(item)

	rec := &domain.Record{
		Kind:        n.kind,
		SourceID:    n.sourceID,
		ExtractedAt: n.now().UTC(),
	}

	var err error
	switch n.kind {
	case domain.KindComments:
		n.normalizeComment(rec, data)
	case domain.KindGroupPosts:
		n.normalizePost(rec, data)
	case domain.KindGroupMembers:
		n.normalizeMember(rec, data)
	case domain.KindPageRecipients:
		err = n.normalizeRecipient(rec, data)
	default:
		n.normalizeListing(rec, data)
	}
	if err != nil {
		return nil, "", err
	}

	key := n.keyOf(rec)
	if key == "" {
		return nil, "", errors.Wrapf(ErrMissingKey, "%s item", n.kind)
	}
	return rec, key, nil
}

// keyOf picks the identity a record is deduplicated by
func (n *Normalizer) keyOf(rec *domain.Record) string {
	switch n.kind {
	case domain.KindGroupMembers, domain.KindPageRecipients:
		return rec.AuthorID
	default:
		return rec.ID
	}
}

func (n *Normalizer) normalizeComment(rec *domain.Record, data map[string]any) {
	rec.ID = getString(data, "id")
	rec.Message = n.cleaner.CleanToText(getString(data, "message"))
	rec.Permalink = getString(data, "permalink_url")
	rec.LikeCount = getInt(data, "like_count")
	rec.ReplyCount = getInt(data, "comment_count")
	rec.CreatedAt = NormalizeTime(getString(data, "created_time"))

	if from := getMap(data, "from"); from != nil {
		rec.AuthorID = getString(from, "id")
		rec.AuthorName = getString(from, "name")
	}
	if parent := getMap(data, "parent"); parent != nil {
		rec.ParentID = getString(parent, "id")
	}
	if att := getMap(data, "attachment"); att != nil {
		rec.Extra = map[string]any{
			"attachment_type": getString(att, "type"),
			"attachment_url":  getString(att, "url"),
		}
	}
}

func (n *Normalizer) normalizePost(rec *domain.Record, data map[string]any) {
	rec.ID = getString(data, "id")
	rec.Message = n.cleaner.CleanToText(getString(data, "message", "story"))
	rec.Permalink = getString(data, "permalink_url")
	rec.CreatedAt = NormalizeTime(getString(data, "created_time"))
	rec.UpdatedAt = NormalizeTime(getString(data, "updated_time"))
	rec.LikeCount = getSummaryCount(data, "reactions")
	rec.ReplyCount = getSummaryCount(data, "comments")

	if from := getMap(data, "from"); from != nil {
		rec.AuthorID = getString(from, "id")
		rec.AuthorName = getString(from, "name")
	}
	if shares := getMap(data, "shares"); shares != nil {
		rec.Extra = map[string]any{"shares": getInt(shares, "count")}
	}
}

func (n *Normalizer) normalizeMember(rec *domain.Record, data map[string]any) {
	rec.ID = getString(data, "id")
	rec.AuthorID = rec.ID
	rec.AuthorName = getString(data, "name")
	rec.CreatedAt = parseUnixTimestamp(data["joined"])

	extra := map[string]any{
		"administrator": getBool(data, "administrator"),
	}
	if pic := getMap(getMap(data, "picture"), "data"); pic != nil {
		extra["picture_url"] = getString(pic, "url")
	}
	rec.Extra = extra
}

// normalizeRecipient turns a page conversation into its first non-page
// participant
func (n *Normalizer) normalizeRecipient(rec *domain.Record, data map[string]any) error {
	rec.ParentID = getString(data, "id")
	rec.UpdatedAt = NormalizeTime(getString(data, "updated_time"))
	rec.Permalink = getString(data, "link")

	for _, p := range getMapArray(getMap(data, "participants"), "data") {
		id := getString(p, "id")
		if id == "" || id == n.sourceID {
			continue
		}
		rec.ID = id
		rec.AuthorID = id
		rec.AuthorName = getString(p, "name")
		if email := getString(p, "email"); email != "" {
			rec.Extra = map[string]any{"email": email}
		}
		return nil
	}
	return errors.Wrapf(ErrNoParticipant, "conversation %q", rec.ParentID)
}

// normalizeListing maps a scraped HTML list item. Known fields go to their
// columns, the rest to Extra.
func (n *Normalizer) normalizeListing(rec *domain.Record, data map[string]any) {
	clean := n.cleaner.CleanMap(data)

	rec.Permalink = getString(clean, "url", "link", "href")
	rec.ID = getString(clean, n.keyField)
	if rec.ID == "" {
		rec.ID = rec.Permalink
	}
	rec.AuthorName = getString(clean, "author")
	rec.Message = getString(clean, "text", "title", "description")
	rec.CreatedAt = NormalizeTime(getString(clean, "date", "time", "created_at"))
	rec.LikeCount = getInt(clean, "likes", "like_count")
	rec.ReplyCount = getInt(clean, "replies", "comments")

	known := map[string]bool{
		"url": true, "link": true, "href": true, n.keyField: true,
		"author": true, "text": true, "date": true, "time": true, "created_at": true,
		"likes": true, "like_count": true, "replies": true, "comments": true,
	}
	for k, v := range clean {
		if known[k] {
			continue
		}
		if rec.Extra == nil {
			rec.Extra = make(map[string]any)
		}
		rec.Extra[k] = v
	}
}

// ======== Helpers ========

// getString tries multiple keys and returns the first non-empty value
func getString(data map[string]any, keys ...string) string {
	for _, key := range keys {
		if val, ok := data[key]; ok {
			switch v := val.(type) {
			case string:
				if v != "" {
					return strings.TrimSpace(v)
				}
			case float64:
				return fmt.Sprintf("%.0f", v)
			case int:
				return strconv.Itoa(v)
			}
		}
	}
	return ""
}

// getInt extracts integer from data
func getInt(data map[string]any, keys ...string) int {
	for _, key := range keys {
		if val, ok := data[key]; ok {
			switch v := val.(type) {
			case float64:
				return int(v)
			case int:
				return v
			case string:
				if i, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
					return i
				}
			}
		}
	}
	return 0
}

// getBool extracts bool from data
func getBool(data map[string]any, key string) bool {
	if val, ok := data[key]; ok {
		switch v := val.(type) {
		case bool:
			return v
		case float64:
			return v != 0
		case string:
			return v == "true" || v == "1"
		}
	}
	return false
}

// getMap returns the nested object under key, nil if absent
func getMap(data map[string]any, key string) map[string]any {
	if data == nil {
		return nil
	}
	m, _ := data[key].(map[string]any)
	return m
}

// getMapArray returns the nested objects of the array under key
func getMapArray(data map[string]any, key string) []map[string]any {
	if data == nil {
		return nil
	}
	arr, ok := data[key].([]any)
	if !ok {
		return nil
	}
	var result []map[string]any
	for _, item := range arr {
		if m, ok := item.(map[string]any); ok {
			result = append(result, m)
		}
	}
	return result
}

// getSummaryCount reads {key: {summary: {total_count: N}}}
func getSummaryCount(data map[string]any, key string) int {
	return getInt(getMap(getMap(data, key), "summary"), "total_count")
}

// parseUnixTimestamp parses Unix timestamp from various types
func parseUnixTimestamp(val any) time.Time {
	switch v := val.(type) {
	case float64:
		return time.Unix(int64(v), 0).UTC()
	case int64:
		return time.Unix(v, 0).UTC()
	case int:
		return time.Unix(int64(v), 0).UTC()
	case string:
		if ts, err := strconv.ParseInt(v, 10, 64); err == nil {
			return time.Unix(ts, 0).UTC()
		}
	}
	return time.Time{}
}

// NormalizeTime parses the time formats seen in Graph payloads and scraped
// pages. Unparseable input yields the zero time.
func NormalizeTime(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}

	formats := []string{
		"2006-01-02T15:04:05-0700",
		time.RFC3339,
		"2006-01-02T15:04:05Z",
		"2006-01-02 15:04:05",
		"2006-01-02",
		"02/01/2006",
	}

	for _, format := range formats {
		if t, err := time.Parse(format, s); err == nil {
			return t.UTC()
		}
	}

	return parseUnixTimestamp(s)
}
