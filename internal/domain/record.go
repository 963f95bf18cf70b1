package domain

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// Record is the canonical, UI-agnostic representation of an extracted item
type Record struct {
	// Dedup key, unique within one extraction session
	Key      string     `json:"key"`
	Kind     SourceKind `json:"kind"`
	SourceID string     `json:"source_id"` // post id, group id, page id or listing URL

	ID         string `json:"id"`
	ParentID   string `json:"parent_id,omitempty"` // parent comment for replies
	AuthorID   string `json:"author_id,omitempty"`
	AuthorName string `json:"author_name,omitempty"`
	Message    string `json:"message,omitempty"`
	Permalink  string `json:"permalink,omitempty"`
	LikeCount  int    `json:"like_count"`
	ReplyCount int    `json:"reply_count"`

	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	ExtractedAt time.Time `json:"extracted_at"`

	// Source-specific fields that have no canonical column
	Extra map[string]any `json:"extra,omitempty"`
}

// Version returns a value that changes whenever the remote item changes.
// Used for change detection across runs.
func (r *Record) Version() string {
	if !r.UpdatedAt.IsZero() {
		return r.UpdatedAt.UTC().Format(time.RFC3339)
	}
	if !r.CreatedAt.IsZero() {
		return r.CreatedAt.UTC().Format(time.RFC3339)
	}
	return ""
}

// RawItem is a single undecoded element of a remote page
type RawItem map[string]any

// SourceKind identifies the kind of remote collection being walked
type SourceKind string

const (
	KindComments       SourceKind = "comments"
	KindGroupMembers   SourceKind = "group_members"
	KindGroupPosts     SourceKind = "group_posts"
	KindPageRecipients SourceKind = "page_recipients"
	KindListing        SourceKind = "listing"
)

// Kinds lists every supported source kind
var Kinds = []SourceKind{
	KindComments,
	KindGroupMembers,
	KindGroupPosts,
	KindPageRecipients,
	KindListing,
}

// Valid reports whether k is a known source kind
func (k SourceKind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// ParseKind resolves a kind name, case-insensitively
func ParseKind(name string) (SourceKind, error) {
	k := SourceKind(strings.ToLower(strings.TrimSpace(name)))
	if !k.Valid() {
		names := make([]string, len(Kinds))
		for i, known := range Kinds {
			names[i] = string(known)
		}
		return "", errors.WithHintf(errors.Newf("unknown source kind %q", name), "known kinds: %s", strings.Join(names, ", "))
	}
	return k, nil
}
