package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/project-tktt/graph-extractor/internal/common/extractor"
	"github.com/project-tktt/graph-extractor/internal/common/sink"
	"github.com/project-tktt/graph-extractor/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestParseFilters(t *testing.T) {
	filters, err := parseFilters([]string{"item=li.topic", "field.date=time@datetime", " order =reverse_chronological", "empty="})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"item":       "li.topic",
		"field.date": "time@datetime",
		"order":      "reverse_chronological",
		"empty":      "",
	}, filters)

	_, err = parseFilters([]string{"novalue"})
	require.Error(t, err)
	assert.Contains(t, errors.FlattenHints(err), "key=value")
}

func TestExportName(t *testing.T) {
	s := &extractor.Session{
		SourceID:  "https://example.com/forum?page=1",
		Query:     extractor.Query{Kind: domain.KindListing},
		StartedAt: time.Date(2024, 3, 5, 10, 20, 30, 0, time.UTC),
	}
	assert.Equal(t, "listing_https---example-com-forum-page-1_20240305T102030.csv", exportName(s))

	s = &extractor.Session{
		SourceID:  "123_456",
		Query:     extractor.Query{Kind: domain.KindComments},
		StartedAt: s.StartedAt,
	}
	assert.Equal(t, "comments_123_456_20240305T102030.csv", exportName(s))
}

func TestRootCommandTree(t *testing.T) {
	for _, name := range []string{"comments", "members", "posts", "recipients", "listing", "forget", "queue"} {
		cmd, _, err := rootCmd.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name())
	}

	cmd, _, err := rootCmd.Find([]string{"comments"})
	require.NoError(t, err)
	assert.NotNil(t, cmd.Flags().Lookup("filter"))
	assert.NotNil(t, cmd.Flags().Lookup("page-size"))
	assert.NotNil(t, cmd.Flags().Lookup("stream"))
	assert.Error(t, cmd.Args(cmd, nil), "at least one source id")
}

func TestSourceIDs(t *testing.T) {
	assert.Equal(t, []string{"123_456", "https://example.com/forum"},
		sourceIDs([]string{" 123_456 ", "\t", "https://example.com/forum\n", ""}))
	assert.Empty(t, sourceIDs(nil))
}

func TestExporter_StreamAppendsPages(t *testing.T) {
	dir := t.TempDir()
	cols, err := sink.Columns([]string{"key", "message"})
	require.NoError(t, err)

	x := newExporter(dir, cols, false, true, zap.NewNop())
	s := &extractor.Session{
		ID:        "s1",
		SourceID:  "123_456",
		Query:     extractor.Query{Kind: domain.KindComments},
		StartedAt: time.Date(2024, 3, 5, 10, 20, 30, 0, time.UTC),
	}
	ctx := context.Background()

	x.page(ctx, s, []*domain.Record{{Key: "a", Message: "first"}})
	x.page(ctx, s, nil)
	x.page(ctx, s, []*domain.Record{{Key: "b", Message: "second"}})

	// Written before the session ends
	path := filepath.Join(dir, "comments_123_456_20240305T102030.csv")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "key,message\na,first\nb,second\n", string(data))

	// Streams of cancelled sessions are closed by Close
	x.Close()
	x.page(ctx, s, []*domain.Record{{Key: "c", Message: "third"}})
	x.finish(s)

	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(data), "key,message"), "header written once")
	assert.Contains(t, string(data), "c,third")
}

func TestExporter_StreamOffWritesNothingPerPage(t *testing.T) {
	dir := t.TempDir()
	x := newExporter(dir, nil, false, false, zap.NewNop())
	s := &extractor.Session{ID: "s1", SourceID: "1", Query: extractor.Query{Kind: domain.KindGroupMembers}}

	x.page(context.Background(), s, []*domain.Record{{Key: "a"}})

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
