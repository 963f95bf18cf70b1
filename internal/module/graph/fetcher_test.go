package graph

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/project-tktt/graph-extractor/internal/common/extractor"
	"github.com/project-tktt/graph-extractor/internal/common/normalizer"
	"github.com/project-tktt/graph-extractor/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

func newTestFetcher(t *testing.T, h http.HandlerFunc) *Fetcher {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewFetcher(Config{BaseURL: srv.URL, Version: "v19.0"}, StaticToken("tok"), zap.NewNop())
}

func TestFetchPage_RequestShape(t *testing.T) {
	var got *http.Request
	f := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		got = r
		w.Write([]byte(`{"data":[]}`))
	})

	_, err := f.FetchPage(context.Background(), extractor.Query{
		SourceID: "123_456",
		Kind:     domain.KindComments,
		PageSize: 50,
		Filters:  map[string]string{"filter": "toplevel"},
	}, "CURSOR1")
	require.NoError(t, err)

	require.NotNil(t, got)
	assert.Equal(t, "/v19.0/123_456/comments", got.URL.Path)
	q := got.URL.Query()
	assert.Equal(t, "50", q.Get("limit"))
	assert.Equal(t, "CURSOR1", q.Get("after"))
	assert.Equal(t, "total_count", q.Get("summary"))
	assert.Equal(t, "toplevel", q.Get("filter"), "filters override edge defaults")
	assert.Contains(t, q.Get("fields"), "permalink_url")
	assert.Empty(t, q.Get("access_token"), "token must not appear in the URL")
	assert.Equal(t, "Bearer tok", got.Header.Get("Authorization"))
}

func TestFetchPage_EdgesPerKind(t *testing.T) {
	tests := []struct {
		kind domain.SourceKind
		path string
	}{
		{domain.KindComments, "/v19.0/src/comments"},
		{domain.KindGroupMembers, "/v19.0/src/members"},
		{domain.KindGroupPosts, "/v19.0/src/feed"},
		{domain.KindPageRecipients, "/v19.0/src/conversations"},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			var path, first string
			f := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
				path = r.URL.Path
				first = r.URL.Query().Get("after")
				w.Write([]byte(`{"data":[]}`))
			})

			_, err := f.FetchPage(context.Background(), extractor.Query{SourceID: "src", Kind: tt.kind}, "")
			require.NoError(t, err)
			assert.Equal(t, tt.path, path)
			assert.Empty(t, first, "first page carries no cursor")
		})
	}
}

func TestFetchPage_UnsupportedKindIsFatal(t *testing.T) {
	f := NewFetcher(Config{}, StaticToken("tok"), nil)

	_, err := f.FetchPage(context.Background(), extractor.Query{SourceID: "x", Kind: domain.KindListing}, "")
	assert.Equal(t, extractor.KindFatal, extractor.KindOf(err))
}

func TestFetchPage_MissingTokenIsFatal(t *testing.T) {
	f := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	})
	f.tokens = StaticToken("")

	_, err := f.FetchPage(context.Background(), extractor.Query{SourceID: "x", Kind: domain.KindComments}, "")
	assert.Equal(t, extractor.KindFatal, extractor.KindOf(err))
}

func TestParsePage(t *testing.T) {
	t.Run("more pages", func(t *testing.T) {
		page, err := parsePage(200, []byte(`{
			"data": [{"id": "1"}, {"id": "2"}],
			"paging": {"cursors": {"before": "B", "after": "A"}, "next": "https://graph/next"},
			"summary": {"total_count": 42}
		}`))
		require.NoError(t, err)
		assert.Len(t, page.Items, 2)
		assert.Equal(t, "A", page.NextCursor)
		assert.Equal(t, 42, page.TotalHint)
	})

	t.Run("last page keeps after cursor but has no next", func(t *testing.T) {
		page, err := parsePage(200, []byte(`{"data": [{"id": "3"}], "paging": {"cursors": {"after": "A2"}}}`))
		require.NoError(t, err)
		assert.Empty(t, page.NextCursor)
	})

	t.Run("malformed json is transient", func(t *testing.T) {
		_, err := parsePage(200, []byte(`{"data": [`))
		assert.Equal(t, extractor.KindTransient, extractor.KindOf(err))
	})

	t.Run("missing data is transient", func(t *testing.T) {
		_, err := parsePage(200, []byte(`{}`))
		assert.Equal(t, extractor.KindTransient, extractor.KindOf(err))
	})
}

func TestClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   extractor.ErrorKind
	}{
		{"rate limited code", 400, `{"error":{"message":"limit","code":4}}`, extractor.KindTransient},
		{"page limit", 403, `{"error":{"message":"limit","code":32}}`, extractor.KindTransient},
		{"hourly limit", 400, `{"error":{"message":"limit","code":613}}`, extractor.KindTransient},
		{"expired token", 400, `{"error":{"message":"expired","type":"OAuthException","code":190}}`, extractor.KindFatal},
		{"unknown object", 400, `{"error":{"message":"nope","code":100}}`, extractor.KindFatal},
		{"permission range", 403, `{"error":{"message":"perm","code":283}}`, extractor.KindFatal},
		{"http 429", 429, `too many`, extractor.KindTransient},
		{"http 503", 503, ``, extractor.KindTransient},
		{"http 500 with json", 500, `{"error":{"message":"oops","code":99999}}`, extractor.KindTransient},
		{"http 401", 401, ``, extractor.KindFatal},
		{"http 404", 404, `not found`, extractor.KindFatal},
		{"http 418", 418, ``, extractor.KindFatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parsePage(tt.status, []byte(tt.body))
			require.Error(t, err)
			assert.Equal(t, tt.want, extractor.KindOf(err))
		})
	}
}

func TestClassification_TokenHint(t *testing.T) {
	_, err := parsePage(400, []byte(`{"error":{"message":"expired","code":190,"fbtrace_id":"T1"}}`))

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 190, apiErr.Code)
	assert.Equal(t, 400, apiErr.Status)
	assert.Equal(t, "T1", apiErr.TraceID)
	assert.Contains(t, errors.FlattenHints(err), "access token")
}

func TestFetchPage_ServerErrorIsTransient(t *testing.T) {
	f := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := f.FetchPage(context.Background(), extractor.Query{SourceID: "x", Kind: domain.KindGroupPosts}, "")
	assert.Equal(t, extractor.KindTransient, extractor.KindOf(err))
}

func TestFetchPage_RateLimited(t *testing.T) {
	f := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[]}`))
	})
	f.limiter = rate.NewLimiter(0.5, 1) // one request every two seconds

	ctx := context.Background()
	q := extractor.Query{SourceID: "x", Kind: domain.KindComments}
	_, err := f.FetchPage(ctx, q, "")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = f.FetchPage(ctx, q, "")
	require.Error(t, err, "second call must wait on the limiter")
}

// graphServer serves a paginated comments edge: pages[i] is returned for
// cursor "c{i}", the first page for an empty cursor
type graphServer struct {
	mu    sync.Mutex
	pages []string
	calls []string
}

func (g *graphServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	defer g.mu.Unlock()

	after := r.URL.Query().Get("after")
	g.calls = append(g.calls, after)

	idx := 0
	if after != "" {
		idx = int(after[1] - '0')
	}
	w.Write([]byte(g.pages[idx]))
}

func TestFetcherDrivesExtractor(t *testing.T) {
	g := &graphServer{pages: []string{
		`{"data":[{"id":"1","message":"a"},{"id":"2","message":"b"}],"paging":{"cursors":{"after":"c1"},"next":"x"},"summary":{"total_count":3}}`,
		`{"data":[{"id":"2","message":"b"},{"id":"3","message":"<i>c</i>"}],"paging":{"cursors":{"after":"c1"}}}`,
	}}
	srv := httptest.NewServer(g)
	defer srv.Close()

	fetcher := NewFetcher(Config{BaseURL: srv.URL}, StaticToken("tok"), nil)
	opts := extractor.DefaultOptions()
	opts.BaseDelay, opts.InterPageDelay, opts.InterPageJitter = 0, 0, 0
	ex := extractor.NewExtractor(fetcher, normalizer.NewNormalizer(domain.KindComments, "post_1"), opts, nil)

	s, err := ex.Start(context.Background(), "post_1", extractor.Query{Kind: domain.KindComments}, extractor.Handler{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	state, err := s.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, extractor.Completed, state)

	var msgs []string
	for _, r := range s.Records() {
		msgs = append(msgs, r.Message)
	}
	assert.Equal(t, []string{"a", "b", "c"}, msgs)
	assert.Equal(t, 3, s.EstimatedTotal())
	assert.Equal(t, []string{"", "c1"}, g.calls)
	assert.NotEmpty(t, s.ID)
}
