package graph

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/project-tktt/graph-extractor/internal/common/extractor"
	"github.com/project-tktt/graph-extractor/internal/domain"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// TokenSource supplies the access token for each request
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource that always returns the same token
type StaticToken string

// Token implements TokenSource
func (t StaticToken) Token(context.Context) (string, error) {
	if t == "" {
		return "", extractor.Fatal(errors.WithHint(errors.New("no access token configured"),
			"set graph.access_token or EXTRACTOR_GRAPH_ACCESS_TOKEN"))
	}
	return string(t), nil
}

// Config holds Graph API client settings
type Config struct {
	BaseURL         string
	Version         string
	Timeout         time.Duration
	RequestsPerHour int
	UserAgent       string
	DefaultPageSize int
}

// edge describes how a source kind maps onto the Graph API
type edge struct {
	path   string
	fields []string
	params map[string]string
}

var edges = map[domain.SourceKind]edge{
	domain.KindComments: {
		path:   "comments",
		fields: []string{"id", "message", "created_time", "from", "like_count", "comment_count", "parent{id}", "permalink_url", "attachment"},
		params: map[string]string{"summary": "total_count", "filter": "stream", "order": "chronological"},
	},
	domain.KindGroupMembers: {
		path:   "members",
		fields: []string{"id", "name", "administrator", "joined", "picture"},
	},
	domain.KindGroupPosts: {
		path: "feed",
		fields: []string{"id", "message", "story", "created_time", "updated_time", "from", "permalink_url",
			"reactions.summary(total_count).limit(0)", "comments.summary(total_count).limit(0)", "shares"},
	},
	domain.KindPageRecipients: {
		path:   "conversations",
		fields: []string{"id", "updated_time", "link", "participants"},
	},
}

// Fetcher implements extractor.PageFetcher for the Graph API
type Fetcher struct {
	client  *http.Client
	config  Config
	tokens  TokenSource
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewFetcher creates a new Graph API page fetcher. The limiter is shared by
// every session using this fetcher.
func NewFetcher(cfg Config, tokens TokenSource, logger *zap.Logger) *Fetcher {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://graph.facebook.com"
	}
	if cfg.Version == "" {
		cfg.Version = "v19.0"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "graph-extractor/1.0"
	}
	if cfg.DefaultPageSize <= 0 {
		cfg.DefaultPageSize = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	limit := rate.Inf
	if cfg.RequestsPerHour > 0 {
		limit = rate.Limit(float64(cfg.RequestsPerHour) / 3600.0)
	}

	return &Fetcher{
		client:  &http.Client{Timeout: cfg.Timeout},
		config:  cfg,
		tokens:  tokens,
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger.With(zap.String("component", "graph_fetcher")),
	}
}

// FetchPage implements extractor.PageFetcher
func (f *Fetcher) FetchPage(ctx context.Context, q extractor.Query, cursor string) (*extractor.Page, error) {
	reqURL, err := f.pageURL(q, cursor)
	if err != nil {
		return nil, err
	}

	token, err := f.tokens.Token(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "get access token")
	}

	if err := f.limiter.Wait(ctx); err != nil {
		return nil, errors.Wrap(err, "rate limit wait")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, extractor.Fatal(errors.Wrap(err, "create request"))
	}
	f.setHeaders(req, token)

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, extractor.Transient(errors.Wrap(err, "do request"))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, extractor.Transient(errors.Wrap(err, "read body"))
	}

	f.logger.Debug("Graph page fetched",
		zap.String("source_id", q.SourceID),
		zap.String("edge", edges[q.Kind].path),
		zap.Bool("first", cursor == ""),
		zap.Int("status", resp.StatusCode),
		zap.Duration("took", time.Since(start)),
	)

	return parsePage(resp.StatusCode, body)
}

// pageURL builds {base}/{version}/{source}/{edge}?fields=..&limit=..&after=..
func (f *Fetcher) pageURL(q extractor.Query, cursor string) (string, error) {
	e, ok := edges[q.Kind]
	if !ok {
		return "", extractor.Fatal(errors.Newf("graph api has no edge for %q", q.Kind))
	}

	fields := q.Fields
	if len(fields) == 0 {
		fields = e.fields
	}
	limit := q.PageSize
	if limit <= 0 {
		limit = f.config.DefaultPageSize
	}

	params := url.Values{}
	params.Set("fields", strings.Join(fields, ","))
	params.Set("limit", strconv.Itoa(limit))
	for k, v := range e.params {
		params.Set(k, v)
	}
	for k, v := range q.Filters {
		params.Set(k, v)
	}
	if cursor != "" {
		params.Set("after", cursor)
	}

	base := strings.TrimRight(f.config.BaseURL, "/")
	return base + "/" + f.config.Version + "/" + url.PathEscape(q.SourceID) + "/" + e.path + "?" + params.Encode(), nil
}

func (f *Fetcher) setHeaders(req *http.Request, token string) {
	req.Header.Set("User-Agent", f.config.UserAgent)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
}

// pageResponse is the envelope shared by every paginated edge
type pageResponse struct {
	Data   []map[string]any `json:"data"`
	Paging struct {
		Cursors struct {
			After string `json:"after"`
		} `json:"cursors"`
		Next string `json:"next"`
	} `json:"paging"`
	Summary struct {
		TotalCount int `json:"total_count"`
	} `json:"summary"`
	Error *APIError `json:"error"`
}

// parsePage decodes a response body into a page or a classified error
func parsePage(status int, body []byte) (*extractor.Page, error) {
	var res pageResponse
	decodeErr := json.Unmarshal(body, &res)

	if res.Error != nil {
		res.Error.Status = status
		return nil, classify(res.Error)
	}
	if status != http.StatusOK {
		return nil, classify(&APIError{Status: status, Message: http.StatusText(status)})
	}
	if decodeErr != nil {
		return nil, extractor.Transient(errors.Wrap(decodeErr, "parse page json"))
	}
	if res.Data == nil {
		return nil, extractor.Transient(errors.New("page has no data array"))
	}

	page := &extractor.Page{
		Items:     make([]domain.RawItem, 0, len(res.Data)),
		TotalHint: res.Summary.TotalCount,
	}
	for _, item := range res.Data {
		page.Items = append(page.Items, domain.RawItem(item))
	}
	// cursors.after is also present on the last page; only next means more
	if res.Paging.Next != "" {
		page.NextCursor = res.Paging.Cursors.After
	}
	return page, nil
}
