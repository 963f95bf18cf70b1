package listing

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/cockroachdb/errors"
	"github.com/gocolly/colly/v2"
	"github.com/project-tktt/graph-extractor/internal/common/extractor"
	"github.com/project-tktt/graph-extractor/internal/domain"
	"go.uber.org/zap"
)

// Query filter keys understood by the listing fetcher
const (
	FilterItem  = "item"   // selector of one list entry, required
	FilterNext  = "next"   // selector of the next-page link
	FilterLink  = "link"   // selector of the entry's link inside the item, default "a"
	FieldPrefix = "field." // field.<name> = selector, or selector@attr
)

// Config holds scraper settings
type Config struct {
	UserAgent    string
	RequestDelay time.Duration
	Timeout      time.Duration
	ProxyURL     string
}

// Fetcher implements extractor.PageFetcher for server-rendered HTML lists.
// The cursor is the absolute URL of the next page.
type Fetcher struct {
	collector *colly.Collector
	logger    *zap.Logger
}

// NewFetcher creates a new Colly-based list scraper
func NewFetcher(cfg Config, logger *zap.Logger) (*Fetcher, error) {
	if cfg.UserAgent == "" {
		cfg.UserAgent = "Mozilla/5.0 (compatible; graph-extractor/1.0)"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := colly.NewCollector(
		colly.UserAgent(cfg.UserAgent),
		colly.AllowURLRevisit(),
	)
	c.SetRequestTimeout(cfg.Timeout)

	if cfg.RequestDelay > 0 {
		if err := c.Limit(&colly.LimitRule{
			DomainGlob:  "*",
			Delay:       cfg.RequestDelay,
			RandomDelay: cfg.RequestDelay / 2,
		}); err != nil {
			return nil, errors.Wrap(err, "set limit rule")
		}
	}

	if cfg.ProxyURL != "" {
		if err := c.SetProxy(cfg.ProxyURL); err != nil {
			return nil, errors.Wrap(err, "set proxy")
		}
	}

	return &Fetcher{
		collector: c,
		logger:    logger.With(zap.String("component", "listing_fetcher")),
	}, nil
}

// FetchPage implements extractor.PageFetcher
func (f *Fetcher) FetchPage(ctx context.Context, q extractor.Query, cursor string) (*extractor.Page, error) {
	target := cursor
	if target == "" {
		target = q.SourceID
	}

	itemSel := q.Filters[FilterItem]
	if itemSel == "" {
		return nil, extractor.Fatal(errors.WithHint(errors.New("listing query has no item selector"),
			"pass --filter item=<css selector>"))
	}
	linkSel := q.Filters[FilterLink]
	if linkSel == "" {
		linkSel = "a"
	}
	fields := fieldSelectors(q.Filters)

	var (
		items      []domain.RawItem
		next       string
		extractErr error
	)

	collector := f.collector.Clone()
	collector.Context = ctx

	collector.OnHTML(itemSel, func(el *colly.HTMLElement) {
		item := domain.RawItem{}

		link, title := el.Attr("href"), collapse(el.Text)
		if link == "" {
			link = el.ChildAttr(linkSel, "href")
			title = collapse(el.ChildText(linkSel))
		}
		if link != "" {
			item["url"] = el.Request.AbsoluteURL(link)
		}
		if title != "" {
			item["title"] = title
		}

		for name, sel := range fields {
			if v := fieldValue(el.DOM, sel); v != "" {
				item[name] = v
			}
		}
		items = append(items, item)
	})

	if nextSel := q.Filters[FilterNext]; nextSel != "" {
		collector.OnHTML("html", func(el *colly.HTMLElement) {
			if href, ok := el.DOM.Find(nextSel).First().Attr("href"); ok && href != "" {
				next = el.Request.AbsoluteURL(href)
			}
		})
	}

	collector.OnError(func(r *colly.Response, err error) {
		extractErr = classify(r.StatusCode, errors.Wrapf(err, "fetch %s (status %d)", r.Request.URL, r.StatusCode))
	})

	visitErr := collector.Visit(target)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if extractErr != nil {
		return nil, extractErr
	}
	if visitErr != nil {
		return nil, extractor.Transient(errors.Wrap(visitErr, "visit list url"))
	}

	// a next link pointing at the current page would loop forever
	if next == target {
		next = ""
	}

	f.logger.Debug("Listing page scraped",
		zap.String("url", target),
		zap.Int("items", len(items)),
		zap.Bool("has_next", next != ""),
	)

	return &extractor.Page{Items: items, NextCursor: next}, nil
}

// classify marks scrape failures: throttling, server errors and network
// failures (status 0) are retried, everything else ends the session
func classify(status int, err error) error {
	if status == 0 || status == http.StatusTooManyRequests || status >= 500 {
		return extractor.Transient(err)
	}
	return extractor.Fatal(err)
}

func fieldSelectors(filters map[string]string) map[string]string {
	fields := make(map[string]string)
	for k, v := range filters {
		if name, ok := strings.CutPrefix(k, FieldPrefix); ok && name != "" && v != "" {
			fields[name] = v
		}
	}
	return fields
}

// fieldValue reads "selector" as text or "selector@attr" as an attribute.
// An empty selector ("@attr") reads the item element itself.
func fieldValue(s *goquery.Selection, selector string) string {
	sel, attr, hasAttr := strings.Cut(selector, "@")
	target := s
	if sel != "" {
		target = s.Find(sel).First()
	}
	if hasAttr {
		v, _ := target.Attr(attr)
		return strings.TrimSpace(v)
	}
	return collapse(target.Text())
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
