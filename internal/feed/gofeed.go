// Package feed implements crawler.FeedFetcher on top of gofeed.
package feed

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/JakeFAU/rss-topic-crawler/internal/crawler"
)

// Config controls feed retrieval.
type Config struct {
	Timeout time.Duration
	// MaxItems caps entries taken from one feed; zero keeps all.
	MaxItems int
}

// Fetcher retrieves RSS, Atom, and JSON feeds.
type Fetcher struct {
	cfg    Config
	client *http.Client
}

// New builds a Fetcher with its own pooled HTTP client. Feed traffic is kept
// off the navigation transport so feed polling never competes for gate slots.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Fetcher{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout:   10 * time.Second,
				ExpectContinueTimeout: 1 * time.Second,
				MaxIdleConns:          32,
				IdleConnTimeout:       90 * time.Second,
				ForceAttemptHTTP2:     true,
			},
		},
	}
}

// FetchFeed downloads feedURL identifying as userAgent and returns its entries
// in feed order.
func (f *Fetcher) FetchFeed(ctx context.Context, feedURL string, userAgent string) ([]crawler.FeedEntry, error) {
	parser := gofeed.NewParser()
	parser.Client = f.client
	if userAgent != "" {
		parser.UserAgent = userAgent
	}

	parsed, err := parser.ParseURLWithContext(feedURL, ctx)
	if err != nil {
		return nil, fmt.Errorf("parse feed %s: %w", feedURL, err)
	}
	return f.entries(parsed), nil
}

func (f *Fetcher) entries(parsed *gofeed.Feed) []crawler.FeedEntry {
	if parsed == nil {
		return nil
	}
	items := parsed.Items
	if f.cfg.MaxItems > 0 && len(items) > f.cfg.MaxItems {
		items = items[:f.cfg.MaxItems]
	}
	out := make([]crawler.FeedEntry, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		out = append(out, crawler.FeedEntry{Title: item.Title, Link: item.Link})
	}
	return out
}

// Close releases idle feed connections.
func (f *Fetcher) Close() {
	f.client.CloseIdleConnections()
}
