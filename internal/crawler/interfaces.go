package crawler

import (
	"context"
	"time"
)

// Fetcher performs a single HTTP GET and returns the body plus metadata.
// Non-2xx responses are reported as errors; the response is still populated
// with whatever status information was available.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// FeedFetcher retrieves and parses a feed using the given user agent.
type FeedFetcher interface {
	FetchFeed(ctx context.Context, feedURL string, userAgent string) ([]FeedEntry, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces iteration IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
