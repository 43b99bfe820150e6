package crawler

import (
	"net/http"
	"time"
)

// FetchRequest captures everything needed to navigate to a URL.
type FetchRequest struct {
	URL       string
	UserAgent string
	Headers   http.Header
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL        string
	FinalURL   string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// FeedEntry is a single item exposed by a parsed feed.
type FeedEntry struct {
	Title string
	Link  string
}
