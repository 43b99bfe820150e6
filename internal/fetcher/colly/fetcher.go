// Package collyfetcher implements crawler.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/rss-topic-crawler/internal/crawler"
)

// Config controls collector behavior.
type Config struct {
	// UserAgent is used when a request does not carry its own.
	UserAgent    string
	Timeout      time.Duration
	MaxBodyBytes int
}

// Fetcher implements crawler.Fetcher using the Colly collector. All clones
// share one HTTP backend, so every navigation uses the same connection pool.
type Fetcher struct {
	cfg           Config
	transport     *http.Transport
	baseCollector *colly.Collector
	logger        *zap.Logger
	requests      atomic.Uint64
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	opts := []colly.CollectorOption{colly.Async(false)}
	if cfg.MaxBodyBytes > 0 {
		opts = append(opts, colly.MaxBodySize(cfg.MaxBodyBytes))
	}
	if cfg.UserAgent != "" {
		opts = append(opts, colly.UserAgent(cfg.UserAgent))
	}
	c := colly.NewCollector(opts...)
	// the same search URL may legitimately come around again in a later iteration
	c.AllowURLRevisit = true
	c.IgnoreRobotsTxt = true

	transport := newHTTPTransport()
	c.WithTransport(transport)
	c.SetRequestTimeout(cfg.Timeout)

	return &Fetcher{
		cfg:           cfg,
		transport:     transport,
		baseCollector: c,
		logger:        logger,
	}
}

// Fetch executes a single HTTP GET, following redirects.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	var (
		result   = crawler.FetchResponse{URL: request.URL}
		fetchErr error
	)
	collector := f.buildCollector(request)
	f.configureCollectorHooks(collector, request, time.Now(), &result, &fetchErr)

	if err := f.runCollector(ctx, collector, request.URL, &fetchErr); err != nil {
		return result, err
	}
	return result, nil
}

func (f *Fetcher) buildCollector(request crawler.FetchRequest) *colly.Collector {
	collector := f.baseCollector.Clone()
	if request.UserAgent != "" {
		collector.UserAgent = request.UserAgent
	}
	return collector
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	request crawler.FetchRequest,
	start time.Time,
	result *crawler.FetchResponse,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		f.copyHeaders(request, r)
		n := f.requests.Add(1)
		f.logger.Info("request", zap.Uint64("request_number", n), zap.String("url", r.URL.String()))
	})

	hooks.OnResponse(func(r *colly.Response) {
		*result = crawler.FetchResponse{
			URL:        request.URL,
			FinalURL:   r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    cloneHeaders(r.Headers),
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
		f.logger.Info("response",
			zap.Int("status", r.StatusCode),
			zap.String("url", r.Request.URL.String()),
		)
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if err == nil {
			err = errors.New("unknown colly error")
		}
		if r != nil {
			result.StatusCode = r.StatusCode
			result.Headers = cloneHeaders(r.Headers)
			if r.Request != nil && r.Request.URL != nil {
				result.FinalURL = r.Request.URL.String()
			}
			f.logger.Info("response",
				zap.Int("status", r.StatusCode),
				zap.String("url", result.FinalURL),
			)
		}
		result.Duration = time.Since(start)
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		return nil
	}
}

func (f *Fetcher) copyHeaders(request crawler.FetchRequest, r *colly.Request) {
	if request.Headers == nil {
		return
	}
	for key, values := range request.Headers {
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

// Close drops pooled connections held by the shared transport.
func (f *Fetcher) Close() {
	f.transport.CloseIdleConnections()
}

// Requests reports how many requests have been issued.
func (f *Fetcher) Requests() uint64 {
	return f.requests.Load()
}

func cloneHeaders(h *http.Header) http.Header {
	if h == nil {
		return http.Header{}
	}
	return h.Clone()
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		ForceAttemptHTTP2:     true,
	}
}
