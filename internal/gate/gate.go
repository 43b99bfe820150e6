// Package gate bounds how many search navigations run at once and spaces them out.
//
// A Gate holds a fixed number of slots. Each navigation takes a slot, sleeps a
// random jitter while still holding it, performs exactly one GET and releases
// the slot. With the defaults at most two requests are in flight and each one
// is preceded by a 5s to 35s pause.
package gate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/rss-topic-crawler/internal/crawler"
	"github.com/JakeFAU/rss-topic-crawler/internal/metrics"
	"github.com/JakeFAU/rss-topic-crawler/internal/pacing"
	"github.com/JakeFAU/rss-topic-crawler/internal/policy/ratelimit"
)

// DefaultCapacity is the number of navigations allowed in flight.
const DefaultCapacity = 2

// DefaultJitter is the pause taken inside a held slot before each request.
var DefaultJitter = pacing.Range{Min: 5 * time.Second, Max: 35 * time.Second}

// ErrInterrupted marks a navigation abandoned before any request was sent.
var ErrInterrupted = errors.New("navigation interrupted before request")

// NavigationError wraps a failed request.
type NavigationError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *NavigationError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("navigate %s: status %d: %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("navigate %s: %v", e.URL, e.Err)
}

func (e *NavigationError) Unwrap() error { return e.Err }

// Result describes how a navigation resolved.
type Result struct {
	URL        string
	FinalURL   string
	UserAgent  string
	StatusCode int
	Bytes      int
	Duration   time.Duration
	Err        error
}

// OK reports whether the navigation completed with a 2xx response.
func (r Result) OK() bool {
	return r.Err == nil
}

// Gate is a concurrency limited navigator.
type Gate struct {
	fetcher crawler.Fetcher
	slots   chan struct{}
	jitter  pacing.Range
	pauser  pacing.Pauser
	limiter *ratelimit.Limiter
	logger  *zap.Logger
}

// Option configures a Gate.
type Option func(*Gate)

// WithCapacity sets the number of slots. Values below one are ignored.
func WithCapacity(n int) Option {
	return func(g *Gate) {
		if n > 0 {
			g.slots = make(chan struct{}, n)
		}
	}
}

// WithJitter sets the in-slot pause range.
func WithJitter(r pacing.Range) Option {
	return func(g *Gate) {
		g.jitter = r
	}
}

// WithPauser replaces the timer based pauser.
func WithPauser(p pacing.Pauser) Option {
	return func(g *Gate) {
		if p != nil {
			g.pauser = p
		}
	}
}

// WithLimiter adds a per-host rate limit in front of each request.
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(g *Gate) {
		g.limiter = l
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(g *Gate) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// New builds a Gate around fetcher.
func New(fetcher crawler.Fetcher, opts ...Option) *Gate {
	g := &Gate{
		fetcher: fetcher,
		slots:   make(chan struct{}, DefaultCapacity),
		jitter:  DefaultJitter,
		pauser:  pacing.TimerPauser{},
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Capacity returns the number of slots.
func (g *Gate) Capacity() int {
	return cap(g.slots)
}

// Navigate performs one GET of url once a slot is free and the jitter has
// elapsed. Cancelling ctx before the request starts resolves the call with
// ErrInterrupted; a request already sent runs to completion.
func (g *Gate) Navigate(ctx context.Context, url, userAgent string) Result {
	res := Result{URL: url, UserAgent: userAgent}

	waitStart := time.Now()
	select {
	case g.slots <- struct{}{}:
	case <-ctx.Done():
		res.Err = fmt.Errorf("waiting for slot: %w", ErrInterrupted)
		return res
	}
	metrics.GateAcquired(time.Since(waitStart))
	defer func() {
		<-g.slots
		metrics.GateReleased()
	}()

	delay := g.jitter.Draw()
	g.logger.Debug("gate slot acquired", zap.String("url", url), zap.Duration("jitter", delay))
	if err := g.pauser.Pause(ctx, delay); err != nil {
		res.Err = fmt.Errorf("jitter pause: %w", ErrInterrupted)
		return res
	}
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx, url); err != nil {
			res.Err = fmt.Errorf("rate limit: %w", ErrInterrupted)
			return res
		}
	}

	// the request is committed from here on
	resp, err := g.fetcher.Fetch(context.WithoutCancel(ctx), crawler.FetchRequest{
		URL:       url,
		UserAgent: userAgent,
	})
	res.FinalURL = resp.FinalURL
	res.StatusCode = resp.StatusCode
	res.Bytes = len(resp.Body)
	res.Duration = resp.Duration
	if err == nil && (resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices) {
		err = fmt.Errorf("unexpected status %s", http.StatusText(resp.StatusCode))
	}
	if err != nil {
		res.Err = &NavigationError{URL: url, StatusCode: resp.StatusCode, Err: err}
	}
	metrics.ObserveNavigation(url, res.OK(), res.Bytes, res.Duration)
	return res
}
