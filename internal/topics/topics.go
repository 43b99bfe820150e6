// Package topics discovers candidate search topics from the configured feeds.
package topics

import (
	"context"
	"fmt"
	"iter"
	"regexp"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/rss-topic-crawler/internal/crawler"
	"github.com/JakeFAU/rss-topic-crawler/internal/metrics"
	"github.com/JakeFAU/rss-topic-crawler/internal/pacing"
	"github.com/JakeFAU/rss-topic-crawler/internal/sources"
)

// FeedFetchError records a feed that contributed no entries.
type FeedFetchError struct {
	Feed string
	Err  error
}

func (e *FeedFetchError) Error() string {
	return fmt.Sprintf("feed %s: %v", e.Feed, e.Err)
}

func (e *FeedFetchError) Unwrap() error {
	return e.Err
}

// Source turns a sources snapshot into a stream of filtered topics.
type Source struct {
	fetcher     crawler.FeedFetcher
	rnd         pacing.Rand
	feedTimeout time.Duration
	logger      *zap.Logger
}

// Option customizes a Source.
type Option func(*Source)

// WithRand overrides the randomness used for feed shuffling and user agent choice.
func WithRand(r pacing.Rand) Option {
	return func(s *Source) {
		if r != nil {
			s.rnd = r
		}
	}
}

// WithFeedTimeout bounds each individual feed fetch.
func WithFeedTimeout(d time.Duration) Option {
	return func(s *Source) {
		s.feedTimeout = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Source) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New builds a Source backed by fetcher.
func New(fetcher crawler.FeedFetcher, opts ...Option) *Source {
	s := &Source{
		fetcher: fetcher,
		rnd:     pacing.GlobalRand{},
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Topics returns a single-use sequence of topics for snap. Feeds are fetched
// when the sequence is first ranged over; ranging a second time yields nothing.
// Entries of one feed keep their feed order; the order across feeds follows a
// random shuffle of the feed list.
func (s *Source) Topics(ctx context.Context, snap *sources.Snapshot) iter.Seq[string] {
	var used atomic.Bool
	return func(yield func(string) bool) {
		if snap == nil || !used.CompareAndSwap(false, true) {
			return
		}
		for _, entries := range s.fetchAll(ctx, snap) {
			for _, entry := range entries {
				topic := strings.TrimSpace(entry.Title)
				if topic == "" {
					continue
				}
				if Excluded(topic, snap.ExcludePatterns) {
					metrics.ObserveTopic(true)
					s.logger.Debug("topic excluded", zap.String("topic", topic))
					continue
				}
				metrics.ObserveTopic(false)
				s.logger.Info("topic", zap.String("topic", topic))
				if !yield(topic) {
					return
				}
			}
		}
	}
}

// fetchAll fetches every feed concurrently. The returned slice is indexed by
// the shuffled feed position; failed feeds leave a nil entry.
func (s *Source) fetchAll(ctx context.Context, snap *sources.Snapshot) [][]crawler.FeedEntry {
	feeds := slices.Clone(snap.RSSFeeds)
	s.rnd.Shuffle(len(feeds), func(i, j int) {
		feeds[i], feeds[j] = feeds[j], feeds[i]
	})
	agents := make([]string, len(feeds))
	for i := range feeds {
		agents[i] = pacing.Choice(s.rnd, snap.UserAgents)
	}

	results := make([][]crawler.FeedEntry, len(feeds))
	var wg sync.WaitGroup
	for i, feedURL := range feeds {
		wg.Add(1)
		go func(i int, feedURL string) {
			defer wg.Done()
			entries, err := s.fetchOne(ctx, feedURL, agents[i])
			if err != nil {
				metrics.ObserveFeedFetch(false)
				s.logger.Warn("feed fetch failed; treating as empty",
					zap.String("feed", feedURL),
					zap.String("user_agent", agents[i]),
					zap.Error(err),
				)
				return
			}
			metrics.ObserveFeedFetch(true)
			s.logger.Debug("feed fetched", zap.String("feed", feedURL), zap.Int("entries", len(entries)))
			results[i] = entries
		}(i, feedURL)
	}
	wg.Wait()
	return results
}

func (s *Source) fetchOne(ctx context.Context, feedURL, userAgent string) (entries []crawler.FeedEntry, err error) {
	defer func() {
		if r := recover(); r != nil {
			entries = nil
			err = &FeedFetchError{Feed: feedURL, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	if s.feedTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.feedTimeout)
		defer cancel()
	}
	entries, err = s.fetcher.FetchFeed(ctx, feedURL, userAgent)
	if err != nil {
		return nil, &FeedFetchError{Feed: feedURL, Err: err}
	}
	return entries, nil
}

// Excluded reports whether topic (trimmed) matches any pattern. Patterns from
// a sources snapshot are already case-insensitive.
func Excluded(topic string, patterns []*regexp.Regexp) bool {
	topic = strings.TrimSpace(topic)
	for _, re := range patterns {
		if re.MatchString(topic) {
			return true
		}
	}
	return false
}

// Batches partitions seq into consecutive groups of size. The final batch may
// be short; an empty sequence yields no batches.
func Batches(seq iter.Seq[string], size int) iter.Seq[[]string] {
	if size <= 0 {
		size = 1
	}
	return func(yield func([]string) bool) {
		batch := make([]string, 0, size)
		for topic := range seq {
			batch = append(batch, topic)
			if len(batch) == size {
				if !yield(batch) {
					return
				}
				batch = make([]string, 0, size)
			}
		}
		if len(batch) > 0 {
			yield(batch)
		}
	}
}
