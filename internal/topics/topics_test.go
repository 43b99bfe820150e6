package topics

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"sync"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/rss-topic-crawler/internal/crawler"
	"github.com/JakeFAU/rss-topic-crawler/internal/sources"
)

// MockFeedFetcher is a mock implementation of crawler.FeedFetcher.
type MockFeedFetcher struct {
	mock.Mock
}

func (m *MockFeedFetcher) FetchFeed(ctx context.Context, feedURL string, userAgent string) ([]crawler.FeedEntry, error) {
	args := m.Called(ctx, feedURL, userAgent)
	entries, _ := args.Get(0).([]crawler.FeedEntry)
	return entries, args.Error(1)
}

// identityRand never shuffles and always picks index 0.
type identityRand struct{}

func (identityRand) IntN(int) int { return 0 }
func (identityRand) Shuffle(int, func(i, j int)) {}

func entries(titles ...string) []crawler.FeedEntry {
	out := make([]crawler.FeedEntry, 0, len(titles))
	for _, title := range titles {
		out = append(out, crawler.FeedEntry{Title: title})
	}
	return out
}

func snapshot(t *testing.T, doc string) *sources.Snapshot {
	t.Helper()
	snap, err := sources.Parse([]byte(doc))
	require.NoError(t, err)
	return snap
}

func TestTopicsExcludesMatchingTitles(t *testing.T) {
	t.Parallel()

	fetcher := new(MockFeedFetcher)
	fetcher.On("FetchFeed", mock.Anything, "https://feeds.example/news", "agent-a").
		Return(entries("Cats News", "cats and dogs", "Weather Today"), nil)

	snap := snapshot(t, `{
		"exclude_regex": ["cats?"],
		"search_engines": ["https://example.com/?q=%s"],
		"rss_feeds": ["https://feeds.example/news"],
		"user_agents": ["agent-a"]
	}`)

	src := New(fetcher)
	got := slices.Collect(src.Topics(context.Background(), snap))

	require.Equal(t, []string{"Weather Today"}, got)
	fetcher.AssertExpectations(t)
}

func TestTopicsFailedFeedDoesNotAffectOthers(t *testing.T) {
	t.Parallel()

	fetcher := new(MockFeedFetcher)
	fetcher.On("FetchFeed", mock.Anything, "https://a.example/rss", mock.Anything).
		Return(entries("  Alpha one ", "Alpha two"), nil)
	fetcher.On("FetchFeed", mock.Anything, "https://broken.example/rss", mock.Anything).
		Return(nil, errors.New("connection reset"))
	fetcher.On("FetchFeed", mock.Anything, "https://b.example/rss", mock.Anything).
		Return(entries("Beta one", ""), nil)

	snap := snapshot(t, `{
		"exclude_regex": [],
		"search_engines": [],
		"rss_feeds": ["https://a.example/rss", "https://broken.example/rss", "https://b.example/rss"],
		"user_agents": ["ua"]
	}`)

	got := slices.Collect(New(fetcher, WithRand(identityRand{})).Topics(context.Background(), snap))
	require.Equal(t, []string{"Alpha one", "Alpha two", "Beta one"}, got)
	fetcher.AssertNumberOfCalls(t, "FetchFeed", 3)
}

func TestTopicsRecoversFromPanickingFetcher(t *testing.T) {
	t.Parallel()

	snap := snapshot(t, `{
		"exclude_regex": [],
		"search_engines": [],
		"rss_feeds": ["https://panic.example/rss", "https://ok.example/rss"],
		"user_agents": []
	}`)

	fetcher := fetchFunc(func(_ context.Context, feedURL, _ string) ([]crawler.FeedEntry, error) {
		if feedURL == "https://panic.example/rss" {
			panic("malformed feed")
		}
		return entries("Survivor"), nil
	})

	got := slices.Collect(New(fetcher).Topics(context.Background(), snap))
	require.Equal(t, []string{"Survivor"}, got)
}

func TestTopicsPicksUserAgentPerFeed(t *testing.T) {
	t.Parallel()

	var (
		mu     sync.Mutex
		agents = map[string]string{}
	)
	fetcher := fetchFunc(func(_ context.Context, feedURL, ua string) ([]crawler.FeedEntry, error) {
		mu.Lock()
		defer mu.Unlock()
		agents[feedURL] = ua
		return nil, nil
	})
	snap := snapshot(t, `{
		"exclude_regex": [],
		"search_engines": [],
		"rss_feeds": ["https://1.example", "https://2.example", "https://3.example"],
		"user_agents": ["ua-1", "ua-2"]
	}`)

	got := slices.Collect(New(fetcher).Topics(context.Background(), snap))
	require.Empty(t, got)
	require.Len(t, agents, 3)
	for feedURL, ua := range agents {
		require.Contains(t, []string{"ua-1", "ua-2"}, ua, "feed %s", feedURL)
	}
}

func TestTopicsShuffleDoesNotMutateSnapshot(t *testing.T) {
	t.Parallel()

	feeds := make([]string, 20)
	for i := range feeds {
		feeds[i] = fmt.Sprintf("https://%d.example/rss", i)
	}
	snap := &sources.Snapshot{RSSFeeds: slices.Clone(feeds), UserAgents: []string{}}
	fetcher := fetchFunc(func(context.Context, string, string) ([]crawler.FeedEntry, error) {
		return nil, nil
	})

	_ = slices.Collect(New(fetcher).Topics(context.Background(), snap))
	require.Equal(t, feeds, snap.RSSFeeds)
}

func TestTopicsSequenceIsSingleUse(t *testing.T) {
	t.Parallel()

	fetcher := new(MockFeedFetcher)
	fetcher.On("FetchFeed", mock.Anything, mock.Anything, mock.Anything).Return(entries("one", "two"), nil).Once()
	snap := snapshot(t, `{"exclude_regex": [], "search_engines": [], "rss_feeds": ["https://x.example"], "user_agents": []}`)

	seq := New(fetcher).Topics(context.Background(), snap)
	require.Equal(t, []string{"one", "two"}, slices.Collect(seq))
	require.Empty(t, slices.Collect(seq))
	fetcher.AssertNumberOfCalls(t, "FetchFeed", 1)
}

func TestTopicsNeverYieldExcluded(t *testing.T) {
	t.Parallel()

	titles := []string{"Breaking: CAT rescued", "Dogs", "Sports", "category theory", "sport cars", "Weather"}
	fetcher := fetchFunc(func(context.Context, string, string) ([]crawler.FeedEntry, error) {
		return entries(titles...), nil
	})
	snap := snapshot(t, `{"exclude_regex": ["cat", "^sport"], "search_engines": [], "rss_feeds": ["https://x.example"], "user_agents": []}`)

	for topic := range New(fetcher).Topics(context.Background(), snap) {
		require.False(t, Excluded(topic, snap.ExcludePatterns), "topic %q should have been excluded", topic)
	}
	require.Equal(t, []string{"Dogs", "Weather"}, slices.Collect(New(fetcher).Topics(context.Background(), snap)))
}

func TestExcluded(t *testing.T) {
	t.Parallel()

	patterns := []*regexp.Regexp{regexp.MustCompile("(?i)cats?")}
	require.True(t, Excluded("  Cats News  ", patterns))
	require.False(t, Excluded("Weather Today", patterns))
	require.False(t, Excluded("anything", nil))
}

func TestBatches(t *testing.T) {
	t.Parallel()

	topics := make([]string, 23)
	for i := range topics {
		topics[i] = fmt.Sprintf("topic-%d", i)
	}

	var sizes []int
	var flat []string
	for batch := range Batches(slices.Values(topics), 10) {
		sizes = append(sizes, len(batch))
		flat = append(flat, batch...)
	}
	require.Equal(t, []int{10, 10, 3}, sizes)
	require.Equal(t, topics, flat)

	require.Empty(t, slices.Collect(Batches(slices.Values([]string{}), 10)))

	exact := slices.Collect(Batches(slices.Values(topics[:20]), 10))
	require.Len(t, exact, 2)
}

func TestBatchesStopsEarly(t *testing.T) {
	t.Parallel()

	topics := []string{"a", "b", "c", "d", "e"}
	var got [][]string
	for batch := range Batches(slices.Values(topics), 2) {
		got = append(got, batch)
		break
	}
	require.Equal(t, [][]string{{"a", "b"}}, got)
}

type fetchFunc func(ctx context.Context, feedURL, userAgent string) ([]crawler.FeedEntry, error)

func (f fetchFunc) FetchFeed(ctx context.Context, feedURL, userAgent string) ([]crawler.FeedEntry, error) {
	return f(ctx, feedURL, userAgent)
}
