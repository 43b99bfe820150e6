package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/rss-topic-crawler/internal/gate"
	"github.com/JakeFAU/rss-topic-crawler/internal/pacing"
	"github.com/JakeFAU/rss-topic-crawler/internal/sources"
)

type storeFunc func() (*sources.Snapshot, error)

func (f storeFunc) Load() (*sources.Snapshot, error) { return f() }

type staticTopics []string

func (s staticTopics) Topics(context.Context, *sources.Snapshot) iter.Seq[string] {
	return slices.Values(s)
}

type navFunc func(ctx context.Context, url, userAgent string) gate.Result

func (f navFunc) Navigate(ctx context.Context, url, userAgent string) gate.Result {
	return f(ctx, url, userAgent)
}

type firstRand struct{}

func (firstRand) IntN(int) int { return 0 }
func (firstRand) Shuffle(int, func(i, j int)) {}

type fixedIDs struct{}

func (fixedIDs) NewID() (string, error) { return "iter-1", nil }

// cancelPauser cancels the run on its nth call.
type cancelPauser struct {
	calls  atomic.Int32
	nth    int32
	cancel context.CancelFunc
}

func (p *cancelPauser) Pause(ctx context.Context, _ time.Duration) error {
	if p.calls.Add(1) >= p.nth {
		p.cancel()
	}
	return ctx.Err()
}

func snapshot(engines ...string) *sources.Snapshot {
	return &sources.Snapshot{
		ExcludeRaw:    []string{},
		SearchEngines: engines,
		RSSFeeds:      []string{"https://feeds.test/rss"},
		UserAgents:    []string{"UA-1"},
		SearchQueries: []string{},
	}
}

func staticStore(snap *sources.Snapshot) storeFunc {
	return func() (*sources.Snapshot, error) { return snap, nil }
}

func okNav(_ context.Context, url, ua string) gate.Result {
	return gate.Result{URL: url, FinalURL: url, UserAgent: ua, StatusCode: http.StatusOK, Bytes: 42}
}

func topicList(n int) staticTopics {
	out := make(staticTopics, n)
	for i := range out {
		out[i] = fmt.Sprintf("topic %02d", i)
	}
	return out
}

func newTestOrchestrator(store SnapshotLoader, lister TopicLister, nav Navigator, opts ...Option) *Orchestrator {
	base := []Option{
		WithPauser(pacing.NoPause{}),
		WithRand(firstRand{}),
		WithIDGenerator(fixedIDs{}),
	}
	return New(store, lister, nav, append(base, opts...)...)
}

func TestRunIterationBatchesTwentyThreeTopics(t *testing.T) {
	t.Parallel()

	var (
		mu        sync.Mutex
		inFlight  int
		completed int
		violation string
	)
	nav := navFunc(func(ctx context.Context, url, ua string) gate.Result {
		mu.Lock()
		started := completed + inFlight
		// a new batch may only start once every task of the previous one resolved
		if started%DefaultBatchSize == 0 && inFlight != 0 && violation == "" {
			violation = fmt.Sprintf("task %d started with %d in flight", started, inFlight)
		}
		inFlight++
		mu.Unlock()

		time.Sleep(time.Millisecond)

		mu.Lock()
		inFlight--
		completed++
		mu.Unlock()
		return okNav(ctx, url, ua)
	})

	o := newTestOrchestrator(staticStore(snapshot("https://s.test/?q=%s")), topicList(23), nav)
	stats, err := o.RunIteration(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, stats.Batches)
	assert.Equal(t, 23, stats.Topics)
	assert.Equal(t, 23, stats.Succeeded)
	assert.Equal(t, 0, stats.Failed)
	assert.Equal(t, "iter-1", stats.ID)
	assert.Empty(t, violation)
}

func TestRunIterationBuildsTaskFromSnapshot(t *testing.T) {
	t.Parallel()

	var got []string
	var mu sync.Mutex
	nav := navFunc(func(ctx context.Context, url, ua string) gate.Result {
		mu.Lock()
		got = append(got, ua+" "+url)
		mu.Unlock()
		return okNav(ctx, url, ua)
	})

	o := newTestOrchestrator(staticStore(snapshot("  https://s.test/search?q=%s  ")), staticTopics{"hello world"}, nav)
	_, err := o.RunIteration(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"UA-1 https://s.test/search?q=hello%20world"}, got)
}

func TestRunIterationRereadsSnapshotPerTask(t *testing.T) {
	t.Parallel()

	var loads atomic.Int32
	store := storeFunc(func() (*sources.Snapshot, error) {
		// the iteration load plus the first task see engine a; later tasks see engine b
		if loads.Add(1) <= 2 {
			return snapshot("https://a.test/?q=%s"), nil
		}
		return snapshot("https://b.test/?q=%s"), nil
	})

	var mu sync.Mutex
	var hosts []string
	nav := navFunc(func(ctx context.Context, url, ua string) gate.Result {
		mu.Lock()
		hosts = append(hosts, strings.SplitN(url, "/", 4)[2])
		mu.Unlock()
		return okNav(ctx, url, ua)
	})

	o := newTestOrchestrator(store, staticTopics{"one", "two", "three"}, nav)
	_, err := o.RunIteration(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a.test", "b.test", "b.test"}, hosts)
	assert.Equal(t, int32(4), loads.Load())
}

func TestRunIterationLogsInCompletionOrder(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	fastDone := make(chan struct{})
	nav := navFunc(func(ctx context.Context, url, ua string) gate.Result {
		if strings.HasSuffix(url, "slow") {
			<-fastDone
			time.Sleep(10 * time.Millisecond)
		} else {
			defer close(fastDone)
		}
		return okNav(ctx, url, ua)
	})

	o := newTestOrchestrator(staticStore(snapshot("https://s.test/?q=%s")), staticTopics{"slow", "fast"}, nav,
		WithLogger(zap.New(core)))
	stats, err := o.RunIteration(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, stats.Succeeded)

	var order []string
	for _, entry := range logs.FilterMessage("navigation succeeded").All() {
		order = append(order, entry.ContextMap()["topic"].(string))
	}
	assert.Equal(t, []string{"fast", "slow"}, order)
}

func TestRunIterationRecordsFailures(t *testing.T) {
	t.Parallel()

	nav := navFunc(func(_ context.Context, url, ua string) gate.Result {
		if strings.HasSuffix(url, "bad") {
			return gate.Result{URL: url, UserAgent: ua, StatusCode: http.StatusForbidden, Err: errors.New("forbidden")}
		}
		if strings.HasSuffix(url, "boom") {
			panic("navigator exploded")
		}
		return okNav(context.Background(), url, ua)
	})

	o := newTestOrchestrator(staticStore(snapshot("https://s.test/?q=%s")), staticTopics{"good", "bad", "boom"}, nav)
	stats, err := o.RunIteration(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Succeeded)
	assert.Equal(t, 2, stats.Failed)
}

func TestRunIterationSkipsTopicsWithoutEngines(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	nav := navFunc(func(ctx context.Context, url, ua string) gate.Result {
		calls.Add(1)
		return okNav(ctx, url, ua)
	})

	o := newTestOrchestrator(staticStore(snapshot()), staticTopics{"a", "b"}, nav)
	stats, err := o.RunIteration(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Skipped)
	assert.Zero(t, calls.Load())
}

func TestRunIterationStoreError(t *testing.T) {
	t.Parallel()

	cfgErr := &sources.ConfigError{Path: "dat/sources.json", Op: "parse", Err: sources.ErrParse}
	store := storeFunc(func() (*sources.Snapshot, error) { return nil, cfgErr })

	o := newTestOrchestrator(store, staticTopics{"a"}, navFunc(okNav))
	_, err := o.RunIteration(context.Background())

	var orchErr *OrchestrationError
	require.ErrorAs(t, err, &orchErr)
	assert.Equal(t, "load sources", orchErr.Op)
	assert.ErrorIs(t, err, sources.ErrParse)
}

type panickyTopics struct{}

func (panickyTopics) Topics(context.Context, *sources.Snapshot) iter.Seq[string] {
	panic("feeds broke")
}

func TestRunIterationRecoversPanic(t *testing.T) {
	t.Parallel()

	o := newTestOrchestrator(staticStore(snapshot("https://s.test/?q=%s")), panickyTopics{}, navFunc(okNav))
	_, err := o.RunIteration(context.Background())

	var orchErr *OrchestrationError
	require.ErrorAs(t, err, &orchErr)
	assert.Contains(t, err.Error(), "feeds broke")

	last, ok := o.LastIteration()
	require.True(t, ok)
	assert.Equal(t, "iter-1", last.ID)
}

func TestInterruptDrainsBatchAndStopsScheduling(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls, finished atomic.Int32
	nav := navFunc(func(navCtx context.Context, url, ua string) gate.Result {
		calls.Add(1)
		time.Sleep(20 * time.Millisecond)
		finished.Add(1)
		return okNav(navCtx, url, ua)
	})
	// cancel on the third inter-task pause, so three tasks are in flight
	pauser := &cancelPauser{nth: 3, cancel: cancel}

	o := newTestOrchestrator(staticStore(snapshot("https://s.test/?q=%s")), topicList(15), nav, WithPauser(pauser))
	stats, err := o.RunIteration(ctx)
	require.NoError(t, err)

	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, int32(3), finished.Load(), "returned before in-flight tasks resolved")
	assert.Equal(t, 3, stats.Succeeded)
	assert.Equal(t, 1, stats.Batches, "a new batch started after the interrupt")
}

func TestRunContinuesAfterFailedIteration(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var loads atomic.Int32
	store := storeFunc(func() (*sources.Snapshot, error) {
		if loads.Add(1) >= 3 {
			cancel()
		}
		return nil, errors.New("no sources yet")
	})

	idle := &recordingPauser{}
	o := newTestOrchestrator(store, staticTopics{"a"}, navFunc(okNav), WithPauser(idle), WithIdlePause(time.Minute))
	assert.Equal(t, StateIdle, o.State())

	require.NoError(t, o.Run(ctx))
	assert.Equal(t, StateStopped, o.State())
	assert.Equal(t, int32(3), loads.Load())
	assert.Equal(t, []time.Duration{time.Minute, time.Minute}, idle.delays())
}

func TestRunStopsWhenContextAlreadyDone(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var loads atomic.Int32
	store := storeFunc(func() (*sources.Snapshot, error) {
		loads.Add(1)
		return snapshot("https://s.test/?q=%s"), nil
	})
	o := newTestOrchestrator(store, staticTopics{"a"}, navFunc(okNav))
	require.NoError(t, o.Run(ctx))
	assert.Zero(t, loads.Load())
	assert.Equal(t, "stopped", o.State().String())
}

type recordingPauser struct {
	mu   sync.Mutex
	seen []time.Duration
}

func (p *recordingPauser) Pause(ctx context.Context, d time.Duration) error {
	p.mu.Lock()
	p.seen = append(p.seen, d)
	p.mu.Unlock()
	return ctx.Err()
}

func (p *recordingPauser) delays() []time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.seen)
}

type builderFunc func(template, topic string) string

func (f builderFunc) BuildURL(template, topic string) string { return f(template, topic) }

type panicPauser struct{}

func (panicPauser) Pause(context.Context, time.Duration) error {
	panic("pauser broke")
}

func slowNav(finished *atomic.Int32) navFunc {
	return func(ctx context.Context, url, ua string) gate.Result {
		time.Sleep(50 * time.Millisecond)
		finished.Add(1)
		return okNav(ctx, url, ua)
	}
}

func TestRunIterationSkipsTopicWhenBuilderPanics(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	builder := builderFunc(func(template, topic string) string {
		if calls.Add(1) == 2 {
			panic("builder broke")
		}
		return strings.Replace(template, "%s", "x", 1)
	})
	var finished atomic.Int32

	o := newTestOrchestrator(staticStore(snapshot("https://s.test/?q=%s")), topicList(5), slowNav(&finished),
		WithQueryBuilder(builder))
	stats, err := o.RunIteration(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int32(4), finished.Load())
	assert.Equal(t, 4, stats.Succeeded)
	assert.Equal(t, 1, stats.Skipped)
}

func TestRunIterationDrainsBatchWhenSchedulingPanics(t *testing.T) {
	t.Parallel()

	var finished atomic.Int32
	o := newTestOrchestrator(staticStore(snapshot("https://s.test/?q=%s")), topicList(5), slowNav(&finished),
		WithPauser(panicPauser{}))
	_, err := o.RunIteration(context.Background())

	var orchErr *OrchestrationError
	require.ErrorAs(t, err, &orchErr)
	assert.Contains(t, err.Error(), "pauser broke")
	// the first task was already started when the pause panicked
	assert.Equal(t, int32(1), finished.Load())

	last, ok := o.LastIteration()
	require.True(t, ok)
	assert.Equal(t, 1, last.Succeeded)
}
