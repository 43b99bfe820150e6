// Package orchestrator drives the crawl loop: discover topics, batch them,
// schedule paced navigations through the gate and log each outcome as it
// arrives.
package orchestrator

import (
	"context"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/rss-topic-crawler/internal/clock/system"
	"github.com/JakeFAU/rss-topic-crawler/internal/crawler"
	"github.com/JakeFAU/rss-topic-crawler/internal/gate"
	"github.com/JakeFAU/rss-topic-crawler/internal/id/uuid"
	"github.com/JakeFAU/rss-topic-crawler/internal/metrics"
	"github.com/JakeFAU/rss-topic-crawler/internal/pacing"
	"github.com/JakeFAU/rss-topic-crawler/internal/query"
	"github.com/JakeFAU/rss-topic-crawler/internal/sources"
	"github.com/JakeFAU/rss-topic-crawler/internal/topics"
)

const (
	// DefaultBatchSize is the number of topics awaited together.
	DefaultBatchSize = 10
	// DefaultIdlePause is slept after an iteration that scheduled nothing.
	DefaultIdlePause = 30 * time.Second
)

// DefaultTaskJitter staggers task creation inside a batch.
var DefaultTaskJitter = pacing.Range{Min: 2 * time.Second, Max: 5 * time.Second}

// SnapshotLoader returns the current sources snapshot.
type SnapshotLoader interface {
	Load() (*sources.Snapshot, error)
}

// TopicLister yields the topics for one discovery pass.
type TopicLister interface {
	Topics(ctx context.Context, snap *sources.Snapshot) iter.Seq[string]
}

// Navigator performs one gated navigation.
type Navigator interface {
	Navigate(ctx context.Context, url, userAgent string) gate.Result
}

// URLBuilder turns a search template and topic into a URL.
type URLBuilder interface {
	BuildURL(template, topic string) string
}

// State is the lifecycle state of the orchestrator.
type State int32

const (
	// StateIdle means Run has not been called.
	StateIdle State = iota
	// StateRunning means the loop is active.
	StateRunning
	// StateStopped means the loop exited after an interrupt.
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return "idle"
	}
}

// Task is one scheduled navigation.
type Task struct {
	Topic     string
	Engine    string
	UserAgent string
	URL       string
}

// Stats summarizes one iteration.
type Stats struct {
	ID        string
	StartedAt time.Time
	EndedAt   time.Time
	Topics    int
	Batches   int
	Succeeded int
	Failed    int
	Skipped   int
}

// Tasks is the number of navigations that resolved.
func (s Stats) Tasks() int {
	return s.Succeeded + s.Failed
}

// OrchestrationError is an error that escaped an iteration.
type OrchestrationError struct {
	IterationID string
	Op          string
	Err         error
}

func (e *OrchestrationError) Error() string {
	return fmt.Sprintf("iteration %s: %s: %v", e.IterationID, e.Op, e.Err)
}

func (e *OrchestrationError) Unwrap() error {
	return e.Err
}

// Orchestrator runs crawl iterations until its context is cancelled.
type Orchestrator struct {
	store      SnapshotLoader
	topics     TopicLister
	nav        Navigator
	builder    URLBuilder
	batchSize  int
	taskJitter pacing.Range
	idlePause  time.Duration
	pauser     pacing.Pauser
	rnd        pacing.Rand
	ids        crawler.IDGenerator
	clock      crawler.Clock
	logger     *zap.Logger

	state atomic.Int32
	last  atomic.Pointer[Stats]
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithBatchSize sets the number of topics per batch. Values below one are ignored.
func WithBatchSize(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.batchSize = n
		}
	}
}

// WithTaskJitter sets the pause between task creations.
func WithTaskJitter(r pacing.Range) Option {
	return func(o *Orchestrator) {
		o.taskJitter = r
	}
}

// WithIdlePause sets the pause after an empty or failed iteration.
func WithIdlePause(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.idlePause = d
	}
}

// WithPauser replaces the timer based pauser.
func WithPauser(p pacing.Pauser) Option {
	return func(o *Orchestrator) {
		if p != nil {
			o.pauser = p
		}
	}
}

// WithRand overrides engine and user agent selection.
func WithRand(r pacing.Rand) Option {
	return func(o *Orchestrator) {
		if r != nil {
			o.rnd = r
		}
	}
}

// WithIDGenerator sets the iteration ID source.
func WithIDGenerator(g crawler.IDGenerator) Option {
	return func(o *Orchestrator) {
		if g != nil {
			o.ids = g
		}
	}
}

// WithClock sets the clock used to stamp iterations.
func WithClock(c crawler.Clock) Option {
	return func(o *Orchestrator) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithQueryBuilder replaces the URL builder.
func WithQueryBuilder(b URLBuilder) Option {
	return func(o *Orchestrator) {
		if b != nil {
			o.builder = b
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// New builds an Orchestrator.
func New(store SnapshotLoader, lister TopicLister, nav Navigator, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:      store,
		topics:     lister,
		nav:        nav,
		batchSize:  DefaultBatchSize,
		taskJitter: DefaultTaskJitter,
		idlePause:  DefaultIdlePause,
		pauser:     pacing.TimerPauser{},
		rnd:        pacing.GlobalRand{},
		ids:        uuid.New(),
		clock:      system.New(),
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.builder == nil {
		o.builder = query.NewBuilder(o.logger)
	}
	return o
}

// State reports the lifecycle state.
func (o *Orchestrator) State() State {
	return State(o.state.Load())
}

// LastIteration returns the stats of the most recent completed iteration.
func (o *Orchestrator) LastIteration() (Stats, bool) {
	s := o.last.Load()
	if s == nil {
		return Stats{}, false
	}
	return *s, true
}

// Run iterates until ctx is cancelled. Failed iterations are logged and the
// loop carries on. It returns nil once the in-flight batch has drained.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.state.Store(int32(StateRunning))
	defer o.state.Store(int32(StateStopped))
	o.logger.Info("orchestrator running",
		zap.Int("batch_size", o.batchSize),
		zap.Stringer("task_jitter", o.taskJitter),
	)

	for ctx.Err() == nil {
		stats, err := o.RunIteration(ctx)
		if ctx.Err() != nil {
			break
		}
		if err != nil || stats.Tasks() == 0 {
			if pauseErr := o.pauser.Pause(ctx, o.idlePause); pauseErr != nil {
				break
			}
		}
	}
	o.logger.Info("orchestrator stopped")
	return nil
}

// RunIteration performs one full discovery and fetch pass.
func (o *Orchestrator) RunIteration(ctx context.Context) (stats Stats, err error) {
	id, idErr := o.ids.NewID()
	if idErr != nil {
		o.logger.Warn("iteration id unavailable", zap.Error(idErr))
	}
	stats = Stats{ID: id, StartedAt: o.clock.Now()}
	logger := o.logger.With(zap.String("iteration_id", id))

	defer func() {
		if r := recover(); r != nil {
			err = &OrchestrationError{IterationID: id, Op: "iterate", Err: fmt.Errorf("panic: %v", r)}
		}
		stats.EndedAt = o.clock.Now()
		o.finish(ctx, logger, stats, err)
	}()

	snap, loadErr := o.store.Load()
	if loadErr != nil {
		return stats, &OrchestrationError{IterationID: id, Op: "load sources", Err: loadErr}
	}

	for batch := range topics.Batches(o.topics.Topics(ctx, snap), o.batchSize) {
		if ctx.Err() != nil {
			break
		}
		stats.Batches++
		stats.Topics += len(batch)
		o.runBatch(ctx, logger, batch, &stats)
	}
	return stats, nil
}

func (o *Orchestrator) finish(ctx context.Context, logger *zap.Logger, stats Stats, err error) {
	o.last.Store(&stats)
	fields := []zap.Field{
		zap.Int("topics", stats.Topics),
		zap.Int("batches", stats.Batches),
		zap.Int("succeeded", stats.Succeeded),
		zap.Int("failed", stats.Failed),
		zap.Int("skipped", stats.Skipped),
		zap.Duration("elapsed", stats.EndedAt.Sub(stats.StartedAt)),
	}
	switch {
	case err != nil:
		metrics.ObserveIteration("failed")
		logger.Error("iteration failed", append(fields, zap.Error(err))...)
	case ctx.Err() != nil:
		metrics.ObserveIteration("interrupted")
		logger.Info("iteration interrupted", fields...)
	case stats.Tasks() == 0:
		metrics.ObserveIteration("empty")
		logger.Info("iteration produced no tasks", fields...)
	default:
		metrics.ObserveIteration("completed")
		logger.Info("iteration completed", fields...)
	}
}

type outcome struct {
	task   Task
	result gate.Result
}

// runBatch schedules one task per topic and logs results in completion order.
// Every scheduled task is awaited before it returns, even after ctx is done or
// while a panic unwinds.
func (o *Orchestrator) runBatch(ctx context.Context, logger *zap.Logger, batch []string, stats *Stats) {
	results := make(chan outcome, len(batch))
	var wg sync.WaitGroup
	defer o.drain(logger, &wg, results, stats)

	for i, topic := range batch {
		if i > 0 {
			if err := o.pauser.Pause(ctx, o.taskJitter.Draw()); err != nil {
				break
			}
		}
		task, ok := o.plan(logger, topic)
		if !ok {
			stats.Skipped++
			continue
		}
		wg.Go(func() {
			results <- outcome{task: task, result: o.navigate(ctx, task)}
		})
	}
}

func (o *Orchestrator) drain(logger *zap.Logger, wg *sync.WaitGroup, results chan outcome, stats *Stats) {
	go func() {
		wg.Wait()
		close(results)
	}()

	for out := range results {
		if out.result.OK() {
			stats.Succeeded++
			logger.Info("navigation succeeded",
				zap.String("topic", out.task.Topic),
				zap.String("url", out.task.URL),
				zap.String("final_url", out.result.FinalURL),
				zap.Int("bytes", out.result.Bytes),
			)
			continue
		}
		stats.Failed++
		logger.Warn("navigation failed",
			zap.String("topic", out.task.Topic),
			zap.String("url", out.task.URL),
			zap.Int("status", out.result.StatusCode),
			zap.Error(out.result.Err),
		)
	}
}

// plan reads the snapshot again so a reload between batches takes effect on
// the next task.
func (o *Orchestrator) plan(logger *zap.Logger, topic string) (task Task, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("planning panicked, skipping topic", zap.String("topic", topic), zap.Any("panic", r))
			task, ok = Task{}, false
		}
	}()

	snap, err := o.store.Load()
	if err != nil {
		logger.Error("sources unavailable, skipping topic", zap.String("topic", topic), zap.Error(err))
		return Task{}, false
	}
	engine := pacing.Choice(o.rnd, snap.SearchEngines)
	if engine == "" {
		logger.Warn("no search engines configured, skipping topic", zap.String("topic", topic))
		return Task{}, false
	}
	task = Task{
		Topic:     topic,
		Engine:    engine,
		UserAgent: pacing.Choice(o.rnd, snap.UserAgents),
	}
	task.URL = o.builder.BuildURL(engine, topic)
	return task, true
}

func (o *Orchestrator) navigate(ctx context.Context, task Task) (res gate.Result) {
	defer func() {
		if r := recover(); r != nil {
			res = gate.Result{URL: task.URL, UserAgent: task.UserAgent, Err: fmt.Errorf("navigation panic: %v", r)}
		}
	}()
	return o.nav.Navigate(ctx, task.URL, task.UserAgent)
}
