// Package app builds the crawler's component graph and owns its lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"slices"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/rss-topic-crawler/internal/api"
	"github.com/JakeFAU/rss-topic-crawler/internal/clock/system"
	"github.com/JakeFAU/rss-topic-crawler/internal/config"
	"github.com/JakeFAU/rss-topic-crawler/internal/feed"
	collyfetcher "github.com/JakeFAU/rss-topic-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/rss-topic-crawler/internal/gate"
	"github.com/JakeFAU/rss-topic-crawler/internal/id/uuid"
	"github.com/JakeFAU/rss-topic-crawler/internal/orchestrator"
	"github.com/JakeFAU/rss-topic-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/rss-topic-crawler/internal/query"
	"github.com/JakeFAU/rss-topic-crawler/internal/sources"
	"github.com/JakeFAU/rss-topic-crawler/internal/topics"
)

// App contains the application's dependencies.
type App struct {
	cfg          *config.Config
	logger       *zap.Logger
	store        *sources.Store
	feeds        *feed.Fetcher
	navigator    *collyfetcher.Fetcher
	topics       *topics.Source
	orchestrator *orchestrator.Orchestrator
	apiServer    *api.Server
	closeOnce    sync.Once
}

// Build creates the application's dependencies. Nothing touches the network
// until Run or Topics is called.
func Build(cfg *config.Config, logger *zap.Logger) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("building application dependencies",
		zap.String("sources_path", cfg.Sources.Path),
		zap.Int("gate_capacity", cfg.Gate.Capacity),
		zap.Int("batch_size", cfg.Crawler.BatchSize),
	)

	a := &App{cfg: cfg, logger: logger}
	a.store = sources.NewStore(cfg.Sources.Path, sources.WithLogger(logger.Named("sources")))
	a.feeds = feed.New(feed.Config{Timeout: cfg.Feeds.Timeout, MaxItems: cfg.Feeds.MaxItems})
	a.topics = topics.New(a.feeds,
		topics.WithFeedTimeout(cfg.Feeds.Timeout),
		topics.WithLogger(logger.Named("topics")),
	)
	a.navigator = collyfetcher.New(collyfetcher.Config{
		UserAgent:    cfg.HTTP.UserAgent,
		Timeout:      cfg.HTTP.Timeout,
		MaxBodyBytes: cfg.HTTP.MaxBodyBytes,
	}, logger.Named("navigator"))

	gateOpts := []gate.Option{
		gate.WithCapacity(cfg.Gate.Capacity),
		gate.WithJitter(cfg.GateJitter()),
		gate.WithLogger(logger.Named("gate")),
	}
	if cfg.Gate.HostRPS > 0 {
		gateOpts = append(gateOpts, gate.WithLimiter(ratelimit.New(ratelimit.Config{DefaultRPS: cfg.Gate.HostRPS})))
	}
	fetchGate := gate.New(a.navigator, gateOpts...)

	a.orchestrator = orchestrator.New(a.store, a.topics, fetchGate,
		orchestrator.WithBatchSize(cfg.Crawler.BatchSize),
		orchestrator.WithTaskJitter(cfg.TaskJitter()),
		orchestrator.WithIdlePause(cfg.Crawler.IdlePause),
		orchestrator.WithQueryBuilder(query.NewBuilder(logger.Named("query"))),
		orchestrator.WithIDGenerator(uuid.New()),
		orchestrator.WithClock(system.New()),
		orchestrator.WithLogger(logger.Named("orchestrator")),
	)
	a.apiServer = api.NewServer(a.store, a.orchestrator, logger.Named("api"))
	return a, nil
}

// Handler exposes the ops server routes.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run starts the ops server, if configured, and the orchestrator, and blocks
// until SIGINT, SIGTERM or ctx cancellation. The in-flight batch drains
// before the navigation transport is closed.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var srv *http.Server
	if a.cfg.Server.Addr != "" {
		srv = &http.Server{
			Addr:              a.cfg.Server.Addr,
			Handler:           a.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			a.logger.Info("ops server started", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("ops server error", zap.Error(err))
				stop()
			}
		}()
	}

	if _, err := a.store.Load(); err != nil {
		a.logger.Warn("sources not loaded at startup; will retry each iteration", zap.Error(err))
	}

	err := a.orchestrator.Run(ctx)
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if srv != nil {
		if serr := srv.Shutdown(shutdownCtx); serr != nil {
			a.logger.Error("ops server shutdown error", zap.Error(serr))
		}
	}
	a.Close()
	if err != nil {
		return fmt.Errorf("run orchestrator: %w", err)
	}
	return nil
}

// Topics performs one discovery pass and returns the surviving topics.
func (a *App) Topics(ctx context.Context) ([]string, error) {
	snap, err := a.store.Load()
	if err != nil {
		return nil, fmt.Errorf("load sources: %w", err)
	}
	return slices.Collect(a.topics.Topics(ctx, snap)), nil
}

// State reports the orchestrator state.
func (a *App) State() orchestrator.State {
	return a.orchestrator.State()
}

// Close releases pooled connections. It is safe to call more than once.
func (a *App) Close() {
	a.closeOnce.Do(func() {
		a.navigator.Close()
		a.feeds.Close()
		a.logger.Info("shutdown complete")
		// syncing stderr fails on some platforms; nothing useful to do about it
		_ = a.logger.Sync()
	})
}
