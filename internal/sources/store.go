// Package sources loads the JSON sources document (feeds, search engines,
// user agents, exclusion patterns) and hot-reloads it when the file changes.
package sources

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/JakeFAU/rss-topic-crawler/internal/metrics"
)

// DefaultPath is used when no sources path is configured.
const DefaultPath = "dat/sources.json"

// Store caches the last good Snapshot of a sources file and re-reads the file
// only when its modification time changes. It is safe for concurrent use.
type Store struct {
	path   string
	fs     afero.Fs
	logger *zap.Logger

	current atomic.Pointer[Snapshot]

	// guarded by reload
	reload     sync.Mutex
	rejectedAt time.Time
	rejectErr  *ConfigError
	// reported is the last fallback failure logged; repeats stay quiet.
	reported string
}

// Option customizes a Store.
type Option func(*Store)

// WithFs swaps the filesystem (tests use afero.NewMemMapFs).
func WithFs(fs afero.Fs) Option {
	return func(s *Store) {
		if fs != nil {
			s.fs = fs
		}
	}
}

// WithLogger sets the logger used for reload diagnostics.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewStore builds a Store for path. Nothing is read until Load is called.
func NewStore(path string, opts ...Option) *Store {
	if path == "" {
		path = DefaultPath
	}
	s := &Store{
		path:   path,
		fs:     afero.NewOsFs(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Path returns the watched file path.
func (s *Store) Path() string {
	return s.path
}

// Current returns the cached snapshot without touching disk. It is nil until
// the first successful Load.
func (s *Store) Current() *Snapshot {
	return s.current.Load()
}

// Load returns the current snapshot, re-reading the file if its modification
// time differs from the cached one. When the file cannot be stat'ed, read, or
// parsed, the previous snapshot stays authoritative and is returned; the error
// is only surfaced when no snapshot has ever been loaded.
func (s *Store) Load() (*Snapshot, error) {
	s.reload.Lock()
	defer s.reload.Unlock()

	cached := s.current.Load()

	info, err := s.fs.Stat(s.path)
	if err != nil {
		return s.fallback(cached, &ConfigError{Path: s.path, Op: "stat", Err: err})
	}
	modTime := info.ModTime()
	if cached != nil && cached.ModTime.Equal(modTime) {
		s.reported = ""
		return cached, nil
	}
	// A revision that already failed to parse is not re-read until it changes.
	if s.rejectErr != nil && s.rejectedAt.Equal(modTime) {
		if cached == nil {
			return nil, s.rejectErr
		}
		return cached, nil
	}

	data, err := afero.ReadFile(s.fs, s.path)
	if err != nil {
		return s.fallback(cached, &ConfigError{Path: s.path, Op: "read", Err: err})
	}
	snap, err := Parse(data)
	if err != nil {
		s.rejectedAt = modTime
		s.rejectErr = &ConfigError{Path: s.path, Op: "parse", Err: err}
		return s.fallback(cached, s.rejectErr)
	}
	snap.Path = s.path
	snap.ModTime = modTime
	s.current.Store(snap)
	s.rejectErr = nil
	s.reported = ""
	metrics.ObserveSourceReload("loaded")

	s.logger.Info("sources loaded",
		zap.String("path", s.path),
		zap.Time("mod_time", modTime),
		zap.Int("feeds", len(snap.RSSFeeds)),
		zap.Int("search_engines", len(snap.SearchEngines)),
		zap.Int("user_agents", len(snap.UserAgents)),
		zap.Int("exclude_patterns", len(snap.ExcludePatterns)),
	)
	return snap, nil
}

func (s *Store) fallback(cached *Snapshot, cfgErr *ConfigError) (*Snapshot, error) {
	if cached == nil {
		metrics.ObserveSourceReload("failed")
		return nil, cfgErr
	}
	if msg := cfgErr.Error(); msg != s.reported {
		s.reported = msg
		metrics.ObserveSourceReload("failed")
		s.logger.Error("sources reload failed; keeping previous snapshot",
			zap.String("path", s.path),
			zap.Time("snapshot_mod_time", cached.ModTime),
			zap.Error(cfgErr),
		)
	}
	return cached, nil
}
