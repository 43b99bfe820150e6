// Package config loads and validates crawler settings via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/rss-topic-crawler/internal/pacing"
)

// EnvPrefix namespaces environment overrides, e.g. TOPICCRAWLER_GATE_CAPACITY=4.
const EnvPrefix = "TOPICCRAWLER"

// Config captures all process settings loaded via Viper. The sources document
// itself is not part of it; that file is reloaded at runtime by the sources store.
type Config struct {
	Sources SourcesConfig `mapstructure:"sources"`
	Crawler CrawlerConfig `mapstructure:"crawler"`
	Gate    GateConfig    `mapstructure:"gate"`
	HTTP    HTTPConfig    `mapstructure:"http"`
	Feeds   FeedsConfig   `mapstructure:"feeds"`
	Logging LoggingConfig `mapstructure:"logging"`
	Server  ServerConfig  `mapstructure:"server"`
}

// SourcesConfig locates the sources document.
type SourcesConfig struct {
	Path string `mapstructure:"path"`
}

// CrawlerConfig governs the orchestration loop.
type CrawlerConfig struct {
	BatchSize     int           `mapstructure:"batch_size"`
	TaskJitterMin time.Duration `mapstructure:"task_jitter_min"`
	TaskJitterMax time.Duration `mapstructure:"task_jitter_max"`
	IdlePause     time.Duration `mapstructure:"idle_pause"`
}

// GateConfig sizes the navigation gate.
type GateConfig struct {
	Capacity  int           `mapstructure:"capacity"`
	JitterMin time.Duration `mapstructure:"jitter_min"`
	JitterMax time.Duration `mapstructure:"jitter_max"`
	HostRPS   float64       `mapstructure:"host_rps"`
}

// HTTPConfig configures the search navigation client.
type HTTPConfig struct {
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxBodyBytes int           `mapstructure:"max_body_bytes"`
	UserAgent    string        `mapstructure:"user_agent"`
}

// FeedsConfig configures feed fetching.
type FeedsConfig struct {
	Timeout  time.Duration `mapstructure:"timeout"`
	MaxItems int           `mapstructure:"max_items"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// ServerConfig controls the ops HTTP server. An empty Addr disables it.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// Load builds a Config from defaults, an optional file and the environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("sources.path", "dat/sources.json")
	v.SetDefault("crawler.batch_size", 10)
	v.SetDefault("crawler.task_jitter_min", 2*time.Second)
	v.SetDefault("crawler.task_jitter_max", 5*time.Second)
	v.SetDefault("crawler.idle_pause", 30*time.Second)
	v.SetDefault("gate.capacity", 2)
	v.SetDefault("gate.jitter_min", 5*time.Second)
	v.SetDefault("gate.jitter_max", 35*time.Second)
	v.SetDefault("gate.host_rps", 0)
	v.SetDefault("http.timeout", 30*time.Second)
	v.SetDefault("http.max_body_bytes", 10*1024*1024)
	v.SetDefault("http.user_agent", "")
	v.SetDefault("feeds.timeout", 20*time.Second)
	v.SetDefault("feeds.max_items", 0)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("server.addr", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Sources.Path) == "" {
		errs = append(errs, errors.New("sources.path must be set"))
	}
	if c.Crawler.BatchSize <= 0 {
		errs = append(errs, errors.New("crawler.batch_size must be > 0"))
	}
	if err := c.TaskJitter().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("crawler.task_jitter: %w", err))
	}
	if c.Crawler.IdlePause < 0 {
		errs = append(errs, errors.New("crawler.idle_pause must be >= 0"))
	}
	if c.Gate.Capacity <= 0 {
		errs = append(errs, errors.New("gate.capacity must be > 0"))
	}
	if err := c.GateJitter().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("gate.jitter: %w", err))
	}
	if c.Gate.HostRPS < 0 {
		errs = append(errs, errors.New("gate.host_rps must be >= 0"))
	}
	if c.HTTP.Timeout <= 0 {
		errs = append(errs, errors.New("http.timeout must be > 0"))
	}
	if c.HTTP.MaxBodyBytes < 0 {
		errs = append(errs, errors.New("http.max_body_bytes must be >= 0"))
	}
	if c.Feeds.Timeout < 0 {
		errs = append(errs, errors.New("feeds.timeout must be >= 0"))
	}
	if c.Feeds.MaxItems < 0 {
		errs = append(errs, errors.New("feeds.max_items must be >= 0"))
	}
	return errors.Join(errs...)
}

// TaskJitter is the pause between task creations within a batch.
func (c Config) TaskJitter() pacing.Range {
	return pacing.Range{Min: c.Crawler.TaskJitterMin, Max: c.Crawler.TaskJitterMax}
}

// GateJitter is the pause taken inside a held gate slot.
func (c Config) GateJitter() pacing.Range {
	return pacing.Range{Min: c.Gate.JitterMin, Max: c.Gate.JitterMax}
}
