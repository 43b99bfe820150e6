package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/rss-topic-crawler/internal/app"
	"github.com/JakeFAU/rss-topic-crawler/internal/config"
	"github.com/JakeFAU/rss-topic-crawler/internal/logging"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App defines the application interface that commands use, so tests can
// inject a fake.
type App interface {
	Run(ctx context.Context) error
	Topics(ctx context.Context) ([]string, error)
	Close()
}

// newApp is the application factory. It is a variable so tests can replace it.
var newApp = func(cfg *config.Config, logger *zap.Logger) (App, error) {
	a, err := app.Build(cfg, logger)
	if err != nil {
		return nil, err
	}
	return a, nil
}

type rootOptions struct {
	configFile  string
	sourcesFile string
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "topic-crawler",
		Short: "Searches the web for topics trending in RSS feeds.",
		Long: `topic-crawler reads headlines from the configured RSS feeds, drops the
ones matching the exclusion patterns, and looks each remaining headline up on
a randomly chosen search engine. Requests are paced and at most a couple run
at once. The sources document is re-read whenever it changes on disk.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Annotations["standalone"] == "true" {
				return nil
			}
			appInstance, err := opts.buildApp()
			if err != nil {
				return err
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "settings file (yaml, json or toml)")
	cmd.PersistentFlags().StringVar(&opts.sourcesFile, "sources", "", "sources document (default dat/sources.json)")

	cmd.AddCommand(newCrawlCmd())
	cmd.AddCommand(newTopicsCmd())
	cmd.AddCommand(newQueryCmd())

	return cmd
}

func (o *rootOptions) buildApp() (App, error) {
	cfg, err := config.Load(o.configFile)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	if o.sourcesFile != "" {
		cfg.Sources.Path = o.sourcesFile
	}
	logger, err := logging.New(logging.Options{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
	})
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	zap.ReplaceGlobals(logger)

	appInstance, err := newApp(&cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize application services: %w", err)
	}
	return appInstance, nil
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// withResolvedApp adapts fn into a RunE that closes the App on every exit
// path. cobra skips PersistentPostRun when RunE fails.
func withResolvedApp(fn func(cmd *cobra.Command, appInstance App) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		appInstance, err := resolveApp(cmd.Context())
		if err != nil {
			return err
		}
		defer appInstance.Close()
		return fn(cmd, appInstance)
	}
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		zap.L().Error("command execution failed", zap.Error(err))
		os.Exit(1)
	}
}
