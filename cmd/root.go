// Package cmd defines the CLI commands of the discovery executable.
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/editalwatch/discovery/internal/app"
	"github.com/editalwatch/discovery/internal/config"
	"github.com/editalwatch/discovery/internal/crawler"
	"github.com/editalwatch/discovery/internal/logging"
)

// skipApp marks commands that only need the configuration.
const skipApp = "skip-app"

type contextKey string

const (
	appKey    contextKey = "app"
	configKey contextKey = "config"
)

type rootOptions struct {
	configFile  string
	sourcesFile string
}

// newApp is the application factory. It is a variable so tests can swap it.
var newApp = app.New

// rootCommand owns the services built for the selected subcommand so they are
// released whether or not it succeeds.
type rootCommand struct {
	*cobra.Command
	app    *app.App
	logger *zap.Logger
}

func (r *rootCommand) close() {
	if r.app != nil {
		r.app.Close()
		r.app = nil
	}
	if r.logger != nil {
		// Sync fails on some terminals; that is not worth an exit code.
		_ = r.logger.Sync()
	}
}

func newRootCmd() *rootCommand {
	opts := &rootOptions{}
	root := &rootCommand{}

	cmd := &cobra.Command{
		Use:   "discovery",
		Short: "Discovers public contest notices on configured boards and gazettes.",
		Long: `discovery visits every configured source politely, finds contest notices
and their documents, buckets the documents by subject and hands new or
changed contests to downstream consumers.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configFile)
			if err != nil {
				return err
			}
			if opts.sourcesFile != "" {
				cfg.SourcesFile = opts.sourcesFile
			}
			logger, err := logging.New(cfg.Logging)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			root.logger = logger
			zap.ReplaceGlobals(logger)

			ctx := context.WithValue(cmd.Context(), configKey, cfg)
			if cmd.Annotations[skipApp] == "" {
				sources, err := config.LoadSources(cfg.SourcesFile)
				if err != nil {
					return err
				}
				a, err := newApp(ctx, cfg, sources, logger)
				if err != nil {
					return fmt.Errorf("failed to initialize application services: %w", err)
				}
				root.app = a
				ctx = context.WithValue(ctx, appKey, a)
			}
			cmd.SetContext(ctx)
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "config file (defaults and DISCOVERY_* env vars apply without one)")
	cmd.PersistentFlags().StringVar(&opts.sourcesFile, "sources", "", "source catalogue, overrides sources_file")

	cmd.AddCommand(
		newRunCmd(),
		newServeCmd(),
		newReviewCmd(),
		newMigrateCmd(),
		newSourcesCmd(),
	)
	root.Command = cmd
	return root
}

// Execute is the main entry point.
func Execute() {
	root := newRootCmd()
	err := root.ExecuteContext(context.Background())
	root.close()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func resolveApp(ctx context.Context) (*app.App, error) {
	a, ok := ctx.Value(appKey).(*app.App)
	if !ok || a == nil {
		return nil, errors.New("application services not initialized")
	}
	return a, nil
}

func resolveConfig(ctx context.Context) (config.Config, error) {
	cfg, ok := ctx.Value(configKey).(config.Config)
	if !ok {
		return config.Config{}, errors.New("configuration not loaded")
	}
	return cfg, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// failedSources counts runs that ended failed, for the exit status.
func failedSources(runs []crawler.SourceRun) int {
	n := 0
	for _, run := range runs {
		if run.State == crawler.StateFailed {
			n++
		}
	}
	return n
}
