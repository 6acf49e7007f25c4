// Package cmd defines and implements the CLI commands for the wayback executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/JakeFAU/wayback-retriever/internal/app"
	"github.com/JakeFAU/wayback-retriever/internal/config"
	"github.com/JakeFAU/wayback-retriever/internal/logging"
)

// configKeyAnnotation ties a flag to the config key it overrides.
const configKeyAnnotation = "wayback/config-key"

// skipAppAnnotation marks commands that run without application services.
const skipAppAnnotation = "wayback/skip-app"

type appKeyType string

const appKey appKeyType = "app"

// appFactory builds the application services. Tests swap it to inject
// isolated registries.
type appFactory func(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app.App, error)

func defaultAppFactory(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app.App, error) {
	return app.New(ctx, cfg, logger)
}

// newRootCmd creates and configures the root command.
func newRootCmd(factory appFactory) *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "wayback",
		Short: "Retrieve archived websites from the Wayback Machine.",
		Long: `wayback lists the captures the Wayback Machine holds for a URL or a
whole domain and downloads a consistent snapshot of a site to disk or to a
bucket, retrying failures and writing a run report.`,
		SilenceUsage: true,

		// Config and services are built after flag parsing so that flags
		// override file and environment values.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Annotations[skipAppAnnotation] == "true" {
				return nil
			}
			cfg, err := config.LoadWithFlags(cfgFile, boundFlags(cmd.Flags()))
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Log.Development)
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			zap.ReplaceGlobals(logger)

			appInstance, err := factory(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			appInstance.StartServer(cmd.Context())
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			if appInstance, ok := cmd.Context().Value(appKey).(*app.App); ok && appInstance != nil {
				return appInstance.Close(context.WithoutCancel(cmd.Context()))
			}
			return nil
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")
	bindString(flags, "cdx-endpoint", "", "archive.cdx_endpoint", "CDX search endpoint")
	bindString(flags, "archive-host", "", "archive.host", "archive host serving raw captures")
	bindString(flags, "user-agent", "", "archive.user_agent", "User-Agent sent with every request")
	bindFloat(flags, "rps", 0, "ratelimit.rps", "max requests per second per host (0 = unlimited)")
	bindString(flags, "cache", "memory", "cache.backend", "index page cache: memory, redis or none")
	bindString(flags, "status-addr", "", "server.addr", "serve /v1/progress and /metrics on this address")
	bindBool(flags, "dev", true, "log.development", "human-friendly development logging")
	bindBool(flags, "http-debug", false, "log.http_debug", "log every HTTP request and response")

	cmd.AddCommand(newSnapshotsCmd())
	cmd.AddCommand(newDiscoverCmd())
	cmd.AddCommand(newDownloadCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// Execute is the main entry point.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd(defaultAppFactory).ExecuteContext(ctx)
	stop()
	if err != nil {
		zap.L().Fatal("command execution failed", zap.Error(err))
		os.Exit(1)
	}
	_ = zap.L().Sync()
}

func resolveApp(ctx context.Context) (*app.App, error) {
	appInstance, ok := ctx.Value(appKey).(*app.App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// boundFlags collects the flags that were set on the command line, keyed by
// the config key they override.
func boundFlags(fs *pflag.FlagSet) map[string]*pflag.Flag {
	out := map[string]*pflag.Flag{}
	fs.VisitAll(func(f *pflag.Flag) {
		if keys := f.Annotations[configKeyAnnotation]; len(keys) > 0 {
			out[keys[0]] = f
		}
	})
	return out
}

func annotate(fs *pflag.FlagSet, name, key string) {
	_ = fs.SetAnnotation(name, configKeyAnnotation, []string{key})
}

func bindString(fs *pflag.FlagSet, name, def, key, usage string) {
	fs.String(name, def, usage)
	annotate(fs, name, key)
}

func bindInt(fs *pflag.FlagSet, name string, def int, key, usage string) {
	fs.Int(name, def, usage)
	annotate(fs, name, key)
}

func bindFloat(fs *pflag.FlagSet, name string, def float64, key, usage string) {
	fs.Float64(name, def, usage)
	annotate(fs, name, key)
}

func bindBool(fs *pflag.FlagSet, name string, def bool, key, usage string) {
	fs.Bool(name, def, usage)
	annotate(fs, name, key)
}

func bindDuration(fs *pflag.FlagSet, name string, def time.Duration, key, usage string) {
	fs.Duration(name, def, usage)
	annotate(fs, name, key)
}

func bindStringSlice(fs *pflag.FlagSet, name string, def []string, key, usage string) {
	fs.StringSlice(name, def, usage)
	annotate(fs, name, key)
}
