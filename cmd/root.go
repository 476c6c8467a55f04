// Package cmd defines the harvester CLI commands.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/upwork-harvester/internal/app"
	"github.com/JakeFAU/upwork-harvester/internal/config"
	"github.com/JakeFAU/upwork-harvester/internal/harvest"
	"github.com/JakeFAU/upwork-harvester/internal/logging"
	"github.com/JakeFAU/upwork-harvester/internal/orchestrator"
)

// App is the service surface the commands use. Tests inject a fake.
type App interface {
	Logger() *zap.Logger
	Run(ctx context.Context) (orchestrator.Summary, error)
	Sweep(ctx context.Context) (int, error)
	Login(ctx context.Context) (harvest.Session, error)
	Enqueue(ctx context.Context, ids ...string) (int, error)
	Counts(ctx context.Context) (map[harvest.Status]int, error)
	Close()
}

type appKeyType struct{}

var appKey appKeyType

// newApp is the application factory, replaced in tests.
var newApp = func(ctx context.Context, cfg config.Config) (App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, err
	}
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// loadConfig is replaced in tests.
var loadConfig = config.Load

type rootOptions struct {
	configPath string
	once       bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "harvester",
		Short: "Collects client attributes for Upwork job postings.",
		Long: `harvester claims pending job ids from the work tracker, fetches each job's
details with a managed login session and rotating egress identities, extracts the
client profile and persists it. Items that fail are marked failed with their reason.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts.configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if opts.once {
				cfg.Run.Once = true
			}
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, a))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if a, ok := cmd.Context().Value(appKey).(App); ok && a != nil {
				a.Close()
			}
		},
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (YAML, TOML or JSON)")

	cmd.AddCommand(
		newRunCmd(opts),
		newSweepCmd(),
		newLoginCmd(),
		newEnqueueCmd(),
		newStatusCmd(),
	)
	return cmd
}

func resolveApp(ctx context.Context) (App, error) {
	a, ok := ctx.Value(appKey).(App)
	if !ok || a == nil {
		return nil, errors.New("application services not initialized")
	}
	return a, nil
}

// Execute runs the root command with ctx, which is canceled on shutdown signals.
func Execute(ctx context.Context) {
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
