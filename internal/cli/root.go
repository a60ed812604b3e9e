// Package cli implements the hikectl admin commands.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"hike-coordinator/internal/app"
	"hike-coordinator/internal/common/config"
	"hike-coordinator/internal/common/logger"
	"hike-coordinator/internal/models"
)

var configPath string

// RootCmd builds the hikectl command tree.
func RootCmd(version string) *cobra.Command {
	root := &cobra.Command{
		Use:     "hikectl",
		Short:   "Administer the weekly club hike",
		Version: version,
		Long: `hikectl drives the active hike by hand: schedule it, move it between
phases, rebalance the waitlist and resend member links. It talks to the same
database and dispatch queue as the running coordinator.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default: configs/config.yaml search path)")

	root.AddCommand(MigrateCmd())
	root.AddCommand(ScheduleCmd())
	root.AddCommand(AdvanceCmd())
	root.AddCommand(RebalanceCmd())
	root.AddCommand(ConfirmCmd())
	root.AddCommand(ResendCmd())
	root.AddCommand(StatusCmd())
	return root
}

func loadConfig() (*config.Config, error) {
	if configPath == "" {
		configPath = os.Getenv("HIKE_CONFIG")
	}
	if configPath != "" {
		return config.LoadFromFile(configPath)
	}
	return config.Load()
}

func commandContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// withApp builds the services without a mail transport; campaigns created
// here are dispatched by the running coordinator through the shared queue.
func withApp(fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg.Logging.Format = "console"
	if cfg.Logging.Level == "info" {
		cfg.Logging.Level = "warn"
	}
	log, zl := app.NewLogger(cfg.Logging)
	defer zl.Sync()

	ctx, cancel := commandContext()
	defer cancel()

	a, err := app.New(ctx, cfg, log, app.Options{ConnectAttempts: 3, ConnectDelay: time.Second, SkipMail: true})
	if err != nil {
		return err
	}
	defer a.Close()

	if cfg.Database.Driver == "memory" {
		fmt.Fprintln(os.Stderr, warn("warning: memory store selected, changes are discarded on exit"))
	}
	return fn(ctx, a)
}

func newCLILogger() logger.Logger {
	return logger.NewStructured("warn", "console")
}

// activeHike loads the active hike or explains that there is none.
func activeHike(ctx context.Context, a *app.App) (models.Hike, error) {
	h, err := a.Machine.Active(ctx)
	if err != nil {
		return models.Hike{}, fmt.Errorf("no active hike: %w", err)
	}
	return h, nil
}

func parseTime(flag, value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("--%s: expected RFC3339 time, got %q", flag, value)
	}
	return t.UTC(), nil
}
