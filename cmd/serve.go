package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/harvestbot/api/schemas"
	"github.com/xkilldash9x/harvestbot/internal/browser"
	"github.com/xkilldash9x/harvestbot/internal/chat/telegram"
	"github.com/xkilldash9x/harvestbot/internal/config"
	"github.com/xkilldash9x/harvestbot/internal/dataset"
	"github.com/xkilldash9x/harvestbot/internal/download"
	"github.com/xkilldash9x/harvestbot/internal/metrics"
	"github.com/xkilldash9x/harvestbot/internal/observability"
	"github.com/xkilldash9x/harvestbot/internal/orchestrator"
	"github.com/xkilldash9x/harvestbot/internal/store"
)

const shutdownTimeout = 30 * time.Second

// chatFrontend is the inbound and outbound side of the chat platform.
type chatFrontend interface {
	orchestrator.Notifier
	Run(ctx context.Context, h telegram.Handler) error
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bot until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFrom(cmd.Context())
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			logger := observability.GetLogger()

			bot, err := telegram.New(cfg.Telegram, logger)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, bot, logger)
		},
	}
}

// runServe wires the components and blocks until ctx is cancelled or the
// chat loop or metrics endpoint fails. Running jobs are cancelled on the
// way out.
func runServe(ctx context.Context, cfg *config.Config, chat chatFrontend, logger *zap.Logger) error {
	watcher := download.NewWatcher(logger,
		download.WithPollInterval(cfg.Jobs.PollInterval),
		download.WithPartialSuffix(cfg.Jobs.PartialSuffix),
	)
	deps := orchestrator.Deps{
		Acquirer: browser.NewChromeAcquirer(cfg.Browser, cfg.Portal.LoginURL, logger),
		Targets:  dataset.NewLoader(logger, datasetPaths(cfg)),
		Tasks:    orchestrator.ScrapeTasks(cfg.Modules, watcher, logger),
		Notifier: chat,
	}

	if cfg.Database.URL != "" {
		history, closeDB, err := store.Open(ctx, cfg.Database.URL, logger)
		if err != nil {
			return fmt.Errorf("failed to open job history: %w", err)
		}
		defer closeDB()
		deps.History = history
	}

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.New()
		deps.Metrics = collector
	}

	orch, err := orchestrator.New(cfg, logger, deps)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if collector != nil {
		g.Go(func() error { return collector.Serve(gctx, cfg.Metrics.Address, logger) })
	}
	g.Go(func() error { return chat.Run(gctx, orch) })

	logger.Info("Bot started.",
		zap.String("version", Version),
		zap.Int("authorized_users", len(cfg.Auth.AuthorizedUsers)),
		zap.Int("max_concurrent_jobs", cfg.Jobs.MaxConcurrent),
	)
	runErr := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := orch.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Jobs did not stop cleanly.", zap.Error(err))
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	logger.Info("Bot stopped.")
	return nil
}

func datasetPaths(cfg *config.Config) map[schemas.Module]string {
	return map[schemas.Module]string{
		schemas.ModuleInvoice:   cfg.Modules.Invoice.Dataset,
		schemas.ModuleStock:     cfg.Modules.Stock.Dataset,
		schemas.ModuleInventory: cfg.Modules.Inventory.Dataset,
	}
}
