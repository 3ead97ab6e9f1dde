package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/zulandar/mjgate/internal/config"
	"github.com/zulandar/mjgate/internal/coord"
	"github.com/zulandar/mjgate/internal/dashboard"
	"github.com/zulandar/mjgate/internal/fleet"
	"github.com/zulandar/mjgate/internal/log"
	"github.com/zulandar/mjgate/internal/notify"
	"github.com/zulandar/mjgate/internal/store"
)

func newStartCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Connect every enabled account and serve the ops endpoints",
		Long: `Loads the config, migrates the store, then keeps one gateway session
per enabled account until interrupted. Health, account status, the
verification callback and metrics are served on http.listen.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to mjgate config file")
	return cmd
}

func runStart(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log.Configure(log.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	logger := log.WithComponent("main")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gormDB, err := prepareDB(cmd, cfg)
	if err != nil {
		return err
	}
	accounts, err := store.NewAccounts(gormDB)
	if err != nil {
		return err
	}
	tasks, err := store.NewTasks(gormDB)
	if err != nil {
		return err
	}

	co, closeCoord, err := openCoordinator(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer closeCoord()

	notifier, err := buildNotifier(cfg.Notify)
	if err != nil {
		return err
	}

	daemon, err := fleet.NewDaemon(fleet.DaemonOpts{
		Config:   cfg,
		Accounts: accounts,
		Tasks:    tasks,
		Coord:    co,
		Notifier: notifier,
		Logger:   log.WithComponent("fleet"),
	})
	if err != nil {
		return err
	}

	logger.Info().Int("accounts", len(cfg.Accounts)).Str("listen", cfg.HTTP.Listen).Msg("starting")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return daemon.Run(gctx)
	})
	g.Go(func() error {
		return dashboard.Start(gctx, dashboard.StartOpts{
			Fleet:  daemon,
			Listen: cfg.HTTP.Listen,
			Out:    cmd.OutOrStdout(),
			Logger: log.WithComponent("dashboard"),
		})
	})
	err = g.Wait()
	logger.Info().Msg("stopped")
	return err
}

// openCoordinator returns the Redis coordinator when an address is
// configured and the in-process one otherwise.
func openCoordinator(ctx context.Context, cfg config.RedisConfig) (coord.Coordinator, func(), error) {
	if cfg.Addr == "" {
		return coord.NewMemory(), func() {}, nil
	}
	r, err := coord.Dial(ctx, coord.RedisConfig{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		Prefix:   "mjgate:",
	})
	if err != nil {
		return nil, nil, err
	}
	return r, func() { r.Close() }, nil
}

// buildNotifier fans events out to every configured sink.
func buildNotifier(cfg config.NotifyConfig) (notify.Notifier, error) {
	var sinks notify.Multi
	if cfg.WebhookURL != "" {
		wh, err := notify.NewWebhook(notify.WebhookOpts{URL: cfg.WebhookURL, Retries: cfg.Retries, Backoff: cfg.Backoff})
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, wh)
	}
	if cfg.SlackWebhookURL != "" {
		sl, err := notify.NewSlack(notify.SlackOpts{
			WebhookURL: cfg.SlackWebhookURL,
			Channel:    cfg.SlackChannel,
			Retries:    cfg.Retries,
			Backoff:    cfg.Backoff,
		})
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, sl)
	}
	if cfg.Command != "" {
		sinks = append(sinks, notify.Command{Template: cfg.Command})
	}
	if len(sinks) == 0 {
		return notify.Nop{}, nil
	}
	return sinks, nil
}
