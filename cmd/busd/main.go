// Command busd runs the event bus as a standalone daemon: it loads
// configuration, opens the configured store backend, auto-selects a
// NotifyStrategy, and serves until SIGINT/SIGTERM triggers a graceful
// shutdown.
package main

import (
	"context"
	"database/sql"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"go.uber.org/zap"

	"github.com/fluxgate/eventbus/bus"
	"github.com/fluxgate/eventbus/notifier"
	"github.com/fluxgate/eventbus/notify"
	"github.com/fluxgate/eventbus/observability"
	"github.com/fluxgate/eventbus/store"
	"github.com/fluxgate/eventbus/worker"
)

func main() {
	configPath := flag.String("config", "", "path to a TOML config file (optional; env vars always override)")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck

	if err := run(*configPath, logger); err != nil {
		logger.Fatal("busd exited with error", zap.Error(err))
	}
}

func run(configPath string, logger *zap.Logger) error {
	cfg, err := bus.LoadConfig(configPath)
	if err != nil {
		return err
	}

	dialect, db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	s := store.NewSQLStore(db, dialect)

	runner := store.NewMigrationRunner(db, dialect)
	if err := runner.Run(context.Background(), store.Migrations(dialect)); err != nil {
		return err
	}

	obs := observability.NewSubject()
	if err := obs.RegisterObserver(observability.NewZapObserver("busd", logger)); err != nil {
		return err
	}

	strategy, err := notify.Select(notify.Options{
		Name:                cfg.NotifyStrategy,
		PollInterval:        time.Duration(cfg.PollIntervalMs) * time.Millisecond,
		PostgresDSN:         cfg.PostgresDSN,
		ServerNotifyChannel: cfg.ServerNotifyChannel,
		BusURL:              cfg.BusURL,
		BusSubject:          "eventbus.wake",
		Dialect:             dialect,
		Obs:                 obs,
	})
	if err != nil {
		return err
	}

	metrics := worker.NewMetrics(nil)
	b := bus.New(s, notifier.NewLoggingNotifier(logger), strategy, cfg, metrics, obs)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := b.Start(ctx); err != nil {
		return err
	}
	logger.Info("busd started", zap.String("dialect", dialect.Name()), zap.String("notify_strategy", cfg.NotifyStrategy))

	<-ctx.Done()
	logger.Info("shutdown signal received, draining in-flight work")

	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout+5*time.Second)
	defer cancel()
	if err := b.Stop(stopCtx); err != nil {
		logger.Warn("bus stop did not complete cleanly", zap.Error(err))
	}
	logger.Info("busd stopped")
	return nil
}

func openStore(cfg bus.Config) (store.Dialect, *sql.DB, error) {
	if cfg.PostgresDSN != "" {
		db, err := sql.Open("pgx", cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return store.Postgres, db, nil
	}
	db, err := sql.Open("sqlite", cfg.SQLiteDSN)
	if err != nil {
		return nil, nil, err
	}
	return store.SQLite, db, nil
}
