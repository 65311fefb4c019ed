// Command settlectl runs settlement jobs against the booking store.
package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"bookpay/internal/config"
	"bookpay/internal/database"
	"bookpay/internal/domain"
	"bookpay/internal/logging"
	"bookpay/internal/models"
	"bookpay/internal/worker"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "settlectl",
		Short:         "Settlement operations for the booking payment engine",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to config.yaml")

	rootCmd.AddCommand(reconcileCmd(&configPath))
	rootCmd.AddCommand(payoutCmd(&configPath))
	rootCmd.AddCommand(retryFailedCmd(&configPath))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func defaultConfigPath() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return "configs/config.yaml"
}

// env is what every subcommand needs; close releases it.
type env struct {
	cfg    *config.Config
	logger *zerolog.Logger
	db     *database.DB
	redis  *redis.Client
	closer io.Closer
}

func openEnv(ctx context.Context, configPath string) (*env, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	l := logger.With().Str("component", "settlectl").Logger()

	db, err := database.Open(cfg.Database, &l)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	e := &env{cfg: cfg, logger: &l, db: db, closer: closer}
	if cfg.Redis.Address != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Address, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		if err := client.Ping(ctx).Err(); err != nil {
			l.Warn().Err(err).Msg("redis unavailable, requeued tasks wait for polling")
			_ = client.Close()
		} else {
			e.redis = client
		}
	}
	return e, nil
}

// queue returns a worker that is never started. It only requeues and
// wakes the running server through redis.
func (e *env) queue() *worker.CommandWorker {
	noop := domain.TaskHandlerFunc(func(context.Context, *models.Task) error { return nil })
	return worker.NewCommandWorker(e.db, noop, e.redis, worker.Options{}, e.logger)
}

func (e *env) close() {
	if e.redis != nil {
		_ = e.redis.Close()
	}
	_ = e.db.Close()
	if e.closer != nil {
		_ = e.closer.Close()
	}
}
