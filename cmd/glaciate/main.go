// Package main is the entrypoint for the glaciate services. One binary
// carries every process kind; the subcommand picks which one to run.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/asampat/glaciate/internal/api"
	"github.com/asampat/glaciate/internal/api/handler"
	mw "github.com/asampat/glaciate/internal/api/middleware"
	"github.com/asampat/glaciate/internal/cache"
	"github.com/asampat/glaciate/internal/coldstore"
	"github.com/asampat/glaciate/internal/config"
	"github.com/asampat/glaciate/internal/keys"
	"github.com/asampat/glaciate/internal/objstore"
	"github.com/asampat/glaciate/internal/profile"
	"github.com/asampat/glaciate/internal/queue"
	"github.com/asampat/glaciate/internal/registry"
	"github.com/asampat/glaciate/internal/worker"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := newRootCmd(logger).Execute(); err != nil {
		if !errors.Is(err, context.Canceled) {
			logger.Error("command failed", "error", err)
			os.Exit(1)
		}
	}
}

func newRootCmd(logger *slog.Logger) *cobra.Command {
	root := &cobra.Command{
		Use:           "glaciate",
		Short:         "Genome annotation job pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newAPICmd(logger),
		newWorkerCmd(logger, "dispatcher", "Run the job dispatcher", runDispatcher),
		newWorkerCmd(logger, "archiver", "Run the result archiver", runArchiver),
		newWorkerCmd(logger, "restorer", "Run the restore initiator", runRestorer),
		newWorkerCmd(logger, "thaw", "Run the thaw completer", runThaw),
		newWorkerCmd(logger, "notifier", "Run the completion notifier", runNotifier),
		newWorkerCmd(logger, "retrievals", "Run the archive retrieval monitor", runRetrievalMonitor),
		newMigrateCmd(logger),
	)
	return root
}

// newWorkerCmd wraps a worker's run function with the shared config load and
// signal handling.
func newWorkerCmd(logger *slog.Logger, name, short string,
	run func(ctx context.Context, cfg *config.Config, logger *slog.Logger) error) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return run(ctx, cfg, logger)
		},
	}
}

func newMigrateCmd(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := registry.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
				return fmt.Errorf("run migrations: %w", err)
			}
			logger.Info("database migrations applied")
			return nil
		},
	}
}

func newAPICmd(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "api",
		Short: "Run the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runAPI(ctx, cfg, logger)
		},
	}
}

func connectPostgres(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*pgxpool.Pool, error) {
	pool, err := registry.Connect(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	logger.Info("database connected")
	return pool, nil
}

func connectRedis(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*redis.Client, error) {
	client, err := queue.NewClient(cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("create redis client: %w", err)
	}
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	logger.Info("redis connected")
	return client, nil
}

type buckets struct {
	inputs  objstore.Store
	results objstore.Store
	archive objstore.Store
}

func connectStores(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*buckets, error) {
	client, err := objstore.NewClient(cfg.Store)
	if err != nil {
		return nil, err
	}
	for _, b := range []string{cfg.Store.InputsBucket, cfg.Store.ResultsBucket, cfg.Store.ArchiveBucket} {
		if err := objstore.EnsureBucket(ctx, client, b); err != nil {
			return nil, err
		}
	}
	logger.Info("object store connected", "endpoint", cfg.Store.Endpoint)
	return &buckets{
		inputs:  objstore.NewBucket(client, cfg.Store.InputsBucket),
		results: objstore.NewBucket(client, cfg.Store.ResultsBucket),
		archive: objstore.NewBucket(client, cfg.Store.ArchiveBucket),
	}, nil
}

func runAPI(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	pool, err := connectPostgres(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := registry.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("database migrations applied")

	rdb, err := connectRedis(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rdb.Close()

	stores, err := connectStores(ctx, cfg, logger)
	if err != nil {
		return err
	}

	reg := registry.NewPostgresStore(pool)
	profiles := profile.NewPostgresService(pool)
	keyStore := keys.NewPostgresStore(pool)
	statusCache := cache.NewRedisCacheFromClient(rdb)

	submissions := queue.NewFanoutPublisher(queue.NewStreamPublisher(rdb, cfg.Queues.Submissions))
	upgrades := queue.NewStreamPublisher(rdb, cfg.Queues.Upgrades)

	jobs := handler.NewJobsHandler(reg, profiles, stores.inputs, stores.results,
		submissions, statusCache, cfg.Store.PresignExpiry)
	subs := handler.NewSubscriptionsHandler(profiles, upgrades)
	keyHandler := handler.NewKeysHandler(keyStore)

	router := api.NewRouter(api.Dependencies{
		Auth:      mw.NewAuth(keyStore),
		RateLimit: mw.NewRateLimit(statusCache, 60),

		HealthHandler: handler.NewHealthHandler(reg, statusCache),

		CreateJobHandler: jobs.Create,
		ListJobsHandler:  jobs.List,
		GetJobHandler:    jobs.Get,
		JobStatusHandler: jobs.Status,
		JobLogHandler:    jobs.Log,

		SubscribeHandler:   subs.Subscribe,
		UnsubscribeHandler: subs.Unsubscribe,

		CreateKeyHandler: keyHandler.Create,
		ListKeysHandler:  keyHandler.List,
		RevokeKeyHandler: keyHandler.Revoke,
	})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func runDispatcher(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	pool, err := connectPostgres(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer pool.Close()

	rdb, err := connectRedis(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rdb.Close()

	stores, err := connectStores(ctx, cfg, logger)
	if err != nil {
		return err
	}

	submissions, err := queue.NewStreamConsumer(ctx, rdb, cfg.Queues.Submissions, "dispatchers", cfg.Queues.ReclaimMinIdle)
	if err != nil {
		return err
	}

	reg := registry.NewPostgresStore(pool)
	completions := queue.NewFanoutPublisher(queue.NewStreamPublisher(rdb, cfg.Queues.Completions))
	runner := worker.NewExecRunner(cfg.Annotator.Command, cfg.Annotator.KeyPrefix,
		stores.results, reg, completions, logger)

	d := worker.NewDispatcher(submissions, reg, stores.inputs, runner,
		cfg.Annotator.WorkDir, cfg.Queues.BlockWait, logger)
	return d.Run(ctx)
}

func runArchiver(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	pool, err := connectPostgres(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer pool.Close()

	rdb, err := connectRedis(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rdb.Close()

	stores, err := connectStores(ctx, cfg, logger)
	if err != nil {
		return err
	}

	completions, err := queue.NewStreamConsumer(ctx, rdb, cfg.Queues.Completions, "archivers", cfg.Queues.ReclaimMinIdle)
	if err != nil {
		return err
	}

	vault := coldstore.NewVault(stores.archive, rdb, cfg.Vault)
	a := worker.NewArchiver(completions, registry.NewPostgresStore(pool), stores.results,
		vault, profile.NewPostgresService(pool), cfg.Queues.BlockWait, logger)
	return a.Run(ctx)
}

func runRestorer(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	pool, err := connectPostgres(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer pool.Close()

	rdb, err := connectRedis(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rdb.Close()

	stores, err := connectStores(ctx, cfg, logger)
	if err != nil {
		return err
	}

	upgrades, err := queue.NewStreamConsumer(ctx, rdb, cfg.Queues.Upgrades, "restorers", cfg.Queues.ReclaimMinIdle)
	if err != nil {
		return err
	}

	vault := coldstore.NewVault(stores.archive, rdb, cfg.Vault)
	r := worker.NewRestorer(upgrades, registry.NewPostgresStore(pool), vault, cfg.Queues.BlockWait, logger)
	return r.Run(ctx)
}

func runThaw(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	pool, err := connectPostgres(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer pool.Close()

	rdb, err := connectRedis(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rdb.Close()

	stores, err := connectStores(ctx, cfg, logger)
	if err != nil {
		return err
	}

	callbacks, err := queue.NewStreamConsumer(ctx, rdb, cfg.Queues.Callbacks, "thaw-completers", cfg.Queues.ReclaimMinIdle)
	if err != nil {
		return err
	}

	vault := coldstore.NewVault(stores.archive, rdb, cfg.Vault)
	t := worker.NewThawCompleter(callbacks, registry.NewPostgresStore(pool), stores.results,
		vault, cfg.Queues.BlockWait, logger)
	return t.Run(ctx)
}

func runNotifier(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	rdb, err := connectRedis(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rdb.Close()

	completions, err := queue.NewStreamConsumer(ctx, rdb, cfg.Queues.Completions, "notifiers", cfg.Queues.ReclaimMinIdle)
	if err != nil {
		return err
	}

	mailer := worker.NewSMTPMailer(cfg.SMTP)
	n := worker.NewNotifier(completions, mailer, cfg.Server.BaseURL, cfg.Queues.BlockWait, logger)
	return n.Run(ctx)
}

func runRetrievalMonitor(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	rdb, err := connectRedis(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rdb.Close()

	stores, err := connectStores(ctx, cfg, logger)
	if err != nil {
		return err
	}

	vault := coldstore.NewVault(stores.archive, rdb, cfg.Vault)
	callbacks := queue.NewFanoutPublisher(queue.NewStreamPublisher(rdb, cfg.Queues.Callbacks))
	m := coldstore.NewMonitor(vault, callbacks, cfg.Vault.PollInterval, logger)
	return m.Run(ctx)
}
