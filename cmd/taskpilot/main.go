package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"taskpilot/internal/action"
	"taskpilot/internal/api"
	"taskpilot/internal/assistant"
	"taskpilot/internal/auth"
	"taskpilot/internal/config"
	"taskpilot/internal/metrics"
	"taskpilot/internal/providers/registry"
	"taskpilot/internal/providers/router"
	"taskpilot/internal/queue"
	"taskpilot/internal/secrets"
	"taskpilot/internal/storage"
	"taskpilot/internal/worker"
)

func main() {
	root := &cobra.Command{
		Use:           "taskpilot",
		Short:         "Project assistant service",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServe,
	}
	root.AddCommand(
		&cobra.Command{Use: "serve", Short: "Run the HTTP API and the audit worker", RunE: runServe},
		&cobra.Command{Use: "migrate", Short: "Apply database migrations and exit", RunE: runMigrate},
		&cobra.Command{Use: "rotate-keys", Short: "Re-seal stored provider API keys under the current master key", RunE: runRotateKeys},
	)

	if err := root.Execute(); err != nil {
		log.Fatal().Err(err).Msg("taskpilot failed")
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	setupLogger(cfg.Log.Level)
	return cfg, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log.Info().
		Str("db_driver", cfg.DB.Driver).
		Str("default_provider", cfg.Provider.DefaultProvider).
		Dur("provider_timeout", cfg.Provider.Timeout).
		Msg("starting taskpilot")

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := storage.Open(ctx, cfg.DB.Driver, cfg.DB.DSN, cfg.DB.AutoMigrate)
	if err != nil {
		return fmt.Errorf("initialize storage: %w", err)
	}
	defer store.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer rdb.Close()

	keyring, err := secrets.NewKeyring(cfg.Crypto.CurrentKeyID, cfg.Crypto.Keys)
	if err != nil {
		return fmt.Errorf("initialize keyring: %w", err)
	}

	m := metrics.Global()
	events := queue.NewEventStream(rdb, cfg.Redis.EventsStream, cfg.Redis.EventsGroup, cfg.Worker.ConsumerName, cfg.Redis.QueueBlock)

	baseURLs := map[registry.Kind]string{}
	if cfg.Provider.OllamaURL != "" {
		baseURLs[registry.KindOllama] = cfg.Provider.OllamaURL
	}
	svc := assistant.New(assistant.Config{
		Store: store,
		Generator: router.New(router.Config{
			Timeout:      cfg.Provider.Timeout,
			RetryBackoff: cfg.Provider.RetryBackoff,
			BaseURLs:     baseURLs,
			BodyTemplate: cfg.Provider.CustomBodyTemplate,
			Logger:       log.Logger,
			Metrics:      m,
		}),
		Executor: action.NewExecutor(action.ExecutorConfig{
			Store:     store,
			Publisher: events,
			Logger:    log.Logger,
			Metrics:   m,
		}),
		Keyring: keyring,
		Limiter: queue.NewTurnLimiter(rdb, cfg.Rate.PerHour),
		Locker:  queue.NewSessionLock(rdb, cfg.Redis.SessionLockTTL, cfg.Redis.LockWait),
		Defaults: assistant.Defaults{
			Provider:    cfg.Provider.DefaultProvider,
			Model:       cfg.Provider.DefaultModel,
			MaxTokens:   cfg.Provider.DefaultMaxTokens,
			Temperature: cfg.Provider.DefaultTemperature,
		},
		Logger:  log.Logger,
		Metrics: m,
	})
	handler := api.New(svc, auth.NewHeaderResolver(store, cfg.HTTP.UserHeader), log.Logger)

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.HTTP.HealthPath, func(w http.ResponseWriter, r *http.Request) {
		if err := store.Ping(r.Context()); err != nil {
			http.Error(w, "db unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle(cfg.HTTP.MetricsPath, promhttp.Handler())
	mux.Handle("/api/", handler.Echo())

	httpServer := &http.Server{
		Addr:              cfg.HTTP.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		// Chat turns wait on the provider, including one retry.
		WriteTimeout: 2*cfg.Provider.Timeout + 15*time.Second,
	}

	auditWorker := worker.New(worker.Config{
		Store:      store,
		Stream:     events,
		MaxRetries: cfg.Worker.MaxRetries,
		Logger:     log.Logger,
		Metrics:    m,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.HTTP.ListenAddr).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		log.Info().Int("concurrency", cfg.Worker.Concurrency).Msg("audit worker started")
		if err := auditWorker.Start(gctx, cfg.Worker.Concurrency); err != nil && gctx.Err() == nil {
			return fmt.Errorf("audit worker: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("failed to stop http server")
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info().Msg("stopped")
	return nil
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := storage.Open(cmd.Context(), cfg.DB.Driver, cfg.DB.DSN, false)
	if err != nil {
		return fmt.Errorf("initialize storage: %w", err)
	}
	defer store.Close()

	if err := store.Migrate(cmd.Context()); err != nil {
		return err
	}
	log.Info().Str("db_driver", cfg.DB.Driver).Msg("migrations applied")
	return nil
}

func setupLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(parseLogLevel(level))
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
