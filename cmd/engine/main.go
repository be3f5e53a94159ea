// Package main - точка входа движка отслеживания прогресса обучения.
//
// Движок ведёт локальное состояние прогресса пользователя (уроки, курсы,
// серии, сертификаты), мгновенно применяет оптимистичные записи, сохраняет
// снимки в локальное хранилище и в фоне синхронизируется с сервисом
// прогресса. Правда о прогрессе - у сервера; локальное состояние выигрывает
// только пока его запись новее серверной.
//
// Архитектура следует принципам Clean Architecture и DDD:
// - Domain: редьюсер состояния и доменные события, без внешних зависимостей
// - Application: фасад движка, дебаунс-персистер
// - Infrastructure: Redis/PostgreSQL хранилища, HTTP клиент, sync engine
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/learnhub/progress-engine/config"
	"github.com/learnhub/progress-engine/internal/application"
	"github.com/learnhub/progress-engine/internal/domain/progress"
	"github.com/learnhub/progress-engine/internal/domain/shared"
	"github.com/learnhub/progress-engine/internal/infrastructure/external/remote"
	"github.com/learnhub/progress-engine/internal/infrastructure/messaging"
	"github.com/learnhub/progress-engine/internal/infrastructure/persistence/postgres"
	"github.com/learnhub/progress-engine/internal/infrastructure/persistence/redis"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "fatal error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	// ─────────────────────────────────────────────────────────────────────────
	// 1. ЗАГРУЗКА КОНФИГУРАЦИИ
	// ─────────────────────────────────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 2. НАСТРОЙКА ЛОГИРОВАНИЯ
	// ─────────────────────────────────────────────────────────────────────────
	log := setupLogger(cfg)
	log.Info("starting progress engine",
		"env", cfg.App.Environment,
		"user_id", cfg.Engine.UserID,
		"snapshot_backend", cfg.Engine.SnapshotBackend,
	)

	// ─────────────────────────────────────────────────────────────────────────
	// 3. ЛОКАЛЬНОЕ ХРАНИЛИЩЕ СНИМКОВ
	// ─────────────────────────────────────────────────────────────────────────
	var (
		snapshots progress.SnapshotStore
		ledger    progress.CertificateLedger
	)

	var dbConn *postgres.Connection
	if cfg.Engine.SnapshotBackend == config.SnapshotBackendPostgres || !cfg.Database.Disabled {
		log.Info("connecting to database...")
		dbConn, err = postgres.NewConnectionFromURL(ctx, cfg.Database.URL)
		if err != nil {
			if cfg.Engine.SnapshotBackend == config.SnapshotBackendPostgres {
				return fmt.Errorf("failed to connect to database: %w", err)
			}
			log.Warn("database unavailable, certificate ledger disabled", "error", err)
		}
	}
	if dbConn != nil {
		defer func() {
			log.Info("closing database connection...")
			dbConn.Close()
		}()

		log.Info("running database migrations...")
		if err := postgres.NewMigrator(dbConn).Migrate(ctx); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}

		ledger = postgres.NewCertificateRepository(dbConn)
	}

	var cache *redis.Cache

	switch cfg.Engine.SnapshotBackend {
	case config.SnapshotBackendPostgres:
		snapshots = postgres.NewSnapshotRepository(dbConn)
		log.Info("using postgres snapshot backend")

	default:
		log.Info("connecting to Redis...")
		redisCfg := redis.DefaultConfig()
		redisCfg.Host = cfg.Redis.Host
		redisCfg.Port = cfg.Redis.Port
		redisCfg.Password = cfg.Redis.Password
		redisCfg.DB = cfg.Redis.DB
		redisCfg.PoolSize = cfg.Redis.PoolSize
		redisCfg.MinIdleConns = cfg.Redis.MinIdleConns
		redisCfg.DialTimeout = cfg.Redis.DialTimeout
		redisCfg.ReadTimeout = cfg.Redis.ReadTimeout
		redisCfg.WriteTimeout = cfg.Redis.WriteTimeout

		cache, err = redis.NewCache(redisCfg)
		if err != nil {
			return fmt.Errorf("failed to connect to Redis: %w", err)
		}
		defer cache.Close()

		snapshots = redis.NewSnapshotStore(cache, log)
		log.Info("using redis snapshot backend")
	}

	if ledger != nil && cache != nil {
		// Реестр сертификатов в Postgres, чтение через кэш в Redis.
		ledger = redis.NewCertificateCache(cache, ledger, log)
		log.Info("certificate reads served through redis cache")
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 4. ВОССТАНОВЛЕНИЕ ЛОКАЛЬНОГО СОСТОЯНИЯ
	// ─────────────────────────────────────────────────────────────────────────
	store := progress.NewStore(progress.StoreConfig{
		UserID:            cfg.Engine.UserID,
		CompleteThreshold: progress.Percent(cfg.Engine.CompleteThreshold),
	})

	snap, err := snapshots.Load(ctx, cfg.Engine.UserID)
	switch {
	case err == nil:
		store.Restore(snap)
		log.Info("restored local snapshot",
			"saved_at", snap.SavedAt,
			"courses", len(snap.CourseProgress),
		)
	case errors.Is(err, shared.ErrSnapshotNotFound):
		log.Info("no local snapshot, starting empty")
	case errors.Is(err, shared.ErrSnapshotCorrupt):
		// Повреждённый снимок не фатален: сервер остаётся источником правды.
		log.Warn("local snapshot corrupt, starting empty", "error", err)
	default:
		return fmt.Errorf("failed to load snapshot: %w", err)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 5. EVENT BUS
	// ─────────────────────────────────────────────────────────────────────────
	busConfig := messaging.DefaultInMemoryEventBusConfig()
	busConfig.Logger = log
	eventBus := messaging.NewInMemoryEventBus(busConfig)
	defer func() {
		log.Info("closing event bus...")
		_ = eventBus.Close()
	}()

	// ─────────────────────────────────────────────────────────────────────────
	// 6. КЛИЕНТ СЕРВИСА ПРОГРЕССА
	// ─────────────────────────────────────────────────────────────────────────
	var client *remote.Client
	if cfg.Remote.Token != "" {
		clientConfig := remote.DefaultClientConfig(cfg.Remote.BaseURL, remote.StaticTokenSource(cfg.Remote.Token))
		clientConfig.Timeout = cfg.Remote.RequestTimeout
		clientConfig.Logger = log
		clientConfig.Debug = cfg.App.Debug
		client = remote.NewClient(clientConfig)
	} else {
		log.Warn("no remote token configured, running offline-only")
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 7. ФАСАД ДВИЖКА
	// ─────────────────────────────────────────────────────────────────────────
	engine := application.NewEngine(application.Config{
		Store:            store,
		Bus:              eventBus,
		Client:           client,
		Snapshots:        snapshots,
		Ledger:           ledger,
		SnapshotDebounce: cfg.Engine.SnapshotDebounce,
		Logger:           log,
	})

	// ─────────────────────────────────────────────────────────────────────────
	// 8. ГИДРАТАЦИЯ С СЕРВЕРА
	// ─────────────────────────────────────────────────────────────────────────
	if client != nil && cfg.Engine.PullOnStart {
		pullCtx, pullCancel := context.WithTimeout(ctx, cfg.Remote.RequestTimeout)
		if err := engine.FetchAllProgress(pullCtx); err != nil {
			// Старт без сети - штатный сценарий: живём на снимке.
			log.Warn("initial pull failed, continuing with local state", "error", err)
		}
		pullCancel()
	}

	// Незавершённые локальные записи из снимка уходят на сервер в фоне.
	engine.ResyncDirty()

	// ─────────────────────────────────────────────────────────────────────────
	// 9. GRACEFUL SHUTDOWN
	// ─────────────────────────────────────────────────────────────────────────
	log.Info("progress engine is running", "user_id", cfg.Engine.UserID)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	select {
	case sig := <-sigCh:
		log.Info("received shutdown signal", "signal", sig.String())
	case <-ctx.Done():
		log.Info("context cancelled")
	}

	log.Info("starting graceful shutdown...", "timeout", cfg.App.ShutdownTimeout.String())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer shutdownCancel()

	// Останавливаем фоновую синхронизацию и пишем финальный снимок.
	if err := engine.Close(shutdownCtx); err != nil {
		log.Error("failed to persist final snapshot", "error", err)
		return err
	}

	log.Info("shutdown completed successfully")
	return nil
}

// setupLogger настраивает структурированное логирование.
func setupLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Observability.LogLevel),
	}
	if cfg.App.Debug {
		opts.Level = slog.LevelDebug
	}

	var handler slog.Handler
	if cfg.Observability.LogFormat == "json" || cfg.IsProduction() {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	log := slog.New(handler)
	slog.SetDefault(log)

	return log
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
