// Точка входа Track Module — конвейер доставки треков по ссылкам Spotify.
// Загружает конфигурацию, подключается к PostgreSQL (и Redis, если квоты
// хранятся там), применяет миграции, создаёт клиентов Spotify и yt-dlp,
// хранилище артефактов, оркестратор сессий, запускает фоновые задачи
// (janitor, topologymetrics) и HTTP-сервер с graceful shutdown.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"

	"github.com/bigkaa/goartstore/track-module/internal/api/handlers"
	"github.com/bigkaa/goartstore/track-module/internal/api/middleware"
	"github.com/bigkaa/goartstore/track-module/internal/config"
	"github.com/bigkaa/goartstore/track-module/internal/database"
	"github.com/bigkaa/goartstore/track-module/internal/repository"
	"github.com/bigkaa/goartstore/track-module/internal/server"
	"github.com/bigkaa/goartstore/track-module/internal/service"
	"github.com/bigkaa/goartstore/track-module/internal/sink"
	"github.com/bigkaa/goartstore/track-module/internal/spotify"
	"github.com/bigkaa/goartstore/track-module/internal/ytdlp"
)

func main() {
	// 1. Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Ошибка загрузки конфигурации", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 2. Настройка логирования
	logger := config.SetupLogger(cfg)
	logger.Info("Track Module запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
		slog.String("quota_backend", cfg.QuotaBackend),
		slog.String("sink_backend", cfg.SinkBackend),
	)

	if os.Getenv("TM_DEPHEALTH_GROUP") == "" {
		logger.Warn("TM_DEPHEALTH_GROUP не задана, используется значение по умолчанию",
			slog.String("default", cfg.DephealthGroup),
		)
	}

	// 3. Применение миграций БД
	logger.Info("Применение миграций БД...")
	if err := database.Migrate(cfg, logger); err != nil {
		logger.Error("Ошибка миграций БД", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 4. Подключение к PostgreSQL (pgxpool)
	ctx := context.Background()
	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		logger.Error("Ошибка подключения к PostgreSQL", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer pool.Close()

	// 4.1 Адаптер pgxpool → *sql.DB для topologymetrics (connection pool mode)
	pgDB := stdlib.OpenDBFromPool(pool)
	defer pgDB.Close()

	// 5. Хранилище квот
	var (
		quotaStore   repository.QuotaStore
		redisChecker handlers.ReadinessChecker
	)
	switch cfg.QuotaBackend {
	case config.QuotaBackendRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()

		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Error("Ошибка подключения к Redis",
				slog.String("addr", cfg.RedisAddr),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
		redisStore := repository.NewRedisQuotaStore(rdb)
		quotaStore = redisStore
		redisChecker = redisStore
		logger.Info("Квоты хранятся в Redis", slog.String("addr", cfg.RedisAddr))
	default:
		quotaStore = repository.NewPostgresQuotaStore(pool)
	}

	// 6. Архив и квоты
	archiveSvc := service.NewArchiveService(
		repository.NewArchiveRepository(pool),
		cfg.ArchiveCacheSize, cfg.ArchiveCacheTTL,
		logger,
	)
	quotaSvc := service.NewQuotaEnforcer(quotaStore, cfg.DailyLimit, cfg.QuotaWindow, logger)

	// 7. Spotify Web API клиент
	spotifyClient := spotify.New(
		cfg.SpotifyAPIURL,
		cfg.SpotifyAuthURL,
		cfg.SpotifyClientID,
		cfg.SpotifyClientSecret,
		cfg.SpotifyTimeout,
		cfg.SpotifyRPS,
		logger,
	)

	// 8. Инструмент загрузки
	acquirer := service.NewAcquisitionWorker(
		ytdlp.New(cfg.YtdlpPath, logger),
		cfg.ScratchDir,
		cfg.AcquireTimeout,
		cfg.AbandonGrace,
		logger,
	)

	// 9. Хранилище артефактов
	var (
		deliverySink service.DeliverySink
		artifacts    handlers.ArtifactOpener
		s3Endpoint   string
	)
	switch cfg.SinkBackend {
	case config.SinkBackendS3:
		s3Store, s3Err := sink.NewS3Store(ctx, sink.S3Config{
			Bucket:     cfg.S3Bucket,
			Region:     cfg.S3Region,
			Endpoint:   cfg.S3Endpoint,
			Prefix:     cfg.S3Prefix,
			PresignTTL: cfg.S3PresignTTL,
		}, logger)
		if s3Err != nil {
			logger.Error("Ошибка создания S3-хранилища", slog.String("error", s3Err.Error()))
			os.Exit(1)
		}
		deliverySink = s3Store
		s3Endpoint = cfg.S3Endpoint
		logger.Info("Артефакты хранятся в S3",
			slog.String("bucket", cfg.S3Bucket),
			slog.String("region", cfg.S3Region),
		)
	default:
		fileStore, fsErr := sink.NewFileStore(cfg.DataDir, cfg.PublicURL, logger)
		if fsErr != nil {
			logger.Error("Ошибка создания файлового хранилища",
				slog.String("data_dir", cfg.DataDir),
				slog.String("error", fsErr.Error()),
			)
			os.Exit(1)
		}
		deliverySink = fileStore
		artifacts = fileStore
		logger.Info("Артефакты хранятся на диске",
			slog.String("data_dir", cfg.DataDir),
			slog.String("public_url", cfg.PublicURL),
		)
	}

	// 10. Оркестратор сессий
	orchestrator := service.NewOrchestrator(
		spotifyClient,
		archiveSvc,
		quotaSvc,
		acquirer,
		deliverySink,
		service.NewProgressReporter(cfg.ProgressInterval, logger),
		logger,
	)

	// 11. Запуск фоновых задач
	appCtx, cancelApp := context.WithCancel(ctx)
	defer cancelApp()

	janitor := service.NewJanitorService(
		cfg.ScratchDir, cfg.ScratchMaxAge,
		quotaSvc,
		cfg.JanitorInterval,
		logger,
	)
	janitor.Start(appCtx)

	// 11.1 topologymetrics — мониторинг зависимостей (PostgreSQL + S3)
	dephealthSvc, dephealthErr := service.NewDephealthService(
		"track-module",
		cfg.DephealthGroup,
		pgDB,
		cfg.DatabaseURL(),
		s3Endpoint,
		cfg.DephealthCheckInterval,
		logger,
	)
	if dephealthErr != nil {
		logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
			slog.String("error", dephealthErr.Error()),
		)
		dephealthSvc = nil
	} else if startErr := dephealthSvc.Start(appCtx); startErr != nil {
		logger.Warn("Ошибка запуска topologymetrics",
			slog.String("error", startErr.Error()),
		)
	} else {
		logger.Info("topologymetrics запущен",
			slog.String("group", cfg.DephealthGroup),
			slog.String("check_interval", cfg.DephealthCheckInterval.String()),
		)
	}

	// 12. Health и API handlers
	healthHandler := handlers.NewHealthHandler(database.NewReadinessChecker(pool), redisChecker)
	apiHandler := handlers.NewAPIHandler(appCtx, healthHandler, orchestrator, artifacts, logger)

	// 13. Создание и запуск HTTP-сервера
	srv := server.New(cfg, logger, apiHandler,
		middleware.MetricsMiddleware(),
		middleware.RequestLogger(logger),
	)
	runErr := srv.Run()

	// 14. Graceful shutdown фоновых задач
	logger.Info("Останавливаем фоновые задачи...")

	cancelApp()
	apiHandler.Wait()
	janitor.Stop()
	if dephealthSvc != nil {
		dephealthSvc.Stop()
	}

	if runErr != nil {
		logger.Error("Ошибка сервера", slog.String("error", runErr.Error()))
		os.Exit(1)
	}
	logger.Info("Track Module остановлен")
}
