// Пакет config — загрузка и валидация конфигурации Track Module
// из переменных окружения.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Бэкенды квот и хранилища артефактов.
const (
	QuotaBackendPostgres = "postgres"
	QuotaBackendRedis    = "redis"

	SinkBackendFS = "fs"
	SinkBackendS3 = "s3"
)

// Config содержит все параметры конфигурации Track Module.
type Config struct {
	// --- Сервер ---

	// Порт HTTP-сервера (диапазон 8040-8049)
	Port int
	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string

	// --- HTTP Server Timeouts ---

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration

	// Таймаут graceful shutdown (по умолчанию 5s)
	ShutdownTimeout time.Duration

	// --- PostgreSQL ---

	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string
	// Режим SSL: disable, require, verify-ca, verify-full
	DBSSLMode string

	// --- Квоты ---

	// Бэкенд хранения квот: postgres, redis
	QuotaBackend string
	// Адрес Redis (host:port), обязателен для QuotaBackend=redis
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	// Лимит доставок в скользящем окне для не-VIP пользователей
	DailyLimit int
	// Ширина скользящего окна
	QuotaWindow time.Duration

	// --- Архив ---

	// Размер LRU-кэша записей архива
	ArchiveCacheSize int
	// TTL записи в LRU-кэше архива
	ArchiveCacheTTL time.Duration

	// --- Spotify ---

	SpotifyAPIURL       string
	SpotifyAuthURL      string
	SpotifyClientID     string
	SpotifyClientSecret string
	// Таймаут одного запроса к Spotify API
	SpotifyTimeout time.Duration
	// Ограничение частоты запросов к Spotify API (запросов в секунду)
	SpotifyRPS float64

	// --- Загрузка ---

	// Путь к исполняемому файлу yt-dlp
	YtdlpPath string
	// Каталог scratch workspace
	ScratchDir string
	// Верхняя граница длительности загрузки
	AcquireTimeout time.Duration
	// Ожидание завершения yt-dlp после отмены
	AbandonGrace time.Duration
	// Интервал обновления индикатора прогресса
	ProgressInterval time.Duration

	// --- Хранилище артефактов ---

	// Бэкенд: fs, s3
	SinkBackend string
	// Каталог артефактов (fs)
	DataDir string
	// Внешний URL сервиса для ссылок на артефакты (fs)
	PublicURL string
	// Параметры S3 (s3)
	S3Bucket     string
	S3Region     string
	S3Endpoint   string
	S3Prefix     string
	S3PresignTTL time.Duration

	// --- Фоновые задачи ---

	// Интервал janitor (очистка scratch, обрезка истории квот)
	JanitorInterval time.Duration
	// Возраст, после которого workspace считается брошенным
	ScratchMaxAge time.Duration

	// --- topologymetrics ---

	DephealthGroup         string
	DephealthCheckInterval time.Duration
}

// Load загружает конфигурацию из переменных окружения.
// Возвращает ошибку, если обязательные переменные не заданы
// или значения некорректны.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	// --- Сервер ---

	// TM_PORT — порт HTTP-сервера (по умолчанию 8040)
	cfg.Port, err = getEnvInt("TM_PORT", 8040)
	if err != nil {
		return nil, fmt.Errorf("TM_PORT: %w", err)
	}
	if cfg.Port < 8040 || cfg.Port > 8049 {
		return nil, fmt.Errorf("TM_PORT: значение %d вне диапазона 8040-8049", cfg.Port)
	}

	cfg.LogLevel, err = parseLogLevel(getEnvDefault("TM_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("TM_LOG_LEVEL: %w", err)
	}

	cfg.LogFormat = getEnvDefault("TM_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("TM_LOG_FORMAT: недопустимый формат %q, допустимые: json, text", cfg.LogFormat)
	}

	// --- HTTP Server Timeouts ---

	cfg.HTTPReadTimeout, err = getEnvDuration("TM_HTTP_READ_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("TM_HTTP_READ_TIMEOUT: %w", err)
	}
	cfg.HTTPWriteTimeout, err = getEnvDuration("TM_HTTP_WRITE_TIMEOUT", 60*time.Second)
	if err != nil {
		return nil, fmt.Errorf("TM_HTTP_WRITE_TIMEOUT: %w", err)
	}
	cfg.HTTPIdleTimeout, err = getEnvDuration("TM_HTTP_IDLE_TIMEOUT", 120*time.Second)
	if err != nil {
		return nil, fmt.Errorf("TM_HTTP_IDLE_TIMEOUT: %w", err)
	}
	cfg.ShutdownTimeout, err = getEnvDuration("TM_SHUTDOWN_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("TM_SHUTDOWN_TIMEOUT: %w", err)
	}

	// --- PostgreSQL ---

	if cfg.DBHost, err = getEnvRequired("TM_DB_HOST"); err != nil {
		return nil, err
	}
	cfg.DBPort, err = getEnvInt("TM_DB_PORT", 5432)
	if err != nil {
		return nil, fmt.Errorf("TM_DB_PORT: %w", err)
	}
	if cfg.DBName, err = getEnvRequired("TM_DB_NAME"); err != nil {
		return nil, err
	}
	if cfg.DBUser, err = getEnvRequired("TM_DB_USER"); err != nil {
		return nil, err
	}
	if cfg.DBPassword, err = getEnvRequired("TM_DB_PASSWORD"); err != nil {
		return nil, err
	}
	cfg.DBSSLMode = getEnvDefault("TM_DB_SSL_MODE", "disable")
	switch cfg.DBSSLMode {
	case "disable", "require", "verify-ca", "verify-full":
	default:
		return nil, fmt.Errorf("TM_DB_SSL_MODE: недопустимый режим %q", cfg.DBSSLMode)
	}

	// --- Квоты ---

	cfg.QuotaBackend = getEnvDefault("TM_QUOTA_BACKEND", QuotaBackendPostgres)
	switch cfg.QuotaBackend {
	case QuotaBackendPostgres:
	case QuotaBackendRedis:
		if cfg.RedisAddr, err = getEnvRequired("TM_REDIS_ADDR"); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("TM_QUOTA_BACKEND: недопустимый бэкенд %q, допустимые: postgres, redis", cfg.QuotaBackend)
	}
	cfg.RedisPassword = os.Getenv("TM_REDIS_PASSWORD")
	cfg.RedisDB, err = getEnvInt("TM_REDIS_DB", 0)
	if err != nil {
		return nil, fmt.Errorf("TM_REDIS_DB: %w", err)
	}

	cfg.DailyLimit, err = getEnvInt("TM_DAILY_LIMIT", 5)
	if err != nil {
		return nil, fmt.Errorf("TM_DAILY_LIMIT: %w", err)
	}
	if cfg.DailyLimit < 1 {
		return nil, fmt.Errorf("TM_DAILY_LIMIT: значение должно быть >= 1")
	}
	cfg.QuotaWindow, err = getEnvPositiveDuration("TM_QUOTA_WINDOW", 24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("TM_QUOTA_WINDOW: %w", err)
	}

	// --- Архив ---

	cfg.ArchiveCacheSize, err = getEnvInt("TM_ARCHIVE_CACHE_SIZE", 10000)
	if err != nil {
		return nil, fmt.Errorf("TM_ARCHIVE_CACHE_SIZE: %w", err)
	}
	cfg.ArchiveCacheTTL, err = getEnvPositiveDuration("TM_ARCHIVE_CACHE_TTL", 10*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("TM_ARCHIVE_CACHE_TTL: %w", err)
	}

	// --- Spotify ---

	cfg.SpotifyAPIURL = strings.TrimRight(getEnvDefault("TM_SPOTIFY_API_URL", "https://api.spotify.com"), "/")
	cfg.SpotifyAuthURL = getEnvDefault("TM_SPOTIFY_AUTH_URL", "https://accounts.spotify.com/api/token")
	if cfg.SpotifyClientID, err = getEnvRequired("TM_SPOTIFY_CLIENT_ID"); err != nil {
		return nil, err
	}
	if cfg.SpotifyClientSecret, err = getEnvRequired("TM_SPOTIFY_CLIENT_SECRET"); err != nil {
		return nil, err
	}
	cfg.SpotifyTimeout, err = getEnvPositiveDuration("TM_SPOTIFY_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("TM_SPOTIFY_TIMEOUT: %w", err)
	}
	cfg.SpotifyRPS, err = getEnvFloat("TM_SPOTIFY_RPS", 5)
	if err != nil {
		return nil, fmt.Errorf("TM_SPOTIFY_RPS: %w", err)
	}
	if cfg.SpotifyRPS <= 0 {
		return nil, fmt.Errorf("TM_SPOTIFY_RPS: значение должно быть > 0")
	}

	// --- Загрузка ---

	cfg.YtdlpPath = getEnvDefault("TM_YTDLP_PATH", "yt-dlp")
	cfg.ScratchDir = getEnvDefault("TM_SCRATCH_DIR", os.TempDir())
	cfg.AcquireTimeout, err = getEnvPositiveDuration("TM_ACQUIRE_TIMEOUT", 10*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("TM_ACQUIRE_TIMEOUT: %w", err)
	}
	cfg.AbandonGrace, err = getEnvDuration("TM_ABANDON_GRACE", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("TM_ABANDON_GRACE: %w", err)
	}
	cfg.ProgressInterval, err = getEnvPositiveDuration("TM_PROGRESS_INTERVAL", time.Second)
	if err != nil {
		return nil, fmt.Errorf("TM_PROGRESS_INTERVAL: %w", err)
	}

	// --- Хранилище артефактов ---

	cfg.SinkBackend = getEnvDefault("TM_SINK_BACKEND", SinkBackendFS)
	switch cfg.SinkBackend {
	case SinkBackendFS:
		cfg.DataDir = getEnvDefault("TM_DATA_DIR", "/data/tracks")
		cfg.PublicURL = strings.TrimRight(getEnvDefault("TM_PUBLIC_URL", fmt.Sprintf("http://localhost:%d", cfg.Port)), "/")
		if _, err := url.ParseRequestURI(cfg.PublicURL); err != nil {
			return nil, fmt.Errorf("TM_PUBLIC_URL: некорректный URL %q", cfg.PublicURL)
		}
	case SinkBackendS3:
		if cfg.S3Bucket, err = getEnvRequired("TM_S3_BUCKET"); err != nil {
			return nil, err
		}
		cfg.S3Region = getEnvDefault("TM_S3_REGION", "us-east-1")
		cfg.S3Endpoint = os.Getenv("TM_S3_ENDPOINT")
		cfg.S3Prefix = os.Getenv("TM_S3_PREFIX")
		cfg.S3PresignTTL, err = getEnvPositiveDuration("TM_S3_PRESIGN_TTL", 24*time.Hour)
		if err != nil {
			return nil, fmt.Errorf("TM_S3_PRESIGN_TTL: %w", err)
		}
	default:
		return nil, fmt.Errorf("TM_SINK_BACKEND: недопустимый бэкенд %q, допустимые: fs, s3", cfg.SinkBackend)
	}

	// --- Фоновые задачи ---

	cfg.JanitorInterval, err = getEnvPositiveDuration("TM_JANITOR_INTERVAL", 15*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("TM_JANITOR_INTERVAL: %w", err)
	}
	cfg.ScratchMaxAge, err = getEnvPositiveDuration("TM_SCRATCH_MAX_AGE", time.Hour)
	if err != nil {
		return nil, fmt.Errorf("TM_SCRATCH_MAX_AGE: %w", err)
	}
	if cfg.ScratchMaxAge <= cfg.AcquireTimeout {
		return nil, fmt.Errorf("TM_SCRATCH_MAX_AGE: значение %s должно превышать TM_ACQUIRE_TIMEOUT (%s)",
			cfg.ScratchMaxAge, cfg.AcquireTimeout)
	}

	// --- topologymetrics ---

	cfg.DephealthGroup = getEnvDefault("TM_DEPHEALTH_GROUP", "artstore")
	cfg.DephealthCheckInterval, err = getEnvDuration("TM_DEPHEALTH_CHECK_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("TM_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}

	return cfg, nil
}

// DatabaseDSN возвращает строку подключения к PostgreSQL.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBName, c.DBUser, c.DBPassword, c.DBSSLMode,
	)
}

// DatabaseURL возвращает URL подключения к PostgreSQL (для dephealth).
func (c *Config) DatabaseURL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.DBUser, c.DBPassword),
		Host:     fmt.Sprintf("%s:%d", c.DBHost, c.DBPort),
		Path:     "/" + c.DBName,
		RawQuery: "sslmode=" + c.DBSSLMode,
	}
	return u.String()
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// --- Вспомогательные функции ---

// getEnvRequired возвращает значение переменной окружения или ошибку, если она не задана.
func getEnvRequired(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

// getEnvDefault возвращает значение переменной окружения или значение по умолчанию.
func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

// getEnvInt возвращает целочисленное значение переменной окружения или значение по умолчанию.
func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

func getEnvFloat(key string, defaultVal float64) (float64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, fmt.Errorf("некорректное число: %q", val)
	}
	return f, nil
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 15m)", val)
	}
	return d, nil
}

// getEnvPositiveDuration — getEnvDuration с проверкой > 0.
func getEnvPositiveDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	d, err := getEnvDuration(key, defaultVal)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("значение должно быть > 0")
	}
	return d, nil
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}
