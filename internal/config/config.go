package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"adventure-server/internal/utils"

	"github.com/kelseyhightower/envconfig"
	"go.uber.org/zap"
)

const (
	// Допустимый диапазон глубины дерева: узлов до 2^(D+1)-1.
	minStoryDepth = 1
	maxStoryDepth = 8
)

// Config содержит конфигурацию сервиса генерации интерактивных историй
type Config struct {
	// Настройки HTTP сервера
	HTTPServerPort  string        `envconfig:"HTTP_SERVER_PORT" default:"8080"`
	APIPrefix       string        `envconfig:"API_PREFIX" default:"/api"`
	Debug           bool          `envconfig:"DEBUG" default:"false"`
	AllowedOrigins  []string      `envconfig:"ALLOWED_ORIGINS"` // CSV, пусто = разрешены все
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`

	// Логирование
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	LogEncoding string `envconfig:"LOG_ENCODING" default:"json"`

	// Настройки PostgreSQL. DATABASE_URL имеет приоритет над DB_*.
	DatabaseURL         string        `envconfig:"DATABASE_URL"`
	DBHost              string        `envconfig:"DB_HOST" default:"localhost"`
	DBPort              string        `envconfig:"DB_PORT" default:"5432"`
	DBUser              string        `envconfig:"DB_USER" default:"postgres"`
	DBName              string        `envconfig:"DB_NAME" default:"adventure_db"`
	DBSSLMode           string        `envconfig:"DB_SSL_MODE" default:"disable"`
	DBMaxConns          int           `envconfig:"DB_MAX_CONNECTIONS" default:"10"`
	DBIdleTimeout       time.Duration `envconfig:"DB_MAX_IDLE_MINUTES" default:"5m"`
	DBConnectAttempts   int           `envconfig:"DB_CONNECT_ATTEMPTS" default:"30"`
	DBConnectRetryDelay time.Duration `envconfig:"DB_CONNECT_RETRY_DELAY" default:"2s"`
	// Секретное поле, читается из DB_PASSWORD или /run/secrets/db_password
	DBPassword string `envconfig:"DB_PASSWORD"`

	// Настройки AI
	AIClientType        string        `envconfig:"AI_CLIENT_TYPE" default:"openai"` // openai | ollama
	AIBaseURL           string        `envconfig:"AI_BASE_URL" default:"https://api.openai.com/v1"`
	AIModel             string        `envconfig:"AI_MODEL" default:"gpt-4o-mini"`
	AITimeout           time.Duration `envconfig:"AI_TIMEOUT" default:"60s"` // на один вызов, не на задачу
	AIMaxAttempts       int           `envconfig:"AI_MAX_ATTEMPTS" default:"3"`
	AIBaseRetryDelay    time.Duration `envconfig:"AI_BASE_RETRY_DELAY" default:"1s"`
	AITemperature       float64       `envconfig:"AI_TEMPERATURE" default:"0.9"`
	AIMaxTokens         int           `envconfig:"AI_MAX_TOKENS" default:"800"`
	AIPromptTokenBudget int           `envconfig:"AI_PROMPT_TOKEN_BUDGET" default:"1500"`
	// Секретное поле, читается из OPENAI_API_KEY или /run/secrets/ai_api_key
	AIAPIKey string `envconfig:"OPENAI_API_KEY"`

	// Построение дерева
	StoryMaxDepth         int `envconfig:"STORY_MAX_DEPTH" default:"3"`
	GenerationConcurrency int `envconfig:"GENERATION_CONCURRENCY" default:"4"`

	// Воркеры
	WorkerCount     int           `envconfig:"WORKER_COUNT" default:"2"`
	JobQueueSize    int           `envconfig:"JOB_QUEUE_SIZE" default:"100"`
	JobPollInterval time.Duration `envconfig:"JOB_POLL_INTERVAL" default:"10s"`
	StaleJobTimeout time.Duration `envconfig:"STALE_JOB_TIMEOUT" default:"30m"`

	// RabbitMQ: пустой URL = диспетчеризация внутри процесса
	RabbitMQURL        string `envconfig:"RABBITMQ_URL"`
	JobQueueName       string `envconfig:"JOB_QUEUE_NAME" default:"story_generation_jobs"`
	JobEventsQueueName string `envconfig:"JOB_EVENTS_QUEUE_NAME" default:"story_job_events"`

	// Redis для флагов отмены: пустой адрес = флаги в памяти
	RedisAddr     string        `envconfig:"REDIS_ADDR"`
	RedisPassword string        `envconfig:"REDIS_PASSWORD"`
	RedisDB       int           `envconfig:"REDIS_DB" default:"0"`
	CancelFlagTTL time.Duration `envconfig:"CANCEL_FLAG_TTL" default:"24h"`
}

// secretReader позволяет подменить чтение Docker secrets в тестах.
var secretReader = utils.ReadSecret

// LoadConfig загружает конфигурацию из переменных окружения и секретов
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("ошибка загрузки конфигурации: %w", err)
	}

	if cfg.DatabaseURL == "" && cfg.DBPassword == "" {
		password, err := secretReader("db_password")
		if err != nil {
			return nil, fmt.Errorf("не задан DATABASE_URL и не удалось прочитать пароль БД: %w", err)
		}
		cfg.DBPassword = password
	}

	if cfg.AIAPIKey == "" && strings.EqualFold(cfg.AIClientType, "openai") {
		key, err := secretReader("ai_api_key")
		if err != nil {
			return nil, fmt.Errorf("не задан OPENAI_API_KEY и не удалось прочитать секрет ai_api_key: %w", err)
		}
		cfg.AIAPIKey = key
	}

	cfg.AllowedOrigins = normalizeOrigins(cfg.AllowedOrigins)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate проверяет диапазоны значений
func (c *Config) Validate() error {
	var errs []error
	if c.StoryMaxDepth < minStoryDepth || c.StoryMaxDepth > maxStoryDepth {
		errs = append(errs, fmt.Errorf("STORY_MAX_DEPTH must be in [%d, %d], got %d", minStoryDepth, maxStoryDepth, c.StoryMaxDepth))
	}
	if c.WorkerCount <= 0 {
		errs = append(errs, fmt.Errorf("WORKER_COUNT must be positive, got %d", c.WorkerCount))
	}
	if c.GenerationConcurrency <= 0 {
		errs = append(errs, fmt.Errorf("GENERATION_CONCURRENCY must be positive, got %d", c.GenerationConcurrency))
	}
	if c.AIMaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("AI_MAX_ATTEMPTS must be positive, got %d", c.AIMaxAttempts))
	}
	if c.AITimeout <= 0 {
		errs = append(errs, errors.New("AI_TIMEOUT must be positive"))
	}
	if c.JobQueueSize <= 0 {
		errs = append(errs, fmt.Errorf("JOB_QUEUE_SIZE must be positive, got %d", c.JobQueueSize))
	}
	if c.JobPollInterval <= 0 {
		errs = append(errs, errors.New("JOB_POLL_INTERVAL must be positive"))
	}
	switch strings.ToLower(c.AIClientType) {
	case "openai", "ollama":
	default:
		errs = append(errs, fmt.Errorf("unknown AI_CLIENT_TYPE '%s'", c.AIClientType))
	}
	if len(errs) > 0 {
		return fmt.Errorf("некорректная конфигурация: %w", errors.Join(errs...))
	}
	return nil
}

// GetDSN возвращает строку подключения (DSN) для PostgreSQL
func (c *Config) GetDSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DBUser, url.QueryEscape(c.DBPassword), c.DBHost, c.DBPort, c.DBName, c.DBSSLMode)
}

// MaskedDSN возвращает DSN с замаскированным паролем для логирования
func (c *Config) MaskedDSN() string {
	u, err := url.Parse(c.GetDSN())
	if err != nil || u.User == nil {
		return "[invalid dsn format]"
	}
	if _, hasPassword := u.User.Password(); hasPassword {
		u.User = url.UserPassword(u.User.Username(), "********")
	}
	return u.String()
}

// LogFields возвращает поля для однократного логирования конфигурации без секретов.
func (c *Config) LogFields() []zap.Field {
	return []zap.Field{
		zap.String("http_port", c.HTTPServerPort),
		zap.String("api_prefix", c.APIPrefix),
		zap.Bool("debug", c.Debug),
		zap.Strings("allowed_origins", c.AllowedOrigins),
		zap.String("db_dsn", c.MaskedDSN()),
		zap.Int("db_max_conns", c.DBMaxConns),
		zap.String("ai_client", c.AIClientType),
		zap.String("ai_base_url", c.AIBaseURL),
		zap.String("ai_model", c.AIModel),
		zap.Duration("ai_timeout", c.AITimeout),
		zap.Int("ai_max_attempts", c.AIMaxAttempts),
		zap.Int("story_max_depth", c.StoryMaxDepth),
		zap.Int("generation_concurrency", c.GenerationConcurrency),
		zap.Int("workers", c.WorkerCount),
		zap.Bool("rabbitmq_enabled", c.RabbitMQURL != ""),
		zap.Bool("redis_enabled", c.RedisAddr != ""),
		zap.Bool("ai_api_key_loaded", c.AIAPIKey != ""),
	}
}

func normalizeOrigins(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		o = strings.TrimSpace(o)
		if o != "" {
			out = append(out, o)
		}
	}
	return out
}
