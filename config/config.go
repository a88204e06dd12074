package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

type RateLimitBackend string

const (
	BackendMemory RateLimitBackend = "memory"
	BackendGorm   RateLimitBackend = "gorm"
	BackendRedis  RateLimitBackend = "redis"
)

type Config struct {
	HTTPAddr    string
	DatabaseURL string

	TokenHashSecret  string
	SessionJWTSecret string
	JWTIssuer        string
	SessionTTL       time.Duration

	BotInternalToken string
	BotUsername      string
	TelegramBotToken string

	WebLinkBaseURL     string
	LinkAllowedDomains []string

	LinkTokenTTL  time.Duration
	LoginTokenTTL time.Duration

	UserAttemptsPerHour int64
	IPAttemptsPerHour   int64
	UserTokensPerDay    int64

	ProgressiveDelayBase time.Duration
	ProgressiveDelayMax  time.Duration

	RateLimitBackend RateLimitBackend
	RedisAddr        string

	ReapInterval time.Duration
}

func Load() (Config, error) {
	// Missing .env is fine in deployed environments.
	_ = godotenv.Load()

	cfg := Config{
		HTTPAddr:    envOr("HTTP_ADDR", ":8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),

		TokenHashSecret:  os.Getenv("TOKEN_HASH_SECRET"),
		SessionJWTSecret: os.Getenv("SESSION_JWT_SECRET"),
		JWTIssuer:        envOr("JWT_ISSUER", "botlink"),

		BotInternalToken: os.Getenv("BOT_INTERNAL_TOKEN"),
		BotUsername:      os.Getenv("BOT_USERNAME"),
		TelegramBotToken: os.Getenv("TELEGRAM_BOT_TOKEN"),

		WebLinkBaseURL: os.Getenv("WEB_LINK_BASE_URL"),

		RedisAddr: os.Getenv("REDIS_ADDR"),
	}

	cfg.LinkAllowedDomains = splitList(os.Getenv("LINK_ALLOWED_DOMAINS"))

	var err error
	if cfg.SessionTTL, err = durationOr("SESSION_TTL", 15*time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.LinkTokenTTL, err = durationOr("LINK_TOKEN_TTL", 3*time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.LoginTokenTTL, err = durationOr("LOGIN_TOKEN_TTL", 2*time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.ProgressiveDelayBase, err = durationOr("PROGRESSIVE_DELAY_BASE", 2*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.ProgressiveDelayMax, err = durationOr("PROGRESSIVE_DELAY_MAX", 5*time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.ReapInterval, err = durationOr("REAP_INTERVAL", time.Minute); err != nil {
		return Config{}, err
	}

	if cfg.UserAttemptsPerHour, err = intOr("USER_ATTEMPTS_PER_HOUR", 3); err != nil {
		return Config{}, err
	}
	if cfg.IPAttemptsPerHour, err = intOr("IP_ATTEMPTS_PER_HOUR", 10); err != nil {
		return Config{}, err
	}
	if cfg.UserTokensPerDay, err = intOr("USER_TOKENS_PER_DAY", 5); err != nil {
		return Config{}, err
	}

	backend := RateLimitBackend(envOr("RATE_LIMIT_BACKEND", string(BackendGorm)))
	switch backend {
	case BackendMemory, BackendGorm, BackendRedis:
		cfg.RateLimitBackend = backend
	default:
		return Config{}, fmt.Errorf("RATE_LIMIT_BACKEND must be one of memory, gorm, redis")
	}
	if cfg.RateLimitBackend == BackendRedis && cfg.RedisAddr == "" {
		return Config{}, fmt.Errorf("REDIS_ADDR is required when RATE_LIMIT_BACKEND=redis")
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL is required")
	}
	if len(cfg.TokenHashSecret) < 32 {
		return Config{}, fmt.Errorf("TOKEN_HASH_SECRET is required and must be at least 32 bytes")
	}
	if cfg.SessionJWTSecret == "" {
		return Config{}, fmt.Errorf("SESSION_JWT_SECRET is required")
	}
	if cfg.BotInternalToken == "" {
		return Config{}, fmt.Errorf("BOT_INTERNAL_TOKEN is required")
	}
	if cfg.BotUsername == "" {
		return Config{}, fmt.Errorf("BOT_USERNAME is required")
	}
	if cfg.WebLinkBaseURL == "" {
		return Config{}, fmt.Errorf("WEB_LINK_BASE_URL is required")
	}
	if len(cfg.LinkAllowedDomains) == 0 {
		return Config{}, fmt.Errorf("LINK_ALLOWED_DOMAINS is required")
	}

	return cfg, nil
}

func ConnectDB(cfg Config) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.New(postgres.Config{
		DSN:                  cfg.DatabaseURL,
		PreferSimpleProtocol: true,
	}), &gorm.Config{
		PrepareStmt:    false,
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	return db, nil
}

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func durationOr(key string, fallback time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration: %w", key, err)
	}
	return parsed, nil
}

func intOr(key string, fallback int64) (int64, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be a number: %w", key, err)
	}
	return parsed, nil
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
