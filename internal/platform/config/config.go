package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

const (
	StoreBackendPostgres = "postgres"
	StoreBackendRedis    = "redis"
	StoreBackendMemory   = "memory"

	AuthModeStatic = "static"
	AuthModeHMAC   = "hmac"
	AuthModeJWT    = "jwt"
)

type Config struct {
	AppEnv    string `env:"APP_ENV" default:"development"`
	Port      string `env:"PORT" default:"8080"`
	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`

	StoreBackend string `env:"STORE_BACKEND" default:"postgres"`
	DatabaseURL  string `env:"DATABASE_URL"`
	RedisURL     string `env:"REDIS_URL"`

	BridgeURL          string        `env:"BRIDGE_URL"`
	BridgeToken        string        `env:"BRIDGE_TOKEN"`
	BackupSyncInterval time.Duration `env:"BACKUP_SYNC_INTERVAL" default:"5m"`

	AuthMode   string `env:"AUTH_MODE" default:"hmac"`
	AuthSecret string `env:"AUTH_SECRET"`
	AuthHeader string `env:"AUTH_HEADER" default:"X-Valid-Key"`

	QRTTL      time.Duration `env:"QR_TTL" default:"45s"`
	QRTerminal bool          `env:"QR_TERMINAL" default:"false"`

	ReconnectMaxAttempts    int           `env:"RECONNECT_MAX_ATTEMPTS" default:"5"`
	ReconnectInitialBackoff time.Duration `env:"RECONNECT_INITIAL_BACKOFF" default:"2s"`
	ReconnectMaxBackoff     time.Duration `env:"RECONNECT_MAX_BACKOFF" default:"1m"`

	MaxSessions      int           `env:"MAX_SESSIONS" default:"1000"`
	LoginTimeout     time.Duration `env:"LOGIN_TIMEOUT" default:"5m"`
	JanitorInterval  time.Duration `env:"JANITOR_INTERVAL" default:"30s"`
	ClosedRetention  time.Duration `env:"CLOSED_RETENTION" default:"168h"` // 7 days
	CallbackTimeout  time.Duration `env:"CALLBACK_TIMEOUT" default:"5s"`
	SendTimeout      time.Duration `env:"SEND_TIMEOUT" default:"30s"`
	StartRateLimit   float64       `env:"START_RATE_LIMIT" default:"5"`
	StartRateBurst   int           `env:"START_RATE_BURST" default:"10"`
	MaxRecipients    int           `env:"MAX_RECIPIENTS" default:"50"`
	MaxDocumentBytes int           `env:"MAX_DOCUMENT_BYTES" default:"16777216"` // 16 MiB
	BodyLimit        string        `env:"BODY_LIMIT" default:"24M"`

	// Comma-separated; empty permits any public host.
	CallbackAllowedHosts string `env:"CALLBACK_ALLOWED_HOSTS"`
	CallbackAllowPrivate bool   `env:"CALLBACK_ALLOW_PRIVATE" default:"false"`
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	required := map[string]string{
		"BRIDGE_URL":  cfg.BridgeURL,
		"AUTH_SECRET": cfg.AuthSecret,
	}
	switch cfg.StoreBackend {
	case StoreBackendPostgres:
		required["DATABASE_URL"] = cfg.DatabaseURL
	case StoreBackendRedis:
		required["REDIS_URL"] = cfg.RedisURL
	case StoreBackendMemory:
		if cfg.AppEnv == "production" {
			return errors.New("STORE_BACKEND=memory is not allowed in production")
		}
	default:
		return fmt.Errorf("STORE_BACKEND must be one of postgres, redis, memory (got %q)", cfg.StoreBackend)
	}
	for name, value := range required {
		if value == "" {
			return fmt.Errorf("%s is required", name)
		}
	}

	if !slices.Contains([]string{AuthModeStatic, AuthModeHMAC, AuthModeJWT}, cfg.AuthMode) {
		return fmt.Errorf("AUTH_MODE must be one of static, hmac, jwt (got %q)", cfg.AuthMode)
	}
	if len(cfg.AuthSecret) < 16 {
		return errors.New("AUTH_SECRET must be at least 16 characters")
	}

	u, err := url.Parse(cfg.BridgeURL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return fmt.Errorf("BRIDGE_URL must be a ws:// or wss:// URL (got %q)", cfg.BridgeURL)
	}

	if cfg.AppEnv == "production" && cfg.StoreBackend == StoreBackendPostgres {
		if mode := sslMode(cfg.DatabaseURL); mode == "disable" || mode == "allow" {
			return fmt.Errorf("DATABASE_URL uses sslmode=%s which is not allowed in production", mode)
		}
	}

	if cfg.ReconnectMaxAttempts < 0 {
		return errors.New("RECONNECT_MAX_ATTEMPTS must not be negative")
	}
	if cfg.ReconnectInitialBackoff <= 0 || cfg.ReconnectMaxBackoff < cfg.ReconnectInitialBackoff {
		return errors.New("RECONNECT_INITIAL_BACKOFF must be positive and not exceed RECONNECT_MAX_BACKOFF")
	}
	if cfg.MaxSessions <= 0 {
		return errors.New("MAX_SESSIONS must be positive")
	}
	if cfg.QRTTL <= 0 {
		return errors.New("QR_TTL must be positive")
	}
	if cfg.MaxRecipients <= 0 {
		return errors.New("MAX_RECIPIENTS must be positive")
	}
	if cfg.MaxDocumentBytes <= 0 {
		return errors.New("MAX_DOCUMENT_BYTES must be positive")
	}
	if cfg.StartRateLimit <= 0 || cfg.StartRateBurst <= 0 {
		return errors.New("START_RATE_LIMIT and START_RATE_BURST must be positive")
	}
	if cfg.SendTimeout <= 0 {
		return errors.New("SEND_TIMEOUT must be positive")
	}
	if cfg.CallbackTimeout <= 0 {
		return errors.New("CALLBACK_TIMEOUT must be positive")
	}

	return nil
}

func sslMode(databaseURL string) string {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Query().Get("sslmode"))
}

// AdminConfig is the subset of settings the admin CLI needs. It is loaded
// without the server's requirements so that, for example, minting a token
// does not need a bridge URL.
type AdminConfig struct {
	LogLevel string `env:"LOG_LEVEL" default:"warn"`

	StoreBackend string `env:"STORE_BACKEND" default:"postgres"`
	DatabaseURL  string `env:"DATABASE_URL"`
	RedisURL     string `env:"REDIS_URL"`

	AuthMode   string `env:"AUTH_MODE" default:"hmac"`
	AuthSecret string `env:"AUTH_SECRET"`
}

func LoadAdmin() (*AdminConfig, error) {
	_ = godotenv.Load()

	var cfg AdminConfig
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}
	return &cfg, nil
}
