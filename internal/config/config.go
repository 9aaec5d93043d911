package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port          string `mapstructure:"PORT"`
	AllowedOrigin string `mapstructure:"ALLOWED_ORIGIN"`
	Env           string `mapstructure:"APP_ENV"`
	LogLevel      string `mapstructure:"LOG_LEVEL"`
	LogFormat     string `mapstructure:"LOG_FORMAT"`

	// Remote store. DATABASE_URL selects the direct PostgreSQL backend,
	// REMOTE_URL the hosted REST backend; neither runs an in-memory remote.
	RemoteURL     string        `mapstructure:"REMOTE_URL"`
	RemoteAPIKey  string        `mapstructure:"REMOTE_API_KEY"`
	AccessToken   string        `mapstructure:"ACCESS_TOKEN"`
	RefreshToken  string        `mapstructure:"REFRESH_TOKEN"`
	AccountID     string        `mapstructure:"ACCOUNT_ID"`
	DatabaseURL   string        `mapstructure:"DATABASE_URL"`
	RetryAttempts int           `mapstructure:"RETRY_ATTEMPTS"`
	RetryDelay    time.Duration `mapstructure:"RETRY_DELAY"`

	RedisAddr     string `mapstructure:"REDIS_ADDR"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	RedisDB       int    `mapstructure:"REDIS_DB"`

	CacheBackend string `mapstructure:"CACHE_BACKEND"`
	CachePath    string `mapstructure:"CACHE_PATH"`

	StockPolicy        string `mapstructure:"STOCK_POLICY"`
	SerializeMutations bool   `mapstructure:"SERIALIZE_MUTATIONS"`

	RealtimeFeed         string        `mapstructure:"REALTIME_FEED"`
	RealtimePollInterval time.Duration `mapstructure:"REALTIME_POLL_INTERVAL"`
	RealtimeScoped       bool          `mapstructure:"REALTIME_SCOPED"`

	AuthSecret            string `mapstructure:"AUTH_SECRET"`
	UnlockPIN             string `mapstructure:"UNLOCK_PIN"`
	AccessTokenTTLMinutes int    `mapstructure:"ACCESS_TOKEN_TTL_MINUTES"`

	BackupBucket    string `mapstructure:"BACKUP_BUCKET"`
	BackupPrefix    string `mapstructure:"BACKUP_PREFIX"`
	BackupEndpoint  string `mapstructure:"BACKUP_ENDPOINT"`
	BackupRegion    string `mapstructure:"BACKUP_REGION"`
	BackupAccessKey string `mapstructure:"BACKUP_ACCESS_KEY"`
	BackupSecretKey string `mapstructure:"BACKUP_SECRET_KEY"`
}

var defaults = map[string]any{
	"PORT":                     "8080",
	"ALLOWED_ORIGIN":           "http://127.0.0.1:3000",
	"APP_ENV":                  "development",
	"LOG_LEVEL":                "info",
	"LOG_FORMAT":               "console",
	"RETRY_ATTEMPTS":           3,
	"RETRY_DELAY":              "1500ms",
	"REDIS_DB":                 0,
	"CACHE_BACKEND":            "sqlite",
	"CACHE_PATH":               "daftar-cache.db",
	"STOCK_POLICY":             "clamp",
	"SERIALIZE_MUTATIONS":      true,
	"REALTIME_FEED":            "auto",
	"REALTIME_POLL_INTERVAL":   "30s",
	"REALTIME_SCOPED":          false,
	"ACCESS_TOKEN_TTL_MINUTES": 480,
	"BACKUP_PREFIX":            "daftar",
	"BACKUP_REGION":            "us-east-1",
}

// Load reads DAFTAR_-prefixed environment variables, then an optional
// daftar.env file in the working directory, over built-in defaults.
func Load() (Config, error) {
	v := viper.New()
	v.SetConfigName("daftar")
	v.SetConfigType("env")
	v.AddConfigPath(".")
	v.SetEnvPrefix("DAFTAR")
	v.AutomaticEnv()

	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	// Secrets and connection strings have no default but must still be
	// bound so AutomaticEnv picks them up during Unmarshal.
	for _, key := range []string{
		"REMOTE_URL", "REMOTE_API_KEY", "ACCESS_TOKEN", "REFRESH_TOKEN", "ACCOUNT_ID", "DATABASE_URL",
		"REDIS_ADDR", "REDIS_PASSWORD", "AUTH_SECRET", "UNLOCK_PIN",
		"BACKUP_BUCKET", "BACKUP_ENDPOINT", "BACKUP_ACCESS_KEY", "BACKUP_SECRET_KEY",
	} {
		if err := v.BindEnv(key); err != nil {
			return Config{}, err
		}
	}

	if err := v.ReadInConfig(); err != nil {
		if _, missing := err.(viper.ConfigFileNotFoundError); !missing {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.AuthSecret = strings.TrimSpace(cfg.AuthSecret)
	cfg.UnlockPIN = strings.TrimSpace(cfg.UnlockPIN)
	if cfg.RetryAttempts < 0 {
		cfg.RetryAttempts = 0
	}
	if cfg.AccessTokenTTLMinutes < 1 {
		cfg.AccessTokenTTLMinutes = 480
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	switch c.CacheBackend {
	case "sqlite", "redis", "memory":
	default:
		return fmt.Errorf("CACHE_BACKEND must be sqlite, redis or memory, got %q", c.CacheBackend)
	}
	switch c.StockPolicy {
	case "clamp", "allow", "reject":
	default:
		return fmt.Errorf("STOCK_POLICY must be clamp, allow or reject, got %q", c.StockPolicy)
	}
	switch c.RealtimeFeed {
	case "auto", "memory", "postgres", "redis", "poll", "off":
	default:
		return fmt.Errorf("REALTIME_FEED %q is not supported", c.RealtimeFeed)
	}
	if c.CacheBackend == "redis" && c.RedisAddr == "" {
		return fmt.Errorf("CACHE_BACKEND=redis requires REDIS_ADDR")
	}
	if c.RemoteURL != "" && c.AccessToken == "" {
		return fmt.Errorf("REMOTE_URL requires ACCESS_TOKEN")
	}
	return nil
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func (c Config) TokenTTL() time.Duration {
	return time.Duration(c.AccessTokenTTLMinutes) * time.Minute
}
