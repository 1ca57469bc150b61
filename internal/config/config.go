package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	DB       DBConfig       `mapstructure:"db"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Backend  BackendConfig  `mapstructure:"backend"`
	BulkSync BulkSyncConfig `mapstructure:"bulk_sync"`
	SyncTask SyncTaskConfig `mapstructure:"sync_task"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Events   EventsConfig   `mapstructure:"events"`
}

type AppConfig struct {
	Env      string `mapstructure:"env"`
	Timezone string `mapstructure:"timezone"`
}

type ServerConfig struct {
	HTTPAddr string `mapstructure:"http_addr"`
}

type LogConfig struct {
	Level             string `mapstructure:"level"`
	Encoding          string `mapstructure:"encoding"`
	Development       bool   `mapstructure:"development"`
	Sampling          bool   `mapstructure:"sampling"`
	DisableCaller     bool   `mapstructure:"disable_caller"`
	DisableStacktrace bool   `mapstructure:"disable_stacktrace"`
	Dir               string `mapstructure:"dir"`
}

type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	Timezone        string        `mapstructure:"timezone"`
	SlowQuery       time.Duration `mapstructure:"slow_query"`
}

type TelegramConfig struct {
	Token          string        `mapstructure:"token"`
	ChannelCommand string        `mapstructure:"channel_command"`
	PollTimeout    time.Duration `mapstructure:"poll_timeout"`
}

type BackendConfig struct {
	BaseURL            string        `mapstructure:"base_url"`
	Authorization      string        `mapstructure:"authorization"`
	Cookie             string        `mapstructure:"cookie"`
	Timeout            time.Duration `mapstructure:"timeout"`
	MaxRetries         int           `mapstructure:"max_retries"`
	RetryUnit          time.Duration `mapstructure:"retry_unit"`
	InsecureSkipVerify bool          `mapstructure:"insecure_skip_verify"`
	ExpTime            int           `mapstructure:"exp_time"`
}

type BulkSyncConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Interval        time.Duration `mapstructure:"interval"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	PageSize        int           `mapstructure:"page_size"`
	MaxPages        int           `mapstructure:"max_pages"`
	Workers         int           `mapstructure:"workers"`
	RetentionDays   int           `mapstructure:"retention_days"`
}

type SyncTaskConfig struct {
	Interval     time.Duration `mapstructure:"interval"`
	ScanInterval time.Duration `mapstructure:"scan_interval"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
}

type CacheConfig struct {
	Backend       string        `mapstructure:"backend"`
	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db"`
	NotifyTTL     time.Duration `mapstructure:"notify_ttl"`
}

type EventsConfig struct {
	KafkaBrokers []string `mapstructure:"kafka_brokers"`
	Topic        string   `mapstructure:"topic"`
}

// Load reads config from an optional .env file, the YAML file at path (unless
// envOnly) and BOT_* environment variables. The env names used by the first
// deployment of the bot are honoured as well.
func Load(path string, envOnly bool) (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("BOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()

	_ = v.BindEnv("telegram.token", "BOT_TELEGRAM_TOKEN", "TELEGRAM_BOT_TOKEN")
	_ = v.BindEnv("backend.base_url", "BOT_BACKEND_BASE_URL", "API_BASE_URL")
	_ = v.BindEnv("backend.authorization", "BOT_BACKEND_AUTHORIZATION", "API_AUTHORIZATION_TOKEN")
	_ = v.BindEnv("backend.cookie", "BOT_BACKEND_COOKIE", "API_COOKIE")
	_ = v.BindEnv("bulk_sync.page_size", "BOT_BULK_SYNC_PAGE_SIZE", "PAGE_SIZE")
	_ = v.BindEnv("log.dir", "BOT_LOG_DIR", "LOG_DIR")

	v.SetDefault("app.env", "dev")
	v.SetDefault("app.timezone", "Asia/Shanghai")
	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "console")
	v.SetDefault("log.development", true)
	v.SetDefault("log.sampling", false)
	v.SetDefault("log.disable_caller", false)
	v.SetDefault("log.disable_stacktrace", false)
	v.SetDefault("log.dir", "logs")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_open_conns", 10)
	v.SetDefault("db.max_idle_conns", 5)
	v.SetDefault("db.conn_max_lifetime", "30m")
	v.SetDefault("db.conn_max_idle_time", "5m")
	v.SetDefault("db.timezone", "Asia/Shanghai")
	v.SetDefault("db.slow_query", "500ms")
	v.SetDefault("telegram.channel_command", "setchannel")
	v.SetDefault("telegram.poll_timeout", "30s")
	v.SetDefault("backend.base_url", "http://183.136.134.132:168")
	v.SetDefault("backend.timeout", "30s")
	v.SetDefault("backend.max_retries", 10)
	v.SetDefault("backend.retry_unit", "2s")
	v.SetDefault("backend.insecure_skip_verify", false)
	v.SetDefault("backend.exp_time", 2)
	v.SetDefault("bulk_sync.enabled", true)
	v.SetDefault("bulk_sync.interval", "5m")
	v.SetDefault("bulk_sync.cleanup_interval", "1h")
	v.SetDefault("bulk_sync.page_size", 500)
	v.SetDefault("bulk_sync.max_pages", 100)
	v.SetDefault("bulk_sync.workers", 10)
	v.SetDefault("bulk_sync.retention_days", 2)
	v.SetDefault("sync_task.interval", "3m")
	v.SetDefault("sync_task.scan_interval", "1m")
	v.SetDefault("sync_task.max_attempts", 0)
	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.redis_addr", "127.0.0.1:6379")
	v.SetDefault("cache.redis_password", "")
	v.SetDefault("cache.redis_db", 0)
	v.SetDefault("cache.notify_ttl", "72h")
	v.SetDefault("events.kafka_brokers", []string{})
	v.SetDefault("events.topic", "order.refund")

	if !envOnly {
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}

	// Legacy interval variables are plain seconds.
	if d, ok := envSeconds("ORDER_CHECK_INTERVAL"); ok {
		cfg.BulkSync.Interval = d
	}
	if d, ok := envSeconds("SYNC_TASK_INTERVAL"); ok {
		cfg.SyncTask.Interval = d
	}
	cfg.Events.KafkaBrokers = splitList(strings.Join(cfg.Events.KafkaBrokers, ","))

	return cfg, nil
}

// Validate reports configuration the process cannot run without.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Telegram.Token) == "" {
		errs = append(errs, errors.New("telegram.token (TELEGRAM_BOT_TOKEN) is required"))
	}
	if strings.TrimSpace(c.Backend.Authorization) == "" {
		errs = append(errs, errors.New("backend.authorization (API_AUTHORIZATION_TOKEN) is required"))
	}
	if strings.TrimSpace(c.Backend.BaseURL) == "" {
		errs = append(errs, errors.New("backend.base_url is required"))
	}
	if strings.TrimSpace(c.DB.DSN) == "" {
		errs = append(errs, errors.New("db.dsn is required"))
	}
	return errors.Join(errs...)
}

func (c AppConfig) Location() *time.Location {
	if strings.TrimSpace(c.Timezone) == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

func envSeconds(name string) (time.Duration, bool) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, false
	}
	return time.Duration(n) * time.Second, true
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
