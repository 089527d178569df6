package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration loaded at startup.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Log         LogConfig         `mapstructure:"log"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Antigravity AntigravityConfig `mapstructure:"antigravity"`
	Quota       QuotaConfig       `mapstructure:"quota"`
}

type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
	MaxOpen  int    `mapstructure:"max_open"`
	MaxIdle  int    `mapstructure:"max_idle"`
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode)
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type AuthConfig struct {
	// AdminToken grants administrative scope. All other bearer tokens are
	// resolved against the user table.
	AdminToken string `mapstructure:"admin_token"`
}

// AntigravityConfig holds the upstream OAuth client and request identity.
type AntigravityConfig struct {
	OAuthClientID     string        `mapstructure:"oauth_client_id"`
	OAuthClientSecret string        `mapstructure:"oauth_client_secret"`
	UserAgent         string        `mapstructure:"user_agent"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	OAuthStateTTL     time.Duration `mapstructure:"oauth_state_ttl"`
}

type QuotaConfig struct {
	// SnapshotTTL bounds how long a quota snapshot is served without a
	// background re-probe.
	SnapshotTTL     time.Duration `mapstructure:"snapshot_ttl"`
	RefreshWorkers  int           `mapstructure:"refresh_workers"`
	LogRetention    time.Duration `mapstructure:"log_retention"`
	CleanupBatch    int           `mapstructure:"cleanup_batch"`
	SweepCron       string        `mapstructure:"sweep_cron"`
	SharedPoolScale float64       `mapstructure:"shared_pool_scale"`
}

// Load reads config.yaml from the given path (or the working directory) and
// applies GRAVITY2API_* environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if path != "" {
		v.AddConfigPath(path)
	}
	v.AddConfigPath(".")

	v.SetEnvPrefix("GRAVITY2API")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// No file is fine: defaults + env only.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.Auth.AdminToken == "" {
		return nil, fmt.Errorf("auth.admin_token is required")
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("database.host", "127.0.0.1")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.dbname", "gravity2api")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open", 25)
	v.SetDefault("database.max_idle", 5)
	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 14)
	v.SetDefault("antigravity.user_agent", "antigravity/1.0.0")
	v.SetDefault("antigravity.request_timeout", 10*time.Minute)
	v.SetDefault("antigravity.oauth_state_ttl", 10*time.Minute)
	v.SetDefault("quota.snapshot_ttl", 5*time.Minute)
	v.SetDefault("quota.refresh_workers", 4)
	v.SetDefault("quota.log_retention", 90*24*time.Hour)
	v.SetDefault("quota.cleanup_batch", 5000)
	v.SetDefault("quota.sweep_cron", "@every 1m")
	v.SetDefault("quota.shared_pool_scale", 2.0)
}
