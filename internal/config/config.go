package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

type Config struct {
	Server       ServerConfig       `json:"server"`
	Database     DatabaseConfig     `json:"database"`
	Logging      LoggingConfig      `json:"logging"`
	Redis        RedisConfig        `json:"redis"`
	Storage      StorageConfig      `json:"storage"`
	Ingest       IngestConfig       `json:"ingest"`
	Alerting     AlertingConfig     `json:"alerting"`
	Notification NotificationConfig `json:"notification"`
	Hub          HubConfig          `json:"hub"`
	Health       HealthConfig       `json:"health"`
	NATS         NATSConfig         `json:"nats"`
}

type ServerConfig struct {
	BindAddr        string `json:"bindAddr"`
	ShutdownTimeout string `json:"shutdownTimeout"`
	APIToken        string `json:"apiToken"` // empty disables auth
}

type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	DBName   string `json:"dbname"`
	SSLMode  string `json:"sslmode"`
}

// DSN renders the keyword/value connection string understood by both lib/pq and pgx.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

type LoggingConfig struct {
	Level      string `json:"level"`
	Console    bool   `json:"console"`
	File       string `json:"file"`
	MaxSizeMB  int    `json:"maxSizeMB"`
	MaxBackups int    `json:"maxBackups"`
	MaxAgeDays int    `json:"maxAgeDays"`
}

type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

type StorageConfig struct {
	Backend           string `json:"backend"` // memory | postgres
	RetentionDays     int    `json:"retentionDays"`
	CompressAfterDays int    `json:"compressAfterDays"`
	RollupInterval    string `json:"rollupInterval"` // e.g. "10m"
	WriteQueueSize    int    `json:"writeQueueSize"`
	WriteBatchSize    int    `json:"writeBatchSize"`
	WriteRetries      int    `json:"writeRetries"`
	Writers           int    `json:"writers"`
}

type IngestConfig struct {
	QueueSize     int    `json:"queueSize"`
	Workers       int    `json:"workers"`
	MaxFutureSkew string `json:"maxFutureSkew"` // e.g. "24h"
	MaxBatch      int    `json:"maxBatch"`
}

type AlertingConfig struct {
	DefaultCooldownSeconds int    `json:"defaultCooldownSeconds"`
	RuleCacheTTL           string `json:"ruleCacheTTL"`
	RulesFile              string `json:"rulesFile"`
	CooldownBackend        string `json:"cooldownBackend"` // memory | redis
}

type NotificationConfig struct {
	Timeout  string                   `json:"timeout"`
	Channels map[string]ChannelConfig `json:"channels"`
}

// ChannelConfig configures one named notification channel. Only the fields of
// the selected Type are read.
type ChannelConfig struct {
	Type string `json:"type"` // email | chat | webhook

	// email
	SMTPHost string   `json:"smtpHost"`
	SMTPPort int      `json:"smtpPort"`
	Username string   `json:"username"`
	Password string   `json:"password"`
	From     string   `json:"from"`
	To       []string `json:"to"`
	Subject  string   `json:"subject"` // fasttemplate, {{tag}} placeholders
	Body     string   `json:"body"`

	// chat / webhook
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
}

type HubConfig struct {
	BufferSize     int      `json:"bufferSize"`
	AllowedOrigins []string `json:"allowedOrigins"`
	PingInterval   string   `json:"pingInterval"`
}

type HealthConfig struct {
	Interval                string  `json:"interval"`
	StoreLatencyDegradedMs  float64 `json:"storeLatencyDegradedMs"`
	StoreLatencyUnhealthyMs float64 `json:"storeLatencyUnhealthyMs"`
	QueueDegradedRatio      float64 `json:"queueDegradedRatio"`
	QueueUnhealthyRatio     float64 `json:"queueUnhealthyRatio"`
	NotifyDegradedRate      float64 `json:"notifyDegradedRate"`
	NotifyUnhealthyRate     float64 `json:"notifyUnhealthyRate"`
}

type NATSConfig struct {
	URL           string `json:"url"`
	SubjectPrefix string `json:"subjectPrefix"`
}

// Load builds the configuration from environment variables, then overlays the
// JSON file at path when one is given.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			BindAddr:        getEnv("SERVER_BIND_ADDR", "0.0.0.0:8080"),
			ShutdownTimeout: getEnv("SERVER_SHUTDOWN_TIMEOUT", "10s"),
			APIToken:        getEnv("SERVER_API_TOKEN", ""),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "admin"),
			Password: getEnv("DB_PASSWORD", "password"),
			DBName:   getEnv("DB_NAME", "perfpulse"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Logging: LoggingConfig{
			Level:   getEnv("LOG_LEVEL", "info"),
			Console: getEnvBool("LOG_CONSOLE", false),
			File:    getEnv("LOG_FILE", ""),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Storage: StorageConfig{
			Backend:           getEnv("STORAGE_BACKEND", "memory"),
			RetentionDays:     getEnvInt("RETENTION_DAYS", 90),
			CompressAfterDays: getEnvInt("COMPRESSION_AFTER_DAYS", 7),
			RollupInterval:    getEnv("ROLLUP_INTERVAL", "10m"),
			WriteQueueSize:    getEnvInt("STORE_WRITE_QUEUE_SIZE", 8192),
			WriteBatchSize:    getEnvInt("STORE_WRITE_BATCH_SIZE", 500),
			WriteRetries:      getEnvInt("STORE_WRITE_RETRIES", 3),
			Writers:           getEnvInt("STORE_WRITERS", 2),
		},
		Ingest: IngestConfig{
			QueueSize:     getEnvInt("INGEST_QUEUE_SIZE", 4096),
			Workers:       getEnvInt("INGEST_WORKERS", 8),
			MaxFutureSkew: getEnv("INGEST_MAX_FUTURE_SKEW", "24h"),
			MaxBatch:      getEnvInt("INGEST_MAX_BATCH", 1000),
		},
		Alerting: AlertingConfig{
			DefaultCooldownSeconds: getEnvInt("DEFAULT_COOLDOWN_SECONDS", 300),
			RuleCacheTTL:           getEnv("RULE_CACHE_TTL", "30s"),
			RulesFile:              getEnv("ALERT_RULES_FILE", ""),
			CooldownBackend:        getEnv("COOLDOWN_BACKEND", "memory"),
		},
		Notification: NotificationConfig{
			Timeout:  getEnv("NOTIFY_TIMEOUT", "5s"),
			Channels: map[string]ChannelConfig{},
		},
		Hub: HubConfig{
			BufferSize:     getEnvInt("HUB_BUFFER_SIZE", 256),
			AllowedOrigins: splitList(getEnv("ALLOWED_ORIGINS", "")),
			PingInterval:   getEnv("HUB_PING_INTERVAL", "30s"),
		},
		Health: HealthConfig{
			Interval: getEnv("HEALTH_INTERVAL", "15s"),
		},
		NATS: NATSConfig{
			URL:           getEnv("NATS_URL", ""),
			SubjectPrefix: getEnv("NATS_SUBJECT_PREFIX", "perfpulse"),
		},
	}

	if path != "" {
		if err := loadFromFile(cfg, path); err != nil {
			log.Error().Err(err).Str("path", path).Msg("load config file failed")
			return nil, err
		}
	}

	applyDefaults(cfg)
	return cfg, nil
}

// applyDefaults fills fields a config file left empty or zero.
func applyDefaults(cfg *Config) {
	if cfg.Server.BindAddr == "" {
		cfg.Server.BindAddr = "0.0.0.0:8080"
	}
	if cfg.Server.ShutdownTimeout == "" {
		cfg.Server.ShutdownTimeout = "10s"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "memory"
	}
	if cfg.Storage.RetentionDays <= 0 {
		cfg.Storage.RetentionDays = 90
	}
	if cfg.Storage.CompressAfterDays <= 0 {
		cfg.Storage.CompressAfterDays = 7
	}
	if cfg.Storage.RollupInterval == "" {
		cfg.Storage.RollupInterval = "10m"
	}
	if cfg.Storage.WriteQueueSize <= 0 {
		cfg.Storage.WriteQueueSize = 8192
	}
	if cfg.Storage.WriteBatchSize <= 0 {
		cfg.Storage.WriteBatchSize = 500
	}
	if cfg.Storage.WriteRetries <= 0 {
		cfg.Storage.WriteRetries = 3
	}
	if cfg.Storage.Writers <= 0 {
		cfg.Storage.Writers = 2
	}
	if cfg.Ingest.QueueSize <= 0 {
		cfg.Ingest.QueueSize = 4096
	}
	if cfg.Ingest.Workers <= 0 {
		cfg.Ingest.Workers = 8
	}
	if cfg.Ingest.MaxFutureSkew == "" {
		cfg.Ingest.MaxFutureSkew = "24h"
	}
	if cfg.Ingest.MaxBatch <= 0 {
		cfg.Ingest.MaxBatch = 1000
	}
	if cfg.Alerting.DefaultCooldownSeconds < 0 {
		cfg.Alerting.DefaultCooldownSeconds = 300
	}
	if cfg.Alerting.RuleCacheTTL == "" {
		cfg.Alerting.RuleCacheTTL = "30s"
	}
	if cfg.Alerting.CooldownBackend == "" {
		cfg.Alerting.CooldownBackend = "memory"
	}
	if cfg.Notification.Timeout == "" {
		cfg.Notification.Timeout = "5s"
	}
	if cfg.Notification.Channels == nil {
		cfg.Notification.Channels = map[string]ChannelConfig{}
	}
	if cfg.Hub.BufferSize <= 0 {
		cfg.Hub.BufferSize = 256
	}
	if cfg.Hub.PingInterval == "" {
		cfg.Hub.PingInterval = "30s"
	}
	if cfg.Health.Interval == "" {
		cfg.Health.Interval = "15s"
	}
	h := &cfg.Health
	if h.StoreLatencyDegradedMs <= 0 {
		h.StoreLatencyDegradedMs = 250
	}
	if h.StoreLatencyUnhealthyMs <= 0 {
		h.StoreLatencyUnhealthyMs = 1000
	}
	if h.QueueDegradedRatio <= 0 {
		h.QueueDegradedRatio = 0.7
	}
	if h.QueueUnhealthyRatio <= 0 {
		h.QueueUnhealthyRatio = 0.9
	}
	if h.NotifyDegradedRate <= 0 {
		h.NotifyDegradedRate = 0.1
	}
	if h.NotifyUnhealthyRate <= 0 {
		h.NotifyUnhealthyRate = 0.5
	}
	if cfg.NATS.SubjectPrefix == "" {
		cfg.NATS.SubjectPrefix = "perfpulse"
	}
}

func loadFromFile(cfg *Config, filePath string) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", filePath, err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", filePath, err)
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
