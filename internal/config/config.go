package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig captures all tunable parameters for the relay process.
// Defaults are overlaid by an optional YAML file named in RELAY_CONFIG and then
// by environment variables, so the binary can run locally with no setup.
type ServerConfig struct {
	HTTPAddr        string        `yaml:"http_addr"`
	ReadTimeout     time.Duration `yaml:"http_read_timeout"`
	WriteTimeout    time.Duration `yaml:"http_write_timeout"`
	IdleTimeout     time.Duration `yaml:"http_idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"http_shutdown_timeout"`

	WSPingPeriod      time.Duration `yaml:"ws_ping_period"`
	WSPongWait        time.Duration `yaml:"ws_pong_wait"`
	WSWriteWait       time.Duration `yaml:"ws_write_wait"`
	WSMaxMessageBytes int64         `yaml:"ws_max_message_bytes"`
	WSSendBuffer      int           `yaml:"ws_send_buffer"`
	WSAllowedOrigins  []string      `yaml:"ws_allowed_origins"`

	RedisAddr      string        `yaml:"redis_addr"`
	RedisPassword  string        `yaml:"redis_password"`
	RedisStatusTTL time.Duration `yaml:"redis_status_ttl"`

	KafkaBrokers       []string `yaml:"kafka_brokers"`
	KafkaLocationTopic string   `yaml:"kafka_location_topic"`
	KafkaTriggerTopic  string   `yaml:"kafka_trigger_topic"`
	KafkaGroup         string   `yaml:"kafka_group"`

	MongoURI      string `yaml:"mongo_uri"`
	MongoDatabase string `yaml:"mongo_database"`

	PGDSN         string `yaml:"pg_dsn"`
	SQLitePath    string `yaml:"sqlite_path"`
	RunMigrations bool   `yaml:"migrate"`

	OSRMEndpoint string        `yaml:"osrm_endpoint"`
	ETASpeedMps  float64       `yaml:"eta_speed_mps"`
	ETACacheTTL  time.Duration `yaml:"eta_cache_ttl"`

	VerifyCompletion   bool          `yaml:"verify_completion"`
	ReplayLastLocation bool          `yaml:"replay_last_location"`
	StatusTTL          time.Duration `yaml:"status_ttl"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:           ":8080",
		ReadTimeout:        5 * time.Second,
		WriteTimeout:       10 * time.Second,
		IdleTimeout:        120 * time.Second,
		ShutdownTimeout:    15 * time.Second,
		WSPingPeriod:       54 * time.Second,
		WSPongWait:         60 * time.Second,
		WSWriteWait:        10 * time.Second,
		WSMaxMessageBytes:  4096,
		WSSendBuffer:       16,
		RedisStatusTTL:     24 * time.Hour,
		KafkaLocationTopic: "relay-events",
		KafkaTriggerTopic:  "request-status",
		KafkaGroup:         "roadside-relay",
		MongoDatabase:      "roadside",
		ETASpeedMps:        10,
		ETACacheTTL:        30 * time.Second,
		ReplayLastLocation: true,
		StatusTTL:          24 * time.Hour,
		LogLevel:           "info",
		LogFormat:          "json",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	if path := strings.TrimSpace(os.Getenv("RELAY_CONFIG")); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return cfg, err
		}
	}

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	setDurationFromEnv(&cfg.WSPingPeriod, "WS_PING_PERIOD", &errs)
	setDurationFromEnv(&cfg.WSPongWait, "WS_PONG_WAIT", &errs)
	setDurationFromEnv(&cfg.WSWriteWait, "WS_WRITE_WAIT", &errs)
	setInt64FromEnv(&cfg.WSMaxMessageBytes, "WS_MAX_MESSAGE_BYTES", &errs)
	setIntFromEnv(&cfg.WSSendBuffer, "WS_SEND_BUFFER", &errs)
	if v := os.Getenv("WS_ALLOWED_ORIGINS"); v != "" {
		cfg.WSAllowedOrigins = splitAndTrim(v)
	}

	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	if v, ok := os.LookupEnv("REDIS_PASSWORD"); ok {
		cfg.RedisPassword = v
	}
	setDurationFromEnv(&cfg.RedisStatusTTL, "REDIS_STATUS_TTL", &errs)

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaLocationTopic, "KAFKA_LOCATION_TOPIC")
	setStringFromEnv(&cfg.KafkaTriggerTopic, "KAFKA_TRIGGER_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")

	setStringFromEnv(&cfg.MongoURI, "MONGO_URI")
	setStringFromEnv(&cfg.MongoDatabase, "MONGO_DATABASE")

	setStringFromEnv(&cfg.PGDSN, "PG_DSN")
	setStringFromEnv(&cfg.SQLitePath, "SQLITE_PATH")
	setBoolFromEnv(&cfg.RunMigrations, "MIGRATE", &errs)

	setStringFromEnv(&cfg.OSRMEndpoint, "OSRM_ENDPOINT")
	setFloatFromEnv(&cfg.ETASpeedMps, "ETA_SPEED_MPS", &errs)
	setDurationFromEnv(&cfg.ETACacheTTL, "ETA_CACHE_TTL", &errs)

	setBoolFromEnv(&cfg.VerifyCompletion, "VERIFY_COMPLETION", &errs)
	setBoolFromEnv(&cfg.ReplayLastLocation, "REPLAY_LAST_LOCATION", &errs)
	setDurationFromEnv(&cfg.StatusTTL, "STATUS_TTL", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.LogFormat = strings.ToLower(v)
	}

	errs = append(errs, cfg.validate()...)
	return cfg, errors.Join(errs...)
}

func (c ServerConfig) validate() []error {
	var errs []error
	positive := map[string]time.Duration{
		"HTTP_READ_TIMEOUT":     c.ReadTimeout,
		"HTTP_WRITE_TIMEOUT":    c.WriteTimeout,
		"HTTP_IDLE_TIMEOUT":     c.IdleTimeout,
		"HTTP_SHUTDOWN_TIMEOUT": c.ShutdownTimeout,
		"WS_PING_PERIOD":        c.WSPingPeriod,
		"WS_PONG_WAIT":          c.WSPongWait,
		"WS_WRITE_WAIT":         c.WSWriteWait,
		"ETA_CACHE_TTL":         c.ETACacheTTL,
		"STATUS_TTL":            c.StatusTTL,
		"REDIS_STATUS_TTL":      c.RedisStatusTTL,
	}
	for _, key := range sortedKeys(positive) {
		if positive[key] <= 0 {
			errs = append(errs, fmt.Errorf("%s must be > 0", key))
		}
	}
	if c.WSPingPeriod >= c.WSPongWait {
		errs = append(errs, fmt.Errorf("WS_PING_PERIOD must be shorter than WS_PONG_WAIT"))
	}
	if c.WSSendBuffer <= 0 {
		errs = append(errs, fmt.Errorf("WS_SEND_BUFFER must be > 0"))
	}
	if c.WSMaxMessageBytes <= 0 {
		errs = append(errs, fmt.Errorf("WS_MAX_MESSAGE_BYTES must be > 0"))
	}
	if c.ETASpeedMps <= 0 {
		errs = append(errs, fmt.Errorf("ETA_SPEED_MPS must be > 0"))
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.LogFormat))
	}
	return errs
}

func loadFile(path string, cfg *ServerConfig) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func sortedKeys(m map[string]time.Duration) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setInt64FromEnv(target *int64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setBoolFromEnv(target *bool, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = b
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
