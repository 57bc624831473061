// Package config loads engine configuration from defaults, an optional YAML
// file, a .env file and MEDISYNC_* environment variables, in that order.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	apperrors "github.com/kimhsiao/medisync/internal/errors"
)

type Config struct {
	Sync       SyncConfig       `yaml:"sync"`
	Queue      QueueConfig      `yaml:"queue"`
	Conflict   ConflictConfig   `yaml:"conflict"`
	Connection ConnectionConfig `yaml:"connection"`
	Store      StoreConfig      `yaml:"store"`
	Server     ServerConfig     `yaml:"server"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type SyncConfig struct {
	BatchSize        int           `yaml:"batch_size" validate:"gte=1,lte=1000"`
	AutoSync         bool          `yaml:"auto_sync"`
	Interval         time.Duration `yaml:"interval" validate:"gt=0"`
	MinQuality       string        `yaml:"min_quality" validate:"oneof=offline poor good excellent"`
	AllowMetered     bool          `yaml:"allow_metered"`
	TransportTimeout time.Duration `yaml:"transport_timeout" validate:"gt=0"`
}

type QueueConfig struct {
	MaxAttempts int           `yaml:"max_attempts" validate:"gte=1,lte=20"`
	BaseDelay   time.Duration `yaml:"base_delay" validate:"gt=0"`
	Jitter      float64       `yaml:"jitter" validate:"gte=0,lte=0.3"`
	Capacity    int           `yaml:"capacity" validate:"gte=1"`
}

type ConflictConfig struct {
	AmbiguityWindow time.Duration           `yaml:"ambiguity_window" validate:"gt=0"`
	AuditCapacity   int                     `yaml:"audit_capacity" validate:"gte=1"`
	DefaultStrategy string                  `yaml:"default_strategy" validate:"oneof=last_write_wins three_way_merge local_preference server_preference"`
	DefaultPriority int                     `yaml:"default_priority" validate:"gte=1,lte=10"`
	Policies        map[string]PolicyConfig `yaml:"policies" validate:"dive"`
}

// PolicyConfig selects the resolution strategy and queue priority for one entity type.
type PolicyConfig struct {
	Strategy       string   `yaml:"strategy" validate:"oneof=last_write_wins three_way_merge safety_priority local_preference server_preference"`
	SafetyCritical bool     `yaml:"safety_critical"`
	CriticalFields []string `yaml:"critical_fields" validate:"required_if=SafetyCritical true"`
	Priority       int      `yaml:"priority" validate:"omitempty,gte=1,lte=10"`
}

type ConnectionConfig struct {
	DwellTime time.Duration `yaml:"dwell_time" validate:"gte=0"`
}

type StoreConfig struct {
	DataDir string `yaml:"data_dir" validate:"required"`
}

type ServerConfig struct {
	BaseURL    string `yaml:"base_url" validate:"required,url"`
	ListenAddr string `yaml:"listen_addr" validate:"required"`
	Token      string `yaml:"token"`
}

type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Sync: SyncConfig{
			BatchSize:        50,
			AutoSync:         true,
			Interval:         5 * time.Minute,
			MinQuality:       "poor",
			AllowMetered:     true,
			TransportTimeout: 30 * time.Second,
		},
		Queue: QueueConfig{
			MaxAttempts: 3,
			BaseDelay:   time.Second,
			Jitter:      0.2,
			Capacity:    1000,
		},
		Conflict: ConflictConfig{
			AmbiguityWindow: 5 * time.Second,
			AuditCapacity:   500,
			DefaultStrategy: "last_write_wins",
			DefaultPriority: 5,
			Policies:        DefaultPolicies(),
		},
		Connection: ConnectionConfig{
			DwellTime: 3 * time.Second,
		},
		Store: StoreConfig{
			DataDir: "./data",
		},
		Server: ServerConfig{
			BaseURL:    "http://127.0.0.1:8080",
			ListenAddr: ":8080",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// DefaultPolicies returns the per-entity-type policies shipped with the engine.
func DefaultPolicies() map[string]PolicyConfig {
	return map[string]PolicyConfig{
		"medication": {
			Strategy:       "safety_priority",
			SafetyCritical: true,
			CriticalFields: []string{"dosage", "dose_unit", "frequency", "route"},
			Priority:       10,
		},
		"interaction_warning": {
			Strategy:       "safety_priority",
			SafetyCritical: true,
			CriticalFields: []string{"severity", "interacting_medication_id"},
			Priority:       10,
		},
		"adherence_record": {Strategy: "three_way_merge", Priority: 8},
		"appointment":      {Strategy: "three_way_merge", Priority: 6},
		"user_settings":    {Strategy: "local_preference", Priority: 3},
		"system_config":    {Strategy: "server_preference", Priority: 2},
	}
}

// Load builds a Config. path may be empty, in which case only defaults and
// the environment are used.
func Load(path string) (*Config, error) {
	// A missing .env file is normal outside development.
	_ = godotenv.Load()

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, apperrors.InvalidConfig(fmt.Sprintf("read config file %s", path), err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, apperrors.InvalidConfig(fmt.Sprintf("parse config file %s", path), err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New()

// Validate checks every field constraint and returns an INVALID_CONFIG error.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return apperrors.InvalidConfig("configuration is invalid", err)
	}
	return nil
}

// Policy returns the policy for an entity type, falling back to the default strategy.
func (c *Config) Policy(entityType string) PolicyConfig {
	if p, ok := c.Conflict.Policies[entityType]; ok {
		if p.Priority == 0 {
			p.Priority = c.Conflict.DefaultPriority
		}
		return p
	}
	return PolicyConfig{
		Strategy: c.Conflict.DefaultStrategy,
		Priority: c.Conflict.DefaultPriority,
	}
}

func applyEnv(cfg *Config) error {
	var err error

	cfg.Sync.BatchSize = getEnvAsInt("MEDISYNC_BATCH_SIZE", cfg.Sync.BatchSize)
	cfg.Sync.AutoSync = getEnvAsBool("MEDISYNC_AUTO_SYNC", cfg.Sync.AutoSync)
	cfg.Sync.MinQuality = getEnv("MEDISYNC_MIN_QUALITY", cfg.Sync.MinQuality)
	cfg.Sync.AllowMetered = getEnvAsBool("MEDISYNC_ALLOW_METERED", cfg.Sync.AllowMetered)
	if cfg.Sync.Interval, err = getEnvAsDuration("MEDISYNC_SYNC_INTERVAL", cfg.Sync.Interval); err != nil {
		return err
	}
	if cfg.Sync.TransportTimeout, err = getEnvAsDuration("MEDISYNC_TRANSPORT_TIMEOUT", cfg.Sync.TransportTimeout); err != nil {
		return err
	}

	cfg.Queue.MaxAttempts = getEnvAsInt("MEDISYNC_MAX_ATTEMPTS", cfg.Queue.MaxAttempts)
	cfg.Queue.Capacity = getEnvAsInt("MEDISYNC_QUEUE_CAPACITY", cfg.Queue.Capacity)
	if cfg.Queue.BaseDelay, err = getEnvAsDuration("MEDISYNC_BASE_DELAY", cfg.Queue.BaseDelay); err != nil {
		return err
	}

	if cfg.Conflict.AmbiguityWindow, err = getEnvAsDuration("MEDISYNC_AMBIGUITY_WINDOW", cfg.Conflict.AmbiguityWindow); err != nil {
		return err
	}
	if cfg.Connection.DwellTime, err = getEnvAsDuration("MEDISYNC_DWELL_TIME", cfg.Connection.DwellTime); err != nil {
		return err
	}

	cfg.Store.DataDir = getEnv("MEDISYNC_DATA_DIR", cfg.Store.DataDir)
	cfg.Server.BaseURL = getEnv("MEDISYNC_SERVER_URL", cfg.Server.BaseURL)
	cfg.Server.ListenAddr = getEnv("MEDISYNC_LISTEN_ADDR", cfg.Server.ListenAddr)
	cfg.Server.Token = getEnv("MEDISYNC_TOKEN", cfg.Server.Token)
	cfg.Logging.Level = getEnv("MEDISYNC_LOG_LEVEL", cfg.Logging.Level)
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(valueStr)
	if err != nil {
		return 0, apperrors.InvalidConfig(fmt.Sprintf("invalid %s", key), err)
	}
	return d, nil
}
