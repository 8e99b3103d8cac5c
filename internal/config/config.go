package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config is the full service configuration.
type Config struct {
	Server     ServerConfig     `mapstructure:"server" validate:"required"`
	Log        LogConfig        `mapstructure:"log"`
	Governance GovernanceConfig `mapstructure:"governance"`
	Audit      AuditConfig      `mapstructure:"audit"`
}

// ServerConfig configures the HTTP API listener.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr" validate:"required"`
	Mode            string        `mapstructure:"mode" validate:"oneof=debug release test"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json console"`
}

// GovernanceConfig configures rollout and rollback policy.
type GovernanceConfig struct {
	AutoRollbackEnabled bool          `mapstructure:"auto_rollback_enabled"`
	RollbackCooldown    time.Duration `mapstructure:"rollback_cooldown" validate:"min=0"`
	MinConfidence       float64       `mapstructure:"min_confidence" validate:"gte=0,lte=1"`
	EscalationThreshold float64       `mapstructure:"escalation_threshold" validate:"gte=0,lte=1"`
	TriggerThreshold    float64       `mapstructure:"trigger_threshold" validate:"gt=0"`
	TriggerWindow       time.Duration `mapstructure:"trigger_window" validate:"gt=0"`
	TriggerDebounce     int           `mapstructure:"trigger_debounce" validate:"min=1"`
	TriggerSampleFloor  int           `mapstructure:"trigger_sample_floor" validate:"min=1"`
	MetricBufferSamples int           `mapstructure:"metric_buffer_samples" validate:"min=1"`
}

// AuditConfig configures the audit sinks.
type AuditConfig struct {
	StoreEnabled  bool          `mapstructure:"store_enabled"`
	StoreDSN      string        `mapstructure:"store_dsn"`
	BatchSize     int           `mapstructure:"batch_size" validate:"min=1"`
	FlushInterval time.Duration `mapstructure:"flush_interval" validate:"gt=0"`
	KafkaEnabled  bool          `mapstructure:"kafka_enabled"`
	KafkaBrokers  []string      `mapstructure:"kafka_brokers"`
	KafkaTopic    string        `mapstructure:"kafka_topic"`
}

// Load reads configuration from the given file (optional), environment
// variables prefixed MODELGOV_, and built-in defaults, then validates it.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("MODELGOV")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("modelgov")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/modelgov")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && path != "" {
			return nil, fmt.Errorf("failed to read configuration file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8084")
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.shutdown_timeout", "15s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("governance.auto_rollback_enabled", true)
	v.SetDefault("governance.rollback_cooldown", "5m")
	v.SetDefault("governance.min_confidence", 0.7)
	v.SetDefault("governance.escalation_threshold", 0.5)
	v.SetDefault("governance.trigger_threshold", 0.5)
	v.SetDefault("governance.trigger_window", "5m")
	v.SetDefault("governance.trigger_debounce", 3)
	v.SetDefault("governance.trigger_sample_floor", 10)
	v.SetDefault("governance.metric_buffer_samples", 1000)

	v.SetDefault("audit.store_enabled", false)
	v.SetDefault("audit.store_dsn", "modelgov_audit.db")
	v.SetDefault("audit.batch_size", 100)
	v.SetDefault("audit.flush_interval", "5s")
	v.SetDefault("audit.kafka_enabled", false)
	v.SetDefault("audit.kafka_brokers", []string{"localhost:9092"})
	v.SetDefault("audit.kafka_topic", "governance.audit")
}
