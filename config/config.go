package config

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/eddielth/telemetry-normalizer/logger"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. NORMALIZER_MQTT_BROKER
const EnvPrefix = "NORMALIZER"

// Config represents the application configuration
type Config struct {
	MQTT       MQTTConfig        `mapstructure:"mqtt"`
	Kafka      KafkaConfig       `mapstructure:"kafka"`
	Files      FileSourceConfig  `mapstructure:"files"`
	API        APIConfig         `mapstructure:"api"`
	Scripts    map[string]Script `mapstructure:"scripts"`
	Validation ValidationConfig  `mapstructure:"validation"`
	Storage    StorageConfig     `mapstructure:"storage"`
	Logger     LoggerConfig      `mapstructure:"logger"`
}

// MQTTConfig represents the MQTT source configuration
type MQTTConfig struct {
	Enabled  bool     `mapstructure:"enabled"`
	Broker   string   `mapstructure:"broker"`
	ClientID string   `mapstructure:"client_id"`
	Username string   `mapstructure:"username"`
	Password string   `mapstructure:"password"`
	Topics   []string `mapstructure:"topics"`
	QoS      byte     `mapstructure:"qos"`
}

// KafkaConfig represents the Kafka source configuration
type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
	GroupID string   `mapstructure:"group_id"`
}

// FileSourceConfig lists files processed at startup and an optional spool
// directory watched for new files
type FileSourceConfig struct {
	Paths    []string `mapstructure:"paths"`
	WatchDir string   `mapstructure:"watch_dir"`
}

// APIConfig represents the HTTP normalize endpoint
type APIConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

// Script represents an enrichment script for one device type
type Script struct {
	ScriptPath string `mapstructure:"script_path"`
	ScriptCode string `mapstructure:"script_code"`
}

// ValidationConfig holds the range rules applied to canonical data fields
type ValidationConfig struct {
	Rules []RangeRule `mapstructure:"rules"`
}

// RangeRule bounds a numeric data field
type RangeRule struct {
	Field string  `mapstructure:"field"`
	Min   float64 `mapstructure:"min"`
	Max   float64 `mapstructure:"max"`
}

// LoggerConfig represents the logging configuration
type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	Console    bool   `mapstructure:"console"`
}

// StorageConfig represents the sink configuration
type StorageConfig struct {
	File     FileStorageConfig     `mapstructure:"file"`
	Database DatabaseStorageConfig `mapstructure:"database"`
	Kafka    KafkaSinkConfig       `mapstructure:"kafka"`
}

// FileStorageConfig represents the file sink configuration
type FileStorageConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// DatabaseStorageConfig represents the SQL sink configuration.
// Driver only applies to postgresql and is either "postgres" or "pgx".
type DatabaseStorageConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Type    string `mapstructure:"type"`
	Driver  string `mapstructure:"driver"`
	DSN     string `mapstructure:"dsn"`
}

// KafkaSinkConfig represents the Kafka sink configuration
type KafkaSinkConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// ConfigChangeCallback is called with the new configuration after the file changes
type ConfigChangeCallback func(cfg *Config) error

func setDefaults() {
	viper.SetDefault("mqtt.qos", 0)
	viper.SetDefault("mqtt.topics", []string{"telemetry/#"})
	viper.SetDefault("kafka.group_id", "telemetry-normalizer")
	viper.SetDefault("api.host", "0.0.0.0")
	viper.SetDefault("api.port", 8080)
	viper.SetDefault("storage.file.path", "./data")
	viper.SetDefault("storage.database.driver", "postgres")
	viper.SetDefault("logger.level", "info")
	viper.SetDefault("logger.file_path", "./logs/app.log")
	viper.SetDefault("logger.max_size", 10)
	viper.SetDefault("logger.max_backups", 5)
	viper.SetDefault("logger.console", true)
}

// LoadConfig loads the configuration file at configPath. Environment
// variables prefixed with EnvPrefix override file values.
func LoadConfig(configPath string) (*Config, error) {
	viper.Reset()
	setDefaults()

	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")
	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		return nil, err
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// WatchConfig watches the config file and calls callback on each change
func WatchConfig(configPath string, callback ConfigChangeCallback) error {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return err
	}

	viper.SetConfigFile(absPath)
	viper.WatchConfig()

	// editors often emit several writes per save
	var lastChangeTime time.Time
	var debounceInterval = 2 * time.Second

	viper.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) {
			return
		}

		now := time.Now()
		if now.Sub(lastChangeTime) < debounceInterval {
			return
		}
		lastChangeTime = now

		logger.Info("config file changed: %s", e.Name)

		var newConfig Config
		if err := viper.Unmarshal(&newConfig); err != nil {
			logger.Error("failed to parse updated config: %v", err)
			return
		}
		if err := Validate(&newConfig); err != nil {
			logger.Error("updated config rejected: %v", err)
			return
		}

		if err := callback(&newConfig); err != nil {
			logger.Error("failed to apply new config: %v", err)
			return
		}

		logger.Info("config updated and applied")
	})

	return nil
}
